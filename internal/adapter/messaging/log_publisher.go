package messaging

import (
	"context"

	"go.uber.org/zap"

	"github.com/rl1809/storefront/internal/core/domain"
)

// LogPublisher stands in for Kafka when no brokers are configured.
type LogPublisher struct {
	logger *zap.Logger
}

func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) PublishOrderEvent(ctx context.Context, event domain.OrderEvent) error {
	p.logger.Info("order event",
		zap.String("event_id", event.ID),
		zap.String("type", string(event.Type)),
		zap.String("order_id", event.OrderID),
		zap.String("status", string(event.Status)),
	)
	return nil
}

func (p *LogPublisher) Close() error {
	return nil
}
