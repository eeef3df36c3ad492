package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	otelkafka "github.com/Trendyol/otel-kafka-konsumer"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/rl1809/storefront/internal/core/domain"
)

const (
	batchTimeout = 10 * time.Millisecond
	batchSize    = 100

	eventTypeHeader = "event-type"
)

type messageWriter interface {
	WriteMessage(ctx context.Context, msg kafka.Message) error
	Close() error
}

// KafkaPublisher writes order events to one topic keyed by order id, so
// the events of an order stay ordered within a partition.
type KafkaPublisher struct {
	writer messageWriter
}

func NewKafkaPublisher(brokers []string, topic, clientID string, tp trace.TracerProvider) (*KafkaPublisher, error) {
	base := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: batchTimeout,
		BatchSize:    batchSize,
		RequiredAcks: kafka.RequireAll,
	}

	writer, err := otelkafka.NewWriter(base,
		otelkafka.WithTracerProvider(tp),
		otelkafka.WithPropagator(propagation.TraceContext{}),
		otelkafka.WithAttributes([]attribute.KeyValue{
			semconv.MessagingDestinationNameKey.String(topic),
			attribute.String("messaging.kafka.client_id", clientID),
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka writer: %w", err)
	}
	return &KafkaPublisher{writer: writer}, nil
}

func (p *KafkaPublisher) PublishOrderEvent(ctx context.Context, event domain.OrderEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal order event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(event.OrderID),
		Value: payload,
		Time:  event.OccurredAt,
		Headers: []kafka.Header{
			{Key: eventTypeHeader, Value: []byte(event.Type)},
		},
	}
	if err := p.writer.WriteMessage(ctx, msg); err != nil {
		return fmt.Errorf("write order event %s: %w", event.ID, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
