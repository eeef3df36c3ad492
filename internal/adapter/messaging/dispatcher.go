package messaging

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/rl1809/storefront/internal/core/domain"
	"github.com/rl1809/storefront/internal/core/retry"
	"github.com/rl1809/storefront/internal/port"
)

const (
	publishTimeout = 5 * time.Second
	shardBuffer    = 64
)

type EventObserver interface {
	ObserveEvent(event domain.OrderEvent, err error)
}

// Dispatcher drains the order event queue with a fixed pool of workers.
// Events are sharded by order ID, so one order's events are published in
// the order they were queued. A failed publish is retried under the policy
// and then logged; events are never handed back to the queue.
type Dispatcher struct {
	publisher port.EventPublisher
	policy    retry.Policy
	observer  EventObserver
	logger    *zap.Logger
	workers   int

	wg sync.WaitGroup
}

func NewDispatcher(publisher port.EventPublisher, policy retry.Policy, observer EventObserver, logger *zap.Logger, workers int) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		publisher: publisher,
		policy:    policy,
		observer:  observer,
		logger:    logger,
		workers:   max(workers, 1),
	}
}

// Start launches the workers. They exit once queue is closed and drained.
func (d *Dispatcher) Start(queue <-chan domain.OrderEvent) {
	shards := make([]chan domain.OrderEvent, d.workers)
	for i := range shards {
		shards[i] = make(chan domain.OrderEvent, shardBuffer)
		d.wg.Add(1)
		go func(id int) {
			defer d.wg.Done()
			d.workerLoop(id, shards[id])
		}(i)
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for event := range queue {
			shards[shardFor(event.OrderID, len(shards))] <- event
		}
		for _, shard := range shards {
			close(shard)
		}
	}()
	d.logger.Info("event dispatcher started", zap.Int("workers", d.workers))
}

func shardFor(orderID string, shards int) int {
	return int(xxhash.Sum64String(orderID) % uint64(shards))
}

// Wait blocks until every worker has exited.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) workerLoop(id int, queue <-chan domain.OrderEvent) {
	for event := range queue {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)

		attempts, err := d.policy.Do(ctx, func(ctx context.Context, _ int) error {
			return d.publisher.PublishOrderEvent(ctx, event)
		})
		if err != nil {
			d.logger.Error("failed to publish order event",
				zap.Int("worker", id),
				zap.String("event_id", event.ID),
				zap.String("type", string(event.Type)),
				zap.String("order_id", event.OrderID),
				zap.Int("attempts", attempts),
				zap.Error(err),
			)
		} else {
			d.logger.Debug("order event published",
				zap.Int("worker", id), zap.String("event_id", event.ID), zap.String("order_id", event.OrderID))
		}
		if d.observer != nil {
			d.observer.ObserveEvent(event, err)
		}

		cancel()
	}
}
