package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/rl1809/storefront/internal/core/domain"
	"github.com/rl1809/storefront/internal/core/retry"
	"github.com/rl1809/storefront/internal/port"
)

// StockLedger owns the stock counter of every item. Direct corrections go
// through AdjustStock, which uses optimistic concurrency: a versioned
// conditional update retried under the injected policy.
type StockLedger struct {
	store  port.Store
	policy retry.Policy
	logger *zap.Logger
	now    func() time.Time
}

func NewStockLedger(store port.Store, policy retry.Policy, logger *zap.Logger) *StockLedger {
	if logger == nil {
		logger = zap.NewNop()
	}
	policy.Retryable = func(err error) bool {
		return errors.Is(err, port.ErrOptimisticLock)
	}
	return &StockLedger{
		store:  store,
		policy: policy,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (l *StockLedger) GetAvailability(ctx context.Context, itemID string) (domain.Availability, error) {
	var item *domain.StockItem
	err := l.store.InTx(ctx, func(tx port.Tx) error {
		var err error
		item, err = tx.GetStockItem(ctx, itemID)
		return err
	})
	if err != nil {
		return domain.Availability{}, err
	}
	return item.Availability(), nil
}

// RegisterItem creates an item and records its opening stock, so the
// history of every registered item replays from zero.
func (l *StockLedger) RegisterItem(ctx context.Context, product domain.Product, initialStock, minStock int, actorID string) (domain.StockItem, error) {
	if initialStock < 0 || minStock < 0 || initialStock > domain.MaxStock || minStock > domain.MaxStock {
		return domain.StockItem{}, domain.ErrInvalidQuantity
	}

	item := domain.StockItem{ID: product.ID, Stock: initialStock, MinStock: minStock}
	err := l.store.InTx(ctx, func(tx port.Tx) error {
		if err := tx.CreateItem(ctx, product, item); err != nil {
			return err
		}
		if initialStock == 0 {
			return nil
		}
		return tx.InsertInventoryHistory(ctx, newHistoryEntry(
			domain.StockItem{ID: product.ID}, domain.ChangeAdd, initialStock, initialStock, 0, "", actorID, "initial stock", l.now(),
		))
	})
	if err != nil {
		return domain.StockItem{}, fmt.Errorf("register item %q: %w", product.ID, err)
	}

	l.logger.Info("item registered", zap.String("item_id", product.ID), zap.Int("stock", initialStock))
	return item, nil
}

// AdjustStock adds or subtracts physical stock. Stock never drops below the
// reserved count.
func (l *StockLedger) AdjustStock(ctx context.Context, adj domain.StockAdjustment) (domain.StockItem, error) {
	ctx, span := startSpan(ctx, "StockLedger.AdjustStock",
		attribute.String("item.id", adj.ItemID),
		attribute.String("stock.operation", string(adj.Operation)),
		attribute.Int("stock.quantity", adj.Quantity),
	)

	result, err := l.adjustStock(ctx, adj)
	endSpan(span, err)
	return result, err
}

func (l *StockLedger) adjustStock(ctx context.Context, adj domain.StockAdjustment) (domain.StockItem, error) {
	if adj.Quantity <= 0 || adj.Quantity > domain.MaxStock {
		return domain.StockItem{}, domain.ErrInvalidQuantity
	}
	if adj.Operation != domain.ChangeAdd && adj.Operation != domain.ChangeSubtract {
		return domain.StockItem{}, fmt.Errorf("%w: operation %q", domain.ErrInvalidQuantity, adj.Operation)
	}

	var result domain.StockItem
	attempts, err := l.policy.Do(ctx, func(ctx context.Context, attempt int) error {
		return l.store.InTx(ctx, func(tx port.Tx) error {
			item, err := tx.GetStockItem(ctx, adj.ItemID)
			if err != nil {
				return err
			}

			if adj.Operation == domain.ChangeAdd && adj.Quantity > domain.MaxStock-item.Stock {
				return fmt.Errorf("%w: stock of %s would exceed %d", domain.ErrInvalidQuantity, adj.ItemID, domain.MaxStock)
			}

			newStock := item.Stock + adj.Quantity
			if adj.Operation == domain.ChangeSubtract {
				newStock = item.Stock - adj.Quantity
				if newStock < item.Reserved {
					return &domain.InsufficientStockError{
						ItemID:    adj.ItemID,
						Requested: adj.Quantity,
						Available: item.Available(),
					}
				}
			}

			if err := tx.UpdateStockVersioned(ctx, adj.ItemID, newStock, item.Version); err != nil {
				return err
			}

			entry := newHistoryEntry(*item, adj.Operation, adj.Quantity, newStock, item.Reserved,
				adj.OrderID, adj.ActorID, adj.Note, l.now())
			if err := tx.InsertInventoryHistory(ctx, entry); err != nil {
				return err
			}

			result = *item
			result.Stock = newStock
			result.Version++
			return nil
		})
	})

	if errors.Is(err, retry.ErrExhausted) {
		l.logger.Warn("stock adjustment retries exhausted",
			zap.String("item_id", adj.ItemID), zap.Int("attempts", attempts))
		return domain.StockItem{}, &domain.ConcurrencyExhaustedError{ItemID: adj.ItemID, Attempts: attempts, Err: err}
	}
	if err != nil {
		return domain.StockItem{}, err
	}

	l.logger.Debug("stock adjusted",
		zap.String("item_id", adj.ItemID),
		zap.String("operation", string(adj.Operation)),
		zap.Int("quantity", adj.Quantity),
		zap.Int("stock", result.Stock),
		zap.Int("attempts", attempts),
	)
	return result, nil
}

// History returns the item's inventory history, oldest first.
func (l *StockLedger) History(ctx context.Context, itemID string) ([]domain.InventoryHistoryEntry, error) {
	var entries []domain.InventoryHistoryEntry
	err := l.store.InTx(ctx, func(tx port.Tx) error {
		if _, err := tx.GetStockItem(ctx, itemID); err != nil {
			return err
		}
		var err error
		entries, err = tx.ListInventoryHistory(ctx, itemID)
		return err
	})
	return entries, err
}

// Reconcile replays the item's history from zero and compares the result
// with the stored counters.
func (l *StockLedger) Reconcile(ctx context.Context, itemID string) (domain.Reconciliation, error) {
	var (
		item    *domain.StockItem
		entries []domain.InventoryHistoryEntry
	)
	err := l.store.InTx(ctx, func(tx port.Tx) error {
		var err error
		if item, err = tx.GetStockItem(ctx, itemID); err != nil {
			return err
		}
		entries, err = tx.ListInventoryHistory(ctx, itemID)
		return err
	})
	if err != nil {
		return domain.Reconciliation{}, err
	}

	rec := replayHistory(entries)
	rec.ItemID = itemID
	rec.CurrentStock = item.Stock
	rec.CurrentReserved = item.Reserved
	if rec.ReplayedStock != item.Stock || rec.ReplayedReserved != item.Reserved {
		rec.Problems = append(rec.Problems, fmt.Sprintf(
			"replayed stock %d/reserved %d, stored stock %d/reserved %d",
			rec.ReplayedStock, rec.ReplayedReserved, item.Stock, item.Reserved))
	}
	if len(rec.Problems) > 0 {
		l.logger.Warn("inventory history does not reconcile",
			zap.String("item_id", itemID), zap.Strings("problems", rec.Problems))
	}
	return rec, nil
}

func replayHistory(entries []domain.InventoryHistoryEntry) domain.Reconciliation {
	rec := domain.Reconciliation{Entries: len(entries)}
	stock, reserved := 0, 0

	for _, e := range entries {
		if e.StockBefore != stock || e.ReservedBefore != reserved {
			rec.Problems = append(rec.Problems, fmt.Sprintf(
				"entry %d starts at stock %d/reserved %d, ledger is at %d/%d",
				e.ID, e.StockBefore, e.ReservedBefore, stock, reserved))
		}

		ds, dr := e.StockAfter-e.StockBefore, e.ReservedAfter-e.ReservedBefore
		var ok bool
		switch e.ChangeType {
		case domain.ChangeAdd:
			ok = ds == e.Quantity && dr == 0
		case domain.ChangeSubtract:
			// a confirmation consumes the reservation as well
			ok = ds == -e.Quantity && (dr == 0 || dr == -e.Quantity)
		case domain.ChangeReserve:
			ok = ds == 0 && dr == e.Quantity
		case domain.ChangeRelease:
			ok = ds == 0 && dr == -e.Quantity
		}
		if !ok {
			rec.Problems = append(rec.Problems, fmt.Sprintf(
				"entry %d (%s %d) moves stock by %d and reserved by %d", e.ID, e.ChangeType, e.Quantity, ds, dr))
		}

		stock, reserved = e.StockAfter, e.ReservedAfter
	}

	rec.ReplayedStock = stock
	rec.ReplayedReserved = reserved
	return rec
}

func newHistoryEntry(before domain.StockItem, change domain.ChangeType, quantity, stockAfter, reservedAfter int,
	orderID, actorID, note string, at time.Time) domain.InventoryHistoryEntry {
	return domain.InventoryHistoryEntry{
		ItemID:          before.ID,
		ChangeType:      change,
		Quantity:        quantity,
		StockBefore:     before.Stock,
		StockAfter:      stockAfter,
		ReservedBefore:  before.Reserved,
		ReservedAfter:   reservedAfter,
		CausedByOrderID: orderID,
		ActorID:         actorID,
		Note:            note,
		CreatedAt:       at,
	}
}
