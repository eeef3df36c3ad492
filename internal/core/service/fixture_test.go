package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rl1809/storefront/internal/adapter/storage"
	"github.com/rl1809/storefront/internal/core/domain"
	"github.com/rl1809/storefront/internal/core/retry"
	"github.com/rl1809/storefront/internal/port"
)

var (
	customer = domain.Actor{UserID: "user-1", Role: domain.RoleCustomer}
	admin    = domain.Actor{UserID: "admin-1", Role: domain.RoleAdmin}
)

type fixture struct {
	store        port.Store
	ledger       *StockLedger
	reservations *ReservationService
	carts        *CartService
	orders       *OrderService
	idempotency  *storage.MemoryIdempotency
}

func testPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 3, BaseDelay: time.Microsecond, MaxDelay: time.Microsecond, Jitter: 0.5}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithStore(t, storage.NewMemoryAdapter(), zap.NewNop())
}

func newFixtureWithStore(t *testing.T, store port.Store, logger *zap.Logger) *fixture {
	t.Helper()

	ledger := NewStockLedger(store, testPolicy(), logger)
	reservations := NewReservationService(store, logger)
	idem := storage.NewMemoryIdempotency(time.Hour)
	orders := NewOrderService(store, ledger, reservations, idem, logger, 100)
	t.Cleanup(orders.Close)

	return &fixture{
		store:        store,
		ledger:       ledger,
		reservations: reservations,
		carts:        NewCartService(store, reservations, logger),
		orders:       orders,
		idempotency:  idem,
	}
}

func (f *fixture) registerItem(t *testing.T, id, price string, stock int) {
	t.Helper()

	product := domain.Product{ID: id, Name: "product " + id, Price: decimal.RequireFromString(price), Active: true}
	if _, err := f.ledger.RegisterItem(context.Background(), product, stock, 1, "admin-1"); err != nil {
		t.Fatalf("register item %s: %v", id, err)
	}
}

func (f *fixture) availability(t *testing.T, id string) domain.Availability {
	t.Helper()

	a, err := f.ledger.GetAvailability(context.Background(), id)
	if err != nil {
		t.Fatalf("availability %s: %v", id, err)
	}
	return a
}

func (f *fixture) assertReconciles(t *testing.T, id string) {
	t.Helper()

	rec, err := f.ledger.Reconcile(context.Background(), id)
	if err != nil {
		t.Fatalf("reconcile %s: %v", id, err)
	}
	if !rec.Consistent() {
		t.Errorf("history of %s does not reconcile: %v", id, rec.Problems)
	}
}

// wrappedStore hands every transaction through wrap, letting tests inject faults.
type wrappedStore struct {
	port.Store
	wrap func(port.Tx) port.Tx
}

func (w wrappedStore) InTx(ctx context.Context, fn func(tx port.Tx) error) error {
	return w.Store.InTx(ctx, func(tx port.Tx) error {
		return fn(w.wrap(tx))
	})
}

var errInjected = errors.New("injected failure")

// conflictTx reports a version conflict until remaining drops below zero.
type conflictTx struct {
	port.Tx
	remaining *atomic.Int32
}

func (c conflictTx) UpdateStockVersioned(ctx context.Context, itemID string, stock int, expectedVersion int64) error {
	if c.remaining.Add(-1) >= 0 {
		return port.ErrOptimisticLock
	}
	return c.Tx.UpdateStockVersioned(ctx, itemID, stock, expectedVersion)
}

// driftTx reports zero reserved units for the listed items.
type driftTx struct {
	port.Tx
	items map[string]bool
}

func (d driftTx) LockStockItem(ctx context.Context, itemID string) (*domain.StockItem, error) {
	item, err := d.Tx.LockStockItem(ctx, itemID)
	if err == nil && d.items[itemID] {
		item.Reserved = 0
	}
	return item, err
}

type failingUpsertTx struct {
	port.Tx
}

func (failingUpsertTx) UpsertCartItem(context.Context, domain.CartItem) error {
	return errInjected
}

// failingOrderItemTx fails the insert of the order item for itemID.
type failingOrderItemTx struct {
	port.Tx
	itemID string
}

func (f failingOrderItemTx) InsertOrderItem(ctx context.Context, item domain.OrderItem) error {
	if item.ItemID == f.itemID {
		return errInjected
	}
	return f.Tx.InsertOrderItem(ctx, item)
}

// failingHistoryTx fails history inserts of change for itemID.
type failingHistoryTx struct {
	port.Tx
	itemID string
	change domain.ChangeType
}

func (f failingHistoryTx) InsertInventoryHistory(ctx context.Context, entry domain.InventoryHistoryEntry) error {
	if entry.ItemID == f.itemID && entry.ChangeType == f.change {
		return errInjected
	}
	return f.Tx.InsertInventoryHistory(ctx, entry)
}

// afterCommitStore runs onCommit once, after the next transaction commits.
type afterCommitStore struct {
	port.Store
	onCommit func()
}

func (s *afterCommitStore) InTx(ctx context.Context, fn func(tx port.Tx) error) error {
	err := s.Store.InTx(ctx, fn)
	if err == nil && s.onCommit != nil {
		hook := s.onCommit
		s.onCommit = nil
		hook()
	}
	return err
}
