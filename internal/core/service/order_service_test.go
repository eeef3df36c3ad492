package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/rl1809/storefront/internal/adapter/storage"
	"github.com/rl1809/storefront/internal/core/domain"
	"github.com/rl1809/storefront/internal/port"
)

func (f *fixture) checkoutCart(t *testing.T, userID string, lines map[string]int) *domain.Order {
	t.Helper()

	ctx := context.Background()
	for itemID, qty := range lines {
		if _, err := f.carts.AddItem(ctx, userID, itemID, qty); err != nil {
			t.Fatalf("add %s to cart: %v", itemID, err)
		}
	}
	order, err := f.orders.CreateOrderFromCart(ctx, userID, domain.DeliveryInfo{Address: "1 Main St", Phone: "555-0100"})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	return order
}

func drainEvents(orders *OrderService) []domain.OrderEvent {
	var events []domain.OrderEvent
	for {
		select {
		case e := <-orders.GetEventQueue():
			events = append(events, e)
		default:
			return events
		}
	}
}

func TestCreateOrderFromCart(t *testing.T) {
	f := newFixture(t)
	f.registerItem(t, "A", "10", 5)
	f.registerItem(t, "B", "20", 5)
	ctx := context.Background()

	order := f.checkoutCart(t, "user-1", map[string]int{"A": 2, "B": 1})

	if !order.TotalAmount.Equal(decimal.NewFromInt(40)) {
		t.Errorf("expected total 40, got %s", order.TotalAmount)
	}
	if order.Status != domain.OrderStatusPending {
		t.Errorf("expected pending, got %s", order.Status)
	}
	if len(order.Items) != 2 {
		t.Fatalf("expected 2 order items, got %d", len(order.Items))
	}
	if !order.Summary().TotalAmount.Equal(order.TotalAmount) {
		t.Errorf("line totals %s do not add up to %s", order.Summary().TotalAmount, order.TotalAmount)
	}

	a, b := f.availability(t, "A"), f.availability(t, "B")
	if a.Stock != 3 || a.Reserved != 0 {
		t.Errorf("expected A stock 3 reserved 0, got %+v", a)
	}
	if b.Stock != 4 || b.Reserved != 0 {
		t.Errorf("expected B stock 4 reserved 0, got %+v", b)
	}

	view, _ := f.carts.GetCart(ctx, "user-1")
	if len(view.Lines) != 0 {
		t.Errorf("expected cart to be emptied, got %d lines", len(view.Lines))
	}

	history, _ := f.ledger.History(ctx, "A")
	last := history[len(history)-1]
	if last.ChangeType != domain.ChangeSubtract || last.CausedByOrderID != order.ID {
		t.Errorf("expected subtract entry caused by the order, got %+v", last)
	}
	f.assertReconciles(t, "A")
	f.assertReconciles(t, "B")

	events := drainEvents(f.orders)
	if len(events) != 1 || events[0].Type != domain.OrderEventCreated || events[0].TotalAmount != "40.00" {
		t.Errorf("expected one created event, got %+v", events)
	}
}

func TestCreateOrderFromCart_FreezesPrices(t *testing.T) {
	f := newFixture(t)
	f.registerItem(t, "A", "10", 5)
	ctx := context.Background()

	order := f.checkoutCart(t, "user-1", map[string]int{"A": 1})

	stored, err := f.orders.GetOrder(ctx, order.ID, customer)
	if err != nil {
		t.Fatalf("get order failed: %v", err)
	}
	if !stored.Items[0].Price.Equal(decimal.NewFromInt(10)) || stored.Items[0].Name != "product A" {
		t.Errorf("expected frozen line, got %+v", stored.Items[0])
	}
}

func TestCreateOrderFromCart_EmptyCart(t *testing.T) {
	f := newFixture(t)
	f.registerItem(t, "A", "10", 5)
	ctx := context.Background()

	if _, err := f.orders.CreateOrderFromCart(ctx, "user-1", domain.DeliveryInfo{}); !errors.Is(err, domain.ErrEmptyCart) {
		t.Errorf("expected ErrEmptyCart without a cart, got: %v", err)
	}

	line, _ := f.carts.AddItem(ctx, "user-1", "A", 1)
	f.carts.RemoveItem(ctx, "user-1", line.ID)

	if _, err := f.orders.CreateOrderFromCart(ctx, "user-1", domain.DeliveryInfo{}); !errors.Is(err, domain.ErrEmptyCart) {
		t.Errorf("expected ErrEmptyCart with an empty cart, got: %v", err)
	}
	if orders, _ := f.orders.ListOrders(ctx, "user-1"); len(orders) != 0 {
		t.Errorf("expected no orders, got %d", len(orders))
	}
}

func TestCreateOrderFromCart_ReportsEveryShortfall(t *testing.T) {
	drift := false
	store := wrappedStore{Store: storage.NewMemoryAdapter(), wrap: func(tx port.Tx) port.Tx {
		if drift {
			return driftTx{Tx: tx, items: map[string]bool{"A": true, "B": true}}
		}
		return tx
	}}
	f := newFixtureWithStore(t, store, zap.NewNop())
	f.registerItem(t, "A", "10", 5)
	f.registerItem(t, "B", "20", 5)
	f.registerItem(t, "C", "30", 5)
	ctx := context.Background()

	for id, qty := range map[string]int{"A": 2, "B": 1, "C": 1} {
		f.carts.AddItem(ctx, "user-1", id, qty)
	}

	drift = true
	_, err := f.orders.CreateOrderFromCart(ctx, "user-1", domain.DeliveryInfo{})
	drift = false

	var validation *domain.StockValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected StockValidationError, got: %v", err)
	}
	if len(validation.Shortfalls) != 2 {
		t.Fatalf("expected 2 shortfalls, got %+v", validation.Shortfalls)
	}
	if validation.Shortfalls[0].ItemID != "A" || validation.Shortfalls[1].ItemID != "B" {
		t.Errorf("unexpected shortfalls %+v", validation.Shortfalls)
	}

	if orders, _ := f.orders.ListOrders(ctx, "user-1"); len(orders) != 0 {
		t.Errorf("expected no order, got %d", len(orders))
	}
	view, _ := f.carts.GetCart(ctx, "user-1")
	if view.Summary.Units != 4 {
		t.Errorf("expected cart untouched with 4 units, got %d", view.Summary.Units)
	}
	if got := f.availability(t, "C").Reserved; got != 1 {
		t.Errorf("expected C still reserved, got %d", got)
	}
}

func TestCreateOrderFromCart_RollsBackOnWriteFailure(t *testing.T) {
	failing := false
	store := wrappedStore{Store: storage.NewMemoryAdapter(), wrap: func(tx port.Tx) port.Tx {
		if failing {
			return failingOrderItemTx{Tx: tx, itemID: "B"}
		}
		return tx
	}}
	f := newFixtureWithStore(t, store, zap.NewNop())
	f.registerItem(t, "A", "10", 5)
	f.registerItem(t, "B", "20", 5)
	ctx := context.Background()

	f.carts.AddItem(ctx, "user-1", "A", 2)
	f.carts.AddItem(ctx, "user-1", "B", 1)

	failing = true
	_, err := f.orders.CreateOrderFromCart(ctx, "user-1", domain.DeliveryInfo{})
	failing = false
	if !errors.Is(err, errInjected) {
		t.Fatalf("expected injected failure, got: %v", err)
	}

	a := f.availability(t, "A")
	if a.Stock != 5 || a.Reserved != 2 {
		t.Errorf("expected A confirmation rolled back, got %+v", a)
	}
	if orders, _ := f.orders.ListOrders(ctx, "user-1"); len(orders) != 0 {
		t.Errorf("expected no order, got %d", len(orders))
	}
	if events := drainEvents(f.orders); len(events) != 0 {
		t.Errorf("expected no events, got %+v", events)
	}
	f.assertReconciles(t, "A")
}

func TestCreateOrderFromCart_Idempotency(t *testing.T) {
	f := newFixture(t)
	f.registerItem(t, "A", "10", 5)
	ctx := context.Background()
	info := domain.DeliveryInfo{Address: "1 Main St", IdempotencyKey: "key-1"}

	if _, err := f.orders.CreateOrderFromCart(ctx, "user-1", info); !errors.Is(err, domain.ErrEmptyCart) {
		t.Fatalf("expected ErrEmptyCart, got: %v", err)
	}

	f.carts.AddItem(ctx, "user-1", "A", 1)
	if _, err := f.orders.CreateOrderFromCart(ctx, "user-1", info); err != nil {
		t.Fatalf("expected key to be released after a failed checkout, got: %v", err)
	}

	f.carts.AddItem(ctx, "user-1", "A", 1)
	if _, err := f.orders.CreateOrderFromCart(ctx, "user-1", info); !errors.Is(err, domain.ErrDuplicateRequest) {
		t.Errorf("expected ErrDuplicateRequest, got: %v", err)
	}
	if _, err := f.orders.CreateOrderFromCart(ctx, "user-2", info); !errors.Is(err, domain.ErrEmptyCart) {
		t.Errorf("keys must be scoped per user, got: %v", err)
	}

	orders, _ := f.orders.ListOrders(ctx, "user-1")
	if len(orders) != 1 {
		t.Errorf("expected exactly 1 order, got %d", len(orders))
	}
}

func TestCancelOrder_RestoresAfterCallerGoesAway(t *testing.T) {
	store := &afterCommitStore{Store: storage.NewMemoryAdapter()}
	f := newFixtureWithStore(t, store, zap.NewNop())
	f.registerItem(t, "A", "10", 5)

	order := f.checkoutCart(t, "user-1", map[string]int{"A": 2})
	drainEvents(f.orders)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store.onCommit = cancel

	cancelled, err := f.orders.CancelOrder(ctx, order.ID, customer, "client left")
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if cancelled.Status != domain.OrderStatusCancelled {
		t.Errorf("expected cancelled, got %s", cancelled.Status)
	}
	if ctx.Err() == nil {
		t.Fatal("expected the caller context to be cancelled after commit")
	}
	if got := f.availability(t, "A").Stock; got != 5 {
		t.Errorf("expected stock restored to 5, got %d", got)
	}
	f.assertReconciles(t, "A")
}

func TestCancelOrder_RestoresStock(t *testing.T) {
	f := newFixture(t)
	f.registerItem(t, "A", "10", 5)
	f.registerItem(t, "B", "20", 5)
	ctx := context.Background()

	order := f.checkoutCart(t, "user-1", map[string]int{"A": 2, "B": 1})
	drainEvents(f.orders)

	cancelled, err := f.orders.CancelOrder(ctx, order.ID, customer, "changed my mind")
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if cancelled.Status != domain.OrderStatusCancelled {
		t.Errorf("expected cancelled, got %s", cancelled.Status)
	}
	if got := f.availability(t, "A").Stock; got != 5 {
		t.Errorf("expected A stock restored to 5, got %d", got)
	}
	if got := f.availability(t, "B").Stock; got != 5 {
		t.Errorf("expected B stock restored to 5, got %d", got)
	}

	history, _ := f.orders.GetOrderStatusHistory(ctx, order.ID, customer)
	if len(history) != 1 || history[0].PreviousStatus != domain.OrderStatusPending ||
		history[0].NewStatus != domain.OrderStatusCancelled || history[0].Note != "changed my mind" {
		t.Errorf("unexpected status history %+v", history)
	}

	_, err = f.orders.CancelOrder(ctx, order.ID, customer, "again")
	var invalid *domain.InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Errorf("expected InvalidTransitionError on second cancel, got: %v", err)
	}
	if got := f.availability(t, "A").Stock; got != 5 {
		t.Errorf("expected no second restore, got stock %d", got)
	}

	events := drainEvents(f.orders)
	if len(events) != 1 || events[0].Type != domain.OrderEventCancelled || events[0].PreviousStatus != domain.OrderStatusPending {
		t.Errorf("expected one cancelled event, got %+v", events)
	}
	f.assertReconciles(t, "A")
}

func TestCancelOrder_ConcurrentCancelsRestoreOnce(t *testing.T) {
	f := newFixture(t)
	f.registerItem(t, "A", "10", 5)
	order := f.checkoutCart(t, "user-1", map[string]int{"A": 3})

	var (
		wg        sync.WaitGroup
		successes atomic.Int32
	)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.orders.CancelOrder(context.Background(), order.ID, customer, ""); err == nil {
				successes.Add(1)
			}
		}()
	}
	wg.Wait()

	if successes.Load() != 1 {
		t.Errorf("expected exactly 1 successful cancel, got %d", successes.Load())
	}
	if got := f.availability(t, "A").Stock; got != 5 {
		t.Errorf("expected stock 5, got %d", got)
	}
}

func TestCancelOrder_RestoreFailureIsLogged(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	conflicts := &atomic.Int32{}
	store := wrappedStore{Store: storage.NewMemoryAdapter(), wrap: func(tx port.Tx) port.Tx {
		return conflictTx{Tx: tx, remaining: conflicts}
	}}
	f := newFixtureWithStore(t, store, zap.New(core))
	f.registerItem(t, "A", "10", 5)
	ctx := context.Background()

	order := f.checkoutCart(t, "user-1", map[string]int{"A": 2})

	conflicts.Store(1000)
	cancelled, err := f.orders.CancelOrder(ctx, order.ID, customer, "")
	if err != nil {
		t.Fatalf("cancel must succeed even when restore fails, got: %v", err)
	}
	if cancelled.Status != domain.OrderStatusCancelled {
		t.Errorf("expected cancelled, got %s", cancelled.Status)
	}
	if got := f.availability(t, "A").Stock; got != 3 {
		t.Errorf("expected stock left at 3, got %d", got)
	}

	failures := logs.FilterMessage("stock restore failed after cancellation").All()
	if len(failures) != 1 {
		t.Fatalf("expected 1 logged restore failure, got %d", len(failures))
	}
	if failures[0].ContextMap()["item_id"] != "A" {
		t.Errorf("expected failure for item A, got %v", failures[0].ContextMap())
	}
}

func TestCancelOrder_Ownership(t *testing.T) {
	f := newFixture(t)
	f.registerItem(t, "A", "10", 5)
	ctx := context.Background()

	order := f.checkoutCart(t, "user-1", map[string]int{"A": 1})
	stranger := domain.Actor{UserID: "user-2", Role: domain.RoleCustomer}

	var notFound *domain.NotFoundError
	if _, err := f.orders.CancelOrder(ctx, order.ID, stranger, ""); !errors.As(err, &notFound) {
		t.Errorf("expected NotFoundError for another user's order, got: %v", err)
	}
	if _, err := f.orders.GetOrder(ctx, order.ID, stranger); !errors.As(err, &notFound) {
		t.Errorf("expected NotFoundError on get, got: %v", err)
	}
	if _, err := f.orders.GetOrder(ctx, order.ID, admin); err != nil {
		t.Errorf("admin should see every order, got: %v", err)
	}
	if _, err := f.orders.CancelOrder(ctx, "missing", customer, ""); !errors.As(err, &notFound) {
		t.Errorf("expected NotFoundError for unknown order, got: %v", err)
	}
}

func TestUpdateOrderStatus_FullWalk(t *testing.T) {
	f := newFixture(t)
	f.registerItem(t, "A", "10", 5)
	ctx := context.Background()

	order := f.checkoutCart(t, "user-1", map[string]int{"A": 1})
	drainEvents(f.orders)

	walk := []domain.OrderStatus{
		domain.OrderStatusConfirmed,
		domain.OrderStatusPreparing,
		domain.OrderStatusDelivery,
		domain.OrderStatusCompleted,
	}
	for _, status := range walk {
		updated, err := f.orders.UpdateOrderStatus(ctx, order.ID, status, admin, "moved to "+string(status))
		if err != nil {
			t.Fatalf("transition to %s failed: %v", status, err)
		}
		if updated.Status != status {
			t.Errorf("expected %s, got %s", status, updated.Status)
		}
	}

	history, err := f.orders.GetOrderStatusHistory(ctx, order.ID, customer)
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if len(history) != len(walk) {
		t.Fatalf("expected %d entries, got %d", len(walk), len(history))
	}
	if !domain.ValidWalk(history) {
		t.Errorf("history is not a valid walk: %+v", history)
	}
	if history[0].UpdatedBy != admin.UserID {
		t.Errorf("expected updated by %s, got %s", admin.UserID, history[0].UpdatedBy)
	}

	if events := drainEvents(f.orders); len(events) != len(walk) {
		t.Errorf("expected %d status events, got %d", len(walk), len(events))
	}

	for _, status := range []domain.OrderStatus{domain.OrderStatusCancelled, domain.OrderStatusPending} {
		_, err := f.orders.UpdateOrderStatus(ctx, order.ID, status, admin, "")
		var invalid *domain.InvalidTransitionError
		if !errors.As(err, &invalid) {
			t.Errorf("completed -> %s: expected InvalidTransitionError, got: %v", status, err)
		}
	}
}

func TestUpdateOrderStatus_Rejections(t *testing.T) {
	f := newFixture(t)
	f.registerItem(t, "A", "10", 5)
	ctx := context.Background()

	order := f.checkoutCart(t, "user-1", map[string]int{"A": 1})

	_, err := f.orders.UpdateOrderStatus(ctx, order.ID, domain.OrderStatusDelivery, admin, "")
	var invalid *domain.InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Errorf("pending -> delivery: expected InvalidTransitionError, got: %v", err)
	} else if invalid.From != domain.OrderStatusPending || invalid.To != domain.OrderStatusDelivery {
		t.Errorf("unexpected transition error %+v", invalid)
	}

	if _, err := f.orders.UpdateOrderStatus(ctx, order.ID, domain.OrderStatusConfirmed, customer, ""); !errors.Is(err, domain.ErrForbidden) {
		t.Errorf("expected ErrForbidden for customer, got: %v", err)
	}
	if _, err := f.orders.UpdateOrderStatus(ctx, order.ID, "shipped", admin, ""); !errors.Is(err, domain.ErrInvalidStatus) {
		t.Errorf("expected ErrInvalidStatus, got: %v", err)
	}

	stored, _ := f.orders.GetOrder(ctx, order.ID, customer)
	if stored.Status != domain.OrderStatusPending {
		t.Errorf("expected order to stay pending, got %s", stored.Status)
	}
	history, _ := f.orders.GetOrderStatusHistory(ctx, order.ID, customer)
	if len(history) != 0 {
		t.Errorf("expected no history entries, got %d", len(history))
	}
}

func TestUpdateOrderStatus_AdminCancelRestoresStock(t *testing.T) {
	f := newFixture(t)
	f.registerItem(t, "A", "10", 5)
	ctx := context.Background()

	order := f.checkoutCart(t, "user-1", map[string]int{"A": 2})
	if _, err := f.orders.UpdateOrderStatus(ctx, order.ID, domain.OrderStatusConfirmed, admin, ""); err != nil {
		t.Fatalf("confirm failed: %v", err)
	}

	cancelled, err := f.orders.UpdateOrderStatus(ctx, order.ID, domain.OrderStatusCancelled, admin, "out of delivery area")
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if cancelled.Status != domain.OrderStatusCancelled || cancelled.Notes != "out of delivery area" {
		t.Errorf("unexpected order %+v", cancelled)
	}
	if got := f.availability(t, "A").Stock; got != 5 {
		t.Errorf("expected stock restored to 5, got %d", got)
	}

	history, _ := f.orders.GetOrderStatusHistory(ctx, order.ID, admin)
	if !domain.ValidWalk(history) || len(history) != 2 {
		t.Errorf("unexpected history %+v", history)
	}
}

func TestListOrders_NewestFirst(t *testing.T) {
	f := newFixture(t)
	f.registerItem(t, "A", "10", 5)

	clock := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	f.orders.now = func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}

	first := f.checkoutCart(t, "user-1", map[string]int{"A": 1})
	second := f.checkoutCart(t, "user-1", map[string]int{"A": 2})
	f.checkoutCart(t, "user-2", map[string]int{"A": 1})

	orders, err := f.orders.ListOrders(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(orders) != 2 {
		t.Fatalf("expected 2 orders, got %d", len(orders))
	}
	if orders[0].ID != second.ID || orders[1].ID != first.ID {
		t.Errorf("expected newest first, got %s then %s", orders[0].ID, orders[1].ID)
	}
}

func TestEventQueue_DropsWhenFullAndStopsAfterClose(t *testing.T) {
	f := newFixture(t)
	f.registerItem(t, "A", "10", 5)

	orders := NewOrderService(f.store, f.ledger, f.reservations, nil, zap.NewNop(), 1)
	ctx := context.Background()

	for range 2 {
		f.carts.AddItem(ctx, "user-1", "A", 1)
		if _, err := orders.CreateOrderFromCart(ctx, "user-1", domain.DeliveryInfo{}); err != nil {
			t.Fatalf("checkout failed: %v", err)
		}
	}
	orders.Close()
	orders.Close()

	var received int
	for range orders.GetEventQueue() {
		received++
	}
	if received != 1 {
		t.Errorf("expected 1 queued event, got %d", received)
	}
}
