package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/rl1809/storefront/internal/core/domain"
	"github.com/rl1809/storefront/internal/port"
)

// OrderService turns carts into orders and drives orders through their
// status lifecycle. Committed changes are announced on the event queue.
type OrderService struct {
	store        port.Store
	ledger       *StockLedger
	reservations *ReservationService
	idempotency  port.IdempotencyStore
	logger       *zap.Logger
	now          func() time.Time
	newID        func() string

	mu         sync.RWMutex
	closed     bool
	eventQueue chan domain.OrderEvent
}

// NewOrderService wires the orchestrator. idempotency may be nil, in which
// case checkout idempotency keys are ignored.
func NewOrderService(store port.Store, ledger *StockLedger, reservations *ReservationService,
	idempotency port.IdempotencyStore, logger *zap.Logger, queueSize int) *OrderService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OrderService{
		store:        store,
		ledger:       ledger,
		reservations: reservations,
		idempotency:  idempotency,
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
		newID:        uuid.NewString,
		eventQueue:   make(chan domain.OrderEvent, max(queueSize, 0)),
	}
}

// CreateOrderFromCart checks out the user's cart in one transaction: the
// cart is re-validated against stock, the order is written with frozen
// prices, every reservation is confirmed, and the cart is emptied.
func (s *OrderService) CreateOrderFromCart(ctx context.Context, userID string, info domain.DeliveryInfo) (order *domain.Order, err error) {
	ctx, span := startSpan(ctx, "OrderService.CreateOrderFromCart", attribute.String("user.id", userID))
	defer func() { endSpan(span, err) }()

	if key := strings.TrimSpace(info.IdempotencyKey); key != "" && s.idempotency != nil {
		idempotencyKey := fmt.Sprintf("checkout:%s:%s", userID, key)

		ok, claimErr := s.idempotency.SetIdempotency(ctx, idempotencyKey)
		if claimErr != nil {
			return nil, fmt.Errorf("idempotency check failed: %w", claimErr)
		}
		if !ok {
			return nil, domain.ErrDuplicateRequest
		}
		defer func() { s.settleIdempotency(ctx, idempotencyKey, err) }()
	}

	err = s.store.InTx(ctx, func(tx port.Tx) error {
		var err error
		order, err = s.checkout(ctx, tx, userID, info)
		return err
	})
	if err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.String("order.id", order.ID))
	s.logger.Info("order created",
		zap.String("order_id", order.ID),
		zap.String("user_id", userID),
		zap.String("total_amount", order.TotalAmount.StringFixed(2)),
		zap.Int("lines", len(order.Items)),
	)
	s.emit(domain.OrderEvent{
		Type:        domain.OrderEventCreated,
		OrderID:     order.ID,
		UserID:      userID,
		Status:      order.Status,
		TotalAmount: order.TotalAmount.StringFixed(2),
		ActorID:     userID,
	})
	return order, nil
}

type checkoutLine struct {
	cartItem domain.CartItem
	product  *domain.Product
}

func (s *OrderService) checkout(ctx context.Context, tx port.Tx, userID string, info domain.DeliveryInfo) (*domain.Order, error) {
	cart, err := tx.GetCartByUser(ctx, userID)
	var notFound *domain.NotFoundError
	if errors.As(err, &notFound) {
		return nil, domain.ErrEmptyCart
	}
	if err != nil {
		return nil, err
	}

	cartItems, err := tx.ListCartItems(ctx, cart.ID)
	if err != nil {
		return nil, err
	}
	if len(cartItems) == 0 {
		return nil, domain.ErrEmptyCart
	}

	// lock rows in a stable order so concurrent checkouts cannot deadlock
	sort.Slice(cartItems, func(i, j int) bool { return cartItems[i].ItemID < cartItems[j].ItemID })

	lines := make([]checkoutLine, 0, len(cartItems))
	var shortfalls []domain.StockShortfall
	for _, ci := range cartItems {
		item, err := tx.LockStockItem(ctx, ci.ItemID)
		if err != nil {
			return nil, err
		}
		if item.Reserved < ci.Quantity || item.Stock < ci.Quantity {
			shortfalls = append(shortfalls, domain.StockShortfall{
				ItemID:    ci.ItemID,
				Requested: ci.Quantity,
				Stock:     item.Stock,
				Reserved:  item.Reserved,
			})
			continue
		}

		product, err := tx.GetProduct(ctx, ci.ItemID)
		if err != nil {
			return nil, err
		}
		lines = append(lines, checkoutLine{cartItem: ci, product: product})
	}
	if len(shortfalls) > 0 {
		return nil, &domain.StockValidationError{Shortfalls: shortfalls}
	}

	total := decimal.Zero
	for _, line := range lines {
		total = total.Add(line.product.Price.Mul(decimal.NewFromInt(int64(line.cartItem.Quantity))))
	}

	now := s.now()
	order := domain.Order{
		ID:              s.newID(),
		UserID:          userID,
		TotalAmount:     total,
		Status:          domain.OrderStatusPending,
		DeliveryAddress: strings.TrimSpace(info.Address),
		Phone:           strings.TrimSpace(info.Phone),
		Notes:           strings.TrimSpace(info.Notes),
		OrderDate:       now,
		UpdatedAt:       now,
	}
	if err := tx.InsertOrder(ctx, order); err != nil {
		return nil, err
	}

	for _, line := range lines {
		ci := line.cartItem
		if err := s.reservations.ConfirmReservation(ctx, tx, ci.ItemID, ci.Quantity, order.ID, userID); err != nil {
			return nil, err
		}
		if err := tx.InsertOrderItem(ctx, domain.OrderItem{
			ID:       s.newID(),
			OrderID:  order.ID,
			ItemID:   ci.ItemID,
			Name:     line.product.Name,
			Quantity: ci.Quantity,
			Price:    line.product.Price,
		}); err != nil {
			return nil, err
		}
	}

	if err := tx.DeleteCartItems(ctx, cart.ID); err != nil {
		return nil, err
	}
	if err := tx.TouchCart(ctx, cart.ID, now); err != nil {
		return nil, err
	}

	return tx.GetOrder(ctx, order.ID)
}

func (s *OrderService) settleIdempotency(ctx context.Context, key string, err error) {
	ctx = context.WithoutCancel(ctx)
	if err == nil {
		if cerr := s.idempotency.CompleteIdempotency(ctx, key); cerr != nil {
			s.logger.Warn("failed to complete idempotency key", zap.String("key", key), zap.Error(cerr))
		}
		return
	}
	if rerr := s.idempotency.ReleaseIdempotency(ctx, key); rerr != nil {
		s.logger.Warn("failed to release idempotency key", zap.String("key", key), zap.Error(rerr))
	}
}

// CancelOrder cancels a pending or confirmed order and puts its units back
// on the shelf. The status change commits first; the stock restores that
// follow are best effort and a failed restore is logged, not returned.
func (s *OrderService) CancelOrder(ctx context.Context, orderID string, actor domain.Actor, reason string) (order *domain.Order, err error) {
	ctx, span := startSpan(ctx, "OrderService.CancelOrder",
		attribute.String("order.id", orderID), attribute.String("user.id", actor.UserID))
	defer func() { endSpan(span, err) }()

	var previous domain.OrderStatus
	err = s.store.InTx(ctx, func(tx port.Tx) error {
		current, err := s.lockOwnedOrder(ctx, tx, orderID, actor)
		if err != nil {
			return err
		}
		previous = current.Status

		order, err = s.transition(ctx, tx, current, domain.OrderStatusCancelled, actor, reason)
		return err
	})
	if err != nil {
		return nil, err
	}

	// The cancellation is committed; the restores must outlive the caller.
	restoreCtx := context.WithoutCancel(ctx)
	for _, item := range order.Items {
		_, rerr := s.ledger.AdjustStock(restoreCtx, domain.StockAdjustment{
			ItemID:    item.ItemID,
			Quantity:  item.Quantity,
			Operation: domain.ChangeAdd,
			ActorID:   actor.UserID,
			OrderID:   order.ID,
			Note:      "order cancelled",
		})
		if rerr != nil {
			s.logger.Error("stock restore failed after cancellation",
				zap.String("order_id", order.ID),
				zap.String("item_id", item.ItemID),
				zap.Int("quantity", item.Quantity),
				zap.Error(rerr),
			)
		}
	}

	s.logger.Info("order cancelled",
		zap.String("order_id", order.ID), zap.String("actor_id", actor.UserID), zap.String("reason", reason))
	s.emit(domain.OrderEvent{
		Type:           domain.OrderEventCancelled,
		OrderID:        order.ID,
		UserID:         order.UserID,
		PreviousStatus: previous,
		Status:         order.Status,
		ActorID:        actor.UserID,
		Note:           reason,
	})
	return order, nil
}

// UpdateOrderStatus moves an order along the transition table. Only admins
// may call it; a move to cancelled is handled as CancelOrder.
func (s *OrderService) UpdateOrderStatus(ctx context.Context, orderID string, status domain.OrderStatus, actor domain.Actor, note string) (order *domain.Order, err error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidStatus, status)
	}
	if !actor.IsAdmin() {
		return nil, domain.ErrForbidden
	}
	if status == domain.OrderStatusCancelled {
		return s.CancelOrder(ctx, orderID, actor, note)
	}

	ctx, span := startSpan(ctx, "OrderService.UpdateOrderStatus",
		attribute.String("order.id", orderID), attribute.String("order.status", string(status)))
	defer func() { endSpan(span, err) }()

	var previous domain.OrderStatus
	err = s.store.InTx(ctx, func(tx port.Tx) error {
		current, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		previous = current.Status

		order, err = s.transition(ctx, tx, current, status, actor, note)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("order status updated",
		zap.String("order_id", orderID),
		zap.String("from", string(previous)),
		zap.String("to", string(status)),
		zap.String("actor_id", actor.UserID),
	)
	s.emit(domain.OrderEvent{
		Type:           domain.OrderEventStatusChanged,
		OrderID:        order.ID,
		UserID:         order.UserID,
		PreviousStatus: previous,
		Status:         order.Status,
		ActorID:        actor.UserID,
		Note:           note,
	})
	return order, nil
}

// transition checks the edge, appends history and writes the new status.
func (s *OrderService) transition(ctx context.Context, tx port.Tx, current *domain.Order, to domain.OrderStatus,
	actor domain.Actor, note string) (*domain.Order, error) {
	if err := domain.CheckTransition(current.Status, to); err != nil {
		return nil, err
	}

	now := s.now()
	note = strings.TrimSpace(note)
	if err := tx.InsertStatusHistory(ctx, domain.OrderStatusHistoryEntry{
		OrderID:        current.ID,
		PreviousStatus: current.Status,
		NewStatus:      to,
		UpdatedBy:      actor.UserID,
		UpdatedAt:      now,
		Note:           note,
	}); err != nil {
		return nil, err
	}

	notes := current.Notes
	if note != "" {
		notes = note
	}
	if err := tx.UpdateOrderStatus(ctx, current.ID, to, notes, now); err != nil {
		return nil, err
	}

	updated := *current
	updated.Status = to
	updated.Notes = notes
	updated.UpdatedAt = now
	return &updated, nil
}

func (s *OrderService) GetOrder(ctx context.Context, orderID string, actor domain.Actor) (*domain.Order, error) {
	var order *domain.Order
	err := s.store.InTx(ctx, func(tx port.Tx) error {
		var err error
		order, err = s.ownedOrder(ctx, tx, orderID, actor)
		return err
	})
	return order, err
}

// ListOrders returns the user's orders, newest first.
func (s *OrderService) ListOrders(ctx context.Context, userID string) ([]domain.Order, error) {
	var orders []domain.Order
	err := s.store.InTx(ctx, func(tx port.Tx) error {
		var err error
		orders, err = tx.ListOrdersByUser(ctx, userID)
		return err
	})
	return orders, err
}

// GetOrderStatusHistory returns the order's transitions, oldest first.
func (s *OrderService) GetOrderStatusHistory(ctx context.Context, orderID string, actor domain.Actor) ([]domain.OrderStatusHistoryEntry, error) {
	var entries []domain.OrderStatusHistoryEntry
	err := s.store.InTx(ctx, func(tx port.Tx) error {
		if _, err := s.ownedOrder(ctx, tx, orderID, actor); err != nil {
			return err
		}
		var err error
		entries, err = tx.ListStatusHistory(ctx, orderID)
		return err
	})
	return entries, err
}

func (s *OrderService) ownedOrder(ctx context.Context, tx port.Tx, orderID string, actor domain.Actor) (*domain.Order, error) {
	order, err := tx.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !actor.CanAccess(order.UserID) {
		return nil, domain.NotFound("order", orderID)
	}
	return order, nil
}

func (s *OrderService) lockOwnedOrder(ctx context.Context, tx port.Tx, orderID string, actor domain.Actor) (*domain.Order, error) {
	order, err := tx.LockOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !actor.CanAccess(order.UserID) {
		return nil, domain.NotFound("order", orderID)
	}
	return order, nil
}

func (s *OrderService) emit(event domain.OrderEvent) {
	event.ID = s.newID()
	event.OccurredAt = s.now()

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}

	select {
	case s.eventQueue <- event:
	default:
		s.logger.Warn("order event queue full, dropping event",
			zap.String("type", string(event.Type)), zap.String("order_id", event.OrderID))
	}
}

func (s *OrderService) GetEventQueue() <-chan domain.OrderEvent {
	return s.eventQueue
}

// Close stops event delivery and closes the queue so its consumers drain and exit.
func (s *OrderService) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.eventQueue)
}
