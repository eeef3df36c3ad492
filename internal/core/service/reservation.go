package service

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/rl1809/storefront/internal/core/domain"
	"github.com/rl1809/storefront/internal/port"
)

// ReservationService is the only writer of StockItem.Reserved. Every
// operation takes the item's row lock, so reservations on one item are
// serialized while different items proceed in parallel.
type ReservationService struct {
	store  port.Store
	logger *zap.Logger
	now    func() time.Time
}

func NewReservationService(store port.Store, logger *zap.Logger) *ReservationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReservationService{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Reserve holds quantity units of the item and returns the units still available.
func (s *ReservationService) Reserve(ctx context.Context, itemID string, quantity int, actorID, note string) (int, error) {
	ctx, span := startSpan(ctx, "ReservationService.Reserve",
		attribute.String("item.id", itemID), attribute.Int("stock.quantity", quantity))

	var available int
	err := s.store.InTx(ctx, func(tx port.Tx) error {
		var err error
		available, err = s.ReserveIn(ctx, tx, itemID, quantity, actorID, note)
		return err
	})
	endSpan(span, err)
	return available, err
}

// ReserveIn is Reserve inside a transaction owned by the caller.
func (s *ReservationService) ReserveIn(ctx context.Context, tx port.Tx, itemID string, quantity int, actorID, note string) (int, error) {
	if quantity <= 0 {
		return 0, domain.ErrInvalidQuantity
	}

	item, err := tx.LockStockItem(ctx, itemID)
	if err != nil {
		return 0, err
	}

	available := item.Available()
	if available < quantity {
		return available, &domain.InsufficientStockError{ItemID: itemID, Requested: quantity, Available: available}
	}

	reserved := item.Reserved + quantity
	if err := tx.UpdateStockLocked(ctx, itemID, item.Stock, reserved); err != nil {
		return 0, err
	}
	entry := newHistoryEntry(*item, domain.ChangeReserve, quantity, item.Stock, reserved, "", actorID, note, s.now())
	if err := tx.InsertInventoryHistory(ctx, entry); err != nil {
		return 0, err
	}

	s.logger.Debug("stock reserved",
		zap.String("item_id", itemID), zap.Int("quantity", quantity), zap.String("actor_id", actorID))
	return available - quantity, nil
}

// Release gives back quantity reserved units and returns the units now available.
func (s *ReservationService) Release(ctx context.Context, itemID string, quantity int, actorID, note string) (int, error) {
	ctx, span := startSpan(ctx, "ReservationService.Release",
		attribute.String("item.id", itemID), attribute.Int("stock.quantity", quantity))

	var available int
	err := s.store.InTx(ctx, func(tx port.Tx) error {
		var err error
		available, err = s.ReleaseIn(ctx, tx, itemID, quantity, actorID, note)
		return err
	})
	endSpan(span, err)
	return available, err
}

// ReleaseIn is Release inside a transaction owned by the caller.
func (s *ReservationService) ReleaseIn(ctx context.Context, tx port.Tx, itemID string, quantity int, actorID, note string) (int, error) {
	if quantity <= 0 {
		return 0, domain.ErrInvalidQuantity
	}

	item, err := tx.LockStockItem(ctx, itemID)
	if err != nil {
		return 0, err
	}
	if item.Reserved < quantity {
		return 0, &domain.InvalidReleaseError{ItemID: itemID, Requested: quantity, Reserved: item.Reserved}
	}

	reserved := item.Reserved - quantity
	if err := tx.UpdateStockLocked(ctx, itemID, item.Stock, reserved); err != nil {
		return 0, err
	}
	entry := newHistoryEntry(*item, domain.ChangeRelease, quantity, item.Stock, reserved, "", actorID, note, s.now())
	if err := tx.InsertInventoryHistory(ctx, entry); err != nil {
		return 0, err
	}

	s.logger.Debug("stock released",
		zap.String("item_id", itemID), zap.Int("quantity", quantity), zap.String("actor_id", actorID))
	return item.Stock - reserved, nil
}

// ConfirmReservation turns quantity reserved units into a sale: stock and
// reserved both drop by quantity. It runs inside the caller's transaction.
func (s *ReservationService) ConfirmReservation(ctx context.Context, tx port.Tx, itemID string, quantity int, orderID, actorID string) error {
	if quantity <= 0 {
		return domain.ErrInvalidQuantity
	}

	item, err := tx.LockStockItem(ctx, itemID)
	if err != nil {
		return err
	}
	if item.Reserved < quantity {
		return &domain.InvalidReleaseError{ItemID: itemID, Requested: quantity, Reserved: item.Reserved}
	}
	if item.Stock < quantity {
		return &domain.InsufficientStockError{ItemID: itemID, Requested: quantity, Available: item.Stock}
	}

	stock, reserved := item.Stock-quantity, item.Reserved-quantity
	if err := tx.UpdateStockLocked(ctx, itemID, stock, reserved); err != nil {
		return err
	}
	entry := newHistoryEntry(*item, domain.ChangeSubtract, quantity, stock, reserved, orderID, actorID, "order confirmed", s.now())
	return tx.InsertInventoryHistory(ctx, entry)
}
