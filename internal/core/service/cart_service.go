package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/rl1809/storefront/internal/core/domain"
	"github.com/rl1809/storefront/internal/port"
)

// CartService keeps every cart line backed by a reservation of the same size.
// Each operation runs the reservation change and the cart write in one
// transaction, so a failed cart write also undoes the reservation.
type CartService struct {
	store        port.Store
	reservations *ReservationService
	logger       *zap.Logger
	now          func() time.Time
	newID        func() string
}

func NewCartService(store port.Store, reservations *ReservationService, logger *zap.Logger) *CartService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CartService{
		store:        store,
		reservations: reservations,
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
		newID:        uuid.NewString,
	}
}

// AddItem reserves quantity more units of the item and adds them to the user's cart.
func (s *CartService) AddItem(ctx context.Context, userID, itemID string, quantity int) (domain.CartItem, error) {
	ctx, span := startSpan(ctx, "CartService.AddItem",
		attribute.String("user.id", userID), attribute.String("item.id", itemID), attribute.Int("cart.quantity", quantity))

	var line domain.CartItem
	err := s.store.InTx(ctx, func(tx port.Tx) error {
		if quantity <= 0 {
			return domain.ErrInvalidQuantity
		}
		now := s.now()

		cart, err := s.findOrCreateCart(ctx, tx, userID, now)
		if err != nil {
			return err
		}

		product, err := tx.GetProduct(ctx, itemID)
		if err != nil {
			return err
		}
		if !product.Active {
			return domain.ErrItemUnavailable
		}

		existing, err := tx.FindCartItem(ctx, cart.ID, itemID)
		if err != nil {
			return err
		}

		if _, err := s.reservations.ReserveIn(ctx, tx, itemID, quantity, userID, "added to cart"); err != nil {
			return err
		}

		if existing != nil {
			line = *existing
			line.Quantity += quantity
			line.UpdatedAt = now
		} else {
			line = domain.CartItem{
				ID:        s.newID(),
				CartID:    cart.ID,
				ItemID:    itemID,
				Quantity:  quantity,
				CreatedAt: now,
				UpdatedAt: now,
			}
		}

		if err := tx.UpsertCartItem(ctx, line); err != nil {
			return err
		}
		return tx.TouchCart(ctx, cart.ID, now)
	})
	endSpan(span, err)
	if err != nil {
		return domain.CartItem{}, err
	}

	s.logger.Info("cart item added",
		zap.String("user_id", userID), zap.String("item_id", itemID), zap.Int("quantity", line.Quantity))
	return line, nil
}

// UpdateItemQuantity sets a cart line to newQuantity, reserving or releasing
// the difference. A quantity of zero or less removes the line. The returned
// line is nil when it was removed.
func (s *CartService) UpdateItemQuantity(ctx context.Context, userID, cartItemID string, newQuantity int) (*domain.CartItem, error) {
	ctx, span := startSpan(ctx, "CartService.UpdateItemQuantity",
		attribute.String("user.id", userID), attribute.String("cart_item.id", cartItemID), attribute.Int("cart.quantity", newQuantity))

	var line *domain.CartItem
	err := s.store.InTx(ctx, func(tx port.Tx) error {
		current, err := s.ownedCartItem(ctx, tx, userID, cartItemID)
		if err != nil {
			return err
		}

		if newQuantity <= 0 {
			return s.removeLine(ctx, tx, userID, *current)
		}

		delta := newQuantity - current.Quantity
		switch {
		case delta > 0:
			_, err = s.reservations.ReserveIn(ctx, tx, current.ItemID, delta, userID, "cart quantity increased")
		case delta < 0:
			_, err = s.reservations.ReleaseIn(ctx, tx, current.ItemID, -delta, userID, "cart quantity decreased")
		}
		if err != nil {
			return err
		}

		now := s.now()
		updated := *current
		updated.Quantity = newQuantity
		updated.UpdatedAt = now
		if err := tx.UpsertCartItem(ctx, updated); err != nil {
			return err
		}
		line = &updated
		return tx.TouchCart(ctx, current.CartID, now)
	})
	endSpan(span, err)
	if err != nil {
		return nil, err
	}
	return line, nil
}

// RemoveItem releases the line's whole reservation and deletes it.
func (s *CartService) RemoveItem(ctx context.Context, userID, cartItemID string) error {
	ctx, span := startSpan(ctx, "CartService.RemoveItem",
		attribute.String("user.id", userID), attribute.String("cart_item.id", cartItemID))

	err := s.store.InTx(ctx, func(tx port.Tx) error {
		line, err := s.ownedCartItem(ctx, tx, userID, cartItemID)
		if err != nil {
			return err
		}
		return s.removeLine(ctx, tx, userID, *line)
	})
	endSpan(span, err)
	return err
}

// ClearCart empties the user's cart. A line whose release is refused is
// logged and the remaining lines are still released. Any other failure
// rolls the whole clear back.
func (s *CartService) ClearCart(ctx context.Context, userID string) error {
	ctx, span := startSpan(ctx, "CartService.ClearCart", attribute.String("user.id", userID))

	err := s.store.InTx(ctx, func(tx port.Tx) error {
		cart, err := tx.GetCartByUser(ctx, userID)
		var notFound *domain.NotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		if err != nil {
			return err
		}

		lines, err := tx.ListCartItems(ctx, cart.ID)
		if err != nil {
			return err
		}
		for _, line := range lines {
			if _, err := s.reservations.ReleaseIn(ctx, tx, line.ItemID, line.Quantity, userID, "cart cleared"); err != nil {
				if !releaseRefused(err) {
					return err
				}
				s.logger.Warn("release failed while clearing cart",
					zap.String("user_id", userID),
					zap.String("item_id", line.ItemID),
					zap.Int("quantity", line.Quantity),
					zap.Error(err),
				)
			}
		}

		if err := tx.DeleteCartItems(ctx, cart.ID); err != nil {
			return err
		}
		return tx.TouchCart(ctx, cart.ID, s.now())
	})
	endSpan(span, err)
	return err
}

// GetCart returns the user's cart priced at current catalog prices. A user
// without a cart gets an empty one.
func (s *CartService) GetCart(ctx context.Context, userID string) (domain.CartView, error) {
	view := domain.CartView{
		Cart:    domain.Cart{UserID: userID},
		Summary: domain.CartSummary{Total: decimal.Zero},
	}

	err := s.store.InTx(ctx, func(tx port.Tx) error {
		cart, err := tx.GetCartByUser(ctx, userID)
		var notFound *domain.NotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		if err != nil {
			return err
		}
		view.Cart = *cart

		items, err := tx.ListCartItems(ctx, cart.ID)
		if err != nil {
			return err
		}
		for _, item := range items {
			product, err := tx.GetProduct(ctx, item.ItemID)
			if err != nil {
				return err
			}
			lineTotal := product.Price.Mul(decimal.NewFromInt(int64(item.Quantity)))
			view.Lines = append(view.Lines, domain.CartLine{
				CartItem:  item,
				Name:      product.Name,
				Price:     product.Price,
				LineTotal: lineTotal,
			})
			view.Summary.Lines++
			view.Summary.Units += item.Quantity
			view.Summary.Total = view.Summary.Total.Add(lineTotal)
		}
		return nil
	})
	return view, err
}

func (s *CartService) findOrCreateCart(ctx context.Context, tx port.Tx, userID string, now time.Time) (*domain.Cart, error) {
	cart, err := tx.GetCartByUser(ctx, userID)
	var notFound *domain.NotFoundError
	if !errors.As(err, &notFound) {
		return cart, err
	}

	cart = &domain.Cart{ID: s.newID(), UserID: userID, CreatedAt: now, UpdatedAt: now}
	if err := tx.CreateCart(ctx, *cart); err != nil {
		return nil, err
	}
	return cart, nil
}

// ownedCartItem loads a cart line, reporting lines of other users' carts as not found.
func (s *CartService) ownedCartItem(ctx context.Context, tx port.Tx, userID, cartItemID string) (*domain.CartItem, error) {
	cart, err := tx.GetCartByUser(ctx, userID)
	var notFound *domain.NotFoundError
	if errors.As(err, &notFound) {
		return nil, domain.NotFound("cart item", cartItemID)
	}
	if err != nil {
		return nil, err
	}
	line, err := tx.GetCartItem(ctx, cartItemID)
	if err != nil {
		return nil, err
	}
	if line.CartID != cart.ID {
		return nil, domain.NotFound("cart item", cartItemID)
	}
	return line, nil
}

func (s *CartService) removeLine(ctx context.Context, tx port.Tx, userID string, line domain.CartItem) error {
	if _, err := s.reservations.ReleaseIn(ctx, tx, line.ItemID, line.Quantity, userID, "removed from cart"); err != nil {
		return err
	}
	if err := tx.DeleteCartItem(ctx, line.ID); err != nil {
		return err
	}
	return tx.TouchCart(ctx, line.CartID, s.now())
}

// releaseRefused reports errors ReleaseIn returns before it writes anything.
func releaseRefused(err error) bool {
	var (
		invalid  *domain.InvalidReleaseError
		notFound *domain.NotFoundError
	)
	return errors.As(err, &invalid) || errors.As(err, &notFound)
}
