package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrEmptyCart        = errors.New("cart is empty")
	ErrInvalidQuantity  = errors.New("invalid quantity")
	ErrItemUnavailable  = errors.New("item is not available for sale")
	ErrDuplicateRequest = errors.New("duplicate request")
	ErrForbidden        = errors.New("forbidden")
	ErrInvalidStatus    = errors.New("unknown order status")
)

type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.ID)
}

func NotFound(entity, id string) error {
	return &NotFoundError{Entity: entity, ID: id}
}

type InsufficientStockError struct {
	ItemID    string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for item %q: requested %d, available %d", e.ItemID, e.Requested, e.Available)
}

type InvalidReleaseError struct {
	ItemID    string
	Requested int
	Reserved  int
}

func (e *InvalidReleaseError) Error() string {
	return fmt.Sprintf("cannot release %d units of item %q: only %d reserved", e.Requested, e.ItemID, e.Reserved)
}

type ConcurrencyExhaustedError struct {
	ItemID   string
	Attempts int
	Err      error
}

func (e *ConcurrencyExhaustedError) Error() string {
	return fmt.Sprintf("item %q: concurrent update retries exhausted after %d attempts", e.ItemID, e.Attempts)
}

func (e *ConcurrencyExhaustedError) Unwrap() error {
	return e.Err
}

type InvalidTransitionError struct {
	From OrderStatus
	To   OrderStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid order status transition %s -> %s", e.From, e.To)
}

type StockShortfall struct {
	ItemID    string
	Requested int
	Stock     int
	Reserved  int
}

// StockValidationError aggregates every shortfall found while validating a cart at checkout.
type StockValidationError struct {
	Shortfalls []StockShortfall
}

func (e *StockValidationError) Error() string {
	parts := make([]string, 0, len(e.Shortfalls))
	for _, s := range e.Shortfalls {
		parts = append(parts, fmt.Sprintf("%s (requested %d, stock %d, reserved %d)", s.ItemID, s.Requested, s.Stock, s.Reserved))
	}
	return "stock validation failed: " + strings.Join(parts, "; ")
}

// IsClientError reports whether err is caused by the request rather than by
// the system, i.e. retrying the same call unchanged will not help.
func IsClientError(err error) bool {
	var (
		notFound     *NotFoundError
		insufficient *InsufficientStockError
		release      *InvalidReleaseError
		transition   *InvalidTransitionError
		validation   *StockValidationError
	)
	switch {
	case errors.As(err, &notFound),
		errors.As(err, &insufficient),
		errors.As(err, &release),
		errors.As(err, &transition),
		errors.As(err, &validation),
		errors.Is(err, ErrEmptyCart),
		errors.Is(err, ErrInvalidQuantity),
		errors.Is(err, ErrItemUnavailable),
		errors.Is(err, ErrDuplicateRequest),
		errors.Is(err, ErrForbidden),
		errors.Is(err, ErrInvalidStatus):
		return true
	}
	return false
}
