package domain

import (
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusConfirmed OrderStatus = "confirmed"
	OrderStatusPreparing OrderStatus = "preparing"
	OrderStatusDelivery  OrderStatus = "delivery"
	OrderStatusCompleted OrderStatus = "completed"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// orderTransitions lists the allowed next states for every state.
// States missing from the table are terminal.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:   {OrderStatusConfirmed, OrderStatusCancelled},
	OrderStatusConfirmed: {OrderStatusPreparing, OrderStatusCancelled},
	OrderStatusPreparing: {OrderStatusDelivery},
	OrderStatusDelivery:  {OrderStatusCompleted},
}

var knownStatuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusConfirmed,
	OrderStatusPreparing,
	OrderStatusDelivery,
	OrderStatusCompleted,
	OrderStatusCancelled,
}

func (s OrderStatus) Valid() bool {
	return slices.Contains(knownStatuses, s)
}

func (s OrderStatus) Terminal() bool {
	return len(orderTransitions[s]) == 0
}

// NextStatuses returns a copy of the states reachable from s.
func (s OrderStatus) NextStatuses() []OrderStatus {
	return slices.Clone(orderTransitions[s])
}

func CanTransition(from, to OrderStatus) bool {
	return slices.Contains(orderTransitions[from], to)
}

// CheckTransition returns an *InvalidTransitionError when from → to is not an edge.
func CheckTransition(from, to OrderStatus) error {
	if !CanTransition(from, to) {
		return &InvalidTransitionError{From: from, To: to}
	}
	return nil
}

// Cancellable reports whether an order in status s may still be cancelled.
func (s OrderStatus) Cancellable() bool {
	return CanTransition(s, OrderStatusCancelled)
}

type DeliveryInfo struct {
	Address        string
	Phone          string
	Notes          string
	IdempotencyKey string
}

type Order struct {
	ID              string
	UserID          string
	TotalAmount     decimal.Decimal
	Status          OrderStatus
	DeliveryAddress string
	Phone           string
	Notes           string
	OrderDate       time.Time
	UpdatedAt       time.Time
	Items           []OrderItem
}

// OrderItem freezes the price paid at order time.
type OrderItem struct {
	ID       string
	OrderID  string
	ItemID   string
	Name     string
	Quantity int
	Price    decimal.Decimal
}

func (i OrderItem) LineTotal() decimal.Decimal {
	return i.Price.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

type OrderSummary struct {
	Lines       int
	Units       int
	TotalAmount decimal.Decimal
}

func (o Order) Summary() OrderSummary {
	summary := OrderSummary{Lines: len(o.Items), TotalAmount: decimal.Zero}
	for _, item := range o.Items {
		summary.Units += item.Quantity
		summary.TotalAmount = summary.TotalAmount.Add(item.LineTotal())
	}
	return summary
}

type OrderStatusHistoryEntry struct {
	ID             int64
	OrderID        string
	PreviousStatus OrderStatus
	NewStatus      OrderStatus
	UpdatedBy      string
	UpdatedAt      time.Time
	Note           string
}

// ValidWalk reports whether the history entries, oldest first, form a valid
// walk of the transition table starting at pending.
func ValidWalk(entries []OrderStatusHistoryEntry) bool {
	current := OrderStatusPending
	for _, e := range entries {
		if e.PreviousStatus != current || !CanTransition(e.PreviousStatus, e.NewStatus) {
			return false
		}
		current = e.NewStatus
	}
	return true
}
