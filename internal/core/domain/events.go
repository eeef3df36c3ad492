package domain

import "time"

type OrderEventType string

const (
	OrderEventCreated       OrderEventType = "order.created"
	OrderEventStatusChanged OrderEventType = "order.status_changed"
	OrderEventCancelled     OrderEventType = "order.cancelled"
)

// OrderEvent is published after the transaction that produced it commits.
type OrderEvent struct {
	ID             string         `json:"id"`
	Type           OrderEventType `json:"type"`
	OrderID        string         `json:"order_id"`
	UserID         string         `json:"user_id"`
	PreviousStatus OrderStatus    `json:"previous_status,omitempty"`
	Status         OrderStatus    `json:"status"`
	TotalAmount    string         `json:"total_amount,omitempty"`
	ActorID        string         `json:"actor_id"`
	Note           string         `json:"note,omitempty"`
	OccurredAt     time.Time      `json:"occurred_at"`
}
