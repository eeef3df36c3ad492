package handler

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/rl1809/storefront/internal/core/domain"
)

type ErrorResponse struct {
	Error      string              `json:"error"`
	Message    string              `json:"message"`
	Shortfalls []ShortfallResponse `json:"shortfalls,omitempty"`
}

type ShortfallResponse struct {
	ItemID    string `json:"item_id"`
	Requested int    `json:"requested"`
	Stock     int    `json:"stock"`
	Reserved  int    `json:"reserved"`
}

type ItemRequest struct {
	ItemID string `json:"item_id"`
}

type RegisterItemRequest struct {
	ItemID       string          `json:"item_id"`
	Name         string          `json:"name"`
	Price        decimal.Decimal `json:"price"`
	Active       *bool           `json:"active,omitempty"`
	InitialStock int             `json:"initial_stock"`
	MinStock     int             `json:"min_stock"`
}

type AdjustStockRequest struct {
	ItemID    string `json:"item_id"`
	Quantity  int    `json:"quantity"`
	Operation string `json:"operation"`
	Note      string `json:"note,omitempty"`
}

type ReservationRequest struct {
	ItemID   string `json:"item_id"`
	Quantity int    `json:"quantity"`
	Note     string `json:"note,omitempty"`
}

type ReservationResponse struct {
	ItemID    string `json:"item_id"`
	Available int    `json:"available"`
}

type AvailabilityResponse struct {
	ItemID     string `json:"item_id"`
	Stock      int    `json:"stock"`
	Reserved   int    `json:"reserved"`
	Available  int    `json:"available"`
	MinStock   int    `json:"min_stock"`
	IsLowStock bool   `json:"is_low_stock"`
}

type StockItemResponse struct {
	ItemID   string `json:"item_id"`
	Stock    int    `json:"stock"`
	Reserved int    `json:"reserved"`
	MinStock int    `json:"min_stock"`
	Version  int64  `json:"version"`
}

type HistoryEntryResponse struct {
	ID              int64     `json:"id"`
	ChangeType      string    `json:"change_type"`
	Quantity        int       `json:"quantity"`
	StockBefore     int       `json:"stock_before"`
	StockAfter      int       `json:"stock_after"`
	ReservedBefore  int       `json:"reserved_before"`
	ReservedAfter   int       `json:"reserved_after"`
	CausedByOrderID string    `json:"caused_by_order_id,omitempty"`
	ActorID         string    `json:"actor_id"`
	Note            string    `json:"note,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

type HistoryResponse struct {
	ItemID  string                 `json:"item_id"`
	Entries []HistoryEntryResponse `json:"entries"`
}

type ReconciliationResponse struct {
	ItemID           string   `json:"item_id"`
	Consistent       bool     `json:"consistent"`
	Entries          int      `json:"entries"`
	ReplayedStock    int      `json:"replayed_stock"`
	ReplayedReserved int      `json:"replayed_reserved"`
	CurrentStock     int      `json:"current_stock"`
	CurrentReserved  int      `json:"current_reserved"`
	Problems         []string `json:"problems,omitempty"`
}

type AddCartItemRequest struct {
	ItemID   string `json:"item_id"`
	Quantity int    `json:"quantity"`
}

type UpdateCartItemRequest struct {
	CartItemID string `json:"cart_item_id"`
	Quantity   int    `json:"quantity"`
}

type CartItemRequest struct {
	CartItemID string `json:"cart_item_id"`
}

type CartItemResponse struct {
	ID        string           `json:"id"`
	ItemID    string           `json:"item_id"`
	Name      string           `json:"name,omitempty"`
	Quantity  int              `json:"quantity"`
	Price     *decimal.Decimal `json:"price,omitempty"`
	LineTotal *decimal.Decimal `json:"line_total,omitempty"`
}

// UpdateCartItemResponse carries a nil Item when the line was removed.
type UpdateCartItemResponse struct {
	Item    *CartItemResponse `json:"item"`
	Removed bool              `json:"removed"`
}

type CartResponse struct {
	CartID string             `json:"cart_id,omitempty"`
	UserID string             `json:"user_id"`
	Items  []CartItemResponse `json:"items"`
	Lines  int                `json:"lines"`
	Units  int                `json:"units"`
	Total  decimal.Decimal    `json:"total"`
}

type CheckoutRequest struct {
	DeliveryAddress string `json:"delivery_address"`
	Phone           string `json:"phone"`
	Notes           string `json:"notes,omitempty"`
	IdempotencyKey  string `json:"idempotency_key,omitempty"`
}

type OrderRequest struct {
	OrderID string `json:"order_id"`
}

type ListOrdersRequest struct {
	UserID string `json:"user_id,omitempty"`
}

type CancelOrderRequest struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason,omitempty"`
}

type UpdateOrderStatusRequest struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
	Note    string `json:"note,omitempty"`
}

type OrderItemResponse struct {
	ItemID    string          `json:"item_id"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	LineTotal decimal.Decimal `json:"line_total"`
}

type OrderResponse struct {
	ID              string              `json:"id"`
	UserID          string              `json:"user_id"`
	Status          string              `json:"status"`
	TotalAmount     decimal.Decimal     `json:"total_amount"`
	DeliveryAddress string              `json:"delivery_address"`
	Phone           string              `json:"phone"`
	Notes           string              `json:"notes,omitempty"`
	OrderDate       time.Time           `json:"order_date"`
	UpdatedAt       time.Time           `json:"updated_at"`
	NextStatuses    []string            `json:"next_statuses"`
	Items           []OrderItemResponse `json:"items"`
}

type OrderListResponse struct {
	Orders []OrderResponse `json:"orders"`
}

type StatusHistoryEntryResponse struct {
	PreviousStatus string    `json:"previous_status"`
	NewStatus      string    `json:"new_status"`
	UpdatedBy      string    `json:"updated_by"`
	UpdatedAt      time.Time `json:"updated_at"`
	Note           string    `json:"note,omitempty"`
}

type StatusHistoryResponse struct {
	OrderID string                       `json:"order_id"`
	Entries []StatusHistoryEntryResponse `json:"entries"`
}

type Empty struct{}

func availabilityResponse(a domain.Availability) *AvailabilityResponse {
	return &AvailabilityResponse{
		ItemID:     a.ItemID,
		Stock:      a.Stock,
		Reserved:   a.Reserved,
		Available:  a.Available,
		MinStock:   a.MinStock,
		IsLowStock: a.IsLowStock,
	}
}

func stockItemResponse(item domain.StockItem) *StockItemResponse {
	return &StockItemResponse{
		ItemID:   item.ID,
		Stock:    item.Stock,
		Reserved: item.Reserved,
		MinStock: item.MinStock,
		Version:  item.Version,
	}
}

func historyResponse(itemID string, entries []domain.InventoryHistoryEntry) *HistoryResponse {
	out := &HistoryResponse{ItemID: itemID, Entries: make([]HistoryEntryResponse, 0, len(entries))}
	for _, e := range entries {
		out.Entries = append(out.Entries, HistoryEntryResponse{
			ID:              e.ID,
			ChangeType:      string(e.ChangeType),
			Quantity:        e.Quantity,
			StockBefore:     e.StockBefore,
			StockAfter:      e.StockAfter,
			ReservedBefore:  e.ReservedBefore,
			ReservedAfter:   e.ReservedAfter,
			CausedByOrderID: e.CausedByOrderID,
			ActorID:         e.ActorID,
			Note:            e.Note,
			CreatedAt:       e.CreatedAt,
		})
	}
	return out
}

func reconciliationResponse(r domain.Reconciliation) *ReconciliationResponse {
	return &ReconciliationResponse{
		ItemID:           r.ItemID,
		Consistent:       r.Consistent(),
		Entries:          r.Entries,
		ReplayedStock:    r.ReplayedStock,
		ReplayedReserved: r.ReplayedReserved,
		CurrentStock:     r.CurrentStock,
		CurrentReserved:  r.CurrentReserved,
		Problems:         r.Problems,
	}
}

func cartItemResponse(item domain.CartItem) *CartItemResponse {
	return &CartItemResponse{ID: item.ID, ItemID: item.ItemID, Quantity: item.Quantity}
}

func cartResponse(view domain.CartView) *CartResponse {
	out := &CartResponse{
		CartID: view.Cart.ID,
		UserID: view.Cart.UserID,
		Items:  make([]CartItemResponse, 0, len(view.Lines)),
		Lines:  view.Summary.Lines,
		Units:  view.Summary.Units,
		Total:  view.Summary.Total,
	}
	for _, line := range view.Lines {
		price, total := line.Price, line.LineTotal
		out.Items = append(out.Items, CartItemResponse{
			ID:        line.ID,
			ItemID:    line.ItemID,
			Name:      line.Name,
			Quantity:  line.Quantity,
			Price:     &price,
			LineTotal: &total,
		})
	}
	return out
}

func orderResponse(o domain.Order) OrderResponse {
	out := OrderResponse{
		ID:              o.ID,
		UserID:          o.UserID,
		Status:          string(o.Status),
		TotalAmount:     o.TotalAmount,
		DeliveryAddress: o.DeliveryAddress,
		Phone:           o.Phone,
		Notes:           o.Notes,
		OrderDate:       o.OrderDate,
		UpdatedAt:       o.UpdatedAt,
		NextStatuses:    []string{},
		Items:           make([]OrderItemResponse, 0, len(o.Items)),
	}
	for _, s := range o.Status.NextStatuses() {
		out.NextStatuses = append(out.NextStatuses, string(s))
	}
	for _, item := range o.Items {
		out.Items = append(out.Items, OrderItemResponse{
			ItemID:    item.ItemID,
			Name:      item.Name,
			Quantity:  item.Quantity,
			Price:     item.Price,
			LineTotal: item.LineTotal(),
		})
	}
	return out
}

func statusHistoryResponse(orderID string, entries []domain.OrderStatusHistoryEntry) *StatusHistoryResponse {
	out := &StatusHistoryResponse{OrderID: orderID, Entries: make([]StatusHistoryEntryResponse, 0, len(entries))}
	for _, e := range entries {
		out.Entries = append(out.Entries, StatusHistoryEntryResponse{
			PreviousStatus: string(e.PreviousStatus),
			NewStatus:      string(e.NewStatus),
			UpdatedBy:      e.UpdatedBy,
			UpdatedAt:      e.UpdatedAt,
			Note:           e.Note,
		})
	}
	return out
}
