package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Cart struct {
	ID        string
	UserID    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CartItem is unique on (CartID, ItemID). Every unit of Quantity is backed
// by an active reservation on the item.
type CartItem struct {
	ID        string
	CartID    string
	ItemID    string
	Quantity  int
	CreatedAt time.Time
	UpdatedAt time.Time
}

type CartLine struct {
	CartItem
	Name      string
	Price     decimal.Decimal
	LineTotal decimal.Decimal
}

type CartSummary struct {
	Lines int
	Units int
	Total decimal.Decimal
}

type CartView struct {
	Cart    Cart
	Lines   []CartLine
	Summary CartSummary
}
