package domain

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// Product is the read-only catalog view of a sellable item.
type Product struct {
	ID     string
	Name   string
	Price  decimal.Decimal
	Active bool
}

// MaxStock is the largest stock count an item may hold; the stores keep
// counters in 32-bit columns.
const MaxStock = math.MaxInt32

type StockItem struct {
	ID        string
	Stock     int
	Reserved  int
	Version   int64 // optimistic locking
	MinStock  int
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (s StockItem) Available() int {
	return s.Stock - s.Reserved
}

type Availability struct {
	ItemID     string
	Stock      int
	Reserved   int
	Available  int
	MinStock   int
	IsLowStock bool
}

func (s StockItem) Availability() Availability {
	available := s.Available()
	return Availability{
		ItemID:     s.ID,
		Stock:      s.Stock,
		Reserved:   s.Reserved,
		Available:  available,
		MinStock:   s.MinStock,
		IsLowStock: available <= s.MinStock,
	}
}

type ChangeType string

const (
	ChangeAdd      ChangeType = "add"
	ChangeSubtract ChangeType = "subtract"
	ChangeReserve  ChangeType = "reserve"
	ChangeRelease  ChangeType = "release"
)

func (c ChangeType) Valid() bool {
	switch c {
	case ChangeAdd, ChangeSubtract, ChangeReserve, ChangeRelease:
		return true
	}
	return false
}

// InventoryHistoryEntry is an immutable record of one stock mutation.
// ReservedBefore/ReservedAfter let the ledger be replayed for both counters.
type InventoryHistoryEntry struct {
	ID              int64
	ItemID          string
	ChangeType      ChangeType
	Quantity        int
	StockBefore     int
	StockAfter      int
	ReservedBefore  int
	ReservedAfter   int
	CausedByOrderID string
	ActorID         string
	Note            string
	CreatedAt       time.Time
}

// StockAdjustment is a direct stock correction: a restock, a write-off or a
// cancellation restore. Reservations never go through it.
type StockAdjustment struct {
	ItemID    string
	Quantity  int
	Operation ChangeType // ChangeAdd or ChangeSubtract
	ActorID   string
	OrderID   string
	Note      string
}

// Reconciliation is the outcome of replaying an item's inventory history.
type Reconciliation struct {
	ItemID           string
	Entries          int
	ReplayedStock    int
	ReplayedReserved int
	CurrentStock     int
	CurrentReserved  int
	Problems         []string
}

func (r Reconciliation) Consistent() bool {
	return len(r.Problems) == 0
}
