package storage

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/rl1809/storefront/internal/core/domain"
	"github.com/rl1809/storefront/internal/port"
)

var errStockConstraint = errors.New("stock constraint violated: require 0 <= reserved <= stock")

// MemoryAdapter is an in-process Store. Transactions are serialized by a
// single mutex and run against a copy of the state that replaces the live
// state on commit, so a failed transaction leaves no trace. Each transaction
// copies the entity maps, so its cost grows with the number of items, carts
// and orders; it is meant for tests and local runs, not production load.
type MemoryAdapter struct {
	mu    sync.Mutex
	state *memoryState
	now   func() time.Time
}

type memoryState struct {
	products      map[string]domain.Product
	items         map[string]domain.StockItem
	history       []domain.InventoryHistoryEntry
	carts         map[string]domain.Cart
	cartsByUser   map[string]string
	cartItems     map[string]domain.CartItem
	orders        map[string]domain.Order
	orderItems    map[string][]domain.OrderItem
	statusHistory []domain.OrderStatusHistoryEntry
	historySeq    int64
	statusSeq     int64
}

func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{
		state: &memoryState{
			products:    make(map[string]domain.Product),
			items:       make(map[string]domain.StockItem),
			carts:       make(map[string]domain.Cart),
			cartsByUser: make(map[string]string),
			cartItems:   make(map[string]domain.CartItem),
			orders:      make(map[string]domain.Order),
			orderItems:  make(map[string][]domain.OrderItem),
		},
		now: func() time.Time { return time.Now().UTC() },
	}
}

// clone copies the maps of the state. The append-only slices are shared
// with the live state: transactions are serialized and never rewrite an
// element, so appends a rolled-back transaction left in spare capacity sit
// past the live length and are overwritten by the next append.
func (s *memoryState) clone() *memoryState {
	return &memoryState{
		products:      maps.Clone(s.products),
		items:         maps.Clone(s.items),
		history:       s.history,
		carts:         maps.Clone(s.carts),
		cartsByUser:   maps.Clone(s.cartsByUser),
		cartItems:     maps.Clone(s.cartItems),
		orders:        maps.Clone(s.orders),
		orderItems:    maps.Clone(s.orderItems),
		statusHistory: s.statusHistory,
		historySeq:    s.historySeq,
		statusSeq:     s.statusSeq,
	}
}

func (m *MemoryAdapter) InTx(ctx context.Context, fn func(tx port.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	work := m.state.clone()
	if err := fn(&memoryTx{state: work, now: m.now}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	m.state = work
	return nil
}

type memoryTx struct {
	state *memoryState
	now   func() time.Time
}

func (t *memoryTx) GetProduct(_ context.Context, itemID string) (*domain.Product, error) {
	p, ok := t.state.products[itemID]
	if !ok {
		return nil, domain.NotFound("item", itemID)
	}
	return &p, nil
}

func (t *memoryTx) CreateItem(_ context.Context, product domain.Product, item domain.StockItem) error {
	if _, exists := t.state.items[item.ID]; exists {
		return fmt.Errorf("item %q already exists", item.ID)
	}
	if item.Reserved < 0 || item.Stock < item.Reserved {
		return errStockConstraint
	}
	now := t.now()
	item.CreatedAt, item.UpdatedAt = now, now
	t.state.products[product.ID] = product
	t.state.items[item.ID] = item
	return nil
}

func (t *memoryTx) GetStockItem(_ context.Context, itemID string) (*domain.StockItem, error) {
	item, ok := t.state.items[itemID]
	if !ok {
		return nil, domain.NotFound("item", itemID)
	}
	return &item, nil
}

func (t *memoryTx) LockStockItem(ctx context.Context, itemID string) (*domain.StockItem, error) {
	// transactions are already serialized
	return t.GetStockItem(ctx, itemID)
}

func (t *memoryTx) UpdateStockVersioned(_ context.Context, itemID string, stock int, expectedVersion int64) error {
	item, ok := t.state.items[itemID]
	if !ok || item.Version != expectedVersion {
		return port.ErrOptimisticLock
	}
	if stock < item.Reserved {
		return errStockConstraint
	}
	item.Stock = stock
	item.Version++
	item.UpdatedAt = t.now()
	t.state.items[itemID] = item
	return nil
}

func (t *memoryTx) UpdateStockLocked(_ context.Context, itemID string, stock, reserved int) error {
	item, ok := t.state.items[itemID]
	if !ok {
		return domain.NotFound("item", itemID)
	}
	if reserved < 0 || stock < reserved {
		return errStockConstraint
	}
	item.Stock = stock
	item.Reserved = reserved
	item.Version++
	item.UpdatedAt = t.now()
	t.state.items[itemID] = item
	return nil
}

func (t *memoryTx) InsertInventoryHistory(_ context.Context, entry domain.InventoryHistoryEntry) error {
	t.state.historySeq++
	entry.ID = t.state.historySeq
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = t.now()
	}
	t.state.history = append(t.state.history, entry)
	return nil
}

func (t *memoryTx) ListInventoryHistory(_ context.Context, itemID string) ([]domain.InventoryHistoryEntry, error) {
	var out []domain.InventoryHistoryEntry
	for _, e := range t.state.history {
		if e.ItemID == itemID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (t *memoryTx) GetCartByUser(_ context.Context, userID string) (*domain.Cart, error) {
	id, ok := t.state.cartsByUser[userID]
	if !ok {
		return nil, domain.NotFound("cart", userID)
	}
	cart := t.state.carts[id]
	return &cart, nil
}

func (t *memoryTx) CreateCart(_ context.Context, cart domain.Cart) error {
	if _, exists := t.state.cartsByUser[cart.UserID]; exists {
		return fmt.Errorf("cart for user %q already exists", cart.UserID)
	}
	t.state.carts[cart.ID] = cart
	t.state.cartsByUser[cart.UserID] = cart.ID
	return nil
}

func (t *memoryTx) TouchCart(_ context.Context, cartID string, at time.Time) error {
	cart, ok := t.state.carts[cartID]
	if !ok {
		return domain.NotFound("cart", cartID)
	}
	cart.UpdatedAt = at
	t.state.carts[cartID] = cart
	return nil
}

func (t *memoryTx) ListCartItems(_ context.Context, cartID string) ([]domain.CartItem, error) {
	var out []domain.CartItem
	for _, item := range t.state.cartItems {
		if item.CartID == cartID {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (t *memoryTx) GetCartItem(_ context.Context, cartItemID string) (*domain.CartItem, error) {
	item, ok := t.state.cartItems[cartItemID]
	if !ok {
		return nil, domain.NotFound("cart item", cartItemID)
	}
	return &item, nil
}

func (t *memoryTx) FindCartItem(_ context.Context, cartID, itemID string) (*domain.CartItem, error) {
	for _, item := range t.state.cartItems {
		if item.CartID == cartID && item.ItemID == itemID {
			return &item, nil
		}
	}
	return nil, nil
}

func (t *memoryTx) UpsertCartItem(ctx context.Context, item domain.CartItem) error {
	existing, _ := t.FindCartItem(ctx, item.CartID, item.ItemID)
	if existing != nil {
		existing.Quantity = item.Quantity
		existing.UpdatedAt = item.UpdatedAt
		t.state.cartItems[existing.ID] = *existing
		return nil
	}
	t.state.cartItems[item.ID] = item
	return nil
}

func (t *memoryTx) DeleteCartItem(_ context.Context, cartItemID string) error {
	delete(t.state.cartItems, cartItemID)
	return nil
}

func (t *memoryTx) DeleteCartItems(_ context.Context, cartID string) error {
	for id, item := range t.state.cartItems {
		if item.CartID == cartID {
			delete(t.state.cartItems, id)
		}
	}
	return nil
}

func (t *memoryTx) InsertOrder(_ context.Context, order domain.Order) error {
	if _, exists := t.state.orders[order.ID]; exists {
		return fmt.Errorf("order %q already exists", order.ID)
	}
	order.Items = nil
	t.state.orders[order.ID] = order
	return nil
}

func (t *memoryTx) InsertOrderItem(_ context.Context, item domain.OrderItem) error {
	if _, ok := t.state.orders[item.OrderID]; !ok {
		return domain.NotFound("order", item.OrderID)
	}
	t.state.orderItems[item.OrderID] = append(t.state.orderItems[item.OrderID], item)
	return nil
}

func (t *memoryTx) GetOrder(_ context.Context, orderID string) (*domain.Order, error) {
	order, ok := t.state.orders[orderID]
	if !ok {
		return nil, domain.NotFound("order", orderID)
	}
	order.Items = slices.Clone(t.state.orderItems[orderID])
	return &order, nil
}

func (t *memoryTx) LockOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	return t.GetOrder(ctx, orderID)
}

func (t *memoryTx) ListOrdersByUser(ctx context.Context, userID string) ([]domain.Order, error) {
	var out []domain.Order
	for id, order := range t.state.orders {
		if order.UserID != userID {
			continue
		}
		order.Items = slices.Clone(t.state.orderItems[id])
		out = append(out, order)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].OrderDate.After(out[j].OrderDate)
	})
	return out, nil
}

func (t *memoryTx) UpdateOrderStatus(_ context.Context, orderID string, status domain.OrderStatus, notes string, updatedAt time.Time) error {
	order, ok := t.state.orders[orderID]
	if !ok {
		return domain.NotFound("order", orderID)
	}
	order.Status = status
	order.Notes = notes
	order.UpdatedAt = updatedAt
	t.state.orders[orderID] = order
	return nil
}

func (t *memoryTx) InsertStatusHistory(_ context.Context, entry domain.OrderStatusHistoryEntry) error {
	t.state.statusSeq++
	entry.ID = t.state.statusSeq
	t.state.statusHistory = append(t.state.statusHistory, entry)
	return nil
}

func (t *memoryTx) ListStatusHistory(_ context.Context, orderID string) ([]domain.OrderStatusHistoryEntry, error) {
	var out []domain.OrderStatusHistoryEntry
	for _, e := range t.state.statusHistory {
		if e.OrderID == orderID {
			out = append(out, e)
		}
	}
	return out, nil
}
