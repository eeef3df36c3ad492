package port

import (
	"context"
	"errors"
	"time"

	"github.com/rl1809/storefront/internal/core/domain"
)

// ErrOptimisticLock is returned by a conditional update that matched no row
// because another writer bumped the version first.
var ErrOptimisticLock = errors.New("optimistic lock conflict")

// Store opens transactions. Everything fn does through tx commits together
// when fn returns nil and rolls back together otherwise.
type Store interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

type Tx interface {
	StockRepository
	CartRepository
	OrderRepository
}

type StockRepository interface {
	// GetProduct returns the catalog view of an item.
	GetProduct(ctx context.Context, itemID string) (*domain.Product, error)

	// CreateItem registers a new product with its stock row.
	CreateItem(ctx context.Context, product domain.Product, item domain.StockItem) error

	// GetStockItem reads the stock row without locking it.
	GetStockItem(ctx context.Context, itemID string) (*domain.StockItem, error)

	// LockStockItem reads the stock row and holds a row lock until the transaction ends.
	LockStockItem(ctx context.Context, itemID string) (*domain.StockItem, error)

	// UpdateStockVersioned writes stock only if the row still carries expectedVersion.
	// Returns ErrOptimisticLock otherwise.
	UpdateStockVersioned(ctx context.Context, itemID string, stock int, expectedVersion int64) error

	// UpdateStockLocked writes both counters of a row locked by LockStockItem and bumps its version.
	UpdateStockLocked(ctx context.Context, itemID string, stock, reserved int) error

	InsertInventoryHistory(ctx context.Context, entry domain.InventoryHistoryEntry) error
	ListInventoryHistory(ctx context.Context, itemID string) ([]domain.InventoryHistoryEntry, error)
}

type CartRepository interface {
	// GetCartByUser returns a NotFoundError when the user has no cart.
	GetCartByUser(ctx context.Context, userID string) (*domain.Cart, error)
	CreateCart(ctx context.Context, cart domain.Cart) error
	TouchCart(ctx context.Context, cartID string, at time.Time) error

	ListCartItems(ctx context.Context, cartID string) ([]domain.CartItem, error)
	GetCartItem(ctx context.Context, cartItemID string) (*domain.CartItem, error)
	// FindCartItem returns nil, nil when the pair is not in the cart.
	FindCartItem(ctx context.Context, cartID, itemID string) (*domain.CartItem, error)
	UpsertCartItem(ctx context.Context, item domain.CartItem) error
	DeleteCartItem(ctx context.Context, cartItemID string) error
	DeleteCartItems(ctx context.Context, cartID string) error
}

type OrderRepository interface {
	InsertOrder(ctx context.Context, order domain.Order) error
	InsertOrderItem(ctx context.Context, item domain.OrderItem) error

	// GetOrder returns the order with its items.
	GetOrder(ctx context.Context, orderID string) (*domain.Order, error)
	// LockOrder is GetOrder holding a row lock on the order until the transaction ends.
	LockOrder(ctx context.Context, orderID string) (*domain.Order, error)
	ListOrdersByUser(ctx context.Context, userID string) ([]domain.Order, error)
	UpdateOrderStatus(ctx context.Context, orderID string, status domain.OrderStatus, notes string, updatedAt time.Time) error

	InsertStatusHistory(ctx context.Context, entry domain.OrderStatusHistoryEntry) error
	ListStatusHistory(ctx context.Context, orderID string) ([]domain.OrderStatusHistoryEntry, error)
}
