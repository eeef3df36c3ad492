package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rl1809/storefront/internal/core/domain"
	"github.com/rl1809/storefront/internal/port"
)

//go:embed schema.sql
var schemaSQL string

type MySQLAdapter struct {
	db  *sql.DB
	now func() time.Time
}

func NewMySQLAdapter(db *sql.DB) *MySQLAdapter {
	return &MySQLAdapter{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Migrate creates the tables if they do not exist.
func (m *MySQLAdapter) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (m *MySQLAdapter) InTx(ctx context.Context, fn func(tx port.Tx) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&mysqlTx{tx: tx, now: m.now}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type mysqlTx struct {
	tx  *sql.Tx
	now func() time.Time
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (t *mysqlTx) GetProduct(ctx context.Context, itemID string) (*domain.Product, error) {
	var p domain.Product
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, name, price, is_active
		FROM items WHERE id = ?`, itemID,
	).Scan(&p.ID, &p.Name, &p.Price, &p.Active)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound("item", itemID)
	}
	if err != nil {
		return nil, fmt.Errorf("query product: %w", err)
	}
	return &p, nil
}

func (t *mysqlTx) CreateItem(ctx context.Context, product domain.Product, item domain.StockItem) error {
	now := t.now()
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO items (id, name, price, is_active, stock, reserved, min_stock, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, product.Name, product.Price, product.Active,
		item.Stock, item.Reserved, item.MinStock, item.Version, now, now,
	)
	if err != nil {
		return fmt.Errorf("insert item: %w", err)
	}
	return nil
}

func (t *mysqlTx) getStockItem(ctx context.Context, itemID string, lock bool) (*domain.StockItem, error) {
	query := `
		SELECT id, stock, reserved, version, min_stock, created_at, updated_at
		FROM items WHERE id = ?`
	if lock {
		query += ` FOR UPDATE`
	}

	var item domain.StockItem
	err := t.tx.QueryRowContext(ctx, query, itemID).Scan(
		&item.ID, &item.Stock, &item.Reserved, &item.Version, &item.MinStock, &item.CreatedAt, &item.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound("item", itemID)
	}
	if err != nil {
		return nil, fmt.Errorf("query stock item: %w", err)
	}
	return &item, nil
}

func (t *mysqlTx) GetStockItem(ctx context.Context, itemID string) (*domain.StockItem, error) {
	return t.getStockItem(ctx, itemID, false)
}

func (t *mysqlTx) LockStockItem(ctx context.Context, itemID string) (*domain.StockItem, error) {
	return t.getStockItem(ctx, itemID, true)
}

func (t *mysqlTx) UpdateStockVersioned(ctx context.Context, itemID string, stock int, expectedVersion int64) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE items
		SET stock = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		stock, t.now(), itemID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update stock: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return port.ErrOptimisticLock
	}
	return nil
}

func (t *mysqlTx) UpdateStockLocked(ctx context.Context, itemID string, stock, reserved int) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE items
		SET stock = ?, reserved = ?, version = version + 1, updated_at = ?
		WHERE id = ?`,
		stock, reserved, t.now(), itemID,
	)
	if err != nil {
		return fmt.Errorf("update stock counters: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.NotFound("item", itemID)
	}
	return nil
}

func (t *mysqlTx) InsertInventoryHistory(ctx context.Context, e domain.InventoryHistoryEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = t.now()
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO inventory_history (item_id, change_type, quantity, stock_before, stock_after,
			reserved_before, reserved_after, caused_by_order_id, actor_id, note, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ItemID, e.ChangeType, e.Quantity, e.StockBefore, e.StockAfter,
		e.ReservedBefore, e.ReservedAfter, nullString(e.CausedByOrderID), e.ActorID, e.Note, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert inventory history: %w", err)
	}
	return nil
}

func (t *mysqlTx) ListInventoryHistory(ctx context.Context, itemID string) ([]domain.InventoryHistoryEntry, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, item_id, change_type, quantity, stock_before, stock_after,
			reserved_before, reserved_after, caused_by_order_id, actor_id, note, created_at
		FROM inventory_history WHERE item_id = ? ORDER BY id`, itemID,
	)
	if err != nil {
		return nil, fmt.Errorf("query inventory history: %w", err)
	}
	defer rows.Close()

	var out []domain.InventoryHistoryEntry
	for rows.Next() {
		var (
			e       domain.InventoryHistoryEntry
			orderID sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.ItemID, &e.ChangeType, &e.Quantity, &e.StockBefore, &e.StockAfter,
			&e.ReservedBefore, &e.ReservedAfter, &orderID, &e.ActorID, &e.Note, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan inventory history: %w", err)
		}
		e.CausedByOrderID = orderID.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func (t *mysqlTx) GetCartByUser(ctx context.Context, userID string) (*domain.Cart, error) {
	var c domain.Cart
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, user_id, created_at, updated_at
		FROM carts WHERE user_id = ?`, userID,
	).Scan(&c.ID, &c.UserID, &c.CreatedAt, &c.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound("cart", userID)
	}
	if err != nil {
		return nil, fmt.Errorf("query cart: %w", err)
	}
	return &c, nil
}

func (t *mysqlTx) CreateCart(ctx context.Context, c domain.Cart) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO carts (id, user_id, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		c.ID, c.UserID, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert cart: %w", err)
	}
	return nil
}

func (t *mysqlTx) TouchCart(ctx context.Context, cartID string, at time.Time) error {
	if _, err := t.tx.ExecContext(ctx, `UPDATE carts SET updated_at = ? WHERE id = ?`, at, cartID); err != nil {
		return fmt.Errorf("touch cart: %w", err)
	}
	return nil
}

const cartItemColumns = `id, cart_id, item_id, quantity, created_at, updated_at`

func scanCartItem(row interface{ Scan(...any) error }) (*domain.CartItem, error) {
	var ci domain.CartItem
	if err := row.Scan(&ci.ID, &ci.CartID, &ci.ItemID, &ci.Quantity, &ci.CreatedAt, &ci.UpdatedAt); err != nil {
		return nil, err
	}
	return &ci, nil
}

func (t *mysqlTx) ListCartItems(ctx context.Context, cartID string) ([]domain.CartItem, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+cartItemColumns+`
		FROM cart_items WHERE cart_id = ? ORDER BY created_at, id`, cartID,
	)
	if err != nil {
		return nil, fmt.Errorf("query cart items: %w", err)
	}
	defer rows.Close()

	var out []domain.CartItem
	for rows.Next() {
		ci, err := scanCartItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cart item: %w", err)
		}
		out = append(out, *ci)
	}
	return out, rows.Err()
}

func (t *mysqlTx) GetCartItem(ctx context.Context, cartItemID string) (*domain.CartItem, error) {
	ci, err := scanCartItem(t.tx.QueryRowContext(ctx, `
		SELECT `+cartItemColumns+` FROM cart_items WHERE id = ?`, cartItemID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound("cart item", cartItemID)
	}
	if err != nil {
		return nil, fmt.Errorf("query cart item: %w", err)
	}
	return ci, nil
}

func (t *mysqlTx) FindCartItem(ctx context.Context, cartID, itemID string) (*domain.CartItem, error) {
	ci, err := scanCartItem(t.tx.QueryRowContext(ctx, `
		SELECT `+cartItemColumns+` FROM cart_items WHERE cart_id = ? AND item_id = ?`, cartID, itemID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query cart item: %w", err)
	}
	return ci, nil
}

func (t *mysqlTx) UpsertCartItem(ctx context.Context, ci domain.CartItem) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO cart_items (id, cart_id, item_id, quantity, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE quantity = VALUES(quantity), updated_at = VALUES(updated_at)`,
		ci.ID, ci.CartID, ci.ItemID, ci.Quantity, ci.CreatedAt, ci.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert cart item: %w", err)
	}
	return nil
}

func (t *mysqlTx) DeleteCartItem(ctx context.Context, cartItemID string) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM cart_items WHERE id = ?`, cartItemID); err != nil {
		return fmt.Errorf("delete cart item: %w", err)
	}
	return nil
}

func (t *mysqlTx) DeleteCartItems(ctx context.Context, cartID string) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM cart_items WHERE cart_id = ?`, cartID); err != nil {
		return fmt.Errorf("delete cart items: %w", err)
	}
	return nil
}

func (t *mysqlTx) InsertOrder(ctx context.Context, o domain.Order) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO orders (id, user_id, total_amount, status, delivery_address, phone, notes, order_date, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.UserID, o.TotalAmount, o.Status, o.DeliveryAddress, o.Phone, o.Notes, o.OrderDate, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (t *mysqlTx) InsertOrderItem(ctx context.Context, i domain.OrderItem) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO order_items (id, order_id, item_id, name, quantity, price)
		VALUES (?, ?, ?, ?, ?, ?)`,
		i.ID, i.OrderID, i.ItemID, i.Name, i.Quantity, i.Price,
	)
	if err != nil {
		return fmt.Errorf("insert order item: %w", err)
	}
	return nil
}

const orderColumns = `id, user_id, total_amount, status, delivery_address, phone, notes, order_date, updated_at`

func scanOrder(row interface{ Scan(...any) error }) (*domain.Order, error) {
	var o domain.Order
	if err := row.Scan(&o.ID, &o.UserID, &o.TotalAmount, &o.Status, &o.DeliveryAddress,
		&o.Phone, &o.Notes, &o.OrderDate, &o.UpdatedAt); err != nil {
		return nil, err
	}
	return &o, nil
}

func (t *mysqlTx) getOrder(ctx context.Context, orderID string, lock bool) (*domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = ?`
	if lock {
		query += ` FOR UPDATE`
	}

	o, err := scanOrder(t.tx.QueryRowContext(ctx, query, orderID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound("order", orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("query order: %w", err)
	}

	if o.Items, err = t.listOrderItems(ctx, o.ID); err != nil {
		return nil, err
	}
	return o, nil
}

func (t *mysqlTx) listOrderItems(ctx context.Context, orderID string) ([]domain.OrderItem, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, order_id, item_id, name, quantity, price
		FROM order_items WHERE order_id = ? ORDER BY id`, orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("query order items: %w", err)
	}
	defer rows.Close()

	var out []domain.OrderItem
	for rows.Next() {
		var i domain.OrderItem
		if err := rows.Scan(&i.ID, &i.OrderID, &i.ItemID, &i.Name, &i.Quantity, &i.Price); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

func (t *mysqlTx) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	return t.getOrder(ctx, orderID, false)
}

func (t *mysqlTx) LockOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	return t.getOrder(ctx, orderID, true)
}

func (t *mysqlTx) ListOrdersByUser(ctx context.Context, userID string) ([]domain.Order, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders WHERE user_id = ? ORDER BY order_date DESC`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}

	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, *o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}

	// items are loaded after the cursor is closed; a tx holds one connection
	for i := range orders {
		if orders[i].Items, err = t.listOrderItems(ctx, orders[i].ID); err != nil {
			return nil, err
		}
	}
	return orders, nil
}

func (t *mysqlTx) UpdateOrderStatus(ctx context.Context, orderID string, status domain.OrderStatus, notes string, updatedAt time.Time) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE orders SET status = ?, notes = ?, updated_at = ? WHERE id = ?`,
		status, notes, updatedAt, orderID,
	)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.NotFound("order", orderID)
	}
	return nil
}

func (t *mysqlTx) InsertStatusHistory(ctx context.Context, e domain.OrderStatusHistoryEntry) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO order_status_history (order_id, previous_status, new_status, updated_by, updated_at, note)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.OrderID, e.PreviousStatus, e.NewStatus, e.UpdatedBy, e.UpdatedAt, nullString(e.Note),
	)
	if err != nil {
		return fmt.Errorf("insert status history: %w", err)
	}
	return nil
}

func (t *mysqlTx) ListStatusHistory(ctx context.Context, orderID string) ([]domain.OrderStatusHistoryEntry, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, order_id, previous_status, new_status, updated_by, updated_at, note
		FROM order_status_history WHERE order_id = ? ORDER BY id`, orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("query status history: %w", err)
	}
	defer rows.Close()

	var out []domain.OrderStatusHistoryEntry
	for rows.Next() {
		var (
			e    domain.OrderStatusHistoryEntry
			note sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.OrderID, &e.PreviousStatus, &e.NewStatus, &e.UpdatedBy, &e.UpdatedAt, &note); err != nil {
			return nil, fmt.Errorf("scan status history: %w", err)
		}
		e.Note = note.String
		out = append(out, e)
	}
	return out, rows.Err()
}
