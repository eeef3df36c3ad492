package storage

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rl1809/storefront/internal/core/domain"
	"github.com/rl1809/storefront/internal/port"
)

func getMySQLAdapter(t *testing.T) *MySQLAdapter {
	dsn := os.Getenv("MYSQL_DSN")
	if dsn == "" {
		dsn = "root:root@tcp(localhost:3306)/storefront?parseTime=true"
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		t.Skipf("MySQL not available: %v", err)
	}
	if err := db.Ping(); err != nil {
		t.Skipf("MySQL not available: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	adapter := NewMySQLAdapter(db)
	if err := adapter.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	return adapter
}

func createTestItem(t *testing.T, adapter *MySQLAdapter, stock int) string {
	t.Helper()

	id := "test-item-" + uuid.NewString()[:8]
	err := adapter.InTx(context.Background(), func(tx port.Tx) error {
		return tx.CreateItem(context.Background(),
			domain.Product{ID: id, Name: "Test " + id, Price: decimal.RequireFromString("12.50"), Active: true},
			domain.StockItem{ID: id, Stock: stock, MinStock: 2})
	})
	if err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	t.Cleanup(func() {
		adapter.db.Exec(`DELETE FROM inventory_history WHERE item_id = ?`, id)
		adapter.db.Exec(`DELETE FROM items WHERE id = ?`, id)
	})
	return id
}

func TestMySQL_GetStockItem(t *testing.T) {
	adapter := getMySQLAdapter(t)
	ctx := context.Background()
	id := createTestItem(t, adapter, 50)

	err := adapter.InTx(ctx, func(tx port.Tx) error {
		item, err := tx.GetStockItem(ctx, id)
		if err != nil {
			return err
		}
		if item.Stock != 50 || item.Reserved != 0 || item.MinStock != 2 || item.Version != 0 {
			t.Errorf("unexpected item %+v", item)
		}

		product, err := tx.GetProduct(ctx, id)
		if err != nil {
			return err
		}
		if !product.Price.Equal(decimal.RequireFromString("12.50")) || !product.Active {
			t.Errorf("unexpected product %+v", product)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("tx failed: %v", err)
	}
}

func TestMySQL_GetStockItem_NotFound(t *testing.T) {
	adapter := getMySQLAdapter(t)
	ctx := context.Background()

	err := adapter.InTx(ctx, func(tx port.Tx) error {
		_, err := tx.GetStockItem(ctx, "nonexistent-item")
		return err
	})

	var notFound *domain.NotFoundError
	if !errors.As(err, &notFound) {
		t.Errorf("expected NotFoundError, got: %v", err)
	}
}

func TestMySQL_UpdateStockVersioned_OptimisticLock(t *testing.T) {
	adapter := getMySQLAdapter(t)
	ctx := context.Background()
	id := createTestItem(t, adapter, 100)

	err := adapter.InTx(ctx, func(tx port.Tx) error {
		return tx.UpdateStockVersioned(ctx, id, 90, 0)
	})
	if err != nil {
		t.Fatalf("UpdateStockVersioned failed: %v", err)
	}

	var version int
	adapter.db.QueryRowContext(ctx, `SELECT version FROM items WHERE id = ?`, id).Scan(&version)
	if version != 1 {
		t.Errorf("expected version 1, got %d", version)
	}

	err = adapter.InTx(ctx, func(tx port.Tx) error {
		return tx.UpdateStockVersioned(ctx, id, 80, 0) // stale
	})
	if !errors.Is(err, port.ErrOptimisticLock) {
		t.Errorf("expected ErrOptimisticLock, got: %v", err)
	}
}

func TestMySQL_RollbackOnError(t *testing.T) {
	adapter := getMySQLAdapter(t)
	ctx := context.Background()
	id := createTestItem(t, adapter, 10)

	boom := errors.New("boom")
	err := adapter.InTx(ctx, func(tx port.Tx) error {
		if _, err := tx.LockStockItem(ctx, id); err != nil {
			return err
		}
		if err := tx.UpdateStockLocked(ctx, id, 10, 4); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got: %v", err)
	}

	var reserved int
	adapter.db.QueryRowContext(ctx, `SELECT reserved FROM items WHERE id = ?`, id).Scan(&reserved)
	if reserved != 0 {
		t.Errorf("expected reserved 0 after rollback, got %d", reserved)
	}
}

func TestMySQL_ReservedCannotExceedStock(t *testing.T) {
	adapter := getMySQLAdapter(t)
	ctx := context.Background()
	id := createTestItem(t, adapter, 3)

	err := adapter.InTx(ctx, func(tx port.Tx) error {
		return tx.UpdateStockLocked(ctx, id, 3, 4)
	})
	if err == nil {
		t.Error("expected the check constraint to reject reserved > stock")
	}
}

func TestMySQL_InventoryHistoryRoundTrip(t *testing.T) {
	adapter := getMySQLAdapter(t)
	ctx := context.Background()
	id := createTestItem(t, adapter, 10)

	err := adapter.InTx(ctx, func(tx port.Tx) error {
		if err := tx.InsertInventoryHistory(ctx, domain.InventoryHistoryEntry{
			ItemID: id, ChangeType: domain.ChangeReserve, Quantity: 2,
			StockBefore: 10, StockAfter: 10, ReservedBefore: 0, ReservedAfter: 2, ActorID: "user-1",
		}); err != nil {
			return err
		}
		return tx.InsertInventoryHistory(ctx, domain.InventoryHistoryEntry{
			ItemID: id, ChangeType: domain.ChangeSubtract, Quantity: 2,
			StockBefore: 10, StockAfter: 8, ReservedBefore: 2, ReservedAfter: 0,
			CausedByOrderID: "order-1", ActorID: "user-1", Note: "order confirmed",
		})
	})
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	var entries []domain.InventoryHistoryEntry
	adapter.InTx(ctx, func(tx port.Tx) error {
		entries, err = tx.ListInventoryHistory(ctx, id)
		return err
	})
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].ID >= entries[1].ID {
		t.Error("expected entries ordered by id")
	}
	if entries[0].CausedByOrderID != "" || entries[1].CausedByOrderID != "order-1" {
		t.Errorf("unexpected order references %q, %q", entries[0].CausedByOrderID, entries[1].CausedByOrderID)
	}
	if entries[1].ChangeType != domain.ChangeSubtract || entries[1].Note != "order confirmed" {
		t.Errorf("unexpected entry %+v", entries[1])
	}
}

func TestMySQL_OrderRoundTrip(t *testing.T) {
	adapter := getMySQLAdapter(t)
	ctx := context.Background()
	itemID := createTestItem(t, adapter, 10)

	now := time.Now().UTC().Truncate(time.Microsecond)
	order := domain.Order{
		ID:              uuid.NewString(),
		UserID:          "test-user",
		TotalAmount:     decimal.RequireFromString("25.00"),
		Status:          domain.OrderStatusPending,
		DeliveryAddress: "1 Main St",
		OrderDate:       now,
		UpdatedAt:       now,
	}
	t.Cleanup(func() {
		adapter.db.Exec(`DELETE FROM order_status_history WHERE order_id = ?`, order.ID)
		adapter.db.Exec(`DELETE FROM order_items WHERE order_id = ?`, order.ID)
		adapter.db.Exec(`DELETE FROM orders WHERE id = ?`, order.ID)
	})

	err := adapter.InTx(ctx, func(tx port.Tx) error {
		if err := tx.InsertOrder(ctx, order); err != nil {
			return err
		}
		if err := tx.InsertOrderItem(ctx, domain.OrderItem{
			ID: uuid.NewString(), OrderID: order.ID, ItemID: itemID, Name: "Test", Quantity: 2,
			Price: decimal.RequireFromString("12.50"),
		}); err != nil {
			return err
		}
		if err := tx.InsertStatusHistory(ctx, domain.OrderStatusHistoryEntry{
			OrderID: order.ID, PreviousStatus: domain.OrderStatusPending, NewStatus: domain.OrderStatusConfirmed,
			UpdatedBy: "admin-1", UpdatedAt: now,
		}); err != nil {
			return err
		}
		return tx.UpdateOrderStatus(ctx, order.ID, domain.OrderStatusConfirmed, "", now)
	})
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}

	adapter.InTx(ctx, func(tx port.Tx) error {
		stored, err := tx.LockOrder(ctx, order.ID)
		if err != nil {
			t.Fatalf("LockOrder failed: %v", err)
		}
		if stored.Status != domain.OrderStatusConfirmed || len(stored.Items) != 1 {
			t.Errorf("unexpected order %+v", stored)
		}
		if !stored.Items[0].LineTotal().Equal(stored.TotalAmount) {
			t.Errorf("expected line total %s, got %s", stored.TotalAmount, stored.Items[0].LineTotal())
		}

		history, err := tx.ListStatusHistory(ctx, order.ID)
		if err != nil || len(history) != 1 || !domain.ValidWalk(history) {
			t.Errorf("unexpected history %+v (err %v)", history, err)
		}
		return nil
	})
}
