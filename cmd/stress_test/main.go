package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rl1809/storefront/internal/adapter/observability"
	"github.com/rl1809/storefront/internal/adapter/storage"
	"github.com/rl1809/storefront/internal/config"
	"github.com/rl1809/storefront/internal/core/domain"
	"github.com/rl1809/storefront/internal/core/retry"
	"github.com/rl1809/storefront/internal/core/service"
	"github.com/rl1809/storefront/internal/port"
)

const (
	initialStock  = 20
	totalShoppers = 50
	queueSize     = 100
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	logger, err := observability.NewLogger("warn", "storefront-stress")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}

	var store port.Store
	if cfg.Store.Driver == config.StoreMemory {
		store = storage.NewMemoryAdapter()
	} else {
		db, err := sql.Open("mysql", cfg.Store.MySQLDSN)
		if err != nil {
			logger.Fatal("failed to connect mysql", zap.Error(err))
		}
		defer db.Close()
		db.SetMaxOpenConns(cfg.Store.MaxOpenConns)

		adapter := storage.NewMySQLAdapter(db)
		if err := adapter.Migrate(ctx); err != nil {
			logger.Fatal("failed to migrate schema", zap.Error(err))
		}
		store = adapter
	}

	ledger := service.NewStockLedger(store, retry.DefaultPolicy(), logger)
	reservations := service.NewReservationService(store, logger)
	carts := service.NewCartService(store, reservations, logger)
	orders := service.NewOrderService(store, ledger, reservations, nil, logger, queueSize)
	defer orders.Close()

	// Drain the event queue in background
	go func() {
		for range orders.GetEventQueue() {
		}
	}()

	itemID := "stress-item-" + uuid.NewString()[:8]
	product := domain.Product{ID: itemID, Name: "Stress item", Price: decimal.RequireFromString("9.99"), Active: true}
	if _, err := ledger.RegisterItem(ctx, product, initialStock, 0, "stress-test"); err != nil {
		logger.Fatal("failed to register item", zap.Error(err))
	}

	var (
		reserved    atomic.Int32
		soldOut     atomic.Int32
		checkedOut  atomic.Int32
		otherErrors atomic.Int32
	)

	// Every shopper grabs one unit and checks out straight away
	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < totalShoppers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			userID := fmt.Sprintf("stress-user-%d-%s", n, itemID)

			_, err := carts.AddItem(ctx, userID, itemID, 1)
			var insufficient *domain.InsufficientStockError
			switch {
			case errors.As(err, &insufficient):
				soldOut.Add(1)
				return
			case err != nil:
				otherErrors.Add(1)
				logger.Warn("add to cart failed", zap.String("user_id", userID), zap.Error(err))
				return
			}
			reserved.Add(1)

			if _, err := orders.CreateOrderFromCart(ctx, userID, domain.DeliveryInfo{Address: "1 Load St", Phone: "555-0000"}); err != nil {
				otherErrors.Add(1)
				logger.Warn("checkout failed", zap.String("user_id", userID), zap.Error(err))
				return
			}
			checkedOut.Add(1)
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)

	availability, err := ledger.GetAvailability(ctx, itemID)
	if err != nil {
		logger.Fatal("failed to read availability", zap.Error(err))
	}
	rec, err := ledger.Reconcile(ctx, itemID)
	if err != nil {
		logger.Fatal("failed to reconcile", zap.Error(err))
	}

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Store:            %s\n", cfg.Store.Driver)
	fmt.Printf("Initial Stock:    %d\n", initialStock)
	fmt.Printf("Shoppers:         %d\n", totalShoppers)
	fmt.Printf("Reserved:         %d\n", reserved.Load())
	fmt.Printf("Sold Out:         %d\n", soldOut.Load())
	fmt.Printf("Checked Out:      %d\n", checkedOut.Load())
	fmt.Printf("Other Errors:     %d\n", otherErrors.Load())
	fmt.Printf("Final Stock:      %d\n", availability.Stock)
	fmt.Printf("Final Reserved:   %d\n", availability.Reserved)
	fmt.Printf("History Entries:  %d\n", rec.Entries)
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	failed := false
	check := func(ok bool, pass, fail string) {
		if ok {
			fmt.Println("PASS: " + pass)
			return
		}
		fmt.Println("FAIL: " + fail)
		failed = true
	}

	check(reserved.Load() == initialStock && soldOut.Load() == totalShoppers-initialStock,
		fmt.Sprintf("exactly %d reservations succeeded", initialStock),
		fmt.Sprintf("expected %d reserved/%d sold out, got %d/%d",
			initialStock, totalShoppers-initialStock, reserved.Load(), soldOut.Load()))
	check(availability.Reserved <= availability.Stock,
		"reserved never exceeds stock",
		fmt.Sprintf("reserved %d exceeds stock %d", availability.Reserved, availability.Stock))
	check(availability.Stock == initialStock-int(checkedOut.Load()) && availability.Reserved == 0,
		"every checkout consumed its reservation",
		fmt.Sprintf("expected stock %d reserved 0, got %d/%d",
			initialStock-int(checkedOut.Load()), availability.Stock, availability.Reserved))
	check(rec.Consistent(), "inventory history reconciles", fmt.Sprintf("history problems: %v", rec.Problems))

	if failed {
		os.Exit(1)
	}
}
