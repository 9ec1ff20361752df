package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rl1809/supermarket/internal/adapter/storage"
	"github.com/rl1809/supermarket/internal/config"
	"github.com/rl1809/supermarket/internal/core/domain"
	"github.com/rl1809/supermarket/internal/core/service"
)

const (
	batchCount    = 4
	perBatchStock = 5
	initialStock  = batchCount * perBatchStock
)

func main() {
	totalRequests := flag.Int("requests", 50, "concurrent checkouts of one unit each")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// Initialize MySQL
	mdb, err := sql.Open("mysql", cfg.MySQL.DSN())
	if err != nil {
		log.Fatalf("failed to open mysql: %v", err)
	}
	m, err := storage.NewMigrator(mdb, zap.NewNop())
	if err != nil {
		log.Fatalf("failed to build migrator: %v", err)
	}
	if err := m.Up(); err != nil {
		log.Fatalf("failed to migrate: %v", err)
	}
	m.Close()

	db, err := sqlx.Open("mysql", cfg.MySQL.DSN())
	if err != nil {
		log.Fatalf("failed to connect mysql: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.MySQL.MaxOpenConns)

	// Seed a fresh product so repeated runs do not interfere
	sku := fmt.Sprintf("STRESS-%d", time.Now().UnixNano())
	res, err := db.ExecContext(ctx, `INSERT INTO products (sku, name, base_price) VALUES (?, ?, ?)`,
		sku, "Stress Test Milk", "2.50")
	if err != nil {
		log.Fatalf("failed to seed product: %v", err)
	}
	productID, _ := res.LastInsertId()

	repo := storage.NewMySQLLedger(db)
	ledger := service.NewLedgerService(repo, zap.NewNop())
	checkout := service.NewCheckoutService(repo, ledger, nil, nil, cfg.Checkout.DefaultTaxRate, zap.NewNop())
	admin := domain.Actor{UserID: 1, Username: "stress", Role: "admin"}

	today := time.Now().UTC()
	for i := 0; i < batchCount; i++ {
		exp := today.AddDate(0, 0, 10+i)
		if _, err := ledger.Entry(ctx, admin, service.EntryRequest{
			ProductID:      productID,
			BatchCode:      fmt.Sprintf("B%d", i+1),
			Quantity:       perBatchStock,
			CostPerUnit:    decimal.RequireFromString("1.20"),
			ExpirationDate: &exp,
			Note:           "stress seed",
		}); err != nil {
			log.Fatalf("failed to seed batch: %v", err)
		}
	}

	// Counters
	var successCount, insufficientCount, otherCount atomic.Int32

	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < *totalRequests; i++ {
		wg.Add(1)
		go func(cashier int) {
			defer wg.Done()

			actor := domain.Actor{UserID: int64(cashier + 1), Username: fmt.Sprintf("cashier-%d", cashier), Role: "cashier"}
			_, err := checkout.Checkout(ctx, actor, service.CheckoutRequest{
				Items: []domain.CartItem{{ProductID: productID, Quantity: 1}},
			})
			switch {
			case err == nil:
				successCount.Add(1)
			case errors.Is(err, domain.ErrInsufficientStock):
				insufficientCount.Add(1)
			default:
				otherCount.Add(1)
				log.Printf("unexpected checkout error: %v", err)
			}
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)

	success := successCount.Load()
	insufficient := insufficientCount.Load()

	var remaining, movementSum, events int64
	if err := db.GetContext(ctx, &remaining,
		`SELECT COALESCE(SUM(quantity), 0) FROM product_batches WHERE product_id = ?`, productID); err != nil {
		log.Fatalf("failed to read stock: %v", err)
	}
	if err := db.GetContext(ctx, &movementSum, `
		SELECT COALESCE(SUM(m.quantity), 0) FROM inventory_movements m
		JOIN product_batches b ON b.id = m.product_batch_id
		WHERE b.product_id = ?`, productID); err != nil {
		log.Fatalf("failed to read movements: %v", err)
	}
	if err := db.GetContext(ctx, &events, `
		SELECT COUNT(*) FROM outbox_events o
		WHERE o.aggregate_id IN (
			SELECT DISTINCT m.reference_id FROM inventory_movements m
			JOIN product_batches b ON b.id = m.product_batch_id
			WHERE b.product_id = ? AND m.movement_type = 'SALE')`, productID); err != nil {
		log.Fatalf("failed to count outbox events: %v", err)
	}

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Initial Stock:    %d\n", initialStock)
	fmt.Printf("Total Requests:   %d\n", *totalRequests)
	fmt.Printf("Successful:       %d\n", success)
	fmt.Printf("Insufficient:     %d\n", insufficient)
	fmt.Printf("Other Errors:     %d\n", otherCount.Load())
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	expectedSuccess := int32(min(*totalRequests, initialStock))
	check("sales capped by stock", success == expectedSuccess,
		"expected %d successful checkouts, got %d", expectedSuccess, success)
	check("no stock oversold", remaining == int64(initialStock)-int64(success),
		"expected %d units left, got %d", int64(initialStock)-int64(success), remaining)
	check("movements reconcile with batches", movementSum == remaining,
		"movement sum %d differs from batch total %d", movementSum, remaining)
	check("one outbox event per sale", events == int64(success),
		"expected %d outbox events, got %d", success, events)
}

func check(name string, ok bool, format string, args ...any) {
	if ok {
		fmt.Printf("PASS: %s\n", name)
		return
	}
	fmt.Printf("FAIL: %s: %s\n", name, fmt.Sprintf(format, args...))
}
