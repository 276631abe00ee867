package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/openvolt/gridex/internal/config"
	"github.com/openvolt/gridex/internal/models"
	"github.com/openvolt/gridex/internal/store"
	"golang.org/x/crypto/bcrypt"
)

// Seed the database with demo traders and a crossing order book
func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	pg, err := store.NewPG(ctx, cfg.DB.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pg.Close()

	if err := pg.EnsureSchema(ctx); err != nil {
		log.Fatalf("Failed to ensure schema: %v", err)
	}

	open, err := pg.OpenOrders(ctx)
	if err != nil {
		log.Fatalf("Failed to check open orders: %v", err)
	}
	if len(open) > 0 {
		fmt.Printf("Database already has %d open orders. No need to seed.\n", len(open))
		os.Exit(0)
	}

	demoHash, err := bcrypt.GenerateFromPassword([]byte("demo1234"), bcrypt.DefaultCost)
	if err != nil {
		log.Fatalf("Failed to hash demo password: %v", err)
	}
	for _, username := range []string{"solar_farm_a", "household_b"} {
		if _, err := pg.GetUserByUsername(ctx, username); err == nil {
			continue
		}
		if _, err := pg.CreateUser(ctx, username, string(demoHash)); err != nil {
			log.Fatalf("Failed to create user %s: %v", username, err)
		}
	}

	now := time.Now()
	orders := []*models.Order{
		{
			ID:          uuid.NewString(),
			Trader:      "solar_farm_a",
			Side:        models.Sell,
			AmountWh:    10_000, // 10 kWh
			PriceMicros: 150,
			Status:      models.OrderActive,
			CertRef:     "erc-demo-001",
			CreatedAt:   now,
			ExpiresAt:   now.Add(24 * time.Hour),
		},
		{
			ID:          uuid.NewString(),
			Trader:      "household_b",
			Side:        models.Buy,
			AmountWh:    6_000,
			PriceMicros: 170,
			Status:      models.OrderActive,
			CreatedAt:   now.Add(time.Second),
			ExpiresAt:   now.Add(24 * time.Hour),
		},
		{
			ID:          uuid.NewString(),
			Trader:      "household_b",
			Side:        models.Buy,
			AmountWh:    5_000,
			PriceMicros: 140, // rests below the ask
			Status:      models.OrderActive,
			CreatedAt:   now.Add(2 * time.Second),
			ExpiresAt:   now.Add(24 * time.Hour),
		},
	}
	for _, o := range orders {
		if err := pg.SaveOrder(ctx, o); err != nil {
			log.Fatalf("Failed to seed order: %v", err)
		}
	}

	fmt.Printf("Seeded %d orders for 2 demo traders.\n", len(orders))
}
