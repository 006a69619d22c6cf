package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"metered_gateway/internal/config"
	"metered_gateway/internal/storage"
)

// grant-credits adds a credit lot directly in Postgres, for support
// adjustments and backfills of purchases the consumer missed.
func main() {
	userID := flag.String("user", "", "user id to credit (required)")
	amount := flag.Int64("amount", 0, "credits to add (required, > 0)")
	reference := flag.String("ref", "", "payment reference; repeating a reference is a no-op")
	flag.Parse()

	if *userID == "" || *amount <= 0 {
		fmt.Fprintln(os.Stderr, "ERROR: -user and a positive -amount are required")
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if cfg.Database.URL == "" {
		fmt.Fprintln(os.Stderr, "ERROR: DATABASE_URL must be set")
		os.Exit(1)
	}

	fmt.Println("Connecting to database...")
	dbConfig := storage.DefaultDBConfig()
	dbConfig.URL = cfg.Database.URL
	dbConfig.MaxOpenConns = 2
	dbConfig.JobCacheSize = 1

	db, err := storage.NewDB(dbConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: Failed to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	credits := db.NewCreditRepository()
	lot, created, err := credits.AddLot(ctx, *userID, *amount, *reference)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: Failed to add credit lot: %v\n", err)
		os.Exit(1)
	}

	balance, err := credits.Balance(ctx, *userID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: Failed to read balance: %v\n", err)
		os.Exit(1)
	}

	if created {
		fmt.Println("SUCCESS: Credit lot recorded")
	} else {
		fmt.Printf("INFO: Reference %q was already used, existing lot returned\n", *reference)
	}
	fmt.Printf("Lot ID: %s\n", lot.ID)
	fmt.Printf("User: %s\n", lot.UserID)
	fmt.Printf("Amount: %d (remaining %d)\n", lot.AmountOriginal, lot.AmountRemaining)
	fmt.Printf("Created: %s\n", lot.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Balance: %d\n", balance)
}
