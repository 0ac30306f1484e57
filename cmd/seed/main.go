// seed inserts demo strategies into the local dev database.
// Run: go run ./cmd/seed
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/cfxdevkit/cas-sub000/internal/infrastructure/postgres"
)

const seedOwner = "0xseed000000000000000000000000000000000001"

func main() {
	ctx := context.Background()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL is not set — run: direnv allow")
	}

	pool, err := postgres.NewPool(ctx, dbURL)
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	defer pool.Close()

	email := "seed@test.local"
	_, err = pool.Exec(ctx, `
		INSERT INTO owners (account, notification_email)
		VALUES ($1, $2)
		ON CONFLICT (account) DO UPDATE SET updated_at = NOW()`,
		seedOwner, email)
	if err != nil {
		log.Fatalf("upsert owner: %v", err)
	}

	type row struct {
		desc string
		id   string
	}
	var rows []row

	// Limit orders around a WETH/USDC pool price of ~3000 USDC (6 decimals,
	// price scaled 1e18): one already triggerable, one far away, one expired.
	limits := []struct {
		desc      string
		target    string
		direction string
		onChainID *string
		expiresAt *time.Time
	}{
		{"limit gte, triggerable", "2500000000000000000000", "gte", strPtr("1001"), nil},
		{"limit gte, far away", "9000000000000000000000", "gte", strPtr("1002"), nil},
		{"limit lte, not yet registered", "2000000000000000000000", "lte", nil, nil},
		{"limit gte, expired", "2500000000000000000000", "gte", strPtr("1004"), timePtr(time.Now().Add(-time.Hour))},
	}
	for _, l := range limits {
		var id string
		err := pool.QueryRow(ctx, `
			INSERT INTO jobs (
				owner, on_chain_job_id, kind, status, max_retries,
				token_in, token_out, amount_in, min_amount_out, target_price, direction, expires_at
			) VALUES ($1, $2, 'limit_order', 'pending', 3,
				'WETH', 'USDC', 1000000000000000000, 0, $3::numeric, $4, $5)
			RETURNING id`,
			seedOwner, l.onChainID, l.target, l.direction, l.expiresAt,
		).Scan(&id)
		if err != nil {
			log.Fatalf("insert limit order: %v", err)
		}
		rows = append(rows, row{l.desc, id})
	}

	// DCA: one due now, one due in an hour.
	dcas := []struct {
		desc      string
		next      time.Time
		onChainID string
	}{
		{"dca due immediately", time.Now().Add(-time.Minute), "2001"},
		{"dca due in an hour", time.Now().Add(time.Hour), "2002"},
	}
	for _, d := range dcas {
		var id string
		err := pool.QueryRow(ctx, `
			INSERT INTO jobs (
				owner, on_chain_job_id, kind, status, max_retries,
				token_in, token_out, amount_per_swap, interval_seconds, total_swaps, swaps_completed, next_execution
			) VALUES ($1, $2, 'dca', 'pending', 3,
				'USDC', 'WETH', 500000000, 3600, 10, 0, $3)
			RETURNING id`,
			seedOwner, d.onChainID, d.next,
		).Scan(&id)
		if err != nil {
			log.Fatalf("insert dca: %v", err)
		}
		rows = append(rows, row{d.desc, id})
	}

	fmt.Println("Seed complete")
	fmt.Println()
	fmt.Printf("  Owner: %s\n", seedOwner)
	for _, r := range rows {
		fmt.Printf("  %-32s %s\n", r.desc, r.id)
	}
	fmt.Println()
	fmt.Println("How to test:")
	fmt.Println()
	fmt.Printf("  curl -s 'http://localhost:8080/strategies?owner=%s'\n", seedOwner)
	fmt.Println()
	fmt.Println("  Start the keeper and watch the poll cycle pick up the triggerable")
	fmt.Println("  jobs; the 'not yet registered' one stays pending until:")
	fmt.Println()
	fmt.Println("    curl -s -X POST http://localhost:8080/strategies/JOB_ID/registration \\")
	fmt.Printf("      -d '{\"owner\":\"%s\",\"on_chain_job_id\":\"1003\"}'\n", seedOwner)
}

func strPtr(s string) *string { return &s }

func timePtr(t time.Time) *time.Time { return &t }
