//go:build integration

package subscription

import (
	"context"
	"database/sql"
	"os"
	"sync"
	"testing"

	_ "github.com/lib/pq"

	"github.com/glowdesk/glowdesk/internal/plans"
)

func setupTestDB(t *testing.T) (*PostgresStore, func()) {
	t.Helper()

	dbURL := os.Getenv("POSTGRES_URL")
	if dbURL == "" {
		t.Skip("POSTGRES_URL not set, skipping integration test")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	if err := db.Ping(); err != nil {
		t.Fatalf("Failed to connect to database: %v", err)
	}

	store := NewPostgresStore(db, testCatalog())
	ctx := context.Background()
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}

	cleanup := func() {
		db.ExecContext(ctx, "DELETE FROM credit_events")
		db.ExecContext(ctx, "DELETE FROM tenant_subscriptions")
		db.Close()
	}
	return store, cleanup
}

func TestPostgres_GetOrCreate(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	rec, err := store.GetOrCreate(ctx, "t_pg_1")
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	if rec.Plan != plans.PlanFree || rec.CreditsRemaining != 3 {
		t.Errorf("expected free plan with 3 credits, got %s/%d", rec.Plan, rec.CreditsRemaining)
	}

	// Concurrent first access must not create duplicates.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.GetOrCreate(ctx, "t_pg_race"); err != nil {
				t.Errorf("concurrent GetOrCreate failed: %v", err)
			}
		}()
	}
	wg.Wait()

	var count int
	if err := store.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tenant_subscriptions WHERE tenant_id = $1`, "t_pg_race",
	).Scan(&count); err != nil {
		t.Fatalf("count query failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected exactly 1 row, got %d", count)
	}
}

func TestPostgres_ConcurrentDebits(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	if _, err := store.GetOrCreate(ctx, "t_pg_2"); err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	if err := store.ApplyPlanChange(ctx, "t_pg_2", PlanChange{Plan: plans.PlanPro, Allowance: 10}); err != nil {
		t.Fatalf("ApplyPlanChange failed: %v", err)
	}

	// 20 concurrent debits of 1 against balance 10: exactly 10 may succeed.
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.ApplyDebit(ctx, "t_pg_2", 1); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if succeeded != 10 {
		t.Errorf("expected 10 successful debits, got %d", succeeded)
	}
	rec, err := store.Get(ctx, "t_pg_2")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec.CreditsRemaining != 0 {
		t.Errorf("expected 0 credits remaining, got %d", rec.CreditsRemaining)
	}
}

func TestPostgres_UnlimitedDebit(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	if _, err := store.GetOrCreate(ctx, "t_pg_3"); err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	if err := store.ApplyPlanChange(ctx, "t_pg_3", PlanChange{
		Plan: plans.PlanProPlus, Allowance: plans.Unlimited,
	}); err != nil {
		t.Fatalf("ApplyPlanChange failed: %v", err)
	}

	remaining, err := store.ApplyDebit(ctx, "t_pg_3", 1000)
	if err != nil {
		t.Fatalf("ApplyDebit failed: %v", err)
	}
	if remaining != plans.Unlimited {
		t.Errorf("expected unlimited sentinel, got %d", remaining)
	}
}

func TestPostgres_RenewalResets(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	if _, err := store.GetOrCreate(ctx, "t_pg_4"); err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	if err := store.ApplyPlanChange(ctx, "t_pg_4", PlanChange{Plan: plans.PlanPro, Allowance: 100}); err != nil {
		t.Fatalf("ApplyPlanChange failed: %v", err)
	}
	if _, err := store.ApplyDebit(ctx, "t_pg_4", 37); err != nil {
		t.Fatalf("ApplyDebit failed: %v", err)
	}
	if err := store.ApplyRenewal(ctx, "t_pg_4"); err != nil {
		t.Fatalf("ApplyRenewal failed: %v", err)
	}

	rec, err := store.Get(ctx, "t_pg_4")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec.CreditsRemaining != 100 {
		t.Errorf("expected reset to 100, got %d", rec.CreditsRemaining)
	}
}
