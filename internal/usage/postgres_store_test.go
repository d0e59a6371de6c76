//go:build integration

package usage

import (
	"context"
	"testing"
	"time"

	"github.com/glowdesk/glowdesk/internal/plans"
	"github.com/glowdesk/glowdesk/internal/testutil"
)

func TestPostgres_IncrementAccumulates(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	day := DayOf(time.Now())

	for i := 0; i < 3; i++ {
		if err := store.Increment(ctx, "t_pg_usage", day, plans.OpImagePrompt, 1); err != nil {
			t.Fatalf("Increment failed: %v", err)
		}
	}
	if err := store.Increment(ctx, "t_pg_usage", day, plans.OpAdCopy, 2); err != nil {
		t.Fatalf("Increment failed: %v", err)
	}

	entries, err := store.Summary(ctx, "t_pg_usage", 7)
	if err != nil {
		t.Fatalf("Summary failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}

	byOp := make(map[plans.Operation]Entry)
	for _, e := range entries {
		byOp[e.Operation] = e
	}
	if e := byOp[plans.OpImagePrompt]; e.Count != 3 || e.Credits != 3 {
		t.Errorf("image-prompt entry = %+v, want count 3 credits 3", e)
	}
	if e := byOp[plans.OpAdCopy]; e.Count != 1 || e.Credits != 2 {
		t.Errorf("ad-generation entry = %+v, want count 1 credits 2", e)
	}
}

func TestPostgres_SummaryScopedToTenant(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	day := DayOf(time.Now())

	if err := store.Increment(ctx, "t_pg_a", day, plans.OpBioRadar, 1); err != nil {
		t.Fatalf("Increment failed: %v", err)
	}
	if err := store.Increment(ctx, "t_pg_b", day, plans.OpBioRadar, 1); err != nil {
		t.Fatalf("Increment failed: %v", err)
	}

	entries, err := store.Summary(ctx, "t_pg_a", 7)
	if err != nil {
		t.Fatalf("Summary failed: %v", err)
	}
	for _, e := range entries {
		if e.TenantID != "t_pg_a" {
			t.Errorf("entry for wrong tenant: %+v", e)
		}
	}
}
