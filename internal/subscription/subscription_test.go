package subscription

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glowdesk/glowdesk/internal/pagination"
	"github.com/glowdesk/glowdesk/internal/plans"
)

func testCatalog() *plans.Catalog {
	return plans.NewCatalog(plans.PriceIDs{Pro: "price_pro", ProPlus: "price_pro_plus"})
}

func TestGetOrCreate_DefaultsToFreeTier(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(testCatalog())

	rec, err := store.GetOrCreate(ctx, "t_1")
	require.NoError(t, err)
	assert.Equal(t, plans.PlanFree, rec.Plan)
	assert.Equal(t, StatusActive, rec.Status)
	assert.Equal(t, 3, rec.CreditsRemaining)
	assert.Equal(t, 3, rec.MonthlyCreditsLimit)

	// Second access returns the same row, not a new one.
	again, err := store.GetOrCreate(ctx, "t_1")
	require.NoError(t, err)
	assert.Equal(t, rec.StartDate, again.StartDate)
}

func TestApplyDebit_Basic(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(testCatalog())

	_, err := store.GetOrCreate(ctx, "t_1")
	require.NoError(t, err)

	remaining, err := store.ApplyDebit(ctx, "t_1", 1)
	require.NoError(t, err)
	assert.Equal(t, 2, remaining)

	remaining, err = store.ApplyDebit(ctx, "t_1", 2)
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)

	remaining, err = store.ApplyDebit(ctx, "t_1", 1)
	assert.ErrorIs(t, err, ErrInsufficientCredits)
	assert.Equal(t, 0, remaining)
}

func TestApplyDebit_NeverNegative(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(testCatalog())

	_, err := store.GetOrCreate(ctx, "t_1")
	require.NoError(t, err)

	// Balance 3; a debit of 5 is rejected atomically, not applied-then-rolled-back.
	remaining, err := store.ApplyDebit(ctx, "t_1", 5)
	assert.ErrorIs(t, err, ErrInsufficientCredits)
	assert.Equal(t, 3, remaining)

	rec, err := store.Get(ctx, "t_1")
	require.NoError(t, err)
	assert.Equal(t, 3, rec.CreditsRemaining)
}

func TestApplyDebit_ConcurrentNoOverspend(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(testCatalog())

	_, err := store.GetOrCreate(ctx, "t_1")
	require.NoError(t, err)
	require.NoError(t, store.ApplyPlanChange(ctx, "t_1", PlanChange{
		Plan: plans.PlanPro, Allowance: 5,
	}))

	// Two concurrent debits of 3 against balance 5: exactly one may win.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = store.ApplyDebit(ctx, "t_1", 3)
		}(i)
	}
	wg.Wait()

	var failures int
	for _, e := range errs {
		if e != nil {
			assert.ErrorIs(t, e, ErrInsufficientCredits)
			failures++
		}
	}
	assert.Equal(t, 1, failures)

	rec, err := store.Get(ctx, "t_1")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.CreditsRemaining)
}

func TestApplyDebit_UnlimitedIsAbsorbing(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(testCatalog())

	_, err := store.GetOrCreate(ctx, "t_1")
	require.NoError(t, err)
	require.NoError(t, store.ApplyPlanChange(ctx, "t_1", PlanChange{
		Plan: plans.PlanProPlus, Allowance: plans.Unlimited,
	}))

	for i := 0; i < 10; i++ {
		remaining, err := store.ApplyDebit(ctx, "t_1", 50)
		require.NoError(t, err)
		assert.Equal(t, plans.Unlimited, remaining)
	}

	rec, err := store.Get(ctx, "t_1")
	require.NoError(t, err)
	assert.True(t, rec.Unlimited())
}

func TestApplyDebit_UnknownTenant(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(testCatalog())

	_, err := store.ApplyDebit(ctx, "ghost", 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestApplyPlanChange_CreatesRowLazily(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(testCatalog())

	// A webhook grant can arrive before the tenant's first access.
	err := store.ApplyPlanChange(ctx, "t_new", PlanChange{
		Plan:                 plans.PlanPro,
		Allowance:            100,
		StripeCustomerID:     "cus_123",
		StripeSubscriptionID: "sub_123",
	})
	require.NoError(t, err)

	rec, err := store.Get(ctx, "t_new")
	require.NoError(t, err)
	assert.Equal(t, plans.PlanPro, rec.Plan)
	assert.Equal(t, StatusActive, rec.Status)
	assert.Equal(t, 100, rec.CreditsRemaining)
	assert.Equal(t, "cus_123", rec.StripeCustomerID)
	assert.Equal(t, "sub_123", rec.StripeSubscriptionID)
}

func TestApplyRenewal_ResetsNotAccumulates(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(testCatalog())

	_, err := store.GetOrCreate(ctx, "t_1")
	require.NoError(t, err)
	require.NoError(t, store.ApplyPlanChange(ctx, "t_1", PlanChange{
		Plan: plans.PlanPro, Allowance: 100,
	}))

	// Partially consumed balance resets to the limit, not limit + leftovers.
	_, err = store.ApplyDebit(ctx, "t_1", 40)
	require.NoError(t, err)

	require.NoError(t, store.ApplyRenewal(ctx, "t_1"))
	rec, _ := store.Get(ctx, "t_1")
	assert.Equal(t, 100, rec.CreditsRemaining)

	// Even an over-limit balance (bug recovery) resets to exactly the limit.
	require.NoError(t, store.ApplyRenewal(ctx, "t_1"))
	rec, _ = store.Get(ctx, "t_1")
	assert.Equal(t, 100, rec.CreditsRemaining)
}

func TestApplyCancellation_KeepsCredits(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(testCatalog())

	_, err := store.GetOrCreate(ctx, "t_1")
	require.NoError(t, err)

	require.NoError(t, store.ApplyCancellation(ctx, "t_1"))

	rec, err := store.Get(ctx, "t_1")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, rec.Status)
	assert.False(t, rec.CancelledAt.IsZero())
	assert.Equal(t, 3, rec.CreditsRemaining)
}

func TestFindByStripeCustomer(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(testCatalog())

	_, err := store.GetOrCreate(ctx, "t_1")
	require.NoError(t, err)
	require.NoError(t, store.SetStripeCustomer(ctx, "t_1", "cus_abc"))

	rec, err := store.FindByStripeCustomer(ctx, "cus_abc")
	require.NoError(t, err)
	assert.Equal(t, "t_1", rec.TenantID)

	_, err = store.FindByStripeCustomer(ctx, "")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.FindByStripeCustomer(ctx, "cus_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecordAndListEvents(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(testCatalog())

	for _, ev := range []*CreditEvent{
		{TenantID: "t_1", Type: EventDebit, Operation: "ebook-generation", Amount: 10, Remaining: 90},
		{TenantID: "t_1", Type: EventAnomaly, Operation: "ad-generation", Amount: 2, Remaining: 0, Detail: "settle race"},
		{TenantID: "t_2", Type: EventGrant, Amount: 100, Remaining: 100},
	} {
		require.NoError(t, store.RecordEvent(ctx, ev))
	}

	events, err := store.ListEvents(ctx, "t_1", 10, nil)
	require.NoError(t, err)
	require.Len(t, events, 2)
	// Most recent first.
	assert.Equal(t, EventAnomaly, events[0].Type)
	assert.NotEmpty(t, events[0].ID)
}

func TestListEvents_CursorPaging(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(testCatalog())

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		require.NoError(t, store.RecordEvent(ctx, &CreditEvent{
			TenantID: "t_1", Type: EventDebit, Operation: "image-prompt", Amount: 1, Remaining: 5 - i,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	first, err := store.ListEvents(ctx, "t_1", 2, nil)
	require.NoError(t, err)
	require.Len(t, first, 2)

	cursor := &pagination.Cursor{CreatedAt: first[1].CreatedAt, ID: first[1].ID}
	second, err := store.ListEvents(ctx, "t_1", 10, cursor)
	require.NoError(t, err)
	require.Len(t, second, 3)

	// No overlap between pages.
	seen := map[string]bool{first[0].ID: true, first[1].ID: true}
	for _, ev := range second {
		assert.False(t, seen[ev.ID], "event %s appeared on both pages", ev.ID)
	}
}
