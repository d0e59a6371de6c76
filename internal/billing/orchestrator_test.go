package billing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glowdesk/glowdesk/internal/plans"
	"github.com/glowdesk/glowdesk/internal/subscription"
)

// fakeProvider records calls and serves canned responses.
type fakeProvider struct {
	customers    int
	sessions     []CheckoutParams
	cancelled    []string
	priceActive  bool
	failCustomer error
	failSession  error
	failCancel   error
	failPrice    error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{priceActive: true}
}

func (f *fakeProvider) CreateCustomer(ctx context.Context, tenantID, email string) (string, error) {
	if f.failCustomer != nil {
		return "", f.failCustomer
	}
	f.customers++
	return "cus_test_1", nil
}

func (f *fakeProvider) GetPrice(ctx context.Context, priceID string) (*Price, error) {
	if f.failPrice != nil {
		return nil, f.failPrice
	}
	return &Price{ID: priceID, Active: f.priceActive, UnitAmount: 4900, Currency: "usd"}, nil
}

func (f *fakeProvider) CreateCheckoutSession(ctx context.Context, p CheckoutParams) (*CheckoutSession, error) {
	if f.failSession != nil {
		return nil, f.failSession
	}
	f.sessions = append(f.sessions, p)
	return &CheckoutSession{ID: "cs_test_1", URL: "https://checkout.stripe.com/c/cs_test_1"}, nil
}

func (f *fakeProvider) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	return "https://billing.stripe.com/p/session_1", nil
}

func (f *fakeProvider) CancelSubscription(ctx context.Context, subscriptionID string) error {
	if f.failCancel != nil {
		return f.failCancel
	}
	f.cancelled = append(f.cancelled, subscriptionID)
	return nil
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *fakeProvider, subscription.Store) {
	t.Helper()
	catalog := plans.NewCatalog(plans.PriceIDs{Pro: "price_pro", ProPlus: "price_pro_plus"})
	store := subscription.NewMemoryStore(catalog)
	provider := newFakeProvider()
	return NewOrchestrator(provider, store, catalog), provider, store
}

func TestStartCheckout_CreatesSessionWithTenantMetadata(t *testing.T) {
	orch, provider, store := newTestOrchestrator(t)
	ctx := context.Background()

	sess, err := orch.StartCheckout(ctx, "t_1", plans.PlanPro,
		"https://app.glowdesk.io/billing/success", "https://app.glowdesk.io/billing/cancel")
	require.NoError(t, err)
	assert.Equal(t, "cs_test_1", sess.ID)
	assert.NotEmpty(t, sess.URL)

	require.Len(t, provider.sessions, 1)
	assert.Equal(t, "t_1", provider.sessions[0].TenantID)
	assert.Equal(t, "price_pro", provider.sessions[0].PriceID)
	assert.Equal(t, "pro", provider.sessions[0].Plan)

	// Customer was created and pinned before the session.
	rec, err := store.Get(ctx, "t_1")
	require.NoError(t, err)
	assert.Equal(t, "cus_test_1", rec.StripeCustomerID)
}

func TestStartCheckout_DoesNotGrantCredits(t *testing.T) {
	orch, _, store := newTestOrchestrator(t)
	ctx := context.Background()

	_, err := orch.StartCheckout(ctx, "t_1", plans.PlanPro,
		"https://app.glowdesk.io/s", "https://app.glowdesk.io/c")
	require.NoError(t, err)

	// Still on free until the webhook lands.
	rec, err := store.Get(ctx, "t_1")
	require.NoError(t, err)
	assert.Equal(t, plans.PlanFree, rec.Plan)
	assert.Equal(t, 3, rec.CreditsRemaining)
}

func TestStartCheckout_ReusesExistingCustomer(t *testing.T) {
	orch, provider, store := newTestOrchestrator(t)
	ctx := context.Background()

	_, err := store.GetOrCreate(ctx, "t_1")
	require.NoError(t, err)
	require.NoError(t, store.SetStripeCustomer(ctx, "t_1", "cus_existing"))

	_, err = orch.StartCheckout(ctx, "t_1", plans.PlanPro,
		"https://app.glowdesk.io/s", "https://app.glowdesk.io/c")
	require.NoError(t, err)

	assert.Equal(t, 0, provider.customers, "no new customer should be created")
	assert.Equal(t, "cus_existing", provider.sessions[0].CustomerID)
}

func TestStartCheckout_RejectsSameTierAndDowngrade(t *testing.T) {
	orch, _, store := newTestOrchestrator(t)
	ctx := context.Background()

	_, err := store.GetOrCreate(ctx, "t_1")
	require.NoError(t, err)
	require.NoError(t, store.ApplyPlanChange(ctx, "t_1", subscription.PlanChange{
		Plan:      plans.PlanPro,
		Allowance: 100,
	}))

	_, err = orch.StartCheckout(ctx, "t_1", plans.PlanPro,
		"https://a/s", "https://a/c")
	assert.ErrorIs(t, err, ErrNotUpgrade)

	_, err = orch.StartCheckout(ctx, "t_1", plans.PlanFree,
		"https://a/s", "https://a/c")
	assert.ErrorIs(t, err, ErrInvalidPlan)

	// Pro -> Pro Plus is still allowed.
	_, err = orch.StartCheckout(ctx, "t_1", plans.PlanProPlus,
		"https://a/s", "https://a/c")
	assert.NoError(t, err)
}

func TestStartCheckout_CancelledTenantCanRepurchase(t *testing.T) {
	orch, provider, store := newTestOrchestrator(t)
	ctx := context.Background()

	_, err := store.GetOrCreate(ctx, "t_1")
	require.NoError(t, err)
	require.NoError(t, store.ApplyPlanChange(ctx, "t_1", subscription.PlanChange{
		Plan:                 plans.PlanPro,
		Allowance:            100,
		StripeSubscriptionID: "sub_1",
	}))
	require.NoError(t, orch.Cancel(ctx, "t_1"))

	// The row still says plan=pro, but the subscription is gone; buying
	// pro again is a fresh purchase, not a same-tier change.
	sess, err := orch.StartCheckout(ctx, "t_1", plans.PlanPro,
		"https://a/s", "https://a/c")
	require.NoError(t, err)
	assert.NotEmpty(t, sess.URL)
	require.Len(t, provider.sessions, 1)
	assert.Equal(t, "pro", provider.sessions[0].Plan)
}

func TestStartCheckout_InactivePriceIsMisconfigured(t *testing.T) {
	orch, provider, _ := newTestOrchestrator(t)
	provider.priceActive = false

	_, err := orch.StartCheckout(context.Background(), "t_1", plans.PlanPro,
		"https://a/s", "https://a/c")
	assert.ErrorIs(t, err, ErrPriceMisconfigured)
}

func TestStartCheckout_MissingPriceIDIsMisconfigured(t *testing.T) {
	catalog := plans.NewCatalog(plans.PriceIDs{}) // no price IDs configured
	store := subscription.NewMemoryStore(catalog)
	orch := NewOrchestrator(newFakeProvider(), store, catalog)

	_, err := orch.StartCheckout(context.Background(), "t_1", plans.PlanPro,
		"https://a/s", "https://a/c")
	assert.ErrorIs(t, err, ErrPriceMisconfigured)
}

func TestStartCheckout_ProviderFailure(t *testing.T) {
	orch, provider, _ := newTestOrchestrator(t)
	provider.failSession = errors.New("stripe is down")

	_, err := orch.StartCheckout(context.Background(), "t_1", plans.PlanPro,
		"https://a/s", "https://a/c")
	assert.ErrorIs(t, err, ErrProviderUnavailable)
}

func TestCancel_PaidSubscription(t *testing.T) {
	orch, provider, store := newTestOrchestrator(t)
	ctx := context.Background()

	_, err := store.GetOrCreate(ctx, "t_1")
	require.NoError(t, err)
	require.NoError(t, store.ApplyPlanChange(ctx, "t_1", subscription.PlanChange{
		Plan:                 plans.PlanPro,
		Allowance:            100,
		StripeSubscriptionID: "sub_1",
	}))
	_, err = store.ApplyDebit(ctx, "t_1", 30)
	require.NoError(t, err)

	require.NoError(t, orch.Cancel(ctx, "t_1"))
	assert.Equal(t, []string{"sub_1"}, provider.cancelled)

	rec, err := store.Get(ctx, "t_1")
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusCancelled, rec.Status)
	assert.Equal(t, 70, rec.CreditsRemaining, "remaining credits are kept")
}

func TestCancel_FreeTierNotCancellable(t *testing.T) {
	orch, _, store := newTestOrchestrator(t)
	ctx := context.Background()

	_, err := store.GetOrCreate(ctx, "t_free")
	require.NoError(t, err)

	err = orch.Cancel(ctx, "t_free")
	assert.ErrorIs(t, err, ErrNotCancellable)
}

func TestCancel_AlreadyCancelled(t *testing.T) {
	orch, _, store := newTestOrchestrator(t)
	ctx := context.Background()

	_, err := store.GetOrCreate(ctx, "t_1")
	require.NoError(t, err)
	require.NoError(t, store.ApplyPlanChange(ctx, "t_1", subscription.PlanChange{
		Plan:                 plans.PlanPro,
		Allowance:            100,
		StripeSubscriptionID: "sub_1",
	}))
	require.NoError(t, orch.Cancel(ctx, "t_1"))

	err = orch.Cancel(ctx, "t_1")
	assert.ErrorIs(t, err, ErrNotCancellable)
}

func TestPortalSession_RequiresBillingAccount(t *testing.T) {
	orch, _, store := newTestOrchestrator(t)
	ctx := context.Background()

	_, err := store.GetOrCreate(ctx, "t_1")
	require.NoError(t, err)

	_, err = orch.PortalSession(ctx, "t_1", "https://app.glowdesk.io/settings")
	assert.ErrorIs(t, err, ErrNoBillingAccount)

	require.NoError(t, store.SetStripeCustomer(ctx, "t_1", "cus_1"))
	url, err := orch.PortalSession(ctx, "t_1", "https://app.glowdesk.io/settings")
	require.NoError(t, err)
	assert.NotEmpty(t, url)
}
