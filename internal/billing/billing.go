// Package billing drives paid-plan checkout and subscription lifecycle
// against the payment provider.
//
// The provider never mutates local credit state directly: checkout produces
// a hosted payment URL, and all entitlement changes land later through the
// webhook reconciler. The only local write on the checkout path is pinning
// the provider customer ID to the tenant, so retried checkouts reuse one
// customer instead of minting duplicates.
package billing

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrBillingDisabled means no provider credentials are configured.
	ErrBillingDisabled = errors.New("billing: billing is not configured")
	// ErrNotUpgrade means the requested plan is not above the current one.
	ErrNotUpgrade = errors.New("billing: requested plan is not an upgrade")
	// ErrInvalidPlan means the requested plan name is unknown or free.
	ErrInvalidPlan = errors.New("billing: invalid plan for checkout")
	// ErrPriceMisconfigured means the plan's price reference is missing or
	// inactive on the provider side. An ops problem, not a user problem.
	ErrPriceMisconfigured = errors.New("billing: price not configured or inactive")
	// ErrNotCancellable means the tenant has no paid subscription to cancel.
	ErrNotCancellable = errors.New("billing: no active paid subscription")
	// ErrNoBillingAccount means the tenant has no provider customer yet.
	ErrNoBillingAccount = errors.New("billing: tenant has no billing account")
	// ErrProviderUnavailable means the provider call failed after retries.
	ErrProviderUnavailable = errors.New("billing: payment provider unavailable")
)

// Price is the subset of provider price data checkout validation needs.
type Price struct {
	ID         string
	Active     bool
	UnitAmount int64
	Currency   string
}

// CheckoutParams describes a hosted checkout session to create.
type CheckoutParams struct {
	CustomerID string
	PriceID    string
	TenantID   string
	Plan       string
	SuccessURL string
	CancelURL  string
}

// CheckoutSession is the created hosted session.
type CheckoutSession struct {
	ID  string
	URL string
}

// Provider abstracts the payment provider. The production implementation
// talks to Stripe; tests substitute a fake.
type Provider interface {
	CreateCustomer(ctx context.Context, tenantID, email string) (string, error)
	GetPrice(ctx context.Context, priceID string) (*Price, error)
	CreateCheckoutSession(ctx context.Context, p CheckoutParams) (*CheckoutSession, error)
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error)
	CancelSubscription(ctx context.Context, subscriptionID string) error
}

// callTimeout bounds any single provider call.
const callTimeout = 15 * time.Second
