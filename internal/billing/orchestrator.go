package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/glowdesk/glowdesk/internal/logging"
	"github.com/glowdesk/glowdesk/internal/metrics"
	"github.com/glowdesk/glowdesk/internal/plans"
	"github.com/glowdesk/glowdesk/internal/subscription"
)

// Orchestrator sequences checkout, cancellation, and portal flows.
type Orchestrator struct {
	provider Provider
	store    subscription.Store
	catalog  *plans.Catalog
}

// NewOrchestrator creates a billing orchestrator.
func NewOrchestrator(provider Provider, store subscription.Store, catalog *plans.Catalog) *Orchestrator {
	return &Orchestrator{provider: provider, store: store, catalog: catalog}
}

// StartCheckout validates the upgrade and returns a hosted checkout URL.
//
// While a subscription is active, only strict upgrades go through checkout;
// same-tier and downgrades are rejected here and handled through the billing
// portal instead. A cancelled or lapsed tenant may re-purchase any paid
// tier, including the one they left. No local plan or credit state changes:
// entitlements arrive via the webhook once payment completes. The one
// exception is persisting a newly created provider customer ID before the
// session, so a user who abandons checkout and retries reuses the same
// customer.
func (o *Orchestrator) StartCheckout(ctx context.Context, tenantID string, target plans.Plan, successURL, cancelURL string) (*CheckoutSession, error) {
	cfg, err := o.catalog.Get(target)
	if err != nil || target == plans.PlanFree {
		metrics.CheckoutSessionsTotal.WithLabelValues("invalid_plan").Inc()
		return nil, ErrInvalidPlan
	}

	rec, err := o.store.GetOrCreate(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("load subscription: %w", err)
	}

	if rec.Status == subscription.StatusActive &&
		o.catalog.TierRank(target) <= o.catalog.TierRank(rec.Plan) {
		metrics.CheckoutSessionsTotal.WithLabelValues("not_upgrade").Inc()
		return nil, ErrNotUpgrade
	}

	if cfg.StripePriceID == "" {
		metrics.CheckoutSessionsTotal.WithLabelValues("misconfigured").Inc()
		return nil, ErrPriceMisconfigured
	}
	price, err := o.provider.GetPrice(ctx, cfg.StripePriceID)
	if err != nil {
		metrics.CheckoutSessionsTotal.WithLabelValues("provider_error").Inc()
		return nil, errors.Join(ErrProviderUnavailable, err)
	}
	if !price.Active {
		metrics.CheckoutSessionsTotal.WithLabelValues("misconfigured").Inc()
		logging.L(ctx).Error("checkout price is inactive",
			"plan", target, "price_id", cfg.StripePriceID)
		return nil, ErrPriceMisconfigured
	}

	customerID := rec.StripeCustomerID
	if customerID == "" {
		customerID, err = o.provider.CreateCustomer(ctx, tenantID, "")
		if err != nil {
			metrics.CheckoutSessionsTotal.WithLabelValues("provider_error").Inc()
			return nil, errors.Join(ErrProviderUnavailable, err)
		}
		// Persist before creating the session: if the session call fails,
		// the retry finds the customer instead of creating another.
		if err := o.store.SetStripeCustomer(ctx, tenantID, customerID); err != nil {
			return nil, fmt.Errorf("persist customer ref: %w", err)
		}
	}

	sess, err := o.provider.CreateCheckoutSession(ctx, CheckoutParams{
		CustomerID: customerID,
		PriceID:    cfg.StripePriceID,
		TenantID:   tenantID,
		Plan:       string(target),
		SuccessURL: successURL,
		CancelURL:  cancelURL,
	})
	if err != nil {
		metrics.CheckoutSessionsTotal.WithLabelValues("provider_error").Inc()
		return nil, errors.Join(ErrProviderUnavailable, err)
	}

	metrics.CheckoutSessionsTotal.WithLabelValues("created").Inc()
	logging.L(ctx).Info("checkout session created",
		"tenant_id", tenantID, "plan", target, "session_id", sess.ID)
	return sess, nil
}

// Cancel cancels the tenant's paid subscription at the provider and marks
// the local row cancelled. Remaining credits are kept; the webhook confirms
// the final state when the provider emits the deletion event.
func (o *Orchestrator) Cancel(ctx context.Context, tenantID string) error {
	rec, err := o.store.Get(ctx, tenantID)
	if err != nil {
		if errors.Is(err, subscription.ErrNotFound) {
			return ErrNotCancellable
		}
		return fmt.Errorf("load subscription: %w", err)
	}

	if rec.Plan == plans.PlanFree || rec.StripeSubscriptionID == "" {
		return ErrNotCancellable
	}
	if rec.Status == subscription.StatusCancelled {
		return ErrNotCancellable
	}

	if err := o.provider.CancelSubscription(ctx, rec.StripeSubscriptionID); err != nil {
		return errors.Join(ErrProviderUnavailable, err)
	}

	if err := o.store.ApplyCancellation(ctx, tenantID); err != nil {
		return fmt.Errorf("apply cancellation: %w", err)
	}
	if err := o.store.RecordEvent(ctx, &subscription.CreditEvent{
		TenantID:  tenantID,
		Type:      subscription.EventCancel,
		Remaining: rec.CreditsRemaining,
		Detail:    "subscription cancelled by tenant",
	}); err != nil {
		logging.L(ctx).Warn("cancel event write failed", "tenant_id", tenantID, "error", err)
	}

	logging.L(ctx).Info("subscription cancelled", "tenant_id", tenantID, "plan", rec.Plan)
	return nil
}

// PortalSession returns a hosted billing-portal URL for payment-method and
// plan management.
func (o *Orchestrator) PortalSession(ctx context.Context, tenantID, returnURL string) (string, error) {
	rec, err := o.store.Get(ctx, tenantID)
	if err != nil {
		if errors.Is(err, subscription.ErrNotFound) {
			return "", ErrNoBillingAccount
		}
		return "", fmt.Errorf("load subscription: %w", err)
	}
	if rec.StripeCustomerID == "" {
		return "", ErrNoBillingAccount
	}

	url, err := o.provider.CreatePortalSession(ctx, rec.StripeCustomerID, returnURL)
	if err != nil {
		return "", errors.Join(ErrProviderUnavailable, err)
	}
	return url, nil
}
