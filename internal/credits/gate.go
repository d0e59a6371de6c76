// Package credits implements the two-phase credit gate that meters
// AI generation features.
//
// Authorize is a read-only admission check run before any expensive work;
// Settle performs the atomic debit after the work succeeds. Authorize does
// not reserve anything, so two concurrent requests can both pass it — the
// conditional write inside Settle is the only enforcement point, and a
// settle that finds the balance gone is recorded as an anomaly rather than
// clawing back work the user already received.
package credits

import (
	"context"
	"errors"
	"fmt"

	"github.com/glowdesk/glowdesk/internal/logging"
	"github.com/glowdesk/glowdesk/internal/metrics"
	"github.com/glowdesk/glowdesk/internal/plans"
	"github.com/glowdesk/glowdesk/internal/subscription"
)

var (
	ErrUnknownOperation     = errors.New("credits: unknown operation")
	ErrPlanIneligible       = errors.New("credits: plan not eligible for operation")
	ErrSubscriptionInactive = errors.New("credits: subscription inactive")
	ErrInsufficientCredits  = errors.New("credits: insufficient credits")
)

// Decision is the outcome of a successful Authorize.
type Decision struct {
	Operation plans.Operation
	Cost      int
	Plan      plans.Plan
	Remaining int
	Unlimited bool
}

// Gate meters feature usage against a tenant's subscription.
type Gate struct {
	store   subscription.Store
	catalog *plans.Catalog
}

// NewGate creates a credit gate backed by the given subscription store.
func NewGate(store subscription.Store, catalog *plans.Catalog) *Gate {
	return &Gate{store: store, catalog: catalog}
}

// Authorize checks whether a tenant may run the operation right now.
//
// Checks, in order: the operation is known, the subscription is active,
// the plan includes the feature, and the balance covers the cost. Unknown
// tenants are created on the free tier first, so a brand-new tenant gets
// free-tier answers instead of a 404.
func (g *Gate) Authorize(ctx context.Context, tenantID string, op plans.Operation) (*Decision, error) {
	cost, ok := plans.CostOf(op)
	if !ok {
		return nil, ErrUnknownOperation
	}

	rec, err := g.store.GetOrCreate(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("load subscription: %w", err)
	}

	if rec.Status != subscription.StatusActive {
		metrics.CreditDenialsTotal.WithLabelValues("subscription_inactive").Inc()
		return nil, ErrSubscriptionInactive
	}

	cfg, err := g.catalog.Get(rec.Plan)
	if err != nil {
		return nil, fmt.Errorf("plan %q: %w", rec.Plan, err)
	}
	if !cfg.HasFeature(op) {
		metrics.CreditDenialsTotal.WithLabelValues("plan_ineligible").Inc()
		return nil, ErrPlanIneligible
	}

	if !rec.Unlimited() && rec.CreditsRemaining < cost {
		metrics.CreditDenialsTotal.WithLabelValues("insufficient_credits").Inc()
		return nil, ErrInsufficientCredits
	}

	return &Decision{
		Operation: op,
		Cost:      cost,
		Plan:      rec.Plan,
		Remaining: rec.CreditsRemaining,
		Unlimited: rec.Unlimited(),
	}, nil
}

// Settle debits the operation's cost after the work has been delivered.
// Returns the remaining balance (plans.Unlimited for unmetered tiers).
//
// If the atomic debit reports an insufficient balance, the balance was
// consumed by a concurrent request between Authorize and here. The work has
// already been handed to the user, so Settle does not fail the request: it
// logs the anomaly, appends an audit event, and returns the current balance.
func (g *Gate) Settle(ctx context.Context, tenantID string, op plans.Operation) (int, error) {
	cost, ok := plans.CostOf(op)
	if !ok {
		return 0, ErrUnknownOperation
	}

	remaining, err := g.store.ApplyDebit(ctx, tenantID, cost)
	if err != nil {
		if errors.Is(err, subscription.ErrInsufficientCredits) {
			return g.settleAnomaly(ctx, tenantID, op, cost)
		}
		return 0, fmt.Errorf("debit: %w", err)
	}

	metrics.CreditsDebitedTotal.WithLabelValues(string(op)).Add(float64(cost))

	if err := g.store.RecordEvent(ctx, &subscription.CreditEvent{
		TenantID:  tenantID,
		Type:      subscription.EventDebit,
		Operation: string(op),
		Amount:    -cost,
		Remaining: remaining,
	}); err != nil {
		// The debit itself committed; a missing audit row is log-worthy only.
		logging.L(ctx).Warn("credit event write failed",
			"tenant_id", tenantID, "operation", op, "error", err)
	}

	return remaining, nil
}

// settleAnomaly handles the race where the balance vanished between
// Authorize and Settle. The tenant ends at zero, never negative.
func (g *Gate) settleAnomaly(ctx context.Context, tenantID string, op plans.Operation, cost int) (int, error) {
	metrics.SettleAnomaliesTotal.Inc()
	logging.L(ctx).Warn("settle raced past authorize, balance insufficient",
		"tenant_id", tenantID, "operation", op, "cost", cost)

	remaining := 0
	if rec, err := g.store.Get(ctx, tenantID); err == nil {
		remaining = rec.CreditsRemaining
	}

	if err := g.store.RecordEvent(ctx, &subscription.CreditEvent{
		TenantID:  tenantID,
		Type:      subscription.EventAnomaly,
		Operation: string(op),
		Amount:    -cost,
		Remaining: remaining,
		Detail:    "settle found insufficient balance; work already delivered",
	}); err != nil {
		logging.L(ctx).Warn("anomaly event write failed",
			"tenant_id", tenantID, "operation", op, "error", err)
	}

	return remaining, nil
}
