// Package reconciler applies Stripe webhook events to local subscription
// state.
//
// Stripe is the source of truth for payment outcomes; this package is the
// only writer that translates those outcomes into plan and credit changes.
// Delivery is at-least-once and unordered, so every handler is idempotent
// and a duplicate event ID short-circuits before any mutation. An event is
// acknowledged (2xx) only after its mutation committed; failures leave it
// unacknowledged so Stripe redelivers.
package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/glowdesk/glowdesk/internal/logging"
	"github.com/glowdesk/glowdesk/internal/metrics"
	"github.com/glowdesk/glowdesk/internal/plans"
	"github.com/glowdesk/glowdesk/internal/subscription"
	"github.com/glowdesk/glowdesk/internal/syncutil"
	"github.com/glowdesk/glowdesk/internal/traces"
)

var (
	// ErrBadSignature means the payload failed webhook signature checks.
	ErrBadSignature = errors.New("reconciler: invalid webhook signature")
	// errUnresolvable means the event references no known tenant. The event
	// is acknowledged: redelivery would not change the outcome.
	errUnresolvable = errors.New("reconciler: event references no known tenant")
)

// Notifier pushes balance and plan changes to connected dashboard clients.
type Notifier interface {
	NotifyCredits(tenantID string, remaining int)
	NotifySubscription(tenantID, plan, status string)
}

// Reconciler verifies, dedups, and dispatches webhook events.
type Reconciler struct {
	store     subscription.Store
	catalog   *plans.Catalog
	processed *ProcessedStore
	eventLock *syncutil.ContextShardedMutex
	notifier  Notifier
	secret    string
}

// Option customises a Reconciler.
type Option func(*Reconciler)

// WithNotifier makes applied balance changes visible to live dashboard
// clients.
func WithNotifier(n Notifier) Option {
	return func(r *Reconciler) { r.notifier = n }
}

// New creates a reconciler. secret is the webhook signing secret.
func New(store subscription.Store, catalog *plans.Catalog, secret string, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:     store,
		catalog:   catalog,
		processed: NewProcessedStore(),
		eventLock: syncutil.NewContextShardedMutex(),
		secret:    secret,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Reconciler) notifyCredits(tenantID string, remaining int) {
	if r.notifier != nil {
		r.notifier.NotifyCredits(tenantID, remaining)
	}
}

func (r *Reconciler) notifySubscription(tenantID string, plan plans.Plan, status subscription.Status) {
	if r.notifier != nil {
		r.notifier.NotifySubscription(tenantID, string(plan), string(status))
	}
}

// HandleEvent verifies the signature and applies the event.
//
// Returns ErrBadSignature for rejected payloads (respond 400, no retry
// wanted) and other errors for failed mutations (respond 5xx so Stripe
// retries). A nil return means the event is fully applied or was a
// duplicate/no-op.
func (r *Reconciler) HandleEvent(ctx context.Context, payload []byte, sigHeader string) error {
	event, err := webhook.ConstructEvent(payload, sigHeader, r.secret)
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("unknown", "bad_signature").Inc()
		return fmt.Errorf("%w: %s", ErrBadSignature, err)
	}

	eventType := string(event.Type)
	log := logging.L(ctx).With("event_id", event.ID, "event_type", eventType)

	ctx, span := traces.StartSpan(ctx, "webhook.event",
		traces.WebhookEventID(event.ID), traces.WebhookEventType(eventType))
	defer span.End()

	// Stripe may deliver the same event concurrently; serialize per event ID
	// so the dedup check and the mutation can't interleave.
	unlock, err := r.eventLock.LockContext(ctx, event.ID)
	if err != nil {
		return err
	}
	defer unlock()

	if r.processed.Seen(event.ID) {
		metrics.WebhookEventsTotal.WithLabelValues(eventType, "duplicate").Inc()
		log.Info("duplicate webhook event, skipping")
		return nil
	}

	err = r.dispatch(ctx, &event)
	switch {
	case err == nil:
		metrics.WebhookEventsTotal.WithLabelValues(eventType, "applied").Inc()
		r.processed.Mark(event.ID)
		return nil
	case errors.Is(err, errUnresolvable):
		// Not ours (test-mode noise, deleted tenant). Acknowledge.
		metrics.WebhookEventsTotal.WithLabelValues(eventType, "skipped").Inc()
		log.Warn("webhook event skipped", "reason", err)
		r.processed.Mark(event.ID)
		return nil
	default:
		metrics.WebhookEventsTotal.WithLabelValues(eventType, "failed").Inc()
		span.RecordError(err)
		log.Error("webhook event failed, will be redelivered", "error", err)
		return err
	}
}

func (r *Reconciler) dispatch(ctx context.Context, event *stripe.Event) error {
	switch event.Type {
	case "checkout.session.completed":
		return r.handleCheckoutCompleted(ctx, event)
	case "customer.subscription.updated":
		return r.handleSubscriptionUpdated(ctx, event)
	case "customer.subscription.deleted":
		return r.handleSubscriptionDeleted(ctx, event)
	case "invoice.payment_succeeded":
		return r.handlePaymentSucceeded(ctx, event)
	case "invoice.payment_failed":
		return r.handlePaymentFailed(ctx, event)
	default:
		logging.L(ctx).Debug("unhandled webhook event type", "event_type", event.Type)
		return nil
	}
}

// Thin views over event.Data.Raw. Only the fields the reconciler reads;
// references (customer, subscription) arrive as bare IDs because events are
// delivered unexpanded.

type checkoutSessionPayload struct {
	ID           string            `json:"id"`
	Customer     string            `json:"customer"`
	Subscription string            `json:"subscription"`
	Metadata     map[string]string `json:"metadata"`
}

type subscriptionPayload struct {
	ID               string            `json:"id"`
	Customer         string            `json:"customer"`
	Status           string            `json:"status"`
	CurrentPeriodEnd int64             `json:"current_period_end"`
	Metadata         map[string]string `json:"metadata"`
	Items            struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

type invoicePayload struct {
	ID            string `json:"id"`
	Customer      string `json:"customer"`
	Subscription  string `json:"subscription"`
	BillingReason string `json:"billing_reason"`
}

// handleCheckoutCompleted grants the purchased plan: overwrite plan and
// provider refs, reset the balance to the new allowance, mark active.
func (r *Reconciler) handleCheckoutCompleted(ctx context.Context, event *stripe.Event) error {
	var sess checkoutSessionPayload
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return fmt.Errorf("parse checkout session: %w", err)
	}

	tenantID := sess.Metadata["tenant_id"]
	if tenantID == "" {
		rec, err := r.resolveByCustomer(ctx, sess.Customer)
		if err != nil {
			return err
		}
		tenantID = rec.TenantID
	}

	plan := plans.Plan(sess.Metadata["plan"])
	cfg, err := r.catalog.Get(plan)
	if err != nil {
		return fmt.Errorf("checkout for unknown plan %q: %w", plan, errUnresolvable)
	}

	change := subscription.PlanChange{
		Plan:                 plan,
		Allowance:            cfg.CreditAllowance,
		StripeCustomerID:     sess.Customer,
		StripeSubscriptionID: sess.Subscription,
		RenewalDate:          time.Now().AddDate(0, 1, 0),
	}
	if err := r.store.ApplyPlanChange(ctx, tenantID, change); err != nil {
		return fmt.Errorf("apply plan change: %w", err)
	}

	if err := r.store.RecordEvent(ctx, &subscription.CreditEvent{
		TenantID:  tenantID,
		Type:      subscription.EventGrant,
		Amount:    cfg.CreditAllowance,
		Remaining: cfg.CreditAllowance,
		Detail:    "checkout completed: " + string(plan),
	}); err != nil {
		logging.L(ctx).Warn("grant event write failed", "tenant_id", tenantID, "error", err)
	}

	r.notifyCredits(tenantID, cfg.CreditAllowance)
	r.notifySubscription(tenantID, plan, subscription.StatusActive)
	logging.L(ctx).Info("plan granted via checkout",
		"tenant_id", tenantID, "plan", plan, "allowance", cfg.CreditAllowance)
	return nil
}

// handleSubscriptionUpdated syncs status, renewal date, and portal-driven
// plan changes from the provider's subscription object.
func (r *Reconciler) handleSubscriptionUpdated(ctx context.Context, event *stripe.Event) error {
	var sub subscriptionPayload
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("parse subscription: %w", err)
	}

	rec, err := r.resolveTenant(ctx, sub.Metadata, sub.Customer)
	if err != nil {
		return err
	}

	// Plan changes made in the billing portal surface here as a new price.
	if len(sub.Items.Data) > 0 {
		if cfg, ok := r.catalog.ByStripePrice(sub.Items.Data[0].Price.ID); ok && cfg.Plan != rec.Plan {
			change := subscription.PlanChange{
				Plan:                 cfg.Plan,
				Allowance:            cfg.CreditAllowance,
				StripeCustomerID:     sub.Customer,
				StripeSubscriptionID: sub.ID,
				RenewalDate:          time.Unix(sub.CurrentPeriodEnd, 0).UTC(),
			}
			if err := r.store.ApplyPlanChange(ctx, rec.TenantID, change); err != nil {
				return fmt.Errorf("apply plan change: %w", err)
			}
			r.notifyCredits(rec.TenantID, cfg.CreditAllowance)
			r.notifySubscription(rec.TenantID, cfg.Plan, subscription.StatusActive)
			logging.L(ctx).Info("plan synced from subscription update",
				"tenant_id", rec.TenantID, "plan", cfg.Plan)
			return nil
		}
	}

	status := mapStripeStatus(sub.Status)
	if status != rec.Status {
		if err := r.store.ApplyStatus(ctx, rec.TenantID, status); err != nil {
			return fmt.Errorf("apply status: %w", err)
		}
		r.notifySubscription(rec.TenantID, rec.Plan, status)
		logging.L(ctx).Info("subscription status synced",
			"tenant_id", rec.TenantID, "status", status)
	}
	return nil
}

// handleSubscriptionDeleted marks the subscription cancelled. Credits are
// kept; the gate's status check is what revokes paid features.
func (r *Reconciler) handleSubscriptionDeleted(ctx context.Context, event *stripe.Event) error {
	var sub subscriptionPayload
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("parse subscription: %w", err)
	}

	rec, err := r.resolveTenant(ctx, sub.Metadata, sub.Customer)
	if err != nil {
		return err
	}

	if err := r.store.ApplyCancellation(ctx, rec.TenantID); err != nil {
		return fmt.Errorf("apply cancellation: %w", err)
	}
	r.notifySubscription(rec.TenantID, rec.Plan, subscription.StatusCancelled)
	logging.L(ctx).Info("subscription deleted by provider", "tenant_id", rec.TenantID)
	return nil
}

// handlePaymentSucceeded resets the billing period's credits. The balance
// is set to the monthly limit exactly: unused credits never roll over.
func (r *Reconciler) handlePaymentSucceeded(ctx context.Context, event *stripe.Event) error {
	var inv invoicePayload
	if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
		return fmt.Errorf("parse invoice: %w", err)
	}

	// The first invoice of a new subscription is handled by
	// checkout.session.completed; replaying the reset here is harmless but
	// noisy, so skip it.
	if inv.BillingReason == "subscription_create" {
		return nil
	}

	rec, err := r.resolveByCustomer(ctx, inv.Customer)
	if err != nil {
		return err
	}

	if err := r.store.ApplyRenewal(ctx, rec.TenantID); err != nil {
		return fmt.Errorf("apply renewal: %w", err)
	}

	if err := r.store.RecordEvent(ctx, &subscription.CreditEvent{
		TenantID:  rec.TenantID,
		Type:      subscription.EventRenewal,
		Amount:    rec.MonthlyCreditsLimit,
		Remaining: rec.MonthlyCreditsLimit,
		Detail:    "billing period renewed",
	}); err != nil {
		logging.L(ctx).Warn("renewal event write failed", "tenant_id", rec.TenantID, "error", err)
	}

	r.notifyCredits(rec.TenantID, rec.MonthlyCreditsLimit)
	logging.L(ctx).Info("credits renewed", "tenant_id", rec.TenantID,
		"limit", rec.MonthlyCreditsLimit)
	return nil
}

// handlePaymentFailed suspends metered access until payment recovers.
func (r *Reconciler) handlePaymentFailed(ctx context.Context, event *stripe.Event) error {
	var inv invoicePayload
	if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
		return fmt.Errorf("parse invoice: %w", err)
	}

	rec, err := r.resolveByCustomer(ctx, inv.Customer)
	if err != nil {
		return err
	}

	if err := r.store.ApplyStatus(ctx, rec.TenantID, subscription.StatusInactive); err != nil {
		return fmt.Errorf("apply status: %w", err)
	}
	r.notifySubscription(rec.TenantID, rec.Plan, subscription.StatusInactive)
	logging.L(ctx).Warn("payment failed, subscription suspended", "tenant_id", rec.TenantID)
	return nil
}

// resolveTenant finds the owning row via metadata tenant_id first, falling
// back to the provider customer reference.
func (r *Reconciler) resolveTenant(ctx context.Context, metadata map[string]string, customerID string) (*subscription.Record, error) {
	if tenantID := metadata["tenant_id"]; tenantID != "" {
		rec, err := r.store.Get(ctx, tenantID)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, subscription.ErrNotFound) {
			return nil, err
		}
	}
	return r.resolveByCustomer(ctx, customerID)
}

func (r *Reconciler) resolveByCustomer(ctx context.Context, customerID string) (*subscription.Record, error) {
	if customerID == "" {
		return nil, errUnresolvable
	}
	rec, err := r.store.FindByStripeCustomer(ctx, customerID)
	if err != nil {
		if errors.Is(err, subscription.ErrNotFound) {
			return nil, fmt.Errorf("customer %s: %w", customerID, errUnresolvable)
		}
		return nil, err
	}
	return rec, nil
}

// mapStripeStatus folds Stripe's subscription statuses onto the local
// three-state model.
func mapStripeStatus(s string) subscription.Status {
	switch s {
	case "active", "trialing":
		return subscription.StatusActive
	case "canceled":
		return subscription.StatusCancelled
	default: // past_due, unpaid, incomplete, paused
		return subscription.StatusInactive
	}
}
