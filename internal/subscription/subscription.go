// Package subscription is the single source of truth for a tenant's plan,
// status, and credit balance.
//
// Exactly one row exists per tenant (created lazily on first access with the
// free tier). The row is mutated by exactly two writers: the credit gate's
// settle path and the billing webhook reconciler. All balance arithmetic
// happens inside the store so the no-negative-balance invariant holds under
// concurrent debits.
package subscription

import (
	"context"
	"errors"
	"time"

	"github.com/glowdesk/glowdesk/internal/pagination"
	"github.com/glowdesk/glowdesk/internal/plans"
)

var (
	ErrNotFound            = errors.New("subscription: tenant not found")
	ErrInsufficientCredits = errors.New("subscription: insufficient credits")
)

// Status represents a subscription's lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusInactive  Status = "inactive"
	StatusCancelled Status = "cancelled"
)

// Record is a tenant's subscription row.
//
// CreditsRemaining is always >= 0, or exactly plans.Unlimited (-1) for the
// top tier. The sentinel is absorbing: debits never touch it.
type Record struct {
	TenantID             string     `json:"tenantId"`
	Plan                 plans.Plan `json:"plan"`
	Status               Status     `json:"status"`
	CreditsRemaining     int        `json:"creditsRemaining"`
	MonthlyCreditsLimit  int        `json:"monthlyCreditsLimit"`
	StripeCustomerID     string     `json:"stripeCustomerId,omitempty"`
	StripeSubscriptionID string     `json:"stripeSubscriptionId,omitempty"`
	StartDate            time.Time  `json:"startDate"`
	RenewalDate          time.Time  `json:"renewalDate,omitempty"`
	CancelledAt          time.Time  `json:"cancelledAt,omitempty"`
	UpdatedAt            time.Time  `json:"updatedAt"`
}

// Unlimited reports whether the record is in unlimited-credits mode.
func (r *Record) Unlimited() bool {
	return r.CreditsRemaining == plans.Unlimited
}

// Snapshot is the read-only view served to the dashboard.
type Snapshot struct {
	Plan                plans.Plan `json:"plan"`
	Status              Status     `json:"status"`
	CreditsRemaining    int        `json:"creditsRemaining"`
	MonthlyCreditsLimit int        `json:"monthlyCreditsLimit"`
	RenewalDate         time.Time  `json:"renewalDate,omitempty"`
}

// Snapshot returns the UI-facing view of the record.
func (r *Record) Snapshot() Snapshot {
	return Snapshot{
		Plan:                r.Plan,
		Status:              r.Status,
		CreditsRemaining:    r.CreditsRemaining,
		MonthlyCreditsLimit: r.MonthlyCreditsLimit,
		RenewalDate:         r.RenewalDate,
	}
}

// PlanChange carries the fields a checkout-completed grant overwrites.
type PlanChange struct {
	Plan                 plans.Plan
	Allowance            int
	StripeCustomerID     string
	StripeSubscriptionID string
	RenewalDate          time.Time
}

// EventType classifies credit audit events.
type EventType string

const (
	EventDebit   EventType = "debit"
	EventGrant   EventType = "grant"
	EventRenewal EventType = "renewal"
	EventCancel  EventType = "cancel"
	EventAnomaly EventType = "anomaly"
)

// CreditEvent is an append-only audit record of balance activity.
// Anomalies (a settle that raced past authorize into an insufficient
// balance) land here for manual reconciliation.
type CreditEvent struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenantId"`
	Type      EventType `json:"type"`
	Operation string    `json:"operation,omitempty"`
	Amount    int       `json:"amount"`
	Remaining int       `json:"remaining"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists subscription rows and the credit audit log.
//
// ApplyDebit must be atomic: the "remaining >= amount" guard and the
// decrement are evaluated by a single conditional write, never a read
// followed by a separate write.
type Store interface {
	// GetOrCreate returns the tenant's row, inserting the free-tier default
	// if absent. Concurrent first access must not create duplicates: a
	// unique-constraint conflict on the insert path means someone else won,
	// so the row is refetched.
	GetOrCreate(ctx context.Context, tenantID string) (*Record, error)

	// Get returns the row or ErrNotFound.
	Get(ctx context.Context, tenantID string) (*Record, error)

	// FindByStripeCustomer resolves a Stripe customer reference to the
	// owning tenant's row.
	FindByStripeCustomer(ctx context.Context, customerID string) (*Record, error)

	// ApplyDebit atomically decrements the balance by amount.
	// Unlimited balances succeed without mutation. Returns the remaining
	// balance, or ErrInsufficientCredits (balance unchanged) when the
	// decrement would cross below zero.
	ApplyDebit(ctx context.Context, tenantID string, amount int) (remaining int, err error)

	// ApplyPlanChange overwrites plan and external refs, resets the balance
	// to the new allowance, and marks the subscription active.
	ApplyPlanChange(ctx context.Context, tenantID string, change PlanChange) error

	// ApplyRenewal resets the balance to the row's monthly limit exactly
	// (never accumulates), for a successful billing-period payment.
	ApplyRenewal(ctx context.Context, tenantID string) error

	// ApplyStatus overwrites the lifecycle status without touching credits.
	ApplyStatus(ctx context.Context, tenantID string, status Status) error

	// ApplyCancellation marks the row cancelled. Remaining credits are kept;
	// access-until-period-end is the caller's policy.
	ApplyCancellation(ctx context.Context, tenantID string) error

	// SetStripeCustomer persists the external customer ref. Written before
	// checkout-session creation so a retried checkout reuses the customer.
	SetStripeCustomer(ctx context.Context, tenantID, customerID string) error

	// RecordEvent appends to the credit audit log.
	RecordEvent(ctx context.Context, ev *CreditEvent) error

	// ListEvents returns the most recent audit events for a tenant, newest
	// first. A non-nil cursor resumes after that position.
	ListEvents(ctx context.Context, tenantID string, limit int, cursor *pagination.Cursor) ([]*CreditEvent, error)
}
