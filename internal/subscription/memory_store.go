package subscription

import (
	"context"
	"sync"
	"time"

	"github.com/glowdesk/glowdesk/internal/idgen"
	"github.com/glowdesk/glowdesk/internal/pagination"
	"github.com/glowdesk/glowdesk/internal/plans"
)

// MemoryStore is an in-memory subscription store for demo/development mode
// and unit tests. A single mutex stands in for the database's row-level
// atomicity; the debit guard and decrement happen under one critical section.
type MemoryStore struct {
	catalog *plans.Catalog
	mu      sync.RWMutex
	rows    map[string]*Record
	events  []*CreditEvent
}

// NewMemoryStore creates an in-memory subscription store.
func NewMemoryStore(catalog *plans.Catalog) *MemoryStore {
	return &MemoryStore{
		catalog: catalog,
		rows:    make(map[string]*Record),
	}
}

func (m *MemoryStore) GetOrCreate(ctx context.Context, tenantID string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.rows[tenantID]; ok {
		cp := *r
		return &cp, nil
	}

	free, err := m.catalog.Get(plans.PlanFree)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	r := &Record{
		TenantID:            tenantID,
		Plan:                plans.PlanFree,
		Status:              StatusActive,
		CreditsRemaining:    free.CreditAllowance,
		MonthlyCreditsLimit: free.CreditAllowance,
		StartDate:           now,
		UpdatedAt:           now,
	}
	m.rows[tenantID] = r
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) Get(ctx context.Context, tenantID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rows[tenantID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) FindByStripeCustomer(ctx context.Context, customerID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if customerID == "" {
		return nil, ErrNotFound
	}
	for _, r := range m.rows {
		if r.StripeCustomerID == customerID {
			cp := *r
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ApplyDebit(ctx context.Context, tenantID string, amount int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rows[tenantID]
	if !ok {
		return 0, ErrNotFound
	}

	// Unlimited sentinel is absorbing: always succeeds, never mutates.
	if r.CreditsRemaining == plans.Unlimited {
		return plans.Unlimited, nil
	}
	if r.CreditsRemaining < amount {
		return r.CreditsRemaining, ErrInsufficientCredits
	}
	r.CreditsRemaining -= amount
	r.UpdatedAt = time.Now()
	return r.CreditsRemaining, nil
}

func (m *MemoryStore) ApplyPlanChange(ctx context.Context, tenantID string, change PlanChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rows[tenantID]
	if !ok {
		// Webhook handlers create prerequisite state lazily; a grant for an
		// unseen tenant materialises the row.
		r = &Record{TenantID: tenantID, StartDate: time.Now()}
		m.rows[tenantID] = r
	}

	r.Plan = change.Plan
	r.Status = StatusActive
	r.CreditsRemaining = change.Allowance
	r.MonthlyCreditsLimit = change.Allowance
	if change.StripeCustomerID != "" {
		r.StripeCustomerID = change.StripeCustomerID
	}
	if change.StripeSubscriptionID != "" {
		r.StripeSubscriptionID = change.StripeSubscriptionID
	}
	r.RenewalDate = change.RenewalDate
	r.CancelledAt = time.Time{}
	r.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) ApplyRenewal(ctx context.Context, tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rows[tenantID]
	if !ok {
		return ErrNotFound
	}
	r.CreditsRemaining = r.MonthlyCreditsLimit
	r.Status = StatusActive
	r.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) ApplyStatus(ctx context.Context, tenantID string, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rows[tenantID]
	if !ok {
		return ErrNotFound
	}
	r.Status = status
	r.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) ApplyCancellation(ctx context.Context, tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rows[tenantID]
	if !ok {
		return ErrNotFound
	}
	r.Status = StatusCancelled
	r.CancelledAt = time.Now()
	r.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) SetStripeCustomer(ctx context.Context, tenantID, customerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rows[tenantID]
	if !ok {
		return ErrNotFound
	}
	r.StripeCustomerID = customerID
	r.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) RecordEvent(ctx context.Context, ev *CreditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ev.ID == "" {
		ev.ID = idgen.WithPrefix("cev_")
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	cp := *ev
	m.events = append(m.events, &cp)
	return nil
}

func (m *MemoryStore) ListEvents(ctx context.Context, tenantID string, limit int, cursor *pagination.Cursor) ([]*CreditEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	var out []*CreditEvent
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		ev := m.events[i]
		if ev.TenantID != tenantID {
			continue
		}
		if cursor != nil && !beforeCursor(ev, cursor) {
			continue
		}
		cp := *ev
		out = append(out, &cp)
	}
	return out, nil
}

// beforeCursor reports whether ev sorts strictly after the cursor position in
// the newest-first ordering (created_at DESC, id DESC).
func beforeCursor(ev *CreditEvent, c *pagination.Cursor) bool {
	if ev.CreatedAt.Before(c.CreatedAt) {
		return true
	}
	return ev.CreatedAt.Equal(c.CreatedAt) && ev.ID < c.ID
}
