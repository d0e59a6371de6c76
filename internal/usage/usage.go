// Package usage records per-tenant daily feature usage for the dashboard's
// activity view.
//
// Usage rows are analytics, not billing state: the credit ledger in the
// subscription package is authoritative. Recording is best-effort and never
// fails a user request.
package usage

import (
	"context"
	"time"

	"github.com/glowdesk/glowdesk/internal/logging"
	"github.com/glowdesk/glowdesk/internal/plans"
)

// Day is a UTC calendar date in YYYY-MM-DD form.
type Day string

// DayOf truncates t to its UTC calendar date.
func DayOf(t time.Time) Day {
	return Day(t.UTC().Format("2006-01-02"))
}

// Time parses the day back to a UTC midnight time.
func (d Day) Time() (time.Time, error) {
	return time.Parse("2006-01-02", string(d))
}

// Entry is one tenant's usage of one operation on one day.
type Entry struct {
	TenantID  string          `json:"tenantId"`
	Day       Day             `json:"day"`
	Operation plans.Operation `json:"operation"`
	Count     int             `json:"count"`
	Credits   int             `json:"credits"`
}

// Store persists daily usage counters.
type Store interface {
	// Increment adds one use of op (costing credits) to the tenant's
	// counter for the given day, creating the row if needed.
	Increment(ctx context.Context, tenantID string, day Day, op plans.Operation, credits int) error

	// Summary returns the tenant's entries for the last `days` days,
	// newest day first.
	Summary(ctx context.Context, tenantID string, days int) ([]Entry, error)
}

// Recorder wraps a Store with the service's recording policy: writes run
// outside the request path and failures are logged, never surfaced.
type Recorder struct {
	store Store
	now   func() time.Time
}

// NewRecorder creates a usage recorder.
func NewRecorder(store Store) *Recorder {
	return &Recorder{store: store, now: time.Now}
}

// Record increments today's counter for the operation. Errors are swallowed
// after logging; see package comment.
func (r *Recorder) Record(ctx context.Context, tenantID string, op plans.Operation, credits int) {
	// Detach from the request context so a client disconnect does not lose
	// the write; bound it so a stuck store cannot leak goroutines forever.
	go func() {
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()

		if err := r.store.Increment(wctx, tenantID, DayOf(r.now()), op, credits); err != nil {
			logging.L(wctx).Warn("usage write failed",
				"tenant_id", tenantID, "operation", op, "error", err)
		}
	}()
}

// Summary returns recent usage, newest day first.
func (r *Recorder) Summary(ctx context.Context, tenantID string, days int) ([]Entry, error) {
	if days <= 0 || days > 90 {
		days = 30
	}
	return r.store.Summary(ctx, tenantID, days)
}
