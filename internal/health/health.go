// Package health provides a registry of named subsystem health checkers
// backing the liveness and readiness endpoints.
package health

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/glowdesk/glowdesk/internal/circuitbreaker"
)

// Status is one subsystem's health result as reported by /readyz.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker probes one subsystem. Checkers run on every readiness request,
// so they must be cheap and bound their own timeouts.
type Checker func(ctx context.Context) Status

// Registry is the set of subsystems readiness depends on. The server
// registers checkers for whatever it was actually configured with: the
// database when Postgres is in use, the Stripe and LLM circuits when those
// integrations are enabled.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a named checker. Registration order is preserved in the
// readiness response.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs every checker and reports whether all passed, plus the
// individual results.
func (r *Registry) CheckAll(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	healthy := true
	statuses := make([]Status, 0, len(checkers))
	for _, nc := range checkers {
		st := nc.check(ctx)
		if !st.Healthy {
			healthy = false
		}
		statuses = append(statuses, st)
	}
	return healthy, statuses
}

// DatabaseChecker pings the database with a short timeout.
func DatabaseChecker(db *sql.DB) Checker {
	return func(ctx context.Context) Status {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()

		if err := db.PingContext(ctx); err != nil {
			return Status{Name: "database", Healthy: false, Detail: err.Error()}
		}
		return Status{Name: "database", Healthy: true}
	}
}

// BreakerChecker reports an upstream as unhealthy while its circuit is
// open. Half-open counts as healthy: the probe is already in flight.
func BreakerChecker(name string, b *circuitbreaker.Breaker, key string) Checker {
	return func(ctx context.Context) Status {
		state := b.State(key)
		if state == circuitbreaker.StateOpen {
			return Status{Name: name, Healthy: false, Detail: "circuit open"}
		}
		return Status{Name: name, Healthy: true, Detail: state.String()}
	}
}
