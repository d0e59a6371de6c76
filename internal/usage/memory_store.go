package usage

import (
	"context"
	"sort"
	"sync"

	"github.com/glowdesk/glowdesk/internal/plans"
)

type entryKey struct {
	day Day
	op  plans.Operation
}

// MemoryStore is an in-memory usage store for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	tenants map[string]map[entryKey]*Entry
}

// NewMemoryStore creates an empty in-memory usage store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tenants: make(map[string]map[entryKey]*Entry)}
}

func (s *MemoryStore) Increment(ctx context.Context, tenantID string, day Day, op plans.Operation, credits int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, ok := s.tenants[tenantID]
	if !ok {
		rows = make(map[entryKey]*Entry)
		s.tenants[tenantID] = rows
	}

	key := entryKey{day: day, op: op}
	e, ok := rows[key]
	if !ok {
		e = &Entry{TenantID: tenantID, Day: day, Operation: op}
		rows[key] = e
	}
	e.Count++
	e.Credits += credits
	return nil
}

func (s *MemoryStore) Summary(ctx context.Context, tenantID string, days int) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := s.tenants[tenantID]
	out := make([]Entry, 0, len(rows))
	for _, e := range rows {
		out = append(out, *e)
	}

	// Newest day first, then by operation for a stable order.
	sort.Slice(out, func(i, j int) bool {
		if out[i].Day != out[j].Day {
			return out[i].Day > out[j].Day
		}
		return out[i].Operation < out[j].Operation
	})

	if len(out) > 0 {
		cutoff := cutoffDay(out[0].Day, days)
		trimmed := out[:0]
		for _, e := range out {
			if e.Day > cutoff {
				trimmed = append(trimmed, e)
			}
		}
		out = trimmed
	}
	return out, nil
}

// cutoffDay returns the exclusive lower bound for a days-long window ending
// at newest.
func cutoffDay(newest Day, days int) Day {
	t, err := newest.Time()
	if err != nil {
		return ""
	}
	return DayOf(t.AddDate(0, 0, -days))
}
