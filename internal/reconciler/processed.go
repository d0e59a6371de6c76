package reconciler

import (
	"sync"
	"time"
)

// processedRetention is how long processed event IDs are remembered.
// Stripe retries failed deliveries for days, but duplicate deliveries of an
// already-acknowledged event arrive within minutes; an hour is comfortable
// margin. Handlers are also written to be idempotent, so the dedup window
// is an optimization, not the correctness boundary.
const processedRetention = time.Hour

// ProcessedStore remembers webhook event IDs that were fully applied, so a
// duplicate delivery is acknowledged without re-running its mutation.
type ProcessedStore struct {
	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

// NewProcessedStore creates an empty dedup store.
func NewProcessedStore() *ProcessedStore {
	return &ProcessedStore{
		seen: make(map[string]time.Time),
		now:  time.Now,
	}
}

// Seen reports whether the event ID was already processed.
func (s *ProcessedStore) Seen(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	at, ok := s.seen[id]
	if !ok {
		return false
	}
	if s.now().Sub(at) > processedRetention {
		delete(s.seen, id)
		return false
	}
	return true
}

// Mark records the event ID as processed and evicts expired entries.
func (s *ProcessedStore) Mark(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.seen[id] = now

	// Piggyback eviction on writes; webhook volume is low.
	for k, at := range s.seen {
		if now.Sub(at) > processedRetention {
			delete(s.seen, k)
		}
	}
}

// Len returns the number of remembered IDs.
func (s *ProcessedStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}
