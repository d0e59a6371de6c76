package circuitbreaker

import (
	"sync"
	"testing"
	"time"
)

func TestBreaker_AllowWhenClosed(t *testing.T) {
	b := New(3, 100*time.Millisecond)
	if !b.Allow("stripe") {
		t.Fatal("expected closed circuit to allow")
	}
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b := New(3, 100*time.Millisecond)

	// 2 failures = still closed
	b.RecordFailure("stripe")
	b.RecordFailure("stripe")
	if !b.Allow("stripe") {
		t.Fatal("should still allow before threshold")
	}

	// 3rd failure = open
	b.RecordFailure("stripe")
	if b.Allow("stripe") {
		t.Fatal("should be open after 3 failures")
	}
	if b.State("stripe") != StateOpen {
		t.Fatalf("expected StateOpen, got %v", b.State("stripe"))
	}
}

func TestBreaker_OpenToHalfOpenAfterDuration(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	b.RecordFailure("llm")
	b.RecordFailure("llm")
	if b.Allow("llm") {
		t.Fatal("should be open")
	}

	time.Sleep(60 * time.Millisecond)

	// Should transition to half-open and allow one probe.
	if !b.Allow("llm") {
		t.Fatal("should allow probe in half-open")
	}
	if b.State("llm") != StateHalfOpen {
		t.Fatalf("expected StateHalfOpen, got %v", b.State("llm"))
	}

	// Second request while half-open should be rejected.
	if b.Allow("llm") {
		t.Fatal("should reject second request in half-open")
	}
}

func TestBreaker_HalfOpenProbeSuccess(t *testing.T) {
	b := New(2, 30*time.Millisecond)

	b.RecordFailure("llm")
	b.RecordFailure("llm")
	time.Sleep(40 * time.Millisecond)

	if !b.Allow("llm") {
		t.Fatal("should allow probe")
	}
	b.RecordSuccess("llm")

	if b.State("llm") != StateClosed {
		t.Fatalf("expected StateClosed after probe success, got %v", b.State("llm"))
	}
	if !b.Allow("llm") {
		t.Fatal("closed circuit should allow")
	}
}

func TestBreaker_HalfOpenProbeFailure(t *testing.T) {
	b := New(2, 30*time.Millisecond)

	b.RecordFailure("stripe")
	b.RecordFailure("stripe")
	time.Sleep(40 * time.Millisecond)

	if !b.Allow("stripe") {
		t.Fatal("should allow probe")
	}
	b.RecordFailure("stripe")

	if b.State("stripe") != StateOpen {
		t.Fatalf("expected StateOpen after probe failure, got %v", b.State("stripe"))
	}
	if b.Allow("stripe") {
		t.Fatal("should reject while re-opened")
	}
}

func TestBreaker_KeysAreIndependent(t *testing.T) {
	b := New(2, time.Minute)

	b.RecordFailure("stripe")
	b.RecordFailure("stripe")

	if b.Allow("stripe") {
		t.Fatal("stripe circuit should be open")
	}
	if !b.Allow("llm") {
		t.Fatal("llm circuit should be unaffected")
	}
}

func TestBreaker_ConcurrentAccess(t *testing.T) {
	b := New(5, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b.Allow("stripe")
			if i%2 == 0 {
				b.RecordFailure("stripe")
			} else {
				b.RecordSuccess("stripe")
			}
		}(i)
	}
	wg.Wait()
}
