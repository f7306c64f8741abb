package preempt

import (
	"testing"
	"time"

	"github.com/kadena-io/chainweb-mining-client/internal/chainweb"
)

func TestImmediateStrategyPreemptsOnAnyDifference(t *testing.T) {
	var current chainweb.Work
	candidate := current
	candidate[100] = 1

	s := ImmediateStrategy{}
	if got := s.Decide(current, candidate); got != Preempt {
		t.Fatalf("got %v, want Preempt", got)
	}
}

func TestImmediateStrategyKeepsOnIdentical(t *testing.T) {
	var work chainweb.Work
	s := ImmediateStrategy{}
	if got := s.Decide(work, work); got != Keep {
		t.Fatalf("got %v, want Keep", got)
	}
}

func TestConditionalStrategyIgnoresChangesOutsideParentHashRegion(t *testing.T) {
	var current chainweb.Work
	candidate := current
	candidate[250] = 0xFF // outside bytes 4..36

	s := ConditionalStrategy{}
	if got := s.Decide(current, candidate); got != Keep {
		t.Fatalf("got %v, want Keep for a change outside the parent-hash region", got)
	}
}

func TestConditionalStrategyPreemptsOnParentHashChange(t *testing.T) {
	var current chainweb.Work
	candidate := current
	candidate[10] = 0xFF // inside bytes 4..36

	s := ConditionalStrategy{}
	if got := s.Decide(current, candidate); got != Preempt {
		t.Fatalf("got %v, want Preempt for a change inside the parent-hash region", got)
	}
}

func TestConditionalStrategyKeepsIdenticalRetry(t *testing.T) {
	var work chainweb.Work
	s := ConditionalStrategy{}
	if got := s.Decide(work, work); got != Keep {
		t.Fatalf("got %v, want Keep for identical retried work", got)
	}
}

func TestRateLimitedStrategySuppressesWithinWindow(t *testing.T) {
	var current chainweb.Work
	candidate := current
	candidate[10] = 1

	r := NewRateLimited(ImmediateStrategy{}, 50*time.Millisecond)

	if got := r.Decide(current, candidate); got != Preempt {
		t.Fatalf("first call: got %v, want Preempt", got)
	}

	candidate2 := candidate
	candidate2[11] = 1
	if got := r.Decide(candidate, candidate2); got != Keep {
		t.Fatalf("call within window: got %v, want Keep", got)
	}
}

func TestRateLimitedStrategyAllowsAfterWindow(t *testing.T) {
	var current chainweb.Work
	candidate := current
	candidate[10] = 1

	r := NewRateLimited(ImmediateStrategy{}, 10*time.Millisecond)
	if got := r.Decide(current, candidate); got != Preempt {
		t.Fatalf("first call: got %v, want Preempt", got)
	}

	time.Sleep(20 * time.Millisecond)

	candidate2 := candidate
	candidate2[11] = 1
	if got := r.Decide(candidate, candidate2); got != Preempt {
		t.Fatalf("call after window: got %v, want Preempt", got)
	}
}

func TestPreemptorTracksStats(t *testing.T) {
	p := New(ImmediateStrategy{})

	var work chainweb.Work
	different := work
	different[5] = 1

	if got := p.Decide(work, different); got != Preempt {
		t.Fatalf("got %v, want Preempt", got)
	}
	if got := p.Decide(work, work); got != Keep {
		t.Fatalf("got %v, want Keep", got)
	}

	stats := p.Stats()
	if stats.PreemptCount != 1 {
		t.Fatalf("PreemptCount = %d, want 1", stats.PreemptCount)
	}
	if stats.SkippedIdenticalCount != 1 {
		t.Fatalf("SkippedIdenticalCount = %d, want 1", stats.SkippedIdenticalCount)
	}
	if stats.LastPreemptTime.IsZero() {
		t.Fatal("LastPreemptTime was never set")
	}
}
