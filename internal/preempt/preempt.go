// Package preempt implements the work-preemption decision: whether a
// newly-announced (Work, Target) should supersede the one currently being
// mined.
package preempt

import (
	"bytes"
	"sync"
	"time"

	"github.com/kadena-io/chainweb-mining-client/internal/chainweb"
)

// Decision is the outcome of consulting a Strategy.
type Decision int

const (
	// Keep means the coordinator should continue mining the in-flight
	// (Work, Target) and discard the candidate.
	Keep Decision = iota
	// Preempt means the coordinator should cancel the in-flight mining
	// task and dispatch the candidate.
	Preempt
)

func (d Decision) String() string {
	if d == Preempt {
		return "preempt"
	}
	return "keep"
}

// Strategy decides whether candidate work should preempt the current one.
type Strategy interface {
	Decide(current, candidate chainweb.Work) Decision
}

// Stats is a snapshot of a Preemptor's observability counters.
type Stats struct {
	PreemptCount          uint64
	SkippedIdenticalCount uint64
	LastPreemptTime       time.Time
}

// Preemptor wraps a Strategy with shared, thread-safe bookkeeping: how many
// times it has preempted, when it last did, and how many times it declined
// because the candidate was identical to the current work.
type Preemptor struct {
	strategy Strategy

	mu    sync.Mutex
	stats Stats
}

// New wraps strategy with preemption-record bookkeeping.
func New(strategy Strategy) *Preemptor {
	return &Preemptor{strategy: strategy}
}

// Decide consults the wrapped strategy and updates the observability
// counters accordingly.
func (p *Preemptor) Decide(current, candidate chainweb.Work) Decision {
	d := p.strategy.Decide(current, candidate)

	p.mu.Lock()
	defer p.mu.Unlock()
	if d == Preempt {
		p.stats.PreemptCount++
		p.stats.LastPreemptTime = time.Now()
	} else if current == candidate {
		p.stats.SkippedIdenticalCount++
	}
	return d
}

// Stats returns a snapshot of the current counters.
func (p *Preemptor) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// ImmediateStrategy preempts on any work that differs byte-for-byte from
// the one currently being mined.
type ImmediateStrategy struct{}

// Decide implements Strategy.
func (ImmediateStrategy) Decide(current, candidate chainweb.Work) Decision {
	if current == candidate {
		return Keep
	}
	return Preempt
}

// parentHashStart and parentHashEnd bound the generic "parent-hash-bearing"
// region of a Work that ConditionalStrategy compares: bytes 4..36, per the
// block-header layout convention this mining client treats as opaque past
// the nonce field but whose leading bytes identify the parent block.
const (
	parentHashStart = 4
	parentHashEnd   = 36
)

// ConditionalStrategy preempts only when the parent-hash-bearing bytes
// (4..36) of candidate differ from current. Retried or re-delivered
// identical work (e.g. a duplicate SSE event) is always kept.
type ConditionalStrategy struct{}

// Decide implements Strategy.
func (ConditionalStrategy) Decide(current, candidate chainweb.Work) Decision {
	currentBytes := current.Bytes()
	candidateBytes := candidate.Bytes()
	if bytes.Equal(currentBytes[parentHashStart:parentHashEnd], candidateBytes[parentHashStart:parentHashEnd]) {
		return Keep
	}
	return Preempt
}

// RateLimitedStrategy wraps another strategy and never preempts more often
// than once per configured window; within the window it defers to Keep
// regardless of what the inner strategy would have decided.
type RateLimitedStrategy struct {
	inner  Strategy
	window time.Duration

	mu       sync.Mutex
	lastFire time.Time
}

// NewRateLimited wraps inner so it fires at most once per window.
func NewRateLimited(inner Strategy, window time.Duration) *RateLimitedStrategy {
	return &RateLimitedStrategy{inner: inner, window: window}
}

// Decide implements Strategy.
func (r *RateLimitedStrategy) Decide(current, candidate chainweb.Work) Decision {
	d := r.inner.Decide(current, candidate)
	if d == Keep {
		return Keep
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	if !r.lastFire.IsZero() && now.Sub(r.lastFire) < r.window {
		return Keep
	}
	r.lastFire = now
	return Preempt
}
