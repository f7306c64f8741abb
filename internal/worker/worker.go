// Package worker defines the pluggable mining worker abstraction and its
// implementations: an in-process CPU hasher, an external subprocess
// worker, and three test/integration workers (simulation, constant-delay,
// on-demand).
package worker

import (
	"context"
	"errors"

	"github.com/kadena-io/chainweb-mining-client/internal/chainweb"
)

// ErrNonceSpaceExhausted is returned when a worker has tried every nonce in
// its assigned space (2^64 values) without finding a digest that meets the
// target. Astronomically unlikely in practice but a real, testable outcome.
var ErrNonceSpaceExhausted = errors.New("worker: nonce space exhausted")

// Worker mines a single (Work, Target) pair until it finds a solution, the
// context is cancelled, or its nonce space is exhausted.
//
// Implementations must not mutate the input Work; the returned Work in a
// successful MiningResult differs from the input only in its nonce bytes.
// Implementations must honor ctx cancellation within a bounded time (design
// target: 100ms for the CPU worker at its default batch size).
type Worker interface {
	Mine(ctx context.Context, work chainweb.Work, target chainweb.Target) (chainweb.MiningResult, error)
}

// Func adapts a plain function to the Worker interface, mirroring the
// http.HandlerFunc pattern used throughout the standard library.
type Func func(ctx context.Context, work chainweb.Work, target chainweb.Target) (chainweb.MiningResult, error)

// Mine implements Worker.
func (f Func) Mine(ctx context.Context, work chainweb.Work, target chainweb.Target) (chainweb.MiningResult, error) {
	return f(ctx, work, target)
}
