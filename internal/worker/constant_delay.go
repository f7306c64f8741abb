package worker

import (
	"context"
	"time"

	"github.com/kadena-io/chainweb-mining-client/internal/chainweb"
	"github.com/kadena-io/chainweb-mining-client/pkg/log"
)

// ConstantDelayWorker performs no hashing at all: it sleeps a fixed
// duration, increments the nonce, and returns. Useful for driving the
// coordinator and Stratum server in tests at a fully deterministic cadence.
type ConstantDelayWorker struct {
	delay  time.Duration
	nonce  chainweb.Nonce
	logger *log.Logger
}

// NewConstantDelay creates a ConstantDelayWorker that "solves" every call
// after exactly delay has elapsed.
func NewConstantDelay(delay time.Duration, logger *log.Logger) *ConstantDelayWorker {
	return &ConstantDelayWorker{delay: delay, logger: logger.WithComponent("constant-delay-worker")}
}

// Mine implements Worker.
func (c *ConstantDelayWorker) Mine(ctx context.Context, work chainweb.Work, target chainweb.Target) (chainweb.MiningResult, error) {
	timer := time.NewTimer(c.delay)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
		return chainweb.MiningResult{}, ctx.Err()
	}

	c.nonce = c.nonce.Next()
	solved := work.WithNonce(c.nonce)
	return chainweb.MiningResult{Work: solved, Digest: chainweb.Digest(solved)}, nil
}
