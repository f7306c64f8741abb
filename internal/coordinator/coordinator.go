// Package coordinator implements the mining client's main loop: it owns
// the node client, the single active worker invocation, and the channel
// of solved shares, multiplexing SSE update events, worker results, and
// shutdown signals into one serialized state machine.
package coordinator

import (
	"context"
	"sync"

	"github.com/kadena-io/chainweb-mining-client/internal/chainweb"
	"github.com/kadena-io/chainweb-mining-client/internal/node"
	"github.com/kadena-io/chainweb-mining-client/internal/preempt"
	"github.com/kadena-io/chainweb-mining-client/internal/worker"
	"github.com/kadena-io/chainweb-mining-client/pkg/log"
)

// NodeClient is the subset of *node.Client the coordinator depends on,
// narrowed so tests can supply a fake without standing up an HTTP server.
type NodeClient interface {
	GetWork(ctx context.Context, miner node.MinerDescriptor) (chainweb.ChainId, chainweb.Target, chainweb.Work, error)
	SubmitWork(ctx context.Context, w chainweb.Work) error
	SubscribeUpdates(ctx context.Context) *node.UpdateStream
}

// Coordinator is the single owner of "what is currently being mined". It
// guarantees exactly one worker mining task is live at any moment (§4.6,
// §5): cancelling the current task always completes before the next one is
// dispatched.
type Coordinator struct {
	node    NodeClient
	worker  worker.Worker
	preempt *preempt.Preemptor
	miner   node.MinerDescriptor
	logger  *log.Logger

	mu            sync.Mutex
	currentWork   chainweb.Work
	currentTarget chainweb.Target
}

// New creates a Coordinator. preemptor may be nil, in which case every
// update event preempts the in-flight worker (equivalent to
// preempt.ImmediateStrategy).
func New(nodeClient NodeClient, w worker.Worker, preemptor *preempt.Preemptor, miner node.MinerDescriptor, logger *log.Logger) *Coordinator {
	if preemptor == nil {
		preemptor = preempt.New(preempt.ImmediateStrategy{})
	}
	return &Coordinator{
		node:    nodeClient,
		worker:  w,
		preempt: preemptor,
		miner:   miner,
		logger:  logger.WithComponent("coordinator"),
	}
}

// workerOutcome carries a worker's result (or error) together with the
// Work it was dispatched for.
type workerOutcome struct {
	work   chainweb.Work
	result chainweb.MiningResult
	err    error
}

// Run fetches the initial work template, subscribes to chain-tip updates,
// and runs the coordinator's main loop until ctx is cancelled. It returns
// ctx.Err() on ordinary shutdown, or a non-nil error if the initial fetch
// fails (treated as fatal at startup, per §4.6 item 3).
func (c *Coordinator) Run(ctx context.Context) error {
	_, target, work, err := c.node.GetWork(ctx, c.miner)
	if err != nil {
		return err
	}
	c.setCurrent(work, target)

	updates := c.node.SubscribeUpdates(ctx)
	defer updates.Close()

	return c.runWithUpdates(ctx, updates.Events(), work, target)
}

// runWithUpdates is the coordinator's main loop, parameterized over the
// update-event source and the already-fetched initial work so tests can
// drive it without a real *node.UpdateStream.
func (c *Coordinator) runWithUpdates(ctx context.Context, events <-chan node.UpdateEvent, work chainweb.Work, target chainweb.Target) error {
	outcomes := make(chan workerOutcome, 1)
	workerCtx, cancelWorker := context.WithCancel(ctx)
	c.dispatch(workerCtx, work, target, outcomes)

	for {
		select {
		case <-ctx.Done():
			cancelWorker()
			<-outcomes // drain the in-flight task's final (discarded) result, bounded by ctx already being done
			return ctx.Err()

		case <-events:
			_, candidateTarget, candidate, fetchErr := c.node.GetWork(ctx, c.miner)
			if fetchErr != nil {
				c.logger.WithError(fetchErr).Warn("failed to fetch work after update event")
				continue
			}

			current, _ := c.current()
			if c.preempt.Decide(current, candidate) == preempt.Keep {
				continue
			}

			cancelWorker()
			<-outcomes // wait for the cancelled task to fully stop before dispatching the next one (§4.6 ordering rule)

			c.setCurrent(candidate, candidateTarget)
			workerCtx, cancelWorker = context.WithCancel(ctx)
			c.dispatch(workerCtx, candidate, candidateTarget, outcomes)

		case outcome := <-outcomes:
			if outcome.err != nil {
				// Cancellation or a worker-internal failure: the loop above
				// is the only path that both cancels and awaits outcomes,
				// so reaching here with an error means the worker itself
				// failed (not a preemption we already accounted for).
				c.logger.WithError(outcome.err).Warn("worker mining task ended with an error")
			} else {
				// §4.2: the Worker contract only requires a Work/Digest pair;
				// the caller, not the worker, is responsible for confirming
				// the digest actually meets the target before submitting it
				// upstream. This matters because not every Worker produces
				// genuine proof of work (SimulationWorker and
				// ConstantDelayWorker deliberately fabricate a result for
				// testing), so re-verifying here is the only place that
				// check is guaranteed to run regardless of which worker is
				// configured.
				_, tgt := c.current()
				if !tgt.Meets(outcome.result.Digest) {
					c.logger.Warn("worker result does not meet target, dropping")
				} else {
					go func(w chainweb.Work) {
						if err := c.node.SubmitWork(ctx, w); err != nil {
							c.logger.WithError(err).Warn("failed to submit solved work")
						}
					}(outcome.result.Work)
				}
			}

			_, nextTarget, next, fetchErr := c.node.GetWork(ctx, c.miner)
			if fetchErr != nil {
				c.logger.WithError(fetchErr).Warn("failed to fetch next work after a worker result")
				continue
			}
			c.setCurrent(next, nextTarget)
			workerCtx, cancelWorker = context.WithCancel(ctx)
			c.dispatch(workerCtx, next, nextTarget, outcomes)
		}
	}
}

// dispatch launches exactly one worker invocation in its own goroutine,
// reporting its outcome on out. The caller is responsible for ensuring no
// other dispatch is concurrently live against the same out channel.
func (c *Coordinator) dispatch(ctx context.Context, work chainweb.Work, target chainweb.Target, out chan<- workerOutcome) {
	go func() {
		result, err := c.worker.Mine(ctx, work, target)
		select {
		case out <- workerOutcome{work: work, result: result, err: err}:
		case <-ctx.Done():
			// Nobody is listening anymore (shutdown path already drained
			// once); avoid blocking forever on a full, unread channel.
			select {
			case out <- workerOutcome{work: work, result: result, err: err}:
			default:
			}
		}
	}()
}

func (c *Coordinator) setCurrent(work chainweb.Work, target chainweb.Target) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentWork = work
	c.currentTarget = target
}

func (c *Coordinator) current() (chainweb.Work, chainweb.Target) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentWork, c.currentTarget
}
