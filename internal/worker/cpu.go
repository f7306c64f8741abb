package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/cpuid/v2"

	"github.com/kadena-io/chainweb-mining-client/internal/chainweb"
	"github.com/kadena-io/chainweb-mining-client/pkg/log"
)

// DefaultBatchSize is the number of nonces a CPU thread hashes between
// checks of the cancellation flag and the shared "won" state.
const DefaultBatchSize = 1 << 17

// useBatchedDigest is decided once at process start (§4.3, §9): CPUs at
// the x86-64-v3 microarchitecture level or above (AVX2 and friends) get
// the 4-wide unrolled digest loop, everyone else the plain sequential one.
// Both paths call the same blake2s implementation and produce identical
// digests; this only changes how much work happens between loop-control
// checks.
var useBatchedDigest = cpuid.CPU.X64Level() >= 3

// CPUWorker mines by partitioning the 64-bit nonce space evenly across a
// fixed pool of OS threads (goroutines locked to the scheduler, not to an
// OS thread specifically — Go's runtime multiplexes this well enough that
// an explicit runtime.LockOSThread buys nothing here). Thread i starts at
// i * (2^64 / threads) and strides by 1. Each Mine call starts its own
// set of goroutines; only the thread count and batch size persist across
// calls.
type CPUWorker struct {
	threads   int
	batchSize uint64
	logger    *log.Logger

	// maxAttemptsPerThread caps how many nonces a thread will try before
	// reporting its slice exhausted. Zero means "cover the whole assigned
	// slice" (2^64/threads nonces), which is the production behavior; tests
	// override it to make exhaustion reachable in finite time.
	maxAttemptsPerThread uint64
}

// New creates a CPUWorker with the given thread count and batch size.
// threads <= 0 is treated as 1; batchSize <= 0 uses DefaultBatchSize.
func New(threads, batchSize int, logger *log.Logger) *CPUWorker {
	if threads <= 0 {
		threads = 1
	}
	bs := uint64(batchSize)
	if batchSize <= 0 {
		bs = DefaultBatchSize
	}
	return &CPUWorker{
		threads:   threads,
		batchSize: bs,
		logger:    logger.WithComponent("cpu-worker"),
	}
}

type winningNonce struct {
	nonce  chainweb.Nonce
	digest [32]byte
}

// Mine implements Worker. It blocks until a solution is found, ctx is
// cancelled, or every thread exhausts its assigned nonce slice.
func (c *CPUWorker) Mine(ctx context.Context, work chainweb.Work, target chainweb.Target) (chainweb.MiningResult, error) {
	started := time.Now()

	var cancelled atomic.Bool
	watchDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			cancelled.Store(true)
		case <-watchDone:
		}
	}()
	defer close(watchDone)

	var winner atomic.Pointer[winningNonce]
	var totalTried atomic.Uint64

	stride := ^uint64(0) / uint64(c.threads) // 2^64-1 / threads; off by a hair, irrelevant at this scale

	var wg sync.WaitGroup
	wg.Add(c.threads)
	for i := 0; i < c.threads; i++ {
		go func(threadIdx int) {
			defer wg.Done()
			start := chainweb.Nonce(uint64(threadIdx) * stride)
			c.mineRange(&cancelled, &winner, work, target, start, stride, &totalTried)
		}(i)
	}
	wg.Wait()

	elapsed := time.Since(started)
	c.logger.LogDuration("mine", elapsed.Nanoseconds())
	if tried := totalTried.Load(); tried > 0 {
		c.logger.LogThroughput("mine", int64(tried), elapsed.Nanoseconds())
	}

	if w := winner.Load(); w != nil {
		return chainweb.MiningResult{Work: work.WithNonce(w.nonce), Digest: w.digest}, nil
	}
	if cancelled.Load() {
		return chainweb.MiningResult{}, ctx.Err()
	}
	return chainweb.MiningResult{}, ErrNonceSpaceExhausted
}

// mineRange scans up to `span` nonces starting at `start` (or until a
// sibling thread wins, or the shared cancellation flag is set), checking
// those signals once per batch rather than once per nonce so the hot loop
// stays allocation-free and branch-light.
func (c *CPUWorker) mineRange(cancelled *atomic.Bool, winner *atomic.Pointer[winningNonce], work chainweb.Work, target chainweb.Target, start chainweb.Nonce, span uint64, totalTried *atomic.Uint64) {
	limit := span
	if c.maxAttemptsPerThread != 0 {
		limit = c.maxAttemptsPerThread
	}

	local := work // Work is a value type; this is an independent copy.
	nonce := start
	var tried uint64
	defer func() { totalTried.Add(tried) }()

	for tried < limit {
		if cancelled.Load() || winner.Load() != nil {
			return
		}

		batch := c.batchSize
		if remaining := limit - tried; batch > remaining {
			batch = remaining
		}

		if useBatchedDigest && batch >= 4 {
			nonce, tried = mineBatch4(winner, local, target, nonce, batch, tried)
			continue
		}

		for i := uint64(0); i < batch; i++ {
			local.SetNonce(nonce)
			digest := chainweb.Digest(local)
			if target.Meets(digest) {
				winner.CompareAndSwap(nil, &winningNonce{nonce: nonce, digest: digest})
				return
			}
			nonce = nonce.Next()
		}
		tried += batch
	}
}

// mineBatch4 hashes nonces four at a time via chainweb.DigestBatch4,
// falling back to sequential hashing for the final (batch % 4) remainder.
// It returns the advanced nonce and tried count; the caller re-checks
// cancellation/winner state once per returned chunk, same as the
// sequential path.
func mineBatch4(winner *atomic.Pointer[winningNonce], local chainweb.Work, target chainweb.Target, nonce chainweb.Nonce, batch, tried uint64) (chainweb.Nonce, uint64) {
	quads := batch / 4
	for q := uint64(0); q < quads; q++ {
		var ws [4]chainweb.Work
		nonces := [4]chainweb.Nonce{nonce, nonce.Next(), 0, 0}
		nonces[2] = nonces[1].Next()
		nonces[3] = nonces[2].Next()
		for i, n := range nonces {
			ws[i] = local
			ws[i].SetNonce(n)
		}

		digests := chainweb.DigestBatch4(ws)
		for i, digest := range digests {
			if target.Meets(digest) {
				winner.CompareAndSwap(nil, &winningNonce{nonce: nonces[i], digest: digest})
				return nonces[i], tried + q*4
			}
		}
		nonce = nonces[3].Next()
	}
	tried += quads * 4

	remainder := batch - quads*4
	for i := uint64(0); i < remainder; i++ {
		local.SetNonce(nonce)
		digest := chainweb.Digest(local)
		if target.Meets(digest) {
			winner.CompareAndSwap(nil, &winningNonce{nonce: nonce, digest: digest})
			return nonce, tried + i
		}
		nonce = nonce.Next()
	}
	return nonce, tried + remainder
}
