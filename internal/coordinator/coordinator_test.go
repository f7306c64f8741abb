package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kadena-io/chainweb-mining-client/internal/chainweb"
	"github.com/kadena-io/chainweb-mining-client/internal/node"
	"github.com/kadena-io/chainweb-mining-client/internal/preempt"
	"github.com/kadena-io/chainweb-mining-client/pkg/log"
)

func testLogger() *log.Logger {
	return log.New("coordinator-test", "test", "error", "text")
}

func workWithByte(b byte) chainweb.Work {
	var raw [chainweb.WorkSize]byte
	raw[0] = b
	w, _ := chainweb.ParseWork(raw[:])
	return w
}

// fakeNode is a scriptable NodeClient: GetWork returns the next entry of
// works each time it's called (repeating the last entry once exhausted),
// SubmitWork records every submission, and SubscribeUpdates hands back a
// channel the test can push events on directly.
type fakeNode struct {
	mu    sync.Mutex
	works []chainweb.Work

	submitted []chainweb.Work
	events    chan node.UpdateEvent
}

func newFakeNode(works ...chainweb.Work) *fakeNode {
	return &fakeNode{works: works, events: make(chan node.UpdateEvent, 1)}
}

func (f *fakeNode) GetWork(ctx context.Context, miner node.MinerDescriptor) (chainweb.ChainId, chainweb.Target, chainweb.Work, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := f.works[0]
	if len(f.works) > 1 {
		f.works = f.works[1:]
	}
	target, _ := chainweb.ParseTarget(chainweb.MaxTarget.Bytes())
	return 0, target, w, nil
}

func (f *fakeNode) SubmitWork(ctx context.Context, w chainweb.Work) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, w)
	return nil
}

// SubscribeUpdates is never exercised directly: tests call
// Coordinator.runWithUpdates with fakeNode.events instead, bypassing the
// need for a real *node.UpdateStream.
func (f *fakeNode) SubscribeUpdates(ctx context.Context) *node.UpdateStream {
	panic("unused in tests")
}

func (f *fakeNode) submittedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted)
}

// fakeWorker mines for mineDelay, returning a fixed result unless the context
// is cancelled first, in which case it blocks until cancellation and
// returns ctx.Err(). Every invocation is recorded.
type fakeWorker struct {
	mineDelay time.Duration
	result    chainweb.MiningResult

	calls int32
}

func (w *fakeWorker) Mine(ctx context.Context, work chainweb.Work, target chainweb.Target) (chainweb.MiningResult, error) {
	atomic.AddInt32(&w.calls, 1)
	select {
	case <-time.After(w.mineDelay):
		return w.result, nil
	case <-ctx.Done():
		return chainweb.MiningResult{}, ctx.Err()
	}
}

// alwaysPreempt and neverPreempt let tests pin the preemption decision
// without depending on byte-level work comparisons.
type alwaysPreempt struct{}

func (alwaysPreempt) Decide(current, candidate chainweb.Work) preempt.Decision {
	return preempt.Preempt
}

type neverPreempt struct{}

func (neverPreempt) Decide(current, candidate chainweb.Work) preempt.Decision {
	return preempt.Keep
}

func TestCoordinatorSubmitsWorkerResultAndContinues(t *testing.T) {
	solved := workWithByte(0xAB)
	fn := newFakeNode(workWithByte(0x01), solved)
	fw := &fakeWorker{result: chainweb.MiningResult{Work: solved}}

	c := New(fn, fw, preempt.New(neverPreempt{}), node.MinerDescriptor{Account: "k:alice"}, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	_, target, work, err := fn.GetWork(ctx, node.MinerDescriptor{})
	if err != nil {
		t.Fatalf("GetWork() error = %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- c.runWithUpdates(ctx, fn.events, work, target) }()

	deadline := time.After(300 * time.Millisecond)
	for fn.submittedCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for a submission")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	<-done

	if got := fn.submittedCount(); got == 0 {
		t.Fatalf("expected at least one submission, got %d", got)
	}
}

func TestCoordinatorPreemptsOnUpdate(t *testing.T) {
	fn := newFakeNode(workWithByte(0x01), workWithByte(0x02), workWithByte(0x03))
	fw := &fakeWorker{mineDelay: time.Hour} // never finishes on its own

	c := New(fn, fw, preempt.New(alwaysPreempt{}), node.MinerDescriptor{Account: "k:alice"}, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	_, target, work, err := fn.GetWork(ctx, node.MinerDescriptor{})
	if err != nil {
		t.Fatalf("GetWork() error = %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- c.runWithUpdates(ctx, fn.events, work, target) }()

	// give the initial dispatch a moment to start, then fire an update: the
	// always-preempt strategy must cancel it and dispatch a new task.
	time.Sleep(20 * time.Millisecond)
	fn.events <- node.UpdateEvent{}

	deadline := time.After(300 * time.Millisecond)
	for atomic.LoadInt32(&fw.calls) < 2 {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for a second dispatch, calls=%d", atomic.LoadInt32(&fw.calls))
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	<-done
}

func TestCoordinatorKeepsOnUpdateWhenStrategyDeclines(t *testing.T) {
	fn := newFakeNode(workWithByte(0x01), workWithByte(0x02))
	fw := &fakeWorker{mineDelay: time.Hour}

	c := New(fn, fw, preempt.New(neverPreempt{}), node.MinerDescriptor{Account: "k:alice"}, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, target, work, err := fn.GetWork(ctx, node.MinerDescriptor{})
	if err != nil {
		t.Fatalf("GetWork() error = %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- c.runWithUpdates(ctx, fn.events, work, target) }()

	time.Sleep(20 * time.Millisecond)
	fn.events <- node.UpdateEvent{}
	time.Sleep(50 * time.Millisecond)

	if calls := atomic.LoadInt32(&fw.calls); calls != 1 {
		t.Errorf("worker was redispatched despite a Keep decision: calls=%d", calls)
	}

	cancel()
	<-done
}

func TestCoordinatorReturnsFatalErrorFromInitialFetch(t *testing.T) {
	wantErr := errors.New("node unreachable")
	c := New(failingGetWork{err: wantErr}, &fakeWorker{}, nil, node.MinerDescriptor{}, testLogger())

	err := c.Run(context.Background())
	if !errors.Is(err, wantErr) {
		t.Errorf("Run() error = %v, want %v", err, wantErr)
	}
}

type failingGetWork struct {
	err error
}

func (f failingGetWork) GetWork(ctx context.Context, miner node.MinerDescriptor) (chainweb.ChainId, chainweb.Target, chainweb.Work, error) {
	return 0, chainweb.Target{}, chainweb.Work{}, f.err
}

func (f failingGetWork) SubmitWork(ctx context.Context, w chainweb.Work) error { return nil }

func (f failingGetWork) SubscribeUpdates(ctx context.Context) *node.UpdateStream { return nil }
