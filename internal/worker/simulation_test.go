package worker

import (
	"context"
	"testing"
	"time"

	"github.com/kadena-io/chainweb-mining-client/internal/chainweb"
)

func TestSimulationWorkerRespectsCancellation(t *testing.T) {
	// Against MaxTarget the expected wait is 1/hashrate seconds
	// (2^256/(hashrate*2^256)), but a hard target makes the mean huge;
	// cancel almost immediately and confirm it doesn't block forever.
	var zeroTarget chainweb.Target
	w := NewSimulation(1.0, func() float64 { return 0.5 }, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := w.Mine(ctx, chainweb.Work{}, zeroTarget)
	if err == nil {
		t.Fatal("expected cancellation error")
	}
}

func TestSimulationWorkerEasyTargetCompletesQuickly(t *testing.T) {
	w := NewSimulation(1_000_000, func() float64 { return 0.5 }, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	result, err := w.Mine(ctx, chainweb.Work{}, chainweb.MaxTarget)
	if err != nil {
		t.Fatal(err)
	}
	if result.Work.Nonce() != 1 {
		t.Fatalf("expected first call to produce nonce 1, got %d", result.Work.Nonce())
	}
}

func TestSimulationWorkerNonceIncrements(t *testing.T) {
	w := NewSimulation(1_000_000, func() float64 { return 0.5 }, testLogger())
	ctx := context.Background()

	r1, err := w.Mine(ctx, chainweb.Work{}, chainweb.MaxTarget)
	if err != nil {
		t.Fatal(err)
	}
	r2, err := w.Mine(ctx, chainweb.Work{}, chainweb.MaxTarget)
	if err != nil {
		t.Fatal(err)
	}
	if r2.Work.Nonce() <= r1.Work.Nonce() {
		t.Fatalf("expected increasing nonces, got %d then %d", r1.Work.Nonce(), r2.Work.Nonce())
	}
}

func TestTargetToBigIntMaxTarget(t *testing.T) {
	got := targetToBigInt(chainweb.MaxTarget)
	if got.Cmp(maxTargetValue) != 0 {
		t.Fatalf("MaxTarget should convert to 2^256-1, got %s", got.String())
	}
}
