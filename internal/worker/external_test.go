package worker

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/kadena-io/chainweb-mining-client/internal/chainweb"
)

// "tail -c 286" is a stand-in external process: the child's contract is
// target(32) || work(286) in, work(286) out, and `tail -c 286` emits
// exactly the last 286 bytes of its stdin, i.e. the work portion unchanged.
func TestExternalWorkerEchoesSolvedWork(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("tail not available")
	}

	var work chainweb.Work
	for i := range work {
		work[i] = byte(i)
	}
	target := chainweb.MaxTarget

	w := NewExternal([]string{"sh", "-c", "tail -c 286"}, 2*time.Second, testLogger())
	result, err := w.Mine(context.Background(), work, target)
	if err != nil {
		t.Fatal(err)
	}
	if result.Work != work {
		t.Fatalf("expected child to echo work unchanged, got different bytes")
	}
}

func TestExternalWorkerTimeout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("sleep not available")
	}

	var work chainweb.Work
	target := chainweb.MaxTarget

	w := NewExternal([]string{"sleep", "5"}, 20*time.Millisecond, testLogger())
	_, err := w.Mine(context.Background(), work, target)
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestExternalWorkerNoCommandConfigured(t *testing.T) {
	var work chainweb.Work
	w := NewExternal(nil, time.Second, testLogger())
	_, err := w.Mine(context.Background(), work, chainweb.MaxTarget)
	if err == nil {
		t.Fatal("expected error for missing command")
	}
}

func TestParseExternalCommand(t *testing.T) {
	got := ParseExternalCommand("  /usr/bin/solver  --fast  ")
	want := []string{"/usr/bin/solver", "--fast"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}
