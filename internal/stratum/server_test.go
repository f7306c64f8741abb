package stratum

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/kadena-io/chainweb-mining-client/internal/chainweb"
	"github.com/kadena-io/chainweb-mining-client/pkg/log"
)

func testLogger() *log.Logger {
	return log.New("stratum-test", "test", "error", "text")
}

func testWork() chainweb.Work {
	var raw [chainweb.WorkSize]byte
	for i := range raw {
		raw[i] = byte(i)
	}
	w, _ := chainweb.ParseWork(raw[:])
	return w
}

func easyWorkTarget() chainweb.Target {
	t, _ := chainweb.ParseTarget(chainweb.MaxTarget.Bytes())
	return t
}

// fakeMiner is a minimal line-oriented JSON-RPC client used to drive the
// Stratum server end-to-end in tests.
type fakeMiner struct {
	conn    net.Conn
	scanner *bufio.Scanner
}

func dialMiner(t *testing.T, addr string) *fakeMiner {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("failed to dial stratum server: %v", err)
	}
	return &fakeMiner{conn: conn, scanner: bufio.NewScanner(conn)}
}

func (m *fakeMiner) send(t *testing.T, msg *Message) {
	t.Helper()
	data, err := MarshalMessage(msg)
	if err != nil {
		t.Fatalf("failed to marshal message: %v", err)
	}
	data = append(data, '\n')
	if _, err := m.conn.Write(data); err != nil {
		t.Fatalf("failed to write to server: %v", err)
	}
}

func (m *fakeMiner) recv(t *testing.T) *Message {
	t.Helper()
	m.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if !m.scanner.Scan() {
		t.Fatalf("failed to read response: %v", m.scanner.Err())
	}
	var msg Message
	if err := json.Unmarshal(m.scanner.Bytes(), &msg); err != nil {
		t.Fatalf("failed to unmarshal response %q: %v", m.scanner.Bytes(), err)
	}
	return &msg
}

func startTestServer(t *testing.T, cfg Config) (*Server, string) {
	t.Helper()
	cfg.ListenAddr = "127.0.0.1:0"
	srv, err := NewServer(cfg, testLogger())
	if err != nil {
		t.Fatalf("NewServer() error: %v", err)
	}

	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		t.Fatalf("failed to reserve a listen address: %v", err)
	}
	addr := listener.Addr().String()
	listener.Close()
	srv.cfg.ListenAddr = addr

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		_ = srv.Start(ctx)
	}()
	t.Cleanup(cancel)

	// give the listener a moment to come up
	for i := 0; i < 50; i++ {
		if conn, err := net.Dial("tcp", addr); err == nil {
			conn.Close()
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	return srv, addr
}

func TestServerSubscribeAuthorizeFlow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NotifyInterval = 10 * time.Millisecond
	_, addr := startTestServer(t, cfg)

	miner := dialMiner(t, addr)
	defer miner.conn.Close()

	miner.send(t, &Message{ID: 1, Method: "mining.subscribe", Params: []any{"test-miner/1.0"}})
	resp := miner.recv(t)
	if resp.Error != nil {
		t.Fatalf("subscribe failed: %+v", resp.Error)
	}

	miner.send(t, &Message{ID: 2, Method: "mining.authorize", Params: []any{"k:alice", "x"}})
	resp = miner.recv(t)
	if resp.Error != nil {
		t.Fatalf("authorize failed: %+v", resp.Error)
	}
	if ok, _ := resp.Result.(bool); !ok {
		t.Fatalf("expected authorize result true, got %v", resp.Result)
	}
}

func TestServerSubmitWithoutAuthorizeIsRejected(t *testing.T) {
	cfg := DefaultConfig()
	_, addr := startTestServer(t, cfg)

	miner := dialMiner(t, addr)
	defer miner.conn.Close()

	miner.send(t, &Message{ID: 1, Method: "mining.submit", Params: []any{"w", "job1", "00000000"}})
	resp := miner.recv(t)
	if resp.Error == nil {
		t.Fatal("expected an error submitting before subscribing")
	}
	if resp.Error.Code != ErrorNotSubscribed {
		t.Errorf("error code = %d, want %d", resp.Error.Code, ErrorNotSubscribed)
	}
}

func TestServerMineDeliversJobAndAcceptsShare(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NotifyInterval = 5 * time.Millisecond
	cfg.Nonce1Width = 2
	srv, addr := startTestServer(t, cfg)

	miner := dialMiner(t, addr)
	defer miner.conn.Close()

	miner.send(t, &Message{ID: 1, Method: "mining.subscribe", Params: []any{"test-miner/1.0"}})
	subResp := miner.recv(t)
	if subResp.Error != nil {
		t.Fatalf("subscribe failed: %+v", subResp.Error)
	}

	miner.send(t, &Message{ID: 2, Method: "mining.authorize", Params: []any{"k:alice", "x"}})
	if resp := miner.recv(t); resp.Error != nil {
		t.Fatalf("authorize failed: %+v", resp.Error)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resultCh := make(chan chainweb.MiningResult, 1)
	errCh := make(chan error, 1)
	go func() {
		res, err := srv.Mine(ctx, testWork(), easyWorkTarget())
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- res
	}()

	// consume notifications until mining.notify arrives with a job id
	var jobID, workHex string
	for {
		msg := miner.recv(t)
		if msg.Method == "mining.notify" {
			jobID, _ = msg.Params[0].(string)
			workHex, _ = msg.Params[1].(string)
			break
		}
	}

	workBytes, err := hex.DecodeString(workHex)
	if err != nil {
		t.Fatalf("failed to decode work hex: %v", err)
	}
	work, err := chainweb.ParseWork(workBytes)
	if err != nil {
		t.Fatalf("failed to parse templated work: %v", err)
	}
	_ = work

	// nonce2 is all zero: with an (effectively) maximum target any digest meets.
	nonce2Hex := hex.EncodeToString(make([]byte, 8-cfg.Nonce1Width))
	miner.send(t, &Message{ID: 3, Method: "mining.submit", Params: []any{"worker1", jobID, nonce2Hex}})
	submitResp := miner.recv(t)
	if submitResp.Error != nil {
		t.Fatalf("submit failed: %+v", submitResp.Error)
	}

	select {
	case res := <-resultCh:
		if res.Work == (chainweb.Work{}) {
			t.Error("expected a non-zero winning work")
		}
	case err := <-errCh:
		t.Fatalf("Mine() returned error: %v", err)
	case <-ctx.Done():
		t.Fatal("timed out waiting for Mine() to return a solution")
	}
}

func TestServerDuplicateShareRejected(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NotifyInterval = 5 * time.Millisecond
	srv, addr := startTestServer(t, cfg)

	miner := dialMiner(t, addr)
	defer miner.conn.Close()

	miner.send(t, &Message{ID: 1, Method: "mining.subscribe", Params: []any{"m"}})
	miner.recv(t)
	miner.send(t, &Message{ID: 2, Method: "mining.authorize", Params: []any{"k:alice", "x"}})
	miner.recv(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go srv.Mine(ctx, testWork(), easyWorkTarget())

	var jobID string
	for {
		msg := miner.recv(t)
		if msg.Method == "mining.notify" {
			jobID, _ = msg.Params[0].(string)
			break
		}
	}

	nonce2Hex := hex.EncodeToString(make([]byte, 8-cfg.Nonce1Width))
	miner.send(t, &Message{ID: 3, Method: "mining.submit", Params: []any{"worker1", jobID, nonce2Hex}})
	if resp := miner.recv(t); resp.Error != nil {
		t.Fatalf("first submit should succeed: %+v", resp.Error)
	}

	miner.send(t, &Message{ID: 4, Method: "mining.submit", Params: []any{"worker1", jobID, nonce2Hex}})
	resp := miner.recv(t)
	if resp.Error == nil {
		t.Fatal("expected duplicate submission to be rejected")
	}
	if resp.Error.Code != ErrorDuplicateShare {
		t.Errorf("error code = %d, want %d", resp.Error.Code, ErrorDuplicateShare)
	}
}

func TestSpliceNonce1And2RoundTrip(t *testing.T) {
	const width = 2
	nonce1 := uint32(0xABCD)
	nonce2 := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}

	reconstructed, err := spliceNonce1And2(nonce1, width, nonce2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	work := testWork().WithNonce(reconstructed)
	templated := spliceNonce1(work.WithNonce(0), nonce1, width)

	// the high-order `width` bytes of both nonces must match: that's the
	// server's own prefix, independently reconstructed two different ways.
	n1 := uint64(nonce1) << (8 * uint(8-width))
	full := uint64(templated.Nonce())
	if full != n1 {
		t.Errorf("spliceNonce1 prefix mismatch: got %x, want %x", full, n1)
	}
	if uint64(reconstructed)>>(8*uint(8-width)) != uint64(nonce1) {
		t.Error("spliceNonce1And2 did not preserve the nonce1 prefix in the high-order bytes")
	}
}

func TestSpliceNonce1And2WrongLength(t *testing.T) {
	if _, err := spliceNonce1And2(1, 2, []byte{0x01}); err == nil {
		t.Error("expected an error for a wrong-length nonce2")
	}
}
