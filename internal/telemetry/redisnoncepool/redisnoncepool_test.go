package redisnoncepool

import (
	"context"
	"net"
	"os"
	"testing"
)

// requireRedis skips the test unless a reachable Redis address is given via
// REDIS_TEST_ADDR; this package has no in-process fake for go-redis's wire
// protocol, so these tests are integration tests, not unit tests.
func requireRedis(t *testing.T) string {
	t.Helper()
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set, skipping redis-backed nonce pool test")
	}
	conn, err := net.DialTimeout("tcp", addr, opTimeout)
	if err != nil {
		t.Skipf("redis at %s not reachable: %v", addr, err)
	}
	conn.Close()
	return addr
}

func TestPoolAssignReleaseRoundTrip(t *testing.T) {
	addr := requireRedis(t)

	p, err := New(Config{Addr: addr, Key: "chainweb-mining-client-test:nonce1"}, 1)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer p.Close()
	defer p.rdb.Del(context.Background(), p.key)

	a, err := p.Assign()
	if err != nil {
		t.Fatalf("Assign() error = %v", err)
	}
	b, err := p.Assign()
	if err != nil {
		t.Fatalf("Assign() error = %v", err)
	}
	if a == b {
		t.Fatalf("Assign() returned the same prefix twice: %d", a)
	}

	p.Release(a)
	c, err := p.Assign()
	if err != nil {
		t.Fatalf("Assign() error = %v", err)
	}
	if c != a {
		t.Errorf("expected released prefix %d to be reused, got %d", a, c)
	}
}

func TestPoolRejectsInvalidWidth(t *testing.T) {
	if _, err := New(Config{Addr: "127.0.0.1:6379"}, 0); err == nil {
		t.Error("expected an error for width 0")
	}
	if _, err := New(Config{Addr: "127.0.0.1:6379"}, 5); err == nil {
		t.Error("expected an error for width 5")
	}
}
