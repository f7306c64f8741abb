// Package redisnoncepool implements a stratum.NoncePool backed by Redis
// bitset commands, letting several Stratum front-end processes share one
// Nonce1 prefix space instead of each owning its own in-memory pool. The
// connection shape (dial/pool tuning, ping-on-connect) is adapted from the
// mining pool's own internal/database/redis client; what that client
// lacked -- bitset-based slot assignment -- is new here.
package redisnoncepool

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kadena-io/chainweb-mining-client/internal/stratum"
	"github.com/kadena-io/chainweb-mining-client/pkg/errors"
)

const (
	pingTimeout       = 5 * time.Second
	opTimeout         = 2 * time.Second
	maxAssignAttempts = 8
)

// Config configures a Pool. The connection-tuning fields mirror the pool
// server's own Redis client config: PoolSize/MinIdleConns/MaxRetries and
// the three timeouts are passed straight through to redis.Options, so a
// deployment can reuse the same tuning it already applies there.
type Config struct {
	Addr     string
	Password string
	DB       int
	// Key is the Redis key holding the shared bitset. Instances that should
	// share a prefix space must use the same Key.
	Key string

	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Pool is a stratum.NoncePool whose bitset lives in Redis rather than
// process memory. Assign finds the smallest clear bit with BITPOS and
// claims it with SETBIT, keeping the same "smallest free value" semantics
// as BitsetNoncePool; Release clears the bit with SETBIT.
type Pool struct {
	rdb   *redis.Client
	key   string
	width int
	limit uint32
}

// New creates a Pool of the given Nonce1 byte width, backed by the Redis
// instance described by cfg. It pings the server once to fail fast on a
// bad address.
func New(cfg Config, width int) (*Pool, error) {
	if width < 1 || width > 4 {
		return nil, fmt.Errorf("redisnoncepool: width must be 1..4 bytes, got %d", width)
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeNetwork, "redisnoncepool_connect", "failed to ping redis")
	}

	limit := uint32(1)<<(uint(width)*8) - 1 // largest prefix value of this width; Assign treats positions above it as exhaustion
	key := cfg.Key
	if key == "" {
		key = "chainweb-mining-client:nonce1"
	}
	return &Pool{rdb: rdb, key: key, width: width, limit: limit}, nil
}

// Close releases the underlying Redis connection.
func (p *Pool) Close() error {
	return p.rdb.Close()
}

// Health checks Redis connectivity, matching the pool server's own
// client.Health.
func (p *Pool) Health(ctx context.Context) error {
	return p.rdb.Ping(ctx).Err()
}

// Width implements stratum.NoncePool.
func (p *Pool) Width() int {
	return p.width
}

// Assign implements stratum.NoncePool: it finds the lowest clear bit via
// BITPOS and atomically claims it with SETBIT, retrying on a lost race
// against another instance.
func (p *Pool) Assign() (uint32, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	for attempt := 0; attempt < maxAssignAttempts; attempt++ {
		pos, err := p.rdb.BitPos(ctx, p.key, 0).Result()
		if err != nil {
			return 0, errors.Wrap(err, errors.ErrorTypeNetwork, "redisnoncepool_assign", "bitpos failed")
		}
		if pos < 0 || uint32(pos) > p.limit {
			return 0, stratum.ErrNoncePoolExhausted
		}

		prev, err := p.rdb.SetBit(ctx, p.key, pos, 1).Result()
		if err != nil {
			return 0, errors.Wrap(err, errors.ErrorTypeNetwork, "redisnoncepool_assign", "setbit failed")
		}
		if prev == 0 {
			return uint32(pos), nil
		}
		// another instance claimed it between our BITPOS and SETBIT; retry
	}
	return 0, errors.New(errors.ErrorTypeNetwork, "redisnoncepool_assign", "too many contended assign attempts")
}

// Release implements stratum.NoncePool.
func (p *Pool) Release(v uint32) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	p.rdb.SetBit(ctx, p.key, int64(v), 0)
}

var _ stratum.NoncePool = (*Pool)(nil)
