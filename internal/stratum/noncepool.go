package stratum

import (
	"fmt"
	"sync"
)

// NoncePool assigns and releases Nonce1 prefixes for Stratum sessions. A
// Nonce1 is a 1..7-byte prefix of the 8-byte nonce space; the remaining
// bytes (Nonce2) are chosen by the client. Implementations must guarantee
// that no two concurrently-live sessions hold the same prefix.
type NoncePool interface {
	// Width is the configured prefix width in bytes.
	Width() int
	// Assign returns the smallest free prefix value, or an error if the
	// pool is exhausted.
	Assign() (uint32, error)
	// Release returns a previously assigned prefix to the free pool.
	Release(uint32)
}

// ErrNoncePoolExhausted is returned by Assign when every prefix value of
// the configured width is currently held by a live session. Per §9's open
// question, this implementation rejects new connections rather than
// queuing them.
var ErrNoncePoolExhausted = fmt.Errorf("stratum: nonce1 pool exhausted")

// BitsetNoncePool is a mutex-guarded bitset over the 2^(width*8) index
// space, as recommended in §9: widths of 1 or 2 bytes keep the bitset at
// about 8 KiB at most; width 3 takes 2 MiB and width 4 takes 512 MiB.
type BitsetNoncePool struct {
	width int
	size  uint32 // 2^(width*8); 0 for width 4, where 2^32 does not fit in uint32

	mu     sync.Mutex
	used   []uint64 // bitset, one bit per index
	cursor uint32   // smallest index that might be free; monotonically advances on Assign
}

// NewBitsetNoncePool creates a pool of Nonce1 prefixes of the given byte
// width. width must be in 1..4 (a width of 4 already yields a 4-billion
// slot space, far beyond any realistic concurrent session count).
func NewBitsetNoncePool(width int) (*BitsetNoncePool, error) {
	if width < 1 || width > 4 {
		return nil, fmt.Errorf("stratum: nonce1 width must be 1..4 bytes, got %d", width)
	}
	var size uint32
	if width == 4 {
		size = 0 // special-cased below: 2^32 doesn't fit in uint32
	} else {
		size = uint32(1) << (uint(width) * 8)
	}
	words := int(size)/64 + 1
	if width == 4 {
		words = (1 << 26) // 2^32 bits / 64 = 2^26 words (512MiB) -- only reached if operators truly configure width=4
	}
	return &BitsetNoncePool{
		width: width,
		size:  size,
		used:  make([]uint64, words),
	}, nil
}

// Width implements NoncePool.
func (p *BitsetNoncePool) Width() int {
	return p.width
}

// Assign implements NoncePool: smallest free value, per §4.4.
func (p *BitsetNoncePool) Assign() (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	limit := p.limit()
	for i := p.cursor; i < limit; i++ {
		word, bit := i/64, i%64
		if p.used[word]&(1<<bit) == 0 {
			p.used[word] |= 1 << bit
			p.cursor = i + 1
			return i, nil
		}
	}
	// cursor advanced past a previously-released low index; do a full scan
	// before declaring exhaustion.
	for i := uint32(0); i < limit; i++ {
		word, bit := i/64, i%64
		if p.used[word]&(1<<bit) == 0 {
			p.used[word] |= 1 << bit
			p.cursor = i + 1
			return i, nil
		}
	}
	return 0, ErrNoncePoolExhausted
}

// Release implements NoncePool.
func (p *BitsetNoncePool) Release(v uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()

	word, bit := v/64, v%64
	if int(word) >= len(p.used) {
		return
	}
	p.used[word] &^= 1 << bit
	if v < p.cursor {
		p.cursor = v
	}
}

func (p *BitsetNoncePool) limit() uint32 {
	if p.width == 4 {
		return ^uint32(0) // 2^32-1; the all-ones prefix is reserved as "never assigned" to keep size arithmetic in uint32
	}
	return p.size
}
