// Package chainweb defines the binary work/target/nonce data model shared by
// the node client, the worker implementations, and the Stratum server.
package chainweb

import (
	"encoding/binary"
	"fmt"
)

// WorkSize is the fixed length of a Chainweb block header blob as seen by
// the mining client. Everything outside the nonce field is opaque and must
// be preserved byte-for-byte.
const WorkSize = 286

// NonceOffset is the byte offset of the 8-byte little-endian nonce field
// within a Work.
const NonceOffset = 278

// TargetSize is the length of a 256-bit little-endian target.
const TargetSize = 32

// Work is a candidate Chainweb block header. It is value-typed and cheaply
// copied; the zero value is 286 zero bytes, which is a legal (if trivial)
// Work.
type Work [WorkSize]byte

// ParseWork copies a 286-byte slice into a Work. It fails if the slice is
// not exactly WorkSize bytes.
func ParseWork(b []byte) (Work, error) {
	var w Work
	if len(b) != WorkSize {
		return w, fmt.Errorf("chainweb: work must be %d bytes, got %d", WorkSize, len(b))
	}
	copy(w[:], b)
	return w, nil
}

// Bytes returns the work's underlying bytes as a freshly allocated slice.
func (w Work) Bytes() []byte {
	out := make([]byte, WorkSize)
	copy(out, w[:])
	return out
}

// Nonce reads the 8-byte little-endian nonce field.
func (w Work) Nonce() Nonce {
	return Nonce(binary.LittleEndian.Uint64(w[NonceOffset : NonceOffset+8]))
}

// WithNonce returns a copy of w with the nonce field overwritten. w itself
// is never mutated.
func (w Work) WithNonce(n Nonce) Work {
	out := w
	binary.LittleEndian.PutUint64(out[NonceOffset:NonceOffset+8], uint64(n))
	return out
}

// SetNonce overwrites the nonce field of w in place. Callers that must not
// mutate a shared Work should operate on a copy (Work is a value type, so
// assignment already copies it).
func (w *Work) SetNonce(n Nonce) {
	binary.LittleEndian.PutUint64(w[NonceOffset:NonceOffset+8], uint64(n))
}

// Nonce is the 64-bit little-endian nonce a worker varies while searching
// for a meeting digest.
type Nonce uint64

// Next returns n+1, wrapping modulo 2^64.
func (n Nonce) Next() Nonce {
	return n + 1
}

// Add returns n+delta, wrapping modulo 2^64.
func (n Nonce) Add(delta uint64) Nonce {
	return Nonce(uint64(n) + delta)
}

// ChainId identifies one of Chainweb's (currently at most 20) parallel
// chains. Valid range is 0..19 inclusive.
type ChainId uint16

// MaxChainId is the highest ChainId currently defined by any deployed
// Chainweb version.
const MaxChainId ChainId = 19

// Valid reports whether c is within the defined chain range.
func (c ChainId) Valid() bool {
	return c <= MaxChainId
}

// Target is a 256-bit little-endian upper bound. A digest h meets a target
// t iff the 256-bit little-endian integers compare h <= t, i.e. byte 31
// (the most significant byte) is compared first.
type Target [TargetSize]byte

// ParseTarget copies a 32-byte slice into a Target.
func ParseTarget(b []byte) (Target, error) {
	var t Target
	if len(b) != TargetSize {
		return t, fmt.Errorf("chainweb: target must be %d bytes, got %d", TargetSize, len(b))
	}
	copy(t[:], b)
	return t, nil
}

// MaxTarget is the easiest possible target: every digest meets it.
var MaxTarget = func() Target {
	var t Target
	for i := range t {
		t[i] = 0xFF
	}
	return t
}()

// Bytes returns the target's underlying bytes as a freshly allocated slice.
func (t Target) Bytes() []byte {
	out := make([]byte, TargetSize)
	copy(out, t[:])
	return out
}

// Meets reports whether digest (32 bytes) meets target t: numerically,
// when both are read as little-endian 256-bit integers, digest <= t. The
// comparison walks from the most-significant byte (index 31) down to byte
// 0, which is equivalent to and cheaper than materializing big.Int values.
func (t Target) Meets(digest [32]byte) bool {
	for i := TargetSize - 1; i >= 0; i-- {
		if digest[i] < t[i] {
			return true
		}
		if digest[i] > t[i] {
			return false
		}
	}
	return true // exactly equal
}

// MiningResult pairs a solved Work with the digest that was found to meet
// the target it was mined against.
type MiningResult struct {
	Work   Work
	Digest [32]byte
}
