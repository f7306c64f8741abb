package chainweb

import "golang.org/x/crypto/blake2s"

// Digest computes the mining digest of a Work: Blake2s-256 over all 286
// bytes, nonce included.
func Digest(w Work) [32]byte {
	return blake2s.Sum256(w[:])
}

// DigestBatch4 computes the mining digest of four Works in one call. It is
// plain loop unrolling, not a SIMD implementation — Go exposes no portable
// SIMD intrinsics without hand-written assembly — but it still pays off by
// amortizing loop and bounds-check overhead across four hashes and giving
// the scheduler a wider block of uninterrupted work between cancellation
// checks. Every digest is bit-identical to Digest called individually.
func DigestBatch4(ws [4]Work) [4][32]byte {
	return [4][32]byte{
		blake2s.Sum256(ws[0][:]),
		blake2s.Sum256(ws[1][:]),
		blake2s.Sum256(ws[2][:]),
		blake2s.Sum256(ws[3][:]),
	}
}
