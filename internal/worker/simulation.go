package worker

import (
	"context"
	"math"
	"math/big"
	"math/rand"
	"time"

	"github.com/kadena-io/chainweb-mining-client/internal/chainweb"
	"github.com/kadena-io/chainweb-mining-client/pkg/log"
)

// pseudoRand is a package-level, unseeded-security, timing-only source of
// randomness for the simulation worker's exponential sampler.
var pseudoRand = rand.New(rand.NewSource(0xC0FFEE))

// SimulationWorker never hashes. It samples a waiting time from the
// exponential distribution that a real Poisson mining process would
// produce at a configured hashrate, sleeps that long, then returns a Work
// whose nonce is a monotonically increasing counter. Used for load-testing
// the Stratum server and coordinator without burning CPU.
type SimulationWorker struct {
	hashrate float64 // hashes per second
	rng      func() float64
	nonce    chainweb.Nonce
	logger   *log.Logger
}

// maxTargetValue is 2^256 - 1, the numeric value of chainweb.MaxTarget.
var maxTargetValue = func() *big.Int {
	v := new(big.Int).Lsh(big.NewInt(1), 256)
	return v.Sub(v, big.NewInt(1))
}()

// NewSimulation creates a SimulationWorker sampling from an exponential
// distribution with the given hashrate (hashes/second). rng, if non-nil,
// overrides the source of uniform randoms in [0,1) for deterministic
// tests; nil uses this package's fixed-seed pseudoRand source.
func NewSimulation(hashrate float64, rng func() float64, logger *log.Logger) *SimulationWorker {
	if rng == nil {
		rng = defaultUniform
	}
	return &SimulationWorker{
		hashrate: hashrate,
		rng:      rng,
		logger:   logger.WithComponent("simulation-worker"),
	}
}

// Mine implements Worker. The expected waiting time is
// 2^256 / (hashrate * targetValue), i.e. the inverse of the probability
// that a single random 256-bit digest meets target, divided by the rate
// at which digests are produced.
func (s *SimulationWorker) Mine(ctx context.Context, work chainweb.Work, target chainweb.Target) (chainweb.MiningResult, error) {
	targetValue := targetToBigInt(target)
	if targetValue.Sign() <= 0 {
		targetValue = big.NewInt(1) // a zero target is never met by real hashing; simulate it as "astronomically hard" rather than divide by zero
	}

	probability := new(big.Float).Quo(new(big.Float).SetInt(targetValue), new(big.Float).SetInt(maxTargetValue))
	p, _ := probability.Float64()
	if p <= 0 {
		p = math.SmallestNonzeroFloat64
	}

	meanSeconds := 1.0 / (s.hashrate * p)
	u := s.rng()
	if u <= 0 {
		u = math.SmallestNonzeroFloat64
	}
	waitSeconds := -meanSeconds * math.Log(u)
	wait := time.Duration(math.MaxInt64) // waits too long for a Duration saturate instead of overflowing
	if waitSeconds < float64(math.MaxInt64)/float64(time.Second) {
		wait = time.Duration(waitSeconds * float64(time.Second))
	}

	select {
	case <-time.After(wait):
	case <-ctx.Done():
		return chainweb.MiningResult{}, ctx.Err()
	}

	s.nonce = s.nonce.Next()
	solved := work.WithNonce(s.nonce)
	return chainweb.MiningResult{Work: solved, Digest: chainweb.Digest(solved)}, nil
}

func targetToBigInt(t chainweb.Target) *big.Int {
	be := make([]byte, chainweb.TargetSize)
	for i, b := range t.Bytes() {
		be[chainweb.TargetSize-1-i] = b
	}
	return new(big.Int).SetBytes(be)
}

func defaultUniform() float64 {
	// Fixed-seed, package-level source; simulation timing is never
	// security-sensitive.
	return pseudoRand.Float64()
}
