package stratum

import (
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/kadena-io/chainweb-mining-client/internal/chainweb"
)

// DifficultyMode selects how a session's mining target is derived from the
// job (work) target, per §4.4.
type DifficultyMode int

const (
	// DifficultyBlock: session target equals the job target. No per-share
	// difficulty below the network's own.
	DifficultyBlock DifficultyMode = iota
	// DifficultyFixed: session target is a fixed 2^256/2^Level regardless
	// of hashrate.
	DifficultyFixed
	// DifficultyPeriod: session target is continuously retargeted to aim
	// for one accepted share roughly every Period seconds.
	DifficultyPeriod
)

// maxShareWindow bounds the ring buffer of recent share timestamps used
// for hashrate estimation (§3: "bounded ring buffer").
const maxShareWindow = 32

// minSamplesForEstimate is the minimum number of timestamps in the window
// before a hashrate estimate is trusted (§4.4: "n >= 4").
const minSamplesForEstimate = 4

// retargetEveryShares recomputes the session target every M accepted
// shares in Period mode (§4.4: "e.g. every 8").
const retargetEveryShares = 8

// maxTargetValue is the numeric value of chainweb.MaxTarget (2^256 - 1),
// used as the ceiling when clamping a retargeted session target.
var maxTargetValue = func() *big.Int {
	v := new(big.Int).Lsh(big.NewInt(1), 256)
	return v.Sub(v, big.NewInt(1))
}()

// DifficultyManager computes and tracks the mining target assigned to one
// Stratum session, independent of the job (work) target, per the three
// modes in §4.4.
type DifficultyManager struct {
	mode  DifficultyMode
	level int           // DifficultyFixed: 2^256/2^level
	period time.Duration // DifficultyPeriod: target seconds-per-share

	mu         sync.Mutex
	jobTarget  chainweb.Target
	current    chainweb.Target
	timestamps []time.Time
	sinceRetarget int
}

// NewDifficultyManager creates a manager for the given mode. level is only
// consulted for DifficultyFixed; period only for DifficultyPeriod.
func NewDifficultyManager(mode DifficultyMode, level int, period time.Duration) *DifficultyManager {
	return &DifficultyManager{mode: mode, level: level, period: period}
}

// SetJobTarget updates the job (work) target a new job carries. In Block
// mode this also becomes the session target immediately. In Fixed and
// Period mode the session target is clamped to never be harder than the
// job target (a share may be easier than a block solution, but a session
// is never asked for more work than the job itself needs). changed reports
// whether the session target differs from its previous value.
func (m *DifficultyManager) SetJobTarget(t chainweb.Target) (changed bool, newTarget chainweb.Target) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.jobTarget = t
	prev := m.current
	switch m.mode {
	case DifficultyBlock:
		m.current = t
		return m.current != prev, m.current
	case DifficultyFixed:
		m.current = fixedLevelTarget(m.level)
	case DifficultyPeriod:
		if (m.current == chainweb.Target{}) {
			m.current = t
		}
	}

	if targetToBig(m.current).Cmp(targetToBig(t)) < 0 {
		// current session target is harder than the new job target; clamp.
		m.current = t
	}
	return m.current != prev, m.current
}

// Current returns the session's current mining target.
func (m *DifficultyManager) Current() chainweb.Target {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// RecordShare appends now to the share-timestamp ring buffer and, in
// Period mode, retargets every retargetEveryShares accepted shares.
// Returns (changed, newTarget) exactly like SetJobTarget.
func (m *DifficultyManager) RecordShare(now time.Time) (changed bool, newTarget chainweb.Target) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.timestamps = append(m.timestamps, now)
	if len(m.timestamps) > maxShareWindow {
		m.timestamps = m.timestamps[len(m.timestamps)-maxShareWindow:]
	}

	if m.mode != DifficultyPeriod {
		return false, m.current
	}

	m.sinceRetarget++
	if m.sinceRetarget < retargetEveryShares {
		return false, m.current
	}
	m.sinceRetarget = 0

	hashrate, ok := m.estimateHashrateLocked()
	if !ok {
		return false, m.current
	}

	retargeted := periodTarget(hashrate, m.period)
	clamped := clampTarget(retargeted, m.jobTarget)
	changed = clamped != m.current
	m.current = clamped
	return changed, m.current
}

// EstimateHashrate returns the current hashrate estimate in hashes/second:
// (n-1) shares over the window's elapsed time, divided by the probability
// that one hash meets the session target. The estimate is not smoothed;
// each call uses only the timestamps currently in the window.
func (m *DifficultyManager) EstimateHashrate() (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.estimateHashrateLocked()
}

func (m *DifficultyManager) estimateHashrateLocked() (float64, bool) {
	n := len(m.timestamps)
	if n < minSamplesForEstimate {
		return 0, false
	}
	first, last := m.timestamps[0], m.timestamps[n-1]
	elapsed := last.Sub(first).Seconds()
	if elapsed <= 0 {
		return 0, false
	}
	targetVal := targetToBig(m.current)
	tv := new(big.Float).SetInt(targetVal)
	probability := new(big.Float).Quo(tv, new(big.Float).SetInt(maxTargetValue))
	p, _ := probability.Float64()
	if p <= 0 {
		return 0, false
	}
	sharesPerSecond := float64(n-1) / elapsed
	hashrate := sharesPerSecond / p
	return hashrate, true
}

// fixedLevelTarget returns 2^256 / 2^level, i.e. the top `level` bits of a
// 256-bit value must be zero.
func fixedLevelTarget(level int) chainweb.Target {
	if level <= 0 {
		return chainweb.MaxTarget
	}
	v := new(big.Int).Lsh(big.NewInt(1), uint(256-level))
	v.Sub(v, big.NewInt(1))
	return bigToTarget(v)
}

// periodTarget chooses a target so that, at the given hashrate, the
// expected time to find one share is approximately `period`:
// target = (2^256-1) / (hashrate * period_seconds), i.e. a per-hash success
// probability of one in hashrate*period (see §4.4).
func periodTarget(hashrate float64, period time.Duration) chainweb.Target {
	if hashrate <= 0 {
		return chainweb.MaxTarget
	}
	expectedHashesPerShare := hashrate * period.Seconds()
	if expectedHashesPerShare <= 0 {
		return chainweb.MaxTarget
	}
	// probability per hash = 1 / expectedHashesPerShare; target = probability * maxTargetValue
	prob := new(big.Float).Quo(big.NewFloat(1), big.NewFloat(expectedHashesPerShare))
	tv := new(big.Float).Mul(prob, new(big.Float).SetInt(maxTargetValue))
	result, _ := tv.Int(nil)
	if result == nil {
		return chainweb.MaxTarget
	}
	return bigToTarget(result)
}

// clampTarget bounds t to [floor, 2^256-1]: a session target may never be
// harder (numerically smaller) than the job target it's ultimately
// submitted against, nor larger than 2^256-1.
func clampTarget(t, floor chainweb.Target) chainweb.Target {
	tv := targetToBig(t)
	fv := targetToBig(floor)
	if tv.Cmp(fv) < 0 {
		return floor
	}
	if tv.Cmp(maxTargetValue) > 0 {
		return chainweb.MaxTarget
	}
	return t
}

func targetToBig(t chainweb.Target) *big.Int {
	be := make([]byte, chainweb.TargetSize)
	b := t.Bytes()
	for i, v := range b {
		be[chainweb.TargetSize-1-i] = v
	}
	return new(big.Int).SetBytes(be)
}

// PdiffFromTarget computes ceil(log2(2^256 / target)), the scalar
// difficulty encoding some Stratum clients expect for mining.set_difficulty
// (§6, §10).
func PdiffFromTarget(t chainweb.Target) float64 {
	tv := targetToBig(t)
	if tv.Sign() <= 0 {
		return 256 // a zero target is maximally difficult
	}
	ratio := new(big.Float).Quo(new(big.Float).SetInt(maxTargetValue), new(big.Float).SetInt(tv))
	f, _ := ratio.Float64()
	if f <= 0 {
		return 0
	}
	return math.Ceil(math.Log2(f))
}

func bigToTarget(v *big.Int) chainweb.Target {
	be := v.FillBytes(make([]byte, chainweb.TargetSize))
	var t chainweb.Target
	for i := 0; i < chainweb.TargetSize; i++ {
		t[i] = be[chainweb.TargetSize-1-i]
	}
	return t
}
