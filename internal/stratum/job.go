package stratum

import (
	"encoding/binary"
	"encoding/hex"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kadena-io/chainweb-mining-client/internal/chainweb"
)

// Job is a per-session unit of work: a Work template with the session's
// Nonce1 prefix already spliced in (Nonce2 bytes left zero), paired with
// the target the session must validate shares against.
type Job struct {
	ID     string
	Work   chainweb.Work
	Target chainweb.Target
	// Generation ties a Job back to the Mine() call (work template) that
	// produced it, so a share accepted after the coordinator has already
	// moved on to a new template is not mistaken for a solution to the
	// current one.
	Generation uint64
	// CreatedAt records when this job was pushed, so the validation
	// pipeline can reject shares submitted against a job that has aged
	// out (independent of the bounded job-store eviction below).
	CreatedAt time.Time
}

// jobIDCounter issues monotonically increasing, hex-encoded job ids shared
// across all sessions; per-session monotonicity (required by §3) is a
// corollary of a single global monotonic counter.
var jobIDCounter uint64

// nextJobID returns the next job id as an 8-hex-digit string.
func nextJobID() string {
	n := atomic.AddUint64(&jobIDCounter, 1)
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(n))
	return hex.EncodeToString(buf[:])
}

// maxPendingJobs bounds how many jobs a session remembers; older jobs are
// evicted on a FIFO basis per §3.
const maxPendingJobs = 8

// maxSeenShares bounds the duplicate-share detection set per job. Every
// submission that reaches the duplicate check is recorded, whether or not
// it is then accepted; beyond this many for one job, the set evicts the oldest entries
// and re-submissions of an evicted share are treated as new -- an accepted
// tradeoff per §4.4.
const maxSeenShares = 256

// jobStore holds a session's bounded set of pending jobs plus, per job, a
// bounded duplicate-share detector. It is owned by the session's writer
// task; all access happens from the Stratum server's single-writer
// protocol handling, so no internal locking is needed beyond what callers
// already serialize through the session's writer loop. A mutex is kept
// anyway because share validation can race job pushes from the server's
// broadcast goroutine.
type jobStore struct {
	mu      sync.Mutex
	order   []string // insertion order, oldest first
	jobs    map[string]*Job
	seen    map[string]*lruSet // job id -> seen (nonce2) set
}

func newJobStore() *jobStore {
	return &jobStore{
		jobs: make(map[string]*Job),
		seen: make(map[string]*lruSet),
	}
}

// Push adds a job, evicting the oldest if the bounded set is full.
func (s *jobStore) Push(j *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobs[j.ID] = j
	s.seen[j.ID] = newLRUSet(maxSeenShares)
	s.order = append(s.order, j.ID)

	for len(s.order) > maxPendingJobs {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.jobs, oldest)
		delete(s.seen, oldest)
	}
}

// Get looks up a pending job by id.
func (s *jobStore) Get(id string) (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	return j, ok
}

// CheckAndMarkSeen reports whether (jobID, nonce2) has already been seen
// for this session, recording it if not. Returns (alreadySeen, jobKnown).
func (s *jobStore) CheckAndMarkSeen(jobID, nonce2Hex string) (alreadySeen bool, jobKnown bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.seen[jobID]
	if !ok {
		return false, false
	}
	if set.Contains(nonce2Hex) {
		return true, true
	}
	set.Add(nonce2Hex)
	return false, true
}

// lruSet is a fixed-capacity, insertion-order set: once at capacity, the
// oldest member is evicted to admit a new one. Used for bounded
// duplicate-share detection per job (§3, §9).
type lruSet struct {
	cap   int
	order []string
	has   map[string]struct{}
}

func newLRUSet(capacity int) *lruSet {
	return &lruSet{cap: capacity, has: make(map[string]struct{}, capacity)}
}

func (l *lruSet) Contains(v string) bool {
	_, ok := l.has[v]
	return ok
}

func (l *lruSet) Add(v string) {
	if _, ok := l.has[v]; ok {
		return
	}
	l.has[v] = struct{}{}
	l.order = append(l.order, v)
	for len(l.order) > l.cap {
		oldest := l.order[0]
		l.order = l.order[1:]
		delete(l.has, oldest)
	}
}
