package stratum

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kadena-io/chainweb-mining-client/internal/chainweb"
	"github.com/kadena-io/chainweb-mining-client/internal/validation"
	"github.com/kadena-io/chainweb-mining-client/pkg/log"
)

// Config configures a Server.
type Config struct {
	// ListenAddr is the interface:port to accept miner connections on,
	// e.g. "0.0.0.0:1917".
	ListenAddr string
	// Nonce1Width is the byte width of the server-assigned Nonce1 prefix
	// (1..7 per §3; this implementation allows 1..4).
	Nonce1Width int
	// DifficultyMode, DifficultyLevel, DifficultyPeriod select one of the
	// three modes in §4.4.
	DifficultyMode   DifficultyMode
	DifficultyLevel  int
	DifficultyPeriod time.Duration
	// DifficultyEncoding selects the mining.set_difficulty wire encoding.
	DifficultyEncoding DifficultyEncoding
	// NotifyInterval throttles job refresh emission (§4.4, default 1s).
	NotifyInterval time.Duration
	// ReadTimeout/WriteTimeout bound per-session socket I/O.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// MaxJobAge bounds how long a pushed job remains submittable before the
	// validation pipeline rejects shares against it as stale. <= 0 uses
	// validation.DefaultMaxJobAge.
	MaxJobAge time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:       "0.0.0.0:1917",
		Nonce1Width:      2,
		DifficultyMode:   DifficultyBlock,
		NotifyInterval:   1 * time.Second,
		ReadTimeout:      10 * time.Minute,
		WriteTimeout:     10 * time.Second,
		MaxJobAge:        validation.DefaultMaxJobAge,
	}
}

// Server is the Stratum TCP front end. From the coordinator's point of
// view it implements worker.Worker: Mine pushes a work template to every
// connected session and blocks until one of them submits a share meeting
// the work (job) target.
type Server struct {
	cfg       Config
	logger    *log.Logger
	noncePool NoncePool
	listener  net.Listener

	mu       sync.RWMutex
	sessions map[string]*Session
	wg       sync.WaitGroup

	mineMu      sync.Mutex
	currentWork chainweb.Work
	currentTgt  chainweb.Target
	generation  uint64
	solutions   chan chainweb.MiningResult

	broadcastCh chan broadcastRequest
	nextSession uint64 // accessed only via atomic ops

	telemetry Telemetry
	validator *validation.Validator
}

// Telemetry receives fire-and-forget observability events from a Server. A
// nil Telemetry (the default) means no sink is wired; implementations must
// not block the caller, matching the no-persisted-mining-state guarantee
// that losing telemetry never affects mining decisions.
type Telemetry interface {
	ObserveShare(sessionID, workerName string, difficulty float64, accepted bool)
	ObserveBlockSolved(sessionID, workerName string, chainID uint32)
}

// SetTelemetry wires an optional observability sink. It must be called
// before Start to avoid a race with handleSubmit.
func (s *Server) SetTelemetry(t Telemetry) {
	s.telemetry = t
}

type broadcastRequest struct {
	work chainweb.Work
	tgt  chainweb.Target
	gen  uint64
}

// NewServer creates a Stratum server backed by an in-memory Nonce1 pool. It
// does not start listening until Start is called.
func NewServer(cfg Config, logger *log.Logger) (*Server, error) {
	pool, err := NewBitsetNoncePool(cfg.Nonce1Width)
	if err != nil {
		return nil, err
	}
	return NewServerWithPool(cfg, pool, logger), nil
}

// NewServerWithPool creates a Stratum server backed by a caller-supplied
// NoncePool, e.g. a Redis-backed pool shared across several Stratum
// front-end processes (see internal/telemetry/redisnoncepool).
func NewServerWithPool(cfg Config, pool NoncePool, logger *log.Logger) *Server {
	if cfg.NotifyInterval <= 0 {
		cfg.NotifyInterval = 1 * time.Second
	}
	return &Server{
		cfg:         cfg,
		logger:      logger.WithComponent("stratum"),
		noncePool:   pool,
		sessions:    make(map[string]*Session),
		solutions:   make(chan chainweb.MiningResult, 1),
		broadcastCh: make(chan broadcastRequest, 1),
		validator:   validation.NewValidator(cfg.MaxJobAge),
	}
}

// Start opens the listener and accepts connections until ctx is
// cancelled. It also runs the throttled job-broadcast loop. Callers
// typically run Start in its own goroutine alongside Mine calls.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("stratum: failed to listen on %s: %w", s.cfg.ListenAddr, err)
	}
	s.listener = listener
	s.logger.Info("stratum server listening", "address", s.cfg.ListenAddr)

	go s.broadcastLoop(ctx)

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				s.logger.WithError(err).Error("accept failed")
				continue
			}
		}
		s.wg.Add(1)
		go s.handleConnection(ctx, conn)
	}
}

// Shutdown closes the listener and every live session, then waits (up to
// ctx's deadline) for their goroutines to exit.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.listener != nil {
		_ = s.listener.Close()
	}

	s.mu.RLock()
	for _, sess := range s.sessions {
		sess.Close()
	}
	s.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Mine implements worker.Worker. It is the Stratum server's bridge back
// into the coordinator's generic worker model (§4.2): push the template to
// every session, then block for the first share that meets the work
// target, cancellation, or (transitively, via ctx) preemption.
func (s *Server) Mine(ctx context.Context, work chainweb.Work, target chainweb.Target) (chainweb.MiningResult, error) {
	s.mineMu.Lock()
	s.currentWork = work
	s.currentTgt = target
	s.generation++
	gen := s.generation
	s.mineMu.Unlock()

	// Drain any stale solution left over from a prior, now-abandoned round.
	select {
	case <-s.solutions:
	default:
	}

	select {
	case s.broadcastCh <- broadcastRequest{work: work, tgt: target, gen: gen}:
	default:
		// A broadcast is already pending; the newest request always wins
		// because broadcastLoop re-reads the channel before each flush.
		select {
		case <-s.broadcastCh:
		default:
		}
		s.broadcastCh <- broadcastRequest{work: work, tgt: target, gen: gen}
	}

	select {
	case res := <-s.solutions:
		return res, nil
	case <-ctx.Done():
		return chainweb.MiningResult{}, ctx.Err()
	}
}

// broadcastLoop throttles job emission to at most one per NotifyInterval,
// coalescing faster arrivals into the latest template (§4.4).
func (s *Server) broadcastLoop(ctx context.Context) {
	var last time.Time
	var pending *broadcastRequest

	for {
		if pending == nil {
			select {
			case req := <-s.broadcastCh:
				pending = &req
			case <-ctx.Done():
				return
			}
		}

		wait := s.cfg.NotifyInterval - time.Since(last)
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case req := <-s.broadcastCh:
				pending = &req
				timer.Stop()
				continue
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return
			}
		}

		s.broadcastToAll(pending.work, pending.tgt, pending.gen)
		last = time.Now()
		pending = nil
	}
}

func (s *Server) broadcastToAll(work chainweb.Work, target chainweb.Target, gen uint64) {
	s.mu.RLock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if sess.IsAuthorized() {
			sessions = append(sessions, sess)
		}
	}
	s.mu.RUnlock()

	if len(sessions) == 0 {
		return
	}
	s.logger.Info("broadcasting job", "session_count", len(sessions))
	for _, sess := range sessions {
		s.pushJob(sess, work, target, gen, true)
	}
}

// pushJob constructs a session-specific Job (Nonce1 spliced in, Nonce2
// zeroed), records it in the session's bounded job set, and sends
// mining.set_difficulty (if the session target changed) followed by
// mining.notify, in that order, over the session's single writer.
func (s *Server) pushJob(sess *Session, work chainweb.Work, target chainweb.Target, gen uint64, cleanJobs bool) {
	nonce1, width := sess.Nonce1()
	templated := spliceNonce1(work, nonce1, width)

	job := &Job{ID: nextJobID(), Work: templated, Target: target, Generation: gen, CreatedAt: time.Now()}
	sess.Jobs().Push(job)

	diff := sess.Difficulty()
	if changed, sessTarget := diff.SetJobTarget(target); changed {
		if err := s.sendDifficulty(sess, sessTarget); err != nil {
			s.logger.WithError(err).Warn("failed to send difficulty")
		}
	}

	workHex := hex.EncodeToString(templated.Bytes())
	targetHex := hex.EncodeToString(diff.Current().Bytes())
	jobLogger := s.logger.WithJob(job.ID, 0)
	if err := sess.SendNotification("mining.notify", NotifyParams(job.ID, workHex, targetHex, cleanJobs)); err != nil {
		jobLogger.WithError(err).Warn("failed to send job notification")
	} else {
		jobLogger.Debug("job notification sent", "worker_name", sess.WorkerName())
	}
}

func (s *Server) sendDifficulty(sess *Session, target chainweb.Target) error {
	switch s.cfg.DifficultyEncoding {
	case EncodingTargetHex:
		return sess.SendNotification("mining.set_difficulty", []any{hex.EncodeToString(target.Bytes())})
	default:
		return sess.SendNotification("mining.set_difficulty", []any{PdiffFromTarget(target)})
	}
}

// spliceNonce1 writes nonce1 (width bytes) into the high-order bytes of
// the 8-byte nonce field and zeroes the remaining Nonce2 bytes, per §3/§4.4.
func spliceNonce1(work chainweb.Work, nonce1 uint32, width int) chainweb.Work {
	nonce2Width := 8 - width
	value := uint64(nonce1) << (uint(nonce2Width) * 8)
	return work.WithNonce(chainweb.Nonce(value))
}

// spliceNonce1And2 reconstructs the full 8-byte nonce from the session's
// Nonce1 prefix and the client-supplied Nonce2 bytes.
func spliceNonce1And2(nonce1 uint32, width int, nonce2 []byte) (chainweb.Nonce, error) {
	nonce2Width := 8 - width
	if len(nonce2) != nonce2Width {
		return 0, fmt.Errorf("stratum: nonce2 must be %d bytes, got %d", nonce2Width, len(nonce2))
	}
	var padded [8]byte
	binary.BigEndian.PutUint32(padded[0:4], nonce1<<(8*uint(4-width)))
	copy(padded[width:], nonce2)
	value := binary.BigEndian.Uint64(padded[:])
	return chainweb.Nonce(value), nil
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	id := fmt.Sprintf("sess-%d", atomic.AddUint64(&s.nextSession, 1))
	sess := NewSession(id, conn, s.logger, s.cfg.ReadTimeout, s.cfg.WriteTimeout)

	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.sessions, id)
		s.mu.Unlock()

		if n1, w := sess.Nonce1(); w > 0 {
			s.noncePool.Release(n1)
		}
	}()

	handler := &serverHandler{server: s}
	if err := sess.Start(ctx, handler); err != nil && err != context.Canceled {
		s.logger.WithError(err).Debug("session ended")
	}
}

// serverHandler implements MessageHandler, dispatching the three client
// request methods per §4.4/§6.
type serverHandler struct {
	server *Server
}

func (h *serverHandler) HandleMessage(ctx context.Context, sess *Session, msg *Message) error {
	if !msg.IsRequest() {
		return nil
	}
	switch msg.Method {
	case "mining.subscribe":
		return h.handleSubscribe(sess, msg)
	case "mining.authorize":
		return h.handleAuthorize(sess, msg)
	case "mining.submit":
		return h.handleSubmit(sess, msg)
	default:
		return sess.SendError(msg.ID, ErrorOther, "unknown method")
	}
}

func (h *serverHandler) handleSubscribe(sess *Session, msg *Message) error {
	req, _ := ParseSubscribeRequest(msg.Params)
	sess.SetWorkerName(req.Agent)

	nonce1, err := h.server.noncePool.Assign()
	if err != nil {
		_ = sess.SendError(msg.ID, ErrorOther, "nonce pool exhausted")
		sess.Close()
		return err
	}

	diff := NewDifficultyManager(h.server.cfg.DifficultyMode, h.server.cfg.DifficultyLevel, h.server.cfg.DifficultyPeriod)
	sess.Init(nonce1, h.server.cfg.Nonce1Width, diff)
	sess.SetSubscribed()

	nonce2Size := 8 - h.server.cfg.Nonce1Width
	nonce1Hex := hex.EncodeToString(nonce1Bytes(nonce1, h.server.cfg.Nonce1Width))

	result := SubscribeResult{
		Subscriptions: [][2]string{{"mining.notify", sess.ID()}},
		Nonce1Hex:     nonce1Hex,
		Nonce2Size:    nonce2Size,
	}
	return sess.SendResponse(msg.ID, result)
}

func nonce1Bytes(v uint32, width int) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	return buf[4-width:]
}

func (h *serverHandler) handleAuthorize(sess *Session, msg *Message) error {
	if !sess.IsSubscribed() {
		return sess.SendError(msg.ID, ErrorNotSubscribed, "not subscribed")
	}
	req, err := ParseAuthorizeRequest(msg.Params)
	if err != nil {
		return sess.SendError(msg.ID, ErrorOther, "invalid parameters")
	}
	sess.SetUsername(req.Username)
	sess.SetAuthorized()
	h.server.logger.WithMiner(sess.Username(), sess.WorkerName()).Info("worker authorized")
	return sess.SendResponse(msg.ID, true)
}

func (h *serverHandler) handleSubmit(sess *Session, msg *Message) error {
	if !sess.IsSubscribed() {
		return sess.SendError(msg.ID, ErrorNotSubscribed, "not subscribed")
	}
	if !sess.IsAuthorized() {
		return sess.SendError(msg.ID, ErrorUnauthorized, "not authorized")
	}

	req, err := ParseSubmitRequest(msg.Params)
	if err != nil {
		return sess.SendError(msg.ID, ErrorOther, "invalid parameters")
	}

	share := validation.Share{JobID: req.JobID, Nonce2: req.Nonce2}
	if err := h.server.validator.ValidateBasicFields(share); err != nil {
		return sess.SendError(msg.ID, ErrorOther, err.Error())
	}

	job, known := sess.Jobs().Get(req.JobID)
	if !known {
		return sess.SendError(msg.ID, ErrorJobNotFound, "job not found")
	}
	if err := h.server.validator.ValidateJob(share, validation.JobTemplate{ID: job.ID, CreatedAt: job.CreatedAt, Generation: job.Generation}); err != nil {
		return sess.SendError(msg.ID, ErrorJobNotFound, err.Error())
	}

	alreadySeen, jobKnown := sess.Jobs().CheckAndMarkSeen(req.JobID, req.Nonce2)
	if !jobKnown {
		return sess.SendError(msg.ID, ErrorJobNotFound, "job not found")
	}
	if alreadySeen {
		h.server.logger.WithShare(req.Nonce2, PdiffFromTarget(sess.Difficulty().Current())).
			Debug("duplicate share rejected", "job_id", req.JobID)
		return sess.SendError(msg.ID, ErrorDuplicateShare, "duplicate share")
	}

	nonce2, err := hex.DecodeString(req.Nonce2)
	if err != nil {
		return sess.SendError(msg.ID, ErrorOther, "malformed nonce2")
	}
	nonce1, width := sess.Nonce1()
	nonce, err := spliceNonce1And2(nonce1, width, nonce2)
	if err != nil {
		return sess.SendError(msg.ID, ErrorOther, err.Error())
	}

	candidate := job.Work.WithNonce(nonce)
	digest := chainweb.Digest(candidate)

	diff := sess.Difficulty()
	pdiff := PdiffFromTarget(diff.Current())
	if err := h.server.validator.ValidateProofOfWork(digest, diff.Current()); err != nil {
		h.server.observeShare(sess, diff, false)
		h.server.logger.LogShareSubmission(sess.Username(), sess.WorkerName(), job.ID, pdiff, "rejected")
		return sess.SendError(msg.ID, ErrorLowDifficulty, "low difficulty share")
	}
	h.server.observeShare(sess, diff, true)
	h.server.logger.LogShareSubmission(sess.Username(), sess.WorkerName(), job.ID, pdiff, "accepted")

	if err := sess.SendResponse(msg.ID, true); err != nil {
		return err
	}

	if changed, newTarget := diff.RecordShare(time.Now()); changed {
		if err := h.server.sendDifficulty(sess, newTarget); err != nil {
			h.server.logger.WithError(err).Warn("failed to send retargeted difficulty")
		}
	}

	if job.Target.Meets(digest) {
		h.server.mineMu.Lock()
		curGen := h.server.generation
		h.server.mineMu.Unlock()
		if job.Generation == curGen {
			select {
			case h.server.solutions <- chainweb.MiningResult{Work: candidate, Digest: digest}:
			default:
			}
		}
		h.server.observeBlockSolved(sess)
		h.server.logger.LogBlockFound(hex.EncodeToString(digest[:]), 0, sess.Username(), sess.WorkerName(), pdiff)
	}

	return nil
}

// observeShare and observeBlockSolved forward to the optional Telemetry
// sink, doing nothing when none is configured.
func (s *Server) observeShare(sess *Session, diff *DifficultyManager, accepted bool) {
	if s.telemetry == nil {
		return
	}
	s.telemetry.ObserveShare(sess.ID(), sess.WorkerName(), PdiffFromTarget(diff.Current()), accepted)
}

func (s *Server) observeBlockSolved(sess *Session) {
	if s.telemetry == nil {
		return
	}
	// The chain a share's Work belongs to is resolved by the node at
	// GetWork time and never threaded through worker.Worker; callers that
	// need it per-block should correlate on session/time downstream.
	s.telemetry.ObserveBlockSolved(sess.ID(), sess.WorkerName(), 0)
}
