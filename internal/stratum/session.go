package stratum

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/kadena-io/chainweb-mining-client/pkg/log"
)

// SessionState is the lifecycle state machine described in §4.4.
type SessionState int

const (
	StateNew SessionState = iota
	StateSubscribed
	StateAuthorized
	StateClosed
	StateFaulted
)

func (s SessionState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateSubscribed:
		return "subscribed"
	case StateAuthorized:
		return "authorized"
	case StateClosed:
		return "closed"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// Session represents one live Stratum TCP connection: its state machine,
// assigned Nonce1, pending job set, and difficulty manager. It is created
// on accept and destroyed on disconnect or protocol violation.
type Session struct {
	id     string
	conn   net.Conn
	logger *log.Logger

	readTimeout  time.Duration
	writeTimeout time.Duration

	outbound chan []byte
	done     chan struct{}
	closeOnce sync.Once

	mu         sync.RWMutex
	state      SessionState
	username   string
	workerName string

	nonce1       uint32
	nonce1Width  int
	jobs         *jobStore
	difficulty   *DifficultyManager
}

// NewSession creates a new Stratum session bound to an accepted
// connection. The Nonce1 prefix and difficulty manager are assigned by the
// Server once it knows the configured pool widths/mode.
func NewSession(id string, conn net.Conn, logger *log.Logger, readTimeout, writeTimeout time.Duration) *Session {
	return &Session{
		id:           id,
		conn:         conn,
		logger:       logger.WithFields("session_id", id, "remote_addr", conn.RemoteAddr().String()),
		state:        StateNew,
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
		outbound:     make(chan []byte, 64),
		done:         make(chan struct{}),
		jobs:         newJobStore(),
	}
}

// Init assigns the Nonce1 prefix and difficulty manager; called once by
// the Server's mining.subscribe handler after a prefix has been assigned.
func (s *Session) Init(nonce1 uint32, nonce1Width int, diff *DifficultyManager) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nonce1 = nonce1
	s.nonce1Width = nonce1Width
	s.difficulty = diff
}

// Start begins processing the session: a writer goroutine owns the socket
// for writes (§5: "per-session TCP writes are serialised"), while the
// calling goroutine runs the read loop until disconnect, a protocol fault,
// or ctx cancellation.
func (s *Session) Start(ctx context.Context, handler MessageHandler) error {
	s.logger.LogConnection("connected", s.conn.RemoteAddr().String())

	go s.writeLoop(ctx)
	return s.readLoop(ctx, handler)
}

func (s *Session) readLoop(ctx context.Context, handler MessageHandler) error {
	defer s.Close()

	buf := GetBuffer()
	defer PutBuffer(buf)

	scanner := bufio.NewScanner(s.conn)
	scanner.Buffer(buf, maxLineSize)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		default:
		}

		if err := s.conn.SetReadDeadline(time.Now().Add(s.readTimeout)); err != nil {
			return err
		}

		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				if isOversizedLine(err) {
					s.logger.Warn("line exceeded cap, closing session")
					_ = s.SendError(nil, ErrorOther, "line too long")
				}
				return err
			}
			return nil // EOF
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		s.logger.LogStratumMessage("received", string(line))

		msg := GetMessage()
		if err := ParseMessageInto(line, msg); err != nil {
			PutMessage(msg)
			s.setState(StateFaulted)
			_ = s.SendError(nil, ErrorOther, "parse error")
			return err
		}

		if err := handler.HandleMessage(ctx, s, msg); err != nil {
			s.logger.WithError(err).Error("failed to handle message")
		}
		PutMessage(msg)
	}
}

func isOversizedLine(err error) bool {
	return err == bufio.ErrTooLong
}

func (s *Session) writeLoop(ctx context.Context) {
	defer func() {
		_ = s.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case data := <-s.outbound:
			if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
				return
			}
			data = append(data, '\n')
			if _, err := s.conn.Write(data); err != nil {
				return
			}
			s.logger.LogStratumMessage("sent", string(data[:len(data)-1]))
		}
	}
}

// SendMessage enqueues msg for the writer goroutine. Non-blocking: a full
// outbound channel drops the message rather than stalling the caller (a
// slow miner must not back-pressure the whole server).
func (s *Session) SendMessage(msg *Message) error {
	data, err := MarshalMessage(msg)
	if err != nil {
		return fmt.Errorf("stratum: failed to marshal message: %w", err)
	}
	select {
	case s.outbound <- data:
		return nil
	case <-s.done:
		return fmt.Errorf("stratum: session closed")
	default:
		return fmt.Errorf("stratum: outbound channel full")
	}
}

// SendResponse sends a successful response.
func (s *Session) SendResponse(id any, result any) error {
	return s.SendMessage(NewResponse(id, result))
}

// SendError sends an error response.
func (s *Session) SendError(id any, code int, message string) error {
	return s.SendMessage(NewErrorResponse(id, code, message))
}

// SendNotification sends a server-initiated notification.
func (s *Session) SendNotification(method string, params []any) error {
	return s.SendMessage(NewNotification(method, params))
}

// Close idempotently tears the session down.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.setState(StateClosed)
		s.logger.LogConnection("disconnected", s.conn.RemoteAddr().String())
	})
}

// Done returns a channel closed when the session has ended.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// ID returns the session's server-unique identifier.
func (s *Session) ID() string { return s.id }

// RemoteAddr returns the client's network address.
func (s *Session) RemoteAddr() string { return s.conn.RemoteAddr().String() }

func (s *Session) setState(st SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
}

// State returns the session's current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// IsSubscribed reports whether mining.subscribe has completed.
func (s *Session) IsSubscribed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state == StateSubscribed || s.state == StateAuthorized
}

// SetSubscribed transitions New -> Subscribed.
func (s *Session) SetSubscribed() {
	s.setState(StateSubscribed)
}

// IsAuthorized reports whether mining.authorize has completed.
func (s *Session) IsAuthorized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state == StateAuthorized
}

// SetAuthorized transitions Subscribed -> Authorized.
func (s *Session) SetAuthorized() {
	s.setState(StateAuthorized)
}

// Username returns the miner identity recorded at authorize time.
func (s *Session) Username() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.username
}

// SetUsername records the miner identity string.
func (s *Session) SetUsername(u string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.username = u
}

// WorkerName returns the worker name supplied at subscribe time.
func (s *Session) WorkerName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.workerName
}

// SetWorkerName records the agent/worker name.
func (s *Session) SetWorkerName(w string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workerName = w
}

// Nonce1 returns the session's assigned Nonce1 prefix value and width.
func (s *Session) Nonce1() (value uint32, width int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nonce1, s.nonce1Width
}

// Difficulty returns the session's difficulty manager.
func (s *Session) Difficulty() *DifficultyManager {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.difficulty
}

// Jobs returns the session's bounded pending-job store.
func (s *Session) Jobs() *jobStore {
	return s.jobs
}

// MessageHandler dispatches parsed Stratum messages for a session.
type MessageHandler interface {
	HandleMessage(ctx context.Context, session *Session, msg *Message) error
}
