// internal/hub/session.go
package hub

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/erilali/chatserver/internal/logger"
	"github.com/erilali/chatserver/internal/message"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

var (
	ErrSessionClosed  = errors.New("session closed")
	ErrSendBufferFull = errors.New("send buffer full")
)

// Phase is a session's position in its lifecycle. Phases only move forward.
type Phase int32

const (
	PhaseConnecting Phase = iota
	PhaseAwaitingUsername
	PhaseActive
	PhaseDisconnected
)

func (p Phase) String() string {
	switch p {
	case PhaseConnecting:
		return "connecting"
	case PhaseAwaitingUsername:
		return "awaiting_username"
	case PhaseActive:
		return "active"
	case PhaseDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// Conn is a message-oriented transport. ReadFrame is only called by the
// session's handler and WriteFrame only by its write pump.
type Conn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(payload []byte) error
	Close() error
	RemoteAddr() string
}

// Session is the server side of one client connection.
type Session struct {
	ID string

	conn     Conn
	username string
	phase    atomic.Int32
	limiter  *rate.Limiter
	logger   *logger.Logger

	mu     sync.Mutex // guards send against close
	send   chan []byte
	closed bool
	done   chan struct{}
}

// NewSession wraps conn. limiter may be nil to disable inbound rate limiting.
// The caller must start WritePump.
func NewSession(conn Conn, sendBuffer int, limiter *rate.Limiter, log *logger.Logger) *Session {
	if sendBuffer <= 0 {
		sendBuffer = 1
	}
	id := uuid.NewString()
	return &Session{
		ID:      id,
		conn:    conn,
		limiter: limiter,
		logger:  log.WithFields(map[string]interface{}{"session": id, "remote": conn.RemoteAddr()}),
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
	}
}

// Username is empty until the session has been registered.
func (s *Session) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username
}

func (s *Session) Phase() Phase {
	return Phase(s.phase.Load())
}

// advance moves the session forward to p. It reports false if the session is
// already at or past p.
func (s *Session) advance(p Phase) bool {
	for {
		current := s.phase.Load()
		if Phase(current) >= p {
			return false
		}
		if s.phase.CompareAndSwap(current, int32(p)) {
			return true
		}
	}
}

// activate binds the username and makes the session Active. Only the registry
// calls it, under its lock.
func (s *Session) activate(username string) {
	s.mu.Lock()
	s.username = username
	s.mu.Unlock()
	s.advance(PhaseActive)
}

// Send queues an encoded payload without blocking.
func (s *Session) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	select {
	case s.send <- payload:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// SendMessage encodes m and queues it.
func (s *Session) SendMessage(m message.Message) error {
	payload, err := message.Encode(m)
	if err != nil {
		return err
	}
	return s.Send(payload)
}

// Allow reports whether one more inbound frame fits the rate limit.
func (s *Session) Allow() bool {
	return s.limiter == nil || s.limiter.Allow()
}

// Close stops accepting new payloads. Frames already queued are flushed by
// the write pump, which then closes the transport. Safe to call repeatedly.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.send)
}

// Done is closed once the write pump has closed the transport.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// WritePump drains the send queue onto the transport. A write failure closes
// the session; closing the transport also unblocks the handler's read.
func (s *Session) WritePump() {
	defer func() {
		if err := s.conn.Close(); err != nil && !isExpectedCloseError(err) {
			s.logger.Warnf("Error closing transport: %v", err)
		}
		close(s.done)
	}()

	for payload := range s.send {
		if err := s.conn.WriteFrame(payload); err != nil {
			if !isExpectedCloseError(err) {
				s.logger.Warnf("Write failed, dropping connection: %v", err)
			}
			s.Close()
			return
		}
	}
}
