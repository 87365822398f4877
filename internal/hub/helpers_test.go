package hub

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/erilali/chatserver/internal/logger"
	"github.com/erilali/chatserver/internal/message"
)

var fixedTime = time.Date(2024, 5, 4, 13, 37, 0, 0, time.UTC)

func fixedClock() time.Time { return fixedTime }

// pipeConn is an in-memory Conn. Frames written by the server land in out;
// frames queued on in are returned by ReadFrame.
type pipeConn struct {
	in        chan []byte
	out       chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	failWrite bool
}

func newPipeConn() *pipeConn {
	return &pipeConn{
		in:     make(chan []byte, 64),
		out:    make(chan []byte, 256),
		closed: make(chan struct{}),
	}
}

func (c *pipeConn) ReadFrame() ([]byte, error) {
	select {
	case frame := <-c.in:
		return frame, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *pipeConn) WriteFrame(payload []byte) error {
	c.mu.Lock()
	fail := c.failWrite
	c.mu.Unlock()
	if fail {
		return errors.New("simulated write failure")
	}
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	default:
	}
	c.out <- payload
	return nil
}

func (c *pipeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *pipeConn) RemoteAddr() string { return "pipe" }

func (c *pipeConn) setFailWrite(fail bool) {
	c.mu.Lock()
	c.failWrite = fail
	c.mu.Unlock()
}

func (c *pipeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// newTestSession creates a session without a running write pump, so tests can
// inspect its queue directly.
func newTestSession(t *testing.T, buffer int) *Session {
	t.Helper()
	return NewSession(newPipeConn(), buffer, nil, logger.Nop())
}

func registerSession(t *testing.T, r *Registry, name string) *Session {
	t.Helper()
	s := newTestSession(t, 16)
	if err := r.Register(name, s); err != nil {
		t.Fatalf("Register(%s) error = %v", name, err)
	}
	return s
}

// queued drains every message currently queued on s.
func queued(t *testing.T, s *Session) []message.Message {
	t.Helper()
	var msgs []message.Message
	for {
		select {
		case payload, ok := <-s.send:
			if !ok {
				return msgs
			}
			m, err := message.Decode(payload)
			if err != nil {
				t.Fatalf("queued payload is not a message: %v", err)
			}
			msgs = append(msgs, m)
		default:
			return msgs
		}
	}
}

func expectQueued(t *testing.T, s *Session, want ...message.Message) {
	t.Helper()
	got := queued(t, s)
	if len(got) != len(want) {
		t.Fatalf("%s: got %d messages %+v, want %d %+v", s.Username(), len(got), got, len(want), want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("%s message %d = %+v, want %+v", s.Username(), i, got[i], want[i])
		}
	}
}

func system(text string) message.Message {
	return message.System(text, fixedTime)
}

// recordingPublisher captures published events.
type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *recordingPublisher) Publish(e Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *recordingPublisher) kinds() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	kinds := make([]string, len(p.events))
	for i, e := range p.events {
		kinds[i] = e.Kind + ":" + e.Username
	}
	return kinds
}
