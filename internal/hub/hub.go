// internal/hub/hub.go
// Provides the Hub: the accept loop, the shared registry and the router that
// every connection handler works against.
package hub

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/erilali/chatserver/internal/logger"
	"github.com/erilali/chatserver/internal/message"
	"golang.org/x/time/rate"
)

const (
	defaultSendBuffer        = 256
	defaultMaxUsernameLength = 32
	defaultWriteTimeout      = 10 * time.Second
	maxAcceptBackoff         = time.Second
)

// Options configures a Hub. Zero values select defaults.
type Options struct {
	MaxClients        int // 0 means unlimited
	MaxUsernameLength int
	MaxFrameSize      int
	SendBuffer        int
	WriteTimeout      time.Duration
	RateLimit         rate.Limit // <= 0 disables inbound rate limiting
	RateBurst         int
	Events            EventPublisher
	Clock             func() time.Time
}

// Hub owns the registry and router and serves connections.
type Hub struct {
	Registry *Registry

	router *Router
	opts   Options
	events EventPublisher
	clock  func() time.Time
	logger *logger.Logger

	mu      sync.Mutex
	live    map[*Session]struct{}
	closing bool
	wg      sync.WaitGroup
}

// NewHub creates a Hub ready to serve connections.
func NewHub(opts Options, log *logger.Logger) *Hub {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	if opts.MaxUsernameLength <= 0 {
		opts.MaxUsernameLength = defaultMaxUsernameLength
	}
	if opts.MaxFrameSize <= 0 {
		opts.MaxFrameSize = message.DefaultMaxFrameSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.Events == nil {
		opts.Events = nopPublisher{}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if log == nil {
		log = logger.Nop()
	}

	registry := NewRegistry(opts.Clock, log.WithField("part", "registry"))
	registry.SetMaxClients(opts.MaxClients)
	return &Hub{
		Registry: registry,
		router:   NewRouter(registry, opts.Events, opts.Clock, log.WithField("part", "router")),
		opts:     opts,
		events:   opts.Events,
		clock:    opts.Clock,
		logger:   log,
		live:     make(map[*Session]struct{}),
	}
}

// Serve accepts TCP connections on ln until ctx is cancelled, handling each
// one on its own goroutine. A failing connection never stops the loop.
func (h *Hub) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() {
		ln.Close()
	})
	defer stop()

	h.logger.Infof("Accepting chat connections on %s", ln.Addr())

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff *= 2; backoff > maxAcceptBackoff {
				backoff = maxAcceptBackoff
			}
			h.logger.Warnf("Accept failed: %v; retrying in %v", err, backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		backoff = 0

		if !h.track() {
			conn.Close()
			continue
		}
		go func() {
			defer h.wg.Done()
			h.ServeConn(NewTCPConn(conn, h.opts.MaxFrameSize, h.opts.WriteTimeout))
		}()
	}
}

// track counts one more connection goroutine for Shutdown to wait on. It
// reports false once Shutdown has started.
func (h *Hub) track() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return false
	}
	h.wg.Add(1)
	return true
}

// newSession creates a session for conn, starts its write pump and tracks it
// until the pump exits. A session created during Shutdown is closed at once.
func (h *Hub) newSession(conn Conn) *Session {
	var limiter *rate.Limiter
	if h.opts.RateLimit > 0 {
		burst := h.opts.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(h.opts.RateLimit, burst)
	}
	s := NewSession(conn, h.opts.SendBuffer, limiter, h.logger)

	h.mu.Lock()
	if h.closing {
		s.Close()
	} else {
		h.live[s] = struct{}{}
	}
	h.mu.Unlock()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		s.WritePump()
		h.mu.Lock()
		delete(h.live, s)
		h.mu.Unlock()
	}()
	return s
}

// Shutdown closes every live session, including those still negotiating a
// username, and waits for their goroutines up to timeout. The listener is
// closed by cancelling the context passed to Serve.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.mu.Lock()
	h.closing = true
	sessions := make([]*Session, 0, len(h.live))
	for s := range h.live {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	registered := h.Registry.CloseAll()
	h.logger.Infof("Closing %d client connections (%d registered)", len(sessions), registered)
	for _, s := range sessions {
		s.Close()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("Hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.logger.Warn("Hub shutdown timed out, some connections may still be open")
		return context.DeadlineExceeded
	}
}

// Users returns the sorted list of connected usernames.
func (h *Hub) Users() []string {
	return h.Registry.Usernames()
}
