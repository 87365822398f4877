// internal/hub/registry.go
package hub

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/erilali/chatserver/internal/logger"
	"github.com/erilali/chatserver/internal/message"
)

var (
	ErrUsernameTaken = errors.New("username already taken")
	ErrUserNotFound  = errors.New("user not found")
	ErrServerFull    = errors.New("server full")
)

// Registry maps usernames to Active sessions. Every method holds the same
// mutex, so callers never observe a partially applied change. Delivery only
// enqueues onto session buffers and never blocks on the network.
type Registry struct {
	mu         sync.Mutex
	sessions   map[string]*Session
	maxClients int // 0 means unlimited
	clock      func() time.Time
	logger     *logger.Logger
}

func NewRegistry(clock func() time.Time, log *logger.Logger) *Registry {
	if clock == nil {
		clock = time.Now
	}
	return &Registry{
		sessions: make(map[string]*Session),
		clock:    clock,
		logger:   log,
	}
}

// SetMaxClients caps the number of registered sessions. n <= 0 removes the cap.
func (r *Registry) SetMaxClients(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n < 0 {
		n = 0
	}
	r.maxClients = n
}

// Register binds username to s and marks s Active. It fails with
// ErrUsernameTaken or, when the cap is reached, ErrServerFull.
func (r *Registry) Register(username string, s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[username]; exists {
		return fmt.Errorf("%w: %s", ErrUsernameTaken, username)
	}
	if r.maxClients > 0 && len(r.sessions) >= r.maxClients {
		return fmt.Errorf("%w: %d clients connected", ErrServerFull, len(r.sessions))
	}
	s.activate(username)
	r.sessions[username] = s
	r.logger.Debugf("Registered %s. Total clients: %d", username, len(r.sessions))
	return nil
}

// Deregister removes username and returns its session. Removing an absent
// username is a no-op.
func (r *Registry) Deregister(username string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[username]
	if !ok {
		return nil, false
	}
	r.removeLocked(username, s)
	return s, true
}

// Remove deregisters s only if it is still the session bound to its username.
func (r *Registry) Remove(s *Session) bool {
	username := s.Username()
	if username == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.sessions[username]; !ok || current != s {
		return false
	}
	r.removeLocked(username, s)
	return true
}

func (r *Registry) removeLocked(username string, s *Session) {
	delete(r.sessions, username)
	s.advance(PhaseDisconnected)
	r.logger.Debugf("Deregistered %s. Total clients: %d", username, len(r.sessions))
}

// Lookup returns the Active session for username. The registry keeps
// ownership; callers may only queue messages on it.
func (r *Registry) Lookup(username string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[username]
	return s, ok
}

// Usernames lists connected users in sorted order.
func (r *Registry) Usernames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.sessions))
	for name := range r.sessions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// BroadcastExcept encodes m once and queues it for every session except
// excluded (which may be empty). Recipients that cannot take the message are
// evicted after the pass, and a leave notice is broadcast for each of them.
// It returns the evicted usernames.
func (r *Registry) BroadcastExcept(m message.Message, excluded string) ([]string, error) {
	payload, err := message.Encode(m)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	failed := r.broadcastLocked(payload, excluded)
	return r.evictLocked(failed), nil
}

// Deliver queues m for a single user. A recipient whose queue rejects the
// message is evicted like in BroadcastExcept.
func (r *Registry) Deliver(username string, m message.Message) ([]string, error) {
	payload, err := message.Encode(m)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[username]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, username)
	}
	if err := s.Send(payload); err != nil {
		r.logger.Warnf("Delivery to %s failed: %v", username, err)
		return r.evictLocked([]string{username}), fmt.Errorf("deliver to %s: %w", username, err)
	}
	return nil, nil
}

// CloseAll closes every registered session. Handlers perform the actual
// deregistration as their transports shut down.
func (r *Registry) CloseAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.sessions {
		s.Close()
	}
	return len(r.sessions)
}

func (r *Registry) broadcastLocked(payload []byte, excluded string) []string {
	var failed []string
	for name, s := range r.sessions {
		if name == excluded {
			continue
		}
		if err := s.Send(payload); err != nil {
			r.logger.Warnf("Broadcast to %s failed: %v", name, err)
			failed = append(failed, name)
		}
	}
	sort.Strings(failed)
	return failed
}

// evictLocked removes failed sessions, then announces each departure. Notices
// can themselves fail to deliver, so the queue is drained until stable.
func (r *Registry) evictLocked(failed []string) []string {
	var evicted []string
	for len(failed) > 0 {
		name := failed[0]
		failed = failed[1:]

		s, ok := r.sessions[name]
		if !ok {
			continue
		}
		r.removeLocked(name, s)
		s.Close()
		evicted = append(evicted, name)

		notice, err := message.Encode(message.System(leftNotice(name), r.clock()))
		if err != nil {
			r.logger.Errorf("Encoding leave notice for %s: %v", name, err)
			continue
		}
		failed = append(failed, r.broadcastLocked(notice, "")...)
	}
	return evicted
}
