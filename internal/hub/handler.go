// internal/hub/handler.go
package hub

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/erilali/chatserver/internal/message"
)

const (
	usernamePrompt = "Enter your username:"
	chatFullText   = "Chat is full. Please try again later."
	rateLimitText  = "You are sending messages too fast; message dropped"
)

// ServeConn runs one connection from handshake to teardown and returns when
// the connection is finished.
func (h *Hub) ServeConn(conn Conn) {
	s := h.newSession(conn)
	log := s.logger
	defer h.teardown(s)

	s.advance(PhaseAwaitingUsername)
	h.notify(s, usernamePrompt)

	username, ok := h.handshake(s)
	if !ok {
		return
	}
	log = log.WithField("username", username)

	h.router.broadcast(message.System(joinedNotice(username), h.clock()), username)
	h.notify(s, fmt.Sprintf("Welcome %s! Type '/help' for commands.", username))
	log.LogEvent("info", "client_connected", username, "")
	h.events.Publish(Event{Kind: EventJoin, Username: username})

	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			if !isExpectedCloseError(err) {
				log.LogEvent("warn", "read_error", username, err.Error())
			}
			return
		}
		if !s.Allow() {
			h.notify(s, rateLimitText)
			continue
		}
		m, err := message.Decode(frame)
		if err != nil {
			log.Warnf("Ignoring malformed message: %v", err)
			continue
		}
		if err := h.router.Route(s, m); err != nil {
			if errors.Is(err, ErrQuit) {
				log.Debug("Client requested quit")
			}
			return
		}
	}
}

// handshake reads the username assignment and registers the session. Any
// failure is reported to the client and ends the connection.
func (h *Hub) handshake(s *Session) (string, bool) {
	frame, err := s.conn.ReadFrame()
	if err != nil {
		if !isExpectedCloseError(err) {
			s.logger.LogEvent("warn", "handshake_failed", "", err.Error())
		}
		return "", false
	}

	hs, err := message.DecodeHandshake(frame)
	if err != nil {
		s.logger.LogEvent("warn", "handshake_failed", "", err.Error())
		h.notify(s, "Invalid username message: expected {\"username\": \"<name>\"}")
		return "", false
	}
	if err := h.validateUsername(hs.Username); err != nil {
		s.logger.LogEvent("warn", "handshake_failed", hs.Username, err.Error())
		h.notify(s, "Invalid username: "+err.Error())
		return "", false
	}
	if err := h.Registry.Register(hs.Username, s); err != nil {
		s.logger.LogEvent("warn", "handshake_failed", hs.Username, err.Error())
		if errors.Is(err, ErrServerFull) {
			h.notify(s, chatFullText)
		} else {
			h.notify(s, fmt.Sprintf("Username '%s' is already taken", hs.Username))
		}
		return "", false
	}
	return hs.Username, true
}

// validateUsername enforces the length bound and forbids whitespace, which
// would make the name unaddressable by /private.
func (h *Hub) validateUsername(name string) error {
	if name == "" {
		return errors.New("name cannot be empty")
	}
	if len(name) > h.opts.MaxUsernameLength {
		return fmt.Errorf("name too long (maximum %d characters)", h.opts.MaxUsernameLength)
	}
	if strings.IndexFunc(name, unicode.IsSpace) >= 0 {
		return errors.New("name cannot contain spaces")
	}
	if strings.HasPrefix(name, "/") {
		return errors.New("name cannot start with '/'")
	}
	return nil
}

// teardown deregisters s, tells everyone else it left and closes it.
func (h *Hub) teardown(s *Session) {
	if h.Registry.Remove(s) {
		username := s.Username()
		h.router.broadcast(message.System(leftNotice(username), h.clock()), "")
		s.logger.LogEvent("info", "client_disconnected", username, "")
		h.events.Publish(Event{Kind: EventLeave, Username: username})
	}
	s.advance(PhaseDisconnected)
	s.Close()
}

func (h *Hub) notify(s *Session, text string) {
	if err := s.SendMessage(message.System(text, h.clock())); err != nil {
		s.logger.Debugf("Dropped notice %q: %v", text, err)
	}
}
