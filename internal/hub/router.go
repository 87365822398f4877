// internal/hub/router.go
package hub

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/erilali/chatserver/internal/logger"
	"github.com/erilali/chatserver/internal/message"
)

// ErrQuit is returned by Route when the sender asked to leave.
var ErrQuit = errors.New("client quit")

const (
	helpText         = "Commands: /help, /users, /private <username> <message>, /quit"
	privateUsageText = "Usage: /private <username> <message>"
)

func joinedNotice(username string) string { return username + " joined the chat" }
func leftNotice(username string) string   { return username + " left the chat" }

// Router turns one decoded inbound message into its server-side effects.
type Router struct {
	registry *Registry
	events   EventPublisher
	clock    func() time.Time
	logger   *logger.Logger
}

func NewRouter(registry *Registry, events EventPublisher, clock func() time.Time, log *logger.Logger) *Router {
	if events == nil {
		events = nopPublisher{}
	}
	if clock == nil {
		clock = time.Now
	}
	return &Router{registry: registry, events: events, clock: clock, logger: log}
}

// Route handles m sent by sender, who must be Active. Client-supplied sender
// and timestamp fields are ignored.
func (rt *Router) Route(sender *Session, m message.Message) error {
	if sender.Phase() != PhaseActive {
		return ErrSessionClosed
	}
	switch m.Type {
	case message.TypeListUsers:
		rt.listUsers(sender)
		return nil
	case message.TypePrivate:
		// The textual command is the more specific signal.
		if isCommand(m.Content, "/private") {
			return rt.command(sender, m.Content)
		}
		rt.private(sender, m.Target, m.Content)
		return nil
	case message.TypeMessage, message.TypeSystem:
		return rt.chat(sender, m.Content)
	default:
		// Unknown or missing types are treated as plain chat.
		return rt.chat(sender, m.Content)
	}
}

func (rt *Router) chat(sender *Session, content string) error {
	if strings.HasPrefix(content, "/") {
		return rt.command(sender, content)
	}
	if strings.TrimSpace(content) == "" {
		rt.logger.Debugf("Ignoring empty message from %s", sender.Username())
		return nil
	}

	username := sender.Username()
	rt.broadcast(message.Chat(username, content, rt.clock()), username)
	rt.logger.LogEvent("debug", "message_broadcast", username, content)
	rt.events.Publish(Event{Kind: EventBroadcast, Username: username, Content: content})
	return nil
}

// command dispatches on the first space-delimited word. Commands that take no
// arguments ignore any that follow.
func (rt *Router) command(sender *Session, content string) error {
	name, _, _ := strings.Cut(content, " ")
	switch name {
	case "/help":
		rt.reply(sender, helpText)
	case "/users":
		rt.listUsers(sender)
	case "/private":
		parts := strings.SplitN(content, " ", 3)
		if len(parts) < 3 || parts[1] == "" || strings.TrimSpace(parts[2]) == "" {
			rt.reply(sender, privateUsageText)
			return nil
		}
		rt.private(sender, parts[1], parts[2])
	case "/quit":
		return ErrQuit
	default:
		rt.reply(sender, fmt.Sprintf("Unknown command '%s'. Type '/help' for commands.", name))
	}
	return nil
}

func (rt *Router) listUsers(sender *Session) {
	rt.reply(sender, "Connected users: "+strings.Join(rt.registry.Usernames(), ", "))
}

func (rt *Router) private(sender *Session, target, content string) {
	if target == "" || strings.TrimSpace(content) == "" {
		rt.reply(sender, privateUsageText)
		return
	}

	username := sender.Username()
	evicted, err := rt.registry.Deliver(target, message.Private(username, target, content, rt.clock()))
	rt.announceEvictions(evicted)
	switch {
	case errors.Is(err, ErrUserNotFound):
		rt.reply(sender, fmt.Sprintf("User '%s' not found", target))
		return
	case err != nil:
		rt.reply(sender, fmt.Sprintf("Could not deliver private message to %s", target))
		return
	}

	rt.reply(sender, "Private message sent to "+target)
	rt.logger.LogEvent("debug", "private_message", username, target)
	rt.events.Publish(Event{Kind: EventPrivate, Username: username, Target: target})
}

// broadcast sends m to everyone but excluded and reports evictions.
func (rt *Router) broadcast(m message.Message, excluded string) {
	evicted, err := rt.registry.BroadcastExcept(m, excluded)
	if err != nil {
		rt.logger.Errorf("Broadcast failed: %v", err)
		return
	}
	rt.announceEvictions(evicted)
}

// announceEvictions records departures the registry already announced to
// the remaining clients.
func (rt *Router) announceEvictions(evicted []string) {
	for _, name := range evicted {
		rt.logger.LogEvent("warn", "client_evicted", name, "send failed")
		rt.events.Publish(Event{Kind: EventLeave, Username: name})
	}
}

func (rt *Router) reply(s *Session, text string) {
	if err := s.SendMessage(message.System(text, rt.clock())); err != nil {
		rt.logger.Warnf("Reply to %s failed: %v", s.Username(), err)
	}
}

func isCommand(content, name string) bool {
	return content == name || strings.HasPrefix(content, name+" ")
}
