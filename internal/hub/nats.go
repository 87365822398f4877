// internal/hub/nats.go
package hub

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/erilali/chatserver/internal/logger"
	"github.com/nats-io/nats.go"
)

// Event kinds published to the chat event feed.
const (
	EventJoin      = "join"
	EventLeave     = "leave"
	EventBroadcast = "broadcast"
	EventPrivate   = "private"
)

// Event describes something that happened in the chat, for observers outside
// the process.
type Event struct {
	Kind      string `json:"kind"`
	Username  string `json:"username"`
	Target    string `json:"target,omitempty"`
	Content   string `json:"content,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// EventPublisher receives chat events. Implementations must not block the
// caller for long; publishing is fire-and-forget.
type EventPublisher interface {
	Publish(e Event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(Event) {}

// NATSPublisher forwards events to core NATS subjects "<prefix>.<kind>".
// Nothing is stored; subscribers only see events while connected.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
	logger *logger.Logger
}

// NewNATSPublisher publishes on nc. A nil nc yields a publisher that drops
// every event.
func NewNATSPublisher(nc *nats.Conn, prefix string, log *logger.Logger) *NATSPublisher {
	prefix = strings.TrimSuffix(prefix, ".")
	if prefix == "" {
		prefix = "chat.events"
	}
	return &NATSPublisher{nc: nc, prefix: prefix, logger: log}
}

// Subject returns the subject events of kind are published on.
func (p *NATSPublisher) Subject(kind string) string {
	return fmt.Sprintf("%s.%s", p.prefix, kind)
}

func (p *NATSPublisher) Publish(e Event) {
	if p.nc == nil {
		return
	}
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().Unix()
	}
	data, err := json.Marshal(e)
	if err != nil {
		p.logger.Errorf("Failed to marshal %s event: %v", e.Kind, err)
		return
	}
	if err := p.nc.Publish(p.Subject(e.Kind), data); err != nil {
		p.logger.Errorf("Failed to publish %s event to NATS: %v", e.Kind, err)
	}
}
