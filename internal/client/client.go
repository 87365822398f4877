// internal/client/client.go
// A small client for the chat server's TCP protocol, used by cmd/chat-client
// and by tests.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/erilali/chatserver/internal/message"
)

// ErrEmptyUsername is returned by Login for a blank name.
var ErrEmptyUsername = errors.New("username cannot be empty")

// Client is one connection to the chat server. Receive may run on its own
// goroutine alongside the sending methods.
type Client struct {
	conn   net.Conn
	frames *message.FrameReader

	mu       sync.Mutex // serializes writes
	username string
}

// Dial connects to the server at addr.
func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}
	return newClient(conn), nil
}

func newClient(conn net.Conn) *Client {
	return &Client{
		conn:   conn,
		frames: message.NewFrameReader(conn, 0),
	}
}

// Login sends the username handshake. The server's verdict arrives through
// Receive: a welcome notice, or a rejection followed by the connection closing.
func (c *Client) Login(username string) error {
	username = strings.TrimSpace(username)
	if username == "" {
		return ErrEmptyUsername
	}
	data, err := message.EncodeHandshake(message.Handshake{Username: username})
	if err != nil {
		return err
	}
	if err := c.write(data); err != nil {
		return err
	}
	c.mu.Lock()
	c.username = username
	c.mu.Unlock()
	return nil
}

// Username is the name sent by the last Login.
func (c *Client) Username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username
}

func (c *Client) Send(m message.Message) error {
	data, err := message.Encode(m)
	if err != nil {
		return err
	}
	return c.write(data)
}

// Say broadcasts text. Lines starting with '/' are interpreted by the server
// as commands.
func (c *Client) Say(text string) error {
	return c.Send(message.Message{Type: message.TypeMessage, Content: text})
}

func (c *Client) Private(target, text string) error {
	return c.Send(message.Message{Type: message.TypePrivate, Target: target, Content: text})
}

func (c *Client) ListUsers() error {
	return c.Send(message.Message{Type: message.TypeListUsers})
}

// Submit sends one line of user input. It reports quit for /quit, after which
// the caller should stop reading input.
func (c *Client) Submit(line string) (quit bool, err error) {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return false, nil
	case line == "/quit":
		return true, c.Say(line)
	case line == "/users":
		return false, c.ListUsers()
	default:
		return false, c.Say(line)
	}
}

// Receive blocks for the next message from the server. Frames that do not
// decode are skipped; an error means the connection is unusable.
func (c *Client) Receive() (message.Message, error) {
	for {
		frame, err := c.frames.ReadFrame()
		if err != nil {
			return message.Message{}, err
		}
		m, err := message.Decode(frame)
		if errors.Is(err, message.ErrDecode) {
			continue
		}
		return m, err
	}
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) write(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := message.WriteFrame(c.conn, payload); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

// Format renders m as one line for display.
func Format(m message.Message) string {
	sender := m.Sender
	if sender == "" {
		sender = "Unknown"
	}
	switch m.Type {
	case message.TypeSystem:
		return fmt.Sprintf("[%s] SYSTEM: %s", m.Timestamp, m.Content)
	case message.TypePrivate:
		return fmt.Sprintf("[%s] PRIVATE from %s: %s", m.Timestamp, sender, m.Content)
	default:
		return fmt.Sprintf("[%s] %s: %s", m.Timestamp, sender, m.Content)
	}
}
