package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/erilali/chatserver/internal/logger"
	"github.com/erilali/chatserver/internal/message"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const ioTimeout = 2 * time.Second

func startHub(t *testing.T, opts Options) (*Hub, string) {
	t.Helper()
	if opts.Clock == nil {
		opts.Clock = fixedClock
	}
	h := NewHub(opts, logger.Nop())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- h.Serve(ctx, ln) }()

	t.Cleanup(func() {
		cancel()
		if err := <-served; err != nil {
			t.Errorf("Serve() error = %v", err)
		}
		if err := h.Shutdown(ioTimeout); err != nil {
			t.Errorf("Shutdown() error = %v", err)
		}
	})
	return h, ln.Addr().String()
}

type tcpClient struct {
	conn   net.Conn
	frames *message.FrameReader
}

func dialTCP(t *testing.T, addr string) *tcpClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, ioTimeout)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &tcpClient{conn: conn, frames: message.NewFrameReader(conn, 0)}
}

func (c *tcpClient) sendRaw(t *testing.T, line string) {
	t.Helper()
	if _, err := c.conn.Write([]byte(line + "\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func (c *tcpClient) send(t *testing.T, m message.Message) {
	t.Helper()
	frame, err := message.EncodeFrame(m)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.conn.Write(frame); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func (c *tcpClient) say(t *testing.T, text string) {
	t.Helper()
	c.send(t, message.Message{Type: message.TypeMessage, Content: text})
}

func (c *tcpClient) next(t *testing.T) message.Message {
	t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(ioTimeout))
	frame, err := c.frames.ReadFrame()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	m, err := message.Decode(frame)
	if err != nil {
		t.Fatalf("server sent a malformed frame %q: %v", frame, err)
	}
	return m
}

func (c *tcpClient) expect(t *testing.T, want message.Message) {
	t.Helper()
	if got := c.next(t); got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func (c *tcpClient) expectSystem(t *testing.T, text string) {
	t.Helper()
	c.expect(t, system(text))
}

// expectClosed reads until the server hangs up. Any unread notices are
// discarded.
func (c *tcpClient) expectClosed(t *testing.T) {
	t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(ioTimeout))
	for {
		if _, err := c.frames.ReadFrame(); err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				t.Fatal("server did not close the connection")
			}
			return
		}
	}
}

func (c *tcpClient) login(t *testing.T, username string) {
	t.Helper()
	c.expectSystem(t, usernamePrompt)
	c.sendRaw(t, `{"username": "`+username+`"}`)
	c.expectSystem(t, "Welcome "+username+"! Type '/help' for commands.")
}

func loginTCP(t *testing.T, addr, username string) *tcpClient {
	t.Helper()
	c := dialTCP(t, addr)
	c.login(t, username)
	return c
}

func waitForUsers(t *testing.T, h *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(ioTimeout)
	for h.Registry.Len() != want {
		if time.Now().After(deadline) {
			t.Fatalf("registry has %d users, want %d", h.Registry.Len(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestJoinChatLeave(t *testing.T) {
	h, addr := startHub(t, Options{})

	alice := loginTCP(t, addr, "alice")
	bob := loginTCP(t, addr, "bob")
	alice.expectSystem(t, "bob joined the chat")

	bob.say(t, "hi alice")
	alice.expect(t, message.Chat("bob", "hi alice", fixedTime))

	alice.say(t, "/users")
	alice.expectSystem(t, "Connected users: alice, bob")

	bob.conn.Close()
	alice.expectSystem(t, "bob left the chat")
	waitForUsers(t, h, 1)

	alice.send(t, message.Message{Type: message.TypeListUsers})
	alice.expectSystem(t, "Connected users: alice")
}

func TestPrivateMessageOverTCP(t *testing.T) {
	_, addr := startHub(t, Options{})

	alice := loginTCP(t, addr, "alice")
	bob := loginTCP(t, addr, "bob")
	alice.expectSystem(t, "bob joined the chat")
	carol := loginTCP(t, addr, "carol")
	alice.expectSystem(t, "carol joined the chat")
	bob.expectSystem(t, "carol joined the chat")

	alice.say(t, "/private carol meet me at noon")
	carol.expect(t, message.Private("alice", "carol", "meet me at noon", fixedTime))
	alice.expectSystem(t, "Private message sent to carol")

	// bob saw nothing of it: his next message is the public one.
	carol.say(t, "ok")
	bob.expect(t, message.Chat("carol", "ok", fixedTime))
}

func TestDuplicateUsernameRejected(t *testing.T) {
	h, addr := startHub(t, Options{})
	loginTCP(t, addr, "alice")

	dup := dialTCP(t, addr)
	dup.expectSystem(t, usernamePrompt)
	dup.sendRaw(t, `{"username":"alice"}`)
	dup.expectSystem(t, "Username 'alice' is already taken")
	dup.expectClosed(t)

	if got := h.Users(); len(got) != 1 || got[0] != "alice" {
		t.Errorf("Users() = %v", got)
	}
}

func TestMalformedHandshakeClosesConnection(t *testing.T) {
	for _, tc := range []struct {
		name  string
		line  string
		reply string
	}{
		{"not json", "hello there", "Invalid username message: expected {\"username\": \"<name>\"}"},
		{"missing username", `{"name":"x"}`, "Invalid username message: expected {\"username\": \"<name>\"}"},
		{"whitespace", `{"username":"two words"}`, "Invalid username: name cannot contain spaces"},
		{"command-like", `{"username":"/quit"}`, "Invalid username: name cannot start with '/'"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h, addr := startHub(t, Options{})

			c := dialTCP(t, addr)
			c.expectSystem(t, usernamePrompt)
			c.sendRaw(t, tc.line)
			c.expectSystem(t, tc.reply)
			c.expectClosed(t)

			if h.Registry.Len() != 0 {
				t.Errorf("registry should be empty, has %v", h.Users())
			}
		})
	}
}

func TestChatFull(t *testing.T) {
	_, addr := startHub(t, Options{MaxClients: 1})
	loginTCP(t, addr, "alice")

	c := dialTCP(t, addr)
	c.expectSystem(t, usernamePrompt)
	c.sendRaw(t, `{"username":"bob"}`)
	c.expectSystem(t, chatFullText)
	c.expectClosed(t)
}

func TestQuitCommand(t *testing.T) {
	h, addr := startHub(t, Options{})
	alice := loginTCP(t, addr, "alice")
	bob := loginTCP(t, addr, "bob")
	alice.expectSystem(t, "bob joined the chat")

	bob.say(t, "/quit")
	bob.expectClosed(t)
	alice.expectSystem(t, "bob left the chat")
	waitForUsers(t, h, 1)
}

func TestMalformedMessageIsIgnored(t *testing.T) {
	_, addr := startHub(t, Options{})
	alice := loginTCP(t, addr, "alice")
	bob := loginTCP(t, addr, "bob")
	alice.expectSystem(t, "bob joined the chat")

	bob.sendRaw(t, "{broken")
	bob.say(t, "still here")
	alice.expect(t, message.Chat("bob", "still here", fixedTime))
}

func TestOversizeFrameDisconnects(t *testing.T) {
	h, addr := startHub(t, Options{MaxFrameSize: 256})
	alice := loginTCP(t, addr, "alice")
	bob := loginTCP(t, addr, "bob")
	alice.expectSystem(t, "bob joined the chat")

	bob.say(t, strings.Repeat("x", 1024))
	alice.expectSystem(t, "bob left the chat")
	waitForUsers(t, h, 1)
}

func TestInboundRateLimit(t *testing.T) {
	_, addr := startHub(t, Options{RateLimit: rate.Every(time.Hour), RateBurst: 2})
	alice := loginTCP(t, addr, "alice")
	bob := loginTCP(t, addr, "bob")
	alice.expectSystem(t, "bob joined the chat")

	for _, text := range []string{"one", "two", "three"} {
		bob.say(t, text)
	}
	bob.expectSystem(t, rateLimitText)
	alice.expect(t, message.Chat("bob", "one", fixedTime))
	alice.expect(t, message.Chat("bob", "two", fixedTime))
}

func TestShutdownClosesClients(t *testing.T) {
	h, addr := startHub(t, Options{})
	alice := loginTCP(t, addr, "alice")
	pending := dialTCP(t, addr)
	pending.expectSystem(t, usernamePrompt)

	if err := h.Shutdown(ioTimeout); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	alice.expectClosed(t)
	pending.expectClosed(t)
	if h.Registry.Len() != 0 {
		t.Errorf("registry still holds %v", h.Users())
	}
}

type wsClient struct {
	conn *websocket.Conn
}

func dialWS(t *testing.T, h *Hub) *wsClient {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(h.ServeWs))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &wsClient{conn: conn}
}

func (c *wsClient) send(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("websocket write: %v", err)
	}
}

func (c *wsClient) next(t *testing.T) message.Message {
	t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(ioTimeout))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		t.Fatalf("websocket read: %v", err)
	}
	m, err := message.Decode(data)
	if err != nil {
		t.Fatalf("server sent a malformed message %q: %v", data, err)
	}
	return m
}

func (c *wsClient) expect(t *testing.T, want message.Message) {
	t.Helper()
	if got := c.next(t); got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestWebSocketAndTCPShareTheRoom(t *testing.T) {
	h, addr := startHub(t, Options{})
	alice := loginTCP(t, addr, "alice")

	bob := dialWS(t, h)
	bob.expect(t, system(usernamePrompt))
	bob.send(t, message.Handshake{Username: "bob"})
	bob.expect(t, system("Welcome bob! Type '/help' for commands."))
	alice.expectSystem(t, "bob joined the chat")

	bob.send(t, message.Message{Type: message.TypeMessage, Content: "hello from the browser"})
	alice.expect(t, message.Chat("bob", "hello from the browser", fixedTime))

	alice.say(t, "/private bob and hello from the terminal")
	bob.expect(t, message.Private("alice", "bob", "and hello from the terminal", fixedTime))
	alice.expectSystem(t, "Private message sent to bob")

	bob.send(t, message.Message{Type: message.TypeListUsers})
	bob.expect(t, system("Connected users: alice, bob"))

	bob.conn.Close()
	alice.expectSystem(t, "bob left the chat")
}

func TestServeWsRejectsNonGet(t *testing.T) {
	h := NewHub(Options{}, logger.Nop())
	rec := httptest.NewRecorder()
	h.ServeWs(rec, httptest.NewRequest(http.MethodPost, "/ws", nil))

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusMethodNotAllowed)
	}
}

func TestConnectionsAfterShutdownAreRefused(t *testing.T) {
	h, addr := startHub(t, Options{})
	if err := h.Shutdown(ioTimeout); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	// The listener is still open, but the hub closes the connection without
	// prompting for a username.
	late := dialTCP(t, addr)
	late.conn.SetReadDeadline(time.Now().Add(ioTimeout))
	if frame, err := late.frames.ReadFrame(); err == nil {
		t.Fatalf("late connection received %q, want it closed", frame)
	}

	rec := httptest.NewRecorder()
	h.ServeWs(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("ServeWs status after shutdown = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	if h.Registry.Len() != 0 {
		t.Errorf("registry holds %v", h.Users())
	}
}

func TestSessionCreatedDuringShutdownIsClosed(t *testing.T) {
	h := NewHub(Options{}, logger.Nop())
	if err := h.Shutdown(ioTimeout); err != nil {
		t.Fatal(err)
	}

	conn := newPipeConn()
	s := h.newSession(conn)
	select {
	case <-s.Done():
	case <-time.After(ioTimeout):
		t.Fatal("session created after Shutdown was left running")
	}
	if !conn.isClosed() {
		t.Error("transport should be closed")
	}
}
