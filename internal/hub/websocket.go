// internal/hub/websocket.go
package hub

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const webSocketCloseGrace = time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Browsers are not the primary client; any origin may connect.
		return true
	},
}

// wsConn carries one JSON message per WebSocket message, so no extra framing
// is needed.
type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	remote       string
}

// NewWebSocketConn adapts an upgraded WebSocket connection to Conn.
func NewWebSocketConn(conn *websocket.Conn, maxFrameSize int, writeTimeout time.Duration, remote string) Conn {
	conn.SetReadLimit(int64(maxFrameSize))
	return &wsConn{conn: conn, writeTimeout: writeTimeout, remote: remote}
}

func (c *wsConn) ReadFrame() ([]byte, error) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if len(data) > 0 {
			return data, nil
		}
	}
}

func (c *wsConn) WriteFrame(payload []byte) error {
	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *wsConn) Close() error {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(webSocketCloseGrace))
	return c.conn.Close()
}

func (c *wsConn) RemoteAddr() string {
	return c.remote
}

// ServeWs upgrades the HTTP connection to a WebSocket and runs the same
// handshake and message loop as a TCP client.
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	// Count the connection before hijacking it; the HTTP server stops
	// tracking it after the upgrade.
	if !h.track() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	defer h.wg.Done()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Errorf("WebSocket upgrade error: %v", err)
		return
	}

	h.ServeConn(NewWebSocketConn(conn, h.opts.MaxFrameSize, h.opts.WriteTimeout, r.RemoteAddr))
}
