// internal/hub/tcp.go
package hub

import (
	"errors"
	"io"
	"net"
	"strings"
	"time"

	"github.com/erilali/chatserver/internal/message"
	"github.com/gorilla/websocket"
)

type tcpConn struct {
	conn         net.Conn
	frames       *message.FrameReader
	writeTimeout time.Duration
}

// NewTCPConn frames a raw stream connection with newline-delimited JSON.
func NewTCPConn(conn net.Conn, maxFrameSize int, writeTimeout time.Duration) Conn {
	return &tcpConn{
		conn:         conn,
		frames:       message.NewFrameReader(conn, maxFrameSize),
		writeTimeout: writeTimeout,
	}
}

func (c *tcpConn) ReadFrame() ([]byte, error) {
	return c.frames.ReadFrame()
}

func (c *tcpConn) WriteFrame(payload []byte) error {
	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	return message.WriteFrame(c.conn, payload)
}

func (c *tcpConn) Close() error {
	return c.conn.Close()
}

func (c *tcpConn) RemoteAddr() string {
	if addr := c.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// isExpectedCloseError reports errors that just mean the peer or the server
// hung up.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "connection reset by peer")
}
