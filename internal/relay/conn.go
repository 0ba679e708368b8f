package relay

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/omochice/echochat/internal/chat"
	"github.com/omochice/echochat/pkg/protocol"
)

// closeGrace bounds the close frame written when the relay drops a client.
const closeGrace = time.Second

// wsConn adapts a gorilla websocket connection to chat.Conn.
type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex
	closeOnce    sync.Once
}

var _ chat.Conn = (*wsConn)(nil)

func newWSConn(conn *websocket.Conn, writeTimeout time.Duration) *wsConn {
	return &wsConn{conn: conn, writeTimeout: writeTimeout}
}

// Read returns the next data message. ctx is not consulted while blocked;
// Close unblocks a pending Read.
func (c *wsConn) Read(ctx context.Context) (protocol.Frame, error) {
	if err := ctx.Err(); err != nil {
		return protocol.Frame{}, err
	}
	mt, data, err := c.conn.ReadMessage()
	if err != nil {
		return protocol.Frame{}, err
	}
	return protocol.Frame{Binary: mt == websocket.BinaryMessage, Payload: data}, nil
}

func (c *wsConn) Write(ctx context.Context, f protocol.Frame) error {
	mt := websocket.TextMessage
	if f.Binary {
		mt = websocket.BinaryMessage
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Time{}
	if c.writeTimeout > 0 {
		deadline = time.Now().Add(c.writeTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteMessage(mt, f.Payload)
}

// Close sends a going-away close frame and closes the socket.
func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay shutting down")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
		err = c.conn.Close()
	})
	return err
}

func (c *wsConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}
