// Package ws provides the client side of the relay connection: a websocket
// Conn built on gobwas/ws and a Listener that turns connection activity into
// lifecycle events.
package ws

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	gobws "github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/pkg/errors"

	"github.com/omochice/echochat/pkg/protocol"
)

// StatusCode is a websocket close status code.
type StatusCode = gobws.StatusCode

const (
	StatusNormalClosure = gobws.StatusNormalClosure
	StatusNoStatusRcvd  = gobws.StatusNoStatusRcvd
)

// ErrCloseSent is returned by writes after the close frame went out.
var ErrCloseSent = errors.New("close frame already sent")

// DialOptions bounds the time spent on the wire.
type DialOptions struct {
	// DialTimeout limits TCP connect plus the opening handshake; 0 means none.
	DialTimeout time.Duration
	// WriteTimeout limits each frame write; 0 means none.
	WriteTimeout time.Duration
	// CloseTimeout is how long reads wait for the peer once a close frame
	// was sent; 0 means forever.
	CloseTimeout time.Duration
}

// Message is one inbound data message or close frame.
type Message struct {
	Frame  protocol.Frame
	Close  bool
	Code   StatusCode
	Reason string
}

// Conn is a client websocket connection. Writes are serialized, so Conn is
// safe for one reader goroutine plus any number of writers.
type Conn struct {
	conn   net.Conn
	reader *wsutil.Reader
	url    string
	opts   DialOptions

	writeMu     sync.Mutex
	closeSent   bool
	closeCode   StatusCode
	closeReason string

	closeOnce sync.Once
	closeErr  error
}

// Dial opens a websocket connection to url (ws:// or wss://).
func Dial(ctx context.Context, url string, opts DialOptions) (*Conn, error) {
	dialer := gobws.Dialer{Timeout: opts.DialTimeout}
	conn, br, _, err := dialer.Dial(ctx, url)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to %s", url)
	}

	// br holds frames the server sent right after the handshake, if any.
	var src io.Reader = conn
	if br != nil {
		src = br
	}
	return newConn(conn, src, url, opts), nil
}

func newConn(conn net.Conn, src io.Reader, url string, opts DialOptions) *Conn {
	c := &Conn{
		conn: conn,
		url:  url,
		opts: opts,
	}
	c.reader = &wsutil.Reader{
		Source:         src,
		State:          gobws.StateClientSide,
		CheckUTF8:      true,
		OnIntermediate: c.handleIntermediate,
	}
	return c
}

// URL returns the address the connection was dialed with.
func (c *Conn) URL() string {
	return c.url
}

// RemoteAddr returns the server address.
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// Write sends f as a single masked data frame.
func (c *Conn) Write(f protocol.Frame) error {
	op := gobws.OpText
	if f.Binary {
		op = gobws.OpBinary
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closeSent {
		return ErrCloseSent
	}
	return c.write(op, f.Payload)
}

// WriteClose sends a close frame with code and reason. Only the first call
// writes; later calls return ErrCloseSent. After it, reads give up once
// CloseTimeout has passed.
func (c *Conn) WriteClose(code StatusCode, reason string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closeSent {
		return ErrCloseSent
	}
	c.closeSent = true
	c.closeCode = code
	c.closeReason = reason

	err := c.write(gobws.OpClose, gobws.NewCloseFrameBody(code, reason))
	if c.opts.CloseTimeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.CloseTimeout))
	}
	return errors.Wrap(err, "failed to send close frame")
}

// CloseSent reports whether WriteClose has been called.
func (c *Conn) CloseSent() bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.closeSent
}

// LocalClose returns the code and reason passed to WriteClose.
func (c *Conn) LocalClose() (StatusCode, string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.closeCode, c.closeReason
}

// Close closes the underlying socket without a close handshake.
// Safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// ReadMessage returns the next data message or close frame. Pings are
// answered and pongs dropped along the way. It must not be called
// concurrently with itself.
func (c *Conn) ReadMessage() (Message, error) {
	for {
		hdr, err := c.reader.NextFrame()
		if err != nil {
			return Message{}, err
		}

		if hdr.OpCode.IsControl() {
			payload, err := readPayload(c.reader, hdr)
			if err != nil {
				return Message{}, err
			}
			switch hdr.OpCode {
			case gobws.OpPing:
				if err := c.pong(payload); err != nil {
					return Message{}, err
				}
			case gobws.OpClose:
				code, reason := parseClose(payload)
				return Message{Close: true, Code: code, Reason: reason}, nil
			}
			continue
		}

		if hdr.OpCode != gobws.OpText && hdr.OpCode != gobws.OpBinary {
			if err := c.reader.Discard(); err != nil {
				return Message{}, err
			}
			continue
		}

		data, err := io.ReadAll(c.reader)
		if err != nil {
			var pc peerClose
			if errors.As(err, &pc) {
				return Message{Close: true, Code: pc.code, Reason: pc.reason}, nil
			}
			return Message{}, err
		}
		return Message{
			Frame: protocol.Frame{Binary: hdr.OpCode == gobws.OpBinary, Payload: data},
		}, nil
	}
}

// handleIntermediate deals with control frames interleaved with the
// fragments of a data message.
func (c *Conn) handleIntermediate(hdr gobws.Header, r io.Reader) error {
	payload, err := readPayload(r, hdr)
	if err != nil {
		return err
	}
	switch hdr.OpCode {
	case gobws.OpPing:
		return c.pong(payload)
	case gobws.OpClose:
		code, reason := parseClose(payload)
		return peerClose{code: code, reason: reason}
	}
	return nil
}

func (c *Conn) pong(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closeSent {
		return nil
	}
	return c.write(gobws.OpPong, payload)
}

// write must be called with writeMu held.
func (c *Conn) write(op gobws.OpCode, p []byte) error {
	if c.opts.WriteTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
			return err
		}
		defer func() {
			_ = c.conn.SetWriteDeadline(time.Time{})
		}()
	}
	return wsutil.WriteClientMessage(c.conn, op, p)
}

func readPayload(r io.Reader, hdr gobws.Header) ([]byte, error) {
	payload := make([]byte, hdr.Length)
	if hdr.Length == 0 {
		return payload, nil
	}
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func parseClose(payload []byte) (StatusCode, string) {
	if len(payload) < 2 {
		return StatusNoStatusRcvd, ""
	}
	return gobws.ParseCloseFrameData(payload)
}

// peerClose carries a close frame out of a fragmented read.
type peerClose struct {
	code   StatusCode
	reason string
}

func (e peerClose) Error() string {
	return "peer closed mid-message"
}
