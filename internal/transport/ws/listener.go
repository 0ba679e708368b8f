package ws

import (
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/omochice/echochat/pkg/protocol"
)

// Event is what a Listener reports about its connection.
type Event struct {
	Type EventType
	// Frame is set for EventMessage.
	Frame protocol.Frame
	// Code and Reason are the peer's close status for EventClosing and
	// EventClosed.
	Code   StatusCode
	Reason string
	// Err is set for EventFailure.
	Err error
}

// Listener drives one Conn: it sends the greeting, reads until the
// connection ends and reports every lifecycle step on its events channel.
//
// Events arrive in this order: EventOpen, any number of EventMessage,
// optionally EventClosing, then exactly one of EventClosed or EventFailure.
// EventOpen is skipped if the connection dies before it opens. The channel
// is closed after the terminal event.
type Listener struct {
	conn     *Conn
	events   chan<- Event
	greeting *protocol.Frame
	logger   zerolog.Logger
}

// NewListener creates a Listener bound to conn. greeting, if not nil, is
// written before EventOpen is reported.
func NewListener(conn *Conn, events chan<- Event, greeting *protocol.Frame, logger zerolog.Logger) *Listener {
	return &Listener{
		conn:     conn,
		events:   events,
		greeting: greeting,
		logger:   logger.With().Str("component", "listener").Str("remote", conn.RemoteAddr()).Logger(),
	}
}

// Run blocks until the connection is closed or fails.
func (l *Listener) Run() {
	defer close(l.events)

	if l.greeting != nil {
		if err := l.conn.Write(*l.greeting); err != nil {
			if l.conn.CloseSent() {
				l.closedLocally()
				return
			}
			l.fail(errors.Wrap(err, "failed to send greeting"))
			return
		}
	}
	l.logger.Debug().Msg("connection open")
	l.events <- Event{Type: EventOpen}

	for {
		msg, err := l.conn.ReadMessage()
		if err != nil {
			if l.conn.CloseSent() {
				l.closedLocally()
				return
			}
			l.fail(errors.Wrap(err, "read failed"))
			return
		}

		if !msg.Close {
			l.events <- Event{Type: EventMessage, Frame: msg.Frame}
			continue
		}

		if l.conn.CloseSent() {
			// Peer answered our close.
			l.closed(msg.Code, msg.Reason)
			return
		}

		l.logger.Info().Uint16("code", uint16(msg.Code)).Str("reason", msg.Reason).Msg("peer is closing")
		l.events <- Event{Type: EventClosing, Code: msg.Code, Reason: msg.Reason}

		// The reply always carries normal closure, whatever the peer sent.
		if err := l.conn.WriteClose(StatusNormalClosure, ""); err != nil && !errors.Is(err, ErrCloseSent) {
			l.logger.Warn().Err(err).Msg("close reply failed")
		}
		l.closed(msg.Code, msg.Reason)
		return
	}
}

func (l *Listener) closedLocally() {
	code, reason := l.conn.LocalClose()
	l.closed(code, reason)
}

func (l *Listener) closed(code StatusCode, reason string) {
	_ = l.conn.Close()
	l.logger.Info().Uint16("code", uint16(code)).Str("reason", reason).Msg("connection closed")
	l.events <- Event{Type: EventClosed, Code: code, Reason: reason}
}

func (l *Listener) fail(err error) {
	_ = l.conn.Close()
	l.logger.Error().Err(err).Msg("connection failed")
	l.events <- Event{Type: EventFailure, Err: err}
}
