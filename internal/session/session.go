// Package session owns a chat session: one relay connection, its lifecycle
// state and the log of received messages.
//
// A Listener goroutine reports connection events on a bounded channel and
// the Manager's loop goroutine is the only writer of the message log, so
// messages are recorded in exactly the order they arrived.
package session

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/omochice/echochat/internal/chat"
	"github.com/omochice/echochat/internal/config"
	"github.com/omochice/echochat/internal/transport/ws"
	"github.com/omochice/echochat/pkg/protocol"
)

// ErrClosed is returned by Start after the session was shut down.
var ErrClosed = errors.New("session is closed")

// Manager runs a single chat session. Its methods are safe for concurrent
// use.
type Manager struct {
	id     string
	cfg    config.Config
	codec  protocol.Codec
	logger zerolog.Logger
	log    *chat.Log

	mu      sync.Mutex
	state   ws.State
	conn    *ws.Conn
	err     error
	started bool
	cancel  context.CancelFunc

	done     chan struct{}
	doneOnce sync.Once
}

// New creates an idle Manager for cfg.
func New(cfg config.Config, logger zerolog.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	sender := cfg.Sender
	if sender == "" {
		sender = "guest-" + id[:8]
	}
	codec, err := protocol.NewCodec(cfg.Framing, sender)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create codec")
	}

	return &Manager{
		id:     id,
		cfg:    cfg,
		codec:  codec,
		logger: logger.With().Str("component", "session").Str("session", id).Logger(),
		log:    chat.NewLog(),
		state:  ws.StateIdle,
		done:   make(chan struct{}),
	}, nil
}

// ID returns the session id used in log entries.
func (m *Manager) ID() string {
	return m.id
}

// Start begins connecting to the relay and returns without waiting for the
// connection. ctx bounds the dial only. A Manager can be started once.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	if m.state.Terminal() {
		m.mu.Unlock()
		return ErrClosed
	}
	m.started = true
	m.state = ws.StateConnecting
	dialCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	m.logger.Info().Str("url", m.cfg.URL).Msg("connecting")
	go m.run(dialCtx, cancel)
	return nil
}

// Send writes text to the relay as one frame. It returns ErrNotConnected
// unless the session is open.
func (m *Manager) Send(text string) error {
	m.mu.Lock()
	conn := m.conn
	open := m.state == ws.StateOpen
	m.mu.Unlock()

	if !open || conn == nil {
		return ErrNotConnected
	}

	f, err := m.codec.Encode(text)
	if err != nil {
		return errors.Wrap(err, "failed to encode message")
	}
	if err := conn.Write(f); err != nil {
		if errors.Is(err, ws.ErrCloseSent) {
			return ErrNotConnected
		}
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

// Shutdown closes the session with a normal closure. It does not wait for
// the relay to answer; use Done or Wait for that. Calling it on a session
// that already ended is a no-op.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	if m.state.Terminal() {
		m.mu.Unlock()
		return nil
	}
	prev := m.state
	m.state = ws.StateClosed
	conn := m.conn
	m.conn = nil
	cancel := m.cancel
	m.mu.Unlock()

	m.log.Freeze()
	m.logger.Info().Str("from", prev.String()).Msg("shutting down")

	if cancel != nil {
		cancel()
	}
	if prev == ws.StateIdle {
		m.finish()
		return nil
	}
	if conn == nil {
		// Still dialing; run closes the connection if the dial wins.
		return nil
	}

	err := conn.WriteClose(ws.StatusNormalClosure, m.cfg.CloseReason)
	if err != nil && !errors.Is(err, ws.ErrCloseSent) {
		_ = conn.Close()
		return &TransportError{Op: "close", Err: err}
	}
	return nil
}

// State returns the current lifecycle state.
func (m *Manager) State() ws.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Err returns the error that failed the session: a *ConnectError or a
// *TransportError. It is nil unless the state is StateFailed.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Done is closed once the connection is fully released.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Wait blocks until Done is closed or ctx ends, and returns Err in the
// first case.
func (m *Manager) Wait(ctx context.Context) error {
	select {
	case <-m.done:
		return m.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Messages returns a copy of the message log.
func (m *Manager) Messages() []string {
	return m.log.Snapshot()
}

// Subscribe follows the message log from its first entry.
func (m *Manager) Subscribe() *chat.Subscription {
	return m.log.Subscribe()
}

func (m *Manager) run(ctx context.Context, cancel context.CancelFunc) {
	defer m.finish()

	conn, err := ws.Dial(ctx, m.cfg.URL, ws.DialOptions{
		DialTimeout:  m.cfg.DialTimeout,
		WriteTimeout: m.cfg.WriteTimeout,
		CloseTimeout: m.cfg.CloseTimeout,
	})
	cancel()
	if err != nil {
		m.fail(&ConnectError{URL: m.cfg.URL, Err: err})
		return
	}

	m.mu.Lock()
	if m.state.Terminal() {
		m.mu.Unlock()
		m.logger.Debug().Msg("shut down while connecting")
		_ = conn.WriteClose(ws.StatusNormalClosure, m.cfg.CloseReason)
		_ = conn.Close()
		return
	}
	m.conn = conn
	m.mu.Unlock()

	var greeting *protocol.Frame
	if text := m.cfg.GreetingText(); text != "" {
		f, err := m.codec.Encode(text)
		if err != nil {
			m.fail(&TransportError{Op: "write", Err: errors.Wrap(err, "failed to encode greeting")})
			_ = conn.Close()
			return
		}
		greeting = &f
	}

	events := make(chan ws.Event, m.cfg.EventBuffer)
	go ws.NewListener(conn, events, greeting, m.logger).Run()

	for ev := range events {
		m.handle(ev)
	}

	m.mu.Lock()
	m.conn = nil
	m.mu.Unlock()
}

func (m *Manager) handle(ev ws.Event) {
	switch ev.Type {
	case ws.EventOpen:
		m.transition(ws.StateConnecting, ws.StateOpen)

	case ws.EventMessage:
		text, err := m.codec.Decode(ev.Frame)
		if err != nil {
			m.logger.Warn().Err(err).Msg("failed to decode message")
			return
		}
		m.logger.Debug().Str("message", text).Msg("received")
		if !m.log.Append(text) {
			m.logger.Debug().Msg("message arrived after close, dropped")
		}

	case ws.EventClosing:
		if !m.transition(ws.StateOpen, ws.StateClosing) {
			m.transition(ws.StateConnecting, ws.StateClosing)
		}

	case ws.EventClosed:
		m.mu.Lock()
		if !m.state.Terminal() {
			m.state = ws.StateClosed
		}
		m.mu.Unlock()
		m.log.Freeze()

	case ws.EventFailure:
		m.fail(&TransportError{Op: "read", Err: ev.Err})
	}
}

// transition moves from one state to another and reports whether the
// session was in from.
func (m *Manager) transition(from, to ws.State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != from {
		return false
	}
	m.state = to
	m.logger.Debug().Str("from", from.String()).Str("to", to.String()).Msg("state changed")
	return true
}

func (m *Manager) fail(err error) {
	m.mu.Lock()
	if m.state.Terminal() {
		m.mu.Unlock()
		return
	}
	m.state = ws.StateFailed
	m.err = err
	m.mu.Unlock()

	m.log.Freeze()
	m.logger.Error().Err(err).Msg("session failed")
}

func (m *Manager) finish() {
	m.mu.Lock()
	if !m.state.Terminal() {
		m.state = ws.StateClosed
	}
	m.mu.Unlock()

	m.log.Freeze()
	m.doneOnce.Do(func() { close(m.done) })
}
