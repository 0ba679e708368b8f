package session

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/omochice/echochat/internal/config"
	"github.com/omochice/echochat/internal/relay"
	"github.com/omochice/echochat/internal/transport/ws"
	"github.com/omochice/echochat/pkg/protocol"
)

const waitFor = 2 * time.Second

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func startRelay(t *testing.T) string {
	t.Helper()

	srv := relay.New(relay.Options{Prefix: relay.DefaultPrefix, Logger: zerolog.Nop()})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Stop()
		ts.Close()
	})
	return wsURL(ts.URL)
}

// startStub serves each websocket connection with handle.
func startStub(t *testing.T, handle func(conn *websocket.Conn)) string {
	t.Helper()

	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("failed to upgrade: %v", err)
			return
		}
		defer conn.Close()
		handle(conn)
	}))
	t.Cleanup(ts.Close)
	return wsURL(ts.URL)
}

func newManager(t *testing.T, url string, modify ...func(*config.Config)) *Manager {
	t.Helper()

	cfg := config.Default()
	cfg.URL = url
	cfg.DialTimeout = time.Second
	cfg.WriteTimeout = time.Second
	cfg.CloseTimeout = time.Second
	for _, fn := range modify {
		fn(&cfg)
	}

	m, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Shutdown() })
	return m
}

func startOpen(t *testing.T, m *Manager) {
	t.Helper()

	require.NoError(t, m.Start(context.Background()))
	require.Eventually(t, func() bool { return m.State() == ws.StateOpen }, waitFor, 5*time.Millisecond)
}

func waitDone(t *testing.T, m *Manager) error {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	err := m.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "session did not finish")
	return err
}

func waitMessages(t *testing.T, m *Manager, n int) []string {
	t.Helper()

	require.Eventually(t, func() bool { return len(m.Messages()) >= n }, waitFor, 5*time.Millisecond)
	return m.Messages()
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.URL = "http://example.com"

	_, err := New(cfg, zerolog.Nop())
	var cfgErr *config.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestManager_EchoScenario(t *testing.T) {
	m := newManager(t, startRelay(t))
	assert.Equal(t, ws.StateIdle, m.State())
	assert.NotEmpty(t, m.ID())

	startOpen(t, m)
	require.NoError(t, m.Send("ping"))

	msgs := waitMessages(t, m, 2)
	assert.Equal(t, []string{"echo:You have entered the chat.", "echo:ping"}, msgs)

	require.NoError(t, m.Shutdown())
	assert.Equal(t, ws.StateClosed, m.State())
	assert.NoError(t, waitDone(t, m))
	assert.NoError(t, m.Err())
}

func TestManager_GreetingPrecedesSends(t *testing.T) {
	received := make(chan string, 8)
	url := startStub(t, func(conn *websocket.Conn) {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				close(received)
				return
			}
			received <- string(data)
		}
	})

	m := newManager(t, url)
	startOpen(t, m)
	require.NoError(t, m.Send("first"))
	require.NoError(t, m.Send("second"))
	require.NoError(t, m.Shutdown())
	waitDone(t, m)

	var got []string
	for s := range received {
		got = append(got, s)
	}
	assert.Equal(t, []string{config.DefaultGreeting, "first", "second"}, got)
}

func TestManager_NoGreeting(t *testing.T) {
	m := newManager(t, startRelay(t), func(c *config.Config) { c.NoGreeting = true })
	startOpen(t, m)

	require.NoError(t, m.Send("ping"))
	assert.Equal(t, []string{"echo:ping"}, waitMessages(t, m, 1))
}

func TestManager_ShutdownSendsNormalClosure(t *testing.T) {
	closeErr := make(chan *websocket.CloseError, 1)
	url := startStub(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				var ce *websocket.CloseError
				if assert.ErrorAs(t, err, &ce) {
					closeErr <- ce
				}
				return
			}
		}
	})

	m := newManager(t, url)
	startOpen(t, m)
	require.NoError(t, m.Shutdown())

	select {
	case ce := <-closeErr:
		assert.Equal(t, websocket.CloseNormalClosure, ce.Code)
		assert.Equal(t, config.DefaultCloseReason, ce.Text)
	case <-time.After(waitFor):
		t.Fatal("relay never saw a close frame")
	}

	assert.NoError(t, waitDone(t, m))
	assert.Equal(t, ws.StateClosed, m.State())
	assert.ErrorIs(t, m.Send("late"), ErrNotConnected)
}

func TestManager_RelayCloseIsAnsweredWithNormalClosure(t *testing.T) {
	reply := make(chan int, 1)
	url := startStub(t, func(conn *websocket.Conn) {
		msg := websocket.FormatCloseMessage(4000, "bye")
		if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				var ce *websocket.CloseError
				if assert.ErrorAs(t, err, &ce) {
					reply <- ce.Code
				}
				return
			}
		}
	})

	m := newManager(t, url, func(c *config.Config) { c.NoGreeting = true })
	require.NoError(t, m.Start(context.Background()))

	select {
	case code := <-reply:
		assert.Equal(t, websocket.CloseNormalClosure, code)
	case <-time.After(waitFor):
		t.Fatal("client never answered the close")
	}

	assert.NoError(t, waitDone(t, m))
	assert.Equal(t, ws.StateClosed, m.State())
}

func TestManager_ConnectFailure(t *testing.T) {
	m := newManager(t, "ws://127.0.0.1:1")
	require.NoError(t, m.Start(context.Background()))

	err := waitDone(t, m)
	var connErr *ConnectError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "ws://127.0.0.1:1", connErr.URL)
	assert.Equal(t, ws.StateFailed, m.State())
	assert.ErrorIs(t, m.Send("hello"), ErrNotConnected)
	assert.Empty(t, m.Messages())
}

func TestManager_TransportFailureFreezesLog(t *testing.T) {
	url := startStub(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte("before drop"))
		// Returning closes the socket without a close frame.
	})

	m := newManager(t, url, func(c *config.Config) { c.NoGreeting = true })
	require.NoError(t, m.Start(context.Background()))

	err := waitDone(t, m)
	var trErr *TransportError
	require.ErrorAs(t, err, &trErr)
	assert.Equal(t, "read", trErr.Op)
	assert.Equal(t, ws.StateFailed, m.State())
	assert.Equal(t, []string{"before drop"}, m.Messages())

	// Failed is terminal; Shutdown must not change it.
	require.NoError(t, m.Shutdown())
	assert.Equal(t, ws.StateFailed, m.State())
}

func TestManager_StartTwice(t *testing.T) {
	m := newManager(t, startRelay(t))
	startOpen(t, m)

	assert.ErrorIs(t, m.Start(context.Background()), ErrAlreadyStarted)
	assert.Equal(t, ws.StateOpen, m.State())
}

func TestManager_ShutdownBeforeStart(t *testing.T) {
	m := newManager(t, startRelay(t))

	require.NoError(t, m.Shutdown())
	require.NoError(t, m.Shutdown())
	assert.Equal(t, ws.StateClosed, m.State())

	select {
	case <-m.Done():
	default:
		t.Fatal("Done not closed after Shutdown")
	}
	assert.ErrorIs(t, m.Start(context.Background()), ErrClosed)
}

func TestManager_ShutdownIsIdempotent(t *testing.T) {
	m := newManager(t, startRelay(t))
	startOpen(t, m)

	require.NoError(t, m.Shutdown())
	require.NoError(t, m.Shutdown())
	assert.NoError(t, waitDone(t, m))
	assert.Equal(t, ws.StateClosed, m.State())
}

func TestManager_SendBeforeStart(t *testing.T) {
	m := newManager(t, startRelay(t))
	assert.ErrorIs(t, m.Send("too early"), ErrNotConnected)
}

func TestManager_ConcurrentSendsKeepOrder(t *testing.T) {
	const (
		writers = 4
		each    = 25
	)

	m := newManager(t, startRelay(t), func(c *config.Config) { c.NoGreeting = true })
	startOpen(t, m)

	var g errgroup.Group
	for w := 0; w < writers; w++ {
		w := w
		g.Go(func() error {
			for i := 0; i < each; i++ {
				if err := m.Send(fmt.Sprintf("%d-%d", w, i)); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	msgs := waitMessages(t, m, writers*each)
	require.Len(t, msgs, writers*each)

	next := make([]int, writers)
	for _, msg := range msgs {
		parts := strings.SplitN(strings.TrimPrefix(msg, relay.DefaultPrefix), "-", 2)
		require.Len(t, parts, 2, msg)
		w, err := strconv.Atoi(parts[0])
		require.NoError(t, err)
		i, err := strconv.Atoi(parts[1])
		require.NoError(t, err)
		assert.Equal(t, next[w], i, "writer %d out of order", w)
		next[w] = i + 1
	}
}

func TestManager_SubscribeFollowsLog(t *testing.T) {
	m := newManager(t, startRelay(t))
	sub := m.Subscribe()
	defer sub.Close()

	startOpen(t, m)
	require.NoError(t, m.Send("ping"))

	var got []string
	deadline := time.After(waitFor)
	for len(got) < 2 {
		select {
		case <-sub.C():
			got = append(got, sub.Next()...)
		case <-deadline:
			t.Fatalf("only got %v", got)
		}
	}
	assert.Equal(t, []string{"echo:You have entered the chat.", "echo:ping"}, got)

	require.NoError(t, m.Shutdown())
	select {
	case _, ok := <-sub.C():
		for ok {
			_, ok = <-sub.C()
		}
	case <-time.After(waitFor):
		t.Fatal("subscription not closed after shutdown")
	}
}

func TestManager_EnvelopeFraming(t *testing.T) {
	m := newManager(t, startRelay(t), func(c *config.Config) {
		c.Framing = protocol.FramingEnvelope
		c.Sender = "alice"
	})
	startOpen(t, m)
	require.NoError(t, m.Send("ping"))

	// The relay passes binary frames through, so envelopes come back intact.
	msgs := waitMessages(t, m, 2)
	assert.Equal(t, []string{"alice: You have entered the chat.", "alice: ping"}, msgs)
}

func TestErrors(t *testing.T) {
	connErr := &ConnectError{URL: "ws://x:1", Err: assert.AnError}
	assert.Equal(t, "failed to connect to ws://x:1: "+assert.AnError.Error(), connErr.Error())
	assert.ErrorIs(t, connErr, assert.AnError)

	trErr := &TransportError{Op: "write", Err: assert.AnError}
	assert.Equal(t, "write failed: "+assert.AnError.Error(), trErr.Error())
	assert.ErrorIs(t, trErr, assert.AnError)
}
