// Package relay implements a small websocket relay: every text message a
// client sends comes back prefixed, either to that client alone or to every
// connected client.
package relay

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/omochice/echochat/internal/chat"
	"github.com/omochice/echochat/pkg/protocol"
)

// Mode selects who receives a relayed message.
type Mode string

const (
	// ModeEcho sends each message back to its sender only.
	ModeEcho Mode = "echo"
	// ModeBroadcast sends each message to every connected client,
	// the sender included.
	ModeBroadcast Mode = "broadcast"
)

// ParseMode parses a relay mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(s)); m {
	case ModeEcho, ModeBroadcast:
		return m, nil
	default:
		return "", fmt.Errorf("unknown mode %q (want %q or %q)", s, ModeEcho, ModeBroadcast)
	}
}

// ErrServerStopped is returned by Start after Stop.
var ErrServerStopped = errors.New("server stopped")

const (
	DefaultAddress = ":8765"
	DefaultPath    = "/"
	DefaultPrefix  = "echo:"
	DefaultQueue   = 32
)

// Options configures a Server.
type Options struct {
	Address      string
	Path         string
	Prefix       string // prepended to relayed text frames
	Mode         Mode
	Queue        int // per-client outgoing queue
	WriteTimeout time.Duration
	Logger       zerolog.Logger
}

// Server is the websocket relay.
type Server struct {
	opts     Options
	upgrader websocket.Upgrader
	hub      *chat.Hub
	logger   zerolog.Logger

	listener net.Listener
	server   *http.Server
	quit     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Server. Zero option fields take their defaults.
func New(opts Options) *Server {
	if opts.Address == "" {
		opts.Address = DefaultAddress
	}
	if opts.Path == "" {
		opts.Path = DefaultPath
	}
	if opts.Mode == "" {
		opts.Mode = ModeEcho
	}
	if opts.Queue <= 0 {
		opts.Queue = DefaultQueue
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}

	return &Server{
		opts: opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // local relay, any origin
			},
		},
		hub:    chat.NewHub(),
		logger: opts.Logger.With().Str("component", "relay").Str("mode", string(opts.Mode)).Logger(),
		quit:   make(chan struct{}),
	}
}

// Handler returns the HTTP handler serving websocket upgrades on the
// configured path.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.opts.Path, s.handleWebSocket)
	return mux
}

// Listen binds the listening socket without serving.
func (s *Server) Listen() error {
	listener, err := net.Listen("tcp", s.opts.Address)
	if err != nil {
		return errors.Wrap(err, "failed to start server")
	}
	s.listener = listener
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// Start serves until Stop is called or the listener fails. It calls Listen
// first if needed.
func (s *Server) Start() error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	s.logger.Info().Str("addr", s.Addr()).Str("path", s.opts.Path).Msg("relay started")

	errChan := make(chan error, 1)
	go func() {
		if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return errors.Wrap(err, "failed to serve")
	case <-s.quit:
		return ErrServerStopped
	}
}

// Stop closes the listener and every client connection, then waits for the
// client goroutines.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.quit)

		if s.server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			_ = s.server.Shutdown(ctx)
			cancel()
		}

		for _, client := range s.hub.Clients() {
			_ = client.Conn.Close()
		}
	})
	s.wg.Wait()
	s.logger.Info().Msg("relay stopped")
}

// Addr returns the listening address, or "" before Listen.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// URL returns the ws:// address clients should dial.
func (s *Server) URL() string {
	return "ws://" + s.Addr() + s.opts.Path
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	return s.hub.ClientCount()
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.wg.Add(1)
	defer s.wg.Done()

	select {
	case <-s.quit:
		http.Error(w, "relay stopped", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to upgrade connection")
		return
	}

	client := chat.NewClient(newWSConn(conn, s.opts.WriteTimeout), s.opts.Queue)
	s.hub.Register(client)

	select {
	case <-s.quit:
		// Stop already swept the hub.
		_ = client.Conn.Close()
	default:
	}

	s.handleClient(client)
}

// handleClient serves one client until its connection ends.
func (s *Server) handleClient(client *chat.Client) {
	logger := s.logger.With().Str("remote", client.Conn.RemoteAddr()).Logger()
	logger.Info().Int("clients", s.hub.ClientCount()).Msg("client connected")

	ctx, cancel := context.WithCancel(context.Background())
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for f := range client.Outgoing {
			if err := client.Conn.Write(ctx, f); err != nil {
				logger.Warn().Err(err).Msg("failed to send message to client")
				cancel()
				_ = client.Conn.Close()
				return
			}
		}
	}()

	defer func() {
		s.hub.Unregister(client)
		close(client.Outgoing)
		<-writerDone
		cancel()
		_ = client.Conn.Close()
		logger.Info().Int("clients", s.hub.ClientCount()).Msg("client disconnected")
	}()

	for {
		f, err := client.Conn.Read(ctx)
		if err != nil {
			var ce *websocket.CloseError
			switch {
			case errors.As(err, &ce):
				logger.Debug().Int("code", ce.Code).Str("reason", ce.Text).Msg("client closed")
			default:
				logger.Debug().Err(err).Msg("read ended")
			}
			return
		}

		out := s.relay(f)
		logger.Debug().Bool("binary", f.Binary).Int("bytes", len(f.Payload)).Msg("relaying")

		switch s.opts.Mode {
		case ModeBroadcast:
			if dropped := s.hub.Broadcast(out); dropped > 0 {
				logger.Warn().Int("dropped", dropped).Msg("client queues full, message skipped")
			}
		default:
			select {
			case client.Outgoing <- out:
			case <-ctx.Done():
				return
			}
		}
	}
}

// relay prefixes text frames; binary frames pass unchanged.
func (s *Server) relay(f protocol.Frame) protocol.Frame {
	if f.Binary {
		return f
	}
	return protocol.TextFrame(s.opts.Prefix + string(f.Payload))
}
