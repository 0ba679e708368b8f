package chat_test

import (
	"context"
	"io"
	"sync"

	"github.com/omochice/echochat/internal/chat"
	"github.com/omochice/echochat/pkg/protocol"
)

// mockConn is a mock implementation of chat.Conn for testing.
type mockConn struct {
	readCh     chan protocol.Frame
	writtenMu  sync.Mutex
	written    []protocol.Frame
	closed     bool
	remoteAddr string
}

func newMockConn(addr string) *mockConn {
	return &mockConn{
		readCh:     make(chan protocol.Frame, 10),
		remoteAddr: addr,
	}
}

func (m *mockConn) Read(ctx context.Context) (protocol.Frame, error) {
	select {
	case <-ctx.Done():
		return protocol.Frame{}, ctx.Err()
	case f, ok := <-m.readCh:
		if !ok {
			return protocol.Frame{}, io.EOF
		}
		return f, nil
	}
}

func (m *mockConn) Write(ctx context.Context, f protocol.Frame) error {
	m.writtenMu.Lock()
	defer m.writtenMu.Unlock()
	m.written = append(m.written, f)
	return nil
}

func (m *mockConn) Close() error {
	m.closed = true
	return nil
}

func (m *mockConn) RemoteAddr() string {
	return m.remoteAddr
}

// Compile-time check that mockConn implements chat.Conn
var _ chat.Conn = (*mockConn)(nil)
