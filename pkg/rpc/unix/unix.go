package unix

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
)

// ErrTransportClosed is returned by Accept once the transport is closed. It
// matches net.ErrClosed.
var ErrTransportClosed = fmt.Errorf("transport is closed: %w", net.ErrClosed)

// ServerTransport accepts raw connections on a Unix socket
type ServerTransport struct {
	SocketPath string
	listener   net.Listener
	connCh     chan net.Conn
	mu         sync.Mutex
	closed     bool
}

type ServerTransportConfig struct {
	SocketPath string // Path to the Unix socket file
}

func NewServerTransport(config ServerTransportConfig) *ServerTransport {
	return &ServerTransport{
		SocketPath: config.SocketPath,
		connCh:     make(chan net.Conn, 16),
	}
}

func (t *ServerTransport) Listen() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.listener != nil {
		return fmt.Errorf("transport is already listening")
	}

	// Remove existing socket file if it exists
	if err := os.RemoveAll(t.SocketPath); err != nil {
		return fmt.Errorf("failed to remove existing socket file: %w", err)
	}

	l, err := net.Listen("unix", t.SocketPath)
	if err != nil {
		return err
	}
	t.listener = l

	go t.acceptLoop(l)

	return nil
}

func (t *ServerTransport) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

func (t *ServerTransport) acceptLoop(l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			// Check if closed
			t.mu.Lock()
			if t.closed {
				t.mu.Unlock()
				return
			}
			t.mu.Unlock()
			continue
		}

		t.mu.Lock()
		if !t.closed {
			select {
			case t.connCh <- conn:
			default:
				conn.Close()
			}
		} else {
			conn.Close()
		}
		t.mu.Unlock()
	}
}

func (t *ServerTransport) Accept() (net.Conn, error) {
	conn, ok := <-t.connCh
	if !ok {
		return nil, ErrTransportClosed
	}
	return conn, nil
}

func (t *ServerTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}

	t.closed = true
	close(t.connCh)

	var err error
	if t.listener != nil {
		err = t.listener.Close()
	}

	// Clean up socket file
	os.RemoveAll(t.SocketPath)

	return err
}

// ClientTransport dials raw connections to a Unix socket
type ClientTransport struct {
	SocketPath string
}

type ClientTransportConfig struct {
	SocketPath string // Path to the Unix socket file
}

func NewClientTransport(config ClientTransportConfig) *ClientTransport {
	return &ClientTransport{
		SocketPath: config.SocketPath,
	}
}

func (t *ClientTransport) Endpoint() string {
	return "unix:" + t.SocketPath
}

func (t *ClientTransport) Connect(ctx context.Context) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "unix", t.SocketPath)
}
