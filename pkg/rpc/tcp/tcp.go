package tcp

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
)

// ErrTransportClosed is returned by Accept once the transport is closed. It
// matches net.ErrClosed.
var ErrTransportClosed = fmt.Errorf("transport is closed: %w", net.ErrClosed)

// setNoDelay sets the TCP_NODELAY option on a TCP connection
func setNoDelay(conn net.Conn, noDelay bool) error {
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		return tcpConn.SetNoDelay(noDelay)
	}
	return nil
}

// ServerTransport accepts raw TCP connections
type ServerTransport struct {
	Port     int
	NoDelay  bool
	listener net.Listener
	connCh   chan net.Conn
	mu       sync.Mutex
	closed   bool
}

type ServerTransportConfig struct {
	Port    int  // 0 picks a free port
	NoDelay bool // Disable Nagle's algorithm for better latency
}

func NewServerTransport(config ServerTransportConfig) *ServerTransport {
	return &ServerTransport{
		Port:    config.Port,
		NoDelay: config.NoDelay,
		connCh:  make(chan net.Conn, 16),
	}
}

func (t *ServerTransport) Listen() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.listener != nil {
		return fmt.Errorf("transport is already listening")
	}
	if t.closed {
		return ErrTransportClosed
	}

	l, err := net.Listen("tcp", fmt.Sprintf(":%d", t.Port))
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

		// Set TCP_NODELAY option
		if err := setNoDelay(conn, t.NoDelay); err != nil {
			conn.Close()
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

	if t.listener != nil {
		return t.listener.Close()
	}
	return nil
}

// ClientTransport dials raw TCP connections to one endpoint
type ClientTransport struct {
	Host    string
	Port    int
	NoDelay bool
}

type ClientTransportConfig struct {
	Host    string
	Port    int
	NoDelay bool // Disable Nagle's algorithm for better latency
}

func NewClientTransport(config ClientTransportConfig) *ClientTransport {
	return &ClientTransport{
		Host:    config.Host,
		Port:    config.Port,
		NoDelay: config.NoDelay,
	}
}

func (t *ClientTransport) Endpoint() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

func (t *ClientTransport) Connect(ctx context.Context) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", t.Endpoint())
	if err != nil {
		return nil, err
	}

	// Set TCP_NODELAY option
	if err := setNoDelay(conn, t.NoDelay); err != nil {
		conn.Close()
		return nil, err
	}

	return conn, nil
}
