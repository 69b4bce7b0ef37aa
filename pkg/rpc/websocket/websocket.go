package websocket

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrTransportClosed is returned by Accept once the transport is closed. It
// matches net.ErrClosed.
var ErrTransportClosed = fmt.Errorf("transport is closed: %w", net.ErrClosed)

const DefaultPath = "/h2"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16 * 1024,
	WriteBufferSize: 16 * 1024,
}

// WebSocketConnection carries a raw byte stream over binary WebSocket
// messages, so a session can be layered on top of it
type WebSocketConnection struct {
	conn    *websocket.Conn
	readMu  *sync.Mutex
	writeMu *sync.Mutex
	reader  io.Reader
}

func newConnection(conn *websocket.Conn) *WebSocketConnection {
	return &WebSocketConnection{
		conn:    conn,
		readMu:  &sync.Mutex{},
		writeMu: &sync.Mutex{},
	}
}

func (c *WebSocketConnection) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	for {
		if c.reader == nil {
			typ, r, err := c.conn.NextReader()
			if err != nil {
				// Check if this is a normal close error
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if typ != websocket.BinaryMessage {
				continue
			}
			c.reader = r
		}

		n, err := c.reader.Read(p)
		if errors.Is(err, io.EOF) {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *WebSocketConnection) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	err := c.conn.WriteMessage(websocket.BinaryMessage, p)
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *WebSocketConnection) Close() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	// Send a proper close frame before closing the connection
	// Use a short deadline to avoid blocking indefinitely
	deadline := time.Now().Add(time.Second)
	err := c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		deadline,
	)

	// Close the underlying connection regardless of whether the close frame was sent
	closeErr := c.conn.Close()

	// Return the write error if it occurred, otherwise the close error
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return err
	}
	return closeErr
}

func (c *WebSocketConnection) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

func (c *WebSocketConnection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *WebSocketConnection) SetDeadline(t time.Time) error {
	err := c.conn.SetReadDeadline(t)
	if err != nil {
		return err
	}
	return c.conn.SetWriteDeadline(t)
}

func (c *WebSocketConnection) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *WebSocketConnection) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}

// ServerTransport accepts raw connections tunnelled through WebSocket upgrades
type ServerTransport struct {
	Port     int
	Path     string
	CertFile string
	KeyFile  string
	server   *http.Server
	listener net.Listener
	connCh   chan net.Conn
	mu       *sync.Mutex
	closed   bool
}

type ServerTransportConfig struct {
	Port     int    // 0 picks a free port
	Path     string // Upgrade path (default: /h2)
	CertFile string // Optional: for TLS
	KeyFile  string // Optional: for TLS
}

func NewServerTransport(config ServerTransportConfig) *ServerTransport {
	path := config.Path
	if path == "" {
		path = DefaultPath
	}
	return &ServerTransport{
		Port:     config.Port,
		Path:     path,
		CertFile: config.CertFile,
		KeyFile:  config.KeyFile,
		connCh:   make(chan net.Conn, 16), // buffered channel for connections
		mu:       &sync.Mutex{},
	}
}

func (t *ServerTransport) Listen() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.server != nil {
		return fmt.Errorf("transport is already listening")
	}

	l, err := net.Listen("tcp", fmt.Sprintf(":%d", t.Port))
	if err != nil {
		return err
	}
	t.listener = l

	mux := http.NewServeMux()
	mux.HandleFunc(t.Path, t.handleWebSocket)

	t.server = &http.Server{
		Handler: mux,
	}

	server := t.server
	go func() {
		if t.CertFile != "" && t.KeyFile != "" {
			server.ServeTLS(l, t.CertFile, t.KeyFile)
		} else {
			server.Serve(l)
		}
	}()

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

func (t *ServerTransport) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.closed {
		select {
		case t.connCh <- newConnection(conn):
		default:
			// Channel is full, close the connection
			conn.Close()
		}
	} else {
		conn.Close()
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
		return nil // Already closed
	}

	t.closed = true
	close(t.connCh)

	if t.server != nil {
		// hijacked tunnels are not affected
		return t.server.Close()
	}
	return nil
}

// ClientTransport dials raw connections tunnelled through a WebSocket
type ClientTransport struct {
	Host      string
	Port      int
	Path      string
	TLSConfig *tls.Config
}

type ClientTransportConfig struct {
	Host      string
	Port      int
	Path      string // Upgrade path (default: /h2)
	TLSConfig *tls.Config
}

func NewClientTransport(config ClientTransportConfig) *ClientTransport {
	path := config.Path
	if path == "" {
		path = DefaultPath
	}
	return &ClientTransport{
		Host:      config.Host,
		Port:      config.Port,
		Path:      path,
		TLSConfig: config.TLSConfig,
	}
}

func (t *ClientTransport) Endpoint() string {
	scheme := "ws"
	if t.TLSConfig != nil {
		scheme = "wss"
	}
	u := url.URL{Scheme: scheme, Host: fmt.Sprintf("%s:%d", t.Host, t.Port), Path: t.Path}
	return u.String()
}

func (t *ClientTransport) Connect(ctx context.Context) (net.Conn, error) {
	// create dialer
	dialer := websocket.Dialer{}
	if t.TLSConfig != nil {
		// Configure the Dialer to use SSL/TLS
		dialer.TLSClientConfig = t.TLSConfig
	}

	// connect to the WebSocket server
	conn, _, err := dialer.DialContext(ctx, t.Endpoint(), nil)
	if err != nil {
		return nil, err
	}

	return newConnection(conn), nil
}
