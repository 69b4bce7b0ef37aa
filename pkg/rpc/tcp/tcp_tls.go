package tcp

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
)

// ALPN protocol identifier negotiated for HTTP/2 over TLS
const protocolH2 = "h2"

// ServerTransportTLS accepts raw TCP connections wrapped in TLS
type ServerTransportTLS struct {
	Port     int
	NoDelay  bool
	CertFile string
	KeyFile  string
	listener net.Listener
	connCh   chan net.Conn
	mu       sync.Mutex
	closed   bool
}

type ServerTransportTLSConfig struct {
	Port     int
	NoDelay  bool   // Disable Nagle's algorithm (default: true)
	CertFile string // Server certificate file (PEM)
	KeyFile  string // Server private key file (PEM)
}

func NewServerTransportTLS(config ServerTransportTLSConfig) *ServerTransportTLS {
	return &ServerTransportTLS{
		Port:     config.Port,
		NoDelay:  config.NoDelay,
		CertFile: config.CertFile,
		KeyFile:  config.KeyFile,
		connCh:   make(chan net.Conn, 16),
	}
}

func (t *ServerTransportTLS) Listen() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.listener != nil {
		return fmt.Errorf("transport is already listening")
	}

	cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
	if err != nil {
		return fmt.Errorf("failed to load certificate: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		NextProtos:   []string{protocolH2},
	}

	l, err := tls.Listen("tcp", fmt.Sprintf(":%d", t.Port), tlsConfig)
	if err != nil {
		return err
	}
	t.listener = l

	go t.acceptLoop(l)

	return nil
}

func (t *ServerTransportTLS) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

func (t *ServerTransportTLS) acceptLoop(l net.Listener) {
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

		// Set TCP_NODELAY option on the underlying TCP connection
		if tlsConn, ok := conn.(*tls.Conn); ok {
			if tcpConn, ok := tlsConn.NetConn().(*net.TCPConn); ok {
				tcpConn.SetNoDelay(t.NoDelay)
			}
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

func (t *ServerTransportTLS) Accept() (net.Conn, error) {
	conn, ok := <-t.connCh
	if !ok {
		return nil, ErrTransportClosed
	}
	return conn, nil
}

func (t *ServerTransportTLS) Close() error {
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

// ClientTransportTLS dials TCP connections wrapped in TLS, negotiating h2
type ClientTransportTLS struct {
	Host               string
	Port               int
	NoDelay            bool
	InsecureSkipVerify bool
	CAFile             string
}

type ClientTransportTLSConfig struct {
	Host               string
	Port               int
	NoDelay            bool   // Disable Nagle's algorithm (default: true)
	InsecureSkipVerify bool   // Skip certificate verification (for testing)
	CAFile             string // Optional CA certificate file for verification
}

func NewClientTransportTLS(config ClientTransportTLSConfig) *ClientTransportTLS {
	return &ClientTransportTLS{
		Host:               config.Host,
		Port:               config.Port,
		NoDelay:            config.NoDelay,
		InsecureSkipVerify: config.InsecureSkipVerify,
		CAFile:             config.CAFile,
	}
}

func (t *ClientTransportTLS) Endpoint() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

func (t *ClientTransportTLS) Connect(ctx context.Context) (net.Conn, error) {
	tlsConfig := &tls.Config{
		ServerName:         t.Host,
		InsecureSkipVerify: t.InsecureSkipVerify,
		MinVersion:         tls.VersionTLS12,
		NextProtos:         []string{protocolH2},
	}

	// Load CA certificate if provided
	if t.CAFile != "" {
		caCert, err := os.ReadFile(t.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsConfig.RootCAs = caCertPool
	}

	dialer := &tls.Dialer{
		Config: tlsConfig,
	}
	conn, err := dialer.DialContext(ctx, "tcp", t.Endpoint())
	if err != nil {
		return nil, err
	}
	tlsConn := conn.(*tls.Conn)

	if p := tlsConn.ConnectionState().NegotiatedProtocol; p != protocolH2 {
		conn.Close()
		return nil, fmt.Errorf("server did not negotiate %s, got %q", protocolH2, p)
	}

	// Set TCP_NODELAY option on the underlying TCP connection
	if tcpConn, ok := tlsConn.NetConn().(*net.TCPConn); ok {
		tcpConn.SetNoDelay(t.NoDelay)
	}

	return conn, nil
}
