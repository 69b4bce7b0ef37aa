package rpc

import (
	"context"
	"io"
	"net"
	"net/http"
	"time"
)

// ClientTransport establishes raw byte connections to a single endpoint. The
// session provider layers a multiplexed session on top of them.
type ClientTransport interface {
	// Connect dials the endpoint
	Connect(ctx context.Context) (net.Conn, error)

	// Endpoint describes the dialed address, for diagnostics
	Endpoint() string
}

// ServerTransport accepts raw byte connections for the server
type ServerTransport interface {
	// Listen starts listening for incoming connections
	Listen() error

	// Accept blocks until a new connection is available. Once the transport
	// is closed it returns an error matching net.ErrClosed.
	Accept() (net.Conn, error)

	// Close stops listening and closes the transport
	Close() error

	// Addr returns the listening address, nil before Listen
	Addr() net.Addr
}

// EventHandler receives session lifecycle events from a provider. It may be
// invoked from any goroutine.
type EventHandler func(Event)

// SessionProvider opens multiplexed sessions to a fixed endpoint
type SessionProvider interface {
	// Open establishes a new session, delivering its lifecycle events to
	// handler until the session is gone
	Open(ctx context.Context, handler EventHandler) (Conn, error)

	// Endpoint describes the target of the sessions, for diagnostics
	Endpoint() string
}

// Conn is the transport handle of one live session
type Conn interface {
	// OpenStream opens a new outbound POST stream carrying the given headers.
	// It fails with ErrNoNewStreams once the connection stopped accepting.
	OpenStream(ctx context.Context, header http.Header) (OutboundStream, error)

	// Ping measures the round trip of a keepalive ping
	Ping(ctx context.Context) (time.Duration, error)

	// Shutdown stops accepting new streams and waits for in-flight streams
	// to finish
	Shutdown(ctx context.Context) error

	// Destroy tears down the connection immediately, it is idempotent
	Destroy() error

	// Destroyed reports whether the connection has been torn down
	Destroyed() bool

	// Accepting reports whether the connection still takes new streams. It
	// turns false once either side sent GOAWAY.
	Accepting() bool
}

// OutboundStream is one request/response exchange of a session
type OutboundStream interface {
	// Write sends request body bytes
	Write(p []byte) (int, error)

	// End signals the end of the request body
	End() error

	// Response blocks until the response headers arrive. The body yields the
	// response chunks until io.EOF marks the end of the stream.
	Response(ctx context.Context) (int, io.ReadCloser, error)

	// Cancel abandons the exchange, it is a no-op once the response body has
	// been fully read
	Cancel()
}
