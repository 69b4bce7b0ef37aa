package rpc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kbirk/h2rpc/pkg/log"
)

const readChunkSize = 16 * 1024

type Client struct {
	conf     ClientConfig
	sessions *SessionManager
}

type ClientConfig struct {
	Provider          SessionProvider
	KeepaliveInterval time.Duration // Interval between session pings (default: 60s)
	PingTimeout       time.Duration // Deadline of a single ping (default: 10s)
	ShutdownTimeout   time.Duration // Deadline of a GOAWAY-triggered shutdown (default: 30s)
	MaxPingFailures   int           // Consecutive ping failures that destroy the session (0 never destroys)
	ErrHandler        func(error)
	Logger            log.Logger
	middleware        []Middleware
}

func NewClient(conf ClientConfig) *Client {
	return &Client{
		conf: conf,
		sessions: NewSessionManager(SessionConfig{
			Provider:          conf.Provider,
			KeepaliveInterval: conf.KeepaliveInterval,
			PingTimeout:       conf.PingTimeout,
			ShutdownTimeout:   conf.ShutdownTimeout,
			MaxPingFailures:   conf.MaxPingFailures,
			ErrHandler:        conf.ErrHandler,
			Logger:            conf.Logger,
		}),
	}
}

func (c *Client) Middleware(middleware Middleware) {
	c.conf.middleware = append(c.conf.middleware, middleware)
}

func (c *Client) GetMiddleware() []Middleware {
	return c.conf.middleware
}

// Sessions exposes the session manager of the client
func (c *Client) Sessions() *SessionManager {
	return c.sessions
}

// Connect establishes the session ahead of the first call
func (c *Client) Connect(ctx context.Context) error {
	_, err := c.sessions.EnsureActive(ctx)
	return err
}

// Close destroys the session, aborting any in-flight calls
func (c *Client) Close() error {
	return c.sessions.Destroy()
}

// Shutdown lets in-flight calls finish before closing the session
func (c *Client) Shutdown(ctx context.Context) error {
	return c.sessions.GracefulShutdown(ctx)
}

func (c *Client) logDebug(msg string) {
	if c.conf.Logger != nil {
		c.conf.Logger.Debug(msg)
	}
}

func (c *Client) logError(msg string) {
	if c.conf.Logger != nil {
		c.conf.Logger.Error(msg)
	}
}

// Execute sends msg over a new stream of the session and resolves the
// response. Non-200 responses are returned as *ApplicationError,
// *ParseError or *StatusError. Failed calls are never retried, but a stream
// refused by a session that is going away moves to a new session once.
func (c *Client) Execute(ctx context.Context, msg []byte) (*Result, error) {
	return ApplyHandlerChain(ctx, msg, c.conf.middleware, c.execute)
}

func (c *Client) execute(ctx context.Context, msg []byte) (*Result, error) {
	res, err := c.attempt(ctx, msg)
	if errors.Is(err, ErrNoNewStreams) {
		// the stream was refused before the peer saw it, a fresh session
		// gets one more try
		c.logDebug("Session stopped accepting streams, reconnecting")
		return c.attempt(ctx, msg)
	}
	return res, err
}

func (c *Client) attempt(ctx context.Context, msg []byte) (*Result, error) {
	sess, err := c.sessions.EnsureActive(ctx)
	if err != nil {
		return nil, err
	}

	conn, err := sess.activeConn()
	if err != nil {
		return nil, err
	}

	cl := newCall(c, uuid.NewString())

	header := http.Header{}
	header.Set(HeaderRequestID, cl.id)
	SerializeContext(header, ctx)

	stream, err := conn.OpenStream(ctx, header)
	if err != nil {
		if errors.Is(err, ErrNoNewStreams) {
			sess.retire()
		}
		return nil, fmt.Errorf("failed to open stream to %s: %w", sess.Endpoint(), err)
	}
	defer stream.Cancel()
	c.logDebug("Opened stream for request " + cl.id)

	res, err := cl.exchange(ctx, stream, msg)
	if errors.Is(err, ErrNoNewStreams) {
		sess.retire()
	}
	return res, err
}

// exchange sends msg over stream and resolves the response
func (c *call) exchange(ctx context.Context, stream OutboundStream, msg []byte) (*Result, error) {
	_, err := stream.Write(msg)
	if err != nil {
		c.onError(err)
		return c.outcome()
	}
	err = stream.End()
	if err != nil {
		c.onError(err)
		return c.outcome()
	}

	status, body, err := stream.Response(ctx)
	if err != nil {
		c.onError(err)
		return c.outcome()
	}
	c.onResponse(status)

	chunk := make([]byte, readChunkSize)
	for {
		n, err := body.Read(chunk)
		if n > 0 {
			c.onData(chunk[:n])
		}
		if errors.Is(err, io.EOF) {
			c.onEnd()
			break
		}
		if err != nil {
			c.onError(err)
			break
		}
	}

	// errors surfacing after the end of the stream only reach the log
	err = body.Close()
	if err != nil {
		c.onError(err)
	}

	return c.outcome()
}

// call is one in-flight exchange. It settles exactly once; later
// resolutions are dropped.
type call struct {
	client    *Client
	id        string
	once      sync.Once
	status    int
	statusSet bool
	body      *bytes.Buffer
	result    *Result
	err       error
}

func newCall(client *Client, id string) *call {
	return &call{
		client: client,
		id:     id,
		body:   getBuffer(),
	}
}

func (c *call) settle(res *Result, err error) {
	c.once.Do(func() {
		c.result = res
		c.err = err
	})
}

func (c *call) onResponse(status int) {
	if c.statusSet {
		return
	}
	c.status = status
	c.statusSet = true
}

func (c *call) onData(chunk []byte) {
	c.body.Write(chunk)
}

func (c *call) onEnd() {
	text := strings.ToValidUTF8(c.body.String(), "\uFFFD")
	c.settle(resolve(c.status, text))
}

func (c *call) onError(err error) {
	c.client.logError(fmt.Sprintf("Request error: %v (request %s)", err, c.id))
	c.settle(nil, err)
}

func (c *call) outcome() (*Result, error) {
	// guards against a path that never settled
	c.settle(nil, fmt.Errorf("%w: request %s ended without a response", ErrSessionLost, c.id))
	putBuffer(c.body)
	c.body = nil
	return c.result, c.err
}
