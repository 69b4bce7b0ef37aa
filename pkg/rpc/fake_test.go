package rpc

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

type responder func(header http.Header, body []byte) (int, string)

func echoResponder(header http.Header, body []byte) (int, string) {
	return http.StatusOK, string(body)
}

type fakeProvider struct {
	mu        sync.Mutex
	opens     int
	conns     []*fakeConn
	openDelay time.Duration
	openBlock chan struct{}
	blocked   int
	openErr   error
	onOpen    func(EventHandler)
	respond   responder
	// every new conn refuses its first streams, at open or at response
	refuseOpens     int
	refuseResponses int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		respond: echoResponder,
	}
}

func (p *fakeProvider) Endpoint() string {
	return "fake:443"
}

func (p *fakeProvider) Open(ctx context.Context, handler EventHandler) (Conn, error) {
	if p.openDelay > 0 {
		time.Sleep(p.openDelay)
	}
	if p.openBlock != nil {
		p.mu.Lock()
		p.blocked++
		p.mu.Unlock()
		select {
		case <-p.openBlock:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	p.opens++
	if p.openErr != nil {
		p.mu.Unlock()
		return nil, p.openErr
	}
	c := &fakeConn{
		handler:         handler,
		respond:         p.respond,
		refuseOpens:     p.refuseOpens,
		refuseResponses: p.refuseResponses,
	}
	p.conns = append(p.conns, c)
	onOpen := p.onOpen
	p.mu.Unlock()

	handler(Connected{})
	if onOpen != nil {
		onOpen(handler)
	}
	return c, nil
}

func (p *fakeProvider) openCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opens
}

func (p *fakeProvider) blockedOpens() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.blocked
}

func (p *fakeProvider) conn(i int) *fakeConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conns[i]
}

type fakeConn struct {
	handler      EventHandler
	respond      responder
	mu           sync.Mutex
	destroyed    bool
	destroyCalls int
	pings        int
	pingErr      error
	closeErr     error
	ops          []string
	onShutdown   func()
	notAccepting bool
	// refused streams, the session keeps reporting itself as accepting
	refuseOpens     int
	refuseResponses int
}

func (c *fakeConn) record(op string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ops = append(c.ops, op)
}

func (c *fakeConn) operations() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ops...)
}

func (c *fakeConn) OpenStream(ctx context.Context, header http.Header) (OutboundStream, error) {
	if c.Destroyed() {
		return nil, fmt.Errorf("session destroyed")
	}
	c.mu.Lock()
	if c.notAccepting || c.refuseOpens > 0 {
		c.refuseOpens--
		c.mu.Unlock()
		return nil, ErrNoNewStreams
	}
	c.mu.Unlock()
	c.record("open-stream")
	return &fakeStream{conn: c, header: header}, nil
}

func (c *fakeConn) Accepting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.destroyed && !c.notAccepting
}

func (c *fakeConn) stopAccepting() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notAccepting = true
}

func (c *fakeConn) refuseResponse() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.refuseResponses > 0 {
		c.refuseResponses--
		return true
	}
	return false
}

func (c *fakeConn) Ping(ctx context.Context) (time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pings++
	if c.pingErr != nil {
		return 0, c.pingErr
	}
	return time.Millisecond, nil
}

func (c *fakeConn) pingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pings
}

func (c *fakeConn) setPingErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pingErr = err
}

func (c *fakeConn) Shutdown(ctx context.Context) error {
	c.record("shutdown")
	if c.onShutdown != nil {
		c.onShutdown()
	}
	return nil
}

func (c *fakeConn) Destroy() error {
	c.mu.Lock()
	c.destroyCalls++
	c.destroyed = true
	c.ops = append(c.ops, "destroy")
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Destroyed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyed
}

func (c *fakeConn) destroyCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyCalls
}

type fakeStream struct {
	conn   *fakeConn
	header http.Header
	body   bytes.Buffer
	ended  bool
}

func (s *fakeStream) Write(p []byte) (int, error) {
	return s.body.Write(p)
}

func (s *fakeStream) End() error {
	s.ended = true
	return nil
}

func (s *fakeStream) Response(ctx context.Context) (int, io.ReadCloser, error) {
	if !s.ended {
		return 0, nil, fmt.Errorf("request not ended")
	}
	if s.conn.refuseResponse() {
		return 0, nil, fmt.Errorf("%w: stream 3 above last stream 1", ErrNoNewStreams)
	}
	status, body := s.conn.respond(s.header, s.body.Bytes())
	s.conn.mu.Lock()
	closeErr := s.conn.closeErr
	s.conn.mu.Unlock()
	return status, &fakeBody{Reader: strings.NewReader(body), closeErr: closeErr}, nil
}

func (s *fakeStream) Cancel() {}

type fakeBody struct {
	io.Reader
	closeErr error
}

func (b *fakeBody) Close() error {
	return b.closeErr
}

type recordingLogger struct {
	mu      sync.Mutex
	entries []string
}

func (l *recordingLogger) add(level string, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, level+": "+msg)
}

func (l *recordingLogger) Trace(msg string) { l.add("trace", msg) }
func (l *recordingLogger) Debug(msg string) { l.add("debug", msg) }
func (l *recordingLogger) Info(msg string)  { l.add("info", msg) }
func (l *recordingLogger) Warn(msg string)  { l.add("warn", msg) }
func (l *recordingLogger) Error(msg string) { l.add("error", msg) }

func (l *recordingLogger) contains(level string, substr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if strings.HasPrefix(e, level+": ") && strings.Contains(e, substr) {
			return true
		}
	}
	return false
}
