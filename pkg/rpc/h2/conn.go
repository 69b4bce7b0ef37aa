package h2

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/http2"

	"github.com/kbirk/h2rpc/pkg/rpc"
)

// x/net keeps the errors of streams aborted before reaching the server
// unexported, so they are matched by text
var unprocessedErrors = []string{
	"http2: client conn not usable",
	"http2: Transport received Server's graceful shutdown GOAWAY",
}

// refused reports whether a round trip failed before the server processed
// the stream, so it may be sent again on another session
func refused(err error) bool {
	var se http2.StreamError
	if errors.As(err, &se) {
		return se.Code == http2.ErrCodeRefusedStream
	}
	for _, msg := range unprocessedErrors {
		if err.Error() == msg {
			return true
		}
	}
	return false
}

// conn is one HTTP/2 client session
type conn struct {
	cc        *http2.ClientConn
	target    string
	destroyed atomic.Bool
}

func (c *conn) OpenStream(ctx context.Context, header http.Header) (rpc.OutboundStream, error) {
	if !c.Accepting() {
		return nil, rpc.ErrNoNewStreams
	}

	pr, pw := io.Pipe()
	sctx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(sctx, http.MethodPost, c.target, pr)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header = header.Clone()
	req.ContentLength = -1

	s := &stream{
		pw:     pw,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		resp, err := c.cc.RoundTrip(req)
		if err != nil {
			if refused(err) {
				err = fmt.Errorf("%w: %v", rpc.ErrNoNewStreams, err)
			}
			pr.CloseWithError(err)
		}
		s.resp, s.err = resp, err
		close(s.done)
	}()

	return s, nil
}

func (c *conn) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	err := c.cc.Ping(ctx)
	if err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

func (c *conn) Shutdown(ctx context.Context) error {
	if c.Destroyed() {
		return nil
	}
	return c.cc.Shutdown(ctx)
}

func (c *conn) Destroy() error {
	if !c.destroyed.CompareAndSwap(false, true) {
		return nil
	}
	return c.cc.Close()
}

func (c *conn) Destroyed() bool {
	return c.destroyed.Load() || c.cc.State().Closed
}

func (c *conn) Accepting() bool {
	return !c.Destroyed() && c.cc.CanTakeNewRequest()
}

// stream is one POST exchange; the request body is piped into the round trip
type stream struct {
	pw         *io.PipeWriter
	cancel     context.CancelFunc
	done       chan struct{}
	resp       *http.Response
	err        error
	cancelOnce sync.Once
}

func (s *stream) Write(p []byte) (int, error) {
	n, err := s.pw.Write(p)
	if err != nil {
		return n, s.failure(err)
	}
	return n, nil
}

// failure reports why the round trip stopped reading the body. The pipe
// error alone hides a stream the session refused.
func (s *stream) failure(err error) error {
	<-s.done
	if s.err != nil {
		return s.err
	}
	return err
}

func (s *stream) End() error {
	return s.pw.Close()
}

func (s *stream) Response(ctx context.Context) (int, io.ReadCloser, error) {
	select {
	case <-s.done:
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
	if s.err != nil {
		return 0, nil, s.err
	}
	return s.resp.StatusCode, s.resp.Body, nil
}

func (s *stream) Cancel() {
	s.cancelOnce.Do(func() {
		s.pw.CloseWithError(context.Canceled)
		s.cancel()
	})
}
