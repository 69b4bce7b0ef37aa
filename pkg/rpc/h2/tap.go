package h2

import (
	"bytes"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
	"golang.org/x/net/http2"

	"github.com/kbirk/h2rpc/pkg/rpc"
)

// largest frame payload HTTP/2 allows
const maxFrameSize = 1<<24 - 1

// tappedConn mirrors every byte the peer sends into a frame tap and turns
// connection failures into session events
type tappedConn struct {
	net.Conn
	handler   rpc.EventHandler
	tap       *frameTap
	closed    atomic.Bool
	failed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func newTappedConn(conn net.Conn, handler rpc.EventHandler) *tappedConn {
	c := &tappedConn{
		Conn:    conn,
		handler: handler,
		tap:     newFrameTap(),
	}
	go c.tap.run(handler)
	return c
}

func (c *tappedConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		c.tap.feed(p[:n])
	}
	if err != nil {
		c.fail(err)
	}
	return n, err
}

func (c *tappedConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	if err != nil {
		c.fail(err)
	}
	return n, err
}

func (c *tappedConn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.closeErr = c.Conn.Close()
		c.tap.close()
		c.handler(rpc.Closed{})
	})
	return c.closeErr
}

// fail reports the first unexpected connection error, a peer hanging up or
// our own close is not one
func (c *tappedConn) fail(err error) {
	if c.closed.Load() || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return
	}
	if c.failed.CompareAndSwap(false, true) {
		c.handler(rpc.SocketError{Err: err})
	}
}

// frameTap decodes the inbound frame sequence off the read path. Chunks are
// queued so the connection reader never waits on it.
type frameTap struct {
	mu     *sync.Mutex
	cond   *sync.Cond
	chunks *queue.Queue
	cur    []byte
	closed bool
}

func newFrameTap() *frameTap {
	mu := &sync.Mutex{}
	return &frameTap{
		mu:     mu,
		cond:   sync.NewCond(mu),
		chunks: queue.New(),
	}
}

func (t *frameTap) feed(p []byte) {
	chunk := make([]byte, len(p))
	copy(chunk, p)

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	t.chunks.Add(chunk)
	t.cond.Signal()
}

func (t *frameTap) close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	t.cond.Broadcast()
}

// Read drains queued chunks, returning io.EOF once closed and empty
func (t *frameTap) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for len(t.cur) == 0 {
		if t.chunks.Length() > 0 {
			t.cur = t.chunks.Remove().([]byte)
			continue
		}
		if t.closed {
			return 0, io.EOF
		}
		t.cond.Wait()
	}

	n := copy(p, t.cur)
	t.cur = t.cur[n:]
	return n, nil
}

func (t *frameTap) run(handler rpc.EventHandler) {
	var frame bytes.Buffer
	src := bytes.NewReader(nil)

	fr := http2.NewFramer(nil, src)
	// the client enforces the negotiated limits and frame order, the tap
	// only observes
	fr.SetMaxReadFrameSize(maxFrameSize)
	fr.AllowIllegalReads = true

	for {
		frame.Reset()
		fh, err := http2.ReadFrameHeader(io.TeeReader(t, &frame))
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				handler(rpc.GenericError{Err: err})
			}
			return
		}
		_, err = io.CopyN(&frame, t, int64(fh.Length))
		if err != nil {
			return
		}

		// one frame at a time, so a rejected frame cannot desync the tap
		src.Reset(frame.Bytes())
		f, err := fr.ReadFrame()
		if ev := frameEvent(fh, f, err); ev != nil {
			handler(ev)
		}
	}
}

// frameEvent maps the frames a session reacts to onto events. Frames the
// framer rejects become frame errors.
func frameEvent(fh http2.FrameHeader, f http2.Frame, err error) rpc.Event {
	if err != nil {
		code := http2.ErrCodeProtocol
		var se http2.StreamError
		var ce http2.ConnectionError
		switch {
		case errors.As(err, &se):
			code = se.Code
		case errors.As(err, &ce):
			code = http2.ErrCode(ce)
		}
		return rpc.FrameError{
			FrameType: uint8(fh.Type),
			ErrCode:   uint32(code),
			StreamID:  fh.StreamID,
		}
	}

	switch f := f.(type) {
	case *http2.GoAwayFrame:
		return rpc.GoingAway{
			LastStreamID: f.LastStreamID,
			ErrCode:      uint32(f.ErrCode),
			DebugData:    bytes.Clone(f.DebugData()),
		}
	case *http2.RSTStreamFrame:
		if f.ErrCode == http2.ErrCodeNo {
			return nil
		}
		return rpc.FrameError{
			FrameType: uint8(fh.Type),
			ErrCode:   uint32(f.ErrCode),
			StreamID:  f.StreamID,
		}
	}
	return nil
}
