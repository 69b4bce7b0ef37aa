package rpc

import (
	"context"
	"errors"
	"net/http"
	"sync"
)

var ErrStreamClosed = errors.New("stream is closed")

// Stream is the server side of one inbound exchange. The application handler
// writes the response through it and must call End once done.
//
// Nothing is sent to the client before the first Respond, Write or End. The
// status staged by the server (200 unless ManualRespond is set) is committed
// then, together with the headers set on Header so far.
type Stream struct {
	id        string
	ctx       context.Context
	w         http.ResponseWriter
	r         *http.Request
	mu        *sync.Mutex
	staged    int
	committed bool
	ended     bool
	released  bool
	done      chan struct{}
}

func newStream(w http.ResponseWriter, r *http.Request) *Stream {
	return &Stream{
		id:   r.Header.Get(HeaderRequestID),
		ctx:  DeserializeContext(r.Context(), r.Header),
		w:    w,
		r:    r,
		mu:   &sync.Mutex{},
		done: make(chan struct{}),
	}
}

// ID returns the request id the client sent, if any
func (s *Stream) ID() string {
	return s.id
}

// Context returns the stream's context, carrying the request metadata
func (s *Stream) Context() context.Context {
	return s.ctx
}

// Metadata returns the metadata the client attached to the request
func (s *Stream) Metadata() map[string]string {
	return GetMetadataFromContext(s.ctx)
}

// RequestHeader returns the headers of the inbound request
func (s *Stream) RequestHeader() http.Header {
	return s.r.Header
}

// Header returns the response headers. Changes after the status has been
// sent have no effect.
func (s *Stream) Header() http.Header {
	return s.w.Header()
}

// Respond sends the response status and headers immediately
func (s *Stream) Respond(status int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released || s.ended {
		return ErrStreamClosed
	}
	if s.committed {
		return errors.New("response status already sent")
	}
	s.staged = status
	s.commitUnsafe()
	return nil
}

// Write sends response body bytes, committing the status first if needed
func (s *Stream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released || s.ended {
		return 0, ErrStreamClosed
	}
	s.commitUnsafe()
	return s.w.Write(p)
}

// End terminates the response. It is safe to call more than once.
func (s *Stream) End() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ended {
		return nil
	}
	if !s.released {
		s.commitUnsafe()
	}
	s.ended = true
	close(s.done)
	return nil
}

// IsEnded reports whether End has been called
func (s *Stream) IsEnded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// Wait returns a channel that is closed when the stream is ended
func (s *Stream) Wait() <-chan struct{} {
	return s.done
}

// stage sets the status sent with the first write unless Respond overrides it
func (s *Stream) stage(status int, contentType string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.staged = status
	s.w.Header().Set(HeaderContentType, contentType)
}

// fail answers with 400 when no status has been sent yet, then ends the stream
func (s *Stream) fail() {
	s.mu.Lock()
	if !s.committed && !s.released {
		s.staged = http.StatusBadRequest
		s.w.Header().Set(HeaderContentType, ContentTypeJSON)
		s.commitUnsafe()
	}
	s.mu.Unlock()

	s.End()
}

func (s *Stream) commitUnsafe() {
	if s.committed {
		return
	}
	s.committed = true
	if s.staged != 0 {
		s.w.WriteHeader(s.staged)
	}
	if f, ok := s.w.(http.Flusher); ok {
		f.Flush()
	}
}

// release forbids any further use of the response writer
func (s *Stream) release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.released = true
}
