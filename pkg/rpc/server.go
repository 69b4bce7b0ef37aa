package rpc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"golang.org/x/net/http2"

	"github.com/kbirk/h2rpc/pkg/log"
	"github.com/kbirk/h2rpc/pkg/rpc/tcp"
)

// StreamHandler receives each completed inbound stream. On success err is nil and
// body holds the full request body; on a stream failure body is nil. The
// handler is responsible for writing the response and ending the stream.
type StreamHandler func(err error, body []byte, stream *Stream)

type Server struct {
	conf      ServerConfig
	transport ServerTransport
	base      *http.Server
	h2        *http2.Server
	conns     map[net.Conn]struct{}
	wg        *sync.WaitGroup
	running   bool
	mu        *sync.Mutex
}

type ServerConfig struct {
	Transport ServerTransport
	Handler   StreamHandler
	// By default each stream is staged to answer 200 with a JSON content
	// type. The status goes out with the first Write or End, not when the
	// request arrives, so the handler can still set headers or pick another
	// status with Respond. A handler that never writes or ends leaves the
	// client waiting for headers.
	//
	// ManualRespond stages nothing and leaves the response status entirely
	// to the handler.
	ManualRespond bool
	ErrHandler    func(error)
	Logger        log.Logger
}

func NewServer(conf ServerConfig) *Server {
	s := &Server{
		conf:      conf,
		transport: conf.Transport,
		h2:        &http2.Server{},
		conns:     make(map[net.Conn]struct{}),
		wg:        &sync.WaitGroup{},
		mu:        &sync.Mutex{},
	}
	s.base = &http.Server{
		Handler: s,
	}
	// lets Shutdown send GOAWAY to every session served below
	http2.ConfigureServer(s.base, s.h2)
	return s
}

// Listen starts a relay server on the given TCP port and serves it in the
// background. Port 0 picks a free port, see Addr.
func Listen(port int, conf ServerConfig, handler StreamHandler) (*Server, error) {
	conf.Handler = handler
	if conf.Transport == nil {
		conf.Transport = tcp.NewServerTransport(tcp.ServerTransportConfig{
			Port:    port,
			NoDelay: true,
		})
	}

	s := NewServer(conf)
	err := s.Listen()
	if err != nil {
		return nil, err
	}

	go func() {
		err := s.Serve()
		if err != nil {
			s.handleError(err)
		}
	}()

	return s, nil
}

func (s *Server) handleError(err error) {
	s.logError("Encountered error: " + err.Error())
	if s.conf.ErrHandler != nil {
		s.conf.ErrHandler(err)
	}
}

func (s *Server) logDebug(msg string) {
	if s.conf.Logger != nil {
		s.conf.Logger.Debug(msg)
	}
}

func (s *Server) logInfo(msg string) {
	if s.conf.Logger != nil {
		s.conf.Logger.Info(msg)
	}
}

func (s *Server) logError(msg string) {
	if s.conf.Logger != nil {
		s.conf.Logger.Error(msg)
	}
}

// Addr returns the listening address, nil before Listen
func (s *Server) Addr() net.Addr {
	return s.transport.Addr()
}

// ServeHTTP relays one inbound stream to the handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	stream := newStream(w, r)
	defer stream.release()

	if !s.conf.ManualRespond {
		stream.stage(http.StatusOK, ContentTypeJSON)
	}

	buf := getBuffer()
	_, err := buf.ReadFrom(r.Body)
	if err != nil {
		putBuffer(buf)
		s.handleError(fmt.Errorf("stream %s: %w", stream.ID(), err))
		if s.conf.Handler != nil {
			s.conf.Handler(err, nil, stream)
		}
		stream.fail()
		return
	}
	body := bytes.Clone(buf.Bytes())
	if body == nil {
		body = []byte{}
	}
	putBuffer(buf)

	if s.conf.Handler == nil {
		stream.End()
		return
	}
	s.conf.Handler(nil, body, stream)

	select {
	case <-stream.Wait():
	case <-r.Context().Done():
		s.logDebug("Stream " + stream.ID() + " abandoned by peer")
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	s.logDebug("Serving session from " + conn.RemoteAddr().String())
	s.h2.ServeConn(conn, &http2.ServeConnOpts{
		Context:    context.Background(),
		BaseConfig: s.base,
		Handler:    s,
	})
	s.logDebug("Session from " + conn.RemoteAddr().String() + " closed")
}

// Listen binds the transport without accepting connections yet
func (s *Server) Listen() error {
	return s.transport.Listen()
}

// Serve accepts sessions until the transport is closed
func (s *Server) Serve() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}
	s.running = true
	s.mu.Unlock()

	s.logInfo("Starting server")

	for {
		s.mu.Lock()
		running := s.running
		s.mu.Unlock()

		if !running {
			break
		}

		conn, err := s.transport.Accept()
		if err != nil {
			// If the transport is closed (during shutdown), don't treat it as an error
			if errors.Is(err, net.ErrClosed) {
				break
			}
			s.handleError(err)
			continue
		}

		s.mu.Lock()
		if !s.running {
			s.mu.Unlock()
			conn.Close()
			break
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		go s.handleConnection(conn)
	}

	return nil
}

func (s *Server) ListenAndServe() error {
	err := s.Listen()
	if err != nil {
		return err
	}
	return s.Serve()
}

// Shutdown stops accepting sessions and sends GOAWAY to the open ones. It
// waits for their in-flight streams until ctx is done, then closes whatever
// remains.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	err := s.transport.Close()

	// runs the registered http2 graceful shutdown hook
	s.base.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.mu.Lock()
		for conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()
		<-done
	}

	return err
}
