package rpc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kbirk/h2rpc/pkg/log"
)

type SessionState int

const (
	SessionAbsent SessionState = iota
	SessionActive
	SessionGoingAway
	SessionDestroyed
)

func (s SessionState) String() string {
	switch s {
	case SessionAbsent:
		return "absent"
	case SessionActive:
		return "active"
	case SessionGoingAway:
		return "going-away"
	case SessionDestroyed:
		return "destroyed"
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

type SessionConfig struct {
	Provider          SessionProvider
	KeepaliveInterval time.Duration // Interval between pings (default: 60s)
	PingTimeout       time.Duration // Deadline of a single ping (default: 10s)
	ShutdownTimeout   time.Duration // Deadline of a GOAWAY-triggered graceful shutdown (default: 30s)
	MaxPingFailures   int           // Consecutive ping failures that destroy the session (0 never destroys)
	ErrHandler        func(error)
	Logger            log.Logger
}

// SessionManager owns at most one live session to the provider's endpoint
type SessionManager struct {
	conf    SessionConfig
	mu      *sync.Mutex
	session *Session
	pending *pendingSession
}

// pendingSession is a connect in progress. Concurrent callers wait on the
// same one, and Destroy can abort it.
type pendingSession struct {
	session *Session
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
}

// Session is one persistent multiplexed connection to the endpoint. Once
// destroyed it is never reused.
type Session struct {
	manager      *SessionManager
	endpoint     string
	mu           *sync.Mutex
	state        SessionState
	conn         Conn
	keepalive    *keepalive
	pingFailures int
}

type keepalive struct {
	stop chan struct{}
	once sync.Once
}

func (k *keepalive) cancel() {
	k.once.Do(func() {
		close(k.stop)
	})
}

func NewSessionManager(conf SessionConfig) *SessionManager {
	if conf.KeepaliveInterval <= 0 {
		conf.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if conf.PingTimeout <= 0 {
		conf.PingTimeout = DefaultPingTimeout
	}
	if conf.ShutdownTimeout <= 0 {
		conf.ShutdownTimeout = DefaultShutdownTimeout
	}
	return &SessionManager{
		conf: conf,
		mu:   &sync.Mutex{},
	}
}

func (m *SessionManager) logTrace(msg string) {
	if m.conf.Logger != nil {
		m.conf.Logger.Trace(msg)
	}
}

func (m *SessionManager) logDebug(msg string) {
	if m.conf.Logger != nil {
		m.conf.Logger.Debug(msg)
	}
}

func (m *SessionManager) logError(msg string) {
	if m.conf.Logger != nil {
		m.conf.Logger.Error(msg)
	}
}

func (m *SessionManager) handleError(err error) {
	m.logError("Encountered error: " + err.Error())
	if m.conf.ErrHandler != nil {
		m.conf.ErrHandler(err)
	}
}

// EnsureActive returns the current session, creating a new one when none is
// valid. Concurrent callers observe the same session. The connect outlives a
// caller whose ctx is done first; only Destroy aborts it.
func (m *SessionManager) EnsureActive(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	if m.session != nil && m.session.valid() {
		s := m.session
		m.mu.Unlock()
		return s, nil
	}

	p := m.pending
	if p == nil {
		if m.session != nil {
			m.session.retire()
		}
		p = m.connectUnsafe()
	}
	m.mu.Unlock()

	select {
	case <-p.done:
		if p.err != nil {
			return nil, p.err
		}
		return p.session, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *SessionManager) connectUnsafe() *pendingSession {
	ctx, cancel := context.WithCancel(context.Background())
	p := &pendingSession{
		session: &Session{
			manager:  m,
			endpoint: m.conf.Provider.Endpoint(),
			mu:       &sync.Mutex{},
			state:    SessionAbsent,
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.pending = p

	go m.connect(ctx, p)

	return p
}

func (m *SessionManager) connect(ctx context.Context, p *pendingSession) {
	defer p.cancel()

	s := p.session
	m.logDebug("Connecting to " + s.endpoint)

	conn, err := m.conf.Provider.Open(ctx, s.handleEvent)
	if err != nil {
		err = fmt.Errorf("failed to open session to %s: %w", s.endpoint, err)
	} else {
		err = s.activate(conn)
	}

	m.mu.Lock()
	if m.pending == p {
		m.pending = nil
	}
	if err == nil {
		m.session = s
	}
	p.err = err
	m.mu.Unlock()

	close(p.done)
}

// IsValid reports whether the owned session can accept new calls
func (m *SessionManager) IsValid() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.session != nil && m.session.valid()
}

// Current returns the owned session, which may be nil or no longer valid
func (m *SessionManager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.session
}

// Destroy tears down the owned session immediately and aborts a connect in
// progress
func (m *SessionManager) Destroy() error {
	m.mu.Lock()
	s := m.session
	p := m.pending
	m.mu.Unlock()

	if p != nil {
		p.cancel()
		p.session.destroy()
	}
	if s == nil {
		return nil
	}
	return s.destroy()
}

// GracefulShutdown drains the owned session: no new streams are opened and
// in-flight streams are allowed to finish before the connection is destroyed
func (m *SessionManager) GracefulShutdown(ctx context.Context) error {
	m.mu.Lock()
	s := m.session
	if s == nil || !s.valid() {
		m.mu.Unlock()
		return ErrInvalidSession
	}
	m.mu.Unlock()

	return s.shutdown(ctx)
}

// Endpoint returns the address the session is connected to
func (s *Session) Endpoint() string {
	return s.endpoint
}

// State returns the lifecycle state of the session
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

func (s *Session) valid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state == SessionActive && s.conn != nil && !s.conn.Destroyed() && s.conn.Accepting()
}

func (s *Session) activeConn() (Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case SessionActive:
		return s.conn, nil
	case SessionGoingAway:
		return nil, fmt.Errorf("%w: session to %s is going away", ErrNoNewStreams, s.endpoint)
	}
	return nil, fmt.Errorf("%w: session to %s is %s", ErrSessionLost, s.endpoint, s.state)
}

func (s *Session) activate(conn Conn) error {
	s.mu.Lock()
	if s.state == SessionDestroyed {
		s.mu.Unlock()
		if !conn.Destroyed() {
			conn.Destroy()
		}
		return fmt.Errorf("%w: session to %s failed while connecting", ErrSessionLost, s.endpoint)
	}
	s.conn = conn
	s.state = SessionActive

	k := &keepalive{
		stop: make(chan struct{}),
	}
	s.keepalive = k
	s.mu.Unlock()

	go s.runKeepalive(conn, k)

	return nil
}

func (s *Session) stopKeepaliveUnsafe() {
	if s.keepalive != nil {
		s.keepalive.cancel()
		s.keepalive = nil
	}
}

func (s *Session) runKeepalive(conn Conn, k *keepalive) {
	ticker := time.NewTicker(s.manager.conf.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-k.stop:
			return
		case <-ticker.C:
			s.ping(conn)
		}
	}
}

func (s *Session) ping(conn Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), s.manager.conf.PingTimeout)
	defer cancel()

	d, err := conn.Ping(ctx)
	if err == nil {
		s.mu.Lock()
		s.pingFailures = 0
		s.mu.Unlock()
		s.manager.logTrace(fmt.Sprintf("Ping to %s took %s", s.endpoint, d))
		return
	}

	s.manager.logError(fmt.Sprintf("Ping to %s failed: %v", s.endpoint, err))

	max := s.manager.conf.MaxPingFailures
	s.mu.Lock()
	s.pingFailures++
	promote := max > 0 && s.pingFailures >= max
	s.mu.Unlock()

	if promote {
		s.manager.handleError(fmt.Errorf("session to %s failed %d consecutive pings: %w", s.endpoint, max, err))
		s.destroy()
	}
}

// handleEvent drives the state machine from provider events
func (s *Session) handleEvent(ev Event) {
	switch e := ev.(type) {
	case Connected:
		s.manager.logTrace("Session connected, for " + s.endpoint)
	case Closed:
		s.manager.logTrace("Session closed, for " + s.endpoint)
		s.mu.Lock()
		if s.state == SessionAbsent || s.state == SessionActive {
			s.state = SessionDestroyed
			s.stopKeepaliveUnsafe()
		}
		s.mu.Unlock()
	case SocketError:
		s.manager.handleError(fmt.Errorf("socket error for %s: %w", s.endpoint, e.Err))
		s.destroy()
	case GenericError:
		s.manager.handleError(fmt.Errorf("session error for %s: %w", s.endpoint, e.Err))
		s.destroy()
	case FrameError:
		s.manager.logTrace(fmt.Sprintf("Session %s, for %s", e, s.endpoint))
	case GoingAway:
		s.manager.logTrace(fmt.Sprintf("Session %s, for %s", e, s.endpoint))
		s.goAway()
	}
}

// goAway takes an Active session out of service at once and drains it in the
// background
func (s *Session) goAway() {
	s.mu.Lock()
	conn, ok := s.beginShutdownUnsafe()
	s.mu.Unlock()
	if !ok {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.manager.conf.ShutdownTimeout)
		defer cancel()
		err := s.drain(ctx, conn)
		if err != nil {
			s.manager.handleError(err)
		}
	}()
}

// retire replaces an Active session that stopped being valid. A connection
// that is gone is destroyed, one that only stopped accepting is drained.
func (s *Session) retire() {
	s.mu.Lock()
	destroyed := s.state == SessionActive && s.conn != nil && s.conn.Destroyed()
	s.mu.Unlock()

	if destroyed {
		s.destroy()
		return
	}
	s.goAway()
}

func (s *Session) destroy() error {
	s.mu.Lock()
	if s.state == SessionDestroyed {
		s.mu.Unlock()
		return nil
	}
	s.state = SessionDestroyed
	s.stopKeepaliveUnsafe()
	conn := s.conn
	s.mu.Unlock()

	if conn == nil || conn.Destroyed() {
		return nil
	}
	s.manager.logDebug("Destroying session to " + s.endpoint)
	return conn.Destroy()
}

func (s *Session) shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.conn == nil || s.conn.Destroyed() {
		s.mu.Unlock()
		return ErrInvalidSession
	}
	conn, ok := s.beginShutdownUnsafe()
	s.mu.Unlock()
	if !ok {
		return ErrInvalidSession
	}

	return s.drain(ctx, conn)
}

// beginShutdownUnsafe moves an Active session to GoingAway, so it is no
// longer handed out, and stops its keepalive
func (s *Session) beginShutdownUnsafe() (Conn, bool) {
	if s.state != SessionActive {
		return nil, false
	}
	s.state = SessionGoingAway
	s.stopKeepaliveUnsafe()
	return s.conn, true
}

// drain waits for in-flight streams of a GoingAway session, then destroys it
func (s *Session) drain(ctx context.Context, conn Conn) error {
	s.manager.logDebug("Gracefully closing session to " + s.endpoint)
	err := conn.Shutdown(ctx)
	if !conn.Destroyed() {
		conn.Destroy()
	}

	s.mu.Lock()
	s.state = SessionDestroyed
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("graceful shutdown of session to %s: %w", s.endpoint, err)
	}
	return nil
}
