package rpc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSingleSessionUnderConcurrentCalls(t *testing.T) {
	provider := newFakeProvider()
	provider.openDelay = 50 * time.Millisecond

	client := NewClient(ClientConfig{
		Provider: provider,
	})
	defer client.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := client.Execute(context.Background(), []byte(`{"n":1}`))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, provider.openCount())
}

func TestEnsureActiveReusesValidSession(t *testing.T) {
	provider := newFakeProvider()
	manager := NewSessionManager(SessionConfig{
		Provider: provider,
	})
	defer manager.Destroy()

	a, err := manager.EnsureActive(context.Background())
	require.NoError(t, err)
	b, err := manager.EnsureActive(context.Background())
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.Equal(t, SessionActive, a.State())
	assert.Equal(t, "fake:443", a.Endpoint())
	assert.True(t, manager.IsValid())
	assert.Equal(t, 1, provider.openCount())
}

func TestReconnectAfterTransportFatalEvents(t *testing.T) {
	for _, ev := range []Event{
		SocketError{Err: errors.New("connection reset by peer")},
		GenericError{Err: errors.New("protocol error")},
	} {
		t.Run(ev.String(), func(t *testing.T) {
			provider := newFakeProvider()
			logger := &recordingLogger{}

			var handled []error
			var mu sync.Mutex
			client := NewClient(ClientConfig{
				Provider: provider,
				Logger:   logger,
				ErrHandler: func(err error) {
					mu.Lock()
					handled = append(handled, err)
					mu.Unlock()
				},
			})
			defer client.Close()

			_, err := client.Execute(context.Background(), []byte(`"first"`))
			require.NoError(t, err)
			first := client.Sessions().Current()

			provider.conn(0).handler(ev)

			assert.Equal(t, SessionDestroyed, first.State())
			assert.False(t, client.Sessions().IsValid())
			assert.Equal(t, 1, provider.conn(0).destroyCount())
			assert.True(t, logger.contains("error", "Encountered error"))
			mu.Lock()
			assert.Len(t, handled, 1)
			mu.Unlock()

			res, err := client.Execute(context.Background(), []byte(`"second"`))
			require.NoError(t, err)
			assert.Equal(t, "second", res.Value)
			assert.Equal(t, 2, provider.openCount())
			assert.NotSame(t, first, client.Sessions().Current())
		})
	}
}

func TestClosedEventInvalidatesSession(t *testing.T) {
	provider := newFakeProvider()
	manager := NewSessionManager(SessionConfig{
		Provider: provider,
	})
	defer manager.Destroy()

	sess, err := manager.EnsureActive(context.Background())
	require.NoError(t, err)

	provider.conn(0).handler(Closed{})

	assert.Equal(t, SessionDestroyed, sess.State())
	assert.False(t, manager.IsValid())
}

func TestDiagnosticEventsKeepSessionActive(t *testing.T) {
	provider := newFakeProvider()
	logger := &recordingLogger{}
	manager := NewSessionManager(SessionConfig{
		Provider: provider,
		Logger:   logger,
	})
	defer manager.Destroy()

	sess, err := manager.EnsureActive(context.Background())
	require.NoError(t, err)

	provider.conn(0).handler(FrameError{FrameType: 3, ErrCode: 8, StreamID: 5})

	assert.Equal(t, SessionActive, sess.State())
	assert.True(t, manager.IsValid())
	assert.True(t, logger.contains("trace", "Session connected"))
	assert.True(t, logger.contains("trace", "frameType: 3, errorCode: 8, streamId: 5"))
}

func TestSessionLostWhileConnecting(t *testing.T) {
	provider := newFakeProvider()
	provider.onOpen = func(handler EventHandler) {
		handler(SocketError{Err: errors.New("broken pipe")})
	}
	manager := NewSessionManager(SessionConfig{
		Provider: provider,
	})

	_, err := manager.EnsureActive(context.Background())
	require.ErrorIs(t, err, ErrSessionLost)
	assert.False(t, manager.IsValid())
	assert.Equal(t, 1, provider.conn(0).destroyCount())
}

func TestOpenFailureIsSurfaced(t *testing.T) {
	provider := newFakeProvider()
	provider.openErr = errors.New("connection refused")
	client := NewClient(ClientConfig{
		Provider: provider,
	})

	_, err := client.Execute(context.Background(), []byte(`{}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, provider.openErr)
	assert.Nil(t, client.Sessions().Current())
}

func TestGracefulShutdownOrdering(t *testing.T) {
	provider := newFakeProvider()
	manager := NewSessionManager(SessionConfig{
		Provider: provider,
	})

	sess, err := manager.EnsureActive(context.Background())
	require.NoError(t, err)

	var keepaliveStopped bool
	var stateDuringShutdown SessionState
	conn := provider.conn(0)
	conn.onShutdown = func() {
		sess.mu.Lock()
		keepaliveStopped = sess.keepalive == nil
		stateDuringShutdown = sess.state
		sess.mu.Unlock()
	}

	err = manager.GracefulShutdown(context.Background())
	require.NoError(t, err)

	assert.True(t, keepaliveStopped)
	assert.Equal(t, SessionGoingAway, stateDuringShutdown)
	assert.Equal(t, []string{"shutdown", "destroy"}, conn.operations())
	assert.Equal(t, SessionDestroyed, sess.State())
	assert.False(t, manager.IsValid())
}

func TestGracefulShutdownWithoutValidSession(t *testing.T) {
	provider := newFakeProvider()
	manager := NewSessionManager(SessionConfig{
		Provider: provider,
	})

	err := manager.GracefulShutdown(context.Background())
	assert.ErrorIs(t, err, ErrInvalidSession)

	_, err = manager.EnsureActive(context.Background())
	require.NoError(t, err)
	require.NoError(t, manager.Destroy())

	err = manager.GracefulShutdown(context.Background())
	assert.ErrorIs(t, err, ErrInvalidSession)
}

func TestDestroyIsIdempotent(t *testing.T) {
	provider := newFakeProvider()
	manager := NewSessionManager(SessionConfig{
		Provider: provider,
	})

	require.NoError(t, manager.Destroy())

	sess, err := manager.EnsureActive(context.Background())
	require.NoError(t, err)

	require.NoError(t, manager.Destroy())
	require.NoError(t, manager.Destroy())
	provider.conn(0).handler(SocketError{Err: errors.New("late")})

	assert.Equal(t, 1, provider.conn(0).destroyCount())
	assert.Equal(t, SessionDestroyed, sess.State())
}

func TestGoingAwayDrainsSession(t *testing.T) {
	provider := newFakeProvider()
	logger := &recordingLogger{}
	client := NewClient(ClientConfig{
		Provider: provider,
		Logger:   logger,
	})
	defer client.Close()

	require.NoError(t, client.Connect(context.Background()))
	first := client.Sessions().Current()

	provider.conn(0).handler(GoingAway{ErrCode: 0, LastStreamID: 7, DebugData: []byte("restart")})

	require.Eventually(t, func() bool {
		return first.State() == SessionDestroyed
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"shutdown", "destroy"}, provider.conn(0).operations())
	assert.True(t, logger.contains("trace", "lastStreamId: 7"))

	_, err := client.Execute(context.Background(), []byte(`1`))
	require.NoError(t, err)
	assert.Equal(t, 2, provider.openCount())
}

func TestKeepalivePingsUntilDestroyed(t *testing.T) {
	provider := newFakeProvider()
	manager := NewSessionManager(SessionConfig{
		Provider:          provider,
		KeepaliveInterval: 5 * time.Millisecond,
	})

	_, err := manager.EnsureActive(context.Background())
	require.NoError(t, err)
	conn := provider.conn(0)

	require.Eventually(t, func() bool {
		return conn.pingCount() >= 3
	}, time.Second, time.Millisecond)

	require.NoError(t, manager.Destroy())
	// allow an in-flight tick to finish
	time.Sleep(20 * time.Millisecond)
	after := conn.pingCount()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, conn.pingCount())
}

func TestPingFailureIsAdvisory(t *testing.T) {
	provider := newFakeProvider()
	logger := &recordingLogger{}
	manager := NewSessionManager(SessionConfig{
		Provider:          provider,
		KeepaliveInterval: 5 * time.Millisecond,
		Logger:            logger,
	})
	defer manager.Destroy()

	_, err := manager.EnsureActive(context.Background())
	require.NoError(t, err)
	conn := provider.conn(0)
	conn.setPingErr(errors.New("ping timeout"))

	require.Eventually(t, func() bool {
		return conn.pingCount() >= 5
	}, time.Second, time.Millisecond)

	assert.True(t, manager.IsValid())
	assert.Equal(t, 0, conn.destroyCount())
	assert.True(t, logger.contains("error", "ping timeout"))
}

func TestPersistentPingFailureDestroysSession(t *testing.T) {
	provider := newFakeProvider()
	manager := NewSessionManager(SessionConfig{
		Provider:          provider,
		KeepaliveInterval: 5 * time.Millisecond,
		MaxPingFailures:   3,
	})

	sess, err := manager.EnsureActive(context.Background())
	require.NoError(t, err)
	conn := provider.conn(0)
	conn.setPingErr(errors.New("ping timeout"))

	require.Eventually(t, func() bool {
		return sess.State() == SessionDestroyed
	}, time.Second, time.Millisecond)
	assert.Equal(t, 1, conn.destroyCount())
	assert.GreaterOrEqual(t, conn.pingCount(), 3)
}

func TestSessionStateString(t *testing.T) {
	assert.Equal(t, "absent", SessionAbsent.String())
	assert.Equal(t, "active", SessionActive.String())
	assert.Equal(t, "going-away", SessionGoingAway.String())
	assert.Equal(t, "destroyed", SessionDestroyed.String())
}

func TestGoingAwayTakesSessionOutOfServiceAtOnce(t *testing.T) {
	provider := newFakeProvider()
	client := NewClient(ClientConfig{
		Provider: provider,
	})
	defer client.Close()

	require.NoError(t, client.Connect(context.Background()))
	first := client.Sessions().Current()

	release := make(chan struct{})
	provider.conn(0).onShutdown = func() {
		<-release
	}

	provider.conn(0).handler(GoingAway{LastStreamID: 1})

	// the drain is still blocked, yet the session is no longer handed out
	assert.Equal(t, SessionGoingAway, first.State())
	assert.False(t, client.Sessions().IsValid())

	first.mu.Lock()
	assert.Nil(t, first.keepalive)
	first.mu.Unlock()

	res, err := client.Execute(context.Background(), []byte(`"after"`))
	require.NoError(t, err)
	assert.Equal(t, "after", res.Value)
	assert.Equal(t, 2, provider.openCount())
	assert.NotSame(t, first, client.Sessions().Current())

	close(release)
	require.Eventually(t, func() bool {
		return first.State() == SessionDestroyed
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"shutdown", "destroy"}, provider.conn(0).operations())
}

func TestSessionThatStopsAcceptingIsReplaced(t *testing.T) {
	provider := newFakeProvider()
	client := NewClient(ClientConfig{
		Provider: provider,
	})
	defer client.Close()

	require.NoError(t, client.Connect(context.Background()))
	first := client.Sessions().Current()

	// the connection saw GOAWAY before any event reached the session
	provider.conn(0).stopAccepting()
	assert.False(t, client.Sessions().IsValid())

	_, err := client.Execute(context.Background(), []byte(`1`))
	require.NoError(t, err)
	assert.Equal(t, 2, provider.openCount())

	require.Eventually(t, func() bool {
		return first.State() == SessionDestroyed
	}, time.Second, 5*time.Millisecond)
	// drained rather than torn down
	assert.Equal(t, []string{"shutdown", "destroy"}, provider.conn(0).operations())
}

func TestRefusedStreamMovesToNewSession(t *testing.T) {
	for _, tc := range []struct {
		name     string
		opens    int
		response int
	}{
		{name: "refused at open", opens: 1},
		{name: "refused before response", response: 1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			provider := newFakeProvider()
			client := NewClient(ClientConfig{
				Provider: provider,
			})
			defer client.Close()

			require.NoError(t, client.Connect(context.Background()))
			first := client.Sessions().Current()
			conn := provider.conn(0)
			conn.mu.Lock()
			conn.refuseOpens = tc.opens
			conn.refuseResponses = tc.response
			conn.mu.Unlock()

			res, err := client.Execute(context.Background(), []byte(`{"ok":true}`))
			require.NoError(t, err)
			assert.Equal(t, map[string]any{"ok": true}, res.Value)
			assert.Equal(t, 2, provider.openCount())

			require.Eventually(t, func() bool {
				return first.State() == SessionDestroyed
			}, time.Second, 5*time.Millisecond)
		})
	}
}

func TestRefusedStreamIsMovedOnlyOnce(t *testing.T) {
	provider := newFakeProvider()
	provider.refuseOpens = 1
	client := NewClient(ClientConfig{
		Provider: provider,
	})
	defer client.Close()

	_, err := client.Execute(context.Background(), []byte(`1`))
	assert.ErrorIs(t, err, ErrNoNewStreams)
	assert.Equal(t, 2, provider.openCount())
}

func TestDestroyAbortsPendingConnect(t *testing.T) {
	provider := newFakeProvider()
	opening := make(chan struct{})
	provider.openBlock = opening
	manager := NewSessionManager(SessionConfig{
		Provider: provider,
	})

	errs := make(chan error, 1)
	go func() {
		_, err := manager.EnsureActive(context.Background())
		errs <- err
	}()

	require.Eventually(t, func() bool {
		return provider.blockedOpens() == 1
	}, time.Second, time.Millisecond)

	// neither call waits for the dial
	assert.False(t, manager.IsValid())
	assert.Nil(t, manager.Current())
	require.NoError(t, manager.Destroy())

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("connect was not aborted")
	}
	assert.False(t, manager.IsValid())
}

func TestCallerDeadlineDoesNotAbortSharedConnect(t *testing.T) {
	provider := newFakeProvider()
	provider.openDelay = 50 * time.Millisecond
	manager := NewSessionManager(SessionConfig{
		Provider: provider,
	})
	defer manager.Destroy()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, err := manager.EnsureActive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	sess, err := manager.EnsureActive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SessionActive, sess.State())
	assert.Equal(t, 1, provider.openCount())
}
