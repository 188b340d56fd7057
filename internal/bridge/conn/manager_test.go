package conn_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scalpel-bridge/internal/bridge/conn"
	"github.com/xkilldash9x/scalpel-bridge/internal/bridge/telemetry"
	"github.com/xkilldash9x/scalpel-bridge/internal/config"
	"github.com/xkilldash9x/scalpel-bridge/internal/mocks"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type countingRecorder struct {
	mu     sync.Mutex
	counts map[telemetry.Category]int
}

func (r *countingRecorder) Record(_ string, c telemetry.Category, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counts == nil {
		r.counts = make(map[telemetry.Category]int)
	}
	r.counts[c]++
}

func (r *countingRecorder) get(c telemetry.Category) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[c]
}

func nextStream(t *testing.T, m *conn.Manager) conn.Stream {
	t.Helper()
	select {
	case s, ok := <-m.Streams():
		require.True(t, ok, "streams channel closed")
		return s
	case <-time.After(3 * time.Second):
		t.Fatal("no stream published")
		return conn.Stream{}
	}
}

func nextFrame(t *testing.T, s conn.Stream) []byte {
	t.Helper()
	select {
	case f, ok := <-s.Frames:
		require.True(t, ok, "frames channel closed")
		return f
	case <-time.After(3 * time.Second):
		t.Fatal("no frame received")
		return nil
	}
}

func TestManager_ConnectSendReceive(t *testing.T) {
	fb := mocks.NewFakeBrowser(t)
	m := conn.NewManager(zaptest.NewLogger(t), fb.Target(), nil)
	defer m.Close()

	state, gen := m.State()
	assert.Equal(t, conn.StateDisconnected, state)
	assert.Zero(t, gen)
	assert.ErrorIs(t, m.Send(context.Background(), []byte(`{}`)), conn.ErrNotConnected)

	require.NoError(t, m.Connect(context.Background()))
	stream := nextStream(t, m)
	assert.Equal(t, uint64(1), stream.Generation)

	status := m.Status()
	assert.Equal(t, conn.StateConnected, status.State)
	assert.Equal(t, uint64(1), status.Generation)
	assert.Contains(t, status.URL, "/devtools/page/1")

	require.NoError(t, m.Send(context.Background(), []byte(`{"id":7,"method":"Page.reload"}`)))
	assert.JSONEq(t, `{"id":7,"result":{}}`, string(nextFrame(t, stream)))

	require.NoError(t, m.Ping(context.Background()))
	require.NoError(t, m.Connect(context.Background()), "connect is idempotent while connected")
	assert.Equal(t, 1, fb.Dials())
}

func TestManager_BrowserTargetType(t *testing.T) {
	fb := mocks.NewFakeBrowser(t)
	cfg := fb.Target()
	cfg.Type = config.TargetTypeBrowser

	m := conn.NewManager(zaptest.NewLogger(t), cfg, nil)
	defer m.Close()

	require.NoError(t, m.Connect(context.Background()))
	nextStream(t, m)
	assert.Contains(t, m.Status().URL, "/devtools/browser/1")
}

func TestManager_ConnectUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.Listener.Addr().String()
	srv.Close()

	rec := &countingRecorder{}
	m := conn.NewManager(zaptest.NewLogger(t), config.TargetConfig{
		WebSocketURL:     "ws://" + addr + "/devtools/page/1",
		HandshakeTimeout: time.Second,
	}, rec)
	defer m.Close()

	err := m.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, conn.ErrConnection)
	state, _ := m.State()
	assert.Equal(t, conn.StateDisconnected, state)
	assert.Equal(t, 1, rec.get(telemetry.CategoryConnection))
}

func TestManager_HandshakeRejected(t *testing.T) {
	fb := mocks.NewFakeBrowser(t)
	fb.RejectHandshakes(true)

	m := conn.NewManager(zaptest.NewLogger(t), fb.Target(), nil)
	defer m.Close()

	err := m.Connect(context.Background())
	assert.ErrorIs(t, err, conn.ErrConnection)
	assert.Contains(t, err.Error(), "503")
}

func TestManager_ReconnectBumpsGeneration(t *testing.T) {
	fb := mocks.NewFakeBrowser(t)
	rec := &countingRecorder{}
	m := conn.NewManager(zaptest.NewLogger(t), fb.Target(), rec)
	defer m.Close()

	require.NoError(t, m.Connect(context.Background()))
	first := nextStream(t, m)
	require.True(t, fb.WaitForDials(1, 3*time.Second))

	fb.DropConnections()

	// The old stream ends, then a new generation is published.
	select {
	case _, ok := <-first.Frames:
		assert.False(t, ok)
	case <-time.After(3 * time.Second):
		t.Fatal("old frames channel never closed")
	}
	second := nextStream(t, m)
	assert.Equal(t, uint64(2), second.Generation)
	assert.Equal(t, uint64(2), m.Generation())
	assert.GreaterOrEqual(t, rec.get(telemetry.CategoryConnection), 1)

	require.NoError(t, m.Send(context.Background(), []byte(`{"id":1,"method":"Page.reload"}`)))
	assert.JSONEq(t, `{"id":1,"result":{}}`, string(nextFrame(t, second)))
}

func TestManager_GivesUpAfterMaxAttempts(t *testing.T) {
	fb := mocks.NewFakeBrowser(t)
	cfg := fb.Target()
	cfg.Reconnect.MaxAttempts = 3

	m := conn.NewManager(zaptest.NewLogger(t), cfg, nil)
	defer m.Close()

	require.NoError(t, m.Connect(context.Background()))
	nextStream(t, m)
	require.True(t, fb.WaitForDials(1, 3*time.Second))

	fb.RejectHandshakes(true)
	fb.DropConnections()

	select {
	case <-m.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("manager never gave up")
	}
	assert.ErrorIs(t, m.Err(), conn.ErrConnection)
	state, _ := m.State()
	assert.Equal(t, conn.StateDisconnected, state)
	assert.ErrorIs(t, m.Send(context.Background(), []byte(`{}`)), conn.ErrNotConnected)

	_, ok := <-m.Streams()
	assert.False(t, ok, "streams channel closes when the manager gives up")
}

func TestManager_Close(t *testing.T) {
	fb := mocks.NewFakeBrowser(t)
	m := conn.NewManager(zaptest.NewLogger(t), fb.Target(), nil)

	require.NoError(t, m.Connect(context.Background()))
	stream := nextStream(t, m)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	state, _ := m.State()
	assert.Equal(t, conn.StateClosed, state)
	assert.ErrorIs(t, m.Err(), conn.ErrClosed)
	assert.ErrorIs(t, m.Send(context.Background(), []byte(`{}`)), conn.ErrClosed)
	assert.ErrorIs(t, m.Connect(context.Background()), conn.ErrClosed)

	for range stream.Frames {
	}
	_, ok := <-m.Streams()
	assert.False(t, ok)
}

func TestManager_CloseDuringReconnect(t *testing.T) {
	fb := mocks.NewFakeBrowser(t)
	cfg := fb.Target()
	cfg.Reconnect.InitialBackoff = time.Hour
	cfg.Reconnect.MaxBackoff = time.Hour

	m := conn.NewManager(zaptest.NewLogger(t), cfg, nil)
	require.NoError(t, m.Connect(context.Background()))
	nextStream(t, m)
	require.True(t, fb.WaitForDials(1, 3*time.Second))

	fb.DropConnections()
	require.Eventually(t, func() bool {
		s, _ := m.State()
		return s == conn.StateReconnecting
	}, 3*time.Second, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		m.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("close blocked on the backoff timer")
	}
	assert.True(t, errors.Is(m.Err(), conn.ErrClosed))
}

func TestManager_ConcurrentSends(t *testing.T) {
	fb := mocks.NewFakeBrowser(t)
	m := conn.NewManager(zaptest.NewLogger(t), fb.Target(), nil)
	defer m.Close()

	require.NoError(t, m.Connect(context.Background()))
	stream := nextStream(t, m)

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.Send(context.Background(), []byte(`{"id":1,"method":"Runtime.evaluate"}`)))
		}()
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		nextFrame(t, stream)
	}
}

func TestState_String(t *testing.T) {
	for s, want := range map[conn.State]string{
		conn.StateDisconnected: "disconnected",
		conn.StateConnecting:   "connecting",
		conn.StateConnected:    "connected",
		conn.StateReconnecting: "reconnecting",
		conn.StateClosed:       "closed",
	} {
		assert.Equal(t, want, s.String())
		text, err := s.MarshalText()
		require.NoError(t, err)
		assert.Equal(t, want, string(text))
	}
}
