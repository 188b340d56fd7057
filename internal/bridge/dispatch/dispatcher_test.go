package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scalpel-bridge/internal/bridge/telemetry"
	"github.com/xkilldash9x/scalpel-bridge/internal/bridge/wire"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeSender captures outbound frames and exposes them on a channel so tests
// can play the browser side.
type fakeSender struct {
	generation atomic.Uint64
	frames     chan []byte
	err        error
}

func newFakeSender() *fakeSender {
	s := &fakeSender{frames: make(chan []byte, 64)}
	s.generation.Store(1)
	return s
}

func (s *fakeSender) Send(_ context.Context, frame []byte) error {
	if s.err != nil {
		return s.err
	}
	s.frames <- frame
	return nil
}

func (s *fakeSender) Generation() uint64 { return s.generation.Load() }

type fakeRecorder struct {
	mu    sync.Mutex
	notes map[telemetry.Category]int
}

func (f *fakeRecorder) Record(_ string, category telemetry.Category, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.notes == nil {
		f.notes = make(map[telemetry.Category]int)
	}
	f.notes[category]++
}

func (f *fakeRecorder) count(c telemetry.Category) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.notes[c]
}

type sentCommand struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

func nextSent(t *testing.T, s *fakeSender) sentCommand {
	t.Helper()
	select {
	case raw := <-s.frames:
		var cmd sentCommand
		require.NoError(t, json.Unmarshal(raw, &cmd))
		return cmd
	case <-time.After(2 * time.Second):
		t.Fatal("no frame was sent")
		return sentCommand{}
	}
}

func newTestDispatcher(t *testing.T, opts Options) (*Dispatcher, *fakeSender, *fakeRecorder) {
	s := newFakeSender()
	rec := &fakeRecorder{}
	d := New(zaptest.NewLogger(t), s, rec, opts)
	t.Cleanup(d.Close)
	return d, s, rec
}

type outcome struct {
	payload json.RawMessage
	err     error
	elapsed time.Duration
}

func submitAsync(d *Dispatcher, ctx context.Context, domain, method string, params any, timeout time.Duration) <-chan outcome {
	ch := make(chan outcome, 1)
	go func() {
		start := time.Now()
		payload, err := d.Submit(ctx, domain, method, params, timeout)
		ch <- outcome{payload, err, time.Since(start)}
	}()
	return ch
}

func await(t *testing.T, ch <-chan outcome) outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(3 * time.Second):
		t.Fatal("submit never resolved")
		return outcome{}
	}
}

func TestSubmit_ResolvesWithMatchingResponse(t *testing.T) {
	d, s, _ := newTestDispatcher(t, Options{})

	ch := submitAsync(d, context.Background(), "Page", "navigate", map[string]string{"url": "http://x"}, time.Second)
	cmd := nextSent(t, s)
	assert.Equal(t, "Page.navigate", cmd.Method)
	assert.JSONEq(t, `{"url":"http://x"}`, string(cmd.Params))

	time.Sleep(50 * time.Millisecond)
	d.Resolve(wire.Response{ID: cmd.ID, Result: json.RawMessage(`{"frameId":"1"}`)})

	o := await(t, ch)
	require.NoError(t, o.err)
	assert.JSONEq(t, `{"frameId":"1"}`, string(o.payload))
	assert.Zero(t, d.Pending())
}

func TestSubmit_TimesOutWithoutResponse(t *testing.T) {
	d, s, rec := newTestDispatcher(t, Options{})

	ch := submitAsync(d, context.Background(), "Runtime", "evaluate", nil, 100*time.Millisecond)
	cmd := nextSent(t, s)

	o := await(t, ch)
	require.Error(t, o.err)
	assert.ErrorIs(t, o.err, ErrCommandTimeout)
	assert.GreaterOrEqual(t, o.elapsed, 100*time.Millisecond)
	assert.Equal(t, 1, rec.count(telemetry.CategoryTimeout))

	// A late response is dropped, not delivered twice.
	d.Resolve(wire.Response{ID: cmd.ID, Result: json.RawMessage(`{}`)})
	assert.Equal(t, 1, rec.count(telemetry.CategoryOrphan))
	assert.Zero(t, d.Pending())
}

func TestSubmit_StaleAfterGenerationChange(t *testing.T) {
	d, s, rec := newTestDispatcher(t, Options{})

	ch := submitAsync(d, context.Background(), "Page", "reload", nil, 5*time.Second)
	cmd := nextSent(t, s)

	s.generation.Store(2)
	assert.Equal(t, 1, d.Invalidate(2))

	o := await(t, ch)
	assert.ErrorIs(t, o.err, ErrStaleConnection)
	assert.NotErrorIs(t, o.err, ErrCommandTimeout)
	assert.Less(t, o.elapsed, 5*time.Second)
	assert.Equal(t, 1, rec.count(telemetry.CategoryStale))

	d.Resolve(wire.Response{ID: cmd.ID, Result: json.RawMessage(`{}`)})
	assert.Equal(t, 1, rec.count(telemetry.CategoryOrphan))
}

func TestInvalidate_SparesCurrentGeneration(t *testing.T) {
	d, s, _ := newTestDispatcher(t, Options{})

	old := submitAsync(d, context.Background(), "Page", "reload", nil, 5*time.Second)
	nextSent(t, s)
	s.generation.Store(2)
	fresh := submitAsync(d, context.Background(), "Page", "reload", nil, 5*time.Second)
	freshCmd := nextSent(t, s)

	assert.Equal(t, 1, d.Invalidate(2))
	assert.ErrorIs(t, await(t, old).err, ErrStaleConnection)

	d.Resolve(wire.Response{ID: freshCmd.ID, Result: json.RawMessage(`{"ok":true}`)})
	o := await(t, fresh)
	require.NoError(t, o.err)
	assert.JSONEq(t, `{"ok":true}`, string(o.payload))
}

func TestSubmit_ProtocolError(t *testing.T) {
	d, s, rec := newTestDispatcher(t, Options{})

	ch := submitAsync(d, context.Background(), "DOM", "querySelector", nil, time.Second)
	cmd := nextSent(t, s)
	d.Resolve(wire.Response{ID: cmd.ID, Error: &wire.ProtocolError{Code: -32000, Message: "Could not find node"}})

	o := await(t, ch)
	var perr *ProtocolError
	require.ErrorAs(t, o.err, &perr)
	assert.Equal(t, int64(-32000), perr.Code)
	assert.Equal(t, "Could not find node", perr.Message)
	assert.Equal(t, 1, rec.count(telemetry.CategoryProtocolError))
}

func TestSubmit_SendFailureRemovesEntry(t *testing.T) {
	d, s, _ := newTestDispatcher(t, Options{})
	notConnected := errors.New("not connected")
	s.err = notConnected

	_, err := d.Submit(context.Background(), "Page", "reload", nil, time.Second)
	assert.ErrorIs(t, err, notConnected)
	assert.Zero(t, d.Pending())
}

func TestSubmit_EncodeFailure(t *testing.T) {
	d, _, _ := newTestDispatcher(t, Options{})

	_, err := d.Submit(context.Background(), "Runtime", "evaluate", map[string]any{"bad": make(chan int)}, time.Second)
	assert.Error(t, err)
	assert.Zero(t, d.Pending())
}

func TestSubmit_CallerCancellationLeavesEntryPending(t *testing.T) {
	d, s, _ := newTestDispatcher(t, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	ch := submitAsync(d, ctx, "Runtime", "evaluate", nil, 5*time.Second)
	cmd := nextSent(t, s)
	cancel()

	o := await(t, ch)
	assert.ErrorIs(t, o.err, context.Canceled)
	assert.Equal(t, 1, d.Pending())

	d.Resolve(wire.Response{ID: cmd.ID, Result: json.RawMessage(`{}`)})
	assert.Zero(t, d.Pending())
}

func TestSubmit_OutOfOrderResponses(t *testing.T) {
	d, s, _ := newTestDispatcher(t, Options{})

	const n = 5
	chans := make([]<-chan outcome, n)
	for i := 0; i < n; i++ {
		chans[i] = submitAsync(d, context.Background(), "Runtime", "evaluate", map[string]int{"n": i}, 2*time.Second)
	}

	byN := make(map[int]int64, n)
	for i := 0; i < n; i++ {
		cmd := nextSent(t, s)
		var p struct{ N int }
		require.NoError(t, json.Unmarshal(cmd.Params, &p))
		byN[p.N] = cmd.ID
	}

	for i := n - 1; i >= 0; i-- {
		d.Resolve(wire.Response{ID: byN[i], Result: json.RawMessage(fmt.Sprintf(`{"n":%d}`, i))})
	}
	for i := 0; i < n; i++ {
		o := await(t, chans[i])
		require.NoError(t, o.err)
		assert.JSONEq(t, fmt.Sprintf(`{"n":%d}`, i), string(o.payload))
	}
}

func TestSubmit_UniqueIDsUnderConcurrency(t *testing.T) {
	d, s, _ := newTestDispatcher(t, Options{})

	const n = 200
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.Submit(context.Background(), "Runtime", "evaluate", nil, 2*time.Second)
			errs <- err
		}()
	}

	seen := make(map[int64]bool, n)
	for i := 0; i < n; i++ {
		cmd := nextSent(t, s)
		require.False(t, seen[cmd.ID], "duplicate id %d", cmd.ID)
		seen[cmd.ID] = true
		d.Resolve(wire.Response{ID: cmd.ID, Result: json.RawMessage(`{}`)})
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestResolution_ExactlyOnceUnderRace(t *testing.T) {
	d, s, _ := newTestDispatcher(t, Options{})

	for i := 0; i < 50; i++ {
		ch := submitAsync(d, context.Background(), "Page", "reload", nil, 5*time.Millisecond)
		cmd := nextSent(t, s)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			d.Resolve(wire.Response{ID: cmd.ID, Result: json.RawMessage(`{}`)})
		}()
		go func() {
			defer wg.Done()
			d.Invalidate(s.Generation() + 1)
		}()
		wg.Wait()

		o := await(t, ch)
		if o.err != nil {
			assert.True(t, errors.Is(o.err, ErrStaleConnection) || errors.Is(o.err, ErrCommandTimeout), "unexpected error: %v", o.err)
		}
		assert.Zero(t, d.Pending())
	}
}

func TestEffectiveTimeout(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		in   time.Duration
		want time.Duration
	}{
		{"default applies to zero", Options{DefaultTimeout: time.Second}, 0, time.Second},
		{"default applies to negative", Options{DefaultTimeout: time.Second}, -5, time.Second},
		{"caller value kept without ceiling", Options{DefaultTimeout: time.Second}, time.Hour, time.Hour},
		{"ceiling clamps", Options{DefaultTimeout: time.Second, MaxTimeout: time.Minute}, time.Hour, time.Minute},
		{"below ceiling kept", Options{DefaultTimeout: time.Second, MaxTimeout: time.Minute}, 10 * time.Second, 10 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := New(zaptest.NewLogger(t), newFakeSender(), nil, tt.opts)
			assert.Equal(t, tt.want, d.effectiveTimeout(tt.in))
		})
	}
}

func TestFailAll(t *testing.T) {
	d, s, _ := newTestDispatcher(t, Options{})

	ch := submitAsync(d, context.Background(), "Page", "reload", nil, 5*time.Second)
	nextSent(t, s)

	cause := errors.New("reconnect attempts exhausted")
	assert.Equal(t, 1, d.FailAll(cause))
	o := await(t, ch)
	assert.ErrorIs(t, o.err, ErrStaleConnection)
	assert.Contains(t, o.err.Error(), cause.Error())
}

func TestClose_RejectsAndFailsPending(t *testing.T) {
	d, s, _ := newTestDispatcher(t, Options{})

	ch := submitAsync(d, context.Background(), "Page", "reload", nil, 5*time.Second)
	nextSent(t, s)
	d.Close()

	assert.ErrorIs(t, await(t, ch).err, ErrDispatcherClosed)
	_, err := d.Submit(context.Background(), "Page", "reload", nil, time.Second)
	assert.ErrorIs(t, err, ErrDispatcherClosed)
}

func TestInflight(t *testing.T) {
	d, s, _ := newTestDispatcher(t, Options{})

	ch := submitAsync(d, context.Background(), "Page", "reload", nil, 5*time.Second)
	cmd := nextSent(t, s)

	in := d.Inflight()
	require.Len(t, in, 1)
	assert.Equal(t, cmd.ID, in[0].ID)
	assert.Equal(t, "Page.reload", in[0].Method)
	assert.Equal(t, uint64(1), in[0].Generation)
	assert.Positive(t, in[0].Remaining)

	d.Resolve(wire.Response{ID: cmd.ID, Result: json.RawMessage(`{}`)})
	require.NoError(t, await(t, ch).err)
	assert.Empty(t, d.Inflight())
}
