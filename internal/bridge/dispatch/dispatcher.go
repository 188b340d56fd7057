// Package dispatch issues DevTools commands concurrently over the shared
// control socket and correlates their responses.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-bridge/internal/bridge/telemetry"
	"github.com/xkilldash9x/scalpel-bridge/internal/bridge/wire"
	"github.com/xkilldash9x/scalpel-bridge/internal/observability"
)

var (
	// ErrCommandTimeout means no response arrived before the deadline. The
	// effect of the command on the target is unknown.
	ErrCommandTimeout = errors.New("command timed out")
	// ErrStaleConnection means the connection the command was sent on was
	// replaced before it resolved. Callers resubmit if still relevant.
	ErrStaleConnection = errors.New("stale connection")
	// ErrDispatcherClosed is returned once the dispatcher has shut down.
	ErrDispatcherClosed = errors.New("dispatcher closed")
)

// ProtocolError is returned (wrapped) when the target rejects a command.
type ProtocolError = wire.ProtocolError

// Sender writes complete frames to the live connection.
type Sender interface {
	Send(ctx context.Context, frame []byte) error
	Generation() uint64
}

// Recorder receives failure notes. Implemented by telemetry.Recorder.
type Recorder interface {
	Record(operation string, category telemetry.Category, detail string)
}

// Options tunes timeouts. A zero MaxTimeout means caller timeouts are not capped.
type Options struct {
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
}

type result struct {
	payload json.RawMessage
	err     error
}

// pending is one in-flight command. It is owned by the table until taken, and
// whoever takes it delivers exactly one result.
type pending struct {
	id         int64
	method     string
	generation uint64
	submitted  time.Time
	deadline   time.Time
	timer      *time.Timer
	done       chan result
}

// Inflight describes a pending command for introspection.
type Inflight struct {
	ID         int64         `json:"id"`
	Method     string        `json:"method"`
	Generation uint64        `json:"generation"`
	Age        time.Duration `json:"age"`
	Remaining  time.Duration `json:"remaining"`
}

// Dispatcher correlates commands and responses by id.
type Dispatcher struct {
	logger   *zap.Logger
	sender   Sender
	recorder Recorder
	opts     Options
	now      func() time.Time

	nextID atomic.Int64

	mu      sync.Mutex
	pending map[int64]*pending
	closed  bool
}

// New creates a dispatcher writing through sender.
func New(logger *zap.Logger, sender Sender, recorder Recorder, opts Options) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 30 * time.Second
	}
	return &Dispatcher{
		logger:   logger.Named("dispatcher"),
		sender:   sender,
		recorder: recorder,
		opts:     opts,
		now:      time.Now,
		pending:  make(map[int64]*pending),
	}
}

// effectiveTimeout applies the default and the optional ceiling.
func (d *Dispatcher) effectiveTimeout(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		timeout = d.opts.DefaultTimeout
	}
	if d.opts.MaxTimeout > 0 && timeout > d.opts.MaxTimeout {
		timeout = d.opts.MaxTimeout
	}
	return timeout
}

// Submit sends one command and waits for its resolution. Only the calling
// goroutine is suspended. If ctx ends first, Submit returns ctx.Err() while the
// command stays pending and its eventual result is discarded.
func (d *Dispatcher) Submit(ctx context.Context, domain, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	timeout = d.effectiveTimeout(timeout)
	id := d.nextID.Add(1)
	name := string(wire.JoinMethod(domain, method))

	frame, err := wire.Encode(id, domain, method, params)
	if err != nil {
		return nil, err
	}

	now := d.now()
	p := &pending{
		id:         id,
		method:     name,
		generation: d.sender.Generation(),
		submitted:  now,
		deadline:   now.Add(timeout),
		done:       make(chan result, 1),
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrDispatcherClosed
	}
	d.pending[id] = p
	p.timer = time.AfterFunc(timeout, func() { d.expire(id, timeout) })
	d.mu.Unlock()
	observability.PendingCommands.Inc()

	d.logger.Debug("Submitting command.",
		zap.Int64("id", id),
		zap.String("method", name),
		zap.Uint64("generation", p.generation),
		zap.Duration("timeout", timeout),
	)

	if err := d.sender.Send(ctx, frame); err != nil {
		if d.take(id) != nil {
			observability.CommandOutcomes.WithLabelValues("send_error").Inc()
			return nil, fmt.Errorf("failed to send %s: %w", name, err)
		}
		// Something else resolved the entry while the send was failing.
		r := <-p.done
		return r.payload, r.err
	}

	select {
	case r := <-p.done:
		return r.payload, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// take removes an entry from the table. A nil return means somebody else
// already resolved it.
func (d *Dispatcher) take(id int64) *pending {
	d.mu.Lock()
	p, ok := d.pending[id]
	if ok {
		delete(d.pending, id)
	}
	d.mu.Unlock()

	if !ok {
		return nil
	}
	p.timer.Stop()
	observability.PendingCommands.Dec()
	return p
}

func (d *Dispatcher) deliver(p *pending, r result, outcome string) {
	p.done <- r
	observability.CommandOutcomes.WithLabelValues(outcome).Inc()
}

func (d *Dispatcher) note(operation string, category telemetry.Category, detail string) {
	if d.recorder != nil {
		d.recorder.Record(operation, category, detail)
	}
}

// Resolve completes the command matching resp.ID. Responses for unknown ids
// (late replies to stale or timed out commands) are dropped.
func (d *Dispatcher) Resolve(resp wire.Response) {
	p := d.take(resp.ID)
	if p == nil {
		d.logger.Debug("Dropping response without a pending command.", zap.Int64("id", resp.ID))
		d.note("response", telemetry.CategoryOrphan, fmt.Sprintf("no pending command for id %d", resp.ID))
		return
	}

	if resp.Error != nil {
		d.note(p.method, telemetry.CategoryProtocolError, resp.Error.Error())
		d.deliver(p, result{err: fmt.Errorf("%s failed: %w", p.method, resp.Error)}, "protocol_error")
		return
	}
	d.deliver(p, result{payload: resp.Result}, "success")
}

func (d *Dispatcher) expire(id int64, timeout time.Duration) {
	p := d.take(id)
	if p == nil {
		return
	}
	detail := fmt.Sprintf("no response for id %d within %s", id, timeout)
	d.note(p.method, telemetry.CategoryTimeout, detail)
	d.deliver(p, result{err: fmt.Errorf("%s: %w after %s", p.method, ErrCommandTimeout, timeout)}, "timeout")
}

// Invalidate resolves every command submitted before generation as stale.
func (d *Dispatcher) Invalidate(generation uint64) int {
	d.mu.Lock()
	var stale []*pending
	for id, p := range d.pending {
		if p.generation < generation {
			stale = append(stale, p)
			delete(d.pending, id)
		}
	}
	d.mu.Unlock()

	for _, p := range stale {
		p.timer.Stop()
		observability.PendingCommands.Dec()
		d.note(p.method, telemetry.CategoryStale, fmt.Sprintf("generation %d superseded by %d", p.generation, generation))
		d.deliver(p, result{err: fmt.Errorf("%s: %w (generation %d superseded by %d)", p.method, ErrStaleConnection, p.generation, generation)}, "stale")
	}
	if len(stale) > 0 {
		d.logger.Info("Invalidated commands from a previous connection.",
			zap.Int("count", len(stale)),
			zap.Uint64("generation", generation),
		)
	}
	return len(stale)
}

// FailAll resolves every pending command with err wrapped in ErrStaleConnection.
// Used when the connection is lost for good.
func (d *Dispatcher) FailAll(cause error) int {
	d.mu.Lock()
	all := make([]*pending, 0, len(d.pending))
	for id, p := range d.pending {
		all = append(all, p)
		delete(d.pending, id)
	}
	d.mu.Unlock()

	for _, p := range all {
		p.timer.Stop()
		observability.PendingCommands.Dec()
		d.deliver(p, result{err: fmt.Errorf("%s: %w: %v", p.method, ErrStaleConnection, cause)}, "stale")
	}
	return len(all)
}

// Close rejects new submissions and fails everything still pending.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	all := make([]*pending, 0, len(d.pending))
	for id, p := range d.pending {
		all = append(all, p)
		delete(d.pending, id)
	}
	d.mu.Unlock()

	for _, p := range all {
		p.timer.Stop()
		observability.PendingCommands.Dec()
		d.deliver(p, result{err: fmt.Errorf("%s: %w", p.method, ErrDispatcherClosed)}, "closed")
	}
}

// Pending returns the number of unresolved commands.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Inflight lists unresolved commands ordered by id.
func (d *Dispatcher) Inflight() []Inflight {
	now := d.now()
	d.mu.Lock()
	out := make([]Inflight, 0, len(d.pending))
	for _, p := range d.pending {
		out = append(out, Inflight{
			ID:         p.id,
			Method:     p.method,
			Generation: p.generation,
			Age:        now.Sub(p.submitted),
			Remaining:  p.deadline.Sub(now),
		})
	}
	d.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
