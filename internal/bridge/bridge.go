// Package bridge wires the connection manager, dispatcher, demultiplexer and
// telemetry recorder into the core consumed by the HTTP facade.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/inspector"
	cdplog "github.com/chromedp/cdproto/log"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-bridge/internal/bridge/conn"
	"github.com/xkilldash9x/scalpel-bridge/internal/bridge/dispatch"
	"github.com/xkilldash9x/scalpel-bridge/internal/bridge/events"
	"github.com/xkilldash9x/scalpel-bridge/internal/bridge/telemetry"
	"github.com/xkilldash9x/scalpel-bridge/internal/config"
)

// enableTimeout bounds each domain enable command issued after a (re)connect.
const enableTimeout = 10 * time.Second

// enableCommands maps a domain to its typed enable command.
var enableCommands = map[string]struct {
	method cdproto.MethodType
	params any
}{
	"Runtime":   {runtime.CommandEnable, runtime.Enable()},
	"Network":   {network.CommandEnable, network.Enable()},
	"Log":       {cdplog.CommandEnable, cdplog.Enable()},
	"Inspector": {inspector.CommandEnable, inspector.Enable()},
	"Page":      {page.CommandEnable, page.Enable()},
}

// Bridge owns the single control socket and everything multiplexed over it.
type Bridge struct {
	logger *zap.Logger
	cfg    *config.Config

	manager    *conn.Manager
	dispatcher *dispatch.Dispatcher
	demux      *events.Demux
	recorder   *telemetry.Recorder

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New assembles a bridge from configuration. Nothing is dialled until Run.
func New(logger *zap.Logger, cfg *config.Config) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("bridge")

	recorder := telemetry.NewRecorder(logger, cfg.Telemetry.Capacity, cfg.Telemetry.LogRate, cfg.Telemetry.LogBurst)
	manager := conn.NewManager(logger, cfg.Target, recorder)
	dispatcher := dispatch.New(logger, manager, recorder, dispatch.Options{
		DefaultTimeout: cfg.Dispatcher.DefaultTimeout,
		MaxTimeout:     cfg.Dispatcher.MaxTimeout,
	})
	demux := events.NewDemux(logger, dispatcher, recorder, events.Capacities{
		Console:    cfg.Buffers.Console,
		Network:    cfg.Buffers.Network,
		WebSocket:  cfg.Buffers.WebSocket,
		Exceptions: cfg.Buffers.Exceptions,
	})

	return &Bridge{
		logger:     logger,
		cfg:        cfg,
		manager:    manager,
		dispatcher: dispatcher,
		demux:      demux,
		recorder:   recorder,
	}
}

// Run connects and then drains every connection generation into the
// demultiplexer until ctx ends or the target is lost for good. A cancelled
// ctx is a clean shutdown and returns nil.
func (b *Bridge) Run(ctx context.Context) error {
	defer b.Close()

	if err := b.manager.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to debugging target: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case stream, ok := <-b.manager.Streams():
			if !ok {
				err := b.manager.Err()
				b.dispatcher.FailAll(err)
				if err == nil || errors.Is(err, conn.ErrClosed) {
					return nil
				}
				return err
			}
			b.onGeneration(ctx, stream.Generation)
			if !b.drain(ctx, stream) {
				return nil
			}
		}
	}
}

func (b *Bridge) onGeneration(ctx context.Context, generation uint64) {
	if n := b.dispatcher.Invalidate(generation); n > 0 {
		b.logger.Info("Resolved commands from the previous connection as stale.", zap.Int("count", n))
	}
	if len(b.cfg.Dispatcher.EnableDomains) == 0 {
		return
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.enableDomains(ctx, generation)
	}()
}

// drain forwards frames until the stream ends. It returns false when ctx ended.
func (b *Bridge) drain(ctx context.Context, stream conn.Stream) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case frame, ok := <-stream.Frames:
			if !ok {
				b.logger.Debug("Connection generation ended.", zap.Uint64("generation", stream.Generation))
				return true
			}
			b.demux.OnRaw(frame)
		}
	}
}

// enableDomains turns on event reporting so buffers fill without caller action.
func (b *Bridge) enableDomains(ctx context.Context, generation uint64) {
	for _, domain := range b.cfg.Dispatcher.EnableDomains {
		if b.manager.Generation() != generation {
			return
		}
		var err error
		if cmd, ok := enableCommands[domain]; ok {
			_, err = b.dispatcher.Submit(ctx, "", string(cmd.method), cmd.params, enableTimeout)
		} else {
			_, err = b.dispatcher.Submit(ctx, domain, "enable", nil, enableTimeout)
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("Failed to enable domain.", zap.String("domain", domain), zap.Error(err))
			b.recorder.Record(domain+".enable", telemetry.CategoryConnection, err.Error())
		}
	}
}

// Close tears down the socket and fails every pending command.
func (b *Bridge) Close() {
	b.closeOnce.Do(func() {
		b.manager.Close()
		b.dispatcher.Close()
		b.wg.Wait()
	})
}

// SubmitCommand issues one command and waits for its resolution.
func (b *Bridge) SubmitCommand(ctx context.Context, domain, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	return b.dispatcher.Submit(ctx, domain, method, params, timeout)
}

// ReadEvents returns buffered events for a domain.
func (b *Bridge) ReadEvents(domain string, limit int, since uint64) ([]events.Record, error) {
	return b.demux.Read(domain, limit, since)
}

// TelemetrySnapshot returns the recorded failures.
func (b *Bridge) TelemetrySnapshot() telemetry.Snapshot {
	return b.recorder.Snapshot()
}

// ConnectionState reports the socket state and generation.
func (b *Bridge) ConnectionState() conn.Status {
	return b.manager.Status()
}

// BufferStats reports every event buffer.
func (b *Bridge) BufferStats() []events.Stats {
	return b.demux.Stats()
}

// Inflight lists commands still awaiting a response.
func (b *Bridge) Inflight() []dispatch.Inflight {
	return b.dispatcher.Inflight()
}
