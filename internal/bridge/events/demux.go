package events

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/chromedp/cdproto"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-bridge/internal/bridge/telemetry"
	"github.com/xkilldash9x/scalpel-bridge/internal/bridge/wire"
	"github.com/xkilldash9x/scalpel-bridge/internal/observability"
)

// Tracked buffer names.
const (
	DomainConsole    = "console"
	DomainNetwork    = "network"
	DomainWebSocket  = "websocket"
	DomainExceptions = "exceptions"
)

// ErrUnknownDomain is returned by Read for a buffer that is not tracked.
var ErrUnknownDomain = errors.New("unknown event domain")

// Resolver receives response frames. Implemented by the command dispatcher.
type Resolver interface {
	Resolve(resp wire.Response)
}

// Recorder receives telemetry notes. Implemented by telemetry.Recorder.
type Recorder interface {
	Record(operation string, category telemetry.Category, detail string)
}

// protocolDomains are domains the target may legitimately emit events for even
// though no buffer tracks them. Their events are dropped without a telemetry note.
var protocolDomains = map[string]bool{
	"Accessibility": true, "Animation": true, "Audits": true, "BackgroundService": true,
	"Browser": true, "CSS": true, "CacheStorage": true, "Cast": true, "Console": true,
	"DOM": true, "DOMDebugger": true, "DOMSnapshot": true, "DOMStorage": true,
	"Debugger": true, "DeviceAccess": true, "Emulation": true, "Fetch": true,
	"HeadlessExperimental": true, "HeapProfiler": true, "IndexedDB": true, "Input": true,
	"Inspector": true, "LayerTree": true, "Log": true, "Media": true, "Memory": true,
	"Network": true, "Overlay": true, "Page": true, "Performance": true,
	"PerformanceTimeline": true, "Preload": true, "Profiler": true, "Runtime": true,
	"Security": true, "ServiceWorker": true, "Storage": true, "SystemInfo": true,
	"Target": true, "Tethering": true, "Tracing": true, "WebAudio": true, "WebAuthn": true,
}

// route maps an event method onto a tracked buffer. ok is false when the event
// is not buffered.
func route(domain string, method cdproto.MethodType) (buffer string, ok bool) {
	switch method {
	case cdproto.EventRuntimeConsoleAPICalled, cdproto.EventLogEntryAdded, "Console.messageAdded":
		return DomainConsole, true
	case cdproto.EventRuntimeExceptionThrown, cdproto.EventInspectorTargetCrashed,
		cdproto.EventPageJavascriptDialogOpening:
		return DomainExceptions, true
	}
	if domain == "Network" {
		if strings.HasPrefix(string(method), "Network.webSocket") {
			return DomainWebSocket, true
		}
		return DomainNetwork, true
	}
	return "", false
}

// Demux is the single classification point for inbound frames.
type Demux struct {
	logger   *zap.Logger
	resolver Resolver
	recorder Recorder
	now      func() time.Time

	// buffers is immutable after construction.
	buffers map[string]*Buffer
}

// Capacities configures the size of each tracked buffer.
type Capacities struct {
	Console    int
	Network    int
	WebSocket  int
	Exceptions int
}

// NewDemux builds the demultiplexer and its buffers.
func NewDemux(logger *zap.Logger, resolver Resolver, recorder Recorder, caps Capacities) *Demux {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Demux{
		logger:   logger.Named("demux"),
		resolver: resolver,
		recorder: recorder,
		now:      time.Now,
		buffers: map[string]*Buffer{
			DomainConsole:    NewBuffer(DomainConsole, caps.Console),
			DomainNetwork:    NewBuffer(DomainNetwork, caps.Network),
			DomainWebSocket:  NewBuffer(DomainWebSocket, caps.WebSocket),
			DomainExceptions: NewBuffer(DomainExceptions, caps.Exceptions),
		},
	}
}

// OnRaw decodes and dispatches one raw socket frame.
func (d *Demux) OnRaw(raw []byte) {
	d.OnFrame(wire.Decode(raw))
}

// OnFrame hands responses to the resolver and appends events to their buffer.
// It never blocks on anything but a buffer's short append.
func (d *Demux) OnFrame(frame wire.Frame) {
	switch f := frame.(type) {
	case wire.Response:
		if d.resolver != nil {
			d.resolver.Resolve(f)
		}
	case wire.Event:
		d.onEvent(f)
	case wire.Malformed:
		d.note("reader", telemetry.CategoryMalformed, fmt.Sprintf("%s: %s", f.Reason, string(f.Raw)))
	}
}

func (d *Demux) onEvent(ev wire.Event) {
	switch ev.Method {
	case cdproto.EventInspectorTargetCrashed, cdproto.EventInspectorDetached:
		d.note(string(ev.Method), telemetry.CategoryCrash, string(ev.Params))
	}

	name, ok := route(ev.Domain, ev.Method)
	if !ok {
		if !protocolDomains[ev.Domain] {
			d.note(string(ev.Method), telemetry.CategoryUnroutable, "event from unrecognized domain dropped")
			return
		}
		if ce := d.logger.Check(zap.DebugLevel, "Dropping untracked event."); ce != nil {
			ce.Write(zap.String("method", string(ev.Method)))
		}
		return
	}

	buf := d.buffers[name]
	_, evicted := buf.Append(Record{
		Method:    string(ev.Method),
		SessionID: ev.SessionID,
		Received:  d.now().UTC(),
		Params:    ev.Params,
	})
	observability.EventsAppended.WithLabelValues(name).Inc()
	if evicted {
		observability.EventsEvicted.WithLabelValues(name).Inc()
	}
}

func (d *Demux) note(operation string, category telemetry.Category, detail string) {
	if d.recorder != nil {
		d.recorder.Record(operation, category, detail)
	}
}

// Read returns up to limit of the most recent records of a domain with a
// sequence of at least since, in arrival order.
func (d *Demux) Read(domain string, limit int, since uint64) ([]Record, error) {
	buf, ok := d.buffers[strings.ToLower(domain)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDomain, domain)
	}
	return buf.Read(limit, since), nil
}

// Stats reports every buffer, sorted by name.
func (d *Demux) Stats() []Stats {
	out := make([]Stats, 0, len(d.buffers))
	for _, buf := range d.buffers {
		out = append(out, buf.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Domains lists the tracked buffer names.
func (d *Demux) Domains() []string {
	names := make([]string, 0, len(d.buffers))
	for name := range d.buffers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
