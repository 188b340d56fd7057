// File: internal/api/types.go
package api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/xkilldash9x/scalpel-bridge/internal/bridge/conn"
	"github.com/xkilldash9x/scalpel-bridge/internal/bridge/dispatch"
	"github.com/xkilldash9x/scalpel-bridge/internal/bridge/events"
	"github.com/xkilldash9x/scalpel-bridge/internal/bridge/telemetry"
)

// Core is the bridge surface the HTTP handlers translate onto.
type Core interface {
	SubmitCommand(ctx context.Context, domain, method string, params any, timeout time.Duration) (json.RawMessage, error)
	ReadEvents(domain string, limit int, since uint64) ([]events.Record, error)
	TelemetrySnapshot() telemetry.Snapshot
	ConnectionState() conn.Status
	BufferStats() []events.Stats
	Inflight() []dispatch.Inflight
}

// CommandResponse is the envelope of every JSON response.
type CommandResponse struct {
	Status    string `json:"status"` // "success" or "error"
	Data      any    `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// CommandRequest is a raw passthrough command. Domain may be empty when
// Method is fully qualified ("Page.navigate").
type CommandRequest struct {
	Domain    string          `json:"domain"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
	TimeoutMS int64           `json:"timeout_ms,omitempty"`
}

// ScriptRequest evaluates an expression in the page.
type ScriptRequest struct {
	Expression   string `json:"expression"`
	AwaitPromise bool   `json:"await_promise,omitempty"`
	// Pointer so an explicit false can turn off by-value results.
	ReturnByValue *bool `json:"return_by_value,omitempty"`
	TimeoutMS     int64 `json:"timeout_ms,omitempty"`
}

// NavigateRequest loads a URL in the page.
type NavigateRequest struct {
	URL       string `json:"url"`
	Referrer  string `json:"referrer,omitempty"`
	TimeoutMS int64  `json:"timeout_ms,omitempty"`
}

// ScreenshotRequest captures the page. Format is png (default), jpeg or webp.
type ScreenshotRequest struct {
	Format    string `json:"format,omitempty"`
	Quality   int64  `json:"quality,omitempty"`
	FullPage  bool   `json:"full_page,omitempty"`
	TimeoutMS int64  `json:"timeout_ms,omitempty"`
}

// ClickRequest presses and releases a mouse button at a viewport position.
type ClickRequest struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Button     string  `json:"button,omitempty"`
	ClickCount int64   `json:"click_count,omitempty"`
	TimeoutMS  int64   `json:"timeout_ms,omitempty"`
}

// ThrottleRequest emulates network conditions. Throughputs are bytes per
// second; -1 disables throttling for that direction.
type ThrottleRequest struct {
	Offline            bool    `json:"offline"`
	LatencyMS          float64 `json:"latency_ms"`
	DownloadThroughput float64 `json:"download_throughput"`
	UploadThroughput   float64 `json:"upload_throughput"`
	TimeoutMS          int64   `json:"timeout_ms,omitempty"`
}

// EventsResponse is returned by the events endpoint. Next is the sequence to
// pass as since on the following poll.
type EventsResponse struct {
	Domain  string          `json:"domain"`
	Records []events.Record `json:"records"`
	Next    uint64          `json:"next"`
}

// StateResponse reports the connection and the commands in flight.
type StateResponse struct {
	Connection conn.Status         `json:"connection"`
	Pending    int                 `json:"pending"`
	Inflight   []dispatch.Inflight `json:"inflight"`
}

func timeoutFromMS(ms int64) time.Duration {
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}
