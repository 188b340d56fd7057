// Package telemetry keeps a capped history of crashes, timeouts and other
// failures observed by the bridge.
package telemetry

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/scalpel-bridge/internal/observability"
)

// Category groups records for summary counts.
type Category string

const (
	CategoryCrash         Category = "crash"
	CategoryTimeout       Category = "timeout"
	CategoryStale         Category = "stale"
	CategoryMalformed     Category = "malformed"
	CategoryUnroutable    Category = "unroutable"
	CategoryOrphan        Category = "orphan"
	CategoryConnection    Category = "connection"
	CategoryProtocolError Category = "protocol_error"
)

// maxDetailBytes keeps a single raw frame from bloating the history.
const maxDetailBytes = 4096

// CrashRecord is immutable once recorded.
type CrashRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Operation string    `json:"operation"`
	Category  Category  `json:"category"`
	Detail    string    `json:"detail"`
}

// Snapshot is a point-in-time copy of the recorder state. Counts are
// cumulative since start, so they include records already trimmed.
type Snapshot struct {
	Records []CrashRecord    `json:"records"`
	Counts  map[Category]int `json:"counts"`
}

// Recorder appends records to a ring of fixed capacity.
type Recorder struct {
	logger  *zap.Logger
	limiter *rate.Limiter
	now     func() time.Time

	mu       sync.Mutex
	records  []CrashRecord
	start    int
	capacity int
	counts   map[Category]int
}

// NewRecorder creates a recorder holding at most capacity records. logRate and
// logBurst throttle the warning emitted for each record.
func NewRecorder(logger *zap.Logger, capacity int, logRate float64, logBurst int) *Recorder {
	if capacity <= 0 {
		capacity = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		logger:   logger.Named("telemetry"),
		limiter:  rate.NewLimiter(rate.Limit(logRate), logBurst),
		now:      time.Now,
		records:  make([]CrashRecord, 0, capacity),
		capacity: capacity,
		counts:   make(map[Category]int),
	}
}

// Record appends a record, evicting the oldest when full. It never panics and
// only holds the lock for the append itself.
func (r *Recorder) Record(operation string, category Category, detail string) {
	if r == nil {
		return
	}
	defer func() {
		// Telemetry must not take down the command path.
		_ = recover()
	}()

	if len(detail) > maxDetailBytes {
		detail = detail[:maxDetailBytes] + "...(truncated)"
	}
	rec := CrashRecord{
		Timestamp: r.now().UTC(),
		Operation: operation,
		Category:  category,
		Detail:    detail,
	}

	r.mu.Lock()
	if len(r.records) < r.capacity {
		r.records = append(r.records, rec)
	} else {
		r.records[r.start] = rec
		r.start = (r.start + 1) % r.capacity
	}
	r.counts[category]++
	r.mu.Unlock()

	observability.TelemetryRecords.WithLabelValues(string(category)).Inc()

	if r.limiter.Allow() {
		r.logger.Warn("Telemetry record captured.",
			zap.String("operation", operation),
			zap.String("category", string(category)),
			zap.String("detail", detail),
		)
	}
}

// Snapshot returns the records oldest first together with per-category counts.
func (r *Recorder) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	records := make([]CrashRecord, 0, len(r.records))
	records = append(records, r.records[r.start:]...)
	records = append(records, r.records[:r.start]...)

	counts := make(map[Category]int, len(r.counts))
	for k, v := range r.counts {
		counts[k] = v
	}
	return Snapshot{Records: records, Counts: counts}
}
