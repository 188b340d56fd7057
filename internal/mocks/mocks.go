// File: internal/mocks/mocks.go
package mocks

import (
	"context"
	"encoding/json"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/scalpel-bridge/internal/bridge/conn"
	"github.com/xkilldash9x/scalpel-bridge/internal/bridge/dispatch"
	"github.com/xkilldash9x/scalpel-bridge/internal/bridge/events"
	"github.com/xkilldash9x/scalpel-bridge/internal/bridge/telemetry"
)

// -- Bridge Core Mock --

// MockCore mocks the api.Core interface.
type MockCore struct {
	mock.Mock
}

func (m *MockCore) SubmitCommand(ctx context.Context, domain, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	args := m.Called(ctx, domain, method, params, timeout)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(json.RawMessage), args.Error(1)
}

func (m *MockCore) ReadEvents(domain string, limit int, since uint64) ([]events.Record, error) {
	args := m.Called(domain, limit, since)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]events.Record), args.Error(1)
}

func (m *MockCore) TelemetrySnapshot() telemetry.Snapshot {
	args := m.Called()
	return args.Get(0).(telemetry.Snapshot)
}

func (m *MockCore) ConnectionState() conn.Status {
	args := m.Called()
	return args.Get(0).(conn.Status)
}

func (m *MockCore) BufferStats() []events.Stats {
	args := m.Called()
	return args.Get(0).([]events.Stats)
}

func (m *MockCore) Inflight() []dispatch.Inflight {
	args := m.Called()
	return args.Get(0).([]dispatch.Inflight)
}
