// File: cmd/serve_test.go
package cmd

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scalpel-bridge/internal/bridge/conn"
	"github.com/xkilldash9x/scalpel-bridge/internal/mocks"
)

func TestRunServe_UnreachableTarget(t *testing.T) {
	cfg := testConfig(t)
	cfg.Target.WebSocketURL = "ws://127.0.0.1:1/devtools/page/missing"
	cfg.Target.HandshakeTimeout = time.Second
	cfg.Server.ListenAddr = "127.0.0.1:0"

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := runServe(ctx, cfg, zaptest.NewLogger(t))
	require.Error(t, err)
	assert.True(t, errors.Is(err, conn.ErrConnection), "got %v", err)
	assert.Contains(t, err.Error(), "bridge stopped")
}

func TestRunServe_StopsOnCancel(t *testing.T) {
	fb := mocks.NewFakeBrowser(t)
	cfg := testConfig(t)
	cfg.Target = fb.Target()
	cfg.Server.ListenAddr = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runServe(ctx, cfg, zaptest.NewLogger(t)) }()

	require.True(t, fb.WaitForDials(1, 5*time.Second), "bridge never dialed the target")
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("runServe did not return after cancellation")
	}
}

func TestServeCmd_FlagsOverrideConfig(t *testing.T) {
	// An unreachable socket URL passed by flag fails fast, proving the flag
	// replaced the default discovery address.
	_, err := executeRoot(t, "serve", "--ws-url", "ws://127.0.0.1:1/devtools/page/x", "--listen", "127.0.0.1:0")
	require.Error(t, err)
	assert.True(t, errors.Is(err, conn.ErrConnection), "got %v", err)
	assert.Contains(t, err.Error(), "127.0.0.1:1")
}

func TestServeCmd_RejectsArgs(t *testing.T) {
	_, err := executeRoot(t, "serve", "extra")
	require.Error(t, err)
}
