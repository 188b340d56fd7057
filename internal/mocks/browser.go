// File: internal/mocks/browser.go
package mocks

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xkilldash9x/scalpel-bridge/internal/config"
)

// BrowserCommand is a command frame received by the FakeBrowser.
type BrowserCommand struct {
	ID         int64           `json:"id"`
	Method     string          `json:"method"`
	Params     json.RawMessage `json:"params,omitempty"`
	Connection int             `json:"-"`
}

// Reply is what a Responder wants sent back. Skip suppresses the response.
type Reply struct {
	Result any
	Error  *BrowserError
	Delay  time.Duration
	Skip   bool
}

// BrowserError mirrors the DevTools error object.
type BrowserError struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
}

// Responder decides how the FakeBrowser answers a command.
type Responder func(cmd BrowserCommand) Reply

type fakeConn struct {
	id int
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *fakeConn) write(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.ws.WriteJSON(v)
}

// FakeBrowser is an httptest server speaking enough of the DevTools HTTP and
// websocket protocol to drive the bridge without Chrome.
type FakeBrowser struct {
	Server *httptest.Server

	upgrader  websocket.Upgrader
	responder atomic.Pointer[Responder]
	reject    atomic.Bool
	dials     atomic.Int32

	mu     sync.Mutex
	conns  map[int]*fakeConn
	nextID int
	wg     sync.WaitGroup

	// Commands receives every command frame. Frames are dropped when full.
	Commands chan BrowserCommand
}

// NewFakeBrowser starts a FakeBrowser that answers every command with an
// empty result. It is shut down by t.Cleanup.
func NewFakeBrowser(t testing.TB) *FakeBrowser {
	t.Helper()
	f := &FakeBrowser{
		conns:    make(map[int]*fakeConn),
		Commands: make(chan BrowserCommand, 1024),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/json/list", f.handleList)
	mux.HandleFunc("/json/version", f.handleVersion)
	mux.HandleFunc("/devtools/", f.handleSocket)
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

// Target returns a target config pointing at the fake with fast reconnects.
func (f *FakeBrowser) Target() config.TargetConfig {
	host, portStr, _ := net.SplitHostPort(f.Server.Listener.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return config.TargetConfig{
		Host:             host,
		Port:             port,
		Type:             config.TargetTypePage,
		HandshakeTimeout: 2 * time.Second,
		WriteTimeout:     2 * time.Second,
		ReadLimit:        8 << 20,
		Reconnect: config.ReconnectConfig{
			InitialBackoff: 10 * time.Millisecond,
			MaxBackoff:     50 * time.Millisecond,
			MaxAttempts:    20,
		},
	}
}

// SetResponder replaces the command handler. nil restores the default.
func (f *FakeBrowser) SetResponder(r Responder) {
	if r == nil {
		f.responder.Store(nil)
		return
	}
	f.responder.Store(&r)
}

// RejectHandshakes makes new websocket upgrades fail with 503.
func (f *FakeBrowser) RejectHandshakes(reject bool) {
	f.reject.Store(reject)
}

// Dials reports how many websocket handshakes were accepted.
func (f *FakeBrowser) Dials() int {
	return int(f.dials.Load())
}

// Emit pushes an event to every open connection.
func (f *FakeBrowser) Emit(method string, params any) error {
	frame := map[string]any{"method": method, "params": params}
	for _, c := range f.snapshot() {
		if err := c.write(frame); err != nil {
			return fmt.Errorf("emit %s: %w", method, err)
		}
	}
	return nil
}

// EmitRaw writes raw bytes to every open connection.
func (f *FakeBrowser) EmitRaw(raw []byte) error {
	for _, c := range f.snapshot() {
		c.mu.Lock()
		err := c.ws.WriteMessage(websocket.TextMessage, raw)
		c.mu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// DropConnections closes every socket without a close handshake.
func (f *FakeBrowser) DropConnections() {
	for _, c := range f.snapshot() {
		c.ws.Close()
	}
}

// WaitForDials blocks until at least n handshakes were accepted and registered.
func (f *FakeBrowser) WaitForDials(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if f.Dials() >= n {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return f.Dials() >= n
}

// Close drops every connection and stops the server.
func (f *FakeBrowser) Close() {
	f.DropConnections()
	f.wg.Wait()
	f.Server.Close()
}

func (f *FakeBrowser) snapshot() []*fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*fakeConn, 0, len(f.conns))
	for _, c := range f.conns {
		out = append(out, c)
	}
	return out
}

func (f *FakeBrowser) wsURL(path string) string {
	return "ws://" + f.Server.Listener.Addr().String() + path
}

func (f *FakeBrowser) handleList(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode([]map[string]string{
		{"id": "worker", "type": "service_worker", "webSocketDebuggerUrl": f.wsURL("/devtools/worker/1")},
		{"id": "1", "type": "page", "title": "about:blank", "url": "about:blank", "webSocketDebuggerUrl": f.wsURL("/devtools/page/1")},
	})
}

func (f *FakeBrowser) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"Browser":              "FakeChrome/1.0",
		"Protocol-Version":     "1.3",
		"webSocketDebuggerUrl": f.wsURL("/devtools/browser/1"),
	})
}

func (f *FakeBrowser) handleSocket(w http.ResponseWriter, r *http.Request) {
	if f.reject.Load() {
		http.Error(w, "target unavailable", http.StatusServiceUnavailable)
		return
	}
	ws, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	f.mu.Lock()
	f.nextID++
	c := &fakeConn{id: f.nextID, ws: ws}
	f.conns[c.id] = c
	f.wg.Add(1)
	f.mu.Unlock()
	// Counted only once registered so Emit and DropConnections can see it.
	f.dials.Add(1)

	go f.serve(c)
}

func (f *FakeBrowser) serve(c *fakeConn) {
	defer f.wg.Done()
	defer func() {
		f.mu.Lock()
		delete(f.conns, c.id)
		f.mu.Unlock()
		c.ws.Close()
	}()

	var replies sync.WaitGroup
	defer replies.Wait()

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var cmd BrowserCommand
		if err := json.Unmarshal(raw, &cmd); err != nil {
			continue
		}
		cmd.Connection = c.id
		select {
		case f.Commands <- cmd:
		default:
		}

		reply := Reply{Result: map[string]any{}}
		if r := f.responder.Load(); r != nil {
			reply = (*r)(cmd)
		}
		if reply.Skip {
			continue
		}

		replies.Add(1)
		go func() {
			defer replies.Done()
			if reply.Delay > 0 {
				time.Sleep(reply.Delay)
			}
			frame := map[string]any{"id": cmd.ID}
			if reply.Error != nil {
				frame["error"] = reply.Error
			} else {
				frame["result"] = reply.Result
			}
			c.write(frame)
		}()
	}
}
