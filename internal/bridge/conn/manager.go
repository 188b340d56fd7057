// Package conn owns the single control socket to the debugging target and
// keeps it alive across drops.
package conn

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-bridge/internal/bridge/telemetry"
	"github.com/xkilldash9x/scalpel-bridge/internal/config"
	"github.com/xkilldash9x/scalpel-bridge/internal/observability"
)

var (
	// ErrConnection means the target could not be reached or rejected the handshake.
	ErrConnection = errors.New("connection error")
	// ErrNotConnected is returned by Send when no live socket exists.
	ErrNotConnected = errors.New("not connected")
	// ErrClosed is returned once the manager has been closed.
	ErrClosed = errors.New("connection manager closed")
)

// State of the control socket.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "disconnected"
	}
}

// MarshalText renders the state by name in JSON payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Status is a point-in-time view of the connection.
type Status struct {
	State      State  `json:"state"`
	Generation uint64 `json:"generation"`
	URL        string `json:"url,omitempty"`
}

// Stream carries the inbound frames of one connection generation. Frames is
// closed when that connection dies.
type Stream struct {
	Generation uint64
	Frames     <-chan []byte
}

// Recorder receives connection failure notes.
type Recorder interface {
	Record(operation string, category telemetry.Category, detail string)
}

const frameQueueSize = 256

type writeRequest struct {
	messageType int
	data        []byte
	result      chan error
}

// session is one live websocket plus the goroutines serving it.
type session struct {
	conn       *websocket.Conn
	generation uint64
	url        string
	writes     chan writeRequest
	frames     chan []byte
	dead       chan struct{}
	once       sync.Once
	cause      error
}

func (s *session) fail(err error) {
	s.once.Do(func() {
		s.cause = err
		close(s.dead)
		s.conn.Close()
	})
}

// Manager dials the target, serializes writes and reconnects with bounded
// exponential backoff after unexpected closures.
type Manager struct {
	logger     *zap.Logger
	cfg        config.TargetConfig
	recorder   Recorder
	dialer     *websocket.Dialer
	httpClient *http.Client

	connectMu sync.Mutex

	mu         sync.RWMutex
	state      State
	generation uint64
	current    *session

	streamMu      sync.Mutex
	streams       chan Stream
	streamsClosed bool

	closed    chan struct{}
	closeOnce sync.Once
	done      chan struct{}
	doneOnce  sync.Once
	err       error

	wg sync.WaitGroup
}

// NewManager builds a manager for cfg. recorder may be nil.
func NewManager(logger *zap.Logger, cfg config.TargetConfig, recorder Recorder) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		logger:   logger.Named("conn"),
		cfg:      cfg,
		recorder: recorder,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		httpClient: &http.Client{Timeout: cfg.HandshakeTimeout},
		streams:    make(chan Stream, 1),
		closed:     make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Connect establishes the first connection. It is a no-op when a live socket
// already exists.
func (m *Manager) Connect(ctx context.Context) error {
	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	select {
	case <-m.closed:
		return ErrClosed
	case <-m.done:
		return m.Err()
	default:
	}

	m.mu.Lock()
	if m.current != nil {
		m.mu.Unlock()
		return nil
	}
	m.state = StateConnecting
	m.mu.Unlock()

	s, err := m.dial(ctx)
	if err != nil {
		m.setState(StateDisconnected)
		m.note("connect", err)
		return err
	}
	select {
	case <-m.closed:
		s.conn.Close()
		return ErrClosed
	default:
	}

	m.adopt(s)
	m.wg.Add(1)
	go m.supervise(s)
	return nil
}

func (m *Manager) dial(ctx context.Context) (*session, error) {
	if m.cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
		defer cancel()
	}

	wsURL, err := ResolveURL(ctx, m.httpClient, m.cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnection, err)
	}

	c, resp, err := m.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: handshake with %s rejected with status %d: %w", ErrConnection, wsURL, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("%w: failed to dial %s: %w", ErrConnection, wsURL, err)
	}
	if m.cfg.ReadLimit > 0 {
		c.SetReadLimit(m.cfg.ReadLimit)
	}

	return &session{
		conn:   c,
		url:    wsURL,
		writes: make(chan writeRequest),
		frames: make(chan []byte, frameQueueSize),
		dead:   make(chan struct{}),
	}, nil
}

// adopt makes s the live session under a fresh generation and publishes its stream.
func (m *Manager) adopt(s *session) {
	m.mu.Lock()
	m.generation++
	s.generation = m.generation
	m.current = s
	m.state = StateConnected
	m.mu.Unlock()

	observability.ConnectionGeneration.Set(float64(s.generation))
	m.logger.Info("Control socket connected.",
		zap.String("url", s.url),
		zap.Uint64("generation", s.generation),
	)

	m.wg.Add(2)
	go m.readLoop(s)
	go m.writePump(s)

	m.publish(Stream{Generation: s.generation, Frames: s.frames})
}

func (m *Manager) publish(stream Stream) {
	m.streamMu.Lock()
	defer m.streamMu.Unlock()
	if m.streamsClosed {
		return
	}
	select {
	case m.streams <- stream:
	case <-m.closed:
	}
}

func (m *Manager) closeStreams() {
	m.streamMu.Lock()
	defer m.streamMu.Unlock()
	if !m.streamsClosed {
		m.streamsClosed = true
		close(m.streams)
	}
}

func (m *Manager) readLoop(s *session) {
	defer m.wg.Done()
	defer close(s.frames)

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			s.fail(fmt.Errorf("read: %w", err))
			return
		}
		select {
		case s.frames <- message:
		case <-s.dead:
			return
		}
	}
}

// writePump is the only goroutine that writes data frames to the socket.
func (m *Manager) writePump(s *session) {
	defer m.wg.Done()

	var tick <-chan time.Time
	if m.cfg.PingInterval > 0 {
		ticker := time.NewTicker(m.cfg.PingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case req := <-s.writes:
			deadline := time.Now().Add(m.writeTimeout())
			var err error
			if req.messageType == websocket.PingMessage {
				err = s.conn.WriteControl(websocket.PingMessage, req.data, deadline)
			} else {
				s.conn.SetWriteDeadline(deadline)
				err = s.conn.WriteMessage(req.messageType, req.data)
			}
			req.result <- err
			if err != nil {
				s.fail(fmt.Errorf("write: %w", err))
				return
			}
		case <-tick:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(m.writeTimeout())); err != nil {
				s.fail(fmt.Errorf("ping: %w", err))
				return
			}
		case <-s.dead:
			return
		}
	}
}

func (m *Manager) writeTimeout() time.Duration {
	if m.cfg.WriteTimeout > 0 {
		return m.cfg.WriteTimeout
	}
	return 10 * time.Second
}

// supervise waits for the live session to die and drives reconnection.
func (m *Manager) supervise(s *session) {
	defer m.wg.Done()

	for {
		select {
		case <-s.dead:
		case <-m.closed:
			s.fail(ErrClosed)
			return
		}

		select {
		case <-m.closed:
			return
		default:
		}

		m.mu.Lock()
		if m.current == s {
			m.current = nil
		}
		m.state = StateReconnecting
		m.mu.Unlock()

		m.logger.Warn("Control socket lost, reconnecting.",
			zap.Uint64("generation", s.generation),
			zap.Error(s.cause),
		)
		m.note("socket", s.cause)

		next, err := m.reconnect()
		if err != nil {
			if !errors.Is(err, ErrClosed) {
				m.terminate(StateDisconnected, err)
			}
			return
		}
		s = next
	}
}

func (m *Manager) reconnect() (*session, error) {
	backoff := m.cfg.Reconnect.InitialBackoff
	if backoff <= 0 {
		backoff = 250 * time.Millisecond
	}
	maxBackoff := m.cfg.Reconnect.MaxBackoff
	if maxBackoff < backoff {
		maxBackoff = backoff
	}

	var lastErr error
	for attempt := 1; m.cfg.Reconnect.MaxAttempts <= 0 || attempt <= m.cfg.Reconnect.MaxAttempts; attempt++ {
		timer := time.NewTimer(backoff)
		select {
		case <-m.closed:
			timer.Stop()
			return nil, ErrClosed
		case <-timer.C:
		}

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			select {
			case <-m.closed:
				cancel()
			case <-ctx.Done():
			}
		}()
		s, err := m.dial(ctx)
		cancel()

		if err == nil {
			observability.Reconnects.WithLabelValues("success").Inc()
			m.adopt(s)
			select {
			case <-m.closed:
				s.fail(ErrClosed)
				return nil, ErrClosed
			default:
			}
			return s, nil
		}

		observability.Reconnects.WithLabelValues("failure").Inc()
		lastErr = err
		m.logger.Debug("Reconnect attempt failed.",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}

	err := fmt.Errorf("%w: gave up after %d reconnect attempts: %w", ErrConnection, m.cfg.Reconnect.MaxAttempts, lastErr)
	m.note("reconnect", err)
	return nil, err
}

func (m *Manager) terminate(state State, err error) {
	m.mu.Lock()
	m.state = state
	m.current = nil
	m.mu.Unlock()

	m.doneOnce.Do(func() {
		m.err = err
		close(m.done)
	})
	m.closeStreams()

	if state == StateDisconnected {
		m.logger.Error("Control socket is down for good.", zap.Error(err))
	}
}

// Send writes one complete frame. Writes from concurrent callers are
// serialized through the write pump.
func (m *Manager) Send(ctx context.Context, frame []byte) error {
	return m.write(ctx, websocket.TextMessage, frame)
}

// Ping writes a ping control frame to the live socket.
func (m *Manager) Ping(ctx context.Context) error {
	return m.write(ctx, websocket.PingMessage, nil)
}

func (m *Manager) write(ctx context.Context, messageType int, data []byte) error {
	select {
	case <-m.closed:
		return ErrClosed
	default:
	}

	m.mu.RLock()
	s := m.current
	m.mu.RUnlock()
	if s == nil {
		return ErrNotConnected
	}

	req := writeRequest{messageType: messageType, data: data, result: make(chan error, 1)}
	select {
	case s.writes <- req:
	case <-s.dead:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.result:
		if err != nil {
			return fmt.Errorf("%w: %w", ErrNotConnected, err)
		}
		return nil
	case <-s.dead:
		select {
		case err := <-req.result:
			if err == nil {
				return nil
			}
		default:
		}
		return ErrNotConnected
	}
}

// Streams yields one Stream per successful (re)connect. The channel is
// closed when the manager is closed or gives up reconnecting.
func (m *Manager) Streams() <-chan Stream {
	return m.streams
}

// Generation returns the generation of the most recent connection.
func (m *Manager) Generation() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.generation
}

// State returns the current state and generation.
func (m *Manager) State() (State, uint64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state, m.generation
}

// Status returns a snapshot suitable for reporting.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := Status{State: m.state, Generation: m.generation}
	if m.current != nil {
		st.URL = m.current.url
	}
	return st
}

// Done is closed when the manager stops for good.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Err reports why Done was closed.
func (m *Manager) Err() error {
	select {
	case <-m.done:
		return m.err
	default:
		return nil
	}
}

// Close sends a normal closure, stops every goroutine and fails later calls
// with ErrClosed.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		close(m.closed)

		// Wait out an in-flight Connect so no session is adopted after shutdown.
		m.connectMu.Lock()
		defer m.connectMu.Unlock()

		m.mu.RLock()
		s := m.current
		m.mu.RUnlock()
		if s != nil {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			s.fail(ErrClosed)
		}

		m.wg.Wait()
		m.httpClient.CloseIdleConnections()
		m.terminate(StateClosed, ErrClosed)
		m.logger.Info("Connection manager closed.")
	})
	return nil
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *Manager) note(operation string, err error) {
	if m.recorder != nil && err != nil {
		m.recorder.Record(operation, telemetry.CategoryConnection, err.Error())
	}
}
