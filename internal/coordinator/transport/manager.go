package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/yupi/settlement-hub/internal/observability"
)

type Config struct {
	Endpoint             string
	Reconnect            bool
	MaxReconnectAttempts int
	InitialBackoff       time.Duration
	MaxBackoff           time.Duration
	EventBuffer          int
}

func (c Config) withDefaults() Config {
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 32
	}
	return c
}

// Manager owns the single coordinator connection. It delivers inbound frames
// to one handler in arrival order and reconnects after unexpected loss.
type Manager struct {
	cfg    Config
	dialer Dialer
	logger zerolog.Logger
	events chan Event

	mu       sync.RWMutex
	phase    Phase
	conn     Conn
	handler  func([]byte)
	attempts int
	readDone chan struct{}
	lifeCtx  context.Context
	lifeStop context.CancelFunc
}

func NewManager(cfg Config, dialer Dialer, logger zerolog.Logger) (*Manager, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, fmt.Errorf("%w: endpoint is required", ErrConnection)
	}
	if dialer == nil {
		dialer = WebsocketDialer{HandshakeTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second}
	}
	cfg = cfg.withDefaults()
	observability.SetConnectionPhase(string(PhaseDisconnected))
	return &Manager{
		cfg:    cfg,
		dialer: dialer,
		logger: logger.With().Str("component", "transport").Logger(),
		events: make(chan Event, cfg.EventBuffer),
		phase:  PhaseDisconnected,
	}, nil
}

// OnMessage installs the inbound frame handler. It runs on the read
// goroutine and must not call Disconnect.
func (m *Manager) OnMessage(handler func([]byte)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = handler
}

// Events reports lifecycle changes. Events are dropped when nobody drains
// the channel.
func (m *Manager) Events() <-chan Event {
	return m.events
}

func (m *Manager) Phase() Phase {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.phase
}

// Attempts returns the current reconnect attempt, zero while connected.
func (m *Manager) Attempts() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.attempts
}

// Connect dials the endpoint once. Reconnection only applies to connections
// that were established and then lost.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.phase != PhaseDisconnected {
		phase := m.phase
		m.mu.Unlock()
		return fmt.Errorf("%w: connection is %s", ErrConnection, phase)
	}
	if m.lifeStop != nil {
		m.lifeStop()
	}
	m.lifeCtx, m.lifeStop = context.WithCancel(context.Background())
	m.setPhaseLocked(PhaseConnecting)
	m.mu.Unlock()

	conn, err := m.dialer.Dial(ctx, m.cfg.Endpoint)
	if err := m.finishDial(conn, err); err != nil {
		m.logger.Warn().Err(err).Str("endpoint", m.cfg.Endpoint).Msg("connect failed")
		return err
	}
	m.logger.Info().Str("endpoint", m.cfg.Endpoint).Msg("connected to coordinator")
	m.emit(EventConnected, 0, nil)
	return nil
}

// Send writes one frame. It fails with ErrNotConnected unless the connection
// is connected, authenticating or authenticated.
func (m *Manager) Send(data []byte) error {
	m.mu.RLock()
	conn, phase := m.conn, m.phase
	m.mu.RUnlock()
	if conn == nil || !phase.CanSend() {
		return fmt.Errorf("%w: connection is %s", ErrNotConnected, phase)
	}
	if err := conn.WriteMessage(data); err != nil {
		// The read loop observes the closed connection and runs loss handling.
		_ = conn.Close()
		return fmt.Errorf("%w: write: %v", ErrConnection, err)
	}
	return nil
}

// Transition moves between the handshake phases on behalf of the
// authentication machine. Connection phases are owned by the manager.
func (m *Manager) Transition(to Phase) error {
	switch to {
	case PhaseConnected, PhaseAuthenticating, PhaseAuthenticated:
	default:
		return fmt.Errorf("%w: %s is managed by the transport", ErrInvalidTransition, to)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.phase.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.phase, to)
	}
	m.setPhaseLocked(to)
	return nil
}

// Disconnect closes the connection and stops any reconnect loop. It does not
// trigger reconnection.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	if m.lifeStop != nil {
		m.lifeStop()
	}
	switch m.phase {
	case PhaseDisconnected, PhaseClosing:
		m.mu.Unlock()
		return nil
	}
	conn, done := m.conn, m.readDone
	m.setPhaseLocked(PhaseClosing)
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
		<-done
	}
	m.logger.Info().Msg("disconnected from coordinator")
	return nil
}

func (m *Manager) finishDial(conn Conn, dialErr error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if dialErr != nil {
		if m.phase == PhaseConnecting || m.phase == PhaseClosing {
			m.setPhaseLocked(PhaseDisconnected)
		}
		return fmt.Errorf("%w: %v", ErrConnection, dialErr)
	}
	if m.phase != PhaseConnecting {
		_ = conn.Close()
		if m.phase == PhaseClosing {
			m.setPhaseLocked(PhaseDisconnected)
		}
		return fmt.Errorf("%w: closed while connecting", ErrConnectionClosed)
	}
	m.conn = conn
	m.attempts = 0
	m.setPhaseLocked(PhaseConnected)
	done := make(chan struct{})
	m.readDone = done
	go m.readLoop(conn, done)
	return nil
}

func (m *Manager) readLoop(conn Conn, done chan struct{}) {
	defer close(done)
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			m.handleLoss(conn, err)
			return
		}
		m.mu.RLock()
		handler := m.handler
		m.mu.RUnlock()
		if handler != nil {
			handler(data)
		}
	}
}

func (m *Manager) handleLoss(conn Conn, cause error) {
	m.mu.Lock()
	if m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	_ = conn.Close()
	closing := m.phase == PhaseClosing
	m.setPhaseLocked(PhaseDisconnected)
	ctx := m.lifeCtx
	m.mu.Unlock()

	if closing {
		m.emit(EventClosed, 0, nil)
		return
	}
	m.logger.Warn().Err(cause).Msg("coordinator connection lost")
	m.emit(EventDisconnected, 0, fmt.Errorf("%w: %v", ErrConnectionClosed, cause))
	if m.cfg.Reconnect && ctx != nil {
		go m.reconnect(ctx)
	}
}

func (m *Manager) reconnect(ctx context.Context) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = m.cfg.InitialBackoff
	policy.MaxInterval = m.cfg.MaxBackoff
	policy.MaxElapsedTime = 0
	policy.Reset()

	maxAttempts := m.cfg.MaxReconnectAttempts
	var lastErr error
	for attempt := 1; maxAttempts <= 0 || attempt <= maxAttempts; attempt++ {
		timer := time.NewTimer(policy.NextBackOff())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		m.mu.Lock()
		m.attempts = attempt
		m.mu.Unlock()
		observability.RecordReconnectAttempt()

		err := m.redial(ctx)
		if err == nil {
			m.logger.Info().Int("attempt", attempt).Msg("reconnected to coordinator")
			m.emit(EventReconnected, attempt, nil)
			return
		}
		if errors.Is(err, ErrConnectionClosed) {
			return
		}
		lastErr = err
		m.logger.Warn().Err(err).Int("attempt", attempt).Int("max_attempts", maxAttempts).Msg("reconnect attempt failed")
	}

	err := fmt.Errorf("%w: %d attempts to %s failed: %v", ErrConnectionExhausted, maxAttempts, m.cfg.Endpoint, lastErr)
	m.logger.Error().Err(err).Msg("giving up on coordinator connection")
	m.emit(EventExhausted, maxAttempts, err)
}

func (m *Manager) redial(ctx context.Context) error {
	m.mu.Lock()
	if ctx.Err() != nil || m.phase != PhaseDisconnected {
		m.mu.Unlock()
		return ErrConnectionClosed
	}
	m.setPhaseLocked(PhaseConnecting)
	m.mu.Unlock()

	conn, err := m.dialer.Dial(ctx, m.cfg.Endpoint)
	return m.finishDial(conn, err)
}

func (m *Manager) setPhaseLocked(to Phase) {
	if m.phase == to {
		return
	}
	m.logger.Debug().Str("from", string(m.phase)).Str("to", string(to)).Msg("connection phase changed")
	m.phase = to
	observability.SetConnectionPhase(string(to))
}

func (m *Manager) emit(kind EventType, attempt int, err error) {
	event := Event{Type: kind, Attempt: attempt, Err: err, At: time.Now()}
	select {
	case m.events <- event:
	default:
		m.logger.Warn().Str("event", string(kind)).Msg("dropping connection event, buffer full")
	}
}
