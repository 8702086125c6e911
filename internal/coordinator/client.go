package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/yupi/settlement-hub/internal/coordinator/auth"
	"github.com/yupi/settlement-hub/internal/coordinator/protocol"
	"github.com/yupi/settlement-hub/internal/coordinator/rpc"
	"github.com/yupi/settlement-hub/internal/coordinator/signer"
	"github.com/yupi/settlement-hub/internal/coordinator/transport"
	"github.com/yupi/settlement-hub/internal/observability"
)

// ErrNotAuthenticated is returned by Call before the handshake completes.
var ErrNotAuthenticated = fmt.Errorf("%w: not authenticated", transport.ErrNotConnected)

type Config struct {
	Transport          transport.Config
	RPC                rpc.Config
	Auth               auth.Config
	RequestTimeout     time.Duration
	KeepaliveInterval  time.Duration
	AutoReauthenticate bool
}

// Status is a point-in-time view of the connection.
type Status struct {
	Phase             transport.Phase `json:"phase"`
	AuthState         auth.State      `json:"authState"`
	Address           string          `json:"address"`
	SessionKey        string          `json:"sessionKey"`
	PendingRequests   int             `json:"pendingRequests"`
	ReconnectAttempts int             `json:"reconnectAttempts"`
	LastError         string          `json:"lastError,omitempty"`
}

// Client is one authenticated connection to the coordinator. It owns the
// transport, the correlator and the handshake, and fans uncorrelated frames
// out to subscribers.
type Client struct {
	cfg       Config
	transport *transport.Manager
	rpc       *rpc.Correlator
	auth      *auth.Machine
	provider  *signer.Provider
	tokens    auth.TokenStore
	logger    zerolog.Logger

	subMu       sync.RWMutex
	subscribers map[uint64]chan protocol.Notification
	nextSub     uint64

	startOnce sync.Once
	stop      context.CancelFunc
	wg        sync.WaitGroup
	events    chan transport.Event

	errMu   sync.Mutex
	lastErr error
}

func NewClient(cfg Config, provider *signer.Provider, dialer transport.Dialer, tokens auth.TokenStore, logger zerolog.Logger) (*Client, error) {
	if provider == nil {
		return nil, fmt.Errorf("%w: signing provider is required", signer.ErrSigning)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.RPC.DefaultTimeout <= 0 {
		cfg.RPC.DefaultTimeout = cfg.RequestTimeout
	}

	tm, err := transport.NewManager(cfg.Transport, dialer, logger)
	if err != nil {
		return nil, err
	}
	corr := rpc.NewCorrelator(cfg.RPC, tm, provider.Session(), logger)
	machine := auth.NewMachine(cfg.Auth, tm, provider.Identity(), provider.Session().Address(), tokens, corr.NextID, logger)

	c := &Client{
		cfg:         cfg,
		transport:   tm,
		rpc:         corr,
		auth:        machine,
		provider:    provider,
		tokens:      tokens,
		logger:      logger.With().Str("component", "coordinator").Logger(),
		subscribers: make(map[uint64]chan protocol.Notification),
		events:      make(chan transport.Event, 32),
	}
	corr.SetFallback(c.route)
	tm.OnMessage(corr.Dispatch)
	return c, nil
}

// Connect opens the transport and authenticates.
func (c *Client) Connect(ctx context.Context) error {
	c.start()
	if err := c.transport.Connect(ctx); err != nil {
		c.setLastError(err)
		return err
	}
	return c.Authenticate(ctx)
}

// Authenticate runs the handshake on an open connection.
func (c *Client) Authenticate(ctx context.Context) error {
	if err := c.auth.Authenticate(ctx); err != nil {
		c.setLastError(err)
		return err
	}
	c.setLastError(nil)
	return nil
}

// Call sends a signed request and waits for its response. It requires an
// authenticated connection.
func (c *Client) Call(ctx context.Context, method string, params any, timeout time.Duration) (*protocol.Response, error) {
	if phase := c.transport.Phase(); phase != transport.PhaseAuthenticated {
		return nil, fmt.Errorf("%w: connection is %s", ErrNotAuthenticated, phase)
	}
	if timeout <= 0 {
		timeout = c.cfg.RequestTimeout
	}
	return c.rpc.Call(ctx, method, params, timeout)
}

// Subscribe registers a notification listener. Slow listeners lose
// notifications rather than stalling dispatch.
func (c *Client) Subscribe(buffer int) (<-chan protocol.Notification, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan protocol.Notification, buffer)

	c.subMu.Lock()
	c.nextSub++
	id := c.nextSub
	c.subscribers[id] = ch
	c.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.subMu.Lock()
			defer c.subMu.Unlock()
			if _, ok := c.subscribers[id]; ok {
				delete(c.subscribers, id)
				close(ch)
			}
		})
	}
}

// Events forwards transport lifecycle events after the client has handled
// them, plus EventAuthFailed when re-authentication after a reconnect fails.
func (c *Client) Events() <-chan transport.Event {
	return c.events
}

func (c *Client) Status() Status {
	st := Status{
		Phase:             c.transport.Phase(),
		AuthState:         c.auth.State(),
		Address:           c.provider.Identity().Address().Hex(),
		SessionKey:        c.provider.Session().Address().Hex(),
		PendingRequests:   c.rpc.Pending(),
		ReconnectAttempts: c.transport.Attempts(),
	}
	if err := c.LastError(); err != nil {
		st.LastError = err.Error()
	}
	return st
}

func (c *Client) Phase() transport.Phase {
	return c.transport.Phase()
}

func (c *Client) Address() common.Address {
	return c.provider.Identity().Address()
}

func (c *Client) LastError() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.lastErr
}

// Close fails outstanding calls, closes the connection and ends all
// subscriptions. The client cannot be reused.
func (c *Client) Close() error {
	c.rpc.Close(fmt.Errorf("%w: client closed", transport.ErrConnectionClosed))
	err := c.transport.Disconnect()
	if c.stop != nil {
		c.stop()
	}
	c.wg.Wait()

	c.subMu.Lock()
	for id, ch := range c.subscribers {
		delete(c.subscribers, id)
		close(ch)
	}
	c.subMu.Unlock()
	return err
}

func (c *Client) start() {
	c.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		c.stop = cancel
		c.wg.Add(1)
		go c.watch(ctx)
		if c.cfg.KeepaliveInterval > 0 {
			c.wg.Add(1)
			go c.keepalive(ctx)
		}
	})
}

func (c *Client) watch(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.transport.Events():
			c.handle(ctx, ev)
			c.forward(ev)
		}
	}
}

func (c *Client) handle(ctx context.Context, ev transport.Event) {
	switch ev.Type {
	case transport.EventDisconnected:
		c.setLastError(ev.Err)
		c.rpc.FailAll(fmt.Errorf("%w: connection lost before response", transport.ErrConnectionClosed))
	case transport.EventReconnected:
		if !c.cfg.AutoReauthenticate {
			return
		}
		if err := c.reauthenticate(ctx); err != nil {
			c.logger.Error().Err(err).Msg("re-authentication after reconnect failed")
			c.forward(transport.Event{Type: transport.EventAuthFailed, Attempt: ev.Attempt, Err: err, At: time.Now()})
		}
	case transport.EventExhausted:
		c.setLastError(ev.Err)
		c.rpc.FailAll(ev.Err)
	case transport.EventClosed:
		c.rpc.FailAll(fmt.Errorf("%w: connection closed", transport.ErrConnectionClosed))
	}
}

// reauthenticate runs the handshake after a reconnect. A rejected token is
// cleared by the handshake, so one more attempt takes the challenge path.
func (c *Client) reauthenticate(ctx context.Context) error {
	hadToken := c.storedToken(ctx) != ""
	err := c.Authenticate(ctx)
	if err == nil || !hadToken || ctx.Err() != nil || c.storedToken(ctx) != "" {
		return err
	}
	c.logger.Warn().Err(err).Msg("stored token rejected, retrying with challenge")
	return c.Authenticate(ctx)
}

func (c *Client) storedToken(ctx context.Context) string {
	if c.tokens == nil {
		return ""
	}
	token, err := c.tokens.LoadToken(ctx)
	if err != nil {
		return ""
	}
	return token
}

func (c *Client) forward(ev transport.Event) {
	select {
	case c.events <- ev:
	default:
	}
}

// route receives frames that matched no pending request.
func (c *Client) route(resp *protocol.Response) {
	if c.auth.Accepts(resp) {
		c.auth.Deliver(resp)
		return
	}
	c.publish(resp.Notification(time.Now()))
}

func (c *Client) publish(n protocol.Notification) {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	if len(c.subscribers) == 0 {
		c.logger.Debug().Str("method", n.Method).Msg("notification without subscribers")
		return
	}
	for id, ch := range c.subscribers {
		select {
		case ch <- n:
		default:
			observability.RecordNotificationDropped()
			c.logger.Warn().Uint64("subscriber", id).Str("method", n.Method).Msg("subscriber full, dropping notification")
		}
	}
}

func (c *Client) keepalive(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.transport.Phase() != transport.PhaseAuthenticated {
				continue
			}
			if _, err := c.Call(ctx, protocol.MethodPing, nil, c.cfg.KeepaliveInterval); err != nil && !errors.Is(err, context.Canceled) {
				c.logger.Warn().Err(err).Msg("keepalive ping failed")
			}
		}
	}
}

func (c *Client) setLastError(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	c.lastErr = err
}
