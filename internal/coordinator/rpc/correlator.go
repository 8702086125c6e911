package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/yupi/settlement-hub/internal/coordinator/protocol"
	"github.com/yupi/settlement-hub/internal/coordinator/signer"
	"github.com/yupi/settlement-hub/internal/observability"
)

var (
	ErrRequestTimeout = errors.New("request timeout")
	ErrRemote         = errors.New("remote error")
	// ErrNotSent marks failures that happened before the frame was written.
	ErrNotSent = errors.New("request not sent")
)

// RemoteError is a coordinator rejection of a specific request.
type RemoteError struct {
	RequestID uint64
	Method    string
	Reason    string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("coordinator rejected %s (id %d): %s", e.Method, e.RequestID, e.Reason)
}

func (e *RemoteError) Is(target error) bool {
	return target == ErrRemote
}

// Sender transmits one encoded frame.
type Sender interface {
	Send(data []byte) error
}

type Config struct {
	DefaultTimeout    time.Duration
	TombstoneTTL      time.Duration
	TombstoneCapacity int
	RateLimitRPS      float64
	RateLimitBurst    int
}

func (c Config) withDefaults() Config {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 30 * time.Second
	}
	if c.TombstoneTTL <= 0 {
		c.TombstoneTTL = 10 * time.Minute
	}
	if c.TombstoneCapacity <= 0 {
		c.TombstoneCapacity = 4096
	}
	if c.RateLimitRPS > 0 && c.RateLimitBurst <= 0 {
		c.RateLimitBurst = 1
	}
	return c
}

type result struct {
	resp *protocol.Response
	err  error
}

type pendingRequest struct {
	id     uint64
	method string
	sentAt time.Time
	// done has capacity one and receives exactly one result.
	done chan result
}

// Correlator matches responses to outstanding requests by request id.
// Every call resolves exactly once: response, remote error, timeout,
// cancellation or connection failure.
type Correlator struct {
	cfg     Config
	sender  Sender
	signer  signer.PayloadSigner
	limiter *rate.Limiter
	logger  zerolog.Logger
	now     func() time.Time
	nextID  atomic.Uint64
	late    atomic.Uint64

	// Ids of abandoned requests, so a late response is dropped instead of
	// being treated as a notification.
	tombstones *expirable.LRU[uint64, string]

	mu       sync.Mutex
	pending  map[uint64]*pendingRequest
	closed   error
	fallback func(*protocol.Response)
}

func NewCorrelator(cfg Config, sender Sender, payloadSigner signer.PayloadSigner, logger zerolog.Logger) *Correlator {
	cfg = cfg.withDefaults()
	c := &Correlator{
		cfg:        cfg,
		sender:     sender,
		signer:     payloadSigner,
		logger:     logger.With().Str("component", "rpc").Logger(),
		now:        time.Now,
		tombstones: expirable.NewLRU[uint64, string](cfg.TombstoneCapacity, nil, cfg.TombstoneTTL),
		pending:    make(map[uint64]*pendingRequest),
	}
	if cfg.RateLimitRPS > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	c.nextID.Store(uint64(time.Now().UnixMilli()))
	return c
}

// NextID allocates a request id. Ids are never reused within the process.
func (c *Correlator) NextID() uint64 {
	return c.nextID.Add(1)
}

// SetFallback installs the handler for frames that match no pending request.
func (c *Correlator) SetFallback(fn func(*protocol.Response)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fallback = fn
}

// Call signs and sends a request and blocks until it resolves. Params may be
// nil; a zero timeout uses the configured default.
func (c *Correlator) Call(ctx context.Context, method string, params any, timeout time.Duration) (*protocol.Response, error) {
	if timeout <= 0 {
		timeout = c.cfg.DefaultTimeout
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: rate limit %s: %w", ErrNotSent, method, err)
		}
	}

	id := c.NextID()
	frame, err := c.encode(id, method, params)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotSent, err)
	}

	p := &pendingRequest{id: id, method: method, sentAt: c.now(), done: make(chan result, 1)}
	if err := c.register(p); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotSent, err)
	}
	if err := c.sender.Send(frame); err != nil {
		c.drop(id)
		observability.RecordRequest(method, "send_error", 0)
		return nil, err
	}
	c.logger.Debug().Uint64("request_id", id).Str("method", method).Msg("request sent")

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-p.done:
		return c.finish(p, res)
	case <-timer.C:
		if c.abandon(id, "timeout") {
			observability.RecordRequest(method, "timeout", time.Since(p.sentAt))
			return nil, fmt.Errorf("%w: %s (id %d) after %s", ErrRequestTimeout, method, id, timeout)
		}
		return c.finish(p, <-p.done)
	case <-ctx.Done():
		if c.abandon(id, "cancelled") {
			observability.RecordRequest(method, "cancelled", time.Since(p.sentAt))
			return nil, ctx.Err()
		}
		return c.finish(p, <-p.done)
	}
}

// Dispatch routes one inbound frame. It is called from the transport read
// goroutine in arrival order.
func (c *Correlator) Dispatch(data []byte) {
	resp, err := protocol.ParseResponse(data)
	if err != nil {
		c.logger.Warn().Err(err).Int("bytes", len(data)).Msg("dropping malformed frame")
		return
	}
	id := resp.Res.RequestID

	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
		observability.SetPendingRequests(len(c.pending))
	}
	fallback := c.fallback
	c.mu.Unlock()

	if ok {
		if resp.IsError() {
			p.done <- result{err: &RemoteError{RequestID: id, Method: p.method, Reason: resp.ErrorMessage()}}
			return
		}
		p.done <- result{resp: resp}
		return
	}
	if c.tombstones.Remove(id) {
		c.late.Add(1)
		observability.RecordLateResponse()
		c.logger.Debug().Uint64("request_id", id).Str("method", resp.Res.Method).Msg("discarding late response")
		return
	}
	if fallback != nil {
		fallback(resp)
	}
}

// FailAll resolves every pending request with err. Used when the connection
// drops; the requests' outcomes at the coordinator are unknown.
func (c *Correlator) FailAll(err error) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failAllLocked(err)
}

// Close fails all pending requests and rejects new calls with err.
func (c *Correlator) Close(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = err
	c.failAllLocked(err)
}

func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// LateResponses counts responses dropped after their request was abandoned.
func (c *Correlator) LateResponses() uint64 {
	return c.late.Load()
}

func (c *Correlator) encode(id uint64, method string, params any) ([]byte, error) {
	var (
		payload protocol.Payload
		err     error
	)
	if params == nil {
		payload, err = protocol.NewPayload(id, method, c.now())
	} else {
		payload, err = protocol.NewPayload(id, method, c.now(), params)
	}
	if err != nil {
		return nil, err
	}
	body, err := payload.CanonicalBytes()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", signer.ErrSigning, method, err)
	}
	sig, err := c.signer.SignPayload(body)
	if err != nil {
		return nil, err
	}
	return protocol.EncodeRequest(body, sig.Hex())
}

func (c *Correlator) register(p *pendingRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed != nil {
		return c.closed
	}
	if _, exists := c.pending[p.id]; exists {
		return fmt.Errorf("request id %d already pending", p.id)
	}
	c.pending[p.id] = p
	observability.SetPendingRequests(len(c.pending))
	return nil
}

func (c *Correlator) drop(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
	observability.SetPendingRequests(len(c.pending))
}

// abandon removes a pending entry on timeout or cancellation. It returns
// false when a response won the race, in which case the result is already
// buffered in done.
func (c *Correlator) abandon(id uint64, reason string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[id]; !ok {
		return false
	}
	delete(c.pending, id)
	c.tombstones.Add(id, reason)
	observability.SetPendingRequests(len(c.pending))
	return true
}

func (c *Correlator) failAllLocked(err error) int {
	n := 0
	for id, p := range c.pending {
		delete(c.pending, id)
		c.tombstones.Add(id, "failed")
		p.done <- result{err: err}
		n++
	}
	observability.SetPendingRequests(0)
	if n > 0 {
		c.logger.Warn().Err(err).Int("requests", n).Msg("failed pending requests")
	}
	return n
}

func (c *Correlator) finish(p *pendingRequest, res result) (*protocol.Response, error) {
	outcome := "ok"
	var remote *RemoteError
	switch {
	case errors.As(res.err, &remote):
		outcome = "remote_error"
	case res.err != nil:
		outcome = "error"
	}
	observability.RecordRequest(p.method, outcome, time.Since(p.sentAt))
	return res.resp, res.err
}
