package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/yupi/settlement-hub/internal/coordinator/protocol"
	"github.com/yupi/settlement-hub/internal/coordinator/signer"
	"github.com/yupi/settlement-hub/internal/coordinator/transport"
	"github.com/yupi/settlement-hub/internal/observability"
)

// State is the handshake state.
type State string

const (
	StateIdle              State = "idle"
	StateRequestSent       State = "request_sent"
	StateChallengeReceived State = "challenge_received"
	StateVerifySent        State = "verify_sent"
	StateTokenVerifySent   State = "token_verify_sent"
	StateAuthenticated     State = "authenticated"
	StateFailed            State = "failed"
)

var (
	ErrAuthentication        = errors.New("authentication failed")
	ErrAuthenticationTimeout = errors.New("authentication timeout")
)

// TokenStore keeps the reusable token issued after a successful handshake.
type TokenStore interface {
	LoadToken(ctx context.Context) (string, error)
	SaveToken(ctx context.Context, token string) error
	ClearToken(ctx context.Context) error
}

// Transport is the subset of the transport manager the handshake drives.
type Transport interface {
	Send(data []byte) error
	Transition(to transport.Phase) error
}

type Config struct {
	Application   string
	Scope         string
	SessionExpiry time.Duration
	Allowances    []signer.Allowance
	StepTimeout   time.Duration
}

// Machine runs the challenge-response handshake, or the token fast path when
// a reusable token is stored. Handshake frames are unsigned except for the
// identity signature on auth_verify.
type Machine struct {
	cfg        Config
	transport  Transport
	identity   signer.IdentitySigner
	sessionKey common.Address
	tokens     TokenStore
	nextID     func() uint64
	logger     zerolog.Logger
	now        func() time.Time

	run   sync.Mutex
	inbox chan *protocol.Response

	mu       sync.Mutex
	state    State
	expectID uint64
	lastErr  error
}

func NewMachine(cfg Config, tr Transport, identity signer.IdentitySigner, sessionKey common.Address, tokens TokenStore, nextID func() uint64, logger zerolog.Logger) *Machine {
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 10 * time.Second
	}
	if cfg.SessionExpiry <= 0 {
		cfg.SessionExpiry = 24 * time.Hour
	}
	return &Machine{
		cfg:        cfg,
		transport:  tr,
		identity:   identity,
		sessionKey: sessionKey,
		tokens:     tokens,
		nextID:     nextID,
		logger:     logger.With().Str("component", "auth").Logger(),
		now:        time.Now,
		inbox:      make(chan *protocol.Response, 8),
		state:      StateIdle,
	}
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastError returns the error of the most recent failed attempt.
func (m *Machine) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Accepts reports whether an uncorrelated frame belongs to the handshake.
func (m *Machine) Accepts(resp *protocol.Response) bool {
	switch resp.Res.Method {
	case protocol.MethodAuthChallenge, protocol.MethodAuthVerify:
		return true
	case protocol.MethodError:
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.expectID != 0 && resp.Res.RequestID == m.expectID
	default:
		return false
	}
}

// Deliver hands a handshake frame to the running attempt.
func (m *Machine) Deliver(resp *protocol.Response) {
	select {
	case m.inbox <- resp:
	default:
		m.logger.Warn().Str("method", resp.Res.Method).Msg("dropping handshake frame, inbox full")
	}
}

// Authenticate runs one handshake attempt. Failures are terminal for the
// attempt; the caller decides whether to try again.
func (m *Machine) Authenticate(ctx context.Context) error {
	m.run.Lock()
	defer m.run.Unlock()

	m.drain()
	m.setState(StateIdle, nil)
	if err := m.transport.Transition(transport.PhaseAuthenticating); err != nil {
		err = fmt.Errorf("%w: %v", ErrAuthentication, err)
		m.setState(StateFailed, err)
		return err
	}

	token := m.loadToken(ctx)
	path := "challenge"
	var err error
	if token != "" {
		path = "token"
		err = m.verifyToken(ctx, token)
	} else {
		err = m.handshake(ctx)
	}
	observability.RecordAuthAttempt(path, err == nil)

	if err != nil {
		m.setState(StateFailed, err)
		_ = m.transport.Transition(transport.PhaseConnected)
		m.logger.Warn().Err(err).Str("path", path).Msg("authentication failed")
		return err
	}
	if err := m.transport.Transition(transport.PhaseAuthenticated); err != nil {
		err = fmt.Errorf("%w: %v", ErrAuthentication, err)
		m.setState(StateFailed, err)
		return err
	}
	m.setState(StateAuthenticated, nil)
	m.logger.Info().Str("path", path).Str("session_key", m.sessionKey.Hex()).Msg("authenticated")
	return nil
}

func (m *Machine) handshake(ctx context.Context) error {
	expiresAt := uint64(m.now().Add(m.cfg.SessionExpiry).Unix())
	params := protocol.AuthRequestParams{
		Address:     m.identity.Address().Hex(),
		SessionKey:  m.sessionKey.Hex(),
		Application: m.cfg.Application,
		Allowances:  wireAllowances(m.cfg.Allowances),
		ExpiresAt:   expiresAt,
		Scope:       m.cfg.Scope,
	}
	id, err := m.send(protocol.MethodAuthRequest, params)
	if err != nil {
		return err
	}
	m.setState(StateRequestSent, nil)

	resp, err := m.await(ctx, id)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("%w: auth_request rejected: %s", ErrAuthentication, resp.ErrorMessage())
	}
	if resp.Res.Method != protocol.MethodAuthChallenge {
		return fmt.Errorf("%w: expected %s, got %s", ErrAuthentication, protocol.MethodAuthChallenge, resp.Res.Method)
	}
	challenge, err := protocol.DecodeResult[protocol.AuthChallengeResult](resp.Res.Params)
	if err != nil || strings.TrimSpace(challenge.ChallengeMessage) == "" {
		return fmt.Errorf("%w: malformed challenge", ErrAuthentication)
	}
	m.setState(StateChallengeReceived, nil)

	sig, err := m.identity.SignIdentity(signer.PolicyMessage{
		Challenge:   challenge.ChallengeMessage,
		Scope:       m.cfg.Scope,
		Wallet:      m.identity.Address(),
		SessionKey:  m.sessionKey,
		Application: m.cfg.Application,
		ExpiresAt:   expiresAt,
		Allowances:  m.cfg.Allowances,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAuthentication, err)
	}

	id, err = m.send(protocol.MethodAuthVerify, protocol.AuthVerifyParams{Challenge: challenge.ChallengeMessage}, sig.Hex())
	if err != nil {
		return err
	}
	m.setState(StateVerifySent, nil)
	return m.awaitVerify(ctx, id)
}

func (m *Machine) verifyToken(ctx context.Context, token string) error {
	id, err := m.send(protocol.MethodAuthVerify, protocol.AuthVerifyParams{JWT: token})
	if err != nil {
		return err
	}
	m.setState(StateTokenVerifySent, nil)

	err = m.awaitVerify(ctx, id)
	if err != nil && !errors.Is(err, ErrAuthenticationTimeout) && ctx.Err() == nil {
		if clearErr := m.tokens.ClearToken(ctx); clearErr != nil {
			m.logger.Warn().Err(clearErr).Msg("failed to clear rejected token")
		}
	}
	return err
}

func (m *Machine) awaitVerify(ctx context.Context, id uint64) error {
	resp, err := m.await(ctx, id)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("%w: auth_verify rejected: %s", ErrAuthentication, resp.ErrorMessage())
	}
	if resp.Res.Method != protocol.MethodAuthVerify {
		return fmt.Errorf("%w: expected %s, got %s", ErrAuthentication, protocol.MethodAuthVerify, resp.Res.Method)
	}
	result, err := protocol.DecodeResult[protocol.AuthVerifyResult](resp.Res.Params)
	if err != nil {
		return fmt.Errorf("%w: malformed auth_verify result: %v", ErrAuthentication, err)
	}
	if !result.Success {
		return fmt.Errorf("%w: coordinator reported failure", ErrAuthentication)
	}
	if result.JWTToken != "" && m.tokens != nil {
		if err := m.tokens.SaveToken(ctx, result.JWTToken); err != nil {
			m.logger.Warn().Err(err).Msg("failed to store reusable token")
		}
	}
	return nil
}

func (m *Machine) send(method string, params any, sigs ...string) (uint64, error) {
	id := m.nextID()
	payload, err := protocol.NewPayload(id, method, m.now(), params)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	body, err := payload.CanonicalBytes()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	frame, err := protocol.EncodeRequest(body, sigs...)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}

	m.mu.Lock()
	m.expectID = id
	m.mu.Unlock()

	if err := m.transport.Send(frame); err != nil {
		return 0, fmt.Errorf("%w: send %s: %w", ErrAuthentication, method, err)
	}
	return id, nil
}

// await waits for the reply to request id. Frames from an earlier attempt
// carry a different id and are skipped.
func (m *Machine) await(ctx context.Context, id uint64) (*protocol.Response, error) {
	state := m.State()
	timer := time.NewTimer(m.cfg.StepTimeout)
	defer timer.Stop()
	for {
		select {
		case resp := <-m.inbox:
			if resp.Res.RequestID != 0 && resp.Res.RequestID != id {
				m.logger.Debug().Uint64("request_id", resp.Res.RequestID).Uint64("expected", id).Msg("skipping stale handshake frame")
				continue
			}
			return resp, nil
		case <-timer.C:
			return nil, fmt.Errorf("%w: no reply in state %s after %s", ErrAuthenticationTimeout, state, m.cfg.StepTimeout)
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ErrAuthentication, ctx.Err())
		}
	}
}

func (m *Machine) loadToken(ctx context.Context) string {
	if m.tokens == nil {
		return ""
	}
	token, err := m.tokens.LoadToken(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("failed to load reusable token, falling back to challenge")
		return ""
	}
	return strings.TrimSpace(token)
}

func (m *Machine) drain() {
	for {
		select {
		case <-m.inbox:
		default:
			return
		}
	}
}

func (m *Machine) setState(state State, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = state
	m.lastErr = err
	if state == StateAuthenticated || state == StateFailed {
		m.expectID = 0
	}
}

func wireAllowances(in []signer.Allowance) []protocol.Allowance {
	out := make([]protocol.Allowance, 0, len(in))
	for _, a := range in {
		out = append(out, protocol.Allowance{Asset: a.Asset, Amount: a.Amount})
	}
	return out
}
