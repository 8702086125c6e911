package settlement

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"

	"github.com/yupi/settlement-hub/internal/coordinator/protocol"
	"github.com/yupi/settlement-hub/internal/coordinator/rpc"
	"github.com/yupi/settlement-hub/internal/coordinator/signer"
	"github.com/yupi/settlement-hub/internal/coordinator/transport"
	"github.com/yupi/settlement-hub/internal/domain/appsession"
	"github.com/yupi/settlement-hub/internal/observability"
)

// Caller issues one correlated request to the coordinator.
type Caller interface {
	Call(ctx context.Context, method string, params any, timeout time.Duration) (*protocol.Response, error)
}

type Config struct {
	Protocol        string
	Application     string
	ChallengePeriod time.Duration
	RequestTimeout  time.Duration
	// RetiredCapacity and RetiredTTL bound how long closed and rejected
	// sessions stay queryable.
	RetiredCapacity int
	RetiredTTL      time.Duration
}

func (c Config) withDefaults() Config {
	if c.Protocol == "" {
		c.Protocol = "NitroRPC/0.2"
	}
	if c.RetiredCapacity <= 0 {
		c.RetiredCapacity = 1024
	}
	if c.RetiredTTL <= 0 {
		c.RetiredTTL = 24 * time.Hour
	}
	return c
}

// CreateSessionInput describes a new app session.
type CreateSessionInput struct {
	Participants []string                `json:"participants"`
	Weights      []int64                 `json:"weights"`
	Quorum       uint64                  `json:"quorum"`
	Allocations  []appsession.Allocation `json:"allocations"`
	SessionData  string                  `json:"sessionData,omitempty"`
}

// Service owns the table of app sessions created through one coordinator
// connection. Open sessions and sessions with an unknown outcome stay in the
// table until resolved; closed and rejected ones move to a bounded retired
// cache so repeated closes are still detected.
type Service struct {
	cfg     Config
	caller  Caller
	journal appsession.Journal
	logger  zerolog.Logger
	now     func() time.Time
	nonce   atomic.Uint64

	mu       sync.Mutex
	sessions map[uuid.UUID]*appsession.Session
	byID     map[string]uuid.UUID
	retired  *expirable.LRU[string, appsession.Session]
}

// NewService creates a settlement service. journal may be nil.
func NewService(cfg Config, caller Caller, journal appsession.Journal, logger zerolog.Logger) *Service {
	cfg = cfg.withDefaults()
	s := &Service{
		cfg:      cfg,
		caller:   caller,
		journal:  journal,
		logger:   logger.With().Str("service", "settlement").Logger(),
		now:      time.Now,
		sessions: make(map[uuid.UUID]*appsession.Session),
		byID:     make(map[string]uuid.UUID),
		retired:  expirable.NewLRU[string, appsession.Session](cfg.RetiredCapacity, nil, cfg.RetiredTTL),
	}
	s.nonce.Store(uint64(time.Now().UnixMilli()))
	return s
}

// CreateSession validates the definition locally, asks the coordinator to
// open the session and returns the local snapshot. Nothing is sent when
// validation fails.
func (s *Service) CreateSession(ctx context.Context, in CreateSessionInput) (appsession.Session, error) {
	def := appsession.Definition{
		Protocol:        s.cfg.Protocol,
		Application:     s.cfg.Application,
		Participants:    in.Participants,
		Weights:         in.Weights,
		Quorum:          in.Quorum,
		ChallengePeriod: uint64(s.cfg.ChallengePeriod / time.Second),
		Nonce:           s.nonce.Add(1),
	}
	record, err := appsession.NewSession(def, in.Allocations, s.now())
	if err != nil {
		return appsession.Session{}, err
	}

	s.mu.Lock()
	s.sessions[record.Ref] = record
	snap := record.Snapshot()
	s.mu.Unlock()
	observability.RecordSessionTransition(string(appsession.StatePending))
	s.persist(ctx, &snap)

	params := protocol.CreateAppSessionParams{
		Definition:  toWireDefinition(snap.Definition),
		Allocations: toWireAllocations(snap.Allocations),
		SessionData: in.SessionData,
	}
	result, callErr := s.callSession(ctx, protocol.MethodCreateAppSession, params)

	s.mu.Lock()
	now := s.now()
	if callErr == nil {
		if err := record.Open(result.AppSessionID, result.Version, now); err != nil {
			callErr = fmt.Errorf("%w: %v", rpc.ErrRemote, err)
		} else {
			s.byID[normalizeKey(record.ID)] = record.Ref
		}
	}
	if callErr != nil {
		outcome := outcomeOf(callErr)
		_ = record.Fail(outcome, callErr.Error(), now)
		if outcome == appsession.OutcomeRejected {
			s.retireLocked(record)
		}
	}
	snap = record.Snapshot()
	s.mu.Unlock()

	observability.RecordSessionTransition(string(snap.State))
	s.persist(ctx, &snap)

	if callErr != nil {
		s.logger.Warn().Err(callErr).Str("ref", snap.Ref.String()).Str("outcome", string(snap.Outcome)).Msg("create app session failed")
		return snap, callErr
	}
	s.logger.Info().Str("ref", snap.Ref.String()).Str("app_session_id", snap.ID).Msg("app session opened")
	return snap, nil
}

// CloseSession proposes final allocations for an open session. Conservation
// and state are checked before anything is sent. A close that never left the
// process leaves the session open; any other failure leaves it failed with an
// unknown outcome until Reconcile resolves it.
func (s *Service) CloseSession(ctx context.Context, key string, final []appsession.Allocation) (appsession.Session, error) {
	s.mu.Lock()
	record, err := s.lookupLocked(key)
	if err != nil {
		s.mu.Unlock()
		return appsession.Session{}, err
	}
	if err := record.BeginClose(final, s.now()); err != nil {
		s.mu.Unlock()
		return appsession.Session{}, err
	}
	snap := record.Snapshot()
	s.mu.Unlock()
	s.persist(ctx, &snap)

	params := protocol.CloseAppSessionParams{
		AppSessionID: snap.ID,
		Allocations:  toWireAllocations(snap.Proposed),
	}
	result, callErr := s.callSession(ctx, protocol.MethodCloseAppSession, params)

	s.mu.Lock()
	now := s.now()
	if callErr == nil {
		if err := record.Close(result.Version, now); err != nil {
			callErr = err
		} else {
			s.retireLocked(record)
		}
	}
	if callErr != nil && record.State == appsession.StateOpen {
		if notSent(callErr) {
			record.AbortClose(now)
		} else {
			_ = record.Fail(appsession.OutcomeUnknown, callErr.Error(), now)
		}
	}
	snap = record.Snapshot()
	s.mu.Unlock()

	observability.RecordSessionTransition(string(snap.State))
	s.persist(ctx, &snap)

	if callErr != nil {
		s.logger.Warn().Err(callErr).Str("app_session_id", snap.ID).Str("state", string(snap.State)).Msg("close app session failed")
		return snap, callErr
	}
	s.logger.Info().Str("app_session_id", snap.ID).Uint64("version", snap.Version).Msg("app session closed")
	return snap, nil
}

// GetSession looks a session up by coordinator id or local ref.
func (s *Service) GetSession(key string) (appsession.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, err := s.lookupLocked(key)
	if err == nil {
		return record.Snapshot(), nil
	}
	if snap, ok := s.retired.Get(normalizeKey(key)); ok {
		return snap, nil
	}
	return appsession.Session{}, err
}

// ListSessions returns tracked and recently retired sessions, oldest first.
func (s *Service) ListSessions() []appsession.Session {
	s.mu.Lock()
	out := make([]appsession.Session, 0, len(s.sessions))
	seen := make(map[uuid.UUID]struct{}, len(s.sessions))
	for _, record := range s.sessions {
		out = append(out, record.Snapshot())
		seen[record.Ref] = struct{}{}
	}
	for _, snap := range s.retired.Values() {
		if _, dup := seen[snap.Ref]; dup {
			continue
		}
		seen[snap.Ref] = struct{}{}
		out = append(out, snap)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Reconcile queries the coordinator for a session whose last create or close
// has an unknown outcome and adopts the remote state. Sessions that are not
// unresolved are returned unchanged without a request.
func (s *Service) Reconcile(ctx context.Context, key string) (appsession.Session, error) {
	s.mu.Lock()
	record, err := s.lookupLocked(key)
	if err != nil {
		s.mu.Unlock()
		if snap, ok := s.retired.Get(normalizeKey(key)); ok {
			return snap, nil
		}
		return appsession.Session{}, err
	}
	if !record.Unresolved() {
		snap := record.Snapshot()
		s.mu.Unlock()
		return snap, nil
	}
	def := record.Definition
	id := record.ID
	s.mu.Unlock()

	resp, err := s.caller.Call(ctx, protocol.MethodGetAppSessions, protocol.GetAppSessionsParams{
		Participant: def.Participants[0],
	}, s.cfg.RequestTimeout)
	if err != nil {
		return appsession.Session{}, err
	}
	listing, err := protocol.DecodeResult[protocol.GetAppSessionsResult](resp.Res.Params)
	if err != nil {
		return appsession.Session{}, fmt.Errorf("%w: get_app_sessions: %v", rpc.ErrRemote, err)
	}
	remote := findRemote(listing.AppSessions, id, def)

	s.mu.Lock()
	if !record.Unresolved() {
		snap := record.Snapshot()
		s.mu.Unlock()
		return snap, nil
	}
	now := s.now()
	var resolveErr error
	switch {
	case remote == nil && id == "":
		_ = record.Fail(appsession.OutcomeRejected, "coordinator has no record of the session", now)
		s.retireLocked(record)
	case remote == nil:
		resolveErr = fmt.Errorf("%w: coordinator does not list %s", appsession.ErrSessionNotFound, id)
	case remote.Status == protocol.StatusClosed:
		if record.ID == "" {
			record.ID = remote.AppSessionID
		}
		_ = record.Close(remote.Version, now)
		s.retireLocked(record)
	case remote.Status == protocol.StatusOpen:
		if err := record.Open(remote.AppSessionID, remote.Version, now); err == nil {
			s.byID[normalizeKey(record.ID)] = record.Ref
		}
	default:
		resolveErr = fmt.Errorf("%w: remote status %q", appsession.ErrInvalidState, remote.Status)
	}
	snap := record.Snapshot()
	s.mu.Unlock()

	if resolveErr != nil {
		s.logger.Warn().Err(resolveErr).Str("ref", snap.Ref.String()).Msg("session still unresolved")
		return snap, resolveErr
	}
	observability.RecordSessionTransition(string(snap.State))
	s.persist(ctx, &snap)
	s.logger.Info().Str("ref", snap.Ref.String()).Str("app_session_id", snap.ID).Str("state", string(snap.State)).Msg("session reconciled")
	return snap, nil
}

// Restore reloads open and unresolved sessions from the journal. A session
// persisted while pending or closing was interrupted mid-request and is
// marked unknown.
func (s *Service) Restore(ctx context.Context) (int, error) {
	if s.journal == nil {
		return 0, nil
	}
	records, err := s.journal.ListUnresolved(ctx)
	if err != nil {
		return 0, fmt.Errorf("restore sessions: %w", err)
	}

	var interrupted []appsession.Session
	s.mu.Lock()
	now := s.now()
	restored := 0
	for _, record := range records {
		if record == nil || record.Terminal() {
			continue
		}
		if record.State == appsession.StatePending || record.Closing {
			_ = record.Fail(appsession.OutcomeUnknown, "interrupted before the coordinator replied", now)
			interrupted = append(interrupted, record.Snapshot())
		}
		s.sessions[record.Ref] = record
		if record.ID != "" {
			s.byID[normalizeKey(record.ID)] = record.Ref
		}
		for {
			current := s.nonce.Load()
			if record.Definition.Nonce < current || s.nonce.CompareAndSwap(current, record.Definition.Nonce) {
				break
			}
		}
		restored++
	}
	s.mu.Unlock()

	for i := range interrupted {
		s.persist(ctx, &interrupted[i])
	}
	s.logger.Info().Int("restored", restored).Int("interrupted", len(interrupted)).Msg("sessions restored")
	return restored, nil
}

func (s *Service) callSession(ctx context.Context, method string, params any) (protocol.AppSessionResult, error) {
	resp, err := s.caller.Call(ctx, method, params, s.cfg.RequestTimeout)
	if err != nil {
		return protocol.AppSessionResult{}, err
	}
	result, err := protocol.DecodeResult[protocol.AppSessionResult](resp.Res.Params)
	if err != nil {
		return protocol.AppSessionResult{}, fmt.Errorf("%s: %w", method, err)
	}
	if result.AppSessionID == "" {
		return protocol.AppSessionResult{}, fmt.Errorf("%s: response carries no app_session_id", method)
	}
	return result, nil
}

func (s *Service) lookupLocked(key string) (*appsession.Session, error) {
	key = normalizeKey(key)
	if ref, err := uuid.Parse(key); err == nil {
		if record, ok := s.sessions[ref]; ok {
			return record, nil
		}
	}
	if ref, ok := s.byID[key]; ok {
		if record, ok := s.sessions[ref]; ok {
			return record, nil
		}
	}
	if snap, ok := s.retired.Get(key); ok {
		return nil, fmt.Errorf("%w: session %s is %s", appsession.ErrInvalidState, key, snap.State)
	}
	return nil, fmt.Errorf("%w: %s", appsession.ErrSessionNotFound, key)
}

func (s *Service) retireLocked(record *appsession.Session) {
	delete(s.sessions, record.Ref)
	if record.ID != "" {
		delete(s.byID, normalizeKey(record.ID))
	}
	snap := record.Snapshot()
	s.retired.Add(record.Ref.String(), snap)
	if record.ID != "" {
		s.retired.Add(normalizeKey(record.ID), snap)
	}
}

func (s *Service) persist(ctx context.Context, snap *appsession.Session) {
	if s.journal == nil {
		return
	}
	if err := s.journal.Save(context.WithoutCancel(ctx), snap); err != nil {
		s.logger.Error().Err(err).Str("ref", snap.Ref.String()).Msg("failed to journal session")
	}
}

// outcomeOf classifies a failed create. Only an explicit coordinator
// rejection proves nothing was created.
func outcomeOf(err error) appsession.Outcome {
	if errors.Is(err, rpc.ErrRemote) || notSent(err) {
		return appsession.OutcomeRejected
	}
	return appsession.OutcomeUnknown
}

// notSent reports errors raised before any frame left the process, so the
// coordinator cannot have acted on the request.
func notSent(err error) bool {
	return errors.Is(err, rpc.ErrNotSent) ||
		errors.Is(err, transport.ErrNotConnected) ||
		errors.Is(err, signer.ErrSigning)
}

func findRemote(list []protocol.AppSessionInfo, id string, def appsession.Definition) *protocol.AppSessionInfo {
	for i := range list {
		info := &list[i]
		if id != "" {
			if strings.EqualFold(info.AppSessionID, id) {
				return info
			}
			continue
		}
		if info.Nonce == def.Nonce && sameParticipants(info.Participants, def.Participants) {
			return info
		}
	}
	return nil
}

func sameParticipants(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if appsession.NormalizeAddress(a[i]) != appsession.NormalizeAddress(b[i]) {
			return false
		}
	}
	return true
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

func toWireDefinition(def appsession.Definition) protocol.AppDefinition {
	return protocol.AppDefinition{
		Protocol:        def.Protocol,
		Application:     def.Application,
		Participants:    append([]string(nil), def.Participants...),
		Weights:         append([]int64(nil), def.Weights...),
		Quorum:          def.Quorum,
		ChallengePeriod: def.ChallengePeriod,
		Nonce:           def.Nonce,
	}
}

func toWireAllocations(in []appsession.Allocation) []protocol.AppAllocation {
	out := make([]protocol.AppAllocation, 0, len(in))
	for _, a := range in {
		out = append(out, protocol.AppAllocation{Participant: a.Participant, Asset: a.Asset, Amount: a.Amount})
	}
	return out
}
