package appsession

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// State is the local view of an app session's lifecycle.
type State string

const (
	StatePending State = "pending"
	StateOpen    State = "open"
	StateClosed  State = "closed"
	StateFailed  State = "failed"
)

// Outcome qualifies a failed session.
type Outcome string

const (
	OutcomeNone Outcome = ""
	// OutcomeRejected means the coordinator refused the operation; nothing
	// changed remotely.
	OutcomeRejected Outcome = "rejected"
	// OutcomeUnknown means the operation may or may not have been applied.
	// The session must be reconciled before it is trusted again.
	OutcomeUnknown Outcome = "unknown"
)

var (
	ErrInvalidSessionDefinition = errors.New("invalid session definition")
	ErrAllocationMismatch       = errors.New("allocation mismatch")
	ErrInvalidState             = errors.New("invalid session state")
	ErrSessionNotFound          = errors.New("session not found")
)

// Allocation assigns an amount of an asset to one participant.
type Allocation struct {
	Participant string          `json:"participant"`
	Asset       string          `json:"asset"`
	Amount      decimal.Decimal `json:"amount"`
}

// Definition is the immutable agreement the coordinator hashes into the
// session id.
type Definition struct {
	Protocol        string   `json:"protocol"`
	Application     string   `json:"application"`
	Participants    []string `json:"participants"`
	Weights         []int64  `json:"weights"`
	Quorum          uint64   `json:"quorum"`
	ChallengePeriod uint64   `json:"challengePeriod"`
	Nonce           uint64   `json:"nonce"`
}

// Session is one app session tracked by this client.
type Session struct {
	Ref         uuid.UUID                  `json:"ref"`
	ID          string                     `json:"appSessionId,omitempty"`
	Definition  Definition                 `json:"definition"`
	Allocations []Allocation               `json:"allocations"`
	Totals      map[string]decimal.Decimal `json:"totals"`
	// Proposed holds the final allocations of a close whose result is not
	// yet known.
	Proposed  []Allocation `json:"proposedAllocations,omitempty"`
	State     State        `json:"state"`
	Outcome   Outcome      `json:"outcome,omitempty"`
	LastError string       `json:"lastError,omitempty"`
	Version   uint64       `json:"version,omitempty"`
	Closing   bool         `json:"closing"`
	CreatedAt time.Time    `json:"createdAt"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

// NewSession validates the definition and initial allocations and returns a
// pending session. Addresses and asset symbols are normalized.
func NewSession(def Definition, allocations []Allocation, now time.Time) (*Session, error) {
	def.Participants = normalizeParticipants(def.Participants)
	def.Weights = append([]int64(nil), def.Weights...)
	allocations = NormalizeAllocations(allocations)
	if err := ValidateDefinition(def, allocations); err != nil {
		return nil, err
	}
	return &Session{
		Ref:         uuid.New(),
		Definition:  def,
		Allocations: allocations,
		Totals:      Totals(allocations),
		State:       StatePending,
		CreatedAt:   now.UTC(),
		UpdatedAt:   now.UTC(),
	}, nil
}

// CanTransitionTo validates state transitions. A failed session with an
// unknown outcome may be resolved to open or closed by reconciliation.
func (s *Session) CanTransitionTo(target State) bool {
	transitions := map[State][]State{
		StatePending: {StateOpen, StateFailed},
		StateOpen:    {StateClosed, StateFailed},
		StateClosed:  {},
		StateFailed:  {},
	}
	if s.State == StateFailed && s.Outcome == OutcomeUnknown {
		return target == StateOpen || target == StateClosed || target == StateFailed
	}
	for _, allowed := range transitions[s.State] {
		if allowed == target {
			return true
		}
	}
	return false
}

// Open records the coordinator-assigned id.
func (s *Session) Open(id string, version uint64, now time.Time) error {
	if !s.CanTransitionTo(StateOpen) {
		return fmt.Errorf("%w: cannot open a %s session", ErrInvalidState, s.State)
	}
	if id == "" {
		return fmt.Errorf("%w: app session id is required", ErrInvalidState)
	}
	s.ID = id
	s.State = StateOpen
	s.Outcome = OutcomeNone
	s.LastError = ""
	s.Proposed = nil
	s.Closing = false
	s.Version = version
	s.UpdatedAt = now.UTC()
	return nil
}

// BeginClose checks the close is allowed and conserves value, then marks the
// session as closing. Nothing is sent when this fails.
func (s *Session) BeginClose(final []Allocation, now time.Time) error {
	if s.State != StateOpen {
		return fmt.Errorf("%w: session %s is %s", ErrInvalidState, s.key(), s.State)
	}
	if s.Closing {
		return fmt.Errorf("%w: close of %s already in flight", ErrInvalidState, s.key())
	}
	final = NormalizeAllocations(final)
	if err := s.checkFinal(final); err != nil {
		return err
	}
	s.Closing = true
	s.Proposed = final
	s.UpdatedAt = now.UTC()
	return nil
}

// AbortClose clears an in-flight close whose request was never sent.
func (s *Session) AbortClose(now time.Time) {
	s.Closing = false
	s.Proposed = nil
	s.UpdatedAt = now.UTC()
}

// Close applies the proposed final allocations.
func (s *Session) Close(version uint64, now time.Time) error {
	if !s.CanTransitionTo(StateClosed) {
		return fmt.Errorf("%w: cannot close a %s session", ErrInvalidState, s.State)
	}
	if s.Proposed != nil {
		s.Allocations = s.Proposed
	}
	s.Proposed = nil
	s.Closing = false
	s.State = StateClosed
	s.Outcome = OutcomeNone
	s.LastError = ""
	if version > 0 {
		s.Version = version
	}
	s.UpdatedAt = now.UTC()
	return nil
}

// Fail marks the session failed. Proposed allocations are kept when the
// outcome is unknown so reconciliation can apply them.
func (s *Session) Fail(outcome Outcome, reason string, now time.Time) error {
	if !s.CanTransitionTo(StateFailed) {
		return fmt.Errorf("%w: cannot fail a %s session", ErrInvalidState, s.State)
	}
	s.State = StateFailed
	s.Outcome = outcome
	s.LastError = reason
	s.Closing = false
	if outcome != OutcomeUnknown {
		s.Proposed = nil
	}
	s.UpdatedAt = now.UTC()
	return nil
}

// Unresolved reports whether the remote state of the session is unknown.
func (s *Session) Unresolved() bool {
	return s.State == StateFailed && s.Outcome == OutcomeUnknown
}

// Terminal reports whether the session will never change again.
func (s *Session) Terminal() bool {
	return s.State == StateClosed || (s.State == StateFailed && s.Outcome != OutcomeUnknown)
}

// Snapshot returns a deep copy safe to hand outside the owning table.
func (s *Session) Snapshot() Session {
	out := *s
	out.Definition.Participants = append([]string(nil), s.Definition.Participants...)
	out.Definition.Weights = append([]int64(nil), s.Definition.Weights...)
	out.Allocations = append([]Allocation(nil), s.Allocations...)
	if s.Proposed != nil {
		out.Proposed = append([]Allocation(nil), s.Proposed...)
	}
	out.Totals = make(map[string]decimal.Decimal, len(s.Totals))
	for k, v := range s.Totals {
		out.Totals[k] = v
	}
	return out
}

func (s *Session) checkFinal(final []Allocation) error {
	members := memberSet(s.Definition.Participants)
	if err := checkAllocations(final, members); err != nil {
		return fmt.Errorf("%w: %v", ErrAllocationMismatch, err)
	}
	return CheckConservation(s.Totals, final)
}

func (s *Session) key() string {
	if s.ID != "" {
		return s.ID
	}
	return s.Ref.String()
}
