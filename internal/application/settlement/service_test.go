package settlement

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/yupi/settlement-hub/internal/coordinator/protocol"
	"github.com/yupi/settlement-hub/internal/coordinator/rpc"
	"github.com/yupi/settlement-hub/internal/coordinator/signer"
	"github.com/yupi/settlement-hub/internal/coordinator/transport"
	"github.com/yupi/settlement-hub/internal/domain/appsession"
	"github.com/yupi/settlement-hub/internal/domain/appsession/mocks"
)

const (
	addrX = "0x1111111111111111111111111111111111111111"
	addrY = "0x2222222222222222222222222222222222222222"
	addrZ = "0x3333333333333333333333333333333333333333"
)

type replyFunc func(params any) (*protocol.Response, error)

type stubCaller struct {
	mu      sync.Mutex
	calls   []string
	params  []any
	replies map[string]replyFunc
}

func newStubCaller() *stubCaller {
	return &stubCaller{replies: make(map[string]replyFunc)}
}

func (c *stubCaller) on(method string, fn replyFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replies[method] = fn
}

func (c *stubCaller) Call(_ context.Context, method string, params any, _ time.Duration) (*protocol.Response, error) {
	c.mu.Lock()
	c.calls = append(c.calls, method)
	c.params = append(c.params, params)
	fn := c.replies[method]
	c.mu.Unlock()
	if fn == nil {
		return nil, fmt.Errorf("no reply scripted for %s", method)
	}
	return fn(params)
}

func (c *stubCaller) count(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, m := range c.calls {
		if m == method {
			n++
		}
	}
	return n
}

func (c *stubCaller) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func reply(method string, result any) replyFunc {
	return func(any) (*protocol.Response, error) {
		payload, err := protocol.NewPayload(1, method, time.Now(), result)
		if err != nil {
			return nil, err
		}
		return &protocol.Response{Res: payload}, nil
	}
}

func fail(err error) replyFunc {
	return func(any) (*protocol.Response, error) { return nil, err }
}

func usdc(participant, amount string) appsession.Allocation {
	return appsession.Allocation{Participant: participant, Asset: "USDC", Amount: decimal.RequireFromString(amount)}
}

func scenarioInput() CreateSessionInput {
	return CreateSessionInput{
		Participants: []string{addrX, addrY, addrZ},
		Weights:      []int64{34, 33, 33},
		Quorum:       67,
		Allocations:  []appsession.Allocation{usdc(addrX, "1000"), usdc(addrY, "0"), usdc(addrZ, "0")},
	}
}

func newTestService(caller Caller, journal appsession.Journal) *Service {
	return NewService(Config{
		Application:    "settlement-hub",
		RequestTimeout: time.Second,
	}, caller, journal, zerolog.Nop())
}

func openSession(t *testing.T, svc *Service, caller *stubCaller, id string) appsession.Session {
	t.Helper()
	caller.on(protocol.MethodCreateAppSession, reply(protocol.MethodCreateAppSession, protocol.AppSessionResult{
		AppSessionID: id,
		Status:       protocol.StatusOpen,
		Version:      1,
	}))
	snap, err := svc.CreateSession(context.Background(), scenarioInput())
	require.NoError(t, err)
	return snap
}

func TestScenarios(t *testing.T) {
	caller := newStubCaller()
	svc := newTestService(caller, nil)

	// A: create opens the session.
	snap := openSession(t, svc, caller, "0xabc")
	assert.Equal(t, appsession.StateOpen, snap.State)
	assert.Equal(t, "0xabc", snap.ID)
	assert.Equal(t, 1, caller.count(protocol.MethodCreateAppSession))

	sent := caller.params[0].(protocol.CreateAppSessionParams)
	assert.Equal(t, []int64{34, 33, 33}, sent.Definition.Weights)
	assert.Equal(t, uint64(67), sent.Definition.Quorum)
	assert.Equal(t, "settlement-hub", sent.Definition.Application)

	// C: a non-conserving close never reaches the wire.
	before := caller.total()
	_, err := svc.CloseSession(context.Background(), snap.ID, []appsession.Allocation{
		usdc(addrX, "0"), usdc(addrY, "0"), usdc(addrZ, "999"),
	})
	require.ErrorIs(t, err, appsession.ErrAllocationMismatch)
	assert.Equal(t, before, caller.total())

	got, err := svc.GetSession(snap.ID)
	require.NoError(t, err)
	assert.Equal(t, appsession.StateOpen, got.State)
	assert.False(t, got.Closing)

	// B: a conserving close settles.
	caller.on(protocol.MethodCloseAppSession, reply(protocol.MethodCloseAppSession, protocol.AppSessionResult{
		AppSessionID: "0xabc",
		Status:       protocol.StatusClosed,
		Version:      2,
	}))
	final := []appsession.Allocation{usdc(addrX, "0"), usdc(addrY, "0"), usdc(addrZ, "1000")}
	closed, err := svc.CloseSession(context.Background(), snap.ID, final)
	require.NoError(t, err)
	assert.Equal(t, appsession.StateClosed, closed.State)
	assert.Equal(t, uint64(2), closed.Version)
	assert.True(t, decimal.RequireFromString("1000").Equal(closed.Allocations[2].Amount))

	// D: closing again is rejected locally.
	before = caller.total()
	_, err = svc.CloseSession(context.Background(), snap.ID, final)
	require.ErrorIs(t, err, appsession.ErrInvalidState)
	_, err = svc.CloseSession(context.Background(), snap.Ref.String(), final)
	require.ErrorIs(t, err, appsession.ErrInvalidState)
	assert.Equal(t, before, caller.total())

	got, err = svc.GetSession(snap.ID)
	require.NoError(t, err)
	assert.Equal(t, appsession.StateClosed, got.State)
}

func TestCreateValidationSendsNothing(t *testing.T) {
	caller := newStubCaller()
	svc := newTestService(caller, nil)

	in := scenarioInput()
	in.Weights = []int64{34, 33, 32}
	_, err := svc.CreateSession(context.Background(), in)
	require.ErrorIs(t, err, appsession.ErrInvalidSessionDefinition)

	in = scenarioInput()
	in.Quorum = 0
	_, err = svc.CreateSession(context.Background(), in)
	require.ErrorIs(t, err, appsession.ErrInvalidSessionDefinition)

	assert.Zero(t, caller.total())
	assert.Empty(t, svc.ListSessions())
}

func TestCreateRejectedIsTerminal(t *testing.T) {
	caller := newStubCaller()
	svc := newTestService(caller, nil)
	caller.on(protocol.MethodCreateAppSession, fail(&rpc.RemoteError{
		RequestID: 7,
		Method:    protocol.MethodCreateAppSession,
		Reason:    "insufficient funds",
	}))

	snap, err := svc.CreateSession(context.Background(), scenarioInput())
	require.ErrorIs(t, err, rpc.ErrRemote)
	assert.Contains(t, err.Error(), "insufficient funds")
	assert.Equal(t, appsession.StateFailed, snap.State)
	assert.Equal(t, appsession.OutcomeRejected, snap.Outcome)

	got, err := svc.GetSession(snap.Ref.String())
	require.NoError(t, err)
	assert.True(t, got.Terminal())

	reconciled, err := svc.Reconcile(context.Background(), snap.Ref.String())
	require.NoError(t, err)
	assert.Equal(t, appsession.OutcomeRejected, reconciled.Outcome)
	assert.Zero(t, caller.count(protocol.MethodGetAppSessions))
}

func TestCreateTimeoutResolvedByReconcile(t *testing.T) {
	caller := newStubCaller()
	svc := newTestService(caller, nil)
	caller.on(protocol.MethodCreateAppSession, fail(rpc.ErrRequestTimeout))

	snap, err := svc.CreateSession(context.Background(), scenarioInput())
	require.ErrorIs(t, err, rpc.ErrRequestTimeout)
	assert.True(t, snap.Unresolved())

	sent := caller.params[0].(protocol.CreateAppSessionParams)
	caller.on(protocol.MethodGetAppSessions, reply(protocol.MethodGetAppSessions, protocol.GetAppSessionsResult{
		AppSessions: []protocol.AppSessionInfo{
			{AppSessionID: "0xother", Status: protocol.StatusOpen, Participants: []string{addrX, addrY}, Nonce: sent.Definition.Nonce},
			{AppSessionID: "0xfeed", Status: protocol.StatusOpen, Participants: sent.Definition.Participants, Nonce: sent.Definition.Nonce, Version: 1},
		},
	}))

	reconciled, err := svc.Reconcile(context.Background(), snap.Ref.String())
	require.NoError(t, err)
	assert.Equal(t, appsession.StateOpen, reconciled.State)
	assert.Equal(t, "0xfeed", reconciled.ID)

	got, err := svc.GetSession("0xFEED")
	require.NoError(t, err)
	assert.Equal(t, snap.Ref, got.Ref)
}

func TestCreateTimeoutWithoutRemoteRecordIsRejected(t *testing.T) {
	caller := newStubCaller()
	svc := newTestService(caller, nil)
	caller.on(protocol.MethodCreateAppSession, fail(rpc.ErrRequestTimeout))
	caller.on(protocol.MethodGetAppSessions, reply(protocol.MethodGetAppSessions, protocol.GetAppSessionsResult{}))

	snap, err := svc.CreateSession(context.Background(), scenarioInput())
	require.Error(t, err)

	reconciled, err := svc.Reconcile(context.Background(), snap.Ref.String())
	require.NoError(t, err)
	assert.Equal(t, appsession.StateFailed, reconciled.State)
	assert.Equal(t, appsession.OutcomeRejected, reconciled.Outcome)
}

func TestCloseTimeoutIsUnknownUntilReconciled(t *testing.T) {
	caller := newStubCaller()
	svc := newTestService(caller, nil)
	snap := openSession(t, svc, caller, "0xabc")

	caller.on(protocol.MethodCloseAppSession, fail(rpc.ErrRequestTimeout))
	final := []appsession.Allocation{usdc(addrX, "250"), usdc(addrY, "250"), usdc(addrZ, "500")}
	failed, err := svc.CloseSession(context.Background(), snap.ID, final)
	require.ErrorIs(t, err, rpc.ErrRequestTimeout)
	assert.Equal(t, appsession.StateFailed, failed.State)
	assert.Equal(t, appsession.OutcomeUnknown, failed.Outcome)
	assert.Len(t, failed.Proposed, 3)

	// A retry must wait for reconciliation.
	_, err = svc.CloseSession(context.Background(), snap.ID, final)
	require.ErrorIs(t, err, appsession.ErrInvalidState)
	assert.Equal(t, 1, caller.count(protocol.MethodCloseAppSession))

	caller.on(protocol.MethodGetAppSessions, reply(protocol.MethodGetAppSessions, protocol.GetAppSessionsResult{
		AppSessions: []protocol.AppSessionInfo{{AppSessionID: "0xabc", Status: protocol.StatusClosed, Version: 2}},
	}))
	reconciled, err := svc.Reconcile(context.Background(), snap.ID)
	require.NoError(t, err)
	assert.Equal(t, appsession.StateClosed, reconciled.State)
	assert.True(t, decimal.RequireFromString("500").Equal(reconciled.Allocations[2].Amount))

	_, err = svc.CloseSession(context.Background(), snap.ID, final)
	require.ErrorIs(t, err, appsession.ErrInvalidState)
}

func unsentErrors() map[string]error {
	return map[string]error{
		"not connected":     fmt.Errorf("%w: connection is disconnected", transport.ErrNotConnected),
		"not authenticated": fmt.Errorf("%w: not authenticated", transport.ErrNotConnected),
		"signing":           fmt.Errorf("%w: encode: bad params", signer.ErrSigning),
		"rate limit wait":   fmt.Errorf("%w: rate limit close_app_session: %w", rpc.ErrNotSent, context.DeadlineExceeded),
	}
}

func TestCloseNeverSentLeavesSessionOpen(t *testing.T) {
	for name, sendErr := range unsentErrors() {
		t.Run(name, func(t *testing.T) {
			caller := newStubCaller()
			svc := newTestService(caller, nil)
			snap := openSession(t, svc, caller, "0xabc")

			caller.on(protocol.MethodCloseAppSession, fail(sendErr))
			final := []appsession.Allocation{usdc(addrX, "250"), usdc(addrY, "250"), usdc(addrZ, "500")}
			after, err := svc.CloseSession(context.Background(), snap.ID, final)
			require.ErrorIs(t, err, sendErr)
			assert.Equal(t, appsession.StateOpen, after.State)
			assert.Equal(t, appsession.OutcomeNone, after.Outcome)
			assert.False(t, after.Closing)
			assert.Nil(t, after.Proposed)

			caller.on(protocol.MethodCloseAppSession, reply(protocol.MethodCloseAppSession, protocol.AppSessionResult{
				AppSessionID: "0xabc",
				Status:       protocol.StatusClosed,
				Version:      2,
			}))
			closed, err := svc.CloseSession(context.Background(), snap.ID, final)
			require.NoError(t, err)
			assert.Equal(t, appsession.StateClosed, closed.State)
			assert.Equal(t, 2, caller.count(protocol.MethodCloseAppSession))
		})
	}
}

func TestCreateNeverSentIsRejected(t *testing.T) {
	for name, sendErr := range unsentErrors() {
		t.Run(name, func(t *testing.T) {
			caller := newStubCaller()
			svc := newTestService(caller, nil)

			caller.on(protocol.MethodCreateAppSession, fail(sendErr))
			snap, err := svc.CreateSession(context.Background(), scenarioInput())
			require.ErrorIs(t, err, sendErr)
			assert.Equal(t, appsession.StateFailed, snap.State)
			assert.Equal(t, appsession.OutcomeRejected, snap.Outcome)
			assert.False(t, snap.Unresolved())

			reconciled, err := svc.Reconcile(context.Background(), snap.Ref.String())
			require.NoError(t, err)
			assert.Equal(t, appsession.OutcomeRejected, reconciled.Outcome)
			assert.Zero(t, caller.count(protocol.MethodGetAppSessions))
		})
	}
}

func TestCloseRejectedReconcilesBackToOpen(t *testing.T) {
	caller := newStubCaller()
	svc := newTestService(caller, nil)
	snap := openSession(t, svc, caller, "0xabc")

	caller.on(protocol.MethodCloseAppSession, fail(&rpc.RemoteError{Method: protocol.MethodCloseAppSession, Reason: "quorum not reached"}))
	final := []appsession.Allocation{usdc(addrZ, "1000")}
	_, err := svc.CloseSession(context.Background(), snap.ID, final)
	require.ErrorIs(t, err, rpc.ErrRemote)

	caller.on(protocol.MethodGetAppSessions, reply(protocol.MethodGetAppSessions, protocol.GetAppSessionsResult{
		AppSessions: []protocol.AppSessionInfo{{AppSessionID: "0xabc", Status: protocol.StatusOpen, Version: 1}},
	}))
	reconciled, err := svc.Reconcile(context.Background(), snap.ID)
	require.NoError(t, err)
	assert.Equal(t, appsession.StateOpen, reconciled.State)
	assert.Nil(t, reconciled.Proposed)
	assert.True(t, decimal.RequireFromString("1000").Equal(reconciled.Allocations[0].Amount))
}

func TestReconcileOfOpenSessionSendsNothing(t *testing.T) {
	caller := newStubCaller()
	svc := newTestService(caller, nil)
	snap := openSession(t, svc, caller, "0xabc")

	got, err := svc.Reconcile(context.Background(), snap.ID)
	require.NoError(t, err)
	assert.Equal(t, appsession.StateOpen, got.State)
	assert.Zero(t, caller.count(protocol.MethodGetAppSessions))

	_, err = svc.Reconcile(context.Background(), "0xmissing")
	require.ErrorIs(t, err, appsession.ErrSessionNotFound)
}

func TestConcurrentClosesSendOnce(t *testing.T) {
	caller := newStubCaller()
	svc := newTestService(caller, nil)
	snap := openSession(t, svc, caller, "0xabc")

	release := make(chan struct{})
	caller.on(protocol.MethodCloseAppSession, func(any) (*protocol.Response, error) {
		<-release
		return reply(protocol.MethodCloseAppSession, protocol.AppSessionResult{
			AppSessionID: "0xabc", Status: protocol.StatusClosed, Version: 2,
		})(nil)
	})

	final := []appsession.Allocation{usdc(addrZ, "1000")}
	const n = 8
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.CloseSession(context.Background(), snap.ID, final)
			errs <- err
		}()
	}
	require.Eventually(t, func() bool {
		return caller.count(protocol.MethodCloseAppSession) == 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	var ok, invalid int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		default:
			require.ErrorIs(t, err, appsession.ErrInvalidState)
			invalid++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, n-1, invalid)
	assert.Equal(t, 1, caller.count(protocol.MethodCloseAppSession))
}

func TestJournalRecordsEveryTransition(t *testing.T) {
	ctrl := gomock.NewController(t)
	journal := mocks.NewMockJournal(ctrl)
	caller := newStubCaller()
	svc := newTestService(caller, journal)

	var states []appsession.State
	journal.EXPECT().Save(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, s *appsession.Session) error {
		states = append(states, s.State)
		return nil
	}).Times(4)

	snap := openSession(t, svc, caller, "0xabc")
	caller.on(protocol.MethodCloseAppSession, reply(protocol.MethodCloseAppSession, protocol.AppSessionResult{
		AppSessionID: "0xabc", Status: protocol.StatusClosed, Version: 2,
	}))
	_, err := svc.CloseSession(context.Background(), snap.ID, []appsession.Allocation{usdc(addrY, "1000")})
	require.NoError(t, err)

	assert.Equal(t, []appsession.State{
		appsession.StatePending,
		appsession.StateOpen,
		appsession.StateOpen,
		appsession.StateClosed,
	}, states)
}

func TestJournalErrorsDoNotFailOperations(t *testing.T) {
	ctrl := gomock.NewController(t)
	journal := mocks.NewMockJournal(ctrl)
	journal.EXPECT().Save(gomock.Any(), gomock.Any()).Return(fmt.Errorf("connection refused")).AnyTimes()

	caller := newStubCaller()
	svc := newTestService(caller, journal)
	snap := openSession(t, svc, caller, "0xabc")
	assert.Equal(t, appsession.StateOpen, snap.State)
}

func TestRestore(t *testing.T) {
	ctrl := gomock.NewController(t)
	journal := mocks.NewMockJournal(ctrl)
	now := time.Now()

	def := appsession.Definition{
		Participants: []string{addrX, addrY},
		Weights:      []int64{50, 50},
		Quorum:       100,
		Nonce:        uint64(now.UnixMilli()) + 1_000_000,
	}
	allocs := []appsession.Allocation{usdc(addrX, "10"), usdc(addrY, "10")}

	open, err := appsession.NewSession(def, allocs, now)
	require.NoError(t, err)
	require.NoError(t, open.Open("0xopen", 1, now))

	closing, err := appsession.NewSession(def, allocs, now)
	require.NoError(t, err)
	require.NoError(t, closing.Open("0xclosing", 1, now))
	require.NoError(t, closing.BeginClose([]appsession.Allocation{usdc(addrX, "20")}, now))

	pending, err := appsession.NewSession(def, allocs, now)
	require.NoError(t, err)

	done, err := appsession.NewSession(def, allocs, now)
	require.NoError(t, err)
	require.NoError(t, done.Open("0xdone", 1, now))
	require.NoError(t, done.Close(2, now))

	journal.EXPECT().ListUnresolved(gomock.Any()).Return([]*appsession.Session{open, closing, pending, done}, nil)
	journal.EXPECT().Save(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, s *appsession.Session) error {
		assert.True(t, s.Unresolved())
		return nil
	}).Times(2)

	caller := newStubCaller()
	svc := newTestService(caller, journal)
	n, err := svc.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	got, err := svc.GetSession("0xopen")
	require.NoError(t, err)
	assert.Equal(t, appsession.StateOpen, got.State)

	got, err = svc.GetSession("0xclosing")
	require.NoError(t, err)
	assert.True(t, got.Unresolved())
	assert.Len(t, got.Proposed, 1)

	got, err = svc.GetSession(pending.Ref.String())
	require.NoError(t, err)
	assert.True(t, got.Unresolved())

	_, err = svc.GetSession("0xdone")
	require.ErrorIs(t, err, appsession.ErrSessionNotFound)

	// New sessions never reuse a restored nonce.
	caller.on(protocol.MethodCreateAppSession, reply(protocol.MethodCreateAppSession, protocol.AppSessionResult{AppSessionID: "0xnew", Version: 1}))
	journal.EXPECT().Save(gomock.Any(), gomock.Any()).Return(nil).Times(2)
	created, err := svc.CreateSession(context.Background(), scenarioInput())
	require.NoError(t, err)
	assert.Greater(t, created.Definition.Nonce, def.Nonce)
}

func TestRestoreWithoutJournal(t *testing.T) {
	svc := newTestService(newStubCaller(), nil)
	n, err := svc.Restore(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}
