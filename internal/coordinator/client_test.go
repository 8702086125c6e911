package coordinator_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yupi/settlement-hub/internal/coordinator"
	"github.com/yupi/settlement-hub/internal/coordinator/auth"
	"github.com/yupi/settlement-hub/internal/coordinator/protocol"
	"github.com/yupi/settlement-hub/internal/coordinator/rpc"
	"github.com/yupi/settlement-hub/internal/coordinator/signer"
	"github.com/yupi/settlement-hub/internal/coordinator/transport"
	"github.com/yupi/settlement-hub/internal/testutil/fakecoordinator"
)

type tokenStore struct {
	mu    sync.Mutex
	token string
}

func (s *tokenStore) LoadToken(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, nil
}

func (s *tokenStore) SaveToken(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	return nil
}

func (s *tokenStore) ClearToken(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	return nil
}

func newClient(t *testing.T, server *fakecoordinator.Server, tokens auth.TokenStore) *coordinator.Client {
	t.Helper()
	identity, err := crypto.GenerateKey()
	require.NoError(t, err)
	provider, err := signer.NewProvider(identity, nil)
	require.NoError(t, err)

	client, err := coordinator.NewClient(coordinator.Config{
		Transport: transport.Config{
			Endpoint:             server.URL(),
			Reconnect:            true,
			MaxReconnectAttempts: 5,
			InitialBackoff:       10 * time.Millisecond,
			MaxBackoff:           50 * time.Millisecond,
		},
		RPC: rpc.Config{DefaultTimeout: 2 * time.Second},
		Auth: auth.Config{
			Application:   "settlement-hub",
			Scope:         "app.settlement",
			SessionExpiry: time.Hour,
			StepTimeout:   2 * time.Second,
		},
		RequestTimeout:     2 * time.Second,
		AutoReauthenticate: true,
	}, provider, nil, tokens, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestClientConnectAuthenticatesAndCalls(t *testing.T) {
	server := fakecoordinator.New()
	defer server.Close()

	tokens := &tokenStore{}
	client := newClient(t, server, tokens)

	require.NoError(t, client.Connect(context.Background()))
	assert.Equal(t, transport.PhaseAuthenticated, client.Phase())
	assert.Equal(t, 1, server.SignedVerifications())
	assert.NotEmpty(t, tokens.token)

	resp, err := client.Call(context.Background(), protocol.MethodPing, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, protocol.MethodPong, resp.Res.Method)
	assert.Equal(t, 0, server.BadSignatures())

	status := client.Status()
	assert.Equal(t, transport.PhaseAuthenticated, status.Phase)
	assert.Equal(t, auth.StateAuthenticated, status.AuthState)
	assert.Equal(t, client.Address().Hex(), status.Address)
}

func TestClientCallRequiresAuthentication(t *testing.T) {
	server := fakecoordinator.New()
	defer server.Close()
	client := newClient(t, server, &tokenStore{})

	_, err := client.Call(context.Background(), protocol.MethodPing, nil, 0)
	require.ErrorIs(t, err, transport.ErrNotConnected)
	require.ErrorIs(t, err, coordinator.ErrNotAuthenticated)
}

func TestClientAuthenticationRejected(t *testing.T) {
	server := fakecoordinator.New()
	defer server.Close()
	server.RejectAuth(true)

	client := newClient(t, server, &tokenStore{})
	err := client.Connect(context.Background())
	require.ErrorIs(t, err, auth.ErrAuthentication)
	assert.Equal(t, transport.PhaseConnected, client.Phase())
	assert.Equal(t, 1, server.Frames(protocol.MethodAuthVerify))

	_, err = client.Call(context.Background(), protocol.MethodPing, nil, 0)
	require.ErrorIs(t, err, coordinator.ErrNotAuthenticated)
}

func TestClientReauthenticatesWithTokenAfterReconnect(t *testing.T) {
	server := fakecoordinator.New()
	defer server.Close()

	client := newClient(t, server, &tokenStore{})
	require.NoError(t, client.Connect(context.Background()))
	require.Equal(t, 1, server.SignedVerifications())

	server.DropConnections()

	require.Eventually(t, func() bool {
		return server.TokenVerifications() == 1 && client.Phase() == transport.PhaseAuthenticated
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, server.SignedVerifications(), "token path must not produce a new identity signature")

	_, err := client.Call(context.Background(), protocol.MethodPing, nil, 0)
	require.NoError(t, err)
}

func TestClientFallsBackToChallengeWhenTokenExpiredAfterReconnect(t *testing.T) {
	server := fakecoordinator.New()
	defer server.Close()

	tokens := &tokenStore{}
	client := newClient(t, server, tokens)
	require.NoError(t, client.Connect(context.Background()))
	first := tokens.token
	require.NotEmpty(t, first)

	server.ExpireTokens()
	server.DropConnections()

	require.Eventually(t, func() bool {
		return server.SignedVerifications() == 2 && client.Phase() == transport.PhaseAuthenticated
	}, 5*time.Second, 10*time.Millisecond)
	assert.Zero(t, server.TokenVerifications())

	tokens.mu.Lock()
	assert.NotEmpty(t, tokens.token)
	assert.NotEqual(t, first, tokens.token)
	tokens.mu.Unlock()

	_, err := client.Call(context.Background(), protocol.MethodPing, nil, 0)
	require.NoError(t, err)
}

func TestClientReportsFailedReauthentication(t *testing.T) {
	server := fakecoordinator.New()
	defer server.Close()

	client := newClient(t, server, &tokenStore{})
	require.NoError(t, client.Connect(context.Background()))

	server.RejectAuth(true)
	server.DropConnections()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-client.Events():
			if ev.Type != transport.EventAuthFailed {
				continue
			}
			require.ErrorIs(t, ev.Err, auth.ErrAuthentication)
			// Initial handshake, then the token path and one challenge attempt.
			assert.Equal(t, 3, server.Frames(protocol.MethodAuthVerify))
			assert.Equal(t, transport.PhaseConnected, client.Phase())

			_, err := client.Call(context.Background(), protocol.MethodPing, nil, 0)
			require.ErrorIs(t, err, coordinator.ErrNotAuthenticated)
			return
		case <-deadline:
			t.Fatal("auth failure not reported")
		}
	}
}

func TestClientDisconnectFailsPendingCalls(t *testing.T) {
	server := fakecoordinator.New()
	defer server.Close()
	server.Hold(protocol.MethodGetAppSessions, true)

	client := newClient(t, server, &tokenStore{})
	require.NoError(t, client.Connect(context.Background()))

	errs := make(chan error, 1)
	go func() {
		_, err := client.Call(context.Background(), protocol.MethodGetAppSessions, protocol.GetAppSessionsParams{}, 5*time.Second)
		errs <- err
	}()
	require.Eventually(t, func() bool { return server.Frames(protocol.MethodGetAppSessions) == 1 }, 2*time.Second, 5*time.Millisecond)

	server.DropConnections()

	select {
	case err := <-errs:
		require.ErrorIs(t, err, transport.ErrConnectionClosed)
	case <-time.After(3 * time.Second):
		t.Fatal("pending call not failed on disconnect")
	}
}

func TestClientFansOutNotifications(t *testing.T) {
	server := fakecoordinator.New()
	defer server.Close()

	client := newClient(t, server, &tokenStore{})
	first, cancelFirst := client.Subscribe(4)
	second, cancelSecond := client.Subscribe(4)
	defer cancelSecond()

	require.NoError(t, client.Connect(context.Background()))
	server.Push(protocol.MethodAppSessionUpdate, map[string]any{"app_session_id": "0x01", "status": "closed"})

	for _, ch := range []<-chan protocol.Notification{first, second} {
		select {
		case n := <-ch:
			assert.Equal(t, protocol.MethodAppSessionUpdate, n.Method)
			assert.Contains(t, string(n.Params), "0x01")
		case <-time.After(2 * time.Second):
			t.Fatal("notification not delivered")
		}
	}

	cancelFirst()
	_, open := <-first
	assert.False(t, open)
}

func TestClientCorrelatesConcurrentCalls(t *testing.T) {
	server := fakecoordinator.New()
	defer server.Close()

	client := newClient(t, server, &tokenStore{})
	require.NoError(t, client.Connect(context.Background()))

	type echo struct {
		N int `json:"n"`
	}
	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := client.Call(context.Background(), "echo", echo{N: i}, 0)
			if err != nil {
				errs <- err
				return
			}
			got, err := protocol.DecodeResult[echo](resp.Res.Params)
			if err != nil {
				errs <- err
				return
			}
			if got.N != i {
				errs <- assert.AnError
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("call failed: %v", err)
	}
}

func TestClientKeepalivePings(t *testing.T) {
	server := fakecoordinator.New()
	defer server.Close()

	identity, err := crypto.GenerateKey()
	require.NoError(t, err)
	provider, err := signer.NewProvider(identity, nil)
	require.NoError(t, err)

	client, err := coordinator.NewClient(coordinator.Config{
		Transport: transport.Config{Endpoint: server.URL()},
		RPC:       rpc.Config{DefaultTimeout: time.Second},
		Auth: auth.Config{
			Application:   "settlement-hub",
			Scope:         "app.settlement",
			SessionExpiry: time.Hour,
			StepTimeout:   time.Second,
		},
		RequestTimeout:    time.Second,
		KeepaliveInterval: 20 * time.Millisecond,
	}, provider, nil, &tokenStore{}, zerolog.Nop())
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Connect(context.Background()))
	require.Eventually(t, func() bool {
		return server.Frames(protocol.MethodPing) >= 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, server.BadSignatures())
}
