//go:build integration
// +build integration

package postgres

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yupi/settlement-hub/internal/domain/appsession"
)

func testDatabaseURL(t *testing.T) string {
	t.Helper()
	if dsn := os.Getenv("TEST_DATABASE_URL"); dsn != "" {
		return dsn
	}
	t.Skip("TEST_DATABASE_URL not set; skipping integration tests")
	return ""
}

func newRepository(t *testing.T) *AppSessionRepository {
	t.Helper()
	ctx := context.Background()
	pool, err := NewPool(ctx, testDatabaseURL(t))
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	wd, err := os.Getwd()
	require.NoError(t, err)
	dir := filepath.Join(wd, "..", "..", "migrations")
	require.NoError(t, RunMigrations(ctx, pool, dir))
	// Applying twice is a no-op.
	require.NoError(t, RunMigrations(ctx, pool, dir))

	_, err = pool.Exec(ctx, `TRUNCATE TABLE app_sessions`)
	require.NoError(t, err)
	return NewAppSessionRepository(pool)
}

func newSession(t *testing.T) *appsession.Session {
	t.Helper()
	s, err := appsession.NewSession(appsession.Definition{
		Participants: []string{
			"0x1111111111111111111111111111111111111111",
			"0x2222222222222222222222222222222222222222",
		},
		Weights: []int64{50, 50},
		Quorum:  100,
		Nonce:   uint64(time.Now().UnixNano()),
	}, []appsession.Allocation{
		{Participant: "0x1111111111111111111111111111111111111111", Asset: "usdc", Amount: decimal.RequireFromString("12.5")},
	}, time.Now())
	require.NoError(t, err)
	return s
}

func TestAppSessionRepositoryRoundTrip(t *testing.T) {
	repo := newRepository(t)
	ctx := context.Background()

	s := newSession(t)
	require.NoError(t, repo.Save(ctx, s))
	require.NoError(t, s.Open("0xabc", 1, time.Now()))
	require.NoError(t, repo.Save(ctx, s))

	got, err := repo.Get(ctx, s.Ref)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "0xabc", got.ID)
	assert.Equal(t, appsession.StateOpen, got.State)
	assert.True(t, decimal.RequireFromString("12.5").Equal(got.Allocations[0].Amount))

	missing, err := repo.Get(ctx, uuid.New())
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestAppSessionRepositoryListUnresolved(t *testing.T) {
	repo := newRepository(t)
	ctx := context.Background()
	now := time.Now()

	open := newSession(t)
	require.NoError(t, open.Open("0xopen", 1, now))
	unknown := newSession(t)
	require.NoError(t, unknown.Fail(appsession.OutcomeUnknown, "request timeout", now))
	rejected := newSession(t)
	require.NoError(t, rejected.Fail(appsession.OutcomeRejected, "denied", now))
	closed := newSession(t)
	require.NoError(t, closed.Open("0xclosed", 1, now))
	require.NoError(t, closed.Close(2, now))

	for _, s := range []*appsession.Session{open, unknown, rejected, closed} {
		require.NoError(t, repo.Save(ctx, s))
	}

	list, err := repo.ListUnresolved(ctx)
	require.NoError(t, err)
	refs := make([]uuid.UUID, 0, len(list))
	for _, s := range list {
		refs = append(refs, s.Ref)
	}
	assert.ElementsMatch(t, []uuid.UUID{open.Ref, unknown.Ref}, refs)
}
