package credstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	identity, err := crypto.GenerateKey()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "nested", "credentials")

	store, err := NewFileStore(path, identity)
	require.NoError(t, err)

	key, err := store.LoadSessionKey(ctx)
	require.NoError(t, err)
	assert.Nil(t, key)
	token, err := store.LoadToken(ctx)
	require.NoError(t, err)
	assert.Empty(t, token)

	sessionKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	require.NoError(t, store.SaveSessionKey(ctx, sessionKey))
	require.NoError(t, store.SaveToken(ctx, "jwt-1"))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "jwt-1")

	reopened, err := NewFileStore(path, identity)
	require.NoError(t, err)
	loaded, err := reopened.LoadSessionKey(ctx)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, crypto.PubkeyToAddress(sessionKey.PublicKey), crypto.PubkeyToAddress(loaded.PublicKey))
	token, err = reopened.LoadToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "jwt-1", token)

	require.NoError(t, reopened.ClearToken(ctx))
	token, err = reopened.LoadToken(ctx)
	require.NoError(t, err)
	assert.Empty(t, token)
}

func TestFileStoreRejectsOtherIdentity(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "credentials")

	owner, err := crypto.GenerateKey()
	require.NoError(t, err)
	store, err := NewFileStore(path, owner)
	require.NoError(t, err)
	require.NoError(t, store.SaveToken(ctx, "jwt"))

	intruder, err := crypto.GenerateKey()
	require.NoError(t, err)
	other, err := NewFileStore(path, intruder)
	require.NoError(t, err)
	_, err = other.LoadToken(ctx)
	require.ErrorIs(t, err, ErrAuthFailed)
}

func TestFileStoreRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials")
	require.NoError(t, os.WriteFile(path, []byte(`{"token":"plain"}`), 0o600))

	identity, err := crypto.GenerateKey()
	require.NoError(t, err)
	store, err := NewFileStore(path, identity)
	require.NoError(t, err)
	_, err = store.LoadToken(context.Background())
	require.ErrorIs(t, err, ErrInvalid)
}

func TestNewSessionKeyDropsToken(t *testing.T) {
	ctx := context.Background()
	identity, err := crypto.GenerateKey()
	require.NoError(t, err)
	file, err := NewFileStore(filepath.Join(t.TempDir(), "credentials"), identity)
	require.NoError(t, err)

	for name, store := range map[string]Store{"file": file, "memory": NewMemoryStore()} {
		t.Run(name, func(t *testing.T) {
			first, err := crypto.GenerateKey()
			require.NoError(t, err)
			require.NoError(t, store.SaveSessionKey(ctx, first))
			require.NoError(t, store.SaveToken(ctx, "jwt"))

			// Re-saving the same key keeps the token.
			require.NoError(t, store.SaveSessionKey(ctx, first))
			token, err := store.LoadToken(ctx)
			require.NoError(t, err)
			assert.Equal(t, "jwt", token)

			second, err := crypto.GenerateKey()
			require.NoError(t, err)
			require.NoError(t, store.SaveSessionKey(ctx, second))
			token, err = store.LoadToken(ctx)
			require.NoError(t, err)
			assert.Empty(t, token)
		})
	}
}

func TestNewFileStoreValidates(t *testing.T) {
	identity, err := crypto.GenerateKey()
	require.NoError(t, err)
	_, err = NewFileStore("", identity)
	require.Error(t, err)
	_, err = NewFileStore("creds", nil)
	require.Error(t, err)
}
