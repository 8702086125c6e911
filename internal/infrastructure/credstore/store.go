// Package credstore keeps the session key and the reusable auth token that
// lets a restarted client skip the challenge handshake.
package credstore

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"sync"
)

var (
	ErrAuthFailed = errors.New("credential store authentication failed")
	ErrInvalid    = errors.New("credential store file is invalid")
)

// Store persists a session key together with the token issued for it.
type Store interface {
	LoadToken(ctx context.Context) (string, error)
	SaveToken(ctx context.Context, token string) error
	ClearToken(ctx context.Context) error
	LoadSessionKey(ctx context.Context) (*ecdsa.PrivateKey, error)
	SaveSessionKey(ctx context.Context, key *ecdsa.PrivateKey) error
}

// MemoryStore is a Store that forgets everything on exit.
type MemoryStore struct {
	mu         sync.Mutex
	token      string
	sessionKey *ecdsa.PrivateKey
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) LoadToken(context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token, nil
}

func (m *MemoryStore) SaveToken(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = token
	return nil
}

func (m *MemoryStore) ClearToken(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = ""
	return nil
}

func (m *MemoryStore) LoadSessionKey(context.Context) (*ecdsa.PrivateKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionKey, nil
}

// SaveSessionKey replaces the session key. A token issued for the previous
// key is dropped.
func (m *MemoryStore) SaveSessionKey(_ context.Context, key *ecdsa.PrivateKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessionKey == nil || key == nil || !m.sessionKey.Equal(key) {
		m.token = ""
	}
	m.sessionKey = key
	return nil
}
