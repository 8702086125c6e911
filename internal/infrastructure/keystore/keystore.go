package keystore

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/yupi/settlement-hub/internal/coordinator/signer"
)

var (
	ErrKeyNotFound      = errors.New("key not found")
	ErrNoDefaultKey     = errors.New("default key not configured")
	ErrInvalidKeyFormat = errors.New("invalid IDENTITY_KEYS format")
)

// StaticKeyStore holds secp256k1 identity keys by id.
type StaticKeyStore struct {
	keys         map[string]*ecdsa.PrivateKey
	defaultKeyID string
}

// NewFromEnv builds a keystore from environment variables.
// IDENTITY_KEYS format: "keyId:hex,keyId2:hex" (hex may carry 0x).
// IDENTITY_DEFAULT_KEY_ID selects the default key; with a single key it may
// be omitted.
func NewFromEnv() (*StaticKeyStore, error) {
	return New(os.Getenv("IDENTITY_KEYS"), os.Getenv("IDENTITY_DEFAULT_KEY_ID"))
}

// New parses a key list in the IDENTITY_KEYS format.
func New(raw, defaultKeyID string) (*StaticKeyStore, error) {
	keys := make(map[string]*ecdsa.PrivateKey)
	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		parts := strings.SplitN(p, ":", 2)
		if len(parts) != 2 || strings.TrimSpace(parts[0]) == "" {
			return nil, ErrInvalidKeyFormat
		}
		keyID := strings.TrimSpace(parts[0])
		if _, dup := keys[keyID]; dup {
			return nil, fmt.Errorf("%w: key id %q listed twice", ErrInvalidKeyFormat, keyID)
		}
		key, err := signer.ParsePrivateKey(parts[1])
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", keyID, err)
		}
		keys[keyID] = key
	}

	defaultKeyID = strings.TrimSpace(defaultKeyID)
	if defaultKeyID == "" && len(keys) == 1 {
		for id := range keys {
			defaultKeyID = id
		}
	}
	return &StaticKeyStore{keys: keys, defaultKeyID: defaultKeyID}, nil
}

func (s *StaticKeyStore) GetKey(ctx context.Context, keyID string) (*ecdsa.PrivateKey, error) {
	_ = ctx
	key, ok := s.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	return key, nil
}

// DefaultKey returns the configured default identity key and its id.
func (s *StaticKeyStore) DefaultKey(ctx context.Context) (keyID string, key *ecdsa.PrivateKey, err error) {
	if s.defaultKeyID == "" {
		return "", nil, ErrNoDefaultKey
	}
	key, err = s.GetKey(ctx, s.defaultKeyID)
	return s.defaultKeyID, key, err
}

// Addresses maps key ids to their addresses.
func (s *StaticKeyStore) Addresses() map[string]common.Address {
	out := make(map[string]common.Address, len(s.keys))
	for id, key := range s.keys {
		out[id] = crypto.PubkeyToAddress(key.PublicKey)
	}
	return out
}
