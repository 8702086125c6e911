package credstore

import (
	"context"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/yupi/settlement-hub/internal/coordinator/signer"
)

const (
	envelopeVersion = 1
	saltSize        = 16
	filePrefix      = "SHCRED1\n"
	hkdfInfo        = "settlement-hub credentials v1"
)

type envelope struct {
	Version    uint32 `json:"version"`
	KDF        string `json:"kdf"`
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

type credentials struct {
	SessionKey string    `json:"session_key,omitempty"`
	Token      string    `json:"token,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// FileStore keeps credentials in one file sealed with XChaCha20-Poly1305.
// The key is derived from the identity key, so only the same identity can
// read the file back. The identity address is bound as associated data.
type FileStore struct {
	path     string
	secret   []byte
	boundary []byte

	mu sync.Mutex
}

// NewFileStore opens the store at path. The file is created on first write.
func NewFileStore(path string, identity *ecdsa.PrivateKey) (*FileStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("credentials path is required")
	}
	if identity == nil {
		return nil, errors.New("identity key is required")
	}
	return &FileStore{
		path:     path,
		secret:   crypto.FromECDSA(identity),
		boundary: crypto.PubkeyToAddress(identity.PublicKey).Bytes(),
	}, nil
}

func (s *FileStore) LoadToken(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	creds, err := s.read()
	if err != nil {
		return "", err
	}
	return creds.Token, nil
}

func (s *FileStore) SaveToken(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	creds, err := s.read()
	if err != nil {
		return err
	}
	creds.Token = token
	return s.write(creds)
}

func (s *FileStore) ClearToken(ctx context.Context) error {
	return s.SaveToken(ctx, "")
}

// LoadSessionKey returns nil when no key has been stored.
func (s *FileStore) LoadSessionKey(context.Context) (*ecdsa.PrivateKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	creds, err := s.read()
	if err != nil {
		return nil, err
	}
	if creds.SessionKey == "" {
		return nil, nil
	}
	return signer.ParsePrivateKey(creds.SessionKey)
}

// SaveSessionKey replaces the session key. A token issued for a different
// key is dropped.
func (s *FileStore) SaveSessionKey(_ context.Context, key *ecdsa.PrivateKey) error {
	if key == nil {
		return errors.New("session key is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	creds, err := s.read()
	if err != nil {
		return err
	}
	encoded := signer.EncodePrivateKey(key)
	if creds.SessionKey != encoded {
		creds.Token = ""
	}
	creds.SessionKey = encoded
	return s.write(creds)
}

func (s *FileStore) read() (credentials, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return credentials{}, nil
	}
	if err != nil {
		return credentials{}, fmt.Errorf("read credentials: %w", err)
	}
	if !strings.HasPrefix(string(data), filePrefix) {
		return credentials{}, ErrInvalid
	}
	var env envelope
	if err := json.Unmarshal(data[len(filePrefix):], &env); err != nil {
		return credentials{}, ErrInvalid
	}
	if env.Version != envelopeVersion || env.KDF != "hkdf-sha256" {
		return credentials{}, ErrInvalid
	}

	aead, err := s.aead(env.Salt)
	if err != nil {
		return credentials{}, err
	}
	plaintext, err := aead.Open(nil, env.Nonce, env.Ciphertext, s.boundary)
	if err != nil {
		return credentials{}, ErrAuthFailed
	}
	var creds credentials
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return credentials{}, ErrInvalid
	}
	return creds, nil
}

func (s *FileStore) write(creds credentials) error {
	creds.UpdatedAt = time.Now().UTC()
	plaintext, err := json.Marshal(creds)
	if err != nil {
		return err
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return err
	}
	aead, err := s.aead(salt)
	if err != nil {
		return err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return err
	}
	raw, err := json.Marshal(envelope{
		Version:    envelopeVersion,
		KDF:        "hkdf-sha256",
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, plaintext, s.boundary),
	})
	if err != nil {
		return err
	}
	return writeFileAtomic(s.path, append([]byte(filePrefix), raw...))
}

func (s *FileStore) aead(salt []byte) (cipher.AEAD, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, s.secret, salt, []byte(hkdfInfo)), key); err != nil {
		return nil, err
	}
	defer zeroBytes(key)
	return chacha20poly1305.NewX(key)
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create credentials dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".credentials-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
