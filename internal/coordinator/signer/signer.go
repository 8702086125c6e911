package signer

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

var ErrSigning = errors.New("signing error")

// Signature is a 65-byte secp256k1 signature with v in {27, 28}.
type Signature []byte

func (s Signature) Hex() string {
	return hexutil.Encode(s)
}

func ParseSignature(value string) (Signature, error) {
	raw, err := hexutil.Decode(strings.TrimSpace(value))
	if err != nil {
		return nil, fmt.Errorf("invalid signature hex: %w", err)
	}
	if len(raw) != crypto.SignatureLength {
		return nil, fmt.Errorf("invalid signature length %d", len(raw))
	}
	return Signature(raw), nil
}

// IdentitySigner proves control of the long-lived identity. It only ever
// signs authentication policies.
type IdentitySigner interface {
	Address() common.Address
	SignIdentity(msg PolicyMessage) (Signature, error)
}

// PayloadSigner signs operational request payloads with the session key.
type PayloadSigner interface {
	Address() common.Address
	SignPayload(payload []byte) (Signature, error)
}

// Provider holds the identity key and the ephemeral session key. Keys are
// immutable after construction, so signers are safe for concurrent use.
type Provider struct {
	identity *identityKey
	session  *sessionKey
}

// NewProvider builds a provider. A nil session key is replaced by a freshly
// generated one.
func NewProvider(identity, session *ecdsa.PrivateKey) (*Provider, error) {
	if identity == nil {
		return nil, fmt.Errorf("%w: identity key is required", ErrSigning)
	}
	if session == nil {
		generated, err := GenerateSessionKey()
		if err != nil {
			return nil, err
		}
		session = generated
	}
	return &Provider{
		identity: &identityKey{key: identity, address: crypto.PubkeyToAddress(identity.PublicKey)},
		session:  &sessionKey{key: session, address: crypto.PubkeyToAddress(session.PublicKey)},
	}, nil
}

func (p *Provider) Identity() IdentitySigner {
	return p.identity
}

func (p *Provider) Session() PayloadSigner {
	return p.session
}

func GenerateSessionKey() (*ecdsa.PrivateKey, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("%w: generate session key: %v", ErrSigning, err)
	}
	return key, nil
}

// ParsePrivateKey accepts a hex secp256k1 key with or without 0x prefix.
func ParsePrivateKey(value string) (*ecdsa.PrivateKey, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(value), "0x")
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty private key", ErrSigning)
	}
	key, err := crypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: parse private key: %v", ErrSigning, err)
	}
	return key, nil
}

func EncodePrivateKey(key *ecdsa.PrivateKey) string {
	return hexutil.Encode(crypto.FromECDSA(key))
}

type identityKey struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

func (k *identityKey) Address() common.Address {
	return k.address
}

func (k *identityKey) SignIdentity(msg PolicyMessage) (Signature, error) {
	if k == nil || k.key == nil {
		return nil, fmt.Errorf("%w: identity key is not configured", ErrSigning)
	}
	hash, err := msg.Hash()
	if err != nil {
		return nil, err
	}
	return sign(hash, k.key)
}

type sessionKey struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

func (k *sessionKey) Address() common.Address {
	return k.address
}

// SignPayload signs keccak256 of the raw payload bytes. No message prefix is
// applied.
func (k *sessionKey) SignPayload(payload []byte) (Signature, error) {
	if k == nil || k.key == nil {
		return nil, fmt.Errorf("%w: session key is not configured", ErrSigning)
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrSigning)
	}
	return sign(crypto.Keccak256(payload), k.key)
}

func sign(hash []byte, key *ecdsa.PrivateKey) (Signature, error) {
	sig, err := crypto.Sign(hash, key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigning, err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return Signature(sig), nil
}

// RecoverPayloadSigner returns the address that signed the raw payload.
func RecoverPayloadSigner(payload []byte, sig Signature) (common.Address, error) {
	return recoverAddress(crypto.Keccak256(payload), sig)
}

// RecoverIdentitySigner returns the address that signed the policy.
func RecoverIdentitySigner(msg PolicyMessage, sig Signature) (common.Address, error) {
	hash, err := msg.Hash()
	if err != nil {
		return common.Address{}, err
	}
	return recoverAddress(hash, sig)
}

func recoverAddress(hash []byte, sig Signature) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("invalid signature length %d", len(sig))
	}
	normalized := make([]byte, len(sig))
	copy(normalized, sig)
	if normalized[crypto.RecoveryIDOffset] >= 27 {
		normalized[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(hash, normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
