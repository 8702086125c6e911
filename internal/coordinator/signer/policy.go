package signer

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

type Allowance struct {
	Asset  string
	Amount string
}

// PolicyMessage is the EIP-712 "Policy" struct the identity key signs to
// bind a session key to a challenge.
type PolicyMessage struct {
	Challenge   string
	Scope       string
	Wallet      common.Address
	SessionKey  common.Address
	Application string
	ExpiresAt   uint64
	Allowances  []Allowance
}

var policyTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
	},
	"Policy": {
		{Name: "challenge", Type: "string"},
		{Name: "scope", Type: "string"},
		{Name: "wallet", Type: "address"},
		{Name: "session_key", Type: "address"},
		{Name: "expires_at", Type: "uint64"},
		{Name: "allowances", Type: "Allowance[]"},
	},
	"Allowance": {
		{Name: "asset", Type: "string"},
		{Name: "amount", Type: "string"},
	},
}

func (m PolicyMessage) TypedData() apitypes.TypedData {
	allowances := make([]interface{}, 0, len(m.Allowances))
	for _, a := range m.Allowances {
		allowances = append(allowances, map[string]interface{}{
			"asset":  a.Asset,
			"amount": a.Amount,
		})
	}
	return apitypes.TypedData{
		Types:       policyTypes,
		PrimaryType: "Policy",
		Domain:      apitypes.TypedDataDomain{Name: m.Application},
		Message: apitypes.TypedDataMessage{
			"challenge":   m.Challenge,
			"scope":       m.Scope,
			"wallet":      m.Wallet.Hex(),
			"session_key": m.SessionKey.Hex(),
			"expires_at":  new(big.Int).SetUint64(m.ExpiresAt),
			"allowances":  allowances,
		},
	}
}

// Hash returns the EIP-712 digest of the policy.
func (m PolicyMessage) Hash() ([]byte, error) {
	if strings.TrimSpace(m.Application) == "" {
		return nil, fmt.Errorf("%w: policy application is required", ErrSigning)
	}
	if strings.TrimSpace(m.Challenge) == "" {
		return nil, fmt.Errorf("%w: policy challenge is required", ErrSigning)
	}
	hash, _, err := apitypes.TypedDataAndHash(m.TypedData())
	if err != nil {
		return nil, fmt.Errorf("%w: hash policy: %v", ErrSigning, err)
	}
	return hash, nil
}
