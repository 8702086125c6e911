package protocol

import "github.com/shopspring/decimal"

type Allowance struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

type AuthRequestParams struct {
	Address     string      `json:"address"`
	SessionKey  string      `json:"session_key"`
	Application string      `json:"application"`
	Allowances  []Allowance `json:"allowances"`
	ExpiresAt   uint64      `json:"expires_at"`
	Scope       string      `json:"scope"`
}

type AuthChallengeResult struct {
	ChallengeMessage string `json:"challenge_message"`
}

// AuthVerifyParams carries either the signed challenge or a reusable token.
type AuthVerifyParams struct {
	Challenge string `json:"challenge,omitempty"`
	JWT       string `json:"jwt,omitempty"`
}

type AuthVerifyResult struct {
	Address    string `json:"address"`
	SessionKey string `json:"session_key"`
	JWTToken   string `json:"jwt_token,omitempty"`
	Success    bool   `json:"success"`
}

type AppDefinition struct {
	Protocol        string   `json:"protocol,omitempty"`
	Application     string   `json:"application,omitempty"`
	Participants    []string `json:"participants"`
	Weights         []int64  `json:"weights"`
	Quorum          uint64   `json:"quorum"`
	ChallengePeriod uint64   `json:"challengePeriod"`
	Nonce           uint64   `json:"nonce"`
}

type AppAllocation struct {
	Participant string          `json:"participant"`
	Asset       string          `json:"asset"`
	Amount      decimal.Decimal `json:"amount"`
}

type CreateAppSessionParams struct {
	Definition  AppDefinition   `json:"definition"`
	Allocations []AppAllocation `json:"allocations"`
	SessionData string          `json:"session_data,omitempty"`
}

type CloseAppSessionParams struct {
	AppSessionID string          `json:"app_session_id"`
	Allocations  []AppAllocation `json:"allocations"`
	SessionData  string          `json:"session_data,omitempty"`
}

type AppSessionResult struct {
	AppSessionID string `json:"app_session_id"`
	Status       string `json:"status"`
	Version      uint64 `json:"version,omitempty"`
}

type GetAppSessionsParams struct {
	Participant string `json:"participant,omitempty"`
	Status      string `json:"status,omitempty"`
}

type AppSessionInfo struct {
	AppSessionID string   `json:"app_session_id"`
	Status       string   `json:"status"`
	Participants []string `json:"participants"`
	Weights      []int64  `json:"weights,omitempty"`
	Quorum       uint64   `json:"quorum,omitempty"`
	Nonce        uint64   `json:"nonce"`
	Version      uint64   `json:"version,omitempty"`
}

type GetAppSessionsResult struct {
	AppSessions []AppSessionInfo `json:"app_sessions"`
}

// Remote app session statuses.
const (
	StatusOpen   = "open"
	StatusClosed = "closed"
)
