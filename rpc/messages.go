package rpc

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Allowance caps what a session key may spend on behalf of the wallet.
type Allowance struct {
	Asset  string          `json:"asset"`
	Amount decimal.Decimal `json:"amount"`
}

// AuthRequestParams opens the handshake.
type AuthRequestParams struct {
	Wallet      common.Address `json:"wallet"`
	SessionKey  common.Address `json:"session_key"`
	Application string         `json:"application"`
	Scope       string         `json:"scope"`
	ExpiresAt   int64          `json:"expires_at"`
	Allowances  []Allowance    `json:"allowances"`
}

// AuthChallengeParams is the node's challenge.
type AuthChallengeParams struct {
	Challenge string `json:"challenge"`
}

// AuthVerifyParams answers a challenge. The signature travels in the
// envelope's sig field.
type AuthVerifyParams struct {
	Challenge string `json:"challenge"`
}

// AuthResultParams reports the outcome of a handshake. Token is optional and
// advisory.
type AuthResultParams struct {
	Success bool   `json:"success"`
	Token   string `json:"token,omitempty"`
}

// Allocation is a participant's share of a session's deposit for one asset.
type Allocation struct {
	Participant common.Address  `json:"participant"`
	Asset       string          `json:"asset"`
	Amount      decimal.Decimal `json:"amount"`
}

// AppDefinition describes the multi-party application a session runs.
type AppDefinition struct {
	Protocol     string           `json:"protocol"`
	Participants []common.Address `json:"participants"`
	Weights      []int64          `json:"weights"`
	Quorum       int64            `json:"quorum"`
	Challenge    uint64           `json:"challenge"`
	Nonce        uint64           `json:"nonce"`
	Application  string           `json:"application,omitempty"`
}

// CreateAppSessionParams asks the node to open an application session.
type CreateAppSessionParams struct {
	Definition  AppDefinition `json:"definition"`
	Allocations []Allocation  `json:"allocations"`
}

// AppSessionAck acknowledges create_app_session.
type AppSessionAck struct {
	AppSessionID string `json:"app_session_id"`
	Status       string `json:"status,omitempty"`
	Version      uint64 `json:"version,omitempty"`
}

// SubmitAppStateParams submits a new off-chain state. Version is the
// session's state index.
type SubmitAppStateParams struct {
	AppSessionID string       `json:"app_session_id"`
	Version      uint64       `json:"version"`
	Allocations  []Allocation `json:"allocations"`
}

// CloseAppSessionParams carries the final allocations of a session.
type CloseAppSessionParams struct {
	AppSessionID string       `json:"app_session_id"`
	Allocations  []Allocation `json:"allocations"`
}

// ErrorParams is a node-side error description.
type ErrorParams struct {
	Error string `json:"error"`
}
