package rpc

import (
	"strconv"

	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// PolicyPrimaryType is the EIP-712 primary type of the handshake policy.
const PolicyPrimaryType = "Policy"

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

// PolicyTypedData builds the domain-separated structure a wallet signs to
// authorize a session key: the full request policy bound to the node's
// challenge. The domain name is the application identifier.
func PolicyTypedData(req AuthRequestParams, challenge string) apitypes.TypedData {
	allowances := make([]interface{}, 0, len(req.Allowances))
	for _, a := range req.Allowances {
		allowances = append(allowances, map[string]interface{}{
			"asset":  a.Asset,
			"amount": a.Amount.String(),
		})
	}

	return apitypes.TypedData{
		Types:       policyTypes,
		PrimaryType: PolicyPrimaryType,
		Domain: apitypes.TypedDataDomain{
			Name: req.Application,
		},
		Message: apitypes.TypedDataMessage{
			"challenge":   challenge,
			"scope":       req.Scope,
			"wallet":      req.Wallet.Hex(),
			"session_key": req.SessionKey.Hex(),
			"expires_at":  strconv.FormatInt(req.ExpiresAt, 10),
			"allowances":  allowances,
		},
	}
}
