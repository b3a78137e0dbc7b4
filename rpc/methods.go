package rpc

// Method identifies a clearing-node message type.
type Method string

const (
	MethodAuthRequest   Method = "auth_request"
	MethodAuthChallenge Method = "auth_challenge"
	MethodAuthVerify    Method = "auth_verify"
	MethodAuthSuccess   Method = "auth_success"
	MethodAuthFailure   Method = "auth_failure"

	MethodCreateAppSession Method = "create_app_session"
	MethodSubmitAppState   Method = "submit_app_state"
	MethodCloseAppSession  Method = "close_app_session"

	// MethodError carries a node-side error description. It is logged, never raised.
	MethodError Method = "error"
	// MethodAssets is a node broadcast the client ignores.
	MethodAssets Method = "assets"
)

// IsAuthResult reports whether m carries the outcome of a handshake.
func (m Method) IsAuthResult() bool {
	return m == MethodAuthVerify || m == MethodAuthSuccess || m == MethodAuthFailure
}
