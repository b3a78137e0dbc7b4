// Package auth runs the clearing-node handshake that binds an ephemeral
// session key to the payer's wallet.
//
// A Session walks Idle → Requested → Challenged → Authenticated, or ends in
// Unauthenticated on timeout, rejection, signing failure or a lost
// connection. Authenticate always returns a bool and never an error:
// callers treat false as "continue without the node", because local billing
// does not depend on the handshake. LastError explains a false result.
//
// The challenge is answered with an EIP-712 signature over the full policy
// (wallet, session key, scope, expiry, allowances, challenge) produced by the
// wallet. If the wallet cannot sign typed data, the session key signs the
// raw challenge instead.
//
// A successful handshake may carry a token. The token is advisory; its
// expiry is read from the token's exp claim without verification and the
// credential is kept in a CredentialCache so it survives restarts.
package auth
