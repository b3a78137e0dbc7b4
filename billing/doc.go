// Package billing is the pay-per-item session client. It keeps an
// authoritative local ledger, mirrors it onto a clearing node when one is
// reachable and authenticated, and settles the final amount owed.
//
// A Client never needs the clearing node: a connect timeout, a rejected
// handshake or a failed remote call only switches it to local-only mode.
// The only errors callers see are misuse (recording before Open, settling
// an open session) and settlement failures.
//
//	c, err := billing.New(billing.Config{...})
//	c.Connect(ctx)            // best effort
//	c.Open(ctx)
//	c.RecordEvent(ctx, "7")
//	c.Close(ctx)
//	receipt, err := c.Settle(ctx)
package billing
