// Package ledger is the local, authoritative record of one billing session.
//
// A Session moves through three states: unopened, open and closed. Open
// starts a fresh session (new local ID, zero counters, the whole deposit
// allocated to the payer). Record adds a billable item; recording an item
// that was already seen is a no-op, so callers may record once per render
// without double-billing. Close freezes the session and appends the final
// allocations to the history. Reset discards everything and returns the
// Session to the unopened state.
//
// Invariants held after every operation:
//
//   - StateIndex grows by exactly one per distinct item.
//   - AmountOwed equals the item count times PricePerItem, computed in
//     decimal arithmetic.
//   - Payer and payee allocations sum to the deposit.
//   - History is append-only and ordered by call order.
//
// Every Open and Reset bumps a generation counter. Work that completes
// asynchronously (such as a remote acknowledgement) must present the
// generation it started under; stale generations are ignored so a reset
// session is never mutated by a late reply.
//
// Session is safe for concurrent use; Record calls are serialized.
package ledger
