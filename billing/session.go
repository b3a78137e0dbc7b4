package billing

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ggoodman/clearnode-go/internal/logctx"
	"github.com/ggoodman/clearnode-go/ledger"
	"github.com/ggoodman/clearnode-go/settlement"
	"github.com/ggoodman/clearnode-go/transport"
	"github.com/shopspring/decimal"
)

func (c *Client) terms() ledger.Terms {
	return ledger.Terms{
		Payer:        c.cfg.Wallet.Address(),
		Payee:        c.cfg.Payee,
		Asset:        c.cfg.Asset,
		PricePerItem: c.cfg.PricePerItem,
		Deposit:      c.cfg.Deposit,
		Overflow:     c.cfg.Overflow,
	}
}

func sessionContext(ctx context.Context, snap ledger.Snapshot) context.Context {
	return logctx.WithSessionData(ctx, &logctx.SessionData{
		LocalID:    snap.LocalID,
		RemoteID:   snap.RemoteID,
		Generation: snap.Generation,
	})
}

// Open starts a fresh session, discarding any previous one. When the client
// is authenticated the session is also created on the clearing node in the
// background.
func (c *Client) Open(ctx context.Context) (ledger.Snapshot, error) {
	if c.shutdown.Load() {
		return ledger.Snapshot{}, ErrShutdown
	}
	c.opMu.Lock()
	defer c.opMu.Unlock()

	terms := c.terms()
	snap, err := c.ledger.Open(terms)
	if err != nil {
		return ledger.Snapshot{}, err
	}
	c.mu.Lock()
	c.receipt = nil
	c.pending = ""
	c.mu.Unlock()

	ctx = sessionContext(ctx, snap)
	c.log.InfoContext(ctx, "billing.session.open",
		slog.String("price", terms.PricePerItem.String()),
		slog.String("deposit", terms.Deposit.String()),
		slog.Bool("remote", c.remote.Ready()))

	if c.remote.Ready() {
		c.enqueueCreate(ctx, snap, terms)
	}
	return snap, nil
}

// RecordEvent charges for itemID. recorded is false when the item was
// already charged in this session, which is not an error.
func (c *Client) RecordEvent(ctx context.Context, itemID string) (snap ledger.Snapshot, recorded bool, err error) {
	if c.shutdown.Load() {
		return ledger.Snapshot{}, false, ErrShutdown
	}
	c.opMu.Lock()
	defer c.opMu.Unlock()

	snap, recorded, err = c.ledger.Record(itemID)
	if err != nil {
		return snap, false, err
	}
	ctx = sessionContext(ctx, snap)
	if !recorded {
		c.log.DebugContext(ctx, "billing.item.duplicate", slog.String("item", itemID))
		return snap, false, nil
	}
	c.log.InfoContext(ctx, "billing.item.recorded",
		slog.String("item", itemID),
		slog.Uint64("state_index", snap.StateIndex),
		slog.String("owed", snap.AmountOwed.String()))

	if c.remote.Ready() {
		c.enqueueSubmit(ctx, snap)
	}
	return snap, true, nil
}

// Close freezes the session and returns its final state. The final
// allocations are submitted to the clearing node in the background.
func (c *Client) Close(ctx context.Context) (ledger.Snapshot, error) {
	if c.shutdown.Load() {
		return ledger.Snapshot{}, ErrShutdown
	}
	c.opMu.Lock()
	defer c.opMu.Unlock()

	snap, _, err := c.ledger.Close()
	if err != nil {
		return ledger.Snapshot{}, err
	}
	ctx = sessionContext(ctx, snap)
	c.log.InfoContext(ctx, "billing.session.closed",
		slog.Int("items", snap.ItemCount),
		slog.String("owed", snap.AmountOwed.String()))

	if c.remote.Ready() {
		c.enqueueClose(ctx, snap)
	}
	return snap, nil
}

// Reset discards the session. Remote calls still in flight for it complete
// without touching whatever session is opened next.
func (c *Client) Reset() {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.ledger.Reset()
	c.mu.Lock()
	c.receipt = nil
	c.pending = ""
	c.mu.Unlock()
	c.log.Info("billing.session.reset")
}

// Snapshot returns the current billing state.
func (c *Client) Snapshot() ledger.Snapshot {
	return c.ledger.Snapshot()
}

// History returns the session's events in order.
func (c *Client) History() []ledger.Event {
	return c.ledger.History()
}

// Receipt returns the settlement receipt of the current session, if any.
func (c *Client) Receipt() (settlement.Receipt, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.receipt == nil {
		return settlement.Receipt{}, false
	}
	return *c.receipt, true
}

// Settle transfers the amount owed by the closed session to the payee and
// waits for confirmation. A failed settlement can be retried; a successful
// one is recorded in the session history and cannot be repeated.
func (c *Client) Settle(ctx context.Context) (settlement.Receipt, error) {
	c.settleMu.Lock()
	defer c.settleMu.Unlock()

	snap := c.ledger.Snapshot()
	switch {
	case !snap.Opened:
		return settlement.Receipt{}, ledger.ErrNotOpen
	case !snap.Closed:
		return settlement.Receipt{}, ErrNotClosed
	case snap.Settled:
		return settlement.Receipt{}, ErrAlreadySettled
	case !snap.AmountOwed.IsPositive():
		return settlement.Receipt{}, ErrNothingToSettle
	case c.cfg.Settlement == nil:
		return settlement.Receipt{}, ErrNoCoordinator
	}

	ctx = sessionContext(ctx, snap)
	pending := c.pendingTransfer(snap.Generation)
	c.log.InfoContext(ctx, "billing.settle.start",
		slog.String("to", c.cfg.Payee.Hex()),
		slog.String("amount", snap.AmountOwed.String()),
		slog.String("pending", pending))

	rcpt, err := c.cfg.Settlement.Settle(ctx, settlement.Request{
		SessionID:    snap.LocalID,
		Payer:        c.cfg.Wallet.Address(),
		Payee:        c.cfg.Payee,
		Asset:        c.cfg.Asset,
		Amount:       snap.AmountOwed,
		ItemCount:    snap.ItemCount,
		StateUpdates: snap.StateIndex,
		Pending:      pending,
	})
	if err != nil {
		if !errors.Is(err, settlement.ErrSettlementFailed) {
			err = settlement.Fail(settlement.StageSubmit, err)
		}
		ref, unknown := settlement.Pending(err)
		switch {
		case unknown:
			c.setPendingTransfer(snap.Generation, ref)
		case errors.Is(err, settlement.ErrReverted):
			c.setPendingTransfer(snap.Generation, "")
		}
		c.log.WarnContext(ctx, "billing.settle.fail", slog.String("err", err.Error()))
		return settlement.Receipt{}, err
	}
	c.setPendingTransfer(snap.Generation, "")

	if c.ledger.Generation() != snap.Generation {
		c.log.WarnContext(ctx, "billing.settle.stale", slog.String("tx", rcpt.Reference))
		return rcpt, nil
	}
	if err := c.ledger.RecordSettlement(rcpt.Reference, rcpt.Amount); err != nil {
		c.log.WarnContext(ctx, "billing.settle.record.fail", slog.String("err", err.Error()))
		return rcpt, nil
	}
	c.mu.Lock()
	c.receipt = &rcpt
	c.mu.Unlock()
	c.log.InfoContext(ctx, "billing.settle.done", slog.String("tx", rcpt.Reference), slog.Uint64("block", rcpt.ConfirmedBlock))
	return rcpt, nil
}

func (c *Client) pendingTransfer(gen uint64) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pendingGen != gen {
		return ""
	}
	return c.pending
}

func (c *Client) setPendingTransfer(gen uint64, ref string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending, c.pendingGen = ref, gen
}

// Status is a point-in-time view of the client.
type Status struct {
	Wallet        common.Address
	SessionKey    common.Address
	Payee         common.Address
	Application   string
	Protocol      string
	Asset         string
	PricePerItem  decimal.Decimal
	Deposit       decimal.Decimal
	Transport     transport.State
	Authenticated bool
	// AuthError is why the last handshake did not succeed.
	AuthError string
	// PendingRemote counts queued remote calls.
	PendingRemote int
	Session       ledger.Snapshot
	// PendingSettlement is a submitted transfer awaiting confirmation.
	// Settle waits for it instead of paying again.
	PendingSettlement string
	Receipt           *settlement.Receipt
}

// Status reports connection, authentication and session state.
func (c *Client) Status() Status {
	st := Status{
		Wallet:        c.cfg.Wallet.Address(),
		SessionKey:    c.sessionKey.Address(),
		Payee:         c.cfg.Payee,
		Application:   c.cfg.App.Application,
		Protocol:      c.cfg.App.Protocol,
		Asset:         c.cfg.Asset,
		PricePerItem:  c.cfg.PricePerItem,
		Deposit:       c.cfg.Deposit,
		Transport:     transport.Disconnected,
		Authenticated: c.auth.Authenticated(),
		PendingRemote: c.outbox.Len(),
		Session:       c.ledger.Snapshot(),
	}
	if c.transport != nil {
		st.Transport = c.transport.State()
	}
	if err := c.auth.LastError(); err != nil {
		st.AuthError = err.Error()
	}
	st.PendingSettlement = c.pendingTransfer(st.Session.Generation)
	if r, ok := c.Receipt(); ok {
		st.Receipt = &r
	}
	return st
}
