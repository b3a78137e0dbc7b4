package billing

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ggoodman/clearnode-go/clearnode"
	"github.com/ggoodman/clearnode-go/internal/outbound"
	"github.com/ggoodman/clearnode-go/internal/outbox"
	"github.com/ggoodman/clearnode-go/ledger"
	"github.com/ggoodman/clearnode-go/rpc"
)

// Remote calls run on the outbox worker in the order they were queued, so a
// session's create always precedes its submits and close. Every job first
// checks that the session it was queued for is still the current one.

func (c *Client) enqueueCreate(ctx context.Context, snap ledger.Snapshot, terms ledger.Terms) {
	gen := snap.Generation
	nonce := uint64(c.cfg.Now().UnixMilli())
	params := c.cfg.App.CreateParams(terms, snap.Allocations, nonce)

	c.enqueue(ctx, string(rpc.MethodCreateAppSession), snap, func(jctx context.Context) error {
		if c.ledger.Generation() != gen {
			return outbox.Permanent(errStaleSession)
		}
		id, err := c.remote.CreateSession(jctx, params)
		if err != nil {
			return classify(err)
		}
		if !c.ledger.SetRemoteID(gen, id) {
			c.log.InfoContext(jctx, "billing.remote.create.stale", slog.String("remote_id", id))
			return nil
		}
		c.log.InfoContext(jctx, "billing.remote.created", slog.String("remote_id", id))
		return nil
	})
}

func (c *Client) enqueueSubmit(ctx context.Context, snap ledger.Snapshot) {
	gen := snap.Generation
	allocs := clearnode.Allocations(snap.Allocations)
	version := snap.StateIndex

	c.enqueue(ctx, string(rpc.MethodSubmitAppState), snap, func(jctx context.Context) error {
		id, err := c.remoteID(gen)
		if err != nil {
			return err
		}
		err = c.remote.SubmitState(jctx, rpc.SubmitAppStateParams{AppSessionID: id, Version: version, Allocations: allocs})
		if err != nil {
			return classify(err)
		}
		c.log.DebugContext(jctx, "billing.remote.submitted", slog.Uint64("version", version))
		return nil
	})
}

func (c *Client) enqueueClose(ctx context.Context, snap ledger.Snapshot) {
	gen := snap.Generation
	allocs := clearnode.Allocations(snap.Allocations)

	c.enqueue(ctx, string(rpc.MethodCloseAppSession), snap, func(jctx context.Context) error {
		id, err := c.remoteID(gen)
		if err != nil {
			return err
		}
		if err := c.remote.CloseSession(jctx, rpc.CloseAppSessionParams{AppSessionID: id, Allocations: allocs}); err != nil {
			return classify(err)
		}
		c.log.InfoContext(jctx, "billing.remote.closed")
		return nil
	})
}

func (c *Client) enqueue(ctx context.Context, name string, snap ledger.Snapshot, run func(context.Context) error) {
	ok := c.outbox.Enqueue(outbox.Job{
		Name: name,
		Run: func(jctx context.Context) error {
			return run(sessionContext(jctx, snap))
		},
	})
	if !ok {
		c.log.WarnContext(ctx, "billing.remote.dropped", slog.String("call", name))
	}
}

func (c *Client) remoteID(gen uint64) (string, error) {
	if c.ledger.Generation() != gen {
		return "", outbox.Permanent(errStaleSession)
	}
	id, ok := c.ledger.RemoteID(gen)
	if !ok {
		return "", outbox.Permanent(errNoRemoteID)
	}
	return id, nil
}

// classify marks errors that a retry cannot fix as permanent.
func classify(err error) error {
	switch {
	case errors.Is(err, clearnode.ErrLocalOnly),
		errors.Is(err, clearnode.ErrMalformed),
		errors.Is(err, outbound.ErrRemoteRejected),
		errors.Is(err, outbound.ErrDispatcherClosed):
		return outbox.Permanent(err)
	default:
		return err
	}
}
