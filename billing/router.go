package billing

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ggoodman/clearnode-go/clearnode"
	"github.com/ggoodman/clearnode-go/internal/logctx"
)

// route handles one inbound frame. Frames that cannot be decoded or that no
// one is waiting for are dropped; a panic is contained to the frame.
func (c *Client) route(ctx context.Context, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.log.ErrorContext(ctx, "billing.route.panic", slog.Any("panic", r))
		}
	}()

	msg, err := clearnode.Decode(data)
	if err != nil {
		if errors.Is(err, clearnode.ErrUnrecognized) {
			c.log.DebugContext(ctx, "billing.message.ignored", slog.String("err", err.Error()))
		} else {
			c.log.WarnContext(ctx, "billing.message.malformed", slog.String("err", err.Error()), slog.Int("size", len(data)))
		}
		return
	}

	switch m := msg.(type) {
	case clearnode.AuthChallenge:
		c.auth.HandleChallenge(ctx, m)
	case clearnode.AuthResult:
		c.auth.HandleResult(ctx, m)
	case clearnode.Reply:
		resp := m.Response
		ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: resp.Method, ID: resp.ID.String(), Type: "response"})
		if c.dispatcher.OnResponse(resp) {
			return
		}
		if c.auth.HandleReply(ctx, resp) {
			return
		}
		c.log.DebugContext(ctx, "billing.reply.uncorrelated")
	case clearnode.NodeError:
		c.log.WarnContext(ctx, "billing.node.error", slog.String("message", m.Message))
	}
}
