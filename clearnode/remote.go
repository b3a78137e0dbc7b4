package clearnode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ggoodman/clearnode-go/internal/jsonrpc"
	"github.com/ggoodman/clearnode-go/ledger"
	"github.com/ggoodman/clearnode-go/rpc"
)

// ErrLocalOnly is returned by a Remote that cannot reach a node.
var ErrLocalOnly = errors.New("clearnode: remote participation unavailable")

// Remote mirrors a billing session onto a clearing node. Every call is best
// effort; the local ledger never waits on or reconciles against it.
type Remote interface {
	// Ready reports whether calls can currently reach an authenticated node.
	Ready() bool
	// CreateSession asks the node to open an application session and returns
	// the node's session ID.
	CreateSession(ctx context.Context, p rpc.CreateAppSessionParams) (string, error)
	// SubmitState submits a new state version.
	SubmitState(ctx context.Context, p rpc.SubmitAppStateParams) error
	// CloseSession submits the final allocations.
	CloseSession(ctx context.Context, p rpc.CloseAppSessionParams) error
}

// Caller sends a correlated request and waits for its reply.
type Caller interface {
	Call(ctx context.Context, method rpc.Method, params any) (*jsonrpc.Response, error)
}

// RPCRemote is a Remote backed by a request dispatcher.
type RPCRemote struct {
	caller Caller
	ready  func() bool
}

var (
	_ Remote = (*RPCRemote)(nil)
	_ Remote = NopRemote{}
)

// NewRPCRemote returns a Remote that issues requests through caller while
// ready reports true.
func NewRPCRemote(caller Caller, ready func() bool) *RPCRemote {
	return &RPCRemote{caller: caller, ready: ready}
}

func (r *RPCRemote) Ready() bool {
	return r.ready == nil || r.ready()
}

func (r *RPCRemote) CreateSession(ctx context.Context, p rpc.CreateAppSessionParams) (string, error) {
	if !r.Ready() {
		return "", ErrLocalOnly
	}
	resp, err := r.caller.Call(ctx, rpc.MethodCreateAppSession, p)
	if err != nil {
		return "", err
	}
	var ack rpc.AppSessionAck
	if err := json.Unmarshal(resp.Result, &ack); err != nil {
		return "", fmt.Errorf("%w: create_app_session ack: %w", ErrMalformed, err)
	}
	if strings.TrimSpace(ack.AppSessionID) == "" {
		return "", fmt.Errorf("%w: create_app_session ack without app_session_id", ErrMalformed)
	}
	return ack.AppSessionID, nil
}

func (r *RPCRemote) SubmitState(ctx context.Context, p rpc.SubmitAppStateParams) error {
	if !r.Ready() {
		return ErrLocalOnly
	}
	_, err := r.caller.Call(ctx, rpc.MethodSubmitAppState, p)
	return err
}

func (r *RPCRemote) CloseSession(ctx context.Context, p rpc.CloseAppSessionParams) error {
	if !r.Ready() {
		return ErrLocalOnly
	}
	_, err := r.caller.Call(ctx, rpc.MethodCloseAppSession, p)
	return err
}

// NopRemote is the local-only backend.
type NopRemote struct{}

func (NopRemote) Ready() bool { return false }

func (NopRemote) CreateSession(context.Context, rpc.CreateAppSessionParams) (string, error) {
	return "", ErrLocalOnly
}

func (NopRemote) SubmitState(context.Context, rpc.SubmitAppStateParams) error { return ErrLocalOnly }

func (NopRemote) CloseSession(context.Context, rpc.CloseAppSessionParams) error { return ErrLocalOnly }

// Allocations converts ledger allocations to their wire form.
func Allocations(in []ledger.Allocation) []rpc.Allocation {
	out := make([]rpc.Allocation, len(in))
	for i, a := range in {
		out[i] = rpc.Allocation{Participant: a.Participant, Asset: a.Asset, Amount: a.Amount}
	}
	return out
}

// AppSession describes the application a billing session runs on the node.
type AppSession struct {
	Protocol    string
	Application string
	// Challenge is the dispute window in seconds.
	Challenge uint64
}

// CreateParams builds create_app_session params for terms. The payer holds
// the full signing weight, so its signature alone meets the quorum of 100.
func (a AppSession) CreateParams(terms ledger.Terms, allocs []ledger.Allocation, nonce uint64) rpc.CreateAppSessionParams {
	return rpc.CreateAppSessionParams{
		Definition: rpc.AppDefinition{
			Protocol:     a.Protocol,
			Participants: terms.Participants(),
			Weights:      []int64{100, 0},
			Quorum:       100,
			Challenge:    a.Challenge,
			Nonce:        nonce,
			Application:  a.Application,
		},
		Allocations: Allocations(allocs),
	}
}
