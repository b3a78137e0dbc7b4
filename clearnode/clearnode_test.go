package clearnode

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ggoodman/clearnode-go/internal/jsonrpc"
	"github.com/ggoodman/clearnode-go/ledger"
	"github.com/ggoodman/clearnode-go/rpc"
	"github.com/shopspring/decimal"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		check func(t *testing.T, m Message)
		err   error
	}{
		{
			name:  "challenge",
			frame: `{"jsonrpc":"2.0","method":"auth_challenge","params":{"challenge":"c-123"}}`,
			check: func(t *testing.T, m Message) {
				c, ok := m.(AuthChallenge)
				if !ok || c.Challenge != "c-123" {
					t.Fatalf("got %#v", m)
				}
			},
		},
		{
			name:  "challenge without value",
			frame: `{"jsonrpc":"2.0","method":"auth_challenge","params":{}}`,
			err:   ErrMalformed,
		},
		{
			name:  "challenge with wrong type",
			frame: `{"jsonrpc":"2.0","method":"auth_challenge","params":{"challenge":42}}`,
			err:   ErrMalformed,
		},
		{
			name:  "verify success with token",
			frame: `{"jsonrpc":"2.0","method":"auth_verify","params":{"success":true,"token":"tok"}}`,
			check: func(t *testing.T, m Message) {
				r, ok := m.(AuthResult)
				if !ok || !r.Success || r.Token != "tok" {
					t.Fatalf("got %#v", m)
				}
			},
		},
		{
			name:  "verify without success",
			frame: `{"jsonrpc":"2.0","method":"auth_verify","params":{"token":"tok"}}`,
			err:   ErrMalformed,
		},
		{
			name:  "auth_success implies success",
			frame: `{"jsonrpc":"2.0","method":"auth_success","params":{}}`,
			check: func(t *testing.T, m Message) {
				if r, ok := m.(AuthResult); !ok || !r.Success {
					t.Fatalf("got %#v", m)
				}
			},
		},
		{
			name:  "auth_failure drops token",
			frame: `{"jsonrpc":"2.0","method":"auth_failure","params":{"success":true,"token":"tok"}}`,
			check: func(t *testing.T, m Message) {
				if r, ok := m.(AuthResult); !ok || r.Success || r.Token != "" {
					t.Fatalf("got %#v", m)
				}
			},
		},
		{
			name:  "create ack as method-tagged reply",
			frame: `{"jsonrpc":"2.0","id":4,"method":"create_app_session","params":{"app_session_id":"0xabc"}}`,
			check: func(t *testing.T, m Message) {
				r, ok := m.(Reply)
				if !ok || r.Response.ID.String() != "4" || string(r.Response.Result) != `{"app_session_id":"0xabc"}` {
					t.Fatalf("got %#v", m)
				}
			},
		},
		{
			name:  "create ack without id",
			frame: `{"jsonrpc":"2.0","method":"create_app_session","params":{"app_session_id":"0xabc"}}`,
			err:   ErrMalformed,
		},
		{
			name:  "plain result reply",
			frame: `{"jsonrpc":"2.0","id":"9","result":{"ok":true}}`,
			check: func(t *testing.T, m Message) {
				if r, ok := m.(Reply); !ok || r.Response.ID.String() != "9" {
					t.Fatalf("got %#v", m)
				}
			},
		},
		{
			name:  "correlated error becomes error reply",
			frame: `{"jsonrpc":"2.0","id":2,"method":"error","params":{"error":"insufficient funds"}}`,
			check: func(t *testing.T, m Message) {
				r, ok := m.(Reply)
				if !ok || r.Response.Error == nil || r.Response.Error.Message != "insufficient funds" {
					t.Fatalf("got %#v", m)
				}
			},
		},
		{
			name:  "broadcast error",
			frame: `{"jsonrpc":"2.0","method":"error","params":{"error":"maintenance"}}`,
			check: func(t *testing.T, m Message) {
				if e, ok := m.(NodeError); !ok || e.Message != "maintenance" {
					t.Fatalf("got %#v", m)
				}
			},
		},
		{
			name:  "assets broadcast",
			frame: `{"jsonrpc":"2.0","method":"assets","params":{"assets":[]}}`,
			err:   ErrUnrecognized,
		},
		{name: "not json", frame: `{{{`, err: ErrMalformed},
		{name: "wrong version", frame: `{"jsonrpc":"1.0","method":"auth_challenge","params":{"challenge":"c"}}`, err: ErrMalformed},
		{name: "reply without id", frame: `{"jsonrpc":"2.0","result":{}}`, err: ErrMalformed},
		{name: "bare payload", frame: `{"challenge":"c"}`, err: ErrMalformed},
		{name: "array", frame: `[1,2,3]`, err: ErrMalformed},
		{name: "empty", frame: ``, err: ErrMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := Decode([]byte(tt.frame))
			if tt.err != nil {
				if !errors.Is(err, tt.err) {
					t.Fatalf("Decode() err = %v, want %v", err, tt.err)
				}
				if m != nil {
					t.Fatalf("Decode() returned %#v alongside an error", m)
				}
				return
			}
			if err != nil {
				t.Fatalf("Decode() failed: %v", err)
			}
			tt.check(t, m)
		})
	}
}

type stubCaller struct {
	method rpc.Method
	params any
	resp   *jsonrpc.Response
	err    error
}

func (s *stubCaller) Call(ctx context.Context, method rpc.Method, params any) (*jsonrpc.Response, error) {
	s.method = method
	s.params = params
	return s.resp, s.err
}

func TestRPCRemote_CreateSession(t *testing.T) {
	caller := &stubCaller{resp: &jsonrpc.Response{Result: json.RawMessage(`{"app_session_id":"0xfeed"}`)}}
	r := NewRPCRemote(caller, nil)

	id, err := r.CreateSession(context.Background(), rpc.CreateAppSessionParams{})
	if err != nil {
		t.Fatalf("CreateSession() failed: %v", err)
	}
	if id != "0xfeed" || caller.method != rpc.MethodCreateAppSession {
		t.Fatalf("id = %q method = %q", id, caller.method)
	}

	caller.resp = &jsonrpc.Response{Result: json.RawMessage(`{"status":"open"}`)}
	if _, err := r.CreateSession(context.Background(), rpc.CreateAppSessionParams{}); !errors.Is(err, ErrMalformed) {
		t.Fatalf("CreateSession() without id = %v, want ErrMalformed", err)
	}
}

func TestRPCRemote_NotReady(t *testing.T) {
	caller := &stubCaller{}
	r := NewRPCRemote(caller, func() bool { return false })

	if _, err := r.CreateSession(context.Background(), rpc.CreateAppSessionParams{}); !errors.Is(err, ErrLocalOnly) {
		t.Fatalf("CreateSession() = %v", err)
	}
	if err := r.SubmitState(context.Background(), rpc.SubmitAppStateParams{}); !errors.Is(err, ErrLocalOnly) {
		t.Fatalf("SubmitState() = %v", err)
	}
	if err := r.CloseSession(context.Background(), rpc.CloseAppSessionParams{}); !errors.Is(err, ErrLocalOnly) {
		t.Fatalf("CloseSession() = %v", err)
	}
	if caller.method != "" {
		t.Fatalf("caller reached while not ready: %s", caller.method)
	}
}

func TestNopRemote(t *testing.T) {
	var r Remote = NopRemote{}
	if r.Ready() {
		t.Fatal("NopRemote reports ready")
	}
	if err := r.SubmitState(context.Background(), rpc.SubmitAppStateParams{}); !errors.Is(err, ErrLocalOnly) {
		t.Fatalf("SubmitState() = %v", err)
	}
}

func TestAppSession_CreateParams(t *testing.T) {
	payer := common.HexToAddress("0x1111111111111111111111111111111111111111")
	payee := common.HexToAddress("0x2222222222222222222222222222222222222222")
	terms := ledger.Terms{
		Payer:        payer,
		Payee:        payee,
		Asset:        "eth",
		PricePerItem: decimal.RequireFromString("0.001"),
		Deposit:      decimal.RequireFromString("0.1"),
	}
	allocs := []ledger.Allocation{
		{Participant: payer, Asset: "eth", Amount: decimal.RequireFromString("0.1")},
		{Participant: payee, Asset: "eth", Amount: decimal.Zero},
	}

	p := AppSession{Protocol: "pay-per-item-v1", Application: "reader"}.CreateParams(terms, allocs, 42)
	if p.Definition.Participants[0] != payer || p.Definition.Participants[1] != payee {
		t.Fatalf("participants = %v", p.Definition.Participants)
	}
	if p.Definition.Nonce != 42 || p.Definition.Quorum != 100 || p.Definition.Weights[0] != 100 {
		t.Fatalf("definition = %+v", p.Definition)
	}
	if len(p.Allocations) != 2 || !p.Allocations[0].Amount.Equal(decimal.RequireFromString("0.1")) {
		t.Fatalf("allocations = %+v", p.Allocations)
	}

	b, err := json.Marshal(p.Allocations[0])
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if want := `{"participant":"0x1111111111111111111111111111111111111111","asset":"eth","amount":"0.1"}`; string(b) != want {
		t.Fatalf("wire allocation = %s, want %s", b, want)
	}
}
