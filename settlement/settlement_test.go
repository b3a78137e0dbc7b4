package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

func TestError_IsAndUnwrap(t *testing.T) {
	cause := errors.New("insufficient funds")
	err := error(&Error{Stage: StageSubmit, Reference: "0xabc", Cause: cause})

	if !errors.Is(err, ErrSettlementFailed) {
		t.Fatal("errors.Is(err, ErrSettlementFailed) = false")
	}
	if !errors.Is(err, cause) {
		t.Fatal("cause is not reachable through Unwrap")
	}
	var se *Error
	if !errors.As(err, &se) || se.Stage != StageSubmit {
		t.Fatalf("errors.As() failed for %v", err)
	}
	if !strings.Contains(err.Error(), "0xabc") {
		t.Fatalf("Error() = %q, want tx reference", err.Error())
	}
}

func TestCoordinatorFunc(t *testing.T) {
	var c Coordinator = CoordinatorFunc(func(ctx context.Context, req Request) (Receipt, error) {
		return Receipt{Reference: "ref", Amount: req.Amount}, nil
	})
	r, err := c.Settle(context.Background(), Request{Amount: decimal.RequireFromString("0.002")})
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if r.Reference != "ref" || !r.Amount.Equal(decimal.RequireFromString("0.002")) {
		t.Fatalf("Settle() = %+v", r)
	}
}

func TestPending(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
		ok   bool
	}{
		{name: "unconfirmed", err: &Error{Stage: StageConfirm, Reference: "0xabc", Cause: context.DeadlineExceeded}, want: "0xabc", ok: true},
		{name: "wrapped", err: fmt.Errorf("settle: %w", &Error{Stage: StageConfirm, Reference: "0xabc"}), want: "0xabc", ok: true},
		{name: "reverted", err: &Error{Stage: StageConfirm, Reference: "0xabc", Cause: ErrReverted}},
		{name: "rejected", err: &Error{Stage: StageSubmit, Reference: "0xabc"}},
		{name: "no reference", err: &Error{Stage: StageConfirm}},
		{name: "other", err: errors.New("boom")},
		{name: "nil"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Pending(tt.err)
			if got != tt.want || ok != tt.ok {
				t.Fatalf("Pending() = %q, %v; want %q, %v", got, ok, tt.want, tt.ok)
			}
		})
	}
}
