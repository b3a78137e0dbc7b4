// Package settlement defines the one irreversible step of a billing
// session: transferring the amount owed to the payee and waiting for the
// transfer to be confirmed.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

var (
	// ErrSettlementFailed matches every *Error.
	ErrSettlementFailed = errors.New("settlement failed")
	// ErrReverted is the cause of an *Error whose transfer was mined but
	// failed. A new transfer may be sent for the session.
	ErrReverted = errors.New("transaction reverted")
)

// Stage names where a settlement failed.
type Stage string

const (
	StagePrepare Stage = "prepare"
	StageSign    Stage = "sign"
	StageSubmit  Stage = "submit"
	StageConfirm Stage = "confirm"
)

// Error reports a failed settlement and its cause. A failed settlement
// leaves the closed session intact so it can be retried.
type Error struct {
	Stage Stage
	// Reference is the transaction hash when the transfer was submitted
	// before the failure.
	Reference string
	Cause     error
}

func (e *Error) Error() string {
	if e.Reference != "" {
		return fmt.Sprintf("settlement failed at %s (tx %s): %v", e.Stage, e.Reference, e.Cause)
	}
	return fmt.Sprintf("settlement failed at %s: %v", e.Stage, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

func (e *Error) Is(target error) bool { return target == ErrSettlementFailed }

// Fail wraps cause as a settlement failure at stage.
func Fail(stage Stage, cause error) *Error {
	return &Error{Stage: stage, Cause: cause}
}

// Request describes the transfer for one closed session.
type Request struct {
	SessionID string
	Payer     common.Address
	Payee     common.Address
	Asset     string
	Amount    decimal.Decimal
	// ItemCount and StateUpdates are carried into the receipt.
	ItemCount    int
	StateUpdates uint64
	// Pending is the reference of a transfer already submitted for this
	// session whose confirmation is unknown. When set the coordinator only
	// waits for that transfer and never sends another.
	Pending string
}

// Pending reports the reference of a submitted transfer whose outcome err
// leaves unknown. Retrying must wait for it rather than pay again.
func Pending(err error) (string, bool) {
	var se *Error
	if !errors.As(err, &se) || se.Reference == "" || se.Stage != StageConfirm {
		return "", false
	}
	if errors.Is(se.Cause, ErrReverted) {
		return "", false
	}
	return se.Reference, true
}

// Receipt is the confirmation of a settled session.
type Receipt struct {
	Reference      string
	ConfirmedBlock uint64
	GasUsed        uint64
	// FeeUsed is the fee paid, in the chain's native unit.
	FeeUsed      decimal.Decimal
	Amount       decimal.Decimal
	ItemCount    int
	StateUpdates uint64
	SessionID    string
	ConfirmedAt  time.Time
}

// Coordinator submits exactly one transfer per call and waits for it to be
// confirmed, or only waits when Request.Pending is set. Failures are
// returned as *Error.
type Coordinator interface {
	Settle(ctx context.Context, req Request) (Receipt, error)
}

// CoordinatorFunc adapts a function to Coordinator.
type CoordinatorFunc func(ctx context.Context, req Request) (Receipt, error)

func (f CoordinatorFunc) Settle(ctx context.Context, req Request) (Receipt, error) {
	return f(ctx, req)
}
