// Package ethsettle settles sessions as a native value transfer on an
// EVM chain.
package ethsettle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ggoodman/clearnode-go/settlement"
	"github.com/ggoodman/clearnode-go/signer"
	"github.com/shopspring/decimal"
)

// Backend is the subset of an Ethereum JSON-RPC client used to submit and
// confirm a transfer. *ethclient.Client implements it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

var _ Backend = (*ethclient.Client)(nil)

// Signer is a wallet that can sign transfers.
type Signer interface {
	Address() common.Address
	signer.TxSigner
}

// Dial connects to an Ethereum JSON-RPC endpoint.
func Dial(ctx context.Context, rawURL string) (*ethclient.Client, error) {
	c, err := ethclient.DialContext(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rawURL, err)
	}
	return c, nil
}

const transferGas = 21_000

// Config configures a Coordinator.
type Config struct {
	Backend Backend
	Signer  Signer
	// ChainID is read from the backend when nil.
	ChainID *big.Int
	// Decimals is the precision of the native asset. Default 18.
	Decimals int32
	// PollInterval is how often the receipt is polled. Default 2s.
	PollInterval time.Duration
	// ConfirmTimeout bounds the wait for a receipt. Default 2m.
	ConfirmTimeout time.Duration
	Logger         *slog.Logger
	Now            func() time.Time
}

// Coordinator implements settlement.Coordinator with one EIP-1559 transfer
// from the payer to the payee.
type Coordinator struct {
	cfg Config
	log *slog.Logger
}

var _ settlement.Coordinator = (*Coordinator)(nil)

// New validates cfg and returns a Coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Backend == nil {
		return nil, errors.New("ethsettle: backend is required")
	}
	if cfg.Signer == nil {
		return nil, errors.New("ethsettle: signer is required")
	}
	if cfg.Decimals <= 0 {
		cfg.Decimals = 18
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 2 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Coordinator{cfg: cfg, log: log.With(slog.String("component", "settlement"))}, nil
}

// Settle transfers req.Amount to req.Payee and waits for the receipt.
func (c *Coordinator) Settle(ctx context.Context, req settlement.Request) (settlement.Receipt, error) {
	from := c.cfg.Signer.Address()
	if req.Payer != (common.Address{}) && req.Payer != from {
		return settlement.Receipt{}, settlement.Fail(settlement.StagePrepare, fmt.Errorf("signer %s is not the payer %s", from.Hex(), req.Payer.Hex()))
	}
	if req.Payee == (common.Address{}) {
		return settlement.Receipt{}, settlement.Fail(settlement.StagePrepare, errors.New("missing payee"))
	}
	if !req.Amount.IsPositive() {
		return settlement.Receipt{}, settlement.Fail(settlement.StagePrepare, fmt.Errorf("amount %s is not positive", req.Amount))
	}
	units := req.Amount.Shift(c.cfg.Decimals)
	if !units.IsInteger() {
		return settlement.Receipt{}, settlement.Fail(settlement.StagePrepare, fmt.Errorf("amount %s exceeds %d decimals", req.Amount, c.cfg.Decimals))
	}
	var (
		hash common.Hash
		log  *slog.Logger
	)
	if req.Pending != "" {
		hash = common.HexToHash(req.Pending)
		log = c.log.With(slog.String("tx", hash.Hex()), slog.String("session", req.SessionID))
		log.InfoContext(ctx, "settlement.resume")
	} else {
		signed, err := c.submit(ctx, from, req, units.BigInt())
		if err != nil {
			return settlement.Receipt{}, err
		}
		hash = signed.Hash()
		log = c.log.With(slog.String("tx", hash.Hex()), slog.String("session", req.SessionID))
	}
	ref := hash.Hex()

	rcpt, err := c.waitMined(ctx, hash)
	if err != nil {
		log.WarnContext(ctx, "settlement.confirm.fail", slog.String("err", err.Error()))
		return settlement.Receipt{}, &settlement.Error{Stage: settlement.StageConfirm, Reference: ref, Cause: err}
	}
	if rcpt.Status != types.ReceiptStatusSuccessful {
		log.WarnContext(ctx, "settlement.reverted", slog.Uint64("block", rcpt.BlockNumber.Uint64()))
		return settlement.Receipt{}, &settlement.Error{Stage: settlement.StageConfirm, Reference: ref, Cause: settlement.ErrReverted}
	}

	fee := decimal.Zero
	if rcpt.EffectiveGasPrice != nil {
		wei := new(big.Int).Mul(rcpt.EffectiveGasPrice, new(big.Int).SetUint64(rcpt.GasUsed))
		fee = decimal.NewFromBigInt(wei, -c.cfg.Decimals)
	}
	out := settlement.Receipt{
		Reference:      ref,
		ConfirmedBlock: rcpt.BlockNumber.Uint64(),
		GasUsed:        rcpt.GasUsed,
		FeeUsed:        fee,
		Amount:         req.Amount,
		ItemCount:      req.ItemCount,
		StateUpdates:   req.StateUpdates,
		SessionID:      req.SessionID,
		ConfirmedAt:    c.cfg.Now(),
	}
	log.InfoContext(ctx, "settlement.confirmed",
		slog.Uint64("block", out.ConfirmedBlock),
		slog.Uint64("gas_used", out.GasUsed),
		slog.String("fee", out.FeeUsed.String()))
	return out, nil
}

// submit builds, signs and sends the transfer.
func (c *Coordinator) submit(ctx context.Context, from common.Address, req settlement.Request, value *big.Int) (*types.Transaction, error) {
	tx, err := c.buildTx(ctx, from, req.Payee, value)
	if err != nil {
		return nil, settlement.Fail(settlement.StagePrepare, err)
	}
	signed, err := c.cfg.Signer.SignTx(ctx, tx, tx.ChainId())
	if err != nil {
		return nil, settlement.Fail(settlement.StageSign, err)
	}

	ref := signed.Hash().Hex()
	log := c.log.With(slog.String("tx", ref), slog.String("session", req.SessionID))
	if err := c.cfg.Backend.SendTransaction(ctx, signed); err != nil {
		log.WarnContext(ctx, "settlement.submit.fail", slog.String("err", err.Error()))
		return nil, &settlement.Error{Stage: settlement.StageSubmit, Reference: ref, Cause: err}
	}
	log.InfoContext(ctx, "settlement.submitted",
		slog.String("to", req.Payee.Hex()),
		slog.String("amount", req.Amount.String()),
		slog.Uint64("nonce", signed.Nonce()))
	return signed, nil
}

func (c *Coordinator) buildTx(ctx context.Context, from, to common.Address, value *big.Int) (*types.Transaction, error) {
	b := c.cfg.Backend
	chainID := c.cfg.ChainID
	if chainID == nil {
		id, err := b.ChainID(ctx)
		if err != nil {
			return nil, fmt.Errorf("chain id: %w", err)
		}
		chainID = id
	}
	nonce, err := b.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	tip, err := b.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("gas tip: %w", err)
	}
	head, err := b.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("latest header: %w", err)
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}
	gas, err := b.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Value: value})
	if err != nil {
		c.log.DebugContext(ctx, "settlement.estimate.fail", slog.String("err", err.Error()))
		gas = transferGas
	}

	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     value,
	}), nil
}

// waitMined polls for the receipt of hash until it exists, ctx ends or
// ConfirmTimeout passes.
func (c *Coordinator) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		rcpt, err := c.cfg.Backend.TransactionReceipt(ctx, hash)
		if err == nil && rcpt != nil {
			return rcpt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			c.log.DebugContext(ctx, "settlement.receipt.retry", slog.String("err", err.Error()))
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for receipt: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}
