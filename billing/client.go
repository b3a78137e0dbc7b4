package billing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ggoodman/clearnode-go/auth"
	"github.com/ggoodman/clearnode-go/clearnode"
	"github.com/ggoodman/clearnode-go/internal/outbound"
	"github.com/ggoodman/clearnode-go/internal/outbox"
	"github.com/ggoodman/clearnode-go/ledger"
	"github.com/ggoodman/clearnode-go/rpc"
	"github.com/ggoodman/clearnode-go/settlement"
	"github.com/ggoodman/clearnode-go/signer"
	"github.com/ggoodman/clearnode-go/storage"
	"github.com/ggoodman/clearnode-go/transport"
	"github.com/shopspring/decimal"
)

var (
	// ErrNothingToSettle is returned by Settle when nothing is owed.
	ErrNothingToSettle = errors.New("billing: nothing to settle")
	// ErrAlreadySettled is returned by Settle for a session that was settled.
	ErrAlreadySettled = ledger.ErrAlreadySettled
	// ErrNotClosed is returned by Settle for a session that is still open.
	ErrNotClosed = ledger.ErrNotClosed
	// ErrNoCoordinator is returned by Settle when no coordinator is configured.
	ErrNoCoordinator = errors.New("billing: no settlement coordinator configured")
	// ErrShutdown is returned by operations on a client that was shut down.
	ErrShutdown = errors.New("billing: client shut down")

	errConnectionLost = errors.New("billing: connection to clearing node lost")
	errStaleSession   = errors.New("billing: session was reset")
	errNoRemoteID     = errors.New("billing: no remote session")
)

// Config configures a Client.
type Config struct {
	// URL is the clearing node websocket endpoint. Empty runs local-only.
	URL string

	// Wallet is the payer. Its address is the payer participant.
	Wallet signer.Wallet
	Payee  common.Address

	Asset        string
	PricePerItem decimal.Decimal
	Deposit      decimal.Decimal
	Overflow     ledger.OverflowPolicy

	App   clearnode.AppSession
	Scope string

	SessionExpiry    time.Duration
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	// AckTimeout bounds each remote call attempt.
	AckTimeout time.Duration
	// RemoteAttempts bounds attempts per remote call. Default 3.
	RemoteAttempts int
	Backoff        outbox.BackoffConfig

	// Credentials caches the handshake credential. Optional.
	Credentials storage.Storage
	// Settlement performs the final transfer. Optional until Settle.
	Settlement settlement.Coordinator
	// Remote overrides the clearing node backend.
	Remote clearnode.Remote

	Logger *slog.Logger
	Now    func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Asset == "" {
		c.Asset = "eth"
	}
	if c.Scope == "" {
		c.Scope = "app"
	}
	if c.SessionExpiry <= 0 {
		c.SessionExpiry = time.Hour
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 20 * time.Second
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 5 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return c
}

// Client runs billing sessions for one payer. It is safe for concurrent
// use; operations on the session are serialized.
type Client struct {
	cfg Config
	log *slog.Logger

	sessionKey *signer.SessionKey
	transport  *transport.Transport
	auth       *auth.Session
	dispatcher *outbound.Dispatcher
	remote     clearnode.Remote
	outbox     *outbox.Outbox
	ledger     *ledger.Session

	// opMu serializes session operations so state indexes are assigned in
	// call order and remote jobs are queued in the same order.
	opMu     sync.Mutex
	settleMu sync.Mutex

	mu      sync.Mutex
	receipt *settlement.Receipt
	// pending is a submitted transfer whose confirmation is unknown, for
	// the session of generation pendingGen.
	pending    string
	pendingGen uint64

	shutdown atomic.Bool
}

// New builds a Client. It does not connect.
func New(cfg Config) (*Client, error) {
	if cfg.Wallet == nil {
		return nil, errors.New("billing: wallet is required")
	}
	if cfg.Payee == (common.Address{}) {
		return nil, errors.New("billing: payee is required")
	}
	cfg = cfg.withDefaults()
	log := cfg.Logger.With(slog.String("wallet", cfg.Wallet.Address().Hex()))

	sk, err := signer.NewSessionKey()
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:        cfg,
		log:        log,
		sessionKey: sk,
		ledger:     ledger.New(ledger.WithClock(cfg.Now)),
	}

	var sender auth.Sender = offline{}
	if strings.TrimSpace(cfg.URL) != "" {
		c.transport = transport.New(transport.Config{
			URL:            cfg.URL,
			ConnectTimeout: cfg.ConnectTimeout,
			Logger:         cfg.Logger,
		})
		sender = c.transport
	}

	var creds *auth.CredentialCache
	if cfg.Credentials != nil {
		creds = auth.NewCredentialCache(cfg.Credentials, cfg.App.Application)
	}
	c.auth, err = auth.New(sender, auth.Config{
		Wallet:        cfg.Wallet,
		SessionKey:    sk,
		Application:   cfg.App.Application,
		Scope:         cfg.Scope,
		Allowances:    []rpc.Allowance{{Asset: cfg.Asset, Amount: cfg.Deposit}},
		SessionExpiry: cfg.SessionExpiry,
		Timeout:       cfg.HandshakeTimeout,
		Credentials:   creds,
		Logger:        cfg.Logger,
		Now:           cfg.Now,
	})
	if err != nil {
		return nil, err
	}

	c.dispatcher = outbound.New(frameSender{c.transport}, sk)
	switch {
	case cfg.Remote != nil:
		c.remote = cfg.Remote
	case c.transport != nil:
		c.remote = clearnode.NewRPCRemote(c.dispatcher, c.remoteReady)
	default:
		c.remote = clearnode.NopRemote{}
	}

	c.outbox = outbox.New(outbox.Config{
		MaxAttempts:    cfg.RemoteAttempts,
		AttemptTimeout: cfg.AckTimeout,
		Backoff:        cfg.Backoff,
		Logger:         cfg.Logger,
	})

	if c.transport != nil {
		c.transport.OnMessage(c.route)
		c.transport.OnDisconnect(c.onDisconnect)
	}
	return c, nil
}

// SessionKey returns the address of the client's ephemeral signing key.
func (c *Client) SessionKey() common.Address { return c.sessionKey.Address() }

// Connect dials the clearing node and runs the handshake. It reports whether
// the client is authenticated. Failures leave the client in local-only mode.
func (c *Client) Connect(ctx context.Context) bool {
	if c.shutdown.Load() {
		return false
	}
	if c.transport == nil {
		c.log.InfoContext(ctx, "billing.local_only", slog.String("reason", "no clearing node configured"))
		return false
	}
	if err := c.transport.Connect(ctx); err != nil {
		c.log.InfoContext(ctx, "billing.local_only", slog.String("reason", err.Error()))
		return false
	}
	if c.auth.Authenticated() {
		return true
	}
	if c.auth.Restore(ctx) {
		c.log.DebugContext(ctx, "billing.credential.restored")
	}
	return c.Authenticate(ctx)
}

// Authenticate runs the handshake on the current connection. It resolves to
// false on timeout, rejection or when not connected.
func (c *Client) Authenticate(ctx context.Context) bool {
	ok := c.auth.Authenticate(ctx)
	if !ok {
		reason := "unknown"
		if err := c.auth.LastError(); err != nil {
			reason = err.Error()
		}
		c.log.InfoContext(ctx, "billing.local_only", slog.String("reason", reason))
	}
	return ok
}

// Disconnect closes the connection. The client keeps working locally and
// may Connect again.
func (c *Client) Disconnect() {
	if c.transport == nil {
		return
	}
	if err := c.transport.Close(); err != nil {
		c.log.Debug("billing.disconnect", slog.String("err", err.Error()))
	}
}

// Shutdown drains queued remote calls until ctx ends, then disconnects.
// The client cannot be used afterwards.
func (c *Client) Shutdown(ctx context.Context) error {
	if !c.shutdown.CompareAndSwap(false, true) {
		return ErrShutdown
	}
	err := c.outbox.Close(ctx)
	if err != nil {
		c.log.WarnContext(ctx, "billing.shutdown.abandoned", slog.String("err", err.Error()))
	}
	c.dispatcher.Close(ErrShutdown)
	c.Disconnect()
	c.auth.Disconnected()
	return err
}

func (c *Client) remoteReady() bool {
	return c.transport != nil && c.transport.Connected() && c.auth.Authenticated()
}

func (c *Client) onDisconnect(cause error) {
	c.auth.Disconnected()
	err := errConnectionLost
	if cause != nil {
		err = fmt.Errorf("%w: %v", errConnectionLost, cause)
	}
	c.dispatcher.FailPending(err)
}

// offline is the auth sender of a client without a clearing node.
type offline struct{}

func (offline) Send([]byte) bool { return false }

// frameSender adapts the transport to the request dispatcher.
type frameSender struct {
	t *transport.Transport
}

func (s frameSender) Send(_ context.Context, data []byte) error {
	if s.t == nil || !s.t.Send(data) {
		return transport.ErrUnavailable
	}
	return nil
}
