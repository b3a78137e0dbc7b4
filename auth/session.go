package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ggoodman/clearnode-go/clearnode"
	"github.com/ggoodman/clearnode-go/internal/jsonrpc"
	"github.com/ggoodman/clearnode-go/rpc"
	"github.com/ggoodman/clearnode-go/signer"
)

var (
	// ErrTimeout means no handshake result arrived in time.
	ErrTimeout = errors.New("auth: handshake timed out")
	// ErrRejected means the node refused the handshake.
	ErrRejected = errors.New("auth: handshake rejected")
	// ErrNotConnected means the handshake could not be sent.
	ErrNotConnected = errors.New("auth: not connected")
	// ErrDisconnected means the connection was lost.
	ErrDisconnected = errors.New("auth: connection lost")
)

// State is the handshake state.
type State int

const (
	Idle State = iota
	Requested
	Challenged
	Authenticated
	Unauthenticated
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Requested:
		return "requested"
	case Challenged:
		return "challenged"
	case Authenticated:
		return "authenticated"
	case Unauthenticated:
		return "unauthenticated"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Sender emits one frame; it reports false when nothing was sent.
type Sender interface {
	Send(data []byte) bool
}

// Config configures a Session.
type Config struct {
	// Wallet signs the policy. Nil skips straight to the session key.
	Wallet     signer.Wallet
	SessionKey *signer.SessionKey

	Application string
	Scope       string
	Allowances  []rpc.Allowance

	// SessionExpiry is how long the requested authorization lasts. Default 1h.
	SessionExpiry time.Duration
	// Timeout bounds a handshake from request to result. Default 20s.
	Timeout time.Duration

	// Credentials persists the issued credential. Optional.
	Credentials *CredentialCache
	Logger      *slog.Logger
	Now         func() time.Time
}

type attempt struct {
	n         uint64
	req       rpc.AuthRequestParams
	requestID string
	verifyID  string
	done      chan struct{}
	ok        bool
}

// Session is the client side of the handshake. It is safe for concurrent use.
type Session struct {
	sender Sender
	cfg    Config
	log    *slog.Logger

	mu      sync.Mutex
	state   State
	current *attempt
	seq     uint64
	cred    Credential
	lastErr error
}

// ErrNoSessionKey is returned by New when Config.SessionKey is nil.
var ErrNoSessionKey = errors.New("auth: session key is required")

// New returns an Idle Session that sends through sender.
func New(sender Sender, cfg Config) (*Session, error) {
	if cfg.SessionKey == nil {
		return nil, ErrNoSessionKey
	}
	if cfg.SessionExpiry <= 0 {
		cfg.SessionExpiry = time.Hour
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Session{sender: sender, cfg: cfg, log: log.With(slog.String("component", "auth"))}, nil
}

// State returns the current handshake state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Authenticated reports whether the last handshake succeeded and the
// connection it ran on is still up.
func (s *Session) Authenticated() bool {
	return s.State() == Authenticated
}

// LastError returns why the most recent handshake did not succeed.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Credential returns the current credential, if any is valid.
func (s *Session) Credential() (Credential, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cred.Valid(s.cfg.Now()) {
		return Credential{}, false
	}
	return s.cred, true
}

// Restore loads a cached credential, if any. It does not change the state:
// a cached credential never stands in for a handshake.
func (s *Session) Restore(ctx context.Context) bool {
	if s.cfg.Credentials == nil || s.cfg.Wallet == nil {
		return false
	}
	cred, ok, err := s.cfg.Credentials.Load(ctx, s.cfg.Wallet.Address())
	if err != nil {
		s.log.WarnContext(ctx, "auth.credential.load.fail", slog.String("err", err.Error()))
		return false
	}
	if !ok {
		return false
	}
	s.mu.Lock()
	s.cred = cred
	s.mu.Unlock()
	return true
}

// Authenticate runs a handshake, or joins the one in progress, and reports
// whether it succeeded. It returns within Timeout, or sooner if ctx ends.
func (s *Session) Authenticate(ctx context.Context) bool {
	a, started := s.begin()
	if started {
		if err := s.sendRequest(a); err != nil {
			s.finish(a, false, err, Credential{})
		}
	}

	timer := time.NewTimer(s.cfg.Timeout)
	defer timer.Stop()
	select {
	case <-a.done:
	case <-timer.C:
		s.finish(a, false, ErrTimeout, Credential{})
	case <-ctx.Done():
		s.finish(a, false, fmt.Errorf("%w: %w", ErrTimeout, ctx.Err()), Credential{})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return a.ok
}

// HandleChallenge answers a challenge for the handshake in progress. The
// signature is produced off the caller's goroutine.
func (s *Session) HandleChallenge(ctx context.Context, c clearnode.AuthChallenge) {
	s.mu.Lock()
	a := s.current
	if a == nil || s.state != Requested {
		s.mu.Unlock()
		s.log.DebugContext(ctx, "auth.challenge.unexpected")
		return
	}
	s.state = Challenged
	s.mu.Unlock()

	s.log.InfoContext(ctx, "auth.challenge.received")
	go s.respond(a, c.Challenge)
}

// HandleResult completes the handshake in progress.
func (s *Session) HandleResult(ctx context.Context, r clearnode.AuthResult) {
	s.mu.Lock()
	a := s.current
	s.mu.Unlock()
	if a == nil {
		s.log.DebugContext(ctx, "auth.result.unsolicited", slog.String("method", string(r.Method)))
		return
	}
	if !r.Success {
		s.finish(a, false, ErrRejected, Credential{})
		return
	}
	s.finish(a, true, nil, s.credentialFor(a, r.Token))
}

// HandleReply accepts a plain JSON-RPC reply correlated to a handshake
// request. It reports whether the reply belonged to the handshake.
func (s *Session) HandleReply(ctx context.Context, resp *jsonrpc.Response) bool {
	if resp == nil || resp.ID.IsNil() {
		return false
	}
	id := resp.ID.String()

	s.mu.Lock()
	a := s.current
	var requestID, verifyID string
	if a != nil {
		requestID, verifyID = a.requestID, a.verifyID
	}
	s.mu.Unlock()
	if a == nil || (id != requestID && id != verifyID) {
		return false
	}

	if resp.Error != nil {
		s.finish(a, false, fmt.Errorf("%w: %w", ErrRejected, resp.Error), Credential{})
		return true
	}

	if id == requestID {
		var p rpc.AuthChallengeParams
		if err := json.Unmarshal(resp.Result, &p); err != nil || p.Challenge == "" {
			s.log.WarnContext(ctx, "auth.reply.malformed", slog.String("id", id))
			return true
		}
		s.HandleChallenge(ctx, clearnode.AuthChallenge{Challenge: p.Challenge})
		return true
	}

	var p struct {
		Success *bool  `json:"success"`
		Token   string `json:"token"`
	}
	if err := json.Unmarshal(resp.Result, &p); err != nil || p.Success == nil {
		s.log.WarnContext(ctx, "auth.reply.malformed", slog.String("id", id))
		return true
	}
	s.HandleResult(ctx, clearnode.AuthResult{Method: rpc.MethodAuthVerify, Success: *p.Success, Token: p.Token})
	return true
}

// Disconnected fails the handshake in progress and drops authentication.
// The credential is kept: it is advisory and outlives connections.
func (s *Session) Disconnected() {
	s.mu.Lock()
	a := s.current
	wasAuthenticated := s.state == Authenticated
	if a == nil && wasAuthenticated {
		s.state = Unauthenticated
		s.lastErr = ErrDisconnected
	}
	s.mu.Unlock()

	if a != nil {
		s.finish(a, false, ErrDisconnected, Credential{})
	} else if wasAuthenticated {
		s.log.Info("auth.state", slog.String("state", Unauthenticated.String()), slog.String("reason", ErrDisconnected.Error()))
	}
}

func (s *Session) begin() (*attempt, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		return s.current, false
	}

	s.seq++
	a := &attempt{
		n:         s.seq,
		requestID: "auth-" + strconv.FormatUint(s.seq, 10),
		done:      make(chan struct{}),
		req: rpc.AuthRequestParams{
			SessionKey:  s.cfg.SessionKey.Address(),
			Application: s.cfg.Application,
			Scope:       s.cfg.Scope,
			ExpiresAt:   s.cfg.Now().Add(s.cfg.SessionExpiry).Unix(),
			Allowances:  append([]rpc.Allowance{}, s.cfg.Allowances...),
		},
	}
	if s.cfg.Wallet != nil {
		a.req.Wallet = s.cfg.Wallet.Address()
	}
	s.current = a
	s.state = Requested
	s.log.Info("auth.state", slog.String("state", Requested.String()), slog.Uint64("attempt", a.n))
	return a, true
}

func (s *Session) sendRequest(a *attempt) error {
	req, err := jsonrpc.NewRequest(jsonrpc.NewRequestID(a.requestID), string(rpc.MethodAuthRequest), a.req)
	if err != nil {
		return err
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal auth_request: %w", err)
	}
	if !s.sender.Send(data) {
		return ErrNotConnected
	}
	return nil
}

func (s *Session) respond(a *attempt, challenge string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
	defer cancel()
	go func() {
		select {
		case <-a.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	sig, err := s.sign(ctx, a, challenge)
	if err != nil {
		s.finish(a, false, err, Credential{})
		return
	}

	s.mu.Lock()
	if s.current != a {
		s.mu.Unlock()
		return
	}
	a.verifyID = "auth-verify-" + strconv.FormatUint(a.n, 10)
	verifyID := a.verifyID
	s.mu.Unlock()

	req, err := jsonrpc.NewRequest(jsonrpc.NewRequestID(verifyID), string(rpc.MethodAuthVerify), rpc.AuthVerifyParams{Challenge: challenge})
	if err != nil {
		s.finish(a, false, err, Credential{})
		return
	}
	req.Signatures = []string{sig}
	data, err := json.Marshal(req)
	if err != nil {
		s.finish(a, false, fmt.Errorf("marshal auth_verify: %w", err), Credential{})
		return
	}
	if !s.sender.Send(data) {
		s.finish(a, false, ErrNotConnected, Credential{})
		return
	}
	s.log.Info("auth.verify.sent", slog.Uint64("attempt", a.n))
}

// sign tries the wallet's typed-data signature first and falls back to the
// session key signing the raw challenge.
func (s *Session) sign(ctx context.Context, a *attempt, challenge string) (string, error) {
	var walletErr error
	if s.cfg.Wallet != nil {
		sig, err := s.cfg.Wallet.SignTypedData(ctx, rpc.PolicyTypedData(a.req, challenge))
		if err == nil {
			return hexutil.Encode(sig), nil
		}
		walletErr = err
		s.log.Warn("auth.sign.typed_data.fail", slog.String("err", err.Error()))
	}

	sig, err := s.cfg.SessionKey.Sign([]byte(challenge))
	if err != nil {
		return "", fmt.Errorf("%w: wallet: %v, session key: %w", signer.ErrSigningFailed, walletErr, err)
	}
	s.log.Info("auth.sign.session_key")
	return sig, nil
}

func (s *Session) credentialFor(a *attempt, token string) Credential {
	if token == "" {
		return Credential{}
	}
	cred := Credential{Token: token, ExpiresAt: time.Unix(a.req.ExpiresAt, 0)}
	if exp, ok := tokenExpiry(token); ok {
		cred.ExpiresAt = exp
	}
	return cred
}

func (s *Session) finish(a *attempt, ok bool, cause error, cred Credential) {
	s.mu.Lock()
	if s.current != a {
		s.mu.Unlock()
		return
	}
	s.current = nil
	a.ok = ok
	close(a.done)

	if ok {
		s.state = Authenticated
		s.lastErr = nil
		if cred.Token != "" {
			s.cred = cred
		}
	} else {
		s.state = Unauthenticated
		s.lastErr = cause
	}
	state := s.state
	s.mu.Unlock()

	attrs := []any{slog.String("state", state.String()), slog.Uint64("attempt", a.n)}
	if cause != nil {
		attrs = append(attrs, slog.String("reason", cause.Error()))
	}
	s.log.Info("auth.state", attrs...)

	if ok && cred.Token != "" && s.cfg.Credentials != nil && s.cfg.Wallet != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.cfg.Credentials.Save(ctx, s.cfg.Wallet.Address(), cred); err != nil {
			s.log.Warn("auth.credential.save.fail", slog.String("err", err.Error()))
		}
	}
}
