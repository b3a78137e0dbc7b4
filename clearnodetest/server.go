// Package clearnodetest runs an in-process clearing node over WebSocket for
// tests. It performs the real handshake, verifies every signature by
// recovery and records what it received.
package clearnodetest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ggoodman/clearnode-go/internal/jsonrpc"
	"github.com/ggoodman/clearnode-go/rpc"
	"github.com/ggoodman/clearnode-go/signer"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Option configures a Server.
type Option func(*Server)

// WithRejectAuth makes every auth_verify fail with auth_failure.
func WithRejectAuth() Option { return func(s *Server) { s.rejectAuth = true } }

// WithSilence makes the node ignore the listed methods entirely.
func WithSilence(methods ...rpc.Method) Option {
	return func(s *Server) {
		for _, m := range methods {
			s.silent[m] = true
		}
	}
}

// WithRejectMethod answers the listed methods with a node error.
func WithRejectMethod(methods ...rpc.Method) Option {
	return func(s *Server) {
		for _, m := range methods {
			s.reject[m] = true
		}
	}
}

// WithGarbage interleaves undecodable and irrelevant frames with every reply.
func WithGarbage() Option { return func(s *Server) { s.garbage = true } }

// WithPlainReplies answers requests with plain JSON-RPC results instead of
// method-tagged acknowledgements.
func WithPlainReplies() Option { return func(s *Server) { s.plain = true } }

// WithTokenTTL sets the lifetime of issued credentials. Default 1h.
func WithTokenTTL(d time.Duration) Option { return func(s *Server) { s.tokenTTL = d } }

// WithReplyDelay delays every answer by d.
func WithReplyDelay(d time.Duration) Option { return func(s *Server) { s.delay = d } }

// Received is one request the node accepted off the wire.
type Received struct {
	Method rpc.Method
	ID     string
	Params json.RawMessage
	// Signer is the address recovered from the request signature, if any.
	Signer common.Address
}

// AppSession is the node's view of an application session.
type AppSession struct {
	ID          string
	Definition  rpc.AppDefinition
	Version     uint64
	Allocations []rpc.Allocation
	Closed      bool
}

type conn struct {
	ws *websocket.Conn
	wm sync.Mutex

	mu         sync.Mutex
	request    *rpc.AuthRequestParams
	challenge  string
	sessionKey common.Address
}

func (c *conn) write(data []byte) error {
	c.wm.Lock()
	defer c.wm.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Server is a fake clearing node.
type Server struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader
	issuer   *tokenIssuer

	rejectAuth bool
	silent     map[rpc.Method]bool
	reject     map[rpc.Method]bool
	garbage    bool
	plain      bool
	tokenTTL   time.Duration
	delay      time.Duration

	mu       sync.Mutex
	conns    map[*conn]struct{}
	received []Received
	sessions map[string]*AppSession
	tokens   []string
	notify   chan struct{}
}

// NewServer starts a node that is shut down when t finishes.
func NewServer(t testing.TB, opts ...Option) *Server {
	t.Helper()
	s := &Server{
		silent:   make(map[rpc.Method]bool),
		reject:   make(map[rpc.Method]bool),
		tokenTTL: time.Hour,
		conns:    make(map[*conn]struct{}),
		sessions: make(map[string]*AppSession),
		notify:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	issuer, err := newTokenIssuer(s.tokenTTL)
	if err != nil {
		t.Fatalf("clearnodetest: %v", err)
	}
	s.issuer = issuer
	s.srv = httptest.NewServer(http.HandlerFunc(s.serveWS))
	t.Cleanup(s.Close)
	return s
}

// URL returns the ws:// address of the node.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

// Close drops every connection and stops the node.
func (s *Server) Close() {
	s.DropConnections()
	s.srv.Close()
}

// DropConnections closes every open client connection.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.ws.Close()
	}
}

// Received returns every request recorded so far.
func (s *Server) Received() []Received {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Received(nil), s.received...)
}

// Count returns how many requests for method were recorded.
func (s *Server) Count(method rpc.Method) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.received {
		if r.Method == method {
			n++
		}
	}
	return n
}

// WaitFor blocks until n requests for method were recorded and returns them.
func (s *Server) WaitFor(t testing.TB, method rpc.Method, n int, timeout time.Duration) []Received {
	t.Helper()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		s.mu.Lock()
		var out []Received
		for _, r := range s.received {
			if r.Method == method {
				out = append(out, r)
			}
		}
		ch := s.notify
		s.mu.Unlock()
		if len(out) >= n {
			return out
		}
		select {
		case <-ch:
		case <-deadline.C:
			t.Fatalf("clearnodetest: got %d %s requests, want %d", len(out), method, n)
			return nil
		}
	}
}

// Session returns the node's copy of an application session.
func (s *Server) Session(id string) (AppSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return AppSession{}, false
	}
	out := *sess
	out.Allocations = append([]rpc.Allocation(nil), sess.Allocations...)
	return out, true
}

// Sessions returns the IDs of every application session created.
func (s *Server) Sessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Tokens returns every credential issued, in order.
func (s *Server) Tokens() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tokens...)
}

// VerifyToken checks that token was issued by this node.
func (s *Server) VerifyToken(token string) (TokenClaims, error) {
	return s.issuer.verify(token)
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &conn{ws: ws}
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		_ = ws.Close()
	}()

	// Nodes broadcast their asset list to every new connection.
	_ = c.write([]byte(`{"jsonrpc":"2.0","method":"assets","params":{"assets":[{"symbol":"usdc","decimals":6}]}}`))

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		s.handle(c, data)
	}
}

func (s *Server) handle(c *conn, data []byte) {
	var req jsonrpc.Request
	if err := json.Unmarshal(data, &req); err != nil || req.Method == "" {
		s.sendError(c, nil, "malformed request")
		return
	}
	method := rpc.Method(req.Method)
	rec := Received{Method: method, ID: req.ID.String(), Params: req.Params}

	switch method {
	case rpc.MethodAuthRequest, rpc.MethodAuthVerify:
	default:
		addr, err := recoverRequest(&req)
		if err != nil {
			s.record(rec)
			s.sendError(c, req.ID, err.Error())
			return
		}
		rec.Signer = addr
	}
	s.record(rec)

	if s.silent[method] {
		return
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.garbage {
		s.sendGarbage(c)
	}
	if s.reject[method] {
		s.sendError(c, req.ID, fmt.Sprintf("%s refused", method))
		return
	}

	switch method {
	case rpc.MethodAuthRequest:
		s.authRequest(c, &req)
	case rpc.MethodAuthVerify:
		s.authVerify(c, &req)
	case rpc.MethodCreateAppSession:
		s.createSession(c, &req, rec.Signer)
	case rpc.MethodSubmitAppState:
		s.submitState(c, &req, rec.Signer)
	case rpc.MethodCloseAppSession:
		s.closeSession(c, &req, rec.Signer)
	default:
		s.sendError(c, req.ID, fmt.Sprintf("unknown method %s", method))
	}
}

func (s *Server) record(r Received) {
	s.mu.Lock()
	s.received = append(s.received, r)
	close(s.notify)
	s.notify = make(chan struct{})
	s.mu.Unlock()
}

func (s *Server) authRequest(c *conn, req *jsonrpc.Request) {
	var p rpc.AuthRequestParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		s.sendError(c, req.ID, "invalid auth_request params")
		return
	}
	challenge := uuid.NewString()
	c.mu.Lock()
	c.request = &p
	c.challenge = challenge
	c.sessionKey = common.Address{}
	c.mu.Unlock()
	s.reply(c, req.ID, rpc.MethodAuthChallenge, rpc.AuthChallengeParams{Challenge: challenge})
}

func (s *Server) authVerify(c *conn, req *jsonrpc.Request) {
	c.mu.Lock()
	p, challenge := c.request, c.challenge
	c.mu.Unlock()

	var v rpc.AuthVerifyParams
	_ = json.Unmarshal(req.Params, &v)
	if p == nil || v.Challenge != challenge || len(req.Signatures) != 1 || s.rejectAuth {
		s.reply(c, req.ID, rpc.MethodAuthFailure, rpc.AuthResultParams{Success: false})
		return
	}
	if !verifyPolicy(*p, challenge, req.Signatures[0]) {
		s.reply(c, req.ID, rpc.MethodAuthFailure, rpc.AuthResultParams{Success: false})
		return
	}

	token, err := s.issuer.issue(p.Wallet.Hex(), p.SessionKey.Hex(), p.Scope, time.Now())
	if err != nil {
		s.sendError(c, req.ID, err.Error())
		return
	}
	c.mu.Lock()
	c.sessionKey = p.SessionKey
	c.mu.Unlock()
	s.mu.Lock()
	s.tokens = append(s.tokens, token)
	s.mu.Unlock()
	s.reply(c, req.ID, rpc.MethodAuthVerify, rpc.AuthResultParams{Success: true, Token: token})
}

// verifyPolicy accepts either the wallet's typed-data signature over the
// policy or the session key's signature over the raw challenge.
func verifyPolicy(p rpc.AuthRequestParams, challenge, sigHex string) bool {
	sig, err := hexutil.Decode(sigHex)
	if err != nil {
		return false
	}
	if addr, err := signer.RecoverTypedData(rpc.PolicyTypedData(p, challenge), sig); err == nil && addr == p.Wallet {
		return true
	}
	addr, err := signer.RecoverHex([]byte(challenge), sigHex)
	return err == nil && addr == p.SessionKey
}

func (s *Server) authorized(c *conn, from common.Address) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionKey != (common.Address{}) && c.sessionKey == from
}

func (s *Server) createSession(c *conn, req *jsonrpc.Request, from common.Address) {
	if !s.authorized(c, from) {
		s.sendError(c, req.ID, "unauthorized")
		return
	}
	var p rpc.CreateAppSessionParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		s.sendError(c, req.ID, "invalid create_app_session params")
		return
	}
	id := uuid.NewString()
	s.mu.Lock()
	s.sessions[id] = &AppSession{ID: id, Definition: p.Definition, Allocations: p.Allocations}
	s.mu.Unlock()
	s.reply(c, req.ID, rpc.MethodCreateAppSession, rpc.AppSessionAck{AppSessionID: id, Status: "open"})
}

func (s *Server) submitState(c *conn, req *jsonrpc.Request, from common.Address) {
	if !s.authorized(c, from) {
		s.sendError(c, req.ID, "unauthorized")
		return
	}
	var p rpc.SubmitAppStateParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		s.sendError(c, req.ID, "invalid submit_app_state params")
		return
	}
	s.mu.Lock()
	sess, ok := s.sessions[p.AppSessionID]
	var reason string
	switch {
	case !ok:
		reason = "unknown app session"
	case sess.Closed:
		reason = "app session closed"
	case p.Version <= sess.Version:
		reason = fmt.Sprintf("stale version %d", p.Version)
	default:
		sess.Version = p.Version
		sess.Allocations = p.Allocations
	}
	s.mu.Unlock()
	if reason != "" {
		s.sendError(c, req.ID, reason)
		return
	}
	s.reply(c, req.ID, rpc.MethodSubmitAppState, rpc.AppSessionAck{AppSessionID: p.AppSessionID, Status: "open", Version: p.Version})
}

func (s *Server) closeSession(c *conn, req *jsonrpc.Request, from common.Address) {
	if !s.authorized(c, from) {
		s.sendError(c, req.ID, "unauthorized")
		return
	}
	var p rpc.CloseAppSessionParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		s.sendError(c, req.ID, "invalid close_app_session params")
		return
	}
	s.mu.Lock()
	sess, ok := s.sessions[p.AppSessionID]
	if ok && !sess.Closed {
		sess.Closed = true
		sess.Allocations = p.Allocations
	}
	s.mu.Unlock()
	if !ok {
		s.sendError(c, req.ID, "unknown app session")
		return
	}
	s.reply(c, req.ID, rpc.MethodCloseAppSession, rpc.AppSessionAck{AppSessionID: p.AppSessionID, Status: "closed"})
}

func recoverRequest(req *jsonrpc.Request) (common.Address, error) {
	if len(req.Signatures) == 0 {
		return common.Address{}, fmt.Errorf("missing signature")
	}
	payload, err := req.SigningPayload()
	if err != nil {
		return common.Address{}, err
	}
	addr, err := signer.RecoverHex(payload, req.Signatures[0])
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid signature: %w", err)
	}
	return addr, nil
}

// reply answers id either as a method-tagged acknowledgement or, with
// WithPlainReplies, as a plain result.
func (s *Server) reply(c *conn, id *jsonrpc.RequestID, method rpc.Method, params any) {
	var (
		data []byte
		err  error
	)
	if s.plain && method != rpc.MethodAuthFailure {
		var resp *jsonrpc.Response
		resp, err = jsonrpc.NewResultResponse(id, params)
		if err == nil {
			data, err = json.Marshal(resp)
		}
	} else {
		var msg *jsonrpc.Request
		msg, err = jsonrpc.NewRequest(id, string(method), params)
		if err == nil {
			data, err = json.Marshal(msg)
		}
	}
	if err != nil {
		return
	}
	_ = c.write(data)
}

func (s *Server) sendError(c *conn, id *jsonrpc.RequestID, message string) {
	msg, err := jsonrpc.NewRequest(id, string(rpc.MethodError), rpc.ErrorParams{Error: message})
	if err != nil {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	_ = c.write(data)
}

var garbageFrames = []string{
	`not json at all`,
	`{"jsonrpc":"1.0","id":1,"result":{}}`,
	`{"jsonrpc":"2.0","method":"assets","params":{"assets":[]}}`,
	`{"jsonrpc":"2.0","method":"auth_challenge","params":{}}`,
	`{"jsonrpc":"2.0","id":987654,"result":{"unexpected":true}}`,
	`{"jsonrpc":"2.0","method":"error","params":{"error":"node is busy"}}`,
}

func (s *Server) sendGarbage(c *conn) {
	for _, f := range garbageFrames {
		_ = c.write([]byte(f))
	}
}
