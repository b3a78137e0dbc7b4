package clearnode

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ggoodman/clearnode-go/internal/jsonrpc"
	"github.com/ggoodman/clearnode-go/rpc"
)

var (
	// ErrMalformed is returned for frames that are not valid envelopes or
	// whose params do not match the method's schema.
	ErrMalformed = errors.New("clearnode: malformed message")
	// ErrUnrecognized is returned for well-formed frames the client has no
	// use for, such as asset broadcasts.
	ErrUnrecognized = errors.New("clearnode: unrecognized message")
)

// Message is one decoded inbound frame.
type Message interface {
	isMessage()
}

// AuthChallenge asks the client to prove control of the wallet.
type AuthChallenge struct {
	Challenge string
}

// AuthResult is the outcome of a handshake.
type AuthResult struct {
	Method  rpc.Method
	Success bool
	Token   string
}

// Reply answers a request the client sent, correlated by ID. Replies that
// arrive as method-tagged acknowledgements carry their params as Result.
type Reply struct {
	Response *jsonrpc.Response
}

// NodeError is an uncorrelated error broadcast by the node.
type NodeError struct {
	Message string
}

func (AuthChallenge) isMessage() {}
func (AuthResult) isMessage()    {}
func (Reply) isMessage()         {}
func (NodeError) isMessage()     {}

// Decode parses one inbound frame.
func Decode(data []byte) (Message, error) {
	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	if msg.Method == "" {
		if msg.ID.IsNil() {
			return nil, fmt.Errorf("%w: reply without id", ErrMalformed)
		}
		return Reply{Response: msg.AsResponse()}, nil
	}

	method := rpc.Method(msg.Method)
	switch {
	case method == rpc.MethodAuthChallenge:
		return decodeChallenge(msg.Params)
	case method.IsAuthResult():
		return decodeAuthResult(method, msg.Params)
	case method == rpc.MethodError:
		return decodeError(&msg)
	case method == rpc.MethodCreateAppSession,
		method == rpc.MethodSubmitAppState,
		method == rpc.MethodCloseAppSession:
		if msg.ID.IsNil() {
			return nil, fmt.Errorf("%w: %s acknowledgement without id", ErrMalformed, method)
		}
		return Reply{Response: msg.AsResponse()}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnrecognized, method)
	}
}

func decodeChallenge(raw json.RawMessage) (Message, error) {
	var p rpc.AuthChallengeParams
	if err := strictParams(raw, &p); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.Challenge) == "" {
		return nil, fmt.Errorf("%w: auth_challenge without challenge", ErrMalformed)
	}
	return AuthChallenge{Challenge: p.Challenge}, nil
}

func decodeAuthResult(method rpc.Method, raw json.RawMessage) (Message, error) {
	var p struct {
		Success *bool  `json:"success"`
		Token   string `json:"token"`
	}
	if len(raw) > 0 {
		if err := strictParams(raw, &p); err != nil {
			return nil, err
		}
	}

	res := AuthResult{Method: method, Token: p.Token}
	switch method {
	case rpc.MethodAuthSuccess:
		res.Success = p.Success == nil || *p.Success
	case rpc.MethodAuthFailure:
		res.Success = false
	default:
		if p.Success == nil {
			return nil, fmt.Errorf("%w: %s without success", ErrMalformed, method)
		}
		res.Success = *p.Success
	}
	if !res.Success {
		res.Token = ""
	}
	return res, nil
}

func decodeError(msg *jsonrpc.AnyMessage) (Message, error) {
	var p rpc.ErrorParams
	if err := strictParams(msg.Params, &p); err != nil {
		return nil, err
	}
	if msg.ID.IsNil() {
		return NodeError{Message: p.Error}, nil
	}
	return Reply{Response: jsonrpc.NewErrorResponse(msg.ID, jsonrpc.ErrorCodeInternalError, p.Error, nil)}, nil
}

func strictParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing params", ErrMalformed)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return nil
}
