package jsonrpc

import (
	"encoding/json"
	"fmt"
	"time"
)

// ProtocolVersion is the supported JSON-RPC protocol version.
const ProtocolVersion = "2.0"

// AnyMessage is a generic clearing-node message: a request or notification
// (method set) or a reply (result or error set). Requests originated by the
// client may carry signatures over their unsigned encoding.
type AnyMessage struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	ID             *RequestID      `json:"id,omitempty"`
	Method         string          `json:"method,omitempty"`
	Params         json.RawMessage `json:"params,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`
	Timestamp      int64           `json:"ts,omitempty"`
	Signatures     []string        `json:"sig,omitempty"`
}

// Request represents a request (with an ID) or notification (without ID).
type Request struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	ID             *RequestID      `json:"id,omitempty"`
	Method         string          `json:"method"`
	Params         json.RawMessage `json:"params,omitempty"`
	Timestamp      int64           `json:"ts,omitempty"`
	Signatures     []string        `json:"sig,omitempty"`
}

// Response represents a reply correlated to a request by ID. Replies that
// the node sends as method-tagged acknowledgements are normalized so that
// their params become Result.
type Response struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	ID             *RequestID      `json:"id,omitempty"`
	Method         string          `json:"method,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`
}

// NewRequest builds a request for method with params marshalled to JSON and
// the timestamp set to now.
func NewRequest(id *RequestID, method string, params any) (*Request, error) {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		raw = b
	}
	return &Request{
		JSONRPCVersion: ProtocolVersion,
		ID:             id,
		Method:         method,
		Params:         raw,
		Timestamp:      time.Now().UnixMilli(),
	}, nil
}

// SigningPayload returns the bytes a signer covers: the request encoded
// without its signatures.
func (r *Request) SigningPayload() ([]byte, error) {
	unsigned := *r
	unsigned.Signatures = nil
	return json.Marshal(&unsigned)
}

// NewResultResponse builds a successful response object.
func NewResultResponse(id *RequestID, result any) (*Response, error) {
	resultBytes, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}

	return &Response{
		JSONRPCVersion: ProtocolVersion,
		Result:         resultBytes,
		ID:             id,
	}, nil
}

// NewErrorResponse builds an error response with the given code.
func NewErrorResponse(id *RequestID, code ErrorCode, message string, data any) *Response {
	return &Response{
		JSONRPCVersion: ProtocolVersion,
		Error: &Error{
			Code:    code,
			Message: message,
			Data:    data,
		},
		ID: id,
	}
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Data    any       `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// UnmarshalJSON enforces envelope semantics: the version must match, a
// method-tagged message may not carry result or error, and a reply must carry
// exactly one of them.
func (m *AnyMessage) UnmarshalJSON(data []byte) error {
	type rawMessage AnyMessage

	var raw rawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}

	if raw.JSONRPCVersion != ProtocolVersion {
		return fmt.Errorf("invalid JSON-RPC version: expected %q, got %q", ProtocolVersion, raw.JSONRPCVersion)
	}

	hasMethod := raw.Method != ""
	hasResult := len(raw.Result) > 0
	hasError := raw.Error != nil

	if hasMethod {
		if hasResult || hasError {
			return fmt.Errorf("request message cannot have result or error fields")
		}
	} else {
		if hasResult && hasError {
			return fmt.Errorf("response message cannot have both result and error fields")
		}
		if !hasResult && !hasError {
			return fmt.Errorf("response message must have either result or error field")
		}
	}

	*m = AnyMessage(raw)
	return nil
}

// Type returns "request", "notification" or "response".
func (m *AnyMessage) Type() string {
	if m.Method != "" {
		if m.ID.IsNil() {
			return "notification"
		}
		return "request"
	}
	return "response"
}

// AsRequest returns the message as a Request if it is method-tagged, otherwise nil.
func (m *AnyMessage) AsRequest() *Request {
	if m.Method == "" {
		return nil
	}

	return &Request{
		JSONRPCVersion: m.JSONRPCVersion,
		ID:             m.ID,
		Method:         m.Method,
		Params:         m.Params,
		Timestamp:      m.Timestamp,
		Signatures:     m.Signatures,
	}
}

// AsResponse returns the message as a Response. Method-tagged messages that
// carry an ID are treated as acknowledgements whose params are the result.
func (m *AnyMessage) AsResponse() *Response {
	if m.Method != "" {
		if m.ID.IsNil() {
			return nil
		}
		return &Response{
			JSONRPCVersion: m.JSONRPCVersion,
			ID:             m.ID,
			Method:         m.Method,
			Result:         m.Params,
		}
	}

	return &Response{
		JSONRPCVersion: m.JSONRPCVersion,
		Result:         m.Result,
		Error:          m.Error,
		ID:             m.ID,
	}
}
