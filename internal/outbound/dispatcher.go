package outbound

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ggoodman/clearnode-go/internal/jsonrpc"
	"github.com/ggoodman/clearnode-go/rpc"
)

// Transport emits an encoded request frame to the clearing node.
type Transport interface {
	Send(ctx context.Context, data []byte) error
}

// Signer signs the unsigned encoding of a request.
type Signer interface {
	Sign(payload []byte) (string, error)
}

var (
	// ErrDispatcherClosed indicates the dispatcher is closed.
	ErrDispatcherClosed = errors.New("dispatcher closed")
	// ErrRemoteRejected indicates the node answered a request with an error.
	ErrRemoteRejected = errors.New("remote rejected request")
)

type pendingCall struct {
	respCh chan *jsonrpc.Response
	errCh  chan error
}

// Dispatcher coordinates client-initiated requests with correlation and
// response routing. It is transport-agnostic.
type Dispatcher struct {
	t      Transport
	signer Signer

	mu      sync.Mutex
	pending map[string]*pendingCall // id.String() -> call

	nextID uint64

	closed   atomic.Bool
	closeErr error
}

// New constructs a Dispatcher. When signer is non-nil every request is signed
// before it is sent.
func New(t Transport, signer Signer) *Dispatcher {
	return &Dispatcher{t: t, signer: signer, pending: make(map[string]*pendingCall)}
}

// Call sends a request and waits for its reply or context cancellation.
// Error replies are returned as an error wrapping ErrRemoteRejected.
func (d *Dispatcher) Call(ctx context.Context, method rpc.Method, params any) (*jsonrpc.Response, error) {
	if d.closed.Load() {
		return nil, d.err()
	}

	id := jsonrpc.NewRequestID(atomic.AddUint64(&d.nextID, 1))
	key := id.String()

	req, err := jsonrpc.NewRequest(id, string(method), params)
	if err != nil {
		return nil, err
	}
	data, err := d.encode(req)
	if err != nil {
		return nil, err
	}

	pc := &pendingCall{respCh: make(chan *jsonrpc.Response, 1), errCh: make(chan error, 1)}
	d.mu.Lock()
	if d.closed.Load() {
		d.mu.Unlock()
		return nil, d.err()
	}
	d.pending[key] = pc
	d.mu.Unlock()

	if err := d.t.Send(ctx, data); err != nil {
		d.forget(key)
		return nil, err
	}

	select {
	case resp := <-pc.respCh:
		if resp.Error != nil {
			return resp, fmt.Errorf("%w: %s: %w", ErrRemoteRejected, method, resp.Error)
		}
		return resp, nil
	case err := <-pc.errCh:
		if err != nil {
			return nil, err
		}
		return nil, ErrDispatcherClosed
	case <-ctx.Done():
		d.forget(key)
		return nil, ctx.Err()
	}
}

func (d *Dispatcher) encode(req *jsonrpc.Request) ([]byte, error) {
	if d.signer != nil {
		payload, err := req.SigningPayload()
		if err != nil {
			return nil, fmt.Errorf("encode signing payload: %w", err)
		}
		sig, err := d.signer.Sign(payload)
		if err != nil {
			return nil, fmt.Errorf("sign %s: %w", req.Method, err)
		}
		req.Signatures = []string{sig}
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return data, nil
}

// OnResponse delivers an incoming reply to a waiting call. Unmatched replies
// are ignored and reported as false.
func (d *Dispatcher) OnResponse(resp *jsonrpc.Response) bool {
	if resp == nil || resp.ID.IsNil() {
		return false
	}
	key := resp.ID.String()
	d.mu.Lock()
	pc, ok := d.pending[key]
	if ok {
		delete(d.pending, key)
	}
	d.mu.Unlock()
	if ok {
		pc.respCh <- resp
	}
	return ok
}

// Pending reports the number of calls awaiting a reply.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// FailPending fails every call in flight with err. New calls are still
// accepted, so a reconnected transport can reuse the dispatcher.
func (d *Dispatcher) FailPending(err error) {
	if err == nil {
		err = ErrDispatcherClosed
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, pc := range d.pending {
		delete(d.pending, key)
		pc.errCh <- err
	}
}

// Close fails all pending calls with err and prevents new calls.
func (d *Dispatcher) Close(err error) {
	if err == nil {
		err = ErrDispatcherClosed
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed.CompareAndSwap(false, true) {
		return
	}
	d.closeErr = err
	for key, pc := range d.pending {
		delete(d.pending, key)
		pc.errCh <- err
	}
}

func (d *Dispatcher) forget(key string) {
	d.mu.Lock()
	delete(d.pending, key)
	d.mu.Unlock()
}

func (d *Dispatcher) err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closeErr != nil {
		return d.closeErr
	}
	return ErrDispatcherClosed
}
