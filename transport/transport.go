package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ErrUnavailable wraps every connect failure.
var ErrUnavailable = errors.New("transport: clearing node unavailable")

// State is the connection state.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Handler receives one inbound frame. ctx is cancelled when the connection
// that delivered the frame goes away.
type Handler func(ctx context.Context, data []byte)

// Config configures a Transport.
type Config struct {
	// URL is the clearing node websocket endpoint, e.g. wss://node.example/ws.
	URL string
	// ConnectTimeout bounds dial plus websocket handshake. Default 10s.
	ConnectTimeout time.Duration
	// WriteTimeout bounds each frame write. Default 5s.
	WriteTimeout time.Duration
	// Header is sent with the upgrade request.
	Header http.Header
	// Dialer overrides websocket.DefaultDialer.
	Dialer *websocket.Dialer
	// Logger receives state transitions. Nil discards.
	Logger *slog.Logger
}

// Transport is a reconnectable websocket client.
type Transport struct {
	cfg Config
	log *slog.Logger

	state atomic.Int32

	mu           sync.Mutex
	conn         *websocket.Conn
	cancelConn   context.CancelFunc
	cancelDial   context.CancelFunc
	dialDone     chan struct{}
	readDone     chan struct{}
	handler      Handler
	onDisconnect []func(error)

	writeMu sync.Mutex
}

// New constructs a disconnected Transport.
func New(cfg Config) *Transport {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Transport{cfg: cfg, log: log.With(slog.String("component", "transport"))}
}

// State returns the current connection state.
func (t *Transport) State() State { return State(t.state.Load()) }

// Connected reports whether frames can currently be sent.
func (t *Transport) Connected() bool { return t.State() == Connected }

// OnMessage sets the inbound frame handler. It replaces any previous handler.
func (t *Transport) OnMessage(h Handler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

// OnDisconnect registers fn to run whenever an established connection ends.
func (t *Transport) OnDisconnect(fn func(error)) {
	t.mu.Lock()
	t.onDisconnect = append(t.onDisconnect, fn)
	t.mu.Unlock()
}

// Connect dials the node, waiting at most ConnectTimeout. Connecting an
// already connected Transport is a no-op.
func (t *Transport) Connect(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.ConnectTimeout)
	defer cancel()
	dialDone := make(chan struct{})
	defer close(dialDone)

	t.mu.Lock()
	if !t.state.CompareAndSwap(int32(Disconnected), int32(Connecting)) {
		t.mu.Unlock()
		if t.Connected() {
			return nil
		}
		return fmt.Errorf("%w: connect already in progress", ErrUnavailable)
	}
	t.cancelDial = cancel
	t.dialDone = dialDone
	t.mu.Unlock()
	t.log.InfoContext(ctx, "transport.connecting", slog.String("url", t.cfg.URL), slog.Duration("timeout", t.cfg.ConnectTimeout))

	dialer := websocket.DefaultDialer
	if t.cfg.Dialer != nil {
		dialer = t.cfg.Dialer
	}
	conn, resp, err := dialer.DialContext(dialCtx, t.cfg.URL, t.cfg.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	connCtx, cancelConn := context.WithCancel(context.Background())
	done := make(chan struct{})

	// Close clears cancelDial when it aborts the dial.
	t.mu.Lock()
	aborted := t.cancelDial == nil
	t.cancelDial = nil
	t.dialDone = nil
	if err == nil && !aborted {
		t.conn = conn
		t.cancelConn = cancelConn
		t.readDone = done
		t.state.Store(int32(Connected))
	}
	t.mu.Unlock()

	if aborted {
		cancelConn()
		if conn != nil {
			_ = conn.Close()
		}
		t.state.Store(int32(Disconnected))
		t.log.InfoContext(ctx, "transport.connect.aborted")
		return fmt.Errorf("%w: closed while connecting", ErrUnavailable)
	}
	if err != nil {
		cancelConn()
		t.state.Store(int32(Disconnected))
		if errors.Is(dialCtx.Err(), context.DeadlineExceeded) {
			t.log.WarnContext(ctx, "transport.connect.timeout", slog.Duration("timeout", t.cfg.ConnectTimeout))
			return fmt.Errorf("%w: connect timed out after %s", ErrUnavailable, t.cfg.ConnectTimeout)
		}
		t.log.WarnContext(ctx, "transport.connect.fail", slog.String("err", err.Error()))
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	t.log.InfoContext(ctx, "transport.connected", slog.String("url", t.cfg.URL))

	go t.readLoop(connCtx, conn, done)
	return nil
}

// Send writes one text frame. It returns false, without error, when there is
// no connection or the write fails.
func (t *Transport) Send(data []byte) bool {
	if !t.Connected() {
		return false
	}
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return false
	}

	t.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	err := conn.WriteMessage(websocket.TextMessage, data)
	t.writeMu.Unlock()
	if err != nil {
		t.log.Warn("transport.send.fail", slog.String("err", err.Error()))
		t.teardown(conn, err)
		return false
	}
	return true
}

// Close sends a normal close frame and waits for the read loop to exit. A
// dial in progress is aborted and Close waits for Connect to give up.
func (t *Transport) Close() error {
	t.mu.Lock()
	conn := t.conn
	done := t.readDone
	dialing := t.dialDone
	if t.cancelDial != nil {
		t.cancelDial()
		t.cancelDial = nil
	}
	t.mu.Unlock()
	if dialing != nil {
		<-dialing
		return nil
	}
	if conn == nil {
		return nil
	}

	t.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "disconnect"),
		time.Now().Add(t.cfg.WriteTimeout))
	t.writeMu.Unlock()

	err := conn.Close()
	t.teardown(conn, nil)
	if done != nil {
		<-done
	}
	return err
}

func (t *Transport) readLoop(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.teardown(conn, err)
			return
		}
		t.deliver(ctx, data)
	}
}

func (t *Transport) deliver(ctx context.Context, data []byte) {
	t.mu.Lock()
	h := t.handler
	t.mu.Unlock()
	if h == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			t.log.Error("transport.handler.panic", slog.Any("panic", r))
		}
	}()
	h(ctx, data)
}

// teardown retires conn if it is still the active connection.
func (t *Transport) teardown(conn *websocket.Conn, cause error) {
	t.mu.Lock()
	if t.conn != conn {
		t.mu.Unlock()
		return
	}
	t.conn = nil
	if t.cancelConn != nil {
		t.cancelConn()
		t.cancelConn = nil
	}
	callbacks := append(([]func(error))(nil), t.onDisconnect...)
	t.mu.Unlock()

	_ = conn.Close()
	t.state.Store(int32(Disconnected))
	if cause != nil && !websocket.IsCloseError(cause, websocket.CloseNormalClosure) {
		t.log.Warn("transport.disconnected", slog.String("err", cause.Error()))
	} else {
		t.log.Info("transport.disconnected")
	}
	for _, fn := range callbacks {
		fn(cause)
	}
}
