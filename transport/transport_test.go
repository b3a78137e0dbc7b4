package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// echoServer upgrades every request and echoes text frames back.
func echoServer(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, "ws" + strings.TrimPrefix(srv.URL, "http")
}

// silentListener accepts TCP connections and never answers the upgrade.
func silentListener(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	var mu sync.Mutex
	var conns []net.Conn
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		for _, c := range conns {
			_ = c.Close()
		}
		mu.Unlock()
	})
	return "ws://" + ln.Addr().String() + "/ws"
}

func TestConnectSendReceive(t *testing.T) {
	_, url := echoServer(t)
	tr := New(Config{URL: url, ConnectTimeout: 2 * time.Second})

	got := make(chan string, 1)
	tr.OnMessage(func(ctx context.Context, data []byte) {
		got <- string(data)
	})

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}
	defer tr.Close()
	if tr.State() != Connected {
		t.Fatalf("State() = %s, want connected", tr.State())
	}

	if !tr.Send([]byte(`{"hello":"node"}`)) {
		t.Fatal("Send() returned false while connected")
	}
	select {
	case msg := <-got:
		if msg != `{"hello":"node"}` {
			t.Fatalf("received %q", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echo")
	}

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect() = %v, want nil", err)
	}
}

func TestSendWithoutConnection(t *testing.T) {
	tr := New(Config{URL: "ws://127.0.0.1:1/ws"})
	if tr.Send([]byte("x")) {
		t.Fatal("Send() returned true while disconnected")
	}
	if tr.State() != Disconnected {
		t.Fatalf("State() = %s, want disconnected", tr.State())
	}
}

func TestConnectTimeoutIsBounded(t *testing.T) {
	url := silentListener(t)
	tr := New(Config{URL: url, ConnectTimeout: 150 * time.Millisecond})

	start := time.Now()
	err := tr.Connect(context.Background())
	elapsed := time.Since(start)

	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Connect() = %v, want ErrUnavailable", err)
	}
	if elapsed > 2*time.Second {
		t.Fatalf("Connect() took %s, want it bounded by the timeout", elapsed)
	}
	if tr.State() != Disconnected {
		t.Fatalf("State() = %s, want disconnected", tr.State())
	}
}

func TestConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	tr := New(Config{URL: "ws://" + addr + "/ws", ConnectTimeout: time.Second})
	if err := tr.Connect(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Connect() = %v, want ErrUnavailable", err)
	}
	if tr.Send([]byte("x")) {
		t.Fatal("Send() returned true after failed connect")
	}
}

func TestHandlerPanicDoesNotStopDelivery(t *testing.T) {
	_, url := echoServer(t)
	tr := New(Config{URL: url})

	got := make(chan string, 2)
	tr.OnMessage(func(ctx context.Context, data []byte) {
		if string(data) == "boom" {
			panic("bad frame")
		}
		got <- string(data)
	})
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}
	defer tr.Close()

	tr.Send([]byte("boom"))
	tr.Send([]byte("ok"))

	select {
	case msg := <-got:
		if msg != "ok" {
			t.Fatalf("received %q, want ok", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("delivery stopped after handler panic")
	}
}

func TestServerCloseNotifiesDisconnect(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
		_ = conn.Close()
	}))
	defer srv.Close()

	tr := New(Config{URL: "ws" + strings.TrimPrefix(srv.URL, "http")})
	disconnected := make(chan error, 1)
	tr.OnDisconnect(func(err error) { disconnected <- err })

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}

	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("OnDisconnect was not called")
	}
	if tr.State() != Disconnected {
		t.Fatalf("State() = %s, want disconnected", tr.State())
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	_, url := echoServer(t)
	tr := New(Config{URL: url})
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}
	_ = tr.Close()
	if err := tr.Close(); err != nil {
		t.Fatalf("second Close() = %v", err)
	}
	if tr.State() != Disconnected {
		t.Fatalf("State() = %s, want disconnected", tr.State())
	}
}

func TestCloseAbortsConnect(t *testing.T) {
	tr := New(Config{URL: silentListener(t), ConnectTimeout: 10 * time.Second})

	errc := make(chan error, 1)
	go func() { errc <- tr.Connect(context.Background()) }()

	deadline := time.Now().Add(2 * time.Second)
	for tr.State() != Connecting {
		if time.Now().After(deadline) {
			t.Fatal("Connect never started dialing")
		}
		time.Sleep(time.Millisecond)
	}

	if err := tr.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}
	if tr.State() != Disconnected {
		t.Fatalf("State() = %s after Close, want disconnected", tr.State())
	}
	select {
	case err := <-errc:
		if !errors.Is(err, ErrUnavailable) {
			t.Fatalf("Connect() = %v, want ErrUnavailable", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Connect did not return after Close")
	}
	if tr.Connected() {
		t.Fatal("aborted Connect left the transport connected")
	}

	// The next Connect starts clean.
	_, url := echoServer(t)
	tr.cfg.URL = url
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect after abort: %v", err)
	}
	if !tr.Connected() {
		t.Fatalf("State() = %s, want connected", tr.State())
	}
	_ = tr.Close()
}
