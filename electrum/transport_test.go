package electrum

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"
)

// fakeServer is a minimal newline-delimited JSON-RPC echo/ping server used
// to exercise the transport without a real Electrum node.
type fakeServer struct {
	ln net.Listener
}

func startFakeServer(t *testing.T, handle func(req rpcRequest, enc *json.Encoder)) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	fs := &fakeServer{ln: ln}

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		dec := json.NewDecoder(bufio.NewReader(conn))
		enc := json.NewEncoder(conn)
		for {
			var req rpcRequest
			if err := dec.Decode(&req); err != nil {
				return
			}
			handle(req, enc)
		}
	}()

	return fs
}

func (fs *fakeServer) addr() string {
	return fs.ln.Addr().String()
}

func (fs *fakeServer) close() {
	fs.ln.Close()
}

func okResponse(id uint32, result interface{}) map[string]interface{} {
	return map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"result":  result,
	}
}

func TestCallRoundTrip(t *testing.T) {
	fs := startFakeServer(t, func(req rpcRequest, enc *json.Encoder) {
		switch req.Method {
		case "server.version":
			enc.Encode(okResponse(req.ID, []string{"ElectrumX", "1.4"}))
		case "blockchain.scripthash.get_balance":
			enc.Encode(okResponse(req.ID, map[string]int64{"confirmed": 1000, "unconfirmed": 0}))
		default:
			enc.Encode(okResponse(req.ID, nil))
		}
	})
	defer fs.close()

	tr, err := New(Options{Endpoint: "tcp://" + fs.addr(), CallTimeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer tr.Close()

	waitForState(t, tr, "ok")

	client := NewClient(tr)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	balance, err := client.GetBalance(ctx, "deadbeef")
	if err != nil {
		t.Fatalf("GetBalance() error: %v", err)
	}
	if balance.Confirmed != 1000 {
		t.Fatalf("GetBalance() = %+v, want confirmed 1000", balance)
	}
}

func TestCallTimeoutOnSilentServer(t *testing.T) {
	fs := startFakeServer(t, func(req rpcRequest, enc *json.Encoder) {
		// Never respond.
	})
	defer fs.close()

	tr, err := New(Options{Endpoint: "tcp://" + fs.addr(), CallTimeout: 200 * time.Millisecond, PingInterval: time.Hour})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer tr.Close()

	waitForState(t, tr, "ok")

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_, err = tr.Call(ctx, "blockchain.scripthash.get_balance", "x")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Call() error = %v, want ErrTimeout", err)
	}
}

func TestNotificationDelivery(t *testing.T) {
	fs := startFakeServer(t, func(req rpcRequest, enc *json.Encoder) {
		if req.Method == "blockchain.scripthash.subscribe" {
			enc.Encode(okResponse(req.ID, "00"))
			enc.Encode(map[string]interface{}{
				"jsonrpc": "2.0",
				"method":  "blockchain.scripthash.subscribe",
				"params":  []interface{}{"deadbeef", "newstatus"},
			})
			return
		}
		enc.Encode(okResponse(req.ID, nil))
	})
	defer fs.close()

	tr, err := New(Options{Endpoint: "tcp://" + fs.addr(), CallTimeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer tr.Close()

	received := make(chan Notification, 1)
	tr.OnNotification(func(n Notification) { received <- n })

	waitForState(t, tr, "ok")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := tr.Call(ctx, "blockchain.scripthash.subscribe", "deadbeef"); err != nil {
		t.Fatalf("Call() error: %v", err)
	}

	select {
	case n := <-received:
		if n.Method != "blockchain.scripthash.subscribe" {
			t.Fatalf("notification method = %q, want blockchain.scripthash.subscribe", n.Method)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
	}
}

func TestReconnectCallbackFiresOnFirstConnect(t *testing.T) {
	fs := startFakeServer(t, func(req rpcRequest, enc *json.Encoder) {
		enc.Encode(okResponse(req.ID, nil))
	})
	defer fs.close()

	fired := make(chan struct{}, 1)
	tr, err := New(Options{Endpoint: "tcp://" + fs.addr(), CallTimeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer tr.Close()
	tr.OnReconnect(func() { fired <- struct{}{} })

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("reconnect callback never fired")
	}
}

// TestReconnectAfterSocketLoss kills the first connection under the
// transport and expects the supervisor to cycle back to ok on a fresh
// socket (the server observes a second connection), with calls succeeding
// afterwards.
func TestReconnectAfterSocketLoss(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	conns := make(chan net.Conn, 4)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conns <- conn
			go func(c net.Conn) {
				dec := json.NewDecoder(bufio.NewReader(c))
				enc := json.NewEncoder(c)
				for {
					var req rpcRequest
					if err := dec.Decode(&req); err != nil {
						return
					}
					enc.Encode(okResponse(req.ID, nil))
				}
			}(conn)
		}
	}()

	tr, err := New(Options{Endpoint: "tcp://" + ln.Addr().String(), CallTimeout: time.Second, PingInterval: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer tr.Close()

	waitForState(t, tr, "ok")
	first := <-conns
	first.Close()

	// The supervisor must notice the dead socket and redial; the server
	// observing a second connection is the unambiguous recovery signal.
	select {
	case <-conns:
	case <-time.After(10 * time.Second):
		t.Fatal("transport never redialed after socket loss")
	}
	waitForState(t, tr, "ok")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := tr.Call(ctx, "server.ping"); err != nil {
		t.Fatalf("Call() after reconnect error: %v", err)
	}
}

func TestParseProxyURL(t *testing.T) {
	cases := []struct {
		raw  string
		ok   bool
		addr string
		h    bool
	}{
		{"socks5h://127.0.0.1:9050", true, "127.0.0.1:9050", true},
		{"socks5://127.0.0.1:9050", true, "127.0.0.1:9050", false},
		{"http://127.0.0.1:9050", false, "", false},
		{"", false, "", false},
	}
	for _, tc := range cases {
		cfg, ok := parseProxyURL(tc.raw)
		if ok != tc.ok {
			t.Errorf("parseProxyURL(%q) ok = %v, want %v", tc.raw, ok, tc.ok)
			continue
		}
		if !ok {
			continue
		}
		if cfg.addr != tc.addr || cfg.resolveRemote != tc.h {
			t.Errorf("parseProxyURL(%q) = %+v, want addr=%s resolveRemote=%v", tc.raw, cfg, tc.addr, tc.h)
		}
	}
}

func waitForState(t *testing.T, tr *Transport, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if tr.State() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("transport never reached state %q, stuck at %q", want, tr.State())
}
