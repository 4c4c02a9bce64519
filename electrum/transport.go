// Package electrum implements a self-healing, multiplexed Electrum
// protocol transport: a supervisor state machine keeps a single socket (and
// the worker goroutines bound to it) alive, recreating both after any
// failure and notifying the application so it can resynchronize.
package electrum

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
)

type supervisorState int

const (
	stateCreatingSocket supervisorState = iota
	stateCreatingThreads
	stateExecReconnectCB
	stateOK
	stateBrokenKillingThreads
	stateBrokenCreatingSocket
)

const (
	defaultPingInterval = 10 * time.Second
	defaultCallTimeout  = 30 * time.Second
	defaultTriesThresh  = 3
	brokenSocketRetry   = 10 * time.Second
)

// Options configures a Transport.
type Options struct {
	// Endpoint is ssl://host:port or tcp://host:port.
	Endpoint string
	// ProxyURL is a socks5:// or socks5h:// proxy; empty disables proxying.
	ProxyURL string
	// PingInterval overrides the default 10s pinger cadence.
	PingInterval time.Duration
	// CallTimeout overrides the default 30s call deadline (quadrupled when
	// a proxy is configured, matching the Tor-over-SOCKS5 assumption).
	CallTimeout time.Duration
	// TriesThreshold is the number of consecutive ping failures the
	// pinger tolerates before exiting (default 3).
	TriesThreshold int
	Logger         hclog.Logger
}

// Transport maintains one connection to an Electrum server and exposes a
// blocking, multiplexed Call plus notification/reconnect callback seams.
type Transport struct {
	host   string
	port   string
	useTLS bool
	proxy  *proxyConfig

	pingInterval   time.Duration
	callTimeout    time.Duration
	triesThreshold int
	log            hclog.Logger

	onNotification func(Notification)
	onReconnect    func()

	mu       sync.Mutex
	conn     net.Conn
	pending  map[uint32]chan pendingCall
	writeCh  chan rpcRequest
	notifyCh chan Notification

	closeCh  chan struct{}
	closedMu sync.Mutex
	closed   bool

	stateMu sync.Mutex
	state   supervisorState

	wg sync.WaitGroup
}

// New constructs a Transport and starts its supervisor loop in the
// background. Call Close to shut it down.
func New(opts Options) (*Transport, error) {
	host, port, useTLS, err := parseEndpoint(opts.Endpoint)
	if err != nil {
		return nil, err
	}

	t := &Transport{
		host:           host,
		port:           port,
		useTLS:         useTLS,
		pingInterval:   opts.PingInterval,
		callTimeout:    opts.CallTimeout,
		triesThreshold: opts.TriesThreshold,
		log:            opts.Logger,
		closeCh:        make(chan struct{}),
	}
	if cfg, ok := parseProxyURL(opts.ProxyURL); ok {
		t.proxy = cfg
	}
	if t.pingInterval == 0 {
		t.pingInterval = defaultPingInterval
	}
	if t.callTimeout == 0 {
		t.callTimeout = defaultCallTimeout
	}
	if t.triesThreshold == 0 {
		t.triesThreshold = defaultTriesThresh
	}
	if t.log == nil {
		t.log = hclog.NewNullLogger()
	}

	t.wg.Add(1)
	go t.superviseLoop()

	return t, nil
}

// OnNotification registers the callback invoked for every server push.
// Must be called before any notification can race it; callers typically
// set this immediately after New.
func (t *Transport) OnNotification(fn func(Notification)) {
	t.mu.Lock()
	t.onNotification = fn
	t.mu.Unlock()
}

// OnReconnect registers the callback invoked after a successful (re)connect.
// The supervisor sets its state to ok before invoking it, so the callback
// may itself issue calls.
func (t *Transport) OnReconnect(fn func()) {
	t.mu.Lock()
	t.onReconnect = fn
	t.mu.Unlock()
}

func (t *Transport) effectiveCallTimeout() time.Duration {
	if t.proxy != nil {
		return t.callTimeout * 4
	}
	return t.callTimeout
}

func (t *Transport) setState(s supervisorState) {
	t.stateMu.Lock()
	t.state = s
	t.stateMu.Unlock()
}

// State reports the supervisor's current phase. Exposed for tests and for
// readiness probes.
func (t *Transport) State() string {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	switch t.state {
	case stateCreatingSocket:
		return "creating_socket"
	case stateCreatingThreads:
		return "creating_threads"
	case stateExecReconnectCB:
		return "exec_reconnect_cb"
	case stateOK:
		return "ok"
	case stateBrokenKillingThreads:
		return "broken_killing_threads"
	case stateBrokenCreatingSocket:
		return "broken_creating_socket"
	default:
		return "unknown"
	}
}

// Close shuts the transport down: the supervisor loop and all worker
// goroutines observe the shutdown flag and exit, and any calls blocked in
// Call receive ErrShutdown.
func (t *Transport) Close() error {
	t.closedMu.Lock()
	if t.closed {
		t.closedMu.Unlock()
		return nil
	}
	t.closed = true
	t.closedMu.Unlock()

	close(t.closeCh)
	t.mu.Lock()
	if t.conn != nil {
		t.conn.Close()
	}
	t.mu.Unlock()
	t.wg.Wait()
	return nil
}

func (t *Transport) isClosed() bool {
	t.closedMu.Lock()
	defer t.closedMu.Unlock()
	return t.closed
}

// superviseLoop drives the supervisor state machine described in the
// transport's design: creating_socket -> creating_threads ->
// exec_reconnect_cb -> ok, with a worker death routing back through
// broken_killing_threads to creating_socket.
func (t *Transport) superviseLoop() {
	defer t.wg.Done()

	state := stateCreatingSocket
	t.setState(state)

	var gen *generation

	for {
		if t.isClosed() {
			if gen != nil {
				gen.killAndWait()
			}
			return
		}

		switch state {
		case stateCreatingSocket:
			conn, err := t.dial()
			if err != nil {
				t.log.Warn("electrum: connect failed, retrying", "error", err, "retry_in", brokenSocketRetry)
				state = stateBrokenCreatingSocket
				t.setState(state)
				continue
			}
			t.mu.Lock()
			t.conn = conn
			t.pending = make(map[uint32]chan pendingCall)
			t.writeCh = make(chan rpcRequest, 64)
			t.notifyCh = make(chan Notification, 64)
			t.mu.Unlock()
			state = stateCreatingThreads
			t.setState(state)

		case stateCreatingThreads:
			gen = t.startWorkers()
			state = stateExecReconnectCB
			t.setState(state)

		case stateExecReconnectCB:
			// Set ok before invoking the callback so it may itself call.
			state = stateOK
			t.setState(state)
			if t.onReconnect != nil {
				t.onReconnect()
			}

		case stateOK:
			select {
			case <-gen.dead:
				state = stateBrokenKillingThreads
				t.setState(state)
			case <-t.closeCh:
				gen.killAndWait()
				return
			}

		case stateBrokenKillingThreads:
			gen.killAndWait()
			// Waiters lose their socket, not the transport: fail them
			// with Timeout so the caller decides whether to retry.
			t.failPending(ErrTimeout)
			state = stateCreatingSocket
			t.setState(state)

		case stateBrokenCreatingSocket:
			select {
			case <-time.After(brokenSocketRetry):
				state = stateCreatingSocket
				t.setState(state)
			case <-t.closeCh:
				return
			}
		}
	}
}

// generation bundles the four workers bound to one socket incarnation.
type generation struct {
	ctx    context.Context
	cancel context.CancelFunc
	dead   chan struct{}
	deadAt sync.Once
	wg     sync.WaitGroup
}

func (g *generation) markDead() {
	g.deadAt.Do(func() { close(g.dead) })
}

func (g *generation) killAndWait() {
	g.cancel()
	g.wg.Wait()
}

func (t *Transport) startWorkers() *generation {
	ctx, cancel := context.WithCancel(context.Background())
	gen := &generation{ctx: ctx, cancel: cancel, dead: make(chan struct{})}

	t.mu.Lock()
	conn := t.conn
	writeCh := t.writeCh
	notifyCh := t.notifyCh
	t.mu.Unlock()

	gen.wg.Add(4)
	go t.writeLoop(gen, conn, writeCh)
	go t.readLoop(gen, conn)
	go t.pingLoop(gen)
	go t.notifyLoop(gen, notifyCh)

	return gen
}

func (t *Transport) writeLoop(gen *generation, conn net.Conn, writeCh chan rpcRequest) {
	defer gen.wg.Done()
	defer gen.markDead()

	for {
		select {
		case <-gen.ctx.Done():
			return
		case req := <-writeCh:
			data, err := json.Marshal(req)
			if err != nil {
				t.failCall(req.ID, fmt.Errorf("%w: marshal request: %v", ErrProtocol, err))
				continue
			}
			data = append(data, '\n')
			if _, err := conn.Write(data); err != nil {
				t.log.Warn("electrum: write failed", "error", err)
				return
			}
		}
	}
}

func (t *Transport) readLoop(gen *generation, conn net.Conn) {
	defer gen.wg.Done()
	defer gen.markDead()

	decoder := json.NewDecoder(conn)
	for {
		select {
		case <-gen.ctx.Done():
			return
		default:
		}

		var msg wireMessage
		if err := decoder.Decode(&msg); err != nil {
			select {
			case <-gen.ctx.Done():
			default:
				t.log.Warn("electrum: read failed", "error", err)
			}
			return
		}

		if msg.ID != nil {
			var perr error
			if msg.Error != nil {
				perr = &ServerError{Code: msg.Error.Code, Message: msg.Error.Message}
			}
			t.deliver(*msg.ID, pendingCall{result: msg.Result, err: perr})
			continue
		}

		if msg.Method != "" {
			select {
			case t.notifications() <- Notification{Method: msg.Method, Params: msg.Params}:
			case <-gen.ctx.Done():
				return
			}
		}
	}
}

func (t *Transport) notifications() chan Notification {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.notifyCh
}

func (t *Transport) pingLoop(gen *generation) {
	defer gen.wg.Done()
	defer gen.markDead()

	ticker := time.NewTicker(t.pingInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-gen.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(gen.ctx, t.effectiveCallTimeout())
			_, err := t.call(ctx, "server.ping")
			cancel()
			if err != nil {
				failures++
				t.log.Warn("electrum: ping failed", "consecutive_failures", failures, "error", err)
				if failures >= t.triesThreshold {
					return
				}
				continue
			}
			failures = 0
		}
	}
}

func (t *Transport) notifyLoop(gen *generation, notifyCh chan Notification) {
	defer gen.wg.Done()
	defer gen.markDead()

	for {
		select {
		case <-gen.ctx.Done():
			return
		case n := <-notifyCh:
			t.mu.Lock()
			fn := t.onNotification
			t.mu.Unlock()
			if fn != nil {
				fn(n)
			}
		}
	}
}

func (t *Transport) deliver(id uint32, result pendingCall) {
	t.mu.Lock()
	ch, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()
	if ok {
		ch <- result
	}
}

func (t *Transport) failCall(id uint32, err error) {
	t.deliver(id, pendingCall{err: err})
}

func (t *Transport) failPending(err error) {
	t.mu.Lock()
	pending := t.pending
	t.pending = make(map[uint32]chan pendingCall)
	t.mu.Unlock()
	for _, ch := range pending {
		ch <- pendingCall{err: err}
	}
}

// Call issues a JSON-RPC request and blocks until a result, a server
// error, or the call timeout (quadrupled when a proxy is configured).
// A socket loss while waiting fails the call with ErrTimeout rather than
// retrying automatically; the caller decides whether to retry.
func (t *Transport) Call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, t.effectiveCallTimeout())
	defer cancel()
	return t.call(ctx, method, params...)
}

func (t *Transport) call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	if t.isClosed() {
		return nil, ErrShutdown
	}

	id := rand.Uint32()
	respCh := make(chan pendingCall, 1)

	t.mu.Lock()
	if t.pending == nil {
		t.mu.Unlock()
		return nil, ErrShutdown
	}
	t.pending[id] = respCh
	writeCh := t.writeCh
	t.mu.Unlock()

	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}

	select {
	case writeCh <- req:
	case <-ctx.Done():
		t.clearPending(id)
		return nil, ErrTimeout
	case <-t.closeCh:
		t.clearPending(id)
		return nil, ErrShutdown
	}

	select {
	case res := <-respCh:
		if res.err != nil {
			return nil, res.err
		}
		return res.result, nil
	case <-ctx.Done():
		t.clearPending(id)
		return nil, ErrTimeout
	case <-t.closeCh:
		t.clearPending(id)
		return nil, ErrShutdown
	}
}

func (t *Transport) clearPending(id uint32) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}
