// Package spectrum wires every subsystem into a single lifecycle object:
// the Electrum transport, the Store, the indexer, the wallet/descriptor
// service, the PSBT builder and the RPC dispatcher. Everything is passed
// explicitly, with no package-level singletons, so an embedding process
// constructs one Gateway and holds it for the life of the connection.
package spectrum

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/hashicorp/go-hclog"

	"github.com/cryptoadvance/spectrum-go/chain"
	"github.com/cryptoadvance/spectrum-go/electrum"
	"github.com/cryptoadvance/spectrum-go/indexer"
	"github.com/cryptoadvance/spectrum-go/psbtbuilder"
	"github.com/cryptoadvance/spectrum-go/rpc"
	"github.com/cryptoadvance/spectrum-go/store"
	"github.com/cryptoadvance/spectrum-go/txcache"
	"github.com/cryptoadvance/spectrum-go/wallet"
)

const (
	defaultStartupTimeout = 30 * time.Second
	defaultProtocolVers   = "1.4"
	defaultClientName     = "spectrum-go"
	negotiateTimeout      = 10 * time.Second
)

// Config is populated by the embedding process; loading it from flags,
// env or files is the host's concern, not this package's.
type Config struct {
	// ElectrumURL is ssl://host:port or tcp://host:port.
	ElectrumURL string
	// ProxyURL is a socks5:// or socks5h:// SOCKS5 proxy; empty disables it.
	ProxyURL string
	// DataDir roots the raw-tx blob cache, <DataDir>/txs/<txid>.raw.
	DataDir string
	// PingInterval/CallTimeout override the transport's defaults when non-zero.
	PingInterval time.Duration
	CallTimeout  time.Duration
	// ClientName/ProtocolVersion identify this gateway during server.version
	// negotiation; both default if left empty.
	ClientName      string
	ProtocolVersion string
	// StartupTimeout bounds how long New waits for the first connect and
	// chain-detection round trip before giving up; defaults to 30s.
	StartupTimeout time.Duration
	Logger         hclog.Logger
}

func (c Config) clientName() string {
	if c.ClientName == "" {
		return defaultClientName
	}
	return c.ClientName
}

func (c Config) protocolVersion() string {
	if c.ProtocolVersion == "" {
		return defaultProtocolVers
	}
	return c.ProtocolVersion
}

func (c Config) startupTimeout() time.Duration {
	if c.StartupTimeout <= 0 {
		return defaultStartupTimeout
	}
	return c.StartupTimeout
}

// Gateway is the process-wide lifecycle object: one Electrum connection,
// one Store, and every subsystem built over them, handed explicitly to
// the dispatcher rather than reached through ambient singletons.
type Gateway struct {
	cfg       Config
	log       hclog.Logger
	startedAt time.Time

	mu     sync.RWMutex
	params *chaincfg.Params
	hashes *chain.HashCache

	Transport  *electrum.Transport
	Electrum   *electrum.Client
	Store      *store.Store
	Cache      *txcache.Cache
	Indexer    *indexer.Indexer
	Router     *indexer.Router
	Wallet     *wallet.Service
	PSBT       *psbtbuilder.Builder
	Dispatcher *rpc.Dispatcher
}

// New dials the configured Electrum server, waits for the first
// connection to negotiate and identify the chain from its genesis hash,
// then builds every downstream subsystem against the detected
// chaincfg.Params. It blocks for up to Config.StartupTimeout; if the first
// connection can't be established in that window, the transport it started
// is closed and an error is returned. Once New returns, the transport's own
// supervisor takes over reconnecting for the rest of the Gateway's life,
// and every subsequent reconnect kicks off a full sync in the background
// rather than blocking the caller.
func New(cfg Config) (*Gateway, error) {
	log := cfg.Logger
	if log == nil {
		log = hclog.NewNullLogger()
	}

	g := &Gateway{cfg: cfg, log: log, startedAt: time.Now(), hashes: chain.NewHashCache(0)}

	st, err := store.New()
	if err != nil {
		return nil, fmt.Errorf("spectrum: open store: %w", err)
	}
	g.Store = st

	cache, err := txcache.New(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("spectrum: open tx cache: %w", err)
	}
	g.Cache = cache

	transport, err := electrum.New(electrum.Options{
		Endpoint:     cfg.ElectrumURL,
		ProxyURL:     cfg.ProxyURL,
		PingInterval: cfg.PingInterval,
		CallTimeout:  cfg.CallTimeout,
		Logger:       log.Named("electrum"),
	})
	if err != nil {
		return nil, fmt.Errorf("spectrum: start electrum transport: %w", err)
	}
	g.Transport = transport
	g.Electrum = electrum.NewClient(transport)

	connected := make(chan struct{})
	var connectOnce sync.Once
	transport.OnReconnect(func() {
		g.handleReconnect()
		connectOnce.Do(func() { close(connected) })
	})

	select {
	case <-connected:
	case <-time.After(cfg.startupTimeout()):
		transport.Close()
		return nil, fmt.Errorf("spectrum: timed out after %s waiting for electrum connection", cfg.startupTimeout())
	}

	params := g.Params()
	if params == nil {
		transport.Close()
		return nil, fmt.Errorf("spectrum: chain detection failed on first connect")
	}

	idx := indexer.New(g.Store, g.Electrum, g.Cache, log.Named("indexer"))
	g.Indexer = idx

	router := indexer.NewRouter(idx, g.Store, log.Named("indexer"))
	g.Router = router
	transport.OnNotification(router.OnNotification)
	g.subscribeHeaders()

	walletSvc := wallet.New(g.Store, idx, params, log.Named("wallet"))
	g.Wallet = walletSvc

	builder := psbtbuilder.New(g.Store, g.Electrum, g.Cache, walletSvc, params, log.Named("psbtbuilder"))
	g.PSBT = builder

	deps := &rpc.Deps{
		Store:     g.Store,
		Electrum:  g.Electrum,
		Router:    router,
		Indexer:   idx,
		Wallet:    walletSvc,
		PSBT:      builder,
		Cache:     g.Cache,
		Hashes:    g.hashes,
		Params:    params,
		StartedAt: g.startedAt,
		Log:       log.Named("rpc"),
	}
	dispatcher := rpc.New(deps, log.Named("rpc"))
	rpc.RegisterChainMethods(dispatcher)
	rpc.RegisterWalletMethods(dispatcher)
	g.Dispatcher = dispatcher

	go func() {
		if err := idx.FullSync(context.Background()); err != nil {
			log.Warn("spectrum: initial full sync failed", "error", err)
		}
	}()

	return g, nil
}

// handleReconnect is the transport's reconnect callback. It renegotiates
// the protocol version on every reconnect; on the very first successful
// connect it also identifies the chain from the genesis block header
// before anything else is built. On later reconnects, once the rest of
// the Gateway exists, it kicks off a full sync in the background so the
// callers the state machine is about to resume are never blocked.
func (g *Gateway) handleReconnect() {
	ctx, cancel := context.WithTimeout(context.Background(), negotiateTimeout)
	defer cancel()

	if err := g.Electrum.Negotiate(ctx, g.cfg.clientName(), g.cfg.protocolVersion()); err != nil {
		g.log.Warn("spectrum: server.version negotiation failed", "error", err)
	}

	if g.Params() == nil {
		if err := g.detectChain(ctx); err != nil {
			g.log.Warn("spectrum: chain detection failed", "error", err)
			return
		}
	}

	if g.Router != nil {
		g.subscribeHeaders()
	}

	if g.Indexer != nil {
		go func() {
			if err := g.Indexer.FullSync(context.Background()); err != nil {
				g.log.Warn("spectrum: full sync after reconnect failed", "error", err)
			}
		}()
	}
}

// subscribeHeaders (re)registers the headers subscription and seeds the
// Router's tip from the subscribe response; later tips arrive as
// notifications routed through Router.HandleHeaders.
func (g *Gateway) subscribeHeaders() {
	ctx, cancel := context.WithTimeout(context.Background(), negotiateTimeout)
	defer cancel()

	height, headerHex, err := g.Electrum.SubscribeHeaders(ctx)
	if err != nil {
		g.log.Warn("spectrum: headers subscribe failed", "error", err)
		return
	}
	hdr, err := chain.ParseHeader(headerHex, height)
	if err != nil {
		g.log.Warn("spectrum: parse tip header failed", "error", err)
		return
	}
	g.Router.SetTip(hdr.Height, hdr.Hash)
	g.hashes.SetTip(hdr.Height, hdr.Hash)
}

// detectChain fetches the genesis block header (height 0) and identifies
// the network from its hash.
func (g *Gateway) detectChain(ctx context.Context) error {
	headerHex, err := g.Electrum.GetBlockHeader(ctx, 0)
	if err != nil {
		return fmt.Errorf("fetch genesis header: %w", err)
	}
	hdr, err := chain.ParseHeader(headerHex, 0)
	if err != nil {
		return fmt.Errorf("parse genesis header: %w", err)
	}
	params := chain.Detect(hdr.Hash)
	g.mu.Lock()
	g.params = params
	g.mu.Unlock()
	g.hashes.SetGenesis(hdr.Hash)
	g.log.Info("spectrum: detected chain", "chain", params.Name, "genesis", hdr.Hash)
	return nil
}

// Params returns the chaincfg.Params detected from the Electrum server's
// genesis block, or nil before the first connection completes.
func (g *Gateway) Params() *chaincfg.Params {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.params
}

// Dispatch runs a single JSON-RPC request through the method registry.
// walletName conveys the wallet context the outward HTTP framing extracts
// from the request path; that framing lives in the host process, its
// output is this parameter.
func (g *Gateway) Dispatch(ctx context.Context, walletName string, req rpc.Request) rpc.Response {
	return g.Dispatcher.Dispatch(ctx, walletName, req)
}

// DispatchBatch runs a JSON-RPC batch request, each item independently,
// results in request order.
func (g *Gateway) DispatchBatch(ctx context.Context, walletName string, reqs []rpc.Request) []rpc.Response {
	return g.Dispatcher.DispatchBatch(ctx, walletName, reqs)
}

// Close stops the reconcile worker and the Electrum transport's supervisor
// and its four workers, in that order so no reconcile is left racing a
// closing socket.
func (g *Gateway) Close() error {
	if g.Indexer != nil {
		g.Indexer.Close()
	}
	return g.Transport.Close()
}
