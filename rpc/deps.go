package rpc

import (
	"context"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/hashicorp/go-hclog"

	"github.com/cryptoadvance/spectrum-go/chain"
	"github.com/cryptoadvance/spectrum-go/indexer"
	"github.com/cryptoadvance/spectrum-go/psbtbuilder"
	"github.com/cryptoadvance/spectrum-go/store"
	"github.com/cryptoadvance/spectrum-go/wallet"
)

// ElectrumClient is the subset of electrum.Client the RPC layer depends
// on directly (most chain-level methods go through Indexer/Router
// instead, which already wrap Electrum with Store-aware bookkeeping).
type ElectrumClient interface {
	EstimateFee(ctx context.Context, blocks int) (float64, error)
	GetTransaction(ctx context.Context, txid string) (string, error)
	BroadcastTransaction(ctx context.Context, rawtx string) (string, error)
	GetBlockHeader(ctx context.Context, height int64) (string, error)
}

// Deps is the full set of subsystems every registered MethodFunc is
// given, passed explicitly into the dispatcher rather than reached
// through ambient singletons.
type Deps struct {
	Store     *store.Store
	Electrum  ElectrumClient
	Router    *indexer.Router
	Indexer   *indexer.Indexer
	Wallet    *wallet.Service
	PSBT      *psbtbuilder.Builder
	Cache     TxCache
	Hashes    *chain.HashCache
	Params    *chaincfg.Params
	StartedAt time.Time
	Log       hclog.Logger
}

// TxCache is the subset of txcache.Cache the RPC layer depends on, for
// getrawtransaction's cache-then-Electrum fallback.
type TxCache interface {
	Get(txid string) (string, error)
	Put(txid, rawHex string) error
}
