package indexer

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"

	"github.com/cryptoadvance/spectrum-go/chain"
	"github.com/cryptoadvance/spectrum-go/electrum"
	"github.com/cryptoadvance/spectrum-go/store"
)

// Router is registered as a Transport's single notification callback. It
// dispatches headers and scripthash notifications, tracking the current
// tip itself and offloading scripthash work onto the Indexer's bounded
// queue so the notifier worker is never blocked by a Store write.
type Router struct {
	idx   *Indexer
	store *store.Store
	log   hclog.Logger

	bestHeight atomic.Int64
	hashMu     sync.RWMutex
	bestHash   string
}

// NewRouter builds a Router over an Indexer and Store.
func NewRouter(idx *Indexer, st *store.Store, log hclog.Logger) *Router {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Router{idx: idx, store: st, log: log}
}

// OnNotification implements electrum.Transport's notification callback
// signature and dispatches by method name.
func (r *Router) OnNotification(n electrum.Notification) {
	switch n.Method {
	case "blockchain.headers.subscribe":
		if err := r.HandleHeaders(n.Params); err != nil {
			r.log.Warn("indexer: handle headers notification failed", "error", err)
		}
	case "blockchain.scripthash.subscribe":
		if err := r.HandleScriptHash(n.Params); err != nil {
			r.log.Warn("indexer: handle scripthash notification failed", "error", err)
		}
	default:
		r.log.Debug("indexer: ignoring unknown notification method", "method", n.Method)
	}
}

// BestHeight returns the most recently observed tip height.
func (r *Router) BestHeight() int64 { return r.bestHeight.Load() }

// BestBlockHash returns the most recently observed tip block hash.
func (r *Router) BestBlockHash() string {
	r.hashMu.RLock()
	defer r.hashMu.RUnlock()
	return r.bestHash
}

// SetTip seeds the cached tip, used on (re)connect when the initial
// blockchain.headers.subscribe response arrives as a call result rather
// than a notification.
func (r *Router) SetTip(height int64, hash string) {
	r.bestHeight.Store(height)
	r.hashMu.Lock()
	r.bestHash = hash
	r.hashMu.Unlock()
}

// HandleHeaders updates the cached tip from a blockchain.headers.subscribe
// notification, whose params are a single-element array of {height, hex}.
func (r *Router) HandleHeaders(raw json.RawMessage) error {
	var params []struct {
		Height int64  `json:"height"`
		Hex    string `json:"hex"`
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return fmt.Errorf("indexer: parse headers notification: %w", err)
	}
	if len(params) == 0 {
		return nil
	}

	hdr, err := chain.ParseHeader(params[0].Hex, params[0].Height)
	if err != nil {
		return err
	}
	r.bestHeight.Store(hdr.Height)
	r.hashMu.Lock()
	r.bestHash = hdr.Hash
	r.hashMu.Unlock()
	return nil
}

// HandleScriptHash enqueues a reconcile for a blockchain.scripthash.subscribe
// notification, whose params are [scripthash, status]. Scripthashes we
// don't recognize (not one of ours, or already retired) are ignored.
func (r *Router) HandleScriptHash(raw json.RawMessage) error {
	var params []*string
	if err := json.Unmarshal(raw, &params); err != nil {
		return fmt.Errorf("indexer: parse scripthash notification: %w", err)
	}
	if len(params) < 1 || params[0] == nil {
		return fmt.Errorf("indexer: scripthash notification missing scripthash")
	}
	scripthash := *params[0]
	var status string
	if len(params) > 1 && params[1] != nil {
		status = *params[1]
	}

	txn := r.store.Begin(false)
	script, err := txn.ScriptByScriptHash(scripthash)
	txn.Rollback()
	if err != nil {
		return err
	}
	if script == nil {
		return nil
	}

	r.idx.Enqueue(script.ID, status)
	return nil
}
