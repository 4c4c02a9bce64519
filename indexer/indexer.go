// Package indexer routes Electrum notifications and reconciles the
// Store's Script/UTXO/Tx rows against what the Electrum server reports.
package indexer

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"github.com/cryptoadvance/spectrum-go/chain"
	"github.com/cryptoadvance/spectrum-go/electrum"
	"github.com/cryptoadvance/spectrum-go/store"
	"github.com/cryptoadvance/spectrum-go/txcache"
)

// ErrSyncInProgress is returned by FullSync when one is already running.
var ErrSyncInProgress = errors.New("indexer: full sync already running")

const reconcileTimeout = 30 * time.Second

// fullSyncWorkers bounds how many scripts FullSync reconciles
// concurrently. Writes for a single script are still serialized,
// trivially here since each script appears as exactly one job.
const fullSyncWorkers = 8

// ElectrumClient is the subset of electrum.Client the indexer depends on,
// accepted as an interface so tests can supply a fake server response set
// without a real socket.
type ElectrumClient interface {
	ListUnspent(ctx context.Context, scripthash string) ([]electrum.UTXO, error)
	GetBalance(ctx context.Context, scripthash string) (*electrum.Balance, error)
	GetHistory(ctx context.Context, scripthash string) ([]electrum.HistoryEntry, error)
	GetBlockHeader(ctx context.Context, height int64) (string, error)
	GetTransaction(ctx context.Context, txid string) (string, error)
	Subscribe(ctx context.Context, scripthash string) (*string, error)
}

// Progress reports a full sync's completion state.
type Progress struct {
	Running   bool
	Total     int
	Done      int
	StartedAt time.Time
}

// Percent returns the completion percentage, or 0 if Total is 0.
func (p Progress) Percent() float64 {
	if p.Total == 0 {
		return 0
	}
	return 100 * float64(p.Done) / float64(p.Total)
}

// Rate returns scripts reconciled per second since StartedAt.
func (p Progress) Rate() float64 {
	elapsed := time.Since(p.StartedAt).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(p.Done) / elapsed
}

type reconcileTask struct {
	scriptID uint64
	newState string
	gen      uint64
}

// Indexer reconciles Script/UTXO/Tx rows in the Store against Electrum.
type Indexer struct {
	store  *store.Store
	client ElectrumClient
	cache  *txcache.Cache
	log    hclog.Logger

	fullSyncRunning atomic.Bool

	genMu sync.Mutex
	gen   map[uint64]uint64

	workCh  chan reconcileTask
	closeCh chan struct{}
	wg      sync.WaitGroup

	progMu sync.Mutex
	prog   Progress
}

// New constructs an Indexer and starts its reconcile worker.
func New(st *store.Store, client ElectrumClient, cache *txcache.Cache, log hclog.Logger) *Indexer {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	ix := &Indexer{
		store:   st,
		client:  client,
		cache:   cache,
		log:     log,
		gen:     make(map[uint64]uint64),
		workCh:  make(chan reconcileTask, 256),
		closeCh: make(chan struct{}),
	}
	ix.wg.Add(1)
	go ix.reconcileWorker()
	return ix
}

// Close stops the reconcile worker.
func (ix *Indexer) Close() {
	close(ix.closeCh)
	ix.wg.Wait()
}

// Progress returns the current (or most recent) full sync's progress.
func (ix *Indexer) Progress() Progress {
	ix.progMu.Lock()
	defer ix.progMu.Unlock()
	return ix.prog
}

// Enqueue schedules an asynchronous reconcile for scriptID against
// newState. Each call bumps a per-script generation counter so that if a
// second notification arrives before the first is processed, the stale
// one is dropped by the worker instead of racing it.
func (ix *Indexer) Enqueue(scriptID uint64, newState string) {
	ix.genMu.Lock()
	ix.gen[scriptID]++
	g := ix.gen[scriptID]
	ix.genMu.Unlock()

	select {
	case ix.workCh <- reconcileTask{scriptID: scriptID, newState: newState, gen: g}:
	default:
		ix.log.Warn("indexer: work queue full, dropping reconcile", "script_id", scriptID)
	}
}

func (ix *Indexer) reconcileWorker() {
	defer ix.wg.Done()
	for {
		select {
		case <-ix.closeCh:
			return
		case task := <-ix.workCh:
			ix.genMu.Lock()
			current := ix.gen[task.scriptID]
			ix.genMu.Unlock()
			if task.gen != current {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), reconcileTimeout)
			if err := ix.Reconcile(ctx, task.scriptID, task.newState); err != nil {
				ix.log.Warn("indexer: reconcile failed", "script_id", task.scriptID, "error", err)
			}
			cancel()
		}
	}
}

type txRecord struct {
	txid        string
	blockHash   string
	height      *int64
	blockTime   *time.Time
	replaceable bool
	category    store.TxCategory
	vout        uint32
	amount      int64
}

// Reconcile brings one script's rows in line with a freshly-observed
// status hash: refetch listunspent/balance/history,
// classify each history entry, then reconcile Tx rows and UTXO rows before
// committing the script's new state and balances.
func (ix *Indexer) Reconcile(ctx context.Context, scriptID uint64, newState string) error {
	rtxn := ix.store.Begin(false)
	script, err := rtxn.GetScript(scriptID)
	rtxn.Rollback()
	if err != nil {
		return err
	}
	if script == nil {
		return fmt.Errorf("indexer: unknown script %d", scriptID)
	}

	currentState := ""
	if script.State != nil {
		currentState = *script.State
	}
	if currentState == newState {
		return nil
	}

	internal, err := ix.descriptorInternal(script.DescriptorID)
	if err != nil {
		return err
	}

	unspent, err := ix.client.ListUnspent(ctx, script.ScriptHash)
	if err != nil {
		return fmt.Errorf("indexer: listunspent: %w", err)
	}
	balance, err := ix.client.GetBalance(ctx, script.ScriptHash)
	if err != nil {
		return fmt.Errorf("indexer: get_balance: %w", err)
	}
	history, err := ix.client.GetHistory(ctx, script.ScriptHash)
	if err != nil {
		return fmt.Errorf("indexer: get_history: %w", err)
	}

	records, err := ix.classifyHistory(ctx, script, history, internal)
	if err != nil {
		return err
	}

	return ix.commitReconcile(script, newState, balance, records, unspent)
}

func (ix *Indexer) descriptorInternal(descriptorID uint64) (bool, error) {
	if descriptorID == 0 {
		return false, nil
	}
	txn := ix.store.Begin(false)
	desc, err := txn.GetDescriptorByID(descriptorID)
	txn.Rollback()
	if err != nil {
		return false, err
	}
	if desc == nil {
		return false, nil
	}
	return desc.Internal, nil
}

func (ix *Indexer) classifyHistory(ctx context.Context, script *store.Script, history []electrum.HistoryEntry, internal bool) ([]txRecord, error) {
	headers := make(map[int64]*chain.Header)
	records := make([]txRecord, 0, len(history))

	for _, h := range history {
		rec := txRecord{txid: h.TxHash}

		if h.Height > 0 {
			hdr, ok := headers[h.Height]
			if !ok {
				headerHex, err := ix.client.GetBlockHeader(ctx, h.Height)
				if err != nil {
					return nil, fmt.Errorf("indexer: block header at %d: %w", h.Height, err)
				}
				parsed, err := chain.ParseHeader(headerHex, h.Height)
				if err != nil {
					return nil, fmt.Errorf("indexer: parse header at %d: %w", h.Height, err)
				}
				headers[h.Height] = parsed
				hdr = parsed
			}
			height := h.Height
			ts := hdr.Timestamp
			rec.blockHash = hdr.Hash
			rec.height = &height
			rec.blockTime = &ts
		}

		msgTx, err := ix.fetchTx(ctx, h.TxHash)
		if err != nil {
			return nil, err
		}

		replaceable := false
		for _, in := range msgTx.TxIn {
			if in.Sequence < 0xFFFFFFFE {
				replaceable = true
				break
			}
		}
		rec.replaceable = replaceable

		matched := -1
		for i, out := range msgTx.TxOut {
			if bytes.Equal(out.PkScript, script.ScriptBytes) {
				matched = i
				break
			}
		}
		if matched < 0 {
			var sumOut int64
			for _, out := range msgTx.TxOut {
				sumOut += out.Value
			}
			rec.category = store.CategorySend
			rec.amount = -sumOut
			rec.vout = 0
		} else {
			rec.vout = uint32(matched)
			rec.amount = msgTx.TxOut[matched].Value
			if internal {
				rec.category = store.CategoryChange
			} else {
				rec.category = store.CategoryReceive
			}
		}

		records = append(records, rec)
	}

	return records, nil
}

func (ix *Indexer) fetchTx(ctx context.Context, txid string) (*wire.MsgTx, error) {
	rawHex, err := ix.cache.Get(txid)
	if err != nil {
		if !errors.Is(err, txcache.ErrNotCached) {
			return nil, err
		}
		rawHex, err = ix.client.GetTransaction(ctx, txid)
		if err != nil {
			return nil, fmt.Errorf("indexer: transaction.get %s: %w", txid, err)
		}
		if err := ix.cache.Put(txid, rawHex); err != nil {
			return nil, err
		}
	}

	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		return nil, fmt.Errorf("%w: decode raw tx %s", electrum.ErrProtocol, txid)
	}
	var msgTx wire.MsgTx
	if err := msgTx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("%w: parse tx %s: %v", electrum.ErrProtocol, txid, err)
	}
	return &msgTx, nil
}

func (ix *Indexer) commitReconcile(script *store.Script, newState string, balance *electrum.Balance, records []txRecord, unspent []electrum.UTXO) error {
	wtxn := ix.store.Begin(true)

	if err := reconcileTxs(wtxn, script, records); err != nil {
		wtxn.Rollback()
		return err
	}
	if err := reconcileUTXOs(wtxn, script, unspent); err != nil {
		wtxn.Rollback()
		return err
	}

	state := newState
	script.State = &state
	script.Confirmed = balance.Confirmed
	script.Unconfirmed = balance.Unconfirmed
	if err := wtxn.PutScript(script); err != nil {
		wtxn.Rollback()
		return err
	}

	return wtxn.Commit()
}

func reconcileTxs(wtxn *store.Txn, script *store.Script, records []txRecord) error {
	existing, err := wtxn.TxsByScript(script.ID)
	if err != nil {
		return err
	}
	byTxid := make(map[string]*store.Tx, len(existing))
	for _, e := range existing {
		byTxid[e.TxID] = e
	}

	seen := make(map[string]bool, len(records))
	for _, r := range records {
		seen[r.txid] = true
	}
	for _, e := range existing {
		if !seen[e.TxID] {
			if err := wtxn.DeleteTx(e); err != nil {
				return err
			}
		}
	}

	for _, r := range records {
		row := byTxid[r.txid]
		if row == nil {
			row = &store.Tx{ScriptID: script.ID, WalletID: script.WalletID, TxID: r.txid}
		}
		row.BlockHash = r.blockHash
		row.Height = r.height
		row.BlockTime = r.blockTime
		row.Replaceable = r.replaceable
		row.Category = r.category
		row.Vout = r.vout
		row.Amount = r.amount
		if err := wtxn.PutTx(row); err != nil {
			return err
		}
	}
	return nil
}

func utxoKey(txid string, vout uint32) string {
	return fmt.Sprintf("%s:%d", txid, vout)
}

func reconcileUTXOs(wtxn *store.Txn, script *store.Script, unspent []electrum.UTXO) error {
	existing, err := wtxn.UTXOsByScript(script.ID)
	if err != nil {
		return err
	}
	byKey := make(map[string]*store.UTXO, len(existing))
	for _, e := range existing {
		byKey[utxoKey(e.TxID, e.Vout)] = e
	}

	fresh := make(map[string]electrum.UTXO, len(unspent))
	for _, u := range unspent {
		fresh[utxoKey(u.TxHash, uint32(u.TxPos))] = u
	}

	for key, e := range byKey {
		if _, ok := fresh[key]; !ok {
			if err := wtxn.DeleteUTXO(e); err != nil {
				return err
			}
		}
	}

	for key, u := range fresh {
		row := byKey[key]
		if row == nil {
			row = &store.UTXO{ScriptID: script.ID, WalletID: script.WalletID, TxID: u.TxHash, Vout: uint32(u.TxPos)}
		}
		row.Amount = u.Value
		if u.Height > 0 {
			h := u.Height
			row.Height = &h
		} else {
			row.Height = nil
		}
		if err := wtxn.PutUTXO(row); err != nil {
			return err
		}
	}
	return nil
}

// FullSync iterates every pre-generated script and reconciles any whose
// subscribed status differs from what's stored, reentrancy-guarded so only
// one full sync runs at a time. A Timeout aborts the sync but leaves
// whatever was already reconciled intact.
func (ix *Indexer) FullSync(ctx context.Context) error {
	if !ix.fullSyncRunning.CompareAndSwap(false, true) {
		return ErrSyncInProgress
	}
	defer ix.fullSyncRunning.Store(false)

	rtxn := ix.store.Begin(false)
	all, err := rtxn.ListScripts()
	rtxn.Rollback()
	if err != nil {
		return err
	}

	var targets []*store.Script
	for _, s := range all {
		if s.HasIndex {
			targets = append(targets, s)
		}
	}

	ix.progMu.Lock()
	ix.prog = Progress{Running: true, Total: len(targets), StartedAt: time.Now()}
	ix.progMu.Unlock()

	// Reconciles for different scripts run in parallel over a bounded
	// worker pool; each script is only ever handed to one worker, so
	// writes for a single script are still serialized.
	syncCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	workers := fullSyncWorkers
	if workers > len(targets) {
		workers = len(targets)
	}

	jobs := make(chan *store.Script)
	var wg sync.WaitGroup
	var done atomic.Int64
	var timedOut atomic.Bool
	var errMu sync.Mutex
	var merr *multierror.Error

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for s := range jobs {
				if err := ix.syncOne(syncCtx, s); err != nil {
					if errors.Is(err, electrum.ErrTimeout) {
						timedOut.Store(true)
						cancel()
					} else {
						ix.log.Warn("indexer: full sync reconcile failed", "script_id", s.ID, "error", err)
						errMu.Lock()
						merr = multierror.Append(merr, fmt.Errorf("script %d: %w", s.ID, err))
						errMu.Unlock()
					}
				}
				n := done.Add(1)
				ix.progMu.Lock()
				ix.prog.Done = int(n)
				ix.progMu.Unlock()
			}
		}()
	}

feed:
	for _, s := range targets {
		select {
		case jobs <- s:
		case <-syncCtx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	ix.progMu.Lock()
	ix.prog.Running = false
	ix.progMu.Unlock()

	if timedOut.Load() {
		return fmt.Errorf("indexer: full sync aborted: %w", electrum.ErrTimeout)
	}
	return merr.ErrorOrNil()
}

// SyncDescriptor reconciles every script belonging to one descriptor
// chain, used right after an import.
func (ix *Indexer) SyncDescriptor(ctx context.Context, descriptorID uint64) error {
	rtxn := ix.store.Begin(false)
	scripts, err := rtxn.ScriptsByDescriptor(descriptorID)
	rtxn.Rollback()
	if err != nil {
		return err
	}
	for _, s := range scripts {
		if err := ix.syncOne(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

func (ix *Indexer) syncOne(ctx context.Context, s *store.Script) error {
	status, err := ix.client.Subscribe(ctx, s.ScriptHash)
	if err != nil {
		return fmt.Errorf("indexer: subscribe %s: %w", s.ScriptHash, err)
	}
	newState := ""
	if status != nil {
		newState = *status
	}
	current := ""
	if s.State != nil {
		current = *s.State
	}
	if newState == current {
		return nil
	}
	return ix.Reconcile(ctx, s.ID, newState)
}
