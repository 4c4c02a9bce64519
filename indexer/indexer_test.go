package indexer

import (
	"bytes"
	"context"
	"encoding/hex"
	"testing"
	"time"

	"github.com/btcsuite/btcd/wire"

	"github.com/cryptoadvance/spectrum-go/electrum"
	"github.com/cryptoadvance/spectrum-go/store"
	"github.com/cryptoadvance/spectrum-go/txcache"
)

// fakeClient is a hand-wired ElectrumClient used to drive Reconcile without
// a real server.
type fakeClient struct {
	unspent []electrum.UTXO
	balance electrum.Balance
	history []electrum.HistoryEntry
	headers map[int64]string
	rawtx   map[string]string

	subscribeStatus map[string]*string
	subscribeErr    error
}

func (f *fakeClient) ListUnspent(ctx context.Context, scripthash string) ([]electrum.UTXO, error) {
	return f.unspent, nil
}

func (f *fakeClient) GetBalance(ctx context.Context, scripthash string) (*electrum.Balance, error) {
	b := f.balance
	return &b, nil
}

func (f *fakeClient) GetHistory(ctx context.Context, scripthash string) ([]electrum.HistoryEntry, error) {
	return f.history, nil
}

func (f *fakeClient) GetBlockHeader(ctx context.Context, height int64) (string, error) {
	return f.headers[height], nil
}

func (f *fakeClient) GetTransaction(ctx context.Context, txid string) (string, error) {
	return f.rawtx[txid], nil
}

func (f *fakeClient) Subscribe(ctx context.Context, scripthash string) (*string, error) {
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	return f.subscribeStatus[scripthash], nil
}

func rawTxHex(t *testing.T, outputs []wire.TxOut, sequence uint32) string {
	t.Helper()
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{},
		Sequence:         sequence,
	})
	for _, out := range outputs {
		o := out
		tx.AddTxOut(&o)
	}
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		t.Fatalf("serialize tx: %v", err)
	}
	return hex.EncodeToString(buf.Bytes())
}

func newTestIndexer(t *testing.T, client ElectrumClient) (*Indexer, *store.Store) {
	t.Helper()
	st, err := store.New()
	if err != nil {
		t.Fatalf("store.New() error: %v", err)
	}
	dir := t.TempDir()
	cache, err := txcache.New(dir)
	if err != nil {
		t.Fatalf("txcache.New() error: %v", err)
	}
	ix := New(st, client, cache, nil)
	t.Cleanup(ix.Close)
	return ix, st
}

func setupScript(t *testing.T, st *store.Store, internal bool, scriptBytes []byte) (*store.Script, *store.Descriptor) {
	t.Helper()
	txn := st.Begin(true)
	w := &store.Wallet{Name: "default"}
	if err := txn.PutWallet(w); err != nil {
		t.Fatalf("PutWallet() error: %v", err)
	}
	desc := &store.Descriptor{WalletID: w.ID, Internal: internal, Active: true}
	if err := txn.PutDescriptor(desc); err != nil {
		t.Fatalf("PutDescriptor() error: %v", err)
	}
	sc := &store.Script{
		WalletID:     w.ID,
		DescriptorID: desc.ID,
		ScriptHash:   "scripthash1",
		ScriptBytes:  scriptBytes,
	}
	if err := txn.PutScript(sc); err != nil {
		t.Fatalf("PutScript() error: %v", err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("Commit() error: %v", err)
	}
	return sc, desc
}

func TestReconcileClassifiesReceive(t *testing.T) {
	myScript := []byte{0x00, 0x14, 0x01, 0x02, 0x03}
	otherScript := []byte{0x00, 0x14, 0x09, 0x09, 0x09}

	client := &fakeClient{
		unspent: []electrum.UTXO{{TxHash: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", TxPos: 0, Height: 0, Value: 5000}},
		balance: electrum.Balance{Confirmed: 0, Unconfirmed: 5000},
		history: []electrum.HistoryEntry{{TxHash: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", Height: 0}},
		headers: map[int64]string{},
		rawtx:   map[string]string{},
	}

	ix, st := newTestIndexer(t, client)
	sc, _ := setupScript(t, st, false, myScript)

	client.rawtx["aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"] = rawTxHex(t, []wire.TxOut{
		{Value: 5000, PkScript: myScript},
		{Value: 1000, PkScript: otherScript},
	}, wire.MaxTxInSequenceNum)

	if err := ix.Reconcile(context.Background(), sc.ID, "status1"); err != nil {
		t.Fatalf("Reconcile() error: %v", err)
	}

	txn := st.Begin(false)
	defer txn.Rollback()
	txs, err := txn.TxsByScript(sc.ID)
	if err != nil {
		t.Fatalf("TxsByScript() error: %v", err)
	}
	if len(txs) != 1 {
		t.Fatalf("TxsByScript() = %d rows, want 1", len(txs))
	}
	if txs[0].Category != store.CategoryReceive {
		t.Fatalf("Category = %s, want RECEIVE", txs[0].Category)
	}
	if txs[0].Amount != 5000 {
		t.Fatalf("Amount = %d, want 5000", txs[0].Amount)
	}
	if txs[0].Replaceable {
		t.Fatal("Replaceable = true, want false (max sequence)")
	}

	utxos, err := txn.UTXOsByScript(sc.ID)
	if err != nil {
		t.Fatalf("UTXOsByScript() error: %v", err)
	}
	if len(utxos) != 1 || utxos[0].Amount != 5000 {
		t.Fatalf("UTXOsByScript() = %+v, want one utxo of 5000", utxos)
	}

	got, err := txn.GetScript(sc.ID)
	if err != nil {
		t.Fatalf("GetScript() error: %v", err)
	}
	if got.State == nil || *got.State != "status1" {
		t.Fatalf("State = %v, want status1", got.State)
	}
	if got.Unconfirmed != 5000 {
		t.Fatalf("Unconfirmed = %d, want 5000", got.Unconfirmed)
	}
}

func TestReconcileClassifiesChange(t *testing.T) {
	myScript := []byte{0x00, 0x14, 0xaa, 0xbb, 0xcc}

	client := &fakeClient{
		unspent: []electrum.UTXO{{TxHash: "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", TxPos: 0, Height: 0, Value: 2500}},
		balance: electrum.Balance{Unconfirmed: 2500},
		history: []electrum.HistoryEntry{{TxHash: "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", Height: 0}},
		headers: map[int64]string{},
		rawtx:   map[string]string{},
	}
	ix, st := newTestIndexer(t, client)
	sc, _ := setupScript(t, st, true, myScript)

	client.rawtx["bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"] = rawTxHex(t, []wire.TxOut{{Value: 2500, PkScript: myScript}}, wire.MaxTxInSequenceNum)

	if err := ix.Reconcile(context.Background(), sc.ID, "status2"); err != nil {
		t.Fatalf("Reconcile() error: %v", err)
	}

	txn := st.Begin(false)
	defer txn.Rollback()
	txs, err := txn.TxsByScript(sc.ID)
	if err != nil {
		t.Fatalf("TxsByScript() error: %v", err)
	}
	if len(txs) != 1 || txs[0].Category != store.CategoryChange {
		t.Fatalf("txs = %+v, want one CHANGE row", txs)
	}
}

func TestReconcileClassifiesSendWhenNoOutputMatches(t *testing.T) {
	myScript := []byte{0x00, 0x14, 0x01, 0x02, 0x03}
	theirScript := []byte{0x00, 0x14, 0x0a, 0x0b, 0x0c}

	client := &fakeClient{
		unspent: nil,
		balance: electrum.Balance{},
		history: []electrum.HistoryEntry{{TxHash: "cccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccc", Height: 0}},
		headers: map[int64]string{},
		rawtx:   map[string]string{},
	}
	ix, st := newTestIndexer(t, client)
	sc, _ := setupScript(t, st, false, myScript)

	client.rawtx["cccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccc"] = rawTxHex(t, []wire.TxOut{{Value: 7000, PkScript: theirScript}}, 0xfffffffd)

	if err := ix.Reconcile(context.Background(), sc.ID, "status3"); err != nil {
		t.Fatalf("Reconcile() error: %v", err)
	}

	txn := st.Begin(false)
	defer txn.Rollback()
	txs, err := txn.TxsByScript(sc.ID)
	if err != nil {
		t.Fatalf("TxsByScript() error: %v", err)
	}
	if len(txs) != 1 {
		t.Fatalf("TxsByScript() = %d rows, want 1", len(txs))
	}
	if txs[0].Category != store.CategorySend {
		t.Fatalf("Category = %s, want SEND", txs[0].Category)
	}
	if txs[0].Amount != -7000 {
		t.Fatalf("Amount = %d, want -7000", txs[0].Amount)
	}
	if !txs[0].Replaceable {
		t.Fatal("Replaceable = false, want true (sequence below 0xFFFFFFFE)")
	}
}

func TestReconcileCachesRawTx(t *testing.T) {
	myScript := []byte{0x00, 0x14, 0x01}
	client := &fakeClient{
		unspent: nil,
		balance: electrum.Balance{},
		history: []electrum.HistoryEntry{{TxHash: "dddddddddddddddddddddddddddddddddddddddddddddddddddddddddddddddd", Height: 0}},
		headers: map[int64]string{},
		rawtx:   map[string]string{"dddddddddddddddddddddddddddddddddddddddddddddddddddddddddddddddd": ""},
	}
	ix, st := newTestIndexer(t, client)
	sc, _ := setupScript(t, st, false, myScript)
	client.rawtx["dddddddddddddddddddddddddddddddddddddddddddddddddddddddddddddddd"] = rawTxHex(t, []wire.TxOut{{Value: 1, PkScript: myScript}}, wire.MaxTxInSequenceNum)

	if err := ix.Reconcile(context.Background(), sc.ID, "status4"); err != nil {
		t.Fatalf("Reconcile() error: %v", err)
	}
	if !ix.cache.Has("dddddddddddddddddddddddddddddddddddddddddddddddddddddddddddddddd") {
		t.Fatal("Has() = false, want cached after reconcile")
	}
}

func TestReconcileSkipsWhenStateUnchanged(t *testing.T) {
	myScript := []byte{0x00, 0x14, 0x01}
	client := &fakeClient{}
	ix, st := newTestIndexer(t, client)
	sc, _ := setupScript(t, st, false, myScript)

	state := "same"
	txn := st.Begin(true)
	sc.State = &state
	if err := txn.PutScript(sc); err != nil {
		t.Fatalf("PutScript() error: %v", err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("Commit() error: %v", err)
	}

	if err := ix.Reconcile(context.Background(), sc.ID, "same"); err != nil {
		t.Fatalf("Reconcile() error: %v", err)
	}
}

func TestFullSyncGuardsAgainstReentry(t *testing.T) {
	client := &fakeClient{}
	ix, _ := newTestIndexer(t, client)
	ix.fullSyncRunning.Store(true)
	defer ix.fullSyncRunning.Store(false)

	if err := ix.FullSync(context.Background()); err != ErrSyncInProgress {
		t.Fatalf("FullSync() = %v, want ErrSyncInProgress", err)
	}
}

func TestProgressPercentAndRate(t *testing.T) {
	p := Progress{Total: 4, Done: 2}
	if p.Percent() != 50 {
		t.Fatalf("Percent() = %v, want 50", p.Percent())
	}
	if (Progress{}).Percent() != 0 {
		t.Fatal("Percent() with Total=0 should be 0")
	}
	started := Progress{Total: 4, Done: 2, StartedAt: time.Now().Add(-2 * time.Second)}
	if r := started.Rate(); r <= 0 || r > 1 {
		t.Fatalf("Rate() = %v, want in (0, 1] for 2 scripts in at least 2s", r)
	}
}

