package store

import (
	"sync/atomic"

	"github.com/hashicorp/go-memdb"
)

const (
	tableWallets     = "wallets"
	tableDescriptors = "descriptors"
	tableScripts     = "scripts"
	tableUTXOs       = "utxos"
	tableTxs         = "txs"
)

func schema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableWallets: {
				Name: tableWallets,
				Indexes: map[string]*memdb.IndexSchema{
					"id":   {Name: "id", Unique: true, Indexer: &memdb.UintFieldIndex{Field: "ID"}},
					"name": {Name: "name", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "Name"}},
				},
			},
			tableDescriptors: {
				Name: tableDescriptors,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {Name: "id", Unique: true, Indexer: &memdb.UintFieldIndex{Field: "ID"}},
					"wallet": {Name: "wallet", Indexer: &memdb.UintFieldIndex{Field: "WalletID"}},
					"wallet_internal": {
						Name: "wallet_internal",
						Indexer: &memdb.CompoundIndex{
							Indexes: []memdb.Indexer{
								&memdb.UintFieldIndex{Field: "WalletID"},
								&memdb.BoolFieldIndex{Field: "Internal"},
							},
						},
					},
				},
			},
			tableScripts: {
				Name: tableScripts,
				Indexes: map[string]*memdb.IndexSchema{
					"id":         {Name: "id", Unique: true, Indexer: &memdb.UintFieldIndex{Field: "ID"}},
					"scripthash": {Name: "scripthash", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "ScriptHash"}},
					"wallet":     {Name: "wallet", Indexer: &memdb.UintFieldIndex{Field: "WalletID"}},
					"descriptor": {Name: "descriptor", Indexer: &memdb.UintFieldIndex{Field: "DescriptorID"}},
				},
			},
			tableUTXOs: {
				Name: tableUTXOs,
				Indexes: map[string]*memdb.IndexSchema{
					"id":     {Name: "id", Unique: true, Indexer: &memdb.UintFieldIndex{Field: "ID"}},
					"script": {Name: "script", Indexer: &memdb.UintFieldIndex{Field: "ScriptID"}},
					"wallet": {Name: "wallet", Indexer: &memdb.UintFieldIndex{Field: "WalletID"}},
					"outpoint": {
						Name: "outpoint",
						Indexer: &memdb.CompoundIndex{
							Indexes: []memdb.Indexer{
								&memdb.StringFieldIndex{Field: "TxID"},
								&memdb.UintFieldIndex{Field: "Vout"},
							},
						},
					},
				},
			},
			tableTxs: {
				Name: tableTxs,
				Indexes: map[string]*memdb.IndexSchema{
					"id":     {Name: "id", Unique: true, Indexer: &memdb.UintFieldIndex{Field: "ID"}},
					"script": {Name: "script", Indexer: &memdb.UintFieldIndex{Field: "ScriptID"}},
					"wallet": {Name: "wallet", Indexer: &memdb.UintFieldIndex{Field: "WalletID"}},
					"script_txid": {
						Name:   "script_txid",
						Unique: true,
						Indexer: &memdb.CompoundIndex{
							Indexes: []memdb.Indexer{
								&memdb.UintFieldIndex{Field: "ScriptID"},
								&memdb.StringFieldIndex{Field: "TxID"},
							},
						},
					},
				},
			},
		},
	}
}

// Store is the transactional persistence surface used by every other
// subsystem. One process owns one Store.
type Store struct {
	db *memdb.MemDB

	nextWalletID     atomic.Uint64
	nextDescriptorID atomic.Uint64
	nextScriptID     atomic.Uint64
	nextUTXOID       atomic.Uint64
	nextTxID         atomic.Uint64
}

// New creates an empty, in-memory transactional store.
func New() (*Store, error) {
	db, err := memdb.NewMemDB(schema())
	if err != nil {
		return nil, wrapErr("new", err)
	}
	return &Store{db: db}, nil
}

// Begin starts a new transaction. Write transactions serialize against
// each other; read transactions never block and never block writers.
func (s *Store) Begin(write bool) *Txn {
	return &Txn{store: s, txn: s.db.Txn(write), write: write}
}

// Txn is a single store transaction bound to a snapshot of the data.
type Txn struct {
	store *Store
	txn   *memdb.Txn
	write bool
	done  bool
}

// Commit finalizes a write transaction, or releases a read transaction.
func (t *Txn) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	if t.write {
		t.txn.Commit()
	} else {
		t.txn.Abort()
	}
	return nil
}

// Rollback discards every change made within the transaction.
func (t *Txn) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.txn.Abort()
	return nil
}
