package store

// memdb shares objects between the radix tree and callers, so every
// accessor hands out a copy and every Put inserts one: mutating a fetched
// row never leaks into committed state outside its transaction.

// PutWallet inserts or updates a wallet. A zero ID allocates a new one.
func (t *Txn) PutWallet(w *Wallet) error {
	if w.ID == 0 {
		w.ID = t.store.nextWalletID.Add(1)
	}
	cp := *w
	if err := t.txn.Insert(tableWallets, &cp); err != nil {
		return wrapErr("put_wallet", err)
	}
	return nil
}

// GetWallet looks up a wallet by name. Returns (nil, nil) if absent.
func (t *Txn) GetWallet(name string) (*Wallet, error) {
	raw, err := t.txn.First(tableWallets, "name", name)
	if err != nil {
		return nil, wrapErr("get_wallet", err)
	}
	if raw == nil {
		return nil, nil
	}
	cp := *raw.(*Wallet)
	return &cp, nil
}

// ListWallets returns every wallet in the store.
func (t *Txn) ListWallets() ([]*Wallet, error) {
	it, err := t.txn.Get(tableWallets, "id")
	if err != nil {
		return nil, wrapErr("list_wallets", err)
	}
	var out []*Wallet
	for raw := it.Next(); raw != nil; raw = it.Next() {
		cp := *raw.(*Wallet)
		out = append(out, &cp)
	}
	return out, nil
}

// GetWalletByID looks up a wallet by id. Returns (nil, nil) if absent.
func (t *Txn) GetWalletByID(id uint64) (*Wallet, error) {
	raw, err := t.txn.First(tableWallets, "id", id)
	if err != nil {
		return nil, wrapErr("get_wallet_by_id", err)
	}
	if raw == nil {
		return nil, nil
	}
	cp := *raw.(*Wallet)
	return &cp, nil
}

// PutDescriptor inserts or updates a descriptor chain. A zero ID allocates
// a new one.
func (t *Txn) PutDescriptor(d *Descriptor) error {
	if d.ID == 0 {
		d.ID = t.store.nextDescriptorID.Add(1)
	}
	cp := *d
	if err := t.txn.Insert(tableDescriptors, &cp); err != nil {
		return wrapErr("put_descriptor", err)
	}
	return nil
}

// ActiveDescriptor returns the active descriptor chain for a wallet on the
// given side (internal/change vs external/receive). Returns (nil, nil) if
// no active chain has been imported yet.
func (t *Txn) ActiveDescriptor(walletID uint64, internal bool) (*Descriptor, error) {
	it, err := t.txn.Get(tableDescriptors, "wallet_internal", walletID, internal)
	if err != nil {
		return nil, wrapErr("active_descriptor", err)
	}
	for raw := it.Next(); raw != nil; raw = it.Next() {
		d := raw.(*Descriptor)
		if d.Active {
			cp := *d
			return &cp, nil
		}
	}
	return nil, nil
}

// DescriptorsByWallet returns every descriptor chain ever imported for a
// wallet, active or retired.
func (t *Txn) DescriptorsByWallet(walletID uint64) ([]*Descriptor, error) {
	it, err := t.txn.Get(tableDescriptors, "wallet", walletID)
	if err != nil {
		return nil, wrapErr("descriptors_by_wallet", err)
	}
	var out []*Descriptor
	for raw := it.Next(); raw != nil; raw = it.Next() {
		cp := *raw.(*Descriptor)
		out = append(out, &cp)
	}
	return out, nil
}

// GetDescriptorByID looks up a descriptor chain by id. Returns (nil, nil)
// if absent.
func (t *Txn) GetDescriptorByID(id uint64) (*Descriptor, error) {
	raw, err := t.txn.First(tableDescriptors, "id", id)
	if err != nil {
		return nil, wrapErr("get_descriptor_by_id", err)
	}
	if raw == nil {
		return nil, nil
	}
	cp := *raw.(*Descriptor)
	return &cp, nil
}

// PutScript inserts or updates a watched script. A zero ID allocates a new
// one.
func (t *Txn) PutScript(s *Script) error {
	if s.ID == 0 {
		s.ID = t.store.nextScriptID.Add(1)
	}
	cp := *s
	if err := t.txn.Insert(tableScripts, &cp); err != nil {
		return wrapErr("put_script", err)
	}
	return nil
}

// GetScript looks up a script by id. Returns (nil, nil) if absent.
func (t *Txn) GetScript(id uint64) (*Script, error) {
	raw, err := t.txn.First(tableScripts, "id", id)
	if err != nil {
		return nil, wrapErr("get_script", err)
	}
	if raw == nil {
		return nil, nil
	}
	cp := *raw.(*Script)
	return &cp, nil
}

// ScriptByScriptHash looks up the script watched under an Electrum
// scripthash. Returns (nil, nil) if the scripthash is not ours.
func (t *Txn) ScriptByScriptHash(scriptHash string) (*Script, error) {
	raw, err := t.txn.First(tableScripts, "scripthash", scriptHash)
	if err != nil {
		return nil, wrapErr("script_by_scripthash", err)
	}
	if raw == nil {
		return nil, nil
	}
	cp := *raw.(*Script)
	return &cp, nil
}

// ScriptsByWallet returns every script watched on behalf of a wallet.
func (t *Txn) ScriptsByWallet(walletID uint64) ([]*Script, error) {
	it, err := t.txn.Get(tableScripts, "wallet", walletID)
	if err != nil {
		return nil, wrapErr("scripts_by_wallet", err)
	}
	var out []*Script
	for raw := it.Next(); raw != nil; raw = it.Next() {
		cp := *raw.(*Script)
		out = append(out, &cp)
	}
	return out, nil
}

// ScriptsByDescriptor returns every script derived from a descriptor chain.
func (t *Txn) ScriptsByDescriptor(descriptorID uint64) ([]*Script, error) {
	it, err := t.txn.Get(tableScripts, "descriptor", descriptorID)
	if err != nil {
		return nil, wrapErr("scripts_by_descriptor", err)
	}
	var out []*Script
	for raw := it.Next(); raw != nil; raw = it.Next() {
		cp := *raw.(*Script)
		out = append(out, &cp)
	}
	return out, nil
}

// ListScripts returns every script across every wallet, active or not.
func (t *Txn) ListScripts() ([]*Script, error) {
	it, err := t.txn.Get(tableScripts, "id")
	if err != nil {
		return nil, wrapErr("list_scripts", err)
	}
	var out []*Script
	for raw := it.Next(); raw != nil; raw = it.Next() {
		cp := *raw.(*Script)
		out = append(out, &cp)
	}
	return out, nil
}

// PutUTXO inserts or updates an unspent output. A zero ID allocates a new
// one.
func (t *Txn) PutUTXO(u *UTXO) error {
	if u.ID == 0 {
		u.ID = t.store.nextUTXOID.Add(1)
	}
	cp := *u
	if err := t.txn.Insert(tableUTXOs, &cp); err != nil {
		return wrapErr("put_utxo", err)
	}
	return nil
}

// UTXOsByScript returns every UTXO currently attributed to a script.
func (t *Txn) UTXOsByScript(scriptID uint64) ([]*UTXO, error) {
	it, err := t.txn.Get(tableUTXOs, "script", scriptID)
	if err != nil {
		return nil, wrapErr("utxos_by_script", err)
	}
	var out []*UTXO
	for raw := it.Next(); raw != nil; raw = it.Next() {
		cp := *raw.(*UTXO)
		out = append(out, &cp)
	}
	return out, nil
}

// UTXOsByWallet returns every UTXO belonging to a wallet, across all of its
// scripts.
func (t *Txn) UTXOsByWallet(walletID uint64) ([]*UTXO, error) {
	it, err := t.txn.Get(tableUTXOs, "wallet", walletID)
	if err != nil {
		return nil, wrapErr("utxos_by_wallet", err)
	}
	var out []*UTXO
	for raw := it.Next(); raw != nil; raw = it.Next() {
		cp := *raw.(*UTXO)
		out = append(out, &cp)
	}
	return out, nil
}

// DeleteUTXO removes a UTXO, typically because it was just spent.
func (t *Txn) DeleteUTXO(u *UTXO) error {
	if err := t.txn.Delete(tableUTXOs, u); err != nil {
		return wrapErr("delete_utxo", err)
	}
	return nil
}

// PutTx inserts or updates a transaction record for a script. A zero ID
// allocates a new one.
func (t *Txn) PutTx(tx *Tx) error {
	if tx.ID == 0 {
		tx.ID = t.store.nextTxID.Add(1)
	}
	cp := *tx
	if err := t.txn.Insert(tableTxs, &cp); err != nil {
		return wrapErr("put_tx", err)
	}
	return nil
}

// TxsByScript returns every transaction recorded against a script.
func (t *Txn) TxsByScript(scriptID uint64) ([]*Tx, error) {
	it, err := t.txn.Get(tableTxs, "script", scriptID)
	if err != nil {
		return nil, wrapErr("txs_by_script", err)
	}
	var out []*Tx
	for raw := it.Next(); raw != nil; raw = it.Next() {
		cp := *raw.(*Tx)
		out = append(out, &cp)
	}
	return out, nil
}

// TxsByWallet returns every transaction recorded against any script owned
// by a wallet.
func (t *Txn) TxsByWallet(walletID uint64) ([]*Tx, error) {
	it, err := t.txn.Get(tableTxs, "wallet", walletID)
	if err != nil {
		return nil, wrapErr("txs_by_wallet", err)
	}
	var out []*Tx
	for raw := it.Next(); raw != nil; raw = it.Next() {
		cp := *raw.(*Tx)
		out = append(out, &cp)
	}
	return out, nil
}

// DeleteTx removes a transaction record, typically during reorg handling.
func (t *Txn) DeleteTx(tx *Tx) error {
	if err := t.txn.Delete(tableTxs, tx); err != nil {
		return wrapErr("delete_tx", err)
	}
	return nil
}

// SumConfirmed totals the confirmed balance across every script owned by a
// wallet, in satoshis.
func (t *Txn) SumConfirmed(walletID uint64) (int64, error) {
	scripts, err := t.ScriptsByWallet(walletID)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, s := range scripts {
		total += s.Confirmed
	}
	return total, nil
}

// SumUnconfirmed totals the unconfirmed balance across every script owned
// by a wallet, in satoshis.
func (t *Txn) SumUnconfirmed(walletID uint64) (int64, error) {
	scripts, err := t.ScriptsByWallet(walletID)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, s := range scripts {
		total += s.Unconfirmed
	}
	return total, nil
}
