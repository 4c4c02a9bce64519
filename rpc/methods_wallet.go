package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"

	"github.com/cryptoadvance/spectrum-go/electrum"
	"github.com/cryptoadvance/spectrum-go/psbtbuilder"
	"github.com/cryptoadvance/spectrum-go/store"
)

// RegisterWalletMethods installs every wallet-scoped method.
func RegisterWalletMethods(d *Dispatcher) {
	d.Register("getwalletinfo", true, getWalletInfo)
	d.Register("rescanblockchain", true, rescanBlockchain)
	d.Register("importdescriptors", true, importDescriptors)
	d.Register("getnewaddress", true, getNewAddress)
	d.Register("getrawchangeaddress", true, getRawChangeAddress)
	d.Register("listlabels", true, listLabels)
	d.Register("setlabel", true, setLabel)
	d.Register("getaddressesbylabel", true, getAddressesByLabel)
	d.Register("gettransaction", true, getTransaction)
	d.Register("listtransactions", true, listTransactions)
	d.Register("getbalances", true, getBalances)
	d.Register("lockunspent", true, lockUnspent)
	d.Register("listlockunspent", true, listLockUnspent)
	d.Register("listunspent", true, listUnspent)
	d.Register("listsinceblock", true, listSinceBlock)
	d.Register("getreceivedbyaddress", true, getReceivedByAddress)
	d.Register("walletcreatefundedpsbt", true, walletCreateFundedPSBT)
	d.Register("walletprocesspsbt", true, walletProcessPSBT)
}

func getWalletInfo(ctx context.Context, d *Deps, walletName string, _ json.RawMessage) (interface{}, error) {
	w, err := getWallet(d.Store, walletName)
	if err != nil {
		return nil, err
	}
	rtxn := d.Store.Begin(false)
	confirmed, err := rtxn.SumConfirmed(w.ID)
	if err != nil {
		rtxn.Rollback()
		return nil, err
	}
	unconfirmed, err := rtxn.SumUnconfirmed(w.ID)
	rtxn.Rollback()
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"walletname":           w.Name,
		"private_keys_enabled": w.PrivateKeysEnabled,
		"balance":              satToBTC(confirmed),
		"unconfirmed_balance":  satToBTC(unconfirmed),
	}, nil
}

// rescanBlockchain triggers a full reconcile of every watched script. The
// height-range arguments Core accepts have no meaning here: there is no
// partial rescan mode, the indexer always reconciles against whatever
// Electrum currently reports.
func rescanBlockchain(ctx context.Context, d *Deps, walletName string, _ json.RawMessage) (interface{}, error) {
	if err := d.Indexer.FullSync(ctx); err != nil {
		return nil, err
	}
	return map[string]interface{}{"start_height": 0, "stop_height": d.Router.BestHeight()}, nil
}

type importDescriptorRequest struct {
	Desc      string `json:"desc"`
	Active    bool   `json:"active"`
	Internal  bool   `json:"internal"`
	Range     uint32 `json:"range"`
	NextIndex uint32 `json:"next_index"`
}

type importDescriptorsParams struct {
	Requests []importDescriptorRequest `json:"requests"`
}

func importDescriptors(ctx context.Context, d *Deps, walletName string, params json.RawMessage) (interface{}, error) {
	var p importDescriptorsParams
	if err := bindParams(params, []string{"requests"}, &p); err != nil {
		return nil, err
	}
	results := make([]map[string]interface{}, 0, len(p.Requests))
	for _, req := range p.Requests {
		_, err := d.Wallet.ImportDescriptor(ctx, walletName, req.Desc, req.Internal, req.Active, req.Range, req.NextIndex)
		if err != nil {
			results = append(results, map[string]interface{}{"success": false, "error": mapError(err)})
			continue
		}
		results = append(results, map[string]interface{}{"success": true})
	}
	return results, nil
}

type labelParams struct {
	Label string `json:"label"`
}

func getNewAddress(ctx context.Context, d *Deps, walletName string, params json.RawMessage) (interface{}, error) {
	var p labelParams
	if err := bindParams(params, []string{"label"}, &p); err != nil {
		return nil, err
	}
	addr, err := d.Wallet.GetNewAddress(ctx, walletName)
	if err != nil {
		return nil, err
	}
	if p.Label != "" {
		if err := applyAddressLabel(d, walletName, addr, p.Label); err != nil {
			d.Log.Warn("rpc: set label on new address failed", "address", addr, "error", err)
		}
	}
	return addr, nil
}

func getRawChangeAddress(ctx context.Context, d *Deps, walletName string, _ json.RawMessage) (interface{}, error) {
	return d.Wallet.GetRawChangeAddress(ctx, walletName)
}

func listLabels(ctx context.Context, d *Deps, walletName string, _ json.RawMessage) (interface{}, error) {
	w, err := getWallet(d.Store, walletName)
	if err != nil {
		return nil, err
	}
	rtxn := d.Store.Begin(false)
	scripts, err := rtxn.ScriptsByWallet(w.ID)
	rtxn.Rollback()
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	labels := []string{}
	for _, s := range scripts {
		if s.Label != "" && !seen[s.Label] {
			seen[s.Label] = true
			labels = append(labels, s.Label)
		}
	}
	sort.Strings(labels)
	return labels, nil
}

type setLabelParams struct {
	Address string `json:"address"`
	Label   string `json:"label"`
}

func setLabel(ctx context.Context, d *Deps, walletName string, params json.RawMessage) (interface{}, error) {
	var p setLabelParams
	if err := bindParams(params, []string{"address", "label"}, &p); err != nil {
		return nil, err
	}
	if err := applyAddressLabel(d, walletName, p.Address, p.Label); err != nil {
		return nil, err
	}
	return nil, nil
}

func applyAddressLabel(d *Deps, walletName, address, label string) error {
	sc, err := scriptByAddress(d, walletName, address)
	if err != nil {
		return err
	}
	sc.Label = label
	wtxn := d.Store.Begin(true)
	if err := wtxn.PutScript(sc); err != nil {
		wtxn.Rollback()
		return err
	}
	return wtxn.Commit()
}

func getAddressesByLabel(ctx context.Context, d *Deps, walletName string, params json.RawMessage) (interface{}, error) {
	var p labelParams
	if err := bindParams(params, []string{"label"}, &p); err != nil {
		return nil, err
	}
	w, err := getWallet(d.Store, walletName)
	if err != nil {
		return nil, err
	}
	rtxn := d.Store.Begin(false)
	scripts, err := rtxn.ScriptsByWallet(w.ID)
	rtxn.Rollback()
	if err != nil {
		return nil, err
	}
	out := map[string]interface{}{}
	for _, s := range scripts {
		if s.Label != p.Label {
			continue
		}
		addr, err := scriptToAddress(s.ScriptBytes, d.Params)
		if err != nil {
			continue
		}
		out[addr] = map[string]string{"purpose": "receive"}
	}
	if len(out) == 0 {
		return nil, NewError(CodeInvalidParams, "No addresses with label "+p.Label)
	}
	return out, nil
}

type txidParams struct {
	TxID string `json:"txid"`
}

func getTransaction(ctx context.Context, d *Deps, walletName string, params json.RawMessage) (interface{}, error) {
	var p txidParams
	if err := bindParams(params, []string{"txid"}, &p); err != nil {
		return nil, err
	}
	w, err := getWallet(d.Store, walletName)
	if err != nil {
		return nil, err
	}
	rtxn := d.Store.Begin(false)
	txs, err := rtxn.TxsByWallet(w.ID)
	rtxn.Rollback()
	if err != nil {
		return nil, err
	}

	tip := d.Router.BestHeight()
	var total int64
	details := []map[string]interface{}{}
	found := false
	for _, tx := range txs {
		if tx.TxID != p.TxID {
			continue
		}
		found = true
		total += tx.Amount
		details = append(details, map[string]interface{}{
			"category":      string(tx.Category),
			"amount":        satToBTC(tx.Amount),
			"vout":          tx.Vout,
			"confirmations": confirmations(tx.Height, tip),
		})
	}
	if !found {
		return nil, NewError(CodeInvalidTxid, "Invalid or non-wallet transaction id")
	}

	rawHex, err := fetchRawTx(ctx, d, p.TxID)
	if err != nil {
		rawHex = ""
	}
	return map[string]interface{}{
		"txid":    p.TxID,
		"amount":  satToBTC(total),
		"details": details,
		"hex":     rawHex,
	}, nil
}

type listTransactionsParams struct {
	Label string `json:"label"`
	Count int    `json:"count"`
	Skip  int    `json:"skip"`
}

func listTransactions(ctx context.Context, d *Deps, walletName string, params json.RawMessage) (interface{}, error) {
	var p listTransactionsParams
	if err := bindParams(params, []string{"label", "count", "skip"}, &p); err != nil {
		return nil, err
	}
	if p.Count <= 0 {
		p.Count = 10
	}
	w, err := getWallet(d.Store, walletName)
	if err != nil {
		return nil, err
	}
	rtxn := d.Store.Begin(false)
	txs, err := rtxn.TxsByWallet(w.ID)
	rtxn.Rollback()
	if err != nil {
		return nil, err
	}
	sort.Slice(txs, func(i, j int) bool { return txHeight(txs[i]) < txHeight(txs[j]) })

	tip := d.Router.BestHeight()
	out := []map[string]interface{}{}
	for i, tx := range txs {
		if i < p.Skip {
			continue
		}
		if len(out) >= p.Count {
			break
		}
		out = append(out, map[string]interface{}{
			"txid":          tx.TxID,
			"category":      string(tx.Category),
			"amount":        satToBTC(tx.Amount),
			"vout":          tx.Vout,
			"confirmations": confirmations(tx.Height, tip),
		})
	}
	return out, nil
}

func txHeight(tx *store.Tx) int64 {
	if tx.Height == nil {
		return 1 << 62
	}
	return *tx.Height
}

func getBalances(ctx context.Context, d *Deps, walletName string, _ json.RawMessage) (interface{}, error) {
	w, err := getWallet(d.Store, walletName)
	if err != nil {
		return nil, err
	}
	rtxn := d.Store.Begin(false)
	confirmed, err := rtxn.SumConfirmed(w.ID)
	if err != nil {
		rtxn.Rollback()
		return nil, err
	}
	unconfirmed, err := rtxn.SumUnconfirmed(w.ID)
	rtxn.Rollback()
	if err != nil {
		return nil, err
	}

	zero := map[string]interface{}{"trusted": 0, "untrusted_pending": 0, "immature": 0}
	bucket := map[string]interface{}{
		"trusted":           satToBTC(confirmed),
		"untrusted_pending": satToBTC(unconfirmed),
		"immature":          0,
	}
	result := map[string]interface{}{
		"mine":      zero,
		"watchonly": zero,
	}
	if w.PrivateKeysEnabled {
		result["mine"] = bucket
	} else {
		result["watchonly"] = bucket
	}
	return result, nil
}

type outpointParams struct {
	TxID string `json:"txid"`
	Vout uint32 `json:"vout"`
}

type lockUnspentParams struct {
	Unlock       bool             `json:"unlock"`
	Transactions []outpointParams `json:"transactions"`
}

func lockUnspent(ctx context.Context, d *Deps, walletName string, params json.RawMessage) (interface{}, error) {
	var p lockUnspentParams
	if err := bindParams(params, []string{"unlock", "transactions"}, &p); err != nil {
		return nil, err
	}
	w, err := getWallet(d.Store, walletName)
	if err != nil {
		return nil, err
	}

	wtxn := d.Store.Begin(true)
	utxos, err := wtxn.UTXOsByWallet(w.ID)
	if err != nil {
		wtxn.Rollback()
		return nil, err
	}
	for _, target := range p.Transactions {
		for _, u := range utxos {
			if u.TxID == target.TxID && u.Vout == target.Vout {
				u.Locked = !p.Unlock
				if err := wtxn.PutUTXO(u); err != nil {
					wtxn.Rollback()
					return nil, err
				}
			}
		}
	}
	if err := wtxn.Commit(); err != nil {
		return nil, err
	}
	return true, nil
}

func listLockUnspent(ctx context.Context, d *Deps, walletName string, _ json.RawMessage) (interface{}, error) {
	w, err := getWallet(d.Store, walletName)
	if err != nil {
		return nil, err
	}
	rtxn := d.Store.Begin(false)
	utxos, err := rtxn.UTXOsByWallet(w.ID)
	rtxn.Rollback()
	if err != nil {
		return nil, err
	}
	out := []map[string]interface{}{}
	for _, u := range utxos {
		if u.Locked {
			out = append(out, map[string]interface{}{"txid": u.TxID, "vout": u.Vout})
		}
	}
	return out, nil
}

type listUnspentParams struct {
	MinConf int `json:"minconf"`
	MaxConf int `json:"maxconf"`
}

func listUnspent(ctx context.Context, d *Deps, walletName string, params json.RawMessage) (interface{}, error) {
	var p listUnspentParams
	if err := bindParams(params, []string{"minconf", "maxconf", "addresses"}, &p); err != nil {
		return nil, err
	}
	if p.MaxConf == 0 {
		p.MaxConf = 9999999
	}
	w, err := getWallet(d.Store, walletName)
	if err != nil {
		return nil, err
	}
	rtxn := d.Store.Begin(false)
	utxos, err := rtxn.UTXOsByWallet(w.ID)
	if err != nil {
		rtxn.Rollback()
		return nil, err
	}
	tip := d.Router.BestHeight()
	out := []map[string]interface{}{}
	for _, u := range utxos {
		conf := confirmations(u.Height, tip)
		if int(conf) < p.MinConf || int(conf) > p.MaxConf {
			continue
		}
		sc, err := rtxn.GetScript(u.ScriptID)
		if err != nil || sc == nil {
			continue
		}
		addr, err := scriptToAddress(sc.ScriptBytes, d.Params)
		if err != nil {
			addr = ""
		}
		out = append(out, map[string]interface{}{
			"txid":          u.TxID,
			"vout":          u.Vout,
			"address":       addr,
			"label":         sc.Label,
			"amount":        satToBTC(u.Amount),
			"confirmations": conf,
			"spendable":     !u.Locked && w.PrivateKeysEnabled,
			"solvable":      true,
			"safe":          u.Height != nil,
		})
	}
	rtxn.Rollback()
	return out, nil
}

type listSinceBlockParams struct {
	BlockHash           string `json:"blockhash"`
	TargetConfirmations int    `json:"target_confirmations"`
}

// listSinceBlock returns the accumulated transaction list. This gateway
// keeps no block-hash-to-height index beyond the current tip, so the
// blockhash and target_confirmations arguments are accepted but not
// consulted: every call returns the full wallet history.
func listSinceBlock(ctx context.Context, d *Deps, walletName string, params json.RawMessage) (interface{}, error) {
	var p listSinceBlockParams
	if err := bindParams(params, []string{"blockhash", "target_confirmations"}, &p); err != nil {
		return nil, err
	}
	w, err := getWallet(d.Store, walletName)
	if err != nil {
		return nil, err
	}
	rtxn := d.Store.Begin(false)
	txs, err := rtxn.TxsByWallet(w.ID)
	rtxn.Rollback()
	if err != nil {
		return nil, err
	}

	tip := d.Router.BestHeight()
	transactions := make([]map[string]interface{}, 0, len(txs))
	for _, tx := range txs {
		transactions = append(transactions, map[string]interface{}{
			"txid":          tx.TxID,
			"category":      string(tx.Category),
			"amount":        satToBTC(tx.Amount),
			"confirmations": confirmations(tx.Height, tip),
		})
	}
	return map[string]interface{}{
		"transactions": transactions,
		"lastblock":    d.Router.BestBlockHash(),
	}, nil
}

type getReceivedByAddressParams struct {
	Address string `json:"address"`
	MinConf int    `json:"minconf"`
}

func getReceivedByAddress(ctx context.Context, d *Deps, walletName string, params json.RawMessage) (interface{}, error) {
	var p getReceivedByAddressParams
	if err := bindParams(params, []string{"address", "minconf"}, &p); err != nil {
		return nil, err
	}
	if p.MinConf == 0 {
		p.MinConf = 1
	}
	sc, err := scriptByAddress(d, walletName, p.Address)
	if err != nil {
		return nil, err
	}
	rtxn := d.Store.Begin(false)
	txs, err := rtxn.TxsByScript(sc.ID)
	rtxn.Rollback()
	if err != nil {
		return nil, err
	}
	tip := d.Router.BestHeight()
	var total int64
	for _, tx := range txs {
		if tx.Category != store.CategoryReceive && tx.Category != store.CategoryChange {
			continue
		}
		if int(confirmations(tx.Height, tip)) < p.MinConf {
			continue
		}
		total += tx.Amount
	}
	return satToBTC(total), nil
}

type psbtInputParam struct {
	TxID string `json:"txid"`
	Vout uint32 `json:"vout"`
}

type walletCreateFundedPSBTParams struct {
	Inputs   []psbtInputParam           `json:"inputs"`
	Outputs  []map[string]float64       `json:"outputs"`
	Locktime uint32                     `json:"locktime"`
	Options  walletCreateFundedPSBTOpts `json:"options"`
}

type walletCreateFundedPSBTOpts struct {
	FeeRate                *int64 `json:"fee_rate"`
	ConfTarget             int    `json:"conf_target"`
	ChangeAddress          string `json:"changeAddress"`
	ChangePosition         *int   `json:"changePosition"`
	IncludeUnsafe          bool   `json:"include_unsafe"`
	LockUnspents           bool   `json:"lockUnspents"`
	Replaceable            bool   `json:"replaceable"`
	SubtractFeeFromOutputs []int  `json:"subtractFeeFromOutputs"`
	AddInputs              *bool  `json:"add_inputs"`
}

func walletCreateFundedPSBT(ctx context.Context, d *Deps, walletName string, params json.RawMessage) (interface{}, error) {
	var p walletCreateFundedPSBTParams
	if err := bindParams(params, []string{"inputs", "outputs", "locktime", "options"}, &p); err != nil {
		return nil, err
	}
	if len(p.Outputs) == 0 {
		return nil, NewError(CodeInvalidParams, "outputs must not be empty")
	}

	inputs := make([]psbtbuilder.Input, 0, len(p.Inputs))
	for _, in := range p.Inputs {
		inputs = append(inputs, psbtbuilder.Input{TxID: in.TxID, Vout: in.Vout})
	}

	outputs := make([]psbtbuilder.Output, 0, len(p.Outputs))
	for _, entry := range p.Outputs {
		for addr, amount := range entry {
			outputs = append(outputs, psbtbuilder.Output{Address: addr, Amount: btcToSat(amount)})
		}
	}

	opts := psbtbuilder.Options{
		ConfTarget:             p.Options.ConfTarget,
		ChangeAddress:          p.Options.ChangeAddress,
		ChangePosition:         p.Options.ChangePosition,
		IncludeUnsafe:          p.Options.IncludeUnsafe,
		LockUnspents:           p.Options.LockUnspents,
		Replaceable:            p.Options.Replaceable,
		SubtractFeeFromOutputs: p.Options.SubtractFeeFromOutputs,
		AddInputs:              p.Options.AddInputs,
	}
	if p.Options.FeeRate != nil {
		opts.FeeRate = p.Options.FeeRate
	}

	result, err := d.PSBT.Create(ctx, walletName, inputs, outputs, p.Locktime, opts)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"psbt":      result.PSBT,
		"fee":       result.FeeBTC,
		"changepos": result.ChangePosition,
	}, nil
}

type walletProcessPSBTParams struct {
	PSBT string `json:"psbt"`
	Sign *bool  `json:"sign"`
}

func walletProcessPSBT(ctx context.Context, d *Deps, walletName string, params json.RawMessage) (interface{}, error) {
	var p walletProcessPSBTParams
	if err := bindParams(params, []string{"psbt", "sign"}, &p); err != nil {
		return nil, err
	}
	sign := true
	if p.Sign != nil {
		sign = *p.Sign
	}
	result, err := d.PSBT.Process(ctx, walletName, p.PSBT, sign)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"psbt": result.PSBT, "complete": result.Complete}, nil
}

func confirmations(height *int64, tip int64) int64 {
	if height == nil || *height <= 0 {
		return 0
	}
	return tip - *height + 1
}

func scriptByAddress(d *Deps, walletName, address string) (*store.Script, error) {
	w, err := getWallet(d.Store, walletName)
	if err != nil {
		return nil, err
	}
	addr, err := btcutil.DecodeAddress(address, d.Params)
	if err != nil {
		return nil, NewError(CodeInvalidParams, fmt.Sprintf("invalid address: %v", err))
	}
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, NewError(CodeInvalidParams, fmt.Sprintf("invalid address: %v", err))
	}
	rtxn := d.Store.Begin(false)
	sc, err := rtxn.ScriptByScriptHash(electrum.ScriptHash(script))
	rtxn.Rollback()
	if err != nil {
		return nil, err
	}
	if sc == nil || sc.WalletID != w.ID {
		return nil, NewError(CodeInvalidParams, "Address not found in wallet")
	}
	return sc, nil
}

func scriptToAddress(scriptBytes []byte, params *chaincfg.Params) (string, error) {
	_, addrs, _, err := txscript.ExtractPkScriptAddrs(scriptBytes, params)
	if err != nil || len(addrs) == 0 {
		return "", fmt.Errorf("rpc: no address for script")
	}
	return addrs[0].EncodeAddress(), nil
}
