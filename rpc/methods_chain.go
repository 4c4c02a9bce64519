package rpc

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/wire"

	"github.com/cryptoadvance/spectrum-go/chain"
	"github.com/cryptoadvance/spectrum-go/txcache"
)

// RegisterChainMethods installs every chain-level (no wallet) method.
func RegisterChainMethods(d *Dispatcher) {
	d.Register("getblockchaininfo", false, getBlockchainInfo)
	d.Register("getmininginfo", false, getMiningInfo)
	d.Register("getnetworkinfo", false, getNetworkInfo)
	d.Register("getmempoolinfo", false, getMempoolInfo)
	d.Register("uptime", false, uptime)
	d.Register("getblockcount", false, getBlockCount)
	d.Register("getblockhash", false, getBlockHash)
	d.Register("estimatesmartfee", false, estimateSmartFee)
	d.Register("combinepsbt", false, combinePSBT)
	d.Register("finalizepsbt", false, finalizePSBT)
	d.Register("converttopsbt", false, convertToPSBT)
	d.Register("testmempoolaccept", false, testMempoolAccept)
	d.Register("getrawtransaction", false, getRawTransaction)
	d.Register("sendrawtransaction", false, sendRawTransaction)
	d.Register("scantxoutset", false, scanTxOutSet)
	d.Register("gettxoutsetinfo", false, getTxOutSetInfo)
	d.Register("getblockfilter", false, getBlockFilter)
	d.Register("listwallets", false, listWallets)
	d.Register("listwalletdir", false, listWalletDir)
	d.Register("createwallet", false, createWallet)
	d.Register("loadwallet", false, loadWallet)
	d.Register("unloadwallet", false, unloadWallet)
}

func getBlockchainInfo(ctx context.Context, d *Deps, _ string, _ json.RawMessage) (interface{}, error) {
	height := d.Router.BestHeight()
	return map[string]interface{}{
		"chain":         coreChainName(d.Params),
		"blocks":        height,
		"headers":       height,
		"bestblockhash": d.Router.BestBlockHash(),
		"pruned":        false,
	}, nil
}

func getMiningInfo(ctx context.Context, d *Deps, _ string, _ json.RawMessage) (interface{}, error) {
	return map[string]interface{}{
		"blocks": d.Router.BestHeight(),
		"chain":  coreChainName(d.Params),
	}, nil
}

func getNetworkInfo(ctx context.Context, d *Deps, _ string, _ json.RawMessage) (interface{}, error) {
	return map[string]interface{}{
		"subversion":    "/spectrum-go:0.1.0/",
		"connections":   1,
		"networkactive": true,
	}, nil
}

// getMempoolInfo reports an empty mempool: this gateway never tracks
// mempool policy, it only reflects what Electrum's scripthash
// subscriptions report per-script.
func getMempoolInfo(ctx context.Context, d *Deps, _ string, _ json.RawMessage) (interface{}, error) {
	return map[string]interface{}{"loaded": true, "size": 0, "bytes": 0}, nil
}

func uptime(ctx context.Context, d *Deps, _ string, _ json.RawMessage) (interface{}, error) {
	return int64(time.Since(d.StartedAt).Seconds()), nil
}

func getBlockCount(ctx context.Context, d *Deps, _ string, _ json.RawMessage) (interface{}, error) {
	return d.Router.BestHeight(), nil
}

type blockHashParams struct {
	Height int64 `json:"height"`
}

// getBlockHash serves the tip and genesis from what's already tracked;
// any other height goes through the small hash LRU before falling back
// to Electrum.
func getBlockHash(ctx context.Context, d *Deps, _ string, params json.RawMessage) (interface{}, error) {
	var p blockHashParams
	if err := bindParams(params, []string{"height"}, &p); err != nil {
		return nil, err
	}
	if p.Height == d.Router.BestHeight() {
		if h := d.Router.BestBlockHash(); h != "" {
			return h, nil
		}
	}
	if p.Height == 0 {
		return d.Params.GenesisHash.String(), nil
	}
	if d.Hashes != nil {
		if h, ok := d.Hashes.Get(p.Height); ok {
			return h, nil
		}
	}
	headerHex, err := d.Electrum.GetBlockHeader(ctx, p.Height)
	if err != nil {
		return nil, err
	}
	hdr, err := chain.ParseHeader(headerHex, p.Height)
	if err != nil {
		return nil, err
	}
	if d.Hashes != nil {
		d.Hashes.Put(p.Height, hdr.Hash)
	}
	return hdr.Hash, nil
}

type estimateSmartFeeParams struct {
	ConfTarget int `json:"conf_target"`
}

func estimateSmartFee(ctx context.Context, d *Deps, _ string, params json.RawMessage) (interface{}, error) {
	var p estimateSmartFeeParams
	if err := bindParams(params, []string{"conf_target"}, &p); err != nil {
		return nil, err
	}
	target := p.ConfTarget
	if target <= 0 {
		target = 6
	}
	btcPerKB, err := d.Electrum.EstimateFee(ctx, target)
	if err != nil {
		return nil, err
	}
	if btcPerKB < 0 {
		return map[string]interface{}{"errors": []string{"insufficient data or no feerate found"}, "blocks": target}, nil
	}
	return map[string]interface{}{"feerate": btcPerKB, "blocks": target}, nil
}

type combinePSBTParams struct {
	Txs []string `json:"txs"`
}

// combinePSBT merges partial signatures, BIP32 derivations and finalized
// scripts from every supplied PSBT onto the first one's inputs/outputs,
// assuming they all wrap the same unsigned transaction (Core's contract).
func combinePSBT(ctx context.Context, d *Deps, _ string, params json.RawMessage) (interface{}, error) {
	var p combinePSBTParams
	if err := bindParams(params, []string{"txs"}, &p); err != nil {
		return nil, err
	}
	if len(p.Txs) == 0 {
		return nil, NewError(CodeInvalidParams, "txs must not be empty")
	}

	base, err := decodePSBT(p.Txs[0])
	if err != nil {
		return nil, err
	}
	for _, raw := range p.Txs[1:] {
		other, err := decodePSBT(raw)
		if err != nil {
			return nil, err
		}
		for i := range base.Inputs {
			if i >= len(other.Inputs) {
				break
			}
			mergeInput(&base.Inputs[i], &other.Inputs[i])
		}
		for i := range base.Outputs {
			if i >= len(other.Outputs) {
				break
			}
			mergeOutput(&base.Outputs[i], &other.Outputs[i])
		}
	}

	return encodePSBT(base)
}

func mergeInput(dst, src *psbt.PInput) {
	if dst.NonWitnessUtxo == nil {
		dst.NonWitnessUtxo = src.NonWitnessUtxo
	}
	if dst.WitnessUtxo == nil {
		dst.WitnessUtxo = src.WitnessUtxo
	}
	dst.PartialSigs = append(dst.PartialSigs, src.PartialSigs...)
	dst.Bip32Derivation = append(dst.Bip32Derivation, src.Bip32Derivation...)
	if dst.FinalScriptSig == nil {
		dst.FinalScriptSig = src.FinalScriptSig
	}
	if dst.FinalScriptWitness == nil {
		dst.FinalScriptWitness = src.FinalScriptWitness
	}
	if dst.TaprootKeySpendSig == nil {
		dst.TaprootKeySpendSig = src.TaprootKeySpendSig
	}
}

func mergeOutput(dst, src *psbt.POutput) {
	dst.Bip32Derivation = append(dst.Bip32Derivation, src.Bip32Derivation...)
}

type finalizePSBTParams struct {
	PSBT    string `json:"psbt"`
	Extract *bool  `json:"extract"`
}

func finalizePSBT(ctx context.Context, d *Deps, _ string, params json.RawMessage) (interface{}, error) {
	var p finalizePSBTParams
	if err := bindParams(params, []string{"psbt", "extract"}, &p); err != nil {
		return nil, err
	}
	pkt, err := decodePSBT(p.PSBT)
	if err != nil {
		return nil, err
	}

	complete := true
	for i := range pkt.Inputs {
		if pkt.Inputs[i].FinalScriptWitness != nil || pkt.Inputs[i].FinalScriptSig != nil {
			continue
		}
		if err := psbt.Finalize(pkt, i); err != nil {
			complete = false
		}
	}

	extract := complete
	if p.Extract != nil {
		extract = *p.Extract && complete
	}

	if extract {
		tx, err := psbt.Extract(pkt)
		if err == nil {
			var buf bytes.Buffer
			if err := tx.Serialize(&buf); err == nil {
				return map[string]interface{}{"hex": hex.EncodeToString(buf.Bytes()), "complete": true}, nil
			}
		}
	}

	encoded, err := encodePSBT(pkt)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"psbt": encoded, "complete": complete}, nil
}

type convertToPSBTParams struct {
	HexString string `json:"hexstring"`
}

func convertToPSBT(ctx context.Context, d *Deps, _ string, params json.RawMessage) (interface{}, error) {
	var p convertToPSBTParams
	if err := bindParams(params, []string{"hexstring"}, &p); err != nil {
		return nil, err
	}
	raw, err := hex.DecodeString(p.HexString)
	if err != nil {
		return nil, NewError(CodeInvalidTxFormat, "TX decode failed")
	}
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, NewError(CodeInvalidTxFormat, "TX decode failed")
	}
	for _, in := range tx.TxIn {
		in.SignatureScript = nil
		in.Witness = nil
	}
	pkt, err := psbt.NewFromUnsignedTx(tx)
	if err != nil {
		return nil, fmt.Errorf("rpc: wrap psbt: %w", err)
	}
	return encodePSBT(pkt)
}

type testMempoolAcceptParams struct {
	RawTxs []string `json:"rawtxs"`
}

// testMempoolAccept only checks that each transaction decodes; mempool
// policy (fee bumping, conflicts, standardness) needs a full node and is
// not enforced here.
func testMempoolAccept(ctx context.Context, d *Deps, _ string, params json.RawMessage) (interface{}, error) {
	var p testMempoolAcceptParams
	if err := bindParams(params, []string{"rawtxs"}, &p); err != nil {
		return nil, err
	}
	results := make([]map[string]interface{}, 0, len(p.RawTxs))
	for _, rawHex := range p.RawTxs {
		raw, err := hex.DecodeString(rawHex)
		if err != nil {
			results = append(results, map[string]interface{}{"txid": "", "allowed": false, "reject-reason": "decode failed"})
			continue
		}
		tx := wire.NewMsgTx(wire.TxVersion)
		if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
			results = append(results, map[string]interface{}{"txid": "", "allowed": false, "reject-reason": "decode failed"})
			continue
		}
		results = append(results, map[string]interface{}{"txid": tx.TxHash().String(), "allowed": true})
	}
	return results, nil
}

type getRawTransactionParams struct {
	TxID    string `json:"txid"`
	Verbose *bool  `json:"verbose"`
}

func getRawTransaction(ctx context.Context, d *Deps, _ string, params json.RawMessage) (interface{}, error) {
	var p getRawTransactionParams
	if err := bindParams(params, []string{"txid", "verbose"}, &p); err != nil {
		return nil, err
	}
	rawHex, err := fetchRawTx(ctx, d, p.TxID)
	if err != nil {
		return nil, err
	}
	if p.Verbose == nil || !*p.Verbose {
		return rawHex, nil
	}
	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		return nil, NewError(CodeInvalidTxFormat, "invalid tx hex in cache")
	}
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, NewError(CodeInvalidTxFormat, "invalid tx format")
	}
	return map[string]interface{}{
		"txid":     tx.TxHash().String(),
		"hash":     tx.WitnessHash().String(),
		"size":     tx.SerializeSize(),
		"vsize":    mempoolVSize(tx),
		"version":  tx.Version,
		"locktime": tx.LockTime,
		"hex":      rawHex,
	}, nil
}

func mempoolVSize(tx *wire.MsgTx) int64 {
	return int64((tx.SerializeSize()*3 + tx.SerializeSizeStripped()) / 4)
}

func fetchRawTx(ctx context.Context, d *Deps, txid string) (string, error) {
	rawHex, err := d.Cache.Get(txid)
	if err == nil {
		return rawHex, nil
	}
	if !isNotCached(err) {
		return "", err
	}
	rawHex, err = d.Electrum.GetTransaction(ctx, txid)
	if err != nil {
		return "", NewError(CodeInvalidTxid, fmt.Sprintf("No such mempool or blockchain transaction: %v", err))
	}
	_ = d.Cache.Put(txid, rawHex)
	return rawHex, nil
}

func isNotCached(err error) bool {
	return errors.Is(err, txcache.ErrNotCached)
}

type sendRawTransactionParams struct {
	HexString string `json:"hexstring"`
}

func sendRawTransaction(ctx context.Context, d *Deps, _ string, params json.RawMessage) (interface{}, error) {
	var p sendRawTransactionParams
	if err := bindParams(params, []string{"hexstring"}, &p); err != nil {
		return nil, err
	}
	txid, err := d.Electrum.BroadcastTransaction(ctx, p.HexString)
	if err != nil {
		return nil, err
	}
	return txid, nil
}

// scanTxOutSet and getTxOutSetInfo are UTXO-set-wide scans Bitcoin Core
// serves from its own chainstate; this gateway has no chainstate, only
// the wallets it's been told to watch, so these report an empty scan
// rather than guessing at a result.
func scanTxOutSet(ctx context.Context, d *Deps, _ string, _ json.RawMessage) (interface{}, error) {
	return map[string]interface{}{
		"success":      true,
		"txouts":       0,
		"height":       d.Router.BestHeight(),
		"bestblock":    d.Router.BestBlockHash(),
		"unspents":     []interface{}{},
		"total_amount": 0,
	}, nil
}

func getTxOutSetInfo(ctx context.Context, d *Deps, _ string, _ json.RawMessage) (interface{}, error) {
	return map[string]interface{}{
		"height":    d.Router.BestHeight(),
		"bestblock": d.Router.BestBlockHash(),
		"txouts":    0,
	}, nil
}

// getBlockFilter needs BIP157 compact filters, which the Electrum
// protocol this gateway speaks has no method for; no amount of local
// computation recovers them without the full block, so this reports the
// generic RPC error Core itself would give for an unindexed filter.
func getBlockFilter(ctx context.Context, d *Deps, _ string, _ json.RawMessage) (interface{}, error) {
	return nil, NewError(CodeGeneric, "Compact block filters not available (node has no block filter index)")
}

func listWallets(ctx context.Context, d *Deps, _ string, _ json.RawMessage) (interface{}, error) {
	rtxn := d.Store.Begin(false)
	wallets, err := rtxn.ListWallets()
	rtxn.Rollback()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(wallets))
	for _, w := range wallets {
		names = append(names, w.Name)
	}
	return names, nil
}

func listWalletDir(ctx context.Context, d *Deps, _ string, _ json.RawMessage) (interface{}, error) {
	rtxn := d.Store.Begin(false)
	wallets, err := rtxn.ListWallets()
	rtxn.Rollback()
	if err != nil {
		return nil, err
	}
	entries := make([]map[string]string, 0, len(wallets))
	for _, w := range wallets {
		entries = append(entries, map[string]string{"name": w.Name})
	}
	return map[string]interface{}{"wallets": entries}, nil
}

type createWalletParams struct {
	WalletName         string `json:"wallet_name"`
	DisablePrivateKeys bool   `json:"disable_private_keys"`
	Blank              bool   `json:"blank"`
}

func createWallet(ctx context.Context, d *Deps, _ string, params json.RawMessage) (interface{}, error) {
	var p createWalletParams
	if err := bindParams(params, []string{"wallet_name", "disable_private_keys", "blank", "passphrase", "avoid_reuse", "descriptors", "load_on_startup", "external_signer"}, &p); err != nil {
		return nil, err
	}
	if p.WalletName == "" {
		return nil, NewError(CodeInvalidParams, "wallet_name is required")
	}
	w, err := d.Wallet.CreateWallet(ctx, p.WalletName, p.DisablePrivateKeys, p.Blank)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"name": w.Name, "warning": ""}, nil
}

type loadWalletParams struct {
	Filename string `json:"filename"`
}

func loadWallet(ctx context.Context, d *Deps, _ string, params json.RawMessage) (interface{}, error) {
	var p loadWalletParams
	if err := bindParams(params, []string{"filename"}, &p); err != nil {
		return nil, err
	}
	if _, err := getWallet(d.Store, p.Filename); err != nil {
		return nil, NewError(CodeWalletNotLoaded, fmt.Sprintf("Wallet file verification failed: %v", err))
	}
	return map[string]interface{}{"name": p.Filename, "warning": ""}, nil
}

type unloadWalletParams struct {
	WalletName string `json:"wallet_name"`
}

// unloadWallet has nothing to release: wallets here are rows in the one
// shared Store, not a file handle, so unloading only verifies the wallet
// exists rather than mutating an "active set" this gateway never tracks
// separately from the Store itself.
func unloadWallet(ctx context.Context, d *Deps, _ string, params json.RawMessage) (interface{}, error) {
	var p unloadWalletParams
	if err := bindParams(params, []string{"wallet_name"}, &p); err != nil {
		return nil, err
	}
	if _, err := getWallet(d.Store, p.WalletName); err != nil {
		return nil, NewError(CodeWalletNotLoaded, fmt.Sprintf("Requested wallet does not exist or is not loaded: %v", err))
	}
	return map[string]interface{}{"warning": ""}, nil
}

func decodePSBT(b64 string) (*psbt.Packet, error) {
	raw, err := decodeBase64(b64)
	if err != nil {
		return nil, NewError(CodeInvalidTxFormat, "TX decode failed")
	}
	pkt, err := psbt.NewFromRawBytes(bytes.NewReader(raw), false)
	if err != nil {
		return nil, NewError(CodeInvalidTxFormat, fmt.Sprintf("psbt decode failed: %v", err))
	}
	return pkt, nil
}

func encodePSBT(pkt *psbt.Packet) (string, error) {
	var buf bytes.Buffer
	if err := pkt.Serialize(&buf); err != nil {
		return "", fmt.Errorf("rpc: serialize psbt: %w", err)
	}
	return encodeBase64(buf.Bytes()), nil
}
