package psbtbuilder

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/hashicorp/go-hclog"

	"github.com/cryptoadvance/spectrum-go/descriptor"
	"github.com/cryptoadvance/spectrum-go/electrum"
	"github.com/cryptoadvance/spectrum-go/store"
	"github.com/cryptoadvance/spectrum-go/txcache"
)

// ErrWalletNotFound is returned when the named wallet does not exist.
var ErrWalletNotFound = errors.New("psbtbuilder: wallet not found")

// Builder implements walletcreatefundedpsbt and walletprocesspsbt over a
// wallet's descriptor-derived scripts and UTXOs.
type Builder struct {
	store  *store.Store
	client ElectrumClient
	cache  *txcache.Cache
	change ChangeAddressSource
	params *chaincfg.Params
	log    hclog.Logger
}

// New builds a Builder.
func New(st *store.Store, client ElectrumClient, cache *txcache.Cache, change ChangeAddressSource, params *chaincfg.Params, log hclog.Logger) *Builder {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Builder{store: st, client: client, cache: cache, change: change, params: params, log: log}
}

// Create implements walletcreatefundedpsbt: resolve explicit inputs,
// price the outputs, auto-select more coins if allowed, place and fund a
// change output, wrap the result as a PSBT with its input/output scopes
// filled from the Store, and optionally lock the chosen UTXOs.
func (b *Builder) Create(ctx context.Context, walletName string, inputs []Input, outputs []Output, locktime uint32, opts Options) (*CreateResult, error) {
	if len(outputs) == 0 {
		return nil, fmt.Errorf("psbtbuilder: at least one output is required")
	}

	rtxn := b.store.Begin(false)
	w, err := rtxn.GetWallet(walletName)
	if err != nil {
		rtxn.Rollback()
		return nil, err
	}
	if w == nil {
		rtxn.Rollback()
		return nil, ErrWalletNotFound
	}
	walletUTXOs, err := rtxn.UTXOsByWallet(w.ID)
	if err != nil {
		rtxn.Rollback()
		return nil, err
	}
	scriptCache := map[uint64]*store.Script{}
	candidates := make([]candidateUTXO, 0, len(walletUTXOs))
	for _, u := range walletUTXOs {
		if u.Locked {
			continue
		}
		sc, ok := scriptCache[u.ScriptID]
		if !ok {
			sc, err = rtxn.GetScript(u.ScriptID)
			if err != nil {
				rtxn.Rollback()
				return nil, err
			}
			scriptCache[u.ScriptID] = sc
		}
		candidates = append(candidates, candidateUTXO{utxo: u, script: sc, kind: classifyScript(sc.ScriptBytes)})
	}
	rtxn.Rollback()

	// Step 1: resolve explicit inputs.
	var selected []candidateUTXO
	for _, in := range inputs {
		found := false
		for _, c := range candidates {
			if c.utxo.TxID == in.TxID && c.utxo.Vout == in.Vout {
				selected = append(selected, c)
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("psbtbuilder: insufficient funds: input %s:%d not found among wallet's unspent outputs", in.TxID, in.Vout)
		}
	}

	// Step 2: sum outputs, compute fee rate.
	outputKinds := make([]scriptKind, len(outputs))
	outputScripts := make([][]byte, len(outputs))
	var sumOutputs int64
	for i, out := range outputs {
		if out.Amount < DustLimit {
			return nil, fmt.Errorf("psbtbuilder: output %d: amount %d below dust limit %d", i, out.Amount, DustLimit)
		}
		addr, err := btcutil.DecodeAddress(out.Address, b.params)
		if err != nil {
			return nil, fmt.Errorf("psbtbuilder: output %d: invalid address: %w", i, err)
		}
		script, err := txscript.PayToAddrScript(addr)
		if err != nil {
			return nil, fmt.Errorf("psbtbuilder: output %d: build script: %w", i, err)
		}
		outputScripts[i] = script
		outputKinds[i] = classifyScript(script)
		sumOutputs += out.Amount
	}

	feeRate, err := b.resolveFeeRate(ctx, opts)
	if err != nil {
		return nil, err
	}
	if msg := ValidateFeeRate(feeRate); msg != "" {
		return nil, fmt.Errorf("psbtbuilder: %s", msg)
	}

	// Step 3: add more inputs if requested/needed.
	addInputs := len(inputs) == 0
	if opts.AddInputs != nil {
		addInputs = *opts.AddInputs
	}
	pool := candidates
	if !addInputs {
		pool = nil
	} else if !opts.IncludeUnsafe {
		unconfirmedFiltered := pool[:0:0]
		for _, c := range pool {
			if c.utxo.Height != nil {
				unconfirmedFiltered = append(unconfirmedFiltered, c)
			}
		}
		pool = unconfirmedFiltered
	}
	// exclude already-selected candidates from the auto-selection pool
	poolMinusSelected := pool[:0:0]
	for _, c := range pool {
		dup := false
		for _, s := range selected {
			if s.utxo.ID == c.utxo.ID {
				dup = true
				break
			}
		}
		if !dup {
			poolMinusSelected = append(poolMinusSelected, c)
		}
	}

	selected, estFee, err := selectUTXOs(poolMinusSelected, selected, sumOutputs, feeRate, outputKinds)
	if err != nil {
		return nil, err
	}

	var totalInput int64
	for _, c := range selected {
		totalInput += c.utxo.Amount
	}

	// Step 4/5: change output and final fee. The fee comes out of change
	// XOR out of the named outputs: when subtractFeeFromOutputs is set,
	// change returns the full surplus and the output-amount reduction
	// below is the only fee deduction.
	subtractFromOutputs := len(opts.SubtractFeeFromOutputs) > 0

	changeAmount := totalInput - sumOutputs
	if !subtractFromOutputs {
		changeAmount -= estFee
	}
	changeAdded := false
	var changeScriptBytes []byte
	if changeAmount > DustLimit {
		changeAddress := opts.ChangeAddress
		if changeAddress == "" {
			changeAddress, err = b.change.GetRawChangeAddress(ctx, walletName)
			if err != nil {
				return nil, fmt.Errorf("psbtbuilder: generate change address: %w", err)
			}
		}
		changeAddr, err := btcutil.DecodeAddress(changeAddress, b.params)
		if err != nil {
			return nil, fmt.Errorf("psbtbuilder: invalid change address: %w", err)
		}
		changeScript, err := txscript.PayToAddrScript(changeAddr)
		if err != nil {
			return nil, fmt.Errorf("psbtbuilder: build change script: %w", err)
		}
		finalFee := estimateVSize(selected, append(append([]scriptKind{}, outputKinds...), classifyScript(changeScript))) * feeRate
		changeAmount = totalInput - sumOutputs
		if !subtractFromOutputs {
			changeAmount -= finalFee
		}
		if changeAmount > DustLimit {
			estFee = finalFee
			changeAdded = true
			changeScriptBytes = changeScript
		} else {
			changeAmount = 0
		}
	} else {
		changeAmount = 0
	}

	amounts := make([]int64, len(outputs))
	for i, out := range outputs {
		amounts[i] = out.Amount
	}

	// Step 5 (subtractFeeFromOutputs): subtract the fee proportionally
	// from the listed destination outputs instead of from change.
	if subtractFromOutputs {
		var subtractBase int64
		for _, idx := range opts.SubtractFeeFromOutputs {
			if idx < 0 || idx >= len(outputs) {
				return nil, fmt.Errorf("psbtbuilder: subtractFeeFromOutputs index %d out of range", idx)
			}
			subtractBase += outputs[idx].Amount
		}
		if subtractBase > 0 {
			for _, idx := range opts.SubtractFeeFromOutputs {
				share := estFee * outputs[idx].Amount / subtractBase
				amounts[idx] -= share
				if amounts[idx] < DustLimit {
					return nil, fmt.Errorf("psbtbuilder: output %d below dust limit after subtracting fee", idx)
				}
			}
		}
	}

	// Assemble the final output list, inserting change at its position.
	changePos := -1
	finalScripts := make([][]byte, 0, len(outputs)+1)
	finalAmounts := make([]int64, 0, len(outputs)+1)
	if changeAdded {
		changePos = randomChangePosition(opts.ChangePosition, len(outputs))
	}
	for i := 0; i <= len(outputs); i++ {
		if changeAdded && i == changePos {
			finalScripts = append(finalScripts, changeScriptBytes)
			finalAmounts = append(finalAmounts, changeAmount)
		}
		if i < len(outputs) {
			finalScripts = append(finalScripts, outputScripts[i])
			finalAmounts = append(finalAmounts, amounts[i])
		}
	}

	// Step 6 + transaction assembly.
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.LockTime = locktime
	sequence := uint32(SequenceFinal)
	if opts.Replaceable {
		sequence = SequenceRBF
	}
	for _, c := range selected {
		hash, err := chainhash.NewHashFromStr(c.utxo.TxID)
		if err != nil {
			return nil, fmt.Errorf("psbtbuilder: invalid txid %s: %w", c.utxo.TxID, err)
		}
		in := wire.NewTxIn(wire.NewOutPoint(hash, c.utxo.Vout), nil, nil)
		in.Sequence = sequence
		tx.AddTxIn(in)
	}
	for i := range finalScripts {
		tx.AddTxOut(wire.NewTxOut(finalAmounts[i], finalScripts[i]))
	}

	p, err := psbt.NewFromUnsignedTx(tx)
	if err != nil {
		return nil, fmt.Errorf("psbtbuilder: wrap PSBT: %w", err)
	}

	// Step 7: fill input scope.
	for i, c := range selected {
		prevTx, err := b.fetchPrevTx(ctx, c.utxo.TxID)
		if err != nil {
			return nil, fmt.Errorf("psbtbuilder: fetch prev tx %s: %w", c.utxo.TxID, err)
		}
		p.Inputs[i].NonWitnessUtxo = stripWitness(prevTx)
		p.Inputs[i].WitnessUtxo = &wire.TxOut{Value: c.utxo.Amount, PkScript: c.script.ScriptBytes}
		if err := b.fillDerivation(&p.Inputs[i].Bip32Derivation, c.script); err != nil {
			b.log.Warn("psbtbuilder: fill input derivation failed", "script_id", c.script.ID, "error", err)
		}
	}

	// fill output scope for any output paying back into this wallet.
	rtxn2 := b.store.Begin(false)
	for i := range p.Outputs {
		sh := electrum.ScriptHash(finalScripts[i])
		sc, err := rtxn2.ScriptByScriptHash(sh)
		if err != nil || sc == nil {
			continue
		}
		if err := b.fillDerivation(&p.Outputs[i].Bip32Derivation, sc); err != nil {
			b.log.Warn("psbtbuilder: fill output derivation failed", "script_id", sc.ID, "error", err)
		}
	}
	rtxn2.Rollback()

	// Step 8: lock chosen UTXOs.
	if opts.LockUnspents {
		wtxn := b.store.Begin(true)
		for _, c := range selected {
			c.utxo.Locked = true
			if err := wtxn.PutUTXO(c.utxo); err != nil {
				wtxn.Rollback()
				return nil, err
			}
		}
		if err := wtxn.Commit(); err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	if err := p.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("psbtbuilder: serialize PSBT: %w", err)
	}

	return &CreateResult{
		PSBT:           base64.StdEncoding.EncodeToString(buf.Bytes()),
		FeeBTC:         float64(estFee) / 1e8,
		ChangePosition: changePos,
	}, nil
}

func (b *Builder) resolveFeeRate(ctx context.Context, opts Options) (int64, error) {
	if opts.FeeRate != nil {
		return *opts.FeeRate, nil
	}
	confTarget := opts.ConfTarget
	if confTarget <= 0 {
		confTarget = 6
	}
	btcPerKB, err := b.client.EstimateFee(ctx, confTarget)
	if err != nil {
		return 0, fmt.Errorf("psbtbuilder: estimatefee: %w", err)
	}
	rate := int64(btcPerKB * 1e5)
	if rate < 1 {
		rate = 1
	}
	return rate, nil
}

func (b *Builder) fetchPrevTx(ctx context.Context, txid string) (*wire.MsgTx, error) {
	rawHex, err := b.cache.Get(txid)
	if errors.Is(err, txcache.ErrNotCached) {
		rawHex, err = b.client.GetTransaction(ctx, txid)
		if err != nil {
			return nil, err
		}
		if putErr := b.cache.Put(txid, rawHex); putErr != nil {
			b.log.Warn("psbtbuilder: cache raw tx failed", "txid", txid, "error", putErr)
		}
	} else if err != nil {
		return nil, err
	}

	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		return nil, fmt.Errorf("decode hex: %w", err)
	}
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("parse transaction: %w", err)
	}
	return tx, nil
}

// stripWitness returns a copy of tx with every input's witness data
// cleared, for use as a PSBT input's non-witness-utxo; a
// non-witness-utxo carrying witness data violates the PSBT format and
// some consumers reject it.
func stripWitness(tx *wire.MsgTx) *wire.MsgTx {
	stripped := tx.Copy()
	for _, in := range stripped.TxIn {
		in.Witness = nil
	}
	return stripped
}

// fillDerivation appends a Bip32Derivation entry describing how script's
// pubkey was derived, looked up through its parent descriptor.
func (b *Builder) fillDerivation(out *[]*psbt.Bip32Derivation, script *store.Script) error {
	if script == nil || !script.HasIndex || script.DescriptorID == 0 {
		return nil
	}
	rtxn := b.store.Begin(false)
	desc, err := rtxn.GetDescriptorByID(script.DescriptorID)
	rtxn.Rollback()
	if err != nil {
		return err
	}
	if desc == nil {
		return nil
	}
	parsed, err := descriptor.Parse(desc.PublicDescriptor, b.params)
	if err != nil {
		return err
	}
	derived, err := parsed.Derive(script.Index)
	if err != nil {
		return err
	}
	fp, err := parsed.FingerprintBytes()
	if err != nil {
		return err
	}
	*out = append(*out, &psbt.Bip32Derivation{
		PubKey:               derived.PubKey,
		MasterKeyFingerprint: fp,
		Bip32Path:            derived.DerivationPath,
	})
	return nil
}

func randomChangePosition(requested *int, numOutputs int) int {
	if requested != nil {
		if *requested < 0 || *requested > numOutputs {
			return numOutputs
		}
		return *requested
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(numOutputs+1)))
	if err != nil {
		return numOutputs
	}
	return int(n.Int64())
}
