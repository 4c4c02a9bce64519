package psbtbuilder

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/cryptoadvance/spectrum-go/descriptor"
	"github.com/cryptoadvance/spectrum-go/electrum"
)

// Process implements walletprocesspsbt: fill in missing input/output scope
// (see enrich), sign every input the wallet holds a key for when sign is
// set, then attempt to finalize.
func (b *Builder) Process(ctx context.Context, walletName string, psbtB64 string, sign bool) (*ProcessResult, error) {
	rtxn := b.store.Begin(false)
	w, err := rtxn.GetWallet(walletName)
	rtxn.Rollback()
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, ErrWalletNotFound
	}

	raw, err := base64.StdEncoding.DecodeString(psbtB64)
	if err != nil {
		return nil, fmt.Errorf("psbtbuilder: invalid base64 PSBT: %w", err)
	}
	p, err := psbt.NewFromRawBytes(bytes.NewReader(raw), false)
	if err != nil {
		return nil, fmt.Errorf("psbtbuilder: invalid PSBT: %w", err)
	}

	if err := b.enrich(ctx, p); err != nil {
		b.log.Warn("psbtbuilder: enrich PSBT failed", "error", err)
	}

	if sign && w.PrivateKeysEnabled {
		prevOuts := make(map[wire.OutPoint]*wire.TxOut)
		for i, in := range p.Inputs {
			if in.WitnessUtxo != nil {
				prevOuts[p.UnsignedTx.TxIn[i].PreviousOutPoint] = in.WitnessUtxo
			}
		}
		sigHashes := txscript.NewTxSigHashes(p.UnsignedTx, txscript.NewMultiPrevOutFetcher(prevOuts))

		for i, in := range p.Inputs {
			if in.WitnessUtxo == nil || in.FinalScriptWitness != nil {
				continue
			}
			if b.trySignByStore(p, i, in, w.ID, sigHashes) {
				continue
			}
			b.trySignByBip32Derivation(ctx, p, i, in, w.ID, sigHashes)
		}
	}

	complete := true
	for i := range p.Inputs {
		if p.Inputs[i].FinalScriptWitness != nil || p.Inputs[i].FinalScriptSig != nil {
			continue
		}
		if err := psbt.Finalize(p, i); err != nil {
			complete = false
		}
	}

	var buf bytes.Buffer
	if err := p.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("psbtbuilder: serialize PSBT: %w", err)
	}

	return &ProcessResult{
		PSBT:     base64.StdEncoding.EncodeToString(buf.Bytes()),
		Complete: complete,
	}, nil
}

// enrich fills in each input that has no witness-utxo (its witness-utxo,
// non-witness-utxo and, for a script the Store knows, BIP32 derivation)
// and adds a BIP32 derivation to each output without one that pays a
// script the Store knows, the same fill step Create performs, so
// externally-built PSBTs (e.g. combined from another co-signer) can still
// be completed here. An input that already has a witness-utxo is left as
// it is.
func (b *Builder) enrich(ctx context.Context, p *psbt.Packet) error {
	rtxn := b.store.Begin(false)
	defer rtxn.Rollback()

	for i, in := range p.UnsignedTx.TxIn {
		if p.Inputs[i].WitnessUtxo != nil {
			continue
		}
		txid := in.PreviousOutPoint.Hash.String()
		prevTx, err := b.fetchPrevTx(ctx, txid)
		if err != nil {
			continue
		}
		vout := in.PreviousOutPoint.Index
		if int(vout) >= len(prevTx.TxOut) {
			continue
		}
		out := prevTx.TxOut[vout]
		p.Inputs[i].NonWitnessUtxo = stripWitness(prevTx)
		p.Inputs[i].WitnessUtxo = &wire.TxOut{Value: out.Value, PkScript: out.PkScript}

		sh := scriptHash(out.PkScript)
		sc, err := rtxn.ScriptByScriptHash(sh)
		if err != nil || sc == nil {
			continue
		}
		if err := b.fillDerivation(&p.Inputs[i].Bip32Derivation, sc); err != nil {
			b.log.Warn("psbtbuilder: fill derivation during enrich failed", "script_id", sc.ID, "error", err)
		}
	}

	for i, out := range p.UnsignedTx.TxOut {
		if len(p.Outputs[i].Bip32Derivation) > 0 {
			continue
		}
		sc, err := rtxn.ScriptByScriptHash(scriptHash(out.PkScript))
		if err != nil || sc == nil {
			continue
		}
		if err := b.fillDerivation(&p.Outputs[i].Bip32Derivation, sc); err != nil {
			b.log.Warn("psbtbuilder: fill output derivation during enrich failed", "script_id", sc.ID, "error", err)
		}
	}
	return nil
}

// trySignByStore is the primary signing strategy: the input's
// witness-utxo scriptPubKey is looked up directly against the Store,
// which resolves to exactly the descriptor and index that generated it.
func (b *Builder) trySignByStore(p *psbt.Packet, i int, in psbt.PInput, walletID uint64, sigHashes *txscript.TxSigHashes) bool {
	rtxn := b.store.Begin(false)
	sc, err := rtxn.ScriptByScriptHash(scriptHash(in.WitnessUtxo.PkScript))
	rtxn.Rollback()
	if err != nil || sc == nil || sc.WalletID != walletID || !sc.HasIndex || sc.DescriptorID == 0 {
		return false
	}

	rtxn2 := b.store.Begin(false)
	desc, err := rtxn2.GetDescriptorByID(sc.DescriptorID)
	rtxn2.Rollback()
	if err != nil || desc == nil || desc.PrivateDescriptor == "" {
		return false
	}

	parsed, err := descriptor.Parse(desc.PrivateDescriptor, b.params)
	if err != nil {
		return false
	}
	priv, err := parsed.DerivePrivateKey(sc.Index)
	if err != nil {
		return false
	}
	return b.signKeyPath(p, i, in, priv, sigHashes)
}

// trySignByBip32Derivation is the fallback strategy for PSBTs built
// outside this gateway (e.g. co-signed offline): it matches each
// Bip32Derivation entry's master fingerprint against the wallet's
// descriptors, re-derives the claimed index, and signs if the derived
// public key matches what the PSBT carries.
func (b *Builder) trySignByBip32Derivation(ctx context.Context, p *psbt.Packet, i int, in psbt.PInput, walletID uint64, sigHashes *txscript.TxSigHashes) bool {
	if len(in.Bip32Derivation) == 0 {
		return false
	}

	rtxn := b.store.Begin(false)
	descs, err := rtxn.DescriptorsByWallet(walletID)
	rtxn.Rollback()
	if err != nil {
		return false
	}

	for _, deriv := range in.Bip32Derivation {
		if deriv == nil || len(deriv.Bip32Path) == 0 || deriv.PubKey == nil {
			continue
		}
		index := deriv.Bip32Path[len(deriv.Bip32Path)-1]
		for _, d := range descs {
			if d.PrivateDescriptor == "" {
				continue
			}
			parsed, err := descriptor.Parse(d.PrivateDescriptor, b.params)
			if err != nil {
				continue
			}
			fp, err := parsed.FingerprintBytes()
			if err != nil || fp != deriv.MasterKeyFingerprint {
				continue
			}
			derived, err := parsed.Derive(index)
			if err != nil || !bytes.Equal(derived.PubKey, deriv.PubKey) {
				continue
			}
			priv, err := parsed.DerivePrivateKey(index)
			if err != nil {
				continue
			}
			if b.signKeyPath(p, i, in, priv, sigHashes) {
				return true
			}
		}
	}
	return false
}

// signKeyPath signs a single-key P2WPKH (ECDSA) or P2TR (Schnorr
// key-path) input.
func (b *Builder) signKeyPath(p *psbt.Packet, i int, in psbt.PInput, priv *btcec.PrivateKey, sigHashes *txscript.TxSigHashes) bool {
	if classifyScript(in.WitnessUtxo.PkScript) == kindP2TR {
		sig, err := txscript.RawTxInTaprootSignature(
			p.UnsignedTx, sigHashes, i, in.WitnessUtxo.Value, in.WitnessUtxo.PkScript,
			nil, txscript.SigHashDefault, priv,
		)
		if err != nil {
			return false
		}
		p.Inputs[i].TaprootKeySpendSig = sig
		return true
	}

	witness, err := txscript.WitnessSignature(
		p.UnsignedTx, sigHashes, i, in.WitnessUtxo.Value, in.WitnessUtxo.PkScript,
		txscript.SigHashAll, priv, true,
	)
	if err != nil {
		return false
	}
	p.Inputs[i].PartialSigs = append(p.Inputs[i].PartialSigs, &psbt.PartialSig{
		PubKey:    priv.PubKey().SerializeCompressed(),
		Signature: witness[0],
	})
	return true
}

func scriptHash(script []byte) string {
	return electrum.ScriptHash(script)
}
