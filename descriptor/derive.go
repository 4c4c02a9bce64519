package descriptor

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/txscript"
)

// derivedKey walks the descriptor's trailing path for a given index and
// returns the resulting extended key, private or public depending on
// whether d.Key is private.
func (d *Descriptor) derivedKey(index uint32) (*hdkeychain.ExtendedKey, error) {
	key := d.Key
	for _, s := range d.path {
		var err error
		switch {
		case s.wildcard:
			key, err = key.Derive(index)
		case s.hardened:
			key, err = key.Derive(hdkeychain.HardenedKeyStart + s.index)
		default:
			key, err = key.Derive(s.index)
		}
		if err != nil {
			return nil, fmt.Errorf("descriptor: derive index %d: %w", index, err)
		}
	}
	return key, nil
}

// DerivePrivateKey derives the private key at a given index. Returns an
// error if the descriptor was built from a public (neutered) key.
func (d *Descriptor) DerivePrivateKey(index uint32) (*btcec.PrivateKey, error) {
	if !d.IsPrivate {
		return nil, fmt.Errorf("descriptor: no private key material (neutered descriptor)")
	}
	key, err := d.derivedKey(index)
	if err != nil {
		return nil, err
	}
	return key.ECPrivKey()
}

// Derive derives the script pubkey, address and full BIP32 derivation
// path for a given index of a range descriptor.
func (d *Descriptor) Derive(index uint32) (*Derived, error) {
	key, err := d.derivedKey(index)
	if err != nil {
		return nil, err
	}

	pubKey, err := key.ECPubKey()
	if err != nil {
		return nil, fmt.Errorf("descriptor: public key: %w", err)
	}

	var addr btcutil.Address
	switch d.Kind {
	case KindWPKH:
		hash := btcutil.Hash160(pubKey.SerializeCompressed())
		addr, err = btcutil.NewAddressWitnessPubKeyHash(hash, d.Params)
	case KindTR:
		taprootKey := txscript.ComputeTaprootKeyNoScript(pubKey)
		addr, err = btcutil.NewAddressTaproot(schnorr.SerializePubKey(taprootKey), d.Params)
	default:
		return nil, fmt.Errorf("descriptor: unsupported script type %q", d.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("descriptor: build address: %w", err)
	}

	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, fmt.Errorf("descriptor: build script: %w", err)
	}

	return &Derived{
		Index:          index,
		Address:        addr.EncodeAddress(),
		ScriptPubKey:   script,
		PubKey:         pubKey.SerializeCompressed(),
		DerivationPath: d.fullPath(index),
	}, nil
}

// fullPath reconstructs the complete derivation path from the descriptor's
// origin through its trailing path, substituting index for the wildcard,
// for use in a PSBT's BIP32 derivation field.
func (d *Descriptor) fullPath(index uint32) []uint32 {
	full := make([]uint32, 0, len(d.originPath)+len(d.path))
	for _, s := range d.originPath {
		full = append(full, encodeStep(s, 0))
	}
	for _, s := range d.path {
		full = append(full, encodeStep(s, index))
	}
	return full
}

func encodeStep(s step, wildcardValue uint32) uint32 {
	switch {
	case s.wildcard:
		return wildcardValue
	case s.hardened:
		return hdkeychain.HardenedKeyStart + s.index
	default:
		return s.index
	}
}
