// Package descriptor parses and derives single-key output descriptors of
// the form wpkh([fingerprint/origin/path]key/path/*) and tr(...). There
// is no script-path taproot and no multisig; btcsuite stops at raw
// extended-key derivation, so the descriptor grammar and BIP-380
// checksum live here.
package descriptor

import (
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
)

// Kind identifies the supported descriptor script types.
type Kind string

const (
	KindWPKH Kind = "wpkh"
	KindTR   Kind = "tr"
)

// step is one derivation path component: a plain index, a hardened index,
// or the range wildcard ('*').
type step struct {
	index    uint32
	hardened bool
	wildcard bool
}

// Descriptor is a parsed single-key output descriptor.
type Descriptor struct {
	Kind   Kind
	Params *chaincfg.Params

	// Fingerprint is the origin key fingerprint (8 hex chars), empty if
	// the descriptor carries no origin information.
	Fingerprint string
	originPath  []step

	// Key is the account-level extended key this descriptor derives
	// from; may be private or public.
	Key       *hdkeychain.ExtendedKey
	IsPrivate bool

	// path is the trailing derivation path applied to Key; exactly one
	// step is the wildcard for range descriptors.
	path []step

	checksum string
}

// Derived is the result of deriving one index from a Descriptor.
type Derived struct {
	Index          uint32
	Address        string
	ScriptPubKey   []byte
	PubKey         []byte   // compressed public key, for a PSBT's BIP32 derivation field
	DerivationPath []uint32 // full path from origin, hardened bit set via hdkeychain.HardenedKeyStart
}
