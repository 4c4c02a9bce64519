package descriptor

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
)

// FingerprintBytes decodes the descriptor's origin fingerprint (8 hex
// chars) into the big-endian uint32 a PSBT's Bip32Derivation expects. If
// the descriptor has no origin, the master key's own fingerprint must be
// used instead (not available here; callers derive it from the root key).
func (d *Descriptor) FingerprintBytes() (uint32, error) {
	raw, err := hex.DecodeString(d.Fingerprint)
	if err != nil || len(raw) != 4 {
		return 0, fmt.Errorf("descriptor: invalid fingerprint %q", d.Fingerprint)
	}
	return binary.BigEndian.Uint32(raw), nil
}

func stepsToString(steps []step) string {
	parts := make([]string, 0, len(steps))
	for _, s := range steps {
		switch {
		case s.wildcard:
			parts = append(parts, "*")
		case s.hardened:
			parts = append(parts, strconv.FormatUint(uint64(s.index), 10)+"h")
		default:
			parts = append(parts, strconv.FormatUint(uint64(s.index), 10))
		}
	}
	return strings.Join(parts, "/")
}

func (d *Descriptor) body() string {
	keyPart := d.Key.String()
	if p := stepsToString(d.path); p != "" {
		keyPart += "/" + p
	}
	if d.Fingerprint == "" {
		return fmt.Sprintf("%s(%s)", d.Kind, keyPart)
	}
	origin := d.Fingerprint
	if p := stepsToString(d.originPath); p != "" {
		origin += "/" + p
	}
	return fmt.Sprintf("%s([%s]%s)", d.Kind, origin, keyPart)
}

// String returns the canonical descriptor string including its checksum,
// carrying whatever key material (private or public) this Descriptor
// holds.
func (d *Descriptor) String() string {
	body := d.body()
	checksum, err := Checksum(body)
	if err != nil {
		// body was built from an already-validated Descriptor; a checksum
		// failure here means the charset assumptions above are wrong.
		return body
	}
	return body + "#" + checksum
}

// Neutered returns a copy of the Descriptor with its key material reduced
// to the public-only form, for recomputing a descriptor's public string
// after importing a private one.
//
// A public key cannot derive through a hardened step, so any hardened
// steps in the trailing path are hoisted into the origin: the private key
// is walked through them first and neutered at that depth, the way Core
// normalizes wpkh(xprv/0h/0/*) to wpkh([fp/0h]xpub/0/*).
func (d *Descriptor) Neutered() (*Descriptor, error) {
	if !d.IsPrivate {
		return d, nil
	}

	lastHardened := -1
	for i, s := range d.path {
		if s.hardened {
			lastHardened = i
		}
	}

	key := d.Key
	fingerprint := d.Fingerprint
	originPath := d.originPath
	path := d.path

	if lastHardened >= 0 {
		if fingerprint == "" {
			ecPub, err := key.ECPubKey()
			if err != nil {
				return nil, fmt.Errorf("descriptor: origin public key: %w", err)
			}
			fingerprint = hex.EncodeToString(btcutil.Hash160(ecPub.SerializeCompressed())[:4])
		}
		for _, s := range d.path[:lastHardened+1] {
			child := s.index
			if s.hardened {
				child += hdkeychain.HardenedKeyStart
			}
			var err error
			key, err = key.Derive(child)
			if err != nil {
				return nil, fmt.Errorf("descriptor: derive hardened prefix: %w", err)
			}
		}
		originPath = append(append([]step{}, d.originPath...), d.path[:lastHardened+1]...)
		path = append([]step{}, d.path[lastHardened+1:]...)
	}

	pub, err := key.Neuter()
	if err != nil {
		return nil, fmt.Errorf("descriptor: neuter key: %w", err)
	}
	cp := *d
	cp.Key = pub
	cp.IsPrivate = false
	cp.Fingerprint = fingerprint
	cp.originPath = originPath
	cp.path = path
	return &cp, nil
}
