// Package wallet implements the wallet/descriptor service: creating
// wallets, importing descriptors, pre-generating their script pool and
// handing out fresh receive/change addresses. Key derivation and
// address/script encoding are delegated to the descriptor package.
package wallet

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/hashicorp/go-hclog"

	"github.com/cryptoadvance/spectrum-go/descriptor"
	"github.com/cryptoadvance/spectrum-go/electrum"
	"github.com/cryptoadvance/spectrum-go/store"
)

// DefaultRange is the script pool width applied when a caller doesn't
// specify one on import, matching Core's importdescriptors default here.
const DefaultRange = 300

// gapRefillThreshold mirrors the standard HD wallet gap limit: once the
// frontier (next_index) comes within this many scripts of the end of the
// already-generated pool, the pool is topped up to next_index+Range.
const gapRefillThreshold = 20

const seedLength = 32

const descriptorSyncTimeout = 2 * time.Minute

// ErrWalletExists is returned by CreateWallet for a name already in use.
var ErrWalletExists = errors.New("wallet: wallet already exists")

// ErrWalletNotFound is returned whenever a wallet name doesn't resolve.
var ErrWalletNotFound = errors.New("wallet: wallet not found")

// descriptorSyncer is the subset of *indexer.Indexer the service depends
// on, accepted as an interface so tests can run without a real indexer.
type descriptorSyncer interface {
	SyncDescriptor(ctx context.Context, descriptorID uint64) error
}

// Service implements the wallet/descriptor operations (createwallet,
// importdescriptor, getnewaddress, getrawchangeaddress).
type Service struct {
	store  *store.Store
	idx    descriptorSyncer
	params *chaincfg.Params
	log    hclog.Logger
}

// New builds a Service. idx may be nil (e.g. in tests that don't need
// post-import reconciliation); params selects the address/descriptor
// encoding for the chain this gateway is pointed at.
func New(st *store.Store, idx descriptorSyncer, params *chaincfg.Params, log hclog.Logger) *Service {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Service{store: st, idx: idx, params: params, log: log}
}

// CreateWallet inserts a new Wallet row. When private keys aren't
// disabled and the wallet isn't blank, it generates a fresh seed, derives
// a BIP32 root and imports two active descriptors from it:
// wpkh(.../0h/0/*) external and wpkh(.../0h/1/*) internal.
func (s *Service) CreateWallet(ctx context.Context, name string, disablePrivateKeys, blank bool) (*store.Wallet, error) {
	wtxn := s.store.Begin(true)
	existing, err := wtxn.GetWallet(name)
	if err != nil {
		wtxn.Rollback()
		return nil, err
	}
	if existing != nil {
		wtxn.Rollback()
		return nil, ErrWalletExists
	}

	w := &store.Wallet{Name: name, PrivateKeysEnabled: !disablePrivateKeys}
	if err := wtxn.PutWallet(w); err != nil {
		wtxn.Rollback()
		return nil, err
	}
	if err := wtxn.Commit(); err != nil {
		return nil, err
	}

	if blank || disablePrivateKeys {
		return w, nil
	}

	seed := make([]byte, seedLength)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("wallet: generate seed: %w", err)
	}
	master, err := hdkeychain.NewMaster(seed, s.params)
	if err != nil {
		return nil, fmt.Errorf("wallet: derive root key: %w", err)
	}
	fp, err := rootFingerprint(master)
	if err != nil {
		return nil, err
	}

	extDesc := fmt.Sprintf("wpkh([%s]%s/0h/0/*)", fp, master.String())
	intDesc := fmt.Sprintf("wpkh([%s]%s/0h/1/*)", fp, master.String())

	if _, err := s.ImportDescriptor(ctx, name, extDesc, false, true, DefaultRange, 0); err != nil {
		return nil, fmt.Errorf("wallet: import external descriptor: %w", err)
	}
	if _, err := s.ImportDescriptor(ctx, name, intDesc, true, true, DefaultRange, 0); err != nil {
		return nil, fmt.Errorf("wallet: import internal descriptor: %w", err)
	}

	// Seed encryption is a host-process concern; this stores the seed
	// bytes as given.
	w.EncryptedSeed = seed
	wtxn2 := s.store.Begin(true)
	if err := wtxn2.PutWallet(w); err != nil {
		wtxn2.Rollback()
		return nil, err
	}
	if err := wtxn2.Commit(); err != nil {
		return nil, err
	}

	return w, nil
}

// ImportDescriptor parses desc, deactivates any previous active
// descriptor on the same (wallet, internal) side if this one is active,
// inserts the Descriptor row and pre-generates its script pool up to
// next_index+range, then kicks off a per-descriptor sync.
func (s *Service) ImportDescriptor(ctx context.Context, walletName, desc string, internal, active bool, rangeSize, nextIndex uint32) (*store.Descriptor, error) {
	if rangeSize == 0 {
		rangeSize = DefaultRange
	}

	rtxn := s.store.Begin(false)
	w, err := rtxn.GetWallet(walletName)
	rtxn.Rollback()
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, ErrWalletNotFound
	}

	parsed, err := descriptor.Parse(desc, s.params)
	if err != nil {
		return nil, fmt.Errorf("wallet: parse descriptor: %w", err)
	}

	pub := parsed
	var privateDescriptor string
	if parsed.IsPrivate {
		privateDescriptor = parsed.String()
		pub, err = parsed.Neutered()
		if err != nil {
			return nil, fmt.Errorf("wallet: neuter descriptor: %w", err)
		}
	}

	wtxn := s.store.Begin(true)
	if active {
		prev, err := wtxn.ActiveDescriptor(w.ID, internal)
		if err != nil {
			wtxn.Rollback()
			return nil, err
		}
		if prev != nil {
			prev.Active = false
			if err := wtxn.PutDescriptor(prev); err != nil {
				wtxn.Rollback()
				return nil, err
			}
		}
	}

	row := &store.Descriptor{
		WalletID:          w.ID,
		Active:            active,
		Internal:          internal,
		PublicDescriptor:  pub.String(),
		PrivateDescriptor: privateDescriptor,
		NextIndex:         nextIndex,
		Range:             rangeSize,
	}
	if err := wtxn.PutDescriptor(row); err != nil {
		wtxn.Rollback()
		return nil, err
	}

	// The whole pool from 0 up to next_index+range is watched, so a
	// descriptor imported mid-life (next_index > 0) still tracks the
	// indexes it already handed out elsewhere.
	if err := s.generateScripts(wtxn, w.ID, row.ID, pub, 0, nextIndex+rangeSize); err != nil {
		wtxn.Rollback()
		return nil, err
	}

	if err := wtxn.Commit(); err != nil {
		return nil, err
	}

	s.syncDescriptorAsync(row.ID)
	return row, nil
}

func (s *Service) generateScripts(wtxn *store.Txn, walletID, descriptorID uint64, pub *descriptor.Descriptor, from, to uint32) error {
	for i := from; i < to; i++ {
		derived, err := pub.Derive(i)
		if err != nil {
			return fmt.Errorf("wallet: derive index %d: %w", i, err)
		}
		row := &store.Script{
			WalletID:     walletID,
			DescriptorID: descriptorID,
			HasIndex:     true,
			Index:        i,
			ScriptBytes:  derived.ScriptPubKey,
			ScriptHash:   electrum.ScriptHash(derived.ScriptPubKey),
		}
		if err := wtxn.PutScript(row); err != nil {
			return err
		}
	}
	return nil
}

// GetNewAddress returns the next external-chain receive address for a
// wallet and advances next_index so it is never handed out twice.
func (s *Service) GetNewAddress(ctx context.Context, walletName string) (string, error) {
	return s.nextAddress(ctx, walletName, false)
}

// GetRawChangeAddress returns the next internal-chain (change) address
// for a wallet and advances next_index so it is never handed out twice.
func (s *Service) GetRawChangeAddress(ctx context.Context, walletName string) (string, error) {
	return s.nextAddress(ctx, walletName, true)
}

func (s *Service) nextAddress(ctx context.Context, walletName string, internal bool) (string, error) {
	rtxn := s.store.Begin(false)
	w, err := rtxn.GetWallet(walletName)
	if err != nil {
		rtxn.Rollback()
		return "", err
	}
	if w == nil {
		rtxn.Rollback()
		return "", ErrWalletNotFound
	}
	desc, err := rtxn.ActiveDescriptor(w.ID, internal)
	rtxn.Rollback()
	if err != nil {
		return "", err
	}
	if desc == nil {
		return "", fmt.Errorf("wallet: no active %s descriptor for wallet %q", sideName(internal), walletName)
	}

	parsed, err := descriptor.Parse(desc.PublicDescriptor, s.params)
	if err != nil {
		return "", fmt.Errorf("wallet: reparse descriptor: %w", err)
	}
	index := desc.NextIndex
	derived, err := parsed.Derive(index)
	if err != nil {
		return "", fmt.Errorf("wallet: derive address %d: %w", index, err)
	}

	refilled, err := s.advanceAndRefill(desc.ID, parsed, index)
	if err != nil {
		return "", err
	}
	if refilled {
		s.syncDescriptorAsync(desc.ID)
	}

	return derived.Address, nil
}

// advanceAndRefill increments a descriptor's next_index past usedIndex
// and, if the frontier has come within gapRefillThreshold of the end of
// the generated pool, pre-generates scripts up to next_index+Range.
func (s *Service) advanceAndRefill(descriptorID uint64, parsed *descriptor.Descriptor, usedIndex uint32) (refilled bool, err error) {
	wtxn := s.store.Begin(true)
	desc, err := wtxn.GetDescriptorByID(descriptorID)
	if err != nil {
		wtxn.Rollback()
		return false, err
	}
	desc.NextIndex = usedIndex + 1

	scripts, err := wtxn.ScriptsByDescriptor(descriptorID)
	if err != nil {
		wtxn.Rollback()
		return false, err
	}
	var generatedUpTo uint32
	for _, sc := range scripts {
		if sc.HasIndex && sc.Index+1 > generatedUpTo {
			generatedUpTo = sc.Index + 1
		}
	}

	target := desc.NextIndex + desc.Range
	if desc.NextIndex+gapRefillThreshold >= generatedUpTo && generatedUpTo < target {
		if err := s.generateScripts(wtxn, desc.WalletID, desc.ID, parsed, generatedUpTo, target); err != nil {
			wtxn.Rollback()
			return false, err
		}
		refilled = true
	}

	if err := wtxn.PutDescriptor(desc); err != nil {
		wtxn.Rollback()
		return false, err
	}
	return refilled, wtxn.Commit()
}

func (s *Service) syncDescriptorAsync(descriptorID uint64) {
	if s.idx == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), descriptorSyncTimeout)
		defer cancel()
		if err := s.idx.SyncDescriptor(ctx, descriptorID); err != nil {
			s.log.Warn("wallet: descriptor sync failed", "descriptor_id", descriptorID, "error", err)
		}
	}()
}

func sideName(internal bool) string {
	if internal {
		return "internal"
	}
	return "external"
}

// rootFingerprint computes the 4-byte key fingerprint (HASH160 of the
// compressed pubkey, first 4 bytes) used as a descriptor's origin
// identifier when the origin key is the master itself.
func rootFingerprint(master *hdkeychain.ExtendedKey) (string, error) {
	pub, err := master.ECPubKey()
	if err != nil {
		return "", fmt.Errorf("wallet: root public key: %w", err)
	}
	hash := btcutil.Hash160(pub.SerializeCompressed())
	return fmt.Sprintf("%x", hash[:4]), nil
}
