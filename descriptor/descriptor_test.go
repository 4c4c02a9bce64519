package descriptor

import (
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
)

func accountXprv(t *testing.T) string {
	t.Helper()
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = byte(i)
	}
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("NewMaster() error: %v", err)
	}
	purpose, err := master.Derive(hdkeychain.HardenedKeyStart + 84)
	if err != nil {
		t.Fatalf("derive purpose: %v", err)
	}
	coin, err := purpose.Derive(hdkeychain.HardenedKeyStart + 0)
	if err != nil {
		t.Fatalf("derive coin: %v", err)
	}
	account, err := coin.Derive(hdkeychain.HardenedKeyStart + 0)
	if err != nil {
		t.Fatalf("derive account: %v", err)
	}
	return account.String()
}

func buildDescriptor(t *testing.T, xprv string) string {
	t.Helper()
	body := "wpkh([deadbeef/84h/0h/0h]" + xprv + "/0/*)"
	sum, err := Checksum(body)
	if err != nil {
		t.Fatalf("Checksum() error: %v", err)
	}
	return body + "#" + sum
}

func TestParseAndDeriveWPKH(t *testing.T) {
	xprv := accountXprv(t)
	desc := buildDescriptor(t, xprv)

	d, err := Parse(desc, &chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if d.Kind != KindWPKH {
		t.Fatalf("Kind = %s, want wpkh", d.Kind)
	}
	if !d.IsPrivate {
		t.Fatal("IsPrivate = false, want true for an xprv-based descriptor")
	}
	if d.Fingerprint != "deadbeef" {
		t.Fatalf("Fingerprint = %s, want deadbeef", d.Fingerprint)
	}

	d0, err := d.Derive(0)
	if err != nil {
		t.Fatalf("Derive(0) error: %v", err)
	}
	d1, err := d.Derive(1)
	if err != nil {
		t.Fatalf("Derive(1) error: %v", err)
	}
	if d0.Address == d1.Address {
		t.Fatal("Derive(0) and Derive(1) produced the same address")
	}
	if !strings.HasPrefix(d0.Address, "bc1q") {
		t.Fatalf("Derive(0).Address = %s, want a bc1q... native segwit address", d0.Address)
	}

	wantPath := []uint32{
		hdkeychain.HardenedKeyStart + 84,
		hdkeychain.HardenedKeyStart + 0,
		hdkeychain.HardenedKeyStart + 0,
		0,
		0,
	}
	if len(d0.DerivationPath) != len(wantPath) {
		t.Fatalf("DerivationPath = %v, want length %d", d0.DerivationPath, len(wantPath))
	}
	for i, want := range wantPath {
		if d0.DerivationPath[i] != want {
			t.Fatalf("DerivationPath[%d] = %d, want %d", i, d0.DerivationPath[i], want)
		}
	}
}

func TestChecksumMismatchRejected(t *testing.T) {
	xprv := accountXprv(t)
	desc := "wpkh([deadbeef/84h/0h/0h]" + xprv + "/0/*)#aaaaaaaa"
	if _, err := Parse(desc, &chaincfg.MainNetParams); err == nil {
		t.Fatal("Parse() with wrong checksum succeeded, want error")
	}
}

func TestNeuteredProducesSameAddresses(t *testing.T) {
	xprv := accountXprv(t)
	desc := buildDescriptor(t, xprv)

	priv, err := Parse(desc, &chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	pub, err := priv.Neutered()
	if err != nil {
		t.Fatalf("Neutered() error: %v", err)
	}
	if pub.IsPrivate {
		t.Fatal("Neutered().IsPrivate = true, want false")
	}

	reparsed, err := Parse(pub.String(), &chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("Parse(neutered string) error: %v", err)
	}

	privDerived, err := priv.Derive(3)
	if err != nil {
		t.Fatalf("priv.Derive(3) error: %v", err)
	}
	pubDerived, err := reparsed.Derive(3)
	if err != nil {
		t.Fatalf("reparsed.Derive(3) error: %v", err)
	}
	if privDerived.Address != pubDerived.Address {
		t.Fatalf("address mismatch: private-derived %s vs public-derived %s", privDerived.Address, pubDerived.Address)
	}
}

func TestNeuteredHoistsHardenedPath(t *testing.T) {
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = byte(100 + i)
	}
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("NewMaster() error: %v", err)
	}

	priv, err := Parse("wpkh("+master.String()+"/0h/0/*)", &chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	pub, err := priv.Neutered()
	if err != nil {
		t.Fatalf("Neutered() error: %v", err)
	}
	if pub.Fingerprint == "" {
		t.Fatal("Neutered().Fingerprint is empty, want the master fingerprint as origin")
	}
	if strings.Contains(pub.String(), "xprv") {
		t.Fatalf("Neutered().String() = %s, still carries private key material", pub.String())
	}

	reparsed, err := Parse(pub.String(), &chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("Parse(neutered string) error: %v", err)
	}
	for _, index := range []uint32{0, 7} {
		privDerived, err := priv.Derive(index)
		if err != nil {
			t.Fatalf("priv.Derive(%d) error: %v", index, err)
		}
		pubDerived, err := reparsed.Derive(index)
		if err != nil {
			t.Fatalf("reparsed.Derive(%d) error: %v", index, err)
		}
		if privDerived.Address != pubDerived.Address {
			t.Fatalf("index %d: address mismatch: %s vs %s", index, privDerived.Address, pubDerived.Address)
		}
		if len(privDerived.DerivationPath) != len(pubDerived.DerivationPath) {
			t.Fatalf("index %d: derivation path length changed: %v vs %v", index, privDerived.DerivationPath, pubDerived.DerivationPath)
		}
	}
}

func TestParseRejectsUnsupportedKind(t *testing.T) {
	xprv := accountXprv(t)
	body := "sh(wpkh(" + xprv + "))"
	sum, err := Checksum(body)
	if err != nil {
		t.Fatalf("Checksum() error: %v", err)
	}
	if _, err := Parse(body+"#"+sum, &chaincfg.MainNetParams); err == nil {
		t.Fatal("Parse() of unsupported kind succeeded, want error")
	}
}

func TestParseWithoutOrigin(t *testing.T) {
	xprv := accountXprv(t)
	body := "wpkh(" + xprv + "/0/*)"
	sum, err := Checksum(body)
	if err != nil {
		t.Fatalf("Checksum() error: %v", err)
	}
	d, err := Parse(body+"#"+sum, &chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if d.Fingerprint != "" {
		t.Fatalf("Fingerprint = %s, want empty with no origin", d.Fingerprint)
	}
	if _, err := d.Derive(0); err != nil {
		t.Fatalf("Derive(0) error: %v", err)
	}
}
