package chain

import (
	"bytes"
	"encoding/hex"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

func sampleHeader(t *testing.T) wire.BlockHeader {
	t.Helper()
	var prev, merkle chainhash.Hash
	copy(prev[:], bytes.Repeat([]byte{0xAA}, 32))
	copy(merkle[:], bytes.Repeat([]byte{0xBB}, 32))
	return wire.BlockHeader{
		Version:    1,
		PrevBlock:  prev,
		MerkleRoot: merkle,
		Timestamp:  time.Unix(1231006505, 0),
		Bits:       0x1d00ffff,
		Nonce:      2083236893,
	}
}

func TestParseHeaderRoundTrip(t *testing.T) {
	hdr := sampleHeader(t)

	var buf bytes.Buffer
	if err := hdr.Serialize(&buf); err != nil {
		t.Fatalf("Serialize() error: %v", err)
	}
	headerHex := hex.EncodeToString(buf.Bytes())

	got, err := ParseHeader(headerHex, 42)
	if err != nil {
		t.Fatalf("ParseHeader() error: %v", err)
	}

	wantHash := hdr.BlockHash().String()
	if got.Hash != wantHash {
		t.Fatalf("ParseHeader().Hash = %s, want %s", got.Hash, wantHash)
	}
	if got.PrevBlock != hdr.PrevBlock.String() {
		t.Fatalf("ParseHeader().PrevBlock = %s, want %s", got.PrevBlock, hdr.PrevBlock.String())
	}
	if !got.Timestamp.Equal(hdr.Timestamp) {
		t.Fatalf("ParseHeader().Timestamp = %v, want %v", got.Timestamp, hdr.Timestamp)
	}
	if got.Height != 42 {
		t.Fatalf("ParseHeader().Height = %d, want 42", got.Height)
	}
}

func TestParseHeaderRejectsBadLength(t *testing.T) {
	if _, err := ParseHeader("deadbeef", 1); err == nil {
		t.Fatal("ParseHeader() on short header = nil error, want error")
	}
}

func TestParseHeaderRejectsBadHex(t *testing.T) {
	if _, err := ParseHeader("not-hex", 1); err == nil {
		t.Fatal("ParseHeader() on non-hex input = nil error, want error")
	}
}

func TestDetectChain(t *testing.T) {
	cases := []struct {
		name string
		hash string
		want string
	}{
		{"mainnet", chaincfg.MainNetParams.GenesisHash.String(), "mainnet"},
		{"unknown falls back to regtest", "not-a-real-genesis-hash", "regtest"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Detect(tc.hash)
			if got.Name != tc.want {
				t.Fatalf("Detect(%q).Name = %s, want %s", tc.hash, got.Name, tc.want)
			}
		})
	}
}
