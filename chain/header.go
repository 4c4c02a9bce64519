// Package chain parses Electrum block headers, derives block hashes and
// identifies which Bitcoin network a server is serving.
package chain

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/wire"
)

// Header is a parsed 80-byte Bitcoin block header.
type Header struct {
	Height    int64
	Hash      string
	PrevBlock string
	Timestamp time.Time
}

// ParseHeader decodes a hex-encoded 80-byte header as returned by
// blockchain.block.header, deriving its block hash as the double-SHA256 of
// the header bytes, reversed for display (wire.BlockHeader.BlockHash
// already does this).
func ParseHeader(headerHex string, height int64) (*Header, error) {
	raw, err := hex.DecodeString(headerHex)
	if err != nil {
		return nil, fmt.Errorf("chain: decode header hex: %w", err)
	}
	if len(raw) != 80 {
		return nil, fmt.Errorf("chain: header must be 80 bytes, got %d", len(raw))
	}

	var hdr wire.BlockHeader
	if err := hdr.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("chain: parse header: %w", err)
	}

	hash := hdr.BlockHash()
	return &Header{
		Height:    height,
		Hash:      hash.String(),
		PrevBlock: hdr.PrevBlock.String(),
		Timestamp: hdr.Timestamp,
	}, nil
}
