package rpc

import (
	"encoding/base64"
	"math"

	"github.com/btcsuite/btcd/chaincfg"
)

// btcToSat and satToBTC convert at the JSON boundary only; everything
// internal carries signed 64-bit satoshis.
func btcToSat(btc float64) int64 {
	return int64(math.Round(btc * 1e8))
}

func satToBTC(sat int64) float64 {
	return float64(sat) / 1e8
}

func decodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

func encodeBase64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// coreChainName maps btcsuite's network names ("mainnet", "testnet3")
// onto the names Bitcoin Core reports ("main", "test", "signet",
// "regtest").
func coreChainName(params *chaincfg.Params) string {
	switch params.Name {
	case chaincfg.MainNetParams.Name:
		return "main"
	case chaincfg.TestNet3Params.Name:
		return "test"
	case chaincfg.SigNetParams.Name:
		return "signet"
	default:
		return "regtest"
	}
}
