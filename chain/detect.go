package chain

import "github.com/btcsuite/btcd/chaincfg"

// Detect identifies the Bitcoin network a server belongs to from its
// genesis block hash. Anything that doesn't match a known genesis hash
// is treated as a regtest-style chain.
func Detect(genesisHash string) *chaincfg.Params {
	switch genesisHash {
	case chaincfg.MainNetParams.GenesisHash.String():
		return &chaincfg.MainNetParams
	case chaincfg.TestNet3Params.GenesisHash.String():
		return &chaincfg.TestNet3Params
	case chaincfg.SigNetParams.GenesisHash.String():
		return &chaincfg.SigNetParams
	default:
		return &chaincfg.RegressionNetParams
	}
}
