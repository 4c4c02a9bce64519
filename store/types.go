// Package store implements the transactional persistence layer for
// wallets, descriptors, scripts, UTXOs and transactions.
package store

import "time"

// TxCategory classifies how an on-chain transaction affects a script.
type TxCategory string

const (
	CategoryUnknown TxCategory = "UNKNOWN"
	CategoryReceive TxCategory = "RECEIVE"
	CategorySend    TxCategory = "SEND"
	CategoryChange  TxCategory = "CHANGE"
)

// Wallet is a named collection of descriptors, scripts, utxos and txs.
type Wallet struct {
	ID                 uint64 `json:"id"`
	Name               string `json:"name"`
	PrivateKeysEnabled bool   `json:"private_keys_enabled"`
	EncryptedSeed      []byte `json:"encrypted_seed,omitempty"`
	PasswordSalt       []byte `json:"password_salt,omitempty"`
}

// Descriptor describes one (wallet, internal) output-descriptor chain.
type Descriptor struct {
	ID                uint64 `json:"id"`
	WalletID          uint64 `json:"wallet_id"`
	Active            bool   `json:"active"`
	Internal          bool   `json:"internal"`
	PublicDescriptor  string `json:"public_descriptor"`
	PrivateDescriptor string `json:"private_descriptor,omitempty"`
	NextIndex         uint32 `json:"next_index"`
	Range             uint32 `json:"range"`
}

// Script is one pre-generated or externally labelled script-pubkey.
type Script struct {
	ID           uint64  `json:"id"`
	WalletID     uint64  `json:"wallet_id"`
	DescriptorID uint64  `json:"descriptor_id,omitempty"`
	HasIndex     bool    `json:"has_index"`
	Index        uint32  `json:"index,omitempty"`
	ScriptBytes  []byte  `json:"script_bytes"`
	ScriptHash   string  `json:"scripthash"`
	State        *string `json:"state,omitempty"`
	Confirmed    int64   `json:"confirmed"`
	Unconfirmed  int64   `json:"unconfirmed"`
	Label        string  `json:"label,omitempty"`
}

// UTXO is one unspent output belonging to a Script.
type UTXO struct {
	ID       uint64 `json:"id"`
	ScriptID uint64 `json:"script_id"`
	WalletID uint64 `json:"wallet_id"`
	TxID     string `json:"txid"`
	Vout     uint32 `json:"vout"`
	Height   *int64 `json:"height,omitempty"`
	Amount   int64  `json:"amount"`
	Locked   bool   `json:"locked"`
}

// Tx is one on-chain transaction as it affects a single Script.
type Tx struct {
	ID          uint64     `json:"id"`
	ScriptID    uint64     `json:"script_id"`
	WalletID    uint64     `json:"wallet_id"`
	TxID        string     `json:"txid"`
	BlockHash   string     `json:"blockhash,omitempty"`
	Height      *int64     `json:"height,omitempty"`
	BlockTime   *time.Time `json:"blocktime,omitempty"`
	Replaceable bool       `json:"replaceable"`
	Category    TxCategory `json:"category"`
	Vout        uint32     `json:"vout"`
	Amount      int64      `json:"amount"`
	Fee         *int64     `json:"fee,omitempty"`
}
