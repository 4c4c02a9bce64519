package psbtbuilder

import (
	"context"

	"github.com/cryptoadvance/spectrum-go/store"
)

// candidateUTXO pairs a stored UTXO with the Script it belongs to, so
// selection and sizing can use the script's kind and descriptor lineage
// without a second Store round-trip per candidate.
type candidateUTXO struct {
	utxo   *store.UTXO
	script *store.Script
	kind   scriptKind
}

// Input names an explicit outpoint to spend, as supplied to
// walletcreatefundedpsbt's inputs argument.
type Input struct {
	TxID string
	Vout uint32
}

// Output names a destination and amount, as supplied to
// walletcreatefundedpsbt's outputs argument.
type Output struct {
	Address string
	Amount  int64
}

// Options mirrors walletcreatefundedpsbt's options object.
type Options struct {
	FeeRate                *int64 // sat/vB; nil means derive from ConfTarget via estimatesmartfee
	ConfTarget             int    // blocks, used only when FeeRate is nil; 0 means 6
	ChangeAddress          string // empty means generate a fresh internal address
	ChangePosition         *int   // nil means place randomly
	IncludeUnsafe          bool   // include unconfirmed UTXOs during auto-selection
	LockUnspents           bool
	Replaceable            bool
	SubtractFeeFromOutputs []int // output indexes to subtract the fee from, proportionally
	AddInputs              *bool // nil means true only when the explicit input list is empty
}

// CreateResult is walletcreatefundedpsbt's response shape.
type CreateResult struct {
	PSBT           string
	FeeBTC         float64
	ChangePosition int
}

// ProcessResult is walletprocesspsbt's response shape.
type ProcessResult struct {
	PSBT     string
	Complete bool
}

// ElectrumClient is the subset of electrum.Client psbtbuilder depends on.
type ElectrumClient interface {
	EstimateFee(ctx context.Context, blocks int) (float64, error)
	GetTransaction(ctx context.Context, txid string) (string, error)
}

// ChangeAddressSource supplies a fresh internal (change) address, backed
// by wallet.Service in production and a stub in tests.
type ChangeAddressSource interface {
	GetRawChangeAddress(ctx context.Context, walletName string) (string, error)
}
