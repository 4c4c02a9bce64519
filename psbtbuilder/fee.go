// Package psbtbuilder implements walletcreatefundedpsbt's coin
// selection/fee-accounting and walletprocesspsbt's sign-and-finalize.
// Every size and signing decision is made per-input from the Store's
// recorded script kind, so a wallet holding both wpkh and tr scripts
// sizes and signs mixed transactions correctly.
package psbtbuilder

import (
	"fmt"
	"sort"
)

// Dust and virtual-size accounting constants.
const (
	DustLimit = 546

	p2wpkhInputSize  = 68
	p2wpkhOutputSize = 31
	p2trInputSize    = 58
	p2trOutputSize   = 43
	txOverhead       = 10

	// MaxReasonableFeeRate guards against a misconfigured fee_rate or a
	// wildly high estimatesmartfee response being used unchecked.
	MaxReasonableFeeRate = 1000

	// SequenceRBF opts a transaction's inputs into BIP125 replace-by-fee.
	SequenceRBF = 0xFFFFFFFD
	// SequenceFinal disables replace-by-fee.
	SequenceFinal = 0xFFFFFFFF
)

// scriptKind classifies a scriptPubKey for size/signing purposes. Only
// the two kinds the descriptor package derives are recognized; anything
// else (externally-supplied legacy/P2SH outputs) is sized as P2WPKH.
type scriptKind int

const (
	kindP2WPKH scriptKind = iota
	kindP2TR
)

func classifyScript(script []byte) scriptKind {
	if len(script) == 34 && script[0] == 0x51 && script[1] == 0x20 {
		return kindP2TR
	}
	return kindP2WPKH
}

func inputVSize(k scriptKind) int64 {
	if k == kindP2TR {
		return p2trInputSize
	}
	return p2wpkhInputSize
}

func outputVSize(k scriptKind) int64 {
	if k == kindP2TR {
		return p2trOutputSize
	}
	return p2wpkhOutputSize
}

// estimateVSize sums overhead plus each input/output's own discounted
// witness size, per each candidate's recorded script kind.
func estimateVSize(inputs []candidateUTXO, outputKinds []scriptKind) int64 {
	vsize := int64(txOverhead)
	for _, c := range inputs {
		vsize += inputVSize(c.kind)
	}
	for _, k := range outputKinds {
		vsize += outputVSize(k)
	}
	return vsize
}

// ValidateFeeRate reports a human-readable problem with a fee rate, or
// empty if it's within the safety ceiling.
func ValidateFeeRate(satPerVByte int64) string {
	if satPerVByte > MaxReasonableFeeRate {
		return fmt.Sprintf("fee rate %d sat/vB exceeds safety limit of %d sat/vB", satPerVByte, MaxReasonableFeeRate)
	}
	return ""
}

// selectUTXOs appends unlocked, eligible UTXOs ordered by amount
// descending until input value covers outputs plus the running fee
// estimate for the inputs selected so far.
func selectUTXOs(candidates []candidateUTXO, already []candidateUTXO, targetAmount int64, feeRate int64, outputKinds []scriptKind) ([]candidateUTXO, int64, error) {
	sorted := make([]candidateUTXO, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].utxo.Amount > sorted[j].utxo.Amount })

	selected := append([]candidateUTXO{}, already...)
	var totalInput int64
	for _, c := range selected {
		totalInput += c.utxo.Amount
	}

	fee := estimateVSize(selected, outputKinds) * feeRate
	if totalInput >= targetAmount+fee {
		return selected, fee, nil
	}

	for _, c := range sorted {
		selected = append(selected, c)
		totalInput += c.utxo.Amount
		fee = estimateVSize(selected, outputKinds) * feeRate
		if totalInput >= targetAmount+fee {
			return selected, fee, nil
		}
	}

	return nil, 0, fmt.Errorf("psbtbuilder: insufficient funds: have %d, need %d plus %d fee", totalInput, targetAmount, fee)
}
