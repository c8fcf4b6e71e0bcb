package tx

// EstimateTxFee returns the minimum fee for a transaction with the given
// number of inputs and P2PKH outputs at feeRate (base units per byte of
// SigningBytes).
//
//	version(4) + inputCount(4) + inputs(36*n) + outputCount(4) + outputs(33*n) + locktime(8)
func EstimateTxFee(numInputs, numOutputs int, feeRate uint64) uint64 {
	const overhead = 4 + 4 + 4 + 8
	const perInput = 32 + 4
	const perOutput = 8 + 1 + 4 + 20

	size := overhead + perInput*numInputs + perOutput*numOutputs
	return uint64(size) * feeRate
}

// RequiredFee returns the exact minimum fee for a built transaction.
func RequiredFee(transaction *Transaction, feeRate uint64) uint64 {
	return uint64(len(transaction.SigningBytes())) * feeRate
}
