// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txsign

import (
	"github.com/decred/dcrd/wire"
)

// DefaultFeeRate is the default relay fee rate in atoms per kilobyte.
const DefaultFeeRate = 0.0001e8

// MaxStandardSize is the largest serialized transaction size accepted by
// default mempool policy.
const MaxStandardSize = 100000

const (
	redeemP2PKHv0SigScriptSize = 1 + 73 + 1 + 33
	p2pkhv0PkScriptSize        = 1 + 1 + 1 + 20 + 1 + 1
)

// EstimateSerializeSize returns the worst case serialize size of a
// transaction redeeming the given number of escrows and paying outputs with
// the given script sizes.
func EstimateSerializeSize(inputs int, outputScriptSizes []int) int {
	// Sum the estimated sizes of the inputs and outputs.
	txInsSize := inputs * estimateInputSize(redeemP2PKHv0SigScriptSize)

	var txOutsSize int
	for _, sz := range outputScriptSizes {
		txOutsSize += estimateOutputSize(sz)
	}

	// 12 additional bytes are for version, locktime and expiry.
	return 12 + (2 * wire.VarIntSerializeSize(uint64(inputs))) +
		wire.VarIntSerializeSize(uint64(len(outputScriptSizes))) +
		txInsSize + txOutsSize
}

// MixFee returns the fee required by a mix transaction of the given number
// of users.
func MixFee(feeRate int64, users int) int64 {
	sizes := make([]int, users)
	for i := range sizes {
		sizes[i] = p2pkhv0PkScriptSize
	}
	return FeeForSerializeSize(feeRate, EstimateSerializeSize(users, sizes))
}

// FeeForSerializeSize returns the fee of a transaction of the given size.
func FeeForSerializeSize(relayFeePerKb int64, txSerializeSize int) int64 {
	fee := relayFeePerKb * int64(txSerializeSize) / 1000

	if fee == 0 && relayFeePerKb > 0 {
		fee = relayFeePerKb
	}

	const maxAmount = 21e6 * 1e8
	if fee < 0 || fee > maxAmount {
		fee = maxAmount
	}

	return fee
}

// IsDustAmount determines whether a transaction output value and script
// length would cause the output to be considered dust.
func IsDustAmount(amount int64, scriptSize int, relayFeePerKb int64) bool {
	// The cost to the network is the serialize size of the output plus the
	// average size of a compressed P2PKH redeem input.
	totalSize := 8 + 2 + wire.VarIntSerializeSize(uint64(scriptSize)) +
		scriptSize + 165

	// Dust is defined as an output value where the total cost to the network
	// (output size + input size) is greater than 1/3 of the relay fee.
	return amount*1000/(3*int64(totalSize)) < relayFeePerKb
}

// estimateInputSize returns the worst case serialize size estimate for a tx input
func estimateInputSize(scriptSize int) int {
	return 32 + // previous tx
		4 + // output index
		1 + // tree
		8 + // amount
		4 + // block height
		4 + // block index
		wire.VarIntSerializeSize(uint64(scriptSize)) + // size of script
		scriptSize + // script itself
		4 // sequence
}

// estimateOutputSize returns the worst case serialize size estimate for a tx output
func estimateOutputSize(scriptSize int) int {
	return 8 + // previous tx
		2 + // version
		wire.VarIntSerializeSize(uint64(scriptSize)) + // size of script
		scriptSize // script itself
}
