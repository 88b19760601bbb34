// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package txsign builds the transactions spending escrowed funds and
// assembles their threshold signatures.
package txsign

import (
	"fmt"

	"github.com/coinparty/cpd/mixing"
	"github.com/coinparty/cpd/mixing/shuffle"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/decred/dcrd/txscript/v4"
	"github.com/decred/dcrd/txscript/v4/stdaddr"
	"github.com/decred/dcrd/wire"
)

// verifyFlags are the script flags combined signatures are checked with.
const verifyFlags = txscript.ScriptDiscourageUpgradableNops |
	txscript.ScriptVerifyCleanStack |
	txscript.ScriptVerifyCheckLockTimeVerify |
	txscript.ScriptVerifyCheckSequenceVerify |
	txscript.ScriptVerifySHA256

// Escrow is a confirmed funding of a user's escrow address.
type Escrow struct {
	User     mixing.UserID
	OutPoint wire.OutPoint
	Value    int64
	PkScript []byte
	PubKey   *secp256k1.PublicKey
}

// EscrowScript returns the pay to pubkey hash script of an escrow key.
func EscrowScript(pub *secp256k1.PublicKey, params stdaddr.AddressParamsV0) ([]byte, error) {
	addr, err := EscrowAddress(pub, params)
	if err != nil {
		return nil, err
	}
	_, script := addr.PaymentScript()
	return script, nil
}

// EscrowAddress returns the pay to pubkey hash address of an escrow key.
func EscrowAddress(pub *secp256k1.PublicKey, params stdaddr.AddressParamsV0) (*stdaddr.AddressPubKeyHashEcdsaSecp256k1V0, error) {
	h := stdaddr.Hash160(pub.SerializeCompressed())
	return stdaddr.NewAddressPubKeyHashEcdsaSecp256k1V0(h, params)
}

// OutputScript returns the pay to pubkey hash script of a shuffled output.
func OutputScript(o shuffle.Output, params stdaddr.AddressParamsV0) ([]byte, error) {
	addr, err := stdaddr.NewAddressPubKeyHashEcdsaSecp256k1V0(o[:], params)
	if err != nil {
		return nil, err
	}
	_, script := addr.PaymentScript()
	return script, nil
}

// BuildMix builds the mix transaction.  Escrows must be in user ID order and
// pairs must be the assignment of the same users; the i-th escrow funds the
// i-th paired output with mixValue.  Everything above the mixed value is
// left as the transaction fee.
func BuildMix(escrows []*Escrow, pairs []shuffle.Pair, mixValue int64,
	params stdaddr.AddressParamsV0) (*wire.MsgTx, error) {

	if len(escrows) != len(pairs) {
		return nil, fmt.Errorf("have %d escrows for %d outputs", len(escrows),
			len(pairs))
	}
	if len(escrows) == 0 {
		return nil, fmt.Errorf("no escrows to mix")
	}
	tx := wire.NewMsgTx()
	var total int64
	for i, e := range escrows {
		if e.User != pairs[i].Input {
			return nil, fmt.Errorf("escrow %d is not paired with its output", i)
		}
		if e.Value < mixValue {
			return nil, fmt.Errorf("escrow of user %v holds %d, less than "+
				"the mixed value %d", e.User, e.Value, mixValue)
		}
		op := e.OutPoint
		tx.AddTxIn(wire.NewTxIn(&op, e.Value, nil))
		total += e.Value
	}
	for _, p := range pairs {
		script, err := OutputScript(p.Output, params)
		if err != nil {
			return nil, err
		}
		tx.AddTxOut(wire.NewTxOut(mixValue, script))
	}
	if size := tx.SerializeSize(); size > MaxStandardSize {
		return nil, fmt.Errorf("mix transaction of %d bytes exceeds the "+
			"standard size", size)
	}
	log.Debugf("Built mix transaction %v: %d inputs, fee %d", tx.TxHash(),
		len(escrows), total-mixValue*int64(len(escrows)))
	return tx, nil
}

// BuildRefund builds a transaction returning escrowed fundings to their
// destination scripts.  The i-th escrow is paid back to the i-th destination,
// less an equal part of the fee required at feeRate.
func BuildRefund(escrows []*Escrow, dests [][]byte, feeRate int64) (*wire.MsgTx, error) {
	if len(escrows) != len(dests) {
		return nil, fmt.Errorf("have %d escrows for %d refund destinations",
			len(escrows), len(dests))
	}
	if len(escrows) == 0 {
		return nil, fmt.Errorf("no escrows to refund")
	}
	sizes := make([]int, len(dests))
	for i := range dests {
		sizes[i] = len(dests[i])
	}
	fee := FeeForSerializeSize(feeRate, EstimateSerializeSize(len(escrows), sizes))
	share := (fee + int64(len(escrows)) - 1) / int64(len(escrows))

	tx := wire.NewMsgTx()
	for i, e := range escrows {
		value := e.Value - share
		if value <= 0 || IsDustAmount(value, len(dests[i]), feeRate) {
			return nil, fmt.Errorf("escrow value %d of user %v does not "+
				"cover fee %d", e.Value, e.User, share)
		}
		op := e.OutPoint
		tx.AddTxIn(wire.NewTxIn(&op, e.Value, nil))
		tx.AddTxOut(wire.NewTxOut(value, dests[i]))
	}
	log.Debugf("Built refund transaction %v: %d %s, fee %d", tx.TxHash(),
		len(escrows), pickNoun(len(escrows), "input", "inputs"),
		share*int64(len(escrows)))
	return tx, nil
}

// SigHashes returns the signature hashes of every input of tx, which spends
// the given escrows in order.
func SigHashes(tx *wire.MsgTx, escrows []*Escrow) ([][]byte, error) {
	if len(tx.TxIn) != len(escrows) {
		return nil, fmt.Errorf("transaction has %d inputs for %d escrows",
			len(tx.TxIn), len(escrows))
	}
	hashes := make([][]byte, len(escrows))
	for i, e := range escrows {
		h, err := txscript.CalcSignatureHash(e.PkScript, txscript.SigHashAll,
			tx, i, nil)
		if err != nil {
			return nil, err
		}
		hashes[i] = h
	}
	return hashes, nil
}

// SetSignature writes the signature script redeeming a pay to pubkey hash
// escrow into an input of tx.
func SetSignature(tx *wire.MsgTx, idx int, sig *ecdsa.Signature, pub *secp256k1.PublicKey) error {
	sigBytes := append(sig.Serialize(), byte(txscript.SigHashAll))
	script, err := txscript.NewScriptBuilder().
		AddData(sigBytes).
		AddData(pub.SerializeCompressed()).
		Script()
	if err != nil {
		return err
	}
	tx.TxIn[idx].SignatureScript = script
	return nil
}

// VerifyInput executes the scripts of an input of tx, which must already
// carry its signature script.
func VerifyInput(tx *wire.MsgTx, idx int, pkScript []byte) error {
	vm, err := txscript.NewEngine(pkScript, tx, idx, verifyFlags, 0, nil)
	if err != nil {
		return err
	}
	return vm.Execute()
}
