// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txsign

import (
	"errors"
	"fmt"
	"sort"

	"github.com/coinparty/cpd/mixing"
	"github.com/coinparty/cpd/mixing/tecdsa"
	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/wire"
)

// Job collects the nonce reveals and partial signatures for every input of
// one transaction and combines them.  It is not safe for concurrent access.
type Job struct {
	purpose mixing.Purpose
	tx      *wire.MsgTx
	txHash  chainhash.Hash
	escrows []*Escrow
	index   map[mixing.UserID]int
	hashes  [][]byte
	keys    []*tecdsa.UserKeys
	signers []*tecdsa.Signer
	t       int

	reveals  map[uint32][]secp256k1.ModNScalar
	partials map[uint32][]secp256k1.ModNScalar
}

// NewJob prepares the signing of tx.  The i-th escrow and key set belong to
// the i-th input.
func NewJob(purpose mixing.Purpose, tx *wire.MsgTx, escrows []*Escrow,
	keys []*tecdsa.UserKeys, t int) (*Job, error) {

	if len(keys) != len(escrows) {
		return nil, fmt.Errorf("have %d escrows and %d key sets",
			len(escrows), len(keys))
	}
	hashes, err := SigHashes(tx, escrows)
	if err != nil {
		return nil, err
	}
	j := &Job{
		purpose:  purpose,
		tx:       tx,
		txHash:   tx.TxHash(),
		escrows:  escrows,
		index:    make(map[mixing.UserID]int, len(escrows)),
		hashes:   hashes,
		keys:     keys,
		signers:  make([]*tecdsa.Signer, len(escrows)),
		t:        t,
		reveals:  make(map[uint32][]secp256k1.ModNScalar),
		partials: make(map[uint32][]secp256k1.ModNScalar),
	}
	for i, e := range escrows {
		j.index[e.User] = i
		s, err := tecdsa.NewSigner(keys[i], purpose)
		if err != nil {
			return nil, err
		}
		j.signers[i] = s
	}
	return j, nil
}

// Tx returns the transaction being signed.
func (j *Job) Tx() *wire.MsgTx {
	return j.tx
}

// LocalReveal returns the local shares of the blinded nonce of every input.
func (j *Job) LocalReveal() *mixing.NonceReveal {
	msg := &mixing.NonceReveal{
		Purpose: j.purpose,
		Shares:  make([]mixing.UserScalar, len(j.escrows)),
	}
	for i, e := range j.escrows {
		p := tecdsa.ProductShare(j.keys[i], j.purpose)
		msg.Shares[i] = mixing.UserScalar{User: e.User, Value: p.Value.Bytes()}
	}
	return msg
}

// AddReveal records a peer's nonce reveal.  A reveal for another set of
// inputs is ignored without blame, since honest peers may disagree on the
// fundings to spend.
func (j *Job) AddReveal(sender uint32, msg *mixing.NonceReveal) error {
	if _, ok := j.reveals[sender]; ok {
		return nil
	}
	if msg.Purpose != j.purpose {
		return nil
	}
	if len(msg.Shares) != len(j.escrows) {
		return mixing.MakeError(mixing.ErrBadShare,
			fmt.Sprintf("peer %d revealed nonces of %d inputs, want %d",
				sender, len(msg.Shares), len(j.escrows)))
	}
	values := make([]secp256k1.ModNScalar, len(j.escrows))
	seen := make([]bool, len(j.escrows))
	for _, us := range msg.Shares {
		i, ok := j.index[us.User]
		if !ok {
			return mixing.MakeError(mixing.ErrBadShare,
				fmt.Sprintf("peer %d revealed the nonce of user %v, which "+
					"is not an input", sender, us.User))
		}
		if seen[i] {
			return mixing.Violation(mixing.ErrMalformedMessage,
				fmt.Sprintf("peer %d revealed the nonce of user %v twice",
					sender, us.User), sender)
		}
		v := us.Value
		if values[i].SetBytes(&v) != 0 {
			return mixing.Violation(mixing.ErrMalformedMessage,
				fmt.Sprintf("peer %d sent an overflowing nonce reveal",
					sender), sender)
		}
		seen[i] = true
	}
	j.reveals[sender] = values
	return nil
}

// Reveals returns the number of peers whose nonce reveals were recorded.
func (j *Job) Reveals() int {
	return len(j.reveals)
}

// LocalPartials signs every input with the local key shares.
func (j *Job) LocalPartials() *mixing.PartialSigs {
	msg := &mixing.PartialSigs{
		Purpose:  j.purpose,
		TxHash:   j.txHash,
		Partials: make([]mixing.InputPartial, len(j.signers)),
	}
	for i, s := range j.signers {
		p := s.Sign(j.hashes[i])
		msg.Partials[i] = mixing.InputPartial{
			Input: uint32(i),
			S:     p.Value.Bytes(),
		}
	}
	return msg
}

// Add records a peer's partial signatures.  Partials signing another
// transaction are ignored without blame: peers whose views of the confirmed
// fundings differ build different transactions.  Malformed partials are a
// protocol violation by the sender.
func (j *Job) Add(sender uint32, msg *mixing.PartialSigs) error {
	if _, ok := j.partials[sender]; ok {
		return nil
	}
	if msg.Purpose != j.purpose {
		return nil
	}
	if msg.TxHash != j.txHash {
		return mixing.MakeError(mixing.ErrBadPartialSig,
			fmt.Sprintf("peer %d signed %v transaction %v, want %v", sender,
				j.purpose, msg.TxHash, j.txHash))
	}
	if len(msg.Partials) != len(j.signers) {
		return mixing.Violation(mixing.ErrMalformedMessage,
			fmt.Sprintf("peer %d sent %d partials for %d inputs", sender,
				len(msg.Partials), len(j.signers)), sender)
	}
	values := make([]secp256k1.ModNScalar, len(j.signers))
	seen := make([]bool, len(j.signers))
	for _, p := range msg.Partials {
		if int(p.Input) >= len(values) || seen[p.Input] {
			return mixing.Violation(mixing.ErrMalformedMessage,
				fmt.Sprintf("peer %d sent a bad input index", sender), sender)
		}
		s := p.S
		if values[p.Input].SetBytes(&s) != 0 {
			return mixing.Violation(mixing.ErrMalformedMessage,
				fmt.Sprintf("peer %d sent an overflowing partial", sender),
				sender)
		}
		seen[p.Input] = true
	}
	j.partials[sender] = values
	return nil
}

// Count returns the number of peers whose partials were recorded.
func (j *Job) Count() int {
	return len(j.partials)
}

func (j *Job) points(values map[uint32][]secp256k1.ModNScalar, input int,
	exclude map[uint32]struct{}) []tecdsa.Scalar {

	points := make([]tecdsa.Scalar, 0, len(values))
	for sender, v := range values {
		if _, ok := exclude[sender]; ok {
			continue
		}
		points = append(points, tecdsa.Scalar{
			Index: mixing.ShareIndex(sender),
			Value: v[input],
		})
	}
	return points
}

func sortedRanks(set map[uint32]struct{}) []uint32 {
	ranks := make([]uint32, 0, len(set))
	for r := range set {
		ranks = append(ranks, r)
	}
	sort.Slice(ranks, func(a, b int) bool { return ranks[a] < ranks[b] })
	return ranks
}

// Combine assembles and verifies the signature of every input from the
// recorded reveals and partials, skipping peers in exclude.  Every blinded
// nonce candidate the reveals allow is tried before giving up, so a wrong
// reveal only delays signing until enough correct ones arrived.  Peers
// whose partials or reveals do not lie on the polynomials of an accepted
// signature are returned in a protocol violation error alongside the
// signed transaction.
func (j *Job) Combine(exclude map[uint32]struct{}) (*wire.MsgTx, error) {
	signed := j.tx.Copy()
	badPartials := make(map[uint32]struct{})
	badReveals := make(map[uint32]struct{})
	for i, e := range j.escrows {
		partials := j.points(j.partials, i, exclude)
		reveals := j.points(j.reveals, i, exclude)
		r := j.signers[i].R()
		c, err := tecdsa.Combine(partials, reveals, j.t, &r, e.PubKey, j.hashes[i])
		if err != nil {
			return nil, mixing.Errorf(mixing.ErrBadPartialSig,
				"input %d of %v: %w", i, j.txHash, err)
		}
		for _, x := range c.Inconsistent {
			badPartials[x-1] = struct{}{}
		}
		for _, x := range c.BadReveals {
			badReveals[x-1] = struct{}{}
		}
		if err := SetSignature(signed, i, c.Signature, e.PubKey); err != nil {
			return nil, err
		}
		if err := VerifyInput(signed, i, e.PkScript); err != nil {
			return nil, mixing.Errorf(mixing.ErrBadPartialSig,
				"input %d of %v failed script verification: %w", i,
				j.txHash, err)
		}
	}
	var errs []error
	if len(badPartials) != 0 {
		ranks := sortedRanks(badPartials)
		log.Warnf("Peers %v sent partial signatures inconsistent with %v",
			ranks, j.txHash)
		errs = append(errs, mixing.Violation(mixing.ErrBadPartialSig,
			"inconsistent partial signatures", ranks...))
	}
	if len(badReveals) != 0 {
		ranks := sortedRanks(badReveals)
		log.Warnf("Peers %v revealed nonce shares off the product "+
			"polynomial of %v", ranks, j.txHash)
		errs = append(errs, mixing.Violation(mixing.ErrBadShare,
			"nonce reveals off the product polynomial", ranks...))
	}
	return signed, errors.Join(errs...)
}
