// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package shuffle reconstructs the secret shared outputs of a session and
// derives the permutation assigning escrow inputs to outputs.
//
// Every peer broadcasts its share of every user's output.  Once enough
// shares of an output are collected it is reconstructed robustly: subsets of
// t+1 shares are tried until the reconstructed value hashes to the committed
// output hash, and peers whose shares disagree with that value are reported.
package shuffle

import (
	"bytes"
	"fmt"
	"math/big"
	"sort"

	"github.com/coinparty/cpd/mixing"
	"github.com/coinparty/cpd/mixing/internal/chacha20prng"
	"github.com/decred/dcrd/crypto/blake256"
)

// OutputSize is the length of a shared output, the hash160 of a pay to
// pubkey hash address.
const OutputSize = 20

// Output is a reconstructed user output.
type Output [OutputSize]byte

// OutputHash returns the hash a user commits to for an output.
func OutputHash(o Output) [32]byte {
	return blake256.Sum256(o[:])
}

// OutputSecret returns the field element encoding of an output.
func OutputSecret(o Output) *big.Int {
	return new(big.Int).SetBytes(o[:])
}

// outputFromSecret converts a reconstructed secret back to an output.  It
// fails when the secret does not fit.
func outputFromSecret(s *big.Int) (Output, bool) {
	var o Output
	if s.Sign() < 0 || s.BitLen() > OutputSize*8 {
		return o, false
	}
	s.FillBytes(o[:])
	return o, true
}

// Collector gathers the output shares of one session.  It is not safe for
// concurrent access.
type Collector struct {
	t       int
	commits map[mixing.UserID][32]byte
	shares  map[mixing.UserID]map[uint32]*big.Int
	senders map[uint32]struct{}
	flagged map[uint32]struct{}
	outputs map[mixing.UserID]Output
}

// NewCollector returns a collector for the users of a session with their
// committed output hashes.  The threshold t is the degree of the sharing
// polynomials.
func NewCollector(t int, commits map[mixing.UserID][32]byte) *Collector {
	c := &Collector{
		t:       t,
		commits: commits,
		shares:  make(map[mixing.UserID]map[uint32]*big.Int, len(commits)),
		senders: make(map[uint32]struct{}),
		flagged: make(map[uint32]struct{}),
		outputs: make(map[mixing.UserID]Output, len(commits)),
	}
	for id := range commits {
		c.shares[id] = make(map[uint32]*big.Int)
	}
	return c
}

// AddLocal records the local peer's own share of a user's output.
func (c *Collector) AddLocal(rank uint32, id mixing.UserID, s *mixing.Share) {
	if m, ok := c.shares[id]; ok {
		m[rank] = s.Value
	}
}

// LocalShares returns the message carrying the local peer's shares.
func (c *Collector) LocalShares(rank uint32) *mixing.OutputShares {
	msg := &mixing.OutputShares{}
	for _, id := range c.users() {
		if v, ok := c.shares[id][rank]; ok {
			msg.Shares = append(msg.Shares, mixing.UserShare{
				User:  id,
				Value: v.Bytes(),
			})
		}
	}
	return msg
}

// Add records the output shares broadcast by a peer.  Shares for unknown
// users or outside the field are rejected as malformed; detection of wrong
// shares happens only at reconstruction.
func (c *Collector) Add(sender uint32, msg *mixing.OutputShares) error {
	if _, ok := c.senders[sender]; ok {
		return nil
	}
	parsed := make(map[mixing.UserID]*big.Int, len(msg.Shares))
	for _, us := range msg.Shares {
		if _, ok := c.commits[us.User]; !ok {
			return mixing.Violation(mixing.ErrMalformedMessage,
				fmt.Sprintf("share for unknown user %v", us.User), sender)
		}
		v := new(big.Int).SetBytes(us.Value)
		if !mixing.InField(v) {
			return mixing.Violation(mixing.ErrInvalidShare,
				fmt.Sprintf("share for user %v out of range", us.User), sender)
		}
		parsed[us.User] = v
	}
	for id, v := range parsed {
		c.shares[id][sender] = v
	}
	c.senders[sender] = struct{}{}
	return nil
}

// Senders returns the number of peers whose shares were recorded, including
// the local peer once its own shares are added.
func (c *Collector) Senders() int {
	return len(c.senders)
}

// MarkSent records that the local peer's shares are part of the collection.
func (c *Collector) MarkSent(rank uint32) {
	c.senders[rank] = struct{}{}
}

// Flagged returns the sorted ranks of peers caught sending wrong shares.
func (c *Collector) Flagged() []uint32 {
	out := make([]uint32, 0, len(c.flagged))
	for r := range c.flagged {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Done returns whether every output was reconstructed.
func (c *Collector) Done() bool {
	return len(c.outputs) == len(c.commits)
}

// Outputs returns the reconstructed outputs.
func (c *Collector) Outputs() map[mixing.UserID]Output {
	return c.outputs
}

func (c *Collector) users() []mixing.UserID {
	ids := make([]mixing.UserID, 0, len(c.commits))
	for id := range c.commits {
		ids = append(ids, id)
	}
	mixing.SortUsers(ids)
	return ids
}

// Reconstruct attempts to reconstruct every output not yet known, skipping
// shares of peers in exclude.  Peers whose shares disagree with a verified
// output are flagged and returned in a protocol violation error; the error
// is nil when no new culprit was found.  Outputs that cannot be
// reconstructed yet are left for a later attempt.
func (c *Collector) Reconstruct(exclude map[uint32]struct{}) error {
	var culprits []uint32
	for _, id := range c.users() {
		if _, ok := c.outputs[id]; ok {
			continue
		}
		commit := c.commits[id]
		shares := make([]mixing.Share, 0, len(c.shares[id]))
		for rank, v := range c.shares[id] {
			if _, ok := exclude[rank]; ok {
				continue
			}
			if _, ok := c.flagged[rank]; ok {
				continue
			}
			shares = append(shares, mixing.Share{
				Index: mixing.ShareIndex(rank),
				Value: v,
			})
		}
		verify := func(s *big.Int) bool {
			o, ok := outputFromSecret(s)
			return ok && OutputHash(o) == commit
		}
		res, err := mixing.RobustReconstruct(shares, c.t, verify)
		if err != nil {
			log.Debugf("Output of user %v not reconstructed yet from %d "+
				"shares: %v", id, len(shares), err)
			continue
		}
		o, _ := outputFromSecret(res.Secret)
		c.outputs[id] = o
		for _, x := range res.Inconsistent {
			rank := x - 1
			if _, ok := c.flagged[rank]; !ok {
				log.Warnf("Peer %d sent a wrong share of user %v", rank, id)
				c.flagged[rank] = struct{}{}
				culprits = append(culprits, rank)
			}
		}
	}
	if len(culprits) != 0 {
		return mixing.Violation(mixing.ErrBadShare,
			"inconsistent output shares", culprits...)
	}
	return nil
}

// Pair assigns an escrow input to an output.
type Pair struct {
	Input  mixing.UserID
	Output Output
}

// Assign derives the output assignment of a session.  Outputs are sorted
// and then permuted by a PRNG seeded from the session ID and the user set,
// so every honest peer derives the same assignment while the order reveals
// nothing about which user committed which output.  The i-th input in user
// ID order pays the i-th permuted output.
func Assign(sid [32]byte, outputs map[mixing.UserID]Output) []Pair {
	users := make([]mixing.UserID, 0, len(outputs))
	outs := make([]Output, 0, len(outputs))
	for id, o := range outputs {
		users = append(users, id)
		outs = append(outs, o)
	}
	mixing.SortUsers(users)
	sort.Slice(outs, func(i, j int) bool {
		return bytes.Compare(outs[i][:], outs[j][:]) < 0
	})

	seed := mixing.PermutationSeed(sid, users)
	prng := chacha20prng.New(seed[:], 0)
	prng.Shuffle(len(outs), func(i, j int) {
		outs[i], outs[j] = outs[j], outs[i]
	})

	pairs := make([]Pair, len(users))
	for i := range users {
		pairs[i] = Pair{Input: users[i], Output: outs[i]}
	}
	return pairs
}
