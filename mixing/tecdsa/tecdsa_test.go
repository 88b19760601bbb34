// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package tecdsa

import (
	"errors"
	"testing"

	"github.com/coinparty/cpd/mixing"
	"github.com/decred/dcrd/crypto/blake256"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/stretchr/testify/require"
)

// dealAll sends the dealing of every dealer to every recipient for which
// deliver reports true.
func dealAll(t *testing.T, gens []*KeyGen, deliver func(dealer, recipient int) bool) {
	t.Helper()
	for dealer := range gens {
		for recipient := range gens {
			if deliver != nil && !deliver(dealer, recipient) {
				continue
			}
			d := gens[dealer].DealingFor(uint32(recipient))
			err := gens[recipient].AddDealing(uint32(dealer), d)
			require.NoError(t, err)
		}
	}
}

// acksOf collects the acknowledgements of every peer.
func acksOf(gens []*KeyGen) map[uint32]*mixing.DealAck {
	acks := make(map[uint32]*mixing.DealAck, len(gens))
	for i, g := range gens {
		acks[uint32(i)] = g.Ack()
	}
	return acks
}

// revealsOf collects the reveals of every dealer, passing each through
// modify when it is not nil.
func revealsOf(gens []*KeyGen, acks map[uint32]*mixing.DealAck,
	modify func(dealer int, rev *mixing.DealReveal)) map[uint32]*mixing.DealReveal {

	reveals := make(map[uint32]*mixing.DealReveal, len(gens))
	for i, g := range gens {
		rev := g.Reveal(acks)
		if modify != nil {
			modify(i, rev)
		}
		reveals[uint32(i)] = rev
	}
	return reveals
}

// qualifyAll decides the qualified dealers on every peer, checks they agree
// and returns every peer's keys.
func qualifyAll(t *testing.T, gens []*KeyGen, acks map[uint32]*mixing.DealAck,
	reveals map[uint32]*mixing.DealReveal) ([]uint32, []map[mixing.UserID]*UserKeys) {

	t.Helper()
	var qual []uint32
	keys := make([]map[mixing.UserID]*UserKeys, len(gens))
	for i, g := range gens {
		q, _ := g.Qualify(acks, reveals)
		if i == 0 {
			qual = q
		}
		require.Equal(t, qual, q, "peer %d decided other qualified dealers", i)
		k, err := g.Finalize(q)
		require.NoError(t, err)
		keys[i] = k
	}
	return qual, keys
}

// runKeyGen runs a full key generation among n peers for the given users and
// returns every peer's keys.
func runKeyGen(t *testing.T, n, th int, users []mixing.UserID) []map[mixing.UserID]*UserKeys {
	t.Helper()

	gens := make([]*KeyGen, n)
	for i := range gens {
		gens[i] = NewKeyGen(uint32(i), th, n, users)
	}
	dealAll(t, gens, nil)
	acks := acksOf(gens)
	qual, keys := qualifyAll(t, gens, acks, revealsOf(gens, acks, nil))
	require.Len(t, qual, n)
	return keys
}

// requireJointKeys checks that all peers agree on the joint keys of every
// user and that their shares interpolate to the joint secrets.
func requireJointKeys(t *testing.T, keys []map[mixing.UserID]*UserKeys, th int) {
	t.Helper()
	for u := range keys[0] {
		for k := mixing.SecretKind(0); k < mixing.NumSecretKinds; k++ {
			pub := keys[0][u].Pubs[k]
			points := make([]Scalar, 0, len(keys))
			for i := range keys {
				require.True(t, pub.IsEqual(keys[i][u].Pubs[k]),
					"peer %d disagrees on joint key", i)
				points = append(points, Scalar{
					Index: keys[i][u].Index,
					Value: keys[i][u].Shares[k],
				})
			}
			for first := 0; first+th+1 <= len(points); first++ {
				secret, err := Interpolate(points[first : first+th+1])
				require.NoError(t, err)
				priv := secp256k1.NewPrivateKey(&secret)
				require.True(t, priv.PubKey().IsEqual(pub),
					"shares from peer %d on do not match the joint key", first)
			}
		}
	}
}

func testUsers(n int) []mixing.UserID {
	users := make([]mixing.UserID, n)
	for i := range users {
		users[i] = blake256.Sum256([]byte{byte(i)})
	}
	return users
}

func TestKeyGenJointKey(t *testing.T) {
	const n, th = 4, 1
	users := testUsers(2)
	keys := runKeyGen(t, n, th, users)

	for _, u := range users {
		pub := keys[0][u].EscrowPubKey()
		points := make([]Scalar, 0, n)
		for i := range keys {
			require.True(t, pub.IsEqual(keys[i][u].EscrowPubKey()),
				"peers disagree on joint key")
			points = append(points, Scalar{
				Index: keys[i][u].Index,
				Value: keys[i][u].Shares[mixing.SecretEscrowKey],
			})
		}

		// Any t+1 shares give the same secret, matching the joint key.
		d, err := Interpolate(points[:th+1])
		require.NoError(t, err)
		d2, err := Interpolate(points[n-th-1:])
		require.NoError(t, err)
		require.True(t, d.Equals(&d2))
		priv := secp256k1.NewPrivateKey(&d)
		require.True(t, priv.PubKey().IsEqual(pub))
	}
}

// signAll runs the signing protocol for one user and purpose and returns all
// nonce reveals and partial signatures.
func signAll(t *testing.T, keys []map[mixing.UserID]*UserKeys, u mixing.UserID,
	p mixing.Purpose, hash []byte) (reveals, partials []Scalar, r secp256k1.ModNScalar) {

	t.Helper()
	reveals = make([]Scalar, len(keys))
	partials = make([]Scalar, len(keys))
	for i := range keys {
		reveals[i] = ProductShare(keys[i][u], p)
		s, err := NewSigner(keys[i][u], p)
		require.NoError(t, err)
		r = s.R()
		partials[i] = s.Sign(hash)
	}
	return reveals, partials, r
}

func TestThresholdSign(t *testing.T) {
	const n, th = 4, 1
	users := testUsers(1)
	keys := runKeyGen(t, n, th, users)
	u := users[0]
	pub := keys[0][u].EscrowPubKey()

	for _, p := range []mixing.Purpose{mixing.PurposeMix, mixing.PurposeRefund} {
		hash := blake256.Sum256([]byte("message " + p.String()))
		reveals, partials, r := signAll(t, keys, u, p, hash[:])

		c, err := Combine(partials, reveals, th, &r, pub, hash[:])
		require.NoError(t, err)
		require.True(t, c.Signature.Verify(hash[:], pub))
		require.Equal(t, []uint32{1, 2, 3}, c.Subset)
		require.Empty(t, c.Inconsistent)
		require.Empty(t, c.BadReveals)

		s := c.Signature.S()
		require.False(t, s.IsOverHalfOrder(), "signature is not low-S")
	}

	// Each purpose signs with its own nonce.
	rMix, err := NonceR(keys[0][u], mixing.PurposeMix)
	require.NoError(t, err)
	rRefund, err := NonceR(keys[0][u], mixing.PurposeRefund)
	require.NoError(t, err)
	require.False(t, rMix.Equals(&rRefund))
}

func TestCombineFlagsBadPartial(t *testing.T) {
	const n, th = 4, 1
	users := testUsers(1)
	keys := runKeyGen(t, n, th, users)
	u := users[0]
	pub := keys[0][u].EscrowPubKey()
	hash := blake256.Sum256([]byte("tx"))

	reveals, partials, r := signAll(t, keys, u, mixing.PurposeMix, hash[:])
	var one secp256k1.ModNScalar
	one.SetInt(1)
	partials[0].Value.Add(&one)

	c, err := Combine(partials, reveals, th, &r, pub, hash[:])
	require.NoError(t, err)
	require.Equal(t, []uint32{2, 3, 4}, c.Subset)
	require.Equal(t, []uint32{1}, c.Inconsistent)

	// With two bad partials no subset of three verifies.
	partials[1].Value.Add(&one)
	_, err = Combine(partials, reveals, th, &r, pub, hash[:])
	require.True(t, errors.Is(err, mixing.ErrBadPartialSig))
	require.True(t, errors.Is(err, mixing.ErrProtocolViolation))

	_, err = Combine(partials[:2], reveals, th, &r, pub, hash[:])
	require.True(t, errors.Is(err, mixing.ErrTooFewShares))
}

func TestAddDealingRejectsBadShare(t *testing.T) {
	const n, th = 4, 1
	users := testUsers(1)
	dealer := NewKeyGen(2, th, n, users)
	recipient := NewKeyGen(0, th, n, users)

	d := dealer.DealingFor(0)
	d.Polys[3].Share[31] ^= 1
	err := recipient.AddDealing(2, d)
	require.True(t, errors.Is(err, mixing.ErrBadDealing))
	require.Equal(t, []uint32{2}, mixing.Culprits(err))
	require.False(t, recipient.HasDealing(2))

	d = dealer.DealingFor(0)
	d.Polys = d.Polys[1:]
	err = recipient.AddDealing(2, d)
	require.True(t, errors.Is(err, mixing.ErrBadDealing))

	d = dealer.DealingFor(0)
	d.Polys[0].Commitments = d.Polys[0].Commitments[:1]
	err = recipient.AddDealing(2, d)
	require.True(t, errors.Is(err, mixing.ErrBadDealing))

	require.NoError(t, recipient.AddDealing(2, dealer.DealingFor(0)))
	require.Equal(t, []uint32{0, 2}, recipient.Dealers())

	_, err = recipient.Finalize([]uint32{0})
	require.True(t, errors.Is(err, mixing.ErrQuorumLost))
	_, err = recipient.Finalize([]uint32{0, 1})
	require.True(t, errors.Is(err, mixing.ErrTooFewShares))
}

func TestCombineRecoversFromBadReveal(t *testing.T) {
	const n, th = 4, 1
	users := testUsers(1)
	keys := runKeyGen(t, n, th, users)
	u := users[0]
	pub := keys[0][u].EscrowPubKey()
	hash := blake256.Sum256([]byte("tx"))

	reveals, partials, r := signAll(t, keys, u, mixing.PurposeRefund, hash[:])
	var one secp256k1.ModNScalar
	one.SetInt(1)
	reveals[0].Value.Add(&one)

	// With only 2t+1 reveals the wrong one cannot be left out.
	_, err := Combine(partials, reveals[:3], th, &r, pub, hash[:])
	require.True(t, errors.Is(err, mixing.ErrBadPartialSig))

	c, err := Combine(partials, reveals, th, &r, pub, hash[:])
	require.NoError(t, err)
	require.True(t, c.Signature.Verify(hash[:], pub))
	require.Equal(t, []uint32{2, 3, 4}, c.Product.Subset)
	require.Equal(t, []uint32{1}, c.BadReveals)
	require.Empty(t, c.Inconsistent)
}

func TestProductCandidates(t *testing.T) {
	const th = 1
	p := NewPolynomial(2 * th)
	points := make([]Scalar, 4)
	for i := range points {
		x := uint32(i + 1)
		points[i] = Scalar{Index: x, Value: p.Evaluate(x)}
	}
	want := p.Evaluate(0)

	c, err := ProductCandidates(points, th)
	require.NoError(t, err)
	require.Len(t, c, 1)
	require.True(t, c[0].U.Equals(&want))

	var one secp256k1.ModNScalar
	one.SetInt(1)
	points[1].Value.Add(&one)
	c, err = ProductCandidates(points, th)
	require.NoError(t, err)
	require.Len(t, c, 4)
	var found bool
	for _, cand := range c {
		if cand.U.Equals(&want) {
			require.Equal(t, []uint32{1, 3, 4}, cand.Subset)
			found = true
		}
	}
	require.True(t, found, "no candidate is the product")

	_, err = ProductCandidates(points[:2], th)
	require.True(t, errors.Is(err, mixing.ErrTooFewShares))
}

func TestKeyGenWithheldDealing(t *testing.T) {
	const n, th = 4, 1
	users := testUsers(2)
	gens := make([]*KeyGen, n)
	for i := range gens {
		gens[i] = NewKeyGen(uint32(i), th, n, users)
	}
	dealAll(t, gens, func(dealer, recipient int) bool {
		return dealer != 3 || recipient != 1
	})
	require.False(t, gens[1].HasDealing(3))

	acks := acksOf(gens)
	reveals := revealsOf(gens, acks, nil)
	require.Len(t, reveals[3].Opened, 1)
	require.Equal(t, uint32(1), reveals[3].Opened[0].Rank)
	for _, dealer := range []uint32{0, 1, 2} {
		require.Empty(t, reveals[dealer].Opened)
	}

	qual, keys := qualifyAll(t, gens, acks, reveals)
	require.Equal(t, []uint32{0, 1, 2, 3}, qual)
	requireJointKeys(t, keys, th)
}

func TestRevealAnswersOnlyAccusations(t *testing.T) {
	const n, th = 4, 1
	users := testUsers(1)
	gens := make([]*KeyGen, n)
	for i := range gens {
		gens[i] = NewKeyGen(uint32(i), th, n, users)
	}
	dealAll(t, gens, nil)

	// A peer whose acknowledgement never arrived is not answered.
	acks := acksOf(gens)
	delete(acks, 2)
	for dealer, g := range gens {
		require.Empty(t, g.Reveal(acks).Opened, "dealer %d", dealer)
	}

	// No share is opened to more than t accusers.
	acks = acksOf(gens)
	acks[1].Digests[0][0] ^= 1
	require.Len(t, gens[0].Reveal(acks).Opened, 1)
	acks[2].Digests[0][0] ^= 1
	require.Empty(t, gens[0].Reveal(acks).Opened)
}

func TestKeyGenUnansweredAccusation(t *testing.T) {
	const n, th = 4, 1
	users := testUsers(1)
	gens := make([]*KeyGen, n)
	for i := range gens {
		gens[i] = NewKeyGen(uint32(i), th, n, users)
	}
	dealAll(t, gens, func(dealer, recipient int) bool {
		return dealer != 3 || recipient != 1
	})
	acks := acksOf(gens)
	reveals := revealsOf(gens, acks, func(dealer int, rev *mixing.DealReveal) {
		if dealer == 3 {
			rev.Opened = nil
		}
	})

	qual, keys := qualifyAll(t, gens, acks, reveals)
	require.Equal(t, []uint32{0, 1, 2}, qual)
	requireJointKeys(t, keys, th)

	_, err := gens[0].Qualify(acks, reveals)
	require.True(t, errors.Is(err, mixing.ErrBadDealing))
	require.Empty(t, mixing.Culprits(err))
}

func TestQualifyRejectsBadOpenedShare(t *testing.T) {
	const n, th = 4, 1
	users := testUsers(1)
	gens := make([]*KeyGen, n)
	for i := range gens {
		gens[i] = NewKeyGen(uint32(i), th, n, users)
	}
	dealAll(t, gens, func(dealer, recipient int) bool {
		return dealer != 2 || recipient != 0
	})
	acks := acksOf(gens)
	reveals := revealsOf(gens, acks, func(dealer int, rev *mixing.DealReveal) {
		if dealer == 2 {
			rev.Opened[0].Shares[1][31] ^= 1
		}
	})

	qual, keys := qualifyAll(t, gens, acks, reveals)
	require.Equal(t, []uint32{0, 1, 3}, qual)
	requireJointKeys(t, keys, th)

	_, err := gens[1].Qualify(acks, reveals)
	require.True(t, errors.Is(err, mixing.ErrBadDealing))
	require.Equal(t, []uint32{2}, mixing.Culprits(err))

	// A malformed acknowledgement is blamed on its sender.
	bad := acksOf(gens)
	bad[3].Digests = nil
	_, err = gens[1].Qualify(bad, reveals)
	require.True(t, errors.Is(err, mixing.ErrMalformedMessage))
	require.Contains(t, mixing.Culprits(err), uint32(3))
}

func TestVerifyShare(t *testing.T) {
	p := NewPolynomial(2)
	commitments, err := ParseCommitments(p.Commitments(), 2)
	require.NoError(t, err)

	share := p.Evaluate(3)
	require.True(t, VerifyShare(commitments, 3, &share))
	require.False(t, VerifyShare(commitments, 4, &share))

	_, err = ParseCommitments(p.Commitments(), 3)
	require.Error(t, err)
}
