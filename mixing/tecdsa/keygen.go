// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package tecdsa

import (
	"errors"
	"fmt"
	"sort"

	"github.com/coinparty/cpd/mixing"
	"github.com/decred/dcrd/crypto/blake256"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/jrick/bitset"
)

type polyKey struct {
	user   mixing.UserID
	secret mixing.SecretKind
}

type received struct {
	commitments []*secp256k1.PublicKey
	share       secp256k1.ModNScalar
}

// UserKeys is one peer's share of the jointly generated secrets of a user,
// together with their joint public keys.
type UserKeys struct {
	Index  uint32
	Shares [mixing.NumSecretKinds]secp256k1.ModNScalar
	Pubs   [mixing.NumSecretKinds]*secp256k1.PublicKey
}

// EscrowPubKey returns the joint escrow public key.
func (k *UserKeys) EscrowPubKey() *secp256k1.PublicKey {
	return k.Pubs[mixing.SecretEscrowKey]
}

// KeyGen runs this peer's side of a Joint-Feldman distributed key generation
// for every user of a session and every secret kind.  It is not safe for
// concurrent access.
//
// Dealings are sent point to point.  Every peer then acknowledges the
// dealings it verified by the digest of their commitments, and every dealer
// publishes its commitments together with the shares of the peers whose
// acknowledgement accuses it.  A dealer qualifies when all of these opened
// shares match its commitments and every accusation is answered, so each
// peer holds a verified share of every qualified dealer.
type KeyGen struct {
	rank  uint32
	t     int
	n     int
	users []mixing.UserID
	order []polyKey

	own     map[polyKey]*Polynomial
	commits map[polyKey][][]byte
	recv    map[uint32]map[polyKey]*received
	digests map[uint32][32]byte
	final   map[uint32]map[polyKey]*received
}

// NewKeyGen deals fresh polynomials of degree t for each user and secret
// kind.  The peer's own dealing to itself is accepted immediately.
func NewKeyGen(rank uint32, t, n int, users []mixing.UserID) *KeyGen {
	g := &KeyGen{
		rank:    rank,
		t:       t,
		n:       n,
		users:   append([]mixing.UserID(nil), users...),
		own:     make(map[polyKey]*Polynomial),
		commits: make(map[polyKey][][]byte),
		recv:    make(map[uint32]map[polyKey]*received),
		digests: make(map[uint32][32]byte),
	}
	mixing.SortUsers(g.users)
	for _, u := range g.users {
		for k := mixing.SecretKind(0); k < mixing.NumSecretKinds; k++ {
			key := polyKey{u, k}
			p := NewPolynomial(t)
			g.order = append(g.order, key)
			g.own[key] = p
			g.commits[key] = p.Commitments()
		}
	}
	// Own dealing always verifies.
	_ = g.AddDealing(rank, g.DealingFor(rank))
	return g
}

// Users returns the sorted users keys are generated for.
func (g *KeyGen) Users() []mixing.UserID {
	return g.users
}

// DealingFor returns the dealing message for the peer with the given rank.
func (g *KeyGen) DealingFor(rank uint32) *mixing.Dealing {
	x := mixing.ShareIndex(rank)
	d := &mixing.Dealing{
		Polys: make([]mixing.DealtPoly, 0, len(g.order)),
	}
	for _, key := range g.order {
		share := g.own[key].Evaluate(x)
		d.Polys = append(d.Polys, mixing.DealtPoly{
			User:        key.user,
			Secret:      key.secret,
			Commitments: g.commits[key],
			Share:       share.Bytes(),
		})
	}
	return d
}

// commitmentDigest binds the commitments of a dealing, in dealing order.
// Commitments are hashed in compressed form so that two encodings of the
// same points have the same digest.
func commitmentDigest(order []polyKey, polys map[polyKey]*received) [32]byte {
	h := blake256.New()
	for _, key := range order {
		for _, c := range polys[key].commitments {
			h.Write(c.SerializeCompressed())
		}
	}
	var d [32]byte
	copy(d[:], h.Sum(nil))
	return d
}

// AddDealing verifies every polynomial of a dealer's dealing against its
// commitments and records it.  A dealing that is incomplete or fails
// verification is rejected as a protocol violation by the dealer.
func (g *KeyGen) AddDealing(dealer uint32, d *mixing.Dealing) error {
	if _, ok := g.recv[dealer]; ok {
		return nil
	}
	violation := func(format string, args ...interface{}) error {
		return mixing.Violation(mixing.ErrBadDealing,
			fmt.Sprintf(format, args...), dealer)
	}

	x := mixing.ShareIndex(g.rank)
	polys := make(map[polyKey]*received, len(d.Polys))
	for i := range d.Polys {
		dp := &d.Polys[i]
		if dp.Secret >= mixing.NumSecretKinds {
			return violation("dealer %d: unknown secret kind %d", dealer,
				dp.Secret)
		}
		key := polyKey{dp.User, dp.Secret}
		if _, ok := g.own[key]; !ok {
			return violation("dealer %d: dealing for unknown user %v",
				dealer, dp.User)
		}
		if _, ok := polys[key]; ok {
			return violation("dealer %d: duplicate polynomial", dealer)
		}
		commitments, err := ParseCommitments(dp.Commitments, g.t)
		if err != nil {
			return violation("dealer %d: commitments: %v", dealer, err)
		}
		r := &received{commitments: commitments}
		if overflow := r.share.SetBytes(&dp.Share); overflow != 0 {
			return violation("dealer %d: share overflows group order", dealer)
		}
		if !VerifyShare(commitments, x, &r.share) {
			return violation("dealer %d: share for user %v secret %d does "+
				"not match commitments", dealer, dp.User, dp.Secret)
		}
		polys[key] = r
	}
	if len(polys) != len(g.own) {
		return violation("dealer %d: dealing has %d polynomials, want %d",
			dealer, len(polys), len(g.own))
	}
	g.recv[dealer] = polys
	g.digests[dealer] = commitmentDigest(g.order, polys)
	return nil
}

// Dealers returns the sorted ranks of dealers whose dealings were accepted.
func (g *KeyGen) Dealers() []uint32 {
	out := make([]uint32, 0, len(g.recv))
	for r := range g.recv {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// HasDealing returns whether the dealing of a dealer was accepted.
func (g *KeyGen) HasDealing(dealer uint32) bool {
	_, ok := g.recv[dealer]
	return ok
}

// Ack returns the acknowledgement of the accepted dealings.  Every dealer
// left out of it is accused of withholding or corrupting its dealing.
func (g *KeyGen) Ack() *mixing.DealAck {
	set := bitset.NewBytes(g.n)
	ack := &mixing.DealAck{Accepted: set}
	for _, dealer := range g.Dealers() {
		set.Set(int(dealer))
		ack.Digests = append(ack.Digests, g.digests[dealer])
	}
	return ack
}

// parseAck returns the commitment digest a peer acknowledged for each
// dealer.
func (g *KeyGen) parseAck(sender uint32, a *mixing.DealAck) (map[uint32][32]byte, error) {
	malformed := func(desc string) error {
		return mixing.Violation(mixing.ErrMalformedMessage,
			fmt.Sprintf("peer %d: %s", sender, desc), sender)
	}
	set := bitset.Bytes(a.Accepted)
	if len(set) != len(bitset.NewBytes(g.n)) {
		return nil, malformed("dealing acknowledgement of wrong size")
	}
	out := make(map[uint32][32]byte, len(a.Digests))
	for rank := 0; rank < g.n; rank++ {
		if !set.Get(rank) {
			continue
		}
		if len(out) == len(a.Digests) {
			return nil, malformed("acknowledged dealing without a digest")
		}
		out[uint32(rank)] = a.Digests[len(out)]
	}
	if len(out) != len(a.Digests) {
		return nil, malformed("digest of an unacknowledged dealing")
	}
	return out, nil
}

// Reveal returns this dealer's public answer to the acknowledgements of the
// peers: the commitments of every polynomial, and the shares of every peer
// whose acknowledgement does not carry the digest of them.  Peers whose
// acknowledgement is missing are not answered, as opening the share of an
// honest peer would hand the t faulty ones the t+1st share.  No share is
// opened when more than t peers accuse the dealer.
func (g *KeyGen) Reveal(acks map[uint32]*mixing.DealAck) *mixing.DealReveal {
	digest := g.digests[g.rank]
	var accusers []uint32
	for rank := 0; rank < g.n; rank++ {
		r := uint32(rank)
		a, ok := acks[r]
		if !ok || r == g.rank {
			continue
		}
		acked, err := g.parseAck(r, a)
		if err == nil && acked[g.rank] == digest {
			continue
		}
		accusers = append(accusers, r)
	}

	rev := &mixing.DealReveal{
		Commitments: make([][][]byte, 0, len(g.order)),
	}
	for _, key := range g.order {
		rev.Commitments = append(rev.Commitments, g.commits[key])
	}
	if len(accusers) > g.t {
		return rev
	}
	for _, r := range accusers {
		x := mixing.ShareIndex(r)
		opened := mixing.OpenedShares{
			Rank:   r,
			Shares: make([][32]byte, 0, len(g.order)),
		}
		for _, key := range g.order {
			share := g.own[key].Evaluate(x)
			opened.Shares = append(opened.Shares, share.Bytes())
		}
		rev.Opened = append(rev.Opened, opened)
	}
	return rev
}

// Qualify decides the qualified dealers from the acknowledgements and
// reveals of the peers, which every peer must decide from the same
// messages.  A dealer qualifies when its reveal carries well formed
// commitments, opens no more than t shares, all of them matching the
// commitments, and opens the share of every peer whose acknowledgement does
// not carry the digest of those commitments.  A share opened for the local
// peer replaces a missing or mismatched dealing.
//
// The sorted qualified dealers are returned with an error describing the
// disqualifications.  Malformed acknowledgements and opened shares off
// their commitments are protocol violations by their senders.
func (g *KeyGen) Qualify(acks map[uint32]*mixing.DealAck, reveals map[uint32]*mixing.DealReveal) ([]uint32, error) {
	var errs []error
	acked := make(map[uint32]map[uint32][32]byte, len(acks))
	for sender, a := range acks {
		digests, err := g.parseAck(sender, a)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		acked[sender] = digests
	}

	g.final = make(map[uint32]map[polyKey]*received)
	var qual []uint32
	for rank := 0; rank < g.n; rank++ {
		dealer := uint32(rank)
		rev, ok := reveals[dealer]
		if !ok {
			continue
		}
		polys, err := g.qualify(dealer, rev, acked)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		g.final[dealer] = polys
		qual = append(qual, dealer)
	}
	return qual, errors.Join(errs...)
}

func (g *KeyGen) qualify(dealer uint32, rev *mixing.DealReveal,
	acked map[uint32]map[uint32][32]byte) (map[polyKey]*received, error) {

	violation := func(format string, args ...interface{}) error {
		return mixing.Violation(mixing.ErrBadDealing,
			fmt.Sprintf(format, args...), dealer)
	}
	if len(rev.Commitments) != len(g.order) {
		return nil, violation("dealer %d revealed %d polynomials, want %d",
			dealer, len(rev.Commitments), len(g.order))
	}
	polys := make(map[polyKey]*received, len(g.order))
	for i, key := range g.order {
		commitments, err := ParseCommitments(rev.Commitments[i], g.t)
		if err != nil {
			return nil, violation("dealer %d: revealed commitments: %v",
				dealer, err)
		}
		polys[key] = &received{commitments: commitments}
	}
	digest := commitmentDigest(g.order, polys)

	if len(rev.Opened) > g.t {
		return nil, violation("dealer %d opened %d shares, at most %d "+
			"may be", dealer, len(rev.Opened), g.t)
	}
	opened := make(map[uint32][]secp256k1.ModNScalar, len(rev.Opened))
	for _, o := range rev.Opened {
		if int(o.Rank) >= g.n || o.Rank == dealer {
			return nil, violation("dealer %d opened a share for peer %d",
				dealer, o.Rank)
		}
		if _, ok := opened[o.Rank]; ok {
			return nil, violation("dealer %d opened the shares of peer %d "+
				"twice", dealer, o.Rank)
		}
		if len(o.Shares) != len(g.order) {
			return nil, violation("dealer %d opened %d shares for peer %d, "+
				"want %d", dealer, len(o.Shares), o.Rank, len(g.order))
		}
		x := mixing.ShareIndex(o.Rank)
		values := make([]secp256k1.ModNScalar, len(g.order))
		for i, key := range g.order {
			v := o.Shares[i]
			if values[i].SetBytes(&v) != 0 ||
				!VerifyShare(polys[key].commitments, x, &values[i]) {
				return nil, violation("dealer %d opened a share for peer %d "+
					"that does not match its commitments", dealer, o.Rank)
			}
		}
		opened[o.Rank] = values
	}

	for sender, digests := range acked {
		if sender == dealer || digests[dealer] == digest {
			continue
		}
		if _, ok := opened[sender]; !ok {
			return nil, mixing.MakeError(mixing.ErrBadDealing,
				fmt.Sprintf("dealer %d left the accusation of peer %d "+
					"unanswered", dealer, sender))
		}
	}

	if own, ok := g.recv[dealer]; ok && g.digests[dealer] == digest {
		for key, r := range own {
			polys[key].share = r.share
		}
		return polys, nil
	}
	values, ok := opened[g.rank]
	if !ok {
		return nil, mixing.MakeError(mixing.ErrTooFewShares,
			fmt.Sprintf("no share of dealer %d", dealer))
	}
	for i, key := range g.order {
		polys[key].share = values[i]
	}
	return polys, nil
}

// Finalize sums the shares of the qualified dealers into this peer's key
// shares and the joint public keys.  After Qualify the shares decided there
// are used; otherwise every accepted dealing is taken as is.  The qualified
// set must hold at least t+1 dealers so that no coalition of t dealers
// knows the secrets.
func (g *KeyGen) Finalize(qual []uint32) (map[mixing.UserID]*UserKeys, error) {
	if len(qual) < g.t+1 {
		return nil, mixing.MakeError(mixing.ErrQuorumLost,
			fmt.Sprintf("%d qualified dealers, need %d", len(qual), g.t+1))
	}
	source := g.final
	if source == nil {
		source = g.recv
	}
	for _, dealer := range qual {
		if _, ok := source[dealer]; !ok {
			return nil, mixing.MakeError(mixing.ErrTooFewShares,
				fmt.Sprintf("missing dealing from qualified dealer %d", dealer))
		}
	}

	out := make(map[mixing.UserID]*UserKeys, len(g.users))
	for _, u := range g.users {
		keys := &UserKeys{Index: mixing.ShareIndex(g.rank)}
		for k := mixing.SecretKind(0); k < mixing.NumSecretKinds; k++ {
			key := polyKey{u, k}
			pubs := make([]*secp256k1.PublicKey, 0, len(qual))
			for _, dealer := range qual {
				r := source[dealer][key]
				keys.Shares[k].Add(&r.share)
				pubs = append(pubs, r.commitments[0])
			}
			pub, err := SumPoints(pubs)
			if err != nil {
				return nil, mixing.MakeError(mixing.ErrBadDealing,
					"joint public key is the point at infinity")
			}
			keys.Pubs[k] = pub
		}
		out[u] = keys
	}
	return out, nil
}
