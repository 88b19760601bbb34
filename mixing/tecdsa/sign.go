// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package tecdsa

import (
	"fmt"
	"sort"

	"github.com/coinparty/cpd/mixing"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// ProductShare returns this peer's share of the product of the nonce and
// blinding secrets of a purpose.  The product shares lie on a polynomial of
// degree 2t, so 2t+1 of them are needed to reconstruct it.
func ProductShare(keys *UserKeys, p mixing.Purpose) Scalar {
	nonce, blind := mixing.NonceKinds(p)
	s := Scalar{Index: keys.Index}
	s.Value.Mul2(&keys.Shares[nonce], &keys.Shares[blind])
	return s
}

// Product is a candidate value of a blinded nonce u = k*e, with the reveal
// points it was interpolated from.
type Product struct {
	U      secp256k1.ModNScalar
	Subset []uint32

	points  []Scalar
	support int
}

// ProductCandidates interpolates the blinded nonce from every 2t+1 subset of
// the revealed product shares and returns the distinct nonzero values, the
// ones produced by the most subsets first.  A single product cannot be
// checked on its own; the candidate completing a valid signature is taken
// as the blinded nonce.
func ProductCandidates(points []Scalar, t int) ([]Product, error) {
	k := 2*t + 1
	if len(points) < k {
		return nil, mixing.MakeError(mixing.ErrTooFewShares,
			fmt.Sprintf("have %d nonce reveals, need %d", len(points), k))
	}
	if err := checkDistinct(points); err != nil {
		return nil, err
	}
	sorted := sortScalars(points)

	var out []Product
	subset := make([]Scalar, k)
	mixing.ForEachSubset(len(sorted), k, func(idx []int) bool {
		for i, j := range idx {
			subset[i] = sorted[j]
		}
		u, err := Interpolate(subset)
		if err != nil || u.IsZero() {
			return true
		}
		for i := range out {
			if out[i].U.Equals(&u) {
				out[i].support++
				return true
			}
		}
		p := Product{
			U:       u,
			points:  append([]Scalar(nil), subset...),
			support: 1,
		}
		for _, pt := range subset {
			p.Subset = append(p.Subset, pt.Index)
		}
		out = append(out, p)
		return true
	})
	if len(out) == 0 {
		return nil, mixing.MakeError(mixing.ErrBadShare,
			"blinded nonce reconstructs to zero")
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].support > out[j].support
	})
	return out, nil
}

// NonceR returns the signature r value of a purpose: the x coordinate of the
// joint nonce point reduced modulo the group order.
func NonceR(keys *UserKeys, p mixing.Purpose) (secp256k1.ModNScalar, error) {
	nonce, _ := mixing.NonceKinds(p)
	var r secp256k1.ModNScalar
	pub := keys.Pubs[nonce]
	if pub == nil {
		return r, fmt.Errorf("no joint nonce for purpose %v", p)
	}
	var R secp256k1.JacobianPoint
	pub.AsJacobian(&R)
	r.SetBytes(R.X.Bytes())
	if r.IsZero() {
		return r, mixing.MakeError(mixing.ErrBadDealing, "nonce r is zero")
	}
	return r, nil
}

// Signer produces partial signatures for one user and purpose.  It holds
// the shares of the blinding secret e and of e*d.  Partial signatures are
// scaled by the inverse blinded nonce only once combined, so they do not
// depend on which reveals a peer reconstructed it from.
type Signer struct {
	index uint32
	r     secp256k1.ModNScalar
	e     secp256k1.ModNScalar
	ed    secp256k1.ModNScalar
}

// NewSigner returns the signer of a user's keys for a purpose.
func NewSigner(keys *UserKeys, p mixing.Purpose) (*Signer, error) {
	r, err := NonceR(keys, p)
	if err != nil {
		return nil, err
	}
	_, blind := mixing.NonceKinds(p)

	s := &Signer{index: keys.Index, r: r, e: keys.Shares[blind]}
	s.ed.Mul2(&s.e, &keys.Shares[mixing.SecretEscrowKey])
	return s, nil
}

// R returns the r value of signatures created with this signer.
func (s *Signer) R() secp256k1.ModNScalar {
	return s.r
}

// Sign returns the partial signature z*e + r*e*d over a 32-byte hash.  The
// partials lie on a polynomial of degree 2t whose constant term is
// e*(z + r*d), so the signature is u^-1 times their interpolation.
func (s *Signer) Sign(hash []byte) Scalar {
	var z secp256k1.ModNScalar
	z.SetByteSlice(hash)

	var a, b secp256k1.ModNScalar
	a.Mul2(&z, &s.e)
	b.Mul2(&s.r, &s.ed)

	out := Scalar{Index: s.index}
	out.Value.Add2(&a, &b)
	return out
}

// Combined is a threshold signature assembled from partial signatures.
type Combined struct {
	Signature *ecdsa.Signature

	// Subset holds the indexes of the partials interpolated into the
	// signature.
	Subset []uint32

	// Inconsistent holds the indexes of partials that do not lie on the
	// polynomial of the accepted subset.
	Inconsistent []uint32

	// Product is the blinded nonce candidate the signature verified with.
	Product *Product

	// BadReveals holds the indexes of nonce reveals that do not lie on the
	// polynomial of the accepted product.
	BadReveals []uint32
}

// Combine interpolates 2t+1 partial signatures and scales them by the
// inverse of a blinded nonce candidate from the revealed products into a
// low-S ECDSA signature that verifies against pub.  Partial subsets are
// tried in lexicographic order of share index, and for each the candidates
// in order of support, until a signature verifies.  ErrBadPartialSig is
// returned when none does.
func Combine(partials, reveals []Scalar, t int, r *secp256k1.ModNScalar, pub *secp256k1.PublicKey, hash []byte) (*Combined, error) {
	k := 2*t + 1
	if len(partials) < k {
		return nil, mixing.MakeError(mixing.ErrTooFewShares,
			fmt.Sprintf("have %d partial signatures, need %d", len(partials), k))
	}
	if err := checkDistinct(partials); err != nil {
		return nil, err
	}
	candidates, err := ProductCandidates(reveals, t)
	if err != nil {
		return nil, err
	}
	inverses := make([]secp256k1.ModNScalar, len(candidates))
	for i := range candidates {
		inverses[i].InverseValNonConst(&candidates[i].U)
	}
	sorted := sortScalars(partials)

	var res *Combined
	subset := make([]Scalar, k)
	mixing.ForEachSubset(len(sorted), k, func(idx []int) bool {
		for i, j := range idx {
			subset[i] = sorted[j]
		}
		v, err := Interpolate(subset)
		if err != nil || v.IsZero() {
			return true
		}
		for i := range candidates {
			var s secp256k1.ModNScalar
			s.Mul2(&inverses[i], &v)
			if s.IsOverHalfOrder() {
				s.Negate()
			}
			sig := ecdsa.NewSignature(r, &s)
			if !sig.Verify(hash, pub) {
				continue
			}
			res = &Combined{Signature: sig, Product: &candidates[i]}
			for _, p := range subset {
				res.Subset = append(res.Subset, p.Index)
			}
			return false
		}
		return true
	})
	if res == nil {
		return nil, mixing.MakeError(mixing.ErrBadPartialSig,
			"no partial signatures and nonce reveals combine into a valid "+
				"signature")
	}

	res.Inconsistent = offPolynomial(sorted, subset, res.Subset)
	res.BadReveals = offPolynomial(sortScalars(reveals), res.Product.points,
		res.Product.Subset)
	return res, nil
}

// offPolynomial returns the indexes of points outside in that do not lie on
// the polynomial through the points of subset.
func offPolynomial(points, subset []Scalar, in []uint32) []uint32 {
	skip := make(map[uint32]struct{}, len(in))
	for _, x := range in {
		skip[x] = struct{}{}
	}
	var out []uint32
	for _, p := range points {
		if _, ok := skip[p.Index]; ok {
			continue
		}
		want := interpolate(subset, p.Index)
		if !want.Equals(&p.Value) {
			out = append(out, p.Index)
		}
	}
	return out
}
