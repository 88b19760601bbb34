// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package tecdsa

import (
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// Polynomial is a secret polynomial over the secp256k1 group order.
type Polynomial struct {
	coeffs []secp256k1.ModNScalar
}

// NewPolynomial returns a random polynomial of the given degree.  All
// coefficients are nonzero so every commitment is a valid public key.
func NewPolynomial(degree int) *Polynomial {
	p := &Polynomial{coeffs: make([]secp256k1.ModNScalar, degree+1)}
	for i := range p.coeffs {
		p.coeffs[i] = randomScalar()
	}
	return p
}

// Degree returns the degree of the polynomial.
func (p *Polynomial) Degree() int {
	return len(p.coeffs) - 1
}

// Evaluate returns the polynomial evaluated at x.
func (p *Polynomial) Evaluate(x uint32) secp256k1.ModNScalar {
	var sx, acc secp256k1.ModNScalar
	sx.SetInt(x)
	for i := len(p.coeffs) - 1; i >= 0; i-- {
		acc.Mul(&sx).Add(&p.coeffs[i])
	}
	return acc
}

// Commitments returns the Feldman commitments a_i*G to every coefficient,
// serialized as compressed public keys.
func (p *Polynomial) Commitments() [][]byte {
	out := make([][]byte, len(p.coeffs))
	for i := range p.coeffs {
		var pt secp256k1.JacobianPoint
		secp256k1.ScalarBaseMultNonConst(&p.coeffs[i], &pt)
		pt.ToAffine()
		out[i] = secp256k1.NewPublicKey(&pt.X, &pt.Y).SerializeCompressed()
	}
	return out
}

// ParseCommitments parses serialized Feldman commitments of a polynomial of
// the given degree.
func ParseCommitments(raw [][]byte, degree int) ([]*secp256k1.PublicKey, error) {
	if len(raw) != degree+1 {
		return nil, fmt.Errorf("have %d commitments, want %d", len(raw),
			degree+1)
	}
	out := make([]*secp256k1.PublicKey, len(raw))
	for i, b := range raw {
		pub, err := secp256k1.ParsePubKey(b)
		if err != nil {
			return nil, err
		}
		out[i] = pub
	}
	return out, nil
}

// VerifyShare checks share*G == sum(x^i * A_i) for the commitments A_i of the
// dealt polynomial.
func VerifyShare(commitments []*secp256k1.PublicKey, x uint32, share *secp256k1.ModNScalar) bool {
	var lhs secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(share, &lhs)

	var rhs secp256k1.JacobianPoint
	var sx, pow secp256k1.ModNScalar
	sx.SetInt(x)
	pow.SetInt(1)
	for i, c := range commitments {
		var a, term secp256k1.JacobianPoint
		c.AsJacobian(&a)
		if i == 0 {
			term.Set(&a)
		} else {
			secp256k1.ScalarMultNonConst(&pow, &a, &term)
		}
		var next secp256k1.JacobianPoint
		secp256k1.AddNonConst(&rhs, &term, &next)
		rhs.Set(&next)
		pow.Mul(&sx)
	}
	return pointsEqual(&lhs, &rhs)
}

func pointsEqual(a, b *secp256k1.JacobianPoint) bool {
	aInf := isInfinity(a)
	bInf := isInfinity(b)
	if aInf || bInf {
		return aInf == bInf
	}
	a.ToAffine()
	b.ToAffine()
	return a.X.Equals(&b.X) && a.Y.Equals(&b.Y)
}

func isInfinity(p *secp256k1.JacobianPoint) bool {
	return p.Z.IsZero() || (p.X.IsZero() && p.Y.IsZero())
}

// SumPoints adds public keys.  An error is returned when the sum is the point
// at infinity.
func SumPoints(points []*secp256k1.PublicKey) (*secp256k1.PublicKey, error) {
	var sum secp256k1.JacobianPoint
	for _, p := range points {
		var j secp256k1.JacobianPoint
		p.AsJacobian(&j)
		var next secp256k1.JacobianPoint
		secp256k1.AddNonConst(&sum, &j, &next)
		sum.Set(&next)
	}
	if isInfinity(&sum) {
		return nil, errPointAtInfinity
	}
	sum.ToAffine()
	return secp256k1.NewPublicKey(&sum.X, &sum.Y), nil
}
