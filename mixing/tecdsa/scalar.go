// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package tecdsa

import (
	"errors"
	"sort"

	"github.com/coinparty/cpd/mixing"
	"github.com/decred/dcrd/crypto/rand"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

var errPointAtInfinity = errors.New("point at infinity")

// Scalar is one peer's evaluation of a polynomial over the secp256k1 group
// order.
type Scalar struct {
	Index uint32
	Value secp256k1.ModNScalar
}

// randomScalar returns a uniform random nonzero scalar.
func randomScalar() secp256k1.ModNScalar {
	var b [32]byte
	var s secp256k1.ModNScalar
	for {
		rand.Read(b[:])
		overflow := s.SetByteSlice(b[:])
		if !overflow && !s.IsZero() {
			return s
		}
	}
}

// lagrangeAtZero returns the Lagrange coefficients for interpolating at zero
// from the evaluation points xs, which must be distinct and nonzero.
func lagrangeAtZero(xs []uint32) []secp256k1.ModNScalar {
	out := make([]secp256k1.ModNScalar, len(xs))
	for i, xi := range xs {
		var num, den secp256k1.ModNScalar
		num.SetInt(1)
		den.SetInt(1)
		for j, xj := range xs {
			if i == j {
				continue
			}
			var sxj, diff secp256k1.ModNScalar
			sxj.SetInt(xj)
			num.Mul(&sxj)
			diff.SetInt(xi).Negate().Add(&sxj)
			den.Mul(&diff)
		}
		den.InverseNonConst()
		out[i].Mul2(&num, &den)
	}
	return out
}

// interpolate evaluates at x the polynomial through the given points.
func interpolate(points []Scalar, x uint32) secp256k1.ModNScalar {
	var sx secp256k1.ModNScalar
	sx.SetInt(x)
	var sum secp256k1.ModNScalar
	for i, pi := range points {
		var num, den secp256k1.ModNScalar
		num.SetInt(1)
		den.SetInt(1)
		for j, pj := range points {
			if i == j {
				continue
			}
			var xj, t secp256k1.ModNScalar
			xj.SetInt(pj.Index)
			t.Set(&xj).Negate().Add(&sx)
			num.Mul(&t)
			t.SetInt(pi.Index).Negate().Add(&xj)
			den.Mul(&t)
		}
		den.InverseNonConst()
		var term secp256k1.ModNScalar
		term.Mul2(&num, &den).Mul(&pi.Value)
		sum.Add(&term)
	}
	return sum
}

// Interpolate recovers the constant term of the polynomial through points.
func Interpolate(points []Scalar) (secp256k1.ModNScalar, error) {
	if err := checkDistinct(points); err != nil {
		return secp256k1.ModNScalar{}, err
	}
	xs := make([]uint32, len(points))
	for i := range points {
		xs[i] = points[i].Index
	}
	coeffs := lagrangeAtZero(xs)
	var sum secp256k1.ModNScalar
	for i := range points {
		var term secp256k1.ModNScalar
		term.Mul2(&coeffs[i], &points[i].Value)
		sum.Add(&term)
	}
	return sum, nil
}

func checkDistinct(points []Scalar) error {
	seen := make(map[uint32]struct{}, len(points))
	for _, p := range points {
		if p.Index == 0 {
			return mixing.MakeError(mixing.ErrInvalidShare, "share index zero")
		}
		if _, ok := seen[p.Index]; ok {
			return mixing.MakeError(mixing.ErrInvalidShare,
				"duplicate share index")
		}
		seen[p.Index] = struct{}{}
	}
	return nil
}

func sortScalars(points []Scalar) []Scalar {
	sorted := make([]Scalar, len(points))
	copy(sorted, points)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Index < sorted[j].Index
	})
	return sorted
}
