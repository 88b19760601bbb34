// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mixing

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/decred/dcrd/crypto/rand"
)

// Share is one point of a Shamir sharing polynomial over F.  Index is the
// nonzero evaluation point, which is the holding peer's rank plus one.
type Share struct {
	Index uint32
	Value *big.Int
}

// ShareIndex returns the evaluation point assigned to the peer with a rank.
func ShareIndex(rank uint32) uint32 {
	return rank + 1
}

// Split shares secret among n holders with a polynomial of degree t, so that
// any t+1 shares reconstruct it.  Coefficients are drawn uniformly from F.
func Split(secret *big.Int, t, n int) ([]Share, error) {
	if !InField(secret) {
		return nil, MakeError(ErrInvalidShare, "secret is not a field element")
	}
	if t < 0 || n <= t {
		return nil, fmt.Errorf("invalid threshold %d for %d shares", t, n)
	}
	coeffs := make([]*big.Int, t+1)
	coeffs[0] = secret
	for i := 1; i <= t; i++ {
		coeffs[i] = rand.BigInt(F)
	}
	shares := make([]Share, n)
	for i := range shares {
		x := uint32(i + 1)
		shares[i] = Share{Index: x, Value: evalPoly(coeffs, big.NewInt(int64(x)))}
	}
	return shares, nil
}

// evalPoly evaluates the polynomial with the given coefficients at x using
// Horner's method.
func evalPoly(coeffs []*big.Int, x *big.Int) *big.Int {
	acc := new(big.Int)
	for i := len(coeffs) - 1; i >= 0; i-- {
		acc = fieldAdd(fieldMul(acc, x), coeffs[i])
	}
	return acc
}

// Interpolate evaluates at x the unique polynomial of degree len(shares)-1
// passing through all shares.
func Interpolate(shares []Share, x *big.Int) (*big.Int, error) {
	seen := make(map[uint32]struct{}, len(shares))
	for _, s := range shares {
		if s.Index == 0 {
			return nil, MakeError(ErrInvalidShare, "share index zero")
		}
		if s.Value == nil || !InField(s.Value) {
			return nil, MakeError(ErrInvalidShare,
				fmt.Sprintf("share %d is not a field element", s.Index))
		}
		if _, ok := seen[s.Index]; ok {
			return nil, MakeError(ErrInvalidShare,
				fmt.Sprintf("duplicate share index %d", s.Index))
		}
		seen[s.Index] = struct{}{}
	}

	sum := new(big.Int)
	for i, si := range shares {
		xi := big.NewInt(int64(si.Index))
		num := big.NewInt(1)
		den := big.NewInt(1)
		for j, sj := range shares {
			if i == j {
				continue
			}
			xj := big.NewInt(int64(sj.Index))
			num = fieldMul(num, fieldSub(x, xj))
			den = fieldMul(den, fieldSub(xi, xj))
		}
		den.ModInverse(den, F)
		sum = fieldAdd(sum, fieldMul(si.Value, fieldMul(num, den)))
	}
	return sum, nil
}

// Reconstruct recovers the secret shared by a polynomial of degree
// len(shares)-1 by Lagrange interpolation at zero.
func Reconstruct(shares []Share) (*big.Int, error) {
	if len(shares) == 0 {
		return nil, MakeError(ErrTooFewShares, "no shares")
	}
	return Interpolate(shares, new(big.Int))
}

// Reconstruction is the result of a robust reconstruction.
type Reconstruction struct {
	Secret *big.Int

	// Subset holds the indexes of the t+1 shares that produced a verified
	// secret.
	Subset []uint32

	// Inconsistent holds the indexes of all shares that do not lie on the
	// polynomial defined by Subset.
	Inconsistent []uint32
}

// RobustReconstruct searches the t+1 element subsets of shares, in
// lexicographic order of share index, for one that reconstructs a secret
// accepted by verify.  Every remaining share is then checked against the
// polynomial of the accepted subset and reported when it disagrees.
//
// Shares from peers already known to be faulty should be filtered by the
// caller.  ErrTooFewShares is returned when fewer than t+1 shares are given,
// and ErrBadShare when no subset verifies.
func RobustReconstruct(shares []Share, t int, verify func(*big.Int) bool) (*Reconstruction, error) {
	if len(shares) < t+1 {
		return nil, MakeError(ErrTooFewShares, fmt.Sprintf("have %d shares, "+
			"need %d", len(shares), t+1))
	}
	sorted := make([]Share, len(shares))
	copy(sorted, shares)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Index < sorted[j].Index
	})

	var res *Reconstruction
	var lastErr error
	subset := make([]Share, t+1)
	ForEachSubset(len(sorted), t+1, func(idx []int) bool {
		for i, j := range idx {
			subset[i] = sorted[j]
		}
		secret, err := Reconstruct(subset)
		if err != nil {
			lastErr = err
			return false
		}
		if !verify(secret) {
			return true
		}
		res = &Reconstruction{Secret: secret}
		for _, s := range subset {
			res.Subset = append(res.Subset, s.Index)
		}
		return false
	})
	if res == nil {
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, MakeError(ErrBadShare, "no share subset reconstructs "+
			"a verified secret")
	}

	inSubset := make(map[uint32]struct{}, len(res.Subset))
	for _, x := range res.Subset {
		inSubset[x] = struct{}{}
	}
	for _, s := range sorted {
		if _, ok := inSubset[s.Index]; ok {
			continue
		}
		want, err := Interpolate(subset, big.NewInt(int64(s.Index)))
		if err != nil {
			return nil, err
		}
		if want.Cmp(s.Value) != 0 {
			res.Inconsistent = append(res.Inconsistent, s.Index)
		}
	}
	return res, nil
}
