// Copyright (c) 2019-2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mixing

import (
	"fmt"
	"math/big"
	"strings"
)

// F is the field prime 2**265 - 49.  It exceeds every 256-bit hash value, so
// any hash or address payload can be secret shared without reduction.
var F *big.Int

// HashModulus is 2**256, the bound on shared hash values.
var HashModulus *big.Int

func init() {
	F, _ = new(big.Int).SetString("1ffffffffffffffffffffffffffffff"+
		"ffffffffffffffffffffffffffffffffffcf", 16)
	HashModulus = new(big.Int).Lsh(big.NewInt(1), 256)
}

// InField returns whether x is bounded by the field F.
func InField(x *big.Int) bool {
	return x.Sign() != -1 && x.Cmp(F) == -1
}

// ParseFieldElement parses a share value serialized as a decimal string, or as
// a hexadecimal string when prefixed with 0x.  The value must be a canonical
// element of F.
func ParseFieldElement(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s = s[2:]
		base = 16
	}
	if s == "" {
		return nil, fmt.Errorf("empty field element")
	}
	x, ok := new(big.Int).SetString(s, base)
	if !ok {
		return nil, fmt.Errorf("malformed field element %q", s)
	}
	if !InField(x) {
		return nil, fmt.Errorf("field element %s out of range", x)
	}
	return x, nil
}

// FormatFieldElement returns the 0x prefixed hexadecimal encoding of x.
func FormatFieldElement(x *big.Int) string {
	return "0x" + x.Text(16)
}

func fieldAdd(a, b *big.Int) *big.Int {
	r := new(big.Int).Add(a, b)
	return r.Mod(r, F)
}

func fieldSub(a, b *big.Int) *big.Int {
	r := new(big.Int).Sub(a, b)
	return r.Mod(r, F)
}

func fieldMul(a, b *big.Int) *big.Int {
	r := new(big.Int).Mul(a, b)
	return r.Mod(r, F)
}
