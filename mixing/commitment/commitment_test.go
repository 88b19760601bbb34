// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package commitment

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/coinparty/cpd/mixing"
	"github.com/decred/dcrd/crypto/blake256"
)

// userShares splits secret for n peers and formats the shares the way a user
// client submits them.
func userShares(t *testing.T, secret *big.Int, th, n int) []string {
	t.Helper()
	shares, err := mixing.Split(secret, th, n)
	if err != nil {
		t.Fatal(err)
	}
	out := make([]string, n)
	for i, s := range shares {
		out[i] = mixing.FormatFieldElement(s.Value)
	}
	return out
}

func TestRegisterBind(t *testing.T) {
	const n, th, rank = 4, 1, 2
	now := time.Unix(1700000000, 0)
	outputHash := blake256.Sum256([]byte("output"))

	b := NewBook(rank, n)
	nonce, err := b.Register(outputHash, "1234", "", now)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if r := b.Verify(nonce); r.Ack {
		t.Fatal("unbound commitment verified")
	}

	shares := userShares(t, big.NewInt(0xc0ffee), th, n)
	e, err := b.BindShares(nonce, shares)
	if err != nil {
		t.Fatalf("BindShares: %v", err)
	}
	if e.ID != Digest(outputHash, "1234") {
		t.Fatal("entry ID is not the commitment digest")
	}
	if e.Share.Index != mixing.ShareIndex(rank) {
		t.Fatalf("kept share %d, want %d", e.Share.Index, mixing.ShareIndex(rank))
	}
	want, _ := mixing.ParseFieldElement(shares[rank])
	if e.Share.Value.Cmp(want) != 0 {
		t.Fatal("kept share is not the local peer's share")
	}

	r := b.Verify(nonce)
	if !r.Ack || r.PIN != "1234" {
		t.Fatalf("Verify = %+v", r)
	}

	// Identical rebinding is a no-op; different shares are refused.
	if _, err := b.BindShares(nonce, shares); err != nil {
		t.Fatalf("rebinding same shares: %v", err)
	}
	other := userShares(t, big.NewInt(7), th, n)
	_, err = b.BindShares(nonce, other)
	if !errors.Is(err, mixing.ErrDoubleSpendCommitment) {
		t.Fatalf("rebinding other shares: %v", err)
	}

	// A second registration of the same output and PIN cannot be bound.
	nonce2, err := b.Register(outputHash, "1234", "", now)
	if err != nil {
		t.Fatal(err)
	}
	_, err = b.BindShares(nonce2, shares)
	if !errors.Is(err, mixing.ErrDoubleSpendCommitment) {
		t.Fatalf("double bind: %v", err)
	}
	if !errors.Is(err, mixing.ErrInputValidation) {
		t.Fatal("double spend is not an input validation error")
	}

	// A different PIN is a different commitment.
	nonce3, _ := b.Register(outputHash, "9999", "", now)
	if _, err := b.BindShares(nonce3, shares); err != nil {
		t.Fatalf("bind with other PIN: %v", err)
	}
	if b.Len() != 2 {
		t.Fatalf("book holds %d entries, want 2", b.Len())
	}
}

func TestBindSharesErrors(t *testing.T) {
	const n = 4
	now := time.Unix(1700000000, 0)
	var outputHash [32]byte

	b := NewBook(0, n)
	nonce, _ := b.Register(outputHash, "pin", "", now)

	tests := []struct {
		name   string
		nonce  Nonce
		shares []string
		kind   mixing.ErrorKind
	}{{
		name:   "unknown nonce",
		nonce:  Nonce{1},
		shares: []string{"1", "2", "3", "4"},
		kind:   mixing.ErrUnknownNonce,
	}, {
		name:   "too few shares",
		nonce:  nonce,
		shares: []string{"1", "2", "3"},
		kind:   mixing.ErrInvalidShare,
	}, {
		name:  "share above modulus",
		nonce: nonce,
		shares: []string{"1", "2", "3",
			mixing.FormatFieldElement(mixing.F)},
		kind: mixing.ErrInvalidShare,
	}, {
		name:   "not a number",
		nonce:  nonce,
		shares: []string{"1", "two", "3", "4"},
		kind:   mixing.ErrInvalidShare,
	}, {
		name:   "negative",
		nonce:  nonce,
		shares: []string{"1", "2", "-3", "4"},
		kind:   mixing.ErrInvalidShare,
	}}
	for _, test := range tests {
		_, err := b.BindShares(test.nonce, test.shares)
		if !errors.Is(err, test.kind) {
			t.Errorf("%s: got %v, want %v", test.name, err, test.kind)
		}
	}

	// Failed bindings leave the registration usable.
	if _, err := b.BindShares(nonce, []string{"1", "2", "3", "4"}); err != nil {
		t.Fatalf("BindShares: %v", err)
	}
}

func TestFreeze(t *testing.T) {
	var outputHash [32]byte
	now := time.Unix(1700000000, 0)
	b := NewBook(0, 4)
	nonce, _ := b.Register(outputHash, "pin", "", now)
	b.Freeze()

	if _, err := b.Register(outputHash, "other", "", now); !errors.Is(err, mixing.ErrPhaseClosed) {
		t.Fatalf("Register after freeze: %v", err)
	}
	if _, err := b.BindShares(nonce, []string{"1", "2", "3", "4"}); !errors.Is(err, mixing.ErrPhaseClosed) {
		t.Fatalf("BindShares after freeze: %v", err)
	}
}

func TestRetain(t *testing.T) {
	now := time.Unix(1700000000, 0)
	b := NewBook(1, 4)
	var ids []mixing.UserID
	for _, pin := range []string{"a", "b", "c"} {
		nonce, _ := b.Register([32]byte{1}, pin, "", now)
		e, err := b.BindShares(nonce, []string{"1", "2", "3", "4"})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, e.ID)
	}
	b.Retain(ids[1:])
	if b.Len() != 2 {
		t.Fatalf("book holds %d entries, want 2", b.Len())
	}
	if _, ok := b.Lookup(ids[0]); ok {
		t.Fatal("dropped entry still present")
	}
	users := b.Users()
	for i := 1; i < len(users); i++ {
		if string(users[i-1][:]) >= string(users[i][:]) {
			t.Fatal("users are not sorted")
		}
	}
}
