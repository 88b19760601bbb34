// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package shuffle

import (
	"errors"
	"math/big"
	"reflect"
	"testing"

	"github.com/coinparty/cpd/mixing"
	"github.com/decred/dcrd/crypto/blake256"
)

type testUser struct {
	id     mixing.UserID
	output Output
	shares []mixing.Share
}

func makeUsers(t *testing.T, count, th, n int) []testUser {
	t.Helper()
	users := make([]testUser, count)
	for i := range users {
		u := &users[i]
		u.id = blake256.Sum256([]byte{'u', byte(i)})
		h := blake256.Sum256([]byte{'o', byte(i)})
		copy(u.output[:], h[:])
		shares, err := mixing.Split(OutputSecret(u.output), th, n)
		if err != nil {
			t.Fatal(err)
		}
		u.shares = shares
	}
	return users
}

func commitsOf(users []testUser) map[mixing.UserID][32]byte {
	m := make(map[mixing.UserID][32]byte, len(users))
	for _, u := range users {
		m[u.id] = OutputHash(u.output)
	}
	return m
}

// peerMessage builds the shares message a peer with the given rank sends.
func peerMessage(users []testUser, rank uint32) *mixing.OutputShares {
	msg := &mixing.OutputShares{}
	for _, u := range users {
		msg.Shares = append(msg.Shares, mixing.UserShare{
			User:  u.id,
			Value: u.shares[rank].Value.Bytes(),
		})
	}
	return msg
}

func TestReconstructHonest(t *testing.T) {
	const n, th = 4, 1
	users := makeUsers(t, 3, th, n)

	c := NewCollector(th, commitsOf(users))
	for _, u := range users {
		c.AddLocal(0, u.id, &u.shares[0])
	}
	c.MarkSent(0)
	if err := c.Add(1, peerMessage(users, 1)); err != nil {
		t.Fatal(err)
	}
	if err := c.Reconstruct(nil); err != nil {
		t.Fatalf("Reconstruct: %v", err)
	}
	if !c.Done() {
		t.Fatal("outputs not reconstructed from t+1 honest shares")
	}
	for _, u := range users {
		if c.Outputs()[u.id] != u.output {
			t.Fatalf("wrong output for user %v", u.id)
		}
	}
}

func TestReconstructFlagsMaliciousPeer(t *testing.T) {
	const n, th = 4, 1
	users := makeUsers(t, 3, th, n)

	tests := []struct {
		name      string
		malicious uint32
	}{
		{name: "first peer", malicious: 1},
		{name: "last peer", malicious: 3},
	}
	for _, test := range tests {
		c := NewCollector(th, commitsOf(users))
		for _, u := range users {
			c.AddLocal(0, u.id, &u.shares[0])
		}
		c.MarkSent(0)
		for rank := uint32(1); rank < n; rank++ {
			msg := peerMessage(users, rank)
			if rank == test.malicious {
				bad := new(big.Int).Add(users[1].shares[rank].Value, big.NewInt(1))
				msg.Shares[1].Value = bad.Bytes()
			}
			if err := c.Add(rank, msg); err != nil {
				t.Fatalf("%s: Add: %v", test.name, err)
			}
		}

		err := c.Reconstruct(nil)
		if !errors.Is(err, mixing.ErrBadShare) {
			t.Fatalf("%s: Reconstruct error %v, want ErrBadShare", test.name, err)
		}
		if got := mixing.Culprits(err); !reflect.DeepEqual(got, []uint32{test.malicious}) {
			t.Fatalf("%s: culprits %v", test.name, got)
		}
		if !c.Done() {
			t.Fatalf("%s: outputs not reconstructed", test.name)
		}
		for _, u := range users {
			if c.Outputs()[u.id] != u.output {
				t.Fatalf("%s: wrong output for user %v", test.name, u.id)
			}
		}
		if got := c.Flagged(); !reflect.DeepEqual(got, []uint32{test.malicious}) {
			t.Fatalf("%s: flagged %v", test.name, got)
		}
	}
}

func TestReconstructTooFewShares(t *testing.T) {
	const n, th = 7, 2
	users := makeUsers(t, 1, th, n)
	c := NewCollector(th, commitsOf(users))
	c.AddLocal(0, users[0].id, &users[0].shares[0])
	if err := c.Add(1, peerMessage(users, 1)); err != nil {
		t.Fatal(err)
	}
	if err := c.Reconstruct(nil); err != nil {
		t.Fatal(err)
	}
	if c.Done() {
		t.Fatal("reconstructed from t shares")
	}

	// Excluded peers do not count.
	if err := c.Add(2, peerMessage(users, 2)); err != nil {
		t.Fatal(err)
	}
	c.Reconstruct(map[uint32]struct{}{2: {}})
	if c.Done() {
		t.Fatal("reconstructed with an excluded peer's share")
	}
	c.Reconstruct(nil)
	if !c.Done() {
		t.Fatal("not reconstructed from t+1 shares")
	}
}

func TestAddRejectsMalformed(t *testing.T) {
	users := makeUsers(t, 1, 1, 4)
	c := NewCollector(1, commitsOf(users))

	msg := peerMessage(users, 2)
	msg.Shares[0].User = mixing.UserID{0xff}
	err := c.Add(2, msg)
	if !errors.Is(err, mixing.ErrMalformedMessage) {
		t.Fatalf("unknown user: %v", err)
	}

	msg = peerMessage(users, 2)
	msg.Shares[0].Value = mixing.F.Bytes()
	err = c.Add(2, msg)
	if !errors.Is(err, mixing.ErrInvalidShare) {
		t.Fatalf("out of range share: %v", err)
	}
	if c.Senders() != 0 {
		t.Fatal("rejected message was recorded")
	}
}

func TestAssign(t *testing.T) {
	outputs := make(map[mixing.UserID]Output)
	for i := 0; i < 16; i++ {
		var o Output
		o[0] = byte(i)
		outputs[blake256.Sum256([]byte{byte(i)})] = o
	}
	sid := [32]byte{1}

	a := Assign(sid, outputs)
	b := Assign(sid, outputs)
	if !reflect.DeepEqual(a, b) {
		t.Fatal("assignment is not deterministic")
	}
	seen := make(map[Output]bool)
	for i, p := range a {
		if _, ok := outputs[p.Input]; !ok {
			t.Fatal("unknown input")
		}
		if i > 0 && string(a[i-1].Input[:]) >= string(p.Input[:]) {
			t.Fatal("inputs are not in user ID order")
		}
		seen[p.Output] = true
	}
	if len(seen) != len(outputs) {
		t.Fatal("assignment is not a permutation of the outputs")
	}

	c := Assign([32]byte{2}, outputs)
	if reflect.DeepEqual(a, c) {
		t.Fatal("different sessions produced the same permutation")
	}
}
