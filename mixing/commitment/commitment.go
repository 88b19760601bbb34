// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package commitment binds each user's output hash and PIN to a user entry
// before any escrow funding is observed.
//
// A user first registers the BLAKE-256 hash of their output and a PIN and
// receives a nonce.  They then bind the Shamir shares of their output they
// computed for every peer to that nonce.  The peer keeps only its own share.
// Once bound, an entry never changes.
package commitment

import (
	"bytes"
	"crypto/hmac"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/coinparty/cpd/mixing"
	"github.com/decred/dcrd/crypto/blake256"
	"github.com/decred/dcrd/crypto/rand"
)

// MaxPINLen is the longest accepted PIN.
const MaxPINLen = 64

// Nonce identifies a registration until its shares are bound.
type Nonce [16]byte

// String returns the hex encoding of the nonce.
func (n Nonce) String() string {
	return fmt.Sprintf("%x", n[:])
}

// Digest returns the commitment digest HMAC-BLAKE-256(pin, outputHash).  It
// is the UserID of the entry on every peer.
func Digest(outputHash [32]byte, pin string) mixing.UserID {
	mac := hmac.New(blake256.New, []byte(pin))
	mac.Write(outputHash[:])
	var id mixing.UserID
	copy(id[:], mac.Sum(nil))
	return id
}

// Entry is a user's registration together with the local share of their
// output secret.
type Entry struct {
	ID         mixing.UserID
	Nonce      Nonce
	OutputHash [32]byte
	PIN        string

	// Refund is the optional address escrowed funds are returned to when
	// the session aborts.
	Refund string

	// Share is the local peer's share of the output secret.  It is nil
	// until shares are bound.
	Share *mixing.Share

	Registered time.Time
}

// Bound returns whether the entry's shares were bound.
func (e *Entry) Bound() bool {
	return e.Share != nil
}

// VerifyResult is the answer to a user's verification request.  PIN echoes
// the opening secret so the user can tell the peer holds their commitment.
type VerifyResult struct {
	Ack bool   `json:"ack"`
	PIN string `json:"pin,omitempty"`
}

// Book holds the commitments of one session.  It is not safe for concurrent
// access.
type Book struct {
	rank   uint32
	n      int
	frozen bool

	pending map[Nonce]*Entry
	bound   map[mixing.UserID]*Entry
}

// NewBook returns an empty commitment book for the peer with the given rank
// in a mixnet of n peers.
func NewBook(rank uint32, n int) *Book {
	return &Book{
		rank:    rank,
		n:       n,
		pending: make(map[Nonce]*Entry),
		bound:   make(map[mixing.UserID]*Entry),
	}
}

// Freeze closes the book.  Registrations and bindings after freezing fail
// with ErrPhaseClosed.
func (b *Book) Freeze() {
	b.frozen = true
}

// Frozen returns whether the book was frozen.
func (b *Book) Frozen() bool {
	return b.frozen
}

// Register records a user's commitment to an output hash and PIN and issues
// the nonce that shares must later be bound to.
func (b *Book) Register(outputHash [32]byte, pin, refund string, now time.Time) (Nonce, error) {
	var nonce Nonce
	if b.frozen {
		return nonce, mixing.MakeError(mixing.ErrPhaseClosed,
			"registration closed")
	}
	if pin == "" || len(pin) > MaxPINLen {
		return nonce, mixing.MakeError(mixing.ErrInputValidation,
			fmt.Sprintf("PIN must be 1 to %d bytes", MaxPINLen))
	}
	rand.Read(nonce[:])
	e := &Entry{
		ID:         Digest(outputHash, pin),
		Nonce:      nonce,
		OutputHash: outputHash,
		PIN:        pin,
		Refund:     refund,
		Registered: now,
	}
	b.pending[nonce] = e
	log.Debugf("Registered commitment %v (nonce %v)", e.ID, nonce)
	return nonce, nil
}

// BindShares binds the shares a user computed for every peer to a
// registration.  All n shares must be well formed field elements.  Only the
// local peer's share is kept.
//
// Binding the same shares twice is a no-op.
func (b *Book) BindShares(nonce Nonce, shares []string) (*Entry, error) {
	if b.frozen {
		return nil, mixing.MakeError(mixing.ErrPhaseClosed,
			"registration closed")
	}
	e, ok := b.pending[nonce]
	if !ok {
		for _, be := range b.bound {
			if be.Nonce == nonce {
				return b.rebind(be, shares)
			}
		}
		return nil, mixing.MakeError(mixing.ErrUnknownNonce,
			fmt.Sprintf("no registration for nonce %v", nonce))
	}

	own, err := b.parseShares(shares)
	if err != nil {
		return nil, err
	}
	if _, ok := b.bound[e.ID]; ok {
		return nil, mixing.MakeError(mixing.ErrDoubleSpendCommitment,
			fmt.Sprintf("commitment %v already bound", e.ID))
	}
	e.Share = own
	delete(b.pending, nonce)
	b.bound[e.ID] = e
	log.Debugf("Bound shares of commitment %v", e.ID)
	return e, nil
}

func (b *Book) rebind(e *Entry, shares []string) (*Entry, error) {
	own, err := b.parseShares(shares)
	if err != nil {
		return nil, err
	}
	if own.Value.Cmp(e.Share.Value) != 0 {
		return nil, mixing.MakeError(mixing.ErrDoubleSpendCommitment,
			fmt.Sprintf("commitment %v already bound to other shares", e.ID))
	}
	return e, nil
}

// parseShares checks every share and returns the local one.
func (b *Book) parseShares(shares []string) (*mixing.Share, error) {
	if len(shares) != b.n {
		return nil, mixing.MakeError(mixing.ErrInvalidShare,
			fmt.Sprintf("have %d shares, want one for each of %d peers",
				len(shares), b.n))
	}
	var own *big.Int
	for i, s := range shares {
		v, err := mixing.ParseFieldElement(s)
		if err != nil {
			return nil, mixing.Errorf(mixing.ErrInvalidShare,
				"share %d: %w", i, err)
		}
		if uint32(i) == b.rank {
			own = v
		}
	}
	return &mixing.Share{Index: mixing.ShareIndex(b.rank), Value: own}, nil
}

// Verify reports whether the commitment registered with nonce has its shares
// bound, echoing the PIN when it does.
func (b *Book) Verify(nonce Nonce) VerifyResult {
	for _, e := range b.bound {
		if e.Nonce == nonce {
			return VerifyResult{Ack: true, PIN: e.PIN}
		}
	}
	return VerifyResult{}
}

// Lookup returns the bound entry with the given ID.
func (b *Book) Lookup(id mixing.UserID) (*Entry, bool) {
	e, ok := b.bound[id]
	return e, ok
}

// LookupNonce returns the pending or bound entry registered with nonce.
func (b *Book) LookupNonce(nonce Nonce) (*Entry, bool) {
	if e, ok := b.pending[nonce]; ok {
		return e, true
	}
	for _, e := range b.bound {
		if e.Nonce == nonce {
			return e, true
		}
	}
	return nil, false
}

// Users returns the sorted IDs of all bound entries.
func (b *Book) Users() []mixing.UserID {
	ids := make([]mixing.UserID, 0, len(b.bound))
	for id := range b.bound {
		ids = append(ids, id)
	}
	mixing.SortUsers(ids)
	return ids
}

// Len returns the number of bound entries.
func (b *Book) Len() int {
	return len(b.bound)
}

// Retain drops every bound entry not in keep.  Pending registrations are
// discarded.
func (b *Book) Retain(keep []mixing.UserID) {
	set := make(map[mixing.UserID]struct{}, len(keep))
	for _, id := range keep {
		set[id] = struct{}{}
	}
	for id := range b.bound {
		if _, ok := set[id]; !ok {
			log.Debugf("Dropping commitment %v", id)
			delete(b.bound, id)
		}
	}
	b.pending = make(map[Nonce]*Entry)
}

// Entries returns the bound entries sorted by ID.
func (b *Book) Entries() []*Entry {
	out := make([]*Entry, 0, len(b.bound))
	for _, e := range b.bound {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].ID[:], out[j].ID[:]) < 0
	})
	return out
}
