// Copyright (c) 2023-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mixing

import (
	"bytes"
	"encoding/binary"
	"sort"
	"time"

	"github.com/decred/dcrd/crypto/blake256"
)

// Epoch returns the index of the gathering epoch containing t.  All peers of
// a mixnet open the same session for the same epoch.
func Epoch(t time.Time, epochDuration time.Duration) uint64 {
	return uint64(t.Unix() / int64(epochDuration/time.Second))
}

// EpochStart returns the beginning of the epoch.
func EpochStart(epoch uint64, epochDuration time.Duration) time.Time {
	return time.Unix(int64(epoch)*int64(epochDuration/time.Second), 0)
}

// DeriveSessionID creates the session identifier for a mixnet epoch.
func DeriveSessionID(mixnet string, epoch uint64) [32]byte {
	h := blake256.New()
	buf := make([]byte, 8)

	h.Write([]byte("coinparty-session"))
	h.Write([]byte(mixnet))

	binary.BigEndian.PutUint64(buf, epoch)
	h.Write(buf)

	return *(*[32]byte)(h.Sum(nil))
}

// SortUsers performs an in-place lexicographic sort of user IDs.  This is the
// order of escrow inputs in every transaction signed for the session.
func SortUsers(users []UserID) {
	sort.Slice(users, func(i, j int) bool {
		return bytes.Compare(users[i][:], users[j][:]) == -1
	})
}

// PermutationSeed derives the seed of the output permutation from the
// session ID and the sorted user IDs.  All peers holding the same user set
// derive the same seed.
func PermutationSeed(sid [32]byte, users []UserID) [32]byte {
	sorted := make([]UserID, len(users))
	copy(sorted, users)
	SortUsers(sorted)

	h := blake256.New()
	h.Write([]byte("coinparty-permutation"))
	h.Write(sid[:])
	for i := range sorted {
		h.Write(sorted[i][:])
	}
	return *(*[32]byte)(h.Sum(nil))
}
