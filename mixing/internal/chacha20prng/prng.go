// Copyright (c) 2023 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package chacha20prng provides a deterministic ChaCha20 keystream PRNG.
// Every peer seeding it with the same seed draws the same values, which is
// what makes a seeded shuffle reproducible across the mixnet.
package chacha20prng

import (
	"encoding/binary"
	"math/bits"
	"strconv"

	"golang.org/x/crypto/chacha20"
)

// SeedSize is the required length of seeds for New.
const SeedSize = 32

// Reader is a ChaCha20 PRNG for one stream of a seed.  It implements
// io.Reader.
type Reader struct {
	cipher *chacha20.Cipher
}

// New creates a ChaCha20 PRNG keyed by a 32-byte seed and a stream number.
// The returned reader is not safe for concurrent access.  This will panic if
// the length of seed is not SeedSize bytes.
func New(seed []byte, stream uint32) *Reader {
	if l := len(seed); l != SeedSize {
		panic("chacha20prng: bad seed length " + strconv.Itoa(l))
	}

	nonce := make([]byte, chacha20.NonceSize)
	binary.LittleEndian.PutUint32(nonce[:4], stream)

	cipher, _ := chacha20.NewUnauthenticatedCipher(seed, nonce)
	return &Reader{cipher: cipher}
}

// Read implements io.Reader.
func (r *Reader) Read(b []byte) (int, error) {
	for i := range b {
		b[i] = 0
	}
	r.cipher.XORKeyStream(b, b)
	return len(b), nil
}

// Uint64 returns the next 8 keystream bytes as a little endian integer.
func (r *Reader) Uint64() uint64 {
	var b [8]byte
	r.Read(b[:])
	return binary.LittleEndian.Uint64(b[:])
}

// Uint64N returns a value in [0,n) without modulo bias.  Panics if n is zero.
func (r *Reader) Uint64N(n uint64) uint64 {
	if n == 0 {
		panic("chacha20prng: invalid argument to Uint64N")
	}
	hi, lo := bits.Mul64(r.Uint64(), n)
	if lo < n {
		thresh := -n % n
		for lo < thresh {
			hi, lo = bits.Mul64(r.Uint64(), n)
		}
	}
	return hi
}

// Shuffle permutes n elements with a Fisher-Yates shuffle driven by the
// keystream.
func (r *Reader) Shuffle(n int, swap func(i, j int)) {
	for i := n - 1; i > 0; i-- {
		j := int(r.Uint64N(uint64(i + 1)))
		swap(i, j)
	}
}
