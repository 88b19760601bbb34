// Copyright (c) 2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mixing

// MinPeers is the minimum number of peers of a mixnet.  Four peers tolerate
// one faulty peer.
const MinPeers = 4

// Threshold returns the number of faulty peers a mixnet of n peers
// tolerates, floor((n-1)/3).  It is also the degree of every sharing
// polynomial.
func Threshold(n int) int {
	if n < 1 {
		return 0
	}
	return (n - 1) / 3
}

// Quorum returns the number of peers, n-t, whose contributions are needed to
// complete a protocol step.
func Quorum(n int) int {
	return n - Threshold(n)
}
