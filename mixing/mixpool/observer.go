// Copyright (c) 2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mixpool

import (
	"sync"
	"time"

	"github.com/coinparty/cpd/mixing"
)

const strikeLimit = 2

// Strike is a recorded protocol violation by a peer.
type Strike struct {
	Sid    [32]byte
	Reason string
	Time   time.Time
}

// Observer tracks protocol violations of every peer across sessions.  A
// session excludes culprits from its own quorum; the observer keeps the
// record used for operator reports once the session is gone.
type Observer struct {
	mu      sync.RWMutex
	strikes [][]Strike
}

func newObserver(n int) *Observer {
	return &Observer{strikes: make([][]Strike, n)}
}

// Report records the culprits of a protocol violation in a session.  Errors
// naming no culprits are ignored.
func (o *Observer) Report(sid [32]byte, err error) {
	for _, rank := range mixing.Culprits(err) {
		o.strike(rank, sid, err)
	}
}

func (o *Observer) strike(rank uint32, sid [32]byte, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if int(rank) >= len(o.strikes) {
		return
	}
	// One strike per peer and session.
	for _, s := range o.strikes[rank] {
		if s.Sid == sid {
			return
		}
	}
	o.strikes[rank] = append(o.strikes[rank], Strike{
		Sid:    sid,
		Reason: mixing.ReasonString(err),
		Time:   time.Now(),
	})
	n := uint32(len(o.strikes[rank]))
	log.Warnf("Peer %d misbehaved in session %x (%d %s): %v", rank, sid[:],
		n, pickNoun(n, "strike", "strikes"), err)
}

// Strikes returns the recorded violations of a peer.
func (o *Observer) Strikes(rank uint32) []Strike {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if int(rank) >= len(o.strikes) {
		return nil
	}
	return append([]Strike(nil), o.strikes[rank]...)
}

// Misbehaving returns whether a peer misbehaved in enough sessions to be
// reported to the operator.
func (o *Observer) Misbehaving(rank uint32) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()

	return int(rank) < len(o.strikes) && len(o.strikes[rank]) >= strikeLimit
}
