// Copyright (c) 2023-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package mixpool provides an in-memory pool of authenticated peer messages.
// Every message received from the mixnet, and every broadcast made by the
// local peer, passes through the pool, which verifies its signature, drops
// replays, detects equivocation and records it in the transcript of its
// session.  Sessions wait for the messages of a phase with Receive.
package mixpool

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/coinparty/cpd/mixing"
	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/container/lru"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/slog"
	"github.com/jrick/bitset"
	"lukechampine.com/blake3"
)

// DefaultReplayCacheSize is the default number of message slots remembered
// after their session was removed from the pool.
const DefaultReplayCacheSize = 16384

// Entry is a message accepted to the pool.
type Entry struct {
	Hash     chainhash.Hash
	Envelope *mixing.Envelope
	Message  mixing.Message
	RecvTime time.Time
}

// Sender returns the rank of the peer which sent the message.
func (e *Entry) Sender() uint32 {
	return e.Envelope.Sender
}

// slot identifies the single message a peer may send of a kind in a phase
// of a session.  Two different messages for the same slot are equivocation.
type slot struct {
	sid    [32]byte
	sender uint32
	phase  mixing.Phase
	kind   mixing.MsgKind
}

type seqKey struct {
	sid    [32]byte
	sender uint32
	seq    uint64
}

type session struct {
	sid     [32]byte
	entries map[chainhash.Hash]*Entry
	slots   map[slot]chainhash.Hash
	maxSeq  map[uint32]uint64
	created time.Time
	bc      broadcast
}

type broadcast struct {
	ch chan struct{}
	mu sync.Mutex
}

// wait returns the wait channel that is closed whenever a message is received
// for a session.  Waiters must acquire the pool lock before reading messages.
func (b *broadcast) wait() <-chan struct{} {
	b.mu.Lock()
	ch := b.ch
	b.mu.Unlock()

	return ch
}

func (b *broadcast) signal() {
	b.mu.Lock()
	close(b.ch)
	b.ch = make(chan struct{})
	b.mu.Unlock()
}

// Config describes the mixnet whose messages are accepted.
type Config struct {
	// Mixnet is the identifier every accepted message must carry.
	Mixnet string

	// Self is the rank of the local peer.
	Self uint32

	// Keys are the identity keys of every peer, indexed by rank.
	Keys []*secp256k1.PublicKey

	// ReplayCacheSize bounds the slots remembered for removed sessions.
	ReplayCacheSize uint32
}

// Pool records the authenticated messages of every live session.
type Pool struct {
	mtx      sync.RWMutex
	cfg      Config
	sessions map[[32]byte]*session
	removed  *lru.Set[[32]byte]
	slots    *lru.Map[slot, chainhash.Hash]
	seqs     *lru.Map[seqKey, chainhash.Hash]
	observer *Observer
}

// NewPool returns a message pool for the described mixnet.
func NewPool(cfg *Config) *Pool {
	size := cfg.ReplayCacheSize
	if size == 0 {
		size = DefaultReplayCacheSize
	}
	p := &Pool{
		cfg:      *cfg,
		sessions: make(map[[32]byte]*session),
		removed:  lru.NewSet[[32]byte](size / 64),
		slots:    lru.NewMap[slot, chainhash.Hash](size),
		seqs:     lru.NewMap[seqKey, chainhash.Hash](size),
	}
	p.observer = newObserver(len(cfg.Keys))
	return p
}

// Observer returns the misbehavior observer of the pool.
func (p *Pool) Observer() *Observer {
	return p.observer
}

// session returns the bookkeeping of sid, creating it when needed.  The pool
// must be locked for writes.
func (p *Pool) session(sid [32]byte) *session {
	ses, ok := p.sessions[sid]
	if !ok {
		ses = &session{
			sid:     sid,
			entries: make(map[chainhash.Hash]*Entry),
			slots:   make(map[slot]chainhash.Hash),
			maxSeq:  make(map[uint32]uint64),
			created: time.Now(),
			bc:      broadcast{ch: make(chan struct{})},
		}
		p.sessions[sid] = ses
	}
	return ses
}

// HaveMessage checks whether the pool contains a message by its hash.
func (p *Pool) HaveMessage(sid [32]byte, query *chainhash.Hash) bool {
	p.mtx.RLock()
	defer p.mtx.RUnlock()

	ses, ok := p.sessions[sid]
	if !ok {
		return false
	}
	_, ok = ses.entries[*query]
	return ok
}

// Sessions returns the IDs of every session with recorded messages.
func (p *Pool) Sessions() [][32]byte {
	p.mtx.RLock()
	sids := make([][32]byte, 0, len(p.sessions))
	for sid := range p.sessions {
		sids = append(sids, sid)
	}
	p.mtx.RUnlock()

	sort.Slice(sids, func(i, j int) bool {
		return bytes.Compare(sids[i][:], sids[j][:]) == -1
	})
	return sids
}

// RemoveSession removes all messages of a finished session.  Messages for
// the session received afterwards are dropped.
func (p *Pool) RemoveSession(sid [32]byte) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	ses := p.sessions[sid]
	p.removed.Put(sid)
	if ses == nil {
		return
	}
	delete(p.sessions, sid)
	log.Debugf("Removed session %x with %d %s", sid[:], len(ses.entries),
		pickNoun(uint32(len(ses.entries)), "message", "messages"))
}

// Received describes the messages a session is waiting for, and receives
// them.
type Received struct {
	Sid   [32]byte
	Phase mixing.Phase
	Kind  mixing.MsgKind

	// Entries are the matching messages, ordered by sender.
	Entries []*Entry
}

// Receive returns the messages of a session matching a phase and message
// kind, waiting until expectedMessages were received, or earlier with the
// messages received so far if the context is cancelled before this point.
//
// Receive only returns results for the session ID in the r parameter.  A
// session that was removed errors immediately.
func (p *Pool) Receive(ctx context.Context, expectedMessages int, r *Received) error {
	p.mtx.Lock()
	if p.removed.Contains(r.Sid) {
		p.mtx.Unlock()
		return mixing.MakeError(mixing.ErrUnknownSession,
			fmt.Sprintf("session %x was removed", r.Sid[:]))
	}
	ses := p.session(r.Sid)
	bc := &ses.bc
	p.mtx.Unlock()

	p.mtx.RLock()
Loop:
	for {
		// Pool is locked for reads.  Count if the total number of
		// expected messages have been received.
		received := 0
		for s := range ses.slots {
			if s.phase == r.Phase && s.kind == r.Kind {
				received++
			}
		}
		if received >= expectedMessages {
			break
		}

		// Unlock while waiting for the broadcast channel.
		p.mtx.RUnlock()

		select {
		case <-ctx.Done():
			p.mtx.RLock()
			break Loop
		case <-bc.wait():
		}

		p.mtx.RLock()
	}

	// Pool is locked for reads.  Collect all of the messages.
	r.Entries = r.Entries[:0]
	for s, hash := range ses.slots {
		if s.phase == r.Phase && s.kind == r.Kind {
			r.Entries = append(r.Entries, ses.entries[hash])
		}
	}
	p.mtx.RUnlock()

	sort.Slice(r.Entries, func(i, j int) bool {
		return r.Entries[i].Sender() < r.Entries[j].Sender()
	})
	return nil
}

// AcceptMessage authenticates a message and records it in its session.
//
// Messages must be signed by the identity key of the claimed sender, carry
// the mixnet identifier and be addressed to the local peer or broadcast.
// Messages the local peer sends itself may be accepted as well; point to
// point messages the local peer sends to others never are.
//
// A replay of an already accepted message is not an error; it returns a nil
// entry and no error.  A second, different message for the slot of an
// accepted one is equivocation by its sender.
func (p *Pool) AcceptMessage(e *mixing.Envelope) (accepted *Entry, err error) {
	defer func() {
		if log.Level() > slog.LevelDebug {
			return
		}
		switch {
		case err != nil:
			log.Debugf("Rejected %v message (session %x) from peer %d: %v",
				e.Kind, e.SID[:], e.Sender, err)
		case accepted != nil:
			log.Debugf("Accepted %v message %v (session %x) from peer %d",
				e.Kind, accepted.Hash, e.SID[:], e.Sender)
		}
	}()

	if err := p.checkEnvelope(e); err != nil {
		return nil, err
	}
	msg, err := e.Message()
	if err != nil {
		return nil, ruleError(err)
	}

	hash := e.Hash()
	s := slot{sid: e.SID, sender: e.Sender, phase: e.Phase, kind: e.Kind}
	sk := seqKey{sid: e.SID, sender: e.Sender, seq: e.Seq}

	p.mtx.Lock()
	defer p.mtx.Unlock()

	if p.removed.Contains(e.SID) {
		if prev, ok := p.slots.Get(s); ok && prev == hash {
			return nil, nil
		}
		return nil, mixing.MakeError(mixing.ErrUnknownSession,
			fmt.Sprintf("session %x was removed", e.SID[:]))
	}

	if prev, ok := p.seqs.Get(sk); ok {
		if prev == hash {
			return nil, nil
		}
		err := mixing.Violation(mixing.ErrEquivocation,
			fmt.Sprintf("peer %d sent two messages with sequence number %d",
				e.Sender, e.Seq), e.Sender)
		p.observer.strike(e.Sender, e.SID, err)
		return nil, err
	}
	if prev, ok := p.slots.Get(s); ok && prev != hash {
		err := mixing.Violation(mixing.ErrEquivocation,
			fmt.Sprintf("peer %d sent two different %v messages in phase %v",
				e.Sender, e.Kind, e.Phase), e.Sender)
		p.observer.strike(e.Sender, e.SID, err)
		return nil, err
	}

	ses := p.session(e.SID)
	entry := &Entry{
		Hash:     hash,
		Envelope: e,
		Message:  msg,
		RecvTime: time.Now(),
	}
	ses.entries[hash] = entry
	ses.slots[s] = hash
	if e.Seq > ses.maxSeq[e.Sender] {
		ses.maxSeq[e.Sender] = e.Seq
	}
	p.slots.Put(s, hash)
	p.seqs.Put(sk, hash)
	ses.bc.signal()

	return entry, nil
}

// checkEnvelope performs the context free checks of a message.
func (p *Pool) checkEnvelope(e *mixing.Envelope) error {
	if e.Mixnet != p.cfg.Mixnet {
		return ruleError(mixing.Errorf(mixing.ErrMalformedMessage,
			"mixnet %q: %w", e.Mixnet, ErrWrongMixnet))
	}
	if int(e.Sender) >= len(p.cfg.Keys) {
		return ruleError(mixing.Errorf(mixing.ErrMalformedMessage,
			"sender %d: %w", e.Sender, ErrUnknownSender))
	}
	if e.To != nil && *e.To != p.cfg.Self {
		return ruleError(mixing.Errorf(mixing.ErrMalformedMessage,
			"message for peer %d: %w", *e.To, ErrMisaddressed))
	}
	if e.Kind == mixing.KindHello {
		return ruleError(mixing.Errorf(mixing.ErrMalformedMessage,
			"%w", ErrHandshakeMessage))
	}
	if !mixing.VerifyEnvelope(e, p.cfg.Keys[e.Sender]) {
		return ruleError(mixing.Errorf(mixing.ErrMalformedMessage,
			"sender %d: %w", e.Sender, ErrInvalidSignature))
	}
	return nil
}

// Report describes what the local peer observed of a session.
type Report struct {
	// Transcript is a digest of every message recorded for the session.
	// Peers which observed the same messages report the same digest.
	Transcript [32]byte

	// Messages is the number of recorded messages.
	Messages int

	// Heard has the bit of every peer rank that sent a message set.
	Heard bitset.Bytes

	// MaxSeq is the highest sequence number seen from each peer.
	MaxSeq []uint64
}

// Report summarizes the recorded messages of a session.
func (p *Pool) Report(sid [32]byte) *Report {
	n := len(p.cfg.Keys)
	r := &Report{
		Heard:  bitset.NewBytes(n),
		MaxSeq: make([]uint64, n),
	}

	p.mtx.RLock()
	var hashes []chainhash.Hash
	if ses, ok := p.sessions[sid]; ok {
		hashes = make([]chainhash.Hash, 0, len(ses.entries))
		for h, e := range ses.entries {
			hashes = append(hashes, h)
			r.Heard.Set(int(e.Sender()))
		}
		for sender, seq := range ses.maxSeq {
			r.MaxSeq[sender] = seq
		}
	}
	p.mtx.RUnlock()

	sort.Slice(hashes, func(i, j int) bool {
		return bytes.Compare(hashes[i][:], hashes[j][:]) == -1
	})
	h := blake3.New(32, nil)
	h.Write(sid[:])
	for i := range hashes {
		h.Write(hashes[i][:])
	}
	copy(r.Transcript[:], h.Sum(nil))
	r.Messages = len(hashes)
	return r
}

// ExpireSessions removes sessions created before the cutoff which no local
// session claimed.  It returns the number of removed sessions.
func (p *Pool) ExpireSessions(cutoff time.Time, keep func(sid [32]byte) bool) int {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	var n int
	for sid, ses := range p.sessions {
		if ses.created.Before(cutoff) && !keep(sid) {
			delete(p.sessions, sid)
			p.removed.Put(sid)
			n++
		}
	}
	if n > 0 {
		log.Debugf("Expired %d stale %s", n,
			pickNoun(uint32(n), "session", "sessions"))
	}
	return n
}
