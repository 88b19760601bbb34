// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package session runs the mixing sessions of a peer.
//
// A session is opened for every gathering epoch of the mixnet.  Users
// register commitments to the session and bind the shares of their output
// during the Initial phase.  Once the gathering window closes, the peers
// agree on the session's users, generate an escrow key for each of them,
// wait for the escrows to be funded, reconstruct and shuffle the outputs and
// finally sign and broadcast the mix transaction.  Every phase has a
// deadline; a session that misses one aborts and refunds every confirmed
// escrow funding.
//
// Each session is driven by a single goroutine, which is the only writer of
// its protocol state.  Peer messages reach it through the message pool.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coinparty/cpd/ledger"
	"github.com/coinparty/cpd/mixing"
	"github.com/coinparty/cpd/mixing/commitment"
	"github.com/coinparty/cpd/mixing/mixpool"
	"github.com/coinparty/cpd/mixing/tecdsa"
	"github.com/decred/dcrd/chaincfg/chainhash"
)

// errNoUsers ends a session no peer registered users for.
var errNoUsers = errors.New("no users")

// Record is the archived summary of a finished session.
type Record struct {
	SID      [32]byte
	Epoch    uint64
	Phase    mixing.Phase
	Reason   string
	Users    int
	Mixed    int
	Refunded int
	MixTx    *chainhash.Hash
	RefundTx *chainhash.Hash
	Started  time.Time
	Ended    time.Time

	// Transcript and Messages summarize the peer messages of the session
	// as observed by the local peer.
	Transcript [32]byte
	Messages   int
}

// Status describes the progress of a session.  It never includes user
// secrets.
type Status struct {
	SID       [32]byte
	Epoch     uint64
	Phase     mixing.Phase
	Deadline  time.Time
	Remaining time.Duration
	Reason    string
	Users     int
	Funded    int
	MixTx     *chainhash.Hash
	RefundTx  *chainhash.Hash

	// Report is the local peer's record of the session messages.
	Report *mixpool.Report

	// PeerPhases holds the latest phase announced by every peer.
	PeerPhases []mixing.Phase

	// Strikes holds the number of sessions every peer misbehaved in.
	Strikes []int
}

type funding struct {
	ledger.Funding
	confs     int64
	confirmed bool
}

// Session is the local peer's state of one mixing session.
type Session struct {
	m     *Manager
	sid   [32]byte
	epoch uint64
	self  uint32
	n     int
	t     int

	gatherEnd time.Time

	mu       sync.Mutex
	book     *commitment.Book
	phase    mixing.Phase
	deadline time.Time
	reason   string
	escrows  map[mixing.UserID]string
	funded   map[mixing.UserID]*funding
	record   Record
	full     chan struct{}
	fullOnce sync.Once

	done chan struct{}

	// Owned by the run goroutine.
	users    []mixing.AcceptedUser
	byID     map[mixing.UserID]*mixing.AcceptedUser
	keys     map[mixing.UserID]*tecdsa.UserKeys
	scripts  map[mixing.UserID][]byte
	excluded map[uint32]struct{}
	mixers   []mixing.UserID
	refunds  []mixing.UserID
}

func newSession(m *Manager, epoch uint64, gatherEnd time.Time) *Session {
	sid := mixing.DeriveSessionID(m.cfg.Mixnet, epoch)
	now := time.Now()
	return &Session{
		m:         m,
		sid:       sid,
		epoch:     epoch,
		self:      m.self,
		n:         m.cfg.Peers,
		t:         m.t,
		gatherEnd: gatherEnd,
		book:      commitment.NewBook(m.self, m.cfg.Peers),
		phase:     mixing.PhaseInitial,
		deadline:  gatherEnd,
		escrows:   make(map[mixing.UserID]string),
		funded:    make(map[mixing.UserID]*funding),
		record:    Record{SID: sid, Epoch: epoch, Started: now},
		full:      make(chan struct{}),
		done:      make(chan struct{}),
		byID:      make(map[mixing.UserID]*mixing.AcceptedUser),
		scripts:   make(map[mixing.UserID][]byte),
		excluded:  make(map[uint32]struct{}),
	}
}

// String returns a short form of the session ID for logging.
func (s *Session) String() string {
	return fmt.Sprintf("%x", s.sid[:6])
}

// SID returns the session ID.
func (s *Session) SID() [32]byte {
	return s.sid
}

// Epoch returns the gathering epoch of the session.
func (s *Session) Epoch() uint64 {
	return s.epoch
}

// Done returns a channel closed once the session finished and was
// forgotten by its manager.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Phase returns the current phase.
func (s *Session) Phase() mixing.Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Register records a user's commitment to an output hash and PIN.  The
// optional refund address must be valid for the network.
func (s *Session) Register(outputHash [32]byte, pin, refund string) (commitment.Nonce, error) {
	if refund != "" {
		if _, err := s.m.cfg.Ledger.RefundScript(refund); err != nil {
			return commitment.Nonce{}, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.book.Len() >= s.m.cfg.MaxUsers {
		return commitment.Nonce{}, mixing.MakeError(mixing.ErrPhaseClosed,
			"session is full")
	}
	return s.book.Register(outputHash, pin, refund, time.Now())
}

// BindShares binds the output shares a user computed for every peer to a
// registration.  Repeating a successful call is a no-op.
func (s *Session) BindShares(nonce commitment.Nonce, shares []string) (mixing.UserID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.book.BindShares(nonce, shares)
	if err != nil {
		return mixing.UserID{}, err
	}
	if s.book.Len() >= s.m.cfg.MaxUsers {
		s.fullOnce.Do(func() { close(s.full) })
	}
	return e.ID, nil
}

// FundingValue returns the value every user must pay to their escrow
// address.  It is zero until the users of the session were agreed on.
func (s *Session) FundingValue() int64 {
	s.mu.Lock()
	users := s.record.Users
	s.mu.Unlock()
	if users == 0 {
		return 0
	}
	return FundingValue(s.m.cfg.MixValue, s.m.cfg.FeeRate, s.m.cfg.MinUsers, users)
}

// Verify answers a user's verification request.
func (s *Session) Verify(nonce commitment.Nonce) commitment.VerifyResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.book.Verify(nonce)
}

// EscrowAddress returns the escrow address of the user registered with
// nonce.  It is empty until the escrow keys were generated.  Users dropped
// from the session are unknown.
func (s *Session) EscrowAddress(nonce commitment.Nonce) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.book.LookupNonce(nonce)
	if !ok {
		return "", mixing.MakeError(mixing.ErrUnknownNonce,
			fmt.Sprintf("no user with nonce %v in session %v", nonce, s))
	}
	return s.escrows[e.ID], nil
}

// Status returns the current progress of the session.
func (s *Session) Status() *Status {
	pool := s.m.cfg.Pool
	st := &Status{
		SID:        s.sid,
		Epoch:      s.epoch,
		Report:     pool.Report(s.sid),
		PeerPhases: s.peerPhases(),
		Strikes:    make([]int, s.n),
	}
	for rank := range st.Strikes {
		st.Strikes[rank] = len(pool.Observer().Strikes(uint32(rank)))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	st.Phase = s.phase
	st.Deadline = s.deadline
	st.Reason = s.reason
	st.MixTx = s.record.MixTx
	st.RefundTx = s.record.RefundTx
	st.Users = s.book.Len()
	if s.record.Users != 0 {
		st.Users = s.record.Users
	}
	for _, f := range s.funded {
		if f.confirmed {
			st.Funded++
		}
	}
	if !s.phase.Terminal() {
		st.Remaining = time.Until(s.deadline)
		if st.Remaining < 0 {
			st.Remaining = 0
		}
	}
	st.PeerPhases[s.self] = s.phase
	return st
}

// peerPhases returns the latest phase every peer announced.
func (s *Session) peerPhases() []mixing.Phase {
	phases := make([]mixing.Phase, s.n)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for p := mixing.PhaseEscrow; p <= mixing.PhaseAborted; p++ {
		r := &mixpool.Received{Sid: s.sid, Phase: p, Kind: mixing.KindPhaseUpdate}
		if err := s.m.cfg.Pool.Receive(ctx, s.n, r); err != nil {
			break
		}
		for _, e := range r.Entries {
			if rank := e.Sender(); int(rank) < s.n && p > phases[rank] {
				phases[rank] = p
			}
		}
	}
	return phases
}

func (s *Session) quorum() int {
	return s.n - s.t
}

// run drives the session through its phases until it ends or ctx is
// cancelled.
func (s *Session) run(ctx context.Context) {
	log.Debugf("Session %v opened for epoch %d, gathering until %v", s,
		s.epoch, s.gatherEnd.Format(time.RFC3339))

	err := s.mix(ctx)
	switch {
	case ctx.Err() != nil:
		log.Infof("Session %v stopped in phase %v", s, s.Phase())
		return

	case errors.Is(err, errNoUsers):
		log.Debugf("Session %v ended without users", s)
		return

	case err == nil:
		deadline := time.Now()
		if len(s.refunds) != 0 {
			deadline = deadline.Add(s.m.cfg.Timeouts.Refund)
		}
		s.transition(ctx, mixing.PhaseHappyEnding, deadline, "")
		if len(s.refunds) != 0 {
			if err := s.refund(ctx, mixing.PhaseHappyEnding, s.refunds); err != nil {
				log.Errorf("Session %v: refund of %d %s failed: %v", s,
					len(s.refunds), pickNoun(len(s.refunds), "user", "users"),
					err)
			}
		}

	default:
		log.Warnf("Session %v aborted in phase %v: %v", s, s.Phase(), err)
		s.m.cfg.Pool.Observer().Report(s.sid, err)
		refunds := s.confirmedFundings()
		deadline := time.Now()
		if len(refunds) != 0 {
			deadline = deadline.Add(s.m.cfg.Timeouts.Refund)
		}
		s.transition(ctx, mixing.PhaseAborted, deadline, mixing.ReasonString(err))
		if len(refunds) != 0 {
			if err := s.refund(ctx, mixing.PhaseAborted, refunds); err != nil {
				log.Errorf("Session %v: refund of %d %s failed: %v", s,
					len(refunds), pickNoun(len(refunds), "user", "users"), err)
			}
		}
	}
	s.archive()
}

// mix runs the phases up to the confirmation of the mix transaction.
func (s *Session) mix(ctx context.Context) error {
	if err := s.gather(ctx); err != nil {
		return err
	}
	if err := s.escrow(ctx); err != nil {
		return err
	}
	pairs, err := s.shuffle(ctx)
	if err != nil {
		return err
	}
	job, err := s.input(ctx, pairs)
	if err != nil {
		return err
	}
	return s.signMix(ctx, job)
}

// transition enters a new phase and announces it to the mixnet.
func (s *Session) transition(ctx context.Context, phase mixing.Phase, deadline time.Time, reason string) {
	s.mu.Lock()
	prev := s.phase
	s.phase = phase
	s.deadline = deadline
	s.reason = reason
	s.mu.Unlock()

	log.Infof("Session %v: %v -> %v", s, prev, phase)
	err := s.publish(ctx, phase, &mixing.PhaseUpdate{
		Phase:    phase,
		Deadline: deadline.Unix(),
		Reason:   reason,
	})
	if err != nil {
		log.Errorf("Session %v: announce phase %v: %v", s, phase, err)
	}
}

// publish records a message of the local peer in the pool and broadcasts
// it.  Failures to reach single peers are not errors.
func (s *Session) publish(ctx context.Context, phase mixing.Phase, msg mixing.Message) error {
	e, err := s.m.cfg.Net.Seal(s.sid, phase, nil, msg)
	if err != nil {
		return err
	}
	if _, err := s.m.cfg.Pool.AcceptMessage(e); err != nil {
		return err
	}
	if err := s.m.cfg.Net.Broadcast(ctx, e); err != nil {
		log.Debugf("Session %v: broadcast %v: %v", s, msg.Kind(), err)
	}
	return nil
}

// receive waits until expected messages of a kind arrived in a phase or the
// deadline passed.  Messages of excluded peers are dropped from the result.
func (s *Session) receive(ctx context.Context, deadline time.Time, expected int, r *mixpool.Received) error {
	rctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	if err := s.m.cfg.Pool.Receive(rctx, expected, r); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(s.excluded) == 0 {
		return nil
	}
	kept := r.Entries[:0]
	for _, e := range r.Entries {
		if _, ok := s.excluded[e.Sender()]; !ok {
			kept = append(kept, e)
		}
	}
	r.Entries = kept
	return nil
}

// blame records the culprits of a protocol violation and excludes them from
// the session quorum.
func (s *Session) blame(err error) {
	culprits := mixing.Culprits(err)
	if len(culprits) == 0 {
		log.Debugf("Session %v: %v", s, err)
		return
	}
	log.Warnf("Session %v: %v (%s %v)", s, err,
		pickNoun(len(culprits), "peer", "peers"), culprits)
	s.m.cfg.Pool.Observer().Report(s.sid, err)
	for _, rank := range culprits {
		s.excluded[rank] = struct{}{}
	}
}

// checkQuorum fails once too many peers were excluded for the session to
// complete.
func (s *Session) checkQuorum() error {
	if s.n-len(s.excluded) < s.quorum() {
		return mixing.MakeError(mixing.ErrQuorumLost,
			fmt.Sprintf("%d of %d peers excluded", len(s.excluded), s.n))
	}
	return nil
}

// confirmedFundings returns the sorted users whose escrow funding was
// confirmed.  Fundings can only be spent once escrow keys exist.
func (s *Session) confirmedFundings() []mixing.UserID {
	if s.keys == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []mixing.UserID
	for _, u := range s.users {
		if f, ok := s.funded[u.ID]; ok && f.confirmed {
			ids = append(ids, u.ID)
		}
	}
	return ids
}

// archive stores the record of the finished session.
func (s *Session) archive() {
	report := s.m.cfg.Pool.Report(s.sid)

	s.mu.Lock()
	rec := s.record
	rec.Phase = s.phase
	rec.Reason = s.reason
	rec.Ended = time.Now()
	s.mu.Unlock()
	rec.Transcript = report.Transcript
	rec.Messages = report.Messages

	log.Infof("Session %v ended in phase %v after %v (%d %s, %d mixed, "+
		"%d refunded)", s, rec.Phase, rec.Ended.Sub(rec.Started).Round(time.Second),
		rec.Users, pickNoun(rec.Users, "user", "users"), rec.Mixed,
		rec.Refunded)
	if a := s.m.cfg.Archive; a != nil {
		if err := a.Put(&rec); err != nil {
			log.Errorf("Session %v: archive: %v", s, err)
		}
	}
}

// statusFromRecord describes an archived session.
func statusFromRecord(rec *Record, n int) *Status {
	return &Status{
		SID:      rec.SID,
		Epoch:    rec.Epoch,
		Phase:    rec.Phase,
		Deadline: rec.Ended,
		Reason:   rec.Reason,
		Users:    rec.Users,
		Funded:   rec.Mixed + rec.Refunded,
		MixTx:    rec.MixTx,
		RefundTx: rec.RefundTx,
		Report: &mixpool.Report{
			Transcript: rec.Transcript,
			Messages:   rec.Messages,
		},
		PeerPhases: make([]mixing.Phase, n),
		Strikes:    make([]int, n),
	}
}
