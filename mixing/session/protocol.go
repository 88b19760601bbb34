// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package session

import (
	"context"
	"fmt"
	"time"

	"github.com/coinparty/cpd/mixing"
	"github.com/coinparty/cpd/mixing/mixpool"
	"github.com/coinparty/cpd/mixing/shuffle"
	"github.com/coinparty/cpd/mixing/tecdsa"
	"github.com/coinparty/cpd/mixing/txsign"
	"github.com/decred/dcrd/wire"
)

// gather waits for the end of the registration window and agrees with the
// other peers on the users of the session.
func (s *Session) gather(ctx context.Context) error {
	timer := time.NewTimer(time.Until(s.gatherEnd))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	case <-s.full:
		log.Infof("Session %v is full", s)
	}

	s.mu.Lock()
	s.book.Freeze()
	entries := s.book.Entries()
	s.deadline = time.Now().Add(s.m.cfg.Timeouts.Agree)
	deadline := s.deadline
	s.mu.Unlock()

	set := &mixing.UserSet{Users: make([]mixing.AcceptedUser, 0, len(entries))}
	for _, e := range entries {
		set.Users = append(set.Users, mixing.AcceptedUser{
			ID:         e.ID,
			OutputHash: e.OutputHash,
			Refund:     e.Refund,
		})
	}
	if err := s.publish(ctx, mixing.PhaseInitial, set); err != nil {
		return err
	}

	r := &mixpool.Received{Sid: s.sid, Phase: mixing.PhaseInitial, Kind: mixing.KindUserSet}
	if err := s.receive(ctx, deadline, s.n, r); err != nil {
		return err
	}
	if len(r.Entries) < s.quorum() {
		return mixing.MakeError(mixing.ErrQuorumLost,
			fmt.Sprintf("received %d of %d user sets, need %d",
				len(r.Entries), s.n, s.quorum()))
	}

	support := make(map[mixing.AcceptedUser]int)
Sets:
	for _, e := range r.Entries {
		users := e.Message.(*mixing.UserSet).Users
		seen := make(map[mixing.UserID]struct{}, len(users))
		for _, u := range users {
			if _, ok := seen[u.ID]; ok {
				s.blame(mixing.Violation(mixing.ErrMalformedMessage,
					fmt.Sprintf("user %v listed twice", u.ID), e.Sender()))
				continue Sets
			}
			seen[u.ID] = struct{}{}
		}
		for _, u := range users {
			support[u]++
		}
	}
	var agreed []mixing.AcceptedUser
	for u, votes := range support {
		if votes >= s.quorum() {
			agreed = append(agreed, u)
		}
	}
	sortAccepted(agreed)

	if len(agreed) == 0 {
		return errNoUsers
	}
	if len(agreed) > s.m.cfg.MaxUsers {
		agreed = agreed[:s.m.cfg.MaxUsers]
	}
	ids := make([]mixing.UserID, len(agreed))
	for i := range agreed {
		ids[i] = agreed[i].ID
		s.byID[agreed[i].ID] = &agreed[i]
	}
	s.users = agreed
	s.mu.Lock()
	s.book.Retain(ids)
	s.record.Users = len(agreed)
	s.mu.Unlock()

	log.Infof("Session %v: agreed on %d %s (%d registered locally)", s,
		len(agreed), pickNoun(len(agreed), "user", "users"), len(entries))
	if len(agreed) < s.m.cfg.MinUsers {
		return mixing.MakeError(mixing.ErrPhaseTimeout,
			fmt.Sprintf("%d %s registered, need %d", len(agreed),
				pickNoun(len(agreed), "user", "users"), s.m.cfg.MinUsers))
	}
	return nil
}

func sortAccepted(users []mixing.AcceptedUser) {
	ids := make([]mixing.UserID, len(users))
	byID := make(map[mixing.UserID]mixing.AcceptedUser, len(users))
	for i, u := range users {
		ids[i] = u.ID
		byID[u.ID] = u
	}
	mixing.SortUsers(ids)
	for i, id := range ids {
		users[i] = byID[id]
	}
}

func (s *Session) userIDs() []mixing.UserID {
	ids := make([]mixing.UserID, len(s.users))
	for i := range s.users {
		ids[i] = s.users[i].ID
	}
	return ids
}

// escrow generates the escrow keys of the users and waits for their
// fundings.
func (s *Session) escrow(ctx context.Context) error {
	to := s.m.cfg.Timeouts
	deadline := time.Now().Add(5*to.Deal + to.Escrow)
	s.transition(ctx, mixing.PhaseEscrow, deadline, "")

	// Fundings are only searched for in blocks above the current tip.
	cursor, err := s.m.cfg.Ledger.Tip(ctx)
	if err != nil {
		return err
	}
	if err := s.generateKeys(ctx); err != nil {
		return err
	}
	return s.awaitFunding(ctx, cursor, deadline)
}

// generateKeys runs the distributed key generation of the escrow keys and
// signing nonces of every user.  Each of its five rounds waits at most the
// dealing timeout: dealings, acknowledgements, echoes of the
// acknowledgements, reveals answering the accusations, and echoes of the
// reveals.
func (s *Session) generateKeys(ctx context.Context) error {
	cfg := &s.m.cfg
	g := tecdsa.NewKeyGen(s.self, s.t, s.n, s.userIDs())
	for rank := 0; rank < s.n; rank++ {
		to := uint32(rank)
		if to == s.self {
			continue
		}
		e, err := cfg.Net.Seal(s.sid, mixing.PhaseEscrow, &to, g.DealingFor(to))
		if err != nil {
			return err
		}
		if err := cfg.Net.Send(ctx, to, e); err != nil {
			log.Debugf("Session %v: send dealing to peer %d: %v", s, to, err)
		}
	}

	r := &mixpool.Received{Sid: s.sid, Phase: mixing.PhaseEscrow, Kind: mixing.KindDealing}
	if err := s.receive(ctx, time.Now().Add(cfg.Timeouts.Deal), s.n-1, r); err != nil {
		return err
	}
	for _, e := range r.Entries {
		if err := g.AddDealing(e.Sender(), e.Message.(*mixing.Dealing)); err != nil {
			s.blame(err)
		}
	}
	if missing := s.n - len(g.Dealers()); missing != 0 {
		log.Infof("Session %v: accusing %d %s of a missing or bad dealing",
			s, missing, pickNoun(missing, "dealer", "dealers"))
	}

	if err := s.publish(ctx, mixing.PhaseEscrow, g.Ack()); err != nil {
		return err
	}
	acks := &mixpool.Received{Sid: s.sid, Phase: mixing.PhaseEscrow, Kind: mixing.KindDealAck}
	if err := s.receive(ctx, time.Now().Add(cfg.Timeouts.Deal), s.n, acks); err != nil {
		return err
	}

	// Dealers answer, and everyone judges them by, the acknowledgements
	// known once the echoes are in.  Later ones are ignored.
	if err := s.echo(ctx, time.Now().Add(cfg.Timeouts.Deal), acks); err != nil {
		return err
	}
	if len(acks.Entries) < s.quorum() {
		return mixing.MakeError(mixing.ErrQuorumLost,
			fmt.Sprintf("received %d of %d dealing acknowledgements",
				len(acks.Entries), s.n))
	}
	accused := dealAcks(acks.Entries)

	if err := s.publish(ctx, mixing.PhaseEscrow, g.Reveal(accused)); err != nil {
		return err
	}
	reveals := &mixpool.Received{Sid: s.sid, Phase: mixing.PhaseEscrow, Kind: mixing.KindDealReveal}
	if err := s.receive(ctx, time.Now().Add(cfg.Timeouts.Deal), s.n, reveals); err != nil {
		return err
	}
	if err := s.echo(ctx, time.Now().Add(cfg.Timeouts.Deal), reveals); err != nil {
		return err
	}

	revealed := make(map[uint32]*mixing.DealReveal, len(reveals.Entries))
	for _, e := range reveals.Entries {
		revealed[e.Sender()] = e.Message.(*mixing.DealReveal)
	}
	qual, err := g.Qualify(accused, revealed)
	if err != nil {
		s.blame(err)
	}
	if err := s.checkQuorum(); err != nil {
		return err
	}
	keys, err := g.Finalize(qual)
	if err != nil {
		return err
	}
	s.keys = keys

	params := cfg.Ledger.Params()
	addrs := make(map[mixing.UserID]string, len(keys))
	for id, k := range keys {
		addr, err := txsign.EscrowAddress(k.EscrowPubKey(), params)
		if err != nil {
			return err
		}
		_, script := addr.PaymentScript()
		s.scripts[id] = script
		addrs[id] = addr.String()
	}
	s.mu.Lock()
	s.escrows = addrs
	s.mu.Unlock()

	log.Infof("Session %v: generated %d escrow %s from %d qualified dealers",
		s, len(keys), pickNoun(len(keys), "key", "keys"), len(qual))
	return nil
}

func dealAcks(entries []*mixpool.Entry) map[uint32]*mixing.DealAck {
	acks := make(map[uint32]*mixing.DealAck, len(entries))
	for _, e := range entries {
		acks[e.Sender()] = e.Message.(*mixing.DealAck)
	}
	return acks
}

// echo relays the received messages of one kind to every peer, accepts the
// messages relayed by the others, and refreshes r with them.  A message its
// sender gave to only some peers thereby reaches all of them, and a sender
// of two different messages is caught equivocating.
func (s *Session) echo(ctx context.Context, deadline time.Time, r *mixpool.Received) error {
	envs := make([][]byte, 0, len(r.Entries))
	for _, e := range r.Entries {
		b, err := e.Envelope.Encode()
		if err != nil {
			return err
		}
		envs = append(envs, b)
	}
	var msg mixing.Message
	var kind mixing.MsgKind
	switch r.Kind {
	case mixing.KindDealAck:
		msg, kind = &mixing.AckEcho{Envelopes: envs}, mixing.KindAckEcho
	case mixing.KindDealReveal:
		msg, kind = &mixing.RevealEcho{Envelopes: envs}, mixing.KindRevealEcho
	default:
		return fmt.Errorf("no echo of %v messages", r.Kind)
	}
	if err := s.publish(ctx, mixing.PhaseEscrow, msg); err != nil {
		return err
	}

	echoes := &mixpool.Received{Sid: s.sid, Phase: mixing.PhaseEscrow, Kind: kind}
	if err := s.receive(ctx, deadline, s.n, echoes); err != nil {
		return err
	}
	pool := s.m.cfg.Pool
Echoes:
	for _, entry := range echoes.Entries {
		relayer := entry.Sender()
		if relayer == s.self {
			continue
		}
		var relayed [][]byte
		switch m := entry.Message.(type) {
		case *mixing.AckEcho:
			relayed = m.Envelopes
		case *mixing.RevealEcho:
			relayed = m.Envelopes
		}
		if len(relayed) > s.n {
			s.blame(mixing.Violation(mixing.ErrMalformedMessage,
				fmt.Sprintf("peer %d relayed %d messages", relayer,
					len(relayed)), relayer))
			continue
		}
		for _, b := range relayed {
			e, err := mixing.DecodeEnvelope(b)
			if err == nil && (e.Kind != r.Kind || e.SID != s.sid ||
				e.Phase != mixing.PhaseEscrow || !e.Broadcast()) {
				err = fmt.Errorf("relayed %v message does not belong "+
					"to the echo of %v messages", e.Kind, r.Kind)
			}
			if err == nil {
				_, err = pool.AcceptMessage(e)
				if err != nil && len(mixing.Culprits(err)) != 0 {
					s.blame(err)
					continue
				}
			}
			if err != nil {
				s.blame(mixing.Violation(mixing.ErrMalformedMessage,
					fmt.Sprintf("peer %d relayed a bad message: %v",
						relayer, err), relayer))
				continue Echoes
			}
		}
	}

	// Pick up the relayed messages.
	return s.receive(ctx, time.Now(), 0, r)
}

// awaitFunding polls the ledger for escrow fundings until every user's
// funding is confirmed or the deadline passes.  It then splits the funded
// users into mixers and users to refund.
func (s *Session) awaitFunding(ctx context.Context, cursor int64, deadline time.Time) error {
	cfg := &s.m.cfg
	value := FundingValue(cfg.MixValue, cfg.FeeRate, cfg.MinUsers, len(s.users))
	minConfs := cfg.Ledger.MinConfirmations()
	watch := make([][]byte, 0, len(s.scripts))
	owners := make(map[string]mixing.UserID, len(s.scripts))
	for _, u := range s.users {
		script := s.scripts[u.ID]
		watch = append(watch, script)
		owners[string(script)] = u.ID
	}

	log.Infof("Session %v: waiting for %d escrow %s of %d atoms", s,
		len(watch), pickNoun(len(watch), "funding", "fundings"), value)

	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
Poll:
	for {
		found, next, err := cfg.Ledger.Scan(ctx, cursor, watch)
		if err != nil {
			log.Warnf("Session %v: scan for fundings: %v", s, err)
		}
		cursor = next

		s.mu.Lock()
		for i := range found {
			f := found[i]
			id, ok := owners[string(f.PkScript)]
			if !ok {
				continue
			}
			if prev, ok := s.funded[id]; ok {
				if prev.OutPoint != f.OutPoint {
					log.Warnf("Session %v: ignoring additional funding %v "+
						"of user %v", s, f.OutPoint, id)
				}
				continue
			}
			log.Infof("Session %v: user %v funded escrow with %d atoms in %v",
				s, id, f.Value, f.OutPoint)
			s.funded[id] = &funding{Funding: f}
		}
		var pending []*funding
		for _, f := range s.funded {
			if !f.confirmed {
				pending = append(pending, f)
			}
		}
		complete := len(s.funded) == len(s.users)
		s.mu.Unlock()

		for _, f := range pending {
			confs, err := cfg.Ledger.Confirmations(ctx, &f.OutPoint.Hash)
			if err != nil {
				log.Debugf("Session %v: confirmations of %v: %v", s,
					f.OutPoint.Hash, err)
				complete = false
				continue
			}
			s.mu.Lock()
			f.confs = confs
			f.confirmed = confs >= minConfs
			s.mu.Unlock()
			if !f.confirmed {
				complete = false
			}
		}
		if complete {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			break Poll
		case <-ticker.C:
		}
	}

	s.mu.Lock()
	var unconfirmed, dropped int
	for _, u := range s.users {
		f, ok := s.funded[u.ID]
		switch {
		case !ok:
			dropped++
		case !f.confirmed:
			unconfirmed++
		case f.Value != value:
			log.Infof("Session %v: user %v paid %d atoms instead of %d and "+
				"will be refunded", s, u.ID, f.Value, value)
			s.refunds = append(s.refunds, u.ID)
		default:
			s.mixers = append(s.mixers, u.ID)
		}
	}
	s.record.Mixed = len(s.mixers)
	s.mu.Unlock()

	if dropped != 0 {
		log.Infof("Session %v: dropped %d unfunded %s", s, dropped,
			pickNoun(dropped, "user", "users"))
	}
	if unconfirmed != 0 {
		return mixing.MakeError(mixing.ErrPhaseTimeout,
			fmt.Sprintf("%d %s unconfirmed at the escrow deadline",
				unconfirmed, pickNoun(unconfirmed, "funding", "fundings")))
	}
	if len(s.mixers) < cfg.MinUsers {
		s.mu.Lock()
		s.record.Mixed = 0
		s.mu.Unlock()
		return mixing.MakeError(mixing.ErrPhaseTimeout,
			fmt.Sprintf("%d %s funded correctly, need %d", len(s.mixers),
				pickNoun(len(s.mixers), "user", "users"), cfg.MinUsers))
	}
	return nil
}

// shuffle reconstructs the outputs of the mixers and assigns them to the
// escrow inputs.
func (s *Session) shuffle(ctx context.Context) ([]shuffle.Pair, error) {
	deadline := time.Now().Add(s.m.cfg.Timeouts.Work)
	s.transition(ctx, mixing.PhaseWorksharing, deadline, "")

	commits := make(map[mixing.UserID][32]byte, len(s.mixers))
	for _, id := range s.mixers {
		commits[id] = s.byID[id].OutputHash
	}
	c := shuffle.NewCollector(s.t, commits)
	s.mu.Lock()
	for _, id := range s.mixers {
		if e, ok := s.book.Lookup(id); ok && e.Bound() {
			c.AddLocal(s.self, id, e.Share)
		}
	}
	s.mu.Unlock()
	if err := s.publish(ctx, mixing.PhaseWorksharing, c.LocalShares(s.self)); err != nil {
		return nil, err
	}

	r := &mixpool.Received{Sid: s.sid, Phase: mixing.PhaseWorksharing, Kind: mixing.KindOutputShares}
	for expected := s.quorum(); ; expected++ {
		if err := s.receive(ctx, deadline, expected, r); err != nil {
			return nil, err
		}
		for _, e := range r.Entries {
			if err := c.Add(e.Sender(), e.Message.(*mixing.OutputShares)); err != nil {
				s.blame(err)
			}
		}
		if err := c.Reconstruct(s.excluded); err != nil {
			s.blame(err)
		}
		if err := s.checkQuorum(); err != nil {
			return nil, err
		}
		if c.Done() {
			break
		}
		if len(r.Entries) < expected || expected >= s.n {
			return nil, mixing.MakeError(mixing.ErrPhaseTimeout,
				fmt.Sprintf("reconstructed %d of %d outputs",
					len(c.Outputs()), len(s.mixers)))
		}
	}
	return shuffle.Assign(s.sid, c.Outputs()), nil
}

// escrowsOf returns the confirmed escrow fundings of users.
func (s *Session) escrowsOf(ids []mixing.UserID) []*txsign.Escrow {
	s.mu.Lock()
	defer s.mu.Unlock()
	escrows := make([]*txsign.Escrow, len(ids))
	for i, id := range ids {
		f := s.funded[id]
		escrows[i] = &txsign.Escrow{
			User:     id,
			OutPoint: f.OutPoint,
			Value:    f.Value,
			PkScript: s.scripts[id],
			PubKey:   s.keys[id].EscrowPubKey(),
		}
	}
	return escrows
}

func (s *Session) keysOf(escrows []*txsign.Escrow) []*tecdsa.UserKeys {
	keys := make([]*tecdsa.UserKeys, len(escrows))
	for i, e := range escrows {
		keys[i] = s.keys[e.User]
	}
	return keys
}

// input builds the mix transaction and collects the nonce reveals of its
// inputs.
func (s *Session) input(ctx context.Context, pairs []shuffle.Pair) (*txsign.Job, error) {
	deadline := time.Now().Add(s.m.cfg.Timeouts.Input)
	s.transition(ctx, mixing.PhaseInput, deadline, "")

	escrows := s.escrowsOf(s.mixers)
	tx, err := txsign.BuildMix(escrows, pairs, s.m.cfg.MixValue, s.m.cfg.Ledger.Params())
	if err != nil {
		return nil, err
	}
	job, err := txsign.NewJob(mixing.PurposeMix, tx, escrows, s.keysOf(escrows), s.t)
	if err != nil {
		return nil, err
	}
	if err := s.reveal(ctx, mixing.PhaseInput, job, deadline); err != nil {
		return nil, err
	}
	return job, nil
}

// reveal publishes the local shares of the blinded nonce products of every
// input of job and waits for a quorum of reveals.  Which reveals are right
// is only known once a signature verifies, so all of them are kept.
func (s *Session) reveal(ctx context.Context, phase mixing.Phase, job *txsign.Job,
	deadline time.Time) error {

	if err := s.publish(ctx, phase, job.LocalReveal()); err != nil {
		return err
	}
	r := &mixpool.Received{Sid: s.sid, Phase: phase, Kind: mixing.KindNonceReveal}
	if err := s.receive(ctx, deadline, s.quorum(), r); err != nil {
		return err
	}
	s.addReveals(job, r.Entries)
	if job.Reveals() < s.quorum() {
		return mixing.MakeError(mixing.ErrQuorumLost,
			fmt.Sprintf("received %d of %d nonce reveals", job.Reveals(), s.n))
	}
	return nil
}

func (s *Session) addReveals(job *txsign.Job, entries []*mixpool.Entry) {
	for _, e := range entries {
		if err := job.AddReveal(e.Sender(), e.Message.(*mixing.NonceReveal)); err != nil {
			s.blame(err)
		}
	}
}

// sign collects partial signatures of the peers until the transaction of
// job can be signed.  Nonce reveals that arrived after the reveal phase
// are added before every attempt.
func (s *Session) sign(ctx context.Context, phase, revealPhase mixing.Phase,
	job *txsign.Job, deadline time.Time) (*wire.MsgTx, error) {

	if err := s.publish(ctx, phase, job.LocalPartials()); err != nil {
		return nil, err
	}
	r := &mixpool.Received{Sid: s.sid, Phase: phase, Kind: mixing.KindPartialSigs}
	reveals := &mixpool.Received{Sid: s.sid, Phase: revealPhase, Kind: mixing.KindNonceReveal}
	for expected := s.quorum(); ; expected++ {
		if err := s.receive(ctx, deadline, expected, r); err != nil {
			return nil, err
		}
		if err := s.receive(ctx, deadline, 0, reveals); err != nil {
			return nil, err
		}
		s.addReveals(job, reveals.Entries)
		for _, e := range r.Entries {
			if err := job.Add(e.Sender(), e.Message.(*mixing.PartialSigs)); err != nil {
				s.blame(err)
			}
		}
		tx, err := job.Combine(s.excluded)
		if tx != nil {
			if err != nil {
				s.blame(err)
			}
			return tx, nil
		}
		if qerr := s.checkQuorum(); qerr != nil {
			return nil, qerr
		}
		if len(r.Entries) < expected || expected >= s.n {
			return nil, err
		}
		log.Debugf("Session %v: waiting for more partial signatures: %v", s, err)
	}
}

// signMix signs the mix transaction and waits for its confirmation.
func (s *Session) signMix(ctx context.Context, job *txsign.Job) error {
	deadline := time.Now().Add(s.m.cfg.Timeouts.Sign)
	s.transition(ctx, mixing.PhaseSigning, deadline, "")

	tx, err := s.sign(ctx, mixing.PhaseSigning, mixing.PhaseInput, job, deadline)
	if err != nil {
		return err
	}
	hash := tx.TxHash()
	s.mu.Lock()
	s.record.MixTx = &hash
	s.mu.Unlock()
	log.Infof("Session %v: signed mix transaction %v", s, hash)
	return s.publishTx(ctx, tx, deadline)
}

// publishTx broadcasts a signed transaction and waits for its confirmation.
// Failed broadcasts are retried until the deadline.
func (s *Session) publishTx(ctx context.Context, tx *wire.MsgTx, deadline time.Time) error {
	l := s.m.cfg.Ledger
	hash := tx.TxHash()
	ticker := time.NewTicker(s.m.cfg.PollInterval)
	defer ticker.Stop()
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	var sent bool
	for {
		if !sent {
			if _, err := l.Broadcast(ctx, tx); err != nil {
				log.Warnf("Session %v: broadcast %v: %v", s, hash, err)
			} else {
				sent = true
			}
		}
		if sent {
			confs, err := l.Confirmations(ctx, &hash)
			if err == nil && confs >= l.MinConfirmations() {
				log.Infof("Session %v: transaction %v confirmed", s, hash)
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return mixing.MakeError(mixing.ErrPhaseTimeout,
				fmt.Sprintf("transaction %v unconfirmed at the deadline", hash))
		case <-ticker.C:
		}
	}
}

// refund returns the escrowed fundings of users to their refund addresses,
// or to the source of the funding when a user gave none.
func (s *Session) refund(ctx context.Context, phase mixing.Phase, ids []mixing.UserID) error {
	l := s.m.cfg.Ledger
	deadline := time.Now().Add(s.m.cfg.Timeouts.Refund)
	escrows := s.escrowsOf(ids)
	dests := make([][]byte, len(escrows))
	for i, e := range escrows {
		if u := s.byID[e.User]; u.Refund != "" {
			script, err := l.RefundScript(u.Refund)
			if err == nil {
				dests[i] = script
				continue
			}
			log.Warnf("Session %v: refund address of user %v: %v", s,
				e.User, err)
		}
		script, err := l.FundingSource(ctx, &e.OutPoint)
		if err != nil {
			return err
		}
		dests[i] = script
	}

	tx, err := txsign.BuildRefund(escrows, dests, s.m.cfg.FeeRate)
	if err != nil {
		return err
	}
	job, err := txsign.NewJob(mixing.PurposeRefund, tx, escrows,
		s.keysOf(escrows), s.t)
	if err != nil {
		return err
	}
	if err := s.reveal(ctx, phase, job, deadline); err != nil {
		return err
	}
	signed, err := s.sign(ctx, phase, phase, job, deadline)
	if err != nil {
		return err
	}
	hash := signed.TxHash()
	s.mu.Lock()
	s.record.RefundTx = &hash
	s.record.Refunded = len(ids)
	s.mu.Unlock()
	log.Infof("Session %v: signed refund transaction %v for %d %s", s, hash,
		len(ids), pickNoun(len(ids), "user", "users"))
	return s.publishTx(ctx, signed, deadline)
}
