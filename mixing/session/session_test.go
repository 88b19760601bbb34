// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package session

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coinparty/cpd/ledger"
	"github.com/coinparty/cpd/mixing"
	"github.com/coinparty/cpd/mixing/commitment"
	"github.com/coinparty/cpd/mixing/mixpool"
	"github.com/coinparty/cpd/mixing/shuffle"
	"github.com/coinparty/cpd/mixing/txsign"
	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/chaincfg/v3"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/txscript/v4/stdaddr"
	"github.com/decred/dcrd/wire"
)

const (
	testMixnet   = "session-test"
	testMixValue = 1e8
)

// memNet delivers the messages of one peer straight into the pools of the
// others.  A misbehaving peer is simulated by altering its messages before
// they are signed, or by dropping them on the way to some peers.
type memNet struct {
	self  uint32
	key   *secp256k1.PrivateKey
	pools []*mixpool.Pool
	seq   atomic.Uint64

	tamper func(msg mixing.Message)
	drop   func(to uint32, e *mixing.Envelope) bool
}

func (n *memNet) Self() uint32 { return n.self }

func (n *memNet) Seal(sid [32]byte, phase mixing.Phase, to *uint32, msg mixing.Message) (*mixing.Envelope, error) {
	if n.tamper != nil {
		n.tamper(msg)
	}
	e, err := mixing.NewEnvelope(testMixnet, sid, phase, n.self, to,
		n.seq.Add(1), msg)
	if err != nil {
		return nil, err
	}
	if err := mixing.SignEnvelope(e, n.key); err != nil {
		return nil, err
	}
	return e, nil
}

func (n *memNet) Send(ctx context.Context, rank uint32, e *mixing.Envelope) error {
	if n.drop != nil && n.drop(rank, e) {
		return nil
	}
	_, err := n.pools[rank].AcceptMessage(e)
	return err
}

func (n *memNet) Broadcast(ctx context.Context, e *mixing.Envelope) error {
	var errs []error
	for rank, p := range n.pools {
		if uint32(rank) == n.self {
			continue
		}
		if n.drop != nil && n.drop(uint32(rank), e) {
			continue
		}
		if _, err := p.AcceptMessage(e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// fakeChain mines every transaction paying at least the relay fee into its
// own block.
type fakeChain struct {
	mu       sync.Mutex
	params   *chaincfg.Params
	height   int64
	relayFee int64
	found    []ledger.Funding
	mined    map[chainhash.Hash]int64
	txs      []*wire.MsgTx
	sources  map[wire.OutPoint][]byte
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		params:   chaincfg.SimNetParams(),
		height:   100,
		relayFee: txsign.DefaultFeeRate,
		mined:    make(map[chainhash.Hash]int64),
		sources:  make(map[wire.OutPoint][]byte),
	}
}

func (c *fakeChain) Params() *chaincfg.Params { return c.params }
func (c *fakeChain) MinConfirmations() int64  { return 1 }

func (c *fakeChain) Tip(ctx context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.height, nil
}

func (c *fakeChain) Scan(ctx context.Context, cursor int64, watch [][]byte) ([]ledger.Funding, int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var found []ledger.Funding
	for _, f := range c.found {
		if f.Height <= cursor {
			continue
		}
		for _, w := range watch {
			if bytes.Equal(w, f.PkScript) {
				found = append(found, f)
			}
		}
	}
	return found, c.height, nil
}

func (c *fakeChain) Confirmations(ctx context.Context, txHash *chainhash.Hash) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.mined[*txHash]
	if !ok {
		return 0, nil
	}
	return c.height - h + 1, nil
}

func (c *fakeChain) Broadcast(ctx context.Context, tx *wire.MsgTx) (*chainhash.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	hash := tx.TxHash()
	var fee int64
	for _, in := range tx.TxIn {
		f, ok := c.output(in.PreviousOutPoint)
		if !ok {
			return nil, fmt.Errorf("transaction %v spends unknown output %v",
				hash, in.PreviousOutPoint)
		}
		fee += f.Value
	}
	for _, out := range tx.TxOut {
		fee -= out.Value
	}
	if want := txsign.FeeForSerializeSize(c.relayFee, tx.SerializeSize()); fee < want {
		return nil, fmt.Errorf("transaction %v pays a fee of %d, below the "+
			"relay fee %d", hash, fee, want)
	}
	if _, ok := c.mined[hash]; !ok {
		c.height++
		c.mined[hash] = c.height
		c.txs = append(c.txs, tx)
	}
	return &hash, nil
}

func (c *fakeChain) FundingSource(ctx context.Context, op *wire.OutPoint) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	script, ok := c.sources[*op]
	if !ok {
		return nil, fmt.Errorf("unknown funding %v", op)
	}
	return script, nil
}

func (c *fakeChain) RefundScript(addr string) ([]byte, error) {
	decoded, err := stdaddr.DecodeAddress(addr, c.params)
	if err != nil {
		return nil, mixing.Errorf(mixing.ErrInputValidation,
			"refund address: %w", err)
	}
	_, script := decoded.PaymentScript()
	return script, nil
}

// fund mines a payment of value to an address and returns the script of
// the payer.
func (c *fakeChain) fund(t *testing.T, addr string, value int64) []byte {
	t.Helper()
	decoded, err := stdaddr.DecodeAddress(addr, c.params)
	if err != nil {
		t.Fatalf("escrow address %q: %v", addr, err)
	}
	_, script := decoded.PaymentScript()

	var payer [20]byte
	rand.Read(payer[:])
	source, err := stdaddr.NewAddressPubKeyHashEcdsaSecp256k1V0(payer[:], c.params)
	if err != nil {
		t.Fatal(err)
	}
	_, sourceScript := source.PaymentScript()

	var prev chainhash.Hash
	rand.Read(prev[:])
	tx := wire.NewMsgTx()
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&prev, 0, wire.TxTreeRegular), value+1e4, nil))
	tx.AddTxOut(wire.NewTxOut(value, script))

	c.mu.Lock()
	defer c.mu.Unlock()
	c.height++
	hash := tx.TxHash()
	c.mined[hash] = c.height
	op := wire.OutPoint{Hash: hash, Index: 0, Tree: wire.TxTreeRegular}
	c.found = append(c.found, ledger.Funding{
		PkScript: script,
		OutPoint: op,
		Value:    value,
		Height:   c.height,
	})
	c.sources[op] = sourceScript
	return sourceScript
}

// output returns the funding mined at an outpoint.  The chain lock must be
// held.
func (c *fakeChain) output(op wire.OutPoint) (ledger.Funding, bool) {
	for _, f := range c.found {
		if f.OutPoint == op {
			return f, true
		}
	}
	return ledger.Funding{}, false
}

// spends returns the mined transactions spending an outpoint.
func (c *fakeChain) spends(op wire.OutPoint) []*wire.MsgTx {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*wire.MsgTx
	for _, tx := range c.txs {
		for _, in := range tx.TxIn {
			if in.PreviousOutPoint == op {
				out = append(out, tx)
			}
		}
	}
	return out
}

// tx returns the mined transaction with a hash.
func (c *fakeChain) tx(hash chainhash.Hash) *wire.MsgTx {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, tx := range c.txs {
		if tx.TxHash() == hash {
			return tx
		}
	}
	return nil
}

func (c *fakeChain) fundingOf(script []byte) (ledger.Funding, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range c.found {
		if bytes.Equal(f.PkScript, script) {
			return f, true
		}
	}
	return ledger.Funding{}, false
}

type memArchive struct {
	mu      sync.Mutex
	records map[[32]byte][]*Record
}

func (a *memArchive) Put(rec *Record) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records[rec.SID] = append(a.records[rec.SID], rec)
	return nil
}

func (a *memArchive) Get(sid [32]byte) (*Record, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	recs := a.records[sid]
	if len(recs) == 0 {
		return nil, mixing.MakeError(mixing.ErrUnknownSession, "not archived")
	}
	return recs[len(recs)-1], nil
}

type testMixnet4 struct {
	chain    *fakeChain
	pools    []*mixpool.Pool
	nets     []*memNet
	managers []*Manager
	archives []*memArchive
}

func newTestMixnet(t *testing.T, minUsers, maxUsers int) *testMixnet4 {
	t.Helper()
	const n = 4
	privs := make([]*secp256k1.PrivateKey, n)
	pubs := make([]*secp256k1.PublicKey, n)
	for i := range privs {
		priv, err := secp256k1.GeneratePrivateKey()
		if err != nil {
			t.Fatal(err)
		}
		privs[i] = priv
		pubs[i] = priv.PubKey()
	}
	pools := make([]*mixpool.Pool, n)
	for i := range pools {
		pools[i] = mixpool.NewPool(&mixpool.Config{
			Mixnet: testMixnet,
			Self:   uint32(i),
			Keys:   pubs,
		})
	}
	tm := &testMixnet4{chain: newFakeChain(), pools: pools}
	for i := 0; i < n; i++ {
		a := &memArchive{records: make(map[[32]byte][]*Record)}
		net := &memNet{self: uint32(i), key: privs[i], pools: pools}
		m, err := NewManager(&Config{
			Mixnet:  testMixnet,
			Peers:   n,
			Pool:    pools[i],
			Net:     net,
			Ledger:  tm.chain,
			Archive: a,
			Timeouts: Timeouts{
				Gather: time.Minute,
				Agree:  5 * time.Second,
				Deal:   2 * time.Second,
				Escrow: time.Second,
				Work:   10 * time.Second,
				Input:  10 * time.Second,
				Sign:   10 * time.Second,
				Refund: 10 * time.Second,
			},
			MinUsers:     minUsers,
			MaxUsers:     maxUsers,
			MixValue:     testMixValue,
			PollInterval: 20 * time.Millisecond,
		})
		if err != nil {
			t.Fatal(err)
		}
		tm.nets = append(tm.nets, net)
		tm.managers = append(tm.managers, m)
		tm.archives = append(tm.archives, a)
	}
	return tm
}

// open starts the session of an epoch on every peer.
func (tm *testMixnet4) open(t *testing.T, epoch uint64, gatherEnd time.Time) []*Session {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	sessions := make([]*Session, len(tm.managers))
	for i, m := range tm.managers {
		sessions[i] = m.open(ctx, epoch, gatherEnd)
	}
	t.Cleanup(func() {
		cancel()
		for _, m := range tm.managers {
			m.wg.Wait()
		}
	})
	return sessions
}

type testUser struct {
	output shuffle.Output
	pin    string
	nonces []commitment.Nonce
}

// register commits a new user with every peer and binds its shares.
func register(t *testing.T, sessions []*Session) *testUser {
	t.Helper()
	return registerUser(t, sessions, false)
}

// registerUser commits a new user with every peer and binds its shares.
// With corrupt set the bound shares split another output than the
// committed one, so the output can never be reconstructed.
func registerUser(t *testing.T, sessions []*Session, corrupt bool) *testUser {
	t.Helper()
	u := &testUser{pin: "1234"}
	rand.Read(u.output[:])
	shared := u.output
	if corrupt {
		shared[0] ^= 1
	}
	n := len(sessions)
	shares, err := mixing.Split(shuffle.OutputSecret(shared), mixing.Threshold(n), n)
	if err != nil {
		t.Fatal(err)
	}
	strs := make([]string, n)
	for i, s := range shares {
		strs[i] = mixing.FormatFieldElement(s.Value)
	}
	hash := shuffle.OutputHash(u.output)
	for _, s := range sessions {
		nonce, err := s.Register(hash, u.pin, "")
		if err != nil {
			t.Fatalf("Register: %v", err)
		}
		if _, err := s.BindShares(nonce, strs); err != nil {
			t.Fatalf("BindShares: %v", err)
		}
		if res := s.Verify(nonce); !res.Ack || res.PIN != u.pin {
			t.Fatalf("Verify after binding: %+v", res)
		}
		u.nonces = append(u.nonces, nonce)
	}
	return u
}

// escrowAddress waits until every peer reports the escrow address of a user
// and checks they agree.
func escrowAddress(t *testing.T, sessions []*Session, u *testUser) string {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	var addr string
	for i, s := range sessions {
		for {
			a, err := s.EscrowAddress(u.nonces[i])
			if err != nil {
				t.Fatalf("EscrowAddress: %v", err)
			}
			if a != "" {
				if addr != "" && a != addr {
					t.Fatalf("peer %d escrow address %s, peer 0 %s", i, a, addr)
				}
				addr = a
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("peer %d generated no escrow address", i)
			}
			time.Sleep(10 * time.Millisecond)
		}
	}
	return addr
}

func waitDone(t *testing.T, sessions []*Session) {
	t.Helper()
	timeout := time.After(60 * time.Second)
	for i, s := range sessions {
		select {
		case <-s.Done():
		case <-timeout:
			t.Fatalf("session of peer %d still in phase %v", i, s.Phase())
		}
	}
}

func (tm *testMixnet4) records(t *testing.T, sid [32]byte) []*Record {
	t.Helper()
	recs := make([]*Record, len(tm.archives))
	for i, a := range tm.archives {
		rec, err := a.Get(sid)
		if err != nil {
			t.Fatalf("peer %d: %v", i, err)
		}
		recs[i] = rec
	}
	return recs
}

func TestHappyMix(t *testing.T) {
	tm := newTestMixnet(t, 2, 2)
	sessions := tm.open(t, 1, time.Now().Add(time.Minute))
	users := []*testUser{register(t, sessions), register(t, sessions)}

	value := FundingValue(testMixValue, txsign.DefaultFeeRate, 2, len(users))
	for _, u := range users {
		tm.chain.fund(t, escrowAddress(t, sessions, u), value)
	}
	waitDone(t, sessions)

	recs := tm.records(t, sessions[0].SID())
	for i, rec := range recs {
		if rec.Phase != mixing.PhaseHappyEnding {
			t.Fatalf("peer %d ended in %v: %s", i, rec.Phase, rec.Reason)
		}
		if rec.Users != 2 || rec.Mixed != 2 || rec.Refunded != 0 {
			t.Fatalf("peer %d record %+v", i, rec)
		}
		if rec.MixTx == nil || *rec.MixTx != *recs[0].MixTx {
			t.Fatalf("peer %d signed another mix transaction", i)
		}
	}

	var mix *wire.MsgTx
	for _, tx := range tm.chain.txs {
		if tx.TxHash() == *recs[0].MixTx {
			mix = tx
		}
	}
	if mix == nil {
		t.Fatal("mix transaction was not broadcast")
	}
	if len(mix.TxIn) != 2 || len(mix.TxOut) != 2 {
		t.Fatalf("mix transaction has %d inputs and %d outputs",
			len(mix.TxIn), len(mix.TxOut))
	}
	for _, u := range users {
		script, err := txsign.OutputScript(u.output, tm.chain.params)
		if err != nil {
			t.Fatal(err)
		}
		var paid bool
		for _, out := range mix.TxOut {
			if bytes.Equal(out.PkScript, script) && out.Value == testMixValue {
				paid = true
			}
		}
		if !paid {
			t.Fatal("mix transaction does not pay a user output")
		}
	}

	st, err := tm.managers[0].Status(sessions[0].SID())
	if err != nil {
		t.Fatalf("Status of archived session: %v", err)
	}
	if st.Phase != mixing.PhaseHappyEnding || st.MixTx == nil {
		t.Fatalf("archived status %+v", st)
	}
}

func TestMixWithRefund(t *testing.T) {
	tm := newTestMixnet(t, 1, 3)
	sessions := tm.open(t, 2, time.Now().Add(time.Minute))
	good := register(t, sessions)
	overpaid := register(t, sessions)
	unfunded := register(t, sessions)

	value := FundingValue(testMixValue, txsign.DefaultFeeRate, 1, 3)
	tm.chain.fund(t, escrowAddress(t, sessions, good), value)
	overpaidAddr := escrowAddress(t, sessions, overpaid)
	source := tm.chain.fund(t, overpaidAddr, value+5e5)
	escrowAddress(t, sessions, unfunded)
	waitDone(t, sessions)

	recs := tm.records(t, sessions[0].SID())
	for i, rec := range recs {
		if rec.Phase != mixing.PhaseHappyEnding {
			t.Fatalf("peer %d ended in %v: %s", i, rec.Phase, rec.Reason)
		}
		if rec.Mixed != 1 || rec.Refunded != 1 {
			t.Fatalf("peer %d mixed %d and refunded %d users", i, rec.Mixed,
				rec.Refunded)
		}
		if rec.RefundTx == nil {
			t.Fatalf("peer %d signed no refund", i)
		}
	}

	decoded, err := stdaddr.DecodeAddress(overpaidAddr, tm.chain.params)
	if err != nil {
		t.Fatal(err)
	}
	_, escrowScript := decoded.PaymentScript()
	f, ok := tm.chain.fundingOf(escrowScript)
	if !ok {
		t.Fatal("overpaid funding not found")
	}
	spends := tm.chain.spends(f.OutPoint)
	if len(spends) != 1 {
		t.Fatalf("overpaid escrow spent by %d transactions", len(spends))
	}
	refund := spends[0]
	if refund.TxHash() != *recs[0].RefundTx {
		t.Fatal("overpaid escrow not spent by the refund transaction")
	}
	if len(refund.TxOut) != 1 || !bytes.Equal(refund.TxOut[0].PkScript, source) {
		t.Fatal("refund does not return the funds to their source")
	}
	if v := refund.TxOut[0].Value; v >= f.Value || v < f.Value-1e5 {
		t.Fatalf("refund of %d for a funding of %d", v, f.Value)
	}

	for i, s := range sessions {
		if _, err := s.EscrowAddress(unfunded.nonces[i]); err != nil {
			t.Fatalf("unfunded user unknown to peer %d: %v", i, err)
		}
	}
}

func TestTooFewUsers(t *testing.T) {
	tm := newTestMixnet(t, 2, 2)
	sessions := tm.open(t, 3, time.Now().Add(500*time.Millisecond))
	register(t, sessions)
	waitDone(t, sessions)

	for i, rec := range tm.records(t, sessions[0].SID()) {
		if rec.Phase != mixing.PhaseAborted {
			t.Fatalf("peer %d ended in %v", i, rec.Phase)
		}
		if rec.Reason != mixing.ErrPhaseTimeout.Error() {
			t.Fatalf("peer %d abort reason %q", i, rec.Reason)
		}
		if rec.RefundTx != nil || rec.Refunded != 0 {
			t.Fatalf("peer %d refunded unfunded users", i)
		}
	}
}

func TestNoUsers(t *testing.T) {
	tm := newTestMixnet(t, 2, 2)
	sessions := tm.open(t, 4, time.Now().Add(50*time.Millisecond))
	waitDone(t, sessions)
	for i, a := range tm.archives {
		if _, err := a.Get(sessions[i].SID()); !errors.Is(err, mixing.ErrUnknownSession) {
			t.Fatalf("peer %d archived an empty session: %v", i, err)
		}
	}
	if _, err := tm.managers[0].Status(sessions[0].SID()); !errors.Is(err, mixing.ErrUnknownSession) {
		t.Fatalf("Status of an empty session: %v", err)
	}
}

func TestRegisterAfterGathering(t *testing.T) {
	tm := newTestMixnet(t, 2, 2)
	sessions := tm.open(t, 5, time.Now().Add(50*time.Millisecond))
	waitDone(t, sessions)
	_, err := sessions[0].Register([32]byte{1}, "pin", "")
	if !errors.Is(err, mixing.ErrPhaseClosed) {
		t.Fatalf("Register after gathering: %v", err)
	}
	_, err = sessions[0].Register([32]byte{1}, "pin", "not an address")
	if !errors.Is(err, mixing.ErrInputValidation) {
		t.Fatalf("Register with a bad refund address: %v", err)
	}
}

func TestConfigValidation(t *testing.T) {
	tm := newTestMixnet(t, 2, 2)
	base := tm.managers[0].cfg

	tests := []struct {
		name   string
		modify func(c *Config)
	}{
		{"small mixnet", func(c *Config) { c.Peers = 3 }},
		{"no pool", func(c *Config) { c.Pool = nil }},
		{"no ledger", func(c *Config) { c.Ledger = nil }},
		{"no mix value", func(c *Config) { c.MixValue = 0 }},
		{"user bounds", func(c *Config) { c.MinUsers, c.MaxUsers = 5, 3 }},
		{"rank outside mixnet", func(c *Config) {
			c.Net = &memNet{self: 9}
		}},
	}
	for _, test := range tests {
		c := base
		test.modify(&c)
		if _, err := NewManager(&c); !errors.Is(err, mixing.ErrFatalConfig) {
			t.Errorf("%s: got %v", test.name, err)
		}
	}

	c := base
	c.FeeRate, c.PollInterval, c.Timeouts = 0, 0, Timeouts{}
	m, err := NewManager(&c)
	if err != nil {
		t.Fatal(err)
	}
	if m.cfg.FeeRate != txsign.DefaultFeeRate || m.cfg.PollInterval != DefaultPollInterval ||
		m.cfg.Timeouts != DefaultTimeouts {
		t.Fatalf("defaults not applied: %+v", m.cfg)
	}
}

func TestFundingValue(t *testing.T) {
	for users := 1; users <= 10; users++ {
		for minUsers := 1; minUsers <= users; minUsers++ {
			v := FundingValue(testMixValue, txsign.DefaultFeeRate, minUsers, users)
			share := v - testMixValue
			for mixers := minUsers; mixers <= users; mixers++ {
				fee := txsign.MixFee(txsign.DefaultFeeRate, mixers)
				if total := share * int64(mixers); total < fee {
					t.Fatalf("%d of %d users (minimum %d) pay %d in fees, "+
						"need %d", mixers, users, minUsers, total, fee)
				}
			}
		}
		exact := FundingValue(testMixValue, txsign.DefaultFeeRate, users, users)
		fee := txsign.MixFee(txsign.DefaultFeeRate, users)
		if total := (exact - testMixValue) * int64(users); total >= fee+int64(users) {
			t.Fatalf("%d users pay %d in fees, need %d", users, total, fee)
		}
	}
}

// TestMixAfterDropout ensures a mix of fewer users than agreed on still pays
// the relay fee.
func TestMixAfterDropout(t *testing.T) {
	tm := newTestMixnet(t, 2, 3)
	sessions := tm.open(t, 6, time.Now().Add(time.Minute))
	users := []*testUser{register(t, sessions), register(t, sessions)}
	dropped := register(t, sessions)

	value := FundingValue(testMixValue, txsign.DefaultFeeRate, 2, 3)
	for _, u := range users {
		tm.chain.fund(t, escrowAddress(t, sessions, u), value)
	}
	escrowAddress(t, sessions, dropped)
	waitDone(t, sessions)

	recs := tm.records(t, sessions[0].SID())
	for i, rec := range recs {
		if rec.Phase != mixing.PhaseHappyEnding {
			t.Fatalf("peer %d ended in %v: %s", i, rec.Phase, rec.Reason)
		}
		if rec.Users != 3 || rec.Mixed != 2 || rec.Refunded != 0 {
			t.Fatalf("peer %d record %+v", i, rec)
		}
	}
	mix := tm.chain.tx(*recs[0].MixTx)
	if mix == nil {
		t.Fatal("mix transaction was not accepted by the chain")
	}
	if len(mix.TxIn) != 2 || len(mix.TxOut) != 2 {
		t.Fatalf("mix transaction has %d inputs and %d outputs",
			len(mix.TxIn), len(mix.TxOut))
	}
}

// TestMisbehavingPeer runs sessions in which one peer deviates from the
// protocol and checks the others still mix without blaming each other.
func TestMisbehavingPeer(t *testing.T) {
	const bad = 3
	tests := []struct {
		name   string
		tamper func(msg mixing.Message)
		drop   func(to uint32, e *mixing.Envelope) bool
	}{{
		name: "bad output shares",
		tamper: func(msg mixing.Message) {
			if m, ok := msg.(*mixing.OutputShares); ok {
				for i := range m.Shares {
					v := new(big.Int).SetBytes(m.Shares[i].Value)
					m.Shares[i].Value = v.Add(v, big.NewInt(1)).Bytes()
				}
			}
		},
	}, {
		name: "bad nonce reveals",
		tamper: func(msg mixing.Message) {
			if m, ok := msg.(*mixing.NonceReveal); ok {
				for i := range m.Shares {
					m.Shares[i].Value[31] ^= 1
				}
			}
		},
	}, {
		name: "bad partial signatures",
		tamper: func(msg mixing.Message) {
			if m, ok := msg.(*mixing.PartialSigs); ok {
				for i := range m.Partials {
					m.Partials[i].S[31] ^= 1
				}
			}
		},
	}, {
		name: "withheld dealing",
		drop: func(to uint32, e *mixing.Envelope) bool {
			return to == 1 && e.Kind == mixing.KindDealing
		},
	}, {
		name: "unanswered accusation",
		tamper: func(msg mixing.Message) {
			if m, ok := msg.(*mixing.DealReveal); ok {
				m.Opened = nil
			}
		},
		drop: func(to uint32, e *mixing.Envelope) bool {
			return to == 1 && e.Kind == mixing.KindDealing
		},
	}}

	for i, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			tm := newTestMixnet(t, 2, 2)
			tm.nets[bad].tamper = test.tamper
			tm.nets[bad].drop = test.drop
			sessions := tm.open(t, uint64(100+i), time.Now().Add(time.Minute))
			honest := sessions[:bad]
			users := []*testUser{register(t, sessions), register(t, sessions)}

			value := FundingValue(testMixValue, txsign.DefaultFeeRate, 2, 2)
			for _, u := range users {
				tm.chain.fund(t, escrowAddress(t, honest, u), value)
			}
			waitDone(t, honest)

			sid := sessions[0].SID()
			var mixTx *chainhash.Hash
			for rank := range honest {
				rec, err := tm.archives[rank].Get(sid)
				if err != nil {
					t.Fatalf("peer %d: %v", rank, err)
				}
				if rec.Phase != mixing.PhaseHappyEnding {
					t.Fatalf("peer %d ended in %v: %s", rank, rec.Phase,
						rec.Reason)
				}
				if rec.Mixed != 2 || rec.MixTx == nil {
					t.Fatalf("peer %d record %+v", rank, rec)
				}
				if mixTx != nil && *rec.MixTx != *mixTx {
					t.Fatalf("peer %d signed another mix transaction", rank)
				}
				mixTx = rec.MixTx
				for other := range honest {
					if strikes := tm.pools[rank].Observer().Strikes(uint32(other)); len(strikes) != 0 {
						t.Fatalf("peer %d blamed honest peer %d: %v", rank,
							other, strikes[0].Reason)
					}
				}
			}
			if tm.chain.tx(*mixTx) == nil {
				t.Fatal("mix transaction was not accepted by the chain")
			}
		})
	}
}

// TestAbortRefundsEscrows checks that a session failing after the escrows
// were funded returns every confirmed funding.
func TestAbortRefundsEscrows(t *testing.T) {
	tm := newTestMixnet(t, 2, 2)
	sessions := tm.open(t, 7, time.Now().Add(time.Minute))
	users := []*testUser{register(t, sessions), registerUser(t, sessions, true)}

	value := FundingValue(testMixValue, txsign.DefaultFeeRate, 2, 2)
	var scripts [][]byte
	for _, u := range users {
		addr := escrowAddress(t, sessions, u)
		tm.chain.fund(t, addr, value)
		decoded, err := stdaddr.DecodeAddress(addr, tm.chain.params)
		if err != nil {
			t.Fatal(err)
		}
		_, script := decoded.PaymentScript()
		scripts = append(scripts, script)
	}
	waitDone(t, sessions)

	recs := tm.records(t, sessions[0].SID())
	for i, rec := range recs {
		if rec.Phase != mixing.PhaseAborted {
			t.Fatalf("peer %d ended in %v", i, rec.Phase)
		}
		if rec.MixTx != nil || rec.Refunded != 2 || rec.RefundTx == nil {
			t.Fatalf("peer %d record %+v", i, rec)
		}
		if *rec.RefundTx != *recs[0].RefundTx {
			t.Fatalf("peer %d signed another refund", i)
		}
	}
	for i, script := range scripts {
		f, ok := tm.chain.fundingOf(script)
		if !ok {
			t.Fatalf("funding of user %d not found", i)
		}
		spends := tm.chain.spends(f.OutPoint)
		if len(spends) != 1 || spends[0].TxHash() != *recs[0].RefundTx {
			t.Fatalf("escrow of user %d not spent by the refund", i)
		}
	}
}
