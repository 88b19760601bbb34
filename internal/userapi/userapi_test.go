// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package userapi

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coinparty/cpd/ledger"
	"github.com/coinparty/cpd/mixing"
	"github.com/coinparty/cpd/mixing/mixpool"
	"github.com/coinparty/cpd/mixing/session"
	"github.com/coinparty/cpd/mixing/shuffle"
	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/chaincfg/v3"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/txscript/v4/stdaddr"
	"github.com/decred/dcrd/wire"
)

const testPeers = 4

// quietNet drops every message.  A session never leaves gathering in these
// tests.
type quietNet struct{}

func (quietNet) Self() uint32 { return 0 }

func (quietNet) Seal(sid [32]byte, phase mixing.Phase, to *uint32, msg mixing.Message) (*mixing.Envelope, error) {
	return mixing.NewEnvelope("userapi-test", sid, phase, 0, to, 1, msg)
}

func (quietNet) Send(context.Context, uint32, *mixing.Envelope) error { return nil }
func (quietNet) Broadcast(context.Context, *mixing.Envelope) error    { return nil }

type idleChain struct{}

func (idleChain) Params() *chaincfg.Params           { return chaincfg.SimNetParams() }
func (idleChain) MinConfirmations() int64            { return 1 }
func (idleChain) Tip(context.Context) (int64, error) { return 1, nil }
func (idleChain) FundingSource(context.Context, *wire.OutPoint) ([]byte, error) {
	return nil, nil
}

func (idleChain) Scan(_ context.Context, cursor int64, _ [][]byte) ([]ledger.Funding, int64, error) {
	return nil, cursor, nil
}

func (idleChain) Confirmations(context.Context, *chainhash.Hash) (int64, error) {
	return 0, nil
}

func (idleChain) Broadcast(_ context.Context, tx *wire.MsgTx) (*chainhash.Hash, error) {
	hash := tx.TxHash()
	return &hash, nil
}

func (idleChain) RefundScript(addr string) ([]byte, error) {
	decoded, err := stdaddr.DecodeAddress(addr, chaincfg.SimNetParams())
	if err != nil {
		return nil, mixing.Errorf(mixing.ErrInputValidation,
			"refund address: %w", err)
	}
	_, script := decoded.PaymentScript()
	return script, nil
}

type noArchive struct{}

func (noArchive) Put(*session.Record) error { return nil }
func (noArchive) Get([32]byte) (*session.Record, error) {
	return nil, mixing.MakeError(mixing.ErrUnknownSession, "not archived")
}

func newTestServer(t *testing.T) (*httptest.Server, *session.Manager) {
	t.Helper()
	keys := make([]*secp256k1.PublicKey, testPeers)
	for i := range keys {
		priv, err := secp256k1.GeneratePrivateKey()
		if err != nil {
			t.Fatal(err)
		}
		keys[i] = priv.PubKey()
	}
	m, err := session.NewManager(&session.Config{
		Mixnet:   "userapi-test",
		Peers:    testPeers,
		Pool:     mixpool.NewPool(&mixpool.Config{Mixnet: "userapi-test", Keys: keys}),
		Net:      quietNet{},
		Ledger:   idleChain{},
		Archive:  noArchive{},
		Timeouts: session.Timeouts{Gather: time.Hour},
		MixValue: 1e8,
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	deadline := time.Now().Add(5 * time.Second)
	for m.Current() == nil {
		if time.Now().After(deadline) {
			t.Fatal("no session was opened")
		}
		time.Sleep(5 * time.Millisecond)
	}

	srv := httptest.NewServer(New(m))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
	})
	return srv, m
}

func post(t *testing.T, srv *httptest.Server, path string, req, resp interface{}) int {
	t.Helper()
	b, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	r, err := http.Post(srv.URL+path, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer r.Body.Close()
	if resp != nil {
		if err := json.NewDecoder(r.Body).Decode(resp); err != nil {
			t.Fatalf("POST %s: decode response: %v", path, err)
		}
	}
	return r.StatusCode
}

func TestRegistration(t *testing.T) {
	srv, m := newTestServer(t)
	sid := m.Current().SID()
	sidHex := hex.EncodeToString(sid[:])

	var out shuffle.Output
	rand.Read(out[:])
	hash := shuffle.OutputHash(out)

	var reg registerResponse
	code := post(t, srv, "/register", &registerRequest{
		OutputHash: hex.EncodeToString(hash[:]),
		PIN:        "4321",
	}, &reg)
	if code != http.StatusOK {
		t.Fatalf("register: status %d", code)
	}
	if reg.SID != sidHex || len(reg.Nonce) != 32 || reg.Deadline <= time.Now().Unix() {
		t.Fatalf("register response %+v", reg)
	}

	// Not yet bound.
	var ver struct {
		Ack bool   `json:"ack"`
		PIN string `json:"pin"`
	}
	if code := post(t, srv, "/verify", &nonceRequest{SID: reg.SID, Nonce: reg.Nonce}, &ver); code != http.StatusOK || ver.Ack {
		t.Fatalf("verify before binding: %d %+v", code, ver)
	}

	shares, err := mixing.Split(shuffle.OutputSecret(out), mixing.Threshold(testPeers), testPeers)
	if err != nil {
		t.Fatal(err)
	}
	strs := make([]string, len(shares))
	for i, s := range shares {
		strs[i] = mixing.FormatFieldElement(s.Value)
	}
	var ack sharesResponse
	code = post(t, srv, "/shares", &sharesRequest{SID: reg.SID, Nonce: reg.Nonce, Shares: strs}, &ack)
	if code != http.StatusOK || !ack.Ack || ack.User == "" {
		t.Fatalf("shares: %d %+v", code, ack)
	}

	if code := post(t, srv, "/verify", &nonceRequest{SID: reg.SID, Nonce: reg.Nonce}, &ver); code != http.StatusOK || !ver.Ack || ver.PIN != "4321" {
		t.Fatalf("verify after binding: %d %+v", code, ver)
	}

	// Users are agreed on after gathering, so there is no escrow yet.
	var esc escrowResponse
	if code := post(t, srv, "/escrow", &nonceRequest{SID: reg.SID, Nonce: reg.Nonce}, &esc); code != http.StatusOK || esc.Address != "" || esc.Value != 0 {
		t.Fatalf("escrow during gathering: %d %+v", code, esc)
	}

	r, err := http.Get(srv.URL + "/status?sid=" + sidHex)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Body.Close()
	var st statusResponse
	if err := json.NewDecoder(r.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if r.StatusCode != http.StatusOK || st.SID != sidHex ||
		st.Phase != mixing.PhaseInitial.String() || st.Users != 1 ||
		len(st.Strikes) != testPeers {
		t.Fatalf("status: %d %+v", r.StatusCode, st)
	}
}

func TestErrors(t *testing.T) {
	srv, m := newTestServer(t)
	sid := m.Current().SID()
	sidHex := hex.EncodeToString(sid[:])
	var hash [32]byte
	rand.Read(hash[:])
	var reg registerResponse
	if code := post(t, srv, "/register", &registerRequest{
		OutputHash: hex.EncodeToString(hash[:]),
	}, &reg); code != http.StatusOK {
		t.Fatalf("register: status %d", code)
	}

	unknownSID := mixing.DeriveSessionID("elsewhere", 1)
	tests := []struct {
		name string
		path string
		req  interface{}
		code int
	}{{
		name: "short output hash",
		path: "/register",
		req:  &registerRequest{OutputHash: "abcd"},
		code: http.StatusBadRequest,
	}, {
		name: "bad refund address",
		path: "/register",
		req: &registerRequest{
			OutputHash: hex.EncodeToString(hash[:]),
			Refund:     "notanaddress",
		},
		code: http.StatusBadRequest,
	}, {
		name: "unknown session",
		path: "/verify",
		req: &nonceRequest{
			SID:   hex.EncodeToString(unknownSID[:]),
			Nonce: reg.Nonce,
		},
		code: http.StatusNotFound,
	}, {
		name: "unknown nonce",
		path: "/escrow",
		req:  &nonceRequest{SID: sidHex, Nonce: hex.EncodeToString(make([]byte, 16))},
		code: http.StatusNotFound,
	}, {
		name: "wrong share count",
		path: "/shares",
		req:  &sharesRequest{SID: sidHex, Nonce: reg.Nonce, Shares: []string{"0x1"}},
		code: http.StatusBadRequest,
	}}
	for _, test := range tests {
		var e errorResponse
		code := post(t, srv, test.path, test.req, &e)
		if code != test.code || e.Error == "" {
			t.Errorf("%s: status %d (%q), want %d", test.name, code, e.Error,
				test.code)
		}
	}

	r, err := http.Get(srv.URL + "/register")
	if err != nil {
		t.Fatal(err)
	}
	r.Body.Close()
	if r.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET /register: status %d", r.StatusCode)
	}
}
