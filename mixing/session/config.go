// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package session

import (
	"context"
	"fmt"
	"time"

	"github.com/coinparty/cpd/ledger"
	"github.com/coinparty/cpd/mixing"
	"github.com/coinparty/cpd/mixing/mixpool"
	"github.com/coinparty/cpd/mixing/txsign"
	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/chaincfg/v3"
	"github.com/decred/dcrd/wire"
)

// Network sends peer messages.  It is implemented by the transport.
type Network interface {
	// Self returns the rank of the local peer.
	Self() uint32

	// Seal creates a signed message from the local peer.
	Seal(sid [32]byte, phase mixing.Phase, to *uint32, msg mixing.Message) (*mixing.Envelope, error)

	// Send queues a message to one peer.
	Send(ctx context.Context, rank uint32, e *mixing.Envelope) error

	// Broadcast queues a message to every other peer.
	Broadcast(ctx context.Context, e *mixing.Envelope) error
}

// Ledger is the blockchain service sessions observe and act on.  It is
// implemented by the ledger adapter.
type Ledger interface {
	Params() *chaincfg.Params
	MinConfirmations() int64
	Tip(ctx context.Context) (int64, error)
	Scan(ctx context.Context, cursor int64, watch [][]byte) ([]ledger.Funding, int64, error)
	Confirmations(ctx context.Context, txHash *chainhash.Hash) (int64, error)
	Broadcast(ctx context.Context, tx *wire.MsgTx) (*chainhash.Hash, error)
	FundingSource(ctx context.Context, funding *wire.OutPoint) ([]byte, error)
	RefundScript(addr string) ([]byte, error)
}

var _ Ledger = (*ledger.Adapter)(nil)

// Archive stores the records of finished sessions.
type Archive interface {
	Put(rec *Record) error
	Get(sid [32]byte) (*Record, error)
}

// Timeouts are the durations of the session phases and their steps.
type Timeouts struct {
	// Gather is the registration window of a session.  It is also the
	// epoch duration: one session is opened per gathering window.
	Gather time.Duration

	// Agree bounds the exchange of accepted user sets.
	Agree time.Duration

	// Deal bounds each of the two key generation rounds.
	Deal time.Duration

	// Escrow bounds the wait for escrow fundings and their
	// confirmations.
	Escrow time.Duration

	// Work bounds the output reconstruction.
	Work time.Duration

	// Input bounds the nonce reveal and the mix transaction template.
	Input time.Duration

	// Sign bounds the signing of the mix transaction and its
	// confirmation.
	Sign time.Duration

	// Refund bounds the signing of a refund transaction.
	Refund time.Duration
}

// DefaultTimeouts are the phase timeouts used for unset durations.
var DefaultTimeouts = Timeouts{
	Gather: 10 * time.Minute,
	Agree:  30 * time.Second,
	Deal:   30 * time.Second,
	Escrow: 30 * time.Minute,
	Work:   time.Minute,
	Input:  time.Minute,
	Sign:   30 * time.Minute,
	Refund: 30 * time.Minute,
}

func (t *Timeouts) setDefaults() {
	def := func(d *time.Duration, v time.Duration) {
		if *d <= 0 {
			*d = v
		}
	}
	def(&t.Gather, DefaultTimeouts.Gather)
	def(&t.Agree, DefaultTimeouts.Agree)
	def(&t.Deal, DefaultTimeouts.Deal)
	def(&t.Escrow, DefaultTimeouts.Escrow)
	def(&t.Work, DefaultTimeouts.Work)
	def(&t.Input, DefaultTimeouts.Input)
	def(&t.Sign, DefaultTimeouts.Sign)
	def(&t.Refund, DefaultTimeouts.Refund)
}

// Defaults for unset configuration values.
const (
	DefaultMinUsers     = 2
	DefaultMaxUsers     = 100
	DefaultPollInterval = 15 * time.Second
)

// Config configures a Manager.
type Config struct {
	// Mixnet is the identifier of the mixnet.
	Mixnet string

	// Peers is the number of mixnet peers.
	Peers int

	Pool    *mixpool.Pool
	Net     Network
	Ledger  Ledger
	Archive Archive

	Timeouts Timeouts

	// MinUsers and MaxUsers bound the users of a session.
	MinUsers int
	MaxUsers int

	// MixValue is the value paid to every output of a mix.
	MixValue int64

	// FeeRate is the relay fee rate in atoms per kilobyte.
	FeeRate int64

	// PollInterval is the period of ledger polls.
	PollInterval time.Duration
}

func (c *Config) validate() error {
	fatal := func(format string, args ...interface{}) error {
		return mixing.MakeError(mixing.ErrFatalConfig,
			"session: "+fmt.Sprintf(format, args...))
	}
	switch {
	case c.Peers < mixing.MinPeers:
		return fatal("mixnet of %d peers is smaller than %d", c.Peers,
			mixing.MinPeers)
	case c.Pool == nil || c.Net == nil || c.Ledger == nil:
		return fatal("missing pool, network or ledger")
	case int(c.Net.Self()) >= c.Peers:
		return fatal("rank %d is not a mixnet member", c.Net.Self())
	case c.MixValue <= 0:
		return fatal("mix value must be positive")
	}
	if c.MinUsers <= 0 {
		c.MinUsers = DefaultMinUsers
	}
	if c.MaxUsers <= 0 {
		c.MaxUsers = DefaultMaxUsers
	}
	if c.MaxUsers < c.MinUsers {
		return fatal("max users %d below min users %d", c.MaxUsers,
			c.MinUsers)
	}
	if c.FeeRate <= 0 {
		c.FeeRate = txsign.DefaultFeeRate
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	c.Timeouts.setDefaults()
	return nil
}

// FundingValue returns the value every user must pay to their escrow
// address in a session that agreed on the given number of users: the mixed
// value plus a share of the mix transaction fee.  Unfunded users drop out
// before the mix, so the share covers the fee of a mix of any size from
// minUsers up to users.
func FundingValue(mixValue, feeRate int64, minUsers, users int) int64 {
	if users < 1 {
		users = 1
	}
	if minUsers < 1 || minUsers > users {
		minUsers = users
	}
	var share int64
	for m := minUsers; m <= users; m++ {
		fee := txsign.MixFee(feeRate, m)
		if s := (fee + int64(m) - 1) / int64(m); s > share {
			share = s
		}
	}
	return mixValue + share
}
