// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package ledger is a thin adapter over a dcrd JSON-RPC node.  It derives
// escrow addresses, scans blocks for escrow fundings, reports confirmations
// and broadcasts signed transactions.
//
// Transient RPC failures are retried with bounded exponential backoff.
// Errors that remain after the retries are returned with the ErrLedger kind.
package ledger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coinparty/cpd/internal/progresslog"
	"github.com/coinparty/cpd/mixing"
	"github.com/coinparty/cpd/mixing/txsign"
	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/chaincfg/v3"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrjson/v4"
	"github.com/decred/dcrd/dcrutil/v4"
	chainjson "github.com/decred/dcrd/rpc/jsonrpc/types/v4"
	"github.com/decred/dcrd/rpcclient/v8"
	"github.com/decred/dcrd/txscript/v4/stdaddr"
	"github.com/decred/dcrd/wire"
)

// chainClient is the subset of the dcrd RPC client used by the adapter.
type chainClient interface {
	GetBestBlock(ctx context.Context) (*chainhash.Hash, int64, error)
	GetBlockHash(ctx context.Context, height int64) (*chainhash.Hash, error)
	GetBlock(ctx context.Context, hash *chainhash.Hash) (*wire.MsgBlock, error)
	GetRawTransaction(ctx context.Context, hash *chainhash.Hash) (*dcrutil.Tx, error)
	GetRawTransactionVerbose(ctx context.Context, hash *chainhash.Hash) (*chainjson.TxRawResult, error)
	SendRawTransaction(ctx context.Context, tx *wire.MsgTx, allowHighFees bool) (*chainhash.Hash, error)
}

var _ chainClient = (*rpcclient.Client)(nil)

// Config configures an Adapter.
type Config struct {
	// Params are the parameters of the network escrow addresses are
	// created for.
	Params *chaincfg.Params

	// MinConfirmations is the depth at which a transaction counts as
	// confirmed.
	MinConfirmations int64

	// RetryBase is the delay before the first retry of a failed call.
	// It doubles after every attempt.
	RetryBase time.Duration

	// MaxRetries bounds the retries of one call.
	MaxRetries int
}

// RPCConfig holds the connection settings of the dcrd node.
type RPCConfig struct {
	Host       string
	User       string
	Pass       string
	CAFile     string
	DisableTLS bool
	Proxy      string
	ProxyUser  string
	ProxyPass  string
}

// Adapter is the ledger service used by mixing sessions.  It is safe for
// concurrent access.
type Adapter struct {
	cfg    Config
	client chainClient
}

// New returns an adapter using client for all RPCs.
func New(client chainClient, cfg Config) *Adapter {
	if cfg.MinConfirmations < 1 {
		cfg.MinConfirmations = 1
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Adapter{cfg: cfg, client: client}
}

// Dial connects to the dcrd node in HTTP POST mode and returns an adapter
// using it, along with a function to shut the client down.
func Dial(rpc *RPCConfig, certs []byte, cfg Config) (*Adapter, func(), error) {
	connCfg := &rpcclient.ConnConfig{
		Host:         rpc.Host,
		User:         rpc.User,
		Pass:         rpc.Pass,
		Certificates: certs,
		DisableTLS:   rpc.DisableTLS,
		Proxy:        rpc.Proxy,
		ProxyUser:    rpc.ProxyUser,
		ProxyPass:    rpc.ProxyPass,
		HTTPPostMode: true,
	}
	client, err := rpcclient.New(connCfg, nil)
	if err != nil {
		return nil, nil, mixing.Errorf(mixing.ErrFatalConfig,
			"dcrd RPC client: %w", err)
	}
	return New(client, cfg), client.Shutdown, nil
}

// Params returns the network parameters of the adapter.
func (a *Adapter) Params() *chaincfg.Params {
	return a.cfg.Params
}

// MinConfirmations returns the configured confirmation depth.
func (a *Adapter) MinConfirmations() int64 {
	return a.cfg.MinConfirmations
}

// retry calls fn until it succeeds, the retries are exhausted or ctx is
// done.
func (a *Adapter) retry(ctx context.Context, op string, fn func() error) error {
	delay := a.cfg.RetryBase
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if attempt >= a.cfg.MaxRetries {
			break
		}
		log.Debugf("%s failed (attempt %d): %v", op, attempt+1, err)
		select {
		case <-ctx.Done():
			return mixing.Errorf(mixing.ErrLedger, "%s: %w", op, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
	return mixing.Errorf(mixing.ErrLedger, "%s: %w", op, err)
}

// NewAddress returns the escrow address controlled by the joint key pub.
func (a *Adapter) NewAddress(pub *secp256k1.PublicKey) (stdaddr.Address, error) {
	addr, err := txsign.EscrowAddress(pub, a.cfg.Params)
	if err != nil {
		return nil, err
	}
	return addr, nil
}

// Tip returns the height of the best block.
func (a *Adapter) Tip(ctx context.Context) (int64, error) {
	var height int64
	err := a.retry(ctx, "getbestblock", func() error {
		var err error
		_, height, err = a.client.GetBestBlock(ctx)
		return err
	})
	return height, err
}

// Funding is an output paying an escrow script.
type Funding struct {
	PkScript []byte
	OutPoint wire.OutPoint
	Value    int64
	Height   int64
}

// Scan inspects every block after cursor up to the best block for outputs
// paying any of the watched scripts.  It returns the found fundings and the
// height of the last scanned block, which is the cursor of the next scan.
func (a *Adapter) Scan(ctx context.Context, cursor int64, watch [][]byte) ([]Funding, int64, error) {
	tip, err := a.Tip(ctx)
	if err != nil {
		return nil, cursor, err
	}
	progress := progresslog.New("Scanned", log)
	var found []Funding
	for height := cursor + 1; height <= tip; height++ {
		var block *wire.MsgBlock
		err := a.retry(ctx, "getblock", func() error {
			hash, err := a.client.GetBlockHash(ctx, height)
			if err != nil {
				return err
			}
			block, err = a.client.GetBlock(ctx, hash)
			return err
		})
		if err != nil {
			return found, height - 1, err
		}
		matches := matchBlock(block, height, watch)
		found = append(found, matches...)
		progress.LogProgress(block, len(matches), height == tip)
	}
	return found, tip, nil
}

func matchBlock(block *wire.MsgBlock, height int64, watch [][]byte) []Funding {
	var out []Funding
	for _, tx := range block.Transactions {
		var txHash chainhash.Hash
		hashed := false
		for idx, txOut := range tx.TxOut {
			for _, script := range watch {
				if !bytes.Equal(txOut.PkScript, script) {
					continue
				}
				if !hashed {
					txHash = tx.TxHash()
					hashed = true
				}
				out = append(out, Funding{
					PkScript: script,
					OutPoint: wire.OutPoint{
						Hash:  txHash,
						Index: uint32(idx),
						Tree:  wire.TxTreeRegular,
					},
					Value:  txOut.Value,
					Height: height,
				})
			}
		}
	}
	return out
}

// Confirmations returns the number of confirmations of a transaction.  A
// transaction unknown to the node has zero confirmations.
func (a *Adapter) Confirmations(ctx context.Context, txHash *chainhash.Hash) (int64, error) {
	var confs int64
	err := a.retry(ctx, "getrawtransaction", func() error {
		res, err := a.client.GetRawTransactionVerbose(ctx, txHash)
		if err != nil {
			if isNoTxInfo(err) {
				confs = 0
				return nil
			}
			return err
		}
		confs = res.Confirmations
		return nil
	})
	return confs, err
}

// Balance returns the value and confirmations of an escrow funding.
func (a *Adapter) Balance(ctx context.Context, f *Funding) (int64, int64, error) {
	confs, err := a.Confirmations(ctx, &f.OutPoint.Hash)
	if err != nil {
		return 0, 0, err
	}
	return f.Value, confs, nil
}

// IsConfirmed returns whether a transaction has at least minConfs
// confirmations.
func (a *Adapter) IsConfirmed(ctx context.Context, txHash *chainhash.Hash, minConfs int64) (bool, error) {
	confs, err := a.Confirmations(ctx, txHash)
	if err != nil {
		return false, err
	}
	return confs >= minConfs, nil
}

// Broadcast publishes a signed transaction.  A transaction already known to
// the node, whether in the mempool or mined, is not sent again.
func (a *Adapter) Broadcast(ctx context.Context, tx *wire.MsgTx) (*chainhash.Hash, error) {
	txHash := tx.TxHash()
	_, err := a.client.GetRawTransactionVerbose(ctx, &txHash)
	if err == nil {
		log.Debugf("Transaction %v already known to the node", txHash)
		return &txHash, nil
	}
	err = a.retry(ctx, "sendrawtransaction", func() error {
		_, err := a.client.SendRawTransaction(ctx, tx, false)
		return err
	})
	if err != nil {
		return nil, err
	}
	log.Infof("Broadcast transaction %v", txHash)
	return &txHash, nil
}

// FundingSource returns the script of the first previous output spent by
// the transaction funding an escrow.  It is the refund destination of users
// who did not register a refund address.
func (a *Adapter) FundingSource(ctx context.Context, funding *wire.OutPoint) ([]byte, error) {
	var tx *dcrutil.Tx
	err := a.retry(ctx, "getrawtransaction", func() error {
		var err error
		tx, err = a.client.GetRawTransaction(ctx, &funding.Hash)
		return err
	})
	if err != nil {
		return nil, err
	}
	msgTx := tx.MsgTx()
	if len(msgTx.TxIn) == 0 {
		return nil, mixing.MakeError(mixing.ErrLedger,
			fmt.Sprintf("funding %v spends no inputs", funding.Hash))
	}
	prev := msgTx.TxIn[0].PreviousOutPoint
	var prevTx *dcrutil.Tx
	err = a.retry(ctx, "getrawtransaction", func() error {
		var err error
		prevTx, err = a.client.GetRawTransaction(ctx, &prev.Hash)
		return err
	})
	if err != nil {
		return nil, err
	}
	outs := prevTx.MsgTx().TxOut
	if int(prev.Index) >= len(outs) {
		return nil, mixing.MakeError(mixing.ErrLedger,
			fmt.Sprintf("previous output %v does not exist", prev))
	}
	return outs[prev.Index].PkScript, nil
}

// RefundScript decodes a user supplied refund address into its payment
// script.
func (a *Adapter) RefundScript(addr string) ([]byte, error) {
	decoded, err := stdaddr.DecodeAddress(addr, a.cfg.Params)
	if err != nil {
		return nil, mixing.Errorf(mixing.ErrInputValidation,
			"refund address: %w", err)
	}
	_, script := decoded.PaymentScript()
	return script, nil
}

// isNoTxInfo returns whether err is the node's answer for a transaction it
// does not know.
func isNoTxInfo(err error) bool {
	var rpcErr *dcrjson.RPCError
	return errors.As(err, &rpcErr) && rpcErr.Code == dcrjson.ErrRPCNoTxInfo
}
