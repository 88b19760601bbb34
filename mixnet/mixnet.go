// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package mixnet loads the membership file of a mixnet.
//
// The membership file is TOML and lists every peer of the mixnet:
//
//	mixnet = "coinparty-testnet"
//
//	[[peer]]
//	rank = 0
//	address = "peer0.example.org:9121"
//	pubkey = "02..."
//	cert = "peer0.cert"
//
// Ranks must be dense and start at zero.  Relative certificate paths are
// resolved against the directory of the membership file.
package mixnet

import (
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/coinparty/cpd/mixing"
	"github.com/coinparty/cpd/transport"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

type peerEntry struct {
	Rank    uint32 `toml:"rank"`
	Address string `toml:"address"`
	PubKey  string `toml:"pubkey"`
	Cert    string `toml:"cert"`
}

type membershipFile struct {
	Mixnet string      `toml:"mixnet"`
	Peers  []peerEntry `toml:"peer"`
}

// Mixnet is the immutable membership of a mixnet.
type Mixnet struct {
	// ID identifies the mixnet in every peer message.
	ID string

	// Peers are the members indexed by rank.
	Peers []transport.Peer

	// Certs holds the PEM encoded TLS certificate of every peer that
	// listed one.
	Certs [][]byte
}

func fatal(format string, args ...interface{}) error {
	return mixing.MakeError(mixing.ErrFatalConfig,
		"mixnet: "+fmt.Sprintf(format, args...))
}

// Load reads and validates a membership file.
func Load(path string) (*Mixnet, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fatal("%v", err)
	}
	return Parse(b, filepath.Dir(path))
}

// Parse validates the contents of a membership file.  Certificate paths are
// relative to dir.
func Parse(b []byte, dir string) (*Mixnet, error) {
	var f membershipFile
	md, err := toml.Decode(string(b), &f)
	if err != nil {
		return nil, fatal("%v", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fatal("unknown keys %v", undecoded)
	}
	if f.Mixnet == "" {
		return nil, fatal("no mixnet identifier")
	}
	if len(f.Peers) < mixing.MinPeers {
		return nil, fatal("%d peers listed, need at least %d", len(f.Peers),
			mixing.MinPeers)
	}

	m := &Mixnet{
		ID:    f.Mixnet,
		Peers: make([]transport.Peer, len(f.Peers)),
	}
	seen := make([]bool, len(f.Peers))
	keys := make(map[string]uint32, len(f.Peers))
	for _, e := range f.Peers {
		if int(e.Rank) >= len(f.Peers) || seen[e.Rank] {
			return nil, fatal("rank %d is duplicated or out of range", e.Rank)
		}
		seen[e.Rank] = true
		if e.Address == "" {
			return nil, fatal("peer %d has no address", e.Rank)
		}
		raw, err := hex.DecodeString(e.PubKey)
		if err != nil {
			return nil, fatal("peer %d public key: %v", e.Rank, err)
		}
		pub, err := secp256k1.ParsePubKey(raw)
		if err != nil {
			return nil, fatal("peer %d public key: %v", e.Rank, err)
		}
		compressed := string(pub.SerializeCompressed())
		if other, ok := keys[compressed]; ok {
			return nil, fatal("peers %d and %d share a key", other, e.Rank)
		}
		keys[compressed] = e.Rank
		m.Peers[e.Rank] = transport.Peer{
			Rank:   e.Rank,
			Addr:   e.Address,
			PubKey: pub,
		}
		if e.Cert != "" {
			path := e.Cert
			if !filepath.IsAbs(path) {
				path = filepath.Join(dir, path)
			}
			pem, err := os.ReadFile(path)
			if err != nil {
				return nil, fatal("peer %d certificate: %v", e.Rank, err)
			}
			m.Certs = append(m.Certs, pem)
		}
	}
	return m, nil
}

// N returns the number of peers.
func (m *Mixnet) N() int {
	return len(m.Peers)
}

// Threshold returns the number of peers that may misbehave.
func (m *Mixnet) Threshold() int {
	return mixing.Threshold(len(m.Peers))
}

// Rank returns the rank of the peer with the given identity key.
func (m *Mixnet) Rank(pub *secp256k1.PublicKey) (uint32, bool) {
	for _, p := range m.Peers {
		if p.PubKey.IsEqual(pub) {
			return p.Rank, true
		}
	}
	return 0, false
}

// Keys returns the identity keys of the peers indexed by rank.
func (m *Mixnet) Keys() []*secp256k1.PublicKey {
	keys := make([]*secp256k1.PublicKey, len(m.Peers))
	for i, p := range m.Peers {
		keys[i] = p.PubKey
	}
	return keys
}

// CertPool returns a pool of the listed peer certificates, or nil when no
// peer listed one.
func (m *Mixnet) CertPool() (*x509.CertPool, error) {
	if len(m.Certs) == 0 {
		return nil, nil
	}
	pool := x509.NewCertPool()
	for _, pem := range m.Certs {
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fatal("unparsable peer certificate")
		}
	}
	return pool, nil
}
