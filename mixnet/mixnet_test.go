// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mixnet

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/coinparty/cpd/mixing"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

func testKeys(t *testing.T, n int) []*secp256k1.PublicKey {
	t.Helper()
	keys := make([]*secp256k1.PublicKey, n)
	for i := range keys {
		priv, err := secp256k1.GeneratePrivateKey()
		if err != nil {
			t.Fatal(err)
		}
		keys[i] = priv.PubKey()
	}
	return keys
}

func membership(keys []*secp256k1.PublicKey, ranks ...uint32) string {
	var b strings.Builder
	b.WriteString("mixnet = \"test\"\n")
	for i, rank := range ranks {
		fmt.Fprintf(&b, "\n[[peer]]\nrank = %d\naddress = \"127.0.0.1:%d\"\n"+
			"pubkey = \"%s\"\n", rank, 9000+i,
			hex.EncodeToString(keys[i].SerializeCompressed()))
	}
	return b.String()
}

func TestParse(t *testing.T) {
	keys := testKeys(t, 4)
	m, err := Parse([]byte(membership(keys, 2, 0, 3, 1)), "")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if m.ID != "test" || m.N() != 4 || m.Threshold() != 1 {
		t.Fatalf("unexpected mixnet %s of %d peers, t=%d", m.ID, m.N(),
			m.Threshold())
	}
	for i, p := range m.Peers {
		if p.Rank != uint32(i) {
			t.Fatalf("peer %d has rank %d", i, p.Rank)
		}
	}
	// The first listed peer has rank 2.
	if rank, ok := m.Rank(keys[0]); !ok || rank != 2 {
		t.Fatalf("Rank: %d, %v", rank, ok)
	}
	if !m.Keys()[2].IsEqual(keys[0]) {
		t.Fatal("Keys not indexed by rank")
	}
	if pool, err := m.CertPool(); pool != nil || err != nil {
		t.Fatalf("CertPool without certificates: %v, %v", pool, err)
	}
}

func TestParseErrors(t *testing.T) {
	keys := testKeys(t, 4)
	dup := make([]*secp256k1.PublicKey, 4)
	copy(dup, keys)
	dup[3] = dup[0]

	tests := []struct {
		name string
		file string
	}{
		{"too few peers", membership(keys[:3], 0, 1, 2)},
		{"duplicate rank", membership(keys, 0, 1, 1, 2)},
		{"rank gap", membership(keys, 0, 1, 2, 4)},
		{"shared key", membership(dup, 0, 1, 2, 3)},
		{"no mixnet", strings.Replace(membership(keys, 0, 1, 2, 3),
			"mixnet = \"test\"", "", 1)},
		{"unknown key", membership(keys, 0, 1, 2, 3) + "\nthreshold = 1\n"},
		{"bad pubkey", strings.Replace(membership(keys, 0, 1, 2, 3),
			hex.EncodeToString(keys[1].SerializeCompressed()), "02ff", 1)},
		{"not toml", "mixnet = "},
	}
	for _, test := range tests {
		_, err := Parse([]byte(test.file), "")
		if !errors.Is(err, mixing.ErrFatalConfig) {
			t.Errorf("%s: got %v", test.name, err)
		}
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	keys := testKeys(t, 4)
	path := filepath.Join(dir, "mixnet.toml")
	if err := os.WriteFile(path, []byte(membership(keys, 0, 1, 2, 3)), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := Load(filepath.Join(dir, "missing.toml")); !errors.Is(err, mixing.ErrFatalConfig) {
		t.Fatalf("Load of a missing file: %v", err)
	}

	missingCert := membership(keys, 0, 1, 2, 3) + "cert = \"peer3.cert\"\n"
	if err := os.WriteFile(path, []byte(missingCert), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); !errors.Is(err, mixing.ErrFatalConfig) {
		t.Fatalf("Load with a missing certificate: %v", err)
	}
}
