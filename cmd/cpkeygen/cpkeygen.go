// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// cpkeygen generates the identity key of a mixnet peer.  The private key is
// written hex encoded to the key file and the membership entry of the peer is
// printed for inclusion in the mixnet file.
package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	flags "github.com/jessevdk/go-flags"
)

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format, args...)
	os.Exit(1)
}

type config struct {
	Rank    uint32 `short:"r" long:"rank" description:"rank of the peer in the mixnet"`
	Address string `short:"a" long:"address" description:"host:port other peers reach the peer at"`
	Cert    string `short:"c" long:"cert" description:"certificate file of the peer listed in the entry"`
	Force   bool   `short:"f" description:"overwrite an existing key file"`
}

func main() {
	var cfg config
	parser := flags.NewParser(&cfg, flags.Default)
	parser.Usage = "[OPTIONS] keyfile"
	args, err := parser.Parse()
	if err != nil {
		var e *flags.Error
		if errors.As(err, &e) && e.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
	if len(args) != 1 {
		parser.WriteHelp(os.Stderr)
		os.Exit(2)
	}
	keyFile := args[0]

	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		fatalf("generate key: %v\n", err)
	}
	defer priv.Zero()

	flag := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if cfg.Force {
		flag = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	f, err := os.OpenFile(keyFile, flag, 0600)
	if err != nil {
		fatalf("%v\n", err)
	}
	_, err = fmt.Fprintln(f, hex.EncodeToString(priv.Serialize()))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		fatalf("write %s: %v\n", keyFile, err)
	}

	fmt.Printf("[[peer]]\nrank = %d\n", cfg.Rank)
	if cfg.Address != "" {
		fmt.Printf("address = %q\n", cfg.Address)
	}
	fmt.Printf("pubkey = %q\n",
		hex.EncodeToString(priv.PubKey().SerializeCompressed()))
	if cfg.Cert != "" {
		fmt.Printf("cert = %q\n", cfg.Cert)
	}
}
