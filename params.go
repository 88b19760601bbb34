// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"github.com/decred/dcrd/chaincfg/v3"
)

// activeNetParams is a pointer to the parameters specific to the currently
// active Decred network.
var activeNetParams = &mainNetParams

// params is used to group parameters for various networks such as the main
// network and test networks.
type params struct {
	*chaincfg.Params

	// peerPort is the default port peers of the mixnet listen on.
	peerPort string

	// userPort is the default port of the user API.
	userPort string

	// dcrdRPCPort is the default RPC port of the dcrd node escrows are
	// watched through.
	dcrdRPCPort string
}

var mainNetParams = params{
	Params:      chaincfg.MainNetParams(),
	peerPort:    "9121",
	userPort:    "9122",
	dcrdRPCPort: "9109",
}

var testNet3Params = params{
	Params:      chaincfg.TestNet3Params(),
	peerPort:    "19121",
	userPort:    "19122",
	dcrdRPCPort: "19109",
}

var simNetParams = params{
	Params:      chaincfg.SimNetParams(),
	peerPort:    "19621",
	userPort:    "19622",
	dcrdRPCPort: "19556",
}

var regNetParams = params{
	Params:      chaincfg.RegNetParams(),
	peerPort:    "18721",
	userPort:    "18722",
	dcrdRPCPort: "18656",
}

// netName returns the directory name of a network.
func netName(chainParams *params) string {
	return chainParams.Name
}
