// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package sampleconfig provides the commented example configuration of cpd.
package sampleconfig

import (
	_ "embed"
)

//go:embed sample-cpd.conf
var sampleCpdConf string

// Cpd returns a string containing the commented example config for cpd.
func Cpd() string {
	return sampleCpdConf
}
