// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
)

// TestCertCreationWithHosts creates a peer certificate pair with extra hosts
// and ensures the extra hosts are present in the generated files.
func TestCertCreationWithHosts(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "peer.cert")
	keyFile := filepath.Join(dir, "peer.key")

	hostnames := []string{"peer1.example.org", "peer2.example.org"}
	if err := genCertPair(certFile, keyFile, hostnames, "P-521"); err != nil {
		t.Fatalf("Certificate was not created correctly: %s", err)
	}
	certBytes, err := os.ReadFile(certFile)
	if err != nil {
		t.Fatalf("Unable to read the certfile: %s", err)
	}
	pemCert, _ := pem.Decode(certBytes)
	x509Cert, err := x509.ParseCertificate(pemCert.Bytes)
	if err != nil {
		t.Fatalf("Unable to parse the certificate: %s", err)
	}
	for _, host := range hostnames {
		if err := x509Cert.VerifyHostname(host); err != nil {
			t.Fatalf("failed to verify extra host '%s'", host)
		}
	}

	fi, err := os.Stat(keyFile)
	if err != nil {
		t.Fatal(err)
	}
	if fi.Mode().Perm() != 0600 {
		t.Fatalf("key file mode %v", fi.Mode().Perm())
	}
	if _, err := tls.LoadX509KeyPair(certFile, keyFile); err != nil {
		t.Fatalf("generated pair does not load: %v", err)
	}
}

// TestCertCreationBadCurve ensures unsupported curves are rejected without
// writing any files.
func TestCertCreationBadCurve(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "peer.cert")
	err := genCertPair(certFile, filepath.Join(dir, "peer.key"), nil, "P-224")
	if err == nil {
		t.Fatal("expected an error for an unsupported curve")
	}
	if fileExists(certFile) {
		t.Fatal("certificate written for an unsupported curve")
	}
}
