// Copyright (c) 2023-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mixing

import (
	"bytes"
	"fmt"
	"hash"

	"github.com/decred/dcrd/crypto/blake256"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/schnorr"
)

const tag = "coinparty-peer-signature"

// SignEnvelope signs the envelope with the sender's identity key and writes
// the signature into it.
func SignEnvelope(e *Envelope, priv *secp256k1.PrivateKey) error {
	h := blake256.New()
	e.WriteSignedData(h)
	sigHash := h.Sum(nil)

	h.Reset()
	writeTagged(h, e, sigHash)

	sig, err := schnorr.Sign(priv, h.Sum(nil))
	if err != nil {
		return err
	}
	e.Signature = sig.Serialize()
	return nil
}

// VerifyEnvelope verifies that an envelope carries a valid signature by the
// identity key pub of its claimed sender.
func VerifyEnvelope(e *Envelope, pub *secp256k1.PublicKey) bool {
	sig, err := schnorr.ParseSignature(e.Signature)
	if err != nil {
		return false
	}

	h := blake256.New()
	e.WriteSignedData(h)
	sigHash := h.Sum(nil)

	h.Reset()
	writeTagged(h, e, sigHash)
	return sig.Verify(h.Sum(nil), pub)
}

// writeTagged writes the domain separated signing preimage.  Two envelopes
// with the same kind, sid, sender and sequence number signed by the same key
// demonstrate equivocation.
func writeTagged(h hash.Hash, e *Envelope, sigHash []byte) {
	buf := new(bytes.Buffer)
	fmt.Fprintf(buf, tag+",%s,%x,%d,%d,%x", e.Kind, e.SID[:], e.Sender,
		e.Seq, sigHash)
	h.Write(buf.Bytes())
}
