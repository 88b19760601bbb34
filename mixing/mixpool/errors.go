// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mixpool

import (
	"errors"
)

// RuleError represents a mixpool rule violation.
//
// Some RuleErrors should be treated as a reason to drop the connection of
// the peer which relayed the message.  Use IsBannable to test for this
// condition.
type RuleError struct {
	Err error
}

func ruleError(err error) *RuleError {
	return &RuleError{Err: err}
}

func (e *RuleError) Error() string {
	return e.Err.Error()
}

func (e *RuleError) Unwrap() error {
	return e.Err
}

type bannableError struct {
	s string
}

func (e *bannableError) Error() string {
	return e.s
}

func newBannableError(s string) error {
	return &bannableError{s: s}
}

// Bannable errors wrapped by RuleError.
var (
	// ErrWrongMixnet is returned by AcceptMessage if the message names
	// another mixnet.
	ErrWrongMixnet = newBannableError("message for another mixnet")

	// ErrUnknownSender is returned by AcceptMessage if the sender rank is
	// not a member of the mixnet.
	ErrUnknownSender = newBannableError("unknown sender")

	// ErrMisaddressed is returned by AcceptMessage if a point to point
	// message is addressed to another peer.
	ErrMisaddressed = newBannableError("message addressed to another peer")

	// ErrInvalidSignature is returned by AcceptMessage if the message is
	// not properly signed for the claimed sender.
	ErrInvalidSignature = newBannableError("invalid message signature")

	// ErrHandshakeMessage is returned by AcceptMessage for hello messages,
	// which are only valid as the first message of a connection.
	ErrHandshakeMessage = newBannableError("unexpected handshake message")
)

// IsBannable returns whether the error condition is such that the
// connection the message arrived on should be closed for malicious or buggy
// behavior.
func IsBannable(err error) bool {
	var be *bannableError
	return errors.As(err, &be)
}
