// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mixing

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind identifies a kind of error.  It has full support for errors.Is
// and errors.As, so the caller can directly check against an error kind when
// determining the reason for an error.
//
// Kinds are arranged in two levels.  The class kinds (ErrInputValidation,
// ErrProtocolViolation, ErrResource, ErrPhaseTimeout and ErrFatalConfig)
// decide how a failure is handled.  The remaining kinds name the exact cause
// and each belongs to exactly one class.
type ErrorKind string

// These constants are used to identify a specific ErrorKind.
const (
	// ErrInputValidation indicates a malformed or out of range request.  The
	// request is rejected and the session is unaffected.
	ErrInputValidation = ErrorKind("ErrInputValidation")

	// ErrProtocolViolation indicates a peer supplied cryptographically
	// inconsistent data.  The culprits are flagged and excluded from the
	// session quorum when enough peers remain.
	ErrProtocolViolation = ErrorKind("ErrProtocolViolation")

	// ErrResource indicates a ledger or network failure that is retried with
	// bounded backoff until the phase deadline.
	ErrResource = ErrorKind("ErrResource")

	// ErrPhaseTimeout indicates a phase deadline passed without the phase
	// completing.  The session aborts and refunds escrowed funds.
	ErrPhaseTimeout = ErrorKind("ErrPhaseTimeout")

	// ErrFatalConfig indicates the process cannot determine its peer set or
	// keys and must refuse to start.
	ErrFatalConfig = ErrorKind("ErrFatalConfig")

	// ErrInvalidShare indicates a share value that is not a field element.
	ErrInvalidShare = ErrorKind("ErrInvalidShare")

	// ErrUnknownNonce indicates shares were bound to a nonce that was never
	// issued by a registration.
	ErrUnknownNonce = ErrorKind("ErrUnknownNonce")

	// ErrDoubleSpendCommitment indicates a commitment for the same output
	// hash and PIN already exists in the session.
	ErrDoubleSpendCommitment = ErrorKind("ErrDoubleSpendCommitment")

	// ErrBadOpening indicates a commitment opening that does not match the
	// registered commitment.
	ErrBadOpening = ErrorKind("ErrBadOpening")

	// ErrUnknownSession indicates a request for a session that does not
	// exist or has been archived.
	ErrUnknownSession = ErrorKind("ErrUnknownSession")

	// ErrPhaseClosed indicates a request arrived after the phase accepting
	// it ended.
	ErrPhaseClosed = ErrorKind("ErrPhaseClosed")

	// ErrMalformedMessage indicates a peer message that failed to decode or
	// carried a bad signature.  Such messages are dropped.
	ErrMalformedMessage = ErrorKind("ErrMalformedMessage")

	// ErrBadShare indicates a peer share that disagrees with the
	// reconstructed polynomial of a hash-verified secret.
	ErrBadShare = ErrorKind("ErrBadShare")

	// ErrBadDealing indicates a key generation share that does not match the
	// dealer's published commitments.
	ErrBadDealing = ErrorKind("ErrBadDealing")

	// ErrBadPartialSig indicates no subset of the collected partial
	// signatures combined into a valid signature.
	ErrBadPartialSig = ErrorKind("ErrBadPartialSig")

	// ErrEquivocation indicates a peer sent two different messages with the
	// same sequence number.
	ErrEquivocation = ErrorKind("ErrEquivocation")

	// ErrQuorumLost indicates fewer than n-t unflagged peers remain.
	ErrQuorumLost = ErrorKind("ErrQuorumLost")

	// ErrTooFewShares indicates fewer than t+1 shares are available for a
	// reconstruction.
	ErrTooFewShares = ErrorKind("ErrTooFewShares")

	// ErrLedger indicates a failed ledger RPC.
	ErrLedger = ErrorKind("ErrLedger")

	// ErrNetwork indicates a failed peer connection or send.
	ErrNetwork = ErrorKind("ErrNetwork")
)

var kindClass = map[ErrorKind]ErrorKind{
	ErrInvalidShare:          ErrInputValidation,
	ErrUnknownNonce:          ErrInputValidation,
	ErrDoubleSpendCommitment: ErrInputValidation,
	ErrBadOpening:            ErrInputValidation,
	ErrUnknownSession:        ErrInputValidation,
	ErrPhaseClosed:           ErrInputValidation,
	ErrMalformedMessage:      ErrInputValidation,
	ErrBadShare:              ErrProtocolViolation,
	ErrBadDealing:            ErrProtocolViolation,
	ErrBadPartialSig:         ErrProtocolViolation,
	ErrEquivocation:          ErrProtocolViolation,
	ErrQuorumLost:            ErrPhaseTimeout,
	ErrTooFewShares:          ErrResource,
	ErrLedger:                ErrResource,
	ErrNetwork:               ErrResource,
}

// Error satisfies the error interface and prints human-readable errors.
func (e ErrorKind) Error() string {
	return string(e)
}

// Class returns the class kind the error kind belongs to.  Class kinds return
// themselves.
func (e ErrorKind) Class() ErrorKind {
	if c, ok := kindClass[e]; ok {
		return c
	}
	return e
}

// Error identifies an error raised by the mixing protocol.  It has full
// support for errors.Is and errors.As: both the specific kind and its class
// match, as does any wrapped cause.
type Error struct {
	Kind        ErrorKind
	Description string

	// Culprits lists the ranks of the peers responsible for a protocol
	// violation.
	Culprits []uint32

	// Err is an optional underlying cause.
	Err error
}

// Error satisfies the error interface and prints human-readable errors.
func (e Error) Error() string {
	if e.Err != nil {
		return e.Description + ": " + e.Err.Error()
	}
	return e.Description
}

// Unwrap returns the specific kind, its class and the underlying cause.
func (e Error) Unwrap() []error {
	errs := []error{e.Kind}
	if class := e.Kind.Class(); class != e.Kind {
		errs = append(errs, class)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// MakeError creates an Error given a set of arguments.
func MakeError(kind ErrorKind, desc string) Error {
	return Error{Kind: kind, Description: desc}
}

// Errorf creates an Error with a formatted description.  A %w verb wraps the
// cause as with fmt.Errorf.
func Errorf(kind ErrorKind, format string, args ...interface{}) Error {
	err := fmt.Errorf(format, args...)
	return Error{Kind: kind, Description: err.Error(), Err: errors.Unwrap(err)}
}

// Violation creates a protocol violation error blaming the given peer ranks.
func Violation(kind ErrorKind, desc string, culprits ...uint32) Error {
	return Error{Kind: kind, Description: desc, Culprits: culprits}
}

// Culprits returns the union of all peer ranks blamed by any Error in the
// tree of err.
func Culprits(err error) []uint32 {
	var out []uint32
	seen := make(map[uint32]struct{})
	var walk func(error)
	walk = func(err error) {
		switch e := err.(type) {
		case nil:
			return
		case Error:
			for _, c := range e.Culprits {
				if _, ok := seen[c]; !ok {
					seen[c] = struct{}{}
					out = append(out, c)
				}
			}
			walk(e.Err)
		case *Error:
			walk(*e)
		case interface{ Unwrap() []error }:
			for _, err := range e.Unwrap() {
				walk(err)
			}
		case interface{ Unwrap() error }:
			walk(e.Unwrap())
		}
	}
	walk(err)
	return out
}

// ReasonString returns a short user facing reason for err that does not
// reveal user secrets.  Only the class and specific kind are reported.
func ReasonString(err error) string {
	var e Error
	if !errors.As(err, &e) {
		return "internal error"
	}
	parts := []string{string(e.Kind.Class())}
	if e.Kind.Class() != e.Kind {
		parts = append(parts, string(e.Kind))
	}
	return strings.Join(parts, ": ")
}
