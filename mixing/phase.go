// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mixing

import "fmt"

// Phase is a step of a mixing session.  Sessions move through the phases in
// declaration order and never re-enter a phase.  Aborted may be entered from
// any non-terminal phase.
type Phase uint8

// These constants define the session phases.
const (
	PhaseInitial Phase = iota
	PhaseEscrow
	PhaseWorksharing
	PhaseInput
	PhaseSigning
	PhaseHappyEnding
	PhaseAborted
)

var phaseStrings = [...]string{
	PhaseInitial:     "Initial",
	PhaseEscrow:      "Escrow",
	PhaseWorksharing: "Worksharing",
	PhaseInput:       "Input",
	PhaseSigning:     "Signing",
	PhaseHappyEnding: "HappyEnding",
	PhaseAborted:     "Aborted",
}

// String returns the phase name.
func (p Phase) String() string {
	if int(p) < len(phaseStrings) {
		return phaseStrings[p]
	}
	return fmt.Sprintf("Phase(%d)", uint8(p))
}

// Terminal returns whether no further transitions leave the phase.
func (p Phase) Terminal() bool {
	return p == PhaseHappyEnding || p == PhaseAborted
}

// Next returns the phase following p on the success path.
func (p Phase) Next() Phase {
	if p >= PhaseHappyEnding {
		return p
	}
	return p + 1
}

// Valid returns whether p names a defined phase.
func (p Phase) Valid() bool {
	return p <= PhaseAborted
}
