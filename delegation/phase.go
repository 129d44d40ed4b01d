// Copyright (C) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package delegation

import (
	"github.com/ava-labs/rollupcounter/codec"
	"github.com/ava-labs/rollupcounter/ledger"
	"github.com/ava-labs/rollupcounter/program"
	"github.com/ava-labs/rollupcounter/synchronizer"
)

// Phase is where the counter lives. The cycle has no terminal phase.
type Phase uint8

const (
	Undelegated Phase = iota
	DelegatingInFlight
	Delegated
	UndelegatingInFlight
)

func (p Phase) String() string {
	switch p {
	case Undelegated:
		return "Undelegated"
	case DelegatingInFlight:
		return "DelegatingInFlight"
	case Delegated:
		return "Delegated"
	case UndelegatingInFlight:
		return "UndelegatingInFlight"
	default:
		return "Unknown"
	}
}

func (p Phase) InFlight() bool {
	return p == DelegatingInFlight || p == UndelegatingInFlight
}

// Mutable returns the ledger increments may target in [p].
func (p Phase) Mutable() (ledger.ID, bool) {
	switch p {
	case Undelegated:
		return ledger.Base, true
	case Delegated:
		return ledger.Rollup, true
	default:
		return 0, false
	}
}

// Transition is published every time the phase changes.
type Transition struct {
	From   Phase
	To     Phase
	Reason string
}

// derive computes the phase implied by the owners of the counter on both
// ledgers. Owners are the only ground truth; [current] only decides between
// phases the owners cannot tell apart.
func derive(current Phase, counterProgram codec.Address, base, rollup synchronizer.Snapshot) Phase {
	delegatedOnBase := base.Found && base.Owner == program.DelegationProgram()
	switch {
	case delegatedOnBase && current == UndelegatingInFlight:
		return UndelegatingInFlight
	case delegatedOnBase && rollup.OwnedBy(counterProgram):
		return Delegated
	case delegatedOnBase:
		return DelegatingInFlight
	default:
		return Undelegated
	}
}
