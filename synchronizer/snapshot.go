// Copyright (C) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package synchronizer

import (
	"github.com/ava-labs/rollupcounter/codec"
	"github.com/ava-labs/rollupcounter/ledger"
	"github.com/ava-labs/rollupcounter/rpc"
)

// Decoder extracts the counter value from an account payload.
type Decoder func(data []byte) (uint64, error)

// Snapshot is the latest observed state of one account on one ledger. A
// snapshot with Found unset means the account does not exist there.
type Snapshot struct {
	Ledger  ledger.ID
	Account codec.Address
	Slot    uint64

	Found bool
	Owner codec.Address
	Data  []byte

	// Count is only meaningful when Decoded is set.
	Count   uint64
	Decoded bool
}

// OwnedBy reports whether the account exists and is owned by [program].
func (s Snapshot) OwnedBy(program codec.Address) bool {
	return s.Found && s.Owner == program
}

func newSnapshot(id ledger.ID, addr codec.Address, slot uint64, acct *rpc.Account, decode Decoder) Snapshot {
	snap := Snapshot{Ledger: id, Account: addr, Slot: slot}
	if acct == nil {
		return snap
	}
	snap.Found = true
	snap.Owner = acct.Owner
	snap.Data = acct.Data
	if decode != nil {
		if count, err := decode(acct.Data); err == nil {
			snap.Count = count
			snap.Decoded = true
		}
	}
	return snap
}
