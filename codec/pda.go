// Copyright (C) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package codec

import (
	"crypto/sha256"

	"filippo.io/edwards25519"

	"github.com/ava-labs/rollupcounter/consts"
)

const (
	MaxSeedLen = 32
	MaxSeeds   = 16
)

// CreateProgramAddress hashes [seeds] with [program] into an address that
// has no private key. Fails with ErrOnCurve if the hash happens to be a
// valid ed25519 point.
func CreateProgramAddress(seeds [][]byte, program Address) (Address, error) {
	if len(seeds) > MaxSeeds {
		return EmptyAddress, ErrTooManySeeds
	}
	h := sha256.New()
	for _, seed := range seeds {
		if len(seed) > MaxSeedLen {
			return EmptyAddress, ErrMaxSeedLength
		}
		_, _ = h.Write(seed)
	}
	_, _ = h.Write(program[:])
	_, _ = h.Write([]byte(consts.PDAMarker))

	var a Address
	copy(a[:], h.Sum(nil))
	if IsOnCurve(a) {
		return EmptyAddress, ErrOnCurve
	}
	return a, nil
}

// FindProgramAddress searches bump seeds from 255 down and returns the first
// off-curve address along with its bump.
func FindProgramAddress(seeds [][]byte, program Address) (Address, uint8, error) {
	// One slot is reserved for the bump.
	if len(seeds) >= MaxSeeds {
		return EmptyAddress, 0, ErrTooManySeeds
	}
	withBump := make([][]byte, len(seeds)+1)
	copy(withBump, seeds)
	for bump := int(consts.MaxUint8); bump >= 0; bump-- {
		withBump[len(seeds)] = []byte{uint8(bump)}
		a, err := CreateProgramAddress(withBump, program)
		switch err {
		case nil:
			return a, uint8(bump), nil
		case ErrOnCurve:
			continue
		default:
			return EmptyAddress, 0, err
		}
	}
	return EmptyAddress, 0, ErrNoViableBump
}

// IsOnCurve reports whether [a] decodes to a point on the ed25519 curve.
func IsOnCurve(a Address) bool {
	_, err := new(edwards25519.Point).SetBytes(a[:])
	return err == nil
}
