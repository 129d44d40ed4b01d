// Copyright (C) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package codec

import "errors"

var (
	ErrEmptyString        = errors.New("empty string")
	ErrInvalidAddress     = errors.New("invalid address")
	ErrInvalidHash        = errors.New("invalid hash")
	ErrInsufficientLength = errors.New("insufficient length")
	ErrTooManyItems       = errors.New("too many items")
	ErrMaxSeedLength      = errors.New("max seed length exceeded")
	ErrTooManySeeds       = errors.New("too many seeds")
	ErrOnCurve            = errors.New("derived address is on the ed25519 curve")
	ErrNoViableBump       = errors.New("unable to find a viable program address bump seed")
)
