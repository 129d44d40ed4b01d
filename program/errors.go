// Copyright (C) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package program

import "errors"

var (
	ErrMissingAccount     = errors.New("missing account")
	ErrInvalidArgs        = errors.New("invalid instruction arguments")
	ErrInvalidAccountData = errors.New("invalid account data")
	ErrWrongDiscriminator = errors.New("account discriminator mismatch")
)
