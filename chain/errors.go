// Copyright (C) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chain

import "errors"

var (
	ErrNoInstructions      = errors.New("no instructions")
	ErrMissingFeePayer     = errors.New("missing fee payer")
	ErrMissingBlockhash    = errors.New("missing recent blockhash")
	ErrTooManyAccounts     = errors.New("too many accounts")
	ErrTransactionTooLarge = errors.New("transaction too large")
	ErrInvalidTransaction  = errors.New("invalid transaction")
	ErrUnknownSigner       = errors.New("key is not a required signer")
	ErrMissingSignature    = errors.New("missing signature")
	ErrInvalidSignature    = errors.New("invalid signature")
)
