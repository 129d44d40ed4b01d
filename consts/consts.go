// Copyright (C) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package consts

import "time"

const (
	Name = "rollupcounter"

	AddressLen       = 32
	SignatureLen     = 64
	HashLen          = 32
	Uint64Len        = 8
	DiscriminatorLen = 8

	MaxUint8  = ^uint8(0)
	MaxUint16 = ^uint16(0)
	MaxUint64 = ^uint64(0)

	// MaxTransactionSize is the largest serialized transaction a ledger
	// accepts (IPv6 MTU minus headers).
	MaxTransactionSize = 1232
)

// Well-known program addresses (base58).
const (
	SystemProgram         = "11111111111111111111111111111111"
	MemoProgram           = "MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr"
	DelegationProgram     = "DELeGGvXpWV2fqJUhqcF5ZSYMS4JTLjteaAMARRSaeSh"
	MagicProgram          = "Magic11111111111111111111111111111111111111"
	MagicContext          = "MagicContext1111111111111111111111111111111"
	DefaultCounterProgram = "852a53jomx7dGmkpbFPGXNJymRxywo3WsH1vusNASJRr"
)

// Seeds used to derive program addresses.
const (
	CounterSeed            = "counter"
	BufferSeed             = "buffer"
	DelegationRecordSeed   = "delegation"
	DelegationMetadataSeed = "delegation-metadata"
	PDAMarker              = "ProgramDerivedAddress"
)

const (
	CommitmentProcessed = "processed"
	CommitmentConfirmed = "confirmed"
	CommitmentFinalized = "finalized"
)

const (
	MillisecondsPerSecond = 1000

	// Task ids are derived from wall-clock time at this resolution.
	TaskIDResolution = time.Millisecond
)
