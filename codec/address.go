// Copyright (C) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package codec

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/base58"

	"github.com/ava-labs/rollupcounter/consts"
)

const AddressLen = consts.AddressLen

// Address is the 32 byte public key (or program-derived key) of a ledger
// account. Its text form is base58.
type Address [AddressLen]byte

var EmptyAddress = Address{}

// ParseAddress decodes a base58 address and verifies its length.
func ParseAddress(s string) (Address, error) {
	var a Address
	if s == "" {
		return a, ErrEmptyString
	}
	b := base58.Decode(s)
	if len(b) != AddressLen {
		return a, fmt.Errorf("%w: %q decodes to %d bytes", ErrInvalidAddress, s, len(b))
	}
	copy(a[:], b)
	return a, nil
}

// MustParseAddress is ParseAddress for compile-time constants.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

// AddressFromBytes copies b into an Address.
func AddressFromBytes(b []byte) (Address, error) {
	var a Address
	if len(b) != AddressLen {
		return a, fmt.Errorf("%w: got %d bytes", ErrInvalidAddress, len(b))
	}
	copy(a[:], b)
	return a, nil
}

// String implements fmt.Stringer.
func (a Address) String() string {
	return base58.Encode(a[:])
}

func (a Address) IsEmpty() bool {
	return a == EmptyAddress
}

func (a Address) Compare(o Address) int {
	return bytes.Compare(a[:], o[:])
}

// MarshalText returns the base58 representation of a.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText parses a base58-encoded address.
func (a *Address) UnmarshalText(input []byte) error {
	parsed, err := ParseAddress(string(input))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Hash is a 32 byte ledger hash. Recent blockhashes use it as the
// transaction ordering anchor.
type Hash [consts.HashLen]byte

var EmptyHash = Hash{}

func ParseHash(s string) (Hash, error) {
	var h Hash
	b := base58.Decode(s)
	if len(b) != consts.HashLen {
		return h, fmt.Errorf("%w: %q", ErrInvalidHash, s)
	}
	copy(h[:], b)
	return h, nil
}

func (h Hash) String() string {
	return base58.Encode(h[:])
}

func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Hash) UnmarshalText(input []byte) error {
	parsed, err := ParseHash(string(input))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}
