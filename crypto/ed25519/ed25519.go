// Copyright (C) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ed25519

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/hdevalence/ed25519consensus"

	"github.com/ava-labs/rollupcounter/codec"
)

type (
	PublicKey  [ed25519.PublicKeySize]byte
	PrivateKey [ed25519.PrivateKeySize]byte
	Signature  [ed25519.SignatureSize]byte
)

// Signatures are checked with ZIP-215 rules (https://zips.z.cash/zip-0215),
// which accept everything a standard ed25519 signer produces and make
// batch and single verification agree.
const (
	PublicKeyLen  = ed25519.PublicKeySize
	PrivateKeyLen = ed25519.PrivateKeySize
	// PrivateKeySeedLen is defined because ed25519.PrivateKey
	// is formatted as privateKey = seed|publicKey. We use this const
	// to extract the publicKey below.
	PrivateKeySeedLen = ed25519.SeedSize
	SignatureLen      = ed25519.SignatureSize
)

var (
	EmptyPublicKey  = [ed25519.PublicKeySize]byte{}
	EmptyPrivateKey = [ed25519.PrivateKeySize]byte{}
	EmptySignature  = [ed25519.SignatureSize]byte{}

	ErrInvalidPrivateKey = errors.New("invalid private key")
	ErrInvalidSignature  = errors.New("invalid signature")
)

// GeneratePrivateKey returns a Ed25519 PrivateKey.
func GeneratePrivateKey() (PrivateKey, error) {
	_, k, err := ed25519.GenerateKey(nil)
	if err != nil {
		return EmptyPrivateKey, err
	}
	return PrivateKey(k), nil
}

// PrivateKeyFromSeed derives the key for a 32 byte seed.
func PrivateKeyFromSeed(seed []byte) (PrivateKey, error) {
	if len(seed) != PrivateKeySeedLen {
		return EmptyPrivateKey, fmt.Errorf("%w: seed must be %d bytes", ErrInvalidPrivateKey, PrivateKeySeedLen)
	}
	return PrivateKey(ed25519.NewKeyFromSeed(seed)), nil
}

// PublicKey returns a PublicKey associated with the Ed25519 PrivateKey p.
// The PublicKey is the last 32 bytes of p.
func (p PrivateKey) PublicKey() PublicKey {
	return PublicKey(p[PrivateKeySeedLen:])
}

// Address returns the ledger account address controlled by p.
func (p PrivateKey) Address() codec.Address {
	return codec.Address(p.PublicKey())
}

// Sign returns a valid signature for msg using pk.
func Sign(msg []byte, pk PrivateKey) Signature {
	sig := ed25519.Sign(pk[:], msg)
	return Signature(sig)
}

// Verify returns whether s is a valid signature of msg by p.
func Verify(msg []byte, p PublicKey, s Signature) bool {
	return ed25519consensus.Verify(p[:], msg, s[:])
}

type Batch struct {
	bv ed25519consensus.BatchVerifier
}

func NewBatch(size int) *Batch {
	return &Batch{bv: ed25519consensus.NewPreallocatedBatchVerifier(size)}
}

func (b *Batch) Add(msg []byte, p PublicKey, s Signature) {
	b.bv.Add(p[:], msg, s[:])
}

func (b *Batch) Verify() bool {
	return b.bv.Verify()
}

// LoadKeypair reads a keypair file: a JSON array of the 64 private key
// bytes (seed followed by public key).
func LoadKeypair(path string) (PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return EmptyPrivateKey, err
	}
	return ParseKeypair(raw)
}

func ParseKeypair(raw []byte) (PrivateKey, error) {
	var ints []int
	if err := json.Unmarshal(raw, &ints); err != nil {
		return EmptyPrivateKey, fmt.Errorf("%w: %w", ErrInvalidPrivateKey, err)
	}
	if len(ints) != PrivateKeyLen {
		return EmptyPrivateKey, fmt.Errorf("%w: expected %d bytes, found %d", ErrInvalidPrivateKey, PrivateKeyLen, len(ints))
	}
	var b [PrivateKeyLen]byte
	for i, v := range ints {
		if v < 0 || v > 255 {
			return EmptyPrivateKey, fmt.Errorf("%w: byte %d out of range", ErrInvalidPrivateKey, i)
		}
		b[i] = byte(v)
	}
	// The trailing public key must match the seed.
	derived, err := PrivateKeyFromSeed(b[:PrivateKeySeedLen])
	if err != nil {
		return EmptyPrivateKey, err
	}
	if derived != PrivateKey(b) {
		return EmptyPrivateKey, fmt.Errorf("%w: public key does not match seed", ErrInvalidPrivateKey)
	}
	return derived, nil
}

// MarshalKeypair is the inverse of ParseKeypair.
func MarshalKeypair(p PrivateKey) ([]byte, error) {
	ints := make([]int, PrivateKeyLen)
	for i, v := range p {
		ints[i] = int(v)
	}
	return json.Marshal(ints)
}

// SaveKeypair writes p to path readable only by the owner.
func SaveKeypair(path string, p PrivateKey) error {
	b, err := MarshalKeypair(p)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}
