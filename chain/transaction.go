// Copyright (C) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package chain

import (
	"encoding/base64"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/base58"

	"github.com/ava-labs/rollupcounter/codec"
	"github.com/ava-labs/rollupcounter/consts"
	"github.com/ava-labs/rollupcounter/crypto/ed25519"
)

// Signature identifies a transaction: the fee payer's signature is also its
// id on the ledger.
type Signature [consts.SignatureLen]byte

var EmptySignature = Signature{}

func (s Signature) String() string {
	return base58.Encode(s[:])
}

func (s Signature) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Signature) UnmarshalText(b []byte) error {
	parsed, err := ParseSignature(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

func ParseSignature(str string) (Signature, error) {
	var s Signature
	b := base58.Decode(str)
	if len(b) != consts.SignatureLen {
		return s, fmt.Errorf("%w: %q", ErrInvalidSignature, str)
	}
	copy(s[:], b)
	return s, nil
}

// Transaction is a message plus one signature slot per required signer.
// Unsigned slots hold EmptySignature.
type Transaction struct {
	Signatures []Signature
	Message    *Message

	msgBytes []byte
}

// NewTransaction wraps [msg] with empty signature slots.
func NewTransaction(msg *Message) (*Transaction, error) {
	b, err := msg.Marshal()
	if err != nil {
		return nil, err
	}
	return &Transaction{
		Signatures: make([]Signature, msg.Header.NumRequiredSignatures),
		Message:    msg,
		msgBytes:   b,
	}, nil
}

// MessageBytes returns the bytes every signer signs.
func (t *Transaction) MessageBytes() []byte {
	return t.msgBytes
}

// ID is the first signature.
func (t *Transaction) ID() Signature {
	if len(t.Signatures) == 0 {
		return EmptySignature
	}
	return t.Signatures[0]
}

// AddSignature stores [sig] in the slot belonging to [key].
func (t *Transaction) AddSignature(key codec.Address, sig Signature) error {
	for i, signer := range t.Message.Signers() {
		if signer == key {
			t.Signatures[i] = sig
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownSigner, key)
}

// Sign signs the message with [priv] and stores the result.
func (t *Transaction) Sign(priv ed25519.PrivateKey) error {
	sig := ed25519.Sign(t.msgBytes, priv)
	return t.AddSignature(priv.Address(), Signature(sig))
}

// Signed reports whether every slot holds a signature.
func (t *Transaction) Signed() bool {
	for _, s := range t.Signatures {
		if s == EmptySignature {
			return false
		}
	}
	return true
}

// Verify checks every signature against its signer.
func (t *Transaction) Verify() error {
	signers := t.Message.Signers()
	if len(t.Signatures) != len(signers) {
		return fmt.Errorf("%w: %d signatures for %d signers", ErrInvalidTransaction, len(t.Signatures), len(signers))
	}
	for i, signer := range signers {
		if t.Signatures[i] == EmptySignature {
			return fmt.Errorf("%w: %s", ErrMissingSignature, signer)
		}
		if !ed25519.Verify(t.msgBytes, ed25519.PublicKey(signer), ed25519.Signature(t.Signatures[i])) {
			return fmt.Errorf("%w: %s", ErrInvalidSignature, signer)
		}
	}
	return nil
}

// Bytes returns the wire encoding.
func (t *Transaction) Bytes() ([]byte, error) {
	b := make([]byte, 0, 1+len(t.Signatures)*consts.SignatureLen+len(t.msgBytes))
	b, err := codec.AppendCompactU16(b, len(t.Signatures))
	if err != nil {
		return nil, err
	}
	for _, s := range t.Signatures {
		b = append(b, s[:]...)
	}
	b = append(b, t.msgBytes...)
	if len(b) > consts.MaxTransactionSize {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrTransactionTooLarge, len(b), consts.MaxTransactionSize)
	}
	return b, nil
}

// Base64 returns the encoding submitted over JSON-RPC.
func (t *Transaction) Base64() (string, error) {
	b, err := t.Bytes()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// Copy returns a transaction sharing the message with independent
// signature slots.
func (t *Transaction) Copy() *Transaction {
	return &Transaction{
		Signatures: append([]Signature(nil), t.Signatures...),
		Message:    t.Message,
		msgBytes:   t.msgBytes,
	}
}

// UnmarshalTransaction parses the wire encoding produced by Bytes.
func UnmarshalTransaction(b []byte) (*Transaction, error) {
	r := &reader{b: b}
	n, err := r.length()
	if err != nil {
		return nil, err
	}
	sigs := make([]Signature, n)
	for i := range sigs {
		s, err := r.readBytes(consts.SignatureLen)
		if err != nil {
			return nil, err
		}
		copy(sigs[i][:], s)
	}
	start := r.off
	msg, err := readMessage(r)
	if err != nil {
		return nil, err
	}
	if r.off != len(b) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrInvalidTransaction, len(b)-r.off)
	}
	if int(msg.Header.NumRequiredSignatures) != len(sigs) {
		return nil, fmt.Errorf("%w: %d signatures for %d signers", ErrInvalidTransaction, len(sigs), msg.Header.NumRequiredSignatures)
	}
	return &Transaction{
		Signatures: sigs,
		Message:    msg,
		msgBytes:   append([]byte(nil), b[start:]...),
	}, nil
}

// UnmarshalTransactionBase64 decodes the JSON-RPC form.
func UnmarshalTransactionBase64(s string) (*Transaction, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTransaction, err)
	}
	return UnmarshalTransaction(b)
}
