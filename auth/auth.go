// Copyright (C) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/ava-labs/rollupcounter/chain"
	"github.com/ava-labs/rollupcounter/codec"
	"github.com/ava-labs/rollupcounter/crypto/ed25519"
)

var (
	ErrDeclined         = errors.New("signature declined")
	ErrInvalidSignature = errors.New("invalid signature")
)

// Signer is the capability to authorize transactions for one address. It
// may refuse, in which case it returns an error wrapping ErrDeclined.
type Signer interface {
	Address() codec.Address
	Sign(ctx context.Context, tx *chain.Transaction) error
	SignBatch(ctx context.Context, txs []*chain.Transaction) error
}

var _ Signer = (*Keypair)(nil)

// Keypair signs with a local private key.
type Keypair struct {
	priv ed25519.PrivateKey
	addr codec.Address
}

func NewKeypair(priv ed25519.PrivateKey) *Keypair {
	return &Keypair{priv: priv, addr: priv.Address()}
}

func (k *Keypair) Address() codec.Address {
	return k.addr
}

func (k *Keypair) Sign(ctx context.Context, tx *chain.Transaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return tx.Sign(k.priv)
}

// SignBatch signs every transaction and batch-verifies the result.
func (k *Keypair) SignBatch(ctx context.Context, txs []*chain.Transaction) error {
	batch := ed25519.NewBatch(len(txs))
	pub := k.priv.PublicKey()
	for i, tx := range txs {
		if err := k.Sign(ctx, tx); err != nil {
			return fmt.Errorf("tx %d: %w", i, err)
		}
		slot := signerSlot(tx, k.addr)
		batch.Add(tx.MessageBytes(), pub, ed25519.Signature(tx.Signatures[slot]))
	}
	if len(txs) > 0 && !batch.Verify() {
		return ErrInvalidSignature
	}
	return nil
}

// ApproveFunc decides whether [txs] may be signed.
type ApproveFunc func(ctx context.Context, txs []*chain.Transaction) (bool, error)

var _ Signer = (*Approval)(nil)

// Approval asks before delegating to the wrapped signer.
type Approval struct {
	signer  Signer
	approve ApproveFunc
}

func WithApproval(s Signer, approve ApproveFunc) *Approval {
	return &Approval{signer: s, approve: approve}
}

func (a *Approval) Address() codec.Address {
	return a.signer.Address()
}

func (a *Approval) Sign(ctx context.Context, tx *chain.Transaction) error {
	if err := a.ask(ctx, []*chain.Transaction{tx}); err != nil {
		return err
	}
	return a.signer.Sign(ctx, tx)
}

// SignBatch asks once for the whole batch.
func (a *Approval) SignBatch(ctx context.Context, txs []*chain.Transaction) error {
	if err := a.ask(ctx, txs); err != nil {
		return err
	}
	return a.signer.SignBatch(ctx, txs)
}

func (a *Approval) ask(ctx context.Context, txs []*chain.Transaction) error {
	ok, err := a.approve(ctx, txs)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDeclined, err)
	}
	if !ok {
		return ErrDeclined
	}
	return nil
}

func signerSlot(tx *chain.Transaction, signer codec.Address) int {
	for i, s := range tx.Message.Signers() {
		if s == signer {
			return i
		}
	}
	return -1
}

// Verify checks that [signer]'s slot in [tx] holds a valid signature.
func Verify(tx *chain.Transaction, signer codec.Address) error {
	i := signerSlot(tx, signer)
	if i < 0 {
		return fmt.Errorf("%w: %s is not a signer", ErrInvalidSignature, signer)
	}
	if !ed25519.Verify(tx.MessageBytes(), ed25519.PublicKey(signer), ed25519.Signature(tx.Signatures[i])) {
		return fmt.Errorf("%w: %s", ErrInvalidSignature, signer)
	}
	return nil
}
