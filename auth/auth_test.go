// Copyright (C) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package auth

import (
	"context"
	"errors"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ava-labs/rollupcounter/chain"
	"github.com/ava-labs/rollupcounter/codec"
	"github.com/ava-labs/rollupcounter/crypto/ed25519"
	"github.com/ava-labs/rollupcounter/program"
)

func unsigned(t *testing.T, payer codec.Address, n int) []*chain.Transaction {
	txs := make([]*chain.Transaction, n)
	for i := range txs {
		msg, err := chain.NewMessage(payer, codec.Hash{1}, program.Memo(strconv.Itoa(i)))
		require.NoError(t, err)
		txs[i], err = chain.NewTransaction(msg)
		require.NoError(t, err)
	}
	return txs
}

func newKeypair(t *testing.T) *Keypair {
	priv, err := ed25519.GeneratePrivateKey()
	require.NoError(t, err)
	return NewKeypair(priv)
}

func TestKeypairSign(t *testing.T) {
	require := require.New(t)
	kp := newKeypair(t)

	tx := unsigned(t, kp.Address(), 1)[0]
	require.NoError(kp.Sign(context.Background(), tx))
	require.True(tx.Signed())
	require.NoError(Verify(tx, kp.Address()))
	require.ErrorIs(Verify(tx, codec.Address{1}), ErrInvalidSignature)

	// A transaction paid by someone else cannot be signed.
	other := unsigned(t, codec.Address{2}, 1)[0]
	require.ErrorIs(kp.Sign(context.Background(), other), chain.ErrUnknownSigner)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(kp.Sign(ctx, unsigned(t, kp.Address(), 1)[0]), context.Canceled)
}

func TestKeypairSignBatch(t *testing.T) {
	require := require.New(t)
	kp := newKeypair(t)

	txs := unsigned(t, kp.Address(), 5)
	require.NoError(kp.SignBatch(context.Background(), txs))
	seen := map[chain.Signature]bool{}
	for _, tx := range txs {
		require.NoError(tx.Verify())
		seen[tx.ID()] = true
	}
	require.Len(seen, 5)
	require.NoError(kp.SignBatch(context.Background(), nil))
}

func TestApproval(t *testing.T) {
	kp := newKeypair(t)
	tests := []struct {
		name    string
		approve ApproveFunc
		wantErr error
	}{
		{
			name:    "approved",
			approve: func(context.Context, []*chain.Transaction) (bool, error) { return true, nil },
		},
		{
			name:    "declined",
			approve: func(context.Context, []*chain.Transaction) (bool, error) { return false, nil },
			wantErr: ErrDeclined,
		},
		{
			name:    "prompt failed",
			approve: func(context.Context, []*chain.Transaction) (bool, error) { return false, errors.New("eof") },
			wantErr: ErrDeclined,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require := require.New(t)
			var asked int
			signer := WithApproval(kp, func(ctx context.Context, txs []*chain.Transaction) (bool, error) {
				asked++
				return tt.approve(ctx, txs)
			})
			require.Equal(kp.Address(), signer.Address())

			tx := unsigned(t, kp.Address(), 1)[0]
			err := signer.Sign(context.Background(), tx)
			require.ErrorIs(err, tt.wantErr)
			require.Equal(tt.wantErr == nil, tx.Signed())

			txs := unsigned(t, kp.Address(), 3)
			err = signer.SignBatch(context.Background(), txs)
			require.ErrorIs(err, tt.wantErr)
			require.Equal(2, asked)
		})
	}
}
