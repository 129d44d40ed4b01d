// Copyright (C) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpc_test

import (
	"context"
	"testing"
	"time"

	"github.com/ava-labs/avalanchego/utils/logging"
	"github.com/stretchr/testify/require"

	"github.com/ava-labs/rollupcounter/chain"
	"github.com/ava-labs/rollupcounter/codec"
	"github.com/ava-labs/rollupcounter/consts"
	"github.com/ava-labs/rollupcounter/crypto/ed25519"
	"github.com/ava-labs/rollupcounter/ledgertest"
	"github.com/ava-labs/rollupcounter/program"
	"github.com/ava-labs/rollupcounter/requester"
	"github.com/ava-labs/rollupcounter/rpc"
)

const waitFor = 5 * time.Second

var counterProgram = codec.MustParseAddress(consts.DefaultCounterProgram)

func signedIncrement(t *testing.T, l *ledgertest.Ledger, memo string) *chain.Transaction {
	require := require.New(t)

	priv, err := ed25519.GeneratePrivateKey()
	require.NoError(err)
	prog, err := program.New(counterProgram)
	require.NoError(err)
	ixs, err := prog.Increment().WithMemo(memo).Instructions(priv.Address())
	require.NoError(err)
	msg, err := chain.NewMessage(priv.Address(), l.Blockhash(), ixs...)
	require.NoError(err)
	tx, err := chain.NewTransaction(msg)
	require.NoError(err)
	require.NoError(tx.Sign(priv))
	return tx
}

func TestLatestBlockhash(t *testing.T) {
	require := require.New(t)
	l := ledgertest.New()
	defer l.Close()

	cli := rpc.NewClient(l.URL())
	reply, err := cli.LatestBlockhash(context.Background())
	require.NoError(err)
	require.Equal(l.Blockhash(), reply.Value.Blockhash)
	require.Equal(l.Slot(), reply.Context.Slot)
	require.Positive(reply.Value.LastValidBlockHeight)
}

func TestAccountInfo(t *testing.T) {
	require := require.New(t)
	l := ledgertest.New()
	defer l.Close()

	cli := rpc.NewClient(l.URL())
	addr := codec.Address{1, 2, 3}

	acct, slot, err := cli.AccountInfo(context.Background(), addr)
	require.NoError(err)
	require.Nil(acct)
	require.Equal(l.Slot(), slot)

	stored := &rpc.Account{Owner: counterProgram, Lamports: 10, Data: program.EncodeCounter(7)}
	setAt := l.SetAccount(addr, stored)

	acct, slot, err = cli.AccountInfo(context.Background(), addr)
	require.NoError(err)
	require.Equal(stored, acct)
	require.Equal(setAt, slot)
}

func TestSendTransactionAndStatus(t *testing.T) {
	require := require.New(t)
	l := ledgertest.New()
	defer l.Close()

	cli := rpc.NewClient(l.URL())
	tx := signedIncrement(t, l, "0")
	sig, err := cli.SendTransaction(context.Background(), tx, rpc.SendOptions{})
	require.NoError(err)
	require.Equal(tx.ID(), sig)

	unknown := chain.Signature{9}
	statuses, err := cli.SignatureStatuses(context.Background(), sig, unknown)
	require.NoError(err)
	require.Len(statuses, 2)
	require.NotNil(statuses[0])
	require.False(statuses[0].Failed())
	require.Equal(consts.CommitmentConfirmed, statuses[0].ConfirmationStatus)
	require.Nil(statuses[1])
}

func TestSendTransactionOutcomes(t *testing.T) {
	require := require.New(t)
	l := ledgertest.New()
	defer l.Close()
	cli := rpc.NewClient(l.URL())

	l.SetSendHandler(func(*chain.Transaction) ledgertest.Outcome {
		return ledgertest.Outcome{Reject: "insufficient funds"}
	})
	_, err := cli.SendTransaction(context.Background(), signedIncrement(t, l, "a"), rpc.SendOptions{})
	rpcErr, ok := requester.IsRemoteError(err)
	require.True(ok)
	require.Equal("insufficient funds", rpcErr.Message)

	l.SetSendHandler(func(*chain.Transaction) ledgertest.Outcome {
		return ledgertest.Outcome{ExecErr: "overflow"}
	})
	sig, err := cli.SendTransaction(context.Background(), signedIncrement(t, l, "b"), rpc.SendOptions{})
	require.NoError(err)
	statuses, err := cli.SignatureStatuses(context.Background(), sig)
	require.NoError(err)
	require.True(statuses[0].Failed())

	// Unknown anchors are rejected before the handler runs.
	tx := signedIncrement(t, l, "c")
	l.RotateBlockhash()
	l.ExpireBlockhashes()
	_, err = cli.SendTransaction(context.Background(), tx, rpc.SendOptions{})
	rpcErr, ok = requester.IsRemoteError(err)
	require.True(ok)
	require.Contains(rpcErr.Message, "Blockhash not found")
}

func TestHealthAndSlot(t *testing.T) {
	require := require.New(t)
	l := ledgertest.New()
	defer l.Close()
	cli := rpc.NewClient(l.URL())

	require.NoError(cli.Health(context.Background()))
	l.AdvanceSlot()
	slot, err := cli.Slot(context.Background())
	require.NoError(err)
	require.Equal(l.Slot(), slot)

	l.SetDown(true)
	require.ErrorIs(cli.Health(context.Background()), requester.ErrUnexpectedStatus)
}

func recv(t *testing.T, sub *rpc.AccountSubscription) rpc.AccountNotification {
	t.Helper()
	select {
	case n, ok := <-sub.Notifications():
		require.True(t, ok, "subscription closed")
		return n
	case <-time.After(waitFor):
		require.FailNow(t, "no notification")
		return rpc.AccountNotification{}
	}
}

func TestAccountSubscribe(t *testing.T) {
	require := require.New(t)
	l := ledgertest.New()
	defer l.Close()

	ctx := context.Background()
	ws, err := rpc.DialWS(ctx, l.WSURL(), logging.NoLog{})
	require.NoError(err)
	defer ws.Close()

	addr := codec.Address{7}
	sub, err := ws.AccountSubscribe(ctx, addr, consts.CommitmentConfirmed)
	require.NoError(err)
	require.Equal(addr, sub.Account())
	require.Equal(1, l.Subscriptions())

	stored := &rpc.Account{Owner: counterProgram, Lamports: 1, Data: program.EncodeCounter(3)}
	slot := l.SetAccount(addr, stored)
	n := recv(t, sub)
	require.NoError(n.Err)
	require.Equal(slot, n.Slot)
	require.Equal(stored, n.Account)

	// Deletion arrives as a nil account.
	slot = l.SetAccount(addr, nil)
	n = recv(t, sub)
	require.NoError(n.Err)
	require.Nil(n.Account)
	require.Equal(slot, n.Slot)

	// Payloads that cannot be decoded surface as ErrDecode.
	l.Notify(addr, map[string]interface{}{
		"context": map[string]uint64{"slot": 99},
		"value": map[string]interface{}{
			"data":  []string{"AAAA", "base58"},
			"owner": counterProgram.String(),
		},
	})
	n = recv(t, sub)
	require.ErrorIs(n.Err, rpc.ErrDecode)

	require.NoError(sub.Unsubscribe(ctx))
	require.Eventually(func() bool { return l.Subscriptions() == 0 }, waitFor, 10*time.Millisecond)
	_, ok := <-sub.Notifications()
	require.False(ok)
	require.NoError(sub.Unsubscribe(ctx))
}

func TestAccountSubscriptionSlowReaderKeepsNewest(t *testing.T) {
	require := require.New(t)
	l := ledgertest.New()
	defer l.Close()

	ctx := context.Background()
	ws, err := rpc.DialWS(ctx, l.WSURL(), logging.NoLog{})
	require.NoError(err)
	defer ws.Close()

	addr := codec.Address{8}
	sub, err := ws.AccountSubscribe(ctx, addr, consts.CommitmentConfirmed)
	require.NoError(err)

	var last uint64
	for i := 0; i < 40; i++ {
		last = l.SetAccount(addr, &rpc.Account{Owner: counterProgram, Data: program.EncodeCounter(uint64(i))})
	}
	require.Eventually(func() bool {
		for {
			select {
			case n := <-sub.Notifications():
				if n.Slot == last {
					return true
				}
			default:
				return false
			}
		}
	}, waitFor, 10*time.Millisecond)
}

func TestWSCloseEndsSubscriptions(t *testing.T) {
	require := require.New(t)
	l := ledgertest.New()
	defer l.Close()

	ctx := context.Background()
	ws, err := rpc.DialWS(ctx, l.WSURL(), logging.NoLog{})
	require.NoError(err)

	sub, err := ws.AccountSubscribe(ctx, codec.Address{9}, consts.CommitmentConfirmed)
	require.NoError(err)

	l.Disconnect()
	select {
	case <-ws.Done():
	case <-time.After(waitFor):
		require.FailNow("connection not closed")
	}
	require.ErrorIs(ws.Err(), rpc.ErrClosed)
	_, ok := <-sub.Notifications()
	require.False(ok)

	_, err = ws.AccountSubscribe(ctx, codec.Address{10}, consts.CommitmentConfirmed)
	require.ErrorIs(err, rpc.ErrSubscriptionFailed)
	require.ErrorIs(err, rpc.ErrClosed)
	require.NoError(sub.Unsubscribe(ctx))
	require.NoError(ws.Close())
}
