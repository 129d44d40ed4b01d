// Copyright (C) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/ava-labs/avalanchego/utils/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/ava-labs/rollupcounter/auth"
	"github.com/ava-labs/rollupcounter/blockhash"
	"github.com/ava-labs/rollupcounter/chain"
	"github.com/ava-labs/rollupcounter/codec"
	"github.com/ava-labs/rollupcounter/consts"
	"github.com/ava-labs/rollupcounter/crypto/ed25519"
	"github.com/ava-labs/rollupcounter/ledger"
	"github.com/ava-labs/rollupcounter/ledgertest"
	"github.com/ava-labs/rollupcounter/program"
	"github.com/ava-labs/rollupcounter/rpc"
	"github.com/ava-labs/rollupcounter/trace"
	"github.com/ava-labs/rollupcounter/txerr"
)

type harness struct {
	net      *ledgertest.Network
	cache    *blockhash.Cache
	pipeline *Pipeline
	signer   *auth.Keypair
	prog     *program.CounterProgram
}

func newHarness(t *testing.T) *harness {
	require := require.New(t)

	prog, err := program.New(codec.MustParseAddress(consts.DefaultCounterProgram))
	require.NoError(err)
	net := ledgertest.NewNetwork(prog)
	t.Cleanup(net.Close)

	base, rollup := rpc.NewClient(net.Base.URL()), rpc.NewClient(net.Rollup.URL())
	cache, err := blockhash.New(
		logging.NoLog{},
		prometheus.NewRegistry(),
		map[ledger.ID]blockhash.Source{ledger.Base: base, ledger.Rollup: rollup},
		map[ledger.ID]blockhash.Window{
			ledger.Base:   {TTL: time.Minute, Margin: 5 * time.Second},
			ledger.Rollup: {TTL: 30 * time.Second, Margin: 2 * time.Second},
		},
	)
	require.NoError(err)

	cfg := DefaultConfig()
	cfg.PollInterval = 10 * time.Millisecond
	cfg.ConfirmTimeout = 2 * time.Second
	p, err := New(
		logging.NoLog{},
		trace.Noop("test"),
		prometheus.NewRegistry(),
		cfg,
		cache,
		map[ledger.ID]Client{ledger.Base: base, ledger.Rollup: rollup},
	)
	require.NoError(err)

	priv, err := ed25519.GeneratePrivateKey()
	require.NoError(err)
	return &harness{
		net:      net,
		cache:    cache,
		pipeline: p,
		signer:   auth.NewKeypair(priv),
		prog:     prog,
	}
}

func requireKind(t *testing.T, err error, kind txerr.Kind) {
	t.Helper()
	got, ok := txerr.KindOf(err)
	require.True(t, ok, "unclassified error: %v", err)
	require.Equal(t, kind, got, "error: %v", err)
}

func TestSubmitConfirms(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	h.net.SetCounter(ledger.Base, h.prog.ID(), 4)

	res, err := h.pipeline.Submit(context.Background(), ledger.Base, h.prog.Increment(), h.signer, Options{})
	require.NoError(err)
	require.Equal(ledger.Base, res.Ledger)
	require.Positive(res.Slot)

	count, ok := h.net.Count(ledger.Base)
	require.True(ok)
	require.Equal(uint64(5), count)

	submitted := h.net.Base.Submitted()
	require.Len(submitted, 1)
	require.Equal(submitted[0].ID(), res.Signature)
	require.Equal(h.signer.Address(), submitted[0].Message.FeePayer())
	require.Empty(h.net.Rollup.Submitted())
}

func TestSubmitErrorKinds(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(h *harness)
		call   func(h *harness) *program.Call
		signer func(h *harness) auth.Signer
		opts   Options
		kind   txerr.Kind
	}{
		{
			name: "missing account is a build error",
			call: func(h *harness) *program.Call {
				c := h.prog.Increment()
				delete(c.Accounts, "counter")
				return c
			},
			kind: txerr.Build,
		},
		{
			name:  "unreachable ledger fails fetching the anchor",
			setup: func(h *harness) { h.net.Base.SetDown(true) },
			kind:  txerr.Transport,
		},
		{
			name: "declined signature",
			signer: func(h *harness) auth.Signer {
				return auth.WithApproval(h.signer, func(context.Context, []*chain.Transaction) (bool, error) {
					return false, nil
				})
			},
			kind: txerr.SignatureDeclined,
		},
		{
			name: "forged signature",
			signer: func(h *harness) auth.Signer {
				return forger{h.signer}
			},
			kind: txerr.SignatureDeclined,
		},
		{
			name: "preflight rejection",
			setup: func(h *harness) {
				h.net.Base.SetSendHandler(func(*chain.Transaction) ledgertest.Outcome {
					return ledgertest.Outcome{Reject: "Transaction simulation failed"}
				})
			},
			kind: txerr.SubmissionRejected,
		},
		{
			name: "execution failure",
			setup: func(h *harness) {
				h.net.Base.SetAccount(h.prog.CounterAddress(), nil)
			},
			kind: txerr.ExecutionFailed,
		},
		{
			name: "no confirmation in time",
			setup: func(h *harness) {
				h.net.Base.SetSendHandler(func(*chain.Transaction) ledgertest.Outcome {
					return ledgertest.Outcome{Pending: true}
				})
			},
			opts: Options{ConfirmTimeout: 100 * time.Millisecond},
			kind: txerr.ConfirmationTimeout,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require := require.New(t)
			h := newHarness(t)
			h.net.SetCounter(ledger.Base, h.prog.ID(), 0)
			if tt.setup != nil {
				tt.setup(h)
			}
			call := h.prog.Increment()
			if tt.call != nil {
				call = tt.call(h)
			}
			var signer auth.Signer = h.signer
			if tt.signer != nil {
				signer = tt.signer(h)
			}

			_, err := h.pipeline.Submit(context.Background(), ledger.Base, call, signer, tt.opts)
			requireKind(t, err, tt.kind)
			require.Equal(tt.kind == txerr.ConfirmationTimeout, txerr.IsAmbiguous(err))
		})
	}
}

// forger signs with the wrong message.
type forger struct {
	*auth.Keypair
}

func (f forger) Sign(ctx context.Context, tx *chain.Transaction) error {
	return tx.AddSignature(f.Address(), chain.Signature{1, 2, 3})
}

func TestUnknownBlockhashInvalidatesAnchor(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	h.net.SetCounter(ledger.Rollup, h.prog.ID(), 0)
	ctx := context.Background()

	_, err := h.cache.Get(ctx, ledger.Rollup)
	require.NoError(err)
	require.Positive(h.cache.Remaining(ledger.Rollup))

	h.net.Rollup.RotateBlockhash()
	h.net.Rollup.ExpireBlockhashes()
	_, err = h.pipeline.Submit(ctx, ledger.Rollup, h.prog.Increment(), h.signer, Options{})
	requireKind(t, err, txerr.SubmissionRejected)
	var e *txerr.Error
	require.ErrorAs(err, &e)
	require.False(e.Retryable())
	require.Zero(h.cache.Remaining(ledger.Rollup))

	// A new submission picks up the fresh anchor.
	_, err = h.pipeline.Submit(ctx, ledger.Rollup, h.prog.Increment(), h.signer, Options{})
	require.NoError(err)
}

func TestPinnedAnchor(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	h.net.SetCounter(ledger.Base, h.prog.ID(), 0)
	ctx := context.Background()

	pinned, err := h.cache.Get(ctx, ledger.Base)
	require.NoError(err)
	h.net.Base.RotateBlockhash()

	tx, err := h.pipeline.Prepare(ctx, ledger.Base, h.prog.Increment(), h.signer.Address(), pinned)
	require.NoError(err)
	require.Equal(pinned.Blockhash, tx.Message.RecentBlockhash)

	// Anchors for another ledger or past expiry are not used.
	foreign := *pinned
	foreign.Ledger = ledger.Rollup
	tx, err = h.pipeline.Prepare(ctx, ledger.Rollup, h.prog.Increment(), h.signer.Address(), &foreign)
	require.NoError(err)
	require.Equal(h.net.Rollup.Blockhash(), tx.Message.RecentBlockhash)

	expired := *pinned
	expired.Blockhash = codec.Hash{0xff}
	expired.Expiry = time.Now().Add(-time.Second)
	tx, err = h.pipeline.Prepare(ctx, ledger.Base, h.prog.Increment(), h.signer.Address(), &expired)
	require.NoError(err)
	require.Equal(pinned.Blockhash, tx.Message.RecentBlockhash)
}

func TestSendSignedRefusesExpiredAnchor(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	h.net.SetCounter(ledger.Base, h.prog.ID(), 0)
	ctx := context.Background()

	anchor, err := h.cache.Get(ctx, ledger.Base)
	require.NoError(err)
	tx, err := h.pipeline.Prepare(ctx, ledger.Base, h.prog.Increment(), h.signer.Address(), anchor)
	require.NoError(err)
	require.NoError(h.pipeline.Sign(ctx, tx, h.signer))

	expired := *anchor
	expired.Expiry = time.Now().Add(-time.Second)
	_, err = h.pipeline.SendSigned(ctx, ledger.Base, tx, Options{Anchor: &expired})
	requireKind(t, err, txerr.Build)
	require.ErrorIs(err, ErrAnchorExpired)
	require.Empty(h.net.Base.Submitted())

	_, err = h.pipeline.SendSigned(ctx, ledger.Base, tx, Options{Anchor: anchor})
	require.NoError(err)
	require.Len(h.net.Base.Submitted(), 1)
}

func TestAbandonedWaitIsAmbiguous(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	h.net.SetCounter(ledger.Base, h.prog.ID(), 0)
	h.net.Base.SetSendHandler(func(*chain.Transaction) ledgertest.Outcome {
		return ledgertest.Outcome{Pending: true}
	})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)
	_, err := h.pipeline.Submit(ctx, ledger.Base, h.prog.Increment(), h.signer, Options{})
	requireKind(t, err, txerr.ConfirmationTimeout)
	require.ErrorIs(err, context.Canceled)
	require.Len(h.net.Base.Submitted(), 1)
}

func TestSignBatch(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	ctx := context.Background()

	anchor, err := h.cache.Get(ctx, ledger.Rollup)
	require.NoError(err)
	txs := make([]*chain.Transaction, 3)
	for i := range txs {
		txs[i], err = h.pipeline.Prepare(ctx, ledger.Rollup, h.prog.Increment().WithMemo(string(rune('a'+i))), h.signer.Address(), anchor)
		require.NoError(err)
	}
	require.NoError(h.pipeline.SignBatch(ctx, txs, h.signer))
	for _, tx := range txs {
		require.NoError(tx.Verify())
	}

	declining := auth.WithApproval(h.signer, func(context.Context, []*chain.Transaction) (bool, error) {
		return false, nil
	})
	err = h.pipeline.SignBatch(ctx, txs, declining)
	requireKind(t, err, txerr.SignatureDeclined)
}
