// Copyright (C) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package blockhash

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ava-labs/avalanchego/utils/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/raulk/clock"
	"github.com/stretchr/testify/require"

	"github.com/ava-labs/rollupcounter/codec"
	"github.com/ava-labs/rollupcounter/ledger"
	"github.com/ava-labs/rollupcounter/rpc"
)

var errUnavailable = errors.New("unavailable")

type source struct {
	calls atomic.Int32
	gate  chan struct{}
	fail  atomic.Bool
	tag   byte
}

func (s *source) LatestBlockhash(ctx context.Context) (*rpc.LatestBlockhashReply, error) {
	n := s.calls.Add(1)
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.fail.Load() {
		return nil, errUnavailable
	}
	return &rpc.LatestBlockhashReply{
		Context: rpc.Context{Slot: uint64(n)},
		Value: rpc.BlockhashValue{
			Blockhash:            codec.Hash{s.tag, byte(n)},
			LastValidBlockHeight: uint64(n) + 150,
		},
	}, nil
}

var windows = map[ledger.ID]Window{
	ledger.Base:   {TTL: 60 * time.Second, Margin: 5 * time.Second},
	ledger.Rollup: {TTL: 30 * time.Second, Margin: 2 * time.Second},
}

func newCache(t *testing.T, base, rollup *source) (*Cache, *clock.Mock) {
	mock := clock.NewMock()
	mock.Set(time.Unix(1_700_000_000, 0))
	c, err := New(
		logging.NoLog{},
		prometheus.NewRegistry(),
		map[ledger.ID]Source{ledger.Base: base, ledger.Rollup: rollup},
		windows,
		WithClock(mock),
	)
	require.NoError(t, err)
	return c, mock
}

func TestGetReusesWithinWindow(t *testing.T) {
	require := require.New(t)
	base := &source{tag: 1}
	c, mock := newCache(t, base, &source{tag: 2})
	ctx := context.Background()

	first, err := c.Get(ctx, ledger.Base)
	require.NoError(err)
	require.Equal(ledger.Base, first.Ledger)
	require.Equal(mock.Now().Add(60*time.Second), first.Expiry)
	require.Equal(55*time.Second, c.Remaining(ledger.Base))

	mock.Add(54 * time.Second)
	again, err := c.Get(ctx, ledger.Base)
	require.NoError(err)
	require.Same(first, again)
	require.Equal(int32(1), base.calls.Load())

	// Inside the safety margin the entry is refreshed.
	mock.Add(time.Second)
	require.Zero(c.Remaining(ledger.Base))
	fresh, err := c.Get(ctx, ledger.Base)
	require.NoError(err)
	require.NotEqual(first.Blockhash, fresh.Blockhash)
	require.Equal(int32(2), base.calls.Load())
}

func TestConcurrentGetSharesOneFetch(t *testing.T) {
	require := require.New(t)
	base := &source{tag: 1, gate: make(chan struct{})}
	c, _ := newCache(t, base, &source{tag: 2})

	const callers = 8
	var (
		wg      sync.WaitGroup
		anchors = make([]*Anchor, callers)
		errs    = make([]error, callers)
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			anchors[i], errs[i] = c.Get(context.Background(), ledger.Base)
		}(i)
	}
	require.Eventually(func() bool { return base.calls.Load() == 1 }, time.Second, time.Millisecond)
	close(base.gate)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(errs[i])
		require.Equal(anchors[0].Blockhash, anchors[i].Blockhash)
	}
	require.Equal(int32(1), base.calls.Load())
}

func TestLedgersAreIsolated(t *testing.T) {
	require := require.New(t)
	base, rollup := &source{tag: 1}, &source{tag: 2}
	c, mock := newCache(t, base, rollup)
	ctx := context.Background()

	b, err := c.Get(ctx, ledger.Base)
	require.NoError(err)
	r, err := c.Get(ctx, ledger.Rollup)
	require.NoError(err)
	require.Equal(byte(1), b.Blockhash[0])
	require.Equal(byte(2), r.Blockhash[0])
	require.Equal(ledger.Rollup, r.Ledger)

	// Rollup's shorter window lapses without touching base.
	mock.Add(29 * time.Second)
	_, err = c.Get(ctx, ledger.Rollup)
	require.NoError(err)
	_, err = c.Get(ctx, ledger.Base)
	require.NoError(err)
	require.Equal(int32(2), rollup.calls.Load())
	require.Equal(int32(1), base.calls.Load())

	c.Invalidate(ledger.Rollup)
	require.Zero(c.Remaining(ledger.Rollup))
	require.Positive(c.Remaining(ledger.Base))
}

func TestFetchFailureIsNotCached(t *testing.T) {
	require := require.New(t)
	base := &source{tag: 1}
	base.fail.Store(true)
	c, _ := newCache(t, base, &source{tag: 2})

	_, err := c.Get(context.Background(), ledger.Base)
	require.ErrorIs(err, errUnavailable)

	base.fail.Store(false)
	a, err := c.Get(context.Background(), ledger.Base)
	require.NoError(err)
	require.Equal(uint64(2), a.Slot)
}

func TestGetHonorsCallerContext(t *testing.T) {
	require := require.New(t)
	base := &source{tag: 1, gate: make(chan struct{})}
	c, _ := newCache(t, base, &source{tag: 2})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Get(ctx, ledger.Base)
	require.ErrorIs(err, context.Canceled)
	close(base.gate)

	_, err = c.Get(context.Background(), ledger.ID(9))
	require.ErrorIs(err, ErrNoSource)
}

func TestNewRejectsBadWindow(t *testing.T) {
	_, err := New(
		logging.NoLog{},
		prometheus.NewRegistry(),
		map[ledger.ID]Source{ledger.Base: &source{}},
		map[ledger.ID]Window{ledger.Base: {TTL: time.Second, Margin: time.Second}},
	)
	require.ErrorIs(t, err, ErrInvalidWindow)
}
