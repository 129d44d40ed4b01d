// Copyright (C) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package crank

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ava-labs/avalanchego/utils/logging"
	"github.com/ava-labs/avalanchego/utils/set"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/raulk/clock"
	"github.com/stretchr/testify/require"

	"github.com/ava-labs/rollupcounter/auth"
	"github.com/ava-labs/rollupcounter/blockhash"
	"github.com/ava-labs/rollupcounter/chain"
	"github.com/ava-labs/rollupcounter/codec"
	"github.com/ava-labs/rollupcounter/consts"
	"github.com/ava-labs/rollupcounter/crypto/ed25519"
	"github.com/ava-labs/rollupcounter/ledger"
	"github.com/ava-labs/rollupcounter/ledgertest"
	"github.com/ava-labs/rollupcounter/pipeline"
	"github.com/ava-labs/rollupcounter/program"
	"github.com/ava-labs/rollupcounter/rpc"
	"github.com/ava-labs/rollupcounter/trace"
	"github.com/ava-labs/rollupcounter/txerr"
)

// flaky fails the nth send with a transport error.
type flaky struct {
	*pipeline.Pipeline

	mu    sync.Mutex
	sends int
	fail  int
}

func (f *flaky) next() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends++
	return f.sends == f.fail
}

func (f *flaky) Submit(ctx context.Context, id ledger.ID, call *program.Call, signer auth.Signer, opts pipeline.Options) (*pipeline.Result, error) {
	if f.next() {
		return nil, txerr.New(txerr.Transport, "send", rpc.ErrClosed)
	}
	return f.Pipeline.Submit(ctx, id, call, signer, opts)
}

func (f *flaky) SendSigned(ctx context.Context, id ledger.ID, tx *chain.Transaction, opts pipeline.Options) (*pipeline.Result, error) {
	if f.next() {
		return nil, txerr.New(txerr.Transport, "send", rpc.ErrClosed)
	}
	return f.Pipeline.SendSigned(ctx, id, tx, opts)
}

var errRefused = errors.New("refused")

// guard allows increments on the ledgers it holds.
type guard struct {
	mu      sync.Mutex
	allowed set.Set[ledger.ID]
	// after refuses every check past the nth when positive.
	after  int
	checks int
}

func allow(ids ...ledger.ID) *guard {
	return &guard{allowed: set.Of(ids...)}
}

func (g *guard) CanMutate(id ledger.ID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.checks++
	if !g.allowed.Contains(id) || (g.after > 0 && g.checks > g.after) {
		return fmt.Errorf("%w: increment on %s", errRefused, id)
	}
	return nil
}

type harness struct {
	net    *ledgertest.Network
	prog   *program.CounterProgram
	cache  *blockhash.Cache
	flaky  *flaky
	signer *auth.Keypair
}

func newHarness(t *testing.T) *harness {
	require := require.New(t)

	prog, err := program.New(codec.MustParseAddress(consts.DefaultCounterProgram))
	require.NoError(err)
	net := ledgertest.NewNetwork(prog)
	t.Cleanup(net.Close)
	net.SetCounter(ledger.Rollup, prog.ID(), 0)

	rollup := rpc.NewClient(net.Rollup.URL())
	cache, err := blockhash.New(
		logging.NoLog{},
		prometheus.NewRegistry(),
		map[ledger.ID]blockhash.Source{ledger.Rollup: rollup},
		map[ledger.ID]blockhash.Window{ledger.Rollup: {TTL: time.Minute, Margin: time.Second}},
	)
	require.NoError(err)
	cfg := pipeline.DefaultConfig()
	cfg.PollInterval = 5 * time.Millisecond
	cfg.ConfirmTimeout = time.Second
	p, err := pipeline.New(
		logging.NoLog{},
		trace.Noop("test"),
		prometheus.NewRegistry(),
		cfg,
		cache,
		map[ledger.ID]pipeline.Client{ledger.Rollup: rollup},
	)
	require.NoError(err)

	priv, err := ed25519.GeneratePrivateKey()
	require.NoError(err)
	return &harness{
		net:    net,
		prog:   prog,
		cache:  cache,
		flaky:  &flaky{Pipeline: p},
		signer: auth.NewKeypair(priv),
	}
}

func (h *harness) client(config Config, signer auth.Signer) *Client {
	if signer == nil {
		signer = h.signer
	}
	return New(logging.NoLog{}, config, h.prog, h.flaky, h.cache, allow(ledger.Rollup), signer)
}

func TestDriveContinuesPastFailures(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		batched bool
	}{
		{
			name:    "one anchor for the batch",
			config:  Config{ConfirmEstimate: 100 * time.Millisecond},
			batched: true,
		},
		{
			name:   "anchor per attempt",
			config: Config{ConfirmEstimate: time.Hour},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require := require.New(t)
			h := newHarness(t)
			h.flaky.fail = 3
			c := h.client(tt.config, nil)

			start := time.Now()
			report, err := c.DriveRepeatedExecution(context.Background(), ledger.Rollup, 5, 50*time.Millisecond)
			require.NoError(err)
			require.GreaterOrEqual(time.Since(start), 200*time.Millisecond)
			require.Equal(tt.batched, report.Batched)

			require.Len(report.Attempts, 5)
			for i, a := range report.Attempts {
				require.Equal(i, a.Index)
				if i == 2 {
					kind, ok := txerr.KindOf(a.Err)
					require.True(ok)
					require.Equal(txerr.Transport, kind)
					continue
				}
				require.NoError(a.Err)
				require.NotNil(a.Result)
			}
			require.Equal(4, report.Succeeded())
			require.ErrorIs(report.Err(), txerr.ErrTransport)

			count, ok := h.net.Count(ledger.Rollup)
			require.True(ok)
			require.Equal(uint64(4), count)

			// Every submission is a distinct transaction.
			ids := set.Set[chain.Signature]{}
			for _, tx := range h.net.Rollup.Submitted() {
				ids.Add(tx.ID())
			}
			require.Equal(4, ids.Len())
			if tt.batched {
				anchors := set.Set[codec.Hash]{}
				for _, tx := range h.net.Rollup.Submitted() {
					anchors.Add(tx.Message.RecentBlockhash)
				}
				require.Equal(1, anchors.Len())
			}
		})
	}
}

func TestDriveDeclinedBatch(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	declining := auth.WithApproval(h.signer, func(context.Context, []*chain.Transaction) (bool, error) {
		return false, nil
	})
	c := h.client(Config{ConfirmEstimate: time.Millisecond}, declining)

	report, err := c.DriveRepeatedExecution(context.Background(), ledger.Rollup, 3, 0)
	require.NoError(err)
	require.Len(report.Attempts, 3)
	require.Zero(report.Succeeded())
	require.ErrorIs(report.Err(), txerr.ErrSignatureDeclined)
	require.Empty(h.net.Rollup.Submitted())
}

func TestDriveCancelled(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	c := h.client(Config{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	report, err := c.DriveRepeatedExecution(ctx, ledger.Rollup, 3, time.Hour)
	require.NoError(err)
	require.Len(report.Attempts, 3)
	require.NoError(report.Attempts[0].Err)
	require.ErrorIs(report.Attempts[1].Err, context.Canceled)
	require.ErrorIs(report.Attempts[2].Err, context.Canceled)
}

// stalling records what each send was anchored on. Its first batched send
// holds the clock for a full confirmation timeout.
type stalling struct {
	clock *clock.Mock

	mu      sync.Mutex
	sent    int
	expired int
	pinned  int
	submits int
}

func (s *stalling) Submit(_ context.Context, id ledger.ID, _ *program.Call, _ auth.Signer, opts pipeline.Options) (*pipeline.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submits++
	if opts.Anchor != nil {
		s.pinned++
	}
	return &pipeline.Result{Ledger: id}, nil
}

func (*stalling) Prepare(context.Context, ledger.ID, *program.Call, codec.Address, *blockhash.Anchor) (*chain.Transaction, error) {
	return &chain.Transaction{}, nil
}

func (*stalling) SignBatch(context.Context, []*chain.Transaction, auth.Signer) error {
	return nil
}

func (s *stalling) SendSigned(_ context.Context, id ledger.ID, _ *chain.Transaction, opts pipeline.Options) (*pipeline.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent++
	if !s.clock.Now().Before(opts.Anchor.Expiry) {
		s.expired++
	}
	if s.sent == 1 {
		s.clock.Add(30 * time.Second)
		return nil, txerr.New(txerr.ConfirmationTimeout, "not confirmed", nil)
	}
	return &pipeline.Result{Ledger: id}, nil
}

// fixedAnchor hands out one anchor valid for 20s from creation.
type fixedAnchor struct {
	clock  *clock.Mock
	anchor *blockhash.Anchor
}

func (f *fixedAnchor) Get(context.Context, ledger.ID) (*blockhash.Anchor, error) {
	return f.anchor, nil
}

func (f *fixedAnchor) Remaining(ledger.ID) time.Duration {
	if d := f.anchor.Expiry.Sub(f.clock.Now()); d > 0 {
		return d
	}
	return 0
}

func TestDriveStopsBatchWhenAnchorRunsOut(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	mock := clock.NewMock()
	mock.Set(time.UnixMilli(1_700_000_000_000))
	p := &stalling{clock: mock}
	anchors := &fixedAnchor{
		clock:  mock,
		anchor: &blockhash.Anchor{Ledger: ledger.Rollup, Expiry: mock.Now().Add(20 * time.Second)},
	}
	c := New(
		logging.NoLog{},
		Config{ConfirmEstimate: time.Second},
		h.prog,
		p,
		anchors,
		allow(ledger.Rollup),
		h.signer,
		WithClock(mock),
	)

	report, err := c.DriveRepeatedExecution(context.Background(), ledger.Rollup, 5, 0)
	require.NoError(err)
	require.False(report.Batched)
	require.Len(report.Attempts, 5)
	require.True(txerr.IsAmbiguous(report.Attempts[0].Err))
	require.Equal(4, report.Succeeded())

	require.Equal(1, p.sent)
	require.Zero(p.expired)
	require.Equal(4, p.submits)
	require.Zero(p.pinned)
}

func TestDriveRespectsGuard(t *testing.T) {
	t.Run("refused from the start", func(t *testing.T) {
		require := require.New(t)
		h := newHarness(t)
		c := New(logging.NoLog{}, Config{ConfirmEstimate: time.Millisecond}, h.prog, h.flaky, h.cache, allow(ledger.Base), h.signer)

		report, err := c.DriveRepeatedExecution(context.Background(), ledger.Rollup, 3, 0)
		require.NoError(err)
		require.False(report.Batched)
		require.Len(report.Attempts, 3)
		for _, a := range report.Attempts {
			require.ErrorIs(a.Err, errRefused)
		}
		require.Empty(h.net.Rollup.Submitted())
	})

	t.Run("refused mid drive", func(t *testing.T) {
		require := require.New(t)
		h := newHarness(t)
		g := allow(ledger.Rollup)
		// One check before batching, then one per attempt.
		g.after = 3
		c := New(logging.NoLog{}, Config{ConfirmEstimate: time.Millisecond}, h.prog, h.flaky, h.cache, g, h.signer)

		report, err := c.DriveRepeatedExecution(context.Background(), ledger.Rollup, 4, 0)
		require.NoError(err)
		require.True(report.Batched)
		require.Equal(2, report.Succeeded())
		require.NoError(report.Attempts[1].Err)
		require.ErrorIs(report.Attempts[2].Err, errRefused)
		require.ErrorIs(report.Attempts[3].Err, errRefused)
		require.Len(h.net.Rollup.Submitted(), 2)
	})
}

func TestRequestAutonomousExecutionRespectsGuard(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	c := New(logging.NoLog{}, Config{}, h.prog, h.flaky, h.cache, allow(ledger.Base), h.signer)

	_, _, err := c.RequestAutonomousExecution(context.Background(), ledger.Rollup, Schedule{
		Interval:   time.Second,
		Iterations: 1,
	})
	require.ErrorIs(err, errRefused)
	require.Empty(h.net.Rollup.Submitted())
	require.Empty(h.net.Tasks())
}

func TestDriveInvalid(t *testing.T) {
	h := newHarness(t)
	c := h.client(Config{}, nil)
	_, err := c.DriveRepeatedExecution(context.Background(), ledger.Rollup, 0, time.Second)
	require.ErrorIs(t, err, ErrInvalidDrive)
}

func TestRequestAutonomousExecution(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	c := h.client(Config{}, nil)
	ctx := context.Background()

	s, res, err := c.RequestAutonomousExecution(ctx, ledger.Rollup, Schedule{
		Interval:   100 * time.Millisecond,
		Iterations: 3,
	})
	require.NoError(err)
	require.NotZero(s.TaskID)
	require.Equal(ledger.Rollup, res.Ledger)

	tasks := h.net.Tasks()
	require.Len(tasks, 1)
	require.Equal(program.ScheduleIncrementArgs{
		TaskID:                  s.TaskID,
		ExecutionIntervalMillis: 100,
		Iterations:              3,
	}, tasks[0])
	count, _ := h.net.Count(ledger.Rollup)
	require.Equal(uint64(3), count)

	// Reusing an outstanding id is refused by the ledger.
	_, _, err = c.RequestAutonomousExecution(ctx, ledger.Rollup, s)
	require.ErrorIs(err, txerr.ErrExecutionFailed)
}

func TestRequestAutonomousExecutionValidation(t *testing.T) {
	tests := []struct {
		name     string
		schedule Schedule
	}{
		{"zero iterations", Schedule{Interval: time.Second}},
		{"sub-millisecond interval", Schedule{Interval: time.Microsecond, Iterations: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require := require.New(t)
			h := newHarness(t)
			c := h.client(Config{}, nil)

			_, _, err := c.RequestAutonomousExecution(context.Background(), ledger.Rollup, tt.schedule)
			require.ErrorIs(err, txerr.ErrBuild)
			require.ErrorIs(err, ErrInvalidSchedule)
			require.Empty(h.net.Rollup.Submitted())
		})
	}
}

func TestNewTaskIDUnique(t *testing.T) {
	require := require.New(t)
	h := newHarness(t)
	mock := clock.NewMock()
	mock.Set(time.UnixMilli(1_700_000_000_000))
	c := New(logging.NoLog{}, Config{}, h.prog, h.flaky, h.cache, allow(ledger.Rollup), h.signer, WithClock(mock))

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = set.Set[uint64]{}
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				id := c.NewTaskID()
				mu.Lock()
				ids.Add(id)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(800, ids.Len())

	first := c.NewTaskID()
	mock.Add(time.Millisecond)
	require.Greater(c.NewTaskID(), first)
}
