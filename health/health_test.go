// Copyright (C) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ava-labs/avalanchego/utils/logging"
	"github.com/stretchr/testify/require"

	"github.com/ava-labs/rollupcounter/ledger"
	"github.com/ava-labs/rollupcounter/ledgertest"
	"github.com/ava-labs/rollupcounter/rpc"
)

func newMonitor(t *testing.T) (*Monitor, *ledgertest.Ledger, *ledgertest.Ledger) {
	base, rollup := ledgertest.New(), ledgertest.New()
	t.Cleanup(base.Close)
	t.Cleanup(rollup.Close)
	m := New(logging.NoLog{}, map[ledger.ID]Prober{
		ledger.Base:   rpc.NewClient(base.URL()),
		ledger.Rollup: rpc.NewClient(rollup.URL()),
	}, time.Second)
	return m, base, rollup
}

func TestCheck(t *testing.T) {
	require := require.New(t)
	m, base, _ := newMonitor(t)
	ctx := context.Background()

	require.Equal(Unknown, m.Status(ledger.Base))

	status, err := m.Check(ctx, ledger.Base)
	require.NoError(err)
	require.Equal(Connected, status)
	require.True(m.Reachable(ledger.Base))
	require.Equal(1, base.Calls(rpc.MethodGetLatestBlockhash))

	base.SetDown(true)
	status, err = m.Check(ctx, ledger.Base)
	require.ErrorIs(err, ErrUnreachable)
	require.Equal(Unreachable, status)
	require.False(m.Reachable(ledger.Base))

	_, err = m.Check(ctx, ledger.ID(9))
	require.ErrorIs(err, ErrUnknownLedger)
}

func TestCheckAll(t *testing.T) {
	require := require.New(t)
	m, _, rollup := newMonitor(t)

	report, err := m.CheckAll(context.Background())
	require.NoError(err)
	require.True(report.AllConnected())
	require.Equal([]ledger.ID{ledger.Base, ledger.Rollup}, m.Ledgers())

	rollup.SetDown(true)
	report, err = m.CheckAll(context.Background())
	require.ErrorIs(err, ErrUnreachable)
	require.False(report.AllConnected())
	require.Equal(Connected, report[ledger.Base])
	require.Equal(Unreachable, report[ledger.Rollup])
	require.Equal(report, m.Report())
}

type recorder struct {
	mu  sync.Mutex
	ids []ledger.ID
}

func (r *recorder) record(id ledger.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
}

func TestOnReachableFiresOnTransitions(t *testing.T) {
	require := require.New(t)
	m, base, _ := newMonitor(t)
	r := &recorder{}
	m.OnReachable(r.record)
	ctx := context.Background()

	_, err := m.Check(ctx, ledger.Base)
	require.NoError(err)
	_, err = m.Check(ctx, ledger.Base)
	require.NoError(err)
	require.Equal([]ledger.ID{ledger.Base}, r.ids)

	base.SetDown(true)
	_, err = m.Check(ctx, ledger.Base)
	require.Error(err)
	base.SetDown(false)
	_, err = m.Check(ctx, ledger.Base)
	require.NoError(err)
	require.Equal([]ledger.ID{ledger.Base, ledger.Base}, r.ids)
}

func TestReportReachable(t *testing.T) {
	require := require.New(t)
	m, _, _ := newMonitor(t)
	r := &recorder{}
	m.OnReachable(r.record)

	m.ReportReachable(ledger.Rollup, false)
	require.Equal(Unreachable, m.Status(ledger.Rollup))
	require.Empty(r.ids)

	m.ReportReachable(ledger.Rollup, true)
	require.Equal(Connected, m.Status(ledger.Rollup))
	require.Equal([]ledger.ID{ledger.Rollup}, r.ids)

	// Unknown ledgers are ignored.
	m.ReportReachable(ledger.ID(7), true)
	require.Equal(Unknown, m.Status(ledger.ID(7)))
}
