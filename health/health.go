// Copyright (C) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package health tracks whether each ledger endpoint answers. It does not
// poll: probes run at startup and on demand, and synchronizers report
// persistent failures back.
package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ava-labs/avalanchego/utils/logging"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"github.com/ava-labs/rollupcounter/ledger"
	"github.com/ava-labs/rollupcounter/rpc"
	"github.com/ava-labs/rollupcounter/synchronizer"
)

const DefaultProbeTimeout = 5 * time.Second

var (
	ErrUnknownLedger = errors.New("unknown ledger")
	ErrUnreachable   = errors.New("unreachable")
)

var _ synchronizer.Reporter = (*Monitor)(nil)

type Status uint32

const (
	Unknown Status = iota
	Connected
	Unreachable
)

func (s Status) String() string {
	switch s {
	case Connected:
		return "Connected"
	case Unreachable:
		return "Unreachable"
	default:
		return "Unknown"
	}
}

// Prober performs the round trip used as a liveness check.
type Prober interface {
	LatestBlockhash(ctx context.Context) (*rpc.LatestBlockhashReply, error)
}

type endpoint struct {
	prober Prober
	status *atomic.Uint32
}

type Monitor struct {
	log     logging.Logger
	timeout time.Duration
	ledgers map[ledger.ID]*endpoint

	hooksL sync.Mutex
	hooks  []func(ledger.ID)
}

func New(log logging.Logger, probers map[ledger.ID]Prober, timeout time.Duration) *Monitor {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	m := &Monitor{
		log:     log,
		timeout: timeout,
		ledgers: make(map[ledger.ID]*endpoint, len(probers)),
	}
	for id, p := range probers {
		m.ledgers[id] = &endpoint{prober: p, status: atomic.NewUint32(uint32(Unknown))}
	}
	return m
}

// OnReachable registers [f] to run every time a ledger turns Connected.
func (m *Monitor) OnReachable(f func(ledger.ID)) {
	m.hooksL.Lock()
	defer m.hooksL.Unlock()
	m.hooks = append(m.hooks, f)
}

// Check probes [id] once, without retrying, and records the outcome.
func (m *Monitor) Check(ctx context.Context, id ledger.ID) (Status, error) {
	e, ok := m.ledgers[id]
	if !ok {
		return Unknown, fmt.Errorf("%w: %s", ErrUnknownLedger, id)
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	if _, err := e.prober.LatestBlockhash(ctx); err != nil {
		m.set(id, Unreachable)
		return Unreachable, fmt.Errorf("%w: %s: %w", ErrUnreachable, id, err)
	}
	m.set(id, Connected)
	return Connected, nil
}

// CheckAll probes every ledger concurrently. The error joins the failures;
// the report is complete either way.
func (m *Monitor) CheckAll(ctx context.Context) (Report, error) {
	var (
		g     errgroup.Group
		errsL sync.Mutex
		errs  []error
	)
	for _, id := range m.Ledgers() {
		id := id
		g.Go(func() error {
			_, err := m.Check(ctx, id)
			if err != nil {
				errsL.Lock()
				errs = append(errs, err)
				errsL.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return m.Report(), errors.Join(errs...)
}

func (m *Monitor) Ledgers() []ledger.ID {
	ids := maps.Keys(m.ledgers)
	slices.Sort(ids)
	return ids
}

func (m *Monitor) Status(id ledger.ID) Status {
	e, ok := m.ledgers[id]
	if !ok {
		return Unknown
	}
	return Status(e.status.Load())
}

func (m *Monitor) Reachable(id ledger.ID) bool {
	return m.Status(id) == Connected
}

// Report returns the current status of every ledger.
func (m *Monitor) Report() Report {
	report := make(Report, len(m.ledgers))
	for id := range m.ledgers {
		report[id] = m.Status(id)
	}
	return report
}

// ReportReachable records an outcome observed outside of a probe.
func (m *Monitor) ReportReachable(id ledger.ID, reachable bool) {
	if _, ok := m.ledgers[id]; !ok {
		return
	}
	if reachable {
		m.set(id, Connected)
		return
	}
	m.set(id, Unreachable)
}

func (m *Monitor) set(id ledger.ID, status Status) {
	prev := Status(m.ledgers[id].status.Swap(uint32(status)))
	if prev == status {
		return
	}
	switch status {
	case Connected:
		m.log.Info("ledger connected", zap.Stringer("ledger", id))
	case Unreachable:
		m.log.Warn("ledger unreachable", zap.Stringer("ledger", id))
	}
	if status != Connected {
		return
	}
	m.hooksL.Lock()
	hooks := append([]func(ledger.ID){}, m.hooks...)
	m.hooksL.Unlock()
	for _, f := range hooks {
		f(id)
	}
}

// Report maps each ledger to its last known status.
type Report map[ledger.ID]Status

func (r Report) AllConnected() bool {
	for _, s := range r {
		if s != Connected {
			return false
		}
	}
	return len(r) > 0
}
