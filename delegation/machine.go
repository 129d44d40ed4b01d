// Copyright (C) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package delegation tracks which ledger owns the counter and gates every
// mutation on it. The phase only moves forward on observed owners; a failed
// submission restores the phase it started from unless its outcome is
// ambiguous.
package delegation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ava-labs/avalanchego/utils/logging"
	"go.uber.org/zap"

	"github.com/ava-labs/rollupcounter/auth"
	"github.com/ava-labs/rollupcounter/event"
	"github.com/ava-labs/rollupcounter/ledger"
	"github.com/ava-labs/rollupcounter/pipeline"
	"github.com/ava-labs/rollupcounter/program"
	"github.com/ava-labs/rollupcounter/synchronizer"
	"github.com/ava-labs/rollupcounter/txerr"
)

const DefaultSyncTimeout = 20 * time.Second

var (
	// ErrInFlight is returned, without side effects, when a delegate or
	// undelegate is requested while a transition is pending.
	ErrInFlight = errors.New("transition in flight")
	// ErrWrongPhase is returned when the phase forbids the operation.
	ErrWrongPhase = errors.New("operation not allowed in phase")
	// ErrSyncPending is returned with a confirmed result when the target
	// ledger has not shown the new owner within the sync timeout.
	ErrSyncPending = errors.New("sync pending")

	ErrAlreadyInitialized = errors.New("counter already initialized")
	ErrMissingView        = errors.New("missing ledger view")
)

// Submitter runs a call through the transaction pipeline.
type Submitter interface {
	Submit(ctx context.Context, id ledger.ID, call *program.Call, signer auth.Signer, opts pipeline.Options) (*pipeline.Result, error)
}

// View is the synchronized state of the counter on one ledger.
type View interface {
	Latest() (synchronizer.Snapshot, bool)
	Refresh(ctx context.Context) (synchronizer.Snapshot, error)
	Wait(ctx context.Context, pred func(synchronizer.Snapshot) bool) (synchronizer.Snapshot, error)
	Observe(ctx context.Context) <-chan synchronizer.Snapshot
}

type Config struct {
	// SyncTimeout bounds how long a confirmed transition waits for the
	// target ledger to show the new owner.
	SyncTimeout time.Duration `yaml:"syncTimeout" json:"syncTimeout"`
}

type Machine struct {
	log       logging.Logger
	config    Config
	program   *program.CounterProgram
	submitter Submitter
	signer    auth.Signer
	views     map[ledger.ID]View

	mu    sync.Mutex
	phase Phase
	feed  event.Feed[Transition]
}

func New(
	log logging.Logger,
	config Config,
	prog *program.CounterProgram,
	submitter Submitter,
	signer auth.Signer,
	views map[ledger.ID]View,
) (*Machine, error) {
	for _, id := range ledger.All {
		if views[id] == nil {
			return nil, fmt.Errorf("%w: %s", ErrMissingView, id)
		}
	}
	if config.SyncTimeout <= 0 {
		config.SyncTimeout = DefaultSyncTimeout
	}
	return &Machine{
		log:       log,
		config:    config,
		program:   prog,
		submitter: submitter,
		signer:    signer,
		views:     views,
		phase:     Undelegated,
	}, nil
}

func (m *Machine) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Subscribe registers [sub] for every transition. Subscribers must not call
// back into the machine from Accept.
func (m *Machine) Subscribe(sub event.Subscription[Transition]) func() error {
	return m.feed.Subscribe(sub)
}

// Close closes every transition subscription.
func (m *Machine) Close() error {
	return m.feed.Close()
}

// CanMutate reports whether an increment on [id] is allowed right now.
func (m *Machine) CanMutate(id ledger.ID) error {
	phase := m.Phase()
	if target, ok := phase.Mutable(); !ok || target != id {
		return fmt.Errorf("%w: increment on %s while %s", ErrWrongPhase, id, phase)
	}
	return nil
}

// Increment submits an increment on [id] if the phase allows it.
func (m *Machine) Increment(ctx context.Context, id ledger.ID) (*pipeline.Result, error) {
	if err := m.CanMutate(id); err != nil {
		return nil, err
	}
	return m.submitter.Submit(ctx, id, m.program.Increment(), m.signer, pipeline.Options{})
}

// Initialize creates the counter on the base ledger.
func (m *Machine) Initialize(ctx context.Context) (*pipeline.Result, error) {
	if phase := m.Phase(); phase != Undelegated {
		return nil, fmt.Errorf("%w: initialize while %s", ErrWrongPhase, phase)
	}
	snap, err := m.views[ledger.Base].Refresh(ctx)
	if err != nil {
		return nil, txerr.New(txerr.Transport, "failed to read counter", err)
	}
	if snap.Found {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyInitialized, snap.Account)
	}
	return m.submitter.Submit(ctx, ledger.Base, m.program.Initialize(), m.signer, pipeline.Options{})
}

// Delegate moves the counter to the rollup. It returns ErrInFlight if a
// transition is pending and ErrSyncPending, along with the confirmed
// result, if the rollup has not picked the counter up in time.
func (m *Machine) Delegate(ctx context.Context) (*pipeline.Result, error) {
	return m.transition(ctx, step{
		from:   Undelegated,
		via:    DelegatingInFlight,
		to:     Delegated,
		submit: ledger.Base,
		call:   m.program.Delegate(),
		target: ledger.Rollup,
	})
}

// Undelegate commits the counter back to the base ledger.
func (m *Machine) Undelegate(ctx context.Context) (*pipeline.Result, error) {
	return m.transition(ctx, step{
		from:   Delegated,
		via:    UndelegatingInFlight,
		to:     Undelegated,
		submit: ledger.Rollup,
		call:   m.program.Undelegate(),
		target: ledger.Base,
	})
}

type step struct {
	from, via, to Phase
	submit        ledger.ID
	call          *program.Call
	// target shows the counter owned by the program once the step lands.
	target ledger.ID
}

func (m *Machine) transition(ctx context.Context, s step) (*pipeline.Result, error) {
	m.mu.Lock()
	switch {
	case m.phase.InFlight():
		phase := m.phase
		m.mu.Unlock()
		m.log.Info("ignoring request while transition in flight",
			zap.String("call", s.call.Name),
			zap.Stringer("phase", phase),
		)
		return nil, fmt.Errorf("%w: %s", ErrInFlight, phase)
	case m.phase != s.from:
		phase := m.phase
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s while %s", ErrWrongPhase, s.call.Name, phase)
	}
	m.setLocked(s.via, s.call.Name+" submitted")
	m.mu.Unlock()

	res, err := m.submitter.Submit(ctx, s.submit, s.call, m.signer, pipeline.Options{})
	if err != nil {
		if txerr.IsAmbiguous(err) {
			m.log.Warn("transition outcome unknown",
				zap.String("call", s.call.Name),
				zap.Stringer("phase", s.via),
				zap.Error(err),
			)
			return nil, err
		}
		m.advance(s.via, s.from, s.call.Name+" failed")
		return nil, err
	}

	wctx, cancel := context.WithTimeout(ctx, m.config.SyncTimeout)
	defer cancel()
	view := m.views[s.target]
	if _, err := view.Refresh(wctx); err != nil {
		m.log.Debug("failed to refresh target", zap.Stringer("ledger", s.target), zap.Error(err))
	}
	_, err = view.Wait(wctx, func(snap synchronizer.Snapshot) bool {
		return snap.OwnedBy(m.program.ID())
	})
	if err != nil {
		m.log.Warn("sync pending",
			zap.String("call", s.call.Name),
			zap.Stringer("ledger", s.target),
			zap.Duration("timeout", m.config.SyncTimeout),
		)
		return res, fmt.Errorf("%w: %s not yet owned by the program on %s", ErrSyncPending, m.program.CounterAddress(), s.target)
	}
	m.advance(s.via, s.to, s.call.Name+" synced")
	return res, nil
}

// Reconcile re-reads the counter on both ledgers and adopts the phase their
// owners imply.
func (m *Machine) Reconcile(ctx context.Context) (Phase, error) {
	base, err := m.views[ledger.Base].Refresh(ctx)
	if err != nil {
		return m.Phase(), fmt.Errorf("failed to reconcile: %w", err)
	}
	rollup, err := m.views[ledger.Rollup].Refresh(ctx)
	if err != nil {
		return m.Phase(), fmt.Errorf("failed to reconcile: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	next := derive(m.phase, m.program.ID(), base, rollup)
	if next != m.phase {
		m.setLocked(next, "reconciled")
	}
	return next, nil
}

// Follow completes pending transitions from pushed snapshots until [ctx]
// ends. It never moves a phase backwards.
func (m *Machine) Follow(ctx context.Context) {
	baseC := m.views[ledger.Base].Observe(ctx)
	rollupC := m.views[ledger.Rollup].Observe(ctx)
	for baseC != nil || rollupC != nil {
		select {
		case _, ok := <-baseC:
			if !ok {
				baseC = nil
				continue
			}
		case _, ok := <-rollupC:
			if !ok {
				rollupC = nil
				continue
			}
		}
		m.follow()
	}
}

func (m *Machine) follow() {
	base, _ := m.views[ledger.Base].Latest()
	rollup, _ := m.views[ledger.Rollup].Latest()

	m.mu.Lock()
	defer m.mu.Unlock()
	next := derive(m.phase, m.program.ID(), base, rollup)
	switch {
	case m.phase == DelegatingInFlight && next == Delegated:
	case m.phase == UndelegatingInFlight && next == Undelegated:
	default:
		return
	}
	m.setLocked(next, "observed")
}

// advance moves from [from] to [to] unless something else already moved
// the phase.
func (m *Machine) advance(from, to Phase, reason string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != from {
		return false
	}
	m.setLocked(to, reason)
	return true
}

func (m *Machine) setLocked(to Phase, reason string) {
	t := Transition{From: m.phase, To: to, Reason: reason}
	m.phase = to
	m.log.Info("phase transition",
		zap.Stringer("from", t.From),
		zap.Stringer("to", t.To),
		zap.String("reason", reason),
	)
	if err := m.feed.Publish(context.Background(), t); err != nil {
		m.log.Warn("transition subscriber failed", zap.Error(err))
	}
}
