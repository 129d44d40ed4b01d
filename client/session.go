// Copyright (C) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package client wires every component around one counter account.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ava-labs/avalanchego/trace"
	"github.com/ava-labs/avalanchego/utils/logging"
	"github.com/neilotoole/errgroup"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ava-labs/rollupcounter/auth"
	"github.com/ava-labs/rollupcounter/blockhash"
	"github.com/ava-labs/rollupcounter/config"
	"github.com/ava-labs/rollupcounter/crank"
	"github.com/ava-labs/rollupcounter/delegation"
	"github.com/ava-labs/rollupcounter/health"
	"github.com/ava-labs/rollupcounter/ledger"
	"github.com/ava-labs/rollupcounter/pipeline"
	"github.com/ava-labs/rollupcounter/program"
	"github.com/ava-labs/rollupcounter/rpc"
	"github.com/ava-labs/rollupcounter/synchronizer"

	rctrace "github.com/ava-labs/rollupcounter/trace"
)

var ErrClosed = errors.New("session closed")

// Session owns one counter: its address is derived once and every
// component shares the same cache, pipeline and views.
type Session struct {
	log    logging.Logger
	config *config.Config
	tracer trace.Tracer

	Registry *prometheus.Registry
	Program  *program.CounterProgram
	Signer   auth.Signer
	Clients  map[ledger.ID]*rpc.Client
	Anchors  *blockhash.Cache
	Pipeline *pipeline.Pipeline
	Syncs    map[ledger.ID]*synchronizer.Synchronizer
	Monitor  *health.Monitor
	Machine  *delegation.Machine
	Crank    *crank.Client

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(log logging.Logger, cfg *config.Config, signer auth.Signer) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	programID, err := cfg.ProgramID()
	if err != nil {
		return nil, err
	}
	prog, err := program.New(programID)
	if err != nil {
		return nil, err
	}
	tracer, err := rctrace.New(cfg.Trace)
	if err != nil {
		return nil, fmt.Errorf("failed to create tracer: %w", err)
	}

	s := &Session{
		log:      log,
		config:   cfg,
		tracer:   tracer,
		Registry: prometheus.NewRegistry(),
		Program:  prog,
		Signer:   signer,
		Clients:  make(map[ledger.ID]*rpc.Client, len(ledger.All)),
		Syncs:    make(map[ledger.ID]*synchronizer.Synchronizer, len(ledger.All)),
	}

	var (
		sources = make(map[ledger.ID]blockhash.Source, len(ledger.All))
		windows = make(map[ledger.ID]blockhash.Window, len(ledger.All))
		senders = make(map[ledger.ID]pipeline.Client, len(ledger.All))
		probers = make(map[ledger.ID]health.Prober, len(ledger.All))
	)
	for _, id := range ledger.All {
		c := rpc.NewClient(cfg.Ledger(id).RPC, rpc.WithCommitment(cfg.Commitment))
		s.Clients[id] = c
		sources[id] = c
		windows[id] = cfg.Ledger(id).Blockhash
		senders[id] = c
		probers[id] = c
	}

	s.Anchors, err = blockhash.New(log, s.Registry, sources, windows)
	if err != nil {
		return nil, err
	}
	pcfg := cfg.Pipeline
	pcfg.Commitment = cfg.Commitment
	s.Pipeline, err = pipeline.New(log, tracer, s.Registry, pcfg, s.Anchors, senders)
	if err != nil {
		return nil, err
	}

	metrics, err := synchronizer.NewMetrics(s.Registry)
	if err != nil {
		return nil, err
	}
	s.Monitor = health.New(log, probers, cfg.ProbeTimeout)
	views := make(map[ledger.ID]delegation.View, len(ledger.All))
	for _, id := range ledger.All {
		l := cfg.Ledger(id)
		syncer := synchronizer.New(log, metrics, synchronizer.Config{
			Ledger:               id,
			Account:              prog.CounterAddress(),
			WS:                   l.WS,
			Commitment:           cfg.Commitment,
			PollInterval:         l.PollInterval,
			UnreachableThreshold: cfg.UnreachableThreshold,
			Decode:               program.DecodeCounter,
		}, s.Clients[id])
		syncer.SetReporter(s.Monitor)
		s.Syncs[id] = syncer
		views[id] = syncer
	}
	// Pulls only run against endpoints known to answer.
	s.Monitor.OnReachable(func(id ledger.ID) {
		if syncer, ok := s.Syncs[id]; ok {
			syncer.Arm()
		}
	})

	s.Machine, err = delegation.New(log, cfg.Delegation, prog, s.Pipeline, signer, views)
	if err != nil {
		return nil, err
	}
	s.Crank = crank.New(log, cfg.Crank, prog, s.Pipeline, s.Anchors, s.Machine, signer)
	return s, nil
}

func (s *Session) Config() *config.Config {
	return s.config
}

func (s *Session) Log() logging.Logger {
	return s.log
}

// Start probes both endpoints, starts observing the counter and derives
// the phase from what the ledgers hold. The session keeps running until
// Close even if [ctx] ends.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	report, err := s.Monitor.CheckAll(ctx)
	for id, status := range report {
		s.log.Info("endpoint checked",
			zap.Stringer("ledger", id),
			zap.Stringer("status", status),
		)
	}
	if err != nil {
		s.log.Warn("endpoint unreachable at startup", zap.Error(err))
	}

	go func() {
		defer close(s.done)
		s.Machine.Follow(runCtx)
	}()

	phase, err := s.Machine.Reconcile(ctx)
	if err != nil {
		return fmt.Errorf("failed to derive phase: %w", err)
	}
	s.log.Info("session started",
		zap.Stringer("counter", s.Program.CounterAddress()),
		zap.Stringer("phase", phase),
	)
	return nil
}

// Status is a point-in-time view of the counter on both ledgers.
type Status struct {
	Phase   delegation.Phase
	Health  health.Report
	Ledgers map[ledger.ID]synchronizer.Snapshot
}

// Status refreshes both ledgers concurrently. A ledger that cannot be read
// is left out and reported in the error; a failure on one ledger does not
// cancel the read of the other.
func (s *Session) Status(ctx context.Context) (*Status, error) {
	var (
		mu    sync.Mutex
		g     errgroup.Group
		snaps = make(map[ledger.ID]synchronizer.Snapshot, len(ledger.All))
		errs  = make([]error, len(ledger.All))
	)
	for i, id := range ledger.All {
		i, id := i, id
		g.Go(func() error {
			snap, err := s.Syncs[id].Refresh(ctx)
			if err != nil {
				errs[i] = err
				return err
			}
			mu.Lock()
			snaps[id] = snap
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	status := &Status{
		Phase:   s.Machine.Phase(),
		Health:  s.Monitor.Report(),
		Ledgers: snaps,
	}
	if err != nil {
		return status, errors.Join(errs...)
	}
	return status, nil
}

// Close stops observation and releases every component.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	for _, syncer := range s.Syncs {
		syncer.Close()
	}
	return errors.Join(s.Machine.Close(), s.tracer.Close())
}
