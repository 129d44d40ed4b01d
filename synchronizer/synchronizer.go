// Copyright (C) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package synchronizer keeps one latest snapshot of an account on a ledger,
// fed by a push subscription and a periodic pull. Both channels write the
// same slot; older ledger slots never overwrite newer ones.
package synchronizer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ava-labs/avalanchego/utils/logging"
	"github.com/jpillora/backoff"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/ava-labs/rollupcounter/codec"
	"github.com/ava-labs/rollupcounter/ledger"
	"github.com/ava-labs/rollupcounter/rpc"
)

const (
	fetchTimeout       = 10 * time.Second
	unsubscribeTimeout = 2 * time.Second
	minReconnectDelay  = 100 * time.Millisecond
	maxReconnectDelay  = 10 * time.Second
)

// Fetcher reads an account and the slot it was read at. A missing account
// is a nil account, not an error.
type Fetcher interface {
	AccountInfo(ctx context.Context, addr codec.Address) (*rpc.Account, uint64, error)
}

// Reporter is told when the ledger becomes unreachable for this
// synchronizer and when it recovers.
type Reporter interface {
	ReportReachable(id ledger.ID, reachable bool)
}

type Config struct {
	Ledger  ledger.ID
	Account codec.Address
	// WS is the push endpoint. Push is disabled when empty.
	WS         string
	Commitment string

	PollInterval time.Duration
	// UnreachableThreshold consecutive failed pulls mark the ledger
	// unreachable.
	UnreachableThreshold int

	Decode Decoder
}

type Synchronizer struct {
	log     logging.Logger
	metrics *Metrics
	config  Config
	fetcher Fetcher
	label   string

	armed    *atomic.Bool
	kick     chan struct{}
	reporter Reporter

	mu        sync.Mutex
	latest    Snapshot
	observed  bool
	changed   chan struct{}
	observers map[*observer]struct{}
	cancel    context.CancelFunc
	done      chan struct{}
	closed    bool
	closing   chan struct{}

	pullMu      sync.Mutex
	failures    int
	unreachable *atomic.Bool
}

type observer struct {
	ch chan Snapshot
}

func New(log logging.Logger, metrics *Metrics, config Config, fetcher Fetcher) *Synchronizer {
	return &Synchronizer{
		log:         log,
		metrics:     metrics,
		config:      config,
		fetcher:     fetcher,
		label:       config.Ledger.String(),
		armed:       atomic.NewBool(false),
		unreachable: atomic.NewBool(false),
		kick:        make(chan struct{}, 1),
		changed:     make(chan struct{}),
		observers:   make(map[*observer]struct{}),
		closing:     make(chan struct{}),
	}
}

func (s *Synchronizer) Ledger() ledger.ID {
	return s.config.Ledger
}

// SetReporter must be called before the first Observe.
func (s *Synchronizer) SetReporter(r Reporter) {
	s.reporter = r
}

// Arm enables the pull channel and triggers an immediate fetch.
func (s *Synchronizer) Arm() {
	if s.armed.Swap(true) {
		return
	}
	s.log.Debug("synchronizer armed", zap.Stringer("ledger", s.config.Ledger))
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Synchronizer) Disarm() {
	s.armed.Store(false)
}

func (s *Synchronizer) Armed() bool {
	return s.armed.Load()
}

// Latest returns the current snapshot and whether anything has been
// observed yet.
func (s *Synchronizer) Latest() (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest, s.observed
}

// Unreachable reports whether repeated pulls have failed.
func (s *Synchronizer) Unreachable() bool {
	return s.unreachable.Load()
}

// Running reports whether the push and pull channels are active.
func (s *Synchronizer) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// Observe returns a stream of snapshots that always holds the latest one.
// The channels start with the first observer and stop when the last
// observer's [ctx] ends or on Close; the returned channel is then closed.
func (s *Synchronizer) Observe(ctx context.Context) <-chan Snapshot {
	o := &observer{ch: make(chan Snapshot, 1)}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(o.ch)
		return o.ch
	}
	s.observers[o] = struct{}{}
	if s.observed {
		o.ch <- s.latest
	}
	if s.cancel == nil {
		s.startLocked()
	}
	s.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			s.removeObserver(o)
		case <-s.closing:
		}
	}()
	return o.ch
}

func (s *Synchronizer) startLocked() {
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.pullLoop(runCtx)
	}()
	if s.config.WS != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.pushLoop(runCtx)
		}()
	}
	go func() {
		wg.Wait()
		close(done)
	}()
	s.log.Debug("synchronizer started",
		zap.Stringer("ledger", s.config.Ledger),
		zap.Stringer("account", s.config.Account),
	)
}

func (s *Synchronizer) removeObserver(o *observer) {
	s.mu.Lock()
	if _, ok := s.observers[o]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.observers, o)
	close(o.ch)
	if len(s.observers) > 0 {
		s.mu.Unlock()
		return
	}
	done := s.stopLocked()
	s.mu.Unlock()
	<-done
}

// stopLocked cancels both channels and returns a channel closed once they
// have exited.
func (s *Synchronizer) stopLocked() <-chan struct{} {
	if s.cancel == nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	s.cancel()
	s.cancel = nil
	s.log.Debug("synchronizer stopped", zap.Stringer("ledger", s.config.Ledger))
	return s.done
}

// Close ends every observation and waits for teardown.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.closing)
	}
	for o := range s.observers {
		delete(s.observers, o)
		close(o.ch)
	}
	done := s.stopLocked()
	s.mu.Unlock()
	<-done
}

// Refresh fetches the account once and applies the result.
func (s *Synchronizer) Refresh(ctx context.Context) (Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()
	acct, slot, err := s.fetcher.AccountInfo(ctx, s.config.Account)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to fetch %s on %s: %w", s.config.Account, s.config.Ledger, err)
	}
	snap := newSnapshot(s.config.Ledger, s.config.Account, slot, acct, s.config.Decode)
	if s.apply(snap) {
		s.metrics.pullUpdates.WithLabelValues(s.label).Inc()
	}
	latest, _ := s.Latest()
	return latest, nil
}

// apply stores [snap] unless a newer slot has already been applied. Slot 0
// is unknown and always applied.
func (s *Synchronizer) apply(snap Snapshot) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.observed && snap.Slot != 0 && snap.Slot < s.latest.Slot {
		s.metrics.staleDrops.WithLabelValues(s.label).Inc()
		s.log.Debug("dropping stale snapshot",
			zap.Stringer("ledger", s.config.Ledger),
			zap.Uint64("slot", snap.Slot),
			zap.Uint64("applied", s.latest.Slot),
		)
		return false
	}
	s.latest = snap
	s.observed = true
	close(s.changed)
	s.changed = make(chan struct{})
	for o := range s.observers {
		select {
		case <-o.ch:
		default:
		}
		o.ch <- snap
	}
	return true
}

// Wait blocks until the latest snapshot satisfies [pred] or [ctx] ends, in
// which case the last snapshot seen is returned with the context error.
func (s *Synchronizer) Wait(ctx context.Context, pred func(Snapshot) bool) (Snapshot, error) {
	for {
		s.mu.Lock()
		snap, ok, changed := s.latest, s.observed, s.changed
		s.mu.Unlock()
		if ok && pred(snap) {
			return snap, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return snap, ctx.Err()
		}
	}
}

func (s *Synchronizer) pullLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	if s.armed.Load() {
		s.pull(ctx)
	}
	for {
		select {
		case <-ticker.C:
		case <-s.kick:
		case <-ctx.Done():
			return
		}
		if s.armed.Load() {
			s.pull(ctx)
		}
	}
}

func (s *Synchronizer) pull(ctx context.Context) {
	s.pullMu.Lock()
	defer s.pullMu.Unlock()

	_, err := s.Refresh(ctx)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		s.metrics.pullFailures.WithLabelValues(s.label).Inc()
		s.failures++
		s.log.Warn("failed to pull snapshot",
			zap.Stringer("ledger", s.config.Ledger),
			zap.Int("consecutiveFailures", s.failures),
			zap.Error(err),
		)
		if !s.unreachable.Load() && s.failures >= s.config.UnreachableThreshold {
			s.unreachable.Store(true)
			s.log.Error("ledger unreachable", zap.Stringer("ledger", s.config.Ledger))
			s.report(false)
		}
		return
	}
	s.failures = 0
	if s.unreachable.Load() {
		s.unreachable.Store(false)
		s.log.Info("ledger reachable again", zap.Stringer("ledger", s.config.Ledger))
		s.report(true)
	}
}

func (s *Synchronizer) report(reachable bool) {
	if s.reporter != nil {
		s.reporter.ReportReachable(s.config.Ledger, reachable)
	}
}

func (s *Synchronizer) pushLoop(ctx context.Context) {
	b := &backoff.Backoff{
		Min:    minReconnectDelay,
		Max:    maxReconnectDelay,
		Factor: 2,
		Jitter: true,
	}
	for {
		subscribed, err := s.stream(ctx)
		if ctx.Err() != nil {
			return
		}
		if subscribed {
			b.Reset()
		}
		delay := b.Duration()
		s.metrics.reconnects.WithLabelValues(s.label).Inc()
		s.log.Warn("push stream interrupted",
			zap.Stringer("ledger", s.config.Ledger),
			zap.Duration("retryIn", delay),
			zap.Error(err),
		)
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// stream runs one subscription until it breaks or [ctx] ends. It reports
// whether the subscription was established.
func (s *Synchronizer) stream(ctx context.Context) (bool, error) {
	ws, err := rpc.DialWS(ctx, s.config.WS, s.log)
	if err != nil {
		return false, err
	}
	defer ws.Close()

	sub, err := ws.AccountSubscribe(ctx, s.config.Account, s.config.Commitment)
	if err != nil {
		return false, err
	}
	// Catch up on anything missed while disconnected.
	if _, err := s.Refresh(ctx); err != nil {
		s.log.Debug("catch-up fetch failed", zap.Stringer("ledger", s.config.Ledger), zap.Error(err))
	}
	for {
		select {
		case n, ok := <-sub.Notifications():
			if !ok {
				return true, ws.Err()
			}
			s.handle(ctx, n)
		case <-ctx.Done():
			uctx, cancel := context.WithTimeout(context.Background(), unsubscribeTimeout)
			_ = sub.Unsubscribe(uctx)
			cancel()
			return true, nil
		}
	}
}

func (s *Synchronizer) handle(ctx context.Context, n rpc.AccountNotification) {
	if n.Err != nil {
		s.metrics.decodeFallbacks.WithLabelValues(s.label).Inc()
		s.log.Debug("undecodable notification, fetching",
			zap.Stringer("ledger", s.config.Ledger),
			zap.Error(n.Err),
		)
		s.fallback(ctx)
		return
	}
	snap := newSnapshot(s.config.Ledger, s.config.Account, n.Slot, n.Account, s.config.Decode)
	if snap.Found && !snap.Decoded && s.config.Decode != nil {
		s.metrics.decodeFallbacks.WithLabelValues(s.label).Inc()
		s.log.Debug("undecodable account payload, fetching",
			zap.Stringer("ledger", s.config.Ledger),
			zap.Uint64("slot", n.Slot),
		)
		s.fallback(ctx)
		return
	}
	if s.apply(snap) {
		s.metrics.pushUpdates.WithLabelValues(s.label).Inc()
	}
}

// fallback replaces a push notification that could not be used with a
// full fetch.
func (s *Synchronizer) fallback(ctx context.Context) {
	if _, err := s.Refresh(ctx); err != nil {
		s.log.Warn("fallback fetch failed", zap.Stringer("ledger", s.config.Ledger), zap.Error(err))
	}
}
