// Copyright (C) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package blockhash

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ava-labs/avalanchego/utils/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/raulk/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/ava-labs/rollupcounter/codec"
	"github.com/ava-labs/rollupcounter/ledger"
	"github.com/ava-labs/rollupcounter/rpc"
)

const fetchTimeout = 10 * time.Second

var (
	ErrNoSource      = errors.New("no blockhash source")
	ErrInvalidWindow = errors.New("invalid validity window")
)

// Source returns the latest ordering anchor of one ledger.
type Source interface {
	LatestBlockhash(ctx context.Context) (*rpc.LatestBlockhashReply, error)
}

// Window bounds how long a fetched anchor is reused. An anchor fetched at t
// expires at t+TTL and is handed out until expiry-Margin.
type Window struct {
	TTL    time.Duration `yaml:"ttl" json:"ttl"`
	Margin time.Duration `yaml:"margin" json:"margin"`
}

func (w Window) Validate() error {
	if w.TTL <= 0 || w.Margin < 0 || w.Margin >= w.TTL {
		return fmt.Errorf("%w: ttl=%s margin=%s", ErrInvalidWindow, w.TTL, w.Margin)
	}
	return nil
}

// Anchor is a recent blockhash and the deadline after which it must not be
// used.
type Anchor struct {
	Ledger               ledger.ID
	Blockhash            codec.Hash
	LastValidBlockHeight uint64
	Slot                 uint64
	Expiry               time.Time
}

// Cache holds one anchor per ledger and coalesces concurrent refreshes.
type Cache struct {
	log     logging.Logger
	clock   clock.Clock
	metrics *metrics

	sources map[ledger.ID]Source
	windows map[ledger.ID]Window

	group singleflight.Group

	mu      sync.RWMutex
	entries map[ledger.ID]*Anchor
}

type Option func(*Cache)

func WithClock(c clock.Clock) Option {
	return func(cache *Cache) {
		cache.clock = c
	}
}

func New(
	log logging.Logger,
	registerer prometheus.Registerer,
	sources map[ledger.ID]Source,
	windows map[ledger.ID]Window,
	opts ...Option,
) (*Cache, error) {
	for id := range sources {
		if err := windows[id].Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", id, err)
		}
	}
	m, err := newMetrics(registerer)
	if err != nil {
		return nil, err
	}
	c := &Cache{
		log:     log,
		clock:   clock.New(),
		metrics: m,
		sources: sources,
		windows: windows,
		entries: make(map[ledger.ID]*Anchor),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Cache) usable(id ledger.ID, now time.Time) (*Anchor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.entries[id]
	if !ok {
		return nil, false
	}
	return a, now.Before(a.Expiry.Add(-c.windows[id].Margin))
}

// Get returns the cached anchor for [id] while it is inside its window and
// otherwise fetches a new one. Concurrent callers on an expired entry share
// a single fetch.
func (c *Cache) Get(ctx context.Context, id ledger.ID) (*Anchor, error) {
	src, ok := c.sources[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSource, id)
	}
	if a, ok := c.usable(id, c.clock.Now()); ok {
		c.metrics.hits.WithLabelValues(id.String()).Inc()
		return a, nil
	}

	ch := c.group.DoChan(id.String(), func() (interface{}, error) {
		// A caller that lost the race may find the entry already replaced.
		if a, ok := c.usable(id, c.clock.Now()); ok {
			return a, nil
		}
		// The fetch outlives any single waiter.
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fetchTimeout)
		defer cancel()
		return c.fetch(fctx, id, src)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Anchor), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Cache) fetch(ctx context.Context, id ledger.ID, src Source) (*Anchor, error) {
	start := c.clock.Now()
	c.metrics.fetches.WithLabelValues(id.String()).Inc()
	reply, err := src.LatestBlockhash(ctx)
	if err != nil {
		c.metrics.fetchFailures.WithLabelValues(id.String()).Inc()
		c.log.Warn("failed to fetch blockhash",
			zap.Stringer("ledger", id),
			zap.Error(err),
		)
		return nil, err
	}
	a := &Anchor{
		Ledger:               id,
		Blockhash:            reply.Value.Blockhash,
		LastValidBlockHeight: reply.Value.LastValidBlockHeight,
		Slot:                 reply.Context.Slot,
		// Measured from the request so network delay only shortens the window.
		Expiry: start.Add(c.windows[id].TTL),
	}
	c.mu.Lock()
	c.entries[id] = a
	c.mu.Unlock()
	c.log.Debug("refreshed blockhash",
		zap.Stringer("ledger", id),
		zap.Stringer("blockhash", a.Blockhash),
		zap.Time("expiry", a.Expiry),
	)
	return a, nil
}

// Invalidate drops the cached anchor for [id], typically after the ledger
// rejected it as unknown.
func (c *Cache) Invalidate(id ledger.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
}

// Remaining is how long the anchor for [id] will still be handed out. It is
// zero when nothing usable is cached.
func (c *Cache) Remaining(id ledger.ID) time.Duration {
	now := c.clock.Now()
	a, ok := c.usable(id, now)
	if !ok {
		return 0
	}
	return a.Expiry.Add(-c.windows[id].Margin).Sub(now)
}

// Window returns the configured validity window for [id].
func (c *Cache) Window(id ledger.ID) Window {
	return c.windows[id]
}
