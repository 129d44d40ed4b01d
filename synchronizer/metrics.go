// Copyright (C) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package synchronizer

import (
	"github.com/ava-labs/avalanchego/utils/wrappers"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are shared by every synchronizer of a session and labelled by
// ledger.
type Metrics struct {
	pushUpdates     *prometheus.CounterVec
	pullUpdates     *prometheus.CounterVec
	decodeFallbacks *prometheus.CounterVec
	staleDrops      *prometheus.CounterVec
	pullFailures    *prometheus.CounterVec
	reconnects      *prometheus.CounterVec
}

func NewMetrics(r prometheus.Registerer) (*Metrics, error) {
	counter := func(name, help string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "synchronizer",
			Name:      name,
			Help:      help,
		}, []string{"ledger"})
	}
	m := &Metrics{
		pushUpdates:     counter("push_updates", "number of snapshots applied from notifications"),
		pullUpdates:     counter("pull_updates", "number of snapshots applied from fetches"),
		decodeFallbacks: counter("decode_fallbacks", "number of undecodable notifications answered with a fetch"),
		staleDrops:      counter("stale_drops", "number of observations older than the applied snapshot"),
		pullFailures:    counter("pull_failures", "number of failed fetches"),
		reconnects:      counter("reconnects", "number of push stream reconnects"),
	}
	errs := wrappers.Errs{}
	errs.Add(
		r.Register(m.pushUpdates),
		r.Register(m.pullUpdates),
		r.Register(m.decodeFallbacks),
		r.Register(m.staleDrops),
		r.Register(m.pullFailures),
		r.Register(m.reconnects),
	)
	return m, errs.Err
}
