// Copyright (C) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package blockhash

import (
	"github.com/ava-labs/avalanchego/utils/wrappers"
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	hits          *prometheus.CounterVec
	fetches       *prometheus.CounterVec
	fetchFailures *prometheus.CounterVec
}

func newMetrics(r prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "blockhash",
			Name:      "hits",
			Help:      "number of anchors served from cache",
		}, []string{"ledger"}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "blockhash",
			Name:      "fetches",
			Help:      "number of anchor fetches",
		}, []string{"ledger"}),
		fetchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "blockhash",
			Name:      "fetch_failures",
			Help:      "number of failed anchor fetches",
		}, []string{"ledger"}),
	}
	errs := wrappers.Errs{}
	errs.Add(
		r.Register(m.hits),
		r.Register(m.fetches),
		r.Register(m.fetchFailures),
	)
	return m, errs.Err
}
