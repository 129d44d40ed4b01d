// Copyright (C) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package pipeline

import (
	"github.com/ava-labs/avalanchego/utils/metric"
	"github.com/ava-labs/avalanchego/utils/wrappers"
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	submitted *prometheus.CounterVec
	confirmed *prometheus.CounterVec
	failures  *prometheus.CounterVec

	confirmLatency metric.Averager
}

func newMetrics(r prometheus.Registerer) (*metrics, error) {
	confirmLatency, err := metric.NewAverager(
		"pipeline_confirm_latency",
		"time from submission to observed confirmation",
		r,
	)
	if err != nil {
		return nil, err
	}
	m := &metrics{
		submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pipeline",
			Name:      "submitted",
			Help:      "number of transactions accepted for submission",
		}, []string{"ledger"}),
		confirmed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pipeline",
			Name:      "confirmed",
			Help:      "number of transactions confirmed without error",
		}, []string{"ledger"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pipeline",
			Name:      "failures",
			Help:      "number of failed submissions by kind",
		}, []string{"ledger", "kind"}),
		confirmLatency: confirmLatency,
	}
	errs := wrappers.Errs{}
	errs.Add(
		r.Register(m.submitted),
		r.Register(m.confirmed),
		r.Register(m.failures),
	)
	return m, errs.Err
}
