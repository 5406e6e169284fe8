// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package server

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/westerndigitalcorporation/bsdb/internal/core"
)

// OpMetric tracks counts, latencies and pending counts of operations, such as
// RPCs handled by a server.
//
// It exports:
//   - a counter with the given name, labeled by "result" and the op labels.
//     Every started op counts as "all", ops that end with an error also
//     count as "failed" or "too_busy".
//   - a summary named name + "_latency" of successful ops.
//   - a gauge named name + "_pending" of ops in flight.
//
// Usage:
//
//	op := h.opm.Start("Book")
//	defer op.EndWithError(&reply.Err)
type OpMetric struct {
	counters  *prometheus.CounterVec
	latencies *prometheus.SummaryVec
	pending   *prometheus.GaugeVec
}

// NewOpMetric returns an op metric registered with the default registry. If
// a metric of the same name already exists, its collectors are shared.
func NewOpMetric(name string, labels ...string) *OpMetric {
	withResult := append([]string{"result"}, labels...)
	return &OpMetric{
		counters:  register(prometheus.NewCounterVec(prometheus.CounterOpts{Name: name}, withResult)).(*prometheus.CounterVec),
		latencies: register(prometheus.NewSummaryVec(prometheus.SummaryOpts{Name: name + "_latency"}, labels)).(*prometheus.SummaryVec),
		pending:   register(prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name + "_pending"}, labels)).(*prometheus.GaugeVec),
	}
}

func register(c prometheus.Collector) prometheus.Collector {
	if err := prometheus.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
		panic(err)
	}
	return c
}

// Start marks that a new operation has started.
func (m *OpMetric) Start(values ...string) *opTimer {
	m.counters.WithLabelValues(append([]string{"all"}, values...)...).Inc()
	m.pending.WithLabelValues(values...).Inc()
	return &opTimer{opm: m, values: values, start: time.Now()}
}

// Count returns the counter for 'result' and the op labels.
func (m *OpMetric) Count(result string, values ...string) uint64 {
	var value dto.Metric
	if m.counters.WithLabelValues(append([]string{result}, values...)...).Write(&value) != nil {
		return 0
	}
	return uint64(value.Counter.GetValue())
}

// String returns a summary of an op for status pages.
func (m *OpMetric) String(values ...string) string {
	out := SummaryString(m.latencies.WithLabelValues(values...))
	out += fmt.Sprintf(" / %d rejected / %d failed", m.Count("too_busy", values...), m.Count("failed", values...))
	var value dto.Metric
	if m.pending.WithLabelValues(values...).Write(&value) == nil {
		out += fmt.Sprintf(" / %d pending", int64(value.Gauge.GetValue()))
	}
	return out
}

// Strings calls String for each single label value in 'keys'.
func (m *OpMetric) Strings(keys ...string) map[string]string {
	out := make(map[string]string)
	for _, key := range keys {
		out[key] = m.String(key)
	}
	return out
}

type opTimer struct {
	opm    *OpMetric
	values []string
	start  time.Time
	failed bool
}

func (o *opTimer) result(r string) {
	o.failed = true
	o.opm.counters.WithLabelValues(append([]string{r}, o.values...)...).Inc()
}

// End records the latency of a successful op and drops the pending count.
func (o *opTimer) End() {
	if !o.failed {
		o.opm.latencies.WithLabelValues(o.values...).Observe(time.Since(o.start).Seconds())
	}
	o.opm.pending.WithLabelValues(o.values...).Dec()
}

// EndWithError counts *err as too_busy or failed unless it's NoError, then
// calls End.
func (o *opTimer) EndWithError(err *core.Error) {
	switch *err {
	case core.NoError:
	case core.ErrTooBusy:
		o.result("too_busy")
	default:
		o.result("failed")
	}
	o.End()
}

// SummaryString formats the count and quantiles of a summary.
func SummaryString(obs prometheus.Observer) string {
	sum, ok := obs.(prometheus.Summary)
	if !ok {
		return ""
	}
	var value dto.Metric
	if sum.Write(&value) != nil || value.Summary == nil {
		return ""
	}
	out := fmt.Sprintf("Total count=%d;", value.Summary.GetSampleCount())
	for _, q := range value.Summary.Quantile {
		out += fmt.Sprintf(" %gth=%.3f;", q.GetQuantile()*100, q.GetValue())
	}
	return out[:len(out)-1]
}
