// Package utils carries the cross-cutting helpers of fig: invariant reporting, logging setup,
// build information, and test flag plumbing.
//
// Invariants are conditions that must hold unless there is a bug in our own code. Think of what
// you'd `panic()` on, except we don't want to take down a cache server over a single violated
// assumption. Raising an invariant records an error log and bumps a monitoring counter; the caller
// still has to handle the erroneous case (early return, fallback value, ...).
//
// Do not raise invariants for conditions caused by the outside world. A failed disk write is an
// expected storage error, not an invariant violation. A negative shard count handed to a
// constructor by our own wiring code is.

package utils

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	promclient "github.com/prometheus/client_model/go"
)

var invariantsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "invariants_total",
	Help: "The total number of invariant violations",
}, []string{
	"module", // The module in which this invariant occurred.
	"type",   // The type of the invariant that occurred.
})

// RaiseInvariant reports a violated code assumption. Under test mode it panics instead, so buggy
// code paths fail tests loudly.
func RaiseInvariant(module, invariantType, msg string, args ...any) {
	invariantsMetric.WithLabelValues(module, invariantType).Inc()
	slog.With("invariant", invariantType, "module", module).Error(msg, args...)
	if IsTestMode {
		panic("invariant violated: " + invariantType)
	}
}

// GetMetricValue returns the current value of the invariant counter for `module` and `invariantType`.
func GetMetricValue(module, invariantType string) int {
	var metric = &promclient.Metric{}
	if err := invariantsMetric.WithLabelValues(module, invariantType).Write(metric); err != nil {
		slog.Error(err.Error())
		return 0
	}
	return int(metric.Counter.GetValue())
}
