// Package metrics holds the Prometheus collectors shared by the cache, lock and
// seckill pipeline. Collectors are registered on Registry, which the HTTP layer
// exposes at /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "seckill"

// Registry is the process-wide registry. It carries the Go runtime and
// process collectors in addition to the service collectors below.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	// CacheLookups counts cache reads by strategy and outcome
	// (hit, null_hit, miss, stale, absent).
	CacheLookups = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "lookups_total",
		Help:      "Cache lookups by strategy and outcome.",
	}, []string{"strategy", "outcome"})

	// CacheLoads counts loader invocations by strategy and outcome.
	CacheLoads = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "loads_total",
		Help:      "Loader invocations by strategy and outcome (found, absent, error).",
	}, []string{"strategy", "outcome"})

	// CacheRebuilds counts logical-expiration rebuild scheduling decisions.
	CacheRebuilds = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "rebuilds_total",
		Help:      "Logical-expiration rebuilds by outcome (scheduled, skipped_locked, skipped_saturated, ok, error).",
	}, []string{"outcome"})

	// LockAcquires counts distributed lock attempts.
	LockAcquires = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "lock",
		Name:      "acquires_total",
		Help:      "Distributed lock acquire attempts by outcome (acquired, busy, error).",
	}, []string{"outcome"})

	// Admissions counts seckill admission results.
	Admissions = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "admission",
		Name:      "results_total",
		Help:      "Admission results (admitted, out_of_stock, duplicate, not_started, ended, error).",
	}, []string{"result"})

	// OrdersProcessed counts consumer outcomes per queue message.
	OrdersProcessed = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "orders",
		Name:      "processed_total",
		Help:      "Order queue messages by outcome (persisted, rejected, malformed, retry).",
	}, []string{"outcome"})

	// PendingRecoveries counts recovery passes over the consumer pending list.
	PendingRecoveries = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "orders",
		Name:      "pending_recoveries_total",
		Help:      "Recovery passes started over the consumer pending list.",
	})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}
