package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	readsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cache_reads_total",
		Help: "The total number of cache reads by outcome",
	}, []string{
		"namespace",
		"outcome", // One of hit / miss / expired.
	})
	coalescedFetchesMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cache_coalesced_fetches_total",
		Help: "The total number of fetches served by another caller's in-flight producer",
	}, []string{"namespace"})
)

const (
	outcomeHit     = "hit"
	outcomeMiss    = "miss"
	outcomeExpired = "expired"
)
