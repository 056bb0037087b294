package router

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	selectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proxywahl_selections_total",
		Help: "Upstream selection decisions, by chosen proxy and outcome (rule, weighted, default, none).",
	}, []string{"proxy", "outcome"})

	affinityEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proxywahl_affinity_events_total",
		Help: "Session affinity cache events (hit, evicted, client_teardown).",
	}, []string{"event"})
)
