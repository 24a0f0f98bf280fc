package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "browserstep",
		Name:      "sessions_active",
		Help:      "Number of live browser sessions.",
	})
	launchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "browserstep",
		Name:      "launches_total",
		Help:      "Launch requests by outcome.",
	}, []string{"outcome"})
	commandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "browserstep",
		Name:      "commands_total",
		Help:      "Worker commands by command and outcome.",
	}, []string{"command", "outcome"})
	commandDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "browserstep",
		Name:      "command_duration_seconds",
		Help:      "Worker command latency.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"command"})
	accountingReports = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "browserstep",
		Name:      "usage_reports_total",
		Help:      "Usage reports by outcome.",
	}, []string{"outcome"})
	reapedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "browserstep",
		Name:      "sessions_reaped_total",
		Help:      "Sessions closed by the idle reaper.",
	})
)
