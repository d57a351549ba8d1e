// Package metrics provides Prometheus metrics for the worker.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds all Prometheus metrics for the worker.
type Collector struct {
	registry *prometheus.Registry

	JobRuns     *prometheus.CounterVec
	JobFailures *prometheus.CounterVec

	RollupRowsUpserted prometheus.Counter
	RollupRowsDeleted  prometheus.Counter

	RuleFindings *prometheus.CounterVec

	AlertsSent       *prometheus.CounterVec
	AlertsSuppressed *prometheus.CounterVec
	AlertsFailed     *prometheus.CounterVec
}

// New creates a collector with all metrics registered on its own registry.
func New() *Collector {
	reg := prometheus.NewRegistry()
	factory := func(opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
		c := prometheus.NewCounterVec(opts, labels)
		reg.MustRegister(c)
		return c
	}
	counter := func(opts prometheus.CounterOpts) prometheus.Counter {
		c := prometheus.NewCounter(opts)
		reg.MustRegister(c)
		return c
	}

	return &Collector{
		registry: reg,

		JobRuns: factory(prometheus.CounterOpts{
			Namespace: "watchdog",
			Name:      "job_runs_total",
			Help:      "Total number of scheduler job invocations",
		}, []string{"job"}),
		JobFailures: factory(prometheus.CounterOpts{
			Namespace: "watchdog",
			Name:      "job_failures_total",
			Help:      "Total number of failed scheduler job invocations",
		}, []string{"job"}),

		RollupRowsUpserted: counter(prometheus.CounterOpts{
			Namespace: "watchdog",
			Name:      "rollup_rows_upserted_total",
			Help:      "Total number of hourly rollup rows written",
		}),
		RollupRowsDeleted: counter(prometheus.CounterOpts{
			Namespace: "watchdog",
			Name:      "rollup_rows_deleted_total",
			Help:      "Total number of hourly rollup rows removed by cleanup",
		}),

		RuleFindings: factory(prometheus.CounterOpts{
			Namespace: "watchdog",
			Name:      "rule_findings_total",
			Help:      "Total number of rule findings after whitelist filtering",
		}, []string{"rule"}),

		AlertsSent: factory(prometheus.CounterOpts{
			Namespace: "watchdog",
			Name:      "alerts_sent_total",
			Help:      "Total number of alert messages delivered",
		}, []string{"rule"}),
		AlertsSuppressed: factory(prometheus.CounterOpts{
			Namespace: "watchdog",
			Name:      "alerts_suppressed_total",
			Help:      "Total number of alerts skipped by cooldown",
		}, []string{"rule"}),
		AlertsFailed: factory(prometheus.CounterOpts{
			Namespace: "watchdog",
			Name:      "alerts_failed_total",
			Help:      "Total number of alert sends that failed",
		}, []string{"rule"}),
	}
}

// Handler serves the collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
