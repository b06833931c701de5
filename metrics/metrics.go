// Package metrics exports admission decisions as Prometheus metrics.
//
// A Collector implements ratelimiter.Observer:
//
//	collector := metrics.NewCollector(nil)
//	limiter := ratelimiter.New(store, registry, ratelimiter.WithObserver(collector))
//	http.Handle("/metrics", collector.Handler())
package metrics

import (
	"net/http"
	"strconv"

	ratelimiter "github.com/jassus213/go-route-limiter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "route_limiter"

// Outcome label values.
const (
	OutcomeAllowed  = "allowed"
	OutcomeRejected = "rejected"
	OutcomeFailOpen = "fail_open"
)

// Collector records decisions per rule. Rules are labelled by their matcher
// source, so cardinality is bounded by the size of the rule set.
type Collector struct {
	registry *prometheus.Registry

	decisions   *prometheus.CounterVec
	storeErrors *prometheus.CounterVec
	remaining   *prometheus.HistogramVec
	reloads     *prometheus.CounterVec
	rules       prometheus.Gauge
}

var _ ratelimiter.Observer = (*Collector)(nil)

// NewCollector creates a collector on its own registry. When reg is nil, a
// fresh registry with the Go and process collectors is used.
func NewCollector(reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	c := &Collector{
		registry: reg,
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "decisions_total",
				Help:      "Admission decisions by rule and outcome.",
			},
			[]string{"rule", "outcome"},
		),
		storeErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_errors_total",
				Help:      "Store failures that caused a request to be admitted without counting.",
			},
			[]string{"rule", "op"},
		),
		remaining: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "remaining_ratio",
				Help:      "Fraction of the window quota left after each admitted request.",
				Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
			},
			[]string{"rule"},
		),
		reloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rule_reloads_total",
				Help:      "Rule set reload attempts by result.",
			},
			[]string{"success"},
		),
		rules: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "rules",
				Help:      "Number of active rules.",
			},
		),
	}

	reg.MustRegister(c.decisions, c.storeErrors, c.remaining, c.reloads, c.rules)
	return c
}

// ObserveDecision counts d under its rule.
func (c *Collector) ObserveDecision(rule ratelimiter.Rule, d ratelimiter.Decision) {
	outcome := OutcomeAllowed
	switch {
	case !d.Allowed:
		outcome = OutcomeRejected
	case d.FailedOpen:
		outcome = OutcomeFailOpen
	}
	c.decisions.WithLabelValues(rule.Source(), outcome).Inc()

	if d.Allowed && !d.FailedOpen && d.Limit > 0 {
		c.remaining.WithLabelValues(rule.Source()).Observe(float64(d.Remaining) / float64(d.Limit))
	}
}

// ObserveStoreError counts a failed store operation.
func (c *Collector) ObserveStoreError(rule ratelimiter.Rule, op string, err error) {
	c.storeErrors.WithLabelValues(rule.Source(), op).Inc()
}

// ObserveReload records a rule reload. It matches ruleset.WithReloadHook
// once bound to the registry.
func (c *Collector) ObserveReload(registry *ratelimiter.Registry) func(error) {
	c.rules.Set(float64(len(registry.Rules())))
	return func(err error) {
		c.reloads.WithLabelValues(strconv.FormatBool(err == nil)).Inc()
		c.rules.Set(float64(len(registry.Rules())))
	}
}

// Handler serves the collector's registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
