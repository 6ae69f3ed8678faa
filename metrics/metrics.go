// Package metrics exposes session dispatch counters in Prometheus format.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "replaydeck"

// Collector holds the metrics shared by every session in a process. A nil
// *Collector is valid and records nothing.
type Collector struct {
	registry     *prometheus.Registry
	dispatches   *prometheus.CounterVec
	liveDuration *prometheus.HistogramVec
	remaining    *prometheus.GaugeVec
	flushes      *prometheus.CounterVec
}

// New creates a Collector on a fresh registry that also carries the Go
// runtime and process collectors.
func New() (*Collector, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, fmt.Errorf("failed to register go collector: %w", err)
	}
	if err := reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, fmt.Errorf("failed to register process collector: %w", err)
	}
	return NewWithRegistry(reg)
}

// NewWithRegistry registers the session metrics on reg.
func NewWithRegistry(reg *prometheus.Registry) (*Collector, error) {
	c := &Collector{
		registry: reg,
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Requests dispatched by sessions, by mode and outcome.",
		}, []string{"session", "mode", "outcome"}),
		liveDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "live_call_duration_seconds",
			Help:      "Duration of live transport calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"session"}),
		remaining: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "replay_remaining_interactions",
			Help:      "Recorded interactions not yet consumed by a replay session.",
		}, []string{"session"}),
		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cassette_flushes_total",
			Help:      "Cassette flushes, by result.",
		}, []string{"session", "result"}),
	}

	for _, collector := range []prometheus.Collector{c.dispatches, c.liveDuration, c.remaining, c.flushes} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}
	return c, nil
}

func (c *Collector) ObserveDispatch(session, mode, outcome string) {
	if c == nil {
		return
	}
	c.dispatches.WithLabelValues(session, mode, outcome).Inc()
}

func (c *Collector) ObserveLiveCall(session string, seconds float64) {
	if c == nil {
		return
	}
	c.liveDuration.WithLabelValues(session).Observe(seconds)
}

func (c *Collector) SetRemaining(session string, n int) {
	if c == nil {
		return
	}
	c.remaining.WithLabelValues(session).Set(float64(n))
}

func (c *Collector) ObserveFlush(session string, err error) {
	if c == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.flushes.WithLabelValues(session, result).Inc()
}

// Registry returns the underlying registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
