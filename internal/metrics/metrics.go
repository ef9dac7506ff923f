// Package metrics exposes provisioning runs as Prometheus metrics.
package metrics

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/push"

	"stackup/internal/engine"
	"stackup/internal/errors"
	"stackup/internal/logger"
)

const namespace = "stackup"

// Collector turns engine events into metrics. It implements engine.Observer.
type Collector struct {
	registry *prometheus.Registry

	runsTotal        *prometheus.CounterVec
	serviceResults   *prometheus.CounterVec
	healthAttempts   *prometheus.CounterVec
	serviceDuration  *prometheus.HistogramVec
	convergeDuration prometheus.Histogram
	lastRun          prometheus.Gauge
	servicesInFlight prometheus.Gauge

	mu            sync.Mutex
	started       map[string]time.Time
	convergeStart time.Time
}

// NewCollector creates a collector with its own registry
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Provisioning runs by outcome",
			},
			[]string{"outcome"},
		),
		serviceResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "service_results_total",
				Help:      "Terminal service states",
			},
			[]string{"service", "state"},
		),
		healthAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "health_attempts_total",
				Help:      "Health probe attempts",
			},
			[]string{"service"},
		),
		serviceDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "service_duration_seconds",
				Help:      "Time from first transition to terminal state",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
			},
			[]string{"service", "state"},
		),
		convergeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "converge_duration_seconds",
			Help:      "Duration of declarative system switches",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last run finished",
		}),
		servicesInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "services_in_flight",
			Help:      "Services currently installing or verifying",
		}),
		started: make(map[string]time.Time),
	}

	c.registry.MustRegister(
		c.runsTotal,
		c.serviceResults,
		c.healthAttempts,
		c.serviceDuration,
		c.convergeDuration,
		c.lastRun,
		c.servicesInFlight,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the registry holding the collector's metrics
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Observe implements engine.Observer
func (c *Collector) Observe(e engine.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch e.Type {
	case engine.EventServiceState:
		c.observeState(e)
	case engine.EventHealthAttempt:
		c.healthAttempts.WithLabelValues(e.ServiceID).Inc()
	case engine.EventConvergeStarted:
		c.convergeStart = e.Time
	case engine.EventConvergeFinished:
		if !c.convergeStart.IsZero() {
			c.convergeDuration.Observe(e.Time.Sub(c.convergeStart).Seconds())
			c.convergeStart = time.Time{}
		}
	case engine.EventRunFinished:
		c.lastRun.Set(float64(e.Time.Unix()))
		c.servicesInFlight.Set(0)
		c.started = make(map[string]time.Time)
	}
}

func (c *Collector) observeState(e engine.Event) {
	start, seen := c.started[e.ServiceID]
	switch {
	case e.State == engine.StateInstalling || e.State == engine.StateVerifying:
		if !seen {
			c.started[e.ServiceID] = e.Time
			c.servicesInFlight.Inc()
		}
	case e.State.Terminal():
		c.serviceResults.WithLabelValues(e.ServiceID, string(e.State)).Inc()
		if seen {
			c.serviceDuration.WithLabelValues(e.ServiceID, string(e.State)).Observe(e.Time.Sub(start).Seconds())
			c.servicesInFlight.Dec()
			delete(c.started, e.ServiceID)
		}
	}
}

// RecordOutcome counts a finished run by its overall outcome
func (c *Collector) RecordOutcome(outcome string) {
	c.runsTotal.WithLabelValues(outcome).Inc()
}

// Push sends the collected metrics to a Prometheus Pushgateway
func (c *Collector) Push(ctx context.Context, url, job string) error {
	if url == "" {
		return nil
	}
	err := push.New(url, job).
		Gatherer(c.registry).
		Grouping("instance", hostname()).
		PushContext(ctx)
	if err != nil {
		return errors.Wrap(errors.ErrInternal, "failed to push metrics", err).
			WithContext("url", url)
	}
	logger.WithFields(logger.Fields{"url": url, "job": job}).Debug("Pushed run metrics")
	return nil
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "unknown"
	}
	return name
}
