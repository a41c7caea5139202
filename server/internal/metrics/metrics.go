// Package metrics defines the Prometheus instruments exported on /metrics.
// All instruments live on a private registry so tests can gather them without
// touching the global default registerer.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sightline"

// Report outcomes, used as the "outcome" label on ReportsTotal.
const (
	OutcomeNew         = "new"
	OutcomeUpdated     = "updated"
	OutcomeSuperseded  = "superseded"
	OutcomeInvalid     = "invalid"
	OutcomeRateLimited = "rate_limited"
	OutcomeThrottled   = "throttled"
)

// Registry holds every sightline instrument plus the Go and process collectors.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	// ReportsTotal counts inbound reports by outcome.
	ReportsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reports_total",
		Help:      "Inbound sighting reports by outcome.",
	}, []string{"outcome"})

	// SweepRemovedTotal counts entries removed by the sweep, by reason
	// (expired, capacity, stale_source).
	SweepRemovedTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sweep_removed_total",
		Help:      "Entries removed by the periodic sweep.",
	}, []string{"reason"})

	sweepDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "sweep_duration_seconds",
		Help:      "Wall time of one sweep pass.",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
	})

	// RegistryRecords is the physical record count after the last sweep.
	RegistryRecords = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "registry_records",
		Help:      "Records held by the registry, including expired ones not yet swept.",
	})

	// AdmissionSources is the number of tracked reporter sources.
	AdmissionSources = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "admission_sources",
		Help:      "Reporter sources tracked by the admission limiter.",
	})

	// NotificationsTotal counts notification deliveries by target type and
	// outcome (delivered, failed).
	NotificationsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifications_total",
		Help:      "Outbound notification deliveries.",
	}, []string{"target", "outcome"})

	// NotificationsDropped counts notifications discarded because the queue
	// was full.
	NotificationsDropped = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifications_dropped_total",
		Help:      "Notifications dropped because the outbound queue was full.",
	})

	// StreamClients is the number of connected WebSocket clients.
	StreamClients = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "stream_clients",
		Help:      "Connected WebSocket stream clients.",
	})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// ObserveSweep records one sweep pass.
func ObserveSweep(expired, evicted, purged int, d time.Duration) {
	SweepRemovedTotal.WithLabelValues("expired").Add(float64(expired))
	SweepRemovedTotal.WithLabelValues("capacity").Add(float64(evicted))
	SweepRemovedTotal.WithLabelValues("stale_source").Add(float64(purged))
	sweepDuration.Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}
