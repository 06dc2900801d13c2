// Package metrics exposes Prometheus counters for the ingestion pipeline.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rolodex"

// Recorder owns a registry and the pipeline counters. A nil Recorder discards everything.
type Recorder struct {
	registry       *prometheus.Registry
	imports        *prometheus.CounterVec
	resolutions    *prometheus.CounterVec
	messagesStored *prometheus.CounterVec
	handlesLinked  prometheus.Counter
	mirrorFailures prometheus.Counter
	throttledCalls *prometheus.CounterVec
}

// NewRecorder builds a Recorder with its own registry, including Go runtime collectors.
func NewRecorder() *Recorder {
	registry := prometheus.NewRegistry()
	recorder := &Recorder{
		registry: registry,
		imports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "profile_imports_total",
			Help:      "Profile fragments imported, by platform and whether a contact was created.",
		}, []string{"platform", "created"}),
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "contact_resolutions_total",
			Help:      "Contact resolution outcomes, by strategy that matched (none when unmatched).",
		}, []string{"strategy"}),
		messagesStored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_stored_total",
			Help:      "Synced message rows, by whether they were inserted or updated in place.",
		}, []string{"outcome"}),
		handlesLinked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handles_linked_total",
			Help:      "Message handles manually linked to a contact.",
		}),
		mirrorFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "image_mirror_failures_total",
			Help:      "Profile image fetch or upload failures tolerated during import.",
		}),
		throttledCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "throttled_requests_total",
			Help:      "Requests rejected by the per-user rate limiter, by route.",
		}, []string{"route"}),
	}
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		recorder.imports,
		recorder.resolutions,
		recorder.messagesStored,
		recorder.handlesLinked,
		recorder.mirrorFailures,
		recorder.throttledCalls,
	)
	return recorder
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// ImportCompleted counts a finished profile import.
func (r *Recorder) ImportCompleted(platform string, created bool) {
	if r == nil {
		return
	}
	r.imports.WithLabelValues(platform, strconv.FormatBool(created)).Inc()
}

// ContactResolved counts a resolution attempt by the strategy that matched.
func (r *Recorder) ContactResolved(strategy string) {
	if r == nil {
		return
	}
	if strategy == "" {
		strategy = "none"
	}
	r.resolutions.WithLabelValues(strategy).Inc()
}

// MessagesStored counts inserted and updated message rows.
func (r *Recorder) MessagesStored(inserted, updated int) {
	if r == nil {
		return
	}
	r.messagesStored.WithLabelValues("inserted").Add(float64(inserted))
	r.messagesStored.WithLabelValues("updated").Add(float64(updated))
}

// HandleLinked counts a manual handle link.
func (r *Recorder) HandleLinked() {
	if r == nil {
		return
	}
	r.handlesLinked.Inc()
}

// MirrorFailed counts a tolerated image mirroring failure.
func (r *Recorder) MirrorFailed() {
	if r == nil {
		return
	}
	r.mirrorFailures.Inc()
}

// RequestThrottled counts a rate-limited request.
func (r *Recorder) RequestThrottled(route string) {
	if r == nil {
		return
	}
	r.throttledCalls.WithLabelValues(route).Inc()
}
