// Package metrics exposes Prometheus instrumentation for a sync session.
// A nil *Recorder is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/MarcoPoloResearchLab/codestream/internal/events"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "codestream"

// Run outcomes used as label values.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeTimedOut  = "timed_out"
	OutcomeAborted   = "aborted"
)

// Recorder owns a private registry so several sessions can coexist in one process.
type Recorder struct {
	registry *prometheus.Registry

	messagesReceived *prometheus.CounterVec
	messagesSent     *prometheus.CounterVec
	sendsDropped     *prometheus.CounterVec
	decodeErrors     prometheus.Counter
	connects         prometheus.Counter
	disconnects      prometheus.Counter
	giveUps          prometheus.Counter
	patchRejections  prometheus.Counter
	connectionOpen   prometheus.Gauge
	documentVersion  prometheus.Gauge
	participants     prometheus.Gauge
	runsTotal        *prometheus.CounterVec
	runDuration      prometheus.Histogram
}

// NewRecorder registers every collector on a fresh registry.
func NewRecorder() *Recorder {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	factory := promauto.With(registry)

	return &Recorder{
		registry: registry,
		messagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Decoded inbound messages by type",
		}, []string{"type"}),
		messagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Outbound messages written to the transport by type",
		}, []string{"type"}),
		sendsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Outbound messages dropped because the connection was not open",
		}, []string{"type"}),
		decodeErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Inbound messages discarded as malformed",
		}),
		connects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_opened_total",
			Help:      "Successful transport handshakes",
		}),
		disconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnections_total",
			Help:      "Open transports that were lost or closed",
		}),
		giveUps: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_give_ups_total",
			Help:      "Times the reconnect budget was exhausted",
		}),
		patchRejections: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "patch_rejections_total",
			Help:      "Remote patches whose context did not match the local document",
		}),
		connectionOpen: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_open",
			Help:      "1 while the transport is open",
		}),
		documentVersion: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "document_version",
			Help:      "Current local document version",
		}),
		participants: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "participants",
			Help:      "Remote participants currently present",
		}),
		runsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Completed runs by outcome",
		}, []string{"outcome"}),
		runDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Run duration as reported by the server or measured locally",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 10, 30},
		}),
	}
}

// Gatherer exposes the registry for scraping and tests.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.Gatherer(), promhttp.HandlerOpts{})
}

func (r *Recorder) MessageReceived(messageType string) {
	if r == nil {
		return
	}
	r.messagesReceived.WithLabelValues(messageType).Inc()
}

// MessageSent counts a write attempt; delivered=false counts a drop.
func (r *Recorder) MessageSent(messageType string, delivered bool) {
	if r == nil {
		return
	}
	if delivered {
		r.messagesSent.WithLabelValues(messageType).Inc()
		return
	}
	r.sendsDropped.WithLabelValues(messageType).Inc()
}

func (r *Recorder) DecodeError() {
	if r == nil {
		return
	}
	r.decodeErrors.Inc()
}

func (r *Recorder) Connected() {
	if r == nil {
		return
	}
	r.connects.Inc()
	r.connectionOpen.Set(1)
}

func (r *Recorder) Disconnected() {
	if r == nil {
		return
	}
	r.disconnects.Inc()
	r.connectionOpen.Set(0)
}

func (r *Recorder) GaveUp() {
	if r == nil {
		return
	}
	r.giveUps.Inc()
}

func (r *Recorder) PatchRejected() {
	if r == nil {
		return
	}
	r.patchRejections.Inc()
}

func (r *Recorder) DocumentVersion(version int64) {
	if r == nil {
		return
	}
	r.documentVersion.Set(float64(version))
}

func (r *Recorder) Participants(count int) {
	if r == nil {
		return
	}
	r.participants.Set(float64(count))
}

// RunCompleted classifies and times a finished run.
func (r *Recorder) RunCompleted(result events.RunResult) {
	if r == nil {
		return
	}
	r.runsTotal.WithLabelValues(runOutcome(result)).Inc()
	r.runDuration.Observe(result.Duration.Seconds())
}

func runOutcome(result events.RunResult) string {
	switch {
	case result.TimedOut:
		return OutcomeTimedOut
	case result.Aborted:
		return OutcomeAborted
	case result.Error != "":
		return OutcomeFailed
	default:
		return OutcomeSucceeded
	}
}
