// Package telemetry exposes Prometheus metrics for discovery responders and
// initiators. A nil *Metrics is valid and records nothing.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const Namespace = "wallet_discovery"

type Metrics struct {
	gatherer prometheus.Gatherer

	// Responder
	RequestsReceived prometheus.Counter
	RequestsDropped  *prometheus.CounterVec
	ResponsesSent    prometheus.Counter
	HandleLatency    prometheus.Histogram

	// Initiator
	DiscoveryRounds   *prometheus.CounterVec
	ResponsesAccepted prometheus.Counter
	ResponsesIgnored  *prometheus.CounterVec
	WalletsPerRound   prometheus.Histogram
}

// New registers the discovery metrics on reg. Passing a fresh
// prometheus.NewRegistry keeps tests isolated from the default registry.
func New(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		gatherer: reg,
		RequestsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "responder",
			Name:      "requests_received_total",
			Help:      "Discovery requests delivered to the responder",
		}),
		RequestsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "responder",
			Name:      "requests_dropped_total",
			Help:      "Discovery requests silently dropped, by reason",
		}, []string{"reason"}),
		ResponsesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "responder",
			Name:      "responses_sent_total",
			Help:      "Discovery responses emitted",
		}),
		HandleLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "responder",
			Name:      "handle_latency_seconds",
			Help:      "Time from request delivery to response or drop",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
		}),
		DiscoveryRounds: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "initiator",
			Name:      "rounds_total",
			Help:      "Finished discovery rounds, by terminal state",
		}, []string{"state"}),
		ResponsesAccepted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "initiator",
			Name:      "responses_accepted_total",
			Help:      "Responses accepted as qualified wallets",
		}),
		ResponsesIgnored: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "initiator",
			Name:      "responses_ignored_total",
			Help:      "Responses ignored by the initiator, by reason",
		}, []string{"reason"}),
		WalletsPerRound: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "initiator",
			Name:      "wallets_per_round",
			Help:      "Qualified wallets collected per discovery round",
			Buckets:   []float64{0, 1, 2, 3, 5, 8, 13, 21},
		}),
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) RequestReceived() {
	if m == nil {
		return
	}
	m.RequestsReceived.Inc()
}

func (m *Metrics) RequestDropped(reason string, took time.Duration) {
	if m == nil {
		return
	}
	m.RequestsDropped.WithLabelValues(reason).Inc()
	m.HandleLatency.Observe(took.Seconds())
}

func (m *Metrics) ResponseSent(took time.Duration) {
	if m == nil {
		return
	}
	m.ResponsesSent.Inc()
	m.HandleLatency.Observe(took.Seconds())
}

func (m *Metrics) ResponseAccepted() {
	if m == nil {
		return
	}
	m.ResponsesAccepted.Inc()
}

func (m *Metrics) ResponseIgnored(reason string) {
	if m == nil {
		return
	}
	m.ResponsesIgnored.WithLabelValues(reason).Inc()
}

func (m *Metrics) RoundFinished(state string, wallets int) {
	if m == nil {
		return
	}
	m.DiscoveryRounds.WithLabelValues(state).Inc()
	m.WalletsPerRound.Observe(float64(wallets))
}
