// Package metrics exposes the relay's Prometheus instrumentation, grounded
// on the promauto.With(Registry) pattern used throughout the SAGE metrics
// packages.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "agentrelay"

// Registry is a dedicated registry rather than the global default, so tests
// can spin up independent relay instances without metric name collisions.
var Registry = prometheus.NewRegistry()

var (
	// EnvelopesRouted counts router.route outcomes by result (delivered_ws,
	// delivered_rest, buffered, rejected) and, for rejections, by reason.
	EnvelopesRouted = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "envelopes_total",
			Help:      "Total envelopes handled by the router, by outcome",
		},
		[]string{"outcome"},
	)

	// SessionsActive tracks currently registered sessions by kind (ws, rest).
	SessionsActive = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "active",
			Help:      "Number of currently registered sessions",
		},
		[]string{"kind"},
	)

	// SessionsEvicted counts sessions evicted by re-registration of the same
	// public key.
	SessionsEvicted = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "evicted_total",
			Help:      "Total sessions evicted by re-registration",
		},
	)

	// PresenceEventsEmitted counts peer_online/peer_offline fan-out events.
	PresenceEventsEmitted = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "presence",
			Name:      "events_total",
			Help:      "Total presence events emitted",
		},
		[]string{"event"},
	)

	// BufferDepth tracks the current number of buffered envelopes per stored-for key.
	BufferDepth = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "buffer",
			Name:      "depth",
			Help:      "Number of envelopes currently buffered for a stored-for peer",
		},
		[]string{"public_key"},
	)

	// BufferDropped counts envelopes dropped due to per-key bound overflow.
	BufferDropped = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "buffer",
			Name:      "dropped_total",
			Help:      "Total buffered envelopes dropped due to overflow",
		},
	)

	// RESTQueueDepth is registered for the depth of a REST session's inbound
	// queue. The REST layer does not set it, so it exports no series; queue
	// overflow is counted by RESTQueueOverflow.
	RESTQueueDepth = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "rest",
			Name:      "queue_depth",
			Help:      "Number of envelopes queued for a REST session",
		},
		[]string{"public_key"},
	)

	// RESTQueueOverflow counts 503 queue_full rejections.
	RESTQueueOverflow = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rest",
			Name:      "queue_overflow_total",
			Help:      "Total REST send attempts rejected due to a full inbound queue",
		},
	)
)

// Handler returns the HTTP handler serving this registry's metrics in the
// Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
