package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ent0n29/chatproto/internal/protoerr"
)

// Metrics groups all Prometheus instruments exported by the protocol
// engine.
type Metrics struct {
	ActiveSessions     prometheus.Gauge
	SessionEvents      *prometheus.CounterVec
	FrameMessages      *prometheus.CounterVec
	ProtocolErrors     *prometheus.CounterVec
	FirstOutputLatency prometheus.Histogram
}

// NewMetrics registers every instrument under namespace and returns the
// handle used to record observations.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of sessions currently tracked by the manager.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by kind (created, expired, ended).",
		}, []string{"event"}),
		FrameMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frame_messages_total",
			Help:      "Frames exchanged by direction, endpoint and event type.",
		}, []string{"direction", "endpoint", "type"}),
		ProtocolErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Protocol errors by kind (malformed_event, illegal_transition, unknown_reference).",
		}, []string{"kind"}),
		FirstOutputLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_output_latency_ms",
			Help:      "Latency from request Ready to the first output event in milliseconds.",
			Buckets:   []float64{50, 100, 200, 300, 500, 700, 900, 1200, 2000},
		}),
	}
}

// ObserveFirstOutputLatency records the delay between a request becoming
// ready and the server's first output event.
func (m *Metrics) ObserveFirstOutputLatency(d time.Duration) {
	m.FirstOutputLatency.Observe(float64(d.Milliseconds()))
}

// RecordProtocolError increments the counter for a protoerr.Kind, or an
// "other" bucket for errors that did not originate from protoerr.
func (m *Metrics) RecordProtocolError(err error) {
	kind := "other"
	var perr *protoerr.ProtocolError
	if asProtocolError(err, &perr) {
		switch perr.Kind {
		case protoerr.KindMalformedEvent:
			kind = "malformed_event"
		case protoerr.KindIllegalTransition:
			kind = "illegal_transition"
		case protoerr.KindUnknownReference:
			kind = "unknown_reference"
		}
	}
	m.ProtocolErrors.WithLabelValues(kind).Inc()
}

func asProtocolError(err error, target **protoerr.ProtocolError) bool {
	for err != nil {
		if perr, ok := err.(*protoerr.ProtocolError); ok {
			*target = perr
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}

// MetricsHandler exposes the registered instruments for scraping.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
