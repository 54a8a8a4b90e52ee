package api

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for API traffic.
// Operations are labelled by logical name (e.g. "list_servers"), not by raw path,
// to keep label cardinality bounded.
type Metrics struct {
	reqDuration *prometheus.HistogramVec
	reqInflight prometheus.Gauge
	reqErrors   *prometheus.CounterVec
	streamMsgs  prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.
// A nil reg leaves them unregistered (useful in tests).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		reqDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "vpnconsole",
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "Duration of requests to the persistence API.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"operation", "status"}),
		reqInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vpnconsole",
			Subsystem: "api",
			Name:      "requests_inflight",
			Help:      "Requests to the persistence API currently in flight.",
		}),
		reqErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vpnconsole",
			Subsystem: "api",
			Name:      "request_errors_total",
			Help:      "Requests that failed, by error kind.",
		}, []string{"operation", "kind"}),
		streamMsgs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vpnconsole",
			Subsystem: "stream",
			Name:      "status_updates_total",
			Help:      "Server status updates received over the live stream.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.reqDuration, m.reqInflight, m.reqErrors, m.streamMsgs)
	}
	return m
}

// begin marks a request in flight and returns a function that records its outcome.
// status is the HTTP status code, or 0 for transport failures.
func (m *Metrics) begin(operation string) func(status int, kind string) {
	if m == nil {
		return func(int, string) {}
	}
	start := time.Now()
	m.reqInflight.Inc()
	return func(status int, kind string) {
		m.reqInflight.Dec()
		label := "transport_error"
		if status > 0 {
			label = strconv.Itoa(status)
		}
		m.reqDuration.WithLabelValues(operation, label).Observe(time.Since(start).Seconds())
		if kind != "" {
			m.reqErrors.WithLabelValues(operation, kind).Inc()
		}
	}
}

func (m *Metrics) streamUpdate() {
	if m != nil {
		m.streamMsgs.Inc()
	}
}
