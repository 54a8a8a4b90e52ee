package session

import (
	"github.com/prometheus/client_golang/prometheus"

	"vpnconsole-go/internal/types"
)

// Metrics counts session transitions by outcome
type Metrics struct {
	transitions *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg (nil skips registration)
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vpnconsole",
			Subsystem: "session",
			Name:      "transitions_total",
			Help:      "Connect and disconnect attempts by result.",
		}, []string{"operation", "result"}),
	}
	if reg != nil {
		reg.MustRegister(m.transitions)
	}
	return m
}

func (m *Metrics) transition(operation string, kind types.ErrorKind) {
	if m == nil {
		return
	}
	result := "ok"
	if kind != "" {
		result = string(kind)
	}
	m.transitions.WithLabelValues(operation, result).Inc()
}
