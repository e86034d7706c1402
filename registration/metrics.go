package registration

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	resultSuccess      = "success"
	resultNoAddress    = "no_address"
	resultResponder    = "responder_error"
	resultRegistration = "registration_error"
)

// Metrics exports the outcome of registration attempts. A nil *Metrics is valid and discards everything.
type Metrics struct {
	registrations *prometheus.CounterVec
	running       prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		registrations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mdnsd",
			Name:      "registrations_total",
			Help:      "Number of registration attempts by result.",
		}, []string{"result"}),
		running: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "mdnsd",
			Name:      "registration_running",
			Help:      "Whether the service is currently advertised.",
		}),
	}
}

func (m *Metrics) attempt(result string) {
	if m == nil {
		return
	}
	m.registrations.WithLabelValues(result).Inc()
}

func (m *Metrics) setRunning(running bool) {
	if m == nil {
		return
	}

	if running {
		m.running.Set(1)
	} else {
		m.running.Set(0)
	}
}
