package ingest

import "github.com/prometheus/client_golang/prometheus"

// Event outcome label values.
const (
	OutcomeAccepted    = "accepted"
	OutcomeInvalid     = "invalid"
	OutcomeForbidden   = "forbidden"
	OutcomeRateLimited = "rate_limited"
	OutcomeFailed      = "failed"
)

type Metrics struct {
	events      *prometheus.CounterVec
	rateLimited prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ingest",
			Name:      "events_total",
			Help:      "Events submitted, by outcome.",
		}, []string{"outcome"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ingest",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the per-key rate limit.",
		}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{m.events, m.rateLimited} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) addEvents(outcome string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.events.WithLabelValues(outcome).Add(float64(n))
}

func (m *Metrics) recordRateLimited(n int) {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
	m.addEvents(OutcomeRateLimited, n)
}
