package reconcile

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for ingestion cycles.
type Metrics struct {
	CyclesTotal       *prometheus.CounterVec
	CycleDuration     *prometheus.HistogramVec
	ReportsReceived   prometheus.Counter
	IncidentsUpserted prometheus.Counter
	ReportsSkipped    prometheus.Counter
	IncidentsCleared  prometheus.Counter
	LastSuccess       prometheus.Gauge
}

// NewMetrics registers and returns reconcile metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roadwatch_cycles_total",
			Help: "Total ingestion cycles by outcome.",
		}, []string{"outcome"}),
		CycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "roadwatch_cycle_duration_seconds",
			Help:    "Duration of ingestion cycles in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms .. ~25s
		}, []string{"outcome"}),
		ReportsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roadwatch_reports_received_total",
			Help: "Total raw reports received from the feed.",
		}),
		IncidentsUpserted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roadwatch_incidents_upserted_total",
			Help: "Total incidents written to the store.",
		}),
		ReportsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roadwatch_reports_skipped_total",
			Help: "Total raw reports rejected by normalization.",
		}),
		IncidentsCleared: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roadwatch_incidents_cleared_total",
			Help: "Total incidents transitioned to cleared.",
		}),
		LastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "roadwatch_last_successful_cycle_timestamp_seconds",
			Help: "Unix time of the last successful ingestion cycle.",
		}),
	}

	reg.MustRegister(
		m.CyclesTotal,
		m.CycleDuration,
		m.ReportsReceived,
		m.IncidentsUpserted,
		m.ReportsSkipped,
		m.IncidentsCleared,
		m.LastSuccess,
	)

	return m
}

// Hooks returns Hooks that record every finished cycle.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnCycle: func(r *CycleReport) {
			m.CyclesTotal.WithLabelValues(r.Outcome).Inc()
			m.CycleDuration.WithLabelValues(r.Outcome).Observe(r.Duration.Seconds())
			m.ReportsReceived.Add(float64(r.Received))
			m.IncidentsUpserted.Add(float64(r.Processed))
			m.ReportsSkipped.Add(float64(r.Skipped))
			m.IncidentsCleared.Add(float64(r.Cleared))
			if r.Outcome == OutcomeOK {
				m.LastSuccess.Set(float64(r.StartedAt.Add(r.Duration).Unix()))
			}
		},
	}
}
