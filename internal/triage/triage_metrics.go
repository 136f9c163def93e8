package triage

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the triage subsystem.
type Metrics struct {
	EmailsTotal        *prometheus.CounterVec
	EmailDuration      *prometheus.HistogramVec
	DraftAttempts      prometheus.Histogram
	TransitionsTotal   *prometheus.CounterVec
	CapabilityTotal    *prometheus.CounterVec
	CapabilityDuration *prometheus.HistogramVec
	CyclesTotal        prometheus.Counter
	CycleBatchSize     prometheus.Histogram
}

// NewMetrics registers and returns triage metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EmailsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailwarden_emails_total",
			Help: "Total emails processed by terminal action and category.",
		}, []string{"action", "category"}),
		EmailDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mailwarden_email_duration_seconds",
			Help:    "Time from picking up an email to its terminal action.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s .. ~256s
		}, []string{"action"}),
		DraftAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mailwarden_draft_attempts",
			Help:    "Drafting attempts per email.",
			Buckets: prometheus.LinearBuckets(0, 1, MaxDraftAttempts+1),
		}),
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailwarden_state_transitions_total",
			Help: "State machine transitions by source and target state.",
		}, []string{"from", "to"}),
		CapabilityTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailwarden_capability_calls_total",
			Help: "Capability invocations by name and status.",
		}, []string{"capability", "status"}),
		CapabilityDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mailwarden_capability_duration_seconds",
			Help:    "Duration of capability invocations in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 0.1s .. ~51s
		}, []string{"capability"}),
		CyclesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mailwarden_cycles_total",
			Help: "Completed inbox cycles.",
		}),
		CycleBatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mailwarden_cycle_batch_size",
			Help:    "Emails fetched per cycle.",
			Buckets: prometheus.LinearBuckets(0, 5, 11), // 0 .. 50
		}),
	}

	reg.MustRegister(
		m.EmailsTotal,
		m.EmailDuration,
		m.DraftAttempts,
		m.TransitionsTotal,
		m.CapabilityTotal,
		m.CapabilityDuration,
		m.CyclesTotal,
		m.CycleBatchSize,
	)

	return m
}

// Hooks returns an EngineHooks that increments the corresponding metrics.
func (m *Metrics) Hooks() EngineHooks {
	return EngineHooks{
		OnTransition: func(from, to State) {
			m.TransitionsTotal.WithLabelValues(from.String(), to.String()).Inc()
		},
		OnCapability: func(name string, duration float64, failed bool) {
			status := "success"
			if failed {
				status = "error"
			}
			m.CapabilityTotal.WithLabelValues(name, status).Inc()
			m.CapabilityDuration.WithLabelValues(name).Observe(duration)
		},
		OnOutcome: func(o *Outcome) {
			category := string(o.Category)
			if category == "" {
				category = "none"
			}
			m.EmailsTotal.WithLabelValues(string(o.Action), category).Inc()
			m.EmailDuration.WithLabelValues(string(o.Action)).Observe(o.Duration.Seconds())
			m.DraftAttempts.Observe(float64(o.RetryCount))
		},
		OnCycle: func(r *CycleReport) {
			m.CyclesTotal.Inc()
			m.CycleBatchSize.Observe(float64(r.Fetched))
		},
	}
}
