package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles billing run metrics. A nil *Metrics records nothing.
type Metrics struct {
	RunsTotal         *prometheus.CounterVec
	RunDuration       prometheus.Histogram
	InvoicesTotal     prometheus.Counter
	MeterFailures     *prometheus.CounterVec
	BilledAmountTotal prometheus.Counter
	ActiveRuns        prometheus.Gauge
}

// New constructs metrics and registers them on reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "water_billing_runs_total",
				Help: "Total billing runs by final status",
			},
			[]string{"status"},
		),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "water_billing_run_duration_seconds",
			Help:    "Billing run duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 1800},
		}),
		InvoicesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "water_billing_invoices_total",
			Help: "Total invoices generated by billing runs",
		}),
		MeterFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "water_billing_meter_failures_total",
				Help: "Per-meter billing failures by kind",
			},
			[]string{"kind"},
		),
		BilledAmountTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "water_billing_billed_amount_total",
			Help: "Sum of invoice totals generated by billing runs",
		}),
		ActiveRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "water_billing_active_runs",
			Help: "Billing runs currently executing",
		}),
	}
	reg.MustRegister(
		m.RunsTotal,
		m.RunDuration,
		m.InvoicesTotal,
		m.MeterFailures,
		m.BilledAmountTotal,
		m.ActiveRuns,
	)
	return m
}

// RunStarted marks a run as active.
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.ActiveRuns.Inc()
}

// RunFinished records the outcome of a run.
func (m *Metrics) RunFinished(status string, seconds float64, invoices int, billedAmount float64) {
	if m == nil {
		return
	}
	m.ActiveRuns.Dec()
	m.RunsTotal.WithLabelValues(status).Inc()
	m.RunDuration.Observe(seconds)
	if invoices > 0 {
		m.InvoicesTotal.Add(float64(invoices))
	}
	if billedAmount > 0 {
		m.BilledAmountTotal.Add(billedAmount)
	}
}

// MeterFailed counts a per-meter failure.
func (m *Metrics) MeterFailed(kind string) {
	if m == nil {
		return
	}
	m.MeterFailures.WithLabelValues(kind).Inc()
}
