package scheduler

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the scheduler's prometheus collectors. A nil *Metrics is a
// valid no-op.
type Metrics struct {
	Created          prometheus.Counter
	Fired            prometheus.Counter
	Cancelled        prometheus.Counter
	CallbackFailures prometheus.Counter
	Restored         prometheus.Counter
	Dropped          *prometheus.CounterVec
	PersistErrors    *prometheus.CounterVec
	Active           prometheus.Gauge
}

// NewMetrics builds the collectors and registers them with reg when it is
// non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Created:          prometheus.NewCounter(prometheus.CounterOpts{Name: "guildtimer_timers_created_total", Help: "Timers created"}),
		Fired:            prometheus.NewCounter(prometheus.CounterOpts{Name: "guildtimer_timers_fired_total", Help: "Timers that completed and ran their callback"}),
		Cancelled:        prometheus.NewCounter(prometheus.CounterOpts{Name: "guildtimer_timers_cancelled_total", Help: "Timers cancelled"}),
		CallbackFailures: prometheus.NewCounter(prometheus.CounterOpts{Name: "guildtimer_timer_callback_failures_total", Help: "Timer callbacks that returned an error or panicked"}),
		Restored:         prometheus.NewCounter(prometheus.CounterOpts{Name: "guildtimer_recovery_restored_total", Help: "Persisted timers rehydrated during tenant recovery"}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guildtimer_recovery_dropped_total",
			Help: "Persisted timers discarded during tenant recovery",
		}, []string{"reason"}),
		PersistErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guildtimer_persist_errors_total",
			Help: "Failed timer store writes",
		}, []string{"op"}),
		Active: prometheus.NewGauge(prometheus.GaugeOpts{Name: "guildtimer_active_timers", Help: "Live timers across all tenants"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Created,
			m.Fired,
			m.Cancelled,
			m.CallbackFailures,
			m.Restored,
			m.Dropped,
			m.PersistErrors,
			m.Active,
		)
	}
	return m
}

func (m *Metrics) created() {
	if m != nil {
		m.Created.Inc()
	}
}

func (m *Metrics) fired() {
	if m != nil {
		m.Fired.Inc()
	}
}

func (m *Metrics) cancelled(n int) {
	if m != nil {
		m.Cancelled.Add(float64(n))
	}
}

func (m *Metrics) callbackFailed() {
	if m != nil {
		m.CallbackFailures.Inc()
	}
}

func (m *Metrics) restored() {
	if m != nil {
		m.Restored.Inc()
	}
}

func (m *Metrics) dropped(reason string) {
	if m != nil {
		m.Dropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) persistError(op string) {
	if m != nil {
		m.PersistErrors.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) setActive(n int) {
	if m != nil {
		m.Active.Set(float64(n))
	}
}
