package rcchat

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts engine activity. A nil *Metrics is valid and records nothing.
type Metrics struct {
	merged          *prometheus.CounterVec
	duplicates      prometheus.Counter
	dropped         *prometheus.CounterVec
	gatewayFailures *prometheus.CounterVec
	alerts          *prometheus.CounterVec
	storeFailures   *prometheus.CounterVec
}

// NewMetrics creates the counters and registers them with reg when non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		merged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rcchat_messages_merged_total",
			Help: "Messages inserted into a conversation window, by source.",
		}, []string{"source"}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rcchat_messages_duplicate_total",
			Help: "Messages ignored because their id was already loaded.",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rcchat_events_dropped_total",
			Help: "Push events that were not applied, by reason.",
		}, []string{"reason"}),
		gatewayFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rcchat_gateway_failures_total",
			Help: "Failed gateway calls, by operation.",
		}, []string{"op"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rcchat_alerts_total",
			Help: "Notification policy decisions, by result.",
		}, []string{"result"}),
		storeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rcchat_store_failures_total",
			Help: "Snapshot store writes that failed, by slice.",
		}, []string{"slice"}),
	}
	if reg != nil {
		reg.MustRegister(m.merged, m.duplicates, m.dropped, m.gatewayFailures, m.alerts, m.storeFailures)
	}
	return m
}

func (m *Metrics) messagesMerged(source string, n int) {
	if m != nil && n > 0 {
		m.merged.WithLabelValues(source).Add(float64(n))
	}
}

func (m *Metrics) duplicate() {
	if m != nil {
		m.duplicates.Inc()
	}
}

func (m *Metrics) eventDropped(reason string) {
	if m != nil {
		m.dropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) gatewayFailure(op string) {
	if m != nil {
		m.gatewayFailures.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) alert(shown bool) {
	if m == nil {
		return
	}
	if shown {
		m.alerts.WithLabelValues("shown").Inc()
	} else {
		m.alerts.WithLabelValues("suppressed").Inc()
	}
}

func (m *Metrics) storeFailure(slice string) {
	if m != nil {
		m.storeFailures.WithLabelValues(slice).Inc()
	}
}
