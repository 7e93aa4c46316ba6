package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// CallMetrics holds Prometheus metrics for the call engine
type CallMetrics struct {
	CallsInitiated    *prometheus.CounterVec
	CallsConnected    *prometheus.CounterVec
	CallsFailed       *prometheus.CounterVec
	CallsActive       prometheus.Gauge
	CallSetupDuration prometheus.Histogram
	ReconnectAttempts prometheus.Counter
	NoAnswerTimeouts  prometheus.Counter
	PushSends         *prometheus.CounterVec
}

// NewCallMetrics creates and registers call engine metrics on the given
// registerer. Pass prometheus.DefaultRegisterer in production code.
func NewCallMetrics(reg prometheus.Registerer) *CallMetrics {
	factory := promauto.With(reg)

	return &CallMetrics{
		CallsInitiated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "peercall_calls_initiated_total",
				Help: "Total number of calls initiated, by call type and role",
			},
			[]string{"call_type", "role"},
		),
		CallsConnected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "peercall_calls_connected_total",
				Help: "Total number of calls that reached the connected state",
			},
			[]string{"call_type"},
		),
		CallsFailed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "peercall_calls_failed_total",
				Help: "Total number of calls that ended in error, by error code",
			},
			[]string{"code"},
		),
		CallsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "peercall_calls_active",
				Help: "Number of currently active call sessions",
			},
		),
		CallSetupDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "peercall_call_setup_seconds",
				Help:    "Time from call initiation to connected state",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
			},
		),
		ReconnectAttempts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "peercall_reconnect_attempts_total",
				Help: "Total number of in-place transport recovery attempts",
			},
		),
		NoAnswerTimeouts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "peercall_no_answer_timeouts_total",
				Help: "Total number of calls that timed out before being answered",
			},
		),
		PushSends: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "peercall_push_sends_total",
				Help: "Total number of call push notifications sent, by kind and result",
			},
			[]string{"kind", "result"},
		),
	}
}
