// Package metrics exposes the control plane's Prometheus gauges: rate-limit
// percentages and threshold levels per account/window, scheduler admission
// state, and monitor poll health. Grounded on itskum47-FluxForge's
// client_golang usage (GaugeVec keyed by labels, promhttp.Handler mux
// wiring) since no other repo in the retrieval pack imports Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every gauge/counter the control plane publishes and owns
// the prometheus.Registerer they're registered against.
type Registry struct {
	reg *prometheus.Registry

	RateLimitPercentage    *prometheus.GaugeVec
	RateLimitThresholdSev  *prometheus.GaugeVec
	SchedulerState         *prometheus.GaugeVec
	MonitorLastPollUnix    prometheus.Gauge
	MonitorPollErrorsTotal prometheus.Counter
	MonitorPollDuration    prometheus.Histogram
}

// New builds and registers a fresh set of metrics.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		RateLimitPercentage: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "agentctl",
			Subsystem: "ratemonitor",
			Name:      "window_percentage",
			Help:      "Most recently observed rate-limit window usage percentage.",
		}, []string{"account_id", "window_type"}),
		RateLimitThresholdSev: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "agentctl",
			Subsystem: "ratemonitor",
			Name:      "threshold_severity",
			Help:      "Current threshold severity (0=normal,1=info,2=warning,3=critical).",
		}, []string{"account_id", "window_type"}),
		SchedulerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "agentctl",
			Subsystem: "scheduler",
			Name:      "account_state",
			Help:      "Admission state per account (0=queued,1=running,2=stopped).",
		}, []string{"account_id"}),
		MonitorLastPollUnix: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentctl",
			Subsystem: "ratemonitor",
			Name:      "last_poll_unix_seconds",
			Help:      "Unix timestamp of the last completed monitor poll.",
		}),
		MonitorPollErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentctl",
			Subsystem: "ratemonitor",
			Name:      "poll_errors_total",
			Help:      "Count of provider usage fetches that returned an error.",
		}),
		MonitorPollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "agentctl",
			Subsystem: "ratemonitor",
			Name:      "poll_duration_seconds",
			Help:      "Wall-clock duration of a full monitor poll.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		r.RateLimitPercentage,
		r.RateLimitThresholdSev,
		r.SchedulerState,
		r.MonitorLastPollUnix,
		r.MonitorPollErrorsTotal,
		r.MonitorPollDuration,
	)
	return r
}

// Handler returns the /metrics HTTP handler for this registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// ThresholdSeverity maps a threshold level name to its ordinal severity,
// matching ratemonitor's normal<info<warning<critical ordering.
func ThresholdSeverity(level string) float64 {
	switch level {
	case "info":
		return 1
	case "warning":
		return 2
	case "critical":
		return 3
	default:
		return 0
	}
}

// SchedulerStateValue maps a scheduler state name to its gauge value.
func SchedulerStateValue(state string) float64 {
	switch state {
	case "running":
		return 1
	case "stopped":
		return 2
	default:
		return 0
	}
}
