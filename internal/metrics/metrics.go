// Package metrics exposes Prometheus instruments for rule runs, item actions,
// download-service calls and the HTTP API.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/darshan-rambhia/sweep/internal/model"
)

// Metrics holds every instrument on its own registry. Tenants are never used
// as labels.
type Metrics struct {
	reg *prometheus.Registry

	runsTotal        *prometheus.CounterVec
	runDuration      *prometheus.HistogramVec
	itemActions      *prometheus.CounterVec
	runsInFlight     prometheus.Gauge
	scheduledRules   prometheus.Gauge
	downloadRequests *prometheus.CounterVec
	downloadLatency  *prometheus.HistogramVec
	httpRequests     *prometheus.CounterVec
	logsPruned       prometheus.Counter
}

// New registers all instruments plus the Go and process collectors on a fresh
// registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,

		runsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sweep_rule_runs_total",
				Help: "Rule runs by execution type and outcome",
			},
			[]string{"execution_type", "outcome"},
		),
		runDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sweep_rule_run_duration_seconds",
				Help:    "Wall time of a rule run, including the item fetch",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"execution_type"},
		),
		itemActions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sweep_item_actions_total",
				Help: "Control operations issued against items",
			},
			[]string{"action", "result"},
		),
		runsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "sweep_rule_runs_in_flight",
			Help: "Rule runs currently executing",
		}),
		scheduledRules: f.NewGauge(prometheus.GaugeOpts{
			Name: "sweep_scheduled_rules",
			Help: "Enabled rules tracked by the scheduler",
		}),
		downloadRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sweep_download_requests_total",
				Help: "Requests made to the download service",
			},
			[]string{"endpoint", "status"},
		),
		downloadLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sweep_download_request_duration_seconds",
				Help:    "Latency of download-service requests",
				Buckets: []float64{.025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"endpoint"},
		),
		httpRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sweep_http_requests_total",
				Help: "API requests by route pattern, method and status code",
			},
			[]string{"route", "method", "code"},
		),
		logsPruned: f.NewCounter(prometheus.CounterOpts{
			Name: "sweep_execution_logs_pruned_total",
			Help: "Execution log rows removed by retention",
		}),
	}
}

// Outcome classifies a finished run.
func Outcome(l *model.ExecutionLog) string {
	switch {
	case l.Success:
		return "success"
	case l.Partial:
		return "partial"
	}
	return "failure"
}

// ObserveRun records a finished rule run.
func (m *Metrics) ObserveRun(l *model.ExecutionLog, elapsed time.Duration) {
	m.runsTotal.WithLabelValues(string(l.ExecutionType), Outcome(l)).Inc()
	m.runDuration.WithLabelValues(string(l.ExecutionType)).Observe(elapsed.Seconds())
	for _, p := range l.ProcessedItems {
		result := "success"
		if !p.Success {
			result = "failure"
		}
		m.itemActions.WithLabelValues(string(p.Action), result).Inc()
	}
}

// RunStarted and RunFinished track in-flight runs.
func (m *Metrics) RunStarted()  { m.runsInFlight.Inc() }
func (m *Metrics) RunFinished() { m.runsInFlight.Dec() }

// SetScheduledRules records how many enabled rules the scheduler tracks.
func (m *Metrics) SetScheduledRules(n int) { m.scheduledRules.Set(float64(n)) }

// ObserveDownloadRequest matches downloads.Observer. A zero status means the
// request never got a response.
func (m *Metrics) ObserveDownloadRequest(endpoint string, status int, elapsed time.Duration) {
	code := "error"
	if status > 0 {
		code = strconv.Itoa(status)
	}
	m.downloadRequests.WithLabelValues(endpoint, code).Inc()
	m.downloadLatency.WithLabelValues(endpoint).Observe(elapsed.Seconds())
}

// ObserveHTTPRequest records one API request.
func (m *Metrics) ObserveHTTPRequest(route, method string, status int) {
	m.httpRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
}

// LogsPruned adds to the pruned-rows counter.
func (m *Metrics) LogsPruned(n int64) { m.logsPruned.Add(float64(n)) }

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}
