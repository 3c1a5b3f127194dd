package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jveski/warden/internal/lifecycle"
	"github.com/jveski/warden/internal/supervisor"
)

// Exporter holds warden's own telemetry. It observes the lifecycle manager, the supervisor, and the aggregator.
type Exporter struct {
	registry *prometheus.Registry

	workloadStatus      *prometheus.GaugeVec
	workloadRestarts    *prometheus.CounterVec
	replacements        *prometheus.CounterVec
	registryPollFailure *prometheus.CounterVec
	scrapeFailures      *prometheus.CounterVec
	scrapeDuration      *prometheus.HistogramVec
}

func NewExporter() *Exporter {
	e := &Exporter{
		registry: prometheus.NewRegistry(),
		workloadStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "warden",
			Name:      "workload_status",
			Help:      "1 for the current status of each workload's instance, 0 for every other status.",
		}, []string{"workload", "status"}),
		workloadRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "workload_restarts_total",
			Help:      "Automatic restarts of crashed instances.",
		}, []string{"workload"}),
		replacements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "replacements_total",
			Help:      "Registry polls by outcome.",
		}, []string{"workload", "outcome"}),
		registryPollFailure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "registry_poll_failures_total",
			Help:      "Registry polls that could not be completed.",
		}, []string{"workload"}),
		scrapeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "scrape_failures_total",
			Help:      "Scrapes that recorded a gap.",
		}, []string{"target"}),
		scrapeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "warden",
			Name:      "scrape_duration_seconds",
			Help:      "Latency of scrapes, successful or not.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"target"}),
	}

	e.registry.MustRegister(
		e.workloadStatus,
		e.workloadRestarts,
		e.replacements,
		e.registryPollFailure,
		e.scrapeFailures,
		e.scrapeDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return e
}

// Handler serves the registry in the exposition format.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{Registry: e.registry})
}

func (e *Exporter) WorkloadStatus(workload string, status lifecycle.Status) {
	for _, s := range lifecycle.Statuses {
		value := 0.0
		if s == status {
			value = 1
		}
		e.workloadStatus.WithLabelValues(workload, string(s)).Set(value)
	}
}

func (e *Exporter) WorkloadRestarted(workload string) {
	e.workloadRestarts.WithLabelValues(workload).Inc()
}

func (e *Exporter) ReplacementFinished(workload string, outcome supervisor.Outcome) {
	e.replacements.WithLabelValues(workload, string(outcome)).Inc()
}

func (e *Exporter) RegistryPollFailed(workload string) {
	e.registryPollFailure.WithLabelValues(workload).Inc()
}

func (e *Exporter) ScrapeFinished(target string, duration time.Duration, err error) {
	e.scrapeDuration.WithLabelValues(target).Observe(duration.Seconds())
	if err != nil {
		e.scrapeFailures.WithLabelValues(target).Inc()
	}
}

var (
	_ lifecycle.Observer  = (*Exporter)(nil)
	_ supervisor.Observer = (*Exporter)(nil)
	_ ScrapeObserver      = (*Exporter)(nil)
)
