// Package metrics exposes dispatcher, fleet and queue activity to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/orrn/printdesk/internal/core"
)

// Prometheus implements core.MetricsRecorder on its own registry.
type Prometheus struct {
	registry    *prometheus.Registry
	jobs        *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
	dispatches  *prometheus.CounterVec
	printerLoad *prometheus.GaugeVec
	queueDepth  prometheus.Gauge
}

func NewPrometheus() *Prometheus {
	m := &Prometheus{
		registry: prometheus.NewRegistry(),
		jobs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "printdesk",
				Name:      "jobs_finished_total",
				Help:      "Jobs that reached a terminal status",
			},
			[]string{"status"},
		),
		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "printdesk",
				Name:      "job_duration_seconds",
				Help:      "Time from claim to terminal status",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"status"},
		),
		dispatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "printdesk",
				Name:      "file_dispatches_total",
				Help:      "Files submitted to a printer",
			},
			[]string{"printer", "result"},
		),
		printerLoad: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "printdesk",
				Name:      "printer_jobs_in_flight",
				Help:      "Files currently submitted to each printer",
			},
			[]string{"printer"},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "printdesk",
				Name:      "queue_depth",
				Help:      "Print-server queue entries waiting to run",
			},
		),
	}

	m.registry.MustRegister(
		m.jobs, m.jobDuration, m.dispatches, m.printerLoad, m.queueDepth,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Prometheus) JobFinished(status core.JobStatus, d time.Duration) {
	m.jobs.WithLabelValues(string(status)).Inc()
	m.jobDuration.WithLabelValues(string(status)).Observe(d.Seconds())
}

func (m *Prometheus) FileDispatched(printer string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	if printer == "" {
		printer = "none"
	}
	m.dispatches.WithLabelValues(printer, result).Inc()
}

func (m *Prometheus) PrinterLoad(printer string, jobs int) {
	m.printerLoad.WithLabelValues(printer).Set(float64(jobs))
}

func (m *Prometheus) QueueDepth(n int) {
	m.queueDepth.Set(float64(n))
}

func (m *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
