// Package metrics exposes ingestion counters in the Prometheus format,
// either over HTTP (watch mode) or as a node_exporter textfile.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bactdb/internal/domain"
)

const namespace = "bactdb"

// Registry holds the ingest collectors on a private Prometheus registry.
type Registry struct {
	reg              *prometheus.Registry
	Runs             *prometheus.CounterVec
	RowsRead         prometheus.Counter
	RowsWritten      prometheus.Counter
	RowsDuplicate    prometheus.Counter
	TemporalFailures prometheus.Counter
	UnmappedRows     prometheus.Counter
	RunDuration      prometheus.Histogram
	LastCommit       prometheus.Gauge
}

// NewRegistry creates a Registry with every collector registered.
func NewRegistry() *Registry {
	r := prometheus.NewRegistry()
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ingest_runs_total",
		Help:      "Ingestion runs by terminal status.",
	}, []string{"status"})
	read := prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "rows_read_total", Help: "Rows read from sources."})
	written := prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "rows_written_total", Help: "Rows inserted into the store."})
	dup := prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "rows_duplicate_total", Help: "Rows skipped because their natural key was already stored."})
	temporal := prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "temporal_failures_total", Help: "Rows whose timestamp could not be parsed."})
	unmapped := prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "unmapped_rows_total", Help: "Rows whose ward had no location mapping."})
	duration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "ingest_run_duration_seconds",
		Help:      "Wall time of ingestion runs.",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
	})
	last := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_commit_timestamp_seconds",
		Help:      "Unix time of the last committed run.",
	})

	r.MustRegister(runs, read, written, dup, temporal, unmapped, duration, last)
	return &Registry{
		reg:              r,
		Runs:             runs,
		RowsRead:         read,
		RowsWritten:      written,
		RowsDuplicate:    dup,
		TemporalFailures: temporal,
		UnmappedRows:     unmapped,
		RunDuration:      duration,
		LastCommit:       last,
	}
}

// ObserveRun records a finished run.
func (r *Registry) ObserveRun(run *domain.IngestRun) {
	if run == nil {
		return
	}
	r.Runs.WithLabelValues(string(run.Status)).Inc()
	r.RowsRead.Add(float64(run.RowsRead))
	r.RowsWritten.Add(float64(run.RowsWritten))
	r.RowsDuplicate.Add(float64(run.RowsDuplicate))
	r.TemporalFailures.Add(float64(run.TemporalFailures))
	r.UnmappedRows.Add(float64(run.UnmappedRows))
	if !run.StartedAt.IsZero() && !run.FinishedAt.IsZero() {
		r.RunDuration.Observe(run.FinishedAt.Sub(run.StartedAt).Seconds())
	}
	if run.Status == domain.RunCommitted {
		finished := run.FinishedAt
		if finished.IsZero() {
			finished = time.Now()
		}
		r.LastCommit.Set(float64(finished.Unix()))
	}
}

func (r *Registry) Handler() http.Handler { return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}) }

// Gatherer exposes the underlying registry.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// WriteTextfile writes the current metrics to path in the text exposition
// format, atomically, for the node_exporter textfile collector.
func (r *Registry) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, r.reg)
}
