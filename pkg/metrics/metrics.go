// Package metrics records pipeline runs as Prometheus metrics and writes
// them for the node exporter textfile collector.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"hostsblock/pkg/outcome"
)

// Metrics holds the collectors of one process. A nil *Metrics records
// nothing.
type Metrics struct {
	registry *prometheus.Registry

	runs          *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	downloaded    prometheus.Counter
	invalidLines  prometheus.Counter
	blocked       prometheus.Gauge
	redirected    prometheus.Gauge
	lastSuccess   prometheus.Gauge
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hostsblock_runs_total",
				Help: "Pipeline runs by operation and outcome code",
			},
			[]string{"operation", "outcome"},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hostsblock_stage_duration_seconds",
				Help:    "Duration of pipeline stages in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"stage"},
		),
		downloaded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hostsblock_downloaded_bytes_total",
			Help: "Bytes downloaded from hosts sources",
		}),
		invalidLines: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hostsblock_invalid_lines_total",
			Help: "Malformed lines skipped while parsing sources",
		}),
		blocked: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hostsblock_blocked_hosts",
			Help: "Hosts mapped to the block IP by the last built document",
		}),
		redirected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hostsblock_redirected_hosts",
			Help: "Hosts redirected to a custom IP by the last built document",
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hostsblock_last_success_timestamp_seconds",
			Help: "Unix time of the last successful apply",
		}),
	}
	m.registry.MustRegister(m.runs, m.stageDuration, m.downloaded, m.invalidLines,
		m.blocked, m.redirected, m.lastSuccess)
	return m
}

// RecordRun counts a finished operation.
func (m *Metrics) RecordRun(operation string, code outcome.Code) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(operation, code.String()).Inc()
}

// ObserveStage records how long a stage took.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// AddDownloaded adds fetched bytes.
func (m *Metrics) AddDownloaded(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.downloaded.Add(float64(n))
}

// AddInvalid adds skipped lines.
func (m *Metrics) AddInvalid(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.invalidLines.Add(float64(n))
}

// SetDocument records the size of the last built document.
func (m *Metrics) SetDocument(blocked, redirected int) {
	if m == nil {
		return
	}
	m.blocked.Set(float64(blocked))
	m.redirected.Set(float64(redirected))
}

// MarkSuccess records the time of a successful apply.
func (m *Metrics) MarkSuccess(t time.Time) {
	if m == nil {
		return
	}
	m.lastSuccess.Set(float64(t.Unix()))
}

// WriteTextfile writes all metrics to path in the text exposition format.
// An empty path disables the export.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
