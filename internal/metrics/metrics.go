// Package metrics records run outcomes in a Prometheus registry that is
// written out as a node-exporter textfile.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder holds the run metrics. A nil *Recorder ignores every call.
type Recorder struct {
	registry *prometheus.Registry

	SitesTotal       *prometheus.CounterVec
	StepFailures     *prometheus.CounterVec
	CheckFailures    *prometheus.CounterVec
	BackupEntries    *prometheus.GaugeVec
	LastRunTimestamp prometheus.Gauge
	RunDuration      prometheus.Gauge
	RunFailed        prometheus.Gauge
}

// New creates a recorder on a private registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,

		SitesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wp_harden_sites_total",
				Help: "Sites processed in the last run by result",
			},
			[]string{"result"},
		),

		StepFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wp_harden_step_failures_total",
				Help: "Hardening step failures in the last run",
			},
			[]string{"site", "step"},
		),

		CheckFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wp_harden_verify_failures_total",
				Help: "Post-hardening verification failures in the last run",
			},
			[]string{"site", "check"},
		),

		BackupEntries: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "wp_harden_backup_entries",
				Help: "Entries recorded in the latest permission backup",
			},
			[]string{"site"},
		),

		LastRunTimestamp: factory.NewGauge(prometheus.GaugeOpts{
			Name: "wp_harden_last_run_timestamp_seconds",
			Help: "Unix time the last run finished",
		}),

		RunDuration: factory.NewGauge(prometheus.GaugeOpts{
			Name: "wp_harden_last_run_duration_seconds",
			Help: "Wall time of the last run",
		}),

		RunFailed: factory.NewGauge(prometheus.GaugeOpts{
			Name: "wp_harden_last_run_failed",
			Help: "1 when any site failed in the last run",
		}),
	}
}

// SiteResult counts one processed site.
func (r *Recorder) SiteResult(ok bool) {
	if r == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	r.SitesTotal.WithLabelValues(result).Inc()
}

// StepFailed counts a failed hardening step.
func (r *Recorder) StepFailed(site, step string) {
	if r == nil {
		return
	}
	r.StepFailures.WithLabelValues(site, step).Inc()
}

// CheckFailed counts a failed verification check.
func (r *Recorder) CheckFailed(site, check string) {
	if r == nil {
		return
	}
	r.CheckFailures.WithLabelValues(site, check).Inc()
}

// BackupWritten records the size of a new backup.
func (r *Recorder) BackupWritten(site string, entries int) {
	if r == nil {
		return
	}
	r.BackupEntries.WithLabelValues(site).Set(float64(entries))
}

// RunFinished records the run's end time, duration and overall outcome.
func (r *Recorder) RunFinished(started, finished time.Time, failed bool) {
	if r == nil {
		return
	}
	r.LastRunTimestamp.Set(float64(finished.Unix()))
	r.RunDuration.Set(finished.Sub(started).Seconds())
	if failed {
		r.RunFailed.Set(1)
	} else {
		r.RunFailed.Set(0)
	}
}

// WriteTextfile atomically writes the registry in the text exposition format.
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil || path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
