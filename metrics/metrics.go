// metrics/metrics.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package metrics records the outcome of the last backup or restore in
// a Prometheus textfile, for node_exporter's textfile collector.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Run is one completed (or failed) backup or restore.
type Run struct {
	Op          string // "backup" or "restore"
	Device      string
	Success     bool
	Start       time.Time
	Duration    time.Duration
	StoredBytes int64
}

// WriteTextfile replaces the file at path with metrics describing r.
func WriteTextfile(path string, r Run) error {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	labels := []string{"op", "device"}

	success := factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "imprint_last_run_success",
		Help: "1 if the last run succeeded, 0 otherwise",
	}, labels)
	timestamp := factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "imprint_last_run_timestamp_seconds",
		Help: "Unix time the last run started",
	}, labels)
	duration := factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "imprint_last_run_duration_seconds",
		Help: "How long the last run took",
	}, labels)
	stored := factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "imprint_last_run_stored_bytes",
		Help: "Bytes of image data written or read by the last run",
	}, labels)

	lv := []string{r.Op, r.Device}
	if r.Success {
		success.WithLabelValues(lv...).Set(1)
	} else {
		success.WithLabelValues(lv...).Set(0)
	}
	timestamp.WithLabelValues(lv...).Set(float64(r.Start.Unix()))
	duration.WithLabelValues(lv...).Set(r.Duration.Seconds())
	stored.WithLabelValues(lv...).Set(float64(r.StoredBytes))

	return prometheus.WriteToTextfile(path, reg)
}
