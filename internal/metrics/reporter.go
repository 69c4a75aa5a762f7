package metrics

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// Reporter periodically logs a summary of the process metrics and, when a path
// is configured, writes them in Prometheus text format for a textfile
// collector.
type Reporter struct {
	metrics  *Metrics
	interval time.Duration
	path     string
	logger   zerolog.Logger
}

// NewReporter creates a reporter for m. An empty path disables the textfile.
func NewReporter(m *Metrics, interval time.Duration, path string, logger zerolog.Logger) *Reporter {
	return &Reporter{
		metrics:  m,
		interval: interval,
		path:     path,
		logger:   logger.With().Str("component", "metrics-reporter").Logger(),
	}
}

// Run reports every interval until ctx is cancelled, then reports once more.
func (r *Reporter) Run(ctx context.Context) error {
	if r.interval <= 0 {
		<-ctx.Done()
		return r.Report()
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return r.Report()
		case <-ticker.C:
			if err := r.Report(); err != nil {
				r.logger.Warn().Err(err).Msg("Failed to write metrics textfile")
			}
		}
	}
}

// Report logs the current counters and writes the textfile.
func (r *Reporter) Report() error {
	s := r.metrics.Snapshot()
	r.logger.Info().
		Interface("frames_read", s["pipeline_frames_read"]).
		Interface("frames_written", s["pipeline_frames_written"]).
		Interface("retries", s["pipeline_retries_total"]).
		Interface("aborts", s["pipeline_aborts_total"]).
		Interface("writers_active", s["writers_active"]).
		Interface("streamers_active", s["streamers_active"]).
		Interface("mqtt_received", s["mqtt_messages_received"]).
		Interface("mqtt_dropped", s["mqtt_messages_dropped"]).
		Msg("Metrics")
	if r.path == "" {
		return nil
	}
	return writeAtomic(r.path, []byte(r.metrics.PrometheusFormat()))
}

// writeAtomic replaces path so readers never observe a partial file.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".metrics-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write metrics: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
