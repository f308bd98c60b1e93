// Package metrics exposes job table gauges to Prometheus.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cuongbtq/jobserver/internal/jobs"
)

var allStatuses = []jobs.Status{
	jobs.StatusQueued,
	jobs.StatusRunning,
	jobs.StatusFinished,
	jobs.StatusError,
	jobs.StatusCloned,
}

// JobCollector reports the number of jobs per status on every scrape
type JobCollector struct {
	lister  jobs.Lister
	logger  *slog.Logger
	timeout time.Duration

	jobs *prometheus.Desc
	up   *prometheus.Desc
}

// NewJobCollector creates a new JobCollector
func NewJobCollector(lister jobs.Lister, logger *slog.Logger) *JobCollector {
	return &JobCollector{
		lister:  lister,
		logger:  logger,
		timeout: 5 * time.Second,
		jobs: prometheus.NewDesc(
			"jobserver_jobs",
			"Number of jobs in the store by status.",
			[]string{"status"}, nil,
		),
		up: prometheus.NewDesc(
			"jobserver_store_up",
			"Whether the last job count query succeeded.",
			nil, nil,
		),
	}
}

func (c *JobCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.jobs
	ch <- c.up
}

func (c *JobCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	counts, err := c.lister.CountByStatus(ctx)
	if err != nil {
		c.logger.Error("Failed to count jobs for metrics", slog.Any("error", err))
		ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 0)
		return
	}

	ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 1)
	for _, status := range allStatuses {
		ch <- prometheus.MustNewConstMetric(c.jobs, prometheus.GaugeValue, float64(counts[status]), string(status))
	}
}
