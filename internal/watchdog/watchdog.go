// Package watchdog detects stuck jobs and memory exhaustion and notifies
// operators. It keeps its dedup state in an external store so that separate
// runs do not repeat alerts.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/jobserver/internal/jobs"
	"github.com/cuongbtq/jobserver/internal/notify"
)

// State keys
const (
	KeyReportedWait    = "reported_wait_ids"
	KeyReportedExecute = "reported_execute_ids"
	KeyMemoryPeak      = "memory_peak_bytes"
)

const megabyte = 1024 * 1024

// StateStore persists small JSON values between runs
type StateStore interface {
	Load(ctx context.Context, key string, dest any) (bool, error)
	Save(ctx context.Context, key string, value any) error
}

// Config holds watchdog thresholds. A zero duration disables its check.
type Config struct {
	MaxTimeWait        time.Duration
	MaxTimeExecute     time.Duration
	ExtremeWait        time.Duration
	MemoryThresholdMB  int
	MemoryHysteresisMB int
}

// Watchdog sweeps the job store for overdue jobs
type Watchdog struct {
	store    jobs.Store
	state    StateStore
	notifier notify.Notifier
	config   Config
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a new Watchdog
func New(store jobs.Store, state StateStore, notifier notify.Notifier, config Config, logger *slog.Logger) *Watchdog {
	return &Watchdog{
		store:    store,
		state:    state,
		notifier: notifier,
		config:   config,
		logger:   logger,
		now:      time.Now,
	}
}

// Report is the outcome of one CheckJobs sweep
type Report struct {
	StaleWaiting   []int64
	StaleExecuting []int64
	NewWaiting     []int64
	NewExecuting   []int64
	ExtremeWaiting []int64
	Notified       bool
}

// CheckJobs looks for jobs queued longer than MaxTimeWait and running longer
// than MaxTimeExecute. Only ids missing from the previous run's report are
// notified, except Queued jobs older than ExtremeWait which are always
// reported. The stored sets are replaced with the current stale sets.
func (w *Watchdog) CheckJobs(ctx context.Context) (*Report, error) {
	now := w.now()
	report := &Report{}

	var err error
	if w.config.MaxTimeWait > 0 {
		report.StaleWaiting, err = w.store.ListStale(ctx, jobs.StatusQueued, now.Add(-w.config.MaxTimeWait))
		if err != nil {
			return nil, fmt.Errorf("failed to list waiting jobs: %w", err)
		}
	}
	if w.config.MaxTimeExecute > 0 {
		report.StaleExecuting, err = w.store.ListStale(ctx, jobs.StatusRunning, now.Add(-w.config.MaxTimeExecute))
		if err != nil {
			return nil, fmt.Errorf("failed to list running jobs: %w", err)
		}
	}
	if w.config.ExtremeWait > 0 {
		report.ExtremeWaiting, err = w.store.ListStale(ctx, jobs.StatusQueued, now.Add(-w.config.ExtremeWait))
		if err != nil {
			return nil, fmt.Errorf("failed to list extreme waiting jobs: %w", err)
		}
	}

	reportedWait, err := w.loadIDs(ctx, KeyReportedWait)
	if err != nil {
		return nil, err
	}
	reportedExecute, err := w.loadIDs(ctx, KeyReportedExecute)
	if err != nil {
		return nil, err
	}

	report.NewWaiting = difference(report.StaleWaiting, reportedWait)
	report.NewExecuting = difference(report.StaleExecuting, reportedExecute)

	if len(report.NewWaiting) > 0 || len(report.NewExecuting) > 0 || len(report.ExtremeWaiting) > 0 {
		n := notify.Notification{
			Kind:           notify.KindStaleJobs,
			StaleWaiting:   report.NewWaiting,
			StaleExecuting: report.NewExecuting,
			ExtremeWaiting: report.ExtremeWaiting,
			MaxTimeWait:    w.config.MaxTimeWait,
			MaxTimeExecute: w.config.MaxTimeExecute,
			ExtremeWait:    w.config.ExtremeWait,
		}
		if err := w.notifier.Notify(ctx, n); err != nil {
			return report, fmt.Errorf("failed to send stale jobs notification: %w", err)
		}
		report.Notified = true
	}

	if err := w.state.Save(ctx, KeyReportedWait, nonNil(report.StaleWaiting)); err != nil {
		return report, fmt.Errorf("failed to save reported waiting jobs: %w", err)
	}
	if err := w.state.Save(ctx, KeyReportedExecute, nonNil(report.StaleExecuting)); err != nil {
		return report, fmt.Errorf("failed to save reported running jobs: %w", err)
	}

	w.logger.Info("Job check complete",
		slog.Int("stale_waiting", len(report.StaleWaiting)),
		slog.Int("stale_executing", len(report.StaleExecuting)),
		slog.Int("new_waiting", len(report.NewWaiting)),
		slog.Int("new_executing", len(report.NewExecuting)),
		slog.Int("extreme_waiting", len(report.ExtremeWaiting)),
		slog.Bool("notified", report.Notified),
	)

	return report, nil
}

// CheckMemory notifies when usageBytes exceeds the configured threshold and
// the last reported peak by more than the hysteresis margin
func (w *Watchdog) CheckMemory(ctx context.Context, usageBytes uint64) error {
	_, err := w.checkMemory(ctx, usageBytes)
	return err
}

// checkMemory reports whether a notification was sent
func (w *Watchdog) checkMemory(ctx context.Context, usageBytes uint64) (bool, error) {
	threshold := uint64(w.config.MemoryThresholdMB) * megabyte
	if threshold == 0 || usageBytes <= threshold {
		return false, nil
	}

	var peak uint64
	if _, err := w.state.Load(ctx, KeyMemoryPeak, &peak); err != nil {
		return false, fmt.Errorf("failed to load memory peak: %w", err)
	}

	hysteresis := uint64(w.config.MemoryHysteresisMB) * megabyte
	if peak > 0 && usageBytes <= peak+hysteresis {
		return false, nil
	}

	n := notify.Notification{
		Kind:                 notify.KindMemory,
		MemoryUsageBytes:     usageBytes,
		MemoryThresholdBytes: threshold,
		PreviousPeakBytes:    peak,
	}
	if err := w.notifier.Notify(ctx, n); err != nil {
		return false, fmt.Errorf("failed to send memory notification: %w", err)
	}

	if err := w.state.Save(ctx, KeyMemoryPeak, usageBytes); err != nil {
		return true, fmt.Errorf("failed to save memory peak: %w", err)
	}

	w.logger.Warn("Memory warning sent",
		slog.Uint64("usage_bytes", usageBytes),
		slog.Uint64("previous_peak_bytes", peak),
	)
	return true, nil
}

// Purge deletes Finished and Error jobs last updated more than days ago
func (w *Watchdog) Purge(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, errors.New("purge days must be positive")
	}

	olderThan := w.now().AddDate(0, 0, -days)
	deleted, err := w.store.Purge(ctx, []jobs.Status{jobs.StatusFinished, jobs.StatusError}, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to purge jobs: %w", err)
	}

	w.logger.Info("Old jobs purged",
		slog.Int("days", days),
		slog.Int64("deleted", deleted),
	)
	return deleted, nil
}

// RunOnce performs a job check followed by a purge when purgeDays is set
func (w *Watchdog) RunOnce(ctx context.Context, purgeDays int) error {
	var errs []error
	if _, err := w.CheckJobs(ctx); err != nil {
		errs = append(errs, err)
	}
	if purgeDays > 0 {
		if _, err := w.Purge(ctx, purgeDays); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (w *Watchdog) loadIDs(ctx context.Context, key string) (map[int64]bool, error) {
	var ids []int64
	if _, err := w.state.Load(ctx, key, &ids); err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", key, err)
	}

	set := make(map[int64]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set, nil
}

func difference(ids []int64, exclude map[int64]bool) []int64 {
	var out []int64
	for _, id := range ids {
		if !exclude[id] {
			out = append(out, id)
		}
	}
	return out
}

func nonNil(ids []int64) []int64 {
	if ids == nil {
		return []int64{}
	}
	return ids
}
