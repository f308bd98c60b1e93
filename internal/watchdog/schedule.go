package watchdog

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSchedule reports whether spec is a usable cron expression
func ValidateSchedule(spec string) error {
	if _, err := parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return nil
}

// RunScheduled runs RunOnce on the cron schedule spec until ctx is
// cancelled. Overlapping runs are skipped.
func (w *Watchdog) RunScheduled(ctx context.Context, spec string, purgeDays int) error {
	c := cron.New(
		cron.WithParser(parser),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)

	_, err := c.AddFunc(spec, func() {
		if err := w.RunOnce(ctx, purgeDays); err != nil {
			w.logger.Error("Scheduled watchdog run failed", slog.Any("error", err))
		}
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}

	w.logger.Info("Watchdog scheduled",
		slog.String("schedule", spec),
		slog.Int("purge_days", purgeDays),
	)

	c.Start()
	<-ctx.Done()

	// Wait for a running pass to finish
	<-c.Stop().Done()
	w.logger.Info("Watchdog schedule stopped")
	return nil
}
