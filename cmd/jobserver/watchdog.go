package main

import (
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuongbtq/jobserver/internal/config"
	"github.com/cuongbtq/jobserver/internal/storage"
	"github.com/cuongbtq/jobserver/internal/watchdog"
	"github.com/cuongbtq/jobserver/shared/postgresql"
)

func watchdogCmd() *cobra.Command {
	var schedule string
	var daemon bool
	var purgeDays int

	cmd := &cobra.Command{
		Use:   "watchdog",
		Short: "Report stale jobs and purge old ones",
		Long: "Runs one watchdog pass and exits. With --daemon the pass repeats " +
			"on jobchecker.schedule until the process is signalled; --schedule " +
			"overrides that schedule and implies --daemon.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig((*config.Config).ValidateWatchdogConfig)
			if err != nil {
				return err
			}

			if schedule == "" && daemon {
				schedule = cfg.JobChecker.Schedule
				if schedule == "" {
					return fmt.Errorf("jobchecker schedule is not configured")
				}
			}
			if !cmd.Flags().Changed("purge-days") {
				purgeDays = cfg.JobChecker.PurgeDays
			}

			wd, dbClient, err := newWatchdog(cfg)
			if err != nil {
				return err
			}
			defer dbClient.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
			defer stop()

			if schedule == "" {
				return wd.RunOnce(ctx, purgeDays)
			}

			if err := watchdog.ValidateSchedule(schedule); err != nil {
				return err
			}
			return wd.RunScheduled(ctx, schedule, purgeDays)
		},
	}

	cmd.Flags().BoolVar(&daemon, "daemon", false, "Keep running on the configured schedule")
	cmd.Flags().StringVar(&schedule, "schedule", "", "Cron schedule to repeat the pass on (e.g. \"*/5 * * * *\" or \"@every 5m\")")
	cmd.Flags().IntVar(&purgeDays, "purge-days", 0, "Purge Finished and Error jobs older than this many days")
	return cmd
}

func purgeCmd() *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete Finished and Error jobs older than --days",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig((*config.Config).ValidateWatchdogConfig)
			if err != nil {
				return err
			}

			if !cmd.Flags().Changed("days") {
				days = cfg.JobChecker.PurgeDays
			}

			wd, dbClient, err := newWatchdog(cfg)
			if err != nil {
				return err
			}
			defer dbClient.Close()

			n, err := wd.Purge(cmd.Context(), days)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Purged %d jobs older than %d days\n", n, days)
			return nil
		},
	}

	cmd.Flags().IntVar(&days, "days", 0, "Age in days, defaults to jobchecker.purge_days")
	return cmd
}

func newWatchdog(cfg *config.Config) (*watchdog.Watchdog, *postgresql.Client, error) {
	appLogger, err := initLogger(&cfg.Logging, "watchdog")
	if err != nil {
		return nil, nil, err
	}

	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	notifier, err := newNotifier(&cfg.Notify, appLogger.Logger)
	if err != nil {
		dbClient.Close()
		return nil, nil, fmt.Errorf("failed to initialize notifier: %w", err)
	}

	appLogger.Debug("Watchdog initialized",
		slog.Duration("max_time_wait", cfg.JobChecker.MaxTimeWait),
		slog.Duration("max_time_execute", cfg.JobChecker.MaxTimeExecute),
	)

	wd := watchdog.New(
		storage.NewStorage(dbClient.GetDB(), appLogger.Logger),
		storage.NewStateStore(dbClient.GetDB()),
		notifier,
		watchdogConfig(&cfg.JobChecker),
		appLogger.Logger,
	)
	return wd, dbClient, nil
}
