package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	// Sets GOMEMLIMIT from the cgroup memory limit of the consumer
	_ "github.com/KimMachineGun/automemlimit"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cuongbtq/jobserver/internal/config"
	"github.com/cuongbtq/jobserver/internal/jobs"
	"github.com/cuongbtq/jobserver/internal/storage"
	"github.com/cuongbtq/jobserver/internal/supervisor"
	"github.com/cuongbtq/jobserver/internal/watchdog"
	"github.com/cuongbtq/jobserver/internal/worker"
	"github.com/cuongbtq/jobserver/shared/rabbitmq"
)

// crashExitCode tells the supervisor a job crashed the consumer
const crashExitCode = 2

func consumeCmd() *cobra.Command {
	var highPriority bool

	cmd := &cobra.Command{
		Use:   "consume",
		Short: "Run a single consumer process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runConsume(cmd, highPriority)
		},
	}

	cmd.Flags().BoolVar(&highPriority, "high-priority", false, "Only accept jobs at or above the high priority threshold")
	return cmd
}

func runConsume(cmd *cobra.Command, highPriority bool) error {
	cfg, err := loadConfig((*config.Config).ValidateWorkerConfig)
	if err != nil {
		return err
	}

	appLogger, err := initLogger(&cfg.Logging, "worker")
	if err != nil {
		return err
	}

	class := supervisor.ClassNormal
	minPriority := uint8(jobs.MinPriority)
	if highPriority {
		class = supervisor.ClassHigh
		minPriority = rabbitmq.ClampPriority(cfg.Consumer.HighPriorityThreshold)
	}

	logger := appLogger.With(slog.Int("pid", os.Getpid()), slog.String("class", string(class))).Logger

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	dbClient, err := initPostgreSQL(&cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	brokerConfig, err := rabbitConfig(cfg)
	if err != nil {
		return err
	}

	broker, err := rabbitmq.NewClient(ctx, brokerConfig, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer broker.Close()

	store := storage.NewStorage(dbClient.GetDB(), logger)
	service := jobs.NewService(store, broker, logger)

	var reporter worker.MemoryReporter
	if cfg.JobChecker.MemoryThresholdMB > 0 {
		notifier, err := newNotifier(&cfg.Notify, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize notifier: %w", err)
		}
		reporter = watchdog.New(store, storage.NewStateStore(dbClient.GetDB()), notifier, watchdogConfig(&cfg.JobChecker), logger)
	}

	w := worker.NewWorker(&worker.Config{
		Logger:              logger,
		Service:             service,
		Consumer:            broker,
		Registry:            worker.DefaultRegistry(),
		ConsumerTag:         fmt.Sprintf("%s-%d-%s", class, os.Getpid(), uuid.NewString()[:8]),
		MinPriority:         minPriority,
		ConsumerCount:       cfg.Consumer.ConsumerCount,
		MemoryLimitMB:       cfg.Worker.MemoryLimitMB,
		CrashRequeueDelay:   cfg.Worker.CrashRequeueDelay,
		MarkCrashedAsCloned: cfg.Worker.MarkCrashedAsCloned,
		DeleteOnError:       cfg.Worker.DeleteOnError,
		RequeueAttempts:     cfg.Worker.RequeueAttempts,
		RequeueInterval:     cfg.Worker.RequeueInterval,
		MemoryReporter:      reporter,
	})

	if err := w.Run(ctx); err != nil {
		if errors.Is(err, jobs.ErrCrashed) {
			return &exitError{code: crashExitCode, err: err}
		}
		return err
	}

	return nil
}
