package main

import (
	"fmt"
	"log/slog"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuongbtq/jobserver/internal/config"
	"github.com/cuongbtq/jobserver/internal/supervisor"
	"github.com/cuongbtq/jobserver/shared/rabbitmq"
)

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the supervisor and keep the consumer pool alive",
		Args:  cobra.NoArgs,
		RunE:  runStart,
	}
}

func runStart(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig((*config.Config).ValidateSupervisorConfig)
	if err != nil {
		return err
	}

	appLogger, err := initLogger(&cfg.Logging, "supervisor")
	if err != nil {
		return err
	}

	pidPath := pidFilePath(cfg)
	if err := supervisor.WritePIDFile(pidPath); err != nil {
		return err
	}
	defer func() {
		if err := supervisor.RemovePIDFile(pidPath); err != nil {
			appLogger.Warn("Failed to remove pid file", slog.Any("error", err))
		}
	}()

	brokerConfig, err := rabbitConfig(cfg)
	if err != nil {
		return err
	}

	// Dialed lazily by the supervisor's broker check
	broker := rabbitmq.NewDisconnectedClient(brokerConfig, appLogger.Logger)
	defer broker.Close()

	// Children resolve the same file whatever their working directory
	absConfig, err := filepath.Abs(configPath)
	if err != nil {
		return fmt.Errorf("failed to resolve config path: %w", err)
	}

	spawner, err := supervisor.NewExecSpawner([]string{"--config", absConfig}, appLogger.Logger)
	if err != nil {
		return err
	}

	sup := supervisor.New(spawner, broker, supervisor.Config{
		ConsumerCount:       cfg.Consumer.ConsumerCount,
		HighPriorityCount:   cfg.Consumer.HighPriorityConsumerCount,
		CheckInterval:       cfg.Supervisor.CheckInterval,
		BrokerRetryInterval: cfg.Supervisor.BrokerRetryInterval,
		ShutdownTimeout:     cfg.Supervisor.ShutdownTimeout,
		SpawnsPerSecond:     cfg.Supervisor.SpawnsPerSecond,
	}, appLogger.Logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	appLogger.Info("Starting jobserver",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("queue", brokerConfig.QueueName),
		slog.String("pid_file", pidPath),
	)

	return sup.Run(ctx)
}
