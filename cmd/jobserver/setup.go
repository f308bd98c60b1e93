package main

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/cuongbtq/jobserver/internal/config"
	"github.com/cuongbtq/jobserver/internal/notify"
	"github.com/cuongbtq/jobserver/internal/supervisor"
	"github.com/cuongbtq/jobserver/internal/watchdog"
	"github.com/cuongbtq/jobserver/shared/logger"
	"github.com/cuongbtq/jobserver/shared/postgresql"
	"github.com/cuongbtq/jobserver/shared/rabbitmq"
)

// loadConfig reads the configuration file and applies validate
func loadConfig(validate func(*config.Config) error) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if validate != nil {
		if err := validate(cfg); err != nil {
			return nil, fmt.Errorf("invalid config: %w", err)
		}
	}

	return cfg, nil
}

// initLogger initializes the logger of a process tagged with component
func initLogger(cfg *config.LoggingConfig, component string) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	l, err := logger.New(loggerCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	l = l.WithComponent(component)
	slog.SetDefault(l.Logger)
	return l, nil
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	return postgresql.NewClient(dbConfig, logger)
}

// rabbitConfig maps the broker section onto the deployment queue
func rabbitConfig(cfg *config.Config) (*rabbitmq.Config, error) {
	queueName, err := rabbitmq.LoadOrCreateQueueName(cfg.StateDir, cfg.RabbitMQ.Queue.Prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve queue name: %w", err)
	}

	rc := &cfg.RabbitMQ
	return &rabbitmq.Config{
		Host:               rc.Host,
		Port:               rc.Port,
		User:               rc.User,
		Password:           rc.Password,
		VHost:              rc.VHost,
		ExchangeName:       rc.Exchange.Name,
		ExchangeDurable:    rc.Exchange.Durable,
		QueueName:          queueName,
		MaxPriority:        rc.Queue.MaxPriority,
		RetryAttempts:      rc.Connection.RetryAttempts,
		RetryInterval:      rc.Connection.RetryInterval,
		Heartbeat:          rc.Connection.Heartbeat,
		ConnectionTimeout:  rc.Connection.ConnectionTimeout,
		PublishRetries:     rc.Publish.RetryAttempts,
		PublishRetryDelay:  rc.Publish.RetryInterval,
		PublishBackoffMult: rc.Publish.BackoffMultiplier,
	}, nil
}

// newNotifier mails the admin address when one is configured and logs otherwise
func newNotifier(cfg *config.NotifyConfig, logger *slog.Logger) (notify.Notifier, error) {
	if cfg.AdminEmail == "" || cfg.SMTPHost == "" {
		return notify.NewLogNotifier(logger), nil
	}

	return notify.NewMailNotifier(notify.MailConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		From:     cfg.SMTPFrom,
		To:       cfg.AdminEmail,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		TLS:      cfg.SMTPTLS,
	}, logger)
}

func watchdogConfig(cfg *config.JobCheckerConfig) watchdog.Config {
	return watchdog.Config{
		MaxTimeWait:        cfg.MaxTimeWait,
		MaxTimeExecute:     cfg.MaxTimeExecute,
		ExtremeWait:        cfg.ExtremeWait,
		MemoryThresholdMB:  cfg.MemoryThresholdMB,
		MemoryHysteresisMB: cfg.MemoryHysteresisMB,
	}
}

func pidFilePath(cfg *config.Config) string {
	return filepath.Join(cfg.StateDir, supervisor.PIDFileName)
}
