package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuongbtq/jobserver/internal/supervisor"
	"github.com/cuongbtq/jobserver/shared/rabbitmq"
)

func stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Ask the running supervisor to stop its consumers and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(nil)
			if err != nil {
				return err
			}

			pid, err := supervisor.SignalRunning(pidFilePath(cfg), syscall.SIGTERM)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Sent SIGTERM to jobserver (pid %d)\n", pid)
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether the supervisor is running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(nil)
			if err != nil {
				return err
			}

			return printStatus(cmd.OutOrStdout(), pidFilePath(cfg))
		},
	}
}

func printStatus(out io.Writer, pidPath string) error {
	pid, err := supervisor.RunningPID(pidPath)
	if errors.Is(err, supervisor.ErrNotRunning) {
		fmt.Fprintf(out, "jobserver is not running (%v)\n", err)
		return nil
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "jobserver is running (pid %d)\n", pid)
	return nil
}

func connectionTestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "connectiontest",
		Short: "Test the connection to RabbitMQ with the current settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(nil)
			if err != nil {
				return err
			}

			// Only the outcome line goes to stdout
			logger := slog.New(slog.NewTextHandler(io.Discard, nil))

			brokerConfig, err := rabbitConfig(cfg)
			if err != nil {
				return err
			}
			client := rabbitmq.NewDisconnectedClient(brokerConfig, logger)
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			if !connectionTest(ctx, cmd.OutOrStdout(), client) {
				return &exitError{code: 1, err: errors.New("connection test failed")}
			}
			return nil
		},
	}
}

// connectionTest writes " [ok]" or " [error] :: <reason>" after the
// announcement line and reports success
func connectionTest(ctx context.Context, out io.Writer, pinger supervisor.Pinger) bool {
	fmt.Fprintln(out, "Testing connection to RabbitMQ server with current settings...")

	if err := pinger.Ping(ctx); err != nil {
		fmt.Fprintf(out, " [error] :: %v\n", err)
		return false
	}

	fmt.Fprintln(out, " [ok]")
	return true
}
