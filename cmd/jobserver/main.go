// Command jobserver runs the job processing fleet.
//
// Subcommands:
//
//	start           supervise the consumer pool (writes the pid file)
//	consume         run a single consumer; spawned by start
//	stop            signal the running supervisor to shut down
//	status          report whether the supervisor is running
//	connectiontest  check that the broker is reachable
//	watchdog        report stale jobs and purge old ones
//	purge           delete old Finished and Error jobs
//	migrate         apply database migrations
package main

import (
	"errors"
	"log"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const defaultConfigPath = "configs/config.yaml"

var configPath string

// exitError carries a specific process exit status out of a command
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	os.Exit(execute(newRootCmd()))
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "jobserver",
		Short:         "Priority job queue server backed by RabbitMQ and PostgreSQL",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	path := os.Getenv("JOBSERVER_CONFIG_PATH")
	if path == "" {
		path = defaultConfigPath
	}
	root.PersistentFlags().StringVar(&configPath, "config", path, "Path to configuration file")

	root.AddCommand(
		startCmd(),
		consumeCmd(),
		stopCmd(),
		statusCmd(),
		connectionTestCmd(),
		watchdogCmd(),
		purgeCmd(),
		migrateCmd(),
	)

	return root
}

func execute(root *cobra.Command) int {
	err := root.Execute()
	if err == nil {
		return 0
	}

	slog.Error("command failed", slog.Any("error", err))

	var exitErr *exitError
	if errors.As(err, &exitErr) {
		return exitErr.code
	}
	return 1
}
