package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			Database: "jobs_db",
		},
		RabbitMQ: RabbitMQConfig{
			Host: "localhost",
			Port: 5672,
			Exchange: ExchangeConfig{
				Name: "jobs_exchange",
			},
			Queue: QueueConfig{
				Prefix:      "jobs",
				MaxPriority: 255,
			},
		},
		Consumer: ConsumerConfig{
			ConsumerCount:             4,
			HighPriorityConsumerCount: 1,
			HighPriorityThreshold:     200,
		},
		JobChecker: JobCheckerConfig{
			MaxTimeWait:    10 * time.Minute,
			MaxTimeExecute: 30 * time.Minute,
		},
		StateDir: "var",
	}
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name      string
		filePath  string
		wantErr   bool
		errString string
	}{
		{
			name:     "valid config file",
			filePath: "testdata/valid_config.yaml",
			wantErr:  false,
		},
		{
			name:      "non-existent file",
			filePath:  "testdata/nonexistent.yaml",
			wantErr:   true,
			errString: "failed to read config file",
		},
		{
			name:      "malformed yaml",
			filePath:  "testdata/malformed.yaml",
			wantErr:   true,
			errString: "failed to parse config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(tt.filePath)

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
				assert.Nil(t, cfg)
			} else {
				require.NoError(t, err)
				require.NotNil(t, cfg)

				assert.Equal(t, 8080, cfg.Server.Port)
				assert.Equal(t, "localhost", cfg.Database.Host)
				assert.Equal(t, 5432, cfg.Database.Port)
				assert.Equal(t, "jobs_db", cfg.Database.Database)
				assert.Equal(t, "jobs_exchange", cfg.RabbitMQ.Exchange.Name)
				assert.Equal(t, "jobs", cfg.RabbitMQ.Queue.Prefix)
				assert.Equal(t, "jobserver", cfg.App.Name)
				assert.Equal(t, 4, cfg.Consumer.ConsumerCount)
				assert.Equal(t, 1, cfg.Consumer.HighPriorityConsumerCount)
				assert.Equal(t, 200, cfg.Consumer.HighPriorityThreshold)
				assert.Equal(t, 10*time.Minute, cfg.JobChecker.MaxTimeWait)
				assert.Equal(t, "@every 5m", cfg.JobChecker.Schedule)
			}
		})
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("testdata/valid_config.yaml")
	require.NoError(t, err)

	// Not present in the file
	assert.Equal(t, 255, cfg.RabbitMQ.Queue.MaxPriority)
	assert.Equal(t, 3, cfg.Worker.RequeueAttempts)
	assert.Equal(t, time.Second, cfg.Worker.RequeueInterval)
	assert.Equal(t, 2.0, cfg.Supervisor.SpawnsPerSecond)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("JOBSERVER_DATABASE_PASSWORD", "from-env")
	t.Setenv("JOBSERVER_RABBITMQ_HOST", "rabbit.internal")
	t.Setenv("JOBSERVER_CONSUMER_COUNT", "8")

	cfg, err := Load("testdata/valid_config.yaml")
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Database.Password)
	assert.Equal(t, "rabbit.internal", cfg.RabbitMQ.Host)
	assert.Equal(t, 8, cfg.Consumer.ConsumerCount)
	assert.Equal(t, "jobserver", cfg.Database.User)
}

func TestConfig_ValidateAPIConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		wantErr   bool
		errString string
	}{
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:      "invalid server port - too low",
			mutate:    func(c *Config) { c.Server.Port = 0 },
			wantErr:   true,
			errString: "invalid server port",
		},
		{
			name:      "invalid server port - too high",
			mutate:    func(c *Config) { c.Server.Port = 70000 },
			wantErr:   true,
			errString: "invalid server port",
		},
		{
			name:      "empty database host",
			mutate:    func(c *Config) { c.Database.Host = "" },
			wantErr:   true,
			errString: "database host is required",
		},
		{
			name:      "empty database name",
			mutate:    func(c *Config) { c.Database.Database = "" },
			wantErr:   true,
			errString: "database name is required",
		},
		{
			name:      "empty rabbitmq host",
			mutate:    func(c *Config) { c.RabbitMQ.Host = "" },
			wantErr:   true,
			errString: "rabbitmq host is required",
		},
		{
			name:      "empty exchange name",
			mutate:    func(c *Config) { c.RabbitMQ.Exchange.Name = "" },
			wantErr:   true,
			errString: "rabbitmq exchange name is required",
		},
		{
			name:      "max priority above broker ceiling",
			mutate:    func(c *Config) { c.RabbitMQ.Queue.MaxPriority = 300 },
			wantErr:   true,
			errString: "invalid rabbitmq queue max_priority",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.ValidateAPIConfig()

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestConfig_ValidateSupervisorConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		wantErr   bool
		errString string
	}{
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:      "zero consumers",
			mutate:    func(c *Config) { c.Consumer.ConsumerCount = 0 },
			wantErr:   true,
			errString: "consumer_count must be greater than 0",
		},
		{
			name: "more high priority consumers than consumers",
			mutate: func(c *Config) {
				c.Consumer.ConsumerCount = 2
				c.Consumer.HighPriorityConsumerCount = 3
			},
			wantErr:   true,
			errString: "high_priority_consumer_count must be between 0 and consumer_count",
		},
		{
			name:      "threshold out of range",
			mutate:    func(c *Config) { c.Consumer.HighPriorityThreshold = 256 },
			wantErr:   true,
			errString: "invalid high_priority_threshold",
		},
		{
			name:      "missing state dir",
			mutate:    func(c *Config) { c.StateDir = "" },
			wantErr:   true,
			errString: "state_dir is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.ValidateSupervisorConfig()

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestConfig_ValidateWatchdogConfig(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.ValidateWatchdogConfig())

	cfg.JobChecker.MaxTimeWait = 0
	err := cfg.ValidateWatchdogConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_time_wait")

	cfg = validConfig()
	cfg.JobChecker.MaxTimeExecute = 0
	err = cfg.ValidateWatchdogConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_time_execute")
}

func TestConfig_ValidateWorkerConfig(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.ValidateWorkerConfig())

	cfg.Worker.MemoryLimitMB = -1
	err := cfg.ValidateWorkerConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "memory_limit_mb")
}

func TestLoad_ValidateIntegration(t *testing.T) {
	t.Run("load and validate valid config", func(t *testing.T) {
		cfg, err := Load("testdata/valid_config.yaml")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		require.NoError(t, cfg.ValidateAPIConfig())
		require.NoError(t, cfg.ValidateWorkerConfig())
		require.NoError(t, cfg.ValidateSupervisorConfig())
		require.NoError(t, cfg.ValidateWatchdogConfig())
	})

	t.Run("load config with invalid port", func(t *testing.T) {
		cfg, err := Load("testdata/invalid_port.yaml")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		err = cfg.ValidateAPIConfig()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid server port")
	})

	t.Run("load config with missing database", func(t *testing.T) {
		cfg, err := Load("testdata/missing_database.yaml")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		err = cfg.ValidateWorkerConfig()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "database name is required")
	})
}

func TestPortConstants(t *testing.T) {
	assert.Equal(t, 1, MinPort)
	assert.Equal(t, 65535, MaxPort)
	assert.Equal(t, 1, MinPriority)
	assert.Equal(t, 255, MaxPriority)
}
