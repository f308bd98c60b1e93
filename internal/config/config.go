package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535

	// MinPriority and MaxPriority bound job priorities (broker-imposed ceiling)
	MinPriority = 1
	MaxPriority = 255
)

// Config represents the complete application configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	RabbitMQ   RabbitMQConfig   `yaml:"rabbitmq"`
	Logging    LoggingConfig    `yaml:"logging"`
	App        AppConfig        `yaml:"app"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
	Worker     WorkerConfig     `yaml:"worker"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	JobChecker JobCheckerConfig `yaml:"jobchecker"`
	Notify     NotifyConfig     `yaml:"notify"`

	// StateDir holds local state files (queue name, pid file)
	StateDir string `yaml:"state_dir" env:"JOBSERVER_STATE_DIR"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" env:"JOBSERVER_SERVER_PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host" env:"JOBSERVER_DATABASE_HOST"`
	Port            int           `yaml:"port" env:"JOBSERVER_DATABASE_PORT"`
	User            string        `yaml:"user" env:"JOBSERVER_DATABASE_USER"`
	Password        string        `yaml:"password" env:"JOBSERVER_DATABASE_PASSWORD"`
	Database        string        `yaml:"database" env:"JOBSERVER_DATABASE_NAME"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host" env:"JOBSERVER_RABBITMQ_HOST"`
	Port       int              `yaml:"port" env:"JOBSERVER_RABBITMQ_PORT"`
	User       string           `yaml:"user" env:"JOBSERVER_RABBITMQ_USER"`
	Password   string           `yaml:"password" env:"JOBSERVER_RABBITMQ_PASSWORD"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueConfig      `yaml:"queue"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name    string `yaml:"name"`
	Durable bool   `yaml:"durable"`
}

// QueueConfig holds RabbitMQ queue configuration. The queue name itself is
// generated once per deployment and persisted under StateDir; Prefix is
// prepended to the generated name.
type QueueConfig struct {
	Prefix      string `yaml:"prefix"`
	MaxPriority int    `yaml:"max_priority"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level" env:"JOBSERVER_LOG_LEVEL"`
	Format       string `yaml:"format" env:"JOBSERVER_LOG_FORMAT"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment" env:"JOBSERVER_ENV"`
}

// ConsumerConfig holds the consumer pool sizing
type ConsumerConfig struct {
	ConsumerCount             int `yaml:"consumer_count" env:"JOBSERVER_CONSUMER_COUNT"`
	HighPriorityConsumerCount int `yaml:"high_priority_consumer_count"`
	HighPriorityThreshold     int `yaml:"high_priority_threshold"`
}

// WorkerConfig holds settings of a single consumer process
type WorkerConfig struct {
	MemoryLimitMB       int           `yaml:"memory_limit_mb"`
	CrashRequeueDelay   time.Duration `yaml:"crash_requeue_delay"`
	MarkCrashedAsCloned bool          `yaml:"mark_crashed_as_cloned"`
	DeleteOnError       bool          `yaml:"delete_on_error"`
	RequeueAttempts     int           `yaml:"requeue_attempts"`
	RequeueInterval     time.Duration `yaml:"requeue_interval"`
}

// SupervisorConfig holds settings of the consumer supervisor daemon
type SupervisorConfig struct {
	CheckInterval       time.Duration `yaml:"check_interval"`
	BrokerRetryInterval time.Duration `yaml:"broker_retry_interval"`
	ShutdownTimeout     time.Duration `yaml:"shutdown_timeout"`
	SpawnsPerSecond     float64       `yaml:"spawns_per_second"`
}

// JobCheckerConfig holds watchdog thresholds
type JobCheckerConfig struct {
	MaxTimeWait        time.Duration `yaml:"max_time_wait"`
	MaxTimeExecute     time.Duration `yaml:"max_time_execute"`
	ExtremeWait        time.Duration `yaml:"extreme_wait"`
	MemoryThresholdMB  int           `yaml:"memory_threshold_mb"`
	MemoryHysteresisMB int           `yaml:"memory_hysteresis_mb"`
	PurgeDays          int           `yaml:"purge_days"`
	Schedule           string        `yaml:"schedule"`
}

// NotifyConfig holds operator notification settings
type NotifyConfig struct {
	AdminEmail   string `yaml:"admin_email" env:"JOBSERVER_ADMIN_EMAIL"`
	SMTPHost     string `yaml:"smtp_host" env:"JOBSERVER_SMTP_HOST"`
	SMTPPort     int    `yaml:"smtp_port"`
	SMTPFrom     string `yaml:"smtp_from"`
	SMTPUsername string `yaml:"smtp_username" env:"JOBSERVER_SMTP_USERNAME"`
	SMTPPassword string `yaml:"smtp_password" env:"JOBSERVER_SMTP_PASSWORD"`
	SMTPTLS      bool   `yaml:"smtp_tls"`
}

// Load reads and parses the configuration file, then applies environment
// overrides and defaults
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := env.Parse(&config); err != nil {
		return nil, fmt.Errorf("failed to parse environment overrides: %w", err)
	}

	config.applyDefaults()

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.StateDir == "" {
		c.StateDir = "var"
	}
	if c.RabbitMQ.Queue.Prefix == "" {
		c.RabbitMQ.Queue.Prefix = "jobserver"
	}
	if c.RabbitMQ.Queue.MaxPriority == 0 {
		c.RabbitMQ.Queue.MaxPriority = MaxPriority
	}
	if c.RabbitMQ.Connection.RetryAttempts <= 0 {
		c.RabbitMQ.Connection.RetryAttempts = 3
	}
	if c.RabbitMQ.Connection.RetryInterval <= 0 {
		c.RabbitMQ.Connection.RetryInterval = 2 * time.Second
	}
	if c.Consumer.ConsumerCount < 1 {
		c.Consumer.ConsumerCount = 1
	}
	if c.Consumer.HighPriorityThreshold == 0 {
		c.Consumer.HighPriorityThreshold = 200
	}
	if c.Worker.CrashRequeueDelay == 0 {
		c.Worker.CrashRequeueDelay = 2 * time.Second
	}
	if c.Worker.RequeueAttempts <= 0 {
		c.Worker.RequeueAttempts = 3
	}
	if c.Worker.RequeueInterval <= 0 {
		c.Worker.RequeueInterval = time.Second
	}
	if c.Supervisor.CheckInterval <= 0 {
		c.Supervisor.CheckInterval = 10 * time.Second
	}
	if c.Supervisor.BrokerRetryInterval <= 0 {
		c.Supervisor.BrokerRetryInterval = 5 * time.Second
	}
	if c.Supervisor.ShutdownTimeout <= 0 {
		c.Supervisor.ShutdownTimeout = 30 * time.Second
	}
	if c.Supervisor.SpawnsPerSecond <= 0 {
		c.Supervisor.SpawnsPerSecond = 2
	}
	if c.JobChecker.ExtremeWait <= 0 {
		c.JobChecker.ExtremeWait = 4 * time.Hour
	}
	if c.JobChecker.MemoryHysteresisMB <= 0 {
		c.JobChecker.MemoryHysteresisMB = 25
	}
	if c.JobChecker.PurgeDays <= 0 {
		c.JobChecker.PurgeDays = 7
	}
	if c.Notify.SMTPPort == 0 {
		c.Notify.SMTPPort = 25
	}
}

// ValidateAPIConfig checks the configuration used by the API service
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.validateDatabase(); err != nil {
		return err
	}

	return c.validateRabbitMQ()
}

// ValidateWorkerConfig checks the configuration used by a consumer process
func (c *Config) ValidateWorkerConfig() error {
	if err := c.validateDatabase(); err != nil {
		return err
	}

	if err := c.validateRabbitMQ(); err != nil {
		return err
	}

	if c.Worker.MemoryLimitMB < 0 {
		return fmt.Errorf("worker memory_limit_mb must not be negative")
	}

	if c.Worker.CrashRequeueDelay < 0 {
		return fmt.Errorf("worker crash_requeue_delay must not be negative")
	}

	return c.validateConsumer()
}

// ValidateSupervisorConfig checks the configuration used by the supervisor daemon
func (c *Config) ValidateSupervisorConfig() error {
	if err := c.validateRabbitMQ(); err != nil {
		return err
	}

	if c.StateDir == "" {
		return fmt.Errorf("state_dir is required")
	}

	return c.validateConsumer()
}

// ValidateWatchdogConfig checks the configuration used by the job checker
func (c *Config) ValidateWatchdogConfig() error {
	if err := c.validateDatabase(); err != nil {
		return err
	}

	if c.JobChecker.MaxTimeWait <= 0 {
		return fmt.Errorf("jobchecker max_time_wait must be greater than 0")
	}

	if c.JobChecker.MaxTimeExecute <= 0 {
		return fmt.Errorf("jobchecker max_time_execute must be greater than 0")
	}

	if c.JobChecker.MemoryThresholdMB < 0 {
		return fmt.Errorf("jobchecker memory_threshold_mb must not be negative")
	}

	return nil
}

func (c *Config) validateDatabase() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	return nil
}

func (c *Config) validateRabbitMQ() error {
	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if c.RabbitMQ.Queue.MaxPriority < MinPriority || c.RabbitMQ.Queue.MaxPriority > MaxPriority {
		return fmt.Errorf("invalid rabbitmq queue max_priority: %d (must be between %d and %d)", c.RabbitMQ.Queue.MaxPriority, MinPriority, MaxPriority)
	}

	return nil
}

func (c *Config) validateConsumer() error {
	if c.Consumer.ConsumerCount < 1 {
		return fmt.Errorf("consumer_count must be greater than 0")
	}

	if c.Consumer.HighPriorityConsumerCount < 0 || c.Consumer.HighPriorityConsumerCount > c.Consumer.ConsumerCount {
		return fmt.Errorf("high_priority_consumer_count must be between 0 and consumer_count (%d)", c.Consumer.ConsumerCount)
	}

	if c.Consumer.HighPriorityThreshold < MinPriority || c.Consumer.HighPriorityThreshold > MaxPriority {
		return fmt.Errorf("invalid high_priority_threshold: %d (must be between %d and %d)", c.Consumer.HighPriorityThreshold, MinPriority, MaxPriority)
	}

	return nil
}
