package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// MaxPriority is the broker-imposed priority ceiling
const MaxPriority = 255

// ErrNotConnected is returned when an operation needs a channel that is not open
var ErrNotConnected = errors.New("not connected to RabbitMQ")

// ConnectionError marks a failure to reach the broker or a lost channel
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return "rabbitmq " + e.Op + ": " + e.Err.Error()
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// IsConnectionError reports whether err is a broker connection failure
func IsConnectionError(err error) bool {
	var connErr *ConnectionError
	return errors.As(err, &connErr)
}

// Config holds RabbitMQ connection configuration
type Config struct {
	Host               string
	Port               int
	User               string
	Password           string
	VHost              string
	ExchangeName       string
	ExchangeDurable    bool
	QueueName          string
	MaxPriority        int
	RetryAttempts      int
	RetryInterval      time.Duration
	Heartbeat          time.Duration
	ConnectionTimeout  time.Duration
	PublishRetries     int
	PublishRetryDelay  time.Duration
	PublishBackoffMult float64
}

// Client is the explicit connection handle of one process. It owns a single
// connection and channel bound to the deployment's priority queue.
type Client struct {
	config    *Config
	logger    *slog.Logger
	mu        sync.Mutex
	conn      *amqp.Connection
	channel   *amqp.Channel
	connected atomic.Bool
}

// NewClient creates a new RabbitMQ client and connects it
func NewClient(ctx context.Context, config *Config, logger *slog.Logger) (*Client, error) {
	client := NewDisconnectedClient(config, logger)

	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to create RabbitMQ client: %w", err)
	}

	return client, nil
}

// NewDisconnectedClient creates a client without dialing. Connect or Ping
// establish the connection later.
func NewDisconnectedClient(config *Config, logger *slog.Logger) *Client {
	return &Client{
		config: config,
		logger: logger,
	}
}

// Connect establishes the connection with retry logic. It is a no-op when
// the client is already connected.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isConnectedLocked() {
		return nil
	}

	return c.connectLocked(ctx, c.config.RetryAttempts)
}

// Reconnect drops the cached connection and dials a fresh one
func (c *Client) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closeLocked()

	return c.connectLocked(ctx, c.config.RetryAttempts)
}

// Ping reports whether the broker is reachable, dialing once if needed
func (c *Client) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isConnectedLocked() {
		return nil
	}

	return c.connectLocked(ctx, 1)
}

func (c *Client) dsn() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%d%s",
		c.config.User,
		c.config.Password,
		c.config.Host,
		c.config.Port,
		c.config.VHost,
	)
}

func (c *Client) connectLocked(ctx context.Context, attempts int) error {
	if attempts < 1 {
		attempts = 1
	}

	amqpConfig := amqp.Config{
		Heartbeat: c.config.Heartbeat,
		Locale:    "en_US",
	}
	if c.config.ConnectionTimeout > 0 {
		amqpConfig.Dial = amqp.DefaultDial(c.config.ConnectionTimeout)
	}

	var (
		conn *amqp.Connection
		err  error
	)

	for attempt := 1; attempt <= attempts; attempt++ {
		c.logger.Info("Connecting to RabbitMQ",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
		)

		conn, err = amqp.DialConfig(c.dsn(), amqpConfig)
		if err == nil {
			break
		}

		c.logger.Error("Failed to connect to RabbitMQ",
			slog.Any("error", err),
			slog.Int("attempt", attempt),
		)

		if attempt < attempts {
			select {
			case <-ctx.Done():
				return &ConnectionError{Op: "connect", Err: ctx.Err()}
			case <-time.After(c.config.RetryInterval):
			}
		}
	}

	if err != nil {
		return &ConnectionError{Op: "connect", Err: fmt.Errorf("failed after %d attempts: %w", attempts, err)}
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return &ConnectionError{Op: "open channel", Err: err}
	}

	if err := c.setup(channel); err != nil {
		channel.Close()
		conn.Close()
		return fmt.Errorf("failed to setup exchange and queue: %w", err)
	}

	c.conn = conn
	c.channel = channel
	c.connected.Store(true)

	closeChan := channel.NotifyClose(make(chan *amqp.Error, 1))
	go c.watch(channel, closeChan)

	c.logger.Info("RabbitMQ client initialized",
		slog.String("exchange", c.config.ExchangeName),
		slog.String("queue", c.config.QueueName),
	)

	return nil
}

// watch flips the connected flag once the broker closes the channel
func (c *Client) watch(channel *amqp.Channel, closeChan <-chan *amqp.Error) {
	amqpErr, ok := <-closeChan

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.channel != channel {
		return
	}
	c.connected.Store(false)

	if ok && amqpErr != nil {
		c.logger.Warn("RabbitMQ channel closed",
			slog.Int("code", amqpErr.Code),
			slog.String("reason", amqpErr.Reason),
		)
	}
}

// setup declares the exchange and the durable priority queue and binds them
func (c *Client) setup(channel *amqp.Channel) error {
	err := channel.ExchangeDeclare(
		c.config.ExchangeName,    // name
		amqp.ExchangeDirect,      // type
		c.config.ExchangeDurable, // durable
		false,                    // auto-deleted
		false,                    // internal
		false,                    // no-wait
		nil,                      // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	maxPriority := c.config.MaxPriority
	if maxPriority <= 0 || maxPriority > MaxPriority {
		maxPriority = MaxPriority
	}

	_, err = channel.QueueDeclare(
		c.config.QueueName, // name
		true,               // durable
		false,              // auto-delete
		false,              // exclusive
		false,              // no-wait
		amqp.Table{"x-max-priority": int32(maxPriority)},
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	// The queue name doubles as routing key
	err = channel.QueueBind(
		c.config.QueueName,    // queue name
		c.config.QueueName,    // routing key
		c.config.ExchangeName, // exchange
		false,                 // no-wait
		nil,                   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}

	return nil
}

// ClampPriority forces p into the range accepted by the queue
func ClampPriority(p int) uint8 {
	if p < 1 {
		return 1
	}
	if p > MaxPriority {
		return MaxPriority
	}
	return uint8(p)
}

// Publish publishes a persistent message at the given priority, retrying
// with exponential backoff
func (c *Client) Publish(ctx context.Context, body []byte, priority int) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}

	maxRetries := c.config.PublishRetries
	if maxRetries <= 0 {
		maxRetries = 3 // default
	}

	baseDelay := c.config.PublishRetryDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond // default
	}

	backoffMult := c.config.PublishBackoffMult
	if backoffMult <= 0 {
		backoffMult = 2.0 // default
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Priority:     ClampPriority(priority),
		Timestamp:    time.Now(),
	}

	var lastErr error
	delay := baseDelay
	for attempt := 0; attempt <= maxRetries; attempt++ {
		channel, err := c.currentChannel()
		if err == nil {
			err = channel.PublishWithContext(
				ctx,
				c.config.ExchangeName, // exchange
				c.config.QueueName,    // routing key
				false,                 // mandatory
				false,                 // immediate
				msg,
			)
		}

		if err == nil {
			c.logger.Debug("Message published to RabbitMQ",
				slog.Int("body_size", len(body)),
				slog.Int("priority", int(msg.Priority)),
				slog.Int("attempt", attempt+1),
			)
			return nil
		}

		lastErr = err

		if attempt < maxRetries {
			c.logger.Warn("Failed to publish message to RabbitMQ, retrying...",
				slog.Int("attempt", attempt+1),
				slog.Int("max_retries", maxRetries),
				slog.Duration("retry_after", delay),
				slog.Any("error", err),
			)

			select {
			case <-ctx.Done():
				return fmt.Errorf("failed to publish message: %w", ctx.Err())
			case <-time.After(delay):
			}
			delay = time.Duration(float64(delay) * backoffMult)

			if errors.Is(err, amqp.ErrClosed) || errors.Is(err, ErrNotConnected) {
				if reconnectErr := c.Reconnect(ctx); reconnectErr != nil {
					lastErr = reconnectErr
				}
			}
		}
	}

	c.logger.Error("Failed to publish message to RabbitMQ after all retries",
		slog.Int("attempts", maxRetries+1),
		slog.Any("error", lastErr),
	)

	if errors.Is(lastErr, amqp.ErrClosed) || errors.Is(lastErr, ErrNotConnected) || IsConnectionError(lastErr) {
		return &ConnectionError{Op: "publish", Err: lastErr}
	}
	return fmt.Errorf("failed to publish message after %d attempts: %w", maxRetries+1, lastErr)
}

func (c *Client) currentChannel() (*amqp.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.isConnectedLocked() {
		return nil, ErrNotConnected
	}
	return c.channel, nil
}

// Close closes the RabbitMQ connection
func (c *Client) Close() error {
	c.logger.Info("Closing RabbitMQ connection")

	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.closeLocked()
	if err == nil {
		c.logger.Info("RabbitMQ connection closed successfully")
	}
	return err
}

func (c *Client) closeLocked() error {
	c.connected.Store(false)

	if c.channel != nil {
		if err := c.channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			c.logger.Error("Failed to close RabbitMQ channel",
				slog.Any("error", err),
			)
		}
		c.channel = nil
	}

	if c.conn != nil {
		conn := c.conn
		c.conn = nil
		if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			c.logger.Error("Failed to close RabbitMQ connection",
				slog.Any("error", err),
			)
			return err
		}
	}

	return nil
}

// IsConnected returns the connection status
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.isConnectedLocked()
}

func (c *Client) isConnectedLocked() bool {
	return c.connected.Load() && c.conn != nil && !c.conn.IsClosed()
}

// QueueName returns the name of the deployment queue
func (c *Client) QueueName() string {
	return c.config.QueueName
}
