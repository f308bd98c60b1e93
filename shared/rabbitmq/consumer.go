package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrDeliveriesClosed is returned when the broker closes the delivery stream
var ErrDeliveriesClosed = errors.New("delivery channel closed")

// Handler processes a delivery that passed the priority gate and was acknowledged
type Handler func(ctx context.Context, delivery amqp.Delivery)

// ConsumeOptions configures a consumer
type ConsumeOptions struct {
	Tag string
	// MinPriority is the lowest message priority this consumer accepts
	MinPriority uint8
	// Prefetch limits unacknowledged deliveries; the job protocol uses 1
	Prefetch int
}

// Consume registers a consumer on the deployment queue and dispatches
// deliveries through the priority gate until ctx is cancelled. A delivery
// being handled when ctx is cancelled runs to completion first.
func (c *Client) Consume(ctx context.Context, opts ConsumeOptions, handler Handler) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}

	channel, err := c.currentChannel()
	if err != nil {
		return &ConnectionError{Op: "consume", Err: err}
	}

	prefetch := opts.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}

	// prefetch_size 0: no byte limit; global false: per consumer
	if err := channel.Qos(prefetch, 0, false); err != nil {
		return &ConnectionError{Op: "set qos", Err: err}
	}

	deliveries, err := channel.Consume(
		c.config.QueueName, // queue
		opts.Tag,           // consumer tag
		false,              // auto-ack
		false,              // exclusive
		false,              // no-local
		false,              // no-wait
		nil,                // args
	)
	if err != nil {
		return &ConnectionError{Op: "consume", Err: err}
	}

	c.logger.Info("Started consuming messages from RabbitMQ",
		slog.String("queue", c.config.QueueName),
		slog.String("consumer_tag", opts.Tag),
		slog.Int("min_priority", int(opts.MinPriority)),
		slog.Int("prefetch", prefetch),
	)

	err = consumeDeliveries(ctx, deliveries, opts.MinPriority, handler, c.logger)
	if ctx.Err() == nil {
		return err
	}

	if err := channel.Cancel(opts.Tag, false); err != nil && !errors.Is(err, amqp.ErrClosed) {
		c.logger.Warn("Failed to cancel consumer",
			slog.String("consumer_tag", opts.Tag),
			slog.Any("error", err),
		)
	}
	c.logger.Info("Consumer stopped", slog.String("consumer_tag", opts.Tag))
	return nil
}

// consumeDeliveries dispatches deliveries until ctx is cancelled or the
// channel closes. Nothing is acked once ctx is done, so a stop requested
// by a handler takes effect before the next delivery.
func consumeDeliveries(ctx context.Context, deliveries <-chan amqp.Delivery, minPriority uint8, handler Handler, logger *slog.Logger) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return nil

		case delivery, ok := <-deliveries:
			if !ok {
				return &ConnectionError{Op: "consume", Err: ErrDeliveriesClosed}
			}
			// Both cases may be ready at once; unacked deliveries go back
			// to the queue when the channel closes
			if ctx.Err() != nil {
				return nil
			}
			Dispatch(ctx, delivery, minPriority, handler, logger)
			if ctx.Err() != nil {
				return nil
			}
		}
	}
}

// Dispatch applies the priority gate to a delivery. A delivery below
// minPriority is rejected with requeue so another consumer can take it.
// Otherwise it is acknowledged before handler runs: a crash during handling
// must not cause broker redelivery. Dispatch reports whether handler ran.
func Dispatch(ctx context.Context, delivery amqp.Delivery, minPriority uint8, handler Handler, logger *slog.Logger) bool {
	if delivery.Priority < minPriority {
		if err := delivery.Reject(true); err != nil {
			logger.Error("Failed to reject message below priority threshold",
				slog.Uint64("delivery_tag", delivery.DeliveryTag),
				slog.Any("error", err),
			)
		} else {
			logger.Debug("Message rejected and requeued - priority below threshold",
				slog.Uint64("delivery_tag", delivery.DeliveryTag),
				slog.Int("priority", int(delivery.Priority)),
				slog.Int("min_priority", int(minPriority)),
			)
		}
		return false
	}

	if err := delivery.Ack(false); err != nil {
		logger.Error("Failed to ACK message",
			slog.Uint64("delivery_tag", delivery.DeliveryTag),
			slog.Any("error", fmt.Errorf("ack: %w", err)),
		)
		return false
	}

	handler(ctx, delivery)
	return true
}
