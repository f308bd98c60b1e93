package testutil

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cuongbtq/jobserver/shared/rabbitmq"
)

// Published is a message held by MemoryBroker
type Published struct {
	Body     []byte
	Priority uint8
	seq      uint64
}

// MemoryBroker is an in-process priority queue. Deliveries go through the
// same priority gate as the RabbitMQ consumer.
type MemoryBroker struct {
	mu        sync.Mutex
	seq       uint64
	queue     []Published
	published []Published
	acked     int
	rejected  int

	// PublishErr, when set, fails every Publish
	PublishErr error
	// PingErr, when set, fails every Ping
	PingErr error
}

// NewMemoryBroker creates an empty broker
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{}
}

func (b *MemoryBroker) Publish(ctx context.Context, body []byte, priority int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.PublishErr != nil {
		return b.PublishErr
	}

	b.seq++
	msg := Published{
		Body:     append([]byte(nil), body...),
		Priority: rabbitmq.ClampPriority(priority),
		seq:      b.seq,
	}
	b.queue = append(b.queue, msg)
	b.published = append(b.published, msg)
	return nil
}

func (b *MemoryBroker) Ping(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.PingErr
}

// Consume delivers queued messages, highest priority first, until the queue
// holds only messages this consumer rejects or ctx is cancelled.
func (b *MemoryBroker) Consume(ctx context.Context, opts rabbitmq.ConsumeOptions, handler rabbitmq.Handler) error {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	for {
		batch := b.drain()
		if len(batch) == 0 {
			return nil
		}

		handled := 0
		var requeue []Published
		for i, msg := range batch {
			if ctx.Err() != nil {
				b.restore(append(requeue, batch[i:]...))
				return nil
			}

			ack := &memoryAcknowledger{}
			delivery := amqp.Delivery{
				Acknowledger: ack,
				DeliveryTag:  msg.seq,
				Priority:     msg.Priority,
				ContentType:  "application/json",
				Body:         msg.Body,
			}

			if rabbitmq.Dispatch(ctx, delivery, opts.MinPriority, handler, logger) {
				handled++
			}

			b.mu.Lock()
			if ack.acked {
				b.acked++
			}
			if ack.rejected {
				b.rejected++
				if ack.requeue {
					requeue = append(requeue, msg)
				}
			}
			b.mu.Unlock()
		}

		b.restore(requeue)
		if handled == 0 {
			return nil
		}
	}
}

func (b *MemoryBroker) drain() []Published {
	b.mu.Lock()
	defer b.mu.Unlock()

	batch := b.queue
	b.queue = nil
	sort.SliceStable(batch, func(i, j int) bool {
		if batch[i].Priority != batch[j].Priority {
			return batch[i].Priority > batch[j].Priority
		}
		return batch[i].seq < batch[j].seq
	})
	return batch
}

func (b *MemoryBroker) restore(msgs []Published) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queue = append(b.queue, msgs...)
}

// Queued returns the messages waiting for delivery
func (b *MemoryBroker) Queued() []Published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Published(nil), b.queue...)
}

// PublishedMessages returns every message ever published
func (b *MemoryBroker) PublishedMessages() []Published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Published(nil), b.published...)
}

// Acked returns the number of acknowledged deliveries
func (b *MemoryBroker) Acked() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acked
}

// Rejected returns the number of rejected deliveries
func (b *MemoryBroker) Rejected() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rejected
}

type memoryAcknowledger struct {
	acked    bool
	rejected bool
	requeue  bool
}

func (a *memoryAcknowledger) Ack(tag uint64, multiple bool) error {
	a.acked = true
	return nil
}

func (a *memoryAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	return a.Reject(tag, requeue)
}

func (a *memoryAcknowledger) Reject(tag uint64, requeue bool) error {
	a.rejected = true
	a.requeue = requeue
	return nil
}
