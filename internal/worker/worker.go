// Package worker runs the consume loop of a single consumer process.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/jobserver/internal/jobs"
	"github.com/cuongbtq/jobserver/shared/rabbitmq"
)

// Consumer delivers broker messages to a handler until ctx is cancelled
type Consumer interface {
	Consume(ctx context.Context, opts rabbitmq.ConsumeOptions, handler rabbitmq.Handler) error
}

// MemoryReporter receives the estimated memory footprint of the consumer
// fleet after each job
type MemoryReporter interface {
	CheckMemory(ctx context.Context, usageBytes uint64) error
}

// Config holds worker configuration
type Config struct {
	Logger   *slog.Logger
	Service  *jobs.Service
	Consumer Consumer
	Registry *Registry

	ConsumerTag string
	// MinPriority is 1 for normal consumers and the high priority threshold
	// for high priority consumers
	MinPriority   uint8
	ConsumerCount int

	MemoryLimitMB       int
	CrashRequeueDelay   time.Duration
	MarkCrashedAsCloned bool
	DeleteOnError       bool
	RequeueAttempts     int
	RequeueInterval     time.Duration

	MemoryReporter MemoryReporter
	// MemoryUsage overrides the runtime memory reading
	MemoryUsage func() uint64
}

// Worker consumes jobs one at a time and records their outcome
type Worker struct {
	logger   *slog.Logger
	service  *jobs.Service
	store    jobs.Store
	consumer Consumer
	registry *Registry

	consumerTag   string
	minPriority   uint8
	consumerCount int

	memoryLimit         uint64
	crashRequeueDelay   time.Duration
	markCrashedAsCloned bool
	deleteOnError       bool
	requeueAttempts     int
	requeueInterval     time.Duration

	memoryReporter MemoryReporter
	memoryUsage    func() uint64

	// inflight is the job being executed, nil between jobs
	inflight *jobs.Job
	stop     context.CancelFunc
	crashed  *jobs.Job
	recycled bool
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	registry := cfg.Registry
	if registry == nil {
		registry = DefaultRegistry()
	}

	minPriority := cfg.MinPriority
	if minPriority < jobs.MinPriority {
		minPriority = jobs.MinPriority
	}

	consumerCount := cfg.ConsumerCount
	if consumerCount < 1 {
		consumerCount = 1
	}

	requeueAttempts := cfg.RequeueAttempts
	if requeueAttempts < 1 {
		requeueAttempts = 1
	}

	memoryUsage := cfg.MemoryUsage
	if memoryUsage == nil {
		memoryUsage = runtimeMemoryUsage
	}

	return &Worker{
		logger:              cfg.Logger,
		service:             cfg.Service,
		store:               cfg.Service.Store(),
		consumer:            cfg.Consumer,
		registry:            registry,
		consumerTag:         cfg.ConsumerTag,
		minPriority:         minPriority,
		consumerCount:       consumerCount,
		memoryLimit:         uint64(cfg.MemoryLimitMB) * 1024 * 1024,
		crashRequeueDelay:   cfg.CrashRequeueDelay,
		markCrashedAsCloned: cfg.MarkCrashedAsCloned,
		deleteOnError:       cfg.DeleteOnError,
		requeueAttempts:     requeueAttempts,
		requeueInterval:     cfg.RequeueInterval,
		memoryReporter:      cfg.MemoryReporter,
		memoryUsage:         memoryUsage,
	}
}

// Run consumes until ctx is cancelled, the memory limit is reached or a job
// crashes the worker. A job in flight when ctx is cancelled runs to
// completion first. Run returns an error wrapping jobs.ErrCrashed after a
// crash and nil on a clean stop or a memory recycle.
func (w *Worker) Run(ctx context.Context) error {
	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	w.stop = stop

	w.logger.Info("Starting worker",
		slog.String("consumer_tag", w.consumerTag),
		slog.Int("min_priority", int(w.minPriority)),
		slog.Int("consumer_count", w.consumerCount),
		slog.Any("worker_kinds", w.registry.Kinds()),
	)

	err := w.consumer.Consume(runCtx, rabbitmq.ConsumeOptions{
		Tag:         w.consumerTag,
		MinPriority: w.minPriority,
		Prefetch:    1,
	}, w.handleDelivery)

	switch {
	case w.crashed != nil:
		return fmt.Errorf("%w: job %d", jobs.ErrCrashed, w.crashed.ID)
	case w.recycled:
		w.logger.Info("Worker stopped for memory recycling")
		return nil
	case err != nil:
		return fmt.Errorf("consume failed: %w", err)
	}

	w.logger.Info("Worker stopped")
	return nil
}
