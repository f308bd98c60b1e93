// Package supervisor keeps a fixed number of consumer processes alive and
// forwards shutdown signals to them.
package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"syscall"
	"time"

	"golang.org/x/time/rate"
)

// Pinger checks broker reachability
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config holds supervisor configuration
type Config struct {
	ConsumerCount       int
	HighPriorityCount   int
	CheckInterval       time.Duration
	BrokerRetryInterval time.Duration
	ShutdownTimeout     time.Duration
	SpawnsPerSecond     float64
}

// Supervisor maintains the consumer pool
type Supervisor struct {
	spawner Spawner
	pinger  Pinger
	config  Config
	logger  *slog.Logger
	limiter *rate.Limiter

	mu    sync.Mutex
	procs []*Process
}

// New creates a new Supervisor
func New(spawner Spawner, pinger Pinger, config Config, logger *slog.Logger) *Supervisor {
	if config.CheckInterval <= 0 {
		config.CheckInterval = 10 * time.Second
	}
	if config.BrokerRetryInterval <= 0 {
		config.BrokerRetryInterval = 5 * time.Second
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 30 * time.Second
	}
	if config.HighPriorityCount > config.ConsumerCount {
		config.HighPriorityCount = config.ConsumerCount
	}

	limit := rate.Inf
	if config.SpawnsPerSecond > 0 {
		limit = rate.Limit(config.SpawnsPerSecond)
	}

	return &Supervisor{
		spawner: spawner,
		pinger:  pinger,
		config:  config,
		logger:  logger,
		limiter: rate.NewLimiter(limit, 1),
	}
}

// Run keeps the pool at its configured size until ctx is cancelled, then
// stops every child
func (s *Supervisor) Run(ctx context.Context) error {
	s.logger.Info("Supervisor started",
		slog.Int("consumer_count", s.config.ConsumerCount),
		slog.Int("high_priority_consumer_count", s.config.HighPriorityCount),
		slog.Duration("check_interval", s.config.CheckInterval),
	)

	s.Reconcile(ctx)

	ticker := time.NewTicker(s.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Shutdown()
			return nil
		case <-ticker.C:
			s.Reconcile(ctx)
		}
	}
}

// Reconcile removes exited children and spawns replacements, high priority
// slots first. Nothing is spawned until the broker answers a ping.
func (s *Supervisor) Reconcile(ctx context.Context) {
	s.reap()

	high, normal := s.Counts()
	missingHigh := s.config.HighPriorityCount - high
	missingNormal := s.config.ConsumerCount - s.config.HighPriorityCount - normal
	if missingHigh <= 0 && missingNormal <= 0 {
		return
	}

	if !s.waitForBroker(ctx) {
		return
	}

	for i := 0; i < missingHigh; i++ {
		if !s.spawn(ctx, ClassHigh) {
			return
		}
	}
	for i := 0; i < missingNormal; i++ {
		if !s.spawn(ctx, ClassNormal) {
			return
		}
	}
}

// Counts returns the number of live high priority and normal children
func (s *Supervisor) Counts() (high, normal int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.procs {
		if p.Class == ClassHigh {
			high++
		} else {
			normal++
		}
	}
	return high, normal
}

// Processes returns a snapshot of the tracked children
func (s *Supervisor) Processes() []*Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Process(nil), s.procs...)
}

func (s *Supervisor) reap() {
	s.mu.Lock()
	defer s.mu.Unlock()

	alive := s.procs[:0]
	for _, p := range s.procs {
		if p.Alive() {
			alive = append(alive, p)
			continue
		}
		s.logger.Info("Consumer process is gone, slot will be refilled",
			slog.Int("pid", p.Pid),
			slog.String("class", string(p.Class)),
			slog.Any("exit", p.Err()),
		)
	}
	for i := len(alive); i < len(s.procs); i++ {
		s.procs[i] = nil
	}
	s.procs = alive
}

func (s *Supervisor) waitForBroker(ctx context.Context) bool {
	for {
		err := s.pinger.Ping(ctx)
		if err == nil {
			return true
		}

		s.logger.Warn("Broker unreachable, delaying consumer spawn",
			slog.Duration("retry_after", s.config.BrokerRetryInterval),
			slog.Any("error", err),
		)

		select {
		case <-ctx.Done():
			return false
		case <-time.After(s.config.BrokerRetryInterval):
		}
	}
}

func (s *Supervisor) spawn(ctx context.Context, class Class) bool {
	if err := s.limiter.Wait(ctx); err != nil {
		return false
	}

	p, err := s.spawner.Spawn(ctx, class)
	if err != nil {
		s.logger.Error("Failed to spawn consumer",
			slog.String("class", string(class)),
			slog.Any("error", err),
		)
		return false
	}

	s.mu.Lock()
	s.procs = append(s.procs, p)
	s.mu.Unlock()

	s.logger.Info("Consumer spawned",
		slog.Int("pid", p.Pid),
		slog.String("class", string(class)),
	)
	return true
}

// Shutdown sends SIGTERM to every child, waits up to the shutdown timeout
// and kills the ones still running
func (s *Supervisor) Shutdown() {
	procs := s.Processes()
	s.logger.Info("Stopping consumers", slog.Int("count", len(procs)))

	for _, p := range procs {
		if err := p.Signal(syscall.SIGTERM); err != nil {
			s.logger.Warn("Failed to signal consumer",
				slog.Int("pid", p.Pid),
				slog.Any("error", err),
			)
		}
	}

	timer := time.NewTimer(s.config.ShutdownTimeout)
	defer timer.Stop()

wait:
	for _, p := range procs {
		select {
		case <-p.Done():
		case <-timer.C:
			break wait
		}
	}

	for _, p := range procs {
		if !p.Alive() {
			continue
		}
		s.logger.Warn("Consumer did not stop in time, killing it", slog.Int("pid", p.Pid))
		if err := p.Signal(syscall.SIGKILL); err != nil {
			s.logger.Error("Failed to kill consumer",
				slog.Int("pid", p.Pid),
				slog.Any("error", err),
			)
			continue
		}
		<-p.Done()
	}

	s.reap()
	s.logger.Info("All consumers stopped")
}
