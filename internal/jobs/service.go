package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/jobserver/shared/rabbitmq"
)

// Service composes the store and the broker into the job lifecycle
// operations available to producers and workers
type Service struct {
	store     Store
	publisher Publisher
	logger    *slog.Logger
}

// NewService creates a new Service
func NewService(store Store, publisher Publisher, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		publisher: publisher,
		logger:    logger,
	}
}

// Store returns the underlying job store
func (s *Service) Store() Store {
	return s.store
}

// Submit stores a Queued job and publishes it at its clamped priority.
// The row is written first: when publishing fails the job stays Queued and a
// *SubmissionError carrying the job id is returned.
func (s *Service) Submit(ctx context.Context, workerKind string, payload json.RawMessage, priority int, deleteOnFinish bool) (int64, error) {
	if workerKind == "" {
		return 0, fmt.Errorf("worker kind is required")
	}

	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	if !json.Valid(payload) {
		return 0, fmt.Errorf("%w: payload is not valid JSON", ErrSerialization)
	}

	job := NewJob(workerKind, payload, priority, deleteOnFinish)

	id, err := s.store.Insert(ctx, job)
	if err != nil {
		return 0, fmt.Errorf("failed to insert job: %w", err)
	}
	job.ID = id

	if err := s.publish(ctx, job); err != nil {
		return id, err
	}

	s.logger.Info("Job submitted",
		slog.Int64("job_id", id),
		slog.String("worker_kind", workerKind),
		slog.Int("priority", job.Priority),
	)

	return id, nil
}

// Clone re-submits the work of job id as a new Queued job and, once the
// clone is published, marks the source row Cloned. Only Queued or Running
// jobs can be cloned.
func (s *Service) Clone(ctx context.Context, id int64) (int64, error) {
	src, err := s.store.Get(ctx, id)
	if err != nil {
		return 0, err
	}

	if src.Status != StatusQueued && src.Status != StatusRunning {
		return 0, InvalidState(id, src.Status, "clone")
	}

	return s.Requeue(ctx, src, true)
}

// Requeue inserts and publishes a clone of job. The source row is marked
// Cloned only when markSourceCloned is set; the crash path leaves it as is.
// Marking happens before the clone is published and fails with
// ErrInvalidState once the source has left Queued and Running.
func (s *Service) Requeue(ctx context.Context, job *Job, markSourceCloned bool) (int64, error) {
	clone := CloneOf(job)

	cloneID, err := s.store.Insert(ctx, clone)
	if err != nil {
		return 0, fmt.Errorf("failed to insert clone of job %d: %w", job.ID, err)
	}
	clone.ID = cloneID

	if markSourceCloned {
		if err := s.markCloned(ctx, job); err != nil {
			s.discardClone(ctx, cloneID)
			return 0, err
		}
	}

	if err := s.publish(ctx, clone); err != nil {
		return cloneID, err
	}

	s.appendLog(ctx, job.ID, fmt.Sprintf("Job requeued as job %d", cloneID))

	s.logger.Info("Job requeued",
		slog.Int64("job_id", job.ID),
		slog.Int64("clone_id", cloneID),
		slog.Bool("source_marked_cloned", markSourceCloned),
	)

	return cloneID, nil
}

func (s *Service) markCloned(ctx context.Context, job *Job) error {
	changed, err := s.store.TransitionStatus(ctx, job.ID, []Status{StatusQueued, StatusRunning}, StatusCloned)
	if err != nil {
		return fmt.Errorf("failed to mark job %d as cloned: %w", job.ID, err)
	}
	if changed {
		return nil
	}

	current := job.Status
	if latest, err := s.store.Get(ctx, job.ID); err == nil {
		current = latest.Status
	}
	return InvalidState(job.ID, current, "clone")
}

// discardClone removes a clone row that was never published
func (s *Service) discardClone(ctx context.Context, cloneID int64) {
	if err := s.store.Delete(ctx, cloneID); err != nil && !errors.Is(err, ErrNotFound) {
		s.logger.Warn("Failed to discard unpublished clone",
			slog.Int64("clone_id", cloneID),
			slog.Any("error", err),
		)
	}
}

// Result returns the result data of a Finished or Error job. Queued and
// Running jobs have no result yet. With deleteAfter the row is removed once read.
func (s *Service) Result(ctx context.Context, id int64, deleteAfter bool) (json.RawMessage, error) {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if job.Status == StatusQueued || job.Status == StatusRunning {
		return nil, InvalidState(id, job.Status, "read result of")
	}

	if deleteAfter {
		if err := s.store.Delete(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("failed to delete job after reading result: %w", err)
		}
	}

	return job.ResultData, nil
}

func (s *Service) publish(ctx context.Context, job *Job) error {
	body, err := NewMessage(job).Encode()
	if err == nil {
		err = s.publisher.Publish(ctx, body, job.Priority)
	}
	if err == nil {
		return nil
	}
	if rabbitmq.IsConnectionError(err) {
		err = NewConnectionError("publish", err)
	}

	s.logger.Error("Failed to publish job",
		slog.Int64("job_id", job.ID),
		slog.Any("error", err),
	)
	s.appendLog(ctx, job.ID, "Failed to publish job: "+err.Error())

	return &SubmissionError{JobID: job.ID, Err: err}
}

func (s *Service) appendLog(ctx context.Context, id int64, msg string) {
	if err := s.store.AppendLog(ctx, id, msg); err != nil {
		s.logger.Warn("Failed to append job log entry",
			slog.Int64("job_id", id),
			slog.Any("error", err),
		)
	}
}
