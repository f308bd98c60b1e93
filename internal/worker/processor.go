package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/cuongbtq/jobserver/internal/jobs"
)

// panicError carries a panic recovered from a handler
type panicError struct {
	value any
	stack []byte
}

func (e *panicError) Error() string {
	return fmt.Sprintf("handler panic: %v", e.value)
}

// processMessage drives one job through Running to Finished or Error
func (w *Worker) processMessage(ctx context.Context, msg *jobs.Message) {
	job := &jobs.Job{
		ID:         msg.JobID,
		WorkerKind: msg.WorkerKind,
		Payload:    msg.Payload,
		Attributes: msg.Attributes,
		Priority:   jobs.ClampPriority(msg.Attributes.Priority),
		Status:     jobs.StatusQueued,
	}

	started, err := w.store.TransitionStatus(ctx, job.ID, []jobs.Status{jobs.StatusQueued}, jobs.StatusRunning)
	if err != nil {
		w.storeFailure(ctx, job, "mark job running", err)
		return
	}
	if !started {
		w.skip(ctx, job)
		return
	}
	job.Status = jobs.StatusRunning

	handler, err := w.registry.Lookup(job.WorkerKind)
	if err != nil {
		w.logger.Error("No handler for worker kind",
			slog.Int64("job_id", job.ID),
			slog.String("worker_kind", job.WorkerKind),
		)
		w.fail(ctx, job, err)
		return
	}

	startedAt := time.Now()
	result, err := w.execute(ctx, job, handler)

	var pe *panicError
	if errors.As(err, &pe) {
		w.crash(ctx, pe)
		return
	}

	if err != nil {
		w.logger.Error("Job execution failed",
			slog.Int64("job_id", job.ID),
			slog.String("worker_kind", job.WorkerKind),
			slog.Any("error", err),
		)
		w.fail(ctx, job, &jobs.ExecutionError{JobID: job.ID, WorkerKind: job.WorkerKind, Err: err})
		return
	}

	if len(result) > 0 && !json.Valid(result) {
		w.fail(ctx, job, fmt.Errorf("%w: handler returned invalid JSON", jobs.ErrSerialization))
		return
	}

	if err := w.store.SetResult(ctx, job.ID, result); err != nil {
		w.storeFailure(ctx, job, "store job result", err)
		return
	}

	if err := w.store.UpdateStatus(ctx, job.ID, jobs.StatusFinished); err != nil {
		w.storeFailure(ctx, job, "mark job finished", err)
		return
	}

	w.logger.Info("Job completed successfully",
		slog.Int64("job_id", job.ID),
		slog.String("worker_kind", job.WorkerKind),
		slog.Duration("duration", time.Since(startedAt)),
	)

	if job.Attributes.DeleteOnFinish {
		w.deleteJob(ctx, job.ID)
	}
}

// skip drops a message whose row has already left Queued, such as the
// original message of a job that was cloned before it ran
func (w *Worker) skip(ctx context.Context, job *jobs.Job) {
	attrs := []any{
		slog.Int64("job_id", job.ID),
		slog.String("worker_kind", job.WorkerKind),
	}
	if current, err := w.store.Get(ctx, job.ID); err == nil {
		attrs = append(attrs, slog.String("status", string(current.Status)))
	}
	w.logger.Warn("Job is no longer queued, skipping", attrs...)
}

// execute runs handler with the job tracked as in flight. A panic is
// recovered and returned as a *panicError.
func (w *Worker) execute(ctx context.Context, job *jobs.Job, handler Handler) (result json.RawMessage, err error) {
	w.inflight = job
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: debug.Stack()}
			return
		}
		w.inflight = nil
	}()

	return handler.Execute(ctx, job.ID, job.Payload)
}

// crash requeues the in-flight job and stops the worker
func (w *Worker) crash(ctx context.Context, pe *panicError) {
	job := w.inflight
	w.inflight = nil
	w.crashed = job

	w.logger.Error("Worker crashed while executing job",
		slog.Int64("job_id", job.ID),
		slog.String("worker_kind", job.WorkerKind),
		slog.Any("panic", pe.value),
		slog.String("stack", string(pe.stack)),
	)

	if w.crashRequeueDelay > 0 {
		time.Sleep(w.crashRequeueDelay)
	}

	cloneID, err := w.requeue(ctx, job, w.markCrashedAsCloned)
	if err != nil {
		w.logger.Error("Failed to requeue crashed job",
			slog.Int64("job_id", job.ID),
			slog.Any("error", err),
		)
	} else {
		w.logger.Warn("Crashed job requeued",
			slog.Int64("job_id", job.ID),
			slog.Int64("clone_id", cloneID),
		)
	}

	w.stop()
}

// storeFailure handles a store error met while processing job. Lost
// connections requeue the job; other errors mark it Error.
func (w *Worker) storeFailure(ctx context.Context, job *jobs.Job, op string, err error) {
	if !jobs.IsConnectionError(err) {
		w.logger.Error("Failed to "+op,
			slog.Int64("job_id", job.ID),
			slog.Any("error", err),
		)
		w.fail(ctx, job, err)
		return
	}

	w.logger.Warn("Store unreachable, requeueing job",
		slog.Int64("job_id", job.ID),
		slog.String("op", op),
		slog.Any("error", err),
	)

	cloneID, requeueErr := w.requeue(ctx, job, true)
	if requeueErr != nil {
		w.logger.Error("Failed to requeue job after store failure",
			slog.Int64("job_id", job.ID),
			slog.Any("error", requeueErr),
		)
		return
	}

	w.logger.Info("Job requeued after store failure",
		slog.Int64("job_id", job.ID),
		slog.Int64("clone_id", cloneID),
	)
}

// requeue clones job with retries on connection errors
func (w *Worker) requeue(ctx context.Context, job *jobs.Job, markSourceCloned bool) (int64, error) {
	var lastErr error
	for attempt := 1; attempt <= w.requeueAttempts; attempt++ {
		cloneID, err := w.service.Requeue(ctx, job, markSourceCloned)
		if err == nil {
			return cloneID, nil
		}
		lastErr = err

		var subErr *jobs.SubmissionError
		if errors.As(err, &subErr) {
			// The clone row exists; publishing again would duplicate it
			return subErr.JobID, err
		}
		if !jobs.IsConnectionError(err) {
			return 0, err
		}

		if attempt < w.requeueAttempts {
			w.logger.Warn("Requeue failed, retrying",
				slog.Int64("job_id", job.ID),
				slog.Int("attempt", attempt),
				slog.Duration("retry_after", w.requeueInterval),
				slog.Any("error", err),
			)
			time.Sleep(w.requeueInterval)
		}
	}

	return 0, fmt.Errorf("failed to requeue job %d after %d attempts: %w", job.ID, w.requeueAttempts, lastErr)
}

// fail records cause in the job log and marks the job Error
func (w *Worker) fail(ctx context.Context, job *jobs.Job, cause error) {
	if err := w.store.AppendLog(ctx, job.ID, cause.Error()); err != nil {
		w.logger.Warn("Failed to append job log entry",
			slog.Int64("job_id", job.ID),
			slog.Any("error", err),
		)
	}

	if err := w.store.UpdateStatus(ctx, job.ID, jobs.StatusError); err != nil {
		w.logger.Error("Failed to mark job as error",
			slog.Int64("job_id", job.ID),
			slog.Any("error", err),
		)
		return
	}

	if w.deleteOnError && job.Attributes.DeleteOnFinish {
		w.deleteJob(ctx, job.ID)
	}
}

func (w *Worker) deleteJob(ctx context.Context, id int64) {
	if err := w.store.Delete(ctx, id); err != nil && !errors.Is(err, jobs.ErrNotFound) {
		w.logger.Error("Failed to delete job",
			slog.Int64("job_id", id),
			slog.Any("error", err),
		)
		return
	}
	w.logger.Debug("Job deleted on completion", slog.Int64("job_id", id))
}
