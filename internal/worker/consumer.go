package worker

import (
	"context"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cuongbtq/jobserver/internal/jobs"
)

// handleDelivery runs for each delivery that passed the priority gate. The
// delivery is already acknowledged.
func (w *Worker) handleDelivery(ctx context.Context, delivery amqp.Delivery) {
	// Shutdown must not interrupt a job that has started
	jobCtx := context.WithoutCancel(ctx)

	msg, err := jobs.DecodeMessage(delivery.Body)
	if err != nil {
		w.logger.Error("Failed to decode message, dropping it",
			slog.Uint64("delivery_tag", delivery.DeliveryTag),
			slog.Any("error", err),
			slog.String("body", string(delivery.Body)),
		)
		return
	}

	w.logger.Info("Worker received job",
		slog.Int64("job_id", msg.JobID),
		slog.String("worker_kind", msg.WorkerKind),
		slog.Int("priority", int(delivery.Priority)),
	)

	w.processMessage(jobCtx, msg)

	if w.crashed == nil {
		w.checkMemory(jobCtx)
	}
}
