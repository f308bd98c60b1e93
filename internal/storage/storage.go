// Package storage persists jobs and watchdog state in PostgreSQL.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/cuongbtq/jobserver/internal/jobs"
)

const jobColumns = `id, worker_kind, payload, attributes, status, priority,
	create_time, last_update_time, result_data, job_log`

// Storage is the PostgreSQL job store
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
	}
}

type jobRow struct {
	ID             int64     `db:"id"`
	WorkerKind     string    `db:"worker_kind"`
	Payload        []byte    `db:"payload"`
	Attributes     []byte    `db:"attributes"`
	Status         string    `db:"status"`
	Priority       int       `db:"priority"`
	CreateTime     time.Time `db:"create_time"`
	LastUpdateTime time.Time `db:"last_update_time"`
	ResultData     []byte    `db:"result_data"`
	JobLog         []byte    `db:"job_log"`
}

func (r *jobRow) toJob() (*jobs.Job, error) {
	job := &jobs.Job{
		ID:             r.ID,
		WorkerKind:     r.WorkerKind,
		Payload:        json.RawMessage(r.Payload),
		Status:         jobs.Status(r.Status),
		Priority:       r.Priority,
		CreateTime:     r.CreateTime,
		LastUpdateTime: r.LastUpdateTime,
	}
	if len(r.ResultData) > 0 {
		job.ResultData = json.RawMessage(r.ResultData)
	}

	if err := json.Unmarshal(r.Attributes, &job.Attributes); err != nil {
		return nil, fmt.Errorf("%w: failed to decode attributes of job %d: %v", jobs.ErrSerialization, r.ID, err)
	}
	if len(r.JobLog) > 0 {
		if err := json.Unmarshal(r.JobLog, &job.Log); err != nil {
			return nil, fmt.Errorf("%w: failed to decode log of job %d: %v", jobs.ErrSerialization, r.ID, err)
		}
	}

	return job, nil
}

// Insert stores a new job row and returns its id
func (s *Storage) Insert(ctx context.Context, job *jobs.Job) (int64, error) {
	attributes, err := json.Marshal(job.Attributes)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to encode attributes: %v", jobs.ErrSerialization, err)
	}

	payload := job.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}

	status := job.Status
	if status == "" {
		status = jobs.StatusQueued
	}

	query := `
		INSERT INTO jobs (worker_kind, payload, attributes, status, priority, create_time, last_update_time)
		VALUES ($1, $2::jsonb, $3::jsonb, $4, $5, NOW(), NOW())
		RETURNING id
	`

	var id int64
	err = s.db.QueryRowContext(ctx, query,
		job.WorkerKind,
		string(payload),
		string(attributes),
		string(status),
		jobs.ClampPriority(job.Priority),
	).Scan(&id)
	if err != nil {
		return 0, classify("insert job", err)
	}

	s.logger.Debug("Job inserted",
		slog.Int64("job_id", id),
		slog.String("worker_kind", job.WorkerKind),
	)

	return id, nil
}

// Get retrieves a job by id
func (s *Storage) Get(ctx context.Context, id int64) (*jobs.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`

	var row jobRow
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, jobs.ErrNotFound
		}
		return nil, classify("get job", err)
	}

	return row.toJob()
}

// UpdateStatus sets the job status. Setting the current status again is a
// no-op and leaves last_update_time untouched.
func (s *Storage) UpdateStatus(ctx context.Context, id int64, status jobs.Status) error {
	query := `
		UPDATE jobs
		SET status = $2,
		    last_update_time = NOW()
		WHERE id = $1
		  AND status <> $2
	`

	result, err := s.db.ExecContext(ctx, query, id, string(status))
	if err != nil {
		return classify("update job status", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return classify("update job status", err)
	}
	if affected == 0 {
		// Either the row is missing or already has the status
		return s.ensureExists(ctx, id)
	}

	s.logger.Debug("Job status updated",
		slog.Int64("job_id", id),
		slog.String("status", string(status)),
	)

	return nil
}

// TransitionStatus moves the job to `to` only from one of the `from`
// statuses, in a single conditional update.
func (s *Storage) TransitionStatus(ctx context.Context, id int64, from []jobs.Status, to jobs.Status) (bool, error) {
	query := `
		UPDATE jobs
		SET status = $2,
		    last_update_time = NOW()
		WHERE id = $1
		  AND status = ANY($3)
	`

	result, err := s.db.ExecContext(ctx, query, id, string(to), pq.Array(statusNames(from)))
	if err != nil {
		return false, classify("transition job status", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, classify("transition job status", err)
	}
	if affected == 0 {
		return false, s.ensureExists(ctx, id)
	}

	s.logger.Debug("Job status transitioned",
		slog.Int64("job_id", id),
		slog.String("status", string(to)),
	)

	return true, nil
}

// SetResult stores result data. Empty data is a no-op; Finished and Error
// rows are immutable.
func (s *Storage) SetResult(ctx context.Context, id int64, data json.RawMessage) error {
	if len(data) == 0 {
		return nil
	}

	query := `
		UPDATE jobs
		SET result_data = $2::jsonb
		WHERE id = $1
		  AND status NOT IN ($3, $4)
	`

	result, err := s.db.ExecContext(ctx, query, id, string(data),
		string(jobs.StatusFinished), string(jobs.StatusError))
	if err != nil {
		return classify("set job result", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return classify("set job result", err)
	}
	if affected > 0 {
		return nil
	}

	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return jobs.InvalidState(id, job.Status, "set result of")
}

// AppendLog appends a timestamped entry to the job log
func (s *Storage) AppendLog(ctx context.Context, id int64, msg string) error {
	query := `
		UPDATE jobs
		SET job_log = job_log || jsonb_build_array(jsonb_build_object('time', NOW(), 'msg', $2::text))
		WHERE id = $1
	`

	result, err := s.db.ExecContext(ctx, query, id, msg)
	if err != nil {
		return classify("append job log", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return classify("append job log", err)
	}
	if affected == 0 {
		return jobs.ErrNotFound
	}

	return nil
}

// Delete removes a job row unless it is Running
func (s *Storage) Delete(ctx context.Context, id int64) error {
	query := `DELETE FROM jobs WHERE id = $1 AND status <> $2`

	result, err := s.db.ExecContext(ctx, query, id, string(jobs.StatusRunning))
	if err != nil {
		return classify("delete job", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return classify("delete job", err)
	}
	if affected > 0 {
		s.logger.Debug("Job deleted", slog.Int64("job_id", id))
		return nil
	}

	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return jobs.InvalidState(id, job.Status, "delete")
}

// ListStale returns ids of jobs in status whose reference time is before
// olderThan. Queued jobs are measured from creation, others from their last
// update.
func (s *Storage) ListStale(ctx context.Context, status jobs.Status, olderThan time.Time) ([]int64, error) {
	column := "last_update_time"
	if status == jobs.StatusQueued {
		column = "create_time"
	}

	query := `SELECT id FROM jobs WHERE status = $1 AND ` + column + ` < $2 ORDER BY id`

	var ids []int64
	if err := s.db.SelectContext(ctx, &ids, query, string(status), olderThan); err != nil {
		return nil, classify("list stale jobs", err)
	}

	return ids, nil
}

// Purge deletes jobs in one of statuses last updated before olderThan
func (s *Storage) Purge(ctx context.Context, statuses []jobs.Status, olderThan time.Time) (int64, error) {
	if len(statuses) == 0 {
		return 0, nil
	}

	query := `DELETE FROM jobs WHERE status = ANY($1) AND last_update_time < $2`

	result, err := s.db.ExecContext(ctx, query, pq.Array(statusNames(statuses)), olderThan)
	if err != nil {
		return 0, classify("purge jobs", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, classify("purge jobs", err)
	}

	s.logger.Info("Jobs purged",
		slog.Int64("deleted", deleted),
		slog.Time("older_than", olderThan),
	)

	return deleted, nil
}

// List returns jobs matching filter, newest first
func (s *Storage) List(ctx context.Context, filter jobs.JobFilter) ([]jobs.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if filter.WorkerKind != "" {
		query += fmt.Sprintf(" AND worker_kind = $%d", argIdx)
		args = append(args, filter.WorkerKind)
		argIdx++
	}

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}

	if filter.AfterID > 0 {
		query += fmt.Sprintf(" AND id < $%d", argIdx)
		args = append(args, filter.AfterID)
		argIdx++
	}

	query += " ORDER BY id DESC"

	if filter.PageSize > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filter.PageSize)
	}

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, classify("list jobs", err)
	}

	result := make([]jobs.Job, 0, len(rows))
	for i := range rows {
		job, err := rows[i].toJob()
		if err != nil {
			return nil, err
		}
		result = append(result, *job)
	}

	return result, nil
}

// CountByStatus returns the number of rows per status
func (s *Storage) CountByStatus(ctx context.Context) (map[jobs.Status]int, error) {
	var rows []struct {
		Status string `db:"status"`
		Count  int    `db:"count"`
	}

	query := `SELECT status, COUNT(*) AS count FROM jobs GROUP BY status`
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, classify("count jobs", err)
	}

	counts := make(map[jobs.Status]int, len(rows))
	for _, r := range rows {
		counts[jobs.Status(r.Status)] = r.Count
	}

	return counts, nil
}

func statusNames(statuses []jobs.Status) []string {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	return names
}

func (s *Storage) ensureExists(ctx context.Context, id int64) error {
	var exists bool
	if err := s.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, id); err != nil {
		return classify("check job", err)
	}
	if !exists {
		return jobs.ErrNotFound
	}
	return nil
}
