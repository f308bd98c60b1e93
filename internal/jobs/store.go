package jobs

import (
	"context"
	"encoding/json"
	"time"
)

// Store is the persistent source of truth for job rows. Every status
// mutation refreshes LastUpdateTime. Writers are last-writer-wins keyed by id.
type Store interface {
	Insert(ctx context.Context, job *Job) (int64, error)
	Get(ctx context.Context, id int64) (*Job, error)
	UpdateStatus(ctx context.Context, id int64, status Status) error
	// TransitionStatus sets status to `to` only when the row currently holds
	// one of `from`. It reports false, without error, when the row exists
	// in another status.
	TransitionStatus(ctx context.Context, id int64, from []Status, to Status) (bool, error)
	// SetResult is a no-op for empty data and fails with ErrInvalidState
	// when the job is Finished or Error.
	SetResult(ctx context.Context, id int64, data json.RawMessage) error
	AppendLog(ctx context.Context, id int64, msg string) error
	// Delete fails with ErrInvalidState while the job is Running.
	Delete(ctx context.Context, id int64) error
	ListStale(ctx context.Context, status Status, olderThan time.Time) ([]int64, error)
	Purge(ctx context.Context, statuses []Status, olderThan time.Time) (int64, error)
}

// Publisher delivers an encoded message to the broker at the given priority
type Publisher interface {
	Publish(ctx context.Context, body []byte, priority int) error
}

// JobFilter selects jobs for listing
type JobFilter struct {
	WorkerKind string
	Status     Status
	PageSize   int
	// AfterID resumes listing after the given id (ids descend)
	AfterID int64
}

// Lister is implemented by stores able to serve inspection queries
type Lister interface {
	List(ctx context.Context, filter JobFilter) ([]Job, error)
	CountByStatus(ctx context.Context) (map[Status]int, error)
}
