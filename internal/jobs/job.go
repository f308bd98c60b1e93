// Package jobs holds the job data model, its status machine, the error
// taxonomy shared by every process, and the submission service.
package jobs

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a job row
type Status string

// Job status constants
const (
	StatusQueued   Status = "QUEUED"
	StatusRunning  Status = "RUNNING"
	StatusFinished Status = "FINISHED"
	StatusError    Status = "ERROR"
	StatusCloned   Status = "CLONED"
)

// Priority bounds. The upper bound is the broker ceiling.
const (
	MinPriority = 1
	MaxPriority = 255
)

// IsTerminal reports whether no further transition is allowed from s
func (s Status) IsTerminal() bool {
	return s == StatusFinished || s == StatusError || s == StatusCloned
}

// Valid reports whether s is one of the known statuses
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusFinished, StatusError, StatusCloned:
		return true
	}
	return false
}

// Attributes are the job options carried in the row and in the broker message
type Attributes struct {
	Priority       int   `json:"priority"`
	DeleteOnFinish bool  `json:"delete_on_finish"`
	ClonedFrom     int64 `json:"cloned_from,omitempty"`
}

// LogEntry is a single line of a job's append-only log
type LogEntry struct {
	Time    time.Time `json:"time"`
	Message string    `json:"msg"`
}

// Job represents a persisted job row
type Job struct {
	ID             int64           `db:"id"`
	WorkerKind     string          `db:"worker_kind"`
	Payload        json.RawMessage `db:"payload"`
	Attributes     Attributes      `db:"-"`
	Status         Status          `db:"status"`
	Priority       int             `db:"priority"`
	CreateTime     time.Time       `db:"create_time"`
	LastUpdateTime time.Time       `db:"last_update_time"`
	ResultData     json.RawMessage `db:"result_data"`
	Log            []LogEntry      `db:"-"`
}

// ClampPriority forces p into [MinPriority, MaxPriority]
func ClampPriority(p int) int {
	if p < MinPriority {
		return MinPriority
	}
	if p > MaxPriority {
		return MaxPriority
	}
	return p
}

// NewJob builds a Queued job ready for insertion
func NewJob(workerKind string, payload json.RawMessage, priority int, deleteOnFinish bool) *Job {
	priority = ClampPriority(priority)
	return &Job{
		WorkerKind: workerKind,
		Payload:    payload,
		Attributes: Attributes{
			Priority:       priority,
			DeleteOnFinish: deleteOnFinish,
		},
		Status:   StatusQueued,
		Priority: priority,
	}
}

// CloneOf builds a new Queued job carrying the same work as src
func CloneOf(src *Job) *Job {
	clone := NewJob(src.WorkerKind, src.Payload, src.Priority, src.Attributes.DeleteOnFinish)
	clone.Attributes.ClonedFrom = src.ID
	return clone
}
