package dto

import "encoding/json"

type CreateJobRequest struct {
	WorkerKind     string          `json:"worker_kind" binding:"required"`
	Payload        json.RawMessage `json:"payload"`
	Priority       int             `json:"priority"`
	DeleteOnFinish bool            `json:"delete_on_finish"`
}

type CreateJobResponse struct {
	JobID    int64  `json:"job_id"`
	Priority int    `json:"priority"`
	Status   string `json:"status"`
}

type ListJobsRequest struct {
	WorkerKind string `form:"worker_kind"`
	Status     string `form:"status"`
	PageSize   int    `form:"page_size"`
	Cursor     string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type ResultRequest struct {
	DeleteAfter bool `form:"delete_after"`
}

type ResultResponse struct {
	JobID  int64           `json:"job_id"`
	Result json.RawMessage `json:"result"`
}

type CloneJobResponse struct {
	JobID   int64 `json:"job_id"`
	CloneID int64 `json:"clone_id"`
}

type LogEntryDTO struct {
	Time    string `json:"time"`
	Message string `json:"msg"`
}

type JobDTO struct {
	JobID          int64           `json:"job_id"`
	WorkerKind     string          `json:"worker_kind"`
	Payload        json.RawMessage `json:"payload"`
	Status         string          `json:"status"`
	Priority       int             `json:"priority"`
	DeleteOnFinish bool            `json:"delete_on_finish"`
	ClonedFrom     int64           `json:"cloned_from,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Log            []LogEntryDTO   `json:"log,omitempty"`
	CreatedAt      string          `json:"created_at"`
	UpdatedAt      string          `json:"updated_at"`
}
