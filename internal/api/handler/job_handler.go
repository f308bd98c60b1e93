package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/jobserver/internal/api/dto"
	"github.com/cuongbtq/jobserver/internal/jobs"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// CreateJob handles POST /api/v1/jobs
// Stores a Queued job and publishes it to the deployment queue
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	id, err := h.service.Submit(c.Request.Context(), req.WorkerKind, req.Payload, req.Priority, req.DeleteOnFinish)
	if err != nil {
		var subErr *jobs.SubmissionError
		if errors.As(err, &subErr) {
			// The row exists and stays Queued; the watchdog reports it if it is never picked up
			h.logger.Error("Job stored but not published",
				slog.Int64("job_id", subErr.JobID),
				slog.Any("error", err),
			)
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error":  "Job stored but could not be published",
				"job_id": subErr.JobID,
			})
			return
		}

		h.writeError(c, "Failed to create job", err)
		return
	}

	h.logger.Info("Job created",
		slog.Int64("job_id", id),
		slog.String("worker_kind", req.WorkerKind),
	)

	c.JSON(http.StatusCreated, dto.CreateJobResponse{
		JobID:    id,
		Priority: jobs.ClampPriority(req.Priority),
		Status:   string(jobs.StatusQueued),
	})
}

// GetJob handles GET /api/v1/jobs/:job_id
// Retrieves detailed information about a specific job
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID, ok := h.parseJobID(c)
	if !ok {
		return
	}

	job, err := h.service.Store().Get(c.Request.Context(), jobID)
	if err != nil {
		h.writeError(c, "Failed to get job", err)
		return
	}

	c.JSON(http.StatusOK, toJobDTO(job, true))
}

// ListJobs handles GET /api/v1/jobs
// Lists jobs newest first with optional filtering and cursor pagination
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = defaultPageSize
	}

	if req.PageSize > maxPageSize {
		req.PageSize = maxPageSize
	}

	status := jobs.Status(strings.ToUpper(req.Status))
	if status != "" && !status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid status",
		})
		return
	}

	afterID, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Error("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	// One extra row tells whether another page exists
	filter := jobs.JobFilter{
		WorkerKind: req.WorkerKind,
		Status:     status,
		PageSize:   req.PageSize + 1,
		AfterID:    afterID,
	}

	list, err := h.lister.List(c.Request.Context(), filter)
	if err != nil {
		h.writeError(c, "Failed to list jobs", err)
		return
	}

	hasMore := len(list) > req.PageSize
	if hasMore {
		list = list[:req.PageSize]
	}

	jobResponse := make([]dto.JobDTO, len(list))
	for i := range list {
		jobResponse[i] = toJobDTO(&list[i], false)
	}

	var nextCursor string
	if hasMore {
		nextCursor = EncodeJobCursor(list[len(list)-1].ID)
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       jobResponse,
		NextCursor: nextCursor,
	})
}

// GetJobResult handles GET /api/v1/jobs/:job_id/result
// Returns the result of a Finished or Error job, optionally deleting the row
func (h *JobHandler) GetJobResult(c *gin.Context) {
	jobID, ok := h.parseJobID(c)
	if !ok {
		return
	}

	var req dto.ResultRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	result, err := h.service.Result(c.Request.Context(), jobID, req.DeleteAfter)
	if err != nil {
		h.writeError(c, "Failed to get job result", err)
		return
	}

	c.JSON(http.StatusOK, dto.ResultResponse{
		JobID:  jobID,
		Result: result,
	})
}

// CloneJob handles POST /api/v1/jobs/:job_id/clone
// Re-submits a Queued or Running job and marks the source Cloned
func (h *JobHandler) CloneJob(c *gin.Context) {
	jobID, ok := h.parseJobID(c)
	if !ok {
		return
	}

	cloneID, err := h.service.Clone(c.Request.Context(), jobID)
	if err != nil {
		var subErr *jobs.SubmissionError
		if errors.As(err, &subErr) {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error":    "Clone stored but could not be published",
				"job_id":   jobID,
				"clone_id": subErr.JobID,
			})
			return
		}

		h.writeError(c, "Failed to clone job", err)
		return
	}

	c.JSON(http.StatusCreated, dto.CloneJobResponse{
		JobID:   jobID,
		CloneID: cloneID,
	})
}

// DeleteJob handles DELETE /api/v1/jobs/:job_id
// Permanently deletes a job record; Running jobs are refused
func (h *JobHandler) DeleteJob(c *gin.Context) {
	jobID, ok := h.parseJobID(c)
	if !ok {
		return
	}

	if err := h.service.Store().Delete(c.Request.Context(), jobID); err != nil {
		h.writeError(c, "Failed to delete job", err)
		return
	}

	h.logger.Info("Job deleted", slog.Int64("job_id", jobID))
	c.Status(http.StatusNoContent)
}

func (h *JobHandler) parseJobID(c *gin.Context) (int64, bool) {
	raw := c.Param("job_id")

	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		h.logger.Error("Invalid job_id format", slog.String("job_id", raw))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a positive integer",
		})
		return 0, false
	}

	return id, true
}

// writeError maps the job error taxonomy to HTTP status codes
func (h *JobHandler) writeError(c *gin.Context, msg string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, jobs.ErrInvalidState):
		status = http.StatusConflict
	case errors.Is(err, jobs.ErrSerialization):
		status = http.StatusBadRequest
	case jobs.IsConnectionError(err):
		status = http.StatusServiceUnavailable
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error(msg, slog.Any("error", err))
	} else {
		h.logger.Warn(msg, slog.Any("error", err))
	}

	c.JSON(status, gin.H{
		"error":   msg,
		"details": err.Error(),
	})
}

func toJobDTO(job *jobs.Job, withLog bool) dto.JobDTO {
	out := dto.JobDTO{
		JobID:          job.ID,
		WorkerKind:     job.WorkerKind,
		Payload:        job.Payload,
		Status:         string(job.Status),
		Priority:       job.Priority,
		DeleteOnFinish: job.Attributes.DeleteOnFinish,
		ClonedFrom:     job.Attributes.ClonedFrom,
		Result:         job.ResultData,
		CreatedAt:      job.CreateTime.Format(time.RFC3339),
		UpdatedAt:      job.LastUpdateTime.Format(time.RFC3339),
	}

	if withLog {
		out.Log = make([]dto.LogEntryDTO, len(job.Log))
		for i, entry := range job.Log {
			out.Log[i] = dto.LogEntryDTO{
				Time:    entry.Time.Format(time.RFC3339),
				Message: entry.Message,
			}
		}
	}

	return out
}
