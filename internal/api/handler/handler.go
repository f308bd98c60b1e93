package handler

import (
	"log/slog"

	"github.com/cuongbtq/jobserver/internal/jobs"
)

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger  *slog.Logger
	Service *jobs.Service
	Lister  jobs.Lister
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger  *slog.Logger
	service *jobs.Service
	lister  jobs.Lister
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:  deps.Logger,
		service: deps.Service,
		lister:  deps.Lister,
	}
}
