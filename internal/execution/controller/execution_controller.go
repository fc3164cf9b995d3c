package controller

import (
	"context"
	"errors"
	"net/http"

	"runbox/internal/execution/dispatcher"
	"runbox/internal/execution/model"
	"runbox/internal/execution/scheduler"
	pkgerrors "runbox/pkg/errors"
	"runbox/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

// Runner is the execution surface the controller depends on.
type Runner interface {
	Run(ctx context.Context, req dispatcher.RunRequest) (model.ExecutionResult, error)
	// Cancel stops jobID when the caller in ctx submitted it.
	Cancel(ctx context.Context, jobID string) bool
	Languages() []dispatcher.LanguageInfo
	Stats() scheduler.Stats
}

// envelopeBytes covers field names, the language and the job id.
const envelopeBytes = 4 * 1024

// ExecutionController handles execution HTTP endpoints.
type ExecutionController struct {
	runner       Runner
	maxBodyBytes int64
}

// NewExecutionController creates a new ExecutionController. Run bodies
// larger than maxBodyBytes are rejected before they are decoded.
func NewExecutionController(runner Runner, maxBodyBytes int64) *ExecutionController {
	return &ExecutionController{runner: runner, maxBodyBytes: maxBodyBytes}
}

// BodyLimit sizes the run body cap from the source and stdin caps. JSON
// escaping can double text, so both caps are counted twice.
func BodyLimit(maxSourceBytes, maxStdinBytes int) int64 {
	return 2*int64(maxSourceBytes+maxStdinBytes) + envelopeBytes
}

// Run executes one program and blocks until it finishes.
func (h *ExecutionController) Run(c *gin.Context) {
	if h.maxBodyBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBodyBytes)
	}
	var req RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			response.ErrorWithCode(c, pkgerrors.CodeTooLarge, "Request body is too large")
			return
		}
		response.BadRequest(c, "Invalid request parameters")
		return
	}
	source := req.Code
	if source == "" {
		source = req.Source
	}

	res, err := h.runner.Run(c.Request.Context(), dispatcher.RunRequest{
		Language: req.Language,
		Source:   source,
		Stdin:    req.Stdin,
		JobID:    req.JobID,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	c.Header("X-Job-Id", res.JobID)
	response.JSON(c, http.StatusOK, res)
}

// Cancel stops a queued or running job.
func (h *ExecutionController) Cancel(c *gin.Context) {
	jobID := c.Param("id")
	if jobID == "" {
		response.BadRequest(c, "Invalid job id")
		return
	}
	// Jobs owned by someone else are reported as missing.
	if !h.runner.Cancel(c.Request.Context(), jobID) {
		response.ErrorWithCode(c, pkgerrors.JobNotFound, "")
		return
	}
	c.Status(http.StatusNoContent)
}

// Languages lists supported languages with their limits.
func (h *ExecutionController) Languages(c *gin.Context) {
	response.Success(c, h.runner.Languages())
}

// Health reports liveness and current load.
func (h *ExecutionController) Health(c *gin.Context) {
	stats := h.runner.Stats()
	response.JSON(c, http.StatusOK, HealthResponse{
		Status:     "ok",
		Busy:       stats.Busy,
		Size:       stats.Size,
		Queued:     stats.Queued,
		QueueDepth: stats.QueueDepth,
	})
}

// RunRequest defines the run payload. Source is accepted as an alias of Code.
type RunRequest struct {
	Language string `json:"language" binding:"required"`
	Code     string `json:"code"`
	Source   string `json:"source"`
	Stdin    string `json:"stdin"`
	JobID    string `json:"jobId"`
}

// HealthResponse defines the health payload.
type HealthResponse struct {
	Status     string `json:"status"`
	Busy       int    `json:"busy"`
	Size       int    `json:"size"`
	Queued     int    `json:"queued"`
	QueueDepth int    `json:"queueDepth"`
}
