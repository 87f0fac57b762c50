package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yungbote/jobstream/internal/domain"
	"github.com/yungbote/jobstream/internal/pkg/dbctx"
	"github.com/yungbote/jobstream/internal/repos"
	"github.com/yungbote/jobstream/internal/services"
)

type JobsHandler struct {
	sup       *services.Supervisor
	artifacts repos.ArtifactRepo
}

func NewJobsHandler(sup *services.Supervisor, artifacts repos.ArtifactRepo) *JobsHandler {
	return &JobsHandler{sup: sup, artifacts: artifacts}
}

type createJobRequest struct {
	JobType        string         `json:"job_type"`
	Config         map[string]any `json:"config"`
	IdempotencyKey *string        `json:"idempotency_key,omitempty"`
	Draft          bool           `json:"draft,omitempty"`
}

// POST /v1/jobs
func (h *JobsHandler) Create(c *gin.Context) {
	var req createJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	if h.sup.SafeMode() {
		RespondError(c, http.StatusServiceUnavailable, "safe_mode", services.ErrSafeMode)
		return
	}

	var (
		job *domain.Job
		err error
	)
	if req.Draft {
		job, err = h.sup.CreateDraft(c.Request.Context(), req.JobType, req.Config)
	} else {
		job, err = h.sup.CreateJob(c.Request.Context(), req.JobType, req.Config, req.IdempotencyKey)
	}
	if err != nil {
		RespondError(c, http.StatusBadRequest, "create_failed", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"job": job})
}

// GET /v1/jobs?state=queued&state=running&limit=50
func (h *JobsHandler) List(c *gin.Context) {
	var states []domain.JobState
	for _, s := range c.QueryArray("state") {
		states = append(states, domain.JobState(s))
	}
	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			RespondError(c, http.StatusBadRequest, "invalid_limit", err)
			return
		}
		limit = n
	}
	jobsList, err := h.sup.ListJobs(c.Request.Context(), states, limit)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "list_failed", err)
		return
	}
	RespondOK(c, gin.H{"jobs": jobsList})
}

// GET /v1/jobs/:id
func (h *JobsHandler) Get(c *gin.Context) {
	jobID, ok := parseJobID(c)
	if !ok {
		return
	}
	job, err := h.sup.GetJob(c.Request.Context(), jobID)
	if err != nil {
		respondJobErr(c, err)
		return
	}
	RespondOK(c, gin.H{"job": job})
}

// POST /v1/jobs/:id/submit
func (h *JobsHandler) Submit(c *gin.Context) {
	jobID, ok := parseJobID(c)
	if !ok {
		return
	}
	job, err := h.sup.Submit(c.Request.Context(), jobID)
	if err != nil {
		respondJobErr(c, err)
		return
	}
	RespondOK(c, gin.H{"job": job})
}

// POST /v1/jobs/:id/cancel
func (h *JobsHandler) Cancel(c *gin.Context) {
	jobID, ok := parseJobID(c)
	if !ok {
		return
	}
	job, err := h.sup.RequestCancel(c.Request.Context(), jobID)
	if err != nil {
		respondJobErr(c, err)
		return
	}
	RespondOK(c, gin.H{"job": job})
}

// POST /v1/jobs/:id/archive
func (h *JobsHandler) Archive(c *gin.Context) {
	jobID, ok := parseJobID(c)
	if !ok {
		return
	}
	job, err := h.sup.Archive(c.Request.Context(), jobID)
	if err != nil {
		respondJobErr(c, err)
		return
	}
	RespondOK(c, gin.H{"job": job})
}

// GET /v1/jobs/:id/receipt
func (h *JobsHandler) Receipt(c *gin.Context) {
	jobID, ok := parseJobID(c)
	if !ok {
		return
	}
	job, err := h.sup.GetJob(c.Request.Context(), jobID)
	if err != nil {
		respondJobErr(c, err)
		return
	}
	if len(job.ReceiptJSON) == 0 {
		RespondError(c, http.StatusNotFound, "receipt_not_ready", errors.New("job has no receipt yet"))
		return
	}
	c.Data(http.StatusOK, "application/json", job.ReceiptJSON)
}

// GET /v1/jobs/:id/artifacts
func (h *JobsHandler) Artifacts(c *gin.Context) {
	jobID, ok := parseJobID(c)
	if !ok {
		return
	}
	arts, err := h.artifacts.ListForJob(dbctx.New(c.Request.Context()), jobID)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "artifact_list_failed", err)
		return
	}
	RespondOK(c, gin.H{"artifacts": arts})
}

func parseJobID(c *gin.Context) (uuid.UUID, bool) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_job_id", err)
		return uuid.Nil, false
	}
	return jobID, true
}

func respondJobErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, repos.ErrNotFound):
		RespondError(c, http.StatusNotFound, "job_not_found", err)
	case errors.Is(err, services.ErrInvalidTransition):
		RespondError(c, http.StatusConflict, "invalid_transition", err)
	case errors.Is(err, repos.ErrStoreBusy):
		RespondError(c, http.StatusServiceUnavailable, "store_busy", err)
	default:
		RespondError(c, http.StatusInternalServerError, "internal_error", err)
	}
}
