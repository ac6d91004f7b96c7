package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yungbote/smriti-backend/internal/http/response"
	"github.com/yungbote/smriti-backend/internal/pkg/dbctx"
	"github.com/yungbote/smriti-backend/internal/services"
)

type JobHandler struct {
	jobs services.JobService
}

func NewJobHandler(jobs services.JobService) *JobHandler {
	return &JobHandler{jobs: jobs}
}

type enqueueRequest struct {
	JobType     string         `json:"job_type" binding:"required"`
	OwnerUserID *uuid.UUID     `json:"owner_user_id"`
	Payload     map[string]any `json:"payload"`
}

// POST /jobs
func (h *JobHandler) Enqueue(c *gin.Context) {
	var req enqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	job, err := h.jobs.Enqueue(dbctx.Background(c.Request.Context()), req.OwnerUserID, req.JobType, req.Payload)
	if err != nil {
		response.RespondAppError(c, "enqueue_failed", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job": job})
}

// GET /jobs/:id
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_job_id", err)
		return
	}
	job, err := h.jobs.Get(dbctx.Background(c.Request.Context()), jobID)
	if err != nil {
		response.RespondAppError(c, "job_not_found", err)
		return
	}
	response.RespondOK(c, gin.H{"job": job})
}

// POST /jobs/:id/cancel
func (h *JobHandler) CancelJob(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_job_id", err)
		return
	}
	job, err := h.jobs.Cancel(dbctx.Background(c.Request.Context()), jobID)
	if err != nil {
		response.RespondAppError(c, "cancel_job_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"job": job})
}
