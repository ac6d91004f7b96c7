package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yungbote/smriti-backend/internal/http/response"
	"github.com/yungbote/smriti-backend/internal/pkg/dbctx"
	"github.com/yungbote/smriti-backend/internal/services"
)

type GraphHandler struct {
	graph services.GraphService
}

func NewGraphHandler(graph services.GraphService) *GraphHandler {
	return &GraphHandler{graph: graph}
}

func optionalUserID(c *gin.Context) (*uuid.UUID, bool) {
	raw := c.Query("user_id")
	if raw == "" {
		return nil, true
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_user_id", err)
		return nil, false
	}
	return &id, true
}

func queryLimit(c *gin.Context, def int) int {
	if n, err := strconv.Atoi(c.Query("limit")); err == nil && n > 0 {
		return n
	}
	return def
}

// GET /stats?user_id=
func (h *GraphHandler) Stats(c *gin.Context) {
	userID, ok := optionalUserID(c)
	if !ok {
		return
	}
	stats, err := h.graph.Stats(dbctx.Background(c.Request.Context()), userID)
	if err != nil {
		response.RespondAppError(c, "stats_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"stats": stats})
}

// GET /errors?user_id=&stage=&limit=
func (h *GraphHandler) ListErrors(c *gin.Context) {
	userID, ok := optionalUserID(c)
	if !ok {
		return
	}
	rows, err := h.graph.ListErrors(dbctx.Background(c.Request.Context()), userID, c.Query("stage"), queryLimit(c, 100))
	if err != nil {
		response.RespondAppError(c, "list_errors_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"errors": rows})
}

func requiredUserID(c *gin.Context) (uuid.UUID, bool) {
	userID, ok := optionalUserID(c)
	if !ok {
		return uuid.Nil, false
	}
	if userID == nil {
		response.RespondError(c, http.StatusBadRequest, "missing_user_id", nil)
		return uuid.Nil, false
	}
	return *userID, true
}

// GET /reflections?user_id=&limit=
func (h *GraphHandler) ListReflections(c *gin.Context) {
	userID, ok := requiredUserID(c)
	if !ok {
		return
	}
	rows, err := h.graph.ListReflections(dbctx.Background(c.Request.Context()), userID, queryLimit(c, 50))
	if err != nil {
		response.RespondAppError(c, "list_reflections_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"reflections": rows})
}

// DELETE /reflections/:id?user_id=
func (h *GraphHandler) DeleteReflection(c *gin.Context) {
	userID, ok := requiredUserID(c)
	if !ok {
		return
	}
	reflectionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_reflection_id", err)
		return
	}
	if err := h.graph.DeleteReflection(dbctx.Background(c.Request.Context()), userID, reflectionID); err != nil {
		response.RespondAppError(c, "delete_reflection_failed", err)
		return
	}
	c.Status(http.StatusNoContent)
}
