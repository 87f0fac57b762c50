package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/jobstream/internal/services"
)

type StatusHandler struct {
	status *services.StatusService
}

func NewStatusHandler(status *services.StatusService) *StatusHandler {
	return &StatusHandler{status: status}
}

// GET /v1/engine/status
func (h *StatusHandler) Get(c *gin.Context) {
	st, err := h.status.Status(c.Request.Context())
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "status_failed", err)
		return
	}
	RespondOK(c, st)
}
