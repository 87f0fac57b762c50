package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yungbote/jobstream/internal/sse"
)

type StreamHandler struct {
	streamer *sse.Streamer
}

func NewStreamHandler(streamer *sse.Streamer) *StreamHandler {
	return &StreamHandler{streamer: streamer}
}

// GET /v1/events?after=<seq>&job_id=<uuid>
//
// The resume cursor comes from the Last-Event-ID header on automatic
// reconnects, or the `after` query param on explicit ones. Header wins when
// both are present, matching what EventSource sends. No cursor means
// live-only.
func (h *StreamHandler) Stream(c *gin.Context) {
	var cursor *int64
	if raw := c.GetHeader("Last-Event-ID"); raw != "" {
		seq, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || seq < 0 {
			RespondError(c, http.StatusBadRequest, "invalid_cursor", errors.New("Last-Event-ID must be a non-negative sequence"))
			return
		}
		cursor = &seq
	} else if raw := c.Query("after"); raw != "" {
		seq, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || seq < 0 {
			RespondError(c, http.StatusBadRequest, "invalid_cursor", errors.New("after must be a non-negative sequence"))
			return
		}
		cursor = &seq
	}

	var jobFilter *uuid.UUID
	if raw := c.Query("job_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			RespondError(c, http.StatusBadRequest, "invalid_job_id", err)
			return
		}
		jobFilter = &id
	}

	h.streamer.Serve(c.Writer, c.Request, cursor, jobFilter)
}
