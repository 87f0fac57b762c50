package services

import (
	"context"
	"encoding/json"
	"time"

	"gorm.io/datatypes"

	"github.com/yungbote/jobstream/internal/domain"
	"github.com/yungbote/jobstream/internal/pkg/dbctx"
	"github.com/yungbote/jobstream/internal/pkg/logger"
	"github.com/yungbote/jobstream/internal/repos"
	"github.com/yungbote/jobstream/internal/sse"
)

// Heartbeat appends a periodic engine liveness event. Like every other
// event it goes through the sequencer and the broadcaster, so stream
// clients see the engine's pulse interleaved with job traffic.
type Heartbeat struct {
	log      *logger.Logger
	jobs     repos.JobRepo
	events   repos.EventRepo
	bcast    *sse.Broadcaster
	interval time.Duration
	started  time.Time
}

func NewHeartbeat(jobs repos.JobRepo, events repos.EventRepo, bcast *sse.Broadcaster, interval time.Duration, log *logger.Logger) *Heartbeat {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	return &Heartbeat{
		log:      log.With("service", "Heartbeat"),
		jobs:     jobs,
		events:   events,
		bcast:    bcast,
		interval: interval,
		started:  time.Now().UTC(),
	}
}

func (h *Heartbeat) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.Beat(ctx); err != nil {
				h.log.Warn("Heartbeat append failed", "error", err)
			}
		}
	}
}

// Beat appends one engine.heartbeat event.
func (h *Heartbeat) Beat(ctx context.Context) error {
	dbc := dbctx.New(ctx)
	counts, err := h.jobs.CountByState(dbc)
	if err != nil {
		return err
	}
	payload, _ := json.Marshal(domain.HeartbeatPayload{
		UptimeMS:   time.Since(h.started).Milliseconds(),
		Health:     "ok",
		ActiveJobs: counts[domain.JobStateRunning] + counts[domain.JobStateCancelling],
		QueueDepth: counts[domain.JobStateQueued],
	})
	ev := &domain.JobEvent{
		EventType: domain.EventEngineHeartbeat,
		Level:     domain.LogLevelInfo,
		Payload:   datatypes.JSON(payload),
	}
	appended, err := h.events.Append(dbc, ev)
	if err != nil {
		return err
	}
	_, err = h.bcast.NotifyCommitted(ctx, appended.RowID)
	return err
}

// EmitShutdown appends the engine.shutting_down event so connected clients
// learn the disconnect is deliberate before the sockets close.
func (h *Heartbeat) EmitShutdown(ctx context.Context, reason string, grace time.Duration) error {
	payload, _ := json.Marshal(domain.ShutdownPayload{
		Reason:        reason,
		GracePeriodMS: grace.Milliseconds(),
	})
	ev := &domain.JobEvent{
		EventType: domain.EventEngineShutdown,
		Level:     domain.LogLevelWarn,
		Message:   reason,
		Payload:   datatypes.JSON(payload),
	}
	appended, err := h.events.Append(dbctx.New(ctx), ev)
	if err != nil {
		return err
	}
	_, err = h.bcast.NotifyCommitted(ctx, appended.RowID)
	return err
}

func (h *Heartbeat) Uptime() time.Duration { return time.Since(h.started) }
