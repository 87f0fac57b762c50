package services

import (
	"context"
	"time"

	"github.com/yungbote/jobstream/internal/domain"
	"github.com/yungbote/jobstream/internal/pkg/dbctx"
	"github.com/yungbote/jobstream/internal/pkg/logger"
	"github.com/yungbote/jobstream/internal/repos"
	"github.com/yungbote/jobstream/internal/sse"
)

// EngineStatus is the point-in-time summary served by the status endpoint.
type EngineStatus struct {
	Version        string `json:"version"`
	Mode           string `json:"mode"` // normal | safe
	Health         string `json:"health"`
	UptimeMS       int64  `json:"uptime_ms"`
	GlobalSequence int64  `json:"global_sequence"`
	PrunedThrough  int64  `json:"pruned_through_sequence"`
	ActiveJobs     int    `json:"active_jobs"`
	QueueDepth     int    `json:"queue_depth"`
	Subscribers    int    `json:"subscribers"`
}

// StatusService assembles EngineStatus from the store and the broadcaster.
type StatusService struct {
	log      *logger.Logger
	jobs     repos.JobRepo
	events   repos.EventRepo
	bcast    *sse.Broadcaster
	version  string
	safeMode bool
	started  time.Time
}

func NewStatusService(jobs repos.JobRepo, events repos.EventRepo, bcast *sse.Broadcaster, version string, safeMode bool, log *logger.Logger) *StatusService {
	return &StatusService{
		log:      log.With("service", "StatusService"),
		jobs:     jobs,
		events:   events,
		bcast:    bcast,
		version:  version,
		safeMode: safeMode,
		started:  time.Now().UTC(),
	}
}

func (s *StatusService) Status(ctx context.Context) (*EngineStatus, error) {
	dbc := dbctx.New(ctx)

	head, err := s.events.MaxSequence(dbc)
	if err != nil {
		return nil, err
	}
	pruned, err := s.events.PrunedThrough(dbc)
	if err != nil {
		return nil, err
	}
	counts, err := s.jobs.CountByState(dbc)
	if err != nil {
		return nil, err
	}

	mode := "normal"
	if s.safeMode {
		mode = "safe"
	}
	return &EngineStatus{
		Version:        s.version,
		Mode:           mode,
		Health:         "ok",
		UptimeMS:       time.Since(s.started).Milliseconds(),
		GlobalSequence: head,
		PrunedThrough:  pruned,
		ActiveJobs:     counts[domain.JobStateRunning] + counts[domain.JobStateCancelling],
		QueueDepth:     counts[domain.JobStateQueued],
		Subscribers:    s.bcast.SessionCount(),
	}, nil
}
