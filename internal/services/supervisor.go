package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/yungbote/jobstream/internal/domain"
	"github.com/yungbote/jobstream/internal/pkg/dbctx"
	"github.com/yungbote/jobstream/internal/pkg/logger"
	"github.com/yungbote/jobstream/internal/repos"
	"github.com/yungbote/jobstream/internal/sse"
)

var (
	ErrInvalidTransition = errors.New("invalid job state transition")
	ErrSafeMode          = errors.New("engine in safe mode; jobs disabled")
	ErrJobNotFound       = repos.ErrNotFound
)

// SupervisorConfig bounds the claim contract.
type SupervisorConfig struct {
	WorkspaceBase    string
	ClaimTimeout     time.Duration
	MaxClaimAttempts int
	SafeMode         bool
}

// Supervisor owns the job state machine. It is the only writer of job rows;
// every other component observes jobs through the event log or reads.
type Supervisor struct {
	db        *gorm.DB
	log       *logger.Logger
	jobs      repos.JobRepo
	events    repos.EventRepo
	artifacts repos.ArtifactRepo
	bcast     *sse.Broadcaster
	receipts  *ReceiptWriter
	cfg       SupervisorConfig
}

func NewSupervisor(
	db *gorm.DB,
	baseLog *logger.Logger,
	jobs repos.JobRepo,
	events repos.EventRepo,
	artifacts repos.ArtifactRepo,
	bcast *sse.Broadcaster,
	receipts *ReceiptWriter,
	cfg SupervisorConfig,
) *Supervisor {
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = 30 * time.Second
	}
	if cfg.MaxClaimAttempts <= 0 {
		cfg.MaxClaimAttempts = 3
	}
	return &Supervisor{
		db:        db,
		log:       baseLog.With("component", "Supervisor"),
		jobs:      jobs,
		events:    events,
		artifacts: artifacts,
		bcast:     bcast,
		receipts:  receipts,
		cfg:       cfg,
	}
}

func (s *Supervisor) SafeMode() bool { return s.cfg.SafeMode }

// CreateJob inserts a job directly in queued state. A duplicate idempotency
// key returns the existing job instead of erroring.
func (s *Supervisor) CreateJob(ctx context.Context, jobType string, config map[string]any, idempotencyKey *string) (*domain.Job, error) {
	if jobType == "" {
		return nil, fmt.Errorf("missing job_type")
	}
	dbc := dbctx.New(ctx)

	if idempotencyKey != nil && *idempotencyKey != "" {
		existing, err := s.jobs.GetByIdempotencyKey(dbc, *idempotencyKey)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, repos.ErrNotFound) {
			return nil, err
		}
	}

	if config == nil {
		config = map[string]any{}
	}
	snapshot, err := json.Marshal(config)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	sum := sha256.Sum256(snapshot)

	now := time.Now().UTC()
	job := &domain.Job{
		ID:             uuid.New(),
		State:          domain.JobStateQueued,
		CreatedAt:      now,
		QueuedAt:       &now,
		UpdatedAt:      now,
		JobType:        jobType,
		ConfigSnapshot: datatypes.JSON(snapshot),
		ConfigHash:     hex.EncodeToString(sum[:])[:16],
		IdempotencyKey: idempotencyKey,
	}

	if s.cfg.WorkspaceBase != "" {
		job.WorkspacePath = filepath.Join(s.cfg.WorkspaceBase, job.ID.String())
		for _, sub := range []string{"input", "output", "temp"} {
			if err := os.MkdirAll(filepath.Join(job.WorkspacePath, sub), 0o755); err != nil {
				return nil, fmt.Errorf("create workspace: %w", err)
			}
		}
	}

	if err := s.jobs.Create(dbc, job); err != nil {
		return nil, err
	}
	if err := s.emitStateChange(ctx, job, "", domain.JobStateQueued); err != nil {
		return nil, err
	}
	s.log.Info("Job created", "jobID", job.ID, "jobType", jobType)
	return job, nil
}

// CreateDraft inserts a job in draft state; configuration stays mutable
// until Submit.
func (s *Supervisor) CreateDraft(ctx context.Context, jobType string, config map[string]any) (*domain.Job, error) {
	if jobType == "" {
		return nil, fmt.Errorf("missing job_type")
	}
	if config == nil {
		config = map[string]any{}
	}
	snapshot, err := json.Marshal(config)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	now := time.Now().UTC()
	job := &domain.Job{
		ID:             uuid.New(),
		State:          domain.JobStateDraft,
		CreatedAt:      now,
		UpdatedAt:      now,
		JobType:        jobType,
		ConfigSnapshot: datatypes.JSON(snapshot),
	}
	if err := s.jobs.Create(dbctx.New(ctx), job); err != nil {
		return nil, err
	}
	return job, nil
}

// Submit freezes a draft's config and queues it.
func (s *Supervisor) Submit(ctx context.Context, jobID uuid.UUID) (*domain.Job, error) {
	dbc := dbctx.New(ctx)
	job, err := s.jobs.GetByID(dbc, jobID)
	if err != nil {
		return nil, err
	}
	if !job.State.CanTransitionTo(domain.JobStateQueued) {
		return nil, fmt.Errorf("%w: %s -> queued", ErrInvalidTransition, job.State)
	}
	if len(job.ConfigSnapshot) == 0 {
		return nil, fmt.Errorf("draft has no config")
	}
	sum := sha256.Sum256(job.ConfigSnapshot)
	now := time.Now().UTC()

	if job.WorkspacePath == "" && s.cfg.WorkspaceBase != "" {
		job.WorkspacePath = filepath.Join(s.cfg.WorkspaceBase, job.ID.String())
		for _, sub := range []string{"input", "output", "temp"} {
			if err := os.MkdirAll(filepath.Join(job.WorkspacePath, sub), 0o755); err != nil {
				return nil, fmt.Errorf("create workspace: %w", err)
			}
		}
	}

	ok, err := s.jobs.UpdateFieldsWhereState(dbc, jobID, []domain.JobState{domain.JobStateDraft}, map[string]any{
		"state":          domain.JobStateQueued,
		"queued_at":      now,
		"config_hash":    hex.EncodeToString(sum[:])[:16],
		"workspace_path": job.WorkspacePath,
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s -> queued", ErrInvalidTransition, job.State)
	}
	job, err = s.jobs.GetByID(dbc, jobID)
	if err != nil {
		return nil, err
	}
	if err := s.emitStateChange(ctx, job, domain.JobStateDraft, domain.JobStateQueued); err != nil {
		return nil, err
	}
	return job, nil
}

// Claim takes the oldest queued job for execution. The caller must report
// MarkStarted within the claim window or the claim is released.
func (s *Supervisor) Claim(ctx context.Context) (*domain.Job, error) {
	if s.cfg.SafeMode {
		return nil, ErrSafeMode
	}
	return s.jobs.ClaimNextQueued(dbctx.New(ctx))
}

// MarkStarted stamps started_at and appends the running state event — the
// first event of the job's execution.
func (s *Supervisor) MarkStarted(ctx context.Context, jobID uuid.UUID) error {
	dbc := dbctx.New(ctx)
	now := time.Now().UTC()
	ok, err := s.jobs.UpdateFieldsWhereState(dbc, jobID, []domain.JobState{domain.JobStateRunning}, map[string]any{
		"started_at": now,
	})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: job %s not in running state", ErrInvalidTransition, jobID)
	}
	job, err := s.jobs.GetByID(dbc, jobID)
	if err != nil {
		return err
	}
	return s.emitStateChange(ctx, job, domain.JobStateQueued, domain.JobStateRunning)
}

// Progress mutates the progress block (running jobs only) and appends a
// progress event.
func (s *Supervisor) Progress(ctx context.Context, jobID uuid.UUID, phase string, percent, itemsCompleted, itemsTotal *int) error {
	dbc := dbctx.New(ctx)
	updates := map[string]any{"progress_phase": phase}
	if percent != nil {
		updates["progress_percent"] = *percent
	}
	if itemsCompleted != nil {
		updates["items_completed"] = *itemsCompleted
	}
	if itemsTotal != nil {
		updates["items_total"] = *itemsTotal
	}
	ok, err := s.jobs.UpdateFieldsWhereState(dbc, jobID, []domain.JobState{domain.JobStateRunning, domain.JobStateCancelling}, updates)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: progress outside running state", ErrInvalidTransition)
	}

	payload, _ := json.Marshal(domain.ProgressPayload{
		Phase:          phase,
		Percent:        percent,
		ItemsCompleted: itemsCompleted,
		ItemsTotal:     itemsTotal,
	})
	return s.emit(ctx, &domain.JobEvent{
		JobID:     &jobID,
		EventType: domain.EventJobProgress,
		Level:     domain.LogLevelInfo,
		Phase:     phase,
		Payload:   datatypes.JSON(payload),
	})
}

// Log appends a job log event to the stream.
func (s *Supervisor) Log(ctx context.Context, jobID uuid.UUID, level domain.LogLevel, message string, payload map[string]any) error {
	var data datatypes.JSON
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal log payload: %w", err)
		}
		data = datatypes.JSON(b)
	}
	return s.emit(ctx, &domain.JobEvent{
		JobID:     &jobID,
		EventType: domain.EventJobLog,
		Level:     level,
		Message:   message,
		Payload:   data,
	})
}

// Complete finalizes a successful job. The receipt is written and durable
// before the state flips; a receipt failure leaves the job observably
// running rather than falsely done.
func (s *Supervisor) Complete(ctx context.Context, jobID uuid.UUID, outputs []domain.ArtifactInfo) error {
	return s.finalize(ctx, jobID, domain.JobStateCompleted, []domain.JobState{domain.JobStateRunning}, outputs, "", "", nil)
}

// Fail finalizes an unsuccessful job with a partial receipt.
func (s *Supervisor) Fail(ctx context.Context, jobID uuid.UUID, errorCode, errorMessage string, details map[string]any) error {
	var detailsJSON json.RawMessage
	if details != nil {
		b, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("marshal error details: %w", err)
		}
		detailsJSON = b
	}
	from := []domain.JobState{domain.JobStateRunning, domain.JobStateCancelling, domain.JobStateQueued}
	return s.finalize(ctx, jobID, domain.JobStateFailed, from, nil, errorCode, errorMessage, detailsJSON)
}

// RequestCancel is cooperative: queued jobs cancel immediately, running
// jobs flip to cancelling and the worker stops at its next checkpoint.
func (s *Supervisor) RequestCancel(ctx context.Context, jobID uuid.UUID) (*domain.Job, error) {
	dbc := dbctx.New(ctx)
	job, err := s.jobs.GetByID(dbc, jobID)
	if err != nil {
		return nil, err
	}

	switch job.State {
	case domain.JobStateQueued:
		if err := s.finalize(ctx, jobID, domain.JobStateCancelled, []domain.JobState{domain.JobStateQueued}, nil, domain.ErrCodeCancelled, "cancelled before start", nil); err != nil {
			return nil, err
		}
	case domain.JobStateRunning:
		ok, err := s.jobs.UpdateFieldsWhereState(dbc, jobID, []domain.JobState{domain.JobStateRunning}, map[string]any{
			"state":            domain.JobStateCancelling,
			"cancel_requested": true,
		})
		if err != nil {
			return nil, err
		}
		if ok {
			refreshed, _ := s.jobs.GetByID(dbc, jobID)
			if refreshed != nil {
				job = refreshed
			}
			if err := s.emitStateChange(ctx, job, domain.JobStateRunning, domain.JobStateCancelling); err != nil {
				return nil, err
			}
		}
	case domain.JobStateCancelling:
		// Already cancelling; nothing to do.
	default:
		if !job.State.Terminal() {
			return nil, fmt.Errorf("%w: cancel from %s", ErrInvalidTransition, job.State)
		}
	}
	return s.jobs.GetByID(dbc, jobID)
}

// CancelRequested reports whether the worker should stop at its next
// checkpoint.
func (s *Supervisor) CancelRequested(ctx context.Context, jobID uuid.UUID) (bool, error) {
	job, err := s.jobs.GetByID(dbctx.New(ctx), jobID)
	if err != nil {
		return false, err
	}
	return job.CancelRequested || job.State == domain.JobStateCancelling, nil
}

// FinishCancel completes a cooperative cancellation once the worker reaches
// a checkpoint. Partial artifacts are preserved.
func (s *Supervisor) FinishCancel(ctx context.Context, jobID uuid.UUID) error {
	return s.finalize(ctx, jobID, domain.JobStateCancelled, []domain.JobState{domain.JobStateCancelling}, nil, domain.ErrCodeCancelled, "cancelled at checkpoint", nil)
}

// Archive deletes the workspace of a terminal job; the row and its receipt
// are retained.
func (s *Supervisor) Archive(ctx context.Context, jobID uuid.UUID) (*domain.Job, error) {
	dbc := dbctx.New(ctx)
	job, err := s.jobs.GetByID(dbc, jobID)
	if err != nil {
		return nil, err
	}
	if !job.State.CanTransitionTo(domain.JobStateArchived) {
		return nil, fmt.Errorf("%w: %s -> archived", ErrInvalidTransition, job.State)
	}
	old := job.State
	ok, err := s.jobs.UpdateFieldsWhereState(dbc, jobID, []domain.JobState{old}, map[string]any{
		"state": domain.JobStateArchived,
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s -> archived", ErrInvalidTransition, old)
	}
	if job.WorkspacePath != "" {
		if err := os.RemoveAll(job.WorkspacePath); err != nil {
			s.log.Warn("Workspace delete failed", "jobID", jobID, "error", err)
		}
	}
	job, err = s.jobs.GetByID(dbc, jobID)
	if err != nil {
		return nil, err
	}
	if err := s.emitStateChange(ctx, job, old, domain.JobStateArchived); err != nil {
		return nil, err
	}
	return job, nil
}

// ReleaseStaleClaims returns claimed-but-never-started jobs to the queue,
// or forces them failed once the attempt budget is exhausted.
func (s *Supervisor) ReleaseStaleClaims(ctx context.Context) error {
	dbc := dbctx.New(ctx)
	stale, err := s.jobs.StaleClaims(dbc, time.Now().UTC().Add(-s.cfg.ClaimTimeout))
	if err != nil {
		return err
	}
	for _, job := range stale {
		if job.ClaimAttempts >= s.cfg.MaxClaimAttempts {
			s.log.Warn("Claim attempts exhausted, forcing failure", "jobID", job.ID, "attempts", job.ClaimAttempts)
			if err := s.Fail(ctx, job.ID, domain.ErrCodeClaimTimeout,
				fmt.Sprintf("no started event after %d claims", job.ClaimAttempts), nil); err != nil {
				s.log.Error("Force-fail after claim timeout failed", "jobID", job.ID, "error", err)
			}
			continue
		}
		ok, err := s.jobs.UpdateFieldsWhereState(dbc, job.ID, []domain.JobState{domain.JobStateRunning}, map[string]any{
			"state":      domain.JobStateQueued,
			"claimed_at": nil,
		})
		if err != nil {
			s.log.Error("Claim release failed", "jobID", job.ID, "error", err)
			continue
		}
		if ok {
			s.log.Warn("Released stale claim", "jobID", job.ID, "attempts", job.ClaimAttempts)
			refreshed, _ := s.jobs.GetByID(dbc, job.ID)
			if refreshed != nil {
				if err := s.emitStateChange(ctx, refreshed, domain.JobStateRunning, domain.JobStateQueued); err != nil {
					s.log.Error("Requeue event emit failed", "jobID", job.ID, "error", err)
				}
			}
		}
	}
	return nil
}

// RunClaimMonitor enforces the claim window on a fixed tick until ctx ends.
func (s *Supervisor) RunClaimMonitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.ReleaseStaleClaims(ctx); err != nil {
				s.log.Warn("Stale claim scan failed", "error", err)
			}
		}
	}
}

// RecoverOrphans forces jobs stranded in running/cancelling to failed with
// a crash-specific code and quarantines their partial artifacts. Must run
// to completion before the broadcaster admits any subscriber.
func (s *Supervisor) RecoverOrphans(ctx context.Context) ([]uuid.UUID, error) {
	dbc := dbctx.New(ctx)
	orphans, err := s.jobs.Orphans(dbc)
	if err != nil {
		return nil, err
	}
	var recovered []uuid.UUID
	for _, job := range orphans {
		s.log.Warn("Recovering orphaned job", "jobID", job.ID, "state", job.State)
		if n, err := s.artifacts.QuarantineForJob(dbc, job.ID); err != nil {
			s.log.Error("Artifact quarantine failed", "jobID", job.ID, "error", err)
		} else if n > 0 {
			s.log.Info("Quarantined partial artifacts", "jobID", job.ID, "count", n)
		}
		if err := s.Fail(ctx, job.ID, domain.ErrCodeEngineCrash, "engine terminated unexpectedly",
			map[string]any{"recovered_from_state": string(job.State)}); err != nil {
			s.log.Error("Orphan force-fail failed", "jobID", job.ID, "error", err)
			continue
		}
		recovered = append(recovered, job.ID)
	}
	return recovered, nil
}

func (s *Supervisor) GetJob(ctx context.Context, jobID uuid.UUID) (*domain.Job, error) {
	return s.jobs.GetByID(dbctx.New(ctx), jobID)
}

func (s *Supervisor) ListJobs(ctx context.Context, states []domain.JobState, limit int) ([]*domain.Job, error) {
	return s.jobs.List(dbctx.New(ctx), states, limit)
}

// finalize performs the terminal transition: receipt first, state flip
// second, event last.
func (s *Supervisor) finalize(
	ctx context.Context,
	jobID uuid.UUID,
	to domain.JobState,
	from []domain.JobState,
	outputs []domain.ArtifactInfo,
	errorCode, errorMessage string,
	errorDetails json.RawMessage,
) error {
	dbc := dbctx.New(ctx)
	job, err := s.jobs.GetByID(dbc, jobID)
	if err != nil {
		return err
	}
	if !job.State.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.State, to)
	}
	old := job.State

	status := string(to)
	receiptJSON, receiptHash, err := s.receipts.Finalize(dbc, job, status, outputs, errorCode, errorMessage, errorDetails)
	if err != nil {
		return fmt.Errorf("finalize receipt: %w", err)
	}

	now := time.Now().UTC()
	updates := map[string]any{
		"state":        to,
		"completed_at": now,
		"receipt_json": datatypes.JSON(receiptJSON),
		"receipt_hash": receiptHash,
	}
	if errorCode != "" {
		updates["error_code"] = errorCode
		updates["error_message"] = errorMessage
		if errorDetails != nil {
			updates["error_details"] = datatypes.JSON(errorDetails)
		}
	}
	ok, err := s.jobs.UpdateFieldsWhereState(dbc, jobID, from, updates)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s -> %s (state moved)", ErrInvalidTransition, old, to)
	}

	job, err = s.jobs.GetByID(dbc, jobID)
	if err != nil {
		return err
	}
	if err := s.emitStateChange(ctx, job, old, to); err != nil {
		return err
	}
	s.log.Info("Job finalized", "jobID", jobID, "state", to, "errorCode", errorCode)
	return nil
}

func (s *Supervisor) emitStateChange(ctx context.Context, job *domain.Job, old, next domain.JobState) error {
	payload, _ := json.Marshal(domain.StateChangedPayload{OldState: old, NewState: next})
	level := domain.LogLevelInfo
	if next == domain.JobStateFailed {
		level = domain.LogLevelError
	}
	return s.emit(ctx, &domain.JobEvent{
		JobID:     &job.ID,
		EventType: domain.EventJobStateChanged,
		Level:     level,
		Message:   string(next),
		Payload:   datatypes.JSON(payload),
	})
}

const (
	emitAttempts     = 3
	emitRetryBackoff = 50 * time.Millisecond
)

// emit appends through the sequencer and notifies the broadcaster with the
// committed row id only. A busy store is retried with short backoff; any
// other error, or exhausting the retries, surfaces to the caller so a state
// transition never silently loses its event.
func (s *Supervisor) emit(ctx context.Context, ev *domain.JobEvent) error {
	var appended *domain.JobEvent
	backoff := emitRetryBackoff
	for attempt := 1; ; attempt++ {
		var err error
		appended, err = s.events.Append(dbctx.New(ctx), ev)
		if err == nil {
			break
		}
		if !errors.Is(err, repos.ErrStoreBusy) || attempt >= emitAttempts {
			s.log.Error("Event append failed", "eventType", ev.EventType, "attempt", attempt, "error", err)
			return fmt.Errorf("append event: %w", err)
		}
		s.log.Warn("Store busy appending event, retrying", "eventType", ev.EventType, "attempt", attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	if s.bcast != nil {
		if _, err := s.bcast.NotifyCommitted(ctx, appended.RowID); err != nil {
			s.log.Warn("Broadcast after commit failed", "rowID", appended.RowID, "error", err)
		}
	}
	return nil
}
