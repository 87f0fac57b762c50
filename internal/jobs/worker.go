package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/yungbote/jobstream/internal/domain"
	"github.com/yungbote/jobstream/internal/pkg/logger"
	"github.com/yungbote/jobstream/internal/repos"
	"github.com/yungbote/jobstream/internal/services"
)

// Worker polls for queued jobs and drives claimed ones through their
// handler. One claim at a time per worker; a panic in handler code fails
// the job instead of the process.
type Worker struct {
	log       *logger.Logger
	sup       *services.Supervisor
	artifacts repos.ArtifactRepo
	registry  *Registry
	interval  time.Duration
}

func NewWorker(sup *services.Supervisor, artifacts repos.ArtifactRepo, registry *Registry, interval time.Duration, baseLog *logger.Logger) *Worker {
	if interval <= 0 {
		interval = 1 * time.Second
	}
	return &Worker{
		log:       baseLog.With("component", "JobWorker"),
		sup:       sup,
		artifacts: artifacts,
		registry:  registry,
		interval:  interval,
	}
}

func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			job, err := w.sup.Claim(ctx)
			if err != nil {
				if !errors.Is(err, services.ErrSafeMode) {
					w.log.Warn("Claim failed", "error", err)
				}
				continue
			}
			if job == nil {
				continue
			}
			w.execute(ctx, job)
		}
	}
}

func (w *Worker) execute(ctx context.Context, job *domain.Job) {
	if err := w.sup.MarkStarted(ctx, job.ID); err != nil {
		w.log.Error("MarkStarted failed", "jobID", job.ID, "error", err)
		return
	}

	h, ok := w.registry.Get(job.JobType)
	if !ok {
		w.log.Warn("No handler registered", "jobType", job.JobType, "jobID", job.ID)
		w.fail(ctx, job, domain.ErrCodeNoHandler,
			fmt.Sprintf("no handler registered for job_type=%s", job.JobType), nil)
		return
	}

	jc := NewContext(ctx, job, w.sup, w.artifacts)

	var runErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				w.log.Error("Handler panic", "jobID", job.ID, "jobType", job.JobType, "panic", r)
				runErr = &panicError{val: r}
			}
		}()
		runErr = h.Run(jc)
	}()

	switch {
	case runErr == nil:
		if err := w.sup.Complete(ctx, job.ID, jc.Outputs()); err != nil {
			w.log.Error("Complete failed", "jobID", job.ID, "error", err)
		}
	case errors.Is(runErr, ErrShutdown):
		// No transition here: ctx is already done and the job stays
		// running for the next startup's recovery scan.
		w.log.Warn("Job interrupted by shutdown", "jobID", job.ID, "jobType", job.JobType)
	case errors.Is(runErr, ErrCancelled):
		if err := w.sup.FinishCancel(ctx, job.ID); err != nil {
			w.log.Error("FinishCancel failed", "jobID", job.ID, "error", err)
		}
	default:
		var pe *panicError
		code := domain.ErrCodeExecution
		if errors.As(runErr, &pe) {
			code = domain.ErrCodePanic
		}
		w.fail(ctx, job, code, runErr.Error(), nil)
	}
}

func (w *Worker) fail(ctx context.Context, job *domain.Job, code, msg string, details map[string]any) {
	if err := w.sup.Fail(ctx, job.ID, code, msg, details); err != nil {
		w.log.Error("Fail transition failed", "jobID", job.ID, "error", err)
	}
}

type panicError struct{ val any }

func (e *panicError) Error() string { return fmt.Sprintf("handler panic: %v", e.val) }
