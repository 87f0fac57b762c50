package jobs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/yungbote/jobstream/internal/db"
	"github.com/yungbote/jobstream/internal/domain"
	"github.com/yungbote/jobstream/internal/pkg/logger"
	"github.com/yungbote/jobstream/internal/repos"
	"github.com/yungbote/jobstream/internal/services"
	"github.com/yungbote/jobstream/internal/sse"
)

type workerFixture struct {
	sup       *services.Supervisor
	artifacts repos.ArtifactRepo
	worker    *Worker
	registry  *Registry
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("init logger: %v", err)
	}
	root := t.TempDir()
	store, err := db.NewSQLiteService(filepath.Join(root, "test.db"), 5000, log)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.AutoMigrateAll(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	gdb := store.DB()

	jobRepo := repos.NewJobRepo(gdb, log)
	eventRepo := repos.NewEventRepo(gdb, log)
	artifactRepo := repos.NewArtifactRepo(gdb, log)
	bcast := sse.NewBroadcaster(eventRepo, 64, log)
	if err := bcast.Open(context.Background()); err != nil {
		t.Fatalf("open broadcaster: %v", err)
	}
	receipts := services.NewReceiptWriter(artifactRepo, log)
	sup := services.NewSupervisor(gdb, log, jobRepo, eventRepo, artifactRepo, bcast, receipts, services.SupervisorConfig{
		WorkspaceBase: filepath.Join(root, "workspaces"),
	})

	registry := NewRegistry()
	worker := NewWorker(sup, artifactRepo, registry, 10*time.Millisecond, log)
	return &workerFixture{sup: sup, artifacts: artifactRepo, worker: worker, registry: registry}
}

func (f *workerFixture) runOne(t *testing.T) *domain.Job {
	t.Helper()
	ctx := context.Background()
	job, err := f.sup.Claim(ctx)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if job == nil {
		t.Fatal("nothing to claim")
	}
	f.worker.execute(ctx, job)
	got, err := f.sup.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("reload job: %v", err)
	}
	return got
}

func TestWorkerRunsEchoToCompletion(t *testing.T) {
	f := newWorkerFixture(t)
	if err := f.registry.Register(&EchoHandler{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := f.sup.CreateJob(context.Background(), "echo", map[string]any{"steps": 3}, nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	job := f.runOne(t)
	if job.State != domain.JobStateCompleted {
		t.Fatalf("state = %s (%s: %s), want completed", job.State, job.ErrorCode, job.ErrorMessage)
	}
	if job.StartedAt == nil || job.CompletedAt == nil {
		t.Fatal("lifecycle timestamps missing")
	}
	if _, err := os.Stat(filepath.Join(job.WorkspacePath, "output", "echo.json")); err != nil {
		t.Fatalf("output artifact missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(job.WorkspacePath, "receipt.json")); err != nil {
		t.Fatalf("receipt missing: %v", err)
	}
}

func TestWorkerFailsJobWithoutHandler(t *testing.T) {
	f := newWorkerFixture(t)
	if _, err := f.sup.CreateJob(context.Background(), "mystery", nil, nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	job := f.runOne(t)
	if job.State != domain.JobStateFailed || job.ErrorCode != domain.ErrCodeNoHandler {
		t.Fatalf("state=%s code=%s, want failed/%s", job.State, job.ErrorCode, domain.ErrCodeNoHandler)
	}
}

type panicHandler struct{}

func (panicHandler) Type() string { return "panic" }
func (panicHandler) Run(*Context) error { panic("kaboom") }

func TestWorkerSurvivesHandlerPanic(t *testing.T) {
	f := newWorkerFixture(t)
	if err := f.registry.Register(panicHandler{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := f.sup.CreateJob(context.Background(), "panic", nil, nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	job := f.runOne(t)
	if job.State != domain.JobStateFailed || job.ErrorCode != domain.ErrCodePanic {
		t.Fatalf("state=%s code=%s, want failed/%s", job.State, job.ErrorCode, domain.ErrCodePanic)
	}
}

type selfCancelHandler struct {
	sup *services.Supervisor
}

func (selfCancelHandler) Type() string { return "self_cancel" }

func (h selfCancelHandler) Run(ctx *Context) error {
	// Simulate an external cancel arriving mid-run, then hit a checkpoint.
	if _, err := h.sup.RequestCancel(ctx.Ctx, ctx.Job.ID); err != nil {
		return err
	}
	if err := ctx.Checkpoint(); err != nil {
		return err
	}
	return errors.New("checkpoint ignored the cancel request")
}

func TestWorkerFinishesCooperativeCancel(t *testing.T) {
	f := newWorkerFixture(t)
	if err := f.registry.Register(selfCancelHandler{sup: f.sup}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := f.sup.CreateJob(context.Background(), "self_cancel", nil, nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	job := f.runOne(t)
	if job.State != domain.JobStateCancelled {
		t.Fatalf("state = %s (%s), want cancelled", job.State, job.ErrorCode)
	}
	if job.ErrorCode != domain.ErrCodeCancelled {
		t.Fatalf("error code = %s, want %s", job.ErrorCode, domain.ErrCodeCancelled)
	}
}

type shutdownHandler struct {
	stop context.CancelFunc
}

func (shutdownHandler) Type() string { return "long_haul" }

func (h shutdownHandler) Run(ctx *Context) error {
	// The engine stops mid-run; the next checkpoint reports it.
	h.stop()
	return ctx.Checkpoint()
}

func TestWorkerLeavesJobRunningOnShutdown(t *testing.T) {
	f := newWorkerFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := f.registry.Register(shutdownHandler{stop: cancel}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := f.sup.CreateJob(context.Background(), "long_haul", nil, nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	job, err := f.sup.Claim(context.Background())
	if err != nil || job == nil {
		t.Fatalf("claim: %v %v", job, err)
	}
	f.worker.execute(ctx, job)

	// Shutdown is not a cancel: the job stays running and the startup
	// recovery scan reconciles it on the next boot.
	got, err := f.sup.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("reload job: %v", err)
	}
	if got.State != domain.JobStateRunning {
		t.Fatalf("state after shutdown = %s (%s), want running", got.State, got.ErrorCode)
	}

	recovered, err := f.sup.RecoverOrphans(context.Background())
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if len(recovered) != 1 || recovered[0] != job.ID {
		t.Fatalf("recovered = %v, want [%s]", recovered, job.ID)
	}
	got, _ = f.sup.GetJob(context.Background(), job.ID)
	if got.State != domain.JobStateFailed || got.ErrorCode != domain.ErrCodeEngineCrash {
		t.Fatalf("state=%s code=%s, want failed/%s", got.State, got.ErrorCode, domain.ErrCodeEngineCrash)
	}
}

func TestWorkerRunLoopPicksUpQueuedJob(t *testing.T) {
	f := newWorkerFixture(t)
	if err := f.registry.Register(&EchoHandler{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	created, err := f.sup.CreateJob(context.Background(), "echo", map[string]any{"steps": 1}, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.worker.Run(ctx)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	for {
		job, err := f.sup.GetJob(context.Background(), created.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if job.State == domain.JobStateCompleted {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("job stuck in state %s", job.State)
		case <-time.After(20 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop on context cancel")
	}
}
