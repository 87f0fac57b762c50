package jobs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/yungbote/jobstream/internal/domain"
	"github.com/yungbote/jobstream/internal/pkg/dbctx"
	"github.com/yungbote/jobstream/internal/repos"
	"github.com/yungbote/jobstream/internal/services"
)

// ErrCancelled is the cooperative-stop sentinel. A handler that observes it
// from Checkpoint must stop work and return it unchanged; the worker then
// finishes the cancellation instead of failing the job.
var ErrCancelled = errors.New("job cancelled at checkpoint")

// ErrShutdown means the engine itself is stopping, not that the user asked
// for a cancel. The handler unwinds the same way, but the worker leaves the
// job in place for the startup recovery scan instead of cancelling it.
var ErrShutdown = errors.New("engine shutting down")

// Context is the execution handle for a single claimed job. It is the only
// sanctioned way for handler code to report progress, emit logs, register
// outputs, or observe a cancel request. Handlers never touch job rows.
type Context struct {
	Ctx       context.Context
	Job       *domain.Job
	sup       *services.Supervisor
	artifacts repos.ArtifactRepo
	outputs   []domain.ArtifactInfo
	payload   map[string]any
}

func NewContext(ctx context.Context, job *domain.Job, sup *services.Supervisor, artifacts repos.ArtifactRepo) *Context {
	c := &Context{
		Ctx:       ctx,
		Job:       job,
		sup:       sup,
		artifacts: artifacts,
	}
	_ = c.decodeConfig()
	return c
}

func (c *Context) decodeConfig() error {
	if c.Job == nil || len(c.Job.ConfigSnapshot) == 0 {
		c.payload = map[string]any{}
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(c.Job.ConfigSnapshot, &m); err != nil {
		c.payload = map[string]any{}
		return err
	}
	c.payload = m
	return nil
}

// Config returns the frozen config snapshot as a map. Never nil.
func (c *Context) Config() map[string]any {
	if c.payload == nil {
		c.payload = map[string]any{}
	}
	return c.payload
}

func (c *Context) ConfigString(key string) (string, bool) {
	v, ok := c.Config()[key]
	if !ok || v == nil {
		return "", false
	}
	return fmt.Sprint(v), true
}

func (c *Context) ConfigUUID(key string) (uuid.UUID, bool) {
	s, ok := c.ConfigString(key)
	if !ok {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

func (c *Context) InputDir() string  { return filepath.Join(c.Job.WorkspacePath, "input") }
func (c *Context) OutputDir() string { return filepath.Join(c.Job.WorkspacePath, "output") }
func (c *Context) TempDir() string   { return filepath.Join(c.Job.WorkspacePath, "temp") }

// Progress persists and broadcasts a progress update.
func (c *Context) Progress(phase string, percent int, itemsCompleted, itemsTotal *int) {
	if err := c.sup.Progress(c.Ctx, c.Job.ID, phase, &percent, itemsCompleted, itemsTotal); err != nil {
		// A rejected progress write usually means the job left the running
		// state underneath us; the next Checkpoint surfaces that.
		return
	}
}

// Log appends a job log event.
func (c *Context) Log(level domain.LogLevel, message string, fields map[string]any) {
	_ = c.sup.Log(c.Ctx, c.Job.ID, level, message, fields)
}

// Checkpoint is the cancellation poll. Handlers call it between units of
// work; it returns ErrCancelled once a cancel has been requested, or
// ErrShutdown when the engine is stopping, and the handler must then
// unwind with that error.
func (c *Context) Checkpoint() error {
	select {
	case <-c.Ctx.Done():
		return ErrShutdown
	default:
	}
	requested, err := c.sup.CancelRequested(c.Ctx, c.Job.ID)
	if err != nil {
		return err
	}
	if requested {
		return ErrCancelled
	}
	return nil
}

// SaveOutput writes data into the workspace output directory and registers
// it as a completed artifact. The artifact rides into the receipt.
func (c *Context) SaveOutput(name string, data []byte) error {
	path := filepath.Join(c.OutputDir(), name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write output %s: %w", name, err)
	}
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	dbc := dbctx.New(c.Ctx)
	art, err := c.artifacts.Register(dbc, &domain.Artifact{
		JobID: c.Job.ID,
		Name:  name,
		Path:  path,
		Type:  domain.ArtifactOutput,
	})
	if err != nil {
		return fmt.Errorf("register output %s: %w", name, err)
	}
	if err := c.artifacts.Complete(dbc, art.ID, int64(len(data)), hash); err != nil {
		return fmt.Errorf("complete output %s: %w", name, err)
	}
	c.outputs = append(c.outputs, domain.ArtifactInfo{
		Name:      name,
		Path:      path,
		SizeBytes: int64(len(data)),
		SHA256:    hash,
	})
	return nil
}

// Outputs returns the artifacts registered so far, for the receipt.
func (c *Context) Outputs() []domain.ArtifactInfo { return c.outputs }
