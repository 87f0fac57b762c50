package services

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/jobstream/internal/domain"
	"github.com/yungbote/jobstream/internal/pkg/dbctx"
)

func TestFinalizeWritesAtomicReadOnlyReceipt(t *testing.T) {
	f := newFixture(t)
	dbc := dbctx.New(context.Background())
	writer := NewReceiptWriter(f.artifacts, mustLogger(t))

	workspace := t.TempDir()
	job := &domain.Job{
		ID:             uuid.New(),
		State:          domain.JobStateRunning,
		CreatedAt:      time.Now().UTC(),
		JobType:        "echo",
		ConfigSnapshot: []byte(`{"steps":1}`),
		ConfigHash:     "abc123",
		WorkspacePath:  workspace,
	}

	content, hash, err := writer.Finalize(dbc, job, "completed", nil, "", "", nil)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if hash == "" {
		t.Fatal("empty receipt hash")
	}

	var receipt domain.Receipt
	if err := json.Unmarshal(content, &receipt); err != nil {
		t.Fatalf("receipt not valid json: %v", err)
	}
	if receipt.JobID != job.ID.String() || receipt.Status != "completed" {
		t.Fatalf("receipt = %+v", receipt)
	}
	if receipt.RunID == "" {
		t.Fatal("receipt missing run id")
	}

	path := filepath.Join(workspace, "receipt.json")
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("receipt file: %v", err)
	}
	if info.Mode().Perm() != 0o444 {
		t.Fatalf("mode = %o, want 0444", info.Mode().Perm())
	}

	// No temp file survives the rename.
	entries, _ := os.ReadDir(workspace)
	for _, e := range entries {
		if e.Name() != "receipt.json" {
			t.Fatalf("stray file in workspace: %s", e.Name())
		}
	}

	// The receipt is registered as a completed artifact.
	arts, err := f.artifacts.ListForJob(dbc, job.ID)
	if err != nil {
		t.Fatalf("list artifacts: %v", err)
	}
	if len(arts) != 1 || arts[0].Type != domain.ArtifactReceipt || arts[0].Status != domain.ArtifactComplete {
		t.Fatalf("artifacts = %+v", arts)
	}
	if arts[0].SHA256 != hash {
		t.Fatalf("artifact hash = %s, want %s", arts[0].SHA256, hash)
	}
}

func TestFinalizeRejectsSecondWrite(t *testing.T) {
	f := newFixture(t)
	dbc := dbctx.New(context.Background())
	writer := NewReceiptWriter(f.artifacts, mustLogger(t))

	job := &domain.Job{
		ID:            uuid.New(),
		State:         domain.JobStateRunning,
		CreatedAt:     time.Now().UTC(),
		JobType:       "echo",
		WorkspacePath: t.TempDir(),
	}
	_, hash, err := writer.Finalize(dbc, job, "completed", nil, "", "", nil)
	if err != nil {
		t.Fatalf("first finalize: %v", err)
	}

	// The recorded row hash is the immutability guard.
	job.ReceiptHash = hash
	if _, _, err := writer.Finalize(dbc, job, "failed", nil, "E_EXECUTION_ERROR", "late", nil); !errors.Is(err, ErrReceiptImmutable) {
		t.Fatalf("second finalize err = %v, want ErrReceiptImmutable", err)
	}
}

func TestFinalizeReplacesLeftoverReceiptFile(t *testing.T) {
	f := newFixture(t)
	dbc := dbctx.New(context.Background())
	writer := NewReceiptWriter(f.artifacts, mustLogger(t))

	workspace := t.TempDir()
	job := &domain.Job{
		ID:            uuid.New(),
		State:         domain.JobStateRunning,
		CreatedAt:     time.Now().UTC(),
		JobType:       "echo",
		WorkspacePath: workspace,
	}

	// A crash between the disk write and the row update leaves a read-only
	// receipt file but no recorded hash. The next finalize must replace it.
	path := filepath.Join(workspace, "receipt.json")
	if err := os.WriteFile(path, []byte(`{"stale":true}`), 0o444); err != nil {
		t.Fatalf("seed leftover receipt: %v", err)
	}

	content, hash, err := writer.Finalize(dbc, job, "failed", nil, domain.ErrCodeEngineCrash, "engine restarted", nil)
	if err != nil {
		t.Fatalf("finalize over leftover: %v", err)
	}
	if hash == "" {
		t.Fatal("empty receipt hash")
	}

	onDisk, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read receipt: %v", err)
	}
	if string(onDisk) != string(content) {
		t.Fatalf("stale receipt survived:\n%s", onDisk)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat receipt: %v", err)
	}
	if info.Mode().Perm() != 0o444 {
		t.Fatalf("mode = %o, want 0444", info.Mode().Perm())
	}
}

func TestFinalizeWithoutWorkspaceSkipsDisk(t *testing.T) {
	f := newFixture(t)
	dbc := dbctx.New(context.Background())
	writer := NewReceiptWriter(f.artifacts, mustLogger(t))

	job := &domain.Job{
		ID:        uuid.New(),
		State:     domain.JobStateQueued,
		CreatedAt: time.Now().UTC(),
		JobType:   "echo",
	}
	content, hash, err := writer.Finalize(dbc, job, "cancelled", nil, domain.ErrCodeCancelled, "cancelled before start", nil)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if len(content) == 0 || hash == "" {
		t.Fatal("receipt content missing")
	}
}
