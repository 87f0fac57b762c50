package services

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/jobstream/internal/domain"
	"github.com/yungbote/jobstream/internal/pkg/dbctx"
	"github.com/yungbote/jobstream/internal/pkg/logger"
	"github.com/yungbote/jobstream/internal/repos"
)

// ErrReceiptImmutable rejects any second write of a terminal receipt.
var ErrReceiptImmutable = errors.New("receipt already written and immutable")

const receiptFileName = "receipt.json"

// ReceiptWriter finalizes the write-once terminal record of a job. The
// on-disk write is temp file + fsync + atomic rename + directory fsync,
// then chmod 0444, so a crash mid-write never leaves a partial receipt.
// Immutability is enforced by the job row's receipt hash: once the hash is
// recorded, Finalize refuses a second write. A file left behind by a crash
// between the disk write and the row update has no recorded hash and is
// replaced on the next finalize.
type ReceiptWriter struct {
	log       *logger.Logger
	artifacts repos.ArtifactRepo
}

func NewReceiptWriter(artifacts repos.ArtifactRepo, log *logger.Logger) *ReceiptWriter {
	return &ReceiptWriter{
		log:       log.With("service", "ReceiptWriter"),
		artifacts: artifacts,
	}
}

// Finalize builds and persists the receipt for a job entering a terminal
// state. Returns the serialized receipt and its sha256 hex digest.
func (w *ReceiptWriter) Finalize(
	dbc dbctx.Context,
	job *domain.Job,
	status string,
	outputs []domain.ArtifactInfo,
	errorCode, errorMessage string,
	errorDetails json.RawMessage,
) ([]byte, string, error) {
	if job.ReceiptHash != "" {
		return nil, "", ErrReceiptImmutable
	}

	receipt := domain.Receipt{
		SchemaVersion: "1.0",
		JobID:         job.ID.String(),
		RunID:         uuid.New().String(),
		Status:        status,
		ExitCode:      errorCode,
		Timestamps: domain.ReceiptTimestamps{
			Created:   job.CreatedAt,
			Started:   job.StartedAt,
			Completed: time.Now().UTC(),
		},
		ConfigSnapshot: json.RawMessage(job.ConfigSnapshot),
		ConfigHash:     job.ConfigHash,
		Outputs:        outputs,
		ErrorCode:      errorCode,
		ErrorMessage:   errorMessage,
		ErrorDetails:   errorDetails,
	}
	if receipt.Outputs == nil {
		receipt.Outputs = []domain.ArtifactInfo{}
	}

	content, err := json.MarshalIndent(receipt, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("marshal receipt: %w", err)
	}

	if job.WorkspacePath != "" {
		if err := w.writeAtomic(job.WorkspacePath, content); err != nil {
			return nil, "", err
		}
	}

	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])

	if job.WorkspacePath != "" {
		art, err := w.artifacts.Register(dbc, &domain.Artifact{
			JobID: job.ID,
			Name:  receiptFileName,
			Path:  filepath.Join(job.WorkspacePath, receiptFileName),
			Type:  domain.ArtifactReceipt,
		})
		if err != nil {
			return nil, "", fmt.Errorf("register receipt artifact: %w", err)
		}
		if err := w.artifacts.Complete(dbc, art.ID, int64(len(content)), hash); err != nil {
			return nil, "", fmt.Errorf("complete receipt artifact: %w", err)
		}
	}

	w.log.Info("Receipt finalized", "jobID", job.ID, "status", status, "hash", hash)
	return content, hash, nil
}

func (w *ReceiptWriter) writeAtomic(workspace string, content []byte) error {
	finalPath := filepath.Join(workspace, receiptFileName)

	tmp, err := os.CreateTemp(workspace, receiptFileName+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp receipt: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp receipt: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp receipt: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp receipt: %w", err)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("rename receipt: %w", err)
	}

	// Directory fsync so the rename itself is durable.
	if dir, err := os.Open(workspace); err == nil {
		_ = dir.Sync()
		_ = dir.Close()
	}

	if err := os.Chmod(finalPath, 0o444); err != nil {
		return fmt.Errorf("chmod receipt: %w", err)
	}
	return nil
}
