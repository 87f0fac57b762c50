package domain

import (
	"time"

	"github.com/google/uuid"
)

type ArtifactType string

const (
	ArtifactOutput  ArtifactType = "output"
	ArtifactReceipt ArtifactType = "receipt"
	ArtifactLog     ArtifactType = "log"
	ArtifactPartial ArtifactType = "partial"
)

type ArtifactStatus string

const (
	ArtifactPending     ArtifactStatus = "pending"
	ArtifactComplete    ArtifactStatus = "complete"
	ArtifactFailed      ArtifactStatus = "failed"
	ArtifactQuarantined ArtifactStatus = "quarantined"
)

// Artifact tracks a file a job produced. Receipts are registered here too,
// so the receipt hash is queryable alongside ordinary outputs.
type Artifact struct {
	ID         int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	JobID      uuid.UUID      `gorm:"type:uuid;not null;index" json:"job_id"`
	Name       string         `gorm:"not null" json:"name"`
	Path       string         `gorm:"not null" json:"path"`
	Type       ArtifactType   `gorm:"column:artifact_type;not null" json:"artifact_type"`
	SizeBytes  *int64         `gorm:"column:size_bytes" json:"size_bytes,omitempty"`
	SHA256     string         `gorm:"column:sha256" json:"sha256,omitempty"`
	Status     ArtifactStatus `gorm:"column:status;not null;default:pending" json:"status"`
	CreatedAt  time.Time      `gorm:"not null" json:"created_at"`
	VerifiedAt *time.Time     `gorm:"column:verified_at" json:"verified_at,omitempty"`
}

func (Artifact) TableName() string { return "artifacts" }
