package domain

import (
	"encoding/json"
	"time"
)

// ReceiptTimestamps mirrors the job row timestamps at finalization time.
type ReceiptTimestamps struct {
	Created   time.Time  `json:"created"`
	Started   *time.Time `json:"started,omitempty"`
	Completed time.Time  `json:"completed"`
}

// ArtifactInfo summarizes one output in a receipt.
type ArtifactInfo struct {
	Name      string `json:"name"`
	Path      string `json:"path"`
	SizeBytes int64  `json:"size_bytes"`
	SHA256    string `json:"sha256"`
}

// Receipt is the immutable terminal record of what a job did. It is written
// exactly once, with temp-file + fsync + atomic rename, then marked
// read-only on disk.
type Receipt struct {
	SchemaVersion  string            `json:"schema_version"`
	JobID          string            `json:"job_id"`
	RunID          string            `json:"run_id"`
	Status         string            `json:"receipt_status"`
	ExitCode       string            `json:"exit_code,omitempty"`
	Timestamps     ReceiptTimestamps `json:"timestamps"`
	ConfigSnapshot json.RawMessage   `json:"config_snapshot"`
	ConfigHash     string            `json:"config_hash"`
	Outputs        []ArtifactInfo    `json:"outputs"`
	ErrorCode      string            `json:"error_code,omitempty"`
	ErrorMessage   string            `json:"error_message,omitempty"`
	ErrorDetails   json.RawMessage   `json:"error_details,omitempty"`
}

// EngineMeta is a small key/value bookkeeping table (schema version,
// retention horizon). Values that must survive restarts but are not jobs
// or events live here.
type EngineMeta struct {
	Key   string `gorm:"primaryKey" json:"key"`
	Value string `gorm:"not null" json:"value"`
}

func (EngineMeta) TableName() string { return "engine_meta" }

const (
	MetaSchemaVersion = "schema_version"
	MetaPrunedThrough = "pruned_through_sequence"
	MetaCurrentSchema = "1"
)
