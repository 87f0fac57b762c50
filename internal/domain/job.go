package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type JobState string

const (
	JobStateDraft      JobState = "draft"
	JobStateQueued     JobState = "queued"
	JobStateRunning    JobState = "running"
	JobStateCancelling JobState = "cancelling"
	JobStateCancelled  JobState = "cancelled"
	JobStateCompleted  JobState = "completed"
	JobStateFailed     JobState = "failed"
	JobStateArchived   JobState = "archived"
)

// Error codes recorded on terminal jobs.
const (
	ErrCodeEngineCrash  = "E_ENGINE_CRASH"
	ErrCodeClaimTimeout = "E_CLAIM_TIMEOUT"
	ErrCodeExecution    = "E_EXECUTION_ERROR"
	ErrCodeCancelled    = "E_CANCELLED"
	ErrCodePanic        = "E_PANIC"
	ErrCodeNoHandler    = "E_NO_HANDLER"
)

func (s JobState) Terminal() bool {
	switch s {
	case JobStateCancelled, JobStateCompleted, JobStateFailed, JobStateArchived:
		return true
	}
	return false
}

// validTransitions encodes the state machine. The supervisor is the only
// writer of job rows and consults this table on every transition.
var validTransitions = map[JobState][]JobState{
	JobStateDraft:      {JobStateQueued},
	JobStateQueued:     {JobStateRunning, JobStateCancelled, JobStateFailed},
	JobStateRunning:    {JobStateCompleted, JobStateFailed, JobStateCancelling, JobStateQueued},
	JobStateCancelling: {JobStateCancelled, JobStateFailed},
	JobStateCancelled:  {JobStateArchived},
	JobStateCompleted:  {JobStateArchived},
	JobStateFailed:     {JobStateArchived},
}

func (s JobState) CanTransitionTo(next JobState) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Job is one unit of work. The row survives archival; only the workspace
// directory is deleted.
type Job struct {
	ID    uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	State JobState  `gorm:"column:state;not null;index" json:"state"`

	CreatedAt   time.Time  `gorm:"not null;index" json:"created_at"`
	QueuedAt    *time.Time `gorm:"column:queued_at" json:"queued_at,omitempty"`
	StartedAt   *time.Time `gorm:"column:started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time `gorm:"column:completed_at" json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `gorm:"not null" json:"updated_at"`

	JobType        string         `gorm:"column:job_type;not null;index" json:"job_type"`
	ConfigSnapshot datatypes.JSON `gorm:"column:config_snapshot" json:"config_snapshot"`
	ConfigHash     string         `gorm:"column:config_hash" json:"config_hash"`
	WorkspacePath  string         `gorm:"column:workspace_path" json:"workspace_path,omitempty"`

	ProgressPhase   string `gorm:"column:progress_phase" json:"progress_phase,omitempty"`
	ProgressPercent *int   `gorm:"column:progress_percent" json:"progress_percent,omitempty"`
	ItemsCompleted  *int   `gorm:"column:items_completed" json:"items_completed,omitempty"`
	ItemsTotal      *int   `gorm:"column:items_total" json:"items_total,omitempty"`

	ExitCode     string         `gorm:"column:exit_code" json:"exit_code,omitempty"`
	ErrorCode    string         `gorm:"column:error_code" json:"error_code,omitempty"`
	ErrorMessage string         `gorm:"column:error_message" json:"error_message,omitempty"`
	ErrorDetails datatypes.JSON `gorm:"column:error_details" json:"error_details,omitempty"`

	// Receipt is write-once: set on entry to the terminal state, immutable after.
	ReceiptJSON datatypes.JSON `gorm:"column:receipt_json" json:"-"`
	ReceiptHash string         `gorm:"column:receipt_hash" json:"receipt_hash,omitempty"`

	IdempotencyKey *string `gorm:"column:idempotency_key;uniqueIndex" json:"idempotency_key,omitempty"`

	ClaimAttempts   int        `gorm:"column:claim_attempts;not null;default:0" json:"claim_attempts"`
	ClaimedAt       *time.Time `gorm:"column:claimed_at" json:"claimed_at,omitempty"`
	CancelRequested bool       `gorm:"column:cancel_requested;not null;default:false" json:"cancel_requested"`
}

func (Job) TableName() string { return "jobs" }
