package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type EventType string

const (
	EventJobStateChanged EventType = "job.state_changed"
	EventJobProgress     EventType = "job.progress"
	EventJobLog          EventType = "job.log"
	EventEngineHeartbeat EventType = "engine.heartbeat"
	EventEngineShutdown  EventType = "engine.shutting_down"

	// Session-scoped marker emitted between replay and live delivery.
	// Never persisted; it carries no sequence of its own.
	EventReplayComplete EventType = "replay.complete"
)

type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// JobEvent is one immutable fact in the append-only log. GlobalSequence and
// JobSequence are assigned inside the insert transaction and are never
// visible to a subscriber before the row is committed.
type JobEvent struct {
	RowID          int64          `gorm:"column:row_id;primaryKey;autoIncrement" json:"-"`
	JobID          *uuid.UUID     `gorm:"type:uuid;column:job_id;index:idx_job_events_job_seq" json:"job_id,omitempty"`
	GlobalSequence int64          `gorm:"column:global_sequence;uniqueIndex;not null" json:"global_sequence"`
	JobSequence    *int64         `gorm:"column:job_sequence;index:idx_job_events_job_seq" json:"job_sequence,omitempty"`
	EventType      EventType      `gorm:"column:event_type;not null" json:"event_type"`
	Level          LogLevel       `gorm:"column:level;index" json:"level,omitempty"`
	Phase          string         `gorm:"column:phase" json:"phase,omitempty"`
	Message        string         `gorm:"column:message;type:text" json:"message,omitempty"`
	Payload        datatypes.JSON `gorm:"column:payload" json:"payload,omitempty"`
	Timestamp      time.Time      `gorm:"column:timestamp_utc;not null;index" json:"timestamp"`
}

func (JobEvent) TableName() string { return "job_events" }

// EventEnvelope is the wire shape delivered to stream subscribers. A closed
// set of event types shares this common envelope; type-specific fields ride
// in Payload.
type EventEnvelope struct {
	GlobalSequence int64           `json:"global_sequence"`
	JobSequence    *int64          `json:"job_sequence,omitempty"`
	JobID          *uuid.UUID      `json:"job_id,omitempty"`
	EventType      EventType       `json:"event_type"`
	Level          LogLevel        `json:"level,omitempty"`
	Phase          string          `json:"phase,omitempty"`
	Message        string          `json:"message,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

func (e *JobEvent) Envelope() EventEnvelope {
	return EventEnvelope{
		GlobalSequence: e.GlobalSequence,
		JobSequence:    e.JobSequence,
		JobID:          e.JobID,
		EventType:      e.EventType,
		Level:          e.Level,
		Phase:          e.Phase,
		Message:        e.Message,
		Timestamp:      e.Timestamp,
		Payload:        json.RawMessage(e.Payload),
	}
}

// StateChangedPayload is the Payload of EventJobStateChanged.
type StateChangedPayload struct {
	OldState JobState `json:"old_state,omitempty"`
	NewState JobState `json:"new_state"`
}

// ProgressPayload is the Payload of EventJobProgress.
type ProgressPayload struct {
	Phase          string `json:"phase"`
	Percent        *int   `json:"percent,omitempty"`
	ItemsCompleted *int   `json:"items_completed,omitempty"`
	ItemsTotal     *int   `json:"items_total,omitempty"`
}

// HeartbeatPayload is the Payload of EventEngineHeartbeat.
type HeartbeatPayload struct {
	UptimeMS   int64  `json:"uptime_ms"`
	Health     string `json:"health"`
	ActiveJobs int    `json:"active_jobs"`
	QueueDepth int    `json:"queue_depth"`
}

// ShutdownPayload is the Payload of EventEngineShutdown.
type ShutdownPayload struct {
	Reason        string `json:"reason"`
	GracePeriodMS int64  `json:"grace_period_ms"`
}
