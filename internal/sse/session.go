package sse

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/yungbote/jobstream/internal/domain"
)

// Session is the transient per-connection state: a bounded outbound ring
// and a cursor of the last global sequence written to the wire. It carries
// no durable state; everything recoverable lives in the event log.
type Session struct {
	ID        uuid.UUID
	JobFilter *uuid.UUID
	Outbound  chan domain.EventEnvelope

	done       chan struct{}
	closeOnce  sync.Once
	overflowed atomic.Bool
}

func newSession(capacity int, jobFilter *uuid.UUID) *Session {
	if capacity <= 0 {
		capacity = 10000
	}
	return &Session{
		ID:        uuid.New(),
		JobFilter: jobFilter,
		Outbound:  make(chan domain.EventEnvelope, capacity),
		done:      make(chan struct{}),
	}
}

func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) Overflowed() bool {
	return s.overflowed.Load()
}

func (s *Session) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// push enqueues without blocking. A full ring means the subscriber cannot
// keep up; the caller disconnects it rather than dropping the event.
func (s *Session) push(env domain.EventEnvelope) bool {
	select {
	case s.Outbound <- env:
		return true
	default:
		return false
	}
}

func (s *Session) wants(env domain.EventEnvelope) bool {
	if s.JobFilter == nil {
		return true
	}
	return env.JobID != nil && *env.JobID == *s.JobFilter
}
