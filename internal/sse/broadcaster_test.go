package sse

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/jobstream/internal/db"
	"github.com/yungbote/jobstream/internal/domain"
	"github.com/yungbote/jobstream/internal/pkg/dbctx"
	"github.com/yungbote/jobstream/internal/pkg/logger"
	"github.com/yungbote/jobstream/internal/repos"
)

func testEventRepo(t *testing.T) (repos.EventRepo, *logger.Logger) {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("init logger: %v", err)
	}
	store, err := db.NewSQLiteService(filepath.Join(t.TempDir(), "test.db"), 5000, log)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.AutoMigrateAll(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repos.NewEventRepo(store.DB(), log), log
}

func appendEvent(t *testing.T, events repos.EventRepo, jobID *uuid.UUID) *domain.JobEvent {
	t.Helper()
	ev, err := events.Append(dbctx.New(context.Background()), &domain.JobEvent{
		JobID:     jobID,
		EventType: domain.EventJobLog,
		Level:     domain.LogLevelInfo,
		Message:   "hello",
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	return ev
}

func mustOpen(t *testing.T, b *Broadcaster) {
	t.Helper()
	if err := b.Open(context.Background()); err != nil {
		t.Fatalf("open broadcaster: %v", err)
	}
}

func receiveEnvelope(t *testing.T, s *Session) domain.EventEnvelope {
	t.Helper()
	select {
	case env := <-s.Outbound:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope")
		return domain.EventEnvelope{}
	}
}

func TestSubscribeRejectedBeforeOpen(t *testing.T) {
	events, log := testEventRepo(t)
	b := NewBroadcaster(events, 16, log)

	if _, err := b.Subscribe(nil); !errors.Is(err, ErrNotAccepting) {
		t.Fatalf("subscribe before open err = %v, want ErrNotAccepting", err)
	}

	mustOpen(t, b)
	s, err := b.Subscribe(nil)
	if err != nil {
		t.Fatalf("subscribe after open: %v", err)
	}
	b.Unsubscribe(s)
}

func TestNotifyCommittedDeliversPersistedEvent(t *testing.T) {
	events, log := testEventRepo(t)
	b := NewBroadcaster(events, 16, log)
	mustOpen(t, b)

	s, err := b.Subscribe(nil)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer b.Unsubscribe(s)

	ev := appendEvent(t, events, nil)
	delivered, err := b.NotifyCommitted(context.Background(), ev.RowID)
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	if delivered != 1 {
		t.Fatalf("delivered = %d, want 1", delivered)
	}

	env := receiveEnvelope(t, s)
	if env.GlobalSequence != ev.GlobalSequence {
		t.Fatalf("sequence = %d, want %d", env.GlobalSequence, ev.GlobalSequence)
	}
	if env.Message != "hello" {
		t.Fatalf("message = %q, want %q", env.Message, "hello")
	}
}

func TestNotifyCommittedRejectsUnknownRow(t *testing.T) {
	events, log := testEventRepo(t)
	b := NewBroadcaster(events, 16, log)
	mustOpen(t, b)

	if _, err := b.NotifyCommitted(context.Background(), 999); !errors.Is(err, repos.ErrNotFound) {
		t.Fatalf("notify of uncommitted row err = %v, want ErrNotFound", err)
	}
}

func TestNotifyCommittedOutOfOrderStillDeliversInOrder(t *testing.T) {
	events, log := testEventRepo(t)
	b := NewBroadcaster(events, 16, log)
	mustOpen(t, b)

	s, err := b.Subscribe(nil)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer b.Unsubscribe(s)

	first := appendEvent(t, events, nil)
	second := appendEvent(t, events, nil)

	// The later commit is notified first. Fan-out must still cover the
	// earlier sequence before it, in order.
	delivered, err := b.NotifyCommitted(context.Background(), second.RowID)
	if err != nil {
		t.Fatalf("notify second: %v", err)
	}
	if delivered != 2 {
		t.Fatalf("delivered = %d, want 2", delivered)
	}

	delivered, err = b.NotifyCommitted(context.Background(), first.RowID)
	if err != nil {
		t.Fatalf("notify first: %v", err)
	}
	if delivered != 0 {
		t.Fatalf("late notification delivered = %d, want 0", delivered)
	}

	env := receiveEnvelope(t, s)
	if env.GlobalSequence != first.GlobalSequence {
		t.Fatalf("first envelope seq = %d, want %d", env.GlobalSequence, first.GlobalSequence)
	}
	env = receiveEnvelope(t, s)
	if env.GlobalSequence != second.GlobalSequence {
		t.Fatalf("second envelope seq = %d, want %d", env.GlobalSequence, second.GlobalSequence)
	}
	select {
	case extra := <-s.Outbound:
		t.Fatalf("unexpected duplicate envelope seq=%d", extra.GlobalSequence)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestJobFilterSelectsMatchingEventsOnly(t *testing.T) {
	events, log := testEventRepo(t)
	b := NewBroadcaster(events, 16, log)
	mustOpen(t, b)

	jobA := uuid.New()
	jobB := uuid.New()
	s, err := b.Subscribe(&jobA)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer b.Unsubscribe(s)

	evB := appendEvent(t, events, &jobB)
	evA := appendEvent(t, events, &jobA)
	if _, err := b.NotifyCommitted(context.Background(), evB.RowID); err != nil {
		t.Fatalf("notify B: %v", err)
	}
	if _, err := b.NotifyCommitted(context.Background(), evA.RowID); err != nil {
		t.Fatalf("notify A: %v", err)
	}

	env := receiveEnvelope(t, s)
	if env.JobID == nil || *env.JobID != jobA {
		t.Fatalf("received job %v, want %s", env.JobID, jobA)
	}
	select {
	case extra := <-s.Outbound:
		t.Fatalf("unexpected extra envelope seq=%d", extra.GlobalSequence)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestOverflowDisconnectsSlowSession(t *testing.T) {
	events, log := testEventRepo(t)
	b := NewBroadcaster(events, 2, log)
	mustOpen(t, b)

	s, err := b.Subscribe(nil)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// Fill the ring past capacity without draining.
	for i := 0; i < 3; i++ {
		ev := appendEvent(t, events, nil)
		if _, err := b.NotifyCommitted(context.Background(), ev.RowID); err != nil {
			t.Fatalf("notify %d: %v", i, err)
		}
	}

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("slow session was not disconnected")
	}
	if !s.Overflowed() {
		t.Fatal("session not marked overflowed")
	}
	if b.SessionCount() != 0 {
		t.Fatalf("session count = %d, want 0", b.SessionCount())
	}
}
