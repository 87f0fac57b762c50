package services

import (
	"context"
	"testing"
	"time"

	"github.com/yungbote/jobstream/internal/domain"
	"github.com/yungbote/jobstream/internal/pkg/dbctx"
)

func TestPruneOnceHonorsBothWindows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dbc := dbctx.New(ctx)

	now := time.Now().UTC()
	insert := func(level domain.LogLevel, age time.Duration) {
		if _, err := f.events.Append(dbc, &domain.JobEvent{
			EventType: domain.EventJobLog,
			Level:     level,
			Timestamp: now.Add(-age),
		}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	insert(domain.LogLevelInfo, 36*time.Hour)    // past info window: pruned
	insert(domain.LogLevelWarn, 36*time.Hour)    // warn inside error window: kept
	insert(domain.LogLevelError, 8*24*time.Hour) // past error window: pruned
	insert(domain.LogLevelInfo, time.Hour)       // fresh: kept

	compactor := NewCompactor(f.events, CompactorConfig{
		EventTTL:      24 * time.Hour,
		ErrorEventTTL: 7 * 24 * time.Hour,
		SweepInterval: time.Hour,
	}, mustLogger(t))

	removed, err := compactor.PruneOnce(ctx)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 2 {
		t.Fatalf("removed = %d, want 2", removed)
	}

	rows, err := f.events.RangeAfter(dbc, 0, nil, 10)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("surviving rows = %d, want 2", len(rows))
	}
	// Survivors keep their original sequence numbers.
	if rows[0].GlobalSequence != 2 || rows[1].GlobalSequence != 4 {
		t.Fatalf("surviving sequences = %d,%d, want 2,4", rows[0].GlobalSequence, rows[1].GlobalSequence)
	}
}

func TestHeartbeatBeatAppendsEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.sup.CreateJob(ctx, "echo", nil, nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	hb := NewHeartbeat(f.jobs, f.events, f.bcast, time.Minute, mustLogger(t))
	if err := hb.Beat(ctx); err != nil {
		t.Fatalf("beat: %v", err)
	}

	head, err := f.events.MaxSequence(dbctx.New(ctx))
	if err != nil {
		t.Fatalf("max sequence: %v", err)
	}
	rows, err := f.events.RangeAfter(dbctx.New(ctx), head-1, nil, 1)
	if err != nil || len(rows) != 1 {
		t.Fatalf("range: %v %d", err, len(rows))
	}
	if rows[0].EventType != domain.EventEngineHeartbeat {
		t.Fatalf("event type = %s, want engine.heartbeat", rows[0].EventType)
	}
}

func TestStatusReflectsStoreAndSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.sup.CreateJob(ctx, "echo", nil, nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	session, err := f.bcast.Subscribe(nil)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer f.bcast.Unsubscribe(session)

	svc := NewStatusService(f.jobs, f.events, f.bcast, "test", false, mustLogger(t))
	st, err := svc.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Mode != "normal" {
		t.Fatalf("mode = %s, want normal", st.Mode)
	}
	if st.QueueDepth != 1 {
		t.Fatalf("queue depth = %d, want 1", st.QueueDepth)
	}
	if st.Subscribers != 1 {
		t.Fatalf("subscribers = %d, want 1", st.Subscribers)
	}
	if st.GlobalSequence == 0 {
		t.Fatal("global sequence not reported")
	}
}
