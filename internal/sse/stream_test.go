package sse

import (
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/yungbote/jobstream/internal/domain"
	"github.com/yungbote/jobstream/internal/pkg/dbctx"
	"github.com/yungbote/jobstream/internal/repos"
)

func newStreamer(t *testing.T) (*Streamer, repos.EventRepo, *Broadcaster) {
	t.Helper()
	events, log := testEventRepo(t)
	b := NewBroadcaster(events, 16, log)
	mustOpen(t, b)
	st := NewStreamer(events, b, StreamerConfig{ReplayChunk: 2, PingInterval: time.Minute, RetryMillis: 100}, log)
	return st, events, b
}

func serveForAWhile(t *testing.T, st *Streamer, cursor *int64, d time.Duration) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	req := httptest.NewRequest("GET", "/v1/events/stream", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	st.Serve(rec, req, cursor, nil)
	return rec.Body.String()
}

func TestServeReplaysFromCursorThenMarksLive(t *testing.T) {
	st, events, _ := newStreamer(t)

	for i := 0; i < 5; i++ {
		appendEvent(t, events, nil)
	}

	cursor := int64(2)
	body := serveForAWhile(t, st, &cursor, 300*time.Millisecond)

	// Replay covers 3..5 in order, across chunk boundaries.
	for _, seq := range []int64{3, 4, 5} {
		if !strings.Contains(body, fmt.Sprintf("id: %d\n", seq)) {
			t.Fatalf("replay missing sequence %d in body:\n%s", seq, body)
		}
	}
	if strings.Contains(body, "id: 2\n") {
		t.Fatalf("replayed the cursor event itself:\n%s", body)
	}
	marker := "event: replay.complete\nid: 5\n"
	if !strings.Contains(body, marker) {
		t.Fatalf("missing live marker %q in body:\n%s", marker, body)
	}
}

func TestServeLiveOnlyWithoutCursor(t *testing.T) {
	st, events, _ := newStreamer(t)
	appendEvent(t, events, nil)

	body := serveForAWhile(t, st, nil, 200*time.Millisecond)
	if strings.Contains(body, "event: replay.complete") {
		t.Fatalf("live-only connection produced a replay marker:\n%s", body)
	}
	if strings.Contains(body, "id: 1\n") {
		t.Fatalf("live-only connection replayed history:\n%s", body)
	}
}

func TestServeDeliversLiveEventsAfterReplay(t *testing.T) {
	st, events, b := newStreamer(t)
	appendEvent(t, events, nil)
	appendEvent(t, events, nil)

	go func() {
		time.Sleep(100 * time.Millisecond)
		ev := appendEvent(t, events, nil)
		_, _ = b.NotifyCommitted(context.Background(), ev.RowID)
	}()

	cursor := int64(0)
	body := serveForAWhile(t, st, &cursor, 500*time.Millisecond)
	if !strings.Contains(body, "id: 3\n") {
		t.Fatalf("live event after replay not delivered:\n%s", body)
	}
}

func TestServeLiveEventsArriveInSequenceOrder(t *testing.T) {
	st, events, b := newStreamer(t)

	go func() {
		time.Sleep(100 * time.Millisecond)
		first := appendEvent(t, events, nil)
		second := appendEvent(t, events, nil)
		// Commits notified in reverse order must not drop the earlier one.
		_, _ = b.NotifyCommitted(context.Background(), second.RowID)
		_, _ = b.NotifyCommitted(context.Background(), first.RowID)
	}()

	body := serveForAWhile(t, st, nil, 500*time.Millisecond)
	one := strings.Index(body, "id: 1\n")
	two := strings.Index(body, "id: 2\n")
	if one < 0 || two < 0 {
		t.Fatalf("missing live event, body:\n%s", body)
	}
	if one > two {
		t.Fatalf("events delivered out of order, body:\n%s", body)
	}
}

func TestServeRejectsCursorBelowRetentionHorizon(t *testing.T) {
	st, events, _ := newStreamer(t)

	// Insert rows already past the retention window so the watermark advances.
	dbc := dbctx.New(context.Background())
	old := time.Now().UTC().Add(-48 * time.Hour)
	for i := 0; i < 3; i++ {
		if _, err := events.Append(dbc, &domain.JobEvent{
			EventType: domain.EventJobLog,
			Level:     domain.LogLevelInfo,
			Timestamp: old,
		}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	now := time.Now().UTC()
	if _, err := events.PruneBefore(dbc, now.Add(-24*time.Hour), now.Add(-7*24*time.Hour)); err != nil {
		t.Fatalf("prune: %v", err)
	}

	cursor := int64(1)
	body := serveForAWhile(t, st, &cursor, 200*time.Millisecond)
	if !strings.Contains(body, "gap_too_large") {
		t.Fatalf("expected gap_too_large error, body:\n%s", body)
	}
}
