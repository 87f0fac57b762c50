package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/jobstream/internal/domain"
	"github.com/yungbote/jobstream/internal/pkg/dbctx"
	"github.com/yungbote/jobstream/internal/pkg/logger"
	"github.com/yungbote/jobstream/internal/repos"
)

// StreamerConfig carries the tunables of the reconnect protocol.
type StreamerConfig struct {
	ReplayChunk  int           // events per store query during replay
	PingInterval time.Duration // transport-level comment pings
	RetryMillis  int           // SSE retry directive for client backoff
}

// Streamer runs the per-connection protocol: replay from a resume cursor in
// bounded chunks, emit a transition marker, then forward live events from
// the session ring. Delivery is at-least-once; clients dedupe by global
// sequence.
type Streamer struct {
	log    *logger.Logger
	events repos.EventRepo
	bcast  *Broadcaster
	cfg    StreamerConfig
}

func NewStreamer(events repos.EventRepo, bcast *Broadcaster, cfg StreamerConfig, log *logger.Logger) *Streamer {
	if cfg.ReplayChunk <= 0 {
		cfg.ReplayChunk = 1000
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 15 * time.Second
	}
	if cfg.RetryMillis <= 0 {
		cfg.RetryMillis = 3000
	}
	return &Streamer{
		log:    log.With("component", "Streamer"),
		events: events,
		bcast:  bcast,
		cfg:    cfg,
	}
}

func (st *Streamer) Serve(w http.ResponseWriter, r *http.Request, cursor *int64, jobID *uuid.UUID) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	ctx := r.Context()

	fmt.Fprintf(w, "retry: %d\n\n", st.cfg.RetryMillis)
	flusher.Flush()

	// Gap check: a cursor below the pruned-through watermark cannot be
	// replayed without holes. The client must full-refresh instead.
	if cursor != nil {
		pruned, err := st.events.PrunedThrough(dbctx.New(ctx))
		if err != nil {
			st.log.Error("Retention horizon lookup failed", "error", err)
			st.writeError(w, flusher, "store_error", "retention horizon unavailable")
			return
		}
		if *cursor < pruned {
			st.log.Warn("Resume cursor below retention horizon", "cursor", *cursor, "horizon", pruned)
			st.writeError(w, flusher, "gap_too_large", "resume point no longer retained; perform a full refresh")
			return
		}
	}

	// Subscribe before replay so nothing committed mid-replay is missed.
	// Overlap between replay and the ring is filtered by sequence below.
	session, err := st.bcast.Subscribe(jobID)
	if err != nil {
		st.writeError(w, flusher, "not_ready", "engine is still recovering; retry shortly")
		return
	}
	defer st.bcast.Unsubscribe(session)

	last := int64(0)
	if cursor != nil {
		replayed, lastSeq, err := st.replay(ctx, w, flusher, *cursor, jobID)
		if err != nil {
			st.log.Error("Replay failed", "error", err, "cursor", *cursor)
			st.writeError(w, flusher, "store_error", "replay failed")
			return
		}
		last = lastSeq
		st.writeMarker(w, flusher, last, replayed)
		st.log.Debug("Replay complete", "sessionID", session.ID, "replayed", replayed, "last", last)
	}

	ping := time.NewTicker(st.cfg.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-session.Done():
			if session.Overflowed() {
				st.writeError(w, flusher, "overflow", "subscriber too slow; reconnect and replay from last cursor")
			}
			return
		case <-ping.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case env := <-session.Outbound:
			// The ring delivers in ascending sequence order; this only
			// drops events already covered by replay.
			if env.GlobalSequence <= last {
				continue
			}
			last = env.GlobalSequence
			st.writeEvent(w, flusher, env)
		}
	}
}

// replay streams committed events with global_sequence > cursor in bounded
// chunks, in increasing order. Returns the count and the last sequence
// written.
func (st *Streamer) replay(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, cursor int64, jobID *uuid.UUID) (int, int64, error) {
	replayed := 0
	last := cursor
	for {
		select {
		case <-ctx.Done():
			return replayed, last, ctx.Err()
		default:
		}
		chunk, err := st.events.RangeAfter(dbctx.New(ctx), last, jobID, st.cfg.ReplayChunk)
		if err != nil {
			return replayed, last, err
		}
		for _, ev := range chunk {
			env := ev.Envelope()
			st.writeEvent(w, flusher, env)
			last = env.GlobalSequence
			replayed++
		}
		if len(chunk) < st.cfg.ReplayChunk {
			return replayed, last, nil
		}
	}
}

func (st *Streamer) writeEvent(w http.ResponseWriter, flusher http.Flusher, env domain.EventEnvelope) {
	data, err := json.Marshal(env)
	if err != nil {
		st.log.Warn("Failed to marshal event envelope", "error", err, "seq", env.GlobalSequence)
		return
	}
	fmt.Fprintf(w, "event: %s\nid: %d\ndata: %s\n\n", env.EventType, env.GlobalSequence, data)
	flusher.Flush()
}

// writeMarker signals the replay→live transition. It is session-scoped and
// consumes no sequence number; its id repeats the last replayed sequence.
func (st *Streamer) writeMarker(w http.ResponseWriter, flusher http.Flusher, last int64, replayed int) {
	payload := map[string]any{"replayed_count": replayed, "now_live": true}
	data, _ := json.Marshal(payload)
	fmt.Fprintf(w, "event: %s\nid: %d\ndata: %s\n\n", domain.EventReplayComplete, last, data)
	flusher.Flush()
}

func (st *Streamer) writeError(w http.ResponseWriter, flusher http.Flusher, code, message string) {
	data, _ := json.Marshal(map[string]string{"code": code, "message": message})
	fmt.Fprintf(w, "event: error\ndata: %s\n\n", data)
	flusher.Flush()
}
