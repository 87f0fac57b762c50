package sse

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/yungbote/jobstream/internal/domain"
	"github.com/yungbote/jobstream/internal/pkg/dbctx"
	"github.com/yungbote/jobstream/internal/pkg/logger"
	"github.com/yungbote/jobstream/internal/repos"
)

// ErrNotAccepting is returned while startup recovery has not finished. No
// subscriber may observe the stream before orphaned jobs are reconciled.
var ErrNotAccepting = errors.New("broadcaster not accepting subscribers")

// Broadcaster fans committed events out to live sessions. It only ever
// accepts a persisted row id and re-reads the event from the store; there
// is no code path that broadcasts an in-memory event. That is the
// mechanical enforcement of persist-before-send.
//
// Fan-out is serialized in sequence order: emitters notify concurrently
// and in any order, but sessions always see global sequences ascending.
type Broadcaster struct {
	mu       sync.RWMutex
	log      *logger.Logger
	events   repos.EventRepo
	sessions map[uuid.UUID]*Session
	capacity int
	open     bool

	// dispatchMu orders fan-out; lastDispatched is the highest sequence
	// already pushed to sessions.
	dispatchMu     sync.Mutex
	lastDispatched int64
}

func NewBroadcaster(events repos.EventRepo, ringCapacity int, log *logger.Logger) *Broadcaster {
	return &Broadcaster{
		log:      log.With("component", "Broadcaster"),
		events:   events,
		sessions: make(map[uuid.UUID]*Session),
		capacity: ringCapacity,
	}
}

// Open starts admitting subscribers. Called once, after crash recovery.
// Everything already in the log at this point belongs to replay, not live
// fan-out, so the dispatch watermark starts at the current head.
func (b *Broadcaster) Open(ctx context.Context) error {
	head, err := b.events.MaxSequence(dbctx.New(ctx))
	if err != nil {
		return err
	}
	b.dispatchMu.Lock()
	b.lastDispatched = head
	b.dispatchMu.Unlock()

	b.mu.Lock()
	b.open = true
	b.mu.Unlock()
	return nil
}

func (b *Broadcaster) Subscribe(jobFilter *uuid.UUID) (*Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return nil, ErrNotAccepting
	}
	s := newSession(b.capacity, jobFilter)
	b.sessions[s.ID] = s
	b.log.Debug("Session subscribed", "sessionID", s.ID)
	return s, nil
}

func (b *Broadcaster) Unsubscribe(s *Session) {
	if s == nil {
		return
	}
	b.mu.Lock()
	delete(b.sessions, s.ID)
	b.mu.Unlock()
	s.close()
	b.log.Debug("Session unsubscribed", "sessionID", s.ID)
}

// NotifyCommitted is called once per committed event, strictly after the
// append transaction. Notifications may arrive out of sequence order when
// several emitters commit concurrently; before pushing the notified event,
// any not-yet-dispatched events below it are fetched from the store and
// delivered first, so sessions never receive sequences out of order. A
// notification at or below the watermark was already covered by such a
// gap fill and is a no-op.
func (b *Broadcaster) NotifyCommitted(ctx context.Context, rowID int64) (int, error) {
	ev, err := b.events.GetByRowID(dbctx.New(ctx), rowID)
	if err != nil {
		return 0, err
	}

	b.dispatchMu.Lock()
	defer b.dispatchMu.Unlock()

	if ev.GlobalSequence <= b.lastDispatched {
		return 0, nil
	}

	// Sequences are assigned inside the insert transaction and sqlite
	// serializes writers, so every sequence below a committed one is
	// itself committed and visible here.
	pending, err := b.events.RangeAfter(dbctx.New(ctx), b.lastDispatched, nil, int(ev.GlobalSequence-b.lastDispatched))
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, p := range pending {
		if p.GlobalSequence > ev.GlobalSequence {
			break
		}
		delivered += b.fanOut(p.Envelope())
		b.lastDispatched = p.GlobalSequence
	}
	if b.lastDispatched < ev.GlobalSequence {
		// Rows below the notified event were pruned by retention.
		b.lastDispatched = ev.GlobalSequence
	}
	return delivered, nil
}

// fanOut pushes one envelope to every matching session. A session whose
// ring is full is marked overflowed and disconnected; the client replays
// from the store on reconnect.
func (b *Broadcaster) fanOut(env domain.EventEnvelope) int {
	var toClose []*Session
	delivered := 0

	b.mu.RLock()
	for _, s := range b.sessions {
		if !s.wants(env) {
			continue
		}
		if s.push(env) {
			delivered++
			continue
		}
		s.overflowed.Store(true)
		toClose = append(toClose, s)
	}
	b.mu.RUnlock()

	for _, s := range toClose {
		b.log.Warn("Session ring buffer full, disconnecting", "sessionID", s.ID, "seq", env.GlobalSequence)
		b.Unsubscribe(s)
	}
	return delivered
}

func (b *Broadcaster) SessionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sessions)
}
