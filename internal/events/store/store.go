// Package store implements the append-only per-session event log. Appends
// assign dense seq numbers starting at 1, persist before broadcasting, and
// fan out to live subscribers without gaps or duplicates.
package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/codesdk/codesdk/internal/common/logger"
	v1 "github.com/codesdk/codesdk/pkg/api/v1"
)

// driver is the persistence backend behind a Store. The Store serializes
// writes per session, so drivers only need atomic single-row inserts.
type driver interface {
	insert(ctx context.Context, ev *v1.Event) error
	list(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]*v1.Event, error)
	listByTask(ctx context.Context, sessionID, taskID string, afterSeq int64, limit int) ([]*v1.Event, error)
	lastSeq(ctx context.Context, sessionID string) (int64, error)
	close() error
}

// SubscribeOpts controls live-delivery behavior for one subscriber.
type SubscribeOpts struct {
	// Buffer is the live-event channel capacity. Zero means a default of 256.
	Buffer int

	// Blocking makes a full buffer block the appender instead of closing the
	// subscriber.
	Blocking bool
}

// Store is the event log. All writes for a session go through a per-session
// mutex; reads are point-in-time snapshots.
type Store struct {
	drv    driver
	logger *logger.Logger

	mu       sync.Mutex
	sessions map[string]*sessionState

	// OnAppend, when set, is invoked after each successful append with the
	// stored event. The daemon uses it to relay events onto the bus.
	OnAppend func(ev *v1.Event)
}

type sessionState struct {
	mu      sync.Mutex
	nextSeq int64 // 0 = not yet loaded from the driver
	subs    []*Subscription
}

// New wraps a persistence driver in a Store.
func newStore(drv driver, log *logger.Logger) *Store {
	return &Store{
		drv:      drv,
		logger:   log,
		sessions: make(map[string]*sessionState),
	}
}

func (s *Store) session(sessionID string) *sessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[sessionID]
	if !ok {
		st = &sessionState{}
		s.sessions[sessionID] = st
	}
	return st
}

// Append persists ev for sessionID, assigning the next seq, then broadcasts
// to live subscribers. The event's trace.session_id must match sessionID;
// an empty trace session is filled in, a mismatch fails the append.
func (s *Store) Append(ctx context.Context, sessionID string, ev *v1.Event) (*v1.Event, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("store: empty session id")
	}
	if ev.Trace.SessionID == "" {
		ev.Trace.SessionID = sessionID
	} else if ev.Trace.SessionID != sessionID {
		return nil, fmt.Errorf("store: trace session %q does not match %q", ev.Trace.SessionID, sessionID)
	}
	if !ev.Type.IsValid() {
		return nil, fmt.Errorf("store: unknown event type %q", ev.Type)
	}

	st := s.session(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.nextSeq == 0 {
		last, err := s.drv.lastSeq(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("store: load last seq: %w", err)
		}
		st.nextSeq = last + 1
	}

	stored := ev.Clone()
	stored.SchemaVersion = v1.SchemaVersion
	stored.Seq = st.nextSeq
	if stored.Time.IsZero() {
		stored.Time = time.Now().UTC()
	}

	if err := s.drv.insert(ctx, stored); err != nil {
		return nil, fmt.Errorf("store: insert: %w", err)
	}
	st.nextSeq++

	s.broadcast(st, stored)

	if s.OnAppend != nil {
		s.OnAppend(stored)
	}
	return stored, nil
}

// broadcast delivers ev to every live subscriber of the session. Called with
// the session lock held so delivery order matches seq order.
func (s *Store) broadcast(st *sessionState, ev *v1.Event) {
	var dropped []*Subscription
	for _, sub := range st.subs {
		if !sub.deliver(ev) {
			dropped = append(dropped, sub)
		}
	}
	for _, sub := range dropped {
		s.logger.Warn("closing slow event subscriber",
			zap.String("session_id", ev.Trace.SessionID),
			zap.Int64("seq", ev.Seq))
		sub.terminate()
		st.removeLocked(sub)
	}
}

// List returns up to limit events with seq > afterSeq, in seq order. A limit
// of 0 means no limit.
func (s *Store) List(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]*v1.Event, error) {
	return s.drv.list(ctx, sessionID, afterSeq, limit)
}

// ListByTask returns events for one task within a session.
func (s *Store) ListByTask(ctx context.Context, sessionID, taskID string, afterSeq int64, limit int) ([]*v1.Event, error) {
	return s.drv.listByTask(ctx, sessionID, taskID, afterSeq, limit)
}

// LastSeq returns the highest assigned seq for the session, 0 if none.
func (s *Store) LastSeq(ctx context.Context, sessionID string) (int64, error) {
	st := s.session(sessionID)
	st.mu.Lock()
	if st.nextSeq > 0 {
		last := st.nextSeq - 1
		st.mu.Unlock()
		return last, nil
	}
	st.mu.Unlock()
	return s.drv.lastSeq(ctx, sessionID)
}

// Subscribe returns a subscription delivering every event of the session with
// seq > fromSeq: first the already-stored suffix, then live events, with no
// gaps and no duplicates.
func (s *Store) Subscribe(ctx context.Context, sessionID string, fromSeq int64, opts SubscribeOpts) (*Subscription, error) {
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}

	sub := &Subscription{
		out:      make(chan *v1.Event),
		live:     make(chan *v1.Event, opts.Buffer),
		closed:   make(chan struct{}),
		blocking: opts.Blocking,
	}

	// Register for live delivery before reading history so no event can fall
	// between the snapshot and the live stream. The forwarding goroutine
	// skips live events already covered by the replayed history.
	st := s.session(sessionID)
	st.mu.Lock()
	st.subs = append(st.subs, sub)
	st.mu.Unlock()

	history, err := s.drv.list(ctx, sessionID, fromSeq, 0)
	if err != nil {
		st.mu.Lock()
		st.removeLocked(sub)
		st.mu.Unlock()
		return nil, fmt.Errorf("store: subscribe history: %w", err)
	}

	sub.unregister = func() {
		st.mu.Lock()
		st.removeLocked(sub)
		st.mu.Unlock()
	}
	go sub.run(history, fromSeq)
	return sub, nil
}

// TaskStatus derives a task's lifecycle state from its stored events.
func (s *Store) TaskStatus(ctx context.Context, sessionID, taskID string) (v1.TaskStatus, int64, error) {
	events, err := s.drv.listByTask(ctx, sessionID, taskID, 0, 0)
	if err != nil {
		return v1.TaskStatusUnknown, 0, err
	}
	if len(events) == 0 {
		return v1.TaskStatusUnknown, 0, nil
	}
	status := v1.TaskStatusRunning
	for _, ev := range events {
		switch ev.Type {
		case v1.EventTaskCompleted:
			status = v1.TaskStatusCompleted
		case v1.EventTaskFailed:
			status = v1.TaskStatusFailed
		case v1.EventTaskStopped:
			status = v1.TaskStatusStopped
		}
	}
	return status, events[len(events)-1].Seq, nil
}

// Close shuts down every subscription and the driver.
func (s *Store) Close() error {
	s.mu.Lock()
	sessions := make([]*sessionState, 0, len(s.sessions))
	for _, st := range s.sessions {
		sessions = append(sessions, st)
	}
	s.mu.Unlock()

	for _, st := range sessions {
		st.mu.Lock()
		for _, sub := range st.subs {
			sub.terminate()
		}
		st.subs = nil
		st.mu.Unlock()
	}
	return s.drv.close()
}

// removeLocked unlinks sub; callers hold the session lock.
func (st *sessionState) removeLocked(sub *Subscription) {
	for i, existing := range st.subs {
		if existing == sub {
			st.subs = append(st.subs[:i], st.subs[i+1:]...)
			return
		}
	}
}

// Subscription is one live consumer of a session's event log.
type Subscription struct {
	out        chan *v1.Event
	live       chan *v1.Event
	closed     chan struct{}
	blocking   bool
	closeOnce  sync.Once
	unregister func()
}

// Events returns the ordered event channel. It is closed when the
// subscription ends, either by Close or by backpressure termination.
func (s *Subscription) Events() <-chan *v1.Event {
	return s.out
}

// Close detaches the subscriber. Safe to call multiple times.
func (s *Subscription) Close() {
	s.terminate()
	if s.unregister != nil {
		s.unregister()
	}
}

func (s *Subscription) terminate() {
	s.closeOnce.Do(func() { close(s.closed) })
}

// deliver hands a live event to the subscriber. Returns false when the
// buffer is full and the subscription is non-blocking, signalling the caller
// to drop this subscriber.
func (s *Subscription) deliver(ev *v1.Event) bool {
	if s.blocking {
		select {
		case s.live <- ev:
			return true
		case <-s.closed:
			return true
		}
	}
	select {
	case s.live <- ev:
		return true
	case <-s.closed:
		return true
	default:
		return false
	}
}

// run replays history then forwards live events past the replay cursor.
func (s *Subscription) run(history []*v1.Event, fromSeq int64) {
	defer close(s.out)

	cursor := fromSeq
	for _, ev := range history {
		select {
		case s.out <- ev:
			cursor = ev.Seq
		case <-s.closed:
			return
		}
	}

	for {
		select {
		case ev := <-s.live:
			if ev.Seq <= cursor {
				continue
			}
			select {
			case s.out <- ev:
				cursor = ev.Seq
			case <-s.closed:
				return
			}
		case <-s.closed:
			// Drain anything already buffered so appenders never see a
			// stuck channel.
			return
		}
	}
}
