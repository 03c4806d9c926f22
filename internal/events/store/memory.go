package store

import (
	"context"
	"sync"

	"github.com/codesdk/codesdk/internal/common/logger"
	v1 "github.com/codesdk/codesdk/pkg/api/v1"
)

// memoryDriver keeps events in per-session slices. Used in tests and when
// store.driver=memory.
type memoryDriver struct {
	mu     sync.RWMutex
	events map[string][]*v1.Event
}

// NewMemory creates an in-memory event store.
func NewMemory(log *logger.Logger) *Store {
	return newStore(&memoryDriver{events: make(map[string][]*v1.Event)}, log)
}

func (d *memoryDriver) insert(ctx context.Context, ev *v1.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events[ev.Trace.SessionID] = append(d.events[ev.Trace.SessionID], ev)
	return nil
}

func (d *memoryDriver) list(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]*v1.Event, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []*v1.Event
	for _, ev := range d.events[sessionID] {
		if ev.Seq <= afterSeq {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (d *memoryDriver) listByTask(ctx context.Context, sessionID, taskID string, afterSeq int64, limit int) ([]*v1.Event, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []*v1.Event
	for _, ev := range d.events[sessionID] {
		if ev.Seq <= afterSeq || ev.Trace.TaskID != taskID {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (d *memoryDriver) lastSeq(ctx context.Context, sessionID string) (int64, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	evs := d.events[sessionID]
	if len(evs) == 0 {
		return 0, nil
	}
	return evs[len(evs)-1].Seq, nil
}

func (d *memoryDriver) close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = make(map[string][]*v1.Event)
	return nil
}
