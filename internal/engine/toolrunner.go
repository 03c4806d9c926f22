package engine

import (
	"sync"

	v1 "github.com/codesdk/codesdk/pkg/api/v1"
)

// toolRunner drains a per-task FIFO of tool-call requests. Enqueue never
// blocks, so the adapter-event reader is never held up by tool execution;
// handlers themselves run strictly one at a time in request order.
type toolRunner struct {
	handle func(req *v1.ToolCallRequestedPayload)

	mu     sync.Mutex
	queue  []*v1.ToolCallRequestedPayload
	closed bool
	signal chan struct{}
	done   chan struct{}
}

func newToolRunner(handle func(req *v1.ToolCallRequestedPayload)) *toolRunner {
	r := &toolRunner{
		handle: handle,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

// enqueue appends a request to the FIFO.
func (r *toolRunner) enqueue(req *v1.ToolCallRequestedPayload) {
	r.mu.Lock()
	r.queue = append(r.queue, req)
	r.mu.Unlock()
	r.wake()
}

// close marks the FIFO complete; run exits once the queue is drained.
func (r *toolRunner) close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.wake()
}

// wait blocks until every enqueued handler has finished.
func (r *toolRunner) wait() {
	<-r.done
}

func (r *toolRunner) wake() {
	select {
	case r.signal <- struct{}{}:
	default:
	}
}

func (r *toolRunner) run() {
	defer close(r.done)
	for {
		r.mu.Lock()
		if len(r.queue) == 0 {
			closed := r.closed
			r.mu.Unlock()
			if closed {
				return
			}
			<-r.signal
			continue
		}
		req := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()

		r.handle(req)
	}
}
