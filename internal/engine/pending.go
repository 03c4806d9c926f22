package engine

import (
	"fmt"
	"sync"

	apperrors "github.com/codesdk/codesdk/internal/common/errors"
)

// resolution is the outcome of a pending approval.
type resolution struct {
	approved bool
	reason   string
}

type pendingKey struct {
	sessionID  string
	toolCallID string
}

type pendingEntry struct {
	attempt   int
	inputHash string
	taskID    string
	ch        chan resolution // buffered; resolver never blocks
}

// pendingApprovals is the side-table of tool calls awaiting a human
// decision. At most one entry per (session_id, tool_call_id); entries for a
// task that has ended resolve immediately as denials.
type pendingApprovals struct {
	mu      sync.Mutex
	entries map[pendingKey]*pendingEntry
	ended   map[string]string // sessionID+"\x00"+taskID -> deny reason
}

func newPendingApprovals() *pendingApprovals {
	return &pendingApprovals{
		entries: make(map[pendingKey]*pendingEntry),
		ended:   make(map[string]string),
	}
}

func taskKey(sessionID, taskID string) string {
	return sessionID + "\x00" + taskID
}

// register adds a pending entry and returns its resolution channel. If the
// task already ended, the channel arrives pre-resolved as a denial.
func (p *pendingApprovals) register(sessionID, toolCallID string, attempt int, inputHash, taskID string) (<-chan resolution, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch := make(chan resolution, 1)
	if reason, ok := p.ended[taskKey(sessionID, taskID)]; ok {
		ch <- resolution{approved: false, reason: reason}
		return ch, nil
	}

	key := pendingKey{sessionID: sessionID, toolCallID: toolCallID}
	if _, exists := p.entries[key]; exists {
		return nil, fmt.Errorf("pending approval already registered for tool call %s", toolCallID)
	}
	p.entries[key] = &pendingEntry{
		attempt:   attempt,
		inputHash: inputHash,
		taskID:    taskID,
		ch:        ch,
	}
	return ch, nil
}

// resolve settles a pending entry after verifying the (attempt, input_hash)
// identity. A mismatch leaves the entry in place.
func (p *pendingApprovals) resolve(sessionID, toolCallID string, attempt int, inputHash string, approved bool, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := pendingKey{sessionID: sessionID, toolCallID: toolCallID}
	entry, ok := p.entries[key]
	if !ok {
		return apperrors.NotFound("pending tool call", toolCallID)
	}
	if entry.attempt != attempt {
		return apperrors.Conflict(apperrors.ErrCodeAttemptMismatch,
			fmt.Sprintf("attempt %d does not match pending attempt %d", attempt, entry.attempt))
	}
	if entry.inputHash != inputHash {
		return apperrors.Conflict(apperrors.ErrCodeInputHashMismatch, "input hash does not match pending tool call")
	}

	delete(p.entries, key)
	entry.ch <- resolution{approved: approved, reason: reason}
	return nil
}

// endTask denies every pending entry of the task and marks the task ended so
// later registrations resolve immediately.
func (p *pendingApprovals) endTask(sessionID, taskID, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.ended[taskKey(sessionID, taskID)] = reason
	for key, entry := range p.entries {
		if key.sessionID == sessionID && entry.taskID == taskID {
			delete(p.entries, key)
			entry.ch <- resolution{approved: false, reason: reason}
		}
	}
}

// forgetTask clears the ended marker once a task's loop has fully finished.
func (p *pendingApprovals) forgetTask(sessionID, taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.ended, taskKey(sessionID, taskID))
}
