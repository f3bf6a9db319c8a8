// Package task enforces the single-active-run invariant for one conversation
// context. The coordinator's state token is the only point of mutual
// exclusion between the interactive surface and the bridge surface: exactly
// one run may hold Running or AwaitingInteraction at a time.
package task

import (
	"errors"
	"sync"

	"perch/internal/logging"
)

// State of the conversation context's task slot.
type State string

const (
	StateIdle                State = "idle"
	StateRunning             State = "running"
	StateAwaitingInteraction State = "awaiting_interaction"
	StateCompleted           State = "completed"
	StateFailed              State = "failed"
)

// ErrBusy rejects new input while a run is active. The interactive surface
// surfaces this to the user directly; the bridge surface never sees it
// because its worker queue defers dispatch until the slot is Idle.
var ErrBusy = errors.New("task: a task is already active")

// Snapshot is a read-only view of the task slot.
type Snapshot struct {
	State          State
	RunID          string
	ConversationID string
	InteractionID  string
}

// Active reports whether a run currently holds the slot.
func (s Snapshot) Active() bool {
	return s.State == StateRunning || s.State == StateAwaitingInteraction
}

// AwaitingInteraction reports whether the active run is blocked on a
// pending question.
func (s Snapshot) AwaitingInteraction() bool {
	return s.State == StateAwaitingInteraction
}

// Coordinator owns one conversation context's task slot. Every transition
// emits a structured record carrying the conversation and run identifiers so
// accept/defer/reject decisions can be reconstructed afterwards.
type Coordinator struct {
	mu     sync.Mutex
	events logging.EventFunc

	state          State
	runID          string
	conversationID string
	interactionID  string
}

// NewCoordinator creates an Idle task slot. events may be nil.
func NewCoordinator(events logging.EventFunc) *Coordinator {
	if events == nil {
		events = logging.NopEvent
	}
	return &Coordinator{events: events, state: StateIdle}
}

// TryStart claims the slot for a new run. Succeeds only from Idle.
func (c *Coordinator) TryStart(conversationID, runID string) error {
	c.mu.Lock()
	if c.state == StateRunning || c.state == StateAwaitingInteraction {
		activeRunID := c.runID
		c.mu.Unlock()
		c.events("task.rejected",
			"conversation_id", conversationID,
			"run_id", runID,
			"active_run_id", activeRunID,
			"reason", "busy")
		return ErrBusy
	}
	c.state = StateRunning
	c.runID = runID
	c.conversationID = conversationID
	c.interactionID = ""
	c.mu.Unlock()

	c.emitStateChanged("start")
	return nil
}

// MarkAwaiting records that runID published an interaction and is blocked
// on its answer. A stale runID is ignored.
func (c *Coordinator) MarkAwaiting(runID, interactionID string) {
	c.mu.Lock()
	if c.state == StateIdle || (runID != "" && c.runID != runID) {
		c.mu.Unlock()
		return
	}
	c.state = StateAwaitingInteraction
	c.interactionID = interactionID
	c.mu.Unlock()

	c.emitStateChanged("interaction_requested")
}

// MarkAnswered returns the slot to Running after an accepted answer.
func (c *Coordinator) MarkAnswered(runID string) {
	c.mu.Lock()
	if c.state != StateAwaitingInteraction || (runID != "" && c.runID != runID) {
		c.mu.Unlock()
		return
	}
	c.state = StateRunning
	c.interactionID = ""
	c.mu.Unlock()

	c.emitStateChanged("interaction_answered")
}

// Finish resolves the run and immediately releases the slot to Idle. Both
// transitions are observable: Completed/Failed first, then Idle.
func (c *Coordinator) Finish(runID string, failed bool) {
	c.mu.Lock()
	if runID != "" && c.runID != "" && c.runID != runID {
		c.mu.Unlock()
		return
	}
	if failed {
		c.state = StateFailed
	} else {
		c.state = StateCompleted
	}
	c.mu.Unlock()
	c.emitStateChanged("finish")

	c.mu.Lock()
	c.state = StateIdle
	c.runID = ""
	c.conversationID = ""
	c.interactionID = ""
	c.mu.Unlock()
	c.emitStateChanged("idle")
}

// Snapshot returns the current slot state.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		State:          c.state,
		RunID:          c.runID,
		ConversationID: c.conversationID,
		InteractionID:  c.interactionID,
	}
}

func (c *Coordinator) emitStateChanged(reason string) {
	c.mu.Lock()
	state, runID, convID, interactionID := c.state, c.runID, c.conversationID, c.interactionID
	c.mu.Unlock()
	c.events("task.state.changed",
		"state", string(state),
		"run_id", runID,
		"conversation_id", convID,
		"interaction_id", interactionID,
		"reason", reason)
}
