// Package interaction coordinates the single pending mid-run question.
//
// At most one interaction is Open system-wide: the task coordinator already
// guarantees one active run, and this package is the final check-and-set
// behind that guarantee. Answer submission is first-valid-answer-wins —
// concurrent writers (local REPL vs remote bridge) race on one compare-and-
// swap, and every loser sees ErrStale regardless of content.
package interaction

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"

	"perch/internal/logging"
)

// Status of one interaction.
type Status string

const (
	StatusOpen     Status = "open"
	StatusAnswered Status = "answered"
	StatusExpired  Status = "expired"
)

var (
	// ErrPending — publish refused because an interaction is already Open.
	ErrPending = errors.New("interaction: another interaction is pending")

	// ErrStale — answer referenced a closed or unknown interaction.
	ErrStale = errors.New("interaction: stale interaction")

	// ErrInvalidAnswer — answer content could not be mapped to the
	// question. The interaction stays Open.
	ErrInvalidAnswer = errors.New("interaction: invalid answer")

	// ErrExpired — the owning run ended before an answer was accepted.
	ErrExpired = errors.New("interaction: expired")
)

// Request is a pending question published while a prompt request is open.
type Request struct {
	ID             string
	RunID          string
	ConversationID string
	SessionID      string
	Question       string
	Options        []Option
	AllowCustom    bool
}

// Option is one selectable answer, indexed from 1.
type Option struct {
	Index       int
	ID          string
	Label       string
	Description string
}

// Answer is the accepted resolution of a Request.
type Answer struct {
	InteractionID    string
	SelectedIndex    int // 0 when a custom text answer won
	SelectedOptionID string
	Text             string
	Source           string
}

// Snapshot is a read-only view of the pending interaction for status output.
type Snapshot struct {
	HasPending  bool
	ID          string
	RunID       string
	Question    string
	Options     []Option
	AllowCustom bool
}

// Coordinator holds the single pending interaction.
type Coordinator struct {
	mu       sync.Mutex
	events   logging.EventFunc
	req      *Request
	status   Status
	answer   *Answer
	resolved chan struct{} // closed once, on answer or expiry
}

// NewCoordinator creates an empty coordinator. events may be nil.
func NewCoordinator(events logging.EventFunc) *Coordinator {
	if events == nil {
		events = logging.NopEvent
	}
	return &Coordinator{events: events}
}

// Publish registers req as the pending interaction. Fails with ErrPending if
// one is already Open — the check and the set are a single atomic step.
func (c *Coordinator) Publish(req Request) error {
	c.mu.Lock()
	if c.req != nil && c.status == StatusOpen {
		c.mu.Unlock()
		return ErrPending
	}
	r := req
	c.req = &r
	c.status = StatusOpen
	c.answer = nil
	c.resolved = make(chan struct{})
	c.mu.Unlock()

	c.events("interaction.requested",
		"interaction_id", req.ID,
		"run_id", req.RunID,
		"conversation_id", req.ConversationID,
		"option_count", len(req.Options),
		"allow_custom", req.AllowCustom)
	return nil
}

// Submit resolves the pending interaction with raw user input. The first
// valid answer wins the compare-and-swap; later submissions fail ErrStale.
// A numeric input selects the option with that index; anything else is a
// custom text answer when the question allows one. Invalid input leaves the
// interaction Open.
func (c *Coordinator) Submit(interactionID, raw, source string) (Answer, error) {
	text := strings.TrimSpace(raw)

	c.mu.Lock()
	if c.req == nil || c.req.ID != interactionID || c.status != StatusOpen {
		c.mu.Unlock()
		c.events("interaction.answer_rejected",
			"interaction_id", interactionID, "source", source, "reason", "stale")
		return Answer{}, ErrStale
	}
	if text == "" {
		c.mu.Unlock()
		return Answer{}, ErrInvalidAnswer
	}

	answer, ok := parseAnswer(c.req, text, source)
	if !ok {
		c.mu.Unlock()
		c.events("interaction.answer_rejected",
			"interaction_id", interactionID, "source", source, "reason", "invalid")
		return Answer{}, ErrInvalidAnswer
	}

	c.answer = &answer
	c.status = StatusAnswered
	close(c.resolved)
	c.mu.Unlock()

	c.events("interaction.answered",
		"interaction_id", answer.InteractionID,
		"source", source,
		"selected_index", answer.SelectedIndex,
		"selected_option_id", answer.SelectedOptionID)
	return answer, nil
}

// Await blocks until the interaction resolves. Returns the winning Answer,
// ErrExpired when the owning run ended first, or ctx.Err().
func (c *Coordinator) Await(ctx context.Context, interactionID string) (Answer, error) {
	c.mu.Lock()
	if c.req == nil || c.req.ID != interactionID {
		c.mu.Unlock()
		return Answer{}, ErrStale
	}
	resolved := c.resolved
	c.mu.Unlock()

	select {
	case <-resolved:
	case <-ctx.Done():
		return Answer{}, ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.answer == nil || c.req == nil || c.req.ID != interactionID {
		return Answer{}, ErrExpired
	}
	return *c.answer, nil
}

// Expire force-closes the interaction when its owning run ends while it is
// still Open. Late answers then resolve ErrStale.
func (c *Coordinator) Expire(interactionID string) {
	c.mu.Lock()
	if c.req == nil || c.req.ID != interactionID || c.status != StatusOpen {
		c.mu.Unlock()
		return
	}
	c.status = StatusExpired
	close(c.resolved)
	runID := c.req.RunID
	c.mu.Unlock()

	c.events("interaction.expired", "interaction_id", interactionID, "run_id", runID)
}

// Clear drops a resolved interaction so status output stops showing it.
// An Open interaction is never cleared — it must be answered or expired.
func (c *Coordinator) Clear(interactionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.req == nil || c.req.ID != interactionID || c.status == StatusOpen {
		return
	}
	c.req = nil
	c.answer = nil
}

// HasPending reports whether an interaction is Open.
func (c *Coordinator) HasPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.req != nil && c.status == StatusOpen
}

// Snapshot returns a read-only view of the pending interaction.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.req == nil || c.status != StatusOpen {
		return Snapshot{}
	}
	return Snapshot{
		HasPending:  true,
		ID:          c.req.ID,
		RunID:       c.req.RunID,
		Question:    c.req.Question,
		Options:     append([]Option(nil), c.req.Options...),
		AllowCustom: c.req.AllowCustom,
	}
}

func parseAnswer(req *Request, text, source string) (Answer, bool) {
	if n, err := strconv.Atoi(text); err == nil && len(req.Options) > 0 {
		for _, opt := range req.Options {
			if opt.Index == n {
				return Answer{
					InteractionID:    req.ID,
					SelectedIndex:    opt.Index,
					SelectedOptionID: opt.ID,
					Source:           source,
				}, true
			}
		}
		return Answer{}, false
	}
	if !req.AllowCustom {
		return Answer{}, false
	}
	return Answer{InteractionID: req.ID, Text: text, Source: source}, true
}
