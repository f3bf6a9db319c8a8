package acp

import (
	"context"
	"encoding/json"
)

// Result is the normalized outcome of one successful provider call.
type Result struct {
	// Text is the concatenated user-visible output.
	Text string

	// StopReason is the agent's finish reason, when reported.
	StopReason string

	// Evidence records every side-effectful action the agent proposed.
	// Nothing in this list was executed.
	Evidence []Evidence

	// Usage carries token accounting, when the adapter reports it.
	Usage *Usage
}

// Evidence is the record of one proposed action. The orchestrator never
// invokes an execution backend: Blocked is always true and Reason says why.
type Evidence struct {
	Name    string          `json:"name"`
	Args    json.RawMessage `json:"args,omitempty"`
	Blocked bool            `json:"blocked"`
	Reason  string          `json:"reason"`
}

// Usage is token accounting from the agent's model.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Question is a mid-prompt question from the agent, surfaced while its
// originating prompt request stays open.
type Question struct {
	SessionID   string
	Text        string
	Options     []Option
	AllowCustom bool
}

// Option is one selectable answer. Index is 1-based and stable for the
// lifetime of the question.
type Option struct {
	Index       int
	ID          string
	Label       string
	Description string
}

// Reply is the user's answer to a Question. Either OptionID/Index identify a
// selected option, or Text carries free-form input.
type Reply struct {
	OptionID string
	Index    int
	Text     string
}

// AskFunc resolves a mid-prompt Question to a Reply. It runs while the
// prompt request is still outstanding; returning an error cancels the
// question (the agent decides how to proceed) but never fails the prompt
// locally.
type AskFunc func(ctx context.Context, q Question) (Reply, error)
