// Package runtime drives one utterance end to end: claim the task slot,
// issue exactly one provider call, resolve any mid-call question through the
// interaction coordinator, then release the slot. Both the local REPL and
// the bridge surface go through the same Runner, so every coordination rule
// holds regardless of where input came from.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"perch/internal/acp"
	"perch/internal/interaction"
	"perch/internal/logging"
	"perch/internal/task"
)

// ProviderClient is the slice of the session client the runner needs.
type ProviderClient interface {
	Run(ctx context.Context, req acp.RunRequest) (*acp.Result, error)
}

// Runner owns one conversation context.
type Runner struct {
	conversationID string
	client         ProviderClient
	tasks          *task.Coordinator
	interactions   *interaction.Coordinator
	logger         *slog.Logger
	events         logging.EventFunc

	// OnAwaiting is called after a question is published, outside any lock.
	// The bridge uses it to announce the pending question to the contact.
	OnAwaiting func()
}

// New creates a runner for one conversation context.
func New(conversationID string, client ProviderClient, tasks *task.Coordinator, interactions *interaction.Coordinator, logger *slog.Logger, events logging.EventFunc) *Runner {
	if events == nil {
		events = logging.NopEvent
	}
	return &Runner{
		conversationID: conversationID,
		client:         client,
		tasks:          tasks,
		interactions:   interactions,
		logger:         logging.OrNop(logger),
		events:         events,
	}
}

// Interactions exposes the interaction coordinator for surfaces that route
// answers directly.
func (r *Runner) Interactions() *interaction.Coordinator { return r.interactions }

// Tasks exposes the task coordinator for status output.
func (r *Runner) Tasks() *task.Coordinator { return r.tasks }

// Run executes one utterance. It claims the task slot, makes a single
// provider call, and always releases the slot on return, force-expiring a
// question left open by the run. The returned string is the formatted reply
// for the surface; on failure it carries the failure summary and err is the
// typed underlying error.
func (r *Runner) Run(ctx context.Context, source, text string) (string, error) {
	runID := uuid.NewString()
	if err := r.tasks.TryStart(r.conversationID, runID); err != nil {
		return "", err
	}
	r.events("run.started", "run_id", runID, "source", source)

	result, err := r.client.Run(ctx, acp.RunRequest{
		ConversationID: r.conversationID,
		RunID:          runID,
		Prompt:         text,
		Ask:            r.askFunc(runID),
	})

	// A question still open when the call resolves can never be answered;
	// late answers must get the stale rejection, not silent acceptance.
	if snap := r.interactions.Snapshot(); snap.HasPending && snap.RunID == runID {
		r.interactions.Expire(snap.ID)
	}

	r.tasks.Finish(runID, err != nil)

	if err != nil {
		r.events("run.failed", "run_id", runID, "error", err.Error())
		return FailureSummary(err), err
	}
	r.events("run.completed", "run_id", runID, "stop_reason", result.StopReason)
	return formatResult(result), nil
}

// askFunc binds the provider client's question callback to the interaction
// coordinator for one run: publish, block on the answer, and translate it
// back into the provider's reply shape.
func (r *Runner) askFunc(runID string) acp.AskFunc {
	return func(ctx context.Context, q acp.Question) (acp.Reply, error) {
		req := interaction.Request{
			ID:             uuid.NewString(),
			RunID:          runID,
			ConversationID: r.conversationID,
			SessionID:      q.SessionID,
			Question:       q.Text,
			AllowCustom:    q.AllowCustom,
		}
		for _, opt := range q.Options {
			req.Options = append(req.Options, interaction.Option{
				Index:       opt.Index,
				ID:          opt.ID,
				Label:       opt.Label,
				Description: opt.Description,
			})
		}
		if err := r.interactions.Publish(req); err != nil {
			return acp.Reply{}, err
		}
		r.tasks.MarkAwaiting(runID, req.ID)
		if r.OnAwaiting != nil {
			r.OnAwaiting()
		}

		answer, err := r.interactions.Await(ctx, req.ID)
		if err != nil {
			return acp.Reply{}, err
		}
		r.tasks.MarkAnswered(runID)
		r.interactions.Clear(req.ID)
		return acp.Reply{
			OptionID: answer.SelectedOptionID,
			Index:    answer.SelectedIndex,
			Text:     answer.Text,
		}, nil
	}
}

// Status renders a one-look state summary for the /status command.
func (r *Runner) Status() string {
	snap := r.tasks.Snapshot()
	var b strings.Builder
	fmt.Fprintf(&b, "state: %s", snap.State)
	if snap.RunID != "" {
		fmt.Fprintf(&b, " (run %s)", shortID(snap.RunID))
	}
	if pending := r.interactions.Snapshot(); pending.HasPending {
		fmt.Fprintf(&b, "\npending question: %s", pending.Question)
	}
	return b.String()
}

func formatResult(res *acp.Result) string {
	text := strings.TrimSpace(res.Text)
	if len(res.Evidence) == 0 {
		return text
	}
	var b strings.Builder
	b.WriteString(text)
	b.WriteString("\n\nProposed actions (not executed):")
	for _, ev := range res.Evidence {
		fmt.Fprintf(&b, "\n  - %s: %s", ev.Name, ev.Reason)
	}
	return b.String()
}

// FailureSummary renders a typed run failure as surface-facing text.
func FailureSummary(err error) string {
	if errors.Is(err, task.ErrBusy) {
		return "A task is already running. Wait for it to finish."
	}
	kind, ok := acp.KindOf(err)
	if !ok {
		return "The task failed: " + err.Error()
	}
	switch kind {
	case acp.KindTimeout:
		return "The agent did not respond in time."
	case acp.KindTransport:
		return "The agent process ended unexpectedly: " + err.Error()
	case acp.KindProtocol:
		return "The agent rejected the request: " + err.Error()
	case acp.KindContract:
		return "The agent finished without producing a visible reply."
	default:
		return "The task failed: " + err.Error()
	}
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
