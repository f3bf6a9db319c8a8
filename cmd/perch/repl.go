package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chzyer/readline"

	"perch/internal/config"
	"perch/internal/interaction"
	"perch/internal/task"
)

// runREPL drives the local interactive surface. Input lines are either
// answers to a pending question, slash commands, or new utterances; a new
// utterance starts a run in the background so the prompt stays responsive
// for mid-run answers. Ctrl+C on an empty line exits and abandons any
// in-flight run's local display; the run itself resolves or dies with the
// subprocess.
func runREPL(settings config.Settings) error {
	runner, client, _ := buildRunner(settings)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = client.Close(ctx)
	}()

	var printMu sync.Mutex
	say := func(format string, args ...any) {
		printMu.Lock()
		defer printMu.Unlock()
		fmt.Printf(format+"\n", args...)
	}

	runner.OnAwaiting = func() {
		if snap := runner.Interactions().Snapshot(); snap.HasPending {
			say("\n%s", pendingText(snap))
		}
	}

	fmt.Println("perch — type a task and press Enter. /status, /pending, /choose <n|text>, exit.")

	homeDir, _ := os.UserHomeDir()
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "> ",
		HistoryFile:     filepath.Join(homeDir, ".perch_history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		Stdin:           readline.NewCancelableStdin(os.Stdin),
		Stdout:          os.Stdout,
		Stderr:          os.Stderr,
	})
	if err != nil {
		return fmt.Errorf("readline init: %w", err)
	}
	defer rl.Close()

	ctx := context.Background()
	for {
		input, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if len(input) == 0 {
				break
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			break
		}

		input = strings.TrimSpace(input)
		switch {
		case input == "":
			continue
		case input == "exit" || input == "quit":
			return nil
		case strings.HasPrefix(input, "/"):
			handleREPLCommand(runner, say, input)
		case runner.Interactions().HasPending():
			submitREPLAnswer(runner, say, input)
		default:
			go func(text string) {
				reply, err := runner.Run(ctx, "repl", text)
				if errors.Is(err, task.ErrBusy) {
					say("A task is already running. Answer its question or wait.")
					return
				}
				say("\n%s", reply)
			}(input)
		}
	}
	return nil
}

func handleREPLCommand(runner replRunner, say func(string, ...any), input string) {
	cmd, rest, _ := strings.Cut(input, " ")
	switch cmd {
	case "/status":
		say("%s", runner.Status())
	case "/pending":
		if snap := runner.Interactions().Snapshot(); snap.HasPending {
			say("%s", pendingText(snap))
		} else {
			say("No question is pending.")
		}
	case "/choose":
		answer := strings.TrimSpace(rest)
		if answer == "" {
			say("Use /choose <index|text>.")
			return
		}
		submitREPLAnswer(runner, say, answer)
	default:
		say("Unknown command %s.", cmd)
	}
}

func submitREPLAnswer(runner replRunner, say func(string, ...any), text string) {
	snap := runner.Interactions().Snapshot()
	if !snap.HasPending {
		say("No question is pending.")
		return
	}
	_, err := runner.Interactions().Submit(snap.ID, text, "repl")
	switch {
	case err == nil:
		say("Answer submitted. Continuing.")
	case errors.Is(err, interaction.ErrStale):
		say("That question is already closed.")
	case errors.Is(err, interaction.ErrInvalidAnswer):
		say("That does not match any option. Reply with an option number%s.",
			customHintSuffix(snap))
	default:
		say("Could not submit the answer: %v", err)
	}
}

// replRunner is the slice of the runtime the REPL helpers touch.
type replRunner interface {
	Status() string
	Interactions() *interaction.Coordinator
}

func pendingText(snap interaction.Snapshot) string {
	var b strings.Builder
	b.WriteString("The agent is asking:\n")
	b.WriteString(snap.Question)
	for _, opt := range snap.Options {
		fmt.Fprintf(&b, "\n  %d. %s", opt.Index, opt.Label)
		if opt.Description != "" {
			fmt.Fprintf(&b, " — %s", opt.Description)
		}
	}
	fmt.Fprintf(&b, "\nReply with an option number%s.", customHintSuffix(snap))
	return b.String()
}

func customHintSuffix(snap interaction.Snapshot) string {
	if snap.AllowCustom {
		return " or your own text"
	}
	return ""
}
