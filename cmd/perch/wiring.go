package main

import (
	"log/slog"
	"os"

	"perch/internal/acp"
	"perch/internal/config"
	"perch/internal/interaction"
	"perch/internal/logging"
	"perch/internal/runtime"
	"perch/internal/task"
)

// conversationID names the single terminal-resident conversation context.
const conversationID = "local"

// buildRunner wires one conversation context from settings: provider client,
// task slot, interaction coordinator, and the runner that drives them.
func buildRunner(settings config.Settings) (*runtime.Runner, *acp.Client, *slog.Logger) {
	logger := logging.New(logging.Config{
		Level:  settings.Log.Level,
		Format: settings.Log.Format,
		Output: os.Stderr,
	})
	events := logging.Events(logger)

	opts := []acp.ClientOption{
		acp.WithBinary(settings.Adapter.Binary),
		acp.WithArgs(settings.Adapter.Args...),
		acp.WithProviderID(settings.Adapter.Provider),
		acp.WithCWD(settings.Adapter.CWD),
		acp.WithMethodTimeout(settings.Adapter.MethodTimeout),
		acp.WithGracePeriod(settings.Adapter.GracePeriod),
		acp.WithLogger(logging.Component(logger, "acp")),
		acp.WithEvents(events),
	}
	if len(settings.Adapter.VisibleFields) > 0 {
		opts = append(opts, acp.WithExtractConfig(acp.ExtractConfig{
			VisibleFields: settings.Adapter.VisibleFields,
		}))
	}
	client := acp.NewClient(opts...)

	tasks := task.NewCoordinator(events)
	interactions := interaction.NewCoordinator(events)
	runner := runtime.New(conversationID, client, tasks, interactions,
		logging.Component(logger, "runtime"), events)
	return runner, client, logger
}
