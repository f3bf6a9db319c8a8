package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"perch/internal/bridge"
	"perch/internal/config"
	"perch/internal/logging"
)

// runServe runs the bridge surface until interrupted. The gateway and the
// REPL share nothing here: serve mode is headless, with the bound contact as
// the only input source.
func runServe(parent context.Context, settings config.Settings) error {
	runner, client, logger := buildRunner(settings)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = client.Close(ctx)
	}()

	gateway, err := bridge.NewGateway(
		bridge.Config{
			ListenAddr:   settings.Bridge.ListenAddr,
			Token:        settings.Bridge.Token,
			BoundContact: settings.Bridge.BoundContact,
			AckText:      settings.Bridge.AckText,
			QueueSize:    settings.Bridge.QueueSize,
		},
		runner,
		runner.Interactions(),
		runner.Status,
		bridge.MustNewMetrics(nil),
		logging.Component(logger, "bridge"),
		logging.Events(logger),
	)
	if err != nil {
		return err
	}
	runner.OnAwaiting = gateway.AnnouncePending

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return gateway.Start(ctx)
}
