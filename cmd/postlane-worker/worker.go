// Package main provides the Postlane worker daemon: the dispatcher poll loop
// plus the optional Redis bulk ingestion source, under one signal-handled
// lifecycle.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/postlane/postlane/pkg/dispatcher"
	"github.com/postlane/postlane/pkg/sources/redisqueue"
)

type Worker struct {
	id         string
	logger     *slog.Logger
	dispatcher *dispatcher.Dispatcher
	source     *redisqueue.Source
}

func NewWorker(
	id string,
	logger *slog.Logger,
	disp *dispatcher.Dispatcher,
	source *redisqueue.Source,
) *Worker {
	return &Worker{
		id:         id,
		logger:     logger.With("module", "postlane-worker"),
		dispatcher: disp,
		source:     source,
	}
}

// Start runs until SIGINT or SIGTERM, then shuts the loops down in order:
// no new claims first, then the ingestion source.
func (w *Worker) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if w.source != nil {
		if err := w.source.Start(ctx); err != nil {
			return err
		}
	}

	dispatcherDone := make(chan error, 1)

	go func() {
		dispatcherDone <- w.dispatcher.Start(ctx)
	}()

	w.logger.InfoContext(ctx, "Worker started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		w.logger.InfoContext(ctx, "Shutting down worker...", "signal", sig.String())
		cancel()
		<-dispatcherDone
	case err := <-dispatcherDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			w.logger.ErrorContext(ctx, "Dispatcher stopped unexpectedly", "error", err)

			return err
		}
	}

	if w.source != nil {
		if err := w.source.Stop(ctx); err != nil {
			w.logger.ErrorContext(ctx, "Failed to stop ingestion source", "error", err)
		}
	}

	return nil
}
