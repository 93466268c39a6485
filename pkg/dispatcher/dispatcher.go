// Package dispatcher polls the execution queue on a fixed interval, claims
// due items, and hands them to the executor under a bounded worker pool.
// Multiple dispatcher processes may run concurrently; the only coordination
// between them is the queue's atomic claim operation.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/postlane/postlane/pkg/executor"
	"github.com/postlane/postlane/pkg/models"
	"github.com/postlane/postlane/pkg/otelhelper"
	"github.com/postlane/postlane/pkg/persistence"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Config tunes the polling loop.
type Config struct {
	// Interval between claim ticks.
	Interval time.Duration

	// BatchSize bounds the items claimed per tick.
	BatchSize int

	// Workers bounds concurrent step executions within one process.
	Workers int

	// StaleAfter is how long an item may sit processing before the
	// recovery sweep assumes its worker died and requeues it.
	StaleAfter time.Duration

	// SweepSchedule is the cron expression for the recovery sweep.
	SweepSchedule string

	// RetryBudget bounds the sweep: a stale item at this many attempts is
	// failed instead of requeued. Matches the executor's retry budget.
	RetryBudget int
}

// DefaultConfig returns the shipped dispatcher configuration.
func DefaultConfig() Config {
	return Config{
		Interval:      5 * time.Second,
		BatchSize:     20,
		Workers:       4,
		StaleAfter:    10 * time.Minute,
		SweepSchedule: "@every 1m",
		RetryBudget:   executor.DefaultRetryPolicy.MaxAttempts,
	}
}

// Dispatcher owns the pending -> processing transition.
type Dispatcher struct {
	queue    persistence.QueueRepository
	executor *executor.Executor
	logger   *slog.Logger
	config   Config
	tracer   trace.Tracer
}

func NewDispatcher(
	queue persistence.QueueRepository,
	exec *executor.Executor,
	logger *slog.Logger,
	config Config,
) *Dispatcher {
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}

	if config.BatchSize <= 0 {
		config.BatchSize = DefaultConfig().BatchSize
	}

	if config.Workers <= 0 {
		config.Workers = DefaultConfig().Workers
	}

	if config.StaleAfter <= 0 {
		config.StaleAfter = DefaultConfig().StaleAfter
	}

	if config.SweepSchedule == "" {
		config.SweepSchedule = DefaultConfig().SweepSchedule
	}

	if config.RetryBudget <= 0 {
		config.RetryBudget = DefaultConfig().RetryBudget
	}

	return &Dispatcher{
		queue:    queue,
		executor: exec,
		logger:   logger.With("module", "dispatcher"),
		config:   config,
	}
}

// WithTracer enables a span around each item execution.
func (d *Dispatcher) WithTracer(tracer trace.Tracer) *Dispatcher {
	d.tracer = tracer

	return d
}

// Start runs the claim loop and the recovery sweep until the context is
// cancelled.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.logger.InfoContext(ctx, "Starting dispatcher",
		"interval", d.config.Interval.String(),
		"batch_size", d.config.BatchSize,
		"workers", d.config.Workers)

	sweeper := cron.New()

	_, err := sweeper.AddFunc(d.config.SweepSchedule, func() {
		d.Sweep(ctx)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule recovery sweep: %w", err)
	}

	sweeper.Start()
	defer sweeper.Stop()

	ticker := time.NewTicker(d.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.InfoContext(ctx, "Dispatcher stopped")

			return ctx.Err()
		case <-ticker.C:
			d.Tick(ctx)
		}
	}
}

// Tick claims up to BatchSize due items and processes them on the worker
// pool. One item's failure never aborts the rest of the batch.
func (d *Dispatcher) Tick(ctx context.Context) int {
	var waitGroup sync.WaitGroup

	slots := make(chan struct{}, d.config.Workers)
	claimed := 0

	for claimed < d.config.BatchSize {
		item, err := d.queue.ClaimNextDue(ctx, time.Now().UTC())
		if err != nil {
			if !persistence.IsNoItemDue(err) {
				d.logger.ErrorContext(ctx, "Claim failed", "error", err)
			}

			break
		}

		claimed++

		waitGroup.Add(1)
		slots <- struct{}{}

		go func(item *models.QueueItem) {
			defer waitGroup.Done()
			defer func() { <-slots }()

			d.process(ctx, item)
		}(item)
	}

	waitGroup.Wait()

	return claimed
}

// process runs one claimed item through the executor, converting panics and
// infrastructure errors into a failed item so nothing stays stuck
// processing behind a live worker.
func (d *Dispatcher) process(ctx context.Context, item *models.QueueItem) {
	defer func() {
		if recovered := recover(); recovered != nil {
			d.logger.ErrorContext(ctx, "Executor panicked", "item_id", item.ID, "panic", recovered)
			d.markFailed(ctx, item, fmt.Sprintf("executor panic: %v", recovered))
		}
	}()

	var span trace.Span
	if d.tracer != nil {
		ctx, span = otelhelper.StartSpan(ctx, d.tracer, "queue.item.execute",
			attribute.String(otelhelper.ItemIDKey, item.ID),
			attribute.String(otelhelper.AutomationIDKey, item.AutomationID),
			attribute.String(otelhelper.ContactIDKey, item.ContactID),
			attribute.Int(otelhelper.StepIndexKey, item.CurrentStepIndex),
		)
		defer span.End()
	}

	err := d.executor.ExecuteNext(ctx, item)
	if err != nil {
		if span != nil {
			otelhelper.SetError(span, err)
		}

		d.logger.ErrorContext(ctx, "Executor failed", "item_id", item.ID, "error", err)
		d.markFailed(ctx, item, err.Error())
	}
}

// markFailed records an executor-level failure. If even this write fails the
// item stays processing and the recovery sweep picks it up later.
func (d *Dispatcher) markFailed(ctx context.Context, item *models.QueueItem, message string) {
	progress := models.QueueProgress{
		Status:           models.QueueItemStatusFailed,
		ExecuteAt:        item.ExecuteAt,
		CurrentStepIndex: item.CurrentStepIndex,
		Attempts:         item.Attempts,
		ErrorMessage:     message,
	}

	err := d.queue.UpdateProgress(ctx, item.ID, progress)
	if err != nil {
		d.logger.ErrorContext(ctx, "Failed to mark item failed, leaving for recovery sweep",
			"item_id", item.ID, "error", err)
	}
}

// Sweep recovers items stuck processing past the staleness threshold. Items
// inside the retry budget return to pending; items at the budget fail.
func (d *Dispatcher) Sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-d.config.StaleAfter)

	recovered, err := d.queue.RequeueStale(ctx, cutoff, d.config.RetryBudget)
	if err != nil {
		d.logger.ErrorContext(ctx, "Recovery sweep failed", "error", err)

		return
	}

	if recovered > 0 {
		d.logger.WarnContext(ctx, "Recovery sweep recovered stale items", "count", recovered)
	}
}
