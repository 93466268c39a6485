package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/postlane/postlane/pkg/adapters/logmailer"
	"github.com/postlane/postlane/pkg/adapters/staticauth"
	"github.com/postlane/postlane/pkg/cmd"
	"github.com/postlane/postlane/pkg/dispatcher"
	"github.com/postlane/postlane/pkg/executor"
	"github.com/postlane/postlane/pkg/intake"
	"github.com/postlane/postlane/pkg/log"
	"github.com/postlane/postlane/pkg/otelhelper"
	"github.com/postlane/postlane/pkg/sources/redisqueue"
	cli "github.com/urfave/cli/v3"
)

func main() {
	command := &cli.Command{
		Name:                  "postlane-worker",
		Usage:                 "Claim due queue items and execute automation steps",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "worker-id",
				Aliases: []string{"id"},
				Usage:   "Custom worker ID (auto-generated if not provided)",
				Value:   "",
				Sources: cli.EnvVars("WORKER_ID"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence (postgres:// or a file path)",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus provider (kafka, gochannel)",
				Value:   "gochannel",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.DurationFlag{
				Name:    "poll-interval",
				Usage:   "Delay between queue claim ticks",
				Value:   5 * time.Second,
				Sources: cli.EnvVars("POLL_INTERVAL"),
			},
			&cli.IntFlag{
				Name:    "batch-size",
				Usage:   "Maximum items claimed per tick",
				Value:   20,
				Sources: cli.EnvVars("BATCH_SIZE"),
			},
			&cli.IntFlag{
				Name:    "workers",
				Usage:   "Concurrent step executions per process",
				Value:   4,
				Sources: cli.EnvVars("WORKER_CONCURRENCY"),
			},
			&cli.DurationFlag{
				Name:    "stale-after",
				Usage:   "Age at which a processing item is considered abandoned",
				Value:   10 * time.Minute,
				Sources: cli.EnvVars("STALE_AFTER"),
			},
			&cli.StringFlag{
				Name:    "pause-policy",
				Usage:   "What happens to claimed items of paused automations (drain, suspend)",
				Value:   string(executor.PausePolicyDrain),
				Sources: cli.EnvVars("PAUSE_POLICY"),
			},
			&cli.StringFlag{
				Name:    "redis-addr",
				Usage:   "Redis address for the bulk ingestion source (disabled when empty)",
				Value:   "",
				Sources: cli.EnvVars("REDIS_ADDR"),
			},
			&cli.StringFlag{
				Name:    "redis-queue",
				Usage:   "Redis list holding bulk ingestion messages",
				Value:   "postlane:ingest",
				Sources: cli.EnvVars("REDIS_QUEUE"),
			},
			&cli.StringFlag{
				Name:    "credentials",
				Usage:   "Comma-separated credential:owner pairs, required by the Redis ingestion source",
				Value:   "",
				Sources: cli.EnvVars("POSTLANE_CREDENTIALS"),
			},
			&cli.BoolFlag{
				Name:    "tracing",
				Usage:   "Export OTLP traces for step execution",
				Value:   false,
				Sources: cli.EnvVars("TRACING_ENABLED"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			workerID := command.String("worker-id")
			if workerID == "" {
				workerID = "worker-" + uuid.New().String()[:8]
			}

			logger := log.WithModule("postlane-worker").With("worker_id", workerID)

			logger.InfoContext(ctx, "Initializing Postlane Worker")

			persistence, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
			if err != nil {
				return err
			}

			defer func() {
				if err := persistence.Close(ctx); err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			eventBus, err := cmd.NewEventBus(command.String("event-bus"), "postlane-worker", logger)
			if err != nil {
				return err
			}

			defer func() {
				if err := eventBus.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			mailer := logmailer.NewMailer(logger)
			registry := cmd.NewStepRegistry(logger, mailer, persistence.ContactRepository())

			pausePolicy := executor.PausePolicy(command.String("pause-policy"))
			if pausePolicy != executor.PausePolicyDrain && pausePolicy != executor.PausePolicySuspend {
				return fmt.Errorf("unknown pause policy: %s", pausePolicy)
			}

			executorConfig := executor.DefaultConfig()
			executorConfig.Pause = pausePolicy

			exec := executor.NewExecutor(persistence, registry, eventBus, logger, executorConfig)

			dispatcherConfig := dispatcher.DefaultConfig()
			dispatcherConfig.Interval = command.Duration("poll-interval")
			dispatcherConfig.BatchSize = command.Int("batch-size")
			dispatcherConfig.Workers = command.Int("workers")
			dispatcherConfig.StaleAfter = command.Duration("stale-after")
			dispatcherConfig.RetryBudget = executorConfig.Retry.MaxAttempts

			disp := dispatcher.NewDispatcher(persistence.QueueRepository(), exec, logger, dispatcherConfig)

			if command.Bool("tracing") {
				tracer, err := otelhelper.NewTracer(ctx, "postlane-worker")
				if err != nil {
					return err
				}

				disp.WithTracer(tracer)
			}

			var source *redisqueue.Source

			if addr := command.String("redis-addr"); addr != "" {
				verifier := staticauth.NewVerifier(command.String("credentials"))
				intakeService := intake.NewService(persistence, verifier, verifier, eventBus, logger)

				source, err = redisqueue.NewSource(redisqueue.Config{
					Addr:  addr,
					Queue: command.String("redis-queue"),
				}, intakeService, logger)
				if err != nil {
					return err
				}
			}

			worker := NewWorker(workerID, logger, disp, source)

			return worker.Start(ctx)
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		panic(err)
	}
}
