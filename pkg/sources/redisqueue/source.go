// Package redisqueue consumes contact-ingestion messages from a Redis list
// and feeds them through the trigger-intake service, fanning out to api_event
// automations. It is the bulk side channel next to the HTTP ingest endpoint:
// backfills and imports push here instead of hammering the API.
package redisqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/postlane/postlane/pkg/intake"
	redis "github.com/redis/go-redis/v9"
)

const popTimeout = 1 * time.Second

// Config selects the Redis connection and list.
type Config struct {
	Addr     string
	Password string
	DB       int
	Queue    string
}

// message is one list entry: an ingestion request plus the API key that
// authorizes it. Auth runs through the same verifier as the HTTP path.
type message struct {
	APIKey  string               `json:"api_key"`
	Contact intake.IngestRequest `json:"contact"`
}

type Source struct {
	config Config
	intake *intake.Service
	logger *slog.Logger

	client    *redis.Client
	stopCh    chan struct{}
	waitGroup sync.WaitGroup
}

func NewSource(config Config, intakeService *intake.Service, logger *slog.Logger) (*Source, error) {
	if config.Queue == "" {
		return nil, errors.New("redis queue name is required")
	}

	if config.Addr == "" {
		config.Addr = "localhost:6379"
	}

	return &Source{
		config: config,
		intake: intakeService,
		logger: logger.With("module", "redisqueue", "queue", config.Queue),
		stopCh: make(chan struct{}),
	}, nil
}

// Start connects and consumes until Stop or context cancellation.
func (s *Source) Start(ctx context.Context) error {
	s.client = redis.NewClient(&redis.Options{
		Addr:     s.config.Addr,
		Password: s.config.Password,
		DB:       s.config.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.client.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}

	s.logger.InfoContext(ctx, "Starting Redis ingestion source", "addr", s.config.Addr)

	s.waitGroup.Add(1)

	go s.consume(ctx)

	return nil
}

func (s *Source) consume(ctx context.Context) {
	defer s.waitGroup.Done()

	for {
		select {
		case <-s.stopCh:
			s.logger.InfoContext(ctx, "Redis ingestion source stopped")

			return
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "Context cancelled, stopping Redis ingestion source")

			return
		default:
			if err := s.processMessage(ctx); err != nil {
				s.logger.ErrorContext(ctx, "Error processing ingestion message", "error", err)
				time.Sleep(1 * time.Second)
			}
		}
	}
}

func (s *Source) processMessage(ctx context.Context) error {
	result, err := s.client.BLPop(ctx, popTimeout, s.config.Queue).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}

		return fmt.Errorf("failed to pop message from queue: %w", err)
	}

	if len(result) < 2 {
		return nil
	}

	var msg message
	if err := json.Unmarshal([]byte(result[1]), &msg); err != nil {
		// Malformed entries are logged and dropped; retrying can never
		// make them parse.
		s.logger.WarnContext(ctx, "Dropping malformed ingestion message", "error", err)

		return nil
	}

	ingestResult, err := s.intake.IngestEvent(ctx, msg.APIKey, msg.Contact)
	if err != nil {
		if errors.Is(err, intake.ErrInvalidAPIKey) || intake.IsValidationError(err) {
			s.logger.WarnContext(ctx, "Dropping rejected ingestion message", "error", err)

			return nil
		}

		return fmt.Errorf("failed to ingest contact: %w", err)
	}

	s.logger.InfoContext(ctx, "Ingested contact from queue",
		"contact_id", ingestResult.ContactID,
		"enqueued", len(ingestResult.ItemIDs))

	return nil
}

// Stop drains the consumer goroutine and closes the connection.
func (s *Source) Stop(ctx context.Context) error {
	close(s.stopCh)
	s.waitGroup.Wait()

	if s.client != nil {
		if err := s.client.Close(); err != nil {
			s.logger.ErrorContext(ctx, "Error closing Redis client", "error", err)
		}
	}

	return nil
}
