// Package postgres implements persistence on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/postlane/postlane/pkg/persistence"
	"github.com/postlane/postlane/pkg/persistence/sqlbase"

	_ "github.com/lib/pq"
)

// Persistence implements persistence.Persistence on a PostgreSQL database.
type Persistence struct {
	db     *sql.DB
	logger *slog.Logger

	automations *AutomationRepository
	contacts    *ContactRepository
	queue       *QueueRepository
}

// NewPersistence connects to PostgreSQL and runs migrations.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())

	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	persistenceLogger := logger.With("component", "postgres_persistence")
	persistenceLogger.InfoContext(ctx, "PostgreSQL persistence initialized successfully")

	return &Persistence{
		db:          database,
		logger:      persistenceLogger,
		automations: &AutomationRepository{db: database, logger: persistenceLogger},
		contacts:    &ContactRepository{db: database, logger: persistenceLogger},
		queue:       &QueueRepository{db: database, logger: persistenceLogger},
	}, nil
}

// AutomationRepository returns the automation repository.
func (p *Persistence) AutomationRepository() persistence.AutomationRepository {
	return p.automations
}

// ContactRepository returns the contact repository.
func (p *Persistence) ContactRepository() persistence.ContactRepository {
	return p.contacts
}

// QueueRepository returns the execution queue repository.
func (p *Persistence) QueueRepository() persistence.QueueRepository {
	return p.queue
}

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		p.logger.ErrorContext(ctx, "Database health check failed", "error", err)

		return fmt.Errorf("database health check failed: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (p *Persistence) Close(ctx context.Context) error {
	if p.db != nil {
		err := p.db.Close()
		if err != nil {
			p.logger.ErrorContext(ctx, "Failed to close database connection", "error", err)

			return fmt.Errorf("failed to close database connection: %w", err)
		}

		p.logger.InfoContext(ctx, "Database connection closed successfully")
	}

	return nil
}

// migrations returns the schema migration scripts.
func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE automations (
				id VARCHAR(255) PRIMARY KEY,
				owner_id VARCHAR(255) NOT NULL,
				name VARCHAR(255) NOT NULL,
				status VARCHAR(32) NOT NULL,
				trigger_type VARCHAR(32) NOT NULL,
				webhook_token VARCHAR(255),
				payload_schema JSONB,
				steps JSONB NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_automations_owner_id ON automations(owner_id);
			CREATE INDEX idx_automations_owner_trigger ON automations(owner_id, trigger_type, status);

			CREATE TABLE contacts (
				id VARCHAR(255) PRIMARY KEY,
				owner_id VARCHAR(255) NOT NULL,
				email VARCHAR(255) NOT NULL,
				first_name VARCHAR(255) NOT NULL DEFAULT '',
				last_name VARCHAR(255) NOT NULL DEFAULT '',
				tags JSONB NOT NULL DEFAULT '[]',
				custom_fields JSONB NOT NULL DEFAULT '{}',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE UNIQUE INDEX idx_contacts_owner_email ON contacts(owner_id, email);

			CREATE TABLE queue_items (
				id VARCHAR(255) PRIMARY KEY,
				automation_id VARCHAR(255) NOT NULL,
				contact_id VARCHAR(255) NOT NULL,
				status VARCHAR(32) NOT NULL,
				execute_at TIMESTAMP WITH TIME ZONE NOT NULL,
				current_step_index INTEGER NOT NULL DEFAULT 0,
				attempts INTEGER NOT NULL DEFAULT 0,
				payload JSONB,
				error_message TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_queue_items_due ON queue_items(status, execute_at, created_at);
			CREATE INDEX idx_queue_items_pair ON queue_items(automation_id, contact_id);

			-- Database-level guarantee of the per-pair mutual exclusion
			-- invariant: at most one processing item per pair.
			CREATE UNIQUE INDEX idx_queue_items_single_processing
				ON queue_items(automation_id, contact_id)
				WHERE status = 'processing';
		`,
	}
}
