package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/postlane/postlane/pkg/models"
	"github.com/postlane/postlane/pkg/persistence"
)

const automationColumns = `id, owner_id, name, status, trigger_type,
	webhook_token, payload_schema, steps, created_at, updated_at`

// AutomationRepository implements persistence.AutomationRepository on PostgreSQL.
type AutomationRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// AutomationByID retrieves an automation by its ID.
func (r *AutomationRepository) AutomationByID(ctx context.Context, id string) (*models.Automation, error) {
	query := `SELECT ` + automationColumns + ` FROM automations WHERE id = $1`

	automation, err := scanAutomation(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrAutomationNotFound
		}

		r.logger.ErrorContext(ctx, "Failed to scan automation", "automation_id", id, "error", err)

		return nil, fmt.Errorf("failed to scan automation: %w", err)
	}

	return automation, nil
}

// AutomationsByOwner lists all automations belonging to an owner.
func (r *AutomationRepository) AutomationsByOwner(ctx context.Context, ownerID string) ([]*models.Automation, error) {
	query := `SELECT ` + automationColumns + ` FROM automations WHERE owner_id = $1 ORDER BY created_at ASC`

	return r.queryAutomations(ctx, query, ownerID)
}

// ActiveAutomationsByTrigger lists an owner's active automations for a trigger type.
func (r *AutomationRepository) ActiveAutomationsByTrigger(ctx context.Context, ownerID string, trigger models.TriggerType) ([]*models.Automation, error) {
	query := `
		SELECT ` + automationColumns + ` FROM automations
		WHERE owner_id = $1 AND trigger_type = $2 AND status = 'active'
		ORDER BY created_at ASC
	`

	return r.queryAutomations(ctx, query, ownerID, trigger)
}

// SaveAutomation saves or updates an automation definition.
func (r *AutomationRepository) SaveAutomation(ctx context.Context, automation *models.Automation) error {
	stepsJSON, err := json.Marshal(automation.Steps)
	if err != nil {
		return fmt.Errorf("failed to serialize steps: %w", err)
	}

	var schemaJSON sql.NullString

	if len(automation.PayloadSchema) > 0 {
		jsonBytes, err := json.Marshal(automation.PayloadSchema)
		if err != nil {
			return fmt.Errorf("failed to serialize payload schema: %w", err)
		}

		schemaJSON = sql.NullString{String: string(jsonBytes), Valid: true}
	}

	now := time.Now().UTC()
	if automation.CreatedAt.IsZero() {
		automation.CreatedAt = now
	}

	automation.UpdatedAt = now

	query := `
		INSERT INTO automations (` + automationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id)
		DO UPDATE SET
			name = EXCLUDED.name,
			status = EXCLUDED.status,
			trigger_type = EXCLUDED.trigger_type,
			webhook_token = EXCLUDED.webhook_token,
			payload_schema = EXCLUDED.payload_schema,
			steps = EXCLUDED.steps,
			updated_at = EXCLUDED.updated_at
	`

	_, err = r.db.ExecContext(ctx, query,
		automation.ID,
		automation.OwnerID,
		automation.Name,
		automation.Status,
		automation.TriggerType,
		sql.NullString{String: automation.WebhookToken, Valid: automation.WebhookToken != ""},
		schemaJSON,
		string(stepsJSON),
		automation.CreatedAt,
		automation.UpdatedAt,
	)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to save automation", "automation_id", automation.ID, "error", err)

		return fmt.Errorf("failed to save automation: %w", err)
	}

	return nil
}

func (r *AutomationRepository) queryAutomations(ctx context.Context, query string, args ...any) ([]*models.Automation, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to query automations", "error", err)

		return nil, fmt.Errorf("failed to query automations: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			r.logger.ErrorContext(ctx, "Failed to close rows", "error", closeErr)
		}
	}()

	var automations []*models.Automation

	for rows.Next() {
		automation, err := scanAutomation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan automation: %w", err)
		}

		automations = append(automations, automation)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating automation rows: %w", err)
	}

	return automations, nil
}

func scanAutomation(row scanner) (*models.Automation, error) {
	var (
		webhookToken sql.NullString
		schemaJSON   sql.NullString
		stepsJSON    string
	)

	automation := &models.Automation{}

	err := row.Scan(
		&automation.ID,
		&automation.OwnerID,
		&automation.Name,
		&automation.Status,
		&automation.TriggerType,
		&webhookToken,
		&schemaJSON,
		&stepsJSON,
		&automation.CreatedAt,
		&automation.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	automation.WebhookToken = webhookToken.String

	if schemaJSON.Valid && schemaJSON.String != "" {
		if err := json.Unmarshal([]byte(schemaJSON.String), &automation.PayloadSchema); err != nil {
			return nil, fmt.Errorf("failed to deserialize payload schema: %w", err)
		}
	}

	if err := json.Unmarshal([]byte(stepsJSON), &automation.Steps); err != nil {
		return nil, fmt.Errorf("failed to deserialize steps: %w", err)
	}

	return automation, nil
}
