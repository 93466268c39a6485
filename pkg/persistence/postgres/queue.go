package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
	"github.com/postlane/postlane/pkg/models"
	"github.com/postlane/postlane/pkg/persistence"
)

const queueItemColumns = `id, automation_id, contact_id, status, execute_at,
	current_step_index, attempts, payload, error_message, created_at, updated_at`

// QueueRepository implements persistence.QueueRepository on PostgreSQL.
type QueueRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// Enqueue inserts one pending item.
func (r *QueueRepository) Enqueue(ctx context.Context, item *models.QueueItem) error {
	now := time.Now().UTC()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}

	item.UpdatedAt = now
	if item.Status == "" {
		item.Status = models.QueueItemStatusPending
	}

	if item.ExecuteAt.IsZero() {
		item.ExecuteAt = now
	}

	payloadJSON, err := marshalPayload(item.Payload)
	if err != nil {
		return persistence.NewQueueError("Enqueue", item.ID, err)
	}

	query := `
		INSERT INTO queue_items (` + queueItemColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err = r.db.ExecContext(ctx, query,
		item.ID,
		item.AutomationID,
		item.ContactID,
		item.Status,
		item.ExecuteAt,
		item.CurrentStepIndex,
		item.Attempts,
		payloadJSON,
		item.ErrorMessage,
		item.CreatedAt,
		item.UpdatedAt,
	)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to enqueue queue item", "item_id", item.ID, "error", err)

		return persistence.NewQueueError("Enqueue", item.ID, err)
	}

	r.logger.DebugContext(ctx, "Queue item enqueued",
		"item_id", item.ID, "automation_id", item.AutomationID, "contact_id", item.ContactID)

	return nil
}

// ClaimNextDue claims the oldest due pending item whose pair has no
// processing sibling. The candidate subquery takes a transaction-scoped
// advisory lock per (automation, contact) pair so two claimers racing on
// sibling items of the same pair cannot both pass the NOT EXISTS check; the
// partial unique index on processing rows backstops the invariant either way.
func (r *QueueRepository) ClaimNextDue(ctx context.Context, now time.Time) (*models.QueueItem, error) {
	query := `
		UPDATE queue_items SET
			status = 'processing',
			updated_at = NOW()
		WHERE id = (
			SELECT qi.id FROM queue_items qi
			WHERE qi.status = 'pending'
				AND qi.execute_at <= $1
				AND NOT EXISTS (
					SELECT 1 FROM queue_items sibling
					WHERE sibling.automation_id = qi.automation_id
						AND sibling.contact_id = qi.contact_id
						AND sibling.status = 'processing'
				)
				AND pg_try_advisory_xact_lock(hashtext(qi.automation_id || '/' || qi.contact_id))
			ORDER BY qi.execute_at ASC, qi.created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING ` + queueItemColumns

	row := r.db.QueryRowContext(ctx, query, now.UTC())

	item, err := scanQueueItem(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrNoItemDue
		}

		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			// Lost a race on the processing index; treat as nothing due.
			return nil, persistence.ErrNoItemDue
		}

		r.logger.ErrorContext(ctx, "Failed to claim queue item", "error", err)

		return nil, persistence.NewQueueError("ClaimNextDue", "", err)
	}

	r.logger.DebugContext(ctx, "Queue item claimed", "item_id", item.ID, "step_index", item.CurrentStepIndex)

	return item, nil
}

// UpdateProgress persists a step boundary for a claimed item. The WHERE
// clause encodes ownership (only processing rows move) and monotonicity (the
// cursor and execute_at never go backwards).
func (r *QueueRepository) UpdateProgress(ctx context.Context, itemID string, progress models.QueueProgress) error {
	query := `
		UPDATE queue_items SET
			status = $2,
			execute_at = $3,
			current_step_index = $4,
			attempts = $5,
			error_message = $6,
			updated_at = NOW()
		WHERE id = $1
			AND status = 'processing'
			AND execute_at <= $3
			AND current_step_index <= $4
	`

	result, err := r.db.ExecContext(ctx, query,
		itemID,
		progress.Status,
		progress.ExecuteAt.UTC(),
		progress.CurrentStepIndex,
		progress.Attempts,
		progress.ErrorMessage,
	)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to update queue item progress", "item_id", itemID, "error", err)

		return persistence.NewQueueError("UpdateProgress", itemID, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewQueueError("UpdateProgress", itemID, err)
	}

	if rowsAffected == 0 {
		return r.classifyUpdateMiss(ctx, itemID, progress)
	}

	return nil
}

// classifyUpdateMiss turns a zero-row update into a typed error.
func (r *QueueRepository) classifyUpdateMiss(ctx context.Context, itemID string, progress models.QueueProgress) error {
	item, err := r.ItemByID(ctx, itemID)
	if err != nil {
		return err
	}

	if item.Status.IsTerminal() {
		return persistence.NewQueueError("UpdateProgress", itemID, persistence.ErrItemTerminal)
	}

	if progress.CurrentStepIndex < item.CurrentStepIndex || progress.ExecuteAt.Before(item.ExecuteAt) {
		return persistence.NewQueueError("UpdateProgress", itemID, persistence.ErrProgressRegression)
	}

	return persistence.NewQueueError("UpdateProgress", itemID,
		fmt.Errorf("item is %s, expected processing", item.Status))
}

// RequeueStale recovers items stuck processing since before the cutoff,
// failing those whose attempts reach the retry budget.
func (r *QueueRepository) RequeueStale(ctx context.Context, cutoff time.Time, maxAttempts int) (int, error) {
	query := `
		UPDATE queue_items SET
			status = CASE WHEN attempts + 1 >= $2 THEN 'failed' ELSE 'pending' END,
			error_message = CASE WHEN attempts + 1 >= $2
				THEN 'abandoned mid-step ' || (attempts + 1) || ' times, retry budget exhausted'
				ELSE error_message END,
			attempts = attempts + 1,
			updated_at = NOW()
		WHERE status = 'processing' AND updated_at < $1
	`

	result, err := r.db.ExecContext(ctx, query, cutoff.UTC(), maxAttempts)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to requeue stale queue items", "error", err)

		return 0, persistence.NewQueueError("RequeueStale", "", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, persistence.NewQueueError("RequeueStale", "", err)
	}

	if rowsAffected > 0 {
		r.logger.WarnContext(ctx, "Requeued stale processing items", "count", rowsAffected)
	}

	return int(rowsAffected), nil
}

// RequeueFailed resets a failed item to pending for manual retry.
func (r *QueueRepository) RequeueFailed(ctx context.Context, itemID string) error {
	query := `
		UPDATE queue_items SET
			status = 'pending',
			attempts = 0,
			error_message = '',
			execute_at = NOW(),
			updated_at = NOW()
		WHERE id = $1 AND status = 'failed'
	`

	result, err := r.db.ExecContext(ctx, query, itemID)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to requeue failed queue item", "item_id", itemID, "error", err)

		return persistence.NewQueueError("RequeueFailed", itemID, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewQueueError("RequeueFailed", itemID, err)
	}

	if rowsAffected == 0 {
		if _, err := r.ItemByID(ctx, itemID); err != nil {
			return err
		}

		return persistence.NewQueueError("RequeueFailed", itemID, persistence.ErrItemNotFailed)
	}

	return nil
}

// ItemByID retrieves a queue item by its ID.
func (r *QueueRepository) ItemByID(ctx context.Context, id string) (*models.QueueItem, error) {
	query := `SELECT ` + queueItemColumns + ` FROM queue_items WHERE id = $1`

	item, err := scanQueueItem(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrQueueItemNotFound
		}

		r.logger.ErrorContext(ctx, "Failed to scan queue item", "item_id", id, "error", err)

		return nil, persistence.NewQueueError("ItemByID", id, err)
	}

	return item, nil
}

// ListItems lists queue items for observability endpoints.
func (r *QueueRepository) ListItems(ctx context.Context, opts persistence.ListQueueItemsOptions) ([]*models.QueueItem, error) {
	if opts.Limit <= 0 || opts.Limit > 100 {
		opts.Limit = 50
	}

	query := `SELECT ` + queueItemColumns + ` FROM queue_items WHERE 1=1`
	args := make([]any, 0, 5)

	if opts.AutomationID != "" {
		args = append(args, opts.AutomationID)
		query += fmt.Sprintf(" AND automation_id = $%d", len(args))
	}

	if opts.ContactID != "" {
		args = append(args, opts.ContactID)
		query += fmt.Sprintf(" AND contact_id = $%d", len(args))
	}

	if opts.Status != nil {
		args = append(args, *opts.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}

	args = append(args, opts.Limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	args = append(args, opts.Offset)
	query += fmt.Sprintf(" OFFSET $%d", len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to query queue items", "error", err)

		return nil, persistence.NewQueueError("ListItems", "", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			r.logger.ErrorContext(ctx, "Failed to close rows", "error", closeErr)
		}
	}()

	var items []*models.QueueItem

	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, persistence.NewQueueError("ListItems", "", err)
		}

		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, persistence.NewQueueError("ListItems", "", fmt.Errorf("error iterating queue item rows: %w", err))
	}

	return items, nil
}

// scanner abstracts sql.Row and sql.Rows for shared scanning.
type scanner interface {
	Scan(dest ...any) error
}

func scanQueueItem(row scanner) (*models.QueueItem, error) {
	var payloadJSON sql.NullString

	item := &models.QueueItem{}

	err := row.Scan(
		&item.ID,
		&item.AutomationID,
		&item.ContactID,
		&item.Status,
		&item.ExecuteAt,
		&item.CurrentStepIndex,
		&item.Attempts,
		&payloadJSON,
		&item.ErrorMessage,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if payloadJSON.Valid && payloadJSON.String != "" {
		if err := json.Unmarshal([]byte(payloadJSON.String), &item.Payload); err != nil {
			return nil, fmt.Errorf("failed to deserialize payload: %w", err)
		}
	}

	return item, nil
}

func marshalPayload(payload map[string]any) (sql.NullString, error) {
	if len(payload) == 0 {
		return sql.NullString{}, nil
	}

	jsonBytes, err := json.Marshal(payload)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to serialize payload: %w", err)
	}

	return sql.NullString{String: string(jsonBytes), Valid: true}, nil
}
