package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/postlane/postlane/pkg/models"
	"github.com/postlane/postlane/pkg/persistence"
)

const contactColumns = `id, owner_id, email, first_name, last_name,
	tags, custom_fields, created_at, updated_at`

// ContactRepository implements persistence.ContactRepository on PostgreSQL.
type ContactRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// ContactByID retrieves a contact by its ID.
func (r *ContactRepository) ContactByID(ctx context.Context, id string) (*models.Contact, error) {
	query := `SELECT ` + contactColumns + ` FROM contacts WHERE id = $1`

	contact, err := scanContact(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrContactNotFound
		}

		r.logger.ErrorContext(ctx, "Failed to scan contact", "contact_id", id, "error", err)

		return nil, fmt.Errorf("failed to scan contact: %w", err)
	}

	return contact, nil
}

// ContactByEmail retrieves a contact by owner and email address.
func (r *ContactRepository) ContactByEmail(ctx context.Context, ownerID, email string) (*models.Contact, error) {
	query := `SELECT ` + contactColumns + ` FROM contacts WHERE owner_id = $1 AND email = $2`

	contact, err := scanContact(r.db.QueryRowContext(ctx, query, ownerID, email))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrContactNotFound
		}

		r.logger.ErrorContext(ctx, "Failed to scan contact", "owner_id", ownerID, "email", email, "error", err)

		return nil, fmt.Errorf("failed to scan contact: %w", err)
	}

	return contact, nil
}

// UpsertContact creates or merges a contact matched by (owner_id, email).
// Name fields only overwrite when the incoming value is non-empty; tag sets
// are unioned and custom fields merged key-wise.
func (r *ContactRepository) UpsertContact(ctx context.Context, contact *models.Contact) (*models.Contact, error) {
	// Callers create contacts without an ID; the conflict arbiter is
	// (owner_id, email), so a fresh ID per insert never collides on merge.
	if contact.ID == "" {
		contact.ID = uuid.New().String()
	}

	if contact.Tags == nil {
		contact.Tags = []string{}
	}

	tagsJSON, err := json.Marshal(contact.Tags)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize tags: %w", err)
	}

	customFields := contact.CustomFields
	if customFields == nil {
		customFields = map[string]any{}
	}

	fieldsJSON, err := json.Marshal(customFields)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize custom fields: %w", err)
	}

	now := time.Now().UTC()
	if contact.CreatedAt.IsZero() {
		contact.CreatedAt = now
	}

	query := `
		INSERT INTO contacts (` + contactColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (owner_id, email)
		DO UPDATE SET
			first_name = CASE WHEN EXCLUDED.first_name <> '' THEN EXCLUDED.first_name ELSE contacts.first_name END,
			last_name = CASE WHEN EXCLUDED.last_name <> '' THEN EXCLUDED.last_name ELSE contacts.last_name END,
			tags = (
				SELECT COALESCE(jsonb_agg(DISTINCT tag), '[]'::jsonb)
				FROM jsonb_array_elements(contacts.tags || EXCLUDED.tags) AS tag
			),
			custom_fields = contacts.custom_fields || EXCLUDED.custom_fields,
			updated_at = EXCLUDED.updated_at
		RETURNING ` + contactColumns

	row := r.db.QueryRowContext(ctx, query,
		contact.ID,
		contact.OwnerID,
		contact.Email,
		contact.FirstName,
		contact.LastName,
		string(tagsJSON),
		string(fieldsJSON),
		contact.CreatedAt,
		now,
	)

	stored, err := scanContact(row)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to upsert contact", "owner_id", contact.OwnerID, "email", contact.Email, "error", err)

		return nil, fmt.Errorf("failed to upsert contact: %w", err)
	}

	return stored, nil
}

// AddTag adds a tag to the contact's tag set; adding an existing tag is a no-op.
func (r *ContactRepository) AddTag(ctx context.Context, contactID, tag string) error {
	query := `
		UPDATE contacts SET
			tags = CASE WHEN tags ? $2 THEN tags ELSE tags || to_jsonb($2::text) END,
			updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query, contactID, tag)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to add tag", "contact_id", contactID, "tag", tag, "error", err)

		return fmt.Errorf("failed to add tag: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return persistence.ErrContactNotFound
	}

	return nil
}

func scanContact(row scanner) (*models.Contact, error) {
	var (
		tagsJSON   string
		fieldsJSON string
	)

	contact := &models.Contact{}

	err := row.Scan(
		&contact.ID,
		&contact.OwnerID,
		&contact.Email,
		&contact.FirstName,
		&contact.LastName,
		&tagsJSON,
		&fieldsJSON,
		&contact.CreatedAt,
		&contact.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(tagsJSON), &contact.Tags); err != nil {
		return nil, fmt.Errorf("failed to deserialize tags: %w", err)
	}

	if err := json.Unmarshal([]byte(fieldsJSON), &contact.CustomFields); err != nil {
		return nil, fmt.Errorf("failed to deserialize custom fields: %w", err)
	}

	return contact, nil
}
