// Package persistence provides the data storage abstraction for automations,
// contacts, and the execution queue.
package persistence

import (
	"context"
	"time"

	"github.com/postlane/postlane/pkg/models"
)

// Persistence bundles the repositories a backend provides.
type Persistence interface {
	AutomationRepository() AutomationRepository
	ContactRepository() ContactRepository
	QueueRepository() QueueRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// AutomationRepository stores workflow definitions. The engine reads them;
// CRUD screens outside this repo write them.
type AutomationRepository interface {
	AutomationByID(ctx context.Context, id string) (*models.Automation, error)
	AutomationsByOwner(ctx context.Context, ownerID string) ([]*models.Automation, error)

	// ActiveAutomationsByTrigger lists an owner's active automations
	// configured with the given trigger type, for fan-out on ingestion.
	ActiveAutomationsByTrigger(ctx context.Context, ownerID string, trigger models.TriggerType) ([]*models.Automation, error)

	SaveAutomation(ctx context.Context, automation *models.Automation) error
}

// ContactRepository stores contact records.
type ContactRepository interface {
	ContactByID(ctx context.Context, id string) (*models.Contact, error)
	ContactByEmail(ctx context.Context, ownerID, email string) (*models.Contact, error)

	// UpsertContact creates the contact or merges the given fields into an
	// existing record matched by (owner_id, email), returning the stored row.
	UpsertContact(ctx context.Context, contact *models.Contact) (*models.Contact, error)

	// AddTag adds the tag to the contact's tag set. Adding an existing tag
	// is a no-op.
	AddTag(ctx context.Context, contactID, tag string) error
}

// ListQueueItemsOptions filters queue listings for observability endpoints.
type ListQueueItemsOptions struct {
	AutomationID string
	ContactID    string
	Status       *models.QueueItemStatus
	Limit        int
	Offset       int
}

// QueueRepository is the durable execution queue. It is the only shared
// mutable state between intake, dispatcher, and executor; every mutation goes
// through one of these operations and each is atomic.
type QueueRepository interface {
	// Enqueue inserts one pending item. Either the row lands with
	// status=pending or no row exists at all.
	Enqueue(ctx context.Context, item *models.QueueItem) error

	// ClaimNextDue atomically selects the oldest pending item with
	// execute_at <= now whose (automation_id, contact_id) pair has no
	// processing sibling, and flips it to processing. Returns
	// ErrNoItemDue when nothing is eligible. Concurrent callers never
	// receive the same item.
	ClaimNextDue(ctx context.Context, now time.Time) (*models.QueueItem, error)

	// UpdateProgress persists the executor's decision for a claimed item.
	// It refuses to touch terminal rows and to move execute_at or
	// current_step_index backwards.
	UpdateProgress(ctx context.Context, itemID string, progress models.QueueProgress) error

	// RequeueStale recovers items stuck processing since before the
	// cutoff, counting one attempt each: items still inside the retry
	// budget flip back to pending, items at the budget fail terminally.
	// Crash recovery for workers that died mid-step; the budget keeps an
	// item whose worker dies on every claim from cycling forever.
	RequeueStale(ctx context.Context, cutoff time.Time, maxAttempts int) (int, error)

	// RequeueFailed resets a failed item to pending at its current step,
	// for manual retry from the dashboard.
	RequeueFailed(ctx context.Context, itemID string) error

	ItemByID(ctx context.Context, id string) (*models.QueueItem, error)
	ListItems(ctx context.Context, opts ListQueueItemsOptions) ([]*models.QueueItem, error)
}
