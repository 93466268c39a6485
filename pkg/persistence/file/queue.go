package file

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/postlane/postlane/pkg/models"
	"github.com/postlane/postlane/pkg/persistence"
)

const queueCollection = "queue_items"

// QueueRepository implements persistence.QueueRepository on the file system.
type QueueRepository struct {
	store *store
}

// Enqueue inserts one pending item.
func (r *QueueRepository) Enqueue(_ context.Context, item *models.QueueItem) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

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

	if err := r.store.write(queueCollection, item.ID, item); err != nil {
		return persistence.NewQueueError("Enqueue", item.ID, err)
	}

	return nil
}

// ClaimNextDue claims the oldest due pending item whose pair has no
// processing sibling. The store mutex makes the load-select-flip sequence a
// single atomic step.
func (r *QueueRepository) ClaimNextDue(_ context.Context, now time.Time) (*models.QueueItem, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	items, err := r.loadAll()
	if err != nil {
		return nil, persistence.NewQueueError("ClaimNextDue", "", err)
	}

	type pair struct{ automation, contact string }

	processing := make(map[pair]bool)

	for _, item := range items {
		if item.Status == models.QueueItemStatusProcessing {
			processing[pair{item.AutomationID, item.ContactID}] = true
		}
	}

	var candidates []*models.QueueItem

	for _, item := range items {
		if item.Status != models.QueueItemStatusPending || item.ExecuteAt.After(now) {
			continue
		}

		if processing[pair{item.AutomationID, item.ContactID}] {
			continue
		}

		candidates = append(candidates, item)
	}

	if len(candidates) == 0 {
		return nil, persistence.ErrNoItemDue
	}

	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].ExecuteAt.Equal(candidates[j].ExecuteAt) {
			return candidates[i].ExecuteAt.Before(candidates[j].ExecuteAt)
		}

		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	claimed := candidates[0]
	claimed.Status = models.QueueItemStatusProcessing
	claimed.UpdatedAt = time.Now().UTC()

	if err := r.store.write(queueCollection, claimed.ID, claimed); err != nil {
		return nil, persistence.NewQueueError("ClaimNextDue", claimed.ID, err)
	}

	return claimed, nil
}

// UpdateProgress persists a step boundary for a claimed item.
func (r *QueueRepository) UpdateProgress(_ context.Context, itemID string, progress models.QueueProgress) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	item := &models.QueueItem{}
	if err := r.store.read(queueCollection, itemID, item); err != nil {
		if os.IsNotExist(err) {
			return persistence.ErrQueueItemNotFound
		}

		return persistence.NewQueueError("UpdateProgress", itemID, err)
	}

	if item.Status.IsTerminal() {
		return persistence.NewQueueError("UpdateProgress", itemID, persistence.ErrItemTerminal)
	}

	if item.Status != models.QueueItemStatusProcessing {
		return persistence.NewQueueError("UpdateProgress", itemID,
			fmt.Errorf("item is %s, expected processing", item.Status))
	}

	if progress.CurrentStepIndex < item.CurrentStepIndex || progress.ExecuteAt.Before(item.ExecuteAt) {
		return persistence.NewQueueError("UpdateProgress", itemID, persistence.ErrProgressRegression)
	}

	item.Status = progress.Status
	item.ExecuteAt = progress.ExecuteAt.UTC()
	item.CurrentStepIndex = progress.CurrentStepIndex
	item.Attempts = progress.Attempts
	item.ErrorMessage = progress.ErrorMessage
	item.UpdatedAt = time.Now().UTC()

	if err := r.store.write(queueCollection, itemID, item); err != nil {
		return persistence.NewQueueError("UpdateProgress", itemID, err)
	}

	return nil
}

// RequeueStale recovers items stuck processing since before the cutoff,
// failing those whose attempts reach the retry budget.
func (r *QueueRepository) RequeueStale(_ context.Context, cutoff time.Time, maxAttempts int) (int, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	items, err := r.loadAll()
	if err != nil {
		return 0, persistence.NewQueueError("RequeueStale", "", err)
	}

	recovered := 0

	for _, item := range items {
		if item.Status != models.QueueItemStatusProcessing || !item.UpdatedAt.Before(cutoff) {
			continue
		}

		item.Attempts++
		item.UpdatedAt = time.Now().UTC()

		if item.Attempts >= maxAttempts {
			item.Status = models.QueueItemStatusFailed
			item.ErrorMessage = fmt.Sprintf("abandoned mid-step %d times, retry budget exhausted", item.Attempts)
		} else {
			item.Status = models.QueueItemStatusPending
		}

		if err := r.store.write(queueCollection, item.ID, item); err != nil {
			return recovered, persistence.NewQueueError("RequeueStale", item.ID, err)
		}

		recovered++
	}

	return recovered, nil
}

// RequeueFailed resets a failed item to pending for manual retry.
func (r *QueueRepository) RequeueFailed(_ context.Context, itemID string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	item := &models.QueueItem{}
	if err := r.store.read(queueCollection, itemID, item); err != nil {
		if os.IsNotExist(err) {
			return persistence.ErrQueueItemNotFound
		}

		return persistence.NewQueueError("RequeueFailed", itemID, err)
	}

	if item.Status != models.QueueItemStatusFailed {
		return persistence.NewQueueError("RequeueFailed", itemID, persistence.ErrItemNotFailed)
	}

	now := time.Now().UTC()
	item.Status = models.QueueItemStatusPending
	item.Attempts = 0
	item.ErrorMessage = ""
	item.ExecuteAt = now
	item.UpdatedAt = now

	if err := r.store.write(queueCollection, itemID, item); err != nil {
		return persistence.NewQueueError("RequeueFailed", itemID, err)
	}

	return nil
}

// ItemByID retrieves a queue item by its ID.
func (r *QueueRepository) ItemByID(_ context.Context, id string) (*models.QueueItem, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	item := &models.QueueItem{}
	if err := r.store.read(queueCollection, id, item); err != nil {
		if os.IsNotExist(err) {
			return nil, persistence.ErrQueueItemNotFound
		}

		return nil, persistence.NewQueueError("ItemByID", id, err)
	}

	return item, nil
}

// ListItems lists queue items for observability endpoints.
func (r *QueueRepository) ListItems(_ context.Context, opts persistence.ListQueueItemsOptions) ([]*models.QueueItem, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	if opts.Limit <= 0 || opts.Limit > 100 {
		opts.Limit = 50
	}

	items, err := r.loadAll()
	if err != nil {
		return nil, persistence.NewQueueError("ListItems", "", err)
	}

	filtered := make([]*models.QueueItem, 0, len(items))

	for _, item := range items {
		if opts.AutomationID != "" && item.AutomationID != opts.AutomationID {
			continue
		}

		if opts.ContactID != "" && item.ContactID != opts.ContactID {
			continue
		}

		if opts.Status != nil && item.Status != *opts.Status {
			continue
		}

		filtered = append(filtered, item)
	}

	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].CreatedAt.After(filtered[j].CreatedAt)
	})

	if opts.Offset >= len(filtered) {
		return []*models.QueueItem{}, nil
	}

	filtered = filtered[opts.Offset:]
	if len(filtered) > opts.Limit {
		filtered = filtered[:opts.Limit]
	}

	return filtered, nil
}

// loadAll reads every queue document. Callers hold the mutex.
func (r *QueueRepository) loadAll() ([]*models.QueueItem, error) {
	ids, err := r.store.ids(queueCollection)
	if err != nil {
		return nil, err
	}

	items := make([]*models.QueueItem, 0, len(ids))

	for _, id := range ids {
		item := &models.QueueItem{}
		if err := r.store.read(queueCollection, id, item); err != nil {
			return nil, err
		}

		items = append(items, item)
	}

	return items, nil
}
