package file

import (
	"context"
	"os"
	"sort"
	"time"

	"github.com/postlane/postlane/pkg/models"
	"github.com/postlane/postlane/pkg/persistence"
)

const automationCollection = "automations"

// AutomationRepository implements persistence.AutomationRepository on the file system.
type AutomationRepository struct {
	store *store
}

// AutomationByID retrieves an automation by its ID.
func (r *AutomationRepository) AutomationByID(_ context.Context, id string) (*models.Automation, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	automation := &models.Automation{}
	if err := r.store.read(automationCollection, id, automation); err != nil {
		if os.IsNotExist(err) {
			return nil, persistence.ErrAutomationNotFound
		}

		return nil, err
	}

	return automation, nil
}

// AutomationsByOwner lists all automations belonging to an owner.
func (r *AutomationRepository) AutomationsByOwner(ctx context.Context, ownerID string) ([]*models.Automation, error) {
	return r.list(ctx, func(a *models.Automation) bool {
		return a.OwnerID == ownerID
	})
}

// ActiveAutomationsByTrigger lists an owner's active automations for a trigger type.
func (r *AutomationRepository) ActiveAutomationsByTrigger(ctx context.Context, ownerID string, trigger models.TriggerType) ([]*models.Automation, error) {
	return r.list(ctx, func(a *models.Automation) bool {
		return a.OwnerID == ownerID && a.TriggerType == trigger && a.Status == models.AutomationStatusActive
	})
}

// SaveAutomation saves or updates an automation definition.
func (r *AutomationRepository) SaveAutomation(_ context.Context, automation *models.Automation) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	now := time.Now().UTC()
	if automation.CreatedAt.IsZero() {
		automation.CreatedAt = now
	}

	automation.UpdatedAt = now

	return r.store.write(automationCollection, automation.ID, automation)
}

func (r *AutomationRepository) list(_ context.Context, keep func(*models.Automation) bool) ([]*models.Automation, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	ids, err := r.store.ids(automationCollection)
	if err != nil {
		return nil, err
	}

	var automations []*models.Automation

	for _, id := range ids {
		automation := &models.Automation{}
		if err := r.store.read(automationCollection, id, automation); err != nil {
			return nil, err
		}

		if keep(automation) {
			automations = append(automations, automation)
		}
	}

	sort.Slice(automations, func(i, j int) bool {
		return automations[i].CreatedAt.Before(automations[j].CreatedAt)
	})

	return automations, nil
}
