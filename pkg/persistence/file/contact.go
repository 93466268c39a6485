package file

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/postlane/postlane/pkg/models"
	"github.com/postlane/postlane/pkg/persistence"
)

const contactCollection = "contacts"

// ContactRepository implements persistence.ContactRepository on the file system.
type ContactRepository struct {
	store *store
}

// ContactByID retrieves a contact by its ID.
func (r *ContactRepository) ContactByID(_ context.Context, id string) (*models.Contact, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	return r.readContact(id)
}

// ContactByEmail retrieves a contact by owner and email address.
func (r *ContactRepository) ContactByEmail(_ context.Context, ownerID, email string) (*models.Contact, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	return r.findByEmail(ownerID, email)
}

// UpsertContact creates or merges a contact matched by (owner_id, email).
func (r *ContactRepository) UpsertContact(_ context.Context, contact *models.Contact) (*models.Contact, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	now := time.Now().UTC()

	existing, err := r.findByEmail(contact.OwnerID, contact.Email)
	if err != nil && !persistence.IsContactNotFound(err) {
		return nil, err
	}

	if existing == nil {
		if contact.ID == "" {
			contact.ID = uuid.New().String()
		}

		contact.CreatedAt = now
		contact.UpdatedAt = now

		if err := r.store.write(contactCollection, contact.ID, contact); err != nil {
			return nil, err
		}

		return contact, nil
	}

	if contact.FirstName != "" {
		existing.FirstName = contact.FirstName
	}

	if contact.LastName != "" {
		existing.LastName = contact.LastName
	}

	for _, tag := range contact.Tags {
		if !existing.HasTag(tag) {
			existing.Tags = append(existing.Tags, tag)
		}
	}

	if len(contact.CustomFields) > 0 {
		if existing.CustomFields == nil {
			existing.CustomFields = make(map[string]any, len(contact.CustomFields))
		}

		for key, value := range contact.CustomFields {
			existing.CustomFields[key] = value
		}
	}

	existing.UpdatedAt = now

	if err := r.store.write(contactCollection, existing.ID, existing); err != nil {
		return nil, err
	}

	return existing, nil
}

// AddTag adds a tag to the contact's tag set; adding an existing tag is a no-op.
func (r *ContactRepository) AddTag(_ context.Context, contactID, tag string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	contact, err := r.readContact(contactID)
	if err != nil {
		return err
	}

	if contact.HasTag(tag) {
		return nil
	}

	contact.Tags = append(contact.Tags, tag)
	contact.UpdatedAt = time.Now().UTC()

	return r.store.write(contactCollection, contactID, contact)
}

// readContact loads one contact. Callers hold the mutex.
func (r *ContactRepository) readContact(id string) (*models.Contact, error) {
	contact := &models.Contact{}
	if err := r.store.read(contactCollection, id, contact); err != nil {
		if os.IsNotExist(err) {
			return nil, persistence.ErrContactNotFound
		}

		return nil, err
	}

	return contact, nil
}

// findByEmail scans the collection for a matching contact. Callers hold the mutex.
func (r *ContactRepository) findByEmail(ownerID, email string) (*models.Contact, error) {
	ids, err := r.store.ids(contactCollection)
	if err != nil {
		return nil, err
	}

	for _, id := range ids {
		contact := &models.Contact{}
		if err := r.store.read(contactCollection, id, contact); err != nil {
			return nil, err
		}

		if contact.OwnerID == ownerID && contact.Email == email {
			return contact, nil
		}
	}

	return nil, persistence.ErrContactNotFound
}
