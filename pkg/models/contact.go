package models

import (
	"slices"
	"time"
)

// Contact is the external contact record the engine reads for variable
// substitution and tag-mutates through the contact adapter. The engine never
// deletes contacts.
type Contact struct {
	ID           string         `json:"id"`
	OwnerID      string         `json:"owner_id" validate:"required"`
	Email        string         `json:"email"    validate:"required,email"`
	FirstName    string         `json:"first_name,omitempty"`
	LastName     string         `json:"last_name,omitempty"`
	Tags         []string       `json:"tags,omitempty"`
	CustomFields map[string]any `json:"custom_fields,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// HasTag reports whether the contact already carries the tag.
func (c *Contact) HasTag(tag string) bool {
	return slices.Contains(c.Tags, tag)
}
