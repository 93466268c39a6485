// Package protocol defines the contracts between the engine and external
// capabilities. The engine invokes these adapters; it never implements the
// underlying transport or storage.
package protocol

import "context"

// SendEmailRequest carries everything the email transport needs for one send.
type SendEmailRequest struct {
	To         string
	TemplateID string
	SenderID   string

	// Variables are the rendered substitution values for the template.
	Variables map[string]string

	// IdempotencyKey is deterministic per (queue item, step index) so a
	// transport that deduplicates can suppress double-sends after a
	// mid-step crash. Transports without deduplication deliver
	// at-least-once.
	IdempotencyKey string
}

// Mailer is the outbound email transport capability.
type Mailer interface {
	Send(ctx context.Context, req SendEmailRequest) error
}

// ContactMutator is the contact-mutation capability. AddTag must be
// idempotent: adding an already-present tag is a no-op.
type ContactMutator interface {
	AddTag(ctx context.Context, contactID, tag string) error
}

// APIKeyVerifier resolves a possessed API key to the owning account.
// Ownership of key material lives outside the engine.
type APIKeyVerifier interface {
	VerifyAPIKey(ctx context.Context, key string) (ownerID string, err error)
}

// SessionVerifier resolves a session token to the authenticated account, for
// the manual trigger path.
type SessionVerifier interface {
	VerifySession(ctx context.Context, token string) (ownerID string, err error)
}
