// Package staticauth verifies API keys and session tokens against a fixed
// credential table, for deployments where identity lives in configuration
// rather than an external service.
package staticauth

import (
	"context"
	"errors"
	"strings"
)

var ErrUnknownCredential = errors.New("unknown credential")

// Verifier maps opaque credentials to owner IDs. It serves both the API-key
// and the session contract.
type Verifier struct {
	credentials map[string]string
}

// NewVerifier parses "credential:owner" pairs separated by commas, e.g.
// "pk_live_abc:acct_1,sk_test_def:acct_2".
func NewVerifier(pairs string) *Verifier {
	credentials := make(map[string]string)

	for _, pair := range strings.Split(pairs, ",") {
		credential, owner, found := strings.Cut(strings.TrimSpace(pair), ":")
		if !found || credential == "" || owner == "" {
			continue
		}

		credentials[credential] = owner
	}

	return &Verifier{credentials: credentials}
}

func (v *Verifier) VerifyAPIKey(_ context.Context, key string) (string, error) {
	return v.lookup(key)
}

func (v *Verifier) VerifySession(_ context.Context, token string) (string, error) {
	return v.lookup(token)
}

func (v *Verifier) lookup(credential string) (string, error) {
	owner, ok := v.credentials[credential]
	if !ok {
		return "", ErrUnknownCredential
	}

	return owner, nil
}
