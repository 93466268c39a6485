package staticauth_test

import (
	"context"
	"testing"

	"github.com/postlane/postlane/pkg/adapters/staticauth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifierResolvesCredentials(t *testing.T) {
	verifier := staticauth.NewVerifier("pk_live_1:owner-1, sess_9:owner-2,broken,also-broken:")

	owner, err := verifier.VerifyAPIKey(context.Background(), "pk_live_1")
	require.NoError(t, err)
	assert.Equal(t, "owner-1", owner)

	owner, err = verifier.VerifySession(context.Background(), "sess_9")
	require.NoError(t, err)
	assert.Equal(t, "owner-2", owner)

	_, err = verifier.VerifyAPIKey(context.Background(), "unknown")
	assert.ErrorIs(t, err, staticauth.ErrUnknownCredential)

	// Malformed pairs are ignored, not treated as credentials.
	_, err = verifier.VerifyAPIKey(context.Background(), "broken")
	assert.Error(t, err)
}
