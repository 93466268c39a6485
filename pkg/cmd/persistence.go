// Package cmd holds the shared construction helpers the binaries use to wire
// persistence, the event bus, and the step registry from configuration.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/postlane/postlane/pkg/persistence"
	"github.com/postlane/postlane/pkg/persistence/file"
	"github.com/postlane/postlane/pkg/persistence/postgres"
)

// NewPersistence selects the storage backend from the URL scheme:
// postgres:// (or postgresql://) for the SQL backend, anything else is
// treated as a file-backend root directory.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (persistence.Persistence, error) {
	switch parseProvider(databaseURL) {
	case "postgres", "postgresql":
		p, err := postgres.NewPersistence(ctx, logger, databaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize postgres persistence: %w", err)
		}

		return p, nil
	default:
		return file.NewPersistence(databaseURL), nil
	}
}

func parseProvider(databaseURL string) string {
	scheme, _, found := strings.Cut(databaseURL, "://")
	if !found {
		return "file"
	}

	return scheme
}
