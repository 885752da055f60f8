package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/datachoreography/choreo/pkg/persistence"
	"github.com/datachoreography/choreo/pkg/persistence/file"
	"github.com/datachoreography/choreo/pkg/persistence/postgresql"
)

var ErrUnsupportedPersistence = errors.New("unsupported persistence provider")

// NewPersistence selects the store from the database URL scheme. file://
// URLs keep state under the given directory.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (persistence.Persistence, error) {
	provider, rest := parsePersistenceURL(databaseURL)

	switch provider {
	case "postgres", "postgresql":
		return postgresql.NewPersistence(ctx, logger, databaseURL)
	case "file":
		if rest == "" {
			return nil, fmt.Errorf("file persistence requires a path: %w", ErrUnsupportedPersistence)
		}

		return file.NewPersistence(rest), nil
	default:
		return nil, fmt.Errorf("%q: %w", provider, ErrUnsupportedPersistence)
	}
}

func parsePersistenceURL(databaseURL string) (string, string) {
	provider, rest, found := strings.Cut(databaseURL, "://")
	if !found {
		return "file", databaseURL
	}

	return provider, rest
}
