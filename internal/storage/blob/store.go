// Package blob persists finished export artifacts. Two implementations are
// provided: a filesystem store and a SQLite store. Artifact paths are derived
// from the job id and the format's file extension.
package blob

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ChuLiYu/export-queue/pkg/types"
)

var log = slog.Default()

var (
	// ErrNotFound is returned when no artifact exists at a path.
	ErrNotFound = errors.New("blob: artifact not found")

	// ErrInvalidPath is returned for paths that do not belong to the store.
	ErrInvalidPath = errors.New("blob: invalid path")
)

// Store is the durable artifact store used by the save stage.
type Store interface {
	// Save writes data for a job and returns the artifact path.
	Save(ctx context.Context, jobID types.JobID, data []byte, format types.Format) (string, error)
	// Open reads an artifact back.
	Open(ctx context.Context, path string) ([]byte, error)
	// Delete releases an artifact. Deleting a missing artifact returns ErrNotFound.
	Delete(ctx context.Context, path string) error
	Close() error
}

// ArtifactName is the file name of a job's artifact, e.g. "<id>.epub".
func ArtifactName(jobID types.JobID, format types.Format) string {
	return fmt.Sprintf("%s.%s", jobID, format.Extension())
}

// New builds the configured store. driver is "fs" or "sqlite".
func New(driver, dir, dsn string) (Store, error) {
	switch driver {
	case "", "fs":
		return NewFSStore(dir)
	case "sqlite":
		return NewSQLiteStore(dsn)
	default:
		return nil, fmt.Errorf("blob: unknown driver %q", driver)
	}
}
