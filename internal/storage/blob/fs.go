package blob

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/ChuLiYu/export-queue/pkg/types"
)

// FSStore keeps artifacts as files under one directory.
type FSStore struct {
	dir string
}

// NewFSStore creates dir if needed.
func NewFSStore(dir string) (*FSStore, error) {
	if dir == "" {
		dir = "data/exports"
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("blob: create dir %s: %w", dir, err)
	}
	return &FSStore{dir: dir}, nil
}

// Dir is the artifact directory.
func (s *FSStore) Dir() string { return s.dir }

// Save writes to a temp file and renames it into place, so readers never see
// a partial artifact.
func (s *FSStore) Save(ctx context.Context, jobID types.JobID, data []byte, format types.Format) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	finalPath := filepath.Join(s.dir, ArtifactName(jobID, format))
	tmpPath := finalPath + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return "", fmt.Errorf("blob: create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("blob: write: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("blob: sync: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("blob: close: %w", err)
	}

	// last chance to abort before the artifact becomes visible
	if err := ctx.Err(); err != nil {
		os.Remove(tmpPath)
		return "", err
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("blob: rename: %w", err)
	}

	log.Debug("artifact saved", "job_id", jobID, "path", finalPath, "bytes", len(data))
	return finalPath, nil
}

// Open reads an artifact.
func (s *FSStore) Open(ctx context.Context, path string) ([]byte, error) {
	if err := s.owns(path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

// Delete removes an artifact.
func (s *FSStore) Delete(ctx context.Context, path string) error {
	if err := s.owns(path); err != nil {
		return err
	}
	err := os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	return err
}

func (s *FSStore) Close() error { return nil }

func (s *FSStore) owns(path string) error {
	rel, err := filepath.Rel(s.dir, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") || strings.ContainsRune(rel, filepath.Separator) {
		return fmt.Errorf("%w: %s", ErrInvalidPath, path)
	}
	return nil
}
