package content

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ChuLiYu/export-queue/pkg/types"
	"gopkg.in/yaml.v3"
)

const projectFile = "project.yaml"

// DirStore reads projects from a directory tree:
//
//	<root>/<project-id>/project.yaml   title, author, language
//	<root>/<project-id>/*.md           one item per file, id = file name without extension
//
// Items are ordered by file name; the first "# " heading becomes the title.
type DirStore struct {
	root string
}

// projectManifest is the on-disk project.yaml.
type projectManifest struct {
	Title    string `yaml:"title"`
	Author   string `yaml:"author"`
	Language string `yaml:"language"`
}

// NewDirStore returns a store rooted at root. The directory must exist.
func NewDirStore(root string) (*DirStore, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("content: stat %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("content: %s is not a directory", root)
	}
	return &DirStore{root: root}, nil
}

// Load implements Resolver.
func (d *DirStore) Load(ctx context.Context, projectID string, ids []string) ([]Item, error) {
	all, err := d.readProject(ctx, projectID)
	if errors.Is(err, ErrProjectNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	byID := make(map[string]Item, len(all))
	for _, it := range all {
		byID[it.ID] = it
	}
	out := make([]Item, 0, len(ids))
	for _, id := range ids {
		if it, ok := byID[id]; ok {
			out = append(out, it)
		}
	}
	return out, nil
}

// ContentIDs implements Catalog.
func (d *DirStore) ContentIDs(ctx context.Context, projectID string) ([]string, error) {
	items, err := d.readProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	return ids, nil
}

// Metadata implements Catalog.
func (d *DirStore) Metadata(ctx context.Context, projectID string) (types.Metadata, error) {
	items, err := d.readProject(ctx, projectID)
	if err != nil {
		return types.Metadata{}, err
	}

	meta := Summarize(items)
	manifest, err := d.readManifest(projectID)
	if err != nil {
		return types.Metadata{}, err
	}
	meta.Title = manifest.Title
	meta.Author = manifest.Author
	meta.Language = manifest.Language
	if meta.Title == "" {
		meta.Title = projectID
	}
	return meta, nil
}

func (d *DirStore) projectDir(projectID string) (string, error) {
	if projectID == "" || strings.ContainsAny(projectID, `/\`) || projectID == "." || projectID == ".." {
		return "", fmt.Errorf("content: invalid project id %q", projectID)
	}
	return filepath.Join(d.root, projectID), nil
}

func (d *DirStore) readManifest(projectID string) (projectManifest, error) {
	var m projectManifest
	dir, err := d.projectDir(projectID)
	if err != nil {
		return m, err
	}
	data, err := os.ReadFile(filepath.Join(dir, projectFile))
	if errors.Is(err, fs.ErrNotExist) {
		return m, nil
	}
	if err != nil {
		return m, fmt.Errorf("content: read manifest: %w", err)
	}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("content: parse %s: %w", projectFile, err)
	}
	return m, nil
}

func (d *DirStore) readProject(ctx context.Context, projectID string) ([]Item, error) {
	dir, err := d.projectDir(projectID)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrProjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("content: read project dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".md" {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	items := make([]Item, 0, len(names))
	for i, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		body, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("content: read %s: %w", name, err)
		}
		id := strings.TrimSuffix(name, ".md")
		items = append(items, Item{
			ID:        id,
			ProjectID: projectID,
			Title:     headingOr(string(body), id),
			Body:      string(body),
			Order:     i,
		})
	}
	return items, nil
}

func headingOr(body, fallback string) string {
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "# ") {
			return strings.TrimSpace(strings.TrimPrefix(line, "# "))
		}
		if line != "" {
			break
		}
	}
	return fallback
}
