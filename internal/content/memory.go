package content

import (
	"context"
	"sort"
	"sync"

	"github.com/ChuLiYu/export-queue/pkg/types"
)

// MemoryStore is an in-process Source, used by the demo and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	items    map[string]Item           // item id → item
	projects map[string]types.Metadata // project id → descriptive metadata
	order    map[string][]string       // project id → item ids in insertion order
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items:    make(map[string]Item),
		projects: make(map[string]types.Metadata),
		order:    make(map[string][]string),
	}
}

// AddProject registers project metadata (title, author, language).
func (m *MemoryStore) AddProject(projectID string, meta types.Metadata) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.projects[projectID] = meta
	if _, ok := m.order[projectID]; !ok {
		m.order[projectID] = nil
	}
}

// Put adds or replaces items of a project. Unknown projects are created.
func (m *MemoryStore) Put(projectID string, items ...Item) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.projects[projectID]; !ok {
		m.projects[projectID] = types.Metadata{}
	}
	for _, it := range items {
		it.ProjectID = projectID
		if _, exists := m.items[it.ID]; !exists {
			m.order[projectID] = append(m.order[projectID], it.ID)
		}
		m.items[it.ID] = it
	}
}

// Load implements Resolver.
func (m *MemoryStore) Load(ctx context.Context, projectID string, ids []string) ([]Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Item, 0, len(ids))
	for _, id := range ids {
		it, ok := m.items[id]
		if !ok || (projectID != "" && it.ProjectID != projectID) {
			continue
		}
		out = append(out, it)
	}
	return out, nil
}

// ContentIDs implements Catalog. Ids come back in chapter order.
func (m *MemoryStore) ContentIDs(ctx context.Context, projectID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids, ok := m.order[projectID]
	if !ok {
		return nil, ErrProjectNotFound
	}
	out := append([]string(nil), ids...)
	sort.SliceStable(out, func(i, j int) bool {
		return m.items[out[i]].Order < m.items[out[j]].Order
	})
	return out, nil
}

// Metadata implements Catalog.
func (m *MemoryStore) Metadata(ctx context.Context, projectID string) (types.Metadata, error) {
	m.mu.RLock()
	meta, ok := m.projects[projectID]
	var items []Item
	for _, id := range m.order[projectID] {
		items = append(items, m.items[id])
	}
	m.mu.RUnlock()

	if !ok {
		return types.Metadata{}, ErrProjectNotFound
	}
	sum := Summarize(items)
	meta.WordCount = sum.WordCount
	meta.PageCount = sum.PageCount
	meta.ChapterCount = sum.ChapterCount
	return meta, nil
}
