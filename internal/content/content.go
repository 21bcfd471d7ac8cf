// Package content provides the manuscript collaborators the export core
// consumes: a Resolver that loads content items by id and a Catalog that
// lists a project's content ids and describes the project.
package content

import (
	"context"
	"errors"
	"math"
	"strings"

	"github.com/ChuLiYu/export-queue/pkg/types"
)

// WordsPerPage is the page estimate used for manuscript metadata.
const WordsPerPage = 250

// ErrProjectNotFound is returned by a Catalog for an unknown project.
var ErrProjectNotFound = errors.New("content: project not found")

// Item is one content unit of a project, usually a chapter or a scene.
type Item struct {
	ID        string `json:"id" yaml:"id"`
	ProjectID string `json:"project_id" yaml:"-"`
	Title     string `json:"title" yaml:"title"`
	Body      string `json:"body" yaml:"body"`
	Order     int    `json:"order" yaml:"order"`
}

// Resolver loads content items. Ids that do not resolve are skipped; an empty
// result is not an error.
type Resolver interface {
	Load(ctx context.Context, projectID string, ids []string) ([]Item, error)
}

// Catalog answers project-level lookups used when creating batch jobs.
type Catalog interface {
	ContentIDs(ctx context.Context, projectID string) ([]string, error)
	Metadata(ctx context.Context, projectID string) (types.Metadata, error)
}

// Source is both a Resolver and a Catalog.
type Source interface {
	Resolver
	Catalog
}

// Summarize computes word, chapter and page counts for items.
func Summarize(items []Item) types.Metadata {
	words := 0
	for _, it := range items {
		words += CountWords(it.Body)
	}
	pages := 0
	if words > 0 {
		pages = int(math.Ceil(float64(words) / WordsPerPage))
	}
	return types.Metadata{
		WordCount:    words,
		ChapterCount: len(items),
		PageCount:    pages,
	}
}

// CountWords counts whitespace-separated words, ignoring markdown heading
// and emphasis markers that stand alone.
func CountWords(s string) int {
	n := 0
	for _, f := range strings.Fields(s) {
		if strings.Trim(f, "#*_>-") == "" {
			continue
		}
		n++
	}
	return n
}
