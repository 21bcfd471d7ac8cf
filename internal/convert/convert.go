// Package convert turns loaded manuscript content into a format-specific
// output blob. Converters are looked up by format in a Registry; an unknown
// format falls back to plain text.
package convert

import (
	"context"
	"fmt"
	"strings"

	"github.com/ChuLiYu/export-queue/internal/content"
	"github.com/ChuLiYu/export-queue/pkg/types"
)

// Input is everything a converter may use.
type Input struct {
	JobID    types.JobID
	Items    []content.Item
	Template *types.Template
	Metadata types.Metadata
	Options  types.Options
}

// Converter produces one output format.
type Converter interface {
	Convert(ctx context.Context, in Input) ([]byte, error)
}

// ConverterFunc adapts a function to Converter.
type ConverterFunc func(ctx context.Context, in Input) ([]byte, error)

func (f ConverterFunc) Convert(ctx context.Context, in Input) ([]byte, error) { return f(ctx, in) }

// Registry maps formats to converters.
type Registry struct {
	converters map[types.Format]Converter
	fallback   Converter
}

// NewRegistry returns a registry with every built-in format registered.
func NewRegistry() *Registry {
	r := &Registry{
		converters: make(map[types.Format]Converter),
		fallback:   ConverterFunc(PlainText),
	}
	r.Register(types.FormatPDF, PDFPlan{})
	r.Register(types.FormatKDPPDF, PDFPlan{KDP: true})
	r.Register(types.FormatEPUB, ConverterFunc(EPUB))
	r.Register(types.FormatScreenplay, ConverterFunc(Screenplay))
	r.Register(types.FormatHTML, ConverterFunc(HTML))
	r.Register(types.FormatMarkdown, ConverterFunc(Markdown))
	r.Register(types.FormatText, ConverterFunc(PlainText))
	return r
}

// Register adds or replaces the converter for a format.
func (r *Registry) Register(f types.Format, c Converter) {
	r.converters[f] = c
}

// Supports reports whether a dedicated converter exists for f.
func (r *Registry) Supports(f types.Format) bool {
	_, ok := r.converters[f]
	return ok
}

// Convert runs the converter for format, or plain text if none is registered.
func (r *Registry) Convert(ctx context.Context, format types.Format, in Input) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c, ok := r.converters[format]
	if !ok {
		c = r.fallback
	}
	out, err := c.Convert(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("convert %s: %w", format, err)
	}
	return out, nil
}

// PlainText joins the bodies of all items with newlines.
func PlainText(_ context.Context, in Input) ([]byte, error) {
	bodies := make([]string, len(in.Items))
	for i, it := range in.Items {
		bodies[i] = it.Body
	}
	return []byte(strings.Join(bodies, "\n")), nil
}

// Markdown renders a title block and one "##" section per item.
func Markdown(_ context.Context, in Input) ([]byte, error) {
	var b strings.Builder
	if in.Metadata.Title != "" {
		fmt.Fprintf(&b, "# %s\n\n", in.Metadata.Title)
		if in.Metadata.Author != "" {
			fmt.Fprintf(&b, "_%s_\n\n", in.Metadata.Author)
		}
	}
	for i, it := range in.Items {
		if i > 0 && in.Template != nil && in.Template.ChapterBreak {
			b.WriteString("\n---\n\n")
		}
		title := it.Title
		if title == "" {
			title = fmt.Sprintf("Chapter %d", i+1)
		}
		fmt.Fprintf(&b, "## %s\n\n%s\n\n", title, strings.TrimSpace(stripLeadingHeading(it.Body)))
	}
	return []byte(strings.TrimRight(b.String(), "\n") + "\n"), nil
}

// stripLeadingHeading drops a leading "# " line so converters that render
// titles themselves do not repeat it.
func stripLeadingHeading(body string) string {
	trimmed := strings.TrimLeft(body, " \t\r\n")
	if !strings.HasPrefix(trimmed, "# ") {
		return body
	}
	if i := strings.IndexByte(trimmed, '\n'); i >= 0 {
		return trimmed[i+1:]
	}
	return ""
}

// paragraphs splits a body into non-empty paragraphs.
func paragraphs(body string) []string {
	var out []string
	for _, p := range strings.Split(strings.ReplaceAll(body, "\r\n", "\n"), "\n\n") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func bookTitle(in Input) string {
	if in.Metadata.Title != "" {
		return in.Metadata.Title
	}
	return "Untitled"
}
