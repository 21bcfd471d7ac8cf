package convert

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/ChuLiYu/export-queue/internal/content"
)

// PDFPlan emits a render plan for the external PDF renderer: page geometry,
// typography and an ordered list of blocks. With KDP set the plan follows
// print-interior rules (6x9 default trim, bleed, gutter sized by page count).
type PDFPlan struct {
	KDP bool
}

// RenderPlan is the JSON document the renderer consumes.
type RenderPlan struct {
	Kind        string      `json:"kind"`
	Title       string      `json:"title"`
	Author      string      `json:"author,omitempty"`
	TrimSize    string      `json:"trim_size"`
	Margins     Margins     `json:"margins"`
	BleedInches float64     `json:"bleed_inches"`
	FontFamily  string      `json:"font_family"`
	FontSize    float64     `json:"font_size"`
	LineSpacing float64     `json:"line_spacing"`
	PageCount   int         `json:"estimated_pages"`
	Quality     string      `json:"quality"`
	Blocks      []PlanBlock `json:"blocks"`
}

// Margins in inches. Gutter is the extra inside margin for bound books.
type Margins struct {
	Top     float64 `json:"top"`
	Bottom  float64 `json:"bottom"`
	Inside  float64 `json:"inside"`
	Outside float64 `json:"outside"`
	Gutter  float64 `json:"gutter"`
}

// PlanBlock is one renderable unit.
type PlanBlock struct {
	Kind            string `json:"kind"` // "title", "chapter-title" or "paragraph"
	Text            string `json:"text"`
	PageBreakBefore bool   `json:"page_break_before,omitempty"`
}

// Convert implements Converter.
func (p PDFPlan) Convert(ctx context.Context, in Input) ([]byte, error) {
	plan := RenderPlan{
		Kind:        "pdf",
		Title:       bookTitle(in),
		Author:      in.Metadata.Author,
		TrimSize:    "letter",
		FontFamily:  "Times New Roman",
		FontSize:    12,
		LineSpacing: 1.5,
		Quality:     string(in.Options.Quality),
	}
	if plan.Quality == "" {
		plan.Quality = "standard"
	}
	margin := 1.0

	pages := in.Metadata.PageCount
	if pages == 0 {
		pages = content.Summarize(in.Items).PageCount
	}
	plan.PageCount = pages

	if p.KDP {
		plan.Kind = "kdp-pdf"
		plan.TrimSize = "6x9"
		plan.FontFamily = "Garamond"
		plan.FontSize = 11
		plan.LineSpacing = 1.2
		plan.BleedInches = 0.125
		margin = 0.75
	}

	chapterBreak := p.KDP
	if t := in.Template; t != nil {
		if t.TrimSize != "" {
			plan.TrimSize = t.TrimSize
		}
		if t.FontFamily != "" {
			plan.FontFamily = t.FontFamily
		}
		if t.FontSize > 0 {
			plan.FontSize = t.FontSize
		}
		if t.LineSpacing > 0 {
			plan.LineSpacing = t.LineSpacing
		}
		if t.MarginInches > 0 {
			margin = t.MarginInches
		}
		chapterBreak = chapterBreak || t.ChapterBreak
	}

	margin = roundInches(margin)
	plan.Margins = Margins{Top: margin, Bottom: margin, Inside: margin, Outside: margin}
	if p.KDP {
		plan.Margins.Gutter = kdpGutter(pages)
	}

	plan.Blocks = append(plan.Blocks, PlanBlock{Kind: "title", Text: plan.Title})
	for i, it := range in.Items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		title := it.Title
		if title == "" {
			title = fmt.Sprintf("Chapter %d", i+1)
		}
		plan.Blocks = append(plan.Blocks, PlanBlock{Kind: "chapter-title", Text: title, PageBreakBefore: chapterBreak || i == 0})
		for _, para := range paragraphs(stripLeadingHeading(it.Body)) {
			plan.Blocks = append(plan.Blocks, PlanBlock{Kind: "paragraph", Text: para})
		}
	}

	return json.MarshalIndent(plan, "", "  ")
}

// kdpGutter returns the minimum inside gutter for a print interior.
func kdpGutter(pages int) float64 {
	switch {
	case pages <= 150:
		return 0.375
	case pages <= 300:
		return 0.5
	case pages <= 500:
		return 0.625
	case pages <= 700:
		return 0.75
	default:
		return 0.875
	}
}

// roundInches keeps plan geometry to 1/1000 inch.
func roundInches(v float64) float64 {
	return math.Round(v*1000) / 1000
}
