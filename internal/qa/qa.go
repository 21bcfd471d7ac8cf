// Package qa runs manuscript quality checks before conversion. Every check is
// independently toggled by the job's options; the structural check always
// runs. Findings are soft except critical ones, which the pipeline treats as
// fatal.
package qa

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/ChuLiYu/export-queue/internal/content"
	"github.com/ChuLiYu/export-queue/pkg/types"
)

// Issue types.
const (
	TypeStructure     = "structure"
	TypeSpelling      = "spelling"
	TypeGrammar       = "grammar"
	TypeFormat        = "format"
	TypeLink          = "link"
	TypeImage         = "image"
	TypeAccessibility = "accessibility"
	TypePlagiarism    = "plagiarism"
)

// Score penalty per issue severity.
var severityPenalty = map[types.Severity]int{
	types.SeverityLow:      1,
	types.SeverityMedium:   3,
	types.SeverityHigh:     8,
	types.SeverityCritical: 25,
}

// Check inspects items and returns its findings.
type Check func(items []content.Item) []types.ValidationIssue

// Runner evaluates the enabled checks.
type Runner struct {
	// MaxSentenceWords is the grammar check's long-sentence threshold.
	MaxSentenceWords int
	// MinDuplicateWords is the shortest paragraph the plagiarism check compares.
	MinDuplicateWords int
}

// NewRunner returns a runner with default thresholds.
func NewRunner() *Runner {
	return &Runner{MaxSentenceWords: 60, MinDuplicateWords: 20}
}

// Run executes the structural check plus every check enabled in checks and
// aggregates the findings.
func (r *Runner) Run(ctx context.Context, items []content.Item, checks types.Checks) (*types.ValidationResults, error) {
	enabled := []struct {
		on    bool
		check Check
	}{
		{true, structureCheck},
		{checks.Spell, spellCheck},
		{checks.Grammar, r.grammarCheck},
		{checks.Format, formatCheck},
		{checks.Links, linkCheck},
		{checks.Images, imageCheck},
		{checks.Accessibility, accessibilityCheck},
		{checks.Plagiarism, r.plagiarismCheck},
	}

	var issues []types.ValidationIssue
	for _, c := range enabled {
		if !c.on {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		issues = append(issues, c.check(items)...)
	}
	return Aggregate(issues), nil
}

// Aggregate computes validity, score and message lists from issues.
func Aggregate(issues []types.ValidationIssue) *types.ValidationResults {
	res := &types.ValidationResults{
		IsValid:      true,
		QualityScore: 100,
		Issues:       issues,
		Warnings:     []string{},
		Errors:       []string{},
		Suggestions:  []string{},
	}
	if res.Issues == nil {
		res.Issues = []types.ValidationIssue{}
	}

	seen := make(map[string]bool)
	for _, is := range issues {
		res.QualityScore -= severityPenalty[is.Severity]
		switch is.Severity {
		case types.SeverityCritical:
			res.IsValid = false
			res.Errors = append(res.Errors, is.Message)
		case types.SeverityHigh:
			res.Errors = append(res.Errors, is.Message)
		default:
			res.Warnings = append(res.Warnings, is.Message)
		}
		if is.Suggestion != "" && !seen[is.Suggestion] {
			seen[is.Suggestion] = true
			res.Suggestions = append(res.Suggestions, is.Suggestion)
		}
	}
	if res.QualityScore < 0 {
		res.QualityScore = 0
	}
	return res
}

func structureCheck(items []content.Item) []types.ValidationIssue {
	if len(items) == 0 {
		return []types.ValidationIssue{{
			Type:       TypeStructure,
			Severity:   types.SeverityCritical,
			Message:    "No content found for export",
			Suggestion: "Add at least one chapter or scene to the project",
		}}
	}
	var out []types.ValidationIssue
	for _, it := range items {
		if strings.TrimSpace(it.Body) == "" {
			out = append(out, types.ValidationIssue{
				Type:       TypeStructure,
				Severity:   types.SeverityMedium,
				Message:    "Section has no text",
				Location:   it.ID,
				Suggestion: "Remove empty sections or add content",
			})
		}
	}
	return out
}

var misspellings = map[string]string{
	"teh":        "the",
	"recieve":    "receive",
	"seperate":   "separate",
	"occured":    "occurred",
	"definately": "definitely",
	"untill":     "until",
	"wich":       "which",
	"accomodate": "accommodate",
	"beleive":    "believe",
	"goverment":  "government",
}

func spellCheck(items []content.Item) []types.ValidationIssue {
	var out []types.ValidationIssue
	for _, it := range items {
		words := strings.Fields(it.Body)
		prev := ""
		for i, raw := range words {
			w := strings.ToLower(strings.Trim(raw, `.,;:!?"'()[]`))
			if fix, ok := misspellings[w]; ok {
				out = append(out, types.ValidationIssue{
					Type:        TypeSpelling,
					Severity:    types.SeverityLow,
					Message:     fmt.Sprintf("Possible misspelling %q", w),
					Location:    fmt.Sprintf("%s:word %d", it.ID, i+1),
					Suggestion:  fmt.Sprintf("Replace %q with %q", w, fix),
					AutoFixable: true,
				})
			}
			if w != "" && w == prev {
				out = append(out, types.ValidationIssue{
					Type:        TypeSpelling,
					Severity:    types.SeverityLow,
					Message:     fmt.Sprintf("Repeated word %q", w),
					Location:    fmt.Sprintf("%s:word %d", it.ID, i+1),
					Suggestion:  "Remove the repeated word",
					AutoFixable: true,
				})
			}
			prev = w
		}
	}
	return out
}

var sentenceEnd = regexp.MustCompile(`[.!?]+(\s|$)`)

func (r *Runner) grammarCheck(items []content.Item) []types.ValidationIssue {
	var out []types.ValidationIssue
	for _, it := range items {
		if strings.Contains(it.Body, "  ") {
			out = append(out, types.ValidationIssue{
				Type:        TypeGrammar,
				Severity:    types.SeverityLow,
				Message:     "Double spaces between words",
				Location:    it.ID,
				Suggestion:  "Collapse repeated spaces",
				AutoFixable: true,
			})
		}
		for n, sentence := range sentenceEnd.Split(it.Body, -1) {
			if words := len(strings.Fields(sentence)); words > r.MaxSentenceWords {
				out = append(out, types.ValidationIssue{
					Type:       TypeGrammar,
					Severity:   types.SeverityMedium,
					Message:    fmt.Sprintf("Sentence has %d words", words),
					Location:   fmt.Sprintf("%s:sentence %d", it.ID, n+1),
					Suggestion: "Split long sentences for readability",
				})
			}
		}
	}
	return out
}

func formatCheck(items []content.Item) []types.ValidationIssue {
	var out []types.ValidationIssue
	for _, it := range items {
		if strings.TrimSpace(it.Title) == "" {
			out = append(out, types.ValidationIssue{
				Type:       TypeFormat,
				Severity:   types.SeverityLow,
				Message:    "Section has no title",
				Location:   it.ID,
				Suggestion: "Give every chapter a title for the table of contents",
			})
		}
		if strings.Contains(it.Body, "\n\n\n\n") {
			out = append(out, types.ValidationIssue{
				Type:        TypeFormat,
				Severity:    types.SeverityLow,
				Message:     "Excessive blank lines",
				Location:    it.ID,
				Suggestion:  "Use scene breaks instead of blank lines",
				AutoFixable: true,
			})
		}
	}
	return out
}

var (
	linkPattern  = regexp.MustCompile(`(^|[^!])\[([^\]]*)\]\(([^)]*)\)`)
	imagePattern = regexp.MustCompile(`!\[([^\]]*)\]\(([^)]*)\)`)
)

func linkCheck(items []content.Item) []types.ValidationIssue {
	var out []types.ValidationIssue
	for _, it := range items {
		for _, m := range linkPattern.FindAllStringSubmatch(it.Body, -1) {
			target := strings.TrimSpace(m[3])
			if validLinkTarget(target) {
				continue
			}
			out = append(out, types.ValidationIssue{
				Type:       TypeLink,
				Severity:   types.SeverityHigh,
				Message:    fmt.Sprintf("Broken link %q", m[2]),
				Location:   it.ID,
				Suggestion: "Use an absolute http(s) URL or an in-book #anchor",
			})
		}
	}
	return out
}

func validLinkTarget(t string) bool {
	switch {
	case t == "":
		return false
	case strings.HasPrefix(t, "https://"), strings.HasPrefix(t, "http://"):
		return len(t) > len("https://") && !strings.ContainsAny(t, " \t")
	case strings.HasPrefix(t, "mailto:"), strings.HasPrefix(t, "#"):
		return len(t) > 1
	}
	return false
}

var (
	webImageExt   = []string{".png", ".jpg", ".jpeg", ".gif", ".webp", ".svg"}
	heavyImageExt = []string{".bmp", ".tif", ".tiff", ".psd"}
)

func imageCheck(items []content.Item) []types.ValidationIssue {
	var out []types.ValidationIssue
	for _, it := range items {
		for _, m := range imagePattern.FindAllStringSubmatch(it.Body, -1) {
			src := strings.ToLower(strings.TrimSpace(m[2]))
			switch {
			case src == "":
				out = append(out, types.ValidationIssue{
					Type:     TypeImage,
					Severity: types.SeverityHigh,
					Message:  "Image without source",
					Location: it.ID,
				})
			case hasAnySuffix(src, heavyImageExt):
				out = append(out, types.ValidationIssue{
					Type:        TypeImage,
					Severity:    types.SeverityMedium,
					Message:     fmt.Sprintf("Unoptimized image %q", m[2]),
					Location:    it.ID,
					Suggestion:  "Convert images to PNG or JPEG",
					AutoFixable: true,
				})
			case !hasAnySuffix(src, webImageExt):
				out = append(out, types.ValidationIssue{
					Type:     TypeImage,
					Severity: types.SeverityLow,
					Message:  fmt.Sprintf("Unrecognized image type %q", m[2]),
					Location: it.ID,
				})
			}
		}
	}
	return out
}

func accessibilityCheck(items []content.Item) []types.ValidationIssue {
	var out []types.ValidationIssue
	for _, it := range items {
		for _, m := range imagePattern.FindAllStringSubmatch(it.Body, -1) {
			if strings.TrimSpace(m[1]) != "" {
				continue
			}
			out = append(out, types.ValidationIssue{
				Type:       TypeAccessibility,
				Severity:   types.SeverityHigh,
				Message:    fmt.Sprintf("Image %q has no alt text", m[2]),
				Location:   it.ID,
				Suggestion: "Describe every image with alt text",
			})
		}
	}
	return out
}

// plagiarismCheck flags long paragraphs that appear more than once in the
// manuscript. Matching against external corpora is left to a dedicated
// service.
func (r *Runner) plagiarismCheck(items []content.Item) []types.ValidationIssue {
	firstSeen := make(map[string]string)
	var out []types.ValidationIssue
	for _, it := range items {
		for _, para := range strings.Split(it.Body, "\n\n") {
			words := strings.Fields(strings.ToLower(para))
			if len(words) < r.MinDuplicateWords {
				continue
			}
			key := strings.Join(words, " ")
			if where, ok := firstSeen[key]; ok {
				out = append(out, types.ValidationIssue{
					Type:       TypePlagiarism,
					Severity:   types.SeverityHigh,
					Message:    fmt.Sprintf("Paragraph duplicates text from %s", where),
					Location:   it.ID,
					Suggestion: "Rewrite or remove duplicated passages",
				})
				continue
			}
			firstSeen[key] = it.ID
		}
	}
	return out
}

func hasAnySuffix(s string, suffixes []string) bool {
	for _, suf := range suffixes {
		if strings.HasSuffix(s, suf) {
			return true
		}
	}
	return false
}
