package convert

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"io"
	"strings"
	"testing"

	"github.com/ChuLiYu/export-queue/internal/content"
	"github.com/ChuLiYu/export-queue/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleInput() Input {
	return Input{
		JobID: "job-1",
		Items: []content.Item{
			{ID: "c1", Title: "Arrival", Body: "# Arrival\n\nThe train was late.\n\nRain fell on the platform."},
			{ID: "c2", Title: "Departure", Body: "She left at dawn & never looked <back>."},
		},
		Metadata: types.Metadata{Title: "Small Hours", Author: "R. Vale", Language: "en"},
	}
}

func TestUnknownFormatFallsBackToPlainText(t *testing.T) {
	r := NewRegistry()
	in := sampleInput()

	assert.False(t, r.Supports("rtf"))
	out, err := r.Convert(context.Background(), "rtf", in)
	require.NoError(t, err)
	assert.Equal(t, in.Items[0].Body+"\n"+in.Items[1].Body, string(out))
}

func TestRegistryCustomConverterAndErrors(t *testing.T) {
	r := NewRegistry()
	r.Register("broken", ConverterFunc(func(context.Context, Input) ([]byte, error) {
		return nil, io.ErrUnexpectedEOF
	}))
	_, err := r.Convert(context.Background(), "broken", sampleInput())
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.Convert(ctx, types.FormatHTML, sampleInput())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMarkdown(t *testing.T) {
	out, err := Markdown(context.Background(), sampleInput())
	require.NoError(t, err)
	s := string(out)

	assert.True(t, strings.HasPrefix(s, "# Small Hours\n\n_R. Vale_\n\n## Arrival\n\nThe train was late."))
	assert.Equal(t, 1, strings.Count(s, "Arrival\n"), "leading heading is not repeated")
	assert.Contains(t, s, "## Departure")
}

func TestHTMLEscapesContent(t *testing.T) {
	in := sampleInput()
	in.Template = &types.Template{FontFamily: "Palatino; } body {", ChapterBreak: true}
	out, err := HTML(context.Background(), in)
	require.NoError(t, err)
	s := string(out)

	assert.Contains(t, s, "<title>Small Hours</title>")
	assert.Contains(t, s, "&amp; never looked &lt;back&gt;.")
	assert.Contains(t, s, `<section id="ch2">`)
	assert.Contains(t, s, "page-break-before:always")
	assert.NotContains(t, s, "} body {")
}

func TestEPUBContainer(t *testing.T) {
	out, err := EPUB(context.Background(), sampleInput())
	require.NoError(t, err)

	zr, err := zip.NewReader(bytes.NewReader(out), int64(len(out)))
	require.NoError(t, err)
	require.NotEmpty(t, zr.File)

	first := zr.File[0]
	assert.Equal(t, "mimetype", first.Name)
	assert.Equal(t, zip.Store, first.Method)

	names := map[string]*zip.File{}
	for _, f := range zr.File {
		names[f.Name] = f
	}
	for _, want := range []string{"META-INF/container.xml", "OEBPS/content.opf", "OEBPS/nav.xhtml", "OEBPS/ch1.xhtml", "OEBPS/ch2.xhtml"} {
		assert.Contains(t, names, want)
	}

	rc, err := names["OEBPS/ch2.xhtml"].Open()
	require.NoError(t, err)
	body, _ := io.ReadAll(rc)
	rc.Close()
	assert.Contains(t, string(body), "&amp; never looked &lt;back&gt;.")

	rc, err = names["OEBPS/content.opf"].Open()
	require.NoError(t, err)
	opf, _ := io.ReadAll(rc)
	rc.Close()
	assert.Contains(t, string(opf), "<dc:creator>R. Vale</dc:creator>")
	assert.Contains(t, string(opf), `<itemref idref="ch2"/>`)
}

func TestScreenplayClassification(t *testing.T) {
	in := Input{
		Metadata: types.Metadata{Title: "Night Shift"},
		Items: []content.Item{{ID: "s1", Body: strings.Join([]string{
			"INT. DINER - NIGHT",
			"",
			"Rain streaks the windows.",
			"",
			"MARA",
			"(quietly)",
			"We close at two.",
			"",
			"CUT TO:",
		}, "\n")}},
	}
	out, err := Screenplay(context.Background(), in)
	require.NoError(t, err)

	var doc fdxDocument
	require.NoError(t, xml.Unmarshal(out, &doc))
	var kinds []string
	for _, p := range doc.Paragraphs {
		kinds = append(kinds, p.Type)
	}
	assert.Equal(t, []string{fdxSceneHeading, fdxAction, fdxCharacter, fdxParenthetical, fdxDialogue, fdxTransition}, kinds)
	require.NotNil(t, doc.Title)
	assert.Equal(t, "Night Shift", doc.Title.Paragraphs[0].Text)
}

func TestPDFPlans(t *testing.T) {
	in := sampleInput()
	in.Metadata.PageCount = 320

	out, err := PDFPlan{}.Convert(context.Background(), in)
	require.NoError(t, err)
	var plan RenderPlan
	require.NoError(t, json.Unmarshal(out, &plan))
	assert.Equal(t, "pdf", plan.Kind)
	assert.Equal(t, "letter", plan.TrimSize)
	assert.Zero(t, plan.Margins.Gutter)
	assert.Equal(t, "title", plan.Blocks[0].Kind)
	assert.Equal(t, PlanBlock{Kind: "chapter-title", Text: "Arrival", PageBreakBefore: true}, plan.Blocks[1])
	assert.Equal(t, "The train was late.", plan.Blocks[2].Text)

	out, err = PDFPlan{KDP: true}.Convert(context.Background(), in)
	require.NoError(t, err)
	var kdp RenderPlan
	require.NoError(t, json.Unmarshal(out, &kdp))
	assert.Equal(t, "kdp-pdf", kdp.Kind)
	assert.Equal(t, "6x9", kdp.TrimSize)
	assert.Equal(t, 0.125, kdp.BleedInches)
	assert.Equal(t, 0.625, kdp.Margins.Gutter)
}

func TestPDFPlanTemplateOverrides(t *testing.T) {
	in := sampleInput()
	in.Template = &types.Template{TrimSize: "5x8", FontSize: 10, MarginInches: 0.6666}
	out, err := PDFPlan{}.Convert(context.Background(), in)
	require.NoError(t, err)

	var plan RenderPlan
	require.NoError(t, json.Unmarshal(out, &plan))
	assert.Equal(t, "5x8", plan.TrimSize)
	assert.Equal(t, 10.0, plan.FontSize)
	assert.Equal(t, 0.667, plan.Margins.Top)
}

func TestKDPGutter(t *testing.T) {
	assert.Equal(t, 0.375, kdpGutter(24))
	assert.Equal(t, 0.5, kdpGutter(300))
	assert.Equal(t, 0.75, kdpGutter(701-1))
	assert.Equal(t, 0.875, kdpGutter(900))
}
