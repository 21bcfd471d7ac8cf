package convert

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
)

var htmlTmpl = template.Must(template.New("book").Parse(`<!DOCTYPE html>
<html lang="{{.Lang}}">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>body{font-family:{{.Font}};font-size:{{.FontSize}}pt;line-height:{{.LineSpacing}};max-width:40em;margin:auto}{{if .ChapterBreak}} section{page-break-before:always}{{end}}</style>
</head>
<body>
<header><h1>{{.Title}}</h1>{{if .Author}}<p class="author">{{.Author}}</p>{{end}}</header>
{{range .Chapters}}<section id="{{.ID}}">
<h2>{{.Title}}</h2>
{{range .Paragraphs}}<p>{{.}}</p>
{{end}}</section>
{{end}}</body>
</html>
`))

type htmlChapter struct {
	ID         string
	Title      string
	Paragraphs []string
}

// HTML renders a standalone HTML document. Text is escaped by html/template.
func HTML(_ context.Context, in Input) ([]byte, error) {
	data := struct {
		Lang, Title, Author   string
		Font                  template.CSS
		FontSize, LineSpacing float64
		ChapterBreak          bool
		Chapters              []htmlChapter
	}{
		Lang:        langOr(in.Metadata.Language),
		Title:       bookTitle(in),
		Author:      in.Metadata.Author,
		Font:        "Georgia, serif",
		FontSize:    12,
		LineSpacing: 1.5,
	}
	if t := in.Template; t != nil {
		if t.FontFamily != "" {
			data.Font = template.CSS(cssFontFamily(t.FontFamily))
		}
		if t.FontSize > 0 {
			data.FontSize = t.FontSize
		}
		if t.LineSpacing > 0 {
			data.LineSpacing = t.LineSpacing
		}
		data.ChapterBreak = t.ChapterBreak
	}
	for i, it := range in.Items {
		title := it.Title
		if title == "" {
			title = fmt.Sprintf("Chapter %d", i+1)
		}
		data.Chapters = append(data.Chapters, htmlChapter{
			ID:         fmt.Sprintf("ch%d", i+1),
			Title:      title,
			Paragraphs: paragraphs(stripLeadingHeading(it.Body)),
		})
	}

	var buf bytes.Buffer
	if err := htmlTmpl.Execute(&buf, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func langOr(l string) string {
	if l == "" {
		return "en"
	}
	return l
}

// cssFontFamily keeps only characters valid in a font-family list.
func cssFontFamily(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == ' ', r == ',', r == '-', r == '\'':
			out = append(out, r)
		}
	}
	return string(out)
}
