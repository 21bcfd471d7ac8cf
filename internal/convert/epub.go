package convert

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"html"
	"strings"
	"time"
)

const containerXML = `<?xml version="1.0" encoding="UTF-8"?>
<container version="1.0" xmlns="urn:oasis:names:tc:opendocument:xmlns:container">
  <rootfiles>
    <rootfile full-path="OEBPS/content.opf" media-type="application/oebps-package+xml"/>
  </rootfiles>
</container>
`

// EPUB packages the manuscript as an EPUB 3 container: an uncompressed
// mimetype entry first, then the container descriptor, the package document,
// a navigation document and one XHTML file per item.
func EPUB(ctx context.Context, in Input) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	mt, err := zw.CreateHeader(&zip.FileHeader{Name: "mimetype", Method: zip.Store})
	if err != nil {
		return nil, err
	}
	if _, err := mt.Write([]byte("application/epub+zip")); err != nil {
		return nil, err
	}

	files := []struct {
		name string
		body string
	}{
		{"META-INF/container.xml", containerXML},
	}

	title := bookTitle(in)
	var manifest, spine, nav strings.Builder
	for i, it := range in.Items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		id := fmt.Sprintf("ch%d", i+1)
		href := id + ".xhtml"
		chTitle := it.Title
		if chTitle == "" {
			chTitle = fmt.Sprintf("Chapter %d", i+1)
		}
		files = append(files, struct{ name, body string }{"OEBPS/" + href, chapterXHTML(chTitle, it.Body, langOr(in.Metadata.Language))})
		fmt.Fprintf(&manifest, "    <item id=\"%s\" href=\"%s\" media-type=\"application/xhtml+xml\"/>\n", id, href)
		fmt.Fprintf(&spine, "    <itemref idref=\"%s\"/>\n", id)
		fmt.Fprintf(&nav, "      <li><a href=\"%s\">%s</a></li>\n", href, html.EscapeString(chTitle))
	}

	files = append(files,
		struct{ name, body string }{"OEBPS/nav.xhtml", navXHTML(title, nav.String())},
		struct{ name, body string }{"OEBPS/content.opf", packageOPF(in, title, manifest.String(), spine.String())},
	)

	for _, f := range files {
		w, err := zw.Create(f.name)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write([]byte(f.body)); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func packageOPF(in Input, title, manifest, spine string) string {
	creator := ""
	if in.Metadata.Author != "" {
		creator = fmt.Sprintf("    <dc:creator>%s</dc:creator>\n", html.EscapeString(in.Metadata.Author))
	}
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<package xmlns="http://www.idpf.org/2007/opf" version="3.0" unique-identifier="book-id">
  <metadata xmlns:dc="http://purl.org/dc/elements/1.1/">
    <dc:identifier id="book-id">urn:uuid:%s</dc:identifier>
    <dc:title>%s</dc:title>
%s    <dc:language>%s</dc:language>
    <meta property="dcterms:modified">%s</meta>
  </metadata>
  <manifest>
    <item id="nav" href="nav.xhtml" media-type="application/xhtml+xml" properties="nav"/>
%s  </manifest>
  <spine>
%s  </spine>
</package>
`, html.EscapeString(string(in.JobID)), html.EscapeString(title), creator,
		html.EscapeString(langOr(in.Metadata.Language)),
		time.Now().UTC().Format("2006-01-02T15:04:05Z"),
		manifest, spine)
}

func navXHTML(title, items string) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<html xmlns="http://www.w3.org/1999/xhtml" xmlns:epub="http://www.idpf.org/2007/ops">
<head><title>%s</title></head>
<body>
  <nav epub:type="toc">
    <ol>
%s    </ol>
  </nav>
</body>
</html>
`, html.EscapeString(title), items)
}

func chapterXHTML(title, body, lang string) string {
	var b strings.Builder
	fmt.Fprintf(&b, `<?xml version="1.0" encoding="UTF-8"?>
<html xmlns="http://www.w3.org/1999/xhtml" xml:lang="%s">
<head><title>%s</title></head>
<body>
<h1>%s</h1>
`, html.EscapeString(lang), html.EscapeString(title), html.EscapeString(title))
	for _, p := range paragraphs(stripLeadingHeading(body)) {
		fmt.Fprintf(&b, "<p>%s</p>\n", html.EscapeString(p))
	}
	b.WriteString("</body>\n</html>\n")
	return b.String()
}
