package convert

import (
	"bytes"
	"context"
	"encoding/xml"
	"strings"
)

// Final Draft paragraph types.
const (
	fdxSceneHeading  = "Scene Heading"
	fdxAction        = "Action"
	fdxCharacter     = "Character"
	fdxParenthetical = "Parenthetical"
	fdxDialogue      = "Dialogue"
	fdxTransition    = "Transition"
)

type fdxDocument struct {
	XMLName      xml.Name      `xml:"FinalDraft"`
	DocumentType string        `xml:"DocumentType,attr"`
	Template     string        `xml:"Template,attr"`
	Version      string        `xml:"Version,attr"`
	Paragraphs   []fdxPara     `xml:"Content>Paragraph"`
	Title        *fdxTitlePage `xml:"TitlePage,omitempty"`
}

type fdxTitlePage struct {
	Paragraphs []fdxPara `xml:"Content>Paragraph"`
}

type fdxPara struct {
	Type string `xml:"Type,attr"`
	Text string `xml:"Text"`
}

// Screenplay renders Final Draft XML. Each body line is classified by the
// usual screenplay conventions: INT./EXT. lines are scene headings, short
// all-caps lines are character cues, parenthesised lines after a cue are
// parentheticals, lines following a cue are dialogue and "... TO:" lines are
// transitions.
func Screenplay(_ context.Context, in Input) ([]byte, error) {
	doc := fdxDocument{DocumentType: "Script", Template: "No", Version: "5"}
	if in.Metadata.Title != "" {
		tp := &fdxTitlePage{Paragraphs: []fdxPara{{Type: "Title", Text: in.Metadata.Title}}}
		if in.Metadata.Author != "" {
			tp.Paragraphs = append(tp.Paragraphs, fdxPara{Type: "Author", Text: "Written by " + in.Metadata.Author})
		}
		doc.Title = tp
	}
	for _, it := range in.Items {
		doc.Paragraphs = append(doc.Paragraphs, classifyScreenplay(stripLeadingHeading(it.Body))...)
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return nil, err
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

func classifyScreenplay(body string) []fdxPara {
	var out []fdxPara
	inDialogue := false
	for _, raw := range strings.Split(strings.ReplaceAll(body, "\r\n", "\n"), "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			inDialogue = false
			continue
		}
		upper := strings.ToUpper(line)
		switch {
		case strings.HasPrefix(upper, "INT.") || strings.HasPrefix(upper, "EXT.") || strings.HasPrefix(upper, "INT/EXT"):
			out = append(out, fdxPara{Type: fdxSceneHeading, Text: upper})
			inDialogue = false
		case line == upper && strings.HasSuffix(line, "TO:"):
			out = append(out, fdxPara{Type: fdxTransition, Text: line})
			inDialogue = false
		case inDialogue && strings.HasPrefix(line, "(") && strings.HasSuffix(line, ")"):
			out = append(out, fdxPara{Type: fdxParenthetical, Text: line})
		case inDialogue:
			out = append(out, fdxPara{Type: fdxDialogue, Text: line})
		case isCharacterCue(line):
			out = append(out, fdxPara{Type: fdxCharacter, Text: line})
			inDialogue = true
		default:
			out = append(out, fdxPara{Type: fdxAction, Text: line})
		}
	}
	return out
}

func isCharacterCue(line string) bool {
	if len(line) > 40 || line != strings.ToUpper(line) {
		return false
	}
	hasLetter := false
	for _, r := range line {
		if r >= 'A' && r <= 'Z' {
			hasLetter = true
			break
		}
	}
	return hasLetter && !strings.HasSuffix(line, ".")
}
