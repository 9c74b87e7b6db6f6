// Package gemtext parses text/gemini documents into typed lines.
package gemtext

import (
	"regexp"
	"strings"
)

// MediaType is the MIME type of gemtext documents.
const MediaType = "text/gemini"

// LineType classifies a parsed line.
type LineType int

const (
	TextLine LineType = iota
	LinkLine
	HeadingLine
	ListItemLine
	QuoteLine
	PreformattedBlock
)

func (t LineType) String() string {
	switch t {
	case TextLine:
		return "text"
	case LinkLine:
		return "link"
	case HeadingLine:
		return "heading"
	case ListItemLine:
		return "list_item"
	case QuoteLine:
		return "quote"
	case PreformattedBlock:
		return "preformatted"
	default:
		return "unknown"
	}
}

// Line is one element of a document. A preformatted block spans all its
// source lines, joined by "\n".
type Line struct {
	Type LineType `json:"type" yaml:"type"`
	Text string   `json:"text" yaml:"text"`
	// URL is set for links. Text defaults to the URL when a link has no
	// label.
	URL string `json:"url,omitempty" yaml:"url,omitempty"`
	// Level is 1 to 3 for headings.
	Level int `json:"level,omitempty" yaml:"level,omitempty"`
	// Alt is the alt text after the opening fence of a preformatted block.
	Alt string `json:"alt,omitempty" yaml:"alt,omitempty"`
}

// Document is a parsed gemtext document.
type Document []Line

var wsRe = regexp.MustCompile(`\s+`)

// Parse splits text into lines and classifies each. An unterminated
// preformatted block is kept if it has content.
func Parse(text string) Document {
	var (
		doc   Document
		pre   bool
		alt   string
		block []string
	)

	for _, line := range splitLines(text) {
		if pre {
			if strings.HasPrefix(line, "```") {
				doc = append(doc, Line{Type: PreformattedBlock, Text: strings.Join(block, "\n"), Alt: alt})
				pre, alt, block = false, "", nil
				continue
			}
			block = append(block, line)
			continue
		}

		switch {
		case strings.HasPrefix(line, "```"):
			pre = true
			alt = strings.TrimSpace(strings.TrimPrefix(line, "```"))

		case strings.HasPrefix(line, "=>"):
			doc = append(doc, parseLink(line))

		case strings.HasPrefix(line, "###"):
			doc = append(doc, heading(3, line))
		case strings.HasPrefix(line, "##"):
			doc = append(doc, heading(2, line))
		case strings.HasPrefix(line, "#"):
			doc = append(doc, heading(1, line))

		case strings.HasPrefix(line, "* "):
			doc = append(doc, Line{Type: ListItemLine, Text: line[2:]})
		case strings.HasPrefix(line, "*") && len(line) > 1:
			doc = append(doc, Line{Type: ListItemLine, Text: strings.TrimLeft(line[1:], " \t")})

		case strings.HasPrefix(line, ">"):
			doc = append(doc, Line{Type: QuoteLine, Text: strings.TrimLeft(line[1:], " \t")})

		default:
			doc = append(doc, Line{Type: TextLine, Text: line})
		}
	}

	if pre && len(block) > 0 {
		doc = append(doc, Line{Type: PreformattedBlock, Text: strings.Join(block, "\n"), Alt: alt})
	}
	return doc
}

func parseLink(line string) Line {
	parts := wsRe.Split(strings.TrimSpace(line[2:]), 2)
	l := Line{Type: LinkLine, URL: parts[0], Text: parts[0]}
	if len(parts) == 2 {
		l.Text = parts[1]
	}
	return l
}

func heading(level int, line string) Line {
	return Line{Type: HeadingLine, Level: level, Text: strings.TrimLeft(line[level:], " \t")}
}

// splitLines splits on "\n", "\r\n" and lone "\r".
func splitLines(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	return strings.Split(text, "\n")
}

// Title returns the text of the first level 1 heading.
func (d Document) Title() (string, bool) {
	for _, l := range d {
		if l.Type == HeadingLine && l.Level == 1 {
			return l.Text, true
		}
	}
	return "", false
}

// Links returns the link lines in document order.
func (d Document) Links() []Line {
	var links []Line
	for _, l := range d {
		if l.Type == LinkLine {
			links = append(links, l)
		}
	}
	return links
}

// Parser adapts Parse to interfaces that take a parser value.
type Parser struct{}

// Parse implements the document parser interface.
func (Parser) Parse(text string) Document {
	return Parse(text)
}
