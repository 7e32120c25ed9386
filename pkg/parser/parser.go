// Package parser extracts normalized text and heading structure from
// uploaded documents (pdf, txt, md).
package parser

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/lectern-ai/lectern/pkg/domain"
)

// Heading is one discovered structural heading.
type Heading struct {
	Level  int
	Title  string
	Offset int // line offset into the normalized content
}

// Result is the parser output for one document.
type Result struct {
	Title     string
	Content   string
	Structure []Heading
	PageCount int
}

var headingPattern = regexp.MustCompile(`^(#+)\s+(.+)$`)

// Parse dispatches on the declared file type.
func Parse(data []byte, fileType domain.FileType) (*Result, error) {
	switch fileType {
	case domain.FileTypePDF:
		return parsePDF(data)
	case domain.FileTypeText, domain.FileTypeMarkdown:
		return parseText(data)
	default:
		return nil, fmt.Errorf("%w: unsupported file type %q", domain.ErrFileValidation, fileType)
	}
}

func parseText(data []byte) (*Result, error) {
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("%w: content is not valid UTF-8", domain.ErrParsing)
	}
	content := normalize(string(data))
	res := &Result{Content: content}
	res.Structure = extractHeadings(content)
	res.Title = extractTitle(content, res.Structure)
	return res, nil
}

func normalize(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return strings.TrimSpace(s)
}

// extractHeadings scans for markdown-style headings. Level is the hash
// count, offset the line index within content.
func extractHeadings(content string) []Heading {
	var headings []Heading
	for i, line := range strings.Split(content, "\n") {
		m := headingPattern.FindStringSubmatch(strings.TrimRight(line, " \t"))
		if m == nil {
			continue
		}
		headings = append(headings, Heading{
			Level:  len(m[1]),
			Title:  strings.TrimSpace(m[2]),
			Offset: i,
		})
	}
	return headings
}

// extractTitle implements the title rule: first #-heading, else the first
// non-empty line truncated to 100 characters, else "Untitled Document".
func extractTitle(content string, structure []Heading) string {
	for _, h := range structure {
		if h.Level == 1 {
			return h.Title
		}
	}
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if r := []rune(line); len(r) > 100 {
			return string(r[:100])
		}
		return line
	}
	return "Untitled Document"
}
