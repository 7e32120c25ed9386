package parser

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/dslipak/pdf"

	"github.com/lectern-ai/lectern/pkg/domain"
)

// parsePDF reads every page and joins the extracted text with blank-line
// separators. PDF text carries no markdown structure, so the title falls
// back to the first-line rule.
func parsePDF(data []byte) (res *Result, err error) {
	defer func() {
		// The underlying reader panics on malformed xref tables.
		if r := recover(); r != nil {
			res = nil
			err = fmt.Errorf("%w: unreadable pdf: %v", domain.ErrParsing, r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: unreadable pdf: %v", domain.ErrParsing, err)
	}

	var pages []string
	total := reader.NumPage()
	for i := 1; i <= total; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("%w: extract page %d: %v", domain.ErrParsing, i, err)
		}
		if strings.TrimSpace(text) != "" {
			pages = append(pages, strings.TrimSpace(text))
		}
	}

	content := normalize(strings.Join(pages, "\n\n"))
	out := &Result{
		Content:   content,
		PageCount: total,
	}
	out.Structure = extractHeadings(content)
	out.Title = extractTitle(content, out.Structure)
	return out, nil
}
