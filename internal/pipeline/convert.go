package pipeline

import (
	"context"
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

// TextConverter handles plain-text and Markdown attachments. Binary formats
// (PDF, DOCX) belong to an external conversion engine behind the same
// Converter interface; this implementation covers the text formats a
// reference library commonly carries alongside them.
type TextConverter struct{}

// NewTextConverter creates the default text converter
func NewTextConverter() *TextConverter {
	return &TextConverter{}
}

// docNamespace salts content-derived doc ids so they cannot collide with
// ids minted by other systems sharing the vector store.
var docNamespace = uuid.MustParse("9a1b7c42-5e83-4f0a-b6d1-3c28e4a90f57")

// Convert reads the file, validates that it is text, and extracts Markdown
// headings when present. The doc id is derived from the content, so
// re-converting an unchanged file yields the same id and downstream chunk
// ids; re-storing them overwrites instead of duplicating.
func (c *TextConverter) Convert(ctx context.Context, path string) (*ConversionResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConversionFailed, err)
	}
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("%w: %s is not valid UTF-8 text", ErrConversionFailed, path)
	}

	text := string(data)
	return &ConversionResult{
		DocID:     uuid.NewSHA1(docNamespace, data).String(),
		Text:      text,
		PageCount: 1,
		Headings:  extractHeadings(text),
	}, nil
}

// extractHeadings scans for Markdown ATX headings
func extractHeadings(text string) []Heading {
	var headings []Heading
	offset := 0
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		level := 0
		for level < len(trimmed) && trimmed[level] == '#' {
			level++
		}
		if level > 0 && level <= 6 && level < len(trimmed) && trimmed[level] == ' ' {
			headings = append(headings, Heading{
				Level:  level,
				Text:   strings.TrimSpace(trimmed[level:]),
				Offset: offset,
			})
		}
		offset += len(line) + 1
	}
	return headings
}

var _ Converter = (*TextConverter)(nil)
