package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode/utf8"
)

// FixedChunker splits text into fixed-size overlapping chunks, breaking at
// word boundaries where possible. Chunk IDs are derived from the doc id,
// the chunk position and the policy version, so identical input under an
// identical policy always produces identical IDs.
type FixedChunker struct{}

// NewFixedChunker creates the default chunker
func NewFixedChunker() *FixedChunker {
	return &FixedChunker{}
}

// Chunk splits the conversion result according to the policy
func (c *FixedChunker) Chunk(result *ConversionResult, policy ChunkPolicy) ([]Chunk, error) {
	if policy.TargetSize <= 0 {
		return nil, fmt.Errorf("chunk policy target size must be positive, got %d", policy.TargetSize)
	}
	if policy.Overlap < 0 || policy.Overlap >= policy.TargetSize {
		return nil, fmt.Errorf("chunk overlap %d must be in [0, target size)", policy.Overlap)
	}

	content := strings.TrimSpace(result.Text)
	if content == "" {
		return nil, nil
	}

	var chunks []Chunk
	start := 0
	index := 0
	for start < len(content) {
		end := start + policy.TargetSize
		if end >= len(content) {
			end = len(content)
		} else {
			if cut := strings.LastIndex(content[start:end], " "); cut > 0 {
				end = start + cut
			}
			// Space-less text (CJK) forces a hard cut; it must never land
			// inside a multi-byte rune.
			for end > start && !utf8.RuneStart(content[end]) {
				end--
			}
			if end == start {
				_, size := utf8.DecodeRuneInString(content[start:])
				end = start + size
			}
		}

		text := strings.TrimSpace(content[start:end])
		if text != "" {
			chunks = append(chunks, Chunk{
				ID:      chunkID(result.DocID, index, policy.Version),
				DocID:   result.DocID,
				Index:   index,
				Text:    text,
				Heading: headingAt(result.Headings, start),
			})
			index++
		}

		if end == len(content) {
			break
		}
		// The overlap must never move the window backwards; a boundary cut
		// shorter than the overlap would otherwise loop forever.
		next := end - policy.Overlap
		if next <= start {
			next = end
		} else {
			// The next chunk must also start on a rune boundary.
			for next < end && !utf8.RuneStart(content[next]) {
				next++
			}
		}
		start = next
	}
	return chunks, nil
}

// chunkID is stable across runs for the same document and policy
func chunkID(docID string, index int, policyVersion string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s\x00%d\x00%s", docID, index, policyVersion)))
	return hex.EncodeToString(sum[:16])
}

// headingAt returns the text of the nearest heading at or before offset
func headingAt(headings []Heading, offset int) string {
	current := ""
	for _, h := range headings {
		if h.Offset > offset {
			break
		}
		current = h.Text
	}
	return current
}

var _ Chunker = (*FixedChunker)(nil)
