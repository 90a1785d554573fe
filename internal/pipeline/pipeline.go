// Package pipeline defines the per-document processing collaborators
// (convert, chunk, embed, store) consumed by the batch importer, plus thin
// default implementations of each.
package pipeline

import (
	"context"
	"errors"
)

// ErrConversionFailed classifies converter failures; the orchestrator
// contains them per document
var ErrConversionFailed = errors.New("conversion failed")

// Heading is one entry of a document's heading structure
type Heading struct {
	Level  int    `json:"level"`
	Text   string `json:"text"`
	Offset int    `json:"offset"`
}

// ConversionResult is the converter's output for one document
type ConversionResult struct {
	DocID     string    `json:"doc_id"`
	Text      string    `json:"text"`
	PageCount int       `json:"page_count"`
	Headings  []Heading `json:"headings,omitempty"`
}

// ChunkPolicy parameterizes chunking. Version participates in the content
// fingerprint: bumping it forces a full reprocess.
type ChunkPolicy struct {
	Version    string
	TargetSize int
	Overlap    int
}

// DefaultChunkPolicy matches the fingerprint policy ids shipped in config
func DefaultChunkPolicy() ChunkPolicy {
	return ChunkPolicy{Version: "fixed-v1", TargetSize: 1200, Overlap: 150}
}

// Chunk is one embeddable piece of a document. IDs are stable for a given
// (doc, position, policy) so that vector-store upserts are idempotent.
type Chunk struct {
	ID        string
	DocID     string
	Index     int
	Text      string
	Heading   string
	Embedding []float32
}

// Converter turns a downloaded file into text plus structure
type Converter interface {
	Convert(ctx context.Context, path string) (*ConversionResult, error)
}

// Chunker splits a conversion result into policy-derived chunks
type Chunker interface {
	Chunk(result *ConversionResult, policy ChunkPolicy) ([]Chunk, error)
}

// Embedder produces one vector per input text
type Embedder interface {
	Embed(ctx context.Context, texts []string, modelID string) ([][]float32, error)
}

// VectorStore persists embedded chunks. Upsert must be idempotent under
// identical chunk IDs: re-running an unchanged document creates no
// duplicates.
type VectorStore interface {
	Upsert(ctx context.Context, chunks []Chunk, projectID, modelID string) error
}

// ProgressSink receives stage notifications. Purely observational; it never
// affects control flow.
type ProgressSink interface {
	StageUpdate(documentIndex int, stage string, description string)
}
