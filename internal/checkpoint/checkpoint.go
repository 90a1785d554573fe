// Package checkpoint persists per-run import progress so that a crashed or
// interrupted batch can resume without redoing completed documents.
package checkpoint

import (
	"fmt"
	"time"
)

// Status represents the processing state of one document within a run
type Status string

const (
	StatusPending    Status = "pending"
	StatusConverting Status = "converting"
	StatusChunking   Status = "chunking"
	StatusEmbedding  Status = "embedding"
	StatusStoring    Status = "storing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Valid reports whether s is a known status value
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusConverting, StatusChunking, StatusEmbedding,
		StatusStoring, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether a document in this state is finished for the run
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// DocumentCheckpoint tracks one source file through the pipeline stages
type DocumentCheckpoint struct {
	Path                string    `json:"path"`
	Status              Status    `json:"status"`
	Stage               Status    `json:"stage"`
	ChunksCount         int       `json:"chunks_count"`
	DocID               string    `json:"doc_id,omitempty"`
	SourceItemKey       string    `json:"source_item_key,omitempty"`
	SourceAttachmentKey string    `json:"source_attachment_key,omitempty"`
	Error               string    `json:"error,omitempty"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Statistics aggregates document outcomes for one run.
// Always derived from the document list, never hand-maintained.
type Statistics struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Pending   int `json:"pending"`
}

// CompletionRatio returns resolved/total in [0,1]
func (s Statistics) CompletionRatio() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Completed+s.Failed) / float64(s.Total)
}

// IngestionCheckpoint is the durable record of one batch run
type IngestionCheckpoint struct {
	CorrelationID string               `json:"correlation_id"`
	ProjectID     string               `json:"project_id"`
	CollectionKey string               `json:"collection_key,omitempty"`
	StartTime     time.Time            `json:"start_time"`
	LastUpdate    time.Time            `json:"last_update"`
	Documents     []DocumentCheckpoint `json:"documents"`
	Statistics    Statistics           `json:"statistics"`
}

// New creates a fresh checkpoint for a run
func New(correlationID, projectID, collectionKey string) *IngestionCheckpoint {
	now := time.Now().UTC()
	return &IngestionCheckpoint{
		CorrelationID: correlationID,
		ProjectID:     projectID,
		CollectionKey: collectionKey,
		StartTime:     now,
		LastUpdate:    now,
	}
}

// AddDocument appends a new pending document and returns a pointer to it.
// The pointer stays valid until the next AddDocument call.
func (c *IngestionCheckpoint) AddDocument(path, itemKey, attachmentKey string) *DocumentCheckpoint {
	c.Documents = append(c.Documents, DocumentCheckpoint{
		Path:                path,
		Status:              StatusPending,
		Stage:               StatusPending,
		SourceItemKey:       itemKey,
		SourceAttachmentKey: attachmentKey,
		UpdatedAt:           time.Now().UTC(),
	})
	c.touch()
	return &c.Documents[len(c.Documents)-1]
}

// Advance moves a document to the given stage. Terminal documents are never
// moved again within the same run.
func (c *IngestionCheckpoint) Advance(doc *DocumentCheckpoint, next Status) error {
	if doc.Status.Terminal() {
		return fmt.Errorf("document %s is already %s", doc.Path, doc.Status)
	}
	doc.Status = next
	doc.Stage = next
	doc.UpdatedAt = time.Now().UTC()
	c.touch()
	return nil
}

// MarkCompleted finishes a document successfully
func (c *IngestionCheckpoint) MarkCompleted(doc *DocumentCheckpoint, docID string, chunks int) {
	doc.Status = StatusCompleted
	doc.Stage = StatusCompleted
	doc.DocID = docID
	doc.ChunksCount = chunks
	doc.Error = ""
	doc.UpdatedAt = time.Now().UTC()
	c.touch()
}

// MarkFailed finishes a document with an error
func (c *IngestionCheckpoint) MarkFailed(doc *DocumentCheckpoint, err error) {
	doc.Status = StatusFailed
	doc.Stage = StatusFailed
	doc.Error = err.Error()
	doc.UpdatedAt = time.Now().UTC()
	c.touch()
}

func (c *IngestionCheckpoint) touch() {
	c.LastUpdate = time.Now().UTC()
	c.Statistics = c.ComputeStatistics()
}

// ComputeStatistics derives the aggregate counts from the document list
func (c *IngestionCheckpoint) ComputeStatistics() Statistics {
	stats := Statistics{Total: len(c.Documents)}
	for i := range c.Documents {
		switch c.Documents[i].Status {
		case StatusCompleted:
			stats.Completed++
		case StatusFailed:
			stats.Failed++
		default:
			stats.Pending++
		}
	}
	return stats
}

// Unresolved returns indexes of documents that are neither completed nor
// failed. On resume these re-enter the pipeline at pending: a half-finished
// stage value is not trusted across a process restart because the
// collaborator's in-flight state is unknown.
func (c *IngestionCheckpoint) Unresolved() []int {
	var idx []int
	for i := range c.Documents {
		if !c.Documents[i].Status.Terminal() {
			idx = append(idx, i)
		}
	}
	return idx
}

// Validate checks structural invariants of a loaded checkpoint
func (c *IngestionCheckpoint) Validate() error {
	if c.CorrelationID == "" {
		return fmt.Errorf("missing correlation id")
	}
	if c.StartTime.IsZero() {
		return fmt.Errorf("missing start time")
	}
	if c.LastUpdate.Before(c.StartTime) {
		return fmt.Errorf("last update %s precedes start time %s", c.LastUpdate, c.StartTime)
	}
	for i := range c.Documents {
		doc := &c.Documents[i]
		if doc.Path == "" {
			return fmt.Errorf("document %d has no path", i)
		}
		if !doc.Status.Valid() {
			return fmt.Errorf("document %s has illegal status %q", doc.Path, doc.Status)
		}
		if doc.Status == StatusFailed && doc.Error == "" {
			return fmt.Errorf("document %s is failed without an error", doc.Path)
		}
		if doc.Status != StatusFailed && doc.Error != "" {
			return fmt.Errorf("document %s carries an error but is %s", doc.Path, doc.Status)
		}
		if doc.ChunksCount < 0 {
			return fmt.Errorf("document %s has negative chunk count", doc.Path)
		}
	}
	if got := c.ComputeStatistics(); got != c.Statistics {
		return fmt.Errorf("statistics %+v inconsistent with documents (expected %+v)", c.Statistics, got)
	}
	return nil
}
