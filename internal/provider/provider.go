// Package provider defines the item/attachment source interface and its two
// implementations: a read-only local library snapshot and a rate-limited
// remote API.
package provider

import (
	"context"
	"errors"
	"time"
)

// Collection is one library collection
type Collection struct {
	Key       string `json:"key"`
	Name      string `json:"name"`
	ParentKey string `json:"parent_key,omitempty"`
}

// ItemDescriptor describes one library item
type ItemDescriptor struct {
	Key   string   `json:"key"`
	Title string   `json:"title"`
	Tags  []string `json:"tags,omitempty"`
}

// AttachmentDescriptor describes one downloadable attachment
type AttachmentDescriptor struct {
	Key         string    `json:"key"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"content_type,omitempty"`
	Size        int64     `json:"size,omitempty"`
	Mtime       time.Time `json:"mtime,omitempty"`
}

// Provider is the capability interface both source variants satisfy
type Provider interface {
	// ListCollections returns every collection in the library
	ListCollections(ctx context.Context) ([]Collection, error)

	// ListItems streams items of a collection, optionally descending into
	// subcollections. The item channel closes when listing finishes; a
	// listing failure arrives on the error channel.
	ListItems(ctx context.Context, collectionKey string, recursive bool) (<-chan ItemDescriptor, <-chan error)

	// ListAttachments returns the attachments of an item
	ListAttachments(ctx context.Context, itemKey string) ([]AttachmentDescriptor, error)

	// Fetch downloads one attachment into destDir and returns the local path
	Fetch(ctx context.Context, itemKey, attachmentKey, destDir string) (string, error)

	// ItemMetadata returns the descriptive fields of an item
	ItemMetadata(ctx context.Context, itemKey string) (map[string]string, error)
}

// LocalResolver is the extra capability of the local snapshot provider
type LocalResolver interface {
	// CanResolveLocally reports whether the attachment's payload is present
	// in the local storage directory
	CanResolveLocally(attachmentKey string) bool
}

// Error taxonomy. Per-attachment failures (ErrFetchFailed) are contained by
// the orchestrator; provider-level failures under a *-only strategy are
// fatal to the run.
var (
	// ErrUnavailable means the provider itself cannot serve requests:
	// local snapshot locked or missing, remote unreachable or unauthorized
	ErrUnavailable = errors.New("provider unavailable")

	// ErrRateLimited means the remote refused the request for pacing
	// reasons; retryable after backoff
	ErrRateLimited = errors.New("rate limited")

	// ErrFetchFailed means one attachment could not be fetched after the
	// retry budget was exhausted
	ErrFetchFailed = errors.New("fetch failed")

	// ErrNotFound means the requested item or attachment does not exist
	// at this provider
	ErrNotFound = errors.New("not found")
)

// Fallbackable reports whether a fetch failure at one provider justifies
// trying the other provider for the same file
func Fallbackable(err error) bool {
	return errors.Is(err, ErrUnavailable) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrFetchFailed)
}
