// Package manifest records which attachments of a collection were
// downloaded, from which source, and with what fingerprint. The manifest is
// the hand-off between the download phase and the processing phase: once an
// attachment is recorded as success, its bytes are never fetched again.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"ref2vec/internal/atomicfile"
	"ref2vec/internal/fingerprint"
)

// ErrCorrupt means a stored manifest failed validation on load
var ErrCorrupt = errors.New("manifest corrupt")

// AttachmentStatus is the download outcome for one attachment
type AttachmentStatus string

const (
	StatusSuccess AttachmentStatus = "success"
	StatusFailed  AttachmentStatus = "failed"
	StatusPending AttachmentStatus = "pending"
)

// Source marks which provider satisfied a fetch
type Source string

const (
	SourceLocal  Source = "local"
	SourceRemote Source = "remote"
)

// Attachment is one downloadable file belonging to an item
type Attachment struct {
	AttachmentKey      string                  `json:"attachment_key"`
	Filename           string                  `json:"filename"`
	LocalPath          string                  `json:"local_path,omitempty"`
	Status             AttachmentStatus        `json:"status"`
	FileSize           int64                   `json:"file_size,omitempty"`
	Error              string                  `json:"error,omitempty"`
	Source             Source                  `json:"source,omitempty"`
	ContentFingerprint *fingerprint.Fingerprint `json:"content_fingerprint,omitempty"`
}

// Item is one library entry with its attachments and descriptive metadata
// copied from the source library (author/year/tags, opaque to this core)
type Item struct {
	ItemKey     string            `json:"item_key"`
	Title       string            `json:"title"`
	Attachments []Attachment      `json:"attachments"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Manifest is the durable record of one two-phase download operation
type Manifest struct {
	CollectionKey  string    `json:"collection_key"`
	CollectionName string    `json:"collection_name"`
	DownloadTime   time.Time `json:"download_time"`
	Items          []Item    `json:"items"`
}

// New creates an empty manifest for a collection
func New(collectionKey, collectionName string) *Manifest {
	return &Manifest{
		CollectionKey:  collectionKey,
		CollectionName: collectionName,
		DownloadTime:   time.Now().UTC(),
	}
}

// AddItem appends an item and returns a pointer to the stored copy
func (m *Manifest) AddItem(item Item) *Item {
	m.Items = append(m.Items, item)
	return &m.Items[len(m.Items)-1]
}

// FindAttachment returns the attachment for (itemKey, attachmentKey), or nil
func (m *Manifest) FindAttachment(itemKey, attachmentKey string) *Attachment {
	for i := range m.Items {
		if m.Items[i].ItemKey != itemKey {
			continue
		}
		for j := range m.Items[i].Attachments {
			if m.Items[i].Attachments[j].AttachmentKey == attachmentKey {
				return &m.Items[i].Attachments[j]
			}
		}
	}
	return nil
}

// SuccessfulDownloads returns every attachment marked success, paired with
// its owning item. Order follows the manifest.
func (m *Manifest) SuccessfulDownloads() []DownloadedAttachment {
	var out []DownloadedAttachment
	for i := range m.Items {
		for j := range m.Items[i].Attachments {
			if m.Items[i].Attachments[j].Status == StatusSuccess {
				out = append(out, DownloadedAttachment{
					Item:       &m.Items[i],
					Attachment: &m.Items[i].Attachments[j],
				})
			}
		}
	}
	return out
}

// DownloadedAttachment pairs a successful attachment with its item
type DownloadedAttachment struct {
	Item       *Item
	Attachment *Attachment
}

// AllLocalPaths lists the local paths of every successful download
func (m *Manifest) AllLocalPaths() []string {
	var paths []string
	for _, d := range m.SuccessfulDownloads() {
		if d.Attachment.LocalPath != "" {
			paths = append(paths, d.Attachment.LocalPath)
		}
	}
	return paths
}

// Counts returns (success, failed, pending) attachment totals
func (m *Manifest) Counts() (success, failed, pending int) {
	for i := range m.Items {
		for j := range m.Items[i].Attachments {
			switch m.Items[i].Attachments[j].Status {
			case StatusSuccess:
				success++
			case StatusFailed:
				failed++
			default:
				pending++
			}
		}
	}
	return
}

// Validate checks structural invariants of a loaded manifest
func (m *Manifest) Validate() error {
	if m.CollectionKey == "" {
		return fmt.Errorf("missing collection key")
	}
	for i := range m.Items {
		item := &m.Items[i]
		if item.ItemKey == "" {
			return fmt.Errorf("item %d has no key", i)
		}
		for j := range item.Attachments {
			att := &item.Attachments[j]
			if att.AttachmentKey == "" {
				return fmt.Errorf("item %s attachment %d has no key", item.ItemKey, j)
			}
			switch att.Status {
			case StatusSuccess, StatusFailed, StatusPending:
			default:
				return fmt.Errorf("attachment %s has illegal status %q", att.AttachmentKey, att.Status)
			}
			if att.Status == StatusFailed && att.Error == "" {
				return fmt.Errorf("attachment %s is failed without an error", att.AttachmentKey)
			}
			if att.Status != StatusFailed && att.Error != "" {
				return fmt.Errorf("attachment %s carries an error but is %s", att.AttachmentKey, att.Status)
			}
			if att.Source != "" && att.Source != SourceLocal && att.Source != SourceRemote {
				return fmt.Errorf("attachment %s has unknown source %q", att.AttachmentKey, att.Source)
			}
		}
	}
	return nil
}

// Save writes the manifest atomically to path
func (m *Manifest) Save(path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	if err := atomicfile.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}

// Load reads and validates a manifest from path. os.IsNotExist applies to
// the returned error when no manifest exists yet.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return &m, nil
}
