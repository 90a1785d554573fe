package worker

import (
	"ref2vec/internal/manifest"
	"ref2vec/internal/provider"
)

// Task is one attachment download in the download phase
type Task struct {
	Item       provider.ItemDescriptor
	Attachment provider.AttachmentDescriptor
	Metadata   map[string]string
	DestDir    string
}

// Result is the outcome of one download task. Exactly one Result is emitted
// per Task; the manifest writer is the single consumer.
type Result struct {
	Task   Task
	Path   string
	Source manifest.Source
	Size   int64
	Err    error
}

// Config contains download worker configuration
type Config struct {
	Retries        int
	RetryBackoffMs int
}
