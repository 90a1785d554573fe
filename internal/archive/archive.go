// Package archive mirrors downloaded attachments into an S3-compatible
// bucket so that a shared object store holds the authoritative copy of every
// imported source file. Mirroring is best-effort: a failed upload never
// fails the import run.
package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"go.uber.org/zap"

	"ref2vec/internal/manifest"
)

// Config configures the attachment archive
type Config struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Secure    bool   `yaml:"secure"`
}

// ObjectInfo is the subset of object metadata the mirror decides with
type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
}

// Store is the object-store capability the mirror needs. Implemented by
// MinioStore; tests substitute a fake.
type Store interface {
	Put(ctx context.Context, bucket, key string, reader io.Reader, size int64, contentType string, metadata map[string]string) error
	Stat(ctx context.Context, bucket, key string) (ObjectInfo, error)
	EnsureBucket(ctx context.Context, bucket string) error
}

// Mirror uploads successfully downloaded attachments into one bucket,
// skipping objects that already exist with the same size.
type Mirror struct {
	store  Store
	bucket string
	prefix string
	logger *zap.Logger
}

// NewMirror creates a mirror and makes sure the target bucket exists
func NewMirror(ctx context.Context, store Store, cfg Config, logger *zap.Logger) (*Mirror, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive bucket is required")
	}
	if err := store.EnsureBucket(ctx, cfg.Bucket); err != nil {
		return nil, fmt.Errorf("failed to ensure archive bucket %s: %w", cfg.Bucket, err)
	}
	return &Mirror{
		store:  store,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		logger: logger,
	}, nil
}

// objectKey builds the archive key for one attachment:
// [prefix/]collectionKey/itemKey/attachmentKey/filename
func (m *Mirror) objectKey(collectionKey string, dl manifest.DownloadedAttachment) string {
	key := path.Join(collectionKey, dl.Item.ItemKey, dl.Attachment.AttachmentKey, dl.Attachment.Filename)
	if m.prefix != "" {
		key = path.Join(m.prefix, key)
	}
	return key
}

// MirrorAttachment uploads one downloaded attachment. An object already
// present with the local file's exact size is left alone.
func (m *Mirror) MirrorAttachment(ctx context.Context, collectionKey string, dl manifest.DownloadedAttachment) error {
	key := m.objectKey(collectionKey, dl)

	f, err := os.Open(dl.Attachment.LocalPath)
	if err != nil {
		return fmt.Errorf("failed to open %s for mirroring: %w", dl.Attachment.LocalPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", dl.Attachment.LocalPath, err)
	}

	if existing, err := m.store.Stat(ctx, m.bucket, key); err == nil && existing.Size == info.Size() {
		m.logger.Debug("Attachment already archived",
			zap.String("key", key), zap.Int64("size", existing.Size))
		return nil
	}

	metadata := map[string]string{
		"item-key":       dl.Item.ItemKey,
		"attachment-key": dl.Attachment.AttachmentKey,
		"source":         string(dl.Attachment.Source),
	}
	if err := m.store.Put(ctx, m.bucket, key, f, info.Size(), "", metadata); err != nil {
		return fmt.Errorf("failed to archive %s: %w", key, err)
	}

	m.logger.Debug("Attachment archived",
		zap.String("key", key), zap.Int64("size", info.Size()))
	return nil
}

// MirrorAll uploads every successful download in the manifest. Failures are
// logged and counted, never propagated: the archive is a mirror, not a
// gatekeeper for the import.
func (m *Mirror) MirrorAll(ctx context.Context, man *manifest.Manifest) (archived, failed int) {
	for _, dl := range man.SuccessfulDownloads() {
		if ctx.Err() != nil {
			return archived, failed
		}
		if err := m.MirrorAttachment(ctx, man.CollectionKey, dl); err != nil {
			failed++
			m.logger.Warn("Failed to mirror attachment",
				zap.String("attachment", dl.Attachment.AttachmentKey),
				zap.Error(err),
			)
			continue
		}
		archived++
	}
	return archived, failed
}
