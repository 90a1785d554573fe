package provider

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// LocalProvider serves items and attachments from a read-only snapshot of
// the reference manager's library: its sqlite database plus the storage
// directory holding attachment payloads keyed by attachment key.
type LocalProvider struct {
	db         *sql.DB
	storageDir string
	logger     *zap.Logger
}

// NewLocalProvider opens the snapshot database read-only. A missing or
// locked database surfaces as ErrUnavailable so the router can fall back
// to the remote provider.
func NewLocalProvider(dbPath, storageDir string, logger *zap.Logger) (*LocalProvider, error) {
	if _, err := os.Stat(dbPath); err != nil {
		return nil, fmt.Errorf("%w: library snapshot %s: %v", ErrUnavailable, dbPath, err)
	}

	dsn := fmt.Sprintf("file:%s?mode=ro&_busy_timeout=5000", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open library snapshot: %v", ErrUnavailable, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, classifySQLite(err))
	}

	return &LocalProvider{db: db, storageDir: storageDir, logger: logger}, nil
}

// Close releases the snapshot database handle
func (p *LocalProvider) Close() error {
	return p.db.Close()
}

func classifySQLite(err error) error {
	if err != nil && strings.Contains(err.Error(), "database is locked") {
		return fmt.Errorf("library snapshot is locked (is the reference manager running?): %w", err)
	}
	return err
}

// ListCollections returns every collection in the snapshot
func (p *LocalProvider) ListCollections(ctx context.Context) ([]Collection, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT collection_key, collection_name, COALESCE(parent_key, '')
		FROM collections ORDER BY collection_name`)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list collections: %v", ErrUnavailable, classifySQLite(err))
	}
	defer rows.Close()

	var out []Collection
	for rows.Next() {
		var c Collection
		if err := rows.Scan(&c.Key, &c.Name, &c.ParentKey); err != nil {
			return nil, fmt.Errorf("failed to scan collection: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListItems streams the items of a collection, descending into
// subcollections when recursive is set
func (p *LocalProvider) ListItems(ctx context.Context, collectionKey string, recursive bool) (<-chan ItemDescriptor, <-chan error) {
	itemCh := make(chan ItemDescriptor)
	errCh := make(chan error, 1)

	go func() {
		defer close(itemCh)
		defer close(errCh)

		keys := []string{collectionKey}
		if recursive {
			subKeys, err := p.subcollectionKeys(ctx, collectionKey)
			if err != nil {
				errCh <- err
				return
			}
			keys = append(keys, subKeys...)
		}

		seen := make(map[string]bool)
		for _, key := range keys {
			if err := p.streamCollectionItems(ctx, key, seen, itemCh); err != nil {
				errCh <- err
				return
			}
		}
	}()

	return itemCh, errCh
}

func (p *LocalProvider) subcollectionKeys(ctx context.Context, root string) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT collection_key, COALESCE(parent_key, '') FROM collections`)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read collection tree: %v", ErrUnavailable, classifySQLite(err))
	}
	defer rows.Close()

	children := make(map[string][]string)
	for rows.Next() {
		var key, parent string
		if err := rows.Scan(&key, &parent); err != nil {
			return nil, fmt.Errorf("failed to scan collection tree: %w", err)
		}
		if parent != "" {
			children[parent] = append(children[parent], key)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []string
	queue := append([]string{}, children[root]...)
	for len(queue) > 0 {
		key := queue[0]
		queue = queue[1:]
		out = append(out, key)
		queue = append(queue, children[key]...)
	}
	return out, nil
}

func (p *LocalProvider) streamCollectionItems(ctx context.Context, collectionKey string, seen map[string]bool, itemCh chan<- ItemDescriptor) error {
	rows, err := p.db.QueryContext(ctx, `
		SELECT i.item_key, COALESCE(i.title, '')
		FROM items i
		JOIN collection_items ci ON ci.item_key = i.item_key
		WHERE ci.collection_key = ?
		ORDER BY i.item_key`, collectionKey)
	if err != nil {
		return fmt.Errorf("%w: failed to list items of %s: %v", ErrUnavailable, collectionKey, classifySQLite(err))
	}
	defer rows.Close()

	for rows.Next() {
		var item ItemDescriptor
		if err := rows.Scan(&item.Key, &item.Title); err != nil {
			return fmt.Errorf("failed to scan item: %w", err)
		}
		if seen[item.Key] {
			continue
		}
		seen[item.Key] = true

		item.Tags, err = p.itemTags(ctx, item.Key)
		if err != nil {
			return err
		}

		select {
		case itemCh <- item:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return rows.Err()
}

func (p *LocalProvider) itemTags(ctx context.Context, itemKey string) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT tag FROM item_tags WHERE item_key = ? ORDER BY tag`, itemKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read tags of %s: %w", itemKey, err)
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, err
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

// ListAttachments returns the attachments recorded for an item
func (p *LocalProvider) ListAttachments(ctx context.Context, itemKey string) ([]AttachmentDescriptor, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT attachment_key, COALESCE(filename, ''), COALESCE(content_type, ''), COALESCE(file_size, 0)
		FROM attachments WHERE item_key = ? ORDER BY attachment_key`, itemKey)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list attachments of %s: %v", ErrUnavailable, itemKey, classifySQLite(err))
	}
	defer rows.Close()

	var out []AttachmentDescriptor
	for rows.Next() {
		var att AttachmentDescriptor
		if err := rows.Scan(&att.Key, &att.Filename, &att.ContentType, &att.Size); err != nil {
			return nil, fmt.Errorf("failed to scan attachment: %w", err)
		}
		// Prefer the payload's own mtime when the file is present; the
		// fingerprint's collision guard needs it.
		if path := p.payloadPath(att.Key, att.Filename); path != "" {
			if info, err := os.Stat(path); err == nil {
				att.Mtime = info.ModTime().UTC()
				att.Size = info.Size()
			}
		}
		out = append(out, att)
	}
	return out, rows.Err()
}

// ItemMetadata returns the descriptive fields of an item
func (p *LocalProvider) ItemMetadata(ctx context.Context, itemKey string) (map[string]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT field, value FROM item_fields WHERE item_key = ?`, itemKey)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read metadata of %s: %v", ErrUnavailable, itemKey, classifySQLite(err))
	}
	defer rows.Close()

	meta := make(map[string]string)
	for rows.Next() {
		var field, value string
		if err := rows.Scan(&field, &value); err != nil {
			return nil, err
		}
		meta[field] = value
	}
	return meta, rows.Err()
}

// payloadPath returns the on-disk location of an attachment payload, or ""
// when it is absent from the storage directory
func (p *LocalProvider) payloadPath(attachmentKey, filename string) string {
	if filename == "" {
		dir := filepath.Join(p.storageDir, attachmentKey)
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) == 0 {
			return ""
		}
		filename = entries[0].Name()
	}
	path := filepath.Join(p.storageDir, attachmentKey, filename)
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

// CanResolveLocally reports whether the attachment payload exists in the
// snapshot's storage directory
func (p *LocalProvider) CanResolveLocally(attachmentKey string) bool {
	return p.payloadPath(attachmentKey, "") != ""
}

// Fetch copies the attachment payload from the storage directory into
// destDir, preserving the source modification time so fingerprints stay
// stable across repeated fetches.
func (p *LocalProvider) Fetch(ctx context.Context, itemKey, attachmentKey, destDir string) (string, error) {
	var filename string
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(filename, '') FROM attachments
		WHERE item_key = ? AND attachment_key = ?`, itemKey, attachmentKey).Scan(&filename)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("%w: attachment %s of item %s", ErrNotFound, attachmentKey, itemKey)
	}
	if err != nil {
		return "", fmt.Errorf("%w: failed to resolve attachment %s: %v", ErrUnavailable, attachmentKey, classifySQLite(err))
	}

	src := p.payloadPath(attachmentKey, filename)
	if src == "" {
		return "", fmt.Errorf("%w: payload of attachment %s missing from local storage", ErrNotFound, attachmentKey)
	}

	info, err := os.Stat(src)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}

	dest := filepath.Join(destDir, attachmentKey, filepath.Base(src))
	if err := copyFile(src, dest); err != nil {
		return "", fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	if err := os.Chtimes(dest, info.ModTime(), info.ModTime()); err != nil {
		p.logger.Warn("Failed to preserve attachment mtime",
			zap.String("attachment", attachmentKey), zap.Error(err))
	}
	return dest, nil
}

func copyFile(src, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dest)
		return err
	}
	return out.Close()
}

var (
	_ Provider      = (*LocalProvider)(nil)
	_ LocalResolver = (*LocalProvider)(nil)
)
