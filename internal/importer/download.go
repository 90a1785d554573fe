package importer

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"

	"ref2vec/internal/manifest"
	"ref2vec/internal/provider"
	"ref2vec/internal/worker"
)

// manifestSaveInterval is how many download results accumulate before the
// manifest is checkpointed mid-phase
const manifestSaveInterval = 25

// runDownloadPhase is phase A: enumerate candidate items, filter by tag,
// fan attachments out to the download workers, and fold every result into
// the manifest. Attachments already recorded as success are not re-fetched.
func (imp *Importer) runDownloadPhase(ctx context.Context, man *manifest.Manifest, summary *Summary) error {
	primary, err := imp.router.Primary()
	if err != nil {
		return fmt.Errorf("no provider can enumerate collection %s: %w (switch --strategy or configure the missing source)",
			imp.opts.CollectionKey, err)
	}

	tasks, err := imp.enumerate(ctx, primary, man, summary)
	if err != nil {
		return err
	}

	if imp.opts.DryRun {
		for _, t := range tasks {
			imp.logger.Info("Would download attachment",
				zap.String("item", t.Item.Key),
				zap.String("title", t.Item.Title),
				zap.String("attachment", t.Attachment.Key),
				zap.String("filename", t.Attachment.Filename),
			)
		}
		imp.logger.Info("Dry run: download phase skipped", zap.Int("pending_downloads", len(tasks)))
		return nil
	}

	if err := os.MkdirAll(imp.opts.DownloadDir, 0o755); err != nil {
		return fmt.Errorf("failed to create download directory: %w", err)
	}

	tracker := imp.metrics.GetProgressTracker()
	tracker.BeginPhase("download", int64(len(tasks)), totalKnownSize(tasks))

	if len(tasks) > 0 {
		imp.downloadAll(ctx, tasks, man, summary)
	}

	if err := man.Save(imp.manifestPath()); err != nil {
		return err
	}

	if imp.archive != nil {
		archived, mirrorFailed := imp.archive.MirrorAll(ctx, man)
		imp.logger.Info("Attachment archive mirrored",
			zap.Int("archived", archived), zap.Int("failed", mirrorFailed))
	}

	success, failed, _ := man.Counts()
	imp.logger.Info("Download phase finished",
		zap.Int("fetched", summary.DownloadsSucceeded),
		zap.Int("already_satisfied", summary.DownloadsSkipped),
		zap.Int("failed", failed),
		zap.Int("total_success", success),
	)
	return ctx.Err()
}

// enumerate walks the collection through the primary provider, applies the
// tag filter, and returns one task per qualifying attachment that is not
// yet satisfied by the manifest. Item metadata is cached per run in the
// manifest entries themselves; nothing outlives the run.
func (imp *Importer) enumerate(ctx context.Context, p provider.Provider, man *manifest.Manifest, summary *Summary) ([]worker.Task, error) {
	filter := NewTagFilter(imp.opts.IncludeTags, imp.opts.ExcludeTags)

	var tasks []worker.Task
	itemCh, errCh := p.ListItems(ctx, imp.opts.CollectionKey, imp.opts.Recursive)

	for item := range itemCh {
		if !filter.Matches(item.Tags) {
			imp.logger.Debug("Item excluded by tag filter",
				zap.String("item", item.Key), zap.Strings("tags", item.Tags))
			continue
		}

		attachments, err := p.ListAttachments(ctx, item.Key)
		if err != nil {
			imp.logger.Warn("Failed to list attachments, skipping item",
				zap.String("item", item.Key), zap.Error(err))
			continue
		}

		qualifying := imp.filterAttachments(attachments)
		if len(qualifying) == 0 {
			imp.logger.Info("Item has no qualifying attachments, skipping",
				zap.String("item", item.Key), zap.String("title", item.Title))
			continue
		}

		manItem := imp.ensureManifestItem(ctx, p, man, item)

		for _, att := range qualifying {
			existing := man.FindAttachment(item.Key, att.Key)
			if existing == nil {
				manItem.Attachments = append(manItem.Attachments, manifest.Attachment{
					AttachmentKey: att.Key,
					Filename:      att.Filename,
					Status:        manifest.StatusPending,
				})
			} else if existing.Status == manifest.StatusSuccess {
				if _, err := os.Stat(existing.LocalPath); err == nil {
					summary.DownloadsSkipped++
					imp.metrics.GetProgressTracker().AddSkipped(existing.FileSize)
					imp.logger.Debug("Attachment already downloaded",
						zap.String("attachment", existing.AttachmentKey))
					continue
				}
				// Recorded file vanished from disk; fetch it again.
				existing.Status = manifest.StatusPending
			}

			tasks = append(tasks, worker.Task{
				Item:       item,
				Attachment: att,
				Metadata:   manItem.Metadata,
				DestDir:    imp.opts.DownloadDir,
			})
		}
	}

	if err := <-errCh; err != nil {
		return nil, fmt.Errorf("failed to enumerate collection %s: %w", imp.opts.CollectionKey, err)
	}
	return tasks, nil
}

// ensureManifestItem finds or creates the manifest entry for an item,
// fetching descriptive metadata once per run
func (imp *Importer) ensureManifestItem(ctx context.Context, p provider.Provider, man *manifest.Manifest, item provider.ItemDescriptor) *manifest.Item {
	for i := range man.Items {
		if man.Items[i].ItemKey == item.Key {
			return &man.Items[i]
		}
	}

	meta, err := p.ItemMetadata(ctx, item.Key)
	if err != nil {
		imp.logger.Warn("Failed to fetch item metadata",
			zap.String("item", item.Key), zap.Error(err))
		meta = nil
	}
	return man.AddItem(manifest.Item{
		ItemKey:  item.Key,
		Title:    item.Title,
		Metadata: meta,
	})
}

// filterAttachments keeps attachments whose content type matches the
// configured target types. Types ending in "/" match as prefixes.
func (imp *Importer) filterAttachments(atts []provider.AttachmentDescriptor) []provider.AttachmentDescriptor {
	var out []provider.AttachmentDescriptor
	for _, att := range atts {
		if imp.contentTypeQualifies(att.ContentType) {
			out = append(out, att)
		}
	}
	return out
}

func (imp *Importer) contentTypeQualifies(ct string) bool {
	ct = strings.ToLower(strings.TrimSpace(ct))
	for _, want := range imp.opts.ContentTypes {
		want = strings.ToLower(want)
		if strings.HasSuffix(want, "/") {
			if strings.HasPrefix(ct, want) {
				return true
			}
		} else if ct == want {
			return true
		}
	}
	return false
}

// downloadAll fans tasks out to the worker pool and folds results into the
// manifest. The manifest is mutated only here, on the collecting goroutine.
func (imp *Importer) downloadAll(ctx context.Context, tasks []worker.Task, man *manifest.Manifest, summary *Summary) {
	pool := worker.NewPool(imp.opts.DownloadWorkers, worker.Config{
		Retries:        imp.opts.Retries,
		RetryBackoffMs: imp.opts.RetryBackoffMs,
	}, imp.router, imp.metrics, imp.logger)

	taskCh := make(chan worker.Task)
	resultCh := make(chan worker.Result, imp.opts.DownloadWorkers)

	var wg sync.WaitGroup
	pool.Start(ctx, taskCh, resultCh, &wg)

	go func() {
		defer close(taskCh)
		for _, t := range tasks {
			select {
			case taskCh <- t:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(resultCh)
	}()

	tracker := imp.metrics.GetProgressTracker()
	sinceSave := 0
	for result := range resultCh {
		att := man.FindAttachment(result.Task.Item.Key, result.Task.Attachment.Key)
		if att == nil {
			// Enumerate always records the attachment before queueing it.
			imp.logger.Error("Download result for unknown attachment",
				zap.String("attachment", result.Task.Attachment.Key))
			continue
		}

		if result.Err != nil {
			att.Status = manifest.StatusFailed
			att.Error = result.Err.Error()
			summary.DownloadsFailed++
			tracker.AddFailed()
			imp.logger.Warn("Attachment download failed",
				zap.String("item", result.Task.Item.Key),
				zap.String("attachment", result.Task.Attachment.Key),
				zap.Error(result.Err),
			)
		} else {
			att.Status = manifest.StatusSuccess
			att.Error = ""
			att.LocalPath = result.Path
			att.FileSize = result.Size
			att.Source = result.Source
			summary.DownloadsSucceeded++
			tracker.AddSuccess(result.Size)
		}

		sinceSave++
		if sinceSave >= manifestSaveInterval {
			sinceSave = 0
			if err := man.Save(imp.manifestPath()); err != nil {
				imp.logger.Error("Failed to checkpoint manifest mid-phase", zap.Error(err))
			}
		}
	}
}

func totalKnownSize(tasks []worker.Task) int64 {
	var total int64
	for _, t := range tasks {
		total += t.Attachment.Size
	}
	return total
}
