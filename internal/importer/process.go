package importer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"ref2vec/internal/checkpoint"
	"ref2vec/internal/fingerprint"
	"ref2vec/internal/manifest"
	"ref2vec/internal/pipeline"
)

// runProcessPhase is phase B: every successfully downloaded attachment goes
// through convert, chunk, embed and store, strictly sequentially, with the
// checkpoint saved after every stage transition. Per-document failures are
// contained; only checkpoint persistence failures abort the run.
func (imp *Importer) runProcessPhase(ctx context.Context, cp *checkpoint.IngestionCheckpoint, man *manifest.Manifest, summary *Summary) error {
	downloads := man.SuccessfulDownloads()

	tracker := imp.metrics.GetProgressTracker()
	tracker.BeginPhase("process", int64(len(downloads)), 0)

	// Index existing checkpoint entries so a resumed run reuses them
	// instead of fanning the same attachment out twice.
	known := make(map[string]int, len(cp.Documents))
	for i := range cp.Documents {
		known[docKey(cp.Documents[i].SourceItemKey, cp.Documents[i].SourceAttachmentKey)] = i
	}

	for _, dl := range downloads {
		if err := ctx.Err(); err != nil {
			return err
		}

		computed, err := fingerprint.Compute(dl.Attachment.LocalPath,
			imp.opts.EmbeddingModel, imp.opts.ChunkPolicy.Version, imp.opts.EmbeddingPolicyVersion)
		if err != nil {
			imp.logger.Warn("Cannot fingerprint downloaded file, treating as changed",
				zap.String("path", dl.Attachment.LocalPath), zap.Error(err))
		}

		idx, seen := known[docKey(dl.Item.ItemKey, dl.Attachment.AttachmentKey)]
		if seen {
			doc := &cp.Documents[idx]
			if doc.Status.Terminal() {
				if doc.Status == checkpoint.StatusCompleted {
					tracker.AddSkipped(dl.Attachment.FileSize)
					imp.logger.Debug("Document already resolved in this run, skipping",
						zap.String("path", doc.Path), zap.String("status", string(doc.Status)))
					continue
				}
				// A failed document from the interrupted run gets another
				// attempt only through a fresh run id, never silently here.
				summary.Failed++
				tracker.AddFailed()
				continue
			}
			// Non-terminal survivor of an interrupted run: restart from
			// pending, the prior in-flight stage is not trusted.
			doc.Status = checkpoint.StatusPending
			doc.Stage = checkpoint.StatusPending
			doc.Error = ""
			doc.Path = dl.Attachment.LocalPath
		} else {
			if err == nil && dl.Attachment.ContentFingerprint != nil &&
				fingerprint.IsUnchanged(*dl.Attachment.ContentFingerprint, computed) {
				summary.SkippedUnchanged++
				imp.metrics.IncDocument("skipped")
				tracker.AddSkipped(dl.Attachment.FileSize)
				imp.logger.Info("Content unchanged under current policy, skipping",
					zap.String("item", dl.Item.ItemKey),
					zap.String("attachment", dl.Attachment.AttachmentKey),
					zap.String("filename", dl.Attachment.Filename),
				)
				continue
			}
			cp.AddDocument(dl.Attachment.LocalPath, dl.Item.ItemKey, dl.Attachment.AttachmentKey)
			idx = len(cp.Documents) - 1
		}

		if err := imp.processDocument(ctx, cp, idx, dl, computed, man, summary); err != nil {
			return err
		}
	}

	if err := imp.checkpoints.Save(cp); err != nil {
		return imp.classifySaveError(err)
	}
	return nil
}

func docKey(itemKey, attachmentKey string) string {
	return itemKey + "\x00" + attachmentKey
}

// processDocument runs one document through the full stage sequence. The
// document is addressed by index because the checkpoint slice may have
// grown since any earlier pointer was taken. A contained failure marks the
// document failed and returns nil; the returned error is reserved for
// checkpoint persistence problems.
func (imp *Importer) processDocument(
	ctx context.Context,
	cp *checkpoint.IngestionCheckpoint,
	idx int,
	dl manifest.DownloadedAttachment,
	computed fingerprint.Fingerprint,
	man *manifest.Manifest,
	summary *Summary,
) error {
	doc := &cp.Documents[idx]
	tracker := imp.metrics.GetProgressTracker()

	fail := func(stage checkpoint.Status, cause error) error {
		cp.MarkFailed(doc, fmt.Errorf("%s: %w", stage, cause))
		summary.Failed++
		imp.metrics.IncDocument("failed")
		tracker.AddFailed()
		imp.logger.Warn("Document failed, run continues",
			zap.String("path", doc.Path),
			zap.String("stage", string(stage)),
			zap.Error(cause),
		)
		if err := imp.checkpoints.Save(cp); err != nil {
			return imp.classifySaveError(err)
		}
		return nil
	}

	// Converting
	if err := imp.advance(cp, doc, checkpoint.StatusConverting, idx, dl.Attachment.Filename); err != nil {
		return err
	}
	stageStart := time.Now()
	result, err := imp.converter.Convert(ctx, doc.Path)
	imp.metrics.ObserveStage("converting", time.Since(stageStart))
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fail(checkpoint.StatusConverting, err)
	}

	// Chunking
	if err := imp.advance(cp, doc, checkpoint.StatusChunking, idx, dl.Attachment.Filename); err != nil {
		return err
	}
	stageStart = time.Now()
	chunks, err := imp.chunker.Chunk(result, imp.opts.ChunkPolicy)
	imp.metrics.ObserveStage("chunking", time.Since(stageStart))
	if err != nil {
		return fail(checkpoint.StatusChunking, err)
	}
	if len(chunks) == 0 {
		imp.logger.Info("Document produced no chunks",
			zap.String("path", doc.Path), zap.String("doc_id", result.DocID))
		return imp.complete(cp, doc, dl, result.DocID, 0, computed, man, summary)
	}

	// Embedding, in bounded batches
	if err := imp.advance(cp, doc, checkpoint.StatusEmbedding, idx, dl.Attachment.Filename); err != nil {
		return err
	}
	stageStart = time.Now()
	embedErr := imp.embedChunks(ctx, chunks)
	imp.metrics.ObserveStage("embedding", time.Since(stageStart))
	if embedErr != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fail(checkpoint.StatusEmbedding, embedErr)
	}

	// Storing, checkpointed after every flushed batch
	if err := imp.advance(cp, doc, checkpoint.StatusStoring, idx, dl.Attachment.Filename); err != nil {
		return err
	}
	stageStart = time.Now()
	for offset := 0; offset < len(chunks); offset += imp.opts.FlushBatchSize {
		end := offset + imp.opts.FlushBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		if err := imp.vectors.Upsert(ctx, chunks[offset:end], imp.opts.ProjectID, imp.opts.EmbeddingModel); err != nil {
			imp.metrics.ObserveStage("storing", time.Since(stageStart))
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fail(checkpoint.StatusStoring, err)
		}
		if err := imp.checkpoints.Save(cp); err != nil {
			return imp.classifySaveError(err)
		}
	}
	imp.metrics.ObserveStage("storing", time.Since(stageStart))

	return imp.complete(cp, doc, dl, result.DocID, len(chunks), computed, man, summary)
}

// advance moves the document to the next stage and persists the transition
// before any stage work happens, so a crash never loses the position.
func (imp *Importer) advance(cp *checkpoint.IngestionCheckpoint, doc *checkpoint.DocumentCheckpoint, next checkpoint.Status, idx int, filename string) error {
	if err := cp.Advance(doc, next); err != nil {
		return err
	}
	imp.stageUpdate(idx, string(next), filename)
	if err := imp.checkpoints.Save(cp); err != nil {
		return imp.classifySaveError(err)
	}
	return nil
}

// embedChunks fills in the embedding vectors, batched by FlushBatchSize
func (imp *Importer) embedChunks(ctx context.Context, chunks []pipeline.Chunk) error {
	for offset := 0; offset < len(chunks); offset += imp.opts.FlushBatchSize {
		end := offset + imp.opts.FlushBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		texts := make([]string, 0, end-offset)
		for _, c := range chunks[offset:end] {
			texts = append(texts, c.Text)
		}
		vectors, err := imp.embedder.Embed(ctx, texts, imp.opts.EmbeddingModel)
		if err != nil {
			return err
		}
		if len(vectors) != end-offset {
			return fmt.Errorf("embedder returned %d vectors for %d texts", len(vectors), end-offset)
		}
		for i := range vectors {
			chunks[offset+i].Embedding = vectors[i]
		}
	}
	return nil
}

// complete finishes a document: terminal checkpoint state first, then the
// fingerprint into the manifest so the next run can skip unchanged content.
func (imp *Importer) complete(
	cp *checkpoint.IngestionCheckpoint,
	doc *checkpoint.DocumentCheckpoint,
	dl manifest.DownloadedAttachment,
	docID string,
	chunkCount int,
	computed fingerprint.Fingerprint,
	man *manifest.Manifest,
	summary *Summary,
) error {
	cp.MarkCompleted(doc, docID, chunkCount)
	if err := imp.checkpoints.Save(cp); err != nil {
		return imp.classifySaveError(err)
	}

	if !computed.IsZero() {
		dl.Attachment.ContentFingerprint = &computed
		if err := man.Save(imp.manifestPath()); err != nil {
			imp.logger.Error("Failed to persist fingerprint, next run will reprocess",
				zap.String("attachment", dl.Attachment.AttachmentKey), zap.Error(err))
		}
	}

	summary.Completed++
	imp.metrics.IncDocument("completed")
	imp.metrics.GetProgressTracker().AddSuccess(dl.Attachment.FileSize)
	imp.logger.Info("Document completed",
		zap.String("item", dl.Item.ItemKey),
		zap.String("filename", dl.Attachment.Filename),
		zap.String("doc_id", docID),
		zap.Int("chunks", chunkCount),
	)
	return nil
}

// classifySaveError turns checkpoint persistence failures into actionable
// run-fatal errors. A concurrent-writer detection means another process owns
// this run id; continuing would corrupt both runs' state.
func (imp *Importer) classifySaveError(err error) error {
	if errors.Is(err, checkpoint.ErrConcurrentRun) {
		return fmt.Errorf("another process is writing checkpoint for run %s: %w; stop the other run or use a distinct run id",
			imp.opts.RunID, err)
	}
	return fmt.Errorf("failed to persist checkpoint for run %s: %w", imp.opts.RunID, err)
}
