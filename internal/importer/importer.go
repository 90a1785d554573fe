// Package importer drives one batch import run: enumerate and filter the
// collection, download attachments through the source router (phase A),
// then push every changed document through the convert/chunk/embed/store
// pipeline under a resumable checkpoint (phase B).
package importer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"ref2vec/internal/archive"
	"ref2vec/internal/checkpoint"
	"ref2vec/internal/manifest"
	"ref2vec/internal/metrics"
	"ref2vec/internal/pipeline"
	"ref2vec/internal/router"
)

// Options configures one batch import run
type Options struct {
	RunID         string
	ProjectID     string
	CollectionKey string
	Recursive     bool
	Resume        bool
	DryRun        bool

	IncludeTags  []string
	ExcludeTags  []string
	ContentTypes []string // attachment content types that qualify as documents

	DownloadDir     string
	ManifestDir     string
	DownloadWorkers int
	Retries         int
	RetryBackoffMs  int

	EmbeddingModel         string
	ChunkPolicy            pipeline.ChunkPolicy
	EmbeddingPolicyVersion string

	// FlushBatchSize bounds how many chunks go to the vector store per
	// upsert; the checkpoint is saved after every flush
	FlushBatchSize int
}

// Summary aggregates the outcome of one run. A run with failed documents
// still finishes; the caller decides what the counts mean.
type Summary struct {
	RunID              string
	Completed          int
	Failed             int
	SkippedUnchanged   int
	DownloadsSucceeded int
	DownloadsFailed    int
	DownloadsSkipped   int
	Duration           time.Duration
}

// Importer is the batch import orchestrator
type Importer struct {
	opts        Options
	router      *router.Router
	checkpoints checkpoint.Store
	converter   pipeline.Converter
	chunker     pipeline.Chunker
	embedder    pipeline.Embedder
	vectors     pipeline.VectorStore
	sink        pipeline.ProgressSink
	archive     *archive.Mirror
	metrics     *metrics.Collector
	logger      *zap.Logger
}

// New creates an importer. sink may be nil.
func New(
	opts Options,
	r *router.Router,
	store checkpoint.Store,
	converter pipeline.Converter,
	chunker pipeline.Chunker,
	embedder pipeline.Embedder,
	vectors pipeline.VectorStore,
	sink pipeline.ProgressSink,
	collector *metrics.Collector,
	logger *zap.Logger,
) (*Importer, error) {
	if opts.RunID == "" {
		return nil, fmt.Errorf("run id is required")
	}
	if opts.CollectionKey == "" {
		return nil, fmt.Errorf("collection key is required")
	}
	if opts.FlushBatchSize <= 0 {
		opts.FlushBatchSize = 200
	}
	if len(opts.ContentTypes) == 0 {
		opts.ContentTypes = []string{"application/pdf", "text/plain", "text/markdown"}
	}
	return &Importer{
		opts:        opts,
		router:      r,
		checkpoints: store,
		converter:   converter,
		chunker:     chunker,
		embedder:    embedder,
		vectors:     vectors,
		sink:        sink,
		metrics:     collector,
		logger:      logger,
	}, nil
}

// SetArchive attaches an optional attachment mirror. When set, every
// successful download is copied into the archive bucket after phase A.
func (imp *Importer) SetArchive(m *archive.Mirror) {
	imp.archive = m
}

// Run executes the batch import and returns the run summary. Per-document
// and per-attachment failures are contained in the summary; the returned
// error is reserved for run-fatal conditions (no usable provider, corrupt
// or contended checkpoint).
func (imp *Importer) Run(ctx context.Context) (*Summary, error) {
	start := time.Now()
	summary := &Summary{RunID: imp.opts.RunID}

	cp, err := imp.openCheckpoint()
	if err != nil {
		return nil, err
	}

	man, err := imp.openManifest()
	if err != nil {
		return nil, err
	}

	imp.logger.Info("Starting import run",
		zap.String("run_id", imp.opts.RunID),
		zap.String("collection", imp.opts.CollectionKey),
		zap.Bool("resume", imp.opts.Resume),
		zap.Bool("dry_run", imp.opts.DryRun),
	)

	if err := imp.runDownloadPhase(ctx, man, summary); err != nil {
		return nil, err
	}
	if imp.opts.DryRun {
		summary.Duration = time.Since(start)
		return summary, nil
	}

	if err := imp.runProcessPhase(ctx, cp, man, summary); err != nil {
		return nil, err
	}

	summary.Duration = time.Since(start)
	imp.logger.Info("Import run finished",
		zap.String("run_id", summary.RunID),
		zap.Int("completed", summary.Completed),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped_unchanged", summary.SkippedUnchanged),
		zap.Duration("duration", summary.Duration),
	)
	return summary, nil
}

// openCheckpoint loads or creates the run's checkpoint. An existing
// checkpoint without --resume means two runs are racing on one run id, or
// the operator forgot to resume; both deserve a hard stop with remediation.
func (imp *Importer) openCheckpoint() (*checkpoint.IngestionCheckpoint, error) {
	if imp.opts.Resume {
		cp, err := imp.checkpoints.Load(imp.opts.RunID)
		if err == nil {
			return cp, nil
		}
		if errors.Is(err, checkpoint.ErrNotFound) {
			imp.logger.Warn("No checkpoint to resume, starting fresh",
				zap.String("run_id", imp.opts.RunID))
			return checkpoint.New(imp.opts.RunID, imp.opts.ProjectID, imp.opts.CollectionKey), nil
		}
		if errors.Is(err, checkpoint.ErrCorrupt) {
			return nil, fmt.Errorf("checkpoint for run %s is corrupt: %w; delete it (or pick a new run id) to start over",
				imp.opts.RunID, err)
		}
		return nil, err
	}

	if imp.checkpoints.Exists(imp.opts.RunID) && !imp.opts.DryRun {
		return nil, fmt.Errorf("%w: run id %s already has a checkpoint; resume it with --resume or delete the stale run id",
			checkpoint.ErrConcurrentRun, imp.opts.RunID)
	}
	return checkpoint.New(imp.opts.RunID, imp.opts.ProjectID, imp.opts.CollectionKey), nil
}

func (imp *Importer) manifestPath() string {
	return filepath.Join(imp.opts.ManifestDir, fmt.Sprintf("manifest-%s.json", imp.opts.CollectionKey))
}

// openManifest loads the collection's manifest from a prior run, or creates
// a fresh one. Attachments already downloaded successfully never get
// re-fetched; their stored fingerprints feed deduplication.
func (imp *Importer) openManifest() (*manifest.Manifest, error) {
	man, err := manifest.Load(imp.manifestPath())
	if err == nil {
		imp.logger.Info("Loaded existing manifest",
			zap.String("collection", imp.opts.CollectionKey),
			zap.Int("items", len(man.Items)))
		return man, nil
	}
	if errors.Is(err, manifest.ErrCorrupt) {
		return nil, fmt.Errorf("manifest for collection %s is corrupt: %w; delete %s to re-download",
			imp.opts.CollectionKey, err, imp.manifestPath())
	}
	if os.IsNotExist(err) {
		return manifest.New(imp.opts.CollectionKey, ""), nil
	}
	return nil, fmt.Errorf("failed to read manifest: %w", err)
}

func (imp *Importer) stageUpdate(index int, stage, description string) {
	if imp.sink != nil {
		imp.sink.StageUpdate(index, stage, description)
	}
}
