// Package app wires configuration into the import application: providers,
// router, checkpoint store, processing pipeline and the orchestrator itself.
package app

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"ref2vec/internal/archive"
	"ref2vec/internal/checkpoint"
	"ref2vec/internal/config"
	"ref2vec/internal/importer"
	"ref2vec/internal/metrics"
	"ref2vec/internal/pipeline"
	"ref2vec/internal/progress"
	"ref2vec/internal/provider"
	"ref2vec/internal/router"
)

// App represents the assembled import application
type App struct {
	cfg     *config.Config
	logger  *zap.Logger
	router  *router.Router
	store   checkpoint.Store
	metrics *metrics.Collector
	vectors pipeline.VectorStore
}

// New creates the application from configuration
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	var local provider.Provider
	if cfg.Library.SnapshotDB != "" {
		lp, err := provider.NewLocalProvider(cfg.Library.SnapshotDB, cfg.Library.StorageDir, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open library snapshot: %w", err)
		}
		local = lp
	}

	var remote provider.Provider
	if cfg.Library.APIBaseURL != "" {
		rp, err := provider.NewRemoteProvider(provider.RemoteConfig{
			BaseURL:     cfg.Library.APIBaseURL,
			APIKey:      cfg.Library.APIKey,
			MinInterval: time.Duration(cfg.Library.APIMinIntervalMs) * time.Millisecond,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create library API client: %w", err)
		}
		remote = rp
	}

	strategy, err := router.ParseStrategy(cfg.Library.Strategy)
	if err != nil {
		return nil, err
	}

	store, err := checkpoint.NewFileStore(filepath.Join(cfg.Import.StateDir, "checkpoints"))
	if err != nil {
		return nil, fmt.Errorf("failed to create checkpoint store: %w", err)
	}

	return &App{
		cfg:     cfg,
		logger:  logger,
		router:  router.New(strategy, local, remote, logger),
		store:   store,
		metrics: metrics.New(),
		vectors: pipeline.NewMemoryVectorStore(),
	}, nil
}

// Run executes one import run identified by runID
func (a *App) Run(ctx context.Context, runID string) error {
	cfg := a.cfg

	a.logger.Info("Starting import",
		zap.String("run_id", runID),
		zap.String("collection", cfg.Import.Collection),
		zap.String("strategy", cfg.Library.Strategy),
		zap.Bool("resume", cfg.Import.Resume),
		zap.Bool("dry_run", cfg.Import.DryRun),
	)

	if cfg.Import.MetricsAddr != "" {
		go func() {
			if err := a.metrics.StartServer(cfg.Import.MetricsAddr); err != nil {
				a.logger.Error("Failed to start metrics server", zap.Error(err))
			}
		}()
	}

	embedder, err := pipeline.NewOpenAIEmbedder(cfg.Embedding.BaseURL, cfg.Embedding.APIKey, cfg.Embedding.Model)
	if err != nil {
		return fmt.Errorf("failed to create embedder: %w", err)
	}

	imp, err := importer.New(importer.Options{
		RunID:           runID,
		ProjectID:       cfg.Import.ProjectID,
		CollectionKey:   cfg.Import.Collection,
		Recursive:       cfg.Import.Recursive,
		Resume:          cfg.Import.Resume,
		DryRun:          cfg.Import.DryRun,
		IncludeTags:     cfg.Import.IncludeTags,
		ExcludeTags:     cfg.Import.ExcludeTags,
		ContentTypes:    cfg.Import.ContentTypes,
		DownloadDir:     cfg.Import.DownloadDir,
		ManifestDir:     cfg.Import.StateDir,
		DownloadWorkers: cfg.Import.DownloadWorkers,
		Retries:         cfg.Import.Retries,
		RetryBackoffMs:  cfg.Import.RetryBackoffMs,
		EmbeddingModel:  cfg.Embedding.Model,
		ChunkPolicy: pipeline.ChunkPolicy{
			Version:    cfg.Embedding.ChunkPolicy,
			TargetSize: cfg.Embedding.ChunkTargetSize,
			Overlap:    cfg.Embedding.ChunkOverlap,
		},
		EmbeddingPolicyVersion: cfg.Embedding.PolicyVersion,
		FlushBatchSize:         cfg.Embedding.FlushBatchSize,
	},
		a.router,
		a.store,
		pipeline.NewTextConverter(),
		pipeline.NewFixedChunker(),
		embedder,
		a.vectors,
		a.metrics.GetProgressTracker(),
		a.metrics,
		a.logger,
	)
	if err != nil {
		return err
	}

	if cfg.Archive.Enabled {
		objStore, err := archive.NewMinioStore(cfg.Archive)
		if err != nil {
			return fmt.Errorf("failed to create archive client: %w", err)
		}
		mirror, err := archive.NewMirror(ctx, objStore, cfg.Archive, a.logger)
		if err != nil {
			return err
		}
		imp.SetArchive(mirror)
	}

	display := a.startProgressDisplay()

	summary, err := imp.Run(ctx)

	if display != nil {
		display.Stop()
	}
	if err != nil {
		return err
	}

	a.logger.Info("Import finished",
		zap.String("run_id", summary.RunID),
		zap.Int("completed", summary.Completed),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped_unchanged", summary.SkippedUnchanged),
		zap.Int("downloads_succeeded", summary.DownloadsSucceeded),
		zap.Int("downloads_failed", summary.DownloadsFailed),
		zap.Duration("duration", summary.Duration),
	)

	if summary.Failed > 0 {
		return fmt.Errorf("%d document(s) failed; re-run with --resume --run-id %s after fixing the cause", summary.Failed, summary.RunID)
	}
	return nil
}

func (a *App) startProgressDisplay() *progress.Display {
	cfg := a.cfg
	if !cfg.Import.ShowProgress || cfg.Import.DryRun || !progress.IsTerminalSupported() {
		if cfg.Import.DryRun {
			a.logger.Info("Progress display disabled (dry-run mode)")
		} else if !cfg.Import.ShowProgress {
			a.logger.Info("Progress display disabled (disabled in config)")
		} else {
			a.logger.Info("Progress display disabled (unsupported terminal)")
		}
		return nil
	}

	display := progress.NewDisplay(a.metrics.GetProgressTracker(), 2*time.Second)
	display.Start()
	a.logger.Info("Progress display enabled")
	return display
}
