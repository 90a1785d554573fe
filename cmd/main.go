package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"ref2vec/internal/app"
	"ref2vec/internal/checkpoint"
	"ref2vec/internal/config"
	"ref2vec/internal/logger"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	configFile string
	runID      string
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "ref2vec",
	Short: "Import reference-manager libraries into a vector store",
	Long:  `A resumable batch importer that downloads documents from a reference-manager library (local snapshot or web API), converts and chunks them, computes embeddings, and stores the vectors. Interrupted runs resume from a checkpoint without redoing completed documents.`,
	RunE:  runImport,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default is ./config.yaml)")

	// Run identity
	rootCmd.Flags().StringVar(&runID, "run-id", "", "Run identifier (generated when empty; required with --resume)")
	rootCmd.Flags().Bool("resume", false, "Resume an interrupted run from its checkpoint")

	// Library source flags
	rootCmd.Flags().String("snapshot-db", "", "Path to the local library snapshot database")
	rootCmd.Flags().String("storage-dir", "", "Directory holding the snapshot's attachment payloads")
	rootCmd.Flags().String("api-base-url", "", "Base URL of the library web API")
	rootCmd.Flags().String("api-key", "", "API key for the library web API")
	rootCmd.Flags().String("strategy", "local-first", "Source strategy (local-first/remote-first/auto/local-only/remote-only)")

	// Import flags
	rootCmd.Flags().String("project", "", "Target project id for stored vectors")
	rootCmd.Flags().String("collection", "", "Collection key to import (required)")
	rootCmd.Flags().Bool("recursive", true, "Descend into subcollections")
	rootCmd.Flags().StringSlice("include-tags", nil, "Only import items matching any of these tags")
	rootCmd.Flags().StringSlice("exclude-tags", nil, "Skip items matching any of these tags")
	rootCmd.Flags().StringSlice("content-types", nil, "Attachment content types to import")
	rootCmd.Flags().String("state-dir", "./state", "Directory for checkpoints and manifests")
	rootCmd.Flags().String("download-dir", "./downloads", "Directory for downloaded attachments")
	rootCmd.Flags().Int("download-workers", 4, "Number of concurrent download workers")
	rootCmd.Flags().Int("retries", 3, "Maximum retry attempts per attachment")
	rootCmd.Flags().Int("retry-backoff-ms", 500, "Initial retry backoff in milliseconds")
	rootCmd.Flags().Bool("dry-run", false, "List what would be imported without downloading or processing")
	rootCmd.Flags().Bool("show-progress", true, "Show progress display (auto-disabled for dry-run)")
	rootCmd.Flags().String("metrics-addr", "", "Address for the Prometheus metrics endpoint (disabled when empty)")

	// Embedding flags
	rootCmd.Flags().String("embedding-base-url", "", "Base URL of the OpenAI-compatible embedding API")
	rootCmd.Flags().String("embedding-api-key", "", "API key for the embedding API")
	rootCmd.Flags().String("embedding-model", "text-embedding-3-small", "Embedding model id")

	// Archive flags
	rootCmd.Flags().String("archive-endpoint", "", "S3-compatible endpoint to mirror downloaded attachments to")
	rootCmd.Flags().String("archive-bucket", "", "Archive bucket name")
	rootCmd.Flags().String("archive-access-key", "", "Archive access key")
	rootCmd.Flags().String("archive-secret-key", "", "Archive secret key")

	rootCmd.Flags().String("log-level", "info", "Log level (debug/info/warn/error)")

	cleanupCmd.Flags().String("state-dir", "./state", "Directory holding checkpoints")
	rootCmd.AddCommand(cleanupCmd)
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup <run-id>",
	Short: "Delete the checkpoint of a finished or abandoned run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		stateDir, _ := cmd.Flags().GetString("state-dir")
		store, err := checkpoint.NewFileStore(filepath.Join(stateDir, "checkpoints"))
		if err != nil {
			return err
		}
		if !store.Exists(args[0]) {
			return fmt.Errorf("no checkpoint found for run %s", args[0])
		}
		if err := store.Delete(args[0]); err != nil {
			return err
		}
		fmt.Printf("Deleted checkpoint for run %s\n", args[0])
		return nil
	},
}

func runImport(cmd *cobra.Command, args []string) error {
	// Load configuration
	var err error
	cfg, err = config.Load(configFile, cmd.Flags())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if runID == "" {
		if cfg.Import.Resume {
			return fmt.Errorf("--resume requires --run-id of the interrupted run")
		}
		runID = uuid.NewString()
	}

	// Initialize logger
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	// Create application
	application, err := app.New(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create importer: %w", err)
	}

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Info("Received shutdown signal, gracefully stopping...")
		cancel()
	}()

	return application.Run(ctx, runID)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
