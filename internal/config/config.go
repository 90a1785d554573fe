package config

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"ref2vec/internal/archive"
)

// Config represents the application configuration
type Config struct {
	Library   Library        `yaml:"library"`
	Import    Import         `yaml:"import"`
	Embedding Embedding      `yaml:"embedding"`
	Archive   archive.Config `yaml:"archive"`
	LogLevel  string         `yaml:"log_level"`
}

// Library configures the two attachment sources: a read-only local snapshot
// of the reference library and its remote API
type Library struct {
	SnapshotDB       string `yaml:"snapshot_db"`
	StorageDir       string `yaml:"storage_dir"`
	APIBaseURL       string `yaml:"api_base_url"`
	APIKey           string `yaml:"api_key"`
	APIMinIntervalMs int    `yaml:"api_min_interval_ms"`
	Strategy         string `yaml:"strategy"`
}

// Import represents run-specific configuration
type Import struct {
	ProjectID       string   `yaml:"project_id"`
	Collection      string   `yaml:"collection"`
	Recursive       bool     `yaml:"recursive"`
	IncludeTags     []string `yaml:"include_tags"`
	ExcludeTags     []string `yaml:"exclude_tags"`
	ContentTypes    []string `yaml:"content_types"`
	StateDir        string   `yaml:"state_dir"`
	DownloadDir     string   `yaml:"download_dir"`
	DownloadWorkers int      `yaml:"download_workers"`
	Retries         int      `yaml:"retries"`
	RetryBackoffMs  int      `yaml:"retry_backoff_ms"`
	DryRun          bool     `yaml:"dry_run"`
	Resume          bool     `yaml:"resume"`
	ShowProgress    bool     `yaml:"show_progress"`
	MetricsAddr     string   `yaml:"metrics_addr"`
}

// Embedding configures the processing policies. The policy versions feed the
// content fingerprint: changing any of them reprocesses every document.
type Embedding struct {
	Provider        string `yaml:"provider"`
	BaseURL         string `yaml:"base_url"`
	APIKey          string `yaml:"api_key"`
	Model           string `yaml:"model"`
	ChunkPolicy     string `yaml:"chunk_policy"`
	ChunkTargetSize int    `yaml:"chunk_target_size"`
	ChunkOverlap    int    `yaml:"chunk_overlap"`
	PolicyVersion   string `yaml:"policy_version"`
	FlushBatchSize  int    `yaml:"flush_batch_size"`
}

// Load loads configuration from file and command line flags
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	cfg := &Config{
		LogLevel: "info",
		Library: Library{
			Strategy:         "local-first",
			APIMinIntervalMs: 350,
		},
		Import: Import{
			Recursive:       true,
			StateDir:        "./state",
			DownloadDir:     "./downloads",
			DownloadWorkers: 4,
			Retries:         3,
			RetryBackoffMs:  500,
			ShowProgress:    true,
		},
		Embedding: Embedding{
			Provider:        "openai",
			Model:           "text-embedding-3-small",
			ChunkPolicy:     "fixed-v1",
			ChunkTargetSize: 1200,
			ChunkOverlap:    150,
			PolicyVersion:   "embed-v1",
			FlushBatchSize:  200,
		},
	}

	// Load from YAML file if provided
	if configFile != "" {
		if err := loadFromFile(cfg, configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// Override with command line flags
	if err := loadFromFlags(cfg, flags); err != nil {
		return nil, fmt.Errorf("failed to load flags: %w", err)
	}

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

func loadFromFlags(cfg *Config, flags *pflag.FlagSet) error {
	if flags.Changed("snapshot-db") {
		cfg.Library.SnapshotDB, _ = flags.GetString("snapshot-db")
	}
	if flags.Changed("storage-dir") {
		cfg.Library.StorageDir, _ = flags.GetString("storage-dir")
	}
	if flags.Changed("api-base-url") {
		cfg.Library.APIBaseURL, _ = flags.GetString("api-base-url")
	}
	if flags.Changed("api-key") {
		cfg.Library.APIKey, _ = flags.GetString("api-key")
	}
	if flags.Changed("strategy") {
		cfg.Library.Strategy, _ = flags.GetString("strategy")
	}

	if flags.Changed("project") {
		cfg.Import.ProjectID, _ = flags.GetString("project")
	}
	if flags.Changed("collection") {
		cfg.Import.Collection, _ = flags.GetString("collection")
	}
	if flags.Changed("recursive") {
		cfg.Import.Recursive, _ = flags.GetBool("recursive")
	}
	if flags.Changed("include-tags") {
		cfg.Import.IncludeTags, _ = flags.GetStringSlice("include-tags")
	}
	if flags.Changed("exclude-tags") {
		cfg.Import.ExcludeTags, _ = flags.GetStringSlice("exclude-tags")
	}
	if flags.Changed("content-types") {
		cfg.Import.ContentTypes, _ = flags.GetStringSlice("content-types")
	}
	if flags.Changed("state-dir") {
		cfg.Import.StateDir, _ = flags.GetString("state-dir")
	}
	if flags.Changed("download-dir") {
		cfg.Import.DownloadDir, _ = flags.GetString("download-dir")
	}
	if flags.Changed("download-workers") {
		cfg.Import.DownloadWorkers, _ = flags.GetInt("download-workers")
	}
	if flags.Changed("retries") {
		cfg.Import.Retries, _ = flags.GetInt("retries")
	}
	if flags.Changed("retry-backoff-ms") {
		cfg.Import.RetryBackoffMs, _ = flags.GetInt("retry-backoff-ms")
	}
	if flags.Changed("dry-run") {
		cfg.Import.DryRun, _ = flags.GetBool("dry-run")
	}
	if flags.Changed("resume") {
		cfg.Import.Resume, _ = flags.GetBool("resume")
	}
	if flags.Changed("show-progress") {
		cfg.Import.ShowProgress, _ = flags.GetBool("show-progress")
	}
	if flags.Changed("metrics-addr") {
		cfg.Import.MetricsAddr, _ = flags.GetString("metrics-addr")
	}

	if flags.Changed("embedding-base-url") {
		cfg.Embedding.BaseURL, _ = flags.GetString("embedding-base-url")
	}
	if flags.Changed("embedding-api-key") {
		cfg.Embedding.APIKey, _ = flags.GetString("embedding-api-key")
	}
	if flags.Changed("embedding-model") {
		cfg.Embedding.Model, _ = flags.GetString("embedding-model")
	}

	if flags.Changed("archive-endpoint") {
		cfg.Archive.Endpoint, _ = flags.GetString("archive-endpoint")
		cfg.Archive.Enabled = true
	}
	if flags.Changed("archive-bucket") {
		cfg.Archive.Bucket, _ = flags.GetString("archive-bucket")
	}
	if flags.Changed("archive-access-key") {
		cfg.Archive.AccessKey, _ = flags.GetString("archive-access-key")
	}
	if flags.Changed("archive-secret-key") {
		cfg.Archive.SecretKey, _ = flags.GetString("archive-secret-key")
	}

	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}

	return nil
}

func (c *Config) validate() error {
	if c.Import.Collection == "" {
		return fmt.Errorf("collection is required")
	}

	if c.Library.SnapshotDB == "" && c.Library.APIBaseURL == "" {
		return fmt.Errorf("at least one library source is required (snapshot db or api base url)")
	}
	if c.Library.SnapshotDB != "" && c.Library.StorageDir == "" {
		return fmt.Errorf("storage dir is required when a snapshot db is configured")
	}
	if c.Library.APIBaseURL != "" && c.Library.APIKey == "" {
		return fmt.Errorf("api key is required when an api base url is configured")
	}

	if c.Import.DownloadWorkers <= 0 {
		return fmt.Errorf("download workers must be positive")
	}
	if c.Import.Retries <= 0 {
		return fmt.Errorf("retries must be positive")
	}

	if c.Embedding.Model == "" {
		return fmt.Errorf("embedding model is required")
	}
	if c.Embedding.ChunkTargetSize <= 0 {
		return fmt.Errorf("chunk target size must be positive")
	}
	if c.Embedding.ChunkOverlap < 0 || c.Embedding.ChunkOverlap >= c.Embedding.ChunkTargetSize {
		return fmt.Errorf("chunk overlap must be non-negative and smaller than the target size")
	}

	if c.Archive.Enabled {
		if c.Archive.Endpoint == "" {
			return fmt.Errorf("archive endpoint is required when the archive is enabled")
		}
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive bucket is required when the archive is enabled")
		}
	}

	return nil
}
