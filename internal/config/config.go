package config

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Storage   StorageConfig
	Embedding EmbeddingConfig
	Ingest    IngestConfig
	Scan      ScanConfig
	Dedup     DedupConfig
	Search    SearchConfig
	Server    ServerConfig
	Log       LogConfig
}

type StorageConfig struct {
	DataDir string
}

type EmbeddingConfig struct {
	URL          string
	Model        string
	Dim          int
	Concurrency  int
	MaxImageSize int
	Timeout      string
}

// TimeoutDuration parses Timeout. Validate guarantees it parses.
func (e EmbeddingConfig) TimeoutDuration() time.Duration {
	d, err := time.ParseDuration(e.Timeout)
	if err != nil {
		return 0
	}
	return d
}

type IngestConfig struct {
	BatchSize int
}

type ScanConfig struct {
	RegisterBatch int
}

type DedupConfig struct {
	Threshold float64
	Neighbors int
	Strategy  string
}

type SearchConfig struct {
	TopK        int
	Concurrency int
}

type ServerConfig struct {
	Port  int
	Token string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Embedding: EmbeddingConfig{
			URL:          "http://localhost:8000",
			Model:        "dinov2",
			Dim:          768,
			Concurrency:  4,
			MaxImageSize: 512,
			Timeout:      "60s",
		},
		Ingest: IngestConfig{BatchSize: 128},
		Scan:   ScanConfig{RegisterBatch: 1000},
		Dedup: DedupConfig{
			Threshold: 0.95,
			Neighbors: 50,
			Strategy:  "largest",
		},
		Search: SearchConfig{TopK: 10, Concurrency: 4},
		Server: ServerConfig{Port: 4100},
		Log:    LogConfig{Level: "info"},
	}
}

// Load reads configuration from the JSON file at
// $XDG_CONFIG_HOME/imgdex/config.json, then applies IMGDEX_* environment
// overrides. Secrets are only read from the environment.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()))
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values the engines cannot run with.
func (c Config) Validate() error {
	var problems []string
	if c.Storage.DataDir == "" {
		problems = append(problems, "storage.data_dir must not be empty")
	}
	if c.Embedding.Dim <= 0 {
		problems = append(problems, fmt.Sprintf("embedding.dim must be positive, got %d", c.Embedding.Dim))
	}
	if c.Embedding.Concurrency <= 0 {
		problems = append(problems, fmt.Sprintf("embedding.concurrency must be positive, got %d", c.Embedding.Concurrency))
	}
	if c.Embedding.MaxImageSize <= 0 {
		problems = append(problems, fmt.Sprintf("embedding.max_image_size must be positive, got %d", c.Embedding.MaxImageSize))
	}
	if d, err := time.ParseDuration(c.Embedding.Timeout); err != nil || d <= 0 {
		problems = append(problems, fmt.Sprintf("embedding.timeout must be a positive duration, got %q", c.Embedding.Timeout))
	}
	if c.Ingest.BatchSize <= 0 {
		problems = append(problems, fmt.Sprintf("ingest.batch_size must be positive, got %d", c.Ingest.BatchSize))
	}
	if c.Scan.RegisterBatch <= 0 {
		problems = append(problems, fmt.Sprintf("scan.register_batch must be positive, got %d", c.Scan.RegisterBatch))
	}
	if c.Dedup.Threshold <= 0 || c.Dedup.Threshold > 1 {
		problems = append(problems, fmt.Sprintf("dedup.threshold must be in (0, 1], got %v", c.Dedup.Threshold))
	}
	if c.Dedup.Neighbors <= 0 {
		problems = append(problems, fmt.Sprintf("dedup.neighbors must be positive, got %d", c.Dedup.Neighbors))
	}
	if c.Search.TopK <= 0 {
		problems = append(problems, fmt.Sprintf("search.top_k must be positive, got %d", c.Search.TopK))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.port out of range: %d", c.Server.Port))
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
