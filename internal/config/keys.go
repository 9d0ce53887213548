package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "storage.data_dir", typ: kString, env: "IMGDEX_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "embedding.url", typ: kString, env: "IMGDEX_EMBEDDING_URL",
		apply:   func(cfg *Config, v any) { cfg.Embedding.URL = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.URL },
	},
	{
		key: "embedding.model", typ: kString, env: "IMGDEX_EMBEDDING_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.Model },
	},
	{
		key: "embedding.dim", typ: kInt, env: "IMGDEX_EMBEDDING_DIM",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Dim = v.(int) },
		extract: func(cfg Config) any { return cfg.Embedding.Dim },
	},
	{
		key: "embedding.concurrency", typ: kInt, env: "IMGDEX_EMBEDDING_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Concurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Embedding.Concurrency },
	},
	{
		key: "embedding.max_image_size", typ: kInt, env: "IMGDEX_EMBEDDING_MAX_IMAGE_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Embedding.MaxImageSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Embedding.MaxImageSize },
	},
	{
		key: "embedding.timeout", typ: kString, env: "IMGDEX_EMBEDDING_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Timeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.Timeout },
	},
	{
		key: "ingest.batch_size", typ: kInt, env: "IMGDEX_INGEST_BATCH_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Ingest.BatchSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.BatchSize },
	},
	{
		key: "scan.register_batch", typ: kInt, env: "IMGDEX_SCAN_REGISTER_BATCH",
		apply:   func(cfg *Config, v any) { cfg.Scan.RegisterBatch = v.(int) },
		extract: func(cfg Config) any { return cfg.Scan.RegisterBatch },
	},
	{
		key: "dedup.threshold", typ: kFloat, env: "IMGDEX_DEDUP_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Dedup.Threshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Dedup.Threshold },
	},
	{
		key: "dedup.neighbors", typ: kInt, env: "IMGDEX_DEDUP_NEIGHBORS",
		apply:   func(cfg *Config, v any) { cfg.Dedup.Neighbors = v.(int) },
		extract: func(cfg Config) any { return cfg.Dedup.Neighbors },
	},
	{
		key: "dedup.strategy", typ: kString, env: "IMGDEX_DEDUP_STRATEGY",
		apply:   func(cfg *Config, v any) { cfg.Dedup.Strategy = v.(string) },
		extract: func(cfg Config) any { return cfg.Dedup.Strategy },
	},
	{
		key: "search.top_k", typ: kInt, env: "IMGDEX_SEARCH_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Search.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Search.TopK },
	},
	{
		key: "search.concurrency", typ: kInt, env: "IMGDEX_SEARCH_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Search.Concurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Search.Concurrency },
	},
	{
		key: "server.port", typ: kInt, env: "IMGDEX_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.token", typ: kString, env: "IMGDEX_SERVER_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Token },
	},
	{
		key: "log.level", typ: kString, env: "IMGDEX_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if bv, err := strconv.ParseBool(v); err == nil {
					s.apply(cfg, bv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		case kFloat:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					s.apply(cfg, f)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse float from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
