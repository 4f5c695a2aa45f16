package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of all environment overrides.
const EnvPrefix = "PKB_"

// Config holds all configuration for pkb.
type Config struct {
	Embedding EmbeddingConfig `yaml:"embedding"`
	Store     StoreConfig     `yaml:"store"`
	Cache     CacheConfig     `yaml:"cache"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Search    SearchConfig    `yaml:"search"`
	Data      DataConfig      `yaml:"data"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// EmbeddingConfig holds embedding service configuration.
type EmbeddingConfig struct {
	Provider  string        `yaml:"provider"` // "ollama", "openai", "mock"
	Model     string        `yaml:"model"`
	BaseURL   string        `yaml:"base_url"`
	APIKeyEnv string        `yaml:"api_key_env"` // Environment variable for API key
	Dimension int           `yaml:"dimension"`
	Timeout   time.Duration `yaml:"timeout"`
}

// StoreConfig selects and configures the vector store backend.
type StoreConfig struct {
	Backend     string `yaml:"backend"` // "local" or "server"
	Path        string `yaml:"path"`    // local: bbolt file, relative to the state dir
	DatabaseURL string `yaml:"database_url"`
	TablePrefix string `yaml:"table_prefix"`
	Metric      string `yaml:"metric"`
	IndexKind   string `yaml:"index_kind"`
}

// CacheConfig configures the embedding cache.
type CacheConfig struct {
	Capacity  int           `yaml:"capacity"`
	Persist   string        `yaml:"persist"` // "bolt", "redis" or "none"
	RedisAddr string        `yaml:"redis_addr"`
	RedisDB   int           `yaml:"redis_db"`
	RedisTTL  time.Duration `yaml:"redis_ttl"`
}

// IngestConfig holds ingestion tuning.
type IngestConfig struct {
	BatchSize       int           `yaml:"batch_size"`
	MaxWorkers      int           `yaml:"max_workers"`
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialBackoff  time.Duration `yaml:"initial_backoff"`
	MaxBackoff      time.Duration `yaml:"max_backoff"`
	StoreAttempts   int           `yaml:"store_attempts"`
	MapFeedback     bool          `yaml:"map_feedback"`
	MapFeedbackTopK int           `yaml:"map_feedback_top_k"`
	WriteProcessed  bool          `yaml:"write_processed"`
}

// SearchConfig holds query defaults.
type SearchConfig struct {
	Collection string  `yaml:"collection"`
	TopK       int     `yaml:"top_k"`
	Threshold  float64 `yaml:"threshold"` // 0 = disabled
}

// DataConfig locates input and state directories.
type DataConfig struct {
	KnowledgeDir        string   `yaml:"knowledge_dir"`
	FeedbackDir         string   `yaml:"feedback_dir"`
	ProcessedDir        string   `yaml:"processed_dir"`
	StateDir            string   `yaml:"state_dir"`
	KnowledgeCollection string   `yaml:"knowledge_collection"`
	FeedbackCollection  string   `yaml:"feedback_collection"`
	Includes            []string `yaml:"includes"`
	Excludes            []string `yaml:"excludes"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
}

// MetricsConfig holds metrics export configuration.
type MetricsConfig struct {
	Textfile string `yaml:"textfile"` // node-exporter textfile, empty = disabled
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Embedding: EmbeddingConfig{
			Provider:  "ollama",
			Model:     "mitoza/Qwen3-Embedding-0.6B:latest",
			BaseURL:   "http://localhost:11434",
			APIKeyEnv: "OPENAI_API_KEY",
			Dimension: 1024,
			Timeout:   300 * time.Second,
		},
		Store: StoreConfig{
			Backend:     "local",
			Path:        "vectors.db",
			TablePrefix: "pkb_",
			Metric:      "cosine",
			IndexKind:   "flat",
		},
		Cache: CacheConfig{
			Capacity: 1000,
			Persist:  "bolt",
			RedisTTL: 30 * 24 * time.Hour,
		},
		Ingest: IngestConfig{
			BatchSize:       100,
			MaxWorkers:      4,
			MaxAttempts:     3,
			InitialBackoff:  time.Second,
			MaxBackoff:      10 * time.Second,
			StoreAttempts:   3,
			MapFeedback:     true,
			MapFeedbackTopK: 5,
			WriteProcessed:  true,
		},
		Search: SearchConfig{
			Collection: "knowledge",
			TopK:       5,
		},
		Data: DataConfig{
			KnowledgeDir:        "data/canonical_perspectives",
			FeedbackDir:         "data/user_feedbacks",
			ProcessedDir:        "data/processed",
			StateDir:            ".pkb",
			KnowledgeCollection: "knowledge",
			FeedbackCollection:  "feedback",
			Includes:            []string{"*.json"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil // Return defaults if no config file
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromDir loads configuration from a directory (looks for pkb.yaml).
func LoadFromDir(dir string) (*Config, error) {
	path := filepath.Join(dir, "pkb.yaml")
	if _, err := os.Stat(path); err == nil {
		return Load(path)
	}

	path = filepath.Join(dir, ".pkb", "config.yaml")
	if _, err := os.Stat(path); err == nil {
		return Load(path)
	}

	return DefaultConfig(), nil
}

// LoadDotEnv loads a .env file from dir into the process environment.
// Variables already set are not overridden. A missing file is not an error.
func LoadDotEnv(dir string) error {
	path := filepath.Join(dir, ".env")
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	return godotenv.Load(path)
}

// ApplyEnv overrides configuration values from PKB_* environment variables.
func (c *Config) ApplyEnv() error {
	strs := map[string]*string{
		"EMBEDDING_PROVIDER": &c.Embedding.Provider,
		"EMBEDDING_MODEL":    &c.Embedding.Model,
		"OLLAMA_HOST":        &c.Embedding.BaseURL,
		"STORE_BACKEND":      &c.Store.Backend,
		"DATABASE_URL":       &c.Store.DatabaseURL,
		"CACHE_PERSIST":      &c.Cache.Persist,
		"REDIS_ADDR":         &c.Cache.RedisAddr,
		"LOG_LEVEL":          &c.Logging.Level,
		"STATE_DIR":          &c.Data.StateDir,
	}
	for name, dst := range strs {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"VECTOR_DIM":  &c.Embedding.Dimension,
		"BATCH_SIZE":  &c.Ingest.BatchSize,
		"MAX_WORKERS": &c.Ingest.MaxWorkers,
		"CACHE_SIZE":  &c.Cache.Capacity,
		"TOP_K":       &c.Search.TopK,
	}
	for name, dst := range ints {
		v, ok := os.LookupEnv(EnvPrefix + name)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s%s: %w", EnvPrefix, name, err)
		}
		*dst = n
	}

	if v, ok := os.LookupEnv(EnvPrefix + "OLLAMA_TIMEOUT"); ok {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %sOLLAMA_TIMEOUT: %w", EnvPrefix, err)
		}
		c.Embedding.Timeout = time.Duration(secs) * time.Second
	}

	return nil
}

// Validate checks value ranges and enumerations.
func (c *Config) Validate() error {
	switch c.Embedding.Provider {
	case "ollama", "openai", "mock":
	default:
		return fmt.Errorf("unsupported embedding provider: %s", c.Embedding.Provider)
	}
	if c.Embedding.Model == "" {
		return fmt.Errorf("embedding model is required")
	}
	if c.Embedding.Dimension < 1 || c.Embedding.Dimension > 4096 {
		return fmt.Errorf("embedding dimension must be in [1, 4096], got %d", c.Embedding.Dimension)
	}
	switch c.Store.Backend {
	case "local":
	case "server":
		if c.Store.DatabaseURL == "" {
			return fmt.Errorf("store.database_url is required for the server backend")
		}
	default:
		return fmt.Errorf("unsupported store backend: %s", c.Store.Backend)
	}
	switch c.Store.Metric {
	case "cosine", "ip", "l2":
	default:
		return fmt.Errorf("unsupported metric: %s", c.Store.Metric)
	}
	switch c.Store.IndexKind {
	case "flat", "ivf_flat", "hnsw":
	default:
		return fmt.Errorf("unsupported index kind: %s", c.Store.IndexKind)
	}
	switch c.Cache.Persist {
	case "bolt", "none":
	case "redis":
		if c.Cache.RedisAddr == "" {
			return fmt.Errorf("cache.redis_addr is required when cache.persist is redis")
		}
	default:
		return fmt.Errorf("unsupported cache persistence: %s", c.Cache.Persist)
	}
	if c.Cache.Capacity < 0 {
		return fmt.Errorf("cache capacity must not be negative")
	}
	if c.Ingest.BatchSize < 1 || c.Ingest.BatchSize > 1000 {
		return fmt.Errorf("batch size must be in [1, 1000], got %d", c.Ingest.BatchSize)
	}
	if c.Ingest.MaxWorkers < 1 || c.Ingest.MaxWorkers > 32 {
		return fmt.Errorf("max workers must be in [1, 32], got %d", c.Ingest.MaxWorkers)
	}
	if c.Ingest.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1")
	}
	if c.Search.TopK < 1 || c.Search.TopK > 100 {
		return fmt.Errorf("top_k must be in [1, 100], got %d", c.Search.TopK)
	}
	return nil
}

// Save writes the configuration as YAML, creating the parent directory.
// The file may hold a database password and is only readable by its owner.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// StateDir returns the absolute state directory for a root directory.
func (c *Config) StateDir(root string) string {
	return resolve(root, c.Data.StateDir)
}

// StateDBPath returns the path of the manifest and cache database.
func (c *Config) StateDBPath(root string) string {
	return filepath.Join(c.StateDir(root), "state.db")
}

// VectorDBPath returns the path of the local vector store file.
func (c *Config) VectorDBPath(root string) string {
	return resolve(c.StateDir(root), c.Store.Path)
}

// Resolve returns p relative to root unless it is absolute.
func (c *Config) Resolve(root, p string) string {
	return resolve(root, p)
}

// EnsureStateDir ensures the state directory exists.
func (c *Config) EnsureStateDir(root string) error {
	return os.MkdirAll(c.StateDir(root), 0755)
}

func resolve(root, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(root, p)
}
