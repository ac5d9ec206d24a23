package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/stellarlinkco/memvault/pkg/logger"
)

const (
	DefaultEmbeddingModel     = "text-embedding-3-small"
	DefaultEmbeddingDimension = 1536
	DefaultEmbeddingTimeoutMs = 15000
	DefaultEmbeddingBatchSize = 64
	DefaultEmbeddingRetries   = 3

	DefaultSuggestModel     = "gpt-4"
	DefaultSuggestMaxTokens = 1024
	DefaultSuggestTimeoutMs = 30000

	DefaultSegmentMaxWords = 200
	DefaultSegmentOverlap  = 40

	DefaultSummaryMinWords = 200
	DefaultRetrieveTopK    = 5

	DefaultHost = "0.0.0.0"
	DefaultPort = 8490

	// Nightly, while nobody is writing.
	DefaultCompactionSchedule = "0 30 3 * * *"

	DefaultAuditRetentionDays = 90
)

type Config struct {
	DataDir    string           `json:"dataDir"`
	Segment    SegmentConfig    `json:"segment"`
	Embedding  EmbeddingConfig  `json:"embedding"`
	Suggest    SuggestConfig    `json:"suggest"`
	Retrieval  RetrievalConfig  `json:"retrieval"`
	Server     ServerConfig     `json:"server"`
	Compaction CompactionConfig `json:"compaction"`
	Audit      AuditConfig      `json:"audit"`
	Log        logger.Config    `json:"log"`
}

type SegmentConfig struct {
	MaxWords int `json:"maxWords,omitempty"`
	Overlap  int `json:"overlap,omitempty"`
}

type EmbeddingConfig struct {
	BaseURL    string `json:"baseUrl,omitempty"`
	APIKey     string `json:"apiKey,omitempty"`
	Model      string `json:"model,omitempty"`
	Dimension  int    `json:"dimension,omitempty"`
	TimeoutMs  int    `json:"timeoutMs,omitempty"`
	BatchSize  int    `json:"batchSize,omitempty"`
	MaxRetries int    `json:"maxRetries,omitempty"`
}

// SuggestConfig covers the chat-completion provider used for auto summaries
// and metadata suggestion. Empty fields fall back to the embedding provider's
// base URL and key.
type SuggestConfig struct {
	BaseURL         string `json:"baseUrl,omitempty"`
	APIKey          string `json:"apiKey,omitempty"`
	Model           string `json:"model,omitempty"`
	MaxTokens       int    `json:"maxTokens,omitempty"`
	TimeoutMs       int    `json:"timeoutMs,omitempty"`
	SummaryMinWords int    `json:"summaryMinWords,omitempty"`
}

type RetrievalConfig struct {
	TopK int `json:"topK,omitempty"`
}

type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type CompactionConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule,omitempty"`
}

// AuditConfig controls the audit trail. RetentionDays bounds how far back
// events are kept; the nightly maintenance job prunes anything older.
// Zero or negative disables pruning.
type AuditConfig struct {
	RetentionDays int `json:"retentionDays"`
}

func DefaultConfig() *Config {
	return &Config{
		DataDir: filepath.Join(ConfigDir(), "data"),
		Segment: SegmentConfig{
			MaxWords: DefaultSegmentMaxWords,
			Overlap:  DefaultSegmentOverlap,
		},
		Embedding: EmbeddingConfig{
			Model:      DefaultEmbeddingModel,
			Dimension:  DefaultEmbeddingDimension,
			TimeoutMs:  DefaultEmbeddingTimeoutMs,
			BatchSize:  DefaultEmbeddingBatchSize,
			MaxRetries: DefaultEmbeddingRetries,
		},
		Suggest: SuggestConfig{
			Model:           DefaultSuggestModel,
			MaxTokens:       DefaultSuggestMaxTokens,
			TimeoutMs:       DefaultSuggestTimeoutMs,
			SummaryMinWords: DefaultSummaryMinWords,
		},
		Retrieval: RetrievalConfig{TopK: DefaultRetrieveTopK},
		Server: ServerConfig{
			Host: DefaultHost,
			Port: DefaultPort,
		},
		Compaction: CompactionConfig{
			Enabled:  true,
			Schedule: DefaultCompactionSchedule,
		},
		Audit: AuditConfig{RetentionDays: DefaultAuditRetentionDays},
		Log: logger.Config{Level: "info", Format: "console"},
	}
}

func ConfigDir() string {
	if dir := os.Getenv("MEMVAULT_HOME"); dir != "" {
		return dir
	}
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".memvault")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if dir := os.Getenv("MEMVAULT_DATA_DIR"); dir != "" {
		cfg.DataDir = dir
	}
	if key := os.Getenv("MEMVAULT_API_KEY"); key != "" {
		cfg.Embedding.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Embedding.APIKey == "" {
		cfg.Embedding.APIKey = key
	}
	if url := os.Getenv("MEMVAULT_BASE_URL"); url != "" {
		cfg.Embedding.BaseURL = url
	}
	if url := os.Getenv("OPENAI_BASE_URL"); url != "" && cfg.Embedding.BaseURL == "" {
		cfg.Embedding.BaseURL = url
	}
	if model := os.Getenv("MEMVAULT_EMBEDDING_MODEL"); model != "" {
		cfg.Embedding.Model = model
	}
	if dim := os.Getenv("MEMVAULT_EMBEDDING_DIMENSION"); dim != "" {
		if parsed, err := strconv.Atoi(dim); err == nil && parsed > 0 {
			cfg.Embedding.Dimension = parsed
		}
	}
	if key := os.Getenv("MEMVAULT_SUGGEST_API_KEY"); key != "" {
		cfg.Suggest.APIKey = key
	}
	if url := os.Getenv("MEMVAULT_SUGGEST_BASE_URL"); url != "" {
		cfg.Suggest.BaseURL = url
	}
	if model := os.Getenv("MEMVAULT_SUGGEST_MODEL"); model != "" {
		cfg.Suggest.Model = model
	}
	if level := os.Getenv("MEMVAULT_LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}

	// The suggest provider shares the embedding credentials unless overridden.
	if cfg.Suggest.APIKey == "" {
		cfg.Suggest.APIKey = cfg.Embedding.APIKey
	}
	if cfg.Suggest.BaseURL == "" {
		cfg.Suggest.BaseURL = cfg.Embedding.BaseURL
	}

	applyFloors(cfg)

	return cfg, nil
}

func applyFloors(cfg *Config) {
	def := DefaultConfig()
	if cfg.DataDir == "" {
		cfg.DataDir = def.DataDir
	}
	if cfg.Segment.MaxWords <= 0 {
		cfg.Segment.MaxWords = DefaultSegmentMaxWords
	}
	if cfg.Segment.Overlap < 0 || cfg.Segment.Overlap >= cfg.Segment.MaxWords {
		cfg.Segment.Overlap = DefaultSegmentOverlap
	}
	if cfg.Embedding.Model == "" {
		cfg.Embedding.Model = DefaultEmbeddingModel
	}
	if cfg.Embedding.Dimension <= 0 {
		cfg.Embedding.Dimension = DefaultEmbeddingDimension
	}
	if cfg.Embedding.TimeoutMs <= 0 {
		cfg.Embedding.TimeoutMs = DefaultEmbeddingTimeoutMs
	}
	if cfg.Embedding.BatchSize <= 0 {
		cfg.Embedding.BatchSize = DefaultEmbeddingBatchSize
	}
	if cfg.Embedding.MaxRetries <= 0 {
		cfg.Embedding.MaxRetries = DefaultEmbeddingRetries
	}
	if cfg.Suggest.Model == "" {
		cfg.Suggest.Model = DefaultSuggestModel
	}
	if cfg.Suggest.MaxTokens <= 0 {
		cfg.Suggest.MaxTokens = DefaultSuggestMaxTokens
	}
	if cfg.Suggest.TimeoutMs <= 0 {
		cfg.Suggest.TimeoutMs = DefaultSuggestTimeoutMs
	}
	if cfg.Suggest.SummaryMinWords <= 0 {
		cfg.Suggest.SummaryMinWords = DefaultSummaryMinWords
	}
	if cfg.Retrieval.TopK <= 0 {
		cfg.Retrieval.TopK = DefaultRetrieveTopK
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = DefaultHost
	}
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = DefaultPort
	}
	if cfg.Compaction.Schedule == "" {
		cfg.Compaction.Schedule = DefaultCompactionSchedule
	}
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}
