// Package config loads engine configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the full engine configuration, parsed from SESHAT_* environment
// variables.
type Config struct {
	Store     StoreConfig
	Retrieval RetrievalConfig
	Summary   SummaryConfig
	Provider  ProviderConfig
}

// StoreConfig selects and configures the vector store backend.
type StoreConfig struct {
	Backend    string `env:"SESHAT_STORE_BACKEND" envDefault:"local"`
	Collection string `env:"SESHAT_COLLECTION" envDefault:"long_term_memory"`
	Dim        int    `env:"SESHAT_EMBED_DIM" envDefault:"1024"`

	// Milvus.
	Address  string `env:"SESHAT_MILVUS_ADDRESS" envDefault:"localhost:19530"`
	Token    string `env:"SESHAT_MILVUS_TOKEN"`
	Username string `env:"SESHAT_MILVUS_USER"`
	Password string `env:"SESHAT_MILVUS_PASSWORD"`
	DBName   string `env:"SESHAT_MILVUS_DB"`
	TLS      bool   `env:"SESHAT_MILVUS_TLS"`

	// Postgres.
	DSN string `env:"SESHAT_POSTGRES_DSN"`

	// Embedded.
	DataDir string `env:"SESHAT_DATA_DIR" envDefault:"seshat_data"`

	// CounterPath is the SQLite file for durable turn counters.
	CounterPath string `env:"SESHAT_COUNTER_PATH" envDefault:"seshat_counters.db"`
}

// RetrievalConfig tunes memory injection.
type RetrievalConfig struct {
	TopK             int           `env:"SESHAT_TOP_K" envDefault:"5"`
	SearchTimeout    time.Duration `env:"SESHAT_SEARCH_TIMEOUT" envDefault:"5s"`
	PersonaFiltering bool          `env:"SESHAT_PERSONA_FILTERING"`
	InjectStrategy   string        `env:"SESHAT_INJECT_STRATEGY" envDefault:"user_prompt"`
	BlockPrefix      string        `env:"SESHAT_BLOCK_PREFIX" envDefault:"<memory>"`
	BlockSuffix      string        `env:"SESHAT_BLOCK_SUFFIX" envDefault:"</memory>"`
	ContextRetention int           `env:"SESHAT_CONTEXT_RETENTION" envDefault:"0"`
}

// SummaryConfig tunes the summarization cadence.
type SummaryConfig struct {
	Threshold    int           `env:"SESHAT_SUMMARY_THRESHOLD" envDefault:"10"`
	PollInterval time.Duration `env:"SESHAT_POLL_INTERVAL" envDefault:"60s"`
	IdleTimeout  time.Duration `env:"SESHAT_IDLE_TIMEOUT" envDefault:"1h"`
	MaxHistory   int           `env:"SESHAT_MAX_HISTORY" envDefault:"200"`
	MaxWorkers   int           `env:"SESHAT_MAX_WORKERS" envDefault:"10"`
	Instruction  string        `env:"SESHAT_SUMMARY_INSTRUCTION"`
}

// ProviderConfig selects the LLM used for summaries. The embedding provider
// is resolved separately via SESHAT_EMBED_PROVIDER (see the embed package).
type ProviderConfig struct {
	Name  string `env:"SESHAT_LLM_PROVIDER" envDefault:"dummy"`
	Model string `env:"SESHAT_LLM_MODEL"`
}

// Load parses the environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}
