// Package config loads the service's YAML configuration file: unmarshal,
// then fill in anything the operator left blank, logging notable
// substitutions with pterm so a misconfigured deployment is obvious from
// the startup output alone.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pterm/pterm"
	"gopkg.in/yaml.v2"
)

// Config is the top-level shape of config.yaml.
type Config struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	Docstore    DocstoreConfig              `yaml:"docstore"`
	Vector      VectorConfig                `yaml:"vector"`
	Embedding   EmbeddingConfig             `yaml:"embedding"`
	Connection  ConnectionConfig            `yaml:"connection"`
	Connections map[string]ConnectionConfig `yaml:"connections"`
	Fetch       FetchConfig                 `yaml:"fetch"`
	Crawl       CrawlConfig                 `yaml:"crawl"`
	RateLimit   RateLimitConfig             `yaml:"rate_limit"`
	Ingest      IngestConfig                `yaml:"ingest"`
	Auth        AuthConfig                  `yaml:"auth"`
}

// DocstoreConfig points at the Postgres database holding agents, inboxes,
// and context documents.
type DocstoreConfig struct {
	ConnectionString string `yaml:"connection_string"`
	MaxConns         int32  `yaml:"max_conns"`
}

// VectorConfig selects and configures the vector store backend.
type VectorConfig struct {
	Backend    string `yaml:"backend"` // "qdrant" or "postgres"
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	APIKey     string `yaml:"api_key"`
	DSN        string `yaml:"dsn"` // used when backend=="postgres"
	Dimensions int    `yaml:"dimensions"`
	UseTLS     bool   `yaml:"use_tls"`
}

// EmbeddingConfig points at the embedding provider used to vectorize chunks.
type EmbeddingConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// ConnectionConfig describes one LLM connection. The top-level `connection`
// block is the default; `connections` maps the ids agents may name in their
// settings to additional connections.
type ConnectionConfig struct {
	Provider string `yaml:"provider"` // "openai", "anthropic"
	BaseURL  string `yaml:"base_url"`
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
}

// FetchConfig bounds a single URL/file fetch.
type FetchConfig struct {
	Timeout      time.Duration `yaml:"timeout"`
	MaxBodyBytes int64         `yaml:"max_body_bytes"`
	UserAgent    string        `yaml:"user_agent"`
	MaxRedirects int           `yaml:"max_redirects"`
}

// CrawlConfig bounds a bounded-BFS website crawl.
type CrawlConfig struct {
	DefaultMaxPages int           `yaml:"default_max_pages"`
	DefaultMaxDepth int           `yaml:"default_max_depth"`
	MaxTotalBytes   int64         `yaml:"max_total_bytes"`
	Timeout         time.Duration `yaml:"timeout"`
	RespectRobots   bool          `yaml:"respect_robots"`
	// RobotsRedisAddr, when set, shares the robots.txt verdict cache across
	// nodes through redis instead of the process-local TTL cache.
	RobotsRedisAddr string `yaml:"robots_redis_addr"`
}

// RateLimitConfig bounds outbound politeness per host.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// IngestConfig bounds ingestion worker concurrency and chunking.
type IngestConfig struct {
	MaxWorkers   int   `yaml:"max_workers"`
	ChunkSize    int   `yaml:"chunk_size"`
	ChunkOverlap int   `yaml:"chunk_overlap"`
	MaxDocBytes  int64 `yaml:"max_doc_bytes"`
}

// AuthConfig configures the shared-secret webhook signature check.
type AuthConfig struct {
	WebhookSecret string `yaml:"webhook_secret"`
}

// Load reads and parses filename, then applies defaults to any field the
// operator left unset, printing a pterm warning for each substitution.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		pterm.Error.Printfln("failed to read config file %q: %v", filename, err)
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		pterm.Error.Printfln("failed to parse config file %q: %v", filename, err)
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&cfg)

	pterm.Success.Printfln("configuration loaded from %q", filename)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.Docstore.MaxConns == 0 {
		cfg.Docstore.MaxConns = 10
	}
	if cfg.Vector.Backend == "" {
		pterm.Warning.Println("vector.backend not set, defaulting to \"qdrant\"")
		cfg.Vector.Backend = "qdrant"
	}
	if cfg.Vector.Dimensions == 0 {
		cfg.Vector.Dimensions = 1536
	}
	if cfg.Embedding.Model == "" {
		cfg.Embedding.Model = "text-embedding-3-small"
	}
	if cfg.Embedding.Timeout == 0 {
		cfg.Embedding.Timeout = 30 * time.Second
	}
	if cfg.Fetch.Timeout == 0 {
		cfg.Fetch.Timeout = 20 * time.Second
	}
	if cfg.Fetch.MaxBodyBytes == 0 {
		cfg.Fetch.MaxBodyBytes = 25 * 1024 * 1024
	}
	if cfg.Fetch.UserAgent == "" {
		cfg.Fetch.UserAgent = "agent-ai-ingest/1.0"
	}
	if cfg.Fetch.MaxRedirects == 0 {
		cfg.Fetch.MaxRedirects = 5
	}
	if cfg.Crawl.DefaultMaxPages == 0 {
		cfg.Crawl.DefaultMaxPages = 50
	}
	if cfg.Crawl.DefaultMaxDepth == 0 {
		cfg.Crawl.DefaultMaxDepth = 3
	}
	if cfg.Crawl.MaxTotalBytes == 0 {
		cfg.Crawl.MaxTotalBytes = 200 * 1024 * 1024
	}
	if cfg.Crawl.Timeout == 0 {
		cfg.Crawl.Timeout = 10 * time.Minute
	}
	if cfg.RateLimit.RequestsPerSecond == 0 {
		cfg.RateLimit.RequestsPerSecond = 1
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 3
	}
	if cfg.Ingest.MaxWorkers == 0 {
		cfg.Ingest.MaxWorkers = 4
	}
	if cfg.Ingest.ChunkSize == 0 {
		cfg.Ingest.ChunkSize = 1000
	}
	if cfg.Ingest.ChunkOverlap == 0 {
		cfg.Ingest.ChunkOverlap = 200
	}
	if cfg.Ingest.MaxDocBytes == 0 {
		cfg.Ingest.MaxDocBytes = 20 * 1024 * 1024
	}
	if cfg.Auth.WebhookSecret == "" {
		pterm.Warning.Println("auth.webhook_secret not set; webhook signature checks are skipped and every webhook is accepted")
	}
}
