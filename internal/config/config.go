package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"
)

// Config is the top-level configuration structure.
type Config struct {
	Server        ServerConfig        `json:"server"`
	Database      DatabaseConfig      `json:"database"`
	Embedding     EmbeddingConfig     `json:"embedding"`
	Retrieval     RetrievalConfig     `json:"retrieval"`
	Metacognition MetacognitionConfig `json:"metacognition"`
	Reputation    ReputationConfig    `json:"reputation"`
	RateLimit     RateLimitConfig     `json:"rate_limit"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
	// APIKeys maps bearer tokens to owner ids. When empty the token is
	// taken as the owner id directly, which is only sensible in dev.
	APIKeys map[string]string `json:"api_keys,omitempty"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Redis    RedisConfig    `json:"redis"`
	Qdrant   QdrantConfig   `json:"qdrant"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

type QdrantConfig struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Collection string `json:"collection"`
}

type EmbeddingConfig struct {
	Provider  string `json:"provider"` // "api" or "local"
	Endpoint  string `json:"endpoint"`
	Model     string `json:"model"`
	APIKey    string `json:"api_key"`
	Dimension int    `json:"dimension"`
}

// RetrievalConfig tunes weighted search and scoring.
type RetrievalConfig struct {
	MaxAgeDays      float64 `json:"max_age_days"`      // recency horizon, default 365
	MaxContentChars int     `json:"max_content_chars"` // default 8000
	PrefilterFloor  int     `json:"prefilter_floor"`   // candidate count above which the vector index pre-filters
}

// MetacognitionConfig tunes pattern learning and prediction.
type MetacognitionConfig struct {
	MinLabeledObservations int           `json:"min_labeled_observations"` // grid search fallback threshold, default 10
	CacheLatencyMs         int64         `json:"cache_latency_ms"`         // retrieve latency treated as a cache hit, default 50
	ClusterFloor           float64       `json:"cluster_floor"`            // query-cluster similarity floor, default 0.6
	RecomputeInterval      time.Duration `json:"-"`
	RecomputeIntervalStr   string        `json:"recompute_interval"` // e.g. "10m"
}

// ReputationConfig tunes the reputation ledger and synthesis.
type ReputationConfig struct {
	RecomputeInterval    time.Duration `json:"-"`
	RecomputeIntervalStr string        `json:"recompute_interval"`   // e.g. "24h"
	ConsensusSimilarity  float64       `json:"consensus_similarity"` // synthesis cluster threshold, default 0.85
}

type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute"`
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file and substitutes environment variable references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns a config with all tunables at their documented defaults.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Database.Qdrant.Collection == "" {
		c.Database.Qdrant.Collection = "memories"
	}
	if c.Retrieval.MaxAgeDays == 0 {
		c.Retrieval.MaxAgeDays = 365
	}
	if c.Retrieval.MaxContentChars == 0 {
		c.Retrieval.MaxContentChars = 8000
	}
	if c.Retrieval.PrefilterFloor == 0 {
		c.Retrieval.PrefilterFloor = 200
	}
	if c.Metacognition.MinLabeledObservations == 0 {
		c.Metacognition.MinLabeledObservations = 10
	}
	if c.Metacognition.CacheLatencyMs == 0 {
		c.Metacognition.CacheLatencyMs = 50
	}
	if c.Metacognition.ClusterFloor == 0 {
		c.Metacognition.ClusterFloor = 0.6
	}
	c.Metacognition.RecomputeInterval = parseIntervalOr(c.Metacognition.RecomputeIntervalStr, 10*time.Minute)
	c.Reputation.RecomputeInterval = parseIntervalOr(c.Reputation.RecomputeIntervalStr, 24*time.Hour)
	if c.Reputation.ConsensusSimilarity == 0 {
		c.Reputation.ConsensusSimilarity = 0.85
	}
	if c.RateLimit.RequestsPerMinute == 0 {
		c.RateLimit.RequestsPerMinute = 600
	}
}

func parseIntervalOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
