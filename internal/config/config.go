// Package config loads graphctl settings from YAML with environment
// overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/kittclouds/sessiongraph/pkg/rank"
)

// Environment variables that override the file.
const (
	EnvDBPath          = "SESSIONGRAPH_DB_PATH"
	EnvHistoryDir      = "SESSIONGRAPH_HISTORY_DIR"
	EnvVectorBackend   = "SESSIONGRAPH_VECTOR_BACKEND"
	EnvVectorDimension = "SESSIONGRAPH_VECTOR_DIMENSION"
	EnvLogLevel        = "SESSIONGRAPH_LOG_LEVEL"
)

type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	History   HistoryConfig   `yaml:"history"`
	Vector    VectorConfig    `yaml:"vector"`
	Search    SearchConfig    `yaml:"search"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Log       LogConfig       `yaml:"log"`
}

type DatabaseConfig struct {
	// Path of the SQLite file; ":memory:" for a throwaway database.
	Path string `yaml:"path"`
}

type HistoryConfig struct {
	// Dir holds the per-version node files.
	Dir string `yaml:"dir"`
}

type VectorConfig struct {
	Backend   string `yaml:"backend"` // auto, vec0, hnsw, none
	Dimension int    `yaml:"dimension"`
	// Snapshot is where the HNSW index is saved, relative to the history dir.
	Snapshot string `yaml:"snapshot,omitempty"`
}

type SearchConfig struct {
	Weights         rank.Weights  `yaml:"weights"`
	CandidateLimit  int           `yaml:"candidate_limit"`
	SnippetLength   int           `yaml:"snippet_length"`
	RecencyHalfLife time.Duration `yaml:"recency_half_life"`
	RelationK       float64       `yaml:"relation_k"`
	CacheTTL        time.Duration `yaml:"cache_ttl"`
}

type EmbeddingConfig struct {
	BatchSize         int     `yaml:"batch_size"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Path: "sessiongraph.db"},
		History:  HistoryConfig{Dir: "history"},
		Vector:   VectorConfig{Backend: "auto"},
		Search: SearchConfig{
			Weights:         rank.DefaultWeights(),
			CandidateLimit:  200,
			SnippetLength:   160,
			RecencyHalfLife: 30 * 24 * time.Hour,
			RelationK:       5,
			CacheTTL:        5 * time.Minute,
		},
		Embedding: EmbeddingConfig{BatchSize: 16, RequestsPerSecond: 5, Burst: 5},
		Log:       LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path over the defaults, then applies environment overrides.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults without consulting the environment.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := cfg.decode(data); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overrides fields from the environment via getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := getenv(EnvDBPath); v != "" {
		c.Database.Path = v
	}
	if v := getenv(EnvHistoryDir); v != "" {
		c.History.Dir = v
	}
	if v := getenv(EnvVectorBackend); v != "" {
		c.Vector.Backend = v
	}
	if v := getenv(EnvVectorDimension); v != "" {
		d, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvVectorDimension, err)
		}
		c.Vector.Dimension = d
	}
	if v := getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
	return nil
}

// Validate checks enumerations and ranges.
func (c *Config) Validate() error {
	switch c.Vector.Backend {
	case "auto", "vec0", "hnsw", "none":
	default:
		return fmt.Errorf("vector.backend %q: want auto, vec0, hnsw or none", c.Vector.Backend)
	}
	if c.Vector.Dimension < 0 {
		return fmt.Errorf("vector.dimension must not be negative")
	}
	if err := c.Search.Weights.Validate(); err != nil {
		return fmt.Errorf("search.weights: %w", err)
	}
	if c.Embedding.BatchSize < 0 || c.Embedding.RequestsPerSecond < 0 {
		return fmt.Errorf("embedding settings must not be negative")
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format %q: want text or json", c.Log.Format)
	}
	return nil
}

// NewLogger builds a logger from the log section.
func (c *Config) NewLogger(out io.Writer) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(out)
	if lvl, err := logrus.ParseLevel(c.Log.Level); err == nil {
		l.SetLevel(lvl)
	}
	if strings.EqualFold(c.Log.Format, "json") {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return l
}
