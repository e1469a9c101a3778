// Package config provides configuration loading for memoryd.
//
// Configuration is loaded from an optional YAML file and overridden by
// environment variables, with hardcoded defaults as the base layer.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"
)

// Config holds the complete memoryd configuration.
type Config struct {
	Engine    EngineConfig    `koanf:"engine"`
	Embedding EmbeddingConfig `koanf:"embedding"`
	Store     StoreConfig     `koanf:"store"`
	Server    ServerConfig    `koanf:"server"`
}

// EngineConfig holds storage-engine connection configuration.
type EngineConfig struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port"`

	// ConnectRetries is the initial-connect attempt budget.
	ConnectRetries int `koanf:"connect_retries"`

	// ConnectRetryDelay is the pause between connect attempts and before
	// a reconnect.
	ConnectRetryDelay Duration `koanf:"connect_retry_delay"`
}

// Addr returns the host:port address of the storage engine.
func (c EngineConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// EmbeddingConfig holds the external embedding service configuration.
type EmbeddingConfig struct {
	URL       string `koanf:"url"`
	APIKey    Secret `koanf:"api_key"`
	Model     string `koanf:"model"`
	Dimension int    `koanf:"dimension"`
}

// StoreConfig holds logical database and table provisioning configuration.
type StoreConfig struct {
	Database    string `koanf:"database"`
	TablePrefix string `koanf:"table_prefix"`

	// HNSW index parameters applied to every embedding index.
	HNSWM              int `koanf:"hnsw_m"`
	HNSWEfConstruction int `koanf:"hnsw_ef_construction"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// Load loads configuration from environment variables with defaults.
//
// Environment variables:
//   - ENGINE_HOST / ENGINE_PORT: storage engine address (default: localhost:23820)
//   - EMBEDDING_URL: embedding endpoint (default: https://api.openai.com/v1/embeddings)
//   - EMBEDDING_API_KEY: bearer token for the embedding endpoint
//   - EMBEDDING_MODEL: model name (default: text-embedding-3-small)
//   - EMBEDDING_DIMENSION: vector dimension (default: 1536)
//   - STORE_DATABASE: logical database name (default: memory_store)
//   - STORE_TABLE_PREFIX: table name prefix (default: memories_)
//   - STORE_HNSW_M / STORE_HNSW_EF_CONSTRUCTION: index parameters (16 / 200)
//   - SERVER_HOST / SERVER_PORT: HTTP bind address (default: localhost:9090)
func Load() *Config {
	return &Config{
		Engine: EngineConfig{
			Host:              getEnvString("ENGINE_HOST", "localhost"),
			Port:              getEnvInt("ENGINE_PORT", 23820),
			ConnectRetries:    getEnvInt("ENGINE_CONNECT_RETRIES", 3),
			ConnectRetryDelay: Duration(getEnvDuration("ENGINE_CONNECT_RETRY_DELAY", time.Second)),
		},
		Embedding: EmbeddingConfig{
			URL:       getEnvString("EMBEDDING_URL", "https://api.openai.com/v1/embeddings"),
			APIKey:    Secret(os.Getenv("EMBEDDING_API_KEY")),
			Model:     getEnvString("EMBEDDING_MODEL", "text-embedding-3-small"),
			Dimension: getEnvInt("EMBEDDING_DIMENSION", 1536),
		},
		Store: StoreConfig{
			Database:           getEnvString("STORE_DATABASE", "memory_store"),
			TablePrefix:        getEnvString("STORE_TABLE_PREFIX", "memories_"),
			HNSWM:              getEnvInt("STORE_HNSW_M", 16),
			HNSWEfConstruction: getEnvInt("STORE_HNSW_EF_CONSTRUCTION", 200),
		},
		Server: ServerConfig{
			Host:            getEnvString("SERVER_HOST", "localhost"),
			Port:            getEnvInt("SERVER_PORT", 9090),
			ShutdownTimeout: Duration(getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second)),
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Engine.Host == "" {
		return errors.New("engine host required")
	}
	if c.Engine.Port < 1 || c.Engine.Port > 65535 {
		return fmt.Errorf("invalid engine port: %d (must be 1-65535)", c.Engine.Port)
	}
	if c.Engine.ConnectRetries < 1 {
		return fmt.Errorf("engine connect retries must be >= 1, got %d", c.Engine.ConnectRetries)
	}
	if c.Engine.ConnectRetryDelay.Duration() <= 0 {
		return errors.New("engine connect retry delay must be positive")
	}

	if c.Embedding.URL == "" {
		return errors.New("embedding URL required")
	}
	if _, err := url.ParseRequestURI(c.Embedding.URL); err != nil {
		return fmt.Errorf("invalid embedding URL: %w", err)
	}
	if c.Embedding.Model == "" {
		return errors.New("embedding model required")
	}
	if c.Embedding.Dimension <= 0 {
		return fmt.Errorf("embedding dimension must be positive, got %d", c.Embedding.Dimension)
	}

	if c.Store.Database == "" {
		return errors.New("store database name required")
	}
	if c.Store.HNSWM <= 0 {
		return fmt.Errorf("hnsw_m must be positive, got %d", c.Store.HNSWM)
	}
	if c.Store.HNSWEfConstruction <= 0 {
		return fmt.Errorf("hnsw_ef_construction must be positive, got %d", c.Store.HNSWEfConstruction)
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		return errors.New("server shutdown timeout must be positive")
	}

	return nil
}

// Helper functions for environment variable parsing

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		parsed, err := time.ParseDuration(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}
