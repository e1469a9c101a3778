package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const maxConfigFileSize = 1024 * 1024 // 1MB

// sectionPrefixes are the env var prefixes mapped into config sections.
var sectionPrefixes = []string{"ENGINE_", "EMBEDDING_", "STORE_", "SERVER_"}

// LoadWithFile loads configuration from a YAML file, then overrides with
// environment variables.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (ENGINE_HOST, EMBEDDING_MODEL, ...)
//  2. YAML config file
//  3. Hardcoded defaults
//
// If configPath is empty, ~/.config/memoryd/config.yaml is used. A missing
// file is not an error; the defaults and environment carry the configuration.
//
// Environment variables map to YAML fields by treating the first underscore
// segment as the section:
//
//	ENGINE_HOST                 -> engine.host
//	EMBEDDING_API_KEY           -> embedding.api_key
//	STORE_TABLE_PREFIX          -> store.table_prefix
//	SERVER_SHUTDOWN_TIMEOUT     -> server.shutdown_timeout
func LoadWithFile(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "memoryd", "config.yaml")
	}

	if _, err := os.Stat(configPath); err == nil {
		f, err := os.Open(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
		if info.Size() > maxConfigFileSize {
			return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
		}

		content, err := io.ReadAll(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider("", ".", transformEnvKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	cfg := Load()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// transformEnvKey maps an environment variable name to a config key, or ""
// for variables outside the recognized sections.
func transformEnvKey(s string) string {
	for _, prefix := range sectionPrefixes {
		if strings.HasPrefix(s, prefix) {
			section := strings.ToLower(strings.TrimSuffix(prefix, "_"))
			field := strings.ToLower(strings.TrimPrefix(s, prefix))
			return section + "." + field
		}
	}
	return ""
}
