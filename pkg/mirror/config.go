// Copyright 2025-2026 MirrorWire Contributors

package mirror

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

// cipherKeyEnv overrides the config file's cipher key so the key can be
// kept out of the file entirely.
const cipherKeyEnv = "MIRRORWIRE_CIPHER_KEY"

// Config holds the engine process configuration.
type Config struct {
	// Database is the SQLite path for the mirror config store.
	Database string `yaml:"database"`
	// CipherKey decrypts stored credentials. The MIRRORWIRE_CIPHER_KEY
	// environment variable takes precedence over this field.
	CipherKey string `yaml:"cipher_key"`
	LogLevel  string `yaml:"log_level"`

	ReconcileIntervalSeconds int `yaml:"reconcile_interval_seconds"`
	DownloadSlots            int `yaml:"download_slots"`
	DispatchPacingMillis     int `yaml:"dispatch_pacing_millis"`

	RetryQueue struct {
		Capacity   int `yaml:"capacity"`
		TTLSeconds int `yaml:"ttl_seconds"`
		MaxRetries int `yaml:"max_retries"`
	} `yaml:"retry_queue"`

	Watermark struct {
		CacheEntries    int `yaml:"cache_entries"`
		CacheTTLSeconds int `yaml:"cache_ttl_seconds"`
		MaxLogoBytes    int `yaml:"max_logo_bytes"`
	} `yaml:"watermark"`

	Telegram struct {
		APIID   int    `yaml:"api_id"`
		APIHash string `yaml:"api_hash"`
	} `yaml:"telegram"`
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// PostProcess applies environment overrides and validates required fields.
func (c *Config) PostProcess() error {
	if env := os.Getenv(cipherKeyEnv); env != "" {
		c.CipherKey = env
	}
	if c.CipherKey == "" {
		return fmt.Errorf("no cipher key configured (set cipher_key or %s)", cipherKeyEnv)
	}
	if c.Database == "" {
		return fmt.Errorf("no database path configured")
	}
	return nil
}

// LoadConfig reads and validates a config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// EngineConfig converts file settings into the engine's runtime config.
func (c *Config) EngineConfig() EngineConfig {
	cfg := EngineConfig{
		CipherKey:         c.CipherKey,
		ReconcileInterval: time.Duration(c.ReconcileIntervalSeconds) * time.Second,
	}
	cfg.Dispatcher.Pacing = time.Duration(c.DispatchPacingMillis) * time.Millisecond
	cfg.Handler.DownloadSlots = int64(c.DownloadSlots)
	cfg.RetryQueue.Capacity = c.RetryQueue.Capacity
	cfg.RetryQueue.TTL = time.Duration(c.RetryQueue.TTLSeconds) * time.Second
	cfg.RetryQueue.MaxRetries = c.RetryQueue.MaxRetries
	cfg.Watermark.CacheLen = c.Watermark.CacheEntries
	cfg.Watermark.CacheTTL = time.Duration(c.Watermark.CacheTTLSeconds) * time.Second
	cfg.Watermark.MaxLogoBytes = int64(c.Watermark.MaxLogoBytes)
	return cfg
}
