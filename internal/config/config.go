// Package config loads the shell configuration: defaults, then an optional
// TOML file, then environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	EnvConfigFile       = "BEACON_CONFIG_FILE"
	EnvAPIBaseURL       = "BEACON_API_BASE_URL"
	EnvRealtimeURL      = "BEACON_REALTIME_URL"
	EnvCredentialDSN    = "BEACON_CREDENTIAL_BACKEND_DSN"
	EnvCredentialPath   = "BEACON_CREDENTIAL_FILE"
	EnvCredentialTTL    = "BEACON_CREDENTIAL_TTL"
	EnvRetryMaxAttempts = "BEACON_RETRY_MAX_ATTEMPTS"
	EnvRetryBaseDelay   = "BEACON_RETRY_BASE_DELAY"
)

type Config struct {
	APIBaseURL     string
	RealtimeURL    string
	CredentialDSN  string
	CredentialPath string
	CredentialTTL  time.Duration
	RetryAttempts  int
	RetryBaseDelay time.Duration
}

type fileConfig struct {
	APIBaseURL     string `toml:"api_base_url"`
	RealtimeURL    string `toml:"realtime_url"`
	CredentialDSN  string `toml:"credential_backend_dsn"`
	CredentialPath string `toml:"credential_file"`
	CredentialTTL  string `toml:"credential_ttl"`
	RetryAttempts  int    `toml:"retry_max_attempts"`
	RetryBaseDelay string `toml:"retry_base_delay"`
}

func Default() Config {
	home, _ := os.UserHomeDir()
	return Config{
		APIBaseURL:     "http://127.0.0.1:8080",
		RealtimeURL:    "ws://127.0.0.1:8080/v1/stream",
		CredentialPath: filepath.Join(home, ".beacon", "credential"),
		CredentialTTL:  7 * 24 * time.Hour,
		RetryAttempts:  3,
		RetryBaseDelay: 250 * time.Millisecond,
	}
}

// Load resolves the effective config. The file path comes from
// BEACON_CONFIG_FILE; a missing env var means no file is read.
func Load() (Config, error) {
	cfg := Default()
	if path := strings.TrimSpace(os.Getenv(EnvConfigFile)); path != "" {
		loaded, err := loadFile(cfg, path)
		if err != nil {
			return Config{}, err
		}
		cfg = loaded
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

func loadFile(cfg Config, path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if meta.IsDefined("api_base_url") && strings.TrimSpace(raw.APIBaseURL) != "" {
		cfg.APIBaseURL = strings.TrimSpace(raw.APIBaseURL)
	}
	if meta.IsDefined("realtime_url") && strings.TrimSpace(raw.RealtimeURL) != "" {
		cfg.RealtimeURL = strings.TrimSpace(raw.RealtimeURL)
	}
	if meta.IsDefined("credential_backend_dsn") {
		cfg.CredentialDSN = strings.TrimSpace(raw.CredentialDSN)
	}
	if meta.IsDefined("credential_file") && strings.TrimSpace(raw.CredentialPath) != "" {
		cfg.CredentialPath = strings.TrimSpace(raw.CredentialPath)
	}
	if meta.IsDefined("credential_ttl") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.CredentialTTL))
		if err != nil {
			return Config{}, fmt.Errorf("parse credential_ttl: %w", err)
		}
		cfg.CredentialTTL = d
	}
	if meta.IsDefined("retry_max_attempts") && raw.RetryAttempts > 0 {
		cfg.RetryAttempts = raw.RetryAttempts
	}
	if meta.IsDefined("retry_base_delay") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.RetryBaseDelay))
		if err != nil {
			return Config{}, fmt.Errorf("parse retry_base_delay: %w", err)
		}
		cfg.RetryBaseDelay = d
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv(EnvAPIBaseURL)); v != "" {
		cfg.APIBaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvRealtimeURL)); v != "" {
		cfg.RealtimeURL = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvCredentialDSN)); v != "" {
		cfg.CredentialDSN = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvCredentialPath)); v != "" {
		cfg.CredentialPath = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvCredentialTTL)); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.CredentialTTL = d
		}
	}
	if v := strings.TrimSpace(os.Getenv(EnvRetryMaxAttempts)); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
			cfg.RetryAttempts = n
		}
	}
	if v := strings.TrimSpace(os.Getenv(EnvRetryBaseDelay)); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.RetryBaseDelay = d
		}
	}
}
