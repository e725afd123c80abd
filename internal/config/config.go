// Package config loads client settings from an optional YAML file, an
// optional .env file, and the environment, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds every runtime setting.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	LogLevel   string `yaml:"log_level"`

	BackendURL     string        `yaml:"backend_url"`
	BackendTimeout time.Duration `yaml:"backend_timeout"`
	ClientVersion  string        `yaml:"client_version"`

	DefaultLanguage    string   `yaml:"default_language"`
	SupportedLanguages []string `yaml:"supported_languages"`

	HealthLongInterval  time.Duration `yaml:"health_long_interval"`
	HealthShortInterval time.Duration `yaml:"health_short_interval"`
	HealthRetryCap      int           `yaml:"health_retry_cap"`

	RedisAddr   string        `yaml:"redis_addr"`
	ResultTTL   time.Duration `yaml:"result_ttl"`
	DatabaseDSN string        `yaml:"database_dsn"`

	JWTSecret   string   `yaml:"jwt_secret"`
	JWTAudience string   `yaml:"jwt_audience"`
	CORSOrigins []string `yaml:"cors_origins"`

	MaxUploadBytes int64 `yaml:"max_upload_bytes"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		ListenAddr:          ":8080",
		LogLevel:            "info",
		BackendURL:          "http://localhost:8000",
		BackendTimeout:      120 * time.Second,
		ClientVersion:       "1.0.0",
		DefaultLanguage:     "en",
		SupportedLanguages:  []string{"en", "ko", "vi"},
		HealthLongInterval:  5 * time.Minute,
		HealthShortInterval: 10 * time.Second,
		HealthRetryCap:      10,
		RedisAddr:           "redis:6379",
		ResultTTL:           10 * time.Minute,
		DatabaseDSN:         "sqlite:chakshot.db",
		CORSOrigins:         []string{"*"},
		MaxUploadBytes:      10 << 20,
	}
}

// Load reads .env (if present), the YAML file named by CHAKSHOT_CONFIG (if
// set), then applies environment overrides and validates the result.
func Load() (*Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	cfg := Default()
	if path := os.Getenv("CHAKSHOT_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	strs := map[string]*string{
		"LISTEN_ADDR":      &c.ListenAddr,
		"LOG_LEVEL":        &c.LogLevel,
		"BACKEND_URL":      &c.BackendURL,
		"CLIENT_VERSION":   &c.ClientVersion,
		"DEFAULT_LANGUAGE": &c.DefaultLanguage,
		"REDIS_ADDR":       &c.RedisAddr,
		"DATABASE_DSN":     &c.DatabaseDSN,
		"JWT_SECRET":       &c.JWTSecret,
		"JWT_AUDIENCE":     &c.JWTAudience,
	}
	for key, dst := range strs {
		if v, ok := get(key); ok {
			*dst = v
		}
	}

	lists := map[string]*[]string{
		"SUPPORTED_LANGUAGES": &c.SupportedLanguages,
		"CORS_ORIGINS":        &c.CORSOrigins,
	}
	for key, dst := range lists {
		if v, ok := get(key); ok {
			*dst = splitList(v)
		}
	}

	durations := map[string]*time.Duration{
		"BACKEND_TIMEOUT":       &c.BackendTimeout,
		"HEALTH_LONG_INTERVAL":  &c.HealthLongInterval,
		"HEALTH_SHORT_INTERVAL": &c.HealthShortInterval,
		"RESULT_TTL":            &c.ResultTTL,
	}
	for key, dst := range durations {
		if v, ok := get(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = d
		}
	}

	if v, ok := get("HEALTH_RETRY_CAP"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("HEALTH_RETRY_CAP: %w", err)
		}
		c.HealthRetryCap = n
	}
	if v, ok := get("MAX_UPLOAD_BYTES"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("MAX_UPLOAD_BYTES: %w", err)
		}
		c.MaxUploadBytes = n
	}
	return nil
}

// Validate rejects settings the client cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.BackendURL) == "" {
		errs = append(errs, errors.New("backend_url is required"))
	}
	if c.HealthLongInterval <= 0 || c.HealthShortInterval <= 0 {
		errs = append(errs, errors.New("health intervals must be positive"))
	}
	if c.HealthRetryCap < 1 {
		errs = append(errs, errors.New("health_retry_cap must be at least 1"))
	}
	if c.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("max_upload_bytes must be positive"))
	}
	if strings.TrimSpace(c.JWTSecret) == "" {
		errs = append(errs, errors.New("jwt_secret is required"))
	}
	if !c.SupportsLanguage(c.DefaultLanguage) {
		errs = append(errs, fmt.Errorf("default_language %q is not in supported_languages", c.DefaultLanguage))
	}
	return errors.Join(errs...)
}

// SupportsLanguage reports whether lang is one of the supported languages.
func (c *Config) SupportsLanguage(lang string) bool {
	for _, l := range c.SupportedLanguages {
		if strings.EqualFold(l, lang) {
			return true
		}
	}
	return false
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
