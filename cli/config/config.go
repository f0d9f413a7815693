// Package config handles process-wide configuration for the Crucible
// binaries. Values come from environment variables with defaults; an
// optional YAML file (crucible.yaml) can overlay any of them, with
// ${VAR:-default} expansion applied before parsing.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
)

// Config is the process-wide configuration, read once at startup.
type Config struct {
	HTTPPort int    `yaml:"http_port"`
	LogLevel string `yaml:"log_level"`

	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`

	// DefaultTimeLimitMS is the execution time limit applied when the run
	// request omits one.
	DefaultTimeLimitMS int `yaml:"default_time_limit_ms"`
	// DefaultMemoryMB is the output-cap limit applied when the run request
	// omits one.
	DefaultMemoryMB int `yaml:"default_memory_mb"`
	// MaxConcurrentExecutions bounds in-flight jobs per worker process.
	MaxConcurrentExecutions int `yaml:"max_concurrent_executions"`
}

// DatabaseConfig holds Postgres connection settings.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
}

// DSN builds a pgx-compatible connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(d.User), url.QueryEscape(d.Password),
		d.Host, d.Port, d.Name, d.SSLMode,
	)
}

// RedisConfig holds broker connection settings.
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// URL builds a go-redis connection URL.
// Format: redis://[:password@]host:port/db
func (r RedisConfig) URL() string {
	auth := ""
	if r.Password != "" {
		auth = ":" + url.QueryEscape(r.Password) + "@"
	}
	return fmt.Sprintf("redis://%s%s:%d/%d", auth, r.Host, r.Port, r.DB)
}

// FromEnv builds a Config from environment variables, applying defaults
// for anything unset.
func FromEnv() *Config {
	return &Config{
		HTTPPort: envInt("HTTP_PORT", 3000),
		LogLevel: envStr("LOG_LEVEL", "info"),
		Database: DatabaseConfig{
			Host:     envStr("DATABASE_HOST", "localhost"),
			Port:     envInt("DATABASE_PORT", 5432),
			Name:     envStr("DATABASE_NAME", "crucible"),
			User:     envStr("DATABASE_USER", "crucible"),
			Password: envStr("DATABASE_PASSWORD", ""),
			SSLMode:  envStr("DATABASE_SSL_MODE", "disable"),
		},
		Redis: RedisConfig{
			Host:     envStr("REDIS_HOST", "localhost"),
			Port:     envInt("REDIS_PORT", 6379),
			Password: envStr("REDIS_PASSWORD", ""),
			DB:       envInt("REDIS_DB", 0),
		},
		DefaultTimeLimitMS:      envInt("DEFAULT_TIME_LIMIT_MS", 5000),
		DefaultMemoryMB:         envInt("DEFAULT_MEMORY_MB", 256),
		MaxConcurrentExecutions: envInt("MAX_CONCURRENT_EXECUTIONS", 10),
	}
}

func envStr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
