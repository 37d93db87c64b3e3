// Package config loads application configuration from environment
// variables with an optional YAML overlay file for deployments that
// prefer checked-in config over env plumbing.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all fusion-service configuration.
type Config struct {
	// Upstream feed
	FeedWSURL      string `yaml:"feed_ws_url"`
	HistoryBaseURL string `yaml:"history_base_url"`
	SnapshotTopic  string `yaml:"snapshot_topic"`
	IntradayTopic  string `yaml:"intraday_topic"`

	// Board
	Tickers            string `yaml:"tickers"` // comma-separated
	DisplayOffsetHours int    `yaml:"display_offset_hours"`

	// Schedules (cron spec, display timezone)
	RefreshCron string `yaml:"refresh_cron"`

	// Infrastructure
	RedisAddr     string `yaml:"redis_addr"` // empty disables the cache
	RedisPassword string `yaml:"redis_password"`
	RedisTTLHours int    `yaml:"redis_ttl_hours"`
	SQLitePath    string `yaml:"sqlite_path"` // empty disables the recorder

	// Servers
	ListenAddr  string `yaml:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr"`

	LogLevel string `yaml:"log_level"`
}

// Load reads configuration from environment variables with sensible
// defaults, then applies the YAML overlay named by CONFIG_FILE if set.
func Load() *Config {
	cfg := &Config{
		FeedWSURL:      getEnv("FEED_WS_URL", "ws://localhost:8600/feed"),
		HistoryBaseURL: getEnv("HISTORY_BASE_URL", "http://localhost:8600"),
		SnapshotTopic:  getEnv("SNAPSHOT_TOPIC", "snapshot"),
		IntradayTopic:  getEnv("INTRADAY_TOPIC", "intraday"),

		Tickers:            getEnv("TICKERS", "VNM,FPT,HPG,VIC,VCB,MSN,SSI,MWG,GAS,VHM"),
		DisplayOffsetHours: getEnvInt("DISPLAY_OFFSET_HOURS", 7),

		// Weekday post-close refresh, shortly after the afternoon
		// session ends.
		RefreshCron: getEnv("REFRESH_CRON", "0 15 * * MON-FRI"),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTTLHours: getEnvInt("REDIS_TTL_HOURS", 6),
		SQLitePath:    getEnv("SQLITE_PATH", "data/eod.db"),

		ListenAddr:  getEnv("LISTEN_ADDR", ":8080"),
		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.applyYAML(path); err != nil {
			log.Fatalf("[config] %v", err)
		}
	}
	return cfg
}

// applyYAML overlays non-zero values from a YAML file onto the config.
func (c *Config) applyYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	var overlay Config
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	merge(&c.FeedWSURL, overlay.FeedWSURL)
	merge(&c.HistoryBaseURL, overlay.HistoryBaseURL)
	merge(&c.SnapshotTopic, overlay.SnapshotTopic)
	merge(&c.IntradayTopic, overlay.IntradayTopic)
	merge(&c.Tickers, overlay.Tickers)
	mergeInt(&c.DisplayOffsetHours, overlay.DisplayOffsetHours)
	merge(&c.RefreshCron, overlay.RefreshCron)
	merge(&c.RedisAddr, overlay.RedisAddr)
	merge(&c.RedisPassword, overlay.RedisPassword)
	mergeInt(&c.RedisTTLHours, overlay.RedisTTLHours)
	merge(&c.SQLitePath, overlay.SQLitePath)
	merge(&c.ListenAddr, overlay.ListenAddr)
	merge(&c.MetricsAddr, overlay.MetricsAddr)
	merge(&c.LogLevel, overlay.LogLevel)
	return nil
}

// ParseTickers splits the Tickers string into a clean uppercase list.
func (c *Config) ParseTickers() []string {
	parts := strings.Split(c.Tickers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToUpper(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

// DisplayOffset returns the display timezone as a fixed UTC offset.
func (c *Config) DisplayOffset() time.Duration {
	return time.Duration(c.DisplayOffsetHours) * time.Hour
}

// RedisTTL returns the second-level cache TTL.
func (c *Config) RedisTTL() time.Duration {
	return time.Duration(c.RedisTTLHours) * time.Hour
}

func merge(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func mergeInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] invalid integer for %s: %q, using %d", key, v, fallback)
		return fallback
	}
	return n
}
