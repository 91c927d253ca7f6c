// Package config holds the Manager's defaults and the three-tier precedence
// (hard defaults, then environment variables, then explicit overrides) the
// teacher's Config/LoadFromEnv pair established.
package config

import (
	"os"
	"strconv"

	"github.com/sirupsen/logrus"

	"prometeo/internal/prometeoerr"
)

const (
	defaultConnections = 4
	defaultUserAgent   = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit"
	defaultSpeedMbps   = 10.0
)

// Config holds Manager-level defaults. After a Manager is constructed from
// it, only Manager.SetSpeed changes it (SpeedMbps).
type Config struct {
	Connections int
	TempDir     string
	UserAgent   string
	ProxyURL    string
	SpeedMbps   float64
	Debug       bool
	Quiet       bool
	LogJSON     bool

	// Logger, when set, overrides the Manager's default logrus.Logger
	// construction entirely.
	Logger *logrus.Logger
}

// Default returns the hard-coded defaults: 4 connections, the platform
// user-cache directory joined with "Prometeo", a generic browser user
// agent, and a 10 Mbps speed ceiling.
func Default() *Config {
	tempDir := defaultTempDir()
	return &Config{
		Connections: defaultConnections,
		TempDir:     tempDir,
		UserAgent:   defaultUserAgent,
		SpeedMbps:   defaultSpeedMbps,
	}
}

func defaultTempDir() string {
	base, err := os.UserCacheDir()
	if err != nil || base == "" {
		base = os.TempDir()
	}
	return base + string(os.PathSeparator) + "Prometeo"
}

// LoadFromEnv overrides cfg's fields from PROMETEO_* environment variables
// when they are set, following the same override-only-if-present contract
// as the teacher's TERAFETCH_* loader.
func (c *Config) LoadFromEnv() {
	if v := os.Getenv("PROMETEO_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Connections = n
		}
	}
	if v := os.Getenv("PROMETEO_TEMPDIR"); v != "" {
		c.TempDir = v
	}
	if v := os.Getenv("PROMETEO_USER_AGENT"); v != "" {
		c.UserAgent = v
	}
	if v := os.Getenv("PROMETEO_PROXY"); v != "" {
		c.ProxyURL = v
	}
	if v := os.Getenv("PROMETEO_SPEED_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			c.SpeedMbps = f
		}
	}
	if v := os.Getenv("PROMETEO_DEBUG"); v == "1" || v == "true" {
		c.Debug = true
	}
	if v := os.Getenv("PROMETEO_QUIET"); v == "1" || v == "true" {
		c.Quiet = true
	}
}

// Validate mirrors the teacher's ValidateConfig: it catches configuration
// mistakes synchronously, before any network activity starts.
func (c *Config) Validate() error {
	if c.Connections <= 0 {
		return prometeoerr.NewInvalidArgument("connections", "must be greater than zero")
	}
	if c.UserAgent == "" {
		return prometeoerr.NewInvalidArgument("userAgent", "must not be empty")
	}
	if c.SpeedMbps <= 0 {
		return prometeoerr.NewInvalidArgument("speedLimit", "must be greater than zero Mbps")
	}
	if c.TempDir == "" {
		return prometeoerr.NewInvalidArgument("tempdir", "must not be empty")
	}
	return nil
}

// SpeedBps converts the configured Mbps ceiling to bytes per second using
// the conversion factor the external interface names explicitly: 1 Mbps =
// 125,000 bytes/second.
func (c *Config) SpeedBps() int64 {
	return int64(c.SpeedMbps * 125_000)
}
