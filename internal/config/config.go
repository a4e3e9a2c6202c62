// Package config loads chemalyze settings from an optional TOML file, applies
// environment overrides, fills defaults and validates the result.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Pipeline modes.
const (
	ModeIsolated = "isolated"
	ModeLegacy   = "legacy"
)

// Server contains HTTP listener settings.
type Server struct {
	Addr                   string `toml:"addr"`
	StaticDir              string `toml:"static_dir"`
	ShutdownTimeoutSeconds int    `toml:"shutdown_timeout_seconds"`
	MaxUploadBytes         int64  `toml:"max_upload_bytes"`
}

// Pipeline describes the two external stages and the files they exchange.
type Pipeline struct {
	WorkDir               string   `toml:"work_dir"`
	Mode                  string   `toml:"mode"`
	StagingFile           string   `toml:"staging_file"`
	IntermediateFile      string   `toml:"intermediate_file"`
	FinalFile             string   `toml:"final_file"`
	RecognitionExecutable string   `toml:"recognition_executable"`
	RecognitionArgs       []string `toml:"recognition_args"`
	AnalysisExecutable    string   `toml:"analysis_executable"`
	AnalysisArgs          []string `toml:"analysis_args"`
	TimeoutSeconds        int      `toml:"timeout_seconds"`
	SharedResources       []string `toml:"shared_resources"`
}

// Redis configures the optional run-state cache.
type Redis struct {
	Addr string `toml:"addr"`
}

// Database configures the optional run audit log.
type Database struct {
	DSN string `toml:"dsn"`
}

// Auth configures bearer token validation.
type Auth struct {
	JWTSecret   string `toml:"jwt_secret"`
	JWTAudience string `toml:"jwt_audience"`
}

// GRPC configures the health endpoint.
type GRPC struct {
	HealthAddr string `toml:"health_addr"`
}

// Logging configures the zap logger.
type Logging struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Config is the full service configuration.
type Config struct {
	Server   Server   `toml:"server"`
	Pipeline Pipeline `toml:"pipeline"`
	Redis    Redis    `toml:"redis"`
	Database Database `toml:"database"`
	Auth     Auth     `toml:"auth"`
	GRPC     GRPC     `toml:"grpc"`
	Logging  Logging  `toml:"logging"`
}

// Load reads the TOML file at path (when non-empty), overlays environment
// variables, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path = strings.TrimSpace(path); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found", path)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if port := getEnv("PORT", ""); port != "" {
		c.Server.Addr = ":" + port
	}
	overrideString(&c.Server.Addr, "CHEMALYZE_ADDR")
	overrideString(&c.Server.StaticDir, "CHEMALYZE_STATIC_DIR")
	overrideString(&c.Pipeline.WorkDir, "CHEMALYZE_WORK_DIR")
	overrideString(&c.Pipeline.Mode, "CHEMALYZE_MODE")
	overrideString(&c.Pipeline.RecognitionExecutable, "CHEMALYZE_RECOGNITION_EXECUTABLE")
	overrideString(&c.Pipeline.AnalysisExecutable, "CHEMALYZE_ANALYSIS_EXECUTABLE")
	if value := getEnv("CHEMALYZE_RECOGNITION_ARGS", ""); value != "" {
		c.Pipeline.RecognitionArgs = strings.Fields(value)
	}
	if value := getEnv("CHEMALYZE_ANALYSIS_ARGS", ""); value != "" {
		c.Pipeline.AnalysisArgs = strings.Fields(value)
	}
	if value := getEnv("CHEMALYZE_SHARED_RESOURCES", ""); value != "" {
		c.Pipeline.SharedResources = strings.Fields(value)
	}
	if value := getEnv("CHEMALYZE_TIMEOUT_SECONDS", ""); value != "" {
		seconds, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("CHEMALYZE_TIMEOUT_SECONDS: %w", err)
		}
		c.Pipeline.TimeoutSeconds = seconds
	}
	overrideString(&c.Redis.Addr, "REDIS_ADDR")
	overrideString(&c.Database.DSN, "DATABASE_DSN")
	overrideString(&c.Auth.JWTSecret, "JWT_SECRET")
	overrideString(&c.Auth.JWTAudience, "JWT_AUDIENCE")
	overrideString(&c.GRPC.HealthAddr, "GRPC_HEALTH_ADDR")
	overrideString(&c.Logging.Level, "LOG_LEVEL")
	overrideString(&c.Logging.Format, "LOG_FORMAT")
	return nil
}

func overrideString(target *string, key string) {
	if value := getEnv(key, ""); value != "" {
		*target = value
	}
}

func getEnv(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

// Isolated reports whether requests are separated into session workspaces.
func (c *Config) Isolated() bool {
	return c.Pipeline.Mode == ModeIsolated
}

// ResolvePath returns p joined onto the work directory unless it is absolute.
func (c *Config) ResolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Pipeline.WorkDir, p)
}
