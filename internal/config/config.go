package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

const (
	defaultBaseURL            = "http://localhost:8080"
	defaultStreamPath         = "/tasks/{task_id}/stream"
	defaultCancelPath         = "/tasks/{task_id}/cancel"
	defaultCancelTimeout      = 5 * time.Second
	defaultOutputDir          = "."
	defaultLogLevel           = "info"
	defaultPort               = 8080
	defaultDataDir            = "data"
	defaultMaxConcurrentTasks = 3
	defaultMaxUploadBytes     = 100 << 20

	// TaskIDPlaceholder is substituted with the task id in endpoint paths.
	TaskIDPlaceholder = "{task_id}"
)

// Config describes runtime configuration for the tracking client and the
// development backend.
type Config struct {
	BaseURL       string        `yaml:"base_url"`
	StreamPath    string        `yaml:"stream_path"`
	CancelPath    string        `yaml:"cancel_path"`
	CancelTimeout time.Duration `yaml:"cancel_timeout"`
	OutputDir     string        `yaml:"output_dir"`
	LogLevel      string        `yaml:"log_level"`
	Server        Server        `yaml:"server"`
}

// Server holds settings of the development backend.
type Server struct {
	Port               int    `yaml:"port"`
	DataDir            string `yaml:"data_dir"`
	MaxConcurrentTasks int    `yaml:"max_concurrent_tasks"`
	MaxUploadBytes     int64  `yaml:"max_upload_bytes"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		BaseURL:       defaultBaseURL,
		StreamPath:    defaultStreamPath,
		CancelPath:    defaultCancelPath,
		CancelTimeout: defaultCancelTimeout,
		OutputDir:     defaultOutputDir,
		LogLevel:      defaultLogLevel,
		Server: Server{
			Port:               defaultPort,
			DataDir:            defaultDataDir,
			MaxConcurrentTasks: defaultMaxConcurrentTasks,
			MaxUploadBytes:     defaultMaxUploadBytes,
		},
	}
}

// Load reads YAML config from the provided path. If the file does not exist
// or is empty, defaults are returned with no error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, errors.New("empty config path")
	}
	fileData, err := os.ReadFile(path) //nolint:gosec // config path is supplied by the operator
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if len(fileData) == 0 {
		return cfg, nil
	}
	if err := yaml.Unmarshal(fileData, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Normalize fills zero values with defaults and trims user input.
func (c *Config) Normalize() {
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if c.BaseURL == "" {
		c.BaseURL = defaultBaseURL
	}
	if !strings.Contains(c.BaseURL, "://") {
		c.BaseURL = "http://" + c.BaseURL
	}
	c.StreamPath = normalizePath(c.StreamPath, defaultStreamPath)
	c.CancelPath = normalizePath(c.CancelPath, defaultCancelPath)
	if c.CancelTimeout == 0 {
		c.CancelTimeout = defaultCancelTimeout
	}
	if strings.TrimSpace(c.OutputDir) == "" {
		c.OutputDir = defaultOutputDir
	}
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
	if c.Server.Port == 0 {
		c.Server.Port = defaultPort
	}
	if c.Server.DataDir == "" {
		c.Server.DataDir = defaultDataDir
	}
	if c.Server.MaxUploadBytes == 0 {
		c.Server.MaxUploadBytes = defaultMaxUploadBytes
	}
}

// Validate rejects values that cannot be normalized into something usable.
func (c Config) Validate() error {
	if _, err := url.ParseRequestURI(c.BaseURL); err != nil {
		return fmt.Errorf("invalid base_url %q: %w", c.BaseURL, err)
	}
	if !strings.Contains(c.StreamPath, TaskIDPlaceholder) {
		return fmt.Errorf("invalid stream_path %q: missing %s", c.StreamPath, TaskIDPlaceholder)
	}
	if !strings.Contains(c.CancelPath, TaskIDPlaceholder) {
		return fmt.Errorf("invalid cancel_path %q: missing %s", c.CancelPath, TaskIDPlaceholder)
	}
	if c.CancelTimeout < 0 {
		return fmt.Errorf("invalid cancel_timeout: %s (must be >= 0)", c.CancelTimeout)
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}
	// values < 1 are not allowed
	if c.Server.MaxConcurrentTasks < 1 {
		return fmt.Errorf("invalid max_concurrent_tasks: %d (must be >= 1)", c.Server.MaxConcurrentTasks)
	}
	if c.Server.MaxUploadBytes < 0 {
		return fmt.Errorf("invalid max_upload_bytes: %d", c.Server.MaxUploadBytes)
	}
	return nil
}

// Level returns the zerolog level for LogLevel, falling back to info.
func (c Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

func normalizePath(p, fallback string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return fallback
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}
