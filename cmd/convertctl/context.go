package main

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"convertkit/internal/config"
	"convertkit/internal/convertapi"
	"convertkit/internal/stream"
	"convertkit/internal/task"
)

type globalFlags struct {
	config   string
	baseURL  string
	logLevel string
}

type commandContext struct {
	flags *globalFlags

	configOnce sync.Once
	config     config.Config
	configErr  error
}

func newCommandContext(flags *globalFlags) *commandContext {
	return &commandContext{flags: flags}
}

// ensureConfig loads the config file once, applies flag overrides and sets
// up logging.
func (c *commandContext) ensureConfig() (config.Config, error) {
	c.configOnce.Do(func() {
		cfg, err := config.Load(strings.TrimSpace(c.flags.config))
		if err != nil {
			c.configErr = err
			return
		}
		if v := strings.TrimSpace(c.flags.baseURL); v != "" {
			cfg.BaseURL = v
		}
		if v := strings.TrimSpace(c.flags.logLevel); v != "" {
			cfg.LogLevel = v
		}
		cfg.Normalize()
		if err := cfg.Validate(); err != nil {
			c.configErr = err
			return
		}
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
		zerolog.SetGlobalLevel(cfg.Level())
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) apiClient() (*convertapi.Client, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	return convertapi.New(cfg.BaseURL, convertapi.WithCancelPath(cfg.CancelPath))
}

func (c *commandContext) tracker(api *convertapi.Client) (*task.Tracker, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	streams, err := stream.NewClient(cfg.BaseURL, stream.WithStreamPath(cfg.StreamPath))
	if err != nil {
		return nil, err
	}
	return task.NewTrackerWithOptions(task.Options{
		Connect:       task.StreamConnector(streams),
		Canceler:      api,
		CancelTimeout: cfg.CancelTimeout,
	}), nil
}
