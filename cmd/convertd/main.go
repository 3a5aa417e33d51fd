// Command convertd serves the conversion backend: uploads, progress streams,
// cancellation and result downloads.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"convertkit/internal/backend"
	"convertkit/internal/config"
	fileutil "convertkit/internal/file"
)

func main() {
	configPath := flag.String("config", "config.yml", "path to the YAML config file")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	zerolog.SetGlobalLevel(cfg.Level())

	if err := fileutil.EnsureDir(cfg.Server.DataDir); err != nil {
		log.Fatal().Err(err).Str("dir", cfg.Server.DataDir).Msg("ensure data dir")
	}

	manager := buildManager(cfg)
	router := setupRouter()
	backend.NewAPI(manager, cfg.Server.MaxUploadBytes).RegisterRoutes(router)

	baseCtx, baseCancel := context.WithCancel(context.Background())
	manager.SetBaseContext(baseCtx)

	const (
		readHeaderTimeout = 5 * time.Second
		shutdownTimeout   = 10 * time.Second
	)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Strs("tools", manager.Tools()).Msg("convertd listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	waitForShutdownSignal()

	gracefulShutdown(srv, baseCancel, manager, shutdownTimeout)
}

func setupRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(backend.ZerologLogger())
	return r
}

func buildManager(cfg config.Config) *backend.Manager {
	m := backend.NewManagerWithOptions(backend.Options{
		DataDir:            cfg.Server.DataDir,
		MaxConcurrentTasks: cfg.Server.MaxConcurrentTasks,
	})
	if err := m.LoadFromDisk(); err != nil {
		log.Warn().Err(err).Msg("could not restore previous jobs")
	}
	return m
}

func waitForShutdownSignal() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutdown signal received")
}

// gracefulShutdown cancels the base context first so open event streams and
// running jobs end instead of holding Shutdown until its deadline.
func gracefulShutdown(srv *http.Server, cancelBase context.CancelFunc, m *backend.Manager, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cancelBase()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown warning")
	}
	if !m.WaitAll(ctx) {
		log.Warn().Msg("background workers did not finish before timeout")
	}
	log.Info().Msg("server exited cleanly")
}
