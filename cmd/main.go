package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"gravity/internal/api"
	"gravity/internal/config"
	"gravity/internal/downloader"
	fileutil "gravity/internal/file"
	"gravity/internal/store"
	"gravity/internal/task"
)

func main() {
	cfg, err := config.Load("config.yml")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setupLogging(cfg)

	for _, dir := range []string{cfg.DataDir, cfg.DownloadDir, cfg.StagingDir} {
		if err := fileutil.EnsureDir(dir); err != nil {
			log.Fatal().Err(err).Str("dir", dir).Msg("ensure dir")
		}
	}

	taskStore, err := store.Open(cfg.DataDir)
	if err != nil {
		log.Fatal().Err(err).Msg("open task store")
	}
	defer taskStore.Close()

	dl := downloader.NewClient(cfg.YtDlpPath, cfg.StagingDir, cfg.Proxy)

	manager := task.NewManagerWithOptions(task.Options{
		Store:           taskStore,
		Downloader:      dl,
		DownloadDir:     cfg.DownloadDir,
		StagingDir:      cfg.StagingDir,
		Workers:         cfg.Workers,
		TaskTimeout:     cfg.TaskTimeout.Std(),
		TaskTTL:         cfg.TaskTTL.Std(),
		MaxAttempts:     cfg.MaxAttempts,
		RetryBackoff:    cfg.RetryBackoff.Std(),
		HistoryLimit:    cfg.HistoryLimit,
		CleanupInterval: cfg.CleanupInterval.Std(),
	})

	baseCtx, baseCancel := context.WithCancel(context.Background())
	manager.Start(baseCtx)

	router := setupRouter()
	apiHandler := api.NewAPI(manager, cfg.AllowAnyURL)
	apiHandler.RegisterRoutes(router)

	const (
		readHeaderTimeout = 5 * time.Second
		shutdownTimeout   = 10 * time.Second
	)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Port).Int("workers", cfg.Workers).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	waitForShutdownSignal()

	gracefulShutdown(srv, baseCancel, manager, shutdownTimeout)
}

func setupLogging(cfg config.Config) {
	writers := []io.Writer{zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}}
	if cfg.LogFile != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.LogMaxSizeMB,
			MaxBackups: 3,
			Compress:   true,
		})
	}
	log.Logger = log.Output(zerolog.MultiLevelWriter(writers...))
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

func setupRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(api.RequestLogger())
	return r
}

func waitForShutdownSignal() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutdown signal received")
}

func gracefulShutdown(srv *http.Server, cancelBase context.CancelFunc, manager *task.Manager, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown warning")
	}

	manager.Close()
	cancelBase()
	if !manager.WaitAll(ctx) {
		log.Warn().Msg("background workers did not finish before timeout")
	}
	log.Info().Msg("server exited cleanly")
}
