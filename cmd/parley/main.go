package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/kestrelworks/parley/internal/config"
	"github.com/kestrelworks/parley/internal/conversation"
	"github.com/kestrelworks/parley/internal/convlog"
	"github.com/kestrelworks/parley/internal/gateway"
	"github.com/kestrelworks/parley/internal/history"
	"github.com/kestrelworks/parley/internal/images"
	"github.com/kestrelworks/parley/internal/logger"
	"github.com/kestrelworks/parley/internal/moderation"
	"github.com/kestrelworks/parley/internal/registry"
	"github.com/kestrelworks/parley/internal/relay"
	"github.com/kestrelworks/parley/internal/server"
	"github.com/kestrelworks/parley/internal/worker"
)

func init() {
	godotenv.Load()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", "error", err)
	}

	if cfg.TemplatesPath != "" {
		if err := conversation.LoadTemplates(cfg.TemplatesPath); err != nil {
			logger.Fatal("failed to load templates", "path", cfg.TemplatesPath, "error", err)
		}
		logger.Info("template overrides loaded", "path", cfg.TemplatesPath)
	}

	client := registry.NewClient(cfg.ControllerURL)
	cache := registry.NewCache(client)

	primeCtx, cancelPrime := context.WithTimeout(context.Background(), 15*time.Second)
	if err := cache.Refresh(primeCtx); err != nil {
		logger.Error("initial model list refresh failed", "error", err)
	}
	cancelPrime()

	if cfg.RefreshCron != "" {
		if err := cache.StartSchedule(cfg.RefreshCron); err != nil {
			logger.Fatal("invalid refresh schedule", "spec", cfg.RefreshCron, "error", err)
		}
		defer cache.Stop()
	}

	sink := convlog.NewSink(cfg.LogDir)

	var imageStore images.Store
	if cfg.Storage.Enabled {
		ms, err := images.NewMinioStore(images.MinioConfig{
			Endpoint:  cfg.Storage.Endpoint,
			AccessKey: cfg.Storage.AccessKey,
			SecretKey: cfg.Storage.SecretKey,
			Bucket:    cfg.Storage.Bucket,
			UseSSL:    cfg.Storage.UseSSL,
		})
		if err != nil {
			logger.Fatal("failed to create object store client", "error", err)
		}
		initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := ms.Init(initCtx); err != nil {
			logger.Fatal("failed to init object store", "error", err)
		}
		cancel()
		imageStore = ms
		logger.Info("image storage enabled", "backend", "minio", "endpoint", cfg.Storage.Endpoint)
	} else {
		imageStore = images.NewLocalStore(cfg.LogDir)
		logger.Info("image storage enabled", "backend", "local", "dir", cfg.LogDir)
	}

	var moderator moderation.Moderator = moderation.Disabled{}
	if cfg.Moderation.Enabled {
		moderator = moderation.NewOpenAI(cfg.Moderation.APIKey)
		logger.Info("moderation enabled")
	}

	r := relay.New(client, worker.NewClient(""), sink)

	gw := gateway.New(r, cache, sink, imageStore, moderator, gateway.Defaults{
		Temperature:  cfg.Sampling.Temperature,
		TopP:         cfg.Sampling.TopP,
		MaxNewTokens: cfg.Sampling.MaxNewTokens,
	})

	if cfg.History.Enabled {
		h, err := history.Open(cfg.History.Path, 0)
		if err != nil {
			logger.Fatal("failed to open history store", "path", cfg.History.Path, "error", err)
		}
		defer h.Close()
		gw.SetHistory(h)
		logger.Info("history enabled", "path", cfg.History.Path)
	}

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      server.New(gw, cache).Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // streaming responses hold the connection open
	}

	go func() {
		logger.Info("parley starting", "addr", cfg.ListenAddr, "controller", cfg.ControllerURL)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
}
