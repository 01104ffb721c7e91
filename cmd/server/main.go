package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"ember.share/config"
	"ember.share/internal/api"
	"ember.share/internal/audit"
	"ember.share/internal/blob"
	"ember.share/internal/cleanup"
	"ember.share/internal/gate"
	"ember.share/internal/logging"
	"ember.share/internal/policy"
	"ember.share/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("config error:", err)
	}

	logger := logging.NewJSON(os.Stdout)

	st := initStore(cfg)
	defer st.Close()

	blobs := initBlobStore(cfg)
	defer blobs.Close()

	trail := audit.NewTrail(st, logger)
	engine := policy.NewEngine(policy.Config{
		SuspicionWindow:       cfg.Policy.SuspicionWindow,
		MaxAttemptsPerCountry: cfg.Policy.MaxAttemptsPerCountry,
		MaxDistinctCountries:  cfg.Policy.MaxDistinctCountries,
	})
	g := gate.New(st, blobs, trail, engine, logger, gate.Options{
		AttachmentGrace: cfg.Cleanup.AttachmentGrace,
		SuspicionWindow: cfg.Policy.SuspicionWindow,
	})

	router := api.SetupRouter(g, trail, cfg, logger)

	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer cancel()

	// The reaper runs off the request path on its own schedule.
	sweeper := cleanup.NewSweeper(st, blobs, logger, cfg.Cleanup.AttachmentGrace, cfg.Cleanup.AuditRetention)
	go sweeper.Run(ctx, cfg.Cleanup.SweepInterval)

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info(ctx, "server starting",
			"addr", cfg.Addr(),
			"base_url", cfg.Server.BaseURL,
			"store", cfg.Store.Type,
			"blob", cfg.Blob.Type,
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, "server failed", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(shutdownCtx, "shutdown error", "error", err)
	}
}

func initStore(cfg *config.Config) store.Store {
	switch cfg.Store.Type {
	case "redis":
		st, err := store.NewRedisStore(&redis.Options{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
		}, cfg.Cleanup.AuditRetention)
		if err != nil {
			log.Fatal("redis connection failed:", err)
		}
		return st
	case "postgres":
		st, err := store.NewPostgresStore(cfg.Store.Postgres.DSN)
		if err != nil {
			log.Fatal("postgres connection failed:", err)
		}
		return st
	default:
		return store.NewMemoryStore()
	}
}

func initBlobStore(cfg *config.Config) blob.Store {
	switch cfg.Blob.Type {
	case "s3":
		bs, err := blob.NewS3Store(context.Background(), blob.S3Options{
			Region:       cfg.Blob.S3.Region,
			Bucket:       cfg.Blob.S3.Bucket,
			AccessKey:    cfg.Blob.S3.AccessKey,
			SecretKey:    cfg.Blob.S3.SecretKey,
			BaseEndpoint: cfg.Blob.S3.Endpoint,
			KeyPrefix:    cfg.Blob.S3.KeyPrefix,
		})
		if err != nil {
			log.Fatal("s3 blob store failed:", err)
		}
		return bs
	default:
		return blob.NewMemoryStore()
	}
}
