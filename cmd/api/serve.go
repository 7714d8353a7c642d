package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/pedro-meseguer/xai-business/internal/app"
	"github.com/pedro-meseguer/xai-business/internal/archive"
	"github.com/pedro-meseguer/xai-business/internal/auth"
	"github.com/pedro-meseguer/xai-business/internal/config"
	"github.com/pedro-meseguer/xai-business/internal/explain"
	"github.com/pedro-meseguer/xai-business/internal/search"
	"github.com/pedro-meseguer/xai-business/internal/session"
	"github.com/pedro-meseguer/xai-business/internal/store"
)

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dataStore, closeStore, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := seedDevClient(ctx, dataStore); err != nil {
		log.Warn("Dev API client seed failed", "error", err)
	}

	templates := config.DefaultTemplates()
	if strings.TrimSpace(cfg.TemplatesFile) != "" {
		templates, err = config.LoadTemplates(cfg.TemplatesFile)
		if err != nil {
			return fmt.Errorf("load templates: %w", err)
		}
	}

	deps := app.Dependencies{Templates: templates, Log: log}

	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Info("Using Redis for the API-key cache and explanation queue")
		client, err := session.Connect(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		cache := session.NewRedisStoreWithClient(client)
		defer cache.Close()
		deps.Resolver = auth.NewResolver(dataStore, cache, cfg.APIKeyCacheTTL)
		deps.Queue = explain.NewRedisQueue(client)
	} else {
		log.Info("Using in-process explanation queue")
		deps.Queue = explain.NewMemoryQueue(256)
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, log)
		defer meiliClient.Close()
		deps.Search = search.NewService(meiliClient, dataStore, log)
	}

	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		reportArchive, err := archive.NewMinioArchive(ctx, archive.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			return fmt.Errorf("archive setup failed: %w", err)
		}
		deps.Archive = reportArchive
	}

	service, err := app.New(cfg, dataStore, deps)
	if err != nil {
		return err
	}
	worker := explain.NewWorker(dataStore, deps.Queue, explain.Stub, log)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           app.NewHTTPServer(service, cfg.CORSOrigin, log).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Info("API listening", "addr", cfg.Addr, "store", cfg.StoreDriver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		return worker.Run(groupCtx, cfg.ExplainWorkers)
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("Shutdown error", "error", err)
		}
		return nil
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("API stopped")
	return nil
}

func openStore(ctx context.Context) (store.Store, func(), error) {
	if cfg.StoreDriver == "memory" {
		log.Warn("Using in-memory store; data is lost on restart")
		return store.NewMemoryStore(), func() {}, nil
	}

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("database connection failed: %w", err)
	}
	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("migrations failed: %w", err)
	}
	return store.NewPostgresStore(db), func() { _ = db.Close() }, nil
}
