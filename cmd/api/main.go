package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"citekit/api/internal/app"
	"citekit/api/internal/config"
	"citekit/api/internal/metrics"
	"citekit/api/internal/search"
	"citekit/api/internal/store"
	"citekit/api/internal/xref"
	"citekit/api/internal/zotero"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	logger, err := config.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger setup failed: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		logger.Fatal("migrations failed", zap.Error(err))
	}

	dataStore := store.NewPostgresStore(db)
	library := zotero.NewClient(cfg.ZoteroURL, cfg.ZoteroTimeout, logger.Named("zotero"))

	var xrefs app.XrefStore
	if strings.TrimSpace(cfg.RedisURL) != "" {
		index, err := xref.NewRedisIndex(cfg.RedisURL)
		if err != nil {
			logger.Warn("redis unavailable, cross-references disabled", zap.Error(err))
		} else {
			defer index.Close()
			xrefs = index
		}
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger.Named("meili"))
		defer meiliClient.Close()
	}

	service := app.NewService(cfg, dataStore, library, xrefs, meiliClient, metrics.New(), logger)
	service.Sessions().StartSweeper(time.Minute)
	defer service.Sessions().Shutdown()

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, logger.Named("http"))
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Cold completions wait on the library server.
		WriteTimeout: cfg.ZoteroTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("citekit API listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
}
