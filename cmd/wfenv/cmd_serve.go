// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/wfenv/pkg/logging"
	"github.com/AleutianAI/wfenv/services/wfenv"
	"github.com/AleutianAI/wfenv/services/wfenv/config"
	"github.com/AleutianAI/wfenv/services/wfenv/instance"
	"github.com/AleutianAI/wfenv/services/wfenv/storage/badger"
	"github.com/AleutianAI/wfenv/services/wfenv/telemetry"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the environment host and its HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Override the listen address")
	return cmd
}

// serve runs the host until ctx is cancelled.
//
// Description:
//
//	Startup order: logging, telemetry, storage, schemas, restore of
//	persisted environments, schema watcher, periodic persistence, HTTP.
//	Shutdown drains HTTP, stops the watcher, persists once more and closes
//	storage.
func serve(ctx context.Context, cfg config.Config) error {
	logger := logging.New(cfg.Logging)
	defer logger.Close()
	log := logger.Slog()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			log.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	metrics, err := telemetry.DefaultMetrics()
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	cfg.Storage.Logger = log
	db, err := badger.OpenDB(cfg.Storage)
	if err != nil {
		return err
	}
	defer db.Close()
	store := badger.NewSnapshotStore(db, log)

	host := instance.NewHost(nil, log, metrics)
	svc := wfenv.NewService(host, store, log)

	if err := loadSchemas(svc, cfg.Schemas.Dir, log); err != nil {
		return err
	}
	restored, err := svc.Restore(ctx)
	if err != nil {
		return fmt.Errorf("restore environments: %w", err)
	}
	log.Info("environments restored", slog.Int("count", restored))

	if cfg.Schemas.Watch && cfg.Schemas.Dir != "" {
		watcher, err := config.NewWatcher(cfg.Schemas.Dir, cfg.Schemas.Debounce, func(paths []string) {
			n, err := svc.ReloadSchemas(ctx, cfg.Schemas.Dir)
			if err != nil {
				log.Error("schema reload failed", slog.Any("paths", paths), slog.String("error", err.Error()))
				return
			}
			log.Info("schemas reloaded", slog.Any("paths", paths), slog.Int("migrated", n))
		}, log)
		if err != nil {
			return err
		}
		if err := watcher.Start(ctx); err != nil {
			return fmt.Errorf("watch schemas: %w", err)
		}
		defer watcher.Stop()
	}

	limiter := rate.NewLimiter(rate.Limit(cfg.Server.RateLimit), cfg.Server.RateBurst)
	router := wfenv.NewRouter(wfenv.NewHandlers(svc, log), cfg.Telemetry.ServiceName, limiter)
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		svc.RunPersistLoop(gctx, cfg.Server.PersistInterval)
		return nil
	})
	g.Go(func() error {
		log.Info("listening", slog.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		log.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		return err
	}

	if cfg.Server.PersistInterval <= 0 {
		if n, err := svc.Persist(context.Background()); err != nil {
			log.Error("final persist failed", slog.String("error", err.Error()))
		} else {
			log.Info("environments persisted", slog.Int("count", n))
		}
	}
	return nil
}

// loadSchemas installs the schema set from dir. A missing directory starts
// the host with no schemas.
func loadSchemas(svc *wfenv.Service, dir string, log *slog.Logger) error {
	if dir == "" {
		return nil
	}
	schema, err := config.LoadSchemaDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			log.Warn("schema directory not found", slog.String("dir", dir))
			return nil
		}
		return fmt.Errorf("load schemas: %w", err)
	}
	svc.SetSchema(schema)
	log.Info("schemas loaded", slog.Int("activities", len(schema.Activities)), slog.String("dir", dir))
	return nil
}
