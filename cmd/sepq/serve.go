package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	httpAdapter "github.com/cwygoda/sepq/internal/adapter/http"
)

func (a *app) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the worker and the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd.Context())
		},
	}
}

func (a *app) serve(parent context.Context) error {
	cfg := a.cfg
	log.Printf("starting sepq on %s", cfg.Listen)
	log.Printf("database: %s", cfg.DBPath)

	repo, svc, err := a.openStore()
	if err != nil {
		return err
	}
	defer repo.Close()

	// Jobs interrupted mid-submit or mid-download resume on the first tick.
	if recovered, err := svc.RecoverStale(parent); err != nil {
		log.Printf("warning: failed to recover stale jobs: %v", err)
	} else if recovered > 0 {
		log.Printf("recovered %d stale jobs", recovered)
	}

	client := a.newClient()
	cache := a.newCatalog(client)
	srv := httpAdapter.NewServer(svc, cache, cfg.Listen, cfg.API.Secret)
	w := a.newWorker(svc, client)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Catalog.Refresh != "" {
		sched := cron.New()
		if _, err := sched.AddFunc(cfg.Catalog.Refresh, func() {
			if _, err := cache.Refresh(ctx); err != nil {
				log.Printf("catalog refresh: %v", err)
			}
		}); err != nil {
			return fmt.Errorf("catalog.refresh %q: %w", cfg.Catalog.Refresh, err)
		}
		sched.Start()
		defer func() { <-sched.Stop().Done() }()
		log.Printf("catalog refresh scheduled: %s", cfg.Catalog.Refresh)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		w.Run(gctx)
		return nil
	})

	g.Go(func() error {
		log.Printf("HTTP server listening on %s", cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Printf("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	log.Println("shutdown complete")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
