package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mohammad-safakhou/council/internal/cache"
	"github.com/mohammad-safakhou/council/internal/catalog"
	"github.com/mohammad-safakhou/council/internal/runtime"
	srv "github.com/mohammad-safakhou/council/internal/server"
	"github.com/mohammad-safakhou/council/internal/store"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func serveCMD(cfgPath *string) *cobra.Command {
	var serveAddr string
	var autoMigrate bool
	var migDir string
	var serve = &cobra.Command{
		Use:   "serve",
		Short: "Run HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, *cfgPath)
			if err != nil {
				return err
			}
			defer a.Close()
			cfg := a.cfg
			if serveAddr != "" {
				cfg.Server.Address = serveAddr
			}

			tel, err := runtime.SetupTelemetry(ctx, cfg.Telemetry, runtime.TelemetryOptions{
				ServiceName:    "council",
				ServiceVersion: cfg.Telemetry.ServiceVersion,
				MetricsPort:    cfg.Telemetry.MetricsPort,
			})
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tel.Shutdown(shutdownCtx)
			}()

			if autoMigrate {
				if err := store.Migrate(migDir, cfg.Storage.Postgres.DSN(), "up", 0); err != nil {
					return err
				}
			}
			st, err := store.New(ctx, cfg.Storage.Postgres)
			if err != nil {
				return err
			}
			defer st.Close()

			var cat *catalog.Catalog
			if a.rdb != nil {
				cat = catalog.New(a.llm, cache.NewRedis(a.rdb, "council:"), cfg.Catalog.CacheTTL, cfg.Council.Models, cfg.Council.Chairman)
			} else {
				cat = catalog.New(a.llm, nil, cfg.Catalog.CacheTTL, cfg.Council.Models, cfg.Council.Chairman)
			}

			secret, err := runtime.LoadJWTSecret(cfg)
			if err != nil && !errors.Is(err, runtime.ErrNoSecret) {
				return err
			}
			if len(secret) == 0 {
				log.Printf("[HTTP] server.jwt_secret not set, /api is unauthenticated")
			}

			e := srv.New(srv.Deps{
				Config:     cfg.Server,
				Store:      st,
				Council:    a.orchestrator(st),
				Catalog:    cat,
				Health:     st.Ping,
				Secret:     secret,
				Metrics:    tel.Handler(),
				Registerer: tel.Registry,
			})

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return srv.Run(gctx, e, cfg.Server.Address) })
			if cfg.Retention.Enabled {
				var sweeper *srv.Sweeper
				if a.rdb != nil {
					sweeper, err = srv.NewSweeper(cfg.Retention, st, a.rdb, a.publisher)
				} else {
					sweeper, err = srv.NewSweeper(cfg.Retention, st, nil, nil)
				}
				if err != nil {
					return err
				}
				g.Go(func() error { return sweeper.Run(gctx) })
			}
			return g.Wait()
		},
	}
	serve.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides server.address)")
	serve.Flags().BoolVar(&autoMigrate, "migrate", false, "apply pending migrations before serving")
	serve.Flags().StringVar(&migDir, "migrations", store.DefaultMigrations, "migrations source used with --migrate")
	return serve
}
