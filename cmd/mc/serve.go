package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"missioncore/internal/app"
	"missioncore/internal/config"
	"missioncore/internal/engine"
	"missioncore/internal/metrics"
	"missioncore/internal/repo"
	"missioncore/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath, configFile string
	var legacyHeader, devLogin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			log := newLogger()
			defer log.Sync()

			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("MISSIONCORE_JWT_SECRET is required for bearer auth")
			}

			conn, err := app.Open(ctx, viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer conn.Close()
			r := repo.New(conn, nil)
			cfg, err := loadServeConfig(ctx, r, configFile)
			if err != nil {
				return err
			}

			m := metrics.New()
			e := engine.New(conn, cfg, engine.Options{Log: log, Metrics: m})
			defer e.Close()
			if configFile != "" {
				watchConfig(ctx, configFile, r, e, log)
			}

			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: basePath,
				Metrics:  m,
				Auth: server.AuthConfig{
					JWTSecret:              secret,
					AllowLegacyActorHeader: legacyHeader,
					EnableDevLogin:         devLogin,
					Logger:                 log,
				},
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return e.Start(gctx) })
			g.Go(func() error {
				return server.NewWebhookDispatcher(r, cfg.Webhooks, log).Run(gctx)
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			g.Go(func() error {
				log.Info("serving missioncore API",
					zap.String("addr", addr),
					zap.String("base_path", basePath),
					zap.Strings("crews", cfg.CrewNames()))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().StringVar(&configFile, "config", "", "YAML config to import and watch for crew changes")
	cmd.Flags().BoolVar(&legacyHeader, "allow-legacy-actor-header", false, "trust X-Actor-Id as an operator (local use only)")
	cmd.Flags().BoolVar(&devLogin, "enable-dev-login", false, "expose POST /auth/dev/login")
	_ = viper.BindEnv("jwt-secret")
	return cmd
}

// loadServeConfig imports path when given, otherwise uses the stored config.
func loadServeConfig(ctx context.Context, r repo.Repo, path string) (*config.Config, error) {
	if path == "" {
		return app.ResolveConfig(ctx, r)
	}
	cfg, err := config.FromFile(path)
	if err != nil {
		return nil, err
	}
	if err := r.UpsertConfig(ctx, app.ConfigName, cfg); err != nil {
		return nil, err
	}
	if _, err := app.SeedPool(ctx, r, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// watchConfig re-imports path on every write and hot-applies crew changes.
// Invalid documents are logged and ignored.
func watchConfig(ctx context.Context, path string, r repo.Repo, e engine.Engine, log *zap.Logger) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		log.Warn("config watch disabled", zap.String("path", path), zap.Error(err))
		return
	}
	v.OnConfigChange(func(ev fsnotify.Event) {
		if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
			return
		}
		cfg, err := config.FromFile(path)
		if err != nil {
			log.Warn("config reload rejected", zap.String("path", path), zap.Error(err))
			return
		}
		if err := r.UpsertConfig(ctx, app.ConfigName, cfg); err != nil {
			log.Warn("config reload not stored", zap.Error(err))
			return
		}
		if _, err := app.SeedPool(ctx, r, cfg); err != nil {
			log.Warn("pool seed failed", zap.Error(err))
		}
		e.ApplyConfig(cfg)
	})
	v.WatchConfig()
}
