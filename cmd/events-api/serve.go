package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"example.com/klyne-ingest/internal/auth"
	"example.com/klyne-ingest/internal/config"
	"example.com/klyne-ingest/internal/ingest"
	"example.com/klyne-ingest/internal/ratelimit"
	"example.com/klyne-ingest/internal/storage"
	transport "example.com/klyne-ingest/internal/transport/http"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP ingestion server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := opts.load()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx := cmd.Context()
			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			log.Info("db: connected", zap.String("driver", cfg.DBDriver))

			if migrate {
				if err := store.Migrate(ctx); err != nil {
					return err
				}
				log.Info("db: migration applied")
			}

			handler, err := buildHandler(cfg, store, prometheus.NewRegistry(), log)
			if err != nil {
				return err
			}
			return serve(ctx, cfg, handler, log)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", true, "apply the schema before serving")
	return cmd
}

func buildHandler(cfg config.Config, store storage.Store, reg *prometheus.Registry, log *zap.Logger) (http.Handler, error) {
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, err
	}
	if err := reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, err
	}

	limiter, err := ratelimit.New(store, ratelimit.Options{Limit: cfg.RateLimit, Window: cfg.RateLimitWindow})
	if err != nil {
		return nil, err
	}
	ingestMetrics, err := ingest.NewMetrics(reg)
	if err != nil {
		return nil, err
	}
	httpMetrics, err := transport.NewHTTPMetrics(reg)
	if err != nil {
		return nil, err
	}

	deps := &transport.ServerDeps{
		Auth: auth.New(store, auth.Options{
			Prefix:    cfg.APIKeyPrefix,
			CacheSize: cfg.APIKeyCacheSize,
			CacheTTL:  cfg.APIKeyCacheTTL,
		}, log.Named("auth")),
		Ingest: ingest.NewService(store, limiter, ingest.Config{
			MaxBatchSize: cfg.BatchMaxSize,
			ClockSkew:    cfg.ClockSkew,
		}, ingestMetrics, log.Named("ingest")),
		Limiter:      limiter,
		DB:           store,
		Metrics:      httpMetrics,
		Gatherer:     reg,
		Logger:       log.Named("http"),
		MaxBodyBytes: cfg.MaxBodyBytes,
	}
	log.Info("ingest: configured",
		zap.Int64("rate_limit", cfg.RateLimit),
		zap.Duration("window", cfg.RateLimitWindow),
		zap.Int("batch_max", cfg.BatchMaxSize))
	return deps.Router(), nil
}

// serve runs the server until ctx is cancelled, then drains it within the
// configured shutdown timeout.
func serve(ctx context.Context, cfg config.Config, handler http.Handler, log *zap.Logger) error {
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		log.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
