// Package app wires the configured store, fetcher, resolver and runner
// together for the binaries.
package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jobref/pipeline/internal/config"
	"github.com/jobref/pipeline/internal/fetch"
	"github.com/jobref/pipeline/internal/location"
	"github.com/jobref/pipeline/internal/pipeline"
	"github.com/jobref/pipeline/internal/reconcile"
	"github.com/jobref/pipeline/internal/scraper"
	"github.com/jobref/pipeline/internal/store"
	"github.com/jobref/pipeline/internal/store/memory"
	"github.com/jobref/pipeline/internal/store/postgres"
)

// App holds the long-lived components of a process.
type App struct {
	Store   store.Store
	Fetcher *fetch.Fetcher
	Runner  *pipeline.Runner

	redis *redis.Client
}

// New builds every component. reporter may be nil.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger, reporter pipeline.StatusReporter) (*App, error) {
	st, err := openStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	a := &App{Store: st}

	fetchOpts := []fetch.Option{fetch.WithBrowser(&cfg.Browser)}
	if cfg.Redis.Enabled() {
		client, err := openRedis(ctx, cfg.Redis)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.redis = client
		fetchOpts = append(fetchOpts, fetch.WithCache(fetch.NewRedisCache(client, cfg.Redis.KeyPrefix, cfg.Redis.TTL)))
		log.Info("Using Redis response cache", zap.String("prefix", cfg.Redis.KeyPrefix))
	}
	a.Fetcher = fetch.New(cfg.Fetch, log, fetchOpts...)

	geocoder := location.NewNominatim(
		location.WithBaseURL(cfg.Geocoder.URL),
		location.WithUserAgent(cfg.Geocoder.UserAgent),
		location.WithMinInterval(cfg.Geocoder.MinInterval),
		location.WithHTTPClient(&http.Client{Timeout: cfg.Geocoder.Timeout}),
	)
	resolver, err := location.NewResolver(ctx, geocoder, st, cfg.Location, log)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("location resolver: %w", err)
	}

	reconciler := reconcile.New(st, resolver, cfg.ReconcileConfig(), log)

	var opts []pipeline.Option
	if reporter != nil {
		opts = append(opts, pipeline.WithReporter(reporter))
	}
	a.Runner = pipeline.NewRunner(
		st,
		reconciler,
		scraper.NewRegistry(),
		scraper.Deps{Fetcher: a.Fetcher, Logger: log},
		cfg.Employers,
		cfg.Pipeline,
		log,
		opts...,
	)
	return a, nil
}

func openStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (store.Store, error) {
	switch cfg.Database.Driver {
	case config.DriverMemory:
		log.Warn("Using in-memory store; state is lost on exit")
		return memory.New(), nil
	case config.DriverPostgres:
		pg := cfg.Database.Postgres
		st, err := postgres.Connect(ctx, cfg.Database.DSN(), postgres.Options{
			MaxConns:              int32(pg.PoolSize),
			MinConns:              int32(pg.MinConns),
			MaxConnLifetime:       pg.MaxConnLifetime,
			DisableStatementCache: pg.DisableStatementCache,
		})
		if err != nil {
			return nil, err
		}
		if cfg.Database.Migrate {
			if err := st.Migrate(ctx); err != nil {
				st.Close()
				return nil, err
			}
		}
		log.Info("Connected to PostgreSQL")
		return st, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}
}

func openRedis(ctx context.Context, rc config.RedisConfig) (*redis.Client, error) {
	var opts *redis.Options
	if rc.URL != "" {
		parsed, err := redis.ParseURL(rc.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{Addr: rc.Addr, Password: rc.Password, DB: rc.DB}
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis unreachable: %w", err)
	}
	return client, nil
}

// Close releases every component that was opened.
func (a *App) Close() {
	if a.Fetcher != nil {
		a.Fetcher.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.Store != nil {
		a.Store.Close()
	}
}
