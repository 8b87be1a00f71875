package main

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/suburbmates/quality-cli/internal/audit"
	"github.com/suburbmates/quality-cli/internal/batch"
	"github.com/suburbmates/quality-cli/internal/metrics"
	"github.com/suburbmates/quality-cli/internal/model"
	"github.com/suburbmates/quality-cli/internal/resilience"
	"github.com/suburbmates/quality-cli/internal/stats"
	"github.com/suburbmates/quality-cli/internal/store"
	"github.com/suburbmates/quality-cli/internal/webhook"
)

// appEnv bundles the wired collaborators shared by serve and the CLI
// commands.
type appEnv struct {
	Store   store.Store
	Jobs    batch.JobStore
	Stats   *stats.Cache
	Manager *batch.Manager
	Metrics *metrics.Metrics
	Audit   audit.Logger

	closers []func() error
}

// Close releases the store and any cache connection.
func (e *appEnv) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			zap.L().Warn("close resource", zap.Error(err))
		}
	}
}

// initStore opens the configured business store and applies migrations.
func initStore(ctx context.Context) (store.Store, error) {
	opts := []store.Option{store.WithEngagementWindow(cfg.EngagementWindow())}

	var (
		st  store.Store
		err error
	)
	switch cfg.Store.Driver {
	case "sqlite":
		st, err = store.NewSQLite(cfg.Store.DatabaseURL, opts...)
	case "postgres":
		st, err = store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		}, opts...)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initEnv wires the store, job store, stats cache, webhook notifier and batch
// manager. base bounds async jobs. registerer may be nil for commands that do
// not expose metrics.
func initEnv(ctx, base context.Context, registerer prometheus.Registerer) (*appEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &appEnv{Store: st, closers: []func() error{st.Close}}

	if registerer != nil {
		env.Metrics = metrics.New(registerer)
	}
	env.Audit = audit.Multi{audit.NewZapLogger(zap.L()), audit.NewStoreLogger(st)}

	switch cfg.Batch.JobStore {
	case "postgres":
		pg, ok := st.(*store.PostgresStore)
		if !ok {
			env.Close()
			return nil, eris.New("batch.job_store postgres requires the postgres store driver")
		}
		env.Jobs = store.NewPostgresJobStore(pg.Pool())
	default:
		env.Jobs = batch.NewMemoryJobStore()
	}

	var backend stats.Backend
	switch cfg.Stats.Backend {
	case "redis":
		client, err := stats.NewRedisClient(cfg.Stats.RedisURL)
		if err != nil {
			env.Close()
			return nil, err
		}
		env.closers = append(env.closers, client.Close)
		backend = stats.NewRedisBackend(client, cfg.StatsTTL())
	default:
		backend = stats.NewMemoryBackend()
	}
	env.Stats = stats.NewCache(backend, approvedLoader(st), cfg.StatsTTL(), stats.WithMetrics(env.Metrics))

	notifier := webhook.New(
		secondsOr(cfg.Webhook.TimeoutSecs, webhook.DefaultTimeout),
		resilience.FromCircuitConfig(cfg.Webhook.FailureThreshold, cfg.Webhook.ResetTimeoutSecs),
		webhook.WithMetrics(env.Metrics),
	)
	env.Manager = batch.NewManager(base, st, env.Jobs, cfg.BatchRuntime(),
		batch.WithNotifier(notifier),
		batch.WithStatsInvalidator(env.Stats),
		batch.WithAuditLogger(env.Audit),
		batch.WithMetrics(env.Metrics),
	)

	zap.L().Debug("environment ready",
		zap.String("store", cfg.Store.Driver),
		zap.String("job_store", cfg.Batch.JobStore),
		zap.String("stats_backend", cfg.Stats.Backend),
	)
	return env, nil
}

// approvedLoader feeds directory stats from approved businesses.
func approvedLoader(st store.Store) stats.Loader {
	return func(ctx context.Context) ([]model.Business, error) {
		return st.FindBusinesses(ctx, model.BusinessFilter{ApprovalStatus: model.ApprovalApproved})
	}
}

func secondsOr(secs int, def time.Duration) time.Duration {
	if secs <= 0 {
		return def
	}
	return time.Duration(secs) * time.Second
}
