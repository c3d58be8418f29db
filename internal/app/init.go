package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/nulpointcorp/llm-router/internal/adapters"
	"github.com/nulpointcorp/llm-router/internal/audit"
	"github.com/nulpointcorp/llm-router/internal/auth"
	"github.com/nulpointcorp/llm-router/internal/byok"
	"github.com/nulpointcorp/llm-router/internal/cache"
	"github.com/nulpointcorp/llm-router/internal/events"
	"github.com/nulpointcorp/llm-router/internal/health"
	"github.com/nulpointcorp/llm-router/internal/metrics"
	"github.com/nulpointcorp/llm-router/internal/pipeline"
	"github.com/nulpointcorp/llm-router/internal/ratelimit"
	"github.com/nulpointcorp/llm-router/internal/registry"
	"github.com/nulpointcorp/llm-router/internal/routing"
	"github.com/nulpointcorp/llm-router/internal/server"
	"github.com/nulpointcorp/llm-router/internal/store"
)

// initStore prepares the data directory: applies pending schema migrations
// (each step snapshots the *.json files to backups/ first) and opens the
// persistent maps.
func (a *App) initStore(_ context.Context) error {
	if err := os.MkdirAll(a.cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	mig := store.NewMigrator(a.cfg.DataDir, store.Migrations(), store.WithMigratorLogger(a.log))
	from, err := mig.Current()
	if err != nil {
		return err
	}
	if err := mig.Apply(); err != nil {
		return err
	}
	a.migratedFrom, a.migratedTo = from, mig.Latest()

	open := func(name string) (*store.Map, error) {
		return store.Open(filepath.Join(a.cfg.DataDir, name), store.WithLogger(a.log))
	}
	if a.users, err = open(store.UsersFile); err != nil {
		return err
	}
	if a.byokRec, err = open(store.BYOKFile); err != nil {
		return err
	}
	if a.indexes, err = open(store.IndexesFile); err != nil {
		return err
	}
	return nil
}

// initInfra establishes optional external connections and the observability
// plumbing. Redis backs the exact cache tier; ClickHouse receives the audit
// trail. Both degrade to local equivalents when not configured.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Redis.Addr != "" {
		a.log.Info("connecting to redis", slog.String("addr", a.cfg.Redis.Addr))
		rdb, err := connectRedis(ctx, a.cfg.Redis)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)
	a.bus = events.NewBus()

	var sinks []audit.Sink
	if a.cfg.ClickHouseDSN != "" {
		sink, err := audit.NewClickHouseSink(ctx, a.cfg.ClickHouseDSN)
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		a.chSink = sink
		sinks = append(sinks, sink)
		a.log.Info("audit sink: clickhouse")
	}

	trail, err := audit.New(a.baseCtx, a.log, sinks...)
	if err != nil {
		return err
	}
	a.trail = trail
	a.trail.Attach(a.bus)

	if a.migratedTo > a.migratedFrom {
		a.trail.Record(audit.Event{
			Kind:   audit.KindMigrationApplied,
			Status: "ok",
			Detail: fmt.Sprintf("schema v%d to v%d", a.migratedFrom, a.migratedTo),
		})
	}

	return nil
}

// initAdapters builds provider adapters from configured credentials. The
// router can start with none beyond the local adapter — remote models are
// then only reachable through BYOK credentials — but that is rarely intended,
// so it warns.
func (a *App) initAdapters(ctx context.Context) error {
	a.adapters = buildAdapters(ctx, a.cfg, a.log)
	if !a.cfg.AtLeastOneProviderKey() {
		a.log.Warn("no provider credentials configured; remote models need BYOK keys")
	}
	a.log.Info("adapters loaded", slog.Any("providers", a.adapters.Names()))
	return nil
}

// initServices creates the domain services: key auth, the BYOK vault, the
// model registry, the response cache, admission control, and routing.
func (a *App) initServices(_ context.Context) error {
	keys, err := auth.NewService(a.users, auth.WithLogger(a.log))
	if err != nil {
		return err
	}
	a.keys = keys
	if len(a.cfg.APIKeys) > 0 {
		if _, err := keys.Seed(strings.Join(a.cfg.APIKeys, ",")); err != nil {
			return err
		}
	}

	master, err := byok.ParseMasterKey(a.cfg.MasterKey)
	if err != nil {
		return fmt.Errorf("master key: %w", err)
	}
	if len(master) == 0 {
		a.log.Warn("MASTER_KEY not set; BYOK writes are disabled")
	}
	a.vault = byok.NewVault(a.byokRec, master,
		byok.WithLogger(a.log),
		byok.WithDefaults(providerDefaults(a.cfg)),
	)

	a.reg = registry.New(
		registry.WithLogger(a.log),
		registry.WithEventBus(a.bus),
		registry.WithCheckpoint(a.indexes),
		registry.WithMaxModels(a.cfg.MaxModels),
	)

	if a.cfg.Cache.Enabled {
		var backend cache.Cache
		if a.rdb != nil {
			backend = cache.NewRedisCacheFromClient(a.rdb)
			a.log.Info("cache backend: redis")
		} else {
			a.memCache = cache.NewMemoryCache(a.baseCtx)
			backend = a.memCache
			a.log.Info("cache backend: memory (in-process)")
		}

		copts := []cache.ResponseOption{
			cache.WithResponseLogger(a.log),
			cache.WithSimilarityThreshold(a.cfg.Cache.SimilarityThreshold),
			cache.WithIndexSize(a.cfg.Cache.MaxEntries),
		}
		if a.cfg.Cache.TTL > 0 {
			policy := cache.DefaultTTLPolicy()
			policy.Default = a.cfg.Cache.TTL
			copts = append(copts, cache.WithTTLPolicy(policy))
		}
		if len(a.cfg.Cache.ExcludeExact) > 0 || len(a.cfg.Cache.ExcludePatterns) > 0 {
			el, err := cache.NewExclusionList(a.cfg.Cache.ExcludeExact, a.cfg.Cache.ExcludePatterns)
			if err != nil {
				return fmt.Errorf("cache exclusions: %w", err)
			}
			copts = append(copts, cache.WithExclusions(el))
			a.log.Info("cache exclusions loaded", slog.Int("rules", el.Len()))
		}
		a.respCache = cache.NewResponseCache(backend, copts...)
	} else {
		a.log.Info("cache disabled")
	}

	a.limiter = ratelimit.New(
		ratelimit.WithTiers(ratelimit.ScaleConcurrency(ratelimit.DefaultTiers(), a.cfg.MaxConcurrent)),
		ratelimit.WithLogger(a.log),
		ratelimit.WithDecisionHook(a.prom.RecordRateLimit),
	)
	a.egress = ratelimit.NewEgress(ratelimit.ParseProviderRPM(a.cfg.ProviderRPM))

	a.balancer = routing.NewBalancer(a.reg, routing.WithBalancerLogger(a.log))

	sticky, err := routing.NewSticky(a.cfg.StickySessionTTL)
	if err != nil {
		return err
	}
	ropts := []routing.RouterOption{
		routing.WithDefaultStrategy(routing.ParseStrategy(a.cfg.DefaultStrategy)),
		routing.WithMaxFallbackDepth(a.cfg.MaxFallbackDepth),
		routing.WithSticky(sticky),
		routing.WithRouterLogger(a.log),
	}
	if a.cfg.StrategyOverride != "" {
		ropts = append(ropts, routing.WithStrategyOverride(routing.ParseStrategy(a.cfg.StrategyOverride)))
	}
	a.router = routing.NewRouter(a.reg, ropts...)

	return nil
}

// initPipeline assembles the dispatcher and re-registers every checkpointed
// model, so a restart comes back with the same catalog it went down with.
func (a *App) initPipeline(ctx context.Context) error {
	a.pipe = pipeline.New(a.baseCtx, a.reg, a.router, a.adapters, pipeline.Options{
		Keys:     a.keys,
		Vault:    a.vault,
		Cache:    a.respCache,
		Limiter:  a.limiter,
		Egress:   a.egress,
		Balancer: a.balancer,
		Metrics:  a.prom,
		Audit:    a.trail,
		Bus:      a.bus,
		Retry: pipeline.RetryPolicy{
			MaxAttempts: a.cfg.RetryMaxAttempts,
		},
		CBConfig: pipeline.CBConfig{
			ErrorThreshold:  a.cfg.CircuitBreaker.ErrorThreshold,
			TimeWindow:      a.cfg.CircuitBreaker.TimeWindow,
			HalfOpenTimeout: a.cfg.CircuitBreaker.HalfOpenTimeout,
		},
		RequestTimeout: a.cfg.RequestTimeout,
		StreamTimeout:  a.cfg.StreamTimeout,
		Logger:         a.log,
	})

	a.reg.Restore(ctx, func(ctx context.Context, provider, modelID string, options map[string]string) error {
		_, err := a.pipe.LoadModel(ctx, adapters.LoadSpec{
			Provider: provider,
			ModelID:  modelID,
			Options:  options,
		})
		return err
	})

	return nil
}

// initServer wires the background health prober and the HTTP host.
func (a *App) initServer(_ context.Context) error {
	hopts := []health.Option{
		health.WithModelRegistry(a.reg),
		health.WithMetrics(a.prom),
		health.WithLogger(a.log),
	}
	if a.rdb != nil {
		rdb := a.rdb
		hopts = append(hopts, health.WithComponent("redis", func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}))
	}
	if a.chSink != nil {
		hopts = append(hopts, health.WithComponent("clickhouse", a.chSink.Ping))
	}
	a.prober = health.NewProber(a.baseCtx, a.adapters, hopts...)

	a.srv = server.New(a.baseCtx, a.pipe, server.Options{
		Keys:        a.keys,
		Vault:       a.vault,
		Health:      a.prober,
		Metrics:     a.prom,
		Audit:       a.trail,
		Logger:      a.log,
		Version:     a.version,
		CORSOrigins: a.cfg.CORSOrigins,
	})

	return nil
}
