// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initStore    — data dir migrations, persistent maps
//  2. initInfra    — Redis / ClickHouse connections, metrics, audit trail
//  3. initAdapters — provider adapters from configured credentials
//  4. initServices — auth, BYOK vault, registry, cache, admission, routing
//  5. initPipeline — the dispatcher, plus checkpoint restore
//  6. initServer   — health prober and the HTTP host
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/llm-router/internal/adapters"
	"github.com/nulpointcorp/llm-router/internal/adapters/anthropic"
	"github.com/nulpointcorp/llm-router/internal/adapters/azure"
	"github.com/nulpointcorp/llm-router/internal/adapters/bedrock"
	"github.com/nulpointcorp/llm-router/internal/adapters/cohere"
	"github.com/nulpointcorp/llm-router/internal/adapters/local"
	"github.com/nulpointcorp/llm-router/internal/adapters/mistral"
	"github.com/nulpointcorp/llm-router/internal/adapters/openai"
	"github.com/nulpointcorp/llm-router/internal/adapters/openaicompat"
	"github.com/nulpointcorp/llm-router/internal/adapters/perplexity"
	"github.com/nulpointcorp/llm-router/internal/adapters/vertex"
	"github.com/nulpointcorp/llm-router/internal/audit"
	"github.com/nulpointcorp/llm-router/internal/auth"
	"github.com/nulpointcorp/llm-router/internal/byok"
	"github.com/nulpointcorp/llm-router/internal/cache"
	"github.com/nulpointcorp/llm-router/internal/config"
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

// shutdownGrace bounds how long Run waits for in-flight requests to drain
// after the context is cancelled.
const shutdownGrace = 15 * time.Second

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Persistent state, opened against cfg.DataDir.
	users   *store.Map
	byokRec *store.Map
	indexes *store.Map

	// Optional external connections — nil when not configured.
	rdb    *redis.Client
	chSink *audit.ClickHouseSink

	prom  *metrics.Registry
	bus   *events.Bus
	trail *audit.Logger

	keys      *auth.Service
	vault     *byok.Vault
	memCache  *cache.MemoryCache
	respCache *cache.ResponseCache
	limiter   *ratelimit.Limiter
	egress    *ratelimit.Egress

	reg      *registry.Registry
	adapters *adapters.Registry
	balancer *routing.Balancer
	router   *routing.Router

	pipe   *pipeline.Pipeline
	prober *health.Prober
	srv    *server.Server

	// Schema versions observed by initStore, for the audit trail.
	migratedFrom int
	migratedTo   int
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"store", a.initStore},
		{"infra", a.initInfra},
		{"adapters", a.initAdapters},
		{"services", a.initServices},
		{"pipeline", a.initPipeline},
		{"server", a.initServer},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP host and blocks until ctx is cancelled or the listener
// fails. In-flight requests get shutdownGrace to drain before resources are
// released.
func (a *App) Run(ctx context.Context) error {
	a.log.Info("starting router",
		slog.String("version", a.version),
		slog.String("addr", a.cfg.ListenAddr),
		slog.String("strategy", a.cfg.StrategyName()),
		slog.Any("providers", a.adapters.Names()),
	)
	if a.cfg.PM2Instances > 0 {
		a.log.Info("PM2_INSTANCES is ignored; concurrency is managed internally",
			slog.Int("instances", a.cfg.PM2Instances))
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.srv.Start(a.cfg.ListenAddr)
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := a.srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("shutdown error", slog.String("error", err.Error()))
		}
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times.
func (a *App) Close() {
	if a.prober != nil {
		a.prober.Close()
		a.prober = nil
	}
	if a.trail != nil {
		if err := a.trail.Close(); err != nil {
			a.log.Error("audit close error", slog.String("error", err.Error()))
		}
		a.trail = nil
		a.chSink = nil // closed with the trail's sinks
	}
	if a.balancer != nil {
		if err := a.balancer.Close(); err != nil {
			a.log.Error("balancer close error", slog.String("error", err.Error()))
		}
		a.balancer = nil
	}
	if a.memCache != nil {
		a.memCache.Close()
		a.memCache = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
	if a.indexes != nil {
		if err := a.indexes.Close(); err != nil {
			a.log.Error("index store close error", slog.String("error", err.Error()))
		}
		a.indexes = nil
	}
	if a.byokRec != nil {
		if err := a.byokRec.Close(); err != nil {
			a.log.Error("byok store close error", slog.String("error", err.Error()))
		}
		a.byokRec = nil
	}
	if a.users != nil {
		if err := a.users.Close(); err != nil {
			a.log.Error("user store close error", slog.String("error", err.Error()))
		}
		a.users = nil
	}
}

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis builds the client and verifies connectivity with a PING.
// Returns an error — callers decide whether to fatal or degrade.
func connectRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// buildAdapters registers an adapter for every configured credential. The
// local weight-file adapter is always present so on-disk models stay loadable
// even in deployments with no remote credentials.
func buildAdapters(ctx context.Context, cfg *config.Config, log *slog.Logger) *adapters.Registry {
	reg := adapters.NewRegistry()

	if cfg.OpenAI.APIKey != "" {
		var opts []openai.Option
		if cfg.OpenAI.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.OpenAI.BaseURL))
		}
		reg.Register(openai.New(cfg.OpenAI.APIKey, opts...))
	}
	if cfg.Anthropic.APIKey != "" {
		var opts []anthropic.Option
		if cfg.Anthropic.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(cfg.Anthropic.BaseURL))
		}
		reg.Register(anthropic.New(cfg.Anthropic.APIKey, opts...))
	}
	if cfg.Mistral.APIKey != "" {
		var opts []mistral.Option
		if cfg.Mistral.BaseURL != "" {
			opts = append(opts, mistral.WithBaseURL(cfg.Mistral.BaseURL))
		}
		reg.Register(mistral.New(cfg.Mistral.APIKey, opts...))
	}
	if cfg.Cohere.APIKey != "" {
		var opts []cohere.Option
		if cfg.Cohere.BaseURL != "" {
			opts = append(opts, cohere.WithBaseURL(cfg.Cohere.BaseURL))
		}
		reg.Register(cohere.New(cfg.Cohere.APIKey, opts...))
	}
	if cfg.Perplexity.APIKey != "" {
		var opts []perplexity.Option
		if cfg.Perplexity.BaseURL != "" {
			opts = append(opts, perplexity.WithBaseURL(cfg.Perplexity.BaseURL))
		}
		reg.Register(perplexity.New(cfg.Perplexity.APIKey, opts...))
	}

	// OpenAI-compatible providers share one adapter implementation.
	if cfg.Groq.APIKey != "" {
		reg.Register(openaicompat.NewGroq(cfg.Groq.APIKey))
	}
	if cfg.DeepSeek.APIKey != "" {
		reg.Register(openaicompat.NewDeepSeek(cfg.DeepSeek.APIKey))
	}
	if cfg.OpenRouter.APIKey != "" {
		reg.Register(openaicompat.NewOpenRouter(cfg.OpenRouter.APIKey))
	}
	if cfg.Novita.APIKey != "" {
		reg.Register(openaicompat.NewNovita(cfg.Novita.APIKey))
	}
	if cfg.XAI.APIKey != "" {
		reg.Register(openaicompat.NewXAI(cfg.XAI.APIKey))
	}
	if cfg.Together.APIKey != "" {
		reg.Register(openaicompat.NewTogether(cfg.Together.APIKey))
	}
	if cfg.Cerebras.APIKey != "" {
		reg.Register(openaicompat.NewCerebras(cfg.Cerebras.APIKey))
	}

	// Google Vertex AI authenticates through Application Default Credentials.
	if cfg.Vertex.Project != "" {
		var opts []vertex.Option
		if cfg.Vertex.Location != "" {
			opts = append(opts, vertex.WithLocation(cfg.Vertex.Location))
		}
		if ad, err := vertex.New(ctx, cfg.Vertex.Project, opts...); err != nil {
			log.Warn("vertex adapter unavailable", slog.String("error", err.Error()))
		} else {
			reg.Register(ad)
		}
	}

	// AWS Bedrock.
	if cfg.Bedrock.AccessKey != "" && cfg.Bedrock.SecretKey != "" && cfg.Bedrock.Region != "" {
		var opts []bedrock.Option
		if cfg.Bedrock.SessionToken != "" {
			opts = append(opts, bedrock.WithSessionToken(cfg.Bedrock.SessionToken))
		}
		if cfg.Bedrock.EndpointURL != "" {
			opts = append(opts, bedrock.WithEndpointURL(cfg.Bedrock.EndpointURL))
		}
		reg.Register(bedrock.New(
			cfg.Bedrock.AccessKey, cfg.Bedrock.SecretKey, cfg.Bedrock.Region, opts...,
		))
	}

	// Azure OpenAI, via API key or an Azure AD application.
	if cfg.Azure.Endpoint != "" && (cfg.Azure.APIKey != "" || cfg.Azure.ClientSecret != "") {
		var opts []azure.Option
		if cfg.Azure.APIVersion != "" {
			opts = append(opts, azure.WithAPIVersion(cfg.Azure.APIVersion))
		}
		if cfg.Azure.ClientSecret != "" {
			opts = append(opts, azure.WithADCredentials(
				cfg.Azure.TenantID, cfg.Azure.ClientID, cfg.Azure.ClientSecret,
			))
		}
		reg.Register(azure.New(cfg.Azure.Endpoint, cfg.Azure.APIKey, opts...))
	}

	reg.Register(local.New(cfg.LocalModelsDir))

	return reg
}

// providerDefaults maps configured process credentials into the vault's
// fallback lookup. Vertex, Bedrock, and the local adapter authenticate
// through their own transports, so a configured deployment reports present
// with an empty bearer key.
func providerDefaults(cfg *config.Config) byok.DefaultsFunc {
	keys := map[string]string{
		"openai":     cfg.OpenAI.APIKey,
		"anthropic":  cfg.Anthropic.APIKey,
		"mistral":    cfg.Mistral.APIKey,
		"cohere":     cfg.Cohere.APIKey,
		"perplexity": cfg.Perplexity.APIKey,
		"groq":       cfg.Groq.APIKey,
		"deepseek":   cfg.DeepSeek.APIKey,
		"openrouter": cfg.OpenRouter.APIKey,
		"novita":     cfg.Novita.APIKey,
		"xai":        cfg.XAI.APIKey,
		"together":   cfg.Together.APIKey,
		"cerebras":   cfg.Cerebras.APIKey,
	}
	return func(provider string) (string, bool) {
		switch provider {
		case "vertex":
			return "", cfg.Vertex.Project != ""
		case "bedrock":
			return "", cfg.Bedrock.AccessKey != ""
		case "azure":
			// Either the API key or the AD application carries auth.
			return cfg.Azure.APIKey, cfg.Azure.APIKey != "" || cfg.Azure.ClientSecret != ""
		case "local":
			return "", true
		}
		key := keys[provider]
		return key, key != ""
	}
}
