// Package server is the HTTP host for the router.
//
// The host stays deliberately thin: it parses inbound payloads, authenticates
// API keys, stamps request identity, and hands the work to the pipeline
// facade. No routing, caching, or retry decision lives here — errors coming
// back from the facade are already classified and map 1:1 onto the wire
// envelope in pkg/apierr.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-router/internal/audit"
	"github.com/nulpointcorp/llm-router/internal/auth"
	"github.com/nulpointcorp/llm-router/internal/byok"
	"github.com/nulpointcorp/llm-router/internal/health"
	"github.com/nulpointcorp/llm-router/internal/llm"
	"github.com/nulpointcorp/llm-router/internal/metrics"
	"github.com/nulpointcorp/llm-router/internal/pipeline"
	"github.com/nulpointcorp/llm-router/pkg/apierr"
)

const (
	defaultReadTimeout = 60 * time.Second

	// The write timeout must outlive the longest stream, which the pipeline
	// bounds at the request deadline (STREAM_TIMEOUT). 30s of headroom covers
	// slow consumers.
	defaultWriteTimeout = 90 * time.Second
)

// Options holds the host's collaborators. Pipeline is required; nil optional
// fields disable the corresponding surface (no key service means an open
// host, no metrics means no /metrics route).
type Options struct {
	Keys    *auth.Service
	Vault   *byok.Vault
	Health  *health.Prober
	Metrics *metrics.Registry
	Audit   *audit.Logger
	Logger  *slog.Logger

	// Version is reported by GET /version and the build info gauge.
	Version string

	// CORSOrigins is the allowlist for the CORS middleware. Empty or ["*"]
	// allows every origin.
	CORSOrigins []string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server hosts the router's HTTP surface over fasthttp.
type Server struct {
	pipe    *pipeline.Pipeline
	keys    *auth.Service
	vault   *byok.Vault
	health  *health.Prober
	metrics *metrics.Registry
	audit   *audit.Logger
	log     *slog.Logger

	baseCtx      context.Context
	version      string
	corsOrigins  []string
	readTimeout  time.Duration
	writeTimeout time.Duration

	srv *fasthttp.Server
}

// New builds a Server around the pipeline facade. baseCtx bounds the lifetime
// of detached stream contexts; cancelling it tears down in-flight streams.
func New(baseCtx context.Context, pipe *pipeline.Pipeline, opts Options) *Server {
	if baseCtx == nil {
		panic("server: context must not be nil")
	}
	if pipe == nil {
		panic("server: pipeline must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	readTimeout := opts.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = defaultReadTimeout
	}
	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}

	return &Server{
		pipe:         pipe,
		keys:         opts.Keys,
		vault:        opts.Vault,
		health:       opts.Health,
		metrics:      opts.Metrics,
		audit:        opts.Audit,
		log:          log,
		baseCtx:      baseCtx,
		version:      opts.Version,
		corsOrigins:  opts.CORSOrigins,
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
	}
}

// Handler assembles the full route table wrapped in the middleware chain.
// Exposed separately from Start so tests can drive it over an in-memory
// listener.
func (s *Server) Handler() fasthttp.RequestHandler {
	r := router.New()

	r.POST("/v1/generate", s.requireKey(s.handleGenerate))
	r.POST("/v1/chat/completions", s.requireKey(s.handleChatCompletions))
	r.POST("/v1/completions", s.requireKey(s.handleChatCompletions))
	r.POST("/v1/embeddings", s.requireKey(s.handleEmbeddings))

	r.GET("/v1/models", s.requireKey(s.handleListModels))
	r.POST("/v1/models", s.requireKey(s.handleLoadModel))
	r.DELETE("/v1/models/{id}", s.requireKey(s.handleUnloadModel))

	r.POST("/admin/keys", s.requireAdmin(s.handleCreateKey))
	r.GET("/admin/keys", s.requireAdmin(s.handleListKeys))
	r.DELETE("/admin/keys/{id}", s.requireAdmin(s.handleDeleteKey))
	r.POST("/admin/keys/{id}/disable", s.requireAdmin(s.handleDisableKey))
	r.PUT("/admin/byok/{scope}/{owner}/{provider}", s.requireAdmin(s.handleSetBYOK))
	r.DELETE("/admin/byok/{scope}/{owner}/{provider}", s.requireAdmin(s.handleDeleteBYOK))
	r.GET("/admin/cache/stats", s.requireAdmin(s.handleCacheStats))

	r.GET("/healthz", s.handleHealthz)
	r.GET("/readyz", s.handleReadyz)
	r.GET("/version", s.handleVersion)
	if s.metrics != nil {
		r.GET("/metrics", s.metrics.Handler())
	}

	return applyMiddleware(r.Handler,
		recovery(s.log),
		requestID,
		accessLog(s.log),
		corsHandler(s.corsOrigins),
		securityHeaders,
	)
}

// Start serves on addr until the listener fails or Shutdown is called.
func (s *Server) Start(addr string) error {
	s.srv = &fasthttp.Server{
		Handler:      s.Handler(),
		Name:         "llm-router",
		ReadTimeout:  s.readTimeout,
		WriteTimeout: s.writeTimeout,
	}
	s.log.Info("http_listening", slog.String("addr", addr))
	return s.srv.ListenAndServe(addr)
}

// Shutdown drains the server, waiting for in-flight requests up to ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.ShutdownWithContext(ctx)
}

func (s *Server) handleHealthz(ctx *fasthttp.RequestCtx) {
	if s.health == nil {
		writeJSON(ctx, map[string]string{"status": "ok", "version": s.version})
		return
	}
	writeJSON(ctx, s.health.Snapshot())
}

func (s *Server) handleReadyz(ctx *fasthttp.RequestCtx) {
	if s.health == nil || s.health.ReadinessOK() {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

func (s *Server) handleVersion(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]string{"version": s.version})
}

// requireKey authenticates the bearer token and stashes the resulting auth
// context for the handler. With no key service configured the host is open
// and every caller is treated as admin (development mode).
func (s *Server) requireKey(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		ac, err := s.authenticate(ctx)
		if err != nil {
			apierr.Write(ctx, err)
			return
		}
		ctx.SetUserValue(authContextKey, ac)
		next(ctx)
	}
}

func (s *Server) requireAdmin(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return s.requireKey(func(ctx *fasthttp.RequestCtx) {
		if ac := authFrom(ctx); ac.Tier != llm.TierAdmin {
			apierr.WriteKind(ctx, llm.KindPermission, "admin tier required")
			return
		}
		next(ctx)
	})
}

func (s *Server) authenticate(ctx *fasthttp.RequestCtx) (*llm.AuthContext, error) {
	if s.keys == nil {
		return &llm.AuthContext{Tier: llm.TierAdmin}, nil
	}
	token := parseBearerToken(string(ctx.Request.Header.Peek("Authorization")))
	if token == "" {
		token = string(ctx.Request.Header.Peek("X-API-Key"))
	}
	if token == "" {
		return nil, llm.Errorf(llm.KindAuth, "missing API key")
	}
	return s.keys.Authenticate(ctx, token)
}

const authContextKey = "auth_context"

// authFrom returns the auth context stashed by requireKey. Handlers behind
// the middleware can rely on it being present.
func authFrom(ctx *fasthttp.RequestCtx) *llm.AuthContext {
	if ac, ok := ctx.UserValue(authContextKey).(*llm.AuthContext); ok {
		return ac
	}
	return &llm.AuthContext{}
}

func requestIDFrom(ctx *fasthttp.RequestCtx) string {
	id, _ := ctx.UserValue("request_id").(string)
	return id
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
