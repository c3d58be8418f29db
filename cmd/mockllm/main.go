// Command mockllm runs lightweight HTTP servers that simulate each remote
// provider API, for developing and load-testing the router without real
// credentials. Handlers are shared with the adapter test suites via
// internal/adapters/mockupstream.
//
// Each provider listens on its own port:
//
//	OpenAI / compatible  :19001
//	Anthropic            :19002
//	Mistral              :19003
//	Cohere               :19004
//	Perplexity           :19005
//	Bedrock              :19006
//	Azure OpenAI         :19007
//
// Point the router at it with the provider base-URL settings, e.g.:
//
//	OPENAI_API_KEY=mock OPENAI_BASE_URL=http://localhost:19001 ./router
//
// Ports override via PORT_<PROVIDER> (PORT_OPENAI, PORT_ANTHROPIC, ...).
// Behaviour flags:
//
//	MOCK_LATENCY_MS   — artificial latency per response (default 0)
//	MOCK_ERROR_RATE   — fraction [0,1] of requests answered with a 500 (default 0)
//	MOCK_REPLY_WORDS  — words per generated completion (default 10)
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/nulpointcorp/llm-router/internal/adapters/mockupstream"
)

func loadConfig() mockupstream.Config {
	var c mockupstream.Config

	if v := os.Getenv("MOCK_LATENCY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Latency = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("MOCK_ERROR_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			c.ErrorRate = f
		}
	}
	if v := os.Getenv("MOCK_REPLY_WORDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.ReplyWords = n
		}
	}
	return c
}

func portFromEnv(key string, defaultPort int) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return strconv.Itoa(defaultPort)
}

func startServer(name, addr string, h http.Handler, log *slog.Logger) *http.Server {
	srv := &http.Server{
		Addr:         addr,
		Handler:      h,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		log.Info("mock provider listening", slog.String("provider", name), slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", slog.String("provider", name), slog.String("error", err.Error()))
		}
	}()
	return srv
}

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	cfg := loadConfig()

	log.Info("starting mock providers",
		slog.Duration("latency", cfg.Latency),
		slog.Float64("error_rate", cfg.ErrorRate),
		slog.Int("reply_words", cfg.ReplyWords),
	)

	servers := []*http.Server{
		startServer("openai", ":"+portFromEnv("PORT_OPENAI", 19001), mockupstream.OpenAIHandler(cfg), log),
		startServer("anthropic", ":"+portFromEnv("PORT_ANTHROPIC", 19002), mockupstream.AnthropicHandler(cfg), log),
		startServer("mistral", ":"+portFromEnv("PORT_MISTRAL", 19003), mockupstream.MistralHandler(cfg), log),
		startServer("cohere", ":"+portFromEnv("PORT_COHERE", 19004), mockupstream.CohereHandler(cfg), log),
		startServer("perplexity", ":"+portFromEnv("PORT_PERPLEXITY", 19005), mockupstream.PerplexityHandler(cfg), log),
		startServer("bedrock", ":"+portFromEnv("PORT_BEDROCK", 19006), mockupstream.BedrockHandler(cfg), log),
		startServer("azure", ":"+portFromEnv("PORT_AZURE", 19007), mockupstream.AzureHandler(cfg), log),
	}

	fmt.Println("READY")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down mock providers")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for _, srv := range servers {
		wg.Add(1)
		go func(s *http.Server) {
			defer wg.Done()
			_ = s.Shutdown(ctx)
		}(srv)
	}
	wg.Wait()
	log.Info("mock providers stopped")
}
