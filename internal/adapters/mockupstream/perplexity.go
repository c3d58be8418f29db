package mockupstream

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"
)

// PerplexityHandler simulates the Perplexity API: the OpenAI chat shape at
// /chat/completions (no /v1 segment) with web-search citations attached.
func PerplexityHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeOpenAIError(w, http.StatusMethodNotAllowed, "method not allowed", "invalid_request_error")
			return
		}
		cfg.delay()
		if cfg.fail() {
			writeOpenAIError(w, http.StatusInternalServerError, "simulated server error", "server_error")
			return
		}

		var req struct {
			Model  string `json:"model"`
			Stream bool   `json:"stream"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeOpenAIError(w, http.StatusBadRequest, "invalid request body", "invalid_request_error")
			return
		}
		model := req.Model
		if model == "" {
			model = "sonar"
		}

		id := fmt.Sprintf("pplx-mock%x", rand.Int64())
		content := sentence(cfg.words())
		inTokens, outTokens := 10, cfg.words()

		if req.Stream {
			servePerplexityStream(w, id, model, content, inTokens, outTokens)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"id":      id,
			"object":  "chat.completion",
			"created": time.Now().Unix(),
			"model":   model,
			"citations": []string{
				"https://example.com/source-1",
				"https://example.com/source-2",
			},
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]string{"role": "assistant", "content": content},
				"finish_reason": "stop",
			}},
			"usage": map[string]int{
				"prompt_tokens":     inTokens,
				"completion_tokens": outTokens,
				"total_tokens":      inTokens + outTokens,
			},
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeOpenAIError(w, http.StatusNotFound, fmt.Sprintf("unknown path %s", r.URL.Path), "not_found")
	})

	return mux
}

// servePerplexityStream emits OpenAI-shaped chunks; usage rides the terminal
// frame the way the live API reports it.
func servePerplexityStream(w http.ResponseWriter, id, model, content string, inTokens, outTokens int) {
	sse := newSSEWriter(w)

	words := strings.Fields(content)
	for i, word := range words {
		choice := map[string]any{
			"index":         0,
			"delta":         map[string]string{"content": word + " "},
			"finish_reason": nil,
		}
		chunk := map[string]any{
			"id":      id,
			"object":  "chat.completion.chunk",
			"created": time.Now().Unix(),
			"model":   model,
			"choices": []map[string]any{choice},
		}
		if i == len(words)-1 {
			choice["finish_reason"] = "stop"
			chunk["usage"] = map[string]int{
				"prompt_tokens":     inTokens,
				"completion_tokens": outTokens,
				"total_tokens":      inTokens + outTokens,
			}
		}
		sse.data(chunk)
	}
	sse.raw("data: [DONE]")
}
