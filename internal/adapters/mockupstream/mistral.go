package mockupstream

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"
)

// MistralHandler simulates the Mistral platform API. Paths register with and
// without the /v1 prefix because the adapter's base URL carries it while
// tests point at the server root.
func MistralHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	handleBoth(mux, "/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeOpenAIError(w, http.StatusMethodNotAllowed, "method not allowed", "invalid_request_error")
			return
		}
		cfg.delay()
		if cfg.fail() {
			writeOpenAIError(w, http.StatusInternalServerError, "simulated server error", "internal_server_error")
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
			model = "mistral-large-latest"
		}

		id := fmt.Sprintf("cmpl-mock%x", rand.Int64())
		content := sentence(cfg.words())
		inTokens, outTokens := 10, cfg.words()

		if req.Stream {
			serveMistralStream(w, id, model, content, inTokens, outTokens)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"id":      id,
			"object":  "chat.completion",
			"created": time.Now().Unix(),
			"model":   model,
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

	handleBoth(mux, "/embeddings", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeOpenAIError(w, http.StatusMethodNotAllowed, "method not allowed", "invalid_request_error")
			return
		}
		cfg.delay()
		if cfg.fail() {
			writeOpenAIError(w, http.StatusInternalServerError, "simulated server error", "internal_server_error")
			return
		}

		var req struct {
			Model string   `json:"model"`
			Input []string `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeOpenAIError(w, http.StatusBadRequest, "invalid request body", "invalid_request_error")
			return
		}
		if len(req.Input) == 0 {
			req.Input = []string{""}
		}
		model := req.Model
		if model == "" {
			model = "mistral-embed"
		}

		data := make([]map[string]any, len(req.Input))
		for i := range req.Input {
			data[i] = map[string]any{
				"object":    "embedding",
				"index":     i,
				"embedding": embedding(1024),
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"id":     fmt.Sprintf("embd-mock%x", rand.Int64()),
			"object": "list",
			"data":   data,
			"model":  model,
			"usage": map[string]int{
				"prompt_tokens": len(req.Input) * 4,
				"total_tokens":  len(req.Input) * 4,
			},
		})
	})

	handleBoth(mux, "/models", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"object": "list",
			"data": []map[string]any{
				{"id": "mistral-large-latest", "object": "model"},
				{"id": "mistral-small-latest", "object": "model"},
				{"id": "codestral-latest", "object": "model"},
				{"id": "mistral-embed", "object": "model"},
			},
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeOpenAIError(w, http.StatusNotFound, fmt.Sprintf("unknown path %s", r.URL.Path), "not_found")
	})

	return mux
}

// serveMistralStream emits chunks with the usage block on the terminal frame,
// matching Mistral's behaviour of billing data arriving with finish_reason.
func serveMistralStream(w http.ResponseWriter, id, model, content string, inTokens, outTokens int) {
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
