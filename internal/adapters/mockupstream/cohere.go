package mockupstream

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
)

// CohereHandler simulates the Cohere platform API: /chat and /generate with
// newline-delimited JSON streaming, /embed, /rerank, and the /models listing
// used by health probes.
func CohereHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	handleBoth(mux, "/chat", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeCohereError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		cfg.delay()
		if cfg.fail() {
			writeCohereError(w, http.StatusInternalServerError, "simulated server error")
			return
		}

		var req struct {
			Model  string `json:"model"`
			Stream bool   `json:"stream"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeCohereError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		content := sentence(cfg.words())
		inTokens, outTokens := 12, cfg.words()

		if req.Stream {
			serveCohereStream(w, content, inTokens, outTokens)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"text":          content,
			"generation_id": fmt.Sprintf("gen-mock%x", rand.Int64()),
			"finish_reason": "COMPLETE",
			"meta":          cohereMeta(inTokens, outTokens),
		})
	})

	handleBoth(mux, "/generate", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeCohereError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		cfg.delay()
		if cfg.fail() {
			writeCohereError(w, http.StatusInternalServerError, "simulated server error")
			return
		}

		var req struct {
			Stream bool `json:"stream"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeCohereError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		content := sentence(cfg.words())
		inTokens, outTokens := 12, cfg.words()

		if req.Stream {
			serveCohereStream(w, content, inTokens, outTokens)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"generations": []map[string]any{
				{"text": content, "finish_reason": "COMPLETE"},
			},
			"meta": cohereMeta(inTokens, outTokens),
		})
	})

	handleBoth(mux, "/embed", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeCohereError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		cfg.delay()
		if cfg.fail() {
			writeCohereError(w, http.StatusInternalServerError, "simulated server error")
			return
		}

		var req struct {
			Texts []string `json:"texts"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeCohereError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if len(req.Texts) == 0 {
			req.Texts = []string{""}
		}

		embeddings := make([][]float32, len(req.Texts))
		for i := range req.Texts {
			embeddings[i] = embedding(1024)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"embeddings": embeddings,
			"meta":       cohereMeta(len(req.Texts)*4, 0),
		})
	})

	handleBoth(mux, "/rerank", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeCohereError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		cfg.delay()
		if cfg.fail() {
			writeCohereError(w, http.StatusInternalServerError, "simulated server error")
			return
		}

		var req struct {
			Documents []string `json:"documents"`
			TopN      int      `json:"top_n"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeCohereError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		n := len(req.Documents)
		if req.TopN > 0 && req.TopN < n {
			n = req.TopN
		}
		results := make([]map[string]any, n)
		for i := 0; i < n; i++ {
			results[i] = map[string]any{
				"index":           i,
				"relevance_score": 1.0 - float64(i)*0.1,
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"results": results})
	})

	handleBoth(mux, "/models", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"models": []map[string]any{
				{"name": "command-r-plus-08-2024", "endpoints": []string{"chat"}},
				{"name": "embed-english-v3.0", "endpoints": []string{"embed"}},
			},
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeCohereError(w, http.StatusNotFound, fmt.Sprintf("unknown path %s", r.URL.Path))
	})

	return mux
}

func cohereMeta(in, out int) map[string]any {
	return map[string]any{
		"billed_units": map[string]int{
			"input_tokens":  in,
			"output_tokens": out,
		},
	}
}

func writeCohereError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}

// serveCohereStream writes newline-delimited JSON events: text-generation
// frames followed by a stream-end carrying billing metadata.
func serveCohereStream(w http.ResponseWriter, content string, inTokens, outTokens int) {
	w.Header().Set("Content-Type", "application/stream+json")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	writeLine := func(v any) {
		b, _ := json.Marshal(v)
		_, _ = w.Write(append(b, '\n'))
		if flusher != nil {
			flusher.Flush()
		}
	}

	for _, word := range strings.Fields(content) {
		writeLine(map[string]any{
			"event_type": "text-generation",
			"text":       word + " ",
		})
	}
	writeLine(map[string]any{
		"event_type":    "stream-end",
		"is_finished":   true,
		"finish_reason": "COMPLETE",
		"response": map[string]any{
			"meta": cohereMeta(inTokens, outTokens),
		},
	})
}
