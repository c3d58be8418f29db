package mockupstream

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"
)

// AzureHandler simulates an Azure OpenAI resource: deployment-scoped chat
// and embeddings endpoints plus the models listing used by health probes.
func AzureHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/openai/deployments/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeOpenAIError(w, http.StatusMethodNotAllowed, "method not allowed", "invalid_request_error")
			return
		}
		cfg.delay()
		if cfg.fail() {
			writeOpenAIError(w, http.StatusInternalServerError, "simulated server error", "server_error")
			return
		}

		deployment, op := azureDeployment(r.URL.Path)
		switch op {
		case "chat/completions":
			serveAzureChat(w, r, deployment, cfg)
		case "embeddings":
			serveAzureEmbeddings(w, r, deployment)
		default:
			writeOpenAIError(w, http.StatusNotFound,
				fmt.Sprintf("unknown operation %q", op), "not_found")
		}
	})

	mux.HandleFunc("/openai/models", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"object": "list",
			"data": []map[string]any{
				{"id": "gpt-4o", "object": "model", "capabilities": map[string]bool{"chat_completion": true}},
				{"id": "text-embedding-3-small", "object": "model", "capabilities": map[string]bool{"embeddings": true}},
			},
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeOpenAIError(w, http.StatusNotFound, fmt.Sprintf("unknown path %s", r.URL.Path), "not_found")
	})

	return mux
}

// azureDeployment splits /openai/deployments/{name}/{op...} into its parts.
func azureDeployment(path string) (deployment, op string) {
	rest := strings.TrimPrefix(path, "/openai/deployments/")
	if i := strings.Index(rest, "/"); i >= 0 {
		return rest[:i], rest[i+1:]
	}
	return rest, ""
}

func serveAzureChat(w http.ResponseWriter, r *http.Request, deployment string, cfg Config) {
	var req struct {
		Stream bool `json:"stream"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeOpenAIError(w, http.StatusBadRequest, "invalid request body", "invalid_request_error")
		return
	}

	id := fmt.Sprintf("chatcmpl-mock%x", rand.Int64())
	content := sentence(cfg.words())
	inTokens, outTokens := 10, cfg.words()

	if req.Stream {
		serveOpenAIStream(w, id, deployment, content, inTokens, outTokens)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":      id,
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   deployment,
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
}

func serveAzureEmbeddings(w http.ResponseWriter, r *http.Request, deployment string) {
	var req struct {
		Input []string `json:"input"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeOpenAIError(w, http.StatusBadRequest, "invalid request body", "invalid_request_error")
		return
	}
	if len(req.Input) == 0 {
		req.Input = []string{""}
	}

	data := make([]map[string]any, len(req.Input))
	for i := range req.Input {
		data[i] = map[string]any{
			"object":    "embedding",
			"index":     i,
			"embedding": embedding(1536),
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"object": "list",
		"data":   data,
		"model":  deployment,
		"usage": map[string]int{
			"prompt_tokens": len(req.Input) * 5,
			"total_tokens":  len(req.Input) * 5,
		},
	})
}
