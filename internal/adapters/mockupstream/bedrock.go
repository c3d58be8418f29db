package mockupstream

import (
	"fmt"
	"net/http"
	"strings"
)

// BedrockHandler simulates the AWS Bedrock runtime API. Invoke bodies differ
// per model-id family, so the handler dispatches on the prefix the same way
// the adapter's codecs do:
//
//	POST /model/{modelId}/invoke
//	POST /model/{modelId}/invoke-with-response-stream
//	GET  /foundation-models
func BedrockHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/model/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeBedrockError(w, http.StatusMethodNotAllowed, "method not allowed", "ValidationException")
			return
		}
		cfg.delay()
		if cfg.fail() {
			writeBedrockError(w, http.StatusInternalServerError, "simulated outage", "ServiceUnavailableException")
			return
		}

		modelID := bedrockModelID(r.URL.Path)
		stream := strings.HasSuffix(r.URL.Path, "/invoke-with-response-stream")
		content := sentence(cfg.words())
		inTokens, outTokens := 12, cfg.words()

		switch {
		case strings.HasPrefix(modelID, "anthropic."):
			if stream {
				serveBedrockAnthropicStream(w, content, inTokens, outTokens)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"content":     []map[string]string{{"type": "text", "text": content}},
				"stop_reason": "end_turn",
				"usage":       map[string]int{"input_tokens": inTokens, "output_tokens": outTokens},
			})

		case strings.HasPrefix(modelID, "meta."):
			if stream {
				serveBedrockMetaStream(w, content, inTokens)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"generation":             content,
				"prompt_token_count":     inTokens,
				"generation_token_count": outTokens,
				"stop_reason":            "stop",
			})

		case strings.HasPrefix(modelID, "mistral."):
			if stream {
				serveBedrockMistralStream(w, content)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"outputs": []map[string]string{{"text": content, "stop_reason": "stop"}},
			})

		case strings.HasPrefix(modelID, "amazon."):
			if stream {
				serveBedrockAmazonStream(w, content, inTokens)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"inputTextTokenCount": inTokens,
				"results": []map[string]any{{
					"tokenCount":       outTokens,
					"outputText":       content,
					"completionReason": "FINISH",
				}},
			})

		case strings.HasPrefix(modelID, "cohere."):
			if stream {
				serveBedrockCohereStream(w, content)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"generations": []map[string]string{{"text": content, "finish_reason": "COMPLETE"}},
			})

		default:
			writeBedrockError(w, http.StatusBadRequest,
				fmt.Sprintf("unknown model family in %q", modelID), "ValidationException")
		}
	})

	mux.HandleFunc("/foundation-models", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"modelSummaries": []map[string]any{
				{"modelId": "anthropic.claude-sonnet-4-5-v1:0", "modelName": "Claude Sonnet 4.5", "providerName": "Anthropic"},
				{"modelId": "meta.llama3-3-70b-instruct-v1:0", "modelName": "Llama 3.3 70B Instruct", "providerName": "Meta"},
				{"modelId": "amazon.titan-text-express-v1", "modelName": "Titan Text Express", "providerName": "Amazon"},
			},
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeBedrockError(w, http.StatusNotFound, fmt.Sprintf("unknown path %s", r.URL.Path), "ResourceNotFoundException")
	})

	return mux
}

func writeBedrockError(w http.ResponseWriter, status int, msg, typ string) {
	writeJSON(w, status, map[string]string{"message": msg, "__type": typ})
}

// bedrockModelID extracts the model from /model/{id}/invoke[-with-response-stream].
func bedrockModelID(path string) string {
	rest := strings.TrimPrefix(path, "/model/")
	if i := strings.LastIndex(rest, "/"); i >= 0 {
		return rest[:i]
	}
	return rest
}

// Each family streams the event shapes its codec consumes. Real Bedrock
// wraps these in binary eventstream framing; the mock (like the adapter's
// scanner) settles for SSE-style data lines.

func serveBedrockAnthropicStream(w http.ResponseWriter, content string, inTokens, outTokens int) {
	sse := newSSEWriter(w)

	sse.data(map[string]any{
		"type":    "message_start",
		"message": map[string]any{"usage": map[string]int{"input_tokens": inTokens}},
	})
	for _, word := range strings.Fields(content) {
		sse.data(map[string]any{
			"type":  "content_block_delta",
			"index": 0,
			"delta": map[string]string{"type": "text_delta", "text": word + " "},
		})
	}
	sse.data(map[string]any{
		"type":  "message_delta",
		"delta": map[string]string{"stop_reason": "end_turn"},
		"usage": map[string]int{"output_tokens": outTokens},
	})
	sse.data(map[string]string{"type": "message_stop"})
}

func serveBedrockMetaStream(w http.ResponseWriter, content string, inTokens int) {
	sse := newSSEWriter(w)

	words := strings.Fields(content)
	for i, word := range words {
		frame := map[string]any{
			"generation":             word + " ",
			"generation_token_count": i + 1,
		}
		if i == 0 {
			frame["prompt_token_count"] = inTokens
		}
		if i == len(words)-1 {
			frame["stop_reason"] = "stop"
		}
		sse.data(frame)
	}
}

func serveBedrockMistralStream(w http.ResponseWriter, content string) {
	sse := newSSEWriter(w)

	words := strings.Fields(content)
	for i, word := range words {
		out := map[string]string{"text": word + " "}
		if i == len(words)-1 {
			out["stop_reason"] = "stop"
		}
		sse.data(map[string]any{"outputs": []map[string]string{out}})
	}
}

func serveBedrockAmazonStream(w http.ResponseWriter, content string, inTokens int) {
	sse := newSSEWriter(w)

	words := strings.Fields(content)
	for i, word := range words {
		frame := map[string]any{
			"outputText":                word + " ",
			"totalOutputTextTokenCount": i + 1,
		}
		if i == 0 {
			frame["inputTextTokenCount"] = inTokens
		}
		if i == len(words)-1 {
			frame["completionReason"] = "FINISH"
		}
		sse.data(frame)
	}
}

func serveBedrockCohereStream(w http.ResponseWriter, content string) {
	sse := newSSEWriter(w)

	for _, word := range strings.Fields(content) {
		sse.data(map[string]any{"text": word + " ", "is_finished": false})
	}
	sse.data(map[string]any{"is_finished": true, "finish_reason": "COMPLETE"})
}
