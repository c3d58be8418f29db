// Package mockupstream implements in-process HTTP fakes for the provider
// wire formats the adapters speak. Each handler simulates one upstream API
// closely enough that the matching adapter can run against it unmodified:
// adapter tests mount the handlers on httptest servers, and cmd/mockllm
// serves them on local ports for development and load testing without real
// credentials.
//
// Handlers are deterministic in shape but not in content: reply text is
// sampled from a fixed word pool. Behaviour knobs (latency, error injection,
// reply length) live on Config; the zero value is usable.
package mockupstream

import (
	"encoding/json"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"
)

// Config tunes the behaviour of every handler in the package.
type Config struct {
	// Latency is added to each request before the response is written.
	Latency time.Duration
	// ErrorRate is the fraction [0,1] of requests answered with the
	// provider's 500-equivalent error payload.
	ErrorRate float64
	// ReplyWords is the length of generated completions. Zero means 10.
	ReplyWords int
}

func (c Config) words() int {
	if c.ReplyWords <= 0 {
		return 10
	}
	return c.ReplyWords
}

func (c Config) delay() {
	if c.Latency > 0 {
		time.Sleep(c.Latency)
	}
}

func (c Config) fail() bool {
	return c.ErrorRate > 0 && rand.Float64() < c.ErrorRate
}

// wordPool seeds generated completions.
var wordPool = []string{
	"the", "quick", "brown", "fox", "jumps", "over", "a", "lazy", "dog",
	"hello", "world", "this", "is", "a", "simulated", "reply", "from", "the",
	"mock", "upstream", "standing", "in", "for", "a", "real", "model",
	"during", "development", "and", "testing",
}

func sentence(n int) string {
	words := make([]string, n)
	for i := range words {
		words[i] = wordPool[rand.IntN(len(wordPool))]
	}
	return strings.Join(words, " ") + "."
}

func embedding(dim int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = rand.Float32()*2 - 1
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeOpenAIError emits the {"error":{...}} envelope shared by OpenAI,
// Mistral, Perplexity and the compatible providers.
func writeOpenAIError(w http.ResponseWriter, status int, msg, typ string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"message": msg,
			"type":    typ,
			"code":    strings.ToLower(strings.ReplaceAll(typ, " ", "_")),
		},
	})
}

// handleBoth registers h under path and under "/v1"+path. Adapters differ in
// whether their base URL carries the /v1 segment, and tests point them at
// the server root.
func handleBoth(mux *http.ServeMux, path string, h http.HandlerFunc) {
	mux.HandleFunc(path, h)
	mux.HandleFunc("/v1"+path, h)
}

// sseWriter frames server-sent events on top of a ResponseWriter.
type sseWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func newSSEWriter(w http.ResponseWriter) *sseWriter {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	f, _ := w.(http.Flusher)
	return &sseWriter{w: w, f: f}
}

func (s *sseWriter) data(v any) {
	b, _ := json.Marshal(v)
	_, _ = s.w.Write([]byte("data: "))
	_, _ = s.w.Write(b)
	_, _ = s.w.Write([]byte("\n\n"))
	s.flush()
}

func (s *sseWriter) event(name string, v any) {
	b, _ := json.Marshal(v)
	_, _ = s.w.Write([]byte("event: " + name + "\ndata: "))
	_, _ = s.w.Write(b)
	_, _ = s.w.Write([]byte("\n\n"))
	s.flush()
}

func (s *sseWriter) raw(line string) {
	_, _ = s.w.Write([]byte(line + "\n\n"))
	s.flush()
}

func (s *sseWriter) flush() {
	if s.f != nil {
		s.f.Flush()
	}
}
