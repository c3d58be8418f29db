package server

import (
	"encoding/json"
	"net/http"
	"reflect"
	"strings"
	"testing"

	"github.com/nulpointcorp/llm-router/internal/adapters"
	"github.com/nulpointcorp/llm-router/internal/llm"
)

func TestStopList_Unmarshal(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    []string
		wantErr bool
	}{
		{"bare string", `"END"`, []string{"END"}, false},
		{"array", `["a","b"]`, []string{"a", "b"}, false},
		{"empty string", `""`, nil, false},
		{"number", `7`, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var s stopList
			err := json.Unmarshal([]byte(tt.raw), &s)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && !reflect.DeepEqual([]string(s), tt.want) {
				t.Errorf("stop = %v, want %v", s, tt.want)
			}
		})
	}
}

func TestParseChatContent(t *testing.T) {
	t.Run("bare string", func(t *testing.T) {
		content, parts, err := parseChatContent(json.RawMessage(`"hello"`))
		if err != nil || content != "hello" || parts != nil {
			t.Errorf("got (%q, %v, %v), want (hello, nil, nil)", content, parts, err)
		}
	})

	t.Run("content parts", func(t *testing.T) {
		raw := json.RawMessage(`[
			{"type":"text","text":"describe this"},
			{"type":"image_url","image_url":{"url":"https://example.com/cat.png"}}
		]`)
		content, parts, err := parseChatContent(raw)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if content != "" || len(parts) != 2 {
			t.Fatalf("got (%q, %d parts)", content, len(parts))
		}
		if parts[0].Kind != "text" || parts[0].Text != "describe this" {
			t.Errorf("part 0 = %+v", parts[0])
		}
		if parts[1].Kind != "image_url" || parts[1].URL != "https://example.com/cat.png" {
			t.Errorf("part 1 = %+v", parts[1])
		}
	})

	t.Run("unsupported part type", func(t *testing.T) {
		if _, _, err := parseChatContent(json.RawMessage(`[{"type":"audio"}]`)); err == nil {
			t.Error("want error for audio part")
		}
	})

	t.Run("number", func(t *testing.T) {
		if _, _, err := parseChatContent(json.RawMessage(`7`)); err == nil {
			t.Error("want error for numeric content")
		}
	})
}

func TestParseToolChoice(t *testing.T) {
	t.Run("auto", func(t *testing.T) {
		tc, err := parseToolChoice(json.RawMessage(`"auto"`))
		if err != nil || tc.Mode != "auto" {
			t.Errorf("got (%+v, %v)", tc, err)
		}
	})
	t.Run("none", func(t *testing.T) {
		tc, err := parseToolChoice(json.RawMessage(`"none"`))
		if err != nil || tc.Mode != "none" {
			t.Errorf("got (%+v, %v)", tc, err)
		}
	})
	t.Run("named function", func(t *testing.T) {
		tc, err := parseToolChoice(json.RawMessage(`{"type":"function","function":{"name":"get_weather"}}`))
		if err != nil || tc.Mode != "named" || tc.Name != "get_weather" {
			t.Errorf("got (%+v, %v)", tc, err)
		}
	})
	t.Run("absent", func(t *testing.T) {
		tc, err := parseToolChoice(nil)
		if err != nil || tc != nil {
			t.Errorf("got (%+v, %v), want (nil, nil)", tc, err)
		}
	})
	t.Run("required unsupported", func(t *testing.T) {
		if _, err := parseToolChoice(json.RawMessage(`"required"`)); err == nil {
			t.Error("want error for required")
		}
	})
}

func TestChatRequest_ToNative(t *testing.T) {
	body := `{
		"model": "alpha:m1",
		"messages": [
			{"role": "system", "content": "be brief"},
			{"role": "user", "content": "hi", "name": "sam"}
		],
		"temperature": 0.2,
		"max_tokens": 64,
		"stop": "END",
		"seed": 42,
		"user": "end-user-7",
		"response_format": {"type": "json_object"},
		"tools": [
			{"type": "function", "function": {"name": "get_weather", "description": "weather lookup", "parameters": {"type": "object"}}}
		],
		"tool_choice": {"type": "function", "function": {"name": "get_weather"}}
	}`
	var in chatCompletionRequest
	if err := json.Unmarshal([]byte(body), &in); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	req, err := in.toNative()
	if err != nil {
		t.Fatalf("toNative: %v", err)
	}

	if req.ModelHint != "alpha:m1" {
		t.Errorf("model hint = %q", req.ModelHint)
	}
	if len(req.Messages) != 2 || req.Messages[0].Role != llm.RoleSystem || req.Messages[1].Name != "sam" {
		t.Errorf("messages = %+v", req.Messages)
	}
	if req.Options.MaxTokens != 64 {
		t.Errorf("max tokens = %d", req.Options.MaxTokens)
	}
	if req.Options.Temperature == nil || *req.Options.Temperature != 0.2 {
		t.Errorf("temperature = %v", req.Options.Temperature)
	}
	if !reflect.DeepEqual(req.Options.StopSequences, []string{"END"}) {
		t.Errorf("stop = %v", req.Options.StopSequences)
	}
	if req.Options.Seed == nil || *req.Options.Seed != 42 {
		t.Errorf("seed = %v", req.Options.Seed)
	}
	if req.SessionID != "end-user-7" {
		t.Errorf("session id = %q, want the user field", req.SessionID)
	}
	if req.Options.ResponseFormat == nil || req.Options.ResponseFormat.Kind != "json" {
		t.Errorf("response format = %+v", req.Options.ResponseFormat)
	}
	if len(req.Options.Tools) != 1 || req.Options.Tools[0].Name != "get_weather" {
		t.Errorf("tools = %+v", req.Options.Tools)
	}
	if req.Options.ToolChoice == nil || req.Options.ToolChoice.Mode != "named" {
		t.Errorf("tool choice = %+v", req.Options.ToolChoice)
	}
}

func TestChatRequest_MaxCompletionTokensWins(t *testing.T) {
	var in chatCompletionRequest
	if err := json.Unmarshal([]byte(`{"model":"m","max_tokens":10,"max_completion_tokens":99}`), &in); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	req, err := in.toNative()
	if err != nil {
		t.Fatalf("toNative: %v", err)
	}
	if req.Options.MaxTokens != 99 {
		t.Errorf("max tokens = %d, want 99", req.Options.MaxTokens)
	}
}

func TestChatRequest_RejectsMultipleChoices(t *testing.T) {
	in := chatCompletionRequest{Model: "m", N: 2}
	if _, err := in.toNative(); !llm.IsKind(err, llm.KindValidation) {
		t.Errorf("err = %v, want validation", err)
	}
}

func TestOpenAIFinish(t *testing.T) {
	tests := []struct {
		in   llm.FinishReason
		want string
	}{
		{llm.FinishStop, "stop"},
		{llm.FinishLength, "length"},
		{llm.FinishToolUse, "tool_calls"},
		{llm.FinishSafety, "content_filter"},
		{llm.FinishError, "error"},
	}
	for _, tt := range tests {
		if got := openaiFinish(tt.in); got != tt.want {
			t.Errorf("openaiFinish(%s) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// --- endpoints ----------------------------------------------------------------

func TestHandleChatCompletions_Unary(t *testing.T) {
	env := newTestEnv(t, defaultEnvConfig())

	resp := env.do(t, "POST", "/v1/chat/completions", env.proKey,
		`{"model":"alpha:m1","messages":[{"role":"user","content":"hi"}]}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var out struct {
		ID       string `json:"id"`
		Object   string `json:"object"`
		Model    string `json:"model"`
		Provider string `json:"provider"`
		Choices  []struct {
			Index   int `json:"index"`
			Message struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage llm.Usage `json:"usage"`
	}
	decodeJSON(t, resp, &out)

	if out.Object != "chat.completion" {
		t.Errorf("object = %q", out.Object)
	}
	if !strings.HasPrefix(out.ID, "chatcmpl-") {
		t.Errorf("id = %q, want chatcmpl- prefix", out.ID)
	}
	if out.Model != "m1" || out.Provider != "alpha" {
		t.Errorf("served by %s/%s, want alpha/m1", out.Provider, out.Model)
	}
	if len(out.Choices) != 1 {
		t.Fatalf("choices = %d, want 1", len(out.Choices))
	}
	c := out.Choices[0]
	if c.Message.Role != "assistant" || c.Message.Content != "hello from alpha" {
		t.Errorf("message = %+v", c.Message)
	}
	if c.FinishReason != "stop" {
		t.Errorf("finish_reason = %q, want stop", c.FinishReason)
	}
	if out.Usage.TotalTokens != 12 {
		t.Errorf("total tokens = %d, want 12", out.Usage.TotalTokens)
	}
}

func TestHandleChatCompletions_LegacyPrompt(t *testing.T) {
	env := newTestEnv(t, defaultEnvConfig())

	resp := env.do(t, "POST", "/v1/completions", env.proKey,
		`{"model":"alpha:m1","prompt":"hi"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestHandleChatCompletions_MissingModel(t *testing.T) {
	env := newTestEnv(t, defaultEnvConfig())

	resp := env.do(t, "POST", "/v1/chat/completions", env.proKey,
		`{"messages":[{"role":"user","content":"hi"}]}`)
	wantErrorKind(t, resp, http.StatusBadRequest, "validation")
}

func TestHandleChatCompletions_Stream(t *testing.T) {
	env := newTestEnv(t, envConfig{
		descs: []*llm.ModelDescriptor{testDesc("alpha", "m1")},
		adapters: []adapters.Adapter{&stubAdapter{
			name:   "alpha",
			chunks: []llm.StreamChunk{{Delta: "Hel"}, {Delta: "lo"}},
		}},
	})

	resp := env.do(t, "POST", "/v1/chat/completions", env.proKey,
		`{"model":"alpha:m1","stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	frames := readSSE(t, resp)
	if len(frames) < 3 || frames[len(frames)-1] != "[DONE]" {
		t.Fatalf("frames = %v", frames)
	}

	var text strings.Builder
	var finish string
	for i, f := range frames[:len(frames)-1] {
		var chunk struct {
			Object  string `json:"object"`
			Choices []struct {
				Delta struct {
					Role    string `json:"role"`
					Content string `json:"content"`
				} `json:"delta"`
				FinishReason *string `json:"finish_reason"`
			} `json:"choices"`
			Usage *llm.Usage `json:"usage"`
		}
		if err := json.Unmarshal([]byte(f), &chunk); err != nil {
			t.Fatalf("bad frame %q: %v", f, err)
		}
		if chunk.Object != "chat.completion.chunk" {
			t.Errorf("frame %d object = %q", i, chunk.Object)
		}
		if len(chunk.Choices) != 1 {
			t.Fatalf("frame %d choices = %d", i, len(chunk.Choices))
		}
		if i == 0 && chunk.Choices[0].Delta.Role != "assistant" {
			t.Errorf("first delta role = %q, want assistant", chunk.Choices[0].Delta.Role)
		}
		text.WriteString(chunk.Choices[0].Delta.Content)
		if fr := chunk.Choices[0].FinishReason; fr != nil {
			finish = *fr
			if chunk.Usage == nil {
				t.Error("terminal chunk missing usage")
			}
		}
	}
	if text.String() != "Hello" {
		t.Errorf("streamed text = %q, want Hello", text.String())
	}
	if finish != "stop" {
		t.Errorf("finish_reason = %q, want stop", finish)
	}
}

func TestChatChunkFrame_Error(t *testing.T) {
	chunk := llm.StreamChunk{
		Done:         true,
		FinishReason: llm.FinishError,
		Err: &llm.Error{
			Kind:     llm.KindUpstreamTransient,
			Message:  "connection reset",
			Provider: "alpha",
		},
	}
	data := chatChunkFrame(chunk, "req-1", "alpha:m1")
	var out struct {
		Error *struct {
			Kind    string `json:"kind"`
			Message string `json:"message"`
		} `json:"error"`
		Choices []struct {
			FinishReason *string `json:"finish_reason"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	if out.Error == nil || out.Error.Kind != "upstream_transient" {
		t.Fatalf("error = %+v", out.Error)
	}
	if out.Choices[0].FinishReason == nil || *out.Choices[0].FinishReason != "error" {
		t.Errorf("finish_reason = %v", out.Choices[0].FinishReason)
	}
}

// --- embeddings ---------------------------------------------------------------

func TestHandleEmbeddings_ArrayInput(t *testing.T) {
	env := newTestEnv(t, defaultEnvConfig())

	resp := env.do(t, "POST", "/v1/embeddings", env.proKey,
		`{"model":"alpha:m1","input":["first","second"]}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var out struct {
		Object string `json:"object"`
		Data   []struct {
			Object    string    `json:"object"`
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
		Model    string `json:"model"`
		Provider string `json:"provider"`
		Usage    struct {
			PromptTokens int `json:"prompt_tokens"`
			TotalTokens  int `json:"total_tokens"`
		} `json:"usage"`
	}
	decodeJSON(t, resp, &out)

	if out.Object != "list" || len(out.Data) != 2 {
		t.Fatalf("object = %q, data = %d", out.Object, len(out.Data))
	}
	for i, d := range out.Data {
		if d.Object != "embedding" || d.Index != i || len(d.Embedding) == 0 {
			t.Errorf("data[%d] = %+v", i, d)
		}
	}
	if out.Provider != "alpha" {
		t.Errorf("provider = %q, want alpha", out.Provider)
	}
	if out.Usage.PromptTokens != 6 {
		t.Errorf("prompt tokens = %d, want 6", out.Usage.PromptTokens)
	}
}

func TestHandleEmbeddings_BareStringInput(t *testing.T) {
	env := newTestEnv(t, defaultEnvConfig())

	resp := env.do(t, "POST", "/v1/embeddings", env.proKey,
		`{"model":"alpha:m1","input":"hello"}`)
	var out struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	decodeJSON(t, resp, &out)
	if len(out.Data) != 1 {
		t.Errorf("data = %d, want 1", len(out.Data))
	}
}

func TestHandleEmbeddings_Validation(t *testing.T) {
	env := newTestEnv(t, defaultEnvConfig())

	tests := []struct {
		name string
		body string
	}{
		{"missing model", `{"input":"hello"}`},
		{"missing input", `{"model":"alpha:m1"}`},
		{"numeric input", `{"model":"alpha:m1","input":7}`},
		{"empty array", `{"model":"alpha:m1","input":[]}`},
		{"base64 format", `{"model":"alpha:m1","input":"x","encoding_format":"base64"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(t, "POST", "/v1/embeddings", env.proKey, tt.body)
			wantErrorKind(t, resp, http.StatusBadRequest, "validation")
		})
	}
}
