package server

// OpenAI-compatible surface. POST /v1/chat/completions, /v1/completions and
// /v1/embeddings accept the OpenAI wire shapes and translate them onto the
// native request type, so stock SDKs can point at the router unchanged. The
// response envelopes follow the OpenAI schema with one extension: a
// "provider" field naming the upstream that actually served the request.

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-router/internal/llm"
	"github.com/nulpointcorp/llm-router/pkg/apierr"
)

type (
	chatMessage struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"` // string or content-part array
		Name    string          `json:"name,omitempty"`
	}

	chatFunction struct {
		Name        string         `json:"name"`
		Description string         `json:"description,omitempty"`
		Parameters  map[string]any `json:"parameters,omitempty"`
	}

	chatTool struct {
		Type     string       `json:"type"`
		Function chatFunction `json:"function"`
	}

	chatResponseFormat struct {
		Type string `json:"type"` // "text" | "json_object"
	}

	chatCompletionRequest struct {
		Model    string        `json:"model"`
		Messages []chatMessage `json:"messages"`

		// Prompt covers the legacy /v1/completions body, which carries a bare
		// prompt instead of a message list.
		Prompt string `json:"prompt"`

		Stream              bool                `json:"stream"`
		Temperature         *float64            `json:"temperature"`
		TopP                *float64            `json:"top_p"`
		MaxTokens           uint32              `json:"max_tokens"`
		MaxCompletionTokens uint32              `json:"max_completion_tokens"`
		Stop                stopList            `json:"stop"`
		Seed                *uint64             `json:"seed"`
		N                   int                 `json:"n"`
		User                string              `json:"user"`
		FrequencyPenalty    *float64            `json:"frequency_penalty"`
		PresencePenalty     *float64            `json:"presence_penalty"`
		ResponseFormat      *chatResponseFormat `json:"response_format"`
		Tools               []chatTool          `json:"tools"`
		ToolChoice          json.RawMessage     `json:"tool_choice"`
	}

	chatToolCallFunc struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	}

	chatToolCall struct {
		ID       string           `json:"id"`
		Type     string           `json:"type"`
		Function chatToolCallFunc `json:"function"`
	}

	chatChoiceMessage struct {
		Role      string         `json:"role"`
		Content   string         `json:"content"`
		ToolCalls []chatToolCall `json:"tool_calls,omitempty"`
	}

	chatChoice struct {
		Index        int               `json:"index"`
		Message      chatChoiceMessage `json:"message"`
		FinishReason string            `json:"finish_reason"`
	}

	chatCompletionResponse struct {
		ID       string       `json:"id"`
		Object   string       `json:"object"`
		Created  int64        `json:"created"`
		Model    string       `json:"model"`
		Provider string       `json:"provider,omitempty"`
		Choices  []chatChoice `json:"choices"`
		Usage    llm.Usage    `json:"usage"`
	}

	chatToolCallDelta struct {
		Index    int              `json:"index"`
		ID       string           `json:"id,omitempty"`
		Type     string           `json:"type,omitempty"`
		Function chatToolCallFunc `json:"function"`
	}

	chatChunkDelta struct {
		Role      string              `json:"role,omitempty"`
		Content   string              `json:"content,omitempty"`
		ToolCalls []chatToolCallDelta `json:"tool_calls,omitempty"`
	}

	chatChunkChoice struct {
		Index        int            `json:"index"`
		Delta        chatChunkDelta `json:"delta"`
		FinishReason *string        `json:"finish_reason"`
	}

	chatCompletionChunk struct {
		ID      string            `json:"id"`
		Object  string            `json:"object"`
		Created int64             `json:"created"`
		Model   string            `json:"model"`
		Choices []chatChunkChoice `json:"choices"`
		Usage   *llm.Usage        `json:"usage,omitempty"`
		Error   *apierr.APIError  `json:"error,omitempty"`
	}
)

// stopList accepts the OpenAI "stop" field, which may be a bare string or an
// array of strings.
type stopList []string

func (s *stopList) UnmarshalJSON(data []byte) error {
	var many []string
	if err := json.Unmarshal(data, &many); err == nil {
		*s = many
		return nil
	}
	var one string
	if err := json.Unmarshal(data, &one); err != nil {
		return fmt.Errorf("'stop' must be a string or array of strings")
	}
	if one != "" {
		*s = stopList{one}
	}
	return nil
}

// parseChatContent converts the raw JSON "content" field into plain text or
// content parts. The OpenAI API accepts either a bare string or an array of
// typed parts.
func parseChatContent(raw json.RawMessage) (string, []llm.Part, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil, nil
	}
	var parts []struct {
		Type     string `json:"type"`
		Text     string `json:"text"`
		ImageURL struct {
			URL string `json:"url"`
		} `json:"image_url"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", nil, fmt.Errorf("'content' must be a string or a content-part array")
	}
	out := make([]llm.Part, 0, len(parts))
	for _, p := range parts {
		switch p.Type {
		case "text":
			out = append(out, llm.Part{Kind: "text", Text: p.Text})
		case "image_url":
			out = append(out, llm.Part{Kind: "image_url", URL: p.ImageURL.URL})
		default:
			return "", nil, fmt.Errorf("unsupported content part type %q", p.Type)
		}
	}
	return "", out, nil
}

// parseToolChoice converts the raw JSON "tool_choice" field, which may be the
// string "auto"/"none" or a named-function object.
func parseToolChoice(raw json.RawMessage) (*llm.ToolChoice, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var mode string
	if err := json.Unmarshal(raw, &mode); err == nil {
		switch mode {
		case "auto", "none":
			return &llm.ToolChoice{Mode: mode}, nil
		default:
			return nil, fmt.Errorf("unsupported tool_choice %q", mode)
		}
	}
	var named struct {
		Type     string `json:"type"`
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &named); err != nil || named.Function.Name == "" {
		return nil, fmt.Errorf("'tool_choice' must be \"auto\", \"none\" or a named function")
	}
	return &llm.ToolChoice{Mode: "named", Name: named.Function.Name}, nil
}

// toNative translates the OpenAI body onto the unified request type.
func (in *chatCompletionRequest) toNative() (*llm.Request, error) {
	if in.N > 1 {
		return nil, llm.Errorf(llm.KindValidation, "n > 1 is not supported")
	}

	msgs := make([]llm.Message, 0, len(in.Messages))
	for i, m := range in.Messages {
		content, parts, err := parseChatContent(m.Content)
		if err != nil {
			return nil, llm.Errorf(llm.KindValidation, "messages[%d]: %s", i, err)
		}
		msgs = append(msgs, llm.Message{
			Role:    llm.Role(m.Role),
			Content: content,
			Parts:   parts,
			Name:    m.Name,
		})
	}

	maxTokens := in.MaxTokens
	if in.MaxCompletionTokens > 0 {
		maxTokens = in.MaxCompletionTokens
	}

	req := &llm.Request{
		Prompt:    in.Prompt,
		Messages:  msgs,
		ModelHint: in.Model,
		// The OpenAI "user" field is a stable end-user identifier, which is
		// exactly what sticky routing keys on.
		SessionID: in.User,
		Options: llm.Options{
			MaxTokens:        maxTokens,
			Temperature:      in.Temperature,
			TopP:             in.TopP,
			StopSequences:    in.Stop,
			FrequencyPenalty: in.FrequencyPenalty,
			PresencePenalty:  in.PresencePenalty,
			Stream:           in.Stream,
			Seed:             in.Seed,
		},
	}

	if in.ResponseFormat != nil {
		switch in.ResponseFormat.Type {
		case "json_object", "json":
			req.Options.ResponseFormat = &llm.ResponseFormat{Kind: "json"}
		case "text", "":
			req.Options.ResponseFormat = &llm.ResponseFormat{Kind: "text"}
		default:
			return nil, llm.Errorf(llm.KindValidation, "unsupported response_format %q", in.ResponseFormat.Type)
		}
	}

	for _, t := range in.Tools {
		if t.Type != "function" {
			return nil, llm.Errorf(llm.KindValidation, "unsupported tool type %q", t.Type)
		}
		req.Options.Tools = append(req.Options.Tools, llm.ToolSchema{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
		})
	}

	tc, err := parseToolChoice(in.ToolChoice)
	if err != nil {
		return nil, llm.Errorf(llm.KindValidation, "%s", err)
	}
	req.Options.ToolChoice = tc

	return req, nil
}

// handleChatCompletions serves POST /v1/chat/completions and its legacy
// alias /v1/completions.
func (s *Server) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	var in chatCompletionRequest
	if err := json.Unmarshal(ctx.PostBody(), &in); err != nil {
		apierr.WriteKind(ctx, llm.KindValidation, "invalid JSON body: "+err.Error())
		return
	}
	if in.Model == "" {
		apierr.WriteKind(ctx, llm.KindValidation, "field 'model' is required")
		return
	}

	req, err := in.toNative()
	if err != nil {
		apierr.Write(ctx, err)
		return
	}
	s.stampIdentity(ctx, req)

	if req.Options.Stream {
		s.streamGenerate(ctx, req, chatChunkFrame)
		return
	}

	resp, err := s.pipe.Generate(ctx, req)
	if err != nil {
		apierr.Write(ctx, err)
		return
	}
	setCacheHeader(ctx, resp.Cached)
	writeJSON(ctx, chatCompletionFrom(resp, req.RequestID))
}

func chatCompletionFrom(resp *llm.Response, requestID string) chatCompletionResponse {
	choice := chatChoice{
		Index: 0,
		Message: chatChoiceMessage{
			Role:    "assistant",
			Content: resp.Text,
		},
		FinishReason: openaiFinish(resp.FinishReason),
	}
	for _, tc := range resp.ToolCalls {
		choice.Message.ToolCalls = append(choice.Message.ToolCalls, chatToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: chatToolCallFunc{
				Name:      tc.Name,
				Arguments: tc.Arguments,
			},
		})
	}
	return chatCompletionResponse{
		ID:       "chatcmpl-" + requestID,
		Object:   "chat.completion",
		Created:  time.Now().Unix(),
		Model:    resp.Model,
		Provider: resp.Provider,
		Choices:  []chatChoice{choice},
		Usage:    resp.Usage,
	}
}

// chatChunkFrame renders one stream chunk as an OpenAI chat.completion.chunk.
// The first chunk announces the assistant role, the terminal chunk carries
// usage, and error chunks carry the standard error envelope body.
func chatChunkFrame(c llm.StreamChunk, requestID, model string) []byte {
	choice := chatChunkChoice{Index: 0}
	if c.Index == 0 {
		choice.Delta.Role = "assistant"
	}
	choice.Delta.Content = c.Delta
	if c.ToolDelta != nil {
		choice.Delta.ToolCalls = []chatToolCallDelta{{
			Index: c.ToolDelta.Index,
			ID:    c.ToolDelta.ID,
			Type:  "function",
			Function: chatToolCallFunc{
				Name:      c.ToolDelta.Name,
				Arguments: c.ToolDelta.Arguments,
			},
		}}
	}
	if c.FinishReason != "" {
		reason := openaiFinish(c.FinishReason)
		choice.FinishReason = &reason
	}

	chunk := chatCompletionChunk{
		ID:      "chatcmpl-" + requestID,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []chatChunkChoice{choice},
		Usage:   c.Usage,
	}
	if c.Err != nil {
		e := apierr.From(c.Err)
		chunk.Error = &e
	}

	data, err := json.Marshal(chunk)
	if err != nil {
		return nil
	}
	return data
}

func openaiFinish(r llm.FinishReason) string {
	switch r {
	case llm.FinishStop:
		return "stop"
	case llm.FinishLength:
		return "length"
	case llm.FinishToolUse:
		return "tool_calls"
	case llm.FinishSafety:
		return "content_filter"
	default:
		return string(r)
	}
}

type (
	// embeddingRequest mirrors the OpenAI POST /v1/embeddings body. The
	// "input" field accepts a string or array of strings; parseEmbeddingInput
	// normalizes to []string.
	embeddingRequest struct {
		Model          string          `json:"model"`
		Input          json.RawMessage `json:"input"`
		EncodingFormat string          `json:"encoding_format"`
	}

	embeddingData struct {
		Object    string    `json:"object"`
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	}

	embeddingUsage struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	}

	embeddingResponse struct {
		Object   string          `json:"object"`
		Data     []embeddingData `json:"data"`
		Model    string          `json:"model"`
		Provider string          `json:"provider,omitempty"`
		Usage    embeddingUsage  `json:"usage"`
	}
)

// parseEmbeddingInput converts the raw JSON "input" field into []string.
// The OpenAI API accepts either a bare string or an array of strings.
func parseEmbeddingInput(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("'input' is required")
	}
	var arr []string
	if err := json.Unmarshal(raw, &arr); err == nil {
		if len(arr) == 0 {
			return nil, fmt.Errorf("'input' must not be empty")
		}
		return arr, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return nil, fmt.Errorf("'input' must not be empty")
		}
		return []string{s}, nil
	}
	return nil, fmt.Errorf("'input' must be a string or array of strings")
}

// handleEmbeddings serves POST /v1/embeddings.
func (s *Server) handleEmbeddings(ctx *fasthttp.RequestCtx) {
	var in embeddingRequest
	if err := json.Unmarshal(ctx.PostBody(), &in); err != nil {
		apierr.WriteKind(ctx, llm.KindValidation, "invalid JSON body: "+err.Error())
		return
	}
	if in.Model == "" {
		apierr.WriteKind(ctx, llm.KindValidation, "field 'model' is required")
		return
	}
	if in.EncodingFormat != "" && in.EncodingFormat != "float" {
		apierr.WriteKind(ctx, llm.KindValidation, "only encoding_format 'float' is supported")
		return
	}
	inputs, err := parseEmbeddingInput(in.Input)
	if err != nil {
		apierr.WriteKind(ctx, llm.KindValidation, err.Error())
		return
	}

	req := &llm.Request{ModelHint: in.Model}
	s.stampIdentity(ctx, req)

	resp, err := s.pipe.Embed(ctx, req, &llm.EmbeddingRequest{
		Model: in.Model,
		Input: inputs,
	})
	if err != nil {
		apierr.Write(ctx, err)
		return
	}

	out := embeddingResponse{
		Object:   "list",
		Data:     make([]embeddingData, len(resp.Vectors)),
		Model:    resp.Model,
		Provider: resp.Provider,
		Usage: embeddingUsage{
			PromptTokens: resp.Usage.PromptTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
	}
	for i, v := range resp.Vectors {
		out.Data[i] = embeddingData{Object: "embedding", Index: i, Embedding: v}
	}
	writeJSON(ctx, out)
}
