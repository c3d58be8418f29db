// Package bedrock implements the AWS Bedrock adapter over raw HTTP with
// hand-rolled SigV4 signing. Invoke bodies are shaped per model-id family
// (anthropic.*, meta.*, mistral.*, amazon.*, cohere.*) and responses are
// picked apart with gjson paths registered per family.
//
// Required configuration:
//   - BEDROCK_ACCESS_KEY_ID
//   - BEDROCK_SECRET_ACCESS_KEY
//   - BEDROCK_REGION (e.g. "us-east-1")
//
// Optional:
//   - BEDROCK_SESSION_TOKEN — for temporary credentials (IAM roles, STS).
package bedrock

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/nulpointcorp/llm-router/internal/adapters"
	"github.com/nulpointcorp/llm-router/internal/llm"
)

const (
	providerName = "bedrock"
	service      = "bedrock"
	algorithm    = "AWS4-HMAC-SHA256"

	defaultMaxTokens = 2048
)

var catalog = adapters.NewCatalog([]adapters.CatalogEntry{
	{
		ModelID: "anthropic.claude-sonnet-4-5-v1:0", Family: "anthropic",
		Capabilities:  llm.Caps(llm.CapChat, llm.CapText, llm.CapStreaming, llm.CapToolUse, llm.CapVision),
		ContextTokens: 200_000, MaxOutput: 64_000,
		InputPerMTok: 3.00, OutputPerMTok: 15.00, Quality: 0.93,
	},
	{
		ModelID: "anthropic.claude-3-5-haiku-20241022-v1:0", Family: "anthropic",
		Capabilities:  llm.Caps(llm.CapChat, llm.CapText, llm.CapStreaming, llm.CapToolUse),
		ContextTokens: 200_000, MaxOutput: 8_192,
		InputPerMTok: 0.80, OutputPerMTok: 4.00, Quality: 0.71,
	},
	{
		ModelID: "meta.llama3-3-70b-instruct-v1:0", Family: "meta",
		Capabilities:  llm.Caps(llm.CapChat, llm.CapText, llm.CapStreaming),
		ContextTokens: 128_000, MaxOutput: 8_192,
		InputPerMTok: 0.72, OutputPerMTok: 0.72, Quality: 0.78,
	},
	{
		ModelID: "mistral.mistral-large-2407-v1:0", Family: "mistral",
		Capabilities:  llm.Caps(llm.CapChat, llm.CapText, llm.CapStreaming),
		ContextTokens: 128_000, MaxOutput: 8_192,
		InputPerMTok: 2.00, OutputPerMTok: 6.00, Quality: 0.84,
	},
	{
		ModelID: "amazon.titan-text-express-v1", Family: "amazon",
		Capabilities:  llm.Caps(llm.CapChat, llm.CapText, llm.CapStreaming),
		ContextTokens: 8_192, MaxOutput: 8_192,
		InputPerMTok: 0.20, OutputPerMTok: 0.60, Quality: 0.55,
	},
	{
		ModelID: "cohere.command-text-v14", Family: "cohere",
		Capabilities:  llm.Caps(llm.CapChat, llm.CapText, llm.CapStreaming),
		ContextTokens: 4_096, MaxOutput: 4_096,
		InputPerMTok: 1.50, OutputPerMTok: 2.00, Quality: 0.60,
	},
})

// Adapter talks to Bedrock runtime endpoints with SigV4-signed raw HTTP.
type Adapter struct {
	accessKey    string
	secretKey    string
	sessionToken string
	region       string
	endpointURL  string // optional override for the base endpoint (testing)
	client       *http.Client
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithSessionToken sets the AWS session token for temporary credentials.
func WithSessionToken(token string) Option {
	return func(a *Adapter) { a.sessionToken = token }
}

// WithEndpointURL overrides the Bedrock endpoint base URL (e.g. for local
// mocks). When set, all API calls use this URL instead of the regional one.
func WithEndpointURL(u string) Option {
	return func(a *Adapter) { a.endpointURL = u }
}

// New creates an AWS Bedrock Adapter.
func New(accessKey, secretKey, region string, opts ...Option) *Adapter {
	a := &Adapter{
		accessKey: accessKey,
		secretKey: secretKey,
		region:    region,
		client:    adapters.NewHTTPClient(),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Adapter) Name() string { return providerName }

func (a *Adapter) Info() adapters.Info {
	return adapters.Info{
		Name:        providerName,
		Version:     "bedrock-runtime",
		Features:    catalog.Features(),
		CatalogHash: catalog.Hash(),
		Status:      "ready",
	}
}

func (a *Adapter) Load(ctx context.Context, spec adapters.LoadSpec) (*llm.ModelDescriptor, error) {
	entry, ok := catalog.Lookup(spec.ModelID)
	if !ok {
		return nil, llm.Errorf(llm.KindNotFound, "bedrock: model %q not in catalog", spec.ModelID)
	}
	if _, err := codecFor(spec.ModelID); err != nil {
		return nil, err
	}
	return entry.Descriptor(providerName), nil
}

// Unload is a no-op: remote models hold no local resources.
func (a *Adapter) Unload(ctx context.Context, descriptorID string) error { return nil }

func (a *Adapter) Complete(ctx context.Context, inv *adapters.Invocation) (*llm.Response, error) {
	modelID := modelOf(inv)
	c, err := codecFor(modelID)
	if err != nil {
		return nil, err
	}

	payload, err := c.build(inv.Request)
	if err != nil {
		return nil, llm.Errorf(llm.KindInternal, "bedrock: marshal body: %v", err)
	}

	start := time.Now()
	resp, err := a.post(ctx, a.invokeEndpoint(modelID), payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, parseError(resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, llm.Errorf(llm.KindUpstreamTransient, "bedrock: read body: %v", err)
	}

	text, usage, finish := c.parse(body)
	usage.Normalize()

	return &llm.Response{
		Text:         text,
		Usage:        usage,
		Cost:         cost(inv, usage),
		LatencyMs:    time.Since(start).Milliseconds(),
		Model:        modelID,
		Provider:     providerName,
		FinishReason: finish,
	}, nil
}

func (a *Adapter) Stream(ctx context.Context, inv *adapters.Invocation) (<-chan llm.StreamChunk, error) {
	modelID := modelOf(inv)
	c, err := codecFor(modelID)
	if err != nil {
		return nil, err
	}

	payload, err := c.build(inv.Request)
	if err != nil {
		return nil, llm.Errorf(llm.KindInternal, "bedrock: marshal body: %v", err)
	}

	resp, err := a.post(ctx, a.invokeStreamEndpoint(modelID), payload)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, parseError(resp)
	}

	ch := make(chan llm.StreamChunk, 64)

	go func() {
		defer resp.Body.Close()
		defer close(ch)

		var (
			idx int
			st  streamState
		)
		sc := adapters.NewEventScanner(resp.Body)
		for {
			data, ok := sc.Next()
			if !ok {
				break
			}
			if delta := c.chunk([]byte(data), &st); delta != "" {
				ch <- llm.StreamChunk{Delta: delta, Index: idx}
				idx++
			}
		}

		if err := sc.Err(); err != nil {
			ch <- llm.StreamChunk{
				Index:        idx,
				Done:         true,
				FinishReason: llm.FinishError,
				Err:          llm.Errorf(llm.KindUpstreamTransient, "bedrock: stream read: %v", err),
			}
			return
		}

		if st.finish == "" {
			st.finish = llm.FinishStop
		}
		st.usage.Normalize()
		last := llm.StreamChunk{Index: idx, Done: true, FinishReason: st.finish}
		if st.usage.TotalTokens > 0 {
			u := st.usage
			last.Usage = &u
		}
		ch <- last
	}()

	return ch, nil
}

// ListModels queries the control-plane foundation-model listing; the static
// catalog serves as fallback when the call fails.
func (a *Adapter) ListModels(ctx context.Context) ([]llm.ModelSummary, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.controlEndpoint()+"/foundation-models", nil)
	if err != nil {
		return catalog.Summaries(providerName), nil
	}
	if err := a.signRequest(req, nil); err != nil {
		return catalog.Summaries(providerName), nil
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return catalog.Summaries(providerName), nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return catalog.Summaries(providerName), nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return catalog.Summaries(providerName), nil
	}

	var out []llm.ModelSummary
	gjson.GetBytes(body, "modelSummaries").ForEach(func(_, m gjson.Result) bool {
		id := m.Get("modelId").String()
		if id == "" {
			return true
		}
		s := llm.ModelSummary{
			ID:       llm.DescriptorID(providerName, id),
			Provider: providerName,
			ModelID:  id,
		}
		if e, ok := catalog.Lookup(id); ok {
			s.Capabilities = e.Capabilities
			s.ContextTokens = e.ContextTokens
		}
		out = append(out, s)
		return true
	})
	if len(out) == 0 {
		return catalog.Summaries(providerName), nil
	}
	return out, nil
}

// HealthProbe implements adapters.HealthProber with a signed control-plane GET.
func (a *Adapter) HealthProbe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.controlEndpoint()+"/foundation-models", nil)
	if err != nil {
		return fmt.Errorf("bedrock: health probe: %w", err)
	}
	if err := a.signRequest(req, nil); err != nil {
		return fmt.Errorf("bedrock: health probe sign: %w", err)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("bedrock: health probe: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &adapters.ProviderError{
			Provider:   providerName,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("health probe status %d", resp.StatusCode),
		}
	}
	return nil
}

func (a *Adapter) post(ctx context.Context, endpoint string, payload []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, llm.Errorf(llm.KindInternal, "bedrock: build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if err := a.signRequest(req, payload); err != nil {
		return nil, llm.Errorf(llm.KindInternal, "bedrock: sign: %v", err)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, llm.Classify(err, providerName, "")
	}
	return resp, nil
}

// ─── Family codecs ───────────────────────────────────────────────────────────

// streamState accumulates usage and finish reason across family chunks.
type streamState struct {
	usage  llm.Usage
	finish llm.FinishReason
}

// codec shapes invoke bodies and extracts response fields for one model-id
// prefix family.
type codec struct {
	build func(req *llm.Request) ([]byte, error)
	parse func(body []byte) (string, llm.Usage, llm.FinishReason)
	chunk func(data []byte, st *streamState) string
}

func codecFor(modelID string) (*codec, error) {
	switch {
	case strings.HasPrefix(modelID, "anthropic."):
		return anthropicCodec, nil
	case strings.HasPrefix(modelID, "meta."):
		return metaCodec, nil
	case strings.HasPrefix(modelID, "mistral."):
		return mistralCodec, nil
	case strings.HasPrefix(modelID, "amazon."):
		return amazonCodec, nil
	case strings.HasPrefix(modelID, "cohere."):
		return cohereCodec, nil
	default:
		return nil, llm.Errorf(llm.KindValidation, "bedrock: unsupported model family %q", modelID)
	}
}

var anthropicCodec = &codec{
	build: func(req *llm.Request) ([]byte, error) {
		var system string
		var msgs []map[string]any
		for _, m := range req.CanonicalMessages() {
			if m.Role == llm.RoleSystem {
				if system != "" {
					system += "\n"
				}
				system += m.Text()
				continue
			}
			role := "user"
			if m.Role == llm.RoleAssistant {
				role = "assistant"
			}
			msgs = append(msgs, map[string]any{
				"role":    role,
				"content": []map[string]any{{"type": "text", "text": m.Text()}},
			})
		}

		body := map[string]any{
			"anthropic_version": "bedrock-2023-05-31",
			"max_tokens":        maxTokens(req),
			"messages":          msgs,
		}
		if system != "" {
			body["system"] = system
		}
		o := req.Options
		if o.Temperature != nil {
			body["temperature"] = *o.Temperature
		}
		if o.TopP != nil {
			body["top_p"] = *o.TopP
		}
		if len(o.StopSequences) > 0 {
			body["stop_sequences"] = o.StopSequences
		}
		return json.Marshal(body)
	},
	parse: func(body []byte) (string, llm.Usage, llm.FinishReason) {
		var sb strings.Builder
		gjson.GetBytes(body, "content").ForEach(func(_, b gjson.Result) bool {
			if b.Get("type").String() == "text" {
				sb.WriteString(b.Get("text").String())
			}
			return true
		})
		u := llm.Usage{
			PromptTokens:     int(gjson.GetBytes(body, "usage.input_tokens").Int()),
			CompletionTokens: int(gjson.GetBytes(body, "usage.output_tokens").Int()),
		}
		return sb.String(), u, anthropicFinish(gjson.GetBytes(body, "stop_reason").String())
	},
	chunk: func(data []byte, st *streamState) string {
		switch gjson.GetBytes(data, "type").String() {
		case "message_start":
			st.usage.PromptTokens = int(gjson.GetBytes(data, "message.usage.input_tokens").Int())
		case "content_block_delta":
			return gjson.GetBytes(data, "delta.text").String()
		case "message_delta":
			st.usage.CompletionTokens = int(gjson.GetBytes(data, "usage.output_tokens").Int())
			if sr := gjson.GetBytes(data, "delta.stop_reason").String(); sr != "" {
				st.finish = anthropicFinish(sr)
			}
		}
		return ""
	},
}

var metaCodec = &codec{
	build: func(req *llm.Request) ([]byte, error) {
		body := map[string]any{
			"prompt":      req.PromptText(),
			"max_gen_len": maxTokens(req),
		}
		o := req.Options
		if o.Temperature != nil {
			body["temperature"] = *o.Temperature
		}
		if o.TopP != nil {
			body["top_p"] = *o.TopP
		}
		return json.Marshal(body)
	},
	parse: func(body []byte) (string, llm.Usage, llm.FinishReason) {
		u := llm.Usage{
			PromptTokens:     int(gjson.GetBytes(body, "prompt_token_count").Int()),
			CompletionTokens: int(gjson.GetBytes(body, "generation_token_count").Int()),
		}
		finish := llm.FinishStop
		if gjson.GetBytes(body, "stop_reason").String() == "length" {
			finish = llm.FinishLength
		}
		return gjson.GetBytes(body, "generation").String(), u, finish
	},
	chunk: func(data []byte, st *streamState) string {
		if v := gjson.GetBytes(data, "prompt_token_count"); v.Exists() && v.Int() > 0 {
			st.usage.PromptTokens = int(v.Int())
		}
		if v := gjson.GetBytes(data, "generation_token_count"); v.Exists() {
			st.usage.CompletionTokens = int(v.Int())
		}
		if sr := gjson.GetBytes(data, "stop_reason").String(); sr != "" {
			st.finish = llm.FinishStop
			if sr == "length" {
				st.finish = llm.FinishLength
			}
		}
		return gjson.GetBytes(data, "generation").String()
	},
}

var mistralCodec = &codec{
	build: func(req *llm.Request) ([]byte, error) {
		body := map[string]any{
			"prompt":     fmt.Sprintf("<s>[INST] %s [/INST]", req.PromptText()),
			"max_tokens": maxTokens(req),
		}
		o := req.Options
		if o.Temperature != nil {
			body["temperature"] = *o.Temperature
		}
		if o.TopP != nil {
			body["top_p"] = *o.TopP
		}
		if len(o.StopSequences) > 0 {
			body["stop"] = o.StopSequences
		}
		return json.Marshal(body)
	},
	parse: func(body []byte) (string, llm.Usage, llm.FinishReason) {
		finish := llm.FinishStop
		if gjson.GetBytes(body, "outputs.0.stop_reason").String() == "length" {
			finish = llm.FinishLength
		}
		return gjson.GetBytes(body, "outputs.0.text").String(), llm.Usage{}, finish
	},
	chunk: func(data []byte, st *streamState) string {
		if sr := gjson.GetBytes(data, "outputs.0.stop_reason").String(); sr != "" {
			st.finish = llm.FinishStop
			if sr == "length" {
				st.finish = llm.FinishLength
			}
		}
		return gjson.GetBytes(data, "outputs.0.text").String()
	},
}

var amazonCodec = &codec{
	build: func(req *llm.Request) ([]byte, error) {
		cfg := map[string]any{"maxTokenCount": maxTokens(req)}
		o := req.Options
		if o.Temperature != nil {
			cfg["temperature"] = *o.Temperature
		}
		if o.TopP != nil {
			cfg["topP"] = *o.TopP
		}
		if len(o.StopSequences) > 0 {
			cfg["stopSequences"] = o.StopSequences
		}
		return json.Marshal(map[string]any{
			"inputText":            req.PromptText(),
			"textGenerationConfig": cfg,
		})
	},
	parse: func(body []byte) (string, llm.Usage, llm.FinishReason) {
		u := llm.Usage{
			PromptTokens:     int(gjson.GetBytes(body, "inputTextTokenCount").Int()),
			CompletionTokens: int(gjson.GetBytes(body, "results.0.tokenCount").Int()),
		}
		return gjson.GetBytes(body, "results.0.outputText").String(), u,
			amazonFinish(gjson.GetBytes(body, "results.0.completionReason").String())
	},
	chunk: func(data []byte, st *streamState) string {
		if v := gjson.GetBytes(data, "inputTextTokenCount"); v.Exists() && v.Int() > 0 {
			st.usage.PromptTokens = int(v.Int())
		}
		if v := gjson.GetBytes(data, "totalOutputTextTokenCount"); v.Exists() && v.Int() > 0 {
			st.usage.CompletionTokens = int(v.Int())
		}
		if cr := gjson.GetBytes(data, "completionReason").String(); cr != "" {
			st.finish = amazonFinish(cr)
		}
		return gjson.GetBytes(data, "outputText").String()
	},
}

var cohereCodec = &codec{
	build: func(req *llm.Request) ([]byte, error) {
		body := map[string]any{
			"prompt":     req.PromptText(),
			"max_tokens": maxTokens(req),
		}
		o := req.Options
		if o.Temperature != nil {
			body["temperature"] = *o.Temperature
		}
		if o.TopP != nil {
			body["p"] = *o.TopP
		}
		if len(o.StopSequences) > 0 {
			body["stop_sequences"] = o.StopSequences
		}
		return json.Marshal(body)
	},
	parse: func(body []byte) (string, llm.Usage, llm.FinishReason) {
		return gjson.GetBytes(body, "generations.0.text").String(), llm.Usage{},
			cohereFinish(gjson.GetBytes(body, "generations.0.finish_reason").String())
	},
	chunk: func(data []byte, st *streamState) string {
		if gjson.GetBytes(data, "is_finished").Bool() {
			st.finish = cohereFinish(gjson.GetBytes(data, "finish_reason").String())
			return ""
		}
		return gjson.GetBytes(data, "text").String()
	},
}

func maxTokens(req *llm.Request) int {
	if req.Options.MaxTokens > 0 {
		return int(req.Options.MaxTokens)
	}
	return defaultMaxTokens
}

func anthropicFinish(s string) llm.FinishReason {
	switch s {
	case "max_tokens":
		return llm.FinishLength
	case "tool_use":
		return llm.FinishToolUse
	case "refusal":
		return llm.FinishSafety
	default:
		return llm.FinishStop
	}
}

func amazonFinish(s string) llm.FinishReason {
	switch s {
	case "LENGTH":
		return llm.FinishLength
	case "CONTENT_FILTERED":
		return llm.FinishSafety
	default:
		return llm.FinishStop
	}
}

func cohereFinish(s string) llm.FinishReason {
	switch s {
	case "MAX_TOKENS":
		return llm.FinishLength
	case "ERROR_TOXIC":
		return llm.FinishSafety
	default:
		return llm.FinishStop
	}
}

func modelOf(inv *adapters.Invocation) string {
	if inv.Descriptor != nil && inv.Descriptor.ModelID != "" {
		return inv.Descriptor.ModelID
	}
	return inv.Request.ModelHint
}

func cost(inv *adapters.Invocation, u llm.Usage) float64 {
	if inv.Descriptor != nil {
		return inv.Descriptor.Pricing.Cost(u)
	}
	if e, ok := catalog.Lookup(modelOf(inv)); ok {
		return llm.Pricing{InputPerMTok: e.InputPerMTok, OutputPerMTok: e.OutputPerMTok}.Cost(u)
	}
	return 0
}

// ─── Endpoints ───────────────────────────────────────────────────────────────

// controlEndpoint is the Bedrock control plane (model listing).
func (a *Adapter) controlEndpoint() string {
	if a.endpointURL != "" {
		return strings.TrimRight(a.endpointURL, "/")
	}
	return fmt.Sprintf("https://bedrock.%s.amazonaws.com", a.region)
}

func (a *Adapter) invokeEndpoint(modelID string) string {
	if a.endpointURL != "" {
		return fmt.Sprintf("%s/model/%s/invoke", strings.TrimRight(a.endpointURL, "/"), modelID)
	}
	return fmt.Sprintf("https://bedrock-runtime.%s.amazonaws.com/model/%s/invoke", a.region, modelID)
}

func (a *Adapter) invokeStreamEndpoint(modelID string) string {
	if a.endpointURL != "" {
		return fmt.Sprintf("%s/model/%s/invoke-with-response-stream", strings.TrimRight(a.endpointURL, "/"), modelID)
	}
	return fmt.Sprintf("https://bedrock-runtime.%s.amazonaws.com/model/%s/invoke-with-response-stream", a.region, modelID)
}

// ─── AWS SigV4 signing ────────────────────────────────────────────────────────

func (a *Adapter) signRequest(req *http.Request, payload []byte) error {
	now := time.Now().UTC()
	datestamp := now.Format("20060102")
	amzdate := now.Format("20060102T150405Z")

	req.Header.Set("X-Amz-Date", amzdate)
	if a.sessionToken != "" {
		req.Header.Set("X-Amz-Security-Token", a.sessionToken)
	}

	payloadHash := sha256Hex(payload)

	host := req.URL.Host
	if host == "" {
		host = req.Host
	}
	req.Header.Set("Host", host)

	signedHeaders := "content-type;host;x-amz-date"
	canonicalHeaders := fmt.Sprintf(
		"content-type:%s\nhost:%s\nx-amz-date:%s\n",
		req.Header.Get("Content-Type"), host, amzdate,
	)
	if a.sessionToken != "" {
		signedHeaders = "content-type;host;x-amz-date;x-amz-security-token"
		canonicalHeaders = fmt.Sprintf(
			"content-type:%s\nhost:%s\nx-amz-date:%s\nx-amz-security-token:%s\n",
			req.Header.Get("Content-Type"), host, amzdate, a.sessionToken,
		)
	}

	canonicalURI := req.URL.Path
	if canonicalURI == "" {
		canonicalURI = "/"
	}

	canonicalRequest := strings.Join([]string{
		req.Method,
		canonicalURI,
		req.URL.RawQuery,
		canonicalHeaders,
		signedHeaders,
		payloadHash,
	}, "\n")

	credentialScope := fmt.Sprintf("%s/%s/%s/aws4_request", datestamp, a.region, service)

	stringToSign := strings.Join([]string{
		algorithm,
		amzdate,
		credentialScope,
		sha256Hex([]byte(canonicalRequest)),
	}, "\n")

	signingKey := deriveSigningKey(a.secretKey, datestamp, a.region, service)
	signature := hex.EncodeToString(hmacSHA256(signingKey, stringToSign))

	req.Header.Set("Authorization", fmt.Sprintf(
		"%s Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		algorithm, a.accessKey, credentialScope, signedHeaders, signature,
	))

	return nil
}

func deriveSigningKey(secretKey, date, region, svc string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+secretKey), date)
	kRegion := hmacSHA256(kDate, region)
	kService := hmacSHA256(kRegion, svc)
	return hmacSHA256(kService, "aws4_request")
}

func hmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// ─── Error handling ───────────────────────────────────────────────────────────

func parseError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	msg := gjson.GetBytes(body, "message").String()
	if msg == "" {
		msg = fmt.Sprintf("unexpected status %d", resp.StatusCode)
	}

	return &adapters.ProviderError{
		Provider:   providerName,
		StatusCode: resp.StatusCode,
		Message:    msg,
		Type:       gjson.GetBytes(body, "__type").String(),
	}
}
