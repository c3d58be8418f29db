package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-router/internal/llm"
	"github.com/nulpointcorp/llm-router/pkg/apierr"
)

// handleGenerate serves the native completion endpoint. The body is the
// llm.Request wire form; options.stream selects SSE delivery.
func (s *Server) handleGenerate(ctx *fasthttp.RequestCtx) {
	var req llm.Request
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteKind(ctx, llm.KindValidation, "invalid JSON body: "+err.Error())
		return
	}
	s.stampIdentity(ctx, &req)

	if req.Options.Stream {
		s.streamGenerate(ctx, &req, rawFrame)
		return
	}

	resp, err := s.pipe.Generate(ctx, &req)
	if err != nil {
		apierr.Write(ctx, err)
		return
	}
	setCacheHeader(ctx, resp.Cached)
	writeJSON(ctx, resp)
}

// stampIdentity copies transport-level identity (request ID, authenticated
// caller) onto the request before it enters the pipeline.
func (s *Server) stampIdentity(ctx *fasthttp.RequestCtx, req *llm.Request) {
	req.RequestID = requestIDFrom(ctx)
	if ac := authFrom(ctx); ac != nil {
		req.Auth = *ac
	}
}

func setCacheHeader(ctx *fasthttp.RequestCtx, hit bool) {
	if hit {
		ctx.Response.Header.Set("X-Cache", "HIT")
	} else {
		ctx.Response.Header.Set("X-Cache", "MISS")
	}
}

// frameFunc renders one stream chunk as the bytes of a single SSE data frame.
// A nil return skips the chunk.
type frameFunc func(c llm.StreamChunk, requestID, model string) []byte

// rawFrame is the native stream format: llm.StreamChunk serialized as-is,
// with the error (unserializable on the chunk itself) expanded to the
// standard error envelope body.
func rawFrame(c llm.StreamChunk, _, _ string) []byte {
	f := struct {
		Delta        string             `json:"delta,omitempty"`
		ToolDelta    *llm.ToolCallDelta `json:"tool_delta,omitempty"`
		Index        int                `json:"index"`
		Done         bool               `json:"done"`
		Usage        *llm.Usage         `json:"usage,omitempty"`
		FinishReason llm.FinishReason   `json:"finish_reason,omitempty"`
		Error        *apierr.APIError   `json:"error,omitempty"`
	}{
		Delta:        c.Delta,
		ToolDelta:    c.ToolDelta,
		Index:        c.Index,
		Done:         c.Done,
		Usage:        c.Usage,
		FinishReason: c.FinishReason,
	}
	if c.Err != nil {
		e := apierr.From(c.Err)
		f.Error = &e
	}
	data, err := json.Marshal(f)
	if err != nil {
		return nil
	}
	return data
}

// streamGenerate bridges a pipeline stream onto the wire as server-sent
// events. The pipeline context is detached from the fasthttp request context
// on purpose: fasthttp recycles RequestCtx once the handler returns, and the
// body stream writer outlives the handler. Cancellation comes from write
// failures (client gone) or server shutdown via baseCtx.
func (s *Server) streamGenerate(ctx *fasthttp.RequestCtx, req *llm.Request, frame frameFunc) {
	sctx, cancel := context.WithCancel(s.baseCtx)

	ch, err := s.pipe.GenerateStream(sctx, req)
	if err != nil {
		cancel()
		apierr.Write(ctx, err)
		return
	}

	requestID := req.RequestID
	model := req.ModelHint

	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { _ = recover() }()
		defer cancel()

		for chunk := range ch {
			data := frame(chunk, requestID, model)
			if data == nil {
				continue
			}
			if _, werr := fmt.Fprintf(w, "data: %s\n\n", data); werr != nil {
				return
			}
			if werr := w.Flush(); werr != nil {
				return
			}
		}
		fmt.Fprintf(w, "data: [DONE]\n\n")
		_ = w.Flush()
	})
}
