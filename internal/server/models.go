package server

import (
	"encoding/json"
	"strconv"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-router/internal/adapters"
	"github.com/nulpointcorp/llm-router/internal/llm"
	"github.com/nulpointcorp/llm-router/internal/registry"
	"github.com/nulpointcorp/llm-router/pkg/apierr"
)

// handleListModels serves GET /v1/models. Query parameters narrow the list:
// provider, capability (repeatable), max_cost, min_context.
func (s *Server) handleListModels(ctx *fasthttp.RequestCtx) {
	args := ctx.QueryArgs()

	f := registry.Filter{Provider: string(args.Peek("provider"))}

	var caps []llm.Capability
	for _, c := range args.PeekMulti("capability") {
		caps = append(caps, llm.Capability(c))
	}
	if len(caps) > 0 {
		f.Capabilities = llm.Caps(caps...)
	}

	if v := args.Peek("max_cost"); len(v) > 0 {
		cost, err := strconv.ParseFloat(string(v), 64)
		if err != nil {
			apierr.WriteKind(ctx, llm.KindValidation, "max_cost must be a number")
			return
		}
		f.MaxCost = cost
	}
	if v := args.Peek("min_context"); len(v) > 0 {
		n, err := strconv.Atoi(string(v))
		if err != nil {
			apierr.WriteKind(ctx, llm.KindValidation, "min_context must be an integer")
			return
		}
		f.MinContext = n
	}

	models := s.pipe.ListModels(f)
	if models == nil {
		models = []*llm.ModelDescriptor{}
	}
	writeJSON(ctx, map[string]any{
		"models": models,
		"count":  len(models),
	})
}

type loadModelRequest struct {
	Provider string            `json:"provider"`
	ModelID  string            `json:"model_id"`
	Options  map[string]string `json:"options,omitempty"`
}

// handleLoadModel serves POST /v1/models: ask a provider adapter to load (or
// verify) a model and register its descriptor.
func (s *Server) handleLoadModel(ctx *fasthttp.RequestCtx) {
	var in loadModelRequest
	if err := json.Unmarshal(ctx.PostBody(), &in); err != nil {
		apierr.WriteKind(ctx, llm.KindValidation, "invalid JSON body: "+err.Error())
		return
	}
	if in.Provider == "" || in.ModelID == "" {
		apierr.WriteKind(ctx, llm.KindValidation, "fields 'provider' and 'model_id' are required")
		return
	}

	desc, err := s.pipe.LoadModel(ctx, adapters.LoadSpec{
		Provider: in.Provider,
		ModelID:  in.ModelID,
		Options:  in.Options,
	})
	if err != nil {
		apierr.Write(ctx, err)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusCreated)
	writeJSON(ctx, desc)
}

// handleUnloadModel serves DELETE /v1/models/{id}.
func (s *Server) handleUnloadModel(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("id").(string)
	if err := s.pipe.UnloadModel(ctx, id); err != nil {
		apierr.Write(ctx, err)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}
