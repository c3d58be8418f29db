package server

import (
	"encoding/json"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-router/internal/audit"
	"github.com/nulpointcorp/llm-router/internal/auth"
	"github.com/nulpointcorp/llm-router/internal/llm"
	"github.com/nulpointcorp/llm-router/pkg/apierr"
)

// scrubKey blanks the secret hash before a record leaves the admin API.
func scrubKey(rec *auth.KeyRecord) *auth.KeyRecord {
	out := *rec
	out.HashedSecret = ""
	return &out
}

func (s *Server) auditEvent(ev audit.Event) {
	if s.audit != nil {
		s.audit.Record(ev)
	}
}

type createKeyRequest struct {
	Customer  string            `json:"customer"`
	Tier      string            `json:"tier"`
	UserID    string            `json:"user_id"`
	GroupID   string            `json:"group_id"`
	ExpiresAt *time.Time        `json:"expires_at"`
	Metadata  map[string]string `json:"metadata"`
	Quotas    auth.Quotas       `json:"quotas"`
}

// handleCreateKey serves POST /admin/keys. The presented key form
// ("keyId.secret") appears in this response exactly once and is never
// recoverable afterwards.
func (s *Server) handleCreateKey(ctx *fasthttp.RequestCtx) {
	if s.keys == nil {
		apierr.WriteKind(ctx, llm.KindPermission, "key management is disabled: no key store configured")
		return
	}
	var in createKeyRequest
	if err := json.Unmarshal(ctx.PostBody(), &in); err != nil {
		apierr.WriteKind(ctx, llm.KindValidation, "invalid JSON body: "+err.Error())
		return
	}

	rec, presented, err := s.keys.Create(auth.CreateParams{
		Customer:  in.Customer,
		Tier:      llm.Tier(in.Tier),
		UserID:    in.UserID,
		GroupID:   in.GroupID,
		ExpiresAt: in.ExpiresAt,
		Metadata:  in.Metadata,
		Quotas:    in.Quotas,
	})
	if err != nil {
		apierr.Write(ctx, err)
		return
	}

	s.auditEvent(audit.Event{
		Kind:      audit.KindKeyCreated,
		RequestID: requestIDFrom(ctx),
		KeyID:     rec.KeyID,
		Status:    "ok",
		Detail:    string(rec.Tier),
	})

	ctx.SetStatusCode(fasthttp.StatusCreated)
	writeJSON(ctx, map[string]any{
		"key":    presented,
		"record": scrubKey(rec),
	})
}

// handleListKeys serves GET /admin/keys.
func (s *Server) handleListKeys(ctx *fasthttp.RequestCtx) {
	if s.keys == nil {
		apierr.WriteKind(ctx, llm.KindPermission, "key management is disabled: no key store configured")
		return
	}
	recs := s.keys.List()
	out := make([]*auth.KeyRecord, len(recs))
	for i, rec := range recs {
		out[i] = scrubKey(rec)
	}
	writeJSON(ctx, map[string]any{
		"keys":  out,
		"count": len(out),
	})
}

// handleDeleteKey serves DELETE /admin/keys/{id}.
func (s *Server) handleDeleteKey(ctx *fasthttp.RequestCtx) {
	if s.keys == nil {
		apierr.WriteKind(ctx, llm.KindPermission, "key management is disabled: no key store configured")
		return
	}
	id, _ := ctx.UserValue("id").(string)
	if err := s.keys.Delete(id); err != nil {
		apierr.Write(ctx, err)
		return
	}
	s.auditEvent(audit.Event{
		Kind:      audit.KindKeyDeleted,
		RequestID: requestIDFrom(ctx),
		KeyID:     id,
		Status:    "ok",
	})
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

// handleDisableKey serves POST /admin/keys/{id}/disable. Disabling keeps the
// record for audit trails; existing sessions fail on their next request.
func (s *Server) handleDisableKey(ctx *fasthttp.RequestCtx) {
	if s.keys == nil {
		apierr.WriteKind(ctx, llm.KindPermission, "key management is disabled: no key store configured")
		return
	}
	id, _ := ctx.UserValue("id").(string)
	if err := s.keys.Disable(id); err != nil {
		apierr.Write(ctx, err)
		return
	}
	s.auditEvent(audit.Event{
		Kind:      audit.KindKeyDisabled,
		RequestID: requestIDFrom(ctx),
		KeyID:     id,
		Status:    "ok",
	})
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

type setBYOKRequest struct {
	Key          string   `json:"key"`
	AllowedUsers []string `json:"allowed_users"`
}

// handleSetBYOK serves PUT /admin/byok/{scope}/{owner}/{provider}. The
// response record carries the key fingerprint, never the key.
func (s *Server) handleSetBYOK(ctx *fasthttp.RequestCtx) {
	if s.vault == nil {
		apierr.WriteKind(ctx, llm.KindPermission, "byok is disabled: no vault configured")
		return
	}
	var in setBYOKRequest
	if err := json.Unmarshal(ctx.PostBody(), &in); err != nil {
		apierr.WriteKind(ctx, llm.KindValidation, "invalid JSON body: "+err.Error())
		return
	}

	scope, _ := ctx.UserValue("scope").(string)
	owner, _ := ctx.UserValue("owner").(string)
	provider, _ := ctx.UserValue("provider").(string)

	rec, err := s.vault.Set(scope, owner, provider, in.Key, in.AllowedUsers)
	if err != nil {
		apierr.Write(ctx, err)
		return
	}

	s.auditEvent(audit.Event{
		Kind:      audit.KindBYOKSet,
		RequestID: requestIDFrom(ctx),
		KeyID:     owner,
		Provider:  rec.Provider,
		Status:    "ok",
		Detail:    scope,
	})
	writeJSON(ctx, rec)
}

// handleDeleteBYOK serves DELETE /admin/byok/{scope}/{owner}/{provider}.
func (s *Server) handleDeleteBYOK(ctx *fasthttp.RequestCtx) {
	if s.vault == nil {
		apierr.WriteKind(ctx, llm.KindPermission, "byok is disabled: no vault configured")
		return
	}
	scope, _ := ctx.UserValue("scope").(string)
	owner, _ := ctx.UserValue("owner").(string)
	provider, _ := ctx.UserValue("provider").(string)

	if err := s.vault.Delete(scope, owner, provider); err != nil {
		apierr.Write(ctx, err)
		return
	}
	s.auditEvent(audit.Event{
		Kind:      audit.KindBYOKDeleted,
		RequestID: requestIDFrom(ctx),
		KeyID:     owner,
		Provider:  provider,
		Status:    "ok",
		Detail:    scope,
	})
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

// handleCacheStats serves GET /admin/cache/stats.
func (s *Server) handleCacheStats(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, s.pipe.CacheStats())
}
