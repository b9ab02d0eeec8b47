// Package httpapi exposes the gateway's routes: the chat-completion proxy
// (sync and SSE), the model catalog, health, and the admin cache endpoint.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/securetag/ai-gateway/internal/auth"
	"github.com/securetag/ai-gateway/internal/domain"
	"github.com/securetag/ai-gateway/internal/orchestrator"
	"github.com/securetag/ai-gateway/internal/policy"
	"github.com/securetag/ai-gateway/internal/server"
	"github.com/securetag/ai-gateway/internal/upstream"
)

// Pinger is a health-checkable backend.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler wires the route handlers to the pipeline.
type Handler struct {
	auth       *auth.Authenticator
	orch       *orchestrator.Orchestrator
	gateway    upstream.Gateway
	policies   *policy.Provider
	health     map[string]Pinger
	adminToken string
	logger     *slog.Logger
}

func New(
	authenticator *auth.Authenticator,
	orch *orchestrator.Orchestrator,
	gateway upstream.Gateway,
	policies *policy.Provider,
	health map[string]Pinger,
	adminToken string,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		auth:       authenticator,
		orch:       orch,
		gateway:    gateway,
		policies:   policies,
		health:     health,
		adminToken: adminToken,
		logger:     logger,
	}
}

// Mount attaches all routes to the router.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/healthz", h.Healthz)
	r.Post("/v1/chat/completions", h.ChatCompletions)
	r.Get("/v1/models", h.Models)
	r.Post("/admin/config/invalidate", h.AdminInvalidate)
}

// errorBody is the uniform rejection envelope.
func writeError(w http.ResponseWriter, status int, message string, fields map[string]any) {
	body := map[string]any{"error": message}
	for k, v := range fields {
		body[k] = v
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// authenticate resolves the X-API-Key header, writing the failure response
// itself when auth fails.
func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) *domain.AuthContext {
	authCtx, err := h.auth.Authenticate(r.Context(), r.Header.Get("X-API-Key"))
	if err != nil {
		var authErr *auth.Error
		if errors.As(err, &authErr) {
			writeError(w, authErr.Status, authErr.Message, nil)
			return nil
		}
		server.AddError(r.Context(), err)
		writeError(w, http.StatusInternalServerError, "Internal error", nil)
		return nil
	}
	server.AddLogField(r.Context(), "tenant_id", authCtx.TenantID)
	return authCtx
}

// ChatCompletions is the proxy entrypoint for both response modes.
func (h *Handler) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	authCtx := h.authenticate(w, r)
	if authCtx == nil {
		return
	}

	var req domain.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", nil)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	server.AddLogField(r.Context(), "model", req.Model)

	if req.Stream {
		h.streamCompletion(w, r, authCtx, &req)
		return
	}

	resp, rej, err := h.orch.Process(r.Context(), authCtx, &req)
	if err != nil {
		server.AddError(r.Context(), err)
		writeError(w, http.StatusInternalServerError, "Internal error", nil)
		return
	}
	if rej != nil {
		writeError(w, rej.HTTPStatus, rej.Message, rej.Fields)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) streamCompletion(w http.ResponseWriter, r *http.Request, authCtx *domain.AuthContext, req *domain.ChatRequest) {
	// Checked before any credits are reserved or an upstream stream is
	// opened: a writer that cannot flush cannot serve SSE at all.
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "Streaming unsupported", nil)
		return
	}

	session, rej, err := h.orch.PrepareStream(r.Context(), authCtx, req)
	if err != nil {
		server.AddError(r.Context(), err)
		writeError(w, http.StatusInternalServerError, "Internal error", nil)
		return
	}
	if rej != nil {
		writeError(w, rej.HTTPStatus, rej.Message, rej.Fields)
		return
	}
	defer session.Close()

	head := w.Header()
	head.Set("Content-Type", "text/event-stream")
	head.Set("Cache-Control", "no-cache")
	head.Set("Connection", "keep-alive")
	head.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	session.Run(r.Context(), func(frame []byte) error {
		if _, err := w.Write(frame); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
}

// Models lists the upstream catalog filtered by the tenant's model policy.
func (h *Handler) Models(w http.ResponseWriter, r *http.Request) {
	authCtx := h.authenticate(w, r)
	if authCtx == nil {
		return
	}

	tenantPolicy, err := h.policies.TenantPolicy(r.Context(), authCtx.TenantID)
	if err != nil {
		server.AddError(r.Context(), err)
		writeError(w, http.StatusInternalServerError, "Internal error", nil)
		return
	}

	list, err := h.gateway.ListModels(r.Context())
	if err != nil {
		server.AddError(r.Context(), err)
		writeError(w, http.StatusBadGateway, "Failed to list upstream models", nil)
		return
	}

	filtered := upstream.ModelList{Object: "list", Data: []upstream.Model{}}
	for _, m := range list.Data {
		if tenantPolicy.ModelAllowed(m.ID) {
			filtered.Data = append(filtered.Data, m)
		}
	}
	writeJSON(w, http.StatusOK, filtered)
}

// Healthz reports per-backend health; any failing backend degrades the
// response to 503.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.health))
	healthy := true

	for name, p := range h.health {
		if err := p.Ping(r.Context()); err != nil {
			checks[name] = err.Error()
			healthy = false
			continue
		}
		checks[name] = "ok"
	}

	status := http.StatusOK
	state := "ok"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}
	writeJSON(w, status, map[string]any{"status": state, "checks": checks})
}

// AdminInvalidate drops cached policies so configuration changes take effect
// before the TTL lapses. Guarded by a static admin token; disabled entirely
// when no token is configured.
func (h *Handler) AdminInvalidate(w http.ResponseWriter, r *http.Request) {
	if h.adminToken == "" {
		writeError(w, http.StatusNotFound, "Not found", nil)
		return
	}
	if r.Header.Get("X-Admin-Token") != h.adminToken {
		writeError(w, http.StatusUnauthorized, "Invalid admin token", nil)
		return
	}

	var body struct {
		TenantID string `json:"tenant_id"`
	}
	// An empty or absent body invalidates everything.
	_ = json.NewDecoder(r.Body).Decode(&body)

	if body.TenantID != "" {
		h.policies.Invalidate(body.TenantID)
	} else {
		h.policies.InvalidateAll()
	}

	h.logger.Info("policy cache invalidated", slog.String("tenant_id", body.TenantID))
	writeJSON(w, http.StatusOK, map[string]any{"invalidated": true})
}
