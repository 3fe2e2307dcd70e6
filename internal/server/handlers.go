package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/ashita-ai/dandori/internal/auth"
	"github.com/ashita-ai/dandori/internal/engine"
	"github.com/ashita-ai/dandori/internal/model"
	"github.com/ashita-ai/dandori/internal/registry"
)

// Pinger reports storage connectivity for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	engine               *engine.Engine
	registry             *registry.Registry
	tokens               *auth.TokenManager
	requireApproverToken bool
	pinger               Pinger
	logger               *slog.Logger
	version              string
	maxBodyBytes         int64
}

// HandlersDeps holds dependencies for creating Handlers.
type HandlersDeps struct {
	Engine               *engine.Engine
	Registry             *registry.Registry
	Tokens               *auth.TokenManager
	RequireApproverToken bool
	Pinger               Pinger
	Logger               *slog.Logger
	Version              string
	MaxRequestBodyBytes  int64
}

// NewHandlers creates the handler set.
func NewHandlers(deps HandlersDeps) *Handlers {
	if deps.MaxRequestBodyBytes <= 0 {
		deps.MaxRequestBodyBytes = 1 * 1024 * 1024
	}
	return &Handlers{
		engine:               deps.Engine,
		registry:             deps.Registry,
		tokens:               deps.Tokens,
		requireApproverToken: deps.RequireApproverToken,
		pinger:               deps.Pinger,
		logger:               deps.Logger,
		version:              deps.Version,
		maxBodyBytes:         deps.MaxRequestBodyBytes,
	}
}

// HandleStartRun handles POST /v1/runs.
func (h *Handlers) HandleStartRun(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)

	var req model.StartRunRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid JSON body: "+err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	run, err := h.engine.Start(r.Context(), req)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, run)
}

// HandleApproval handles POST /v1/threads/{thread_id}/approval.
func (h *Handlers) HandleApproval(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)

	threadID, err := uuid.Parse(r.PathValue("thread_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid thread_id")
		return
	}

	var req model.ApprovalRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid JSON body: "+err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	if !h.verifyApprover(w, r, req) {
		return
	}

	run, err := h.engine.Approve(r.Context(), threadID, req)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, run)
}

// verifyApprover enforces the signed identity assertion when configured.
// Writes the error response itself and returns false on failure.
func (h *Handlers) verifyApprover(w http.ResponseWriter, r *http.Request, req model.ApprovalRequest) bool {
	if h.tokens == nil {
		return true
	}
	if req.ApproverToken == "" {
		if h.requireApproverToken {
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "approver token required")
			return false
		}
		return true
	}

	claims, err := h.tokens.VerifyApproverToken(req.ApproverToken)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid approver token")
		return false
	}
	if claims.ApproverIdentity != req.ApproverIdentity {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "approver token identity mismatch")
		return false
	}
	return true
}

// HandleResume handles POST /v1/threads/{thread_id}/resume.
func (h *Handlers) HandleResume(w http.ResponseWriter, r *http.Request) {
	threadID, err := uuid.Parse(r.PathValue("thread_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid thread_id")
		return
	}

	run, err := h.engine.Resume(r.Context(), threadID)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, run)
}

// HandleCancelRun handles POST /v1/runs/{run_id}/cancel.
func (h *Handlers) HandleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID, err := uuid.Parse(r.PathValue("run_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid run_id")
		return
	}

	if err := h.engine.Cancel(r.Context(), runID); err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, map[string]any{"run_id": runID, "cancelling": true})
}

// HandleGetThread handles GET /v1/threads/{thread_id}.
func (h *Handlers) HandleGetThread(w http.ResponseWriter, r *http.Request) {
	threadID, err := uuid.Parse(r.PathValue("thread_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid thread_id")
		return
	}

	cp, err := h.engine.Status(r.Context(), threadID)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.ThreadStatusResponse{
		ThreadID:       cp.ThreadID,
		RunID:          cp.Run.ID,
		Status:         cp.Run.Status,
		IterationCount: cp.Run.IterationCount,
		Reason:         cp.Run.Reason,
		Version:        cp.Version,
		Messages:       cp.Messages,
	})
}

// HandleRegisterTool handles POST /v1/tools.
func (h *Handlers) HandleRegisterTool(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)

	var req model.RegisterToolRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid JSON body: "+err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	desc := model.ToolDescriptor{
		Name:        req.Name,
		InputSchema: req.InputSchema,
		Endpoint:    req.Endpoint,
	}
	if err := h.registry.Register(r.Context(), desc); err != nil {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "failed to register tool")
		h.logger.Error("register tool", "tool", req.Name, "error", err)
		return
	}
	writeJSON(w, r, http.StatusCreated, desc)
}

// HandleListTools handles GET /v1/tools.
func (h *Handlers) HandleListTools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.registry.List())
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if h.pinger != nil {
		if err := h.pinger.Ping(r.Context()); err != nil {
			h.logger.Warn("health: storage unreachable", "error", err)
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, r, code, map[string]string{"status": status, "version": h.version})
}

// writeEngineError maps engine errors onto the API error envelope.
func (h *Handlers) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, engine.ErrThreadNotFound), errors.Is(err, engine.ErrRunNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, err.Error())
	case errors.Is(err, engine.ErrThreadBusy),
		errors.Is(err, engine.ErrAwaitingApproval),
		errors.Is(err, engine.ErrNotAwaitingApproval):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, err.Error())
	case errors.Is(err, registry.ErrUnknownTool):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, err.Error())
	default:
		h.logger.Error("request failed", "path", r.URL.Path, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "internal server error")
	}
}
