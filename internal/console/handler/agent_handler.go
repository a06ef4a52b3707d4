package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/spaceai-browserops/internal/console/service"
	"github.com/xela07ax/spaceai-browserops/internal/domain"
	"github.com/xela07ax/spaceai-browserops/internal/infra/auth"
	"go.uber.org/zap"
)

type AgentHandler struct {
	service *service.AgentService
	logger  *zap.Logger
}

func NewAgentHandler(s *service.AgentService, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{service: s, logger: logger.Named("agent-handler")}
}

// GetConfig GET /v1/agents/{agentID}/config
func (h *AgentHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.service.GetConfig(r.Context(), auth.UserIDFromContext(r.Context()), chi.URLParam(r, "agentID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// PutConfig PUT /v1/agents/{agentID}/config
func (h *AgentHandler) PutConfig(w http.ResponseWriter, r *http.Request) {
	var cfg domain.AgentConfiguration
	if err := decodeJSON(r, &cfg); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	saved, err := h.service.SaveConfig(r.Context(), auth.UserIDFromContext(r.Context()), chi.URLParam(r, "agentID"), cfg)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (h *AgentHandler) State(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.State(chi.URLParam(r, "agentID")))
}

func (h *AgentHandler) BlockAgent(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	// Ждем и L1, и Redis: после ответа команды агента уже отклоняются
	state, err := h.service.BlockAgent(r.Context(), agentID)
	if err != nil {
		h.logger.Error("failed to block agent", zap.String("agent_id", agentID), zap.Error(err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (h *AgentHandler) UnblockAgent(w http.ResponseWriter, r *http.Request) {
	state, err := h.service.UnblockAgent(r.Context(), chi.URLParam(r, "agentID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

type ToggleRequest struct {
	Enabled bool `json:"enabled"`
}

func (h *AgentHandler) SetSandbox(w http.ResponseWriter, r *http.Request) {
	var req ToggleRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	state, err := h.service.SetSandboxMode(r.Context(), chi.URLParam(r, "agentID"), req.Enabled)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (h *AgentHandler) SetQuarantine(w http.ResponseWriter, r *http.Request) {
	var req ToggleRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	state, err := h.service.SetQuarantine(r.Context(), chi.URLParam(r, "agentID"), req.Enabled)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}
