package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/spaceai-browserops/internal/console/service"
	"github.com/xela07ax/spaceai-browserops/internal/infra/auth"
)

type PairingHandler struct {
	service *service.PairingService
}

func NewPairingHandler(s *service.PairingService) *PairingHandler {
	return &PairingHandler{service: s}
}

// IssueCode POST /v1/pairing/codes — код показывается пользователю в веб-приложении
func (h *PairingHandler) IssueCode(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.IssueCode(r.Context(), auth.UserIDFromContext(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

type RedeemRequest struct {
	Code       string `json:"code"`
	InstanceID string `json:"instance_id"`
}

// Redeem POST /v1/pairing/redeem — публичный, вызывается расширением без токена
func (h *PairingHandler) Redeem(w http.ResponseWriter, r *http.Request) {
	var req RedeemRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	res, err := h.service.Redeem(r.Context(), req.Code, req.InstanceID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Heartbeat POST /v1/pairing/heartbeat — под сессионным токеном расширения
func (h *PairingHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFromContext(r.Context())
	if claims == nil || claims.InstanceID == "" {
		writeJSON(w, http.StatusUnauthorized, ErrorBody{Error: "extension session token required", Kind: "Unauthorized"})
		return
	}
	res, err := h.service.Heartbeat(r.Context(), claims.InstanceID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *PairingHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.Status(r.Context(), auth.UserIDFromContext(r.Context())))
}

func (h *PairingHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.List(auth.UserIDFromContext(r.Context())))
}

// Disconnect DELETE /v1/pairing/{instanceID}
func (h *PairingHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	instanceID := chi.URLParam(r, "instanceID")
	if err := h.service.Disconnect(r.Context(), auth.UserIDFromContext(r.Context()), instanceID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
