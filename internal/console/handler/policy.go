package handler

import (
	"net/http"

	"github.com/xela07ax/spaceai-browserops/internal/console/service"
)

type PolicyHandler struct {
	service *service.PolicyService
}

func NewPolicyHandler(s *service.PolicyService) *PolicyHandler {
	return &PolicyHandler{service: s}
}

// List возвращает все действующие правила
// GET /v1/policies
func (h *PolicyHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.GetAll())
}

// Evaluate объясняет решение движка без выполнения
// GET /v1/policies/evaluate?platform=gmail&action=send
func (h *PolicyHandler) Evaluate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	res, err := h.service.Evaluate(q.Get("platform"), q.Get("action"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
