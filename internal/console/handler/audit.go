package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/spaceai-browserops/internal/console/service"
	"github.com/xela07ax/spaceai-browserops/internal/infra/auth"
)

type AuditHandler struct {
	service *service.AuditService
}

func NewAuditHandler(s *service.AuditService) *AuditHandler {
	return &AuditHandler{service: s}
}

// Verify проверяет хеш-цепочку журнала выполнения
// GET /v1/tasks/{id}/audit
func (h *AuditHandler) Verify(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.Verify(r.Context(), auth.UserIDFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
