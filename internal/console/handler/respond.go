package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/xela07ax/spaceai-browserops/internal/domain"
)

// ErrorBody — единый формат ошибки API
type ErrorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError переводит таксономию ошибок в HTTP-статус
func writeError(w http.ResponseWriter, err error) {
	kind := domain.ErrorKind(err)
	msg := err.Error()
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidCode), errors.Is(err, domain.ErrInvalidConfig):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrPlanningFailed):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrNoActivePairing):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrAlreadyProcessed), errors.Is(err, domain.ErrInvalidTransition):
		status = http.StatusConflict
		kind = "AlreadyProcessed"
	}
	if status == http.StatusInternalServerError {
		// Внутренние детали наружу не отдаем
		msg = http.StatusText(status)
	}
	writeJSON(w, status, ErrorBody{Error: msg, Kind: kind})
}

func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, ErrorBody{Error: msg, Kind: "BadRequest"})
}

func queryInt(r *http.Request, key string) int {
	n, _ := strconv.Atoi(r.URL.Query().Get(key))
	return n
}
