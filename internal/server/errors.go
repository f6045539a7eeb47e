package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/digkill/RecipePlayground/internal/models"
	"github.com/digkill/RecipePlayground/internal/service"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes {"error": code} merged with extra fields.
func writeError(w http.ResponseWriter, status int, code string, extra map[string]any) {
	body := map[string]any{"error": code}
	for k, v := range extra {
		body[k] = v
	}
	writeJSON(w, status, body)
}

// writeServiceError maps service errors to their HTTP status and code.
func (s *Server) writeServiceError(w http.ResponseWriter, err error, req models.ExecutionRequest) {
	var (
		limitErr   *service.LimitError
		backendErr *service.BackendError
	)
	switch {
	case errors.As(err, &limitErr):
		writeError(w, http.StatusPaymentRequired, "FREE_LIMIT_REACHED", map[string]any{
			"daily_free_used":  limitErr.Used,
			"daily_free_limit": limitErr.Limit,
			"price":            limitErr.Price,
		})
	case errors.Is(err, service.ErrInvalidPayment):
		writeError(w, http.StatusForbidden, "INVALID_PAYMENT", nil)
	case errors.Is(err, service.ErrUnsupportedTool):
		writeError(w, http.StatusBadRequest, "UNSUPPORTED_TOOL", map[string]any{"tool_slug": req.ToolSlug})
	case errors.As(err, &backendErr):
		s.log.Error("backend unavailable", "code", backendErr.Code, "recipe", req.RecipeSlug, "tool", req.ToolSlug, "err", backendErr.Err)
		writeError(w, http.StatusServiceUnavailable, backendErr.Code, map[string]any{"message": backendErr.Err.Error()})
	case errors.Is(err, service.ErrInvalidAmount):
		writeError(w, http.StatusBadRequest, "INVALID_AMOUNT", nil)
	case errors.Is(err, service.ErrOrderNotFound):
		writeError(w, http.StatusNotFound, "ORDER_NOT_FOUND", nil)
	case errors.Is(err, service.ErrForbidden):
		writeError(w, http.StatusForbidden, "FORBIDDEN", nil)
	case errors.Is(err, service.ErrAlreadyProcessed):
		writeError(w, http.StatusConflict, "ALREADY_PROCESSED", nil)
	default:
		s.internalError(w, err)
	}
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	s.log.Error("handler error", "err", err)
	writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", nil)
}
