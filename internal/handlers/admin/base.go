package admin

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/amerfu/llmbudget/internal/services/budget"
)

const maxBodyBytes = 1 << 20

type baseHandler struct {
	logger *zap.Logger
}

func (h *baseHandler) sendJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (h *baseHandler) sendError(w http.ResponseWriter, status int, message string) {
	h.sendJSON(w, status, map[string]string{
		"error": message,
	})
}

// sendServiceError maps budget errors onto HTTP status codes.
func (h *baseHandler) sendServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, budget.ErrInvalidArgument):
		h.sendError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, budget.ErrUserNotFound):
		h.sendError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, budget.ErrStoreUnavailable):
		h.logger.Error("Budget store unavailable", zap.Error(err))
		h.sendError(w, http.StatusServiceUnavailable, "budget store unavailable")
	default:
		h.logger.Error("Unexpected budget error", zap.Error(err))
		h.sendError(w, http.StatusInternalServerError, "internal error")
	}
}

// decodeJSON decodes an optional JSON body into v. An empty body leaves v
// untouched.
func (h *baseHandler) decodeJSON(r *http.Request, v interface{}) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
