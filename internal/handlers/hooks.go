package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/amerfu/llmbudget/internal/services/gate"
)

const maxHookBodyBytes = 8 << 20

// PreCallRequest is what a proxy sends before forwarding a request.
type PreCallRequest struct {
	Headers map[string]string `json:"headers"`
	Request json.RawMessage   `json:"request"`
}

// PreCallResponse carries the ticket the proxy returns on post-call.
type PreCallResponse struct {
	Allowed    bool         `json:"allowed"`
	FailedOpen bool         `json:"failed_open,omitempty"`
	BudgetInfo *gate.Ticket `json:"budget_info,omitempty"`
}

// PostCallRequest is what a proxy sends after the provider answered.
// Success defaults to true.
type PostCallRequest struct {
	BudgetInfo *gate.Ticket    `json:"budget_info"`
	Response   json.RawMessage `json:"response"`
	Success    *bool           `json:"success"`
	LatencyMS  int64           `json:"latency_ms"`
}

type HookHandler struct {
	gate     *gate.Gate
	recorder *gate.Recorder
	logger   *zap.Logger
}

func NewHookHandler(logger *zap.Logger, g *gate.Gate, recorder *gate.Recorder) *HookHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HookHandler{gate: g, recorder: recorder, logger: logger}
}

// PreCall admits or rejects a request. Rejections are answered with 429
// and the budget_exceeded error payload.
func (h *HookHandler) PreCall(w http.ResponseWriter, r *http.Request) {
	var req PreCallRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid_request", err.Error()))
		return
	}

	headers := make(http.Header, len(req.Headers))
	for name, value := range req.Headers {
		headers.Set(name, value)
	}

	adm := h.gate.Admit(r.Context(), headers, req.Request)
	if !adm.Allowed {
		writeJSON(w, http.StatusTooManyRequests, adm.Denial)
		return
	}

	writeJSON(w, http.StatusOK, PreCallResponse{
		Allowed:    true,
		FailedOpen: adm.FailedOpen,
		BudgetInfo: adm.Ticket,
	})
}

// PostCall charges actual usage and returns the provider response with
// budget_info attached.
func (h *HookHandler) PostCall(w http.ResponseWriter, r *http.Request) {
	var req PostCallRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid_request", err.Error()))
		return
	}

	success := true
	if req.Success != nil {
		success = *req.Success
	}

	out, _, err := h.recorder.Record(r.Context(), gate.Outcome{
		Ticket:   req.BudgetInfo,
		Response: req.Response,
		Success:  success,
		Latency:  time.Duration(req.LatencyMS) * time.Millisecond,
	})
	if err != nil {
		h.logger.Error("Post-call recording failed", zap.Error(err))
		out = req.Response
	}
	if len(out) == 0 {
		out = json.RawMessage("{}")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(out); err != nil {
		h.logger.Debug("Failed to write post-call response", zap.Error(err))
	}
}

func decodeBody(r *http.Request, v interface{}) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxHookBodyBytes)).Decode(v)
	if errors.Is(err, io.EOF) {
		return errors.New("request body is required")
	}
	return err
}

func errorBody(errType, message string) map[string]interface{} {
	return map[string]interface{}{
		"error": map[string]interface{}{
			"type":    errType,
			"message": message,
		},
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
