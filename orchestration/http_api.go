package orchestration

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/seanpoyner/gaff/core"
)

// =============================================================================
// ControlHandler - HTTP API for engine control operations
// =============================================================================
//
// ControlHandler provides HTTP endpoints for the control operations:
//   - POST /executions                  - execute a graph
//   - GET  /executions/{id}             - execution status
//   - POST /executions/{id}/pause       - request suspension
//   - POST /executions/{id}/resume      - resume with an approval decision
//   - POST /executions/{id}/cancel      - cancel the execution
//   - POST /route                       - invoke a single agent tool
//
// Usage:
//
//	handler := NewControlHandler(api, WithControlHandlerLogger(logger))
//	mux := http.NewServeMux()
//	handler.RegisterRoutes(mux)
//
// =============================================================================

// ControlHandler serves the control operations over HTTP
type ControlHandler struct {
	api    *ControlAPI
	logger core.Logger
}

// ControlHandlerOption configures the handler
type ControlHandlerOption func(*ControlHandler)

// WithControlHandlerLogger sets the logger
func WithControlHandlerLogger(logger core.Logger) ControlHandlerOption {
	return func(h *ControlHandler) {
		if logger == nil {
			return
		}
		if cal, ok := logger.(core.ComponentAwareLogger); ok {
			h.logger = cal.WithComponent("gaff/orchestration")
		} else {
			h.logger = logger
		}
	}
}

// NewControlHandler creates an HTTP handler over the control API
func NewControlHandler(api *ControlAPI, opts ...ControlHandlerOption) *ControlHandler {
	h := &ControlHandler{
		api:    api,
		logger: &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes attaches the handler's endpoints to a mux
func (h *ControlHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/executions", h.HandleExecute)
	mux.HandleFunc("/executions/", h.HandleExecutionByID)
	mux.HandleFunc("/route", h.HandleRoute)
}

// HandleExecute serves POST /executions
func (h *ControlHandler) HandleExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req ExecuteGraphRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	result, err := h.api.ExecuteGraph(r.Context(), &req)
	if err != nil {
		h.writeAPIError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// HandleExecutionByID serves GET /executions/{id} and the pause, resume,
// and cancel sub-operations
func (h *ControlHandler) HandleExecutionByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/executions/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		h.writeError(w, http.StatusBadRequest, "execution id required")
		return
	}
	executionID := parts[0]

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		snapshot, err := h.api.Status(r.Context(), executionID)
		if err != nil {
			h.writeAPIError(w, r, err)
			return
		}
		h.writeJSON(w, http.StatusOK, snapshot)
		return
	}

	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	switch parts[1] {
	case "pause":
		var body struct {
			Reason string `json:"reason"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		resp, err := h.api.Pause(r.Context(), executionID, body.Reason)
		if err != nil {
			h.writeAPIError(w, r, err)
			return
		}
		h.writeJSON(w, http.StatusOK, resp)

	case "resume":
		var body struct {
			ApprovalDecision *ApprovalDecision `json:"approval_decision,omitempty"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		resp, err := h.api.Resume(r.Context(), executionID, body.ApprovalDecision)
		if err != nil {
			h.writeAPIError(w, r, err)
			return
		}
		h.writeJSON(w, http.StatusOK, resp)

	case "cancel":
		var body struct {
			Reason string `json:"reason"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		resp, err := h.api.Cancel(r.Context(), executionID, body.Reason)
		if err != nil {
			h.writeAPIError(w, r, err)
			return
		}
		h.writeJSON(w, http.StatusOK, resp)

	default:
		h.writeError(w, http.StatusNotFound, "unknown operation "+parts[1])
	}
}

// HandleRoute serves POST /route
func (h *ControlHandler) HandleRoute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req RouteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	envelope, err := h.api.RouteToAgent(r.Context(), &req)
	if err != nil {
		h.writeAPIError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, envelope)
}

// writeAPIError maps engine errors onto HTTP status codes
func (h *ControlHandler) writeAPIError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case core.IsNotFound(err):
		status = http.StatusNotFound
	case core.IsInvalidTransition(err):
		status = http.StatusConflict
	case core.IsConfigurationError(err), core.KindOf(err) == core.KindGraphInvalid:
		status = http.StatusBadRequest
	}

	h.logger.WarnWithContext(r.Context(), "Control operation failed", map[string]interface{}{
		"operation": "control_http",
		"path":      r.URL.Path,
		"status":    status,
		"error":     err.Error(),
	})
	h.writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"message": err.Error(),
			"kind":    core.KindOf(err),
		},
	})
}

func (h *ControlHandler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{"message": message},
	})
}

func (h *ControlHandler) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("Failed to encode response", map[string]interface{}{
			"operation": "control_http",
			"error":     err.Error(),
		})
	}
}
