package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rmax-ai/raciflow/pkg/store"
)

// handleWebhooks manages webhook registration.
func (s *Server) handleWebhooks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listWebhooks(w, r)
	case http.MethodPost:
		s.createWebhook(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed")
	}
}

// handleWebhook deletes one webhook: DELETE /v1/webhooks/{id}.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed")
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/v1/webhooks/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusBadRequest, "invalid_webhook_id")
		return
	}
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "event_log_not_available")
		return
	}
	if err := s.store.DeleteWebhook(r.Context(), id); err != nil {
		s.logger.Error("failed_to_delete_webhook", "trace_id", getTraceID(r.Context()), "error", err)
		writeError(w, http.StatusInternalServerError, "internal_server_error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listWebhooks(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "event_log_not_available")
		return
	}
	hooks, err := s.store.ListWebhooks(r.Context())
	if err != nil {
		s.logger.Error("failed_to_list_webhooks", "trace_id", getTraceID(r.Context()), "error", err)
		writeError(w, http.StatusInternalServerError, "internal_server_error")
		return
	}
	out := make([]WebhookInfo, 0, len(hooks))
	for _, h := range hooks {
		out = append(out, WebhookInfo{WebhookID: h.WebhookID, URL: h.URL, Events: h.Events, CreatedAt: h.CreatedAt})
	}
	s.writeJSON(w, r, http.StatusOK, out)
}

func (s *Server) createWebhook(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "event_log_not_available")
		return
	}
	var req WebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json_body")
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "missing_url")
		return
	}
	if len(req.Events) == 0 {
		req.Events = []string{"*"}
	}

	cfg := &store.WebhookConfig{
		WebhookID: "wh_" + uuid.NewString(),
		URL:       req.URL,
		Secret:    generateToken(),
		Events:    req.Events,
		CreatedAt: time.Now().UTC(),
		Active:    true,
	}
	if err := s.store.RegisterWebhook(r.Context(), cfg); err != nil {
		s.logger.Error("failed_to_register_webhook", "trace_id", getTraceID(r.Context()), "error", err)
		writeError(w, http.StatusInternalServerError, "internal_server_error")
		return
	}

	s.writeJSON(w, r, http.StatusCreated, WebhookResponse{WebhookID: cfg.WebhookID, Secret: cfg.Secret})
}
