package main

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"opsplane/internal/config"
	"opsplane/internal/extbroker"
	"opsplane/internal/gov"
	"opsplane/internal/metrics"
	"opsplane/internal/store"
)

// server wires the HTTP surface to the engine and the broker. The
// handlers validate and map status codes; the engine owns the semantics.
type server struct {
	cfg    config.Config
	engine *gov.Engine
	broker *extbroker.Broker
	store  *store.Store
}

func newServer(cfg config.Config, engine *gov.Engine, broker *extbroker.Broker) *server {
	return &server{cfg: cfg, engine: engine, broker: broker, store: engine.Store()}
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	// Mutations: read + write secret.
	mux.HandleFunc("POST /ops/actions/create", s.writeAuth(s.handleCreate))
	mux.HandleFunc("POST /ops/actions/transition", s.writeAuth(s.handleTransition))
	mux.HandleFunc("POST /ops/actions/assign", s.writeAuth(s.handleAssign))
	mux.HandleFunc("POST /ops/actions/approve", s.writeAuth(s.handleApprove))
	mux.HandleFunc("POST /ops/actions/override", s.writeAuth(s.handleOverride))
	mux.HandleFunc("POST /ops/actions/comment", s.writeAuth(s.handleComment))
	mux.HandleFunc("POST /ops/actions/dod", s.writeAuth(s.handleDod))
	mux.HandleFunc("POST /ops/actions/evidence", s.writeAuth(s.handleEvidence))
	mux.HandleFunc("POST /ops/actions/evidence/bulk", s.writeAuth(s.handleEvidenceBulk))
	mux.HandleFunc("POST /ops/actions/docsUpdated", s.writeAuth(s.handleDocsUpdated))
	mux.HandleFunc("POST /ops/actions/notifications/markRead", s.writeAuth(s.handleMarkRead))
	mux.HandleFunc("POST /ops/actions/chat", s.writeAuth(s.handleChat))
	mux.HandleFunc("POST /ops/actions/topic", s.writeAuth(s.handleTopic))
	mux.HandleFunc("POST /ops/products", s.writeAuth(s.handleUpsertProduct))
	mux.HandleFunc("POST /ops/ext/call", s.writeAuth(s.handleExtCall))
	mux.HandleFunc("POST /ops/ext/status", s.writeAuth(s.handleExtStatus))

	// Reads: read secret only.
	mux.HandleFunc("GET /ops/tasks", s.readAuth(s.handleListTasks))
	mux.HandleFunc("GET /ops/tasks/{id}", s.readAuth(s.handleGetTask))
	mux.HandleFunc("GET /ops/tasks/{id}/activities", s.readAuth(s.handleGetActivities))
	mux.HandleFunc("GET /ops/topics", s.readAuth(s.handleListTopics))
	mux.HandleFunc("GET /ops/messages", s.readAuth(s.handleListMessages))
	mux.HandleFunc("GET /ops/notifications", s.readAuth(s.handleListNotifications))
	mux.HandleFunc("GET /ops/products", s.readAuth(s.handleListProducts))
	mux.HandleFunc("GET /ops/ext/calls/{id}", s.readAuth(s.handleGetExtCall))

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())

	return mux
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": "healthy"})
}

// decodeJSON reads the request body into dst. Malformed bodies get the
// uniform "JSON object" validation error.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body", "VALIDATION")
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "request body must be a JSON object with the documented fields: "+err.Error(), "VALIDATION")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg, code string) {
	writeJSON(w, status, map[string]any{"ok": false, "error": msg, "code": code})
}

// writeCommandError maps engine failures onto the HTTP taxonomy.
func writeCommandError(w http.ResponseWriter, err error) {
	var ce *gov.CommandError
	if errors.As(err, &ce) {
		writeError(w, ce.Status, ce.Message, ce.Code)
		return
	}
	slog.Error("command failed", "error", err)
	writeError(w, http.StatusInternalServerError, "internal error", "INTERNAL")
}
