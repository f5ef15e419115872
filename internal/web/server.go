// Package web exposes the HTTP and websocket API for the Kindred
// conversational platform.
package web

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kindredco/kindred/internal/observability"
	"github.com/kindredco/kindred/internal/orchestrator"
	"github.com/kindredco/kindred/internal/store"
)

// TurnStarter starts assistant turns. Satisfied by the orchestrator's
// TurnRunner; tests substitute stubs.
type TurnStarter interface {
	Run(ctx context.Context, req orchestrator.Request) (*orchestrator.Turn, error)
}

// Server is the HTTP API surface.
type Server struct {
	runner  TurnStarter
	stores  *store.Stores
	logger  *observability.Logger
	metrics *observability.Metrics
	handler http.Handler
}

// NewServer wires routes and middleware. The /api tree requires a valid
// session; health and metrics endpoints do not.
func NewServer(runner TurnStarter, stores *store.Stores, validator SessionValidator, tenants TenantResolver, logger *observability.Logger, metrics *observability.Metrics) *Server {
	s := &Server{
		runner:  runner,
		stores:  stores,
		logger:  logger,
		metrics: metrics,
	}

	api := http.NewServeMux()
	api.HandleFunc("POST /api/chat", s.handleChat)
	api.HandleFunc("GET /api/chat/ws", s.handleChatWS)
	api.HandleFunc("GET /api/conversations", s.handleListConversations)
	api.HandleFunc("GET /api/conversations/{id}/messages", s.handleListMessages)
	api.HandleFunc("POST /api/conversations/{id}/archive", s.handleArchive)
	api.HandleFunc("PATCH /api/conversations/{id}/messages/{msgID}/artifacts/{toolCallID}", s.handleUpdateArtifact)
	api.HandleFunc("GET /api/memories", s.handleListMemories)
	api.HandleFunc("POST /api/memories", s.handleCreateMemory)
	api.HandleFunc("DELETE /api/memories/{id}", s.handleDeleteMemory)

	auth := AuthMiddleware(validator, tenants, logger)

	root := http.NewServeMux()
	root.Handle("/api/", auth(api))
	root.HandleFunc("GET /healthz", s.handleHealth)
	root.Handle("GET /metrics", promhttp.Handler())

	s.handler = RequestIDMiddleware(LoggingMiddleware(logger, metrics)(root))
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
