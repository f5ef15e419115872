package web

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kindredco/kindred/internal/store"
	"github.com/kindredco/kindred/pkg/models"
)

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	principal, ok := PrincipalFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "no session")
		return
	}

	opts := store.ListOptions{
		IncludeArchived: r.URL.Query().Get("include_archived") == "true",
		Limit:           queryInt(r, "limit", 50),
		Offset:          queryInt(r, "offset", 0),
	}
	convs, err := s.stores.Conversations.List(r.Context(), principal.TenantID, principal.UserID, opts)
	if err != nil {
		s.logger.Error(r.Context(), "listing conversations", "error", err)
		writeError(w, http.StatusInternalServerError, "listing conversations failed")
		return
	}
	if convs == nil {
		convs = []*models.Conversation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	principal, ok := PrincipalFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "no session")
		return
	}
	convID := r.PathValue("id")

	// Ownership check before reading messages.
	conv, err := s.stores.Conversations.Get(r.Context(), convID, principal.TenantID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if conv.UserID != principal.UserID {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	msgs, err := s.stores.Messages.List(r.Context(), convID, principal.TenantID, queryInt(r, "limit", 0))
	if err != nil {
		s.logger.Error(r.Context(), "listing messages", "error", err)
		writeError(w, http.StatusInternalServerError, "listing messages failed")
		return
	}
	if leaf := r.URL.Query().Get("leaf"); leaf != "" {
		msgs = store.Thread(msgs, leaf)
	}
	if msgs == nil {
		msgs = []*models.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	principal, ok := PrincipalFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "no session")
		return
	}

	body := struct {
		Archived *bool `json:"archived"`
	}{}
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	archived := true
	if body.Archived != nil {
		archived = *body.Archived
	}

	err := s.stores.Conversations.SetArchived(r.Context(), r.PathValue("id"), principal.TenantID, archived)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"archived": archived})
}

func (s *Server) handleUpdateArtifact(w http.ResponseWriter, r *http.Request) {
	principal, ok := PrincipalFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "no session")
		return
	}

	body := struct {
		Content string `json:"content"`
	}{}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := s.stores.Messages.UpdateArtifactContent(
		r.Context(),
		r.PathValue("id"),
		r.PathValue("msgID"),
		principal.TenantID,
		r.PathValue("toolCallID"),
		body.Content,
	)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleListMemories(w http.ResponseWriter, r *http.Request) {
	principal, ok := PrincipalFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "no session")
		return
	}

	mems, err := s.stores.Memories.ListByUser(r.Context(), principal.UserID, principal.TenantID)
	if err != nil {
		s.logger.Error(r.Context(), "listing memories", "error", err)
		writeError(w, http.StatusInternalServerError, "listing memories failed")
		return
	}
	if mems == nil {
		mems = []*models.Memory{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"memories": mems})
}

func (s *Server) handleCreateMemory(w http.ResponseWriter, r *http.Request) {
	principal, ok := PrincipalFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "no session")
		return
	}

	body := struct {
		Category string `json:"category"`
		Key      string `json:"key"`
		Value    string `json:"value"`
	}{}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	category := models.MemoryCategory(body.Category)
	if !models.ValidCategory(category) {
		writeError(w, http.StatusBadRequest, "unknown category")
		return
	}
	if strings.TrimSpace(body.Key) == "" || strings.TrimSpace(body.Value) == "" {
		writeError(w, http.StatusBadRequest, "key and value are required")
		return
	}

	mem := &models.Memory{
		ID:        uuid.NewString(),
		UserID:    principal.UserID,
		TenantID:  principal.TenantID,
		Category:  category,
		Key:       strings.TrimSpace(body.Key),
		Value:     strings.TrimSpace(body.Value),
		Source:    models.SourceManual,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	op, err := s.stores.Memories.Upsert(r.Context(), mem)
	if err != nil {
		s.logger.Error(r.Context(), "memory upsert", "error", err)
		writeError(w, http.StatusInternalServerError, "saving memory failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"op": op, "memory": mem})
}

func (s *Server) handleDeleteMemory(w http.ResponseWriter, r *http.Request) {
	principal, ok := PrincipalFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "no session")
		return
	}

	if err := s.stores.Memories.Delete(r.Context(), r.PathValue("id"), principal.TenantID); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
