package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/kindredco/kindred/internal/orchestrator"
	"github.com/kindredco/kindred/internal/store"
	"github.com/kindredco/kindred/pkg/models"
)

// chatRequest is the inbound turn request. Exactly one of Message and
// Messages must be present; Messages is the UI-history shape, of which
// only the trailing user entry starts the turn.
type chatRequest struct {
	ConversationID  string      `json:"conversationId,omitempty"`
	Message         string      `json:"message,omitempty"`
	Messages        []uiMessage `json:"messages,omitempty"`
	Model           string      `json:"model,omitempty"`
	AgentID         string      `json:"agentId,omitempty"`
	ParentMessageID string      `json:"parentMessageId,omitempty"`
}

type uiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// utterance extracts the user text that starts the turn.
func (c *chatRequest) utterance() (string, error) {
	hasMessage := strings.TrimSpace(c.Message) != ""
	hasMessages := len(c.Messages) > 0
	switch {
	case hasMessage && hasMessages:
		return "", errBothMessageFields
	case hasMessage:
		return c.Message, nil
	case hasMessages:
		last := c.Messages[len(c.Messages)-1]
		if last.Role != string(models.RoleUser) || strings.TrimSpace(last.Content) == "" {
			return "", errNoTrailingUserMessage
		}
		return last.Content, nil
	default:
		return "", errMissingMessage
	}
}

var (
	errBothMessageFields     = &requestError{"provide message or messages, not both"}
	errNoTrailingUserMessage = &requestError{"messages must end with a non-empty user message"}
	errMissingMessage        = &requestError{"message is required"}
)

type requestError struct{ msg string }

func (e *requestError) Error() string { return e.msg }

// startTurn validates the request and starts the turn. Every failure here
// happens before any stream bytes are written.
func (s *Server) startTurn(w http.ResponseWriter, r *http.Request, req chatRequest) (*orchestrator.Turn, bool) {
	principal, ok := PrincipalFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "no session")
		return nil, false
	}

	content, err := req.utterance()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}

	turn, err := s.runner.Run(r.Context(), orchestrator.Request{
		ConversationID:  req.ConversationID,
		TenantID:        principal.TenantID,
		UserID:          principal.UserID,
		AgentID:         req.AgentID,
		Model:           req.Model,
		ParentMessageID: req.ParentMessageID,
		Content:         content,
	})
	if err != nil {
		s.logger.Warn(r.Context(), "turn rejected", "error", err)
		status := http.StatusBadGateway
		if errors.Is(err, store.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return nil, false
	}
	return turn, true
}

// handleChat streams the turn as server-sent events. The resolved
// conversation id rides in a response header so callers that omitted it
// learn the generated id before the first event.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	turn, ok := s.startTurn(w, r, req)
	if !ok {
		return
	}

	flusher, canFlush := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Conversation-Id", turn.ConversationID)
	w.WriteHeader(http.StatusOK)
	if canFlush {
		flusher.Flush()
	}

	clientGone := false
	for ev := range turn.Events {
		if clientGone {
			// Keep draining so the producer can finish persisting.
			continue
		}
		payload, err := json.Marshal(ev)
		if err != nil {
			s.logger.Error(r.Context(), "encoding stream event", "error", err)
			continue
		}
		if _, err := w.Write([]byte("data: " + string(payload) + "\n\n")); err != nil {
			s.logger.Debug(r.Context(), "client disconnected mid-stream", "error", err)
			clientGone = true
			continue
		}
		if canFlush {
			flusher.Flush()
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// wsEnvelope frames control messages alongside protocol events on the
// websocket transport.
type wsEnvelope struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId,omitempty"`
	Error          string `json:"error,omitempty"`
}

// handleChatWS runs one turn per request frame over a websocket. The first
// reply frame carries the resolved conversation id, mirroring the SSE
// response header.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	principal, ok := PrincipalFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "no session")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn(r.Context(), "websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	for {
		var req chatRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}

		content, err := req.utterance()
		if err != nil {
			_ = conn.WriteJSON(wsEnvelope{Type: "error", Error: err.Error()})
			continue
		}

		turn, err := s.runner.Run(r.Context(), orchestrator.Request{
			ConversationID:  req.ConversationID,
			TenantID:        principal.TenantID,
			UserID:          principal.UserID,
			AgentID:         req.AgentID,
			Model:           req.Model,
			ParentMessageID: req.ParentMessageID,
			Content:         content,
		})
		if err != nil {
			_ = conn.WriteJSON(wsEnvelope{Type: "error", Error: err.Error()})
			continue
		}

		if err := conn.WriteJSON(wsEnvelope{Type: "conversation", ConversationID: turn.ConversationID}); err != nil {
			drainEvents(turn.Events)
			return
		}
		for ev := range turn.Events {
			if err := conn.WriteJSON(ev); err != nil {
				drainEvents(turn.Events)
				return
			}
		}
	}
}

// drainEvents consumes the remainder of a turn's events so persistence
// finishes even after the socket is gone.
func drainEvents(events <-chan models.StreamEvent) {
	for range events {
	}
}
