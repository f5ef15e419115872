package web

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kindredco/kindred/internal/observability"
	"github.com/kindredco/kindred/internal/orchestrator"
	"github.com/kindredco/kindred/internal/store"
	"github.com/kindredco/kindred/pkg/models"
)

const testSecret = "test-secret"

type stubRunner struct {
	events  []models.StreamEvent
	err     error
	lastReq orchestrator.Request
}

func (s *stubRunner) Run(ctx context.Context, req orchestrator.Request) (*orchestrator.Turn, error) {
	s.lastReq = req
	if s.err != nil {
		return nil, s.err
	}
	ch := make(chan models.StreamEvent, len(s.events))
	for _, ev := range s.events {
		ch <- ev
	}
	close(ch)
	return &orchestrator.Turn{ConversationID: "conv-1", Events: ch}, nil
}

func newTestServer(t *testing.T, runner TurnStarter) (*Server, *store.Stores) {
	t.Helper()
	stores, _ := store.NewMemoryStores()
	logger := observability.NewLogger(observability.LogConfig{Output: io.Discard})
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	srv := NewServer(runner, stores, NewJWTValidator(testSecret), NewAutoProvisionResolver(), logger, metrics)
	return srv, stores
}

func mintToken(t *testing.T, sub, tenant string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub": sub,
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	if tenant != "" {
		claims["tenant_id"] = tenant
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return token
}

func authed(t *testing.T, req *http.Request) *http.Request {
	t.Helper()
	req.Header.Set("Authorization", "Bearer "+mintToken(t, "u1", "t1"))
	return req
}

func TestChatRequiresAuth(t *testing.T) {
	srv, _ := newTestServer(t, &stubRunner{})

	req := httptest.NewRequest("POST", "/api/chat", strings.NewReader(`{"message": "hi"}`))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("rejection content type = %q, want json (no stream opened)", ct)
	}
}

func TestChatRejectsBadToken(t *testing.T) {
	srv, _ := newTestServer(t, &stubRunner{})

	req := httptest.NewRequest("POST", "/api/chat", strings.NewReader(`{"message": "hi"}`))
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestChatStreamsEvents(t *testing.T) {
	runner := &stubRunner{events: []models.StreamEvent{
		{Version: 1, Seq: 1, Type: models.EventTextDelta, TextDelta: &models.TextDeltaPayload{Text: "Hel"}},
		{Version: 1, Seq: 2, Type: models.EventTextDelta, TextDelta: &models.TextDeltaPayload{Text: "lo"}},
		{Version: 1, Seq: 3, Type: models.EventFinish, Finish: &models.FinishPayload{FinishReason: "stop"}},
	}}
	srv, _ := newTestServer(t, runner)

	req := authed(t, httptest.NewRequest("POST", "/api/chat", strings.NewReader(`{"message": "hi", "model": "claude-test"}`)))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	if got := rec.Header().Get("X-Conversation-Id"); got != "conv-1" {
		t.Fatalf("X-Conversation-Id = %q, want conv-1", got)
	}
	if runner.lastReq.TenantID != "t1" || runner.lastReq.UserID != "u1" {
		t.Fatalf("principal not forwarded: %+v", runner.lastReq)
	}

	var events []models.StreamEvent
	for _, line := range strings.Split(rec.Body.String(), "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev models.StreamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("decoding event: %v", err)
		}
		events = append(events, ev)
	}
	if len(events) != 3 {
		t.Fatalf("event count = %d, want 3", len(events))
	}
	if events[2].Type != models.EventFinish {
		t.Fatalf("last event = %s, want finish", events[2].Type)
	}
}

func TestChatResolvesTenantForTokenWithoutOne(t *testing.T) {
	runner := &stubRunner{events: []models.StreamEvent{
		{Version: 1, Seq: 1, Type: models.EventFinish, Finish: &models.FinishPayload{FinishReason: "stop"}},
	}}
	srv, _ := newTestServer(t, runner)

	req := httptest.NewRequest("POST", "/api/chat", strings.NewReader(`{"message": "hi"}`))
	req.Header.Set("Authorization", "Bearer "+mintToken(t, "u9", ""))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if runner.lastReq.TenantID == "" {
		t.Fatal("tenant was not auto-provisioned")
	}
}

func TestChatRejectsBothMessageShapes(t *testing.T) {
	srv, _ := newTestServer(t, &stubRunner{})

	body := `{"message": "hi", "messages": [{"role": "user", "content": "hi"}]}`
	req := authed(t, httptest.NewRequest("POST", "/api/chat", strings.NewReader(body)))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestChatAcceptsUIMessageHistory(t *testing.T) {
	runner := &stubRunner{events: []models.StreamEvent{
		{Version: 1, Seq: 1, Type: models.EventFinish, Finish: &models.FinishPayload{FinishReason: "stop"}},
	}}
	srv, _ := newTestServer(t, runner)

	body := `{"messages": [{"role": "assistant", "content": "hi"}, {"role": "user", "content": "what next?"}]}`
	req := authed(t, httptest.NewRequest("POST", "/api/chat", strings.NewReader(body)))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if runner.lastReq.Content != "what next?" {
		t.Fatalf("utterance = %q, want trailing user message", runner.lastReq.Content)
	}
}

func TestListConversationsScopedToPrincipal(t *testing.T) {
	srv, stores := newTestServer(t, &stubRunner{})
	ctx := context.Background()

	for _, c := range []*models.Conversation{
		{ID: "mine", TenantID: "t1", UserID: "u1"},
		{ID: "other-user", TenantID: "t1", UserID: "u2"},
		{ID: "other-tenant", TenantID: "t2", UserID: "u1"},
	} {
		if err := stores.Conversations.Create(ctx, c); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}

	req := authed(t, httptest.NewRequest("GET", "/api/conversations", nil))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		Conversations []*models.Conversation `json:"conversations"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(resp.Conversations) != 1 || resp.Conversations[0].ID != "mine" {
		t.Fatalf("conversations = %+v, want only the caller's", resp.Conversations)
	}
}

func TestUpdateArtifactContentNotFound(t *testing.T) {
	srv, stores := newTestServer(t, &stubRunner{})
	ctx := context.Background()

	conv := &models.Conversation{ID: "c1", TenantID: "t1", UserID: "u1"}
	if err := stores.Conversations.Create(ctx, conv); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	msg := &models.Message{
		ID: "m1", ConversationID: "c1", TenantID: "t1",
		Role: models.RoleAssistant, Content: "done",
		ToolResults: []models.ToolResult{{ToolCallID: "call-1", Result: []byte(`{"content": "v1"}`)}},
		CreatedAt:   time.Now(),
	}
	if err := stores.Messages.Append(ctx, msg); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	req := authed(t, httptest.NewRequest("PATCH", "/api/conversations/c1/messages/m1/artifacts/missing-call", strings.NewReader(`{"content": "v2"}`)))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}

	req = authed(t, httptest.NewRequest("PATCH", "/api/conversations/c1/messages/m1/artifacts/call-1", strings.NewReader(`{"content": "v2"}`)))
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	updated, err := stores.Messages.Get(ctx, "m1", "t1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	var payload struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(updated.ToolResults[0].Result, &payload); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if payload.Content != "v2" {
		t.Fatalf("content = %q, want v2", payload.Content)
	}
}

func TestMemoriesCRUD(t *testing.T) {
	srv, _ := newTestServer(t, &stubRunner{})

	create := authed(t, httptest.NewRequest("POST", "/api/memories", strings.NewReader(`{"category": "goals", "key": "revenue_goal", "value": "10k MRR"}`)))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, create)
	if rec.Code != http.StatusOK {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body.String())
	}
	var created struct {
		Op     string        `json:"op"`
		Memory models.Memory `json:"memory"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if created.Op != "insert" || created.Memory.Source != models.SourceManual {
		t.Fatalf("create response = %+v", created)
	}

	list := authed(t, httptest.NewRequest("GET", "/api/memories", nil))
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, list)
	var listed struct {
		Memories []*models.Memory `json:"memories"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode list response: %v", err)
	}
	if len(listed.Memories) != 1 {
		t.Fatalf("memory count = %d, want 1", len(listed.Memories))
	}

	del := authed(t, httptest.NewRequest("DELETE", "/api/memories/"+listed.Memories[0].ID, nil))
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, del)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}
}

func TestCreateMemoryRejectsUnknownCategory(t *testing.T) {
	srv, _ := newTestServer(t, &stubRunner{})

	req := authed(t, httptest.NewRequest("POST", "/api/memories", strings.NewReader(`{"category": "astrology", "key": "sign", "value": "leo"}`)))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHealthzIsPublic(t *testing.T) {
	srv, _ := newTestServer(t, &stubRunner{})

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 without auth", rec.Code)
	}
}
