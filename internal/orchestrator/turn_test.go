package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/kindredco/kindred/internal/observability"
	"github.com/kindredco/kindred/internal/prompt"
	"github.com/kindredco/kindred/internal/provider"
	"github.com/kindredco/kindred/internal/store"
	"github.com/kindredco/kindred/pkg/models"
)

type scriptedCall struct {
	err    error
	chunks []*provider.CompletionChunk
}

// fakeProvider replays scripted responses in call order. Calls beyond the
// script fail, which keeps background work (title generation) inert.
type fakeProvider struct {
	name string

	mu     sync.Mutex
	script []scriptedCall
	calls  []*provider.CompletionRequest
}

func (f *fakeProvider) Name() string {
	if f.name == "" {
		return "fake"
	}
	return f.name
}

func (f *fakeProvider) Complete(ctx context.Context, req *provider.CompletionRequest) (<-chan *provider.CompletionChunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if len(f.script) == 0 {
		return nil, errors.New("unscripted provider call")
	}
	call := f.script[0]
	f.script = f.script[1:]
	if call.err != nil {
		return nil, call.err
	}
	ch := make(chan *provider.CompletionChunk, len(call.chunks))
	for _, c := range call.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeProvider) recorded() []*provider.CompletionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*provider.CompletionRequest(nil), f.calls...)
}

type recordingExtractor struct {
	done chan string
}

func (e *recordingExtractor) ExtractFromConversation(ctx context.Context, conversationID, tenantID, userID string) {
	e.done <- conversationID
}

func textChunk(s string) *provider.CompletionChunk {
	return &provider.CompletionChunk{Text: s}
}

func doneChunk(in, out int) *provider.CompletionChunk {
	return &provider.CompletionChunk{Done: true, InputTokens: in, OutputTokens: out}
}

type runnerFixture struct {
	runner   *TurnRunner
	stores   *store.Stores
	backend  *store.MemoryBackend
	provider *fakeProvider
}

func newRunnerFixture(t *testing.T, fake *fakeProvider, extractor Extractor) *runnerFixture {
	t.Helper()
	stores, backend := store.NewMemoryStores()
	logger := observability.NewLogger(observability.LogConfig{Output: io.Discard})
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	registry := provider.NewRegistry()
	registry.Register(fake)

	assembler := prompt.NewAssembler(stores.Agents, stores.Memories, nil, logger, prompt.Config{})
	runner := NewTurnRunner(stores, registry, assembler, extractor, logger, metrics, nil, Config{
		DefaultModel: "claude-test",
	})
	return &runnerFixture{runner: runner, stores: stores, backend: backend, provider: fake}
}

func drain(t *testing.T, events <-chan models.StreamEvent) []models.StreamEvent {
	t.Helper()
	var out []models.StreamEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("event channel did not close")
		}
	}
}

func TestRunFirstTurnCreatesConversation(t *testing.T) {
	fake := &fakeProvider{name: "anthropic", script: []scriptedCall{
		{chunks: []*provider.CompletionChunk{textChunk("Hello"), textChunk(" there!"), doneChunk(12, 4)}},
	}}
	fx := newRunnerFixture(t, fake, nil)
	ctx := context.Background()

	turn, err := fx.runner.Run(ctx, Request{TenantID: "t1", UserID: "u1", Content: "Hi"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if turn.ConversationID == "" {
		t.Fatal("Run() returned empty conversation id")
	}

	events := drain(t, turn.Events)
	if len(events) == 0 {
		t.Fatal("no events emitted")
	}
	last := events[len(events)-1]
	if last.Type != models.EventFinish {
		t.Fatalf("last event = %s, want finish", last.Type)
	}
	if last.Finish.Usage == nil || last.Finish.Usage.TotalTokens != 16 {
		t.Fatalf("finish usage = %+v, want 16 total tokens", last.Finish.Usage)
	}

	var text strings.Builder
	for _, ev := range events {
		if ev.Type == models.EventTextDelta {
			text.WriteString(ev.TextDelta.Text)
		}
	}
	if text.String() != "Hello there!" {
		t.Fatalf("concatenated text = %q, want %q", text.String(), "Hello there!")
	}

	conv, err := fx.stores.Conversations.Get(ctx, turn.ConversationID, "t1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if conv.Title != "Hi" {
		t.Fatalf("title = %q, want fallback %q", conv.Title, "Hi")
	}

	msgs, err := fx.stores.Messages.List(ctx, turn.ConversationID, "t1", 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("message count = %d, want 2", len(msgs))
	}
	if msgs[0].Role != models.RoleUser || msgs[1].Role != models.RoleAssistant {
		t.Fatalf("roles = %s, %s", msgs[0].Role, msgs[1].Role)
	}
	if msgs[1].Content != "Hello there!" {
		t.Fatalf("assistant content = %q", msgs[1].Content)
	}
	if msgs[1].ParentMessageID != msgs[0].ID {
		t.Fatal("assistant message not linked to user message")
	}
}

func TestRunSeqStrictlyIncreasingAndVersioned(t *testing.T) {
	fake := &fakeProvider{name: "anthropic", script: []scriptedCall{
		{chunks: []*provider.CompletionChunk{textChunk("a"), textChunk("b"), textChunk("c"), doneChunk(1, 1)}},
	}}
	fx := newRunnerFixture(t, fake, nil)

	turn, err := fx.runner.Run(context.Background(), Request{TenantID: "t1", UserID: "u1", Content: "hey"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	events := drain(t, turn.Events)
	for i, ev := range events {
		if ev.Version != 1 {
			t.Fatalf("event %d version = %d", i, ev.Version)
		}
		if uint64(i+1) != ev.Seq {
			t.Fatalf("event %d seq = %d, want %d", i, ev.Seq, i+1)
		}
	}
}

func TestRunArtifactTurn(t *testing.T) {
	artifactJSON := `{"title": "Poem", "kind": "text", "content": "Roses are red\nViolets are blue"}`
	args, _ := json.Marshal(map[string]string{"title": "Poem", "kind": "text", "brief": "a short poem"})

	fake := &fakeProvider{name: "anthropic", script: []scriptedCall{
		{chunks: []*provider.CompletionChunk{
			textChunk("Writing that now."),
			{ToolCall: &models.ToolCall{ID: "call-1", Name: ArtifactToolName, Arguments: args}},
			doneChunk(20, 10),
		}},
		{chunks: []*provider.CompletionChunk{
			textChunk(artifactJSON[:40]),
			textChunk(artifactJSON[40:]),
			doneChunk(15, 30),
		}},
		{chunks: []*provider.CompletionChunk{textChunk(" Done, enjoy the poem."), doneChunk(40, 8)}},
	}}
	fx := newRunnerFixture(t, fake, nil)
	ctx := context.Background()

	fx.backend.SeedAgent(&models.Agent{
		ID:                   "agent-1",
		TenantID:             "t1",
		Name:                 "Coach",
		Instructions:         "Be supportive.",
		ArtifactInstructions: "Create artifacts for standalone content.",
		Provider:             "anthropic",
		Model:                "claude-test",
	})

	turn, err := fx.runner.Run(ctx, Request{TenantID: "t1", UserID: "u1", AgentID: "agent-1", Content: "write a short poem"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	events := drain(t, turn.Events)

	var (
		metadataAt = -1
		firstDelta = -1
		completes  int
		deltaText  strings.Builder
		final      models.Artifact
	)
	for i, ev := range events {
		switch ev.Type {
		case models.EventArtifactMetadata:
			metadataAt = i
			if ev.ArtifactMetadata.Kind != models.ArtifactText {
				t.Fatalf("metadata kind = %s, want text", ev.ArtifactMetadata.Kind)
			}
		case models.EventArtifactDelta:
			if firstDelta == -1 {
				firstDelta = i
			}
			deltaText.WriteString(ev.ArtifactDelta.Content)
		case models.EventArtifactComplete:
			completes++
			final = ev.ArtifactComplete.Artifact
		}
	}
	if metadataAt == -1 || firstDelta == -1 {
		t.Fatal("missing artifact metadata or delta events")
	}
	if metadataAt >= firstDelta {
		t.Fatalf("metadata at %d after first delta at %d", metadataAt, firstDelta)
	}
	if completes != 1 {
		t.Fatalf("artifact-complete count = %d, want 1", completes)
	}
	wantContent := "Roses are red\nViolets are blue"
	if final.Content != wantContent {
		t.Fatalf("final content = %q, want %q", final.Content, wantContent)
	}
	if deltaText.String() != wantContent {
		t.Fatalf("delta concatenation = %q, want %q", deltaText.String(), wantContent)
	}

	msgs, err := fx.stores.Messages.List(ctx, turn.ConversationID, "t1", 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	assistant := msgs[len(msgs)-1]
	if len(assistant.ToolResults) != 1 {
		t.Fatalf("tool results = %d, want 1", len(assistant.ToolResults))
	}
	var payload struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(assistant.ToolResults[0].Result, &payload); err != nil {
		t.Fatalf("decode tool result: %v", err)
	}
	if payload.Content != wantContent {
		t.Fatalf("persisted artifact content = %q, want %q", payload.Content, wantContent)
	}
	if !strings.Contains(assistant.Content, "Done, enjoy the poem.") {
		t.Fatalf("assistant content missing continuation text: %q", assistant.Content)
	}
}

func TestRunArtifactFailureDegrades(t *testing.T) {
	args, _ := json.Marshal(map[string]string{"title": "Notes", "kind": "text"})
	fake := &fakeProvider{name: "anthropic", script: []scriptedCall{
		{chunks: []*provider.CompletionChunk{
			{ToolCall: &models.ToolCall{ID: "call-1", Name: ArtifactToolName, Arguments: args}},
			doneChunk(5, 5),
		}},
		{err: errors.New("sub-generation refused")},
		{chunks: []*provider.CompletionChunk{textChunk("Sorry, the notes failed."), doneChunk(5, 5)}},
	}}
	fx := newRunnerFixture(t, fake, nil)
	fx.backend.SeedAgent(&models.Agent{
		ID: "agent-1", TenantID: "t1", Name: "Coach",
		Instructions: "x", ArtifactInstructions: "y",
		Provider: "anthropic", Model: "claude-test",
	})

	turn, err := fx.runner.Run(context.Background(), Request{TenantID: "t1", UserID: "u1", AgentID: "agent-1", Content: "make notes"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	events := drain(t, turn.Events)

	completes := 0
	for _, ev := range events {
		if ev.Type == models.EventArtifactComplete {
			completes++
		}
	}
	if completes != 1 {
		t.Fatalf("artifact-complete count = %d, want 1", completes)
	}
	if events[len(events)-1].Type != models.EventFinish {
		t.Fatalf("last event = %s, want finish", events[len(events)-1].Type)
	}
}

func TestRunPrimaryStreamFailurePersistsNothing(t *testing.T) {
	fake := &fakeProvider{name: "anthropic", script: []scriptedCall{
		{chunks: []*provider.CompletionChunk{
			textChunk("partial out"),
			{Error: errors.New("upstream reset")},
		}},
	}}
	fx := newRunnerFixture(t, fake, nil)
	ctx := context.Background()

	turn, err := fx.runner.Run(ctx, Request{TenantID: "t1", UserID: "u1", Content: "hello"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	events := drain(t, turn.Events)

	last := events[len(events)-1]
	if last.Type != models.EventError {
		t.Fatalf("last event = %s, want error", last.Type)
	}
	if last.Error.Message == "" {
		t.Fatal("error event missing message")
	}

	msgs, err := fx.stores.Messages.List(ctx, turn.ConversationID, "t1", 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("message count = %d, want only the user message", len(msgs))
	}
	if msgs[0].Role != models.RoleUser {
		t.Fatalf("surviving message role = %s", msgs[0].Role)
	}
}

func TestRunTriggersExtractionAfterPersist(t *testing.T) {
	fake := &fakeProvider{name: "anthropic", script: []scriptedCall{
		{chunks: []*provider.CompletionChunk{textChunk("ok"), doneChunk(1, 1)}},
	}}
	extractor := &recordingExtractor{done: make(chan string, 1)}
	fx := newRunnerFixture(t, fake, extractor)

	turn, err := fx.runner.Run(context.Background(), Request{TenantID: "t1", UserID: "u1", Content: "remember this"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	drain(t, turn.Events)

	select {
	case id := <-extractor.done:
		if id != turn.ConversationID {
			t.Fatalf("extractor conversation = %q, want %q", id, turn.ConversationID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("extractor was not invoked")
	}
}

func TestRunRejectsEmptyMessage(t *testing.T) {
	fx := newRunnerFixture(t, &fakeProvider{name: "anthropic"}, nil)
	if _, err := fx.runner.Run(context.Background(), Request{TenantID: "t1", UserID: "u1", Content: "   "}); err == nil {
		t.Fatal("Run() with blank content, want error")
	}
}

func TestRunUnknownConversationFailsBeforeStream(t *testing.T) {
	fake := &fakeProvider{name: "anthropic"}
	fx := newRunnerFixture(t, fake, nil)
	_, err := fx.runner.Run(context.Background(), Request{
		ConversationID: "missing", TenantID: "t1", UserID: "u1", Content: "hi",
	})
	if err == nil {
		t.Fatal("Run() with unknown conversation, want error")
	}
	if fake.callCount() != 0 {
		t.Fatalf("provider calls = %d, want 0", fake.callCount())
	}
}

func TestFallbackTitleTruncates(t *testing.T) {
	long := strings.Repeat("é", store.TitleMaxLen+20)
	got := fallbackTitle(long)
	if len([]rune(got)) != store.TitleMaxLen {
		t.Fatalf("title rune length = %d, want %d", len([]rune(got)), store.TitleMaxLen)
	}
}

func TestTurnMachineTransitions(t *testing.T) {
	m := newTurnMachine()

	// Persisting before streaming is not a legal transition.
	if err := m.Fire(triggerPersist); err == nil {
		t.Fatal("Fire(persist) from ASSEMBLING_CONTEXT should fail")
	}

	// Happy path with one tool round.
	for _, trig := range []string{triggerStream, triggerToolCalls, triggerToolsDone, triggerComplete, triggerPersist} {
		if err := m.Fire(trig); err != nil {
			t.Fatalf("Fire(%s) error = %v", trig, err)
		}
	}
	if got := m.MustState(); got != statePersisted {
		t.Fatalf("MustState() = %v, want %v", got, statePersisted)
	}

	// Terminal states permit nothing.
	if err := m.Fire(triggerFail); err == nil {
		t.Fatal("Fire(fail) from PERSISTED should fail")
	}
}

func TestRunRejectsConversationOwnedByOtherUser(t *testing.T) {
	fake := &fakeProvider{}
	fx := newRunnerFixture(t, fake, nil)
	ctx := context.Background()

	conv := &models.Conversation{TenantID: "t1", UserID: "alice"}
	if err := fx.stores.Conversations.Create(ctx, conv); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	seed := &models.Message{ConversationID: conv.ID, TenantID: "t1", Role: models.RoleUser, Content: "my private note"}
	if err := fx.stores.Messages.Append(ctx, seed); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	// Same tenant, different user: the id must behave like a missing one.
	_, err := fx.runner.Run(ctx, Request{
		ConversationID: conv.ID,
		TenantID:       "t1",
		UserID:         "mallory",
		Content:        "continue please",
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("Run() error = %v, want ErrNotFound", err)
	}
	if n := fake.callCount(); n != 0 {
		t.Errorf("provider called %d times before ownership check", n)
	}
	msgs, err := fx.stores.Messages.List(ctx, conv.ID, "t1", 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(msgs) != 1 {
		t.Errorf("conversation has %d messages, want 1 (nothing appended)", len(msgs))
	}
}

func TestRunTwoToolRoundsContinuationTextNotRepeated(t *testing.T) {
	artifactJSON := `{"title": "Note", "kind": "text", "content": "body"}`
	args, _ := json.Marshal(map[string]string{"title": "Note", "kind": "text", "brief": "a note"})

	fake := &fakeProvider{name: "anthropic", script: []scriptedCall{
		{chunks: []*provider.CompletionChunk{
			textChunk("First."),
			{ToolCall: &models.ToolCall{ID: "call-1", Name: ArtifactToolName, Arguments: args}},
			doneChunk(10, 5),
		}},
		{chunks: []*provider.CompletionChunk{textChunk(artifactJSON), doneChunk(8, 12)}},
		{chunks: []*provider.CompletionChunk{
			textChunk("Second."),
			{ToolCall: &models.ToolCall{ID: "call-2", Name: ArtifactToolName, Arguments: args}},
			doneChunk(20, 5),
		}},
		{chunks: []*provider.CompletionChunk{textChunk(artifactJSON), doneChunk(8, 12)}},
		{chunks: []*provider.CompletionChunk{textChunk("Final."), doneChunk(30, 4)}},
	}}
	fx := newRunnerFixture(t, fake, nil)
	ctx := context.Background()

	fx.backend.SeedAgent(&models.Agent{
		ID:                   "agent-1",
		TenantID:             "t1",
		Name:                 "Coach",
		Instructions:         "Be supportive.",
		ArtifactInstructions: "Create artifacts for standalone content.",
		Provider:             "anthropic",
		Model:                "claude-test",
	})

	turn, err := fx.runner.Run(ctx, Request{TenantID: "t1", UserID: "u1", AgentID: "agent-1", Content: "write two notes"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	drain(t, turn.Events)

	// Each continuation carries only its own round's text in the
	// assistant tool-call message, not the running total.
	var roundContents []string
	for _, req := range fake.recorded() {
		for _, msg := range req.Messages {
			if msg.Role == string(models.RoleAssistant) && len(msg.ToolCalls) > 0 {
				roundContents = append(roundContents, msg.Content)
			}
		}
	}
	for _, content := range roundContents {
		if strings.Contains(content, "First.Second.") {
			t.Fatalf("continuation replayed cumulative text: %q", content)
		}
	}
	sawSecond := false
	for _, content := range roundContents {
		if content == "Second." {
			sawSecond = true
		}
	}
	if !sawSecond {
		t.Fatalf("no continuation carried round-2 text alone; got %q", roundContents)
	}

	// Persistence still gets the full turn text.
	msgs, err := fx.stores.Messages.List(ctx, turn.ConversationID, "t1", 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	assistant := msgs[len(msgs)-1]
	if assistant.Content != "First.Second.Final." {
		t.Errorf("persisted assistant text = %q, want %q", assistant.Content, "First.Second.Final.")
	}
}

func TestRunEmitsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	tracer, _, err := observability.NewTracer(observability.TraceConfig{ServiceName: "kindred-test"})
	if err != nil {
		t.Fatalf("NewTracer() error = %v", err)
	}

	artifactJSON := `{"title": "Note", "kind": "text", "content": "body"}`
	args, _ := json.Marshal(map[string]string{"title": "Note", "kind": "text", "brief": "a note"})
	fake := &fakeProvider{name: "anthropic", script: []scriptedCall{
		{chunks: []*provider.CompletionChunk{
			textChunk("On it."),
			{ToolCall: &models.ToolCall{ID: "call-1", Name: ArtifactToolName, Arguments: args}},
			doneChunk(10, 5),
		}},
		{chunks: []*provider.CompletionChunk{textChunk(artifactJSON), doneChunk(8, 12)}},
		{chunks: []*provider.CompletionChunk{textChunk("Done."), doneChunk(20, 4)}},
	}}
	fx := newRunnerFixture(t, fake, nil)
	fx.runner.tracer = tracer

	fx.backend.SeedAgent(&models.Agent{
		ID:                   "agent-1",
		TenantID:             "t1",
		Name:                 "Coach",
		Instructions:         "Be supportive.",
		ArtifactInstructions: "Create artifacts for standalone content.",
		Provider:             "anthropic",
		Model:                "claude-test",
	})

	turn, err := fx.runner.Run(context.Background(), Request{TenantID: "t1", UserID: "u1", AgentID: "agent-1", Content: "make a note"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	drain(t, turn.Events)

	// The turn span ends just after the event channel closes.
	want := []string{"turn.run", "llm.request", "artifact.generate"}
	deadline := time.Now().Add(2 * time.Second)
	for {
		names := map[string]bool{}
		for _, span := range recorder.Ended() {
			names[span.Name()] = true
		}
		missing := ""
		for _, name := range want {
			if !names[name] {
				missing = name
			}
		}
		if missing == "" {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("span %q never ended; recorded %v", missing, names)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
