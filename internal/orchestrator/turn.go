// Package orchestrator runs assistant turns: it assembles context, drives
// the provider stream, multiplexes artifact sub-streams onto one ordered
// event channel, and persists the outcome.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qmuntal/stateless"

	"github.com/kindredco/kindred/internal/observability"
	"github.com/kindredco/kindred/internal/prompt"
	"github.com/kindredco/kindred/internal/provider"
	"github.com/kindredco/kindred/internal/store"
	"github.com/kindredco/kindred/pkg/models"
)

// Turn lifecycle states.
const (
	stateAssembling    = "ASSEMBLING_CONTEXT"
	stateStreaming     = "STREAMING"
	stateSubGenerating = "SUBGENERATING"
	stateFinalizing    = "FINALIZING"
	statePersisted     = "PERSISTED"
	stateFailed        = "FAILED"
)

// Turn lifecycle triggers.
const (
	triggerStream    = "stream"
	triggerToolCalls = "tool_calls"
	triggerToolsDone = "tools_done"
	triggerComplete  = "complete"
	triggerPersist   = "persist"
	triggerFail      = "fail"
)

// newTurnMachine builds the per-turn lifecycle machine. SUBGENERATING loops
// back to STREAMING because tool results are fed into a continuation call.
func newTurnMachine() *stateless.StateMachine {
	m := stateless.NewStateMachine(stateAssembling)
	m.Configure(stateAssembling).
		Permit(triggerStream, stateStreaming).
		Permit(triggerFail, stateFailed)
	m.Configure(stateStreaming).
		Permit(triggerToolCalls, stateSubGenerating).
		Permit(triggerComplete, stateFinalizing).
		Permit(triggerFail, stateFailed)
	m.Configure(stateSubGenerating).
		Permit(triggerToolsDone, stateStreaming).
		Permit(triggerFail, stateFailed)
	m.Configure(stateFinalizing).
		Permit(triggerPersist, statePersisted).
		Permit(triggerFail, stateFailed)
	return m
}

// Extractor runs the post-turn memory pass on a detached context.
type Extractor interface {
	ExtractFromConversation(ctx context.Context, conversationID, tenantID, userID string)
}

// Config tunes turn execution.
type Config struct {
	// DefaultModel is used when neither the request nor the agent names one.
	DefaultModel string

	// MaxTokens caps each completion call. Defaults to 4096.
	MaxTokens int

	// MaxToolRounds bounds continuation calls after tool execution.
	// Defaults to 4.
	MaxToolRounds int

	// TitleTimeout bounds the async model-generated title call.
	// Defaults to 2s.
	TitleTimeout time.Duration

	// ExtractionTimeout bounds the detached memory extraction pass.
	// Defaults to 30s.
	ExtractionTimeout time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MaxTokens <= 0 {
		out.MaxTokens = 4096
	}
	if out.MaxToolRounds <= 0 {
		out.MaxToolRounds = 4
	}
	if out.TitleTimeout <= 0 {
		out.TitleTimeout = 2 * time.Second
	}
	if out.ExtractionTimeout <= 0 {
		out.ExtractionTimeout = 30 * time.Second
	}
	return out
}

// Request describes one user turn.
type Request struct {
	// ConversationID selects an existing conversation; empty starts one.
	ConversationID string

	TenantID string
	UserID   string

	// AgentID binds a persona for new conversations.
	AgentID string

	// Model overrides the conversation's model for this turn.
	Model string

	// ParentMessageID selects a branch leaf; empty means the latest thread.
	ParentMessageID string

	// Content is the user utterance.
	Content string
}

// Turn is a running turn handed back to the transport layer. Events is
// closed after the terminal finish or error event.
type Turn struct {
	ConversationID string
	Events         <-chan models.StreamEvent
}

// TurnRunner orchestrates turns end to end.
type TurnRunner struct {
	stores    *store.Stores
	registry  *provider.Registry
	assembler *prompt.Assembler
	extractor Extractor
	logger    *observability.Logger
	metrics   *observability.Metrics
	tracer    *observability.Tracer
	cfg       Config
}

// NewTurnRunner wires a runner. extractor may be nil to disable the
// post-turn memory pass.
func NewTurnRunner(stores *store.Stores, registry *provider.Registry, assembler *prompt.Assembler, extractor Extractor, logger *observability.Logger, metrics *observability.Metrics, tracer *observability.Tracer, cfg Config) *TurnRunner {
	if tracer == nil {
		tracer, _, _ = observability.NewTracer(observability.TraceConfig{})
	}
	return &TurnRunner{
		stores:    stores,
		registry:  registry,
		assembler: assembler,
		extractor: extractor,
		logger:    logger,
		metrics:   metrics,
		tracer:    tracer,
		cfg:       cfg.withDefaults(),
	}
}

// turnState is the per-turn working set shared between the stream loop and
// the artifact sub-generations.
type turnState struct {
	emitter  *Emitter
	machine  *stateless.StateMachine
	provider provider.LLMProvider

	conv      *models.Conversation
	userMsg   *models.Message
	utterance string
	firstTurn bool

	model       string
	maxTokens   int
	temperature float32
	topP        float32

	system   string
	tools    []provider.ToolDef
	messages []provider.CompletionMessage

	text        strings.Builder
	roundText   strings.Builder
	toolCalls   []models.ToolCall
	toolResults []models.ToolResult
	usage       *models.Usage
	started     time.Time
}

// Run executes one turn. Failures before the stream opens are returned as
// errors so the transport can answer with a plain status; everything after
// is communicated on the event channel.
func (r *TurnRunner) Run(ctx context.Context, req Request) (*Turn, error) {
	if strings.TrimSpace(req.Content) == "" {
		return nil, fmt.Errorf("empty message")
	}

	turn := &turnState{
		emitter:   NewEmitter(),
		machine:   newTurnMachine(),
		utterance: req.Content,
		maxTokens: r.cfg.MaxTokens,
		started:   time.Now(),
	}

	conv, err := r.ensureConversation(ctx, &req)
	if err != nil {
		return nil, err
	}
	turn.conv = conv
	ctx = observability.WithContext(ctx, "", req.TenantID, req.UserID, conv.ID)

	assembled, err := r.assembler.Assemble(ctx, prompt.Input{
		AgentID:   conv.AgentID,
		UserID:    req.UserID,
		TenantID:  req.TenantID,
		Utterance: req.Content,
	})
	if err != nil {
		return nil, fmt.Errorf("assemble context: %w", err)
	}
	turn.system = assembled.System
	if assembled.ArtifactsEnabled {
		turn.tools = []provider.ToolDef{artifactToolDef()}
	}

	turn.model = conv.Model
	if req.Model != "" {
		turn.model = req.Model
	}
	providerName := ""
	if assembled.Agent != nil {
		providerName = assembled.Agent.Provider
		if turn.model == "" {
			turn.model = assembled.Agent.Model
		}
		if assembled.Agent.MaxTokens > 0 {
			turn.maxTokens = assembled.Agent.MaxTokens
		}
		turn.temperature = assembled.Agent.Temperature
		turn.topP = assembled.Agent.TopP
	}
	if turn.model == "" {
		turn.model = r.cfg.DefaultModel
	}
	turn.provider, err = r.registry.ForModel(providerName, turn.model)
	if err != nil {
		return nil, fmt.Errorf("resolve provider: %w", err)
	}

	history, err := r.loadHistory(ctx, conv, req)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	turn.firstTurn = len(history) == 0
	turn.messages = history

	userMsg := &models.Message{
		ID:              uuid.NewString(),
		ConversationID:  conv.ID,
		TenantID:        req.TenantID,
		Role:            models.RoleUser,
		Content:         req.Content,
		ParentMessageID: req.ParentMessageID,
		CreatedAt:       time.Now(),
	}
	if err := r.stores.Messages.Append(ctx, userMsg); err != nil {
		return nil, fmt.Errorf("persist user message: %w", err)
	}
	turn.userMsg = userMsg
	turn.messages = append(turn.messages, provider.CompletionMessage{
		Role:    string(models.RoleUser),
		Content: req.Content,
	})

	go r.runStream(context.WithoutCancel(ctx), turn)

	return &Turn{ConversationID: conv.ID, Events: turn.emitter.Events()}, nil
}

// ensureConversation loads or creates the conversation for the request.
// New conversations get a fallback title from the utterance.
func (r *TurnRunner) ensureConversation(ctx context.Context, req *Request) (*models.Conversation, error) {
	if req.ConversationID != "" {
		conv, err := r.stores.Conversations.Get(ctx, req.ConversationID, req.TenantID)
		if err != nil {
			return nil, fmt.Errorf("load conversation: %w", err)
		}
		// A conversation id belonging to another user in the same tenant
		// must look identical to a missing one.
		if conv.UserID != req.UserID {
			return nil, fmt.Errorf("load conversation: %w", store.ErrNotFound)
		}
		return conv, nil
	}

	conv := &models.Conversation{
		ID:        uuid.NewString(),
		TenantID:  req.TenantID,
		UserID:    req.UserID,
		AgentID:   req.AgentID,
		Model:     req.Model,
		Title:     fallbackTitle(req.Content),
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := r.stores.Conversations.Create(ctx, conv); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return conv, nil
}

// fallbackTitle derives the synchronous title from the first utterance,
// truncated on a rune boundary.
func fallbackTitle(content string) string {
	content = strings.TrimSpace(content)
	runes := []rune(content)
	if len(runes) <= store.TitleMaxLen {
		return content
	}
	return string(runes[:store.TitleMaxLen])
}

// loadHistory builds the provider message history for this turn. With a
// parent message id only the selected branch is replayed.
func (r *TurnRunner) loadHistory(ctx context.Context, conv *models.Conversation, req Request) ([]provider.CompletionMessage, error) {
	stored, err := r.stores.Messages.List(ctx, conv.ID, req.TenantID, 0)
	if err != nil {
		return nil, err
	}
	if req.ParentMessageID != "" {
		stored = store.Thread(stored, req.ParentMessageID)
	}

	history := make([]provider.CompletionMessage, 0, len(stored))
	for _, m := range stored {
		history = append(history, provider.CompletionMessage{
			Role:        string(m.Role),
			Content:     m.Content,
			ToolCalls:   m.ToolCalls,
			ToolResults: m.ToolResults,
		})
	}
	return history, nil
}

// runStream drives the provider stream to a terminal state. ctx is
// detached from the request so the turn survives client disconnects;
// correlation values ride along.
func (r *TurnRunner) runStream(ctx context.Context, turn *turnState) {
	ctx, span := r.tracer.TraceTurn(ctx, turn.conv.ID, turn.model)
	defer span.End()

	if err := turn.machine.Fire(triggerStream); err != nil {
		r.tracer.RecordError(span, err)
		r.fail(ctx, turn, err, "internal")
		return
	}

	for round := 0; ; round++ {
		calls, err := r.streamOnce(ctx, turn)
		if err != nil {
			r.tracer.RecordError(span, err)
			r.fail(ctx, turn, err, string(provider.ClassifyError(err)))
			return
		}
		if len(calls) == 0 {
			break
		}
		if round >= r.cfg.MaxToolRounds {
			r.logger.Warn(ctx, "tool round limit reached", "rounds", round)
			break
		}
		if err := turn.machine.Fire(triggerToolCalls); err != nil {
			r.fail(ctx, turn, err, "internal")
			return
		}
		r.executeToolCalls(ctx, turn, calls)
		if err := turn.machine.Fire(triggerToolsDone); err != nil {
			r.fail(ctx, turn, err, "internal")
			return
		}
	}

	if err := turn.machine.Fire(triggerComplete); err != nil {
		r.fail(ctx, turn, err, "internal")
		return
	}
	r.finalize(ctx, turn)
}

// streamOnce runs one completion call, forwarding text deltas and
// collecting tool calls. Returns the tool calls requested by the model.
func (r *TurnRunner) streamOnce(ctx context.Context, turn *turnState) ([]models.ToolCall, error) {
	ctx, span := r.tracer.TraceLLMRequest(ctx, turn.provider.Name(), turn.model)
	defer span.End()

	req := &provider.CompletionRequest{
		Model:       turn.model,
		System:      turn.system,
		Messages:    turn.messages,
		Tools:       turn.tools,
		MaxTokens:   turn.maxTokens,
		Temperature: turn.temperature,
		TopP:        turn.topP,
	}

	chunks, err := turn.provider.Complete(ctx, req)
	if err != nil {
		r.tracer.RecordError(span, err)
		r.metrics.LLMRequestCounter.WithLabelValues(turn.provider.Name(), turn.model, "error").Inc()
		return nil, err
	}

	var calls []models.ToolCall
	for chunk := range chunks {
		switch {
		case chunk.Error != nil:
			r.tracer.RecordError(span, chunk.Error)
			r.metrics.LLMRequestCounter.WithLabelValues(turn.provider.Name(), turn.model, "error").Inc()
			return nil, chunk.Error
		case chunk.ToolCall != nil:
			calls = append(calls, *chunk.ToolCall)
		case chunk.Text != "":
			turn.text.WriteString(chunk.Text)
			turn.roundText.WriteString(chunk.Text)
			turn.emitter.TextDelta(chunk.Text)
			r.metrics.EventsEmitted.WithLabelValues(string(models.EventTextDelta)).Inc()
		}
		if chunk.Done {
			r.recordUsage(turn, chunk)
		}
	}

	r.metrics.LLMRequestCounter.WithLabelValues(turn.provider.Name(), turn.model, "success").Inc()
	return calls, nil
}

func (r *TurnRunner) recordUsage(turn *turnState, chunk *provider.CompletionChunk) {
	if chunk.InputTokens == 0 && chunk.OutputTokens == 0 {
		return
	}
	if turn.usage == nil {
		turn.usage = &models.Usage{Model: turn.model}
	}
	turn.usage.PromptTokens += chunk.InputTokens
	turn.usage.CompletionTokens += chunk.OutputTokens
	turn.usage.TotalTokens = turn.usage.PromptTokens + turn.usage.CompletionTokens
	r.metrics.LLMTokensUsed.WithLabelValues(turn.provider.Name(), turn.model, "prompt").Add(float64(chunk.InputTokens))
	r.metrics.LLMTokensUsed.WithLabelValues(turn.provider.Name(), turn.model, "completion").Add(float64(chunk.OutputTokens))
}

// executeToolCalls runs every requested tool concurrently and feeds the
// results back into the message history for the continuation call. Each
// artifact sub-generation owns a goroutine; all of them share the turn's
// emitter, which serializes their events.
func (r *TurnRunner) executeToolCalls(ctx context.Context, turn *turnState, calls []models.ToolCall) {
	results := make([]models.ToolResult, len(calls))

	var wg sync.WaitGroup
	for i, call := range calls {
		if call.Name != ArtifactToolName {
			payload := fmt.Sprintf(`{"error": "unknown tool %q"}`, call.Name)
			results[i] = models.ToolResult{ToolCallID: call.ID, Result: []byte(payload), IsError: true}
			continue
		}
		wg.Add(1)
		go func(i int, call models.ToolCall) {
			defer wg.Done()
			results[i] = models.ToolResult{
				ToolCallID: call.ID,
				Result:     r.generateArtifact(ctx, turn, call),
			}
		}(i, call)
	}
	wg.Wait()

	turn.toolCalls = append(turn.toolCalls, calls...)
	turn.toolResults = append(turn.toolResults, results...)

	// Only this round's text goes into the continuation; the turn total
	// keeps accumulating for persistence.
	turn.messages = append(turn.messages, provider.CompletionMessage{
		Role:      string(models.RoleAssistant),
		Content:   turn.roundText.String(),
		ToolCalls: calls,
	})
	turn.roundText.Reset()
	turn.messages = append(turn.messages, provider.CompletionMessage{
		Role:        string(models.RoleUser),
		ToolResults: results,
	})
}

// finalize persists the assistant message, bumps the conversation, emits
// the terminal finish event, and kicks off the detached post-turn work.
func (r *TurnRunner) finalize(ctx context.Context, turn *turnState) {
	msg := &models.Message{
		ID:              uuid.NewString(),
		ConversationID:  turn.conv.ID,
		TenantID:        turn.conv.TenantID,
		Role:            models.RoleAssistant,
		Content:         turn.text.String(),
		ToolCalls:       turn.toolCalls,
		ToolResults:     turn.toolResults,
		Usage:           turn.usage,
		ParentMessageID: turn.userMsg.ID,
		CreatedAt:       time.Now(),
	}
	if err := r.stores.Messages.Append(ctx, msg); err != nil {
		r.fail(ctx, turn, fmt.Errorf("persist assistant message: %w", err), "storage")
		return
	}
	if err := r.stores.Conversations.Touch(ctx, turn.conv.ID, turn.conv.TenantID); err != nil {
		r.logger.Warn(ctx, "conversation touch failed", "error", err)
	}

	if err := turn.machine.Fire(triggerPersist); err != nil {
		r.logger.Error(ctx, "turn machine persist transition", "error", err)
	}

	turn.emitter.Finish("stop", turn.usage)
	r.metrics.EventsEmitted.WithLabelValues(string(models.EventFinish)).Inc()
	r.metrics.TurnCounter.WithLabelValues("persisted").Inc()
	r.metrics.TurnDuration.WithLabelValues(turn.model).Observe(time.Since(turn.started).Seconds())

	if turn.firstTurn {
		go r.generateTitle(ctx, turn)
	}
	if r.extractor != nil {
		go func() {
			extractCtx, cancel := context.WithTimeout(ctx, r.cfg.ExtractionTimeout)
			defer cancel()
			r.extractor.ExtractFromConversation(extractCtx, turn.conv.ID, turn.conv.TenantID, turn.conv.UserID)
		}()
	}
}

// fail is terminal: emit the error event, count the turn, leave the
// assistant message unpersisted.
func (r *TurnRunner) fail(ctx context.Context, turn *turnState, err error, code string) {
	r.logger.Error(ctx, "turn failed", "error", err)
	if ferr := turn.machine.Fire(triggerFail); ferr != nil {
		r.logger.Error(ctx, "turn machine fail transition", "error", ferr)
	}
	turn.emitter.Error(err.Error(), code)
	r.metrics.EventsEmitted.WithLabelValues(string(models.EventError)).Inc()
	r.metrics.TurnCounter.WithLabelValues("failed").Inc()
}

const titlePrompt = "Write a short title (at most six words) for a conversation that starts with this message. Reply with the title only, no quotes:\n\n"

// generateTitle replaces the fallback title with a short model-generated
// one. Best effort: any failure keeps the fallback.
func (r *TurnRunner) generateTitle(ctx context.Context, turn *turnState) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.TitleTimeout)
	defer cancel()

	chunks, err := turn.provider.Complete(ctx, &provider.CompletionRequest{
		Model:     turn.model,
		Messages:  []provider.CompletionMessage{{Role: string(models.RoleUser), Content: titlePrompt + turn.utterance}},
		MaxTokens: 32,
	})
	if err != nil {
		r.logger.Warn(ctx, "title generation failed", "error", err)
		return
	}

	var sb strings.Builder
	for chunk := range chunks {
		if chunk.Error != nil {
			r.logger.Warn(ctx, "title generation stream error", "error", chunk.Error)
			return
		}
		sb.WriteString(chunk.Text)
	}

	title := strings.Trim(strings.TrimSpace(sb.String()), `"`)
	if title == "" {
		return
	}
	if runes := []rune(title); len(runes) > store.TitleMaxLen {
		title = string(runes[:store.TitleMaxLen])
	}
	if err := r.stores.Conversations.SetTitle(ctx, turn.conv.ID, turn.conv.TenantID, title); err != nil {
		r.logger.Warn(ctx, "title update failed", "error", err)
	}
}
