package orchestrator

import (
	"sync"
	"time"

	"github.com/kindredco/kindred/pkg/models"
)

// defaultEventBuffer sizes the outbound event channel. A slow consumer
// briefly backpressures producers instead of dropping events.
const defaultEventBuffer = 256

// Emitter serializes stream events from concurrent producers onto one
// ordered channel with monotonic sequence numbers.
//
// The primary text stream and every artifact sub-generation goroutine send
// through the same emitter; the mutex defines the single wire order the
// client reducer replays. After Close, sends are counted as dropped rather
// than blocking or panicking, which covers the window where a sub-stream
// outlives a failed turn.
type Emitter struct {
	mu      sync.Mutex
	events  chan models.StreamEvent
	seq     uint64
	closed  bool
	dropped uint64
}

// NewEmitter creates an emitter with the default buffer.
func NewEmitter() *Emitter {
	return &Emitter{events: make(chan models.StreamEvent, defaultEventBuffer)}
}

// Events returns the outbound channel. It closes after the terminal finish
// or error event.
func (e *Emitter) Events() <-chan models.StreamEvent {
	return e.events
}

// Dropped reports events discarded after close.
func (e *Emitter) Dropped() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dropped
}

func (e *Emitter) send(event models.StreamEvent) {
	e.mu.Lock()
	if e.closed {
		e.dropped++
		e.mu.Unlock()
		return
	}
	e.seq++
	event.Version = 1
	event.Seq = e.seq
	event.Time = time.Now()
	// Held across the channel send so seq order equals wire order.
	e.events <- event
	e.mu.Unlock()
}

func (e *Emitter) close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	close(e.events)
}

// TextDelta emits an incremental fragment of the assistant text.
func (e *Emitter) TextDelta(text string) {
	e.send(models.StreamEvent{
		Type:      models.EventTextDelta,
		TextDelta: &models.TextDeltaPayload{Text: text},
	})
}

// ArtifactMetadata announces an artifact before any of its deltas.
func (e *Emitter) ArtifactMetadata(id, title string, kind models.ArtifactKind) {
	e.send(models.StreamEvent{
		Type:             models.EventArtifactMetadata,
		ArtifactMetadata: &models.ArtifactMetadataPayload{ID: id, Title: title, Kind: kind},
	})
}

// ArtifactDelta emits an incremental content fragment for one artifact.
func (e *Emitter) ArtifactDelta(id, content string) {
	e.send(models.StreamEvent{
		Type:          models.EventArtifactDelta,
		ArtifactDelta: &models.ArtifactDeltaPayload{ID: id, Content: content},
	})
}

// ArtifactComplete terminates one artifact id with its final object.
func (e *Emitter) ArtifactComplete(id string, artifact models.Artifact) {
	e.send(models.StreamEvent{
		Type:             models.EventArtifactComplete,
		ArtifactComplete: &models.ArtifactCompletePayload{ID: id, Artifact: artifact},
	})
}

// Finish emits the terminal event for the turn and closes the channel.
func (e *Emitter) Finish(reason string, usage *models.Usage) {
	e.send(models.StreamEvent{
		Type:   models.EventFinish,
		Finish: &models.FinishPayload{FinishReason: reason, Usage: usage},
	})
	e.close()
}

// Error emits a terminal error event and closes the channel.
func (e *Emitter) Error(message, code string) {
	e.send(models.StreamEvent{
		Type:  models.EventError,
		Error: &models.StreamErrorPayload{Message: message, Code: code},
	})
	e.close()
}
