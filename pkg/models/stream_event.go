package models

import "time"

// StreamEvent is the unified event model for the turn's outbound channel.
// One ordered channel carries the primary text stream and every artifact
// sub-stream, multiplexed.
//
// Design principles:
//   - Versioned and forward-compatible (add fields, don't rename/remove)
//   - Single Type discriminator with exactly one non-nil payload pointer
//   - Monotonic Seq for ordering guarantees across concurrent producers
type StreamEvent struct {
	// Version for forward compatibility. Current version: 1.
	Version int `json:"version"`

	// Type identifies the kind of event.
	Type StreamEventType `json:"type"`

	// Time is when the event was emitted.
	Time time.Time `json:"time"`

	// Seq is monotonic within a turn. Consumers may use it to detect drops
	// but must not reorder: wire order is authoritative.
	Seq uint64 `json:"seq"`

	// Exactly one payload is non-nil for a given Type.
	TextDelta        *TextDeltaPayload        `json:"text_delta,omitempty"`
	ArtifactMetadata *ArtifactMetadataPayload `json:"artifact_metadata,omitempty"`
	ArtifactDelta    *ArtifactDeltaPayload    `json:"artifact_delta,omitempty"`
	ArtifactComplete *ArtifactCompletePayload `json:"artifact_complete,omitempty"`
	Finish           *FinishPayload           `json:"finish,omitempty"`
	Error            *StreamErrorPayload      `json:"error,omitempty"`
}

// StreamEventType identifies the kind of stream event.
type StreamEventType string

const (
	// EventTextDelta carries an incremental fragment of the assistant text.
	// Concatenation order equals arrival order.
	EventTextDelta StreamEventType = "text-delta"

	// EventArtifactMetadata announces an artifact. Emitted exactly once per
	// artifact id, strictly before any delta carrying the same id.
	EventArtifactMetadata StreamEventType = "artifact-metadata"

	// EventArtifactDelta carries an incremental content fragment for one
	// artifact id. Consumers must append, never replace.
	EventArtifactDelta StreamEventType = "artifact-delta"

	// EventArtifactComplete terminates one artifact id and carries the
	// fully-materialized artifact object.
	EventArtifactComplete StreamEventType = "artifact-complete"

	// EventFinish terminates the whole turn. Always the last event.
	EventFinish StreamEventType = "finish"

	// EventError is terminal for the turn when the primary stream fails
	// after the channel has opened.
	EventError StreamEventType = "error"
)

// TextDeltaPayload is an incremental fragment of the assistant message
// being built for this turn.
type TextDeltaPayload struct {
	Text string `json:"text"`
}

// ArtifactMetadataPayload announces an artifact before any content exists,
// so clients can open a side panel immediately.
type ArtifactMetadataPayload struct {
	ID    string       `json:"id"`
	Title string       `json:"title"`
	Kind  ArtifactKind `json:"kind"`
}

// ArtifactDeltaPayload is an incremental content fragment for one artifact.
type ArtifactDeltaPayload struct {
	ID      string `json:"id"`
	Content string `json:"content"`
}

// ArtifactCompletePayload is terminal for one artifact id.
type ArtifactCompletePayload struct {
	ID       string   `json:"id"`
	Artifact Artifact `json:"artifact"`
}

// FinishPayload is terminal for the whole turn.
type FinishPayload struct {
	FinishReason string `json:"finish_reason"`
	Usage        *Usage `json:"usage,omitempty"`
}

// StreamErrorPayload standardizes mid-stream failures. Anything after the
// stream opens is communicated this way, never by silently closing.
type StreamErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}
