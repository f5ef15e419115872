package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf16"

	"github.com/google/uuid"
	invopop "github.com/invopop/jsonschema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/kindredco/kindred/internal/provider"
	"github.com/kindredco/kindred/pkg/models"
)

// ArtifactToolName is the tool the primary model calls to open a
// sub-generation.
const ArtifactToolName = "create_artifact"

// ArtifactToolArgs are the arguments the primary model supplies when
// invoking the artifact tool. The full content comes from the nested
// generation, not from these arguments.
type ArtifactToolArgs struct {
	Title string `json:"title" jsonschema:"description=Short descriptive title for the artifact"`
	Kind  string `json:"kind" jsonschema:"enum=text,enum=code,enum=html,enum=react,description=The artifact kind"`
	Brief string `json:"brief" jsonschema:"description=One or two sentences describing what the artifact should contain"`
}

// artifactToolDef builds the tool definition offered to the primary model.
func artifactToolDef() provider.ToolDef {
	reflector := invopop.Reflector{DoNotReference: true}
	schema := reflector.Reflect(&ArtifactToolArgs{})
	schema.Version = ""
	raw, _ := json.Marshal(schema)
	return provider.ToolDef{
		Name:        ArtifactToolName,
		Description: "Create a standalone artifact (document, code file, or web snippet) shown to the user in a side panel. Use for any substantial self-contained output instead of inlining it in chat.",
		Schema:      raw,
	}
}

// artifactObjectSchema validates the final object produced by the nested
// generation.
var artifactObjectSchema = jsonschema.MustCompileString("artifact.json", `{
	"type": "object",
	"properties": {
		"title": {"type": "string", "minLength": 1},
		"kind": {"type": "string", "enum": ["text", "code", "html", "react"]},
		"content": {"type": "string"},
		"language": {"type": "string"}
	},
	"required": ["title", "kind", "content"]
}`)

const artifactSystemPrompt = `You generate a single artifact as a JSON object with this exact shape:
{"title": string, "kind": "text"|"code"|"html"|"react", "content": string, "language": string (optional, for code)}

Write the complete artifact body into the "content" field. Emit only the JSON object.`

// generateArtifact runs one nested structured generation for a tool call.
//
// The metadata event goes out before the sub-stream starts so the client
// can open its panel immediately. Content deltas are extracted from the
// growing partial JSON and re-emitted under the artifact id. Any failure
// degrades to completing the artifact with whatever content accumulated;
// the primary turn never aborts from here.
func (r *TurnRunner) generateArtifact(ctx context.Context, turn *turnState, call models.ToolCall) json.RawMessage {
	var args ArtifactToolArgs
	if err := json.Unmarshal(call.Arguments, &args); err != nil {
		r.logger.Warn(ctx, "artifact tool call with bad arguments", "error", err)
		args = ArtifactToolArgs{}
	}
	if args.Title == "" {
		args.Title = "Untitled"
	}
	kind := models.ArtifactKind(args.Kind)
	if !models.ValidArtifactKind(kind) {
		kind = models.ArtifactText
	}

	artifactID := uuid.NewString()
	ctx, span := r.tracer.TraceArtifact(ctx, artifactID, string(kind))
	defer span.End()

	turn.emitter.ArtifactMetadata(artifactID, args.Title, kind)
	r.metrics.EventsEmitted.WithLabelValues(string(models.EventArtifactMetadata)).Inc()

	artifact, status := r.runSubGeneration(ctx, turn, artifactID, args, kind)
	turn.emitter.ArtifactComplete(artifactID, artifact)
	r.metrics.EventsEmitted.WithLabelValues(string(models.EventArtifactComplete)).Inc()
	r.metrics.ArtifactCounter.WithLabelValues(string(artifact.Kind), status).Inc()

	result, _ := json.Marshal(map[string]any{
		"id":       artifactID,
		"title":    artifact.Title,
		"kind":     artifact.Kind,
		"content":  artifact.Content,
		"language": artifact.Language,
	})
	return result
}

// runSubGeneration drives the nested JSON-mode completion and returns the
// final artifact, degraded to partial content on failure.
func (r *TurnRunner) runSubGeneration(ctx context.Context, turn *turnState, artifactID string, args ArtifactToolArgs, kind models.ArtifactKind) (models.Artifact, string) {
	fallback := models.Artifact{
		ID:    artifactID,
		Title: args.Title,
		Kind:  kind,
	}

	prompt := fmt.Sprintf("Create a %s artifact titled %q.", kind, args.Title)
	if args.Brief != "" {
		prompt += " " + args.Brief
	}
	if turn.utterance != "" {
		prompt += "\n\nThe user's request was: " + turn.utterance
	}

	req := &provider.CompletionRequest{
		Model:        turn.model,
		System:       artifactSystemPrompt,
		Messages:     []provider.CompletionMessage{{Role: "user", Content: prompt}},
		MaxTokens:    turn.maxTokens,
		JSONResponse: true,
	}

	chunks, err := turn.provider.Complete(ctx, req)
	if err != nil {
		r.logger.Warn(ctx, "artifact sub-generation failed to start", "artifact_id", artifactID, "error", err)
		return fallback, "failed"
	}

	scanner := newContentScanner()
	var raw strings.Builder
	for chunk := range chunks {
		if chunk.Error != nil {
			r.logger.Warn(ctx, "artifact sub-generation stream error", "artifact_id", artifactID, "error", chunk.Error)
			fallback.Content = scanner.Content()
			return fallback, "partial"
		}
		if chunk.Text != "" {
			raw.WriteString(chunk.Text)
			if delta := scanner.Feed(chunk.Text); delta != "" {
				turn.emitter.ArtifactDelta(artifactID, delta)
				r.metrics.EventsEmitted.WithLabelValues(string(models.EventArtifactDelta)).Inc()
			}
		}
		if chunk.Done {
			break
		}
	}

	final, err := parseArtifactObject(raw.String())
	if err != nil {
		r.logger.Warn(ctx, "artifact sub-generation returned malformed object", "artifact_id", artifactID, "error", err)
		fallback.Content = scanner.Content()
		return fallback, "partial"
	}

	final.ID = artifactID
	if final.Title == "" {
		final.Title = args.Title
	}
	return final, "complete"
}

// parseArtifactObject decodes and schema-validates the final JSON object.
func parseArtifactObject(raw string) (models.Artifact, error) {
	raw = strings.TrimSpace(raw)

	var generic any
	if err := json.Unmarshal([]byte(raw), &generic); err != nil {
		return models.Artifact{}, fmt.Errorf("decode artifact object: %w", err)
	}
	if err := artifactObjectSchema.Validate(generic); err != nil {
		return models.Artifact{}, fmt.Errorf("artifact object failed validation: %w", err)
	}

	var artifact models.Artifact
	if err := json.Unmarshal([]byte(raw), &artifact); err != nil {
		return models.Artifact{}, err
	}
	return artifact, nil
}

// contentScanner incrementally extracts the decoded value of the top-level
// "content" string from a growing, possibly incomplete JSON object.
//
// Feed re-scans the accumulated buffer with a minimal JSON tokenizer
// (tracking nesting depth, key/value position, and string escapes) and
// returns only the newly decoded suffix, so each fragment of model output
// maps to at most one artifact-delta. A trailing incomplete escape
// sequence is withheld until the next fragment completes it.
type contentScanner struct {
	raw     strings.Builder
	emitted string
}

func newContentScanner() *contentScanner {
	return &contentScanner{}
}

// Feed appends a fragment and returns the newly available decoded content.
func (s *contentScanner) Feed(fragment string) string {
	s.raw.WriteString(fragment)
	decoded := extractContentValue(s.raw.String())
	if len(decoded) <= len(s.emitted) {
		return ""
	}
	delta := decoded[len(s.emitted):]
	s.emitted = decoded
	return delta
}

// Content returns everything decoded so far.
func (s *contentScanner) Content() string {
	return s.emitted
}

// extractContentValue walks the buffer and decodes the value of the
// top-level "content" key up to the closing quote or the end of input.
func extractContentValue(raw string) string {
	depth := 0
	inString := false
	escaped := false
	expectKey := false
	var currentToken strings.Builder
	tokenIsKey := false
	contentNext := false

	for i := 0; i < len(raw); i++ {
		c := raw[i]

		if inString {
			if escaped {
				escaped = false
				continue
			}
			switch c {
			case '\\':
				escaped = true
			case '"':
				inString = false
			}
			currentToken.WriteByte(c)
			if !inString && tokenIsKey && depth == 1 {
				contentNext = currentToken.String() == `"content"`
			}
			continue
		}

		switch c {
		case '{':
			depth++
			expectKey = true
		case '}':
			depth--
			expectKey = false
		case '[':
			depth++
			expectKey = false
		case ']':
			depth--
		case ',':
			expectKey = depth == 1
		case ':':
			expectKey = false
		case '"':
			inString = true
			escaped = false
			currentToken.Reset()
			currentToken.WriteByte(c)
			tokenIsKey = expectKey
			if !tokenIsKey && contentNext && depth == 1 {
				// This is the content value; decode from here to the
				// closing quote or end of buffer.
				return decodeStringPrefix(raw[i+1:])
			}
		}
	}
	return ""
}

// decodeStringPrefix decodes a JSON string body that may be unterminated,
// stopping at the closing quote or before a trailing incomplete escape.
func decodeStringPrefix(body string) string {
	var out strings.Builder
	for i := 0; i < len(body); i++ {
		c := body[i]
		switch c {
		case '"':
			return out.String()
		case '\\':
			if i+1 >= len(body) {
				return out.String() // incomplete escape, wait for more
			}
			i++
			switch body[i] {
			case '"':
				out.WriteByte('"')
			case '\\':
				out.WriteByte('\\')
			case '/':
				out.WriteByte('/')
			case 'n':
				out.WriteByte('\n')
			case 't':
				out.WriteByte('\t')
			case 'r':
				out.WriteByte('\r')
			case 'b':
				out.WriteByte('\b')
			case 'f':
				out.WriteByte('\f')
			case 'u':
				if i+4 >= len(body) {
					return out.String()
				}
				var code uint32
				if _, err := fmt.Sscanf(body[i+1:i+5], "%04x", &code); err != nil {
					i += 4
					continue
				}
				r := rune(code)
				if utf16.IsSurrogate(r) {
					// Need the low surrogate too.
					if i+10 < len(body) && body[i+5] == '\\' && body[i+6] == 'u' {
						var low uint32
						if _, err := fmt.Sscanf(body[i+7:i+11], "%04x", &low); err == nil {
							out.WriteRune(utf16.DecodeRune(r, rune(low)))
							i += 10
							continue
						}
					}
					return out.String() // incomplete surrogate pair
				}
				out.WriteRune(r)
				i += 4
			}
		default:
			out.WriteByte(c)
		}
	}
	return out.String()
}
