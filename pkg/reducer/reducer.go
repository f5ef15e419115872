// Package reducer applies a turn's stream events to client-side state.
//
// Every event is routed to a mailbox keyed by its logical target (the
// assistant message for text, the artifact id for artifact events). One
// goroutine owns each mailbox, so no two applies for the same target ever
// run concurrently and fragment order is preserved by construction.
// Overlapping mutations on a shared target are the known failure mode this
// layout exists to rule out.
package reducer

import (
	"fmt"
	"sync"

	"github.com/kindredco/kindred/pkg/models"
)

const mailboxBuffer = 128

// messageKey routes events that target the single assistant message under
// construction (text deltas and turn-level terminals).
const messageKey = "message"

// ArtifactState is the client-side view of one artifact sub-stream.
type ArtifactState struct {
	ID       string
	Title    string
	Kind     models.ArtifactKind
	Content  string
	Complete bool
}

// Reducer folds stream events into renderable state.
type Reducer struct {
	onError func(error)

	mu        sync.Mutex
	mailboxes map[string]chan models.StreamEvent
	wg        sync.WaitGroup
	closed    bool

	state struct {
		sync.Mutex
		text         string
		artifacts    map[string]*ArtifactState
		finishReason string
		usage        *models.Usage
		streamErr    error
	}
}

// New creates a reducer. onError receives contract violations (a delta for
// an unannounced artifact id, a duplicate announcement) and may be nil.
func New(onError func(error)) *Reducer {
	r := &Reducer{
		onError:   onError,
		mailboxes: make(map[string]chan models.StreamEvent),
	}
	r.state.artifacts = make(map[string]*ArtifactState)
	return r
}

// Apply routes one event to its target's mailbox. Events for the same
// target are applied in the order Apply received them.
func (r *Reducer) Apply(ev models.StreamEvent) {
	r.mailbox(targetKey(ev)) <- ev
}

func targetKey(ev models.StreamEvent) string {
	switch ev.Type {
	case models.EventArtifactMetadata:
		return ev.ArtifactMetadata.ID
	case models.EventArtifactDelta:
		return ev.ArtifactDelta.ID
	case models.EventArtifactComplete:
		return ev.ArtifactComplete.ID
	default:
		return messageKey
	}
}

func (r *Reducer) mailbox(key string) chan models.StreamEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		panic("reducer: Apply after Wait")
	}
	ch, ok := r.mailboxes[key]
	if !ok {
		ch = make(chan models.StreamEvent, mailboxBuffer)
		r.mailboxes[key] = ch
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			for ev := range ch {
				r.apply(ev)
			}
		}()
	}
	return ch
}

// apply is a single atomic state transition. Per-target ordering is
// guaranteed by the mailbox; the lock only shields cross-target map access
// and snapshot reads.
func (r *Reducer) apply(ev models.StreamEvent) {
	r.state.Lock()
	defer r.state.Unlock()

	switch ev.Type {
	case models.EventTextDelta:
		r.state.text += ev.TextDelta.Text

	case models.EventArtifactMetadata:
		p := ev.ArtifactMetadata
		if _, exists := r.state.artifacts[p.ID]; exists {
			r.violation(fmt.Errorf("duplicate artifact-metadata for id %s", p.ID))
			return
		}
		r.state.artifacts[p.ID] = &ArtifactState{ID: p.ID, Title: p.Title, Kind: p.Kind}

	case models.EventArtifactDelta:
		p := ev.ArtifactDelta
		art, ok := r.state.artifacts[p.ID]
		if !ok {
			r.violation(fmt.Errorf("artifact-delta before artifact-metadata for id %s", p.ID))
			return
		}
		if art.Complete {
			r.violation(fmt.Errorf("artifact-delta after artifact-complete for id %s", p.ID))
			return
		}
		art.Content += p.Content

	case models.EventArtifactComplete:
		p := ev.ArtifactComplete
		art, ok := r.state.artifacts[p.ID]
		if !ok {
			r.violation(fmt.Errorf("artifact-complete for unknown id %s", p.ID))
			return
		}
		if art.Complete {
			r.violation(fmt.Errorf("duplicate artifact-complete for id %s", p.ID))
			return
		}
		art.Complete = true
		art.Title = p.Artifact.Title
		art.Kind = p.Artifact.Kind
		art.Content = p.Artifact.Content

	case models.EventFinish:
		r.state.finishReason = ev.Finish.FinishReason
		r.state.usage = ev.Finish.Usage

	case models.EventError:
		r.state.streamErr = fmt.Errorf("stream error (%s): %s", ev.Error.Code, ev.Error.Message)

	default:
		r.violation(fmt.Errorf("unknown event type %q", ev.Type))
	}
}

func (r *Reducer) violation(err error) {
	if r.onError != nil {
		r.onError(err)
	}
}

// Wait drains every mailbox. Apply must not be called afterwards.
func (r *Reducer) Wait() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		for _, ch := range r.mailboxes {
			close(ch)
		}
	}
	r.mu.Unlock()
	r.wg.Wait()
}

// Text returns the assistant text accumulated so far.
func (r *Reducer) Text() string {
	r.state.Lock()
	defer r.state.Unlock()
	return r.state.text
}

// Artifact returns the state of one artifact id.
func (r *Reducer) Artifact(id string) (ArtifactState, bool) {
	r.state.Lock()
	defer r.state.Unlock()
	art, ok := r.state.artifacts[id]
	if !ok {
		return ArtifactState{}, false
	}
	return *art, true
}

// Artifacts returns a snapshot of every artifact seen this turn.
func (r *Reducer) Artifacts() []ArtifactState {
	r.state.Lock()
	defer r.state.Unlock()
	out := make([]ArtifactState, 0, len(r.state.artifacts))
	for _, art := range r.state.artifacts {
		out = append(out, *art)
	}
	return out
}

// FinishReason reports the terminal finish reason, empty while streaming.
func (r *Reducer) FinishReason() string {
	r.state.Lock()
	defer r.state.Unlock()
	return r.state.finishReason
}

// Usage reports the turn's token accounting, nil until finish.
func (r *Reducer) Usage() *models.Usage {
	r.state.Lock()
	defer r.state.Unlock()
	return r.state.usage
}

// Err reports the terminal stream error, nil on clean finishes.
func (r *Reducer) Err() error {
	r.state.Lock()
	defer r.state.Unlock()
	return r.state.streamErr
}
