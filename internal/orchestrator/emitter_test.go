package orchestrator

import (
	"sync"
	"testing"

	"github.com/kindredco/kindred/pkg/models"
)

func TestEmitterSeqMatchesWireOrder(t *testing.T) {
	e := NewEmitter()

	const producers = 8
	const perProducer = 50

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				e.TextDelta("x")
			}
		}()
	}
	go func() {
		wg.Wait()
		e.Finish("stop", nil)
	}()

	var last uint64
	count := 0
	for ev := range e.Events() {
		if ev.Seq != last+1 {
			t.Fatalf("seq jumped from %d to %d", last, ev.Seq)
		}
		last = ev.Seq
		count++
	}
	if count != producers*perProducer+1 {
		t.Fatalf("event count = %d, want %d", count, producers*perProducer+1)
	}
}

func TestEmitterDropsAfterClose(t *testing.T) {
	e := NewEmitter()
	go func() {
		for range e.Events() {
		}
	}()
	e.Error("boom", "internal")
	e.TextDelta("late")
	e.ArtifactDelta("a1", "late")

	if got := e.Dropped(); got != 2 {
		t.Fatalf("Dropped() = %d, want 2", got)
	}
}

func TestEmitterTerminalEventCloses(t *testing.T) {
	e := NewEmitter()
	e.Finish("stop", &models.Usage{TotalTokens: 3})

	var events []models.StreamEvent
	for ev := range e.Events() {
		events = append(events, ev)
	}
	if len(events) != 1 {
		t.Fatalf("event count = %d, want 1", len(events))
	}
	if events[0].Type != models.EventFinish || events[0].Finish.Usage.TotalTokens != 3 {
		t.Fatalf("unexpected terminal event %+v", events[0])
	}
}
