package collab

import (
	"context"
	"testing"
	"time"

	"github.com/dotsetgreg/presenced/pkg/clock"
	"github.com/dotsetgreg/presenced/pkg/store"
)

type scriptedCompleter struct {
	reply string
	err   error
}

func (s scriptedCompleter) Complete(context.Context, string, string) (string, error) {
	return s.reply, s.err
}

func TestParseAnalysisResponse_StrictJSON(t *testing.T) {
	result, err := parseAnalysisResponse(`{"scalar_deltas":{"volition":0.05},"mood":"bright","notes":["n1"]}`)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if result.ScalarDeltas["volition"] != 0.05 {
		t.Errorf("delta = %v", result.ScalarDeltas["volition"])
	}
	if result.MoodTag != "bright" {
		t.Errorf("mood = %q", result.MoodTag)
	}
}

func TestParseAnalysisResponse_ProseWrapped(t *testing.T) {
	reply := "Sure, here is the analysis:\n{\"scalar_deltas\":{\"flame\":-0.1}}\nHope that helps."
	result, err := parseAnalysisResponse(reply)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if result.ScalarDeltas["flame"] != -0.1 {
		t.Errorf("delta = %v", result.ScalarDeltas["flame"])
	}
}

func TestParseAnalysisResponse_Garbage(t *testing.T) {
	if _, err := parseAnalysisResponse("no json here at all"); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLLMAnalyzer_BatchedWrapsUnavailable(t *testing.T) {
	a := NewLLMAnalyzer(scriptedCompleter{reply: "not json"})
	_, err := a.Batched(context.Background(), "ctx")
	if err == nil {
		t.Fatal("expected error for unparseable analysis")
	}
}

func TestStoreSleeper_PersistsAcrossRestart(t *testing.T) {
	st := store.NewMemory()

	s := NewStoreSleeper(st)
	if s.IsSleeping() {
		t.Fatal("fresh sleeper should be awake")
	}
	if err := s.SetSleeping(true); err != nil {
		t.Fatalf("SetSleeping failed: %v", err)
	}

	// Idempotent re-set does not error.
	if err := s.SetSleeping(true); err != nil {
		t.Fatalf("idempotent SetSleeping failed: %v", err)
	}

	restarted := NewStoreSleeper(st)
	if !restarted.IsSleeping() {
		t.Fatal("sleep flag should survive a restart")
	}
}

func TestTrackedConversation_TailAndRecency(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC), time.UTC)
	conv := NewTrackedConversation(clk)

	if _, ok := conv.LastUserMessageAt(); ok {
		t.Fatal("no user message yet")
	}

	conv.NoteUserMessage("hello")
	clk.Advance(5 * time.Minute)
	conv.AppendAgentMessage("hi there", "send_message")

	at, ok := conv.LastUserMessageAt()
	if !ok {
		t.Fatal("expected a last user message time")
	}
	if got := clk.Now().Sub(at); got != 5*time.Minute {
		t.Errorf("recency = %v, want 5m", got)
	}

	tail := conv.Tail(10)
	if len(tail) != 2 {
		t.Fatalf("tail length = %d, want 2", len(tail))
	}
	if tail[0] != "user: hello" {
		t.Errorf("tail[0] = %q", tail[0])
	}
}
