package decay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dotsetgreg/presenced/pkg/clock"
	"github.com/dotsetgreg/presenced/pkg/collab"
	"github.com/dotsetgreg/presenced/pkg/impulse"
	"github.com/dotsetgreg/presenced/pkg/scalar"
	"github.com/dotsetgreg/presenced/pkg/store"

	"math/rand"
)

type fakeAnalyzer struct {
	batched   collab.AnalysisResult
	batchErr  error
	evolution collab.AnalysisResult

	batchedCalls   int
	evolutionCalls int
}

func (f *fakeAnalyzer) Batched(context.Context, string) (collab.AnalysisResult, error) {
	f.batchedCalls++
	return f.batched, f.batchErr
}

func (f *fakeAnalyzer) Evolution(context.Context, string) (collab.AnalysisResult, error) {
	f.evolutionCalls++
	return f.evolution, nil
}

func (f *fakeAnalyzer) Contemplate(context.Context, string) (string, error) { return "", nil }
func (f *fakeAnalyzer) OrganizeMemories(context.Context, string) error      { return nil }

type fakeDecayer struct {
	name  string
	n     int
	err   error
	calls int
}

func (f *fakeDecayer) Name() string { return f.name }
func (f *fakeDecayer) Decay(context.Context) (int, error) {
	f.calls++
	return f.n, f.err
}

type fakeChecker struct{ calls int }

func (f *fakeChecker) Check(context.Context) { f.calls++ }

var testStart = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type loopFixture struct {
	clk      *clock.Fake
	st       *store.Memory
	scalars  *scalar.State
	analyzer *fakeAnalyzer
	checker  *fakeChecker
	conv     *collab.TrackedConversation
	loop     *Loop
}

func newFixture(t *testing.T, analyzer *fakeAnalyzer, decayers []collab.Decayer, cfg Config) *loopFixture {
	t.Helper()
	clk := clock.NewFake(testStart, time.UTC)
	st := store.NewMemory()
	scalars := scalar.NewState(scalar.DefaultDefinitions())
	impulses := impulse.NewEngine(clk, st, rand.New(rand.NewSource(1)), 3, 5)
	conv := collab.NewTrackedConversation(clk)
	checker := &fakeChecker{}

	loop, err := NewLoop(clk, st, scalars, impulses, analyzer, decayers, conv, checker, cfg)
	if err != nil {
		t.Fatalf("NewLoop failed: %v", err)
	}
	return &loopFixture{clk: clk, st: st, scalars: scalars, analyzer: analyzer, checker: checker, conv: conv, loop: loop}
}

func TestTick_AdvancesCycleAndPersistsLedger(t *testing.T) {
	f := newFixture(t, &fakeAnalyzer{}, []collab.Decayer{&fakeDecayer{name: "interests", n: 1}}, Config{})

	f.loop.tick(context.Background())
	if f.loop.Cycles() != 1 {
		t.Fatalf("cycles = %d, want 1", f.loop.Cycles())
	}
	if f.loop.LastDecayAt().IsZero() {
		t.Error("last_decay_at should advance when a collaborator touched items")
	}

	reloaded, err := NewLoop(f.clk, f.st, f.scalars, nil, &fakeAnalyzer{}, nil, f.conv, &fakeChecker{}, Config{})
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if reloaded.Cycles() != 1 {
		t.Errorf("cycles lost across reload: %d", reloaded.Cycles())
	}
	if !reloaded.LastDecayAt().Equal(f.loop.LastDecayAt()) {
		t.Error("last_decay_at lost across reload")
	}
}

func TestTick_InvokesProactiveCheckEveryTick(t *testing.T) {
	f := newFixture(t, &fakeAnalyzer{}, nil, Config{})

	for i := 0; i < 3; i++ {
		f.clk.Advance(time.Minute)
		f.loop.tick(context.Background())
	}
	if f.checker.calls != 3 {
		t.Errorf("proactive checks = %d, want 3", f.checker.calls)
	}
}

func TestTick_AnalysisRunsOnInterval(t *testing.T) {
	analyzer := &fakeAnalyzer{batched: collab.AnalysisResult{
		ScalarDeltas: map[string]float64{"volition": 0.05},
		MoodTag:      "restless",
	}}
	f := newFixture(t, analyzer, nil, Config{AnalysisInterval: time.Hour})

	f.loop.tick(context.Background())
	if analyzer.batchedCalls != 0 {
		t.Error("analysis should not run before the interval has elapsed")
	}

	f.clk.Advance(2 * time.Hour)
	f.loop.tick(context.Background())
	if analyzer.batchedCalls != 1 {
		t.Fatalf("batched calls = %d, want 1", analyzer.batchedCalls)
	}
	if mood := f.scalars.Tag("mood"); mood != "restless" {
		t.Errorf("mood tag = %q, analysis result not applied", mood)
	}

	// A fresh analysis resets the interval.
	f.clk.Advance(30 * time.Minute)
	f.loop.tick(context.Background())
	if analyzer.batchedCalls != 1 {
		t.Error("analysis ran again before its interval")
	}
}

// When the analyzer is down last_analysis_at stays put, so the next
// tick retries instead of silently skipping an hour.
func TestTick_AnalysisFailureRetriesNextTick(t *testing.T) {
	analyzer := &fakeAnalyzer{batchErr: collab.ErrUnavailable}
	f := newFixture(t, analyzer, nil, Config{AnalysisInterval: time.Hour})

	f.clk.Advance(2 * time.Hour)
	f.loop.tick(context.Background())
	f.clk.Advance(time.Minute)
	f.loop.tick(context.Background())

	if analyzer.batchedCalls != 2 {
		t.Errorf("batched calls = %d, want a retry on the next tick", analyzer.batchedCalls)
	}
}

func TestTick_SignificantShiftTriggersEvolution(t *testing.T) {
	analyzer := &fakeAnalyzer{batched: collab.AnalysisResult{
		ScalarDeltas: map[string]float64{"volition": 0.1, "trust": 0.05, "flame": 0.08},
		MoodTag:      "electric",
	}}
	f := newFixture(t, analyzer, nil, Config{AnalysisInterval: time.Hour})

	f.clk.Advance(2 * time.Hour)
	f.loop.tick(context.Background())

	if analyzer.evolutionCalls != 1 {
		t.Errorf("evolution calls = %d, want 1", analyzer.evolutionCalls)
	}
}

func TestTick_DecayerErrorDoesNotAbortTick(t *testing.T) {
	broken := &fakeDecayer{name: "desires", err: errors.New("boom")}
	healthy := &fakeDecayer{name: "interests", n: 2}
	f := newFixture(t, &fakeAnalyzer{}, []collab.Decayer{broken, healthy}, Config{})

	f.loop.tick(context.Background())

	if healthy.calls != 1 {
		t.Error("a failing collaborator must not stop the others")
	}
	if f.loop.Cycles() != 1 {
		t.Error("tick should complete despite the collaborator error")
	}
	if f.checker.calls != 1 {
		t.Error("proactive check skipped after collaborator error")
	}
}

func TestNextWait_ActivityTiers(t *testing.T) {
	f := newFixture(t, &fakeAnalyzer{}, nil, Config{
		Active:   IntervalProfile{15 * time.Minute, 30 * time.Minute},
		Moderate: IntervalProfile{25 * time.Minute, 50 * time.Minute},
		Quiet:    IntervalProfile{45 * time.Minute, 90 * time.Minute},
	})

	// No conversation yet: quiet tier.
	if w := f.loop.nextWait(); w < 45*time.Minute || w > 90*time.Minute {
		t.Errorf("quiet wait %v outside [45m,90m]", w)
	}

	f.conv.NoteUserMessage("hello")
	f.clk.Advance(10 * time.Minute)
	if w := f.loop.nextWait(); w < 15*time.Minute || w > 30*time.Minute {
		t.Errorf("active wait %v outside [15m,30m]", w)
	}

	f.clk.Advance(3 * time.Hour)
	if w := f.loop.nextWait(); w < 25*time.Minute || w > 50*time.Minute {
		t.Errorf("moderate wait %v outside [25m,50m]", w)
	}

	f.clk.Advance(12 * time.Hour)
	if w := f.loop.nextWait(); w < 45*time.Minute || w > 90*time.Minute {
		t.Errorf("quiet wait %v outside [45m,90m]", w)
	}
}

// The jitter is keyed on last_decay_at, so two computations at the same
// ledger state agree.
func TestNextWait_StableForSameLedgerState(t *testing.T) {
	f := newFixture(t, &fakeAnalyzer{}, nil, Config{})

	first := f.loop.nextWait()
	second := f.loop.nextWait()
	if first != second {
		t.Errorf("wait not stable: %v vs %v", first, second)
	}
}

func TestSignificance_Scoring(t *testing.T) {
	drift := []scalar.Change{
		{Name: "volition", From: 0.6, To: 0.65},
		{Name: "trust", From: 0.6, To: 0.58},
	}

	score, count := significance(drift, nil, false, 0)
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}
	if score != weightVolition+weightRelationship {
		t.Errorf("score = %v", score)
	}

	score, count = significance(drift, map[string]float64{"flame": 0.1}, true, 3)
	wantScore := weightVolition + weightRelationship + weightPersonality + weightMood + weightInterests
	if score != wantScore {
		t.Errorf("score = %v, want %v", score, wantScore)
	}
	if count != 4 {
		t.Errorf("count = %d, want 4 (three scalars + mood)", count)
	}
}
