package presence

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/dotsetgreg/presenced/pkg/clock"
	"github.com/dotsetgreg/presenced/pkg/collab"
	"github.com/dotsetgreg/presenced/pkg/impulse"
	"github.com/dotsetgreg/presenced/pkg/scalar"
	"github.com/dotsetgreg/presenced/pkg/store"
)

type scriptedDecider struct {
	reply string
	err   error
	calls int
}

func (s *scriptedDecider) Decide(context.Context, string) (string, error) {
	s.calls++
	return s.reply, s.err
}

type recordingExecutor struct {
	mu       sync.Mutex
	executed []Decision
}

func (r *recordingExecutor) Execute(_ context.Context, d Decision) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executed = append(r.executed, d)
}

func (r *recordingExecutor) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.executed)
}

type fakeSleeper struct{ asleep bool }

func (f *fakeSleeper) SetSleeping(v bool) error { f.asleep = v; return nil }
func (f *fakeSleeper) IsSleeping() bool         { return f.asleep }

func newTestLoop(t *testing.T, clk *clock.Fake, decider collab.Decider, exec Executor, sleeper collab.Sleeper) (*Loop, *Ledger) {
	t.Helper()
	st := store.NewMemory()

	ledger, err := LoadLedger(clk, st, 10)
	if err != nil {
		t.Fatalf("LoadLedger failed: %v", err)
	}
	scalars := scalar.NewState(scalar.DefaultDefinitions())
	impulses := impulse.NewEngine(clk, st, rand.New(rand.NewSource(1)), 3, 5)
	conv := collab.NewTrackedConversation(clk)

	loop := NewLoop(clk, ledger, decider, exec, sleeper, collab.StaticActivity{}, conv,
		scalars, impulses, rand.New(rand.NewSource(2)),
		LoopConfig{MinInterval: 2 * time.Minute, MaxInterval: 10 * time.Minute})
	return loop, ledger
}

var testStart = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// A bare-string StayIdle decision advances last_run_at but not
// last_action_at, and nothing is dispatched.
func TestIterate_StayIdleAdvancesRunOnly(t *testing.T) {
	clk := clock.NewFake(testStart, time.UTC)
	decider := &scriptedDecider{reply: `{"decision":"StayIdle","reasoning":"quiet"}`}
	exec := &recordingExecutor{}

	loop, ledger := newTestLoop(t, clk, decider, exec, &fakeSleeper{})
	loop.iterate(context.Background())

	if exec.count() != 0 {
		t.Errorf("StayIdle dispatched %d effects", exec.count())
	}
	if ledger.LastRunAt().IsZero() {
		t.Error("last_run_at should advance")
	}
	if !ledger.LastActionAt().IsZero() {
		t.Error("last_action_at should not advance for StayIdle")
	}
	if h := ledger.History(); len(h) != 1 || h[0] != "StayIdle" {
		t.Errorf("history = %v", h)
	}
}

func TestIterate_ActionDecisionDispatchesAndAdvancesBoth(t *testing.T) {
	clk := clock.NewFake(testStart, time.UTC)
	decider := &scriptedDecider{reply: `{"decision":{"action":"Contemplate","payload":{"topic":"rain"}},"reasoning":"r"}`}
	exec := &recordingExecutor{}

	loop, ledger := newTestLoop(t, clk, decider, exec, &fakeSleeper{})
	loop.iterate(context.Background())

	if exec.count() != 1 {
		t.Fatalf("dispatched %d effects, want 1", exec.count())
	}
	if exec.executed[0].Action != ActionContemplate {
		t.Errorf("dispatched %q", exec.executed[0].Action)
	}
	if ledger.LastActionAt().IsZero() {
		t.Error("last_action_at should advance for a real action")
	}
}

// While sleeping the gate denies everything; no decision is requested
// and nothing dispatches.
func TestIterate_SleepGateBlocksAll(t *testing.T) {
	clk := clock.NewFake(testStart, time.UTC)
	decider := &scriptedDecider{reply: `{"decision":{"action":"SendMessage","payload":{"content":"hi"}}}`}
	exec := &recordingExecutor{}

	loop, ledger := newTestLoop(t, clk, decider, exec, &fakeSleeper{asleep: true})

	for i := 0; i < 5; i++ {
		clk.Advance(time.Minute)
		loop.iterate(context.Background())
	}

	if decider.calls != 0 {
		t.Errorf("decider called %d times while sleeping", decider.calls)
	}
	if exec.count() != 0 {
		t.Errorf("%d effects dispatched while sleeping", exec.count())
	}
	if !ledger.LastActionAt().IsZero() {
		t.Error("last_action_at moved while sleeping")
	}
}

func TestIterate_RecentUserMessageDenies(t *testing.T) {
	clk := clock.NewFake(testStart, time.UTC)
	decider := &scriptedDecider{reply: `{"decision":"StayIdle"}`}
	exec := &recordingExecutor{}

	loop, _ := newTestLoop(t, clk, decider, exec, &fakeSleeper{})
	loop.conversation.(*collab.TrackedConversation).NoteUserMessage("hi")
	clk.Advance(3 * time.Minute)

	loop.iterate(context.Background())
	if decider.calls != 0 {
		t.Error("decider should not run inside the quiet window")
	}

	clk.Advance(8 * time.Minute)
	loop.iterate(context.Background())
	if decider.calls != 1 {
		t.Error("decider should run once the quiet window has passed")
	}
}

// Decider failure aborts the iteration without any ledger mutation.
func TestIterate_DeciderErrorMutatesNothing(t *testing.T) {
	clk := clock.NewFake(testStart, time.UTC)
	decider := &scriptedDecider{err: errors.New("timeout")}
	exec := &recordingExecutor{}

	loop, ledger := newTestLoop(t, clk, decider, exec, &fakeSleeper{})
	loop.iterate(context.Background())

	if exec.count() != 0 {
		t.Error("no effect should dispatch on decider failure")
	}
	if !ledger.LastRunAt().IsZero() {
		t.Error("last_run_at should not move on collaborator failure")
	}
}

// Parse failures fall back to idle: run advances, nothing dispatches.
func TestIterate_ParseFailureFallsBackToIdle(t *testing.T) {
	clk := clock.NewFake(testStart, time.UTC)
	decider := &scriptedDecider{reply: "total garbage"}
	exec := &recordingExecutor{}

	loop, ledger := newTestLoop(t, clk, decider, exec, &fakeSleeper{})
	loop.iterate(context.Background())

	if exec.count() != 0 {
		t.Error("no effect should dispatch on parse failure")
	}
	if ledger.LastRunAt().IsZero() {
		t.Error("last_run_at should still advance")
	}
	if !ledger.LastActionAt().IsZero() {
		t.Error("last_action_at should not advance")
	}
}

type recordingFires struct {
	fired []string
}

func (r *recordingFires) RecordImpulseFire(kind, context string, charge float64) error {
	r.fired = append(r.fired, kind)
	return nil
}

func seedReadyImpulse(t *testing.T, loop *Loop) {
	t.Helper()
	// Suppress the research generator so the ready set is exactly what
	// the test stores.
	loop.impulses.NoteResearchConducted()
	if err := loop.impulses.Store([]impulse.Impulse{{
		Kind:             impulse.KindCuriosity,
		BaseCharge:       0.9,
		TriggerThreshold: 0.1,
		Context:          "why rivers meander",
	}}); err != nil {
		t.Fatalf("seed impulse: %v", err)
	}
}

// An expressive decision confirms the strongest ready urge; the fire
// consumes quota and reaches the recorder.
func TestIterate_ExpressiveActionFiresTopImpulse(t *testing.T) {
	clk := clock.NewFake(testStart, time.UTC)
	decider := &scriptedDecider{reply: `{"decision":{"action":"Contemplate","payload":{"topic":"rivers"}},"reasoning":"r"}`}
	exec := &recordingExecutor{}

	loop, _ := newTestLoop(t, clk, decider, exec, &fakeSleeper{})
	fires := &recordingFires{}
	loop.SetFireRecorder(fires)
	seedReadyImpulse(t, loop)

	loop.iterate(context.Background())

	if got := loop.impulses.FiredToday(); got != 1 {
		t.Errorf("fired_today = %d, want 1", got)
	}
	if len(fires.fired) != 1 || fires.fired[0] != "curiosity" {
		t.Errorf("recorded fires = %v", fires.fired)
	}
}

// Idle and sleep decisions leave ready impulses maturing.
func TestIterate_IdleLeavesImpulsesUnfired(t *testing.T) {
	clk := clock.NewFake(testStart, time.UTC)
	decider := &scriptedDecider{reply: `{"decision":"StayIdle","reasoning":"resting"}`}
	exec := &recordingExecutor{}

	loop, _ := newTestLoop(t, clk, decider, exec, &fakeSleeper{})
	fires := &recordingFires{}
	loop.SetFireRecorder(fires)
	seedReadyImpulse(t, loop)

	loop.iterate(context.Background())

	if got := loop.impulses.FiredToday(); got != 0 {
		t.Errorf("fired_today = %d, want 0", got)
	}
	if len(fires.fired) != 0 {
		t.Errorf("recorded fires = %v", fires.fired)
	}
}

func TestLedger_HistoryRingIsBounded(t *testing.T) {
	clk := clock.NewFake(testStart, time.UTC)
	st := store.NewMemory()
	ledger, err := LoadLedger(clk, st, 10)
	if err != nil {
		t.Fatalf("LoadLedger failed: %v", err)
	}

	for i := 0; i < 25; i++ {
		clk.Advance(time.Minute)
		ledger.RecordDecision(Decision{Action: ActionContemplate, Payload: Payload{Topic: "t"}})
	}

	if got := len(ledger.History()); got != 10 {
		t.Errorf("history length = %d, want 10", got)
	}
}

// Ledger timestamps never decrease, and they survive a reload.
func TestLedger_MonotonicAndPersistent(t *testing.T) {
	clk := clock.NewFake(testStart, time.UTC)
	st := store.NewMemory()
	ledger, err := LoadLedger(clk, st, 10)
	if err != nil {
		t.Fatalf("LoadLedger failed: %v", err)
	}

	clk.Advance(time.Minute)
	ledger.RecordDecision(Decision{Action: ActionContemplate})
	first := ledger.LastActionAt()

	clk.Advance(time.Minute)
	ledger.RecordRun()
	if ledger.LastActionAt() != first {
		t.Error("RecordRun must not move last_action_at")
	}
	if !ledger.LastRunAt().After(first) {
		t.Error("last_run_at should have advanced")
	}

	reloaded, err := LoadLedger(clk, st, 10)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if !reloaded.LastActionAt().Equal(first) {
		t.Errorf("last_action_at lost across reload: %v vs %v", reloaded.LastActionAt(), first)
	}
}

func TestLoop_NextWaitStaysInWindow(t *testing.T) {
	clk := clock.NewFake(testStart, time.UTC)
	loop, _ := newTestLoop(t, clk, &scriptedDecider{}, &recordingExecutor{}, &fakeSleeper{})

	for i := 0; i < 200; i++ {
		w := loop.nextWait()
		if w < 2*time.Minute || w > 10*time.Minute {
			t.Fatalf("wait %v outside [2m,10m]", w)
		}
	}
}
