package proactive

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/dotsetgreg/presenced/pkg/clock"
	"github.com/dotsetgreg/presenced/pkg/collab"
	"github.com/dotsetgreg/presenced/pkg/scalar"
	"github.com/dotsetgreg/presenced/pkg/store"
)

type fakeEvaluator struct {
	likelihood float64
	err        error
	calls      int
}

func (f *fakeEvaluator) Likelihood(context.Context, string) (float64, error) {
	f.calls++
	return f.likelihood, f.err
}

type fakeReasoner struct {
	reply string
	err   error
}

func (f *fakeReasoner) Complete(context.Context, string, string) (string, error) {
	return f.reply, f.err
}

type fakeSender struct {
	mu     sync.Mutex
	err    error
	sent   []string
	topics []string
}

func (f *fakeSender) SendProactive(_ context.Context, reason, topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, reason)
	f.topics = append(f.topics, topic)
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeSleeper struct{ asleep bool }

func (f *fakeSleeper) SetSleeping(v bool) error { f.asleep = v; return nil }
func (f *fakeSleeper) IsSleeping() bool         { return f.asleep }

var testStart = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type gateFixture struct {
	clk    *clock.Fake
	st     *store.Memory
	eval   *fakeEvaluator
	sender *fakeSender
	conv   *collab.TrackedConversation
	gate   *Gate
}

func newFixture(t *testing.T, cfg Config, eval *fakeEvaluator, sender *fakeSender) *gateFixture {
	t.Helper()
	clk := clock.NewFake(testStart, time.UTC)
	st := store.NewMemory()
	conv := collab.NewTrackedConversation(clk)

	g, err := NewGate(clk, st, eval, nil, sender, &fakeSleeper{}, collab.StaticActivity{}, conv,
		scalar.NewState(scalar.DefaultDefinitions()), rand.New(rand.NewSource(7)), cfg)
	if err != nil {
		t.Fatalf("NewGate failed: %v", err)
	}
	return &gateFixture{clk: clk, st: st, eval: eval, sender: sender, conv: conv, gate: g}
}

var tightChecks = Config{
	DailyCap:         3,
	MinCooldown:      2 * time.Hour,
	CheckIntervalMin: 10 * time.Minute,
	CheckIntervalMax: 10 * time.Minute,
}

// A 100 likelihood always beats the uniform draw; 30 minutes later the
// cooldown still denies and the quota stays untouched.
func TestCheck_CooldownBlocksSecondOutreach(t *testing.T) {
	f := newFixture(t, tightChecks, &fakeEvaluator{likelihood: 100}, &fakeSender{})

	f.gate.Check(context.Background())
	if f.sender.count() != 1 {
		t.Fatalf("sent %d messages, want 1", f.sender.count())
	}
	if f.gate.SentToday() != 1 {
		t.Fatalf("sent_today = %d", f.gate.SentToday())
	}

	f.clk.Advance(30 * time.Minute)
	f.gate.Check(context.Background())
	if f.sender.count() != 1 {
		t.Error("cooldown should have blocked the second outreach")
	}
	if f.gate.SentToday() != 1 {
		t.Errorf("sent_today changed to %d during cooldown", f.gate.SentToday())
	}

	f.clk.Advance(2 * time.Hour)
	f.gate.Check(context.Background())
	if f.sender.count() != 2 {
		t.Error("outreach should be allowed once the cooldown has elapsed")
	}
}

func TestCheck_DailyCapAndCivilDayReset(t *testing.T) {
	cfg := tightChecks
	cfg.DailyCap = 1
	f := newFixture(t, cfg, &fakeEvaluator{likelihood: 100}, &fakeSender{})

	f.gate.Check(context.Background())
	if f.sender.count() != 1 {
		t.Fatalf("sent %d, want 1", f.sender.count())
	}

	f.clk.Advance(3 * time.Hour) // past cooldown, same day
	f.gate.Check(context.Background())
	if f.sender.count() != 1 {
		t.Error("daily cap should have blocked")
	}

	f.clk.Advance(12 * time.Hour) // crosses midnight
	f.gate.Check(context.Background())
	if f.gate.SentToday() != 1 {
		t.Errorf("sent_today = %d after midnight rollover, want 1 (the fresh send)", f.gate.SentToday())
	}
	if f.sender.count() != 2 {
		t.Error("new civil day should have allowed an outreach")
	}
}

func TestCheck_RespectsNextCheckWindow(t *testing.T) {
	f := newFixture(t, tightChecks, &fakeEvaluator{likelihood: 0}, &fakeSender{})

	f.gate.Check(context.Background())
	if f.eval.calls != 1 {
		t.Fatalf("evaluator calls = %d", f.eval.calls)
	}

	f.clk.Advance(5 * time.Minute) // next check is 10m out
	f.gate.Check(context.Background())
	if f.eval.calls != 1 {
		t.Error("check before next_check_at should be a no-op")
	}

	f.clk.Advance(5 * time.Minute)
	f.gate.Check(context.Background())
	if f.eval.calls != 2 {
		t.Error("check at next_check_at should evaluate")
	}
}

func TestCheck_LowLikelihoodOnlyReschedules(t *testing.T) {
	f := newFixture(t, tightChecks, &fakeEvaluator{likelihood: 0}, &fakeSender{})

	f.gate.Check(context.Background())
	if f.sender.count() != 0 {
		t.Error("zero likelihood must never send")
	}
	next := f.gate.NextCheckAt()
	if !next.Equal(testStart.Add(10 * time.Minute)) {
		t.Errorf("next_check_at = %v, want %v", next, testStart.Add(10*time.Minute))
	}
}

// A failed dispatch charges nothing: the quota and last_outreach_at
// only move for messages that actually went out.
func TestCheck_SendFailureLeavesLedgerUntouched(t *testing.T) {
	f := newFixture(t, tightChecks, &fakeEvaluator{likelihood: 100},
		&fakeSender{err: errors.New("channel down")})

	f.gate.Check(context.Background())
	if f.gate.SentToday() != 0 {
		t.Errorf("sent_today = %d after failed dispatch", f.gate.SentToday())
	}
	if !f.gate.LastOutreachAt().IsZero() {
		t.Error("last_outreach_at moved for a message that never went out")
	}
}

func TestCheck_SleepingDeniesButStillReschedules(t *testing.T) {
	clk := clock.NewFake(testStart, time.UTC)
	st := store.NewMemory()
	eval := &fakeEvaluator{likelihood: 100}
	sender := &fakeSender{}

	g, err := NewGate(clk, st, eval, nil, sender, &fakeSleeper{asleep: true}, collab.StaticActivity{},
		collab.NewTrackedConversation(clk), scalar.NewState(scalar.DefaultDefinitions()),
		rand.New(rand.NewSource(7)), tightChecks)
	if err != nil {
		t.Fatalf("NewGate failed: %v", err)
	}

	g.Check(context.Background())
	if sender.count() != 0 || eval.calls != 0 {
		t.Error("sleeping gate should deny before the evaluator runs")
	}
	if g.NextCheckAt().IsZero() {
		t.Error("a denied check must still schedule the next one")
	}
}

func TestCheck_QuotaSurvivesRestart(t *testing.T) {
	f := newFixture(t, tightChecks, &fakeEvaluator{likelihood: 100}, &fakeSender{})
	f.gate.Check(context.Background())

	reloaded, err := NewGate(f.clk, f.st, f.eval, nil, f.sender, &fakeSleeper{}, collab.StaticActivity{},
		f.conv, scalar.NewState(scalar.DefaultDefinitions()), rand.New(rand.NewSource(7)), tightChecks)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if reloaded.SentToday() != 1 {
		t.Errorf("sent_today lost across restart: %d", reloaded.SentToday())
	}
	if !reloaded.LastOutreachAt().Equal(f.gate.LastOutreachAt()) {
		t.Error("last_outreach_at lost across restart")
	}
}

func TestFallbackLikelihood(t *testing.T) {
	if got := fallbackLikelihood(6); got != 15 {
		t.Errorf("fallback(6h) = %v, want 15", got)
	}
	if got := fallbackLikelihood(16); got != 40 {
		t.Errorf("fallback(16h) = %v, want 40 (capped)", got)
	}
	if got := fallbackLikelihood(1000); got != 40 {
		t.Errorf("fallback(1000h) = %v, want 40 (capped)", got)
	}
}

func TestTimingTrigger_Classification(t *testing.T) {
	cases := []struct {
		hours float64
		topic string
	}{
		{1, "follow_up_thought"},
		{8, "casual_continuation"},
		{30, "presence_check"},
		{100, "bridge_the_gap"},
	}
	for _, c := range cases {
		reason, topic := timingTrigger(c.hours)
		if topic != c.topic {
			t.Errorf("timingTrigger(%.0fh) topic = %q, want %q", c.hours, topic, c.topic)
		}
		if reason == "" {
			t.Errorf("timingTrigger(%.0fh) has empty reason", c.hours)
		}
	}
}

func TestDeriveTrigger_ModelAndFallback(t *testing.T) {
	f := newFixture(t, tightChecks, &fakeEvaluator{}, &fakeSender{})

	f.gate.reasoner = &fakeReasoner{reply: `{"reason":"she mentioned the garden","topic":"follow_up_thought"}`}
	reason, topic := f.gate.deriveTrigger(context.Background(), 3)
	if reason != "she mentioned the garden" || topic != "follow_up_thought" {
		t.Errorf("got (%q, %q)", reason, topic)
	}

	// Prose-wrapped JSON still decodes.
	f.gate.reasoner = &fakeReasoner{reply: "Sure:\n{\"reason\":\"r\",\"topic\":\"share_insight\"}\n"}
	if _, topic = f.gate.deriveTrigger(context.Background(), 3); topic != "share_insight" {
		t.Errorf("prose-wrapped topic = %q", topic)
	}

	// An invented topic falls back to the timing heuristic.
	f.gate.reasoner = &fakeReasoner{reply: `{"reason":"r","topic":"world_domination"}`}
	if _, topic = f.gate.deriveTrigger(context.Background(), 30); topic != "presence_check" {
		t.Errorf("unknown topic fell back to %q, want presence_check", topic)
	}

	// A dead reasoner falls back too.
	f.gate.reasoner = &fakeReasoner{err: collab.ErrUnavailable}
	if _, topic = f.gate.deriveTrigger(context.Background(), 100); topic != "bridge_the_gap" {
		t.Errorf("evaluator failure fell back to %q, want bridge_the_gap", topic)
	}
}
