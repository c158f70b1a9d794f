package status

import (
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/dotsetgreg/presenced/pkg/clock"
	"github.com/dotsetgreg/presenced/pkg/config"
	"github.com/dotsetgreg/presenced/pkg/impulse"
	"github.com/dotsetgreg/presenced/pkg/presence"
	"github.com/dotsetgreg/presenced/pkg/proactive"
	"github.com/dotsetgreg/presenced/pkg/scalar"
	"github.com/dotsetgreg/presenced/pkg/store"
)

var testStart = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestCollect_FreshStateIsValid(t *testing.T) {
	clk := clock.NewFake(testStart, time.UTC)
	st := store.NewMemory()
	cfg := config.DefaultConfig()

	doc, err := Collect(clk, st, cfg)
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if doc.LastDecayAgo != "never" {
		t.Errorf("last_decay_ago = %q on a fresh state", doc.LastDecayAgo)
	}
	if doc.SentToday != 0 || doc.FiredToday != 0 || doc.ActiveImpulses != 0 {
		t.Errorf("fresh counters: %+v", doc)
	}
	if doc.NextProactiveCheckIn != "not scheduled" {
		t.Errorf("next_proactive_check_in = %q", doc.NextProactiveCheckIn)
	}
}

func TestCollect_ReflectsPersistedLedgers(t *testing.T) {
	clk := clock.NewFake(testStart, time.UTC)
	st := store.NewMemory()
	cfg := config.DefaultConfig()

	// Populate the documents through their owning packages.
	scalars := scalar.NewState(scalar.DefaultDefinitions())
	scalars.SetTag("mood", "curious")
	if err := scalars.Save(st); err != nil {
		t.Fatalf("scalar save: %v", err)
	}

	ledger, err := presence.LoadLedger(clk, st, 10)
	if err != nil {
		t.Fatalf("LoadLedger: %v", err)
	}
	ledger.RecordDecision(presence.Decision{
		Action:  presence.ActionContemplate,
		Payload: presence.Payload{Topic: "rain"},
	})

	engine := impulse.NewEngine(clk, st, rand.New(rand.NewSource(1)), 3, 5)
	if err := engine.Store([]impulse.Impulse{{
		Kind:       impulse.KindCuriosity,
		BaseCharge: 0.6,
		Context:    "why rivers meander",
	}}); err != nil {
		t.Fatalf("impulse store: %v", err)
	}

	if err := st.Save(proactive.DocumentName, map[string]any{
		"next_check_at": testStart.Add(45 * time.Minute),
		"sent_today":    2,
	}); err != nil {
		t.Fatalf("proactive doc save: %v", err)
	}

	clk.Advance(10 * time.Minute)
	doc, err := Collect(clk, st, cfg)
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}

	if doc.Mood != "curious" {
		t.Errorf("mood = %q", doc.Mood)
	}
	if doc.ActiveImpulses != 1 {
		t.Errorf("active impulses = %d", doc.ActiveImpulses)
	}
	if doc.SentToday != 2 {
		t.Errorf("sent_today = %d", doc.SentToday)
	}
	if doc.NextProactiveCheckIn != "in 35m0s" {
		t.Errorf("next_proactive_check_in = %q", doc.NextProactiveCheckIn)
	}
	if len(doc.LastDecisions) != 1 || !strings.Contains(doc.LastDecisions[0], "Contemplate") {
		t.Errorf("last_decisions = %v", doc.LastDecisions)
	}
	if doc.LastRunAgo == "never" {
		t.Error("last_run_ago should reflect the recorded run")
	}
}

func TestRender_ContainsTheLoadBearingLines(t *testing.T) {
	clk := clock.NewFake(testStart, time.UTC)
	st := store.NewMemory()

	doc, err := Collect(clk, st, config.DefaultConfig())
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}

	out := doc.Render()
	for _, want := range []string{"presenced status", "loops:", "impulses:", "decay", "proactive"} {
		if !strings.Contains(out, want) {
			t.Errorf("render output missing %q", want)
		}
	}

	if _, err := doc.JSON(); err != nil {
		t.Errorf("JSON render failed: %v", err)
	}
}
