// Package decay runs the slow background loop that ages the agent's
// internal state: scalar drift, collaborator decays, periodic analysis
// and impulse cleanup. The proactive gate is checked from inside each
// tick, so outreach evaluation is serialized with state mutation.
package decay

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dotsetgreg/presenced/pkg/clock"
	"github.com/dotsetgreg/presenced/pkg/collab"
	"github.com/dotsetgreg/presenced/pkg/impulse"
	"github.com/dotsetgreg/presenced/pkg/logger"
	"github.com/dotsetgreg/presenced/pkg/scalar"
	"github.com/dotsetgreg/presenced/pkg/store"
)

// DocumentName is the ledger document for decay accounting.
const DocumentName = "decay_ledger"

// Activity tier boundaries, minutes since the last user message.
const (
	activeWithinMinutes   = 60
	moderateWithinMinutes = 6 * 60
)

// Significance weights for deciding whether a tick earned the expensive
// evolution analysis.
const (
	weightMood         = 0.3
	weightInterests    = 0.25
	weightPersonality  = 0.35
	weightVolition     = 0.4
	weightRelationship = 0.3

	significanceThreshold = 0.8
	significanceMinCount  = 3
)

// ProactiveChecker is invoked once per tick; the proactive gate
// implements it.
type ProactiveChecker interface {
	Check(ctx context.Context)
}

type IntervalProfile struct {
	Min time.Duration
	Max time.Duration
}

type Config struct {
	AnalysisInterval time.Duration
	Active           IntervalProfile
	Moderate         IntervalProfile
	Quiet            IntervalProfile
}

type ledgerDoc struct {
	LastDecayAt    time.Time `json:"last_decay_at,omitzero"`
	Cycles         int       `json:"cycles"`
	LastAnalysisAt time.Time `json:"last_analysis_at,omitzero"`
}

type Loop struct {
	clk clock.Clock
	st  store.Store

	scalars      *scalar.State
	impulses     *impulse.Engine
	analyzer     collab.Analyzer
	decayers     []collab.Decayer
	conversation collab.Conversation
	proactive    ProactiveChecker

	cfg Config

	// Ledger fields, written by the loop goroutine and read by the
	// status accessors.
	mu             sync.Mutex
	lastDecayAt    time.Time
	cycles         int
	lastAnalysisAt time.Time

	running atomic.Bool
	done    chan struct{}
}

func NewLoop(clk clock.Clock, st store.Store, scalars *scalar.State, impulses *impulse.Engine,
	analyzer collab.Analyzer, decayers []collab.Decayer, conversation collab.Conversation,
	proactive ProactiveChecker, cfg Config) (*Loop, error) {

	if cfg.AnalysisInterval <= 0 {
		cfg.AnalysisInterval = time.Hour
	}
	if cfg.Active.Min <= 0 {
		cfg.Active = IntervalProfile{15 * time.Minute, 30 * time.Minute}
	}
	if cfg.Moderate.Min <= 0 {
		cfg.Moderate = IntervalProfile{25 * time.Minute, 50 * time.Minute}
	}
	if cfg.Quiet.Min <= 0 {
		cfg.Quiet = IntervalProfile{45 * time.Minute, 90 * time.Minute}
	}

	l := &Loop{
		clk:            clk,
		st:             st,
		scalars:        scalars,
		impulses:       impulses,
		analyzer:       analyzer,
		decayers:       decayers,
		conversation:   conversation,
		proactive:      proactive,
		cfg:            cfg,
		lastAnalysisAt: clk.Now(),
		done:           make(chan struct{}),
	}

	var doc ledgerDoc
	found, err := st.Load(DocumentName, &doc)
	if err != nil {
		return nil, fmt.Errorf("load decay ledger: %w", err)
	}
	if found {
		l.lastDecayAt = doc.LastDecayAt
		l.cycles = doc.Cycles
		if !doc.LastAnalysisAt.IsZero() {
			l.lastAnalysisAt = doc.LastAnalysisAt
		}
	}
	return l, nil
}

func (l *Loop) Start(ctx context.Context) {
	if !l.running.CompareAndSwap(false, true) {
		return
	}
	logger.InfoCF("decay", "Decay loop starting", map[string]any{
		"analysis_interval": l.cfg.AnalysisInterval.String(),
		"collaborators":     len(l.decayers),
	})
	go l.run(ctx)
}

func (l *Loop) Stop() {
	if l.running.CompareAndSwap(true, false) {
		<-l.done
		logger.InfoC("decay", "Decay loop stopped")
	}
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.done)
	for l.running.Load() {
		wait := l.nextWait()
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		if !l.running.Load() {
			return
		}
		l.tick(ctx)
	}
}

// nextWait picks the activity tier from conversation recency and
// jitters within its window. The PRNG is keyed on last_decay_at, so a
// crash-and-rerun lands on the same wait.
func (l *Loop) nextWait() time.Duration {
	profile := l.cfg.Quiet
	if at, ok := l.conversation.LastUserMessageAt(); ok {
		switch minutes := clock.MinutesSince(l.clk, at); {
		case minutes < activeWithinMinutes:
			profile = l.cfg.Active
		case minutes < moderateWithinMinutes:
			profile = l.cfg.Moderate
		}
	}

	l.mu.Lock()
	lastDecay := l.lastDecayAt
	l.mu.Unlock()

	seed := lastDecay.UnixNano()
	if lastDecay.IsZero() {
		seed = l.clk.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	span := profile.Max - profile.Min
	if span <= 0 {
		return profile.Min
	}
	return profile.Min + time.Duration(rng.Int63n(int64(span)))
}

// tick is one decay pass. Mutations accumulate in memory and flush in
// one batch at the end.
func (l *Loop) tick(ctx context.Context) {
	now := l.clk.Now()
	driftRng := rand.New(rand.NewSource(now.UnixNano()))

	changes := l.scalars.Drift(driftRng)
	for _, c := range changes {
		logger.DebugCF("decay", "Scalar drifted", map[string]any{
			"scalar": c.Name,
			"from":   fmt.Sprintf("%.2f", c.From),
			"to":     fmt.Sprintf("%.2f", c.To),
		})
	}

	decayedInterests := 0
	collaboratorTouches := 0
	for _, d := range l.decayers {
		n, err := d.Decay(ctx)
		if err != nil {
			logger.WarnCF("decay", "Collaborator decay failed", map[string]any{
				"collaborator": d.Name(),
				"error":        err.Error(),
			})
			continue
		}
		collaboratorTouches += n
		if d.Name() == "interests" {
			decayedInterests = n
		}
	}

	l.mu.Lock()
	lastAnalysis := l.lastAnalysisAt
	l.mu.Unlock()

	analyzed := false
	moodChanged := false
	appliedDeltas := map[string]float64{}
	if clock.HoursSince(l.clk, lastAnalysis) >= l.cfg.AnalysisInterval.Hours() {
		result, err := l.analyzer.Batched(ctx, l.buildAnalysisContext(changes))
		if err != nil {
			// Leave last_analysis_at alone so the next tick retries.
			logger.WarnCF("decay", "Batched analysis unavailable", map[string]any{"error": err.Error()})
		} else {
			moodChanged = l.applyAnalysis(result, appliedDeltas)
			l.mu.Lock()
			l.lastAnalysisAt = now
			l.mu.Unlock()
			analyzed = true
		}
	}

	score, count := significance(changes, appliedDeltas, moodChanged, decayedInterests)
	if count >= significanceMinCount && score >= significanceThreshold {
		logger.InfoCF("decay", "Significant shift, requesting evolution analysis", map[string]any{
			"score":   fmt.Sprintf("%.2f", score),
			"changes": count,
		})
		if result, err := l.analyzer.Evolution(ctx, l.buildAnalysisContext(changes)); err != nil {
			logger.WarnCF("decay", "Evolution analysis unavailable", map[string]any{"error": err.Error()})
		} else {
			l.applyAnalysis(result, map[string]float64{})
		}
	}

	energy, ok := l.scalars.Get("creative_energy")
	if !ok {
		energy = 0.5
	}
	removed := l.impulses.Cleanup(energy)

	l.proactive.Check(ctx)

	changed := len(changes) > 0 || collaboratorTouches > 0 || analyzed || removed > 0
	l.mu.Lock()
	if changed {
		l.lastDecayAt = now
	}
	l.cycles++
	cycle := l.cycles
	l.mu.Unlock()
	l.flush()

	logger.DebugCF("decay", "Tick complete", map[string]any{
		"cycle":            cycle,
		"scalar_changes":   len(changes),
		"collab_touches":   collaboratorTouches,
		"impulses_removed": removed,
		"analyzed":         analyzed,
	})
}

// applyAnalysis writes the analyzer's deltas through to the scalar
// state and reports whether the mood tag moved.
func (l *Loop) applyAnalysis(result collab.AnalysisResult, applied map[string]float64) bool {
	for name, delta := range result.ScalarDeltas {
		if !l.scalars.Apply(name, delta) {
			logger.WarnCF("decay", "Analysis delta rejected", map[string]any{
				"scalar": name,
			})
			continue
		}
		applied[name] = delta
	}

	_, tags := l.scalars.Snapshot()
	if result.MoodTag != "" && result.MoodTag != tags["mood"] {
		l.scalars.SetTag("mood", result.MoodTag)
		return true
	}
	return false
}

// significance scores this tick's changes with the fixed weights and
// returns the score alongside the raw change count.
func significance(drift []scalar.Change, deltas map[string]float64, moodChanged bool, decayedInterests int) (float64, int) {
	touched := map[string]bool{}
	for _, c := range drift {
		touched[c.Name] = true
	}
	for name := range deltas {
		touched[name] = true
	}

	score := 0.0
	if moodChanged {
		score += weightMood
	}
	if decayedInterests >= 3 {
		score += weightInterests
	}
	if touched["volition"] || touched["coherence"] {
		score += weightVolition
	}
	if touched["trust"] || touched["loneliness"] {
		score += weightRelationship
	}
	if touched["flame"] || touched["presence_density"] || touched["creative_energy"] {
		score += weightPersonality
	}

	count := len(touched)
	if moodChanged {
		count++
	}
	return score, count
}

func (l *Loop) buildAnalysisContext(changes []scalar.Change) string {
	values, tags := l.scalars.Snapshot()

	var b strings.Builder
	fmt.Fprintf(&b, "Time: %s\n", clock.FormatForDisplay(l.clk, l.clk.Now()))
	fmt.Fprintf(&b, "Mood: %s | Loop state: %s\n", tags["mood"], tags["loop_state"])
	b.WriteString("Scalars:\n")
	for name, v := range values {
		fmt.Fprintf(&b, "  %s: %.2f\n", name, v)
	}
	if len(changes) > 0 {
		b.WriteString("Recent drift:\n")
		for _, c := range changes {
			fmt.Fprintf(&b, "  %s: %.2f -> %.2f\n", c.Name, c.From, c.To)
		}
	}
	if tail := l.conversation.Tail(4); len(tail) > 0 {
		b.WriteString("Recent conversation:\n")
		for _, line := range tail {
			fmt.Fprintf(&b, "  %s\n", line)
		}
	}
	return b.String()
}

// flush persists every mutated document in one pass. Failures log and
// leave memory authoritative; the next flush repairs disk.
func (l *Loop) flush() {
	if err := l.scalars.Save(l.st); err != nil {
		logger.WarnCF("decay", "Scalar flush failed", map[string]any{"error": err.Error()})
	}
	l.mu.Lock()
	doc := ledgerDoc{
		LastDecayAt:    l.lastDecayAt,
		Cycles:         l.cycles,
		LastAnalysisAt: l.lastAnalysisAt,
	}
	l.mu.Unlock()
	if err := l.st.Save(DocumentName, doc); err != nil {
		logger.WarnCF("decay", "Ledger flush failed", map[string]any{"error": err.Error()})
	}
}

// LastDecayAt is read by the status document.
func (l *Loop) LastDecayAt() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastDecayAt
}

func (l *Loop) Cycles() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cycles
}

// NextDecayIn estimates the time until the next tick from the last
// decay time and the current activity tier.
func (l *Loop) NextDecayIn() time.Duration {
	l.mu.Lock()
	last := l.lastDecayAt
	l.mu.Unlock()
	if last.IsZero() {
		return l.nextWait()
	}
	remaining := l.nextWait() - l.clk.Now().Sub(last)
	if remaining < 0 {
		return 0
	}
	return remaining
}
