// Package presence runs the top-level autonomy loop: at randomized
// intervals it gathers a decision context, asks the model to pick one
// autonomous action, and hands the choice to the executor.
package presence

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dotsetgreg/presenced/pkg/clock"
	"github.com/dotsetgreg/presenced/pkg/collab"
	"github.com/dotsetgreg/presenced/pkg/gates"
	"github.com/dotsetgreg/presenced/pkg/impulse"
	"github.com/dotsetgreg/presenced/pkg/logger"
	"github.com/dotsetgreg/presenced/pkg/scalar"
)

const quietWindowMinutes = 10

// Executor runs a decision's effects. Implementations must not block:
// effect work happens in fire-and-forget tasks.
type Executor interface {
	Execute(ctx context.Context, d Decision)
}

// FireRecorder receives confirmed impulse fires, typically the journal.
type FireRecorder interface {
	RecordImpulseFire(kind, context string, charge float64) error
}

type Loop struct {
	clk      clock.Clock
	ledger   *Ledger
	decider  collab.Decider
	executor Executor

	sleeper      collab.Sleeper
	activity     collab.Activity
	conversation collab.Conversation
	scalars      *scalar.State
	impulses     *impulse.Engine

	// rng draws the next wait; unseeded in production, scripted in tests.
	rng         *rand.Rand
	minInterval time.Duration
	maxInterval time.Duration

	fires FireRecorder

	running atomic.Bool
	done    chan struct{}
}

type LoopConfig struct {
	MinInterval time.Duration
	MaxInterval time.Duration
}

func NewLoop(clk clock.Clock, ledger *Ledger, decider collab.Decider, executor Executor,
	sleeper collab.Sleeper, activity collab.Activity, conversation collab.Conversation,
	scalars *scalar.State, impulses *impulse.Engine, rng *rand.Rand, cfg LoopConfig) *Loop {

	min := cfg.MinInterval
	max := cfg.MaxInterval
	if min <= 0 {
		min = 2 * time.Minute
	}
	if max < min {
		max = min
	}
	return &Loop{
		clk:          clk,
		ledger:       ledger,
		decider:      decider,
		executor:     executor,
		sleeper:      sleeper,
		activity:     activity,
		conversation: conversation,
		scalars:      scalars,
		impulses:     impulses,
		rng:          rng,
		minInterval:  min,
		maxInterval:  max,
		done:         make(chan struct{}),
	}
}

// SetFireRecorder attaches a sink for confirmed impulse fires. Optional;
// without one fires are only logged.
func (l *Loop) SetFireRecorder(r FireRecorder) { l.fires = r }

func (l *Loop) Start(ctx context.Context) {
	if !l.running.CompareAndSwap(false, true) {
		return
	}
	logger.InfoCF("presence", "Presence loop starting", map[string]any{
		"min_interval": l.minInterval.String(),
		"max_interval": l.maxInterval.String(),
	})
	go l.run(ctx)
}

func (l *Loop) Stop() {
	if l.running.CompareAndSwap(true, false) {
		<-l.done
		logger.InfoC("presence", "Presence loop stopped")
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
		l.iterate(ctx)
	}
}

// nextWait draws uniformly from the configured window.
func (l *Loop) nextWait() time.Duration {
	span := l.maxInterval - l.minInterval
	if span <= 0 {
		return l.minInterval
	}
	return l.minInterval + time.Duration(l.rng.Int63n(int64(span)))
}

// iterate is one presence tick: gate, context, decide, execute, record.
func (l *Loop) iterate(ctx context.Context) {
	snap := l.snapshot()

	gate := gates.All(gates.NotSleeping, gates.NoRecentUser(quietWindowMinutes), gates.NoSpecialMode)
	if res := gate(snap); !res.Allowed {
		logger.DebugCF("presence", "Gate denied", map[string]any{"reason": res.Reason})
		l.ledger.RecordRun()
		return
	}

	energy := 0.5
	if v, ok := l.scalars.Get("creative_energy"); ok {
		energy = v
	}
	ready := l.impulses.Ready(energy)

	prompt := l.buildContext(snap, ready)
	raw, err := l.decider.Decide(ctx, prompt)
	if err != nil {
		// Collaborator failure: abort the iteration without ledger
		// mutation; the next wakeup retries.
		logger.ErrorCF("presence", "Decider unavailable", map[string]any{"error": err.Error()})
		return
	}

	decision, err := ParseDecision(raw)
	if err != nil {
		logger.WarnCF("presence", "Unparseable decision, staying idle", map[string]any{
			"error": err.Error(),
		})
		l.ledger.RecordRun()
		return
	}

	logger.InfoCF("presence", "Decision taken", map[string]any{
		"action":    string(decision.Action),
		"reasoning": truncate(decision.Reasoning, 120),
	})

	if !decision.IsIdle() {
		l.executor.Execute(ctx, decision)
	}
	l.ledger.RecordDecision(decision)

	// An expressive action confirms the strongest ready urge: it is
	// marked fired only now, so decider failures never consume quota.
	if consumesImpulse(decision.Action) && len(ready) > 0 {
		l.confirmFire(ready[0])
	}
}

// consumesImpulse reports whether the action expresses an urge; sleep,
// idle and housekeeping leave impulses maturing.
func consumesImpulse(a Action) bool {
	switch a {
	case ActionSendMessage, ActionSuggestActivity, ActionInitiateCreativeProject,
		ActionResearch, ActionContemplate:
		return true
	}
	return false
}

func (l *Loop) confirmFire(top impulse.ReadyImpulse) {
	if err := l.impulses.MarkFired(top.Impulse.ID); err != nil {
		logger.WarnCF("presence", "Impulse fire not confirmed", map[string]any{
			"impulse_id": top.Impulse.ID,
			"error":      err.Error(),
		})
		return
	}
	if l.fires != nil {
		if err := l.fires.RecordImpulseFire(string(top.Impulse.Kind), top.Impulse.Context, top.Charge); err != nil {
			logger.WarnCF("presence", "Impulse fire not journaled", map[string]any{
				"error": err.Error(),
			})
		}
	}
}

func (l *Loop) snapshot() gates.Snapshot {
	minutes := 1 << 30
	if at, ok := l.conversation.LastUserMessageAt(); ok {
		minutes = clock.MinutesSince(l.clk, at)
	}
	return gates.Snapshot{
		Now:                 l.clk.Now(),
		IsSleeping:          l.sleeper.IsSleeping(),
		SpecialModeActive:   l.activity.SpecialModeActive(),
		MinutesSinceUserMsg: minutes,
	}
}

// buildContext assembles the decision prompt: time, silence, state
// scalars, maturing impulses, the conversation tail and the last few
// decisions.
func (l *Loop) buildContext(snap gates.Snapshot, ready []impulse.ReadyImpulse) string {
	values, tags := l.scalars.Snapshot()

	var b strings.Builder
	b.WriteString("You are deciding what to do with a quiet moment.\n\n")
	fmt.Fprintf(&b, "Current time: %s\n", clock.FormatForDisplay(l.clk, snap.Now))
	if snap.MinutesSinceUserMsg >= 1<<30 {
		b.WriteString("Minutes since last user message: none yet\n")
	} else {
		fmt.Fprintf(&b, "Minutes since last user message: %d\n", snap.MinutesSinceUserMsg)
	}
	fmt.Fprintf(&b, "Mood: %s | Loop state: %s\n", tags["mood"], tags["loop_state"])

	b.WriteString("\nInternal state:\n")
	for _, name := range []string{"volition", "coherence", "flame", "presence_density", "creative_energy", "loneliness", "trust"} {
		if v, ok := values[name]; ok {
			fmt.Fprintf(&b, "  %s: %.2f\n", name, v)
		}
	}

	if len(ready) > 0 {
		b.WriteString("\nUrges ready to act on (strongest first):\n")
		for _, r := range ready {
			fmt.Fprintf(&b, "  - [%s] charge %.2f: %s\n", r.Impulse.Kind, r.Charge, truncate(r.Impulse.Context, 120))
		}
	}
	if active := l.impulses.ActiveCount(); active > len(ready) {
		fmt.Fprintf(&b, "\nStill maturing impulses: %d\n", active-len(ready))
	}

	if tail := l.conversation.Tail(6); len(tail) > 0 {
		b.WriteString("\nRecent conversation:\n")
		for _, line := range tail {
			fmt.Fprintf(&b, "  %s\n", truncate(line, 160))
		}
	}

	if history := l.ledger.History(); len(history) > 0 {
		b.WriteString("\nYour recent decisions:\n")
		for _, h := range history {
			fmt.Fprintf(&b, "  - %s\n", h)
		}
	}

	b.WriteString(`
Choose exactly one action and reply with JSON only:
{"decision":{"action":"<Action>","payload":{...}},"reasoning":"<why>"}
Actions: SendMessage{intent,content}, SuggestActivity{activity,reason},
InitiateCreativeProject{medium,description}, Research{topic,share_immediately},
Contemplate{topic}, OrganizeMemories{category}, GoToSleep, StayIdle.
StayIdle is always acceptable.`)

	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
