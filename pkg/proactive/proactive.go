// Package proactive decides whether the agent reaches out to the user
// unprompted. It is not a loop of its own: the decay loop invokes Check
// on each tick, and the gate does nothing until its own next-check time
// has arrived.
package proactive

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/dotsetgreg/presenced/pkg/clock"
	"github.com/dotsetgreg/presenced/pkg/collab"
	"github.com/dotsetgreg/presenced/pkg/gates"
	"github.com/dotsetgreg/presenced/pkg/logger"
	"github.com/dotsetgreg/presenced/pkg/scalar"
	"github.com/dotsetgreg/presenced/pkg/store"
)

// DocumentName is the ledger document for outreach accounting.
const DocumentName = "proactive_ledger"

// Topics is the closed set of outreach topic tags. Anything the
// evaluator proposes outside this set falls back to the timing
// heuristic.
var Topics = []string{
	"follow_up_thought",
	"casual_continuation",
	"presence_check",
	"bridge_the_gap",
	"share_insight",
	"creative_collaboration",
	"seek_input",
	"share_discovery",
	"emotional_support",
	"playful_energy",
	"curiosity_driven",
	"dream_sharing",
}

// Sender delivers one proactive message. It returns only after the
// message has actually been handed off, so the quota can be charged on
// success alone.
type Sender interface {
	SendProactive(ctx context.Context, reason, topic string) error
}

type ledgerDoc struct {
	LastCheckAt    time.Time `json:"last_check_at,omitzero"`
	NextCheckAt    time.Time `json:"next_check_at,omitzero"`
	LastOutreachAt time.Time `json:"last_outreach_at,omitzero"`
	SentToday      int       `json:"sent_today"`
	LastDailyReset time.Time `json:"last_daily_reset"`
}

type Config struct {
	DailyCap         int
	MinCooldown      time.Duration
	CheckIntervalMin time.Duration
	CheckIntervalMax time.Duration
}

// Gate owns the proactive ledger and the outreach decision procedure.
type Gate struct {
	clk clock.Clock
	st  store.Store

	evaluator collab.Evaluator
	reasoner  collab.Completer
	sender    Sender

	sleeper      collab.Sleeper
	activity     collab.Activity
	conversation collab.Conversation
	scalars      *scalar.State

	rng *rand.Rand
	cfg Config

	mu             sync.Mutex
	lastCheckAt    time.Time
	nextCheckAt    time.Time
	lastOutreachAt time.Time
	sentToday      int
	lastDailyReset time.Time
	interests      []string
}

func NewGate(clk clock.Clock, st store.Store, evaluator collab.Evaluator, reasoner collab.Completer,
	sender Sender, sleeper collab.Sleeper, activity collab.Activity, conversation collab.Conversation,
	scalars *scalar.State, rng *rand.Rand, cfg Config) (*Gate, error) {

	if cfg.DailyCap <= 0 {
		cfg.DailyCap = 3
	}
	if cfg.MinCooldown <= 0 {
		cfg.MinCooldown = 2 * time.Hour
	}
	if cfg.CheckIntervalMin <= 0 {
		cfg.CheckIntervalMin = time.Hour
	}
	if cfg.CheckIntervalMax < cfg.CheckIntervalMin {
		cfg.CheckIntervalMax = cfg.CheckIntervalMin
	}

	g := &Gate{
		clk:            clk,
		st:             st,
		evaluator:      evaluator,
		reasoner:       reasoner,
		sender:         sender,
		sleeper:        sleeper,
		activity:       activity,
		conversation:   conversation,
		scalars:        scalars,
		rng:            rng,
		cfg:            cfg,
		lastDailyReset: clk.Now(),
	}

	var doc ledgerDoc
	found, err := st.Load(DocumentName, &doc)
	if err != nil {
		return nil, fmt.Errorf("load proactive ledger: %w", err)
	}
	if found {
		g.lastCheckAt = doc.LastCheckAt
		g.nextCheckAt = doc.NextCheckAt
		g.lastOutreachAt = doc.LastOutreachAt
		g.sentToday = doc.SentToday
		if !doc.LastDailyReset.IsZero() {
			g.lastDailyReset = doc.LastDailyReset
		}
	}
	return g, nil
}

// SetInterests updates the tracked interest list used in the
// likelihood context.
func (g *Gate) SetInterests(interests []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.interests = append([]string(nil), interests...)
}

// Check is invoked from each decay tick. It is cheap unless the
// next-check time has arrived.
func (g *Gate) Check(ctx context.Context) {
	now := g.clk.Now()

	g.mu.Lock()
	g.rolloverLocked(now)
	if !g.nextCheckAt.IsZero() && now.Before(g.nextCheckAt) {
		g.mu.Unlock()
		return
	}
	g.lastCheckAt = now

	snap := gates.Snapshot{
		Now:               now,
		IsSleeping:        g.sleeper.IsSleeping(),
		SpecialModeActive: g.activity.SpecialModeActive(),
		SentToday:         g.sentToday,
		DailyCap:          g.cfg.DailyCap,
		LastActionAt:      g.lastOutreachAt,
	}
	hours := g.hoursSinceChatLocked()
	prompt := g.buildContextLocked(now, hours)
	g.scheduleNextLocked(now)
	g.persistBestEffortLocked()
	g.mu.Unlock()

	gate := gates.All(gates.NotSleeping, gates.NoSpecialMode, gates.UnderDailyCap,
		gates.PastCooldown(g.cfg.MinCooldown))
	if res := gate(snap); !res.Allowed {
		logger.DebugCF("proactive", "Outreach denied", map[string]any{"reason": res.Reason})
		return
	}

	likelihood, err := g.evaluator.Likelihood(ctx, prompt)
	if err != nil {
		likelihood = fallbackLikelihood(hours)
		logger.WarnCF("proactive", "Evaluator unavailable, using timing heuristic", map[string]any{
			"error":      err.Error(),
			"likelihood": likelihood,
		})
	}

	draw := g.uniformDraw()
	if likelihood <= draw {
		logger.DebugCF("proactive", "Outreach not warranted", map[string]any{
			"likelihood": likelihood,
			"draw":       fmt.Sprintf("%.1f", draw),
		})
		return
	}

	reason, topic := g.deriveTrigger(ctx, hours)
	if err := g.sender.SendProactive(ctx, reason, topic); err != nil {
		// No quota charge for a message that never went out.
		logger.WarnCF("proactive", "Outreach dispatch failed", map[string]any{
			"topic": topic,
			"error": err.Error(),
		})
		return
	}

	g.mu.Lock()
	g.sentToday++
	g.lastOutreachAt = g.clk.Now()
	g.persistBestEffortLocked()
	sent := g.sentToday
	g.mu.Unlock()

	logger.InfoCF("proactive", "Proactive message sent", map[string]any{
		"topic":      topic,
		"reason":     reason,
		"sent_today": sent,
		"daily_cap":  g.cfg.DailyCap,
	})
}

func (g *Gate) NextCheckAt() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.nextCheckAt
}

func (g *Gate) SentToday() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rolloverLocked(g.clk.Now())
	return g.sentToday
}

func (g *Gate) DailyCap() int { return g.cfg.DailyCap }

func (g *Gate) LastOutreachAt() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastOutreachAt
}

func (g *Gate) rolloverLocked(now time.Time) {
	if clock.SameCivilDay(g.clk, g.lastDailyReset, now) {
		return
	}
	if g.sentToday > 0 {
		logger.InfoCF("proactive", "Daily outreach quota reset", map[string]any{
			"sent_yesterday": g.sentToday,
		})
	}
	g.sentToday = 0
	g.lastDailyReset = now
}

func (g *Gate) scheduleNextLocked(now time.Time) {
	span := g.cfg.CheckIntervalMax - g.cfg.CheckIntervalMin
	wait := g.cfg.CheckIntervalMin
	if span > 0 {
		wait += time.Duration(g.rng.Int63n(int64(span)))
	}
	g.nextCheckAt = now.Add(wait)
}

func (g *Gate) hoursSinceChatLocked() float64 {
	at, ok := g.conversation.LastUserMessageAt()
	if !ok {
		return float64(1 << 20)
	}
	return clock.HoursSince(g.clk, at)
}

func (g *Gate) uniformDraw() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rng.Float64() * 100
}

// fallbackLikelihood is the deterministic stand-in when the evaluator
// is down: grows with silence, capped well below certainty.
func fallbackLikelihood(hoursSinceChat float64) float64 {
	l := hoursSinceChat / 12 * 30
	if l > 40 {
		l = 40
	}
	return l
}

func (g *Gate) buildContextLocked(now time.Time, hours float64) string {
	values, tags := g.scalars.Snapshot()

	var b strings.Builder
	b.WriteString("Judge how much the agent should reach out right now, 0-100.\n\n")
	fmt.Fprintf(&b, "Current time: %s\n", clock.FormatForDisplay(g.clk, now))
	if hours >= float64(1<<20) {
		b.WriteString("Hours since last chat: no conversation yet\n")
	} else {
		fmt.Fprintf(&b, "Hours since last chat: %.1f\n", hours)
	}
	fmt.Fprintf(&b, "Mood: %s\n", tags["mood"])
	for _, name := range []string{"volition", "trust", "loneliness"} {
		if v, ok := values[name]; ok {
			fmt.Fprintf(&b, "%s: %.2f\n", name, v)
		}
	}
	if len(g.interests) > 0 {
		fmt.Fprintf(&b, "Current interests: %s\n", strings.Join(g.interests, ", "))
	}
	fmt.Fprintf(&b, "Messages sent today: %d of %d\n", g.sentToday, g.cfg.DailyCap)
	b.WriteString("\nReply with a single number between 0 and 100.")
	return b.String()
}

type triggerWire struct {
	Reason string `json:"reason"`
	Topic  string `json:"topic"`
}

// deriveTrigger composes the (reason, topic) pair for the outreach.
// The model gets the first word; anything unusable degrades to the
// timing heuristic.
func (g *Gate) deriveTrigger(ctx context.Context, hours float64) (string, string) {
	fallbackReason, fallbackTopic := timingTrigger(hours)
	if g.reasoner == nil {
		return fallbackReason, fallbackTopic
	}

	user := fmt.Sprintf(
		"It has been %.1f hours since the last chat. Why reach out now, and under which topic?\n"+
			"Topics: %s\nReply with JSON only: {\"reason\":\"...\",\"topic\":\"...\"}",
		hours, strings.Join(Topics, ", "))

	raw, err := g.reasoner.Complete(ctx,
		"You name the genuine trigger behind a proactive message.", user)
	if err != nil {
		return fallbackReason, fallbackTopic
	}

	var wire triggerWire
	if jsonErr := json.Unmarshal([]byte(raw), &wire); jsonErr != nil {
		if start, end := strings.Index(raw, "{"), strings.LastIndex(raw, "}"); start >= 0 && end > start {
			_ = json.Unmarshal([]byte(raw[start:end+1]), &wire)
		}
	}
	if wire.Reason == "" || !knownTopic(wire.Topic) {
		return fallbackReason, fallbackTopic
	}
	return wire.Reason, wire.Topic
}

// timingTrigger classifies purely by how long the silence has been.
func timingTrigger(hours float64) (string, string) {
	switch {
	case hours >= 72:
		return "a long stretch of silence worth bridging", "bridge_the_gap"
	case hours >= 24:
		return "a day has passed without contact", "presence_check"
	case hours >= 6:
		return "picking the conversation back up", "casual_continuation"
	default:
		return "a thought from earlier worth following up", "follow_up_thought"
	}
}

func knownTopic(topic string) bool {
	for _, t := range Topics {
		if t == topic {
			return true
		}
	}
	return false
}

func (g *Gate) persistBestEffortLocked() {
	doc := ledgerDoc{
		LastCheckAt:    g.lastCheckAt,
		NextCheckAt:    g.nextCheckAt,
		LastOutreachAt: g.lastOutreachAt,
		SentToday:      g.sentToday,
		LastDailyReset: g.lastDailyReset,
	}
	if err := g.st.Save(DocumentName, doc); err != nil {
		logger.WarnCF("proactive", "Ledger save failed", map[string]any{"error": err.Error()})
	}
}
