// Package impulse keeps the store of time-charged urges. An impulse is
// created with a base charge and matures along a kind-specific curve;
// once its charge crosses its trigger threshold it becomes eligible to
// fire, subject to a daily quota that resets on civil-day boundaries.
package impulse

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dotsetgreg/presenced/pkg/clock"
	"github.com/dotsetgreg/presenced/pkg/logger"
	"github.com/dotsetgreg/presenced/pkg/store"
)

const DocumentName = "impulse_store"

type Kind string

const (
	KindCreativeSpark     Kind = "creative_spark"
	KindCollaborativeIdea Kind = "collaborative_idea"
	KindRelationalMoment  Kind = "relational_moment"
	KindMemoryThread      Kind = "memory_thread"
	KindCuriosity         Kind = "curiosity"
	KindUnfinishedThought Kind = "unfinished_thought"
	KindResearchCuriosity Kind = "research_curiosity"
)

func knownKind(k Kind) bool {
	switch k {
	case KindCreativeSpark, KindCollaborativeIdea, KindRelationalMoment,
		KindMemoryThread, KindCuriosity, KindUnfinishedThought, KindResearchCuriosity:
		return true
	}
	return false
}

// kind classes share a maturation curve.
func isCreativeKind(k Kind) bool {
	return k == KindCreativeSpark || k == KindCollaborativeIdea
}

func isRelationalKind(k Kind) bool {
	return k == KindRelationalMoment || k == KindMemoryThread
}

func isCuriosityKind(k Kind) bool {
	return k == KindCuriosity || k == KindUnfinishedThought || k == KindResearchCuriosity
}

type Status string

const (
	StatusActive  Status = "active"
	StatusFired   Status = "fired"
	StatusExpired Status = "expired"
)

// Amplifier names an input an impulse's charge responds to.
const (
	AmplifierTime           = "time"
	AmplifierCreativeEnergy = "creative_energy"
)

type Impulse struct {
	ID               string    `json:"id"`
	Kind             Kind      `json:"kind"`
	BaseCharge       float64   `json:"base_charge"`
	TriggerThreshold float64   `json:"trigger_threshold"`
	DecayRate        float64   `json:"decay_rate"`
	CreatedAt        time.Time `json:"created_at"`
	Context          string    `json:"context"`
	Amplifiers       []string  `json:"amplifiers"`
	Status           Status    `json:"status"`
	FiredAt          time.Time `json:"fired_at,omitzero"`
	PeakCharge       float64   `json:"peak_charge"`
}

func (i *Impulse) hasAmplifier(name string) bool {
	for _, a := range i.Amplifiers {
		if a == name {
			return true
		}
	}
	return false
}

// ReadyImpulse pairs an impulse with the charge it was selected at.
// The charge includes the selection-time noise and is never persisted.
type ReadyImpulse struct {
	Impulse Impulse
	Charge  float64
}

type engineDoc struct {
	Impulses       []Impulse `json:"impulses"`
	FiredToday     int       `json:"fired_today"`
	TotalFired     int       `json:"total_fired"`
	TotalCreated   int       `json:"total_created"`
	LastDailyReset time.Time `json:"last_daily_reset"`
	LastResearchAt time.Time `json:"last_research_at"`
}

// fallback topics when no interests are tracked yet.
var defaultResearchTopics = []string{
	"how memories consolidate during rest",
	"emergence in complex systems",
	"why certain songs feel like places",
	"the history of long-distance friendships",
}

// Engine owns the impulse set and its daily counters.
type Engine struct {
	mu  sync.Mutex
	clk clock.Clock
	st  store.Store
	// rng supplies selection noise and the research-curiosity draw;
	// injected so tests can script it.
	rng *rand.Rand

	baseCap int
	maxCap  int

	impulses       map[string]*Impulse
	firedToday     int
	totalFired     int
	totalCreated   int
	lastDailyReset time.Time
	lastResearchAt time.Time

	interests []string

	limitCache struct {
		key   float64
		value int
		at    time.Time
	}
}

func NewEngine(clk clock.Clock, st store.Store, rng *rand.Rand, baseCap, maxCap int) *Engine {
	if baseCap <= 0 {
		baseCap = 3
	}
	if maxCap < baseCap {
		maxCap = baseCap
	}
	return &Engine{
		clk:            clk,
		st:             st,
		rng:            rng,
		baseCap:        baseCap,
		maxCap:         maxCap,
		impulses:       make(map[string]*Impulse),
		lastDailyReset: clk.Now(),
		lastResearchAt: clk.Now(),
	}
}

// Load restores the persisted impulse set. Impulses with unknown kinds
// are dropped with a warning rather than carried forward.
func Load(clk clock.Clock, st store.Store, rng *rand.Rand, baseCap, maxCap int) (*Engine, error) {
	e := NewEngine(clk, st, rng, baseCap, maxCap)

	var doc engineDoc
	ok, err := st.Load(DocumentName, &doc)
	if err != nil {
		return nil, err
	}
	if !ok {
		return e, e.persistLocked()
	}

	e.firedToday = doc.FiredToday
	e.totalFired = doc.TotalFired
	e.totalCreated = doc.TotalCreated
	e.lastDailyReset = doc.LastDailyReset
	e.lastResearchAt = doc.LastResearchAt
	for i := range doc.Impulses {
		imp := doc.Impulses[i]
		if !knownKind(imp.Kind) {
			logger.WarnCF("impulse", "Dropping impulse with unknown kind", map[string]any{
				"id":   imp.ID,
				"kind": string(imp.Kind),
			})
			continue
		}
		e.impulses[imp.ID] = &imp
	}
	return e, nil
}

// SetInterests feeds the research-curiosity generator's topic pool.
func (e *Engine) SetInterests(topics []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.interests = append([]string(nil), topics...)
}

// NoteResearchConducted resets the research hunger timer.
func (e *Engine) NoteResearchConducted() {
	e.mu.Lock()
	e.lastResearchAt = e.clk.Now()
	e.persistBestEffortLocked()
	e.mu.Unlock()
}

// Store inserts impulses, assigning ids and creation times when absent.
func (e *Engine) Store(impulses []Impulse) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, imp := range impulses {
		if !knownKind(imp.Kind) {
			logger.WarnCF("impulse", "Rejecting impulse with unknown kind", map[string]any{
				"kind": string(imp.Kind),
			})
			continue
		}
		if imp.ID == "" {
			imp.ID = uuid.New().String()
		}
		if imp.CreatedAt.IsZero() {
			imp.CreatedAt = e.clk.Now()
		}
		if imp.Status == "" {
			imp.Status = StatusActive
		}
		imp.BaseCharge = clamp01(imp.BaseCharge)
		if imp.PeakCharge < imp.BaseCharge {
			imp.PeakCharge = imp.BaseCharge
		}
		stored := imp
		e.impulses[stored.ID] = &stored
		e.totalCreated++
	}
	return e.persistLocked()
}

// Ready returns the impulses whose charge meets their threshold right
// now, strongest first, bounded by today's remaining quota. It never
// returns an error: persistence problems are logged and retried on the
// next successful save.
func (e *Engine) Ready(creativeEnergy float64) []ReadyImpulse {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clk.Now()
	e.rolloverLocked(now)
	e.maybeGenerateResearchLocked(now)

	limit := e.dailyLimitLocked(creativeEnergy, now)
	remaining := limit - e.firedToday
	if remaining <= 0 {
		e.persistBestEffortLocked()
		return nil
	}

	var ready []ReadyImpulse
	for _, imp := range e.impulses {
		if imp.Status != StatusActive {
			continue
		}
		det := e.deterministicCharge(imp, creativeEnergy, now)
		if det > imp.PeakCharge {
			imp.PeakCharge = det
		}
		// Organic variation at selection time only; never stored.
		noisy := det * (0.9 + e.rng.Float64()*0.2)
		if noisy >= imp.TriggerThreshold {
			ready = append(ready, ReadyImpulse{Impulse: *imp, Charge: noisy})
		}
	}

	sort.Slice(ready, func(i, j int) bool { return ready[i].Charge > ready[j].Charge })
	if len(ready) > remaining {
		ready = ready[:remaining]
	}

	e.persistBestEffortLocked()
	return ready
}

// MarkFired confirms that an impulse's action actually went out. Only
// here do the daily counters move, so collaborator failures never
// consume quota.
func (e *Engine) MarkFired(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	imp, ok := e.impulses[id]
	if !ok {
		return fmt.Errorf("impulse %s not found", id)
	}
	if imp.Status != StatusActive {
		return fmt.Errorf("impulse %s is %s, not active", id, imp.Status)
	}

	now := e.clk.Now()
	e.rolloverLocked(now)
	imp.Status = StatusFired
	imp.FiredAt = now
	e.firedToday++
	e.totalFired++
	return e.persistLocked()
}

// Cleanup drops active impulses whose charge has decayed below 0.1 and
// fired/expired entries older than a week.
func (e *Engine) Cleanup(creativeEnergy float64) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clk.Now()
	const ttl = 7 * 24 * time.Hour

	removed := 0
	for id, imp := range e.impulses {
		switch imp.Status {
		case StatusActive:
			if e.deterministicCharge(imp, creativeEnergy, now) < 0.1 {
				delete(e.impulses, id)
				removed++
			}
		case StatusFired, StatusExpired:
			ref := imp.FiredAt
			if ref.IsZero() {
				ref = imp.CreatedAt
			}
			if now.Sub(ref) > ttl {
				delete(e.impulses, id)
				removed++
			}
		}
	}
	if removed > 0 {
		e.persistBestEffortLocked()
	}
	return removed
}

// DailyLimit computes today's quota: base cap plus a creative-energy
// bonus, never above the hard ceiling. Cached for 60s on the rounded
// energy so hot paths do not churn.
func (e *Engine) DailyLimit(creativeEnergy float64) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dailyLimitLocked(creativeEnergy, e.clk.Now())
}

func (e *Engine) dailyLimitLocked(energy float64, now time.Time) int {
	key := math.Round(energy*100) / 100
	if e.limitCache.value > 0 && e.limitCache.key == key && now.Sub(e.limitCache.at) < time.Minute {
		return e.limitCache.value
	}

	bonus := 0
	switch {
	case energy > 0.8:
		bonus = 2
	case energy > 0.5:
		bonus = 1
	}
	limit := e.baseCap + bonus
	if limit > e.maxCap {
		limit = e.maxCap
	}

	e.limitCache.key = key
	e.limitCache.value = limit
	e.limitCache.at = now
	return limit
}

// FiredToday returns today's confirmed fire count after a lazy rollover.
func (e *Engine) FiredToday() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rolloverLocked(e.clk.Now())
	return e.firedToday
}

// ActiveCount reports how many impulses are still maturing.
func (e *Engine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, imp := range e.impulses {
		if imp.Status == StatusActive {
			n++
		}
	}
	return n
}

// Counters returns (firedToday, totalFired, totalCreated).
func (e *Engine) Counters() (int, int, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rolloverLocked(e.clk.Now())
	return e.firedToday, e.totalFired, e.totalCreated
}

// Snapshot copies every impulse for the console and status views.
func (e *Engine) Snapshot() []Impulse {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Impulse, 0, len(e.impulses))
	for _, imp := range e.impulses {
		out = append(out, *imp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// rolloverLocked resets the daily fire counter when the civil day has
// advanced. Active impulses survive the boundary.
func (e *Engine) rolloverLocked(now time.Time) {
	if clock.SameCivilDay(e.clk, e.lastDailyReset, now) {
		return
	}
	logger.InfoCF("impulse", "Civil day rollover, resetting daily counter", map[string]any{
		"fired_yesterday": e.firedToday,
	})
	e.firedToday = 0
	e.lastDailyReset = now
}

// maybeGenerateResearchLocked synthesizes a research-curiosity impulse
// when research has gone stale and a random draw clears 0.7.
func (e *Engine) maybeGenerateResearchLocked(now time.Time) {
	hours := now.Sub(e.lastResearchAt).Hours()
	if e.lastResearchAt.IsZero() {
		hours = 48
	}
	if hours <= 24 {
		return
	}
	if e.rng.Float64() <= 0.7 {
		return
	}

	topics := e.interests
	if len(topics) == 0 {
		topics = defaultResearchTopics
	}
	topic := topics[e.rng.Intn(len(topics))]

	base := clamp01(hours / 48)
	imp := &Impulse{
		ID:               uuid.New().String(),
		Kind:             KindResearchCuriosity,
		BaseCharge:       base,
		TriggerThreshold: 0.7,
		DecayRate:        0.015,
		CreatedAt:        now,
		Context:          "research pull: " + topic,
		Amplifiers:       []string{AmplifierTime},
		Status:           StatusActive,
		PeakCharge:       base,
	}
	e.impulses[imp.ID] = imp
	e.totalCreated++
	e.lastResearchAt = now

	logger.DebugCF("impulse", "Generated research curiosity impulse", map[string]any{
		"topic":       topic,
		"base_charge": fmt.Sprintf("%.2f", base),
	})
}

// deterministicCharge is the noise-free charge used for peaks, cleanup
// and maturation tests.
func (e *Engine) deterministicCharge(imp *Impulse, energy float64, now time.Time) float64 {
	charge := imp.BaseCharge
	if imp.hasAmplifier(AmplifierTime) {
		charge *= timeFactor(imp, now.Sub(imp.CreatedAt).Hours())
	}
	if imp.hasAmplifier(AmplifierCreativeEnergy) {
		charge *= creativeFactor(imp.Kind, energy)
	}
	if charge > 1 {
		charge = 1
	}
	if charge < 0 {
		charge = 0
	}
	return charge
}

// timeFactor is the kind-specific maturation profile: a linear ramp to
// the kind's peak multiplier, a plateau, then decay toward a floor. The
// impulse's own decay rate, when set, overrides the kind default.
func timeFactor(imp *Impulse, ageHours float64) float64 {
	if ageHours < 0 {
		ageHours = 0
	}

	type profile struct {
		peak      float64
		rampHours float64
		flatUntil float64
		decayPerH float64
		floor     float64
	}

	var p profile
	switch {
	case isCreativeKind(imp.Kind):
		p = profile{peak: 1.6, rampHours: 8, flatUntil: 72, decayPerH: 0.005, floor: 0.4}
	case isRelationalKind(imp.Kind):
		p = profile{peak: 1.4, rampHours: 24, flatUntil: 168, decayPerH: 0.002, floor: 0.6}
	case isCuriosityKind(imp.Kind):
		p = profile{peak: 1.5, rampHours: 16, flatUntil: 96, decayPerH: 0.01, floor: 0.3}
	default:
		p = profile{peak: 1.3, rampHours: 48, flatUntil: 48, decayPerH: 0.02 / 24, floor: 0.5}
	}

	if imp.DecayRate > 0 {
		p.decayPerH = imp.DecayRate
	}

	switch {
	case ageHours <= p.rampHours:
		return 1 + (p.peak-1)*(ageHours/p.rampHours)
	case ageHours <= p.flatUntil:
		return p.peak
	default:
		f := p.peak * (1 - p.decayPerH*(ageHours-p.flatUntil))
		if f < p.floor {
			return p.floor
		}
		return f
	}
}

func creativeFactor(kind Kind, energy float64) float64 {
	switch {
	case isCreativeKind(kind):
		return 1 + 0.4*clamp01(energy)
	case isCuriosityKind(kind):
		return 1 + 0.2*clamp01(energy)
	default:
		return 1.0
	}
}

func (e *Engine) persistLocked() error {
	doc := engineDoc{
		Impulses:       make([]Impulse, 0, len(e.impulses)),
		FiredToday:     e.firedToday,
		TotalFired:     e.totalFired,
		TotalCreated:   e.totalCreated,
		LastDailyReset: e.lastDailyReset,
		LastResearchAt: e.lastResearchAt,
	}
	for _, imp := range e.impulses {
		doc.Impulses = append(doc.Impulses, *imp)
	}
	sort.Slice(doc.Impulses, func(i, j int) bool {
		return doc.Impulses[i].CreatedAt.Before(doc.Impulses[j].CreatedAt)
	})
	return e.st.Save(DocumentName, doc)
}

func (e *Engine) persistBestEffortLocked() {
	if err := e.persistLocked(); err != nil {
		logger.WarnCF("impulse", "Persist failed, keeping in-memory state", map[string]any{
			"error": err.Error(),
		})
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
