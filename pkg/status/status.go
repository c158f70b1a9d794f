// Package status assembles the read-only status document from the
// persisted ledgers. It reads the same JSON documents the loops write,
// so it works identically inside the daemon and from a separate CLI
// process inspecting a running one.
package status

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dotsetgreg/presenced/pkg/clock"
	"github.com/dotsetgreg/presenced/pkg/config"
	"github.com/dotsetgreg/presenced/pkg/decay"
	"github.com/dotsetgreg/presenced/pkg/impulse"
	"github.com/dotsetgreg/presenced/pkg/presence"
	"github.com/dotsetgreg/presenced/pkg/proactive"
	"github.com/dotsetgreg/presenced/pkg/scalar"
	"github.com/dotsetgreg/presenced/pkg/store"
)

// Read-only views over documents owned by other packages. Only the
// fields the status needs are decoded.
type decayView struct {
	LastDecayAt time.Time `json:"last_decay_at"`
	Cycles      int       `json:"cycles"`
}

type proactiveView struct {
	NextCheckAt    time.Time `json:"next_check_at"`
	LastOutreachAt time.Time `json:"last_outreach_at"`
	SentToday      int       `json:"sent_today"`
}

type presenceView struct {
	LastRunAt    time.Time `json:"last_run_at"`
	LastActionAt time.Time `json:"last_action_at"`
	History      []string  `json:"history"`
}

type impulseView struct {
	Impulses   []impulse.Impulse `json:"impulses"`
	FiredToday int               `json:"fired_today"`
}

type scalarView struct {
	Values map[string]float64 `json:"values"`
	Tags   map[string]string  `json:"tags"`
}

// Document is the assembled status snapshot.
type Document struct {
	GeneratedAt string `json:"generated_at"`

	Mood      string             `json:"mood"`
	LoopState string             `json:"loop_state"`
	Scalars   map[string]float64 `json:"scalars"`

	LastDecayAgo string `json:"last_decay_ago"`
	NextDecayIn  string `json:"next_decay_in"`
	DecayCycles  int    `json:"decay_cycles"`

	NextPresenceIn string `json:"next_presence_in"`
	LastRunAgo     string `json:"last_run_ago"`
	LastActionAgo  string `json:"last_action_ago"`

	NextProactiveCheckIn string `json:"next_proactive_check_in"`
	LastOutreachAgo      string `json:"last_outreach_ago"`
	SentToday            int    `json:"sent_today"`
	ProactiveDailyCap    int    `json:"proactive_daily_cap"`

	FiredToday     int `json:"fired_today"`
	ImpulseMaxCap  int `json:"impulse_max_cap"`
	ActiveImpulses int `json:"active_impulse_count"`

	LastDecisions []string `json:"last_decisions"`
}

// Collect builds the document from whatever is on disk. Missing
// documents read as zero values: a freshly initialized state is a
// valid, mostly-"never" status.
func Collect(clk clock.Clock, st store.Store, cfg *config.Config) (Document, error) {
	now := clk.Now()

	var dv decayView
	if _, err := st.Load(decay.DocumentName, &dv); err != nil {
		return Document{}, err
	}
	var pv proactiveView
	if _, err := st.Load(proactive.DocumentName, &pv); err != nil {
		return Document{}, err
	}
	var prv presenceView
	if _, err := st.Load(presence.DocumentName, &prv); err != nil {
		return Document{}, err
	}
	var iv impulseView
	if _, err := st.Load(impulse.DocumentName, &iv); err != nil {
		return Document{}, err
	}
	var sv scalarView
	if _, err := st.Load(scalar.DocumentName, &sv); err != nil {
		return Document{}, err
	}

	active := 0
	for _, imp := range iv.Impulses {
		if imp.Status == impulse.StatusActive {
			active++
		}
	}

	doc := Document{
		GeneratedAt: clock.FormatForDisplay(clk, now),

		Mood:      sv.Tags["mood"],
		LoopState: sv.Tags["loop_state"],
		Scalars:   sv.Values,

		LastDecayAgo: clock.AgeDisplay(clk, dv.LastDecayAt),
		NextDecayIn: dueWindow(now, dv.LastDecayAt,
			time.Duration(cfg.Decay.QuietProfile.MinMinutes)*time.Minute,
			time.Duration(cfg.Decay.QuietProfile.MaxMinutes)*time.Minute),
		DecayCycles: dv.Cycles,

		NextPresenceIn: dueWindow(now, prv.LastRunAt,
			time.Duration(cfg.Presence.MinIntervalMinutes)*time.Minute,
			time.Duration(cfg.Presence.MaxIntervalMinutes)*time.Minute),
		LastRunAgo:    clock.AgeDisplay(clk, prv.LastRunAt),
		LastActionAgo: clock.AgeDisplay(clk, prv.LastActionAt),

		NextProactiveCheckIn: untilDisplay(now, pv.NextCheckAt),
		LastOutreachAgo:      clock.AgeDisplay(clk, pv.LastOutreachAt),
		SentToday:            pv.SentToday,
		ProactiveDailyCap:    cfg.Proactive.DailyCap,

		FiredToday:     iv.FiredToday,
		ImpulseMaxCap:  cfg.Impulse.MaxDailyCap,
		ActiveImpulses: active,

		LastDecisions: prv.History,
	}
	return doc, nil
}

// dueWindow renders when a jittered loop is next expected, given its
// last run and its wait range.
func dueWindow(now, last time.Time, min, max time.Duration) string {
	if last.IsZero() {
		return fmt.Sprintf("within %s", max.Round(time.Minute))
	}
	elapsed := now.Sub(last)
	lo := min - elapsed
	hi := max - elapsed
	if hi <= 0 {
		return "due now"
	}
	if lo <= 0 {
		return fmt.Sprintf("within %s", hi.Round(time.Minute))
	}
	return fmt.Sprintf("in %s to %s", lo.Round(time.Minute), hi.Round(time.Minute))
}

func untilDisplay(now, at time.Time) string {
	if at.IsZero() {
		return "not scheduled"
	}
	d := at.Sub(now)
	if d <= 0 {
		return "due now"
	}
	return "in " + d.Round(time.Minute).String()
}

// JSON renders the document for machine consumption.
func (d Document) JSON() (string, error) {
	b, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Render formats the document for a terminal.
func (d Document) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "presenced status at %s\n\n", d.GeneratedAt)
	fmt.Fprintf(&b, "  mood: %s   loop: %s\n", d.Mood, d.LoopState)

	if len(d.Scalars) > 0 {
		b.WriteString("\n  scalars:\n")
		for _, name := range []string{"volition", "coherence", "flame", "presence_density", "creative_energy", "loneliness", "trust"} {
			if v, ok := d.Scalars[name]; ok {
				fmt.Fprintf(&b, "    %-17s %.2f\n", name, v)
			}
		}
	}

	b.WriteString("\n  loops:\n")
	fmt.Fprintf(&b, "    decay      last %s, next %s (%d cycles)\n", d.LastDecayAgo, d.NextDecayIn, d.DecayCycles)
	fmt.Fprintf(&b, "    presence   last run %s, next %s, last action %s\n", d.LastRunAgo, d.NextPresenceIn, d.LastActionAgo)
	fmt.Fprintf(&b, "    proactive  check %s, last outreach %s, sent %d/%d today\n",
		d.NextProactiveCheckIn, d.LastOutreachAgo, d.SentToday, d.ProactiveDailyCap)

	fmt.Fprintf(&b, "\n  impulses: %d active, %d fired today (cap %d)\n",
		d.ActiveImpulses, d.FiredToday, d.ImpulseMaxCap)

	if len(d.LastDecisions) > 0 {
		b.WriteString("\n  recent decisions:\n")
		for _, dec := range d.LastDecisions {
			fmt.Fprintf(&b, "    - %s\n", dec)
		}
	}
	return b.String()
}
