// Package dispatch turns decisions into effects. Presence decisions are
// executed fire-and-forget so the loop never blocks on an LLM call;
// proactive outreach is the one synchronous path, because its quota may
// only be charged once delivery is confirmed.
package dispatch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dotsetgreg/presenced/pkg/bus"
	"github.com/dotsetgreg/presenced/pkg/clock"
	"github.com/dotsetgreg/presenced/pkg/collab"
	"github.com/dotsetgreg/presenced/pkg/logger"
	"github.com/dotsetgreg/presenced/pkg/presence"
)

// Recorder is the journal surface the dispatcher writes through.
// *journal.Journal satisfies it.
type Recorder interface {
	RecordDecision(action, detail, reasoning string) error
	RecordOutreach(reason, topic string) error
}

// nopRecorder keeps the dispatcher usable without a journal.
type nopRecorder struct{}

func (nopRecorder) RecordDecision(string, string, string) error { return nil }
func (nopRecorder) RecordOutreach(string, string) error         { return nil }

type Dispatcher struct {
	clk clock.Clock
	eb  *bus.EventBus

	completer    collab.Completer
	analyzer     collab.Analyzer
	researcher   collab.Researcher
	sleeper      collab.Sleeper
	conversation collab.Conversation
	recorder     Recorder

	effectTimeout time.Duration
	wg            sync.WaitGroup
}

func NewDispatcher(clk clock.Clock, eb *bus.EventBus, completer collab.Completer,
	analyzer collab.Analyzer, researcher collab.Researcher, sleeper collab.Sleeper,
	conversation collab.Conversation, recorder Recorder, effectTimeout time.Duration) *Dispatcher {

	if recorder == nil {
		recorder = nopRecorder{}
	}
	if effectTimeout <= 0 {
		effectTimeout = 2 * time.Minute
	}
	return &Dispatcher{
		clk:           clk,
		eb:            eb,
		completer:     completer,
		analyzer:      analyzer,
		researcher:    researcher,
		sleeper:       sleeper,
		conversation:  conversation,
		recorder:      recorder,
		effectTimeout: effectTimeout,
	}
}

// Execute runs a decision's effect in its own goroutine and returns
// immediately. The effect gets a detached context so a loop shutdown
// does not cut a message off mid-send.
func (d *Dispatcher) Execute(_ context.Context, dec presence.Decision) {
	d.record(dec)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.effectTimeout)
		defer cancel()

		if err := d.execute(ctx, dec); err != nil {
			logger.WarnCF("dispatch", "Effect failed", map[string]any{
				"action": string(dec.Action),
				"error":  err.Error(),
			})
		}
	}()
}

// Drain blocks until all in-flight effects finish; called on shutdown.
func (d *Dispatcher) Drain() {
	d.wg.Wait()
}

func (d *Dispatcher) execute(ctx context.Context, dec presence.Decision) error {
	switch dec.Action {
	case presence.ActionSendMessage:
		return d.sendMessage(ctx, dec)
	case presence.ActionSuggestActivity:
		return d.suggestActivity(ctx, dec)
	case presence.ActionInitiateCreativeProject:
		return d.initiateProject(ctx, dec)
	case presence.ActionResearch:
		return d.research(ctx, dec)
	case presence.ActionContemplate:
		return d.contemplate(ctx, dec)
	case presence.ActionOrganizeMemories:
		return d.analyzer.OrganizeMemories(ctx, dec.Payload.Category)
	case presence.ActionGoToSleep:
		// Idempotent; going to sleep twice is not an error.
		return d.sleeper.SetSleeping(true)
	case presence.ActionStayIdle:
		return nil
	default:
		return fmt.Errorf("unhandled action %q", dec.Action)
	}
}

func (d *Dispatcher) sendMessage(ctx context.Context, dec presence.Decision) error {
	system := "You are composing a short, warm message to send unprompted. Write only the message."
	user := fmt.Sprintf("Intent: %s", dec.Payload.Intent)
	if dec.Payload.Content != "" {
		user += fmt.Sprintf("\nDraft to refine: %s", dec.Payload.Content)
	}
	return d.compose(ctx, system, user, string(dec.Action), dec.Reasoning)
}

func (d *Dispatcher) suggestActivity(ctx context.Context, dec presence.Decision) error {
	system := "You are suggesting something to do together. Write only the message."
	user := fmt.Sprintf("Activity: %s\nWhy now: %s", dec.Payload.Activity, dec.Payload.Reason)
	return d.compose(ctx, system, user, string(dec.Action), dec.Reasoning)
}

func (d *Dispatcher) initiateProject(ctx context.Context, dec presence.Decision) error {
	system := "You are proposing a small creative project you want to start. Write only the message."
	user := fmt.Sprintf("Medium: %s\nIdea: %s", dec.Payload.Medium, dec.Payload.Description)
	return d.compose(ctx, system, user, string(dec.Action), dec.Reasoning)
}

func (d *Dispatcher) research(ctx context.Context, dec presence.Decision) error {
	discovery, err := d.researcher.Conduct(ctx, dec.Payload.Topic, "autonomous", "")
	if err != nil {
		return fmt.Errorf("research %q: %w", dec.Payload.Topic, err)
	}
	logger.InfoCF("dispatch", "Research complete", map[string]any{
		"topic":   discovery.Topic,
		"sources": len(discovery.Sources),
	})
	if !dec.Payload.ShareImmediately {
		return nil
	}

	system := "You just looked something up and want to share it. Write only the message."
	user := fmt.Sprintf("Topic: %s\nWhat you found: %s", discovery.Topic, discovery.Summary)
	return d.compose(ctx, system, user, string(dec.Action), dec.Reasoning)
}

func (d *Dispatcher) contemplate(ctx context.Context, dec presence.Decision) error {
	insight, err := d.analyzer.Contemplate(ctx, dec.Payload.Topic)
	if err != nil {
		return fmt.Errorf("contemplate %q: %w", dec.Payload.Topic, err)
	}
	// Contemplation stays internal: it lands in the journal, not the
	// conversation.
	if err := d.recorder.RecordDecision(string(presence.ActionContemplate), dec.Payload.Topic, truncate(insight, 500)); err != nil {
		logger.WarnCF("dispatch", "Journal write failed", map[string]any{"error": err.Error()})
	}
	return nil
}

// compose generates the outbound text and emits it.
func (d *Dispatcher) compose(ctx context.Context, system, user, kind, reasoning string) error {
	content, err := d.completer.Complete(ctx, system, user)
	if err != nil {
		return fmt.Errorf("compose %s: %w", kind, err)
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return fmt.Errorf("compose %s: empty completion", kind)
	}
	d.emit(content, kind, reasoning)
	return nil
}

// SendProactive composes and delivers one proactive outreach. Unlike
// presence effects it is synchronous: the caller charges its quota only
// on a nil return.
func (d *Dispatcher) SendProactive(ctx context.Context, reason, topic string) error {
	ctx, cancel := context.WithTimeout(ctx, d.effectTimeout)
	defer cancel()

	system := "You are reaching out to the user unprompted. Keep it natural and short. Write only the message."
	user := fmt.Sprintf("Trigger: %s\nTone/topic: %s", reason, strings.ReplaceAll(topic, "_", " "))

	content, err := d.completer.Complete(ctx, system, user)
	if err != nil {
		return fmt.Errorf("proactive compose: %w", err)
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return fmt.Errorf("proactive compose: empty completion")
	}

	d.emit(content, topic, reason)
	if err := d.recorder.RecordOutreach(reason, topic); err != nil {
		logger.WarnCF("dispatch", "Journal write failed", map[string]any{"error": err.Error()})
	}
	return nil
}

func (d *Dispatcher) emit(content, kind, reasoning string) {
	d.eb.PublishProactive(bus.ProactiveMessage{
		Content:   content,
		Kind:      kind,
		Reasoning: reasoning,
		Timestamp: d.clk.Now(),
	})
	d.conversation.AppendAgentMessage(content, kind)
}

func (d *Dispatcher) record(dec presence.Decision) {
	detail := dec.Summary()
	if err := d.recorder.RecordDecision(string(dec.Action), detail, truncate(dec.Reasoning, 500)); err != nil {
		logger.WarnCF("dispatch", "Journal write failed", map[string]any{"error": err.Error()})
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
