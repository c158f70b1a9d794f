// Package collab declares the narrow capability interfaces the
// scheduler depends on. Everything outside the scheduler core (LLM
// calls, research, analysis, sleep state, conversation history) sits
// behind one of these, so the loops can run against fakes in tests and
// degrade cleanly when a collaborator is down.
package collab

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable marks a collaborator call that failed or timed out.
// The affected loop iteration aborts without mutating any ledger.
var ErrUnavailable = errors.New("collaborator unavailable")

// Decider asks the model to pick an autonomous action. The reply is the
// raw text; the presence loop owns decoding.
type Decider interface {
	Decide(ctx context.Context, prompt string) (string, error)
}

// Evaluator scores the likelihood of a proactive outreach in [0,100].
type Evaluator interface {
	Likelihood(ctx context.Context, prompt string) (float64, error)
}

// Completer produces the actual message text for a dispatched action.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// PromptBuilder assembles the full model prompt; opaque to the
// scheduler.
type PromptBuilder interface {
	Build(basePrompt string, snapshot map[string]any, directive string) string
}

// AnalysisResult carries the deltas an analysis pass wants applied.
// The scheduler writes them through without interpreting them.
type AnalysisResult struct {
	ScalarDeltas map[string]float64
	MoodTag      string
	Notes        []string
}

// Analyzer runs the batched and evolution analyses, contemplation and
// memory organization.
type Analyzer interface {
	Batched(ctx context.Context, contextBlock string) (AnalysisResult, error)
	Evolution(ctx context.Context, contextBlock string) (AnalysisResult, error)
	Contemplate(ctx context.Context, topic string) (string, error)
	OrganizeMemories(ctx context.Context, category string) error
}

// Discovery is the output of one research run.
type Discovery struct {
	Topic   string
	Summary string
	Sources []string
}

type Researcher interface {
	Conduct(ctx context.Context, topic, mode, contextBlock string) (Discovery, error)
}

// Decayer is a collaborator that ages its own data on each decay tick
// (interests, desires, textures). It reports how many items it touched.
type Decayer interface {
	Name() string
	Decay(ctx context.Context) (int, error)
}

// Sleeper owns the agent's sleep flag.
type Sleeper interface {
	SetSleeping(asleep bool) error
	IsSleeping() bool
}

// Activity reports whether a special interaction mode suppresses
// autonomy.
type Activity interface {
	SpecialModeActive() bool
}

// Conversation tracks the user-facing message history the gates and
// context builders need.
type Conversation interface {
	LastUserMessageAt() (time.Time, bool)
	Tail(n int) []string
	AppendAgentMessage(content, kind string)
}
