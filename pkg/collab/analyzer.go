package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dotsetgreg/presenced/pkg/logger"
)

// LLMAnalyzer runs the batched/evolution analyses against the model.
// Replies are expected as JSON but the parser tolerates prose around
// the object.
type LLMAnalyzer struct {
	completer Completer
}

func NewLLMAnalyzer(completer Completer) *LLMAnalyzer {
	return &LLMAnalyzer{completer: completer}
}

const analyzerSystemPrompt = `You maintain the internal state of a companion agent.
Given the state context, reply with JSON only:
{"scalar_deltas":{"<name>":<delta>},"mood":"<tag>","notes":["<short note>"]}
Deltas are small corrections in [-0.2,0.2]. Omit scalars you would not move.`

func (a *LLMAnalyzer) Batched(ctx context.Context, contextBlock string) (AnalysisResult, error) {
	return a.analyze(ctx, "Batched state analysis.\n\n"+contextBlock)
}

func (a *LLMAnalyzer) Evolution(ctx context.Context, contextBlock string) (AnalysisResult, error) {
	return a.analyze(ctx, "Significant drift detected; run an evolution analysis.\n\n"+contextBlock)
}

func (a *LLMAnalyzer) analyze(ctx context.Context, user string) (AnalysisResult, error) {
	reply, err := a.completer.Complete(ctx, analyzerSystemPrompt, user)
	if err != nil {
		return AnalysisResult{}, err
	}

	result, err := parseAnalysisResponse(reply)
	if err != nil {
		return AnalysisResult{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return result, nil
}

func (a *LLMAnalyzer) Contemplate(ctx context.Context, topic string) (string, error) {
	return a.completer.Complete(ctx,
		"Reflect briefly and privately on the given topic. Two or three sentences.",
		"Contemplation topic: "+topic)
}

func (a *LLMAnalyzer) OrganizeMemories(ctx context.Context, category string) error {
	_, err := a.completer.Complete(ctx,
		"Summarize and tidy the given memory category. Reply with a one-line summary.",
		"Memory category: "+category)
	if err != nil {
		return err
	}
	logger.DebugCF("analyzer", "Memory organization pass complete", map[string]any{
		"category": category,
	})
	return nil
}

type analysisWire struct {
	ScalarDeltas map[string]float64 `json:"scalar_deltas"`
	Mood         string             `json:"mood"`
	Notes        []string           `json:"notes"`
}

// parseAnalysisResponse tries strict JSON first, then falls back to the
// outermost brace span for models that wrap JSON in prose.
func parseAnalysisResponse(reply string) (AnalysisResult, error) {
	reply = strings.TrimSpace(reply)

	var wire analysisWire
	if err := json.Unmarshal([]byte(reply), &wire); err == nil {
		return wire.toResult(), nil
	}

	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start >= 0 && end > start {
		if err := json.Unmarshal([]byte(reply[start:end+1]), &wire); err == nil {
			return wire.toResult(), nil
		}
	}

	return AnalysisResult{}, fmt.Errorf("no parseable analysis object in reply")
}

func (w analysisWire) toResult() AnalysisResult {
	return AnalysisResult{
		ScalarDeltas: w.ScalarDeltas,
		MoodTag:      w.Mood,
		Notes:        w.Notes,
	}
}
