package presence

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrDecisionParse marks a decider reply that could not be decoded even
// after the tolerant pre-processing. The iteration yields no dispatch.
var ErrDecisionParse = errors.New("decision parse failure")

// Action is the closed set of autonomous actions the decider may pick.
type Action string

const (
	ActionSendMessage             Action = "SendMessage"
	ActionSuggestActivity         Action = "SuggestActivity"
	ActionInitiateCreativeProject Action = "InitiateCreativeProject"
	ActionResearch                Action = "Research"
	ActionContemplate             Action = "Contemplate"
	ActionOrganizeMemories        Action = "OrganizeMemories"
	ActionGoToSleep               Action = "GoToSleep"
	ActionStayIdle                Action = "StayIdle"
)

func knownAction(a Action) bool {
	switch a {
	case ActionSendMessage, ActionSuggestActivity, ActionInitiateCreativeProject,
		ActionResearch, ActionContemplate, ActionOrganizeMemories,
		ActionGoToSleep, ActionStayIdle:
		return true
	}
	return false
}

// Payload carries the variant-specific fields; only the fields for the
// chosen action are meaningful.
type Payload struct {
	Intent           string `json:"intent,omitempty"`
	Content          string `json:"content,omitempty"`
	Activity         string `json:"activity,omitempty"`
	Reason           string `json:"reason,omitempty"`
	Medium           string `json:"medium,omitempty"`
	Description      string `json:"description,omitempty"`
	Topic            string `json:"topic,omitempty"`
	ShareImmediately bool   `json:"share_immediately,omitempty"`
	Category         string `json:"category,omitempty"`
}

// Decision is one autonomous choice plus the decider's reasoning.
type Decision struct {
	Action    Action  `json:"action"`
	Payload   Payload `json:"payload"`
	Reasoning string  `json:"reasoning,omitempty"`
}

func (d Decision) IsIdle() bool { return d.Action == ActionStayIdle }

// Summary is the short form kept in the ledger's ring buffer and fed
// back into future decision contexts.
func (d Decision) Summary() string {
	detail := ""
	switch d.Action {
	case ActionSendMessage:
		detail = d.Payload.Intent
	case ActionSuggestActivity:
		detail = d.Payload.Activity
	case ActionInitiateCreativeProject:
		detail = d.Payload.Medium
	case ActionResearch, ActionContemplate:
		detail = d.Payload.Topic
	case ActionOrganizeMemories:
		detail = d.Payload.Category
	}
	if detail == "" {
		return string(d.Action)
	}
	return fmt.Sprintf("%s (%s)", d.Action, detail)
}

type decisionWire struct {
	Decision  json.RawMessage `json:"decision"`
	Reasoning string          `json:"reasoning"`
}

type variantWire struct {
	Action  Action  `json:"action"`
	Payload Payload `json:"payload"`
}

// ParseDecision decodes a decider reply. It tolerates prose around the
// JSON object and a bare string naming a unit variant ("StayIdle"),
// which is promoted to {"action":"StayIdle"} before decoding.
func ParseDecision(raw string) (Decision, error) {
	raw = strings.TrimSpace(raw)

	var wire decisionWire
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		start := strings.Index(raw, "{")
		end := strings.LastIndex(raw, "}")
		if start < 0 || end <= start {
			return Decision{}, fmt.Errorf("%w: no JSON object in reply", ErrDecisionParse)
		}
		if err := json.Unmarshal([]byte(raw[start:end+1]), &wire); err != nil {
			return Decision{}, fmt.Errorf("%w: %v", ErrDecisionParse, err)
		}
	}
	if len(wire.Decision) == 0 {
		return Decision{}, fmt.Errorf("%w: missing decision field", ErrDecisionParse)
	}

	variant, err := decodeVariant(wire.Decision)
	if err != nil {
		return Decision{}, err
	}

	return Decision{
		Action:    variant.Action,
		Payload:   variant.Payload,
		Reasoning: wire.Reasoning,
	}, nil
}

func decodeVariant(raw json.RawMessage) (variantWire, error) {
	// Bare string form: "StayIdle" -> {"action":"StayIdle"}.
	var bare string
	if err := json.Unmarshal(raw, &bare); err == nil {
		v := variantWire{Action: Action(strings.TrimSpace(bare))}
		if !knownAction(v.Action) {
			return variantWire{}, fmt.Errorf("%w: unknown action %q", ErrDecisionParse, bare)
		}
		return v, nil
	}

	var v variantWire
	if err := json.Unmarshal(raw, &v); err != nil {
		return variantWire{}, fmt.Errorf("%w: %v", ErrDecisionParse, err)
	}
	if !knownAction(v.Action) {
		return variantWire{}, fmt.Errorf("%w: unknown action %q", ErrDecisionParse, v.Action)
	}
	return v, nil
}
