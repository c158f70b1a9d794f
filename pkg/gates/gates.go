// Package gates holds the pure predicates that decide whether an
// autonomous action is permitted right now. Every predicate works on an
// immutable Snapshot copied out of the ledgers, so evaluation never
// touches a lock or the clock.
package gates

import (
	"fmt"
	"time"
)

// Snapshot is the state slice the gates read. Callers compose it under
// the ledger locks and pass it by value.
type Snapshot struct {
	Now                 time.Time
	IsSleeping          bool
	SpecialModeActive   bool
	MinutesSinceUserMsg int
	SentToday           int
	DailyCap            int
	LastActionAt        time.Time
}

// Result is Allow or Deny(reason).
type Result struct {
	Allowed bool
	Reason  string
}

func Allow() Result { return Result{Allowed: true} }

func Deny(reason string) Result { return Result{Reason: reason} }

// Predicate evaluates one condition against a snapshot.
type Predicate func(Snapshot) Result

// NotSleeping denies while the agent is asleep.
func NotSleeping(s Snapshot) Result {
	if s.IsSleeping {
		return Deny("sleeping")
	}
	return Allow()
}

// NoSpecialMode denies while any special interaction mode is active.
func NoSpecialMode(s Snapshot) Result {
	if s.SpecialModeActive {
		return Deny("special mode active")
	}
	return Allow()
}

// NoRecentUser denies when the user spoke within the quiet window.
func NoRecentUser(quietMinutes int) Predicate {
	return func(s Snapshot) Result {
		if s.MinutesSinceUserMsg < quietMinutes {
			return Deny(fmt.Sprintf("user active %dm ago", s.MinutesSinceUserMsg))
		}
		return Allow()
	}
}

// UnderDailyCap denies once today's budget is spent.
func UnderDailyCap(s Snapshot) Result {
	if s.SentToday >= s.DailyCap {
		return Deny(fmt.Sprintf("daily cap reached (%d/%d)", s.SentToday, s.DailyCap))
	}
	return Allow()
}

// PastCooldown denies while the minimum gap since the last action has
// not elapsed. A zero LastActionAt never denies.
func PastCooldown(min time.Duration) Predicate {
	return func(s Snapshot) Result {
		if s.LastActionAt.IsZero() {
			return Allow()
		}
		elapsed := s.Now.Sub(s.LastActionAt)
		if elapsed < min {
			return Deny(fmt.Sprintf("cooldown: %s since last action, need %s",
				elapsed.Round(time.Second), min))
		}
		return Allow()
	}
}

// All conjoins predicates; the first denial short-circuits and its
// reason is the composite's reason.
func All(preds ...Predicate) Predicate {
	return func(s Snapshot) Result {
		for _, p := range preds {
			if r := p(s); !r.Allowed {
				return r
			}
		}
		return Allow()
	}
}
