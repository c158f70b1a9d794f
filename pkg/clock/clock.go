// Package clock is the single source of "now" for the scheduler.
// Every loop and ledger takes a Clock so tests can drive time with Fake.
package clock

import (
	"fmt"
	"sync"
	"time"
)

type Clock interface {
	Now() time.Time
	// Location is the civil-day timezone used for quota resets.
	Location() *time.Location
}

// System reads the OS clock and carries the configured civil-day timezone.
type System struct {
	loc *time.Location
}

func NewSystem(loc *time.Location) *System {
	if loc == nil {
		loc = time.UTC
	}
	return &System{loc: loc}
}

func (s *System) Now() time.Time           { return time.Now() }
func (s *System) Location() *time.Location { return s.loc }

// Fake is a settable clock for tests.
type Fake struct {
	mu  sync.Mutex
	now time.Time
	loc *time.Location
}

func NewFake(start time.Time, loc *time.Location) *Fake {
	if loc == nil {
		loc = time.UTC
	}
	return &Fake{now: start, loc: loc}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Location() *time.Location { return f.loc }

func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t
}

// MinutesSince returns whole minutes elapsed between t and now.
func MinutesSince(c Clock, t time.Time) int {
	if t.IsZero() {
		return 1 << 30
	}
	m := int(c.Now().Sub(t).Minutes())
	if m < 0 {
		return 0
	}
	return m
}

// HoursSince returns fractional hours elapsed between t and now.
func HoursSince(c Clock, t time.Time) float64 {
	if t.IsZero() {
		return 1 << 20
	}
	h := c.Now().Sub(t).Hours()
	if h < 0 {
		return 0
	}
	return h
}

// SameCivilDay reports whether t1 and t2 fall on the same calendar day
// in the clock's configured timezone.
func SameCivilDay(c Clock, t1, t2 time.Time) bool {
	loc := c.Location()
	y1, m1, d1 := t1.In(loc).Date()
	y2, m2, d2 := t2.In(loc).Date()
	return y1 == y2 && m1 == m2 && d1 == d2
}

// FormatForDisplay renders a timestamp for dashboards and logs.
func FormatForDisplay(c Clock, t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.In(c.Location()).Format("2006-01-02 15:04:05 MST")
}

// Parse accepts the display format plus RFC 3339.
func Parse(c Clock, s string) (time.Time, error) {
	if t, err := time.ParseInLocation("2006-01-02 15:04:05 MST", s, c.Location()); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02 15:04:05", s, c.Location()); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// AgeDisplay renders a human-readable age: "Just now", "5m ago",
// "3.2h ago", "4d ago".
func AgeDisplay(c Clock, t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	hours := HoursSince(c, t)
	switch {
	case hours < 1.0/60.0:
		return "Just now"
	case hours < 1.0:
		return fmt.Sprintf("%.0fm ago", hours*60)
	case hours < 24.0:
		return fmt.Sprintf("%.1fh ago", hours)
	default:
		return fmt.Sprintf("%.0fd ago", hours/24)
	}
}
