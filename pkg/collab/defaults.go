package collab

import (
	"context"
	"sync"
	"time"

	"github.com/dotsetgreg/presenced/pkg/clock"
	"github.com/dotsetgreg/presenced/pkg/logger"
	"github.com/dotsetgreg/presenced/pkg/store"
)

const sleepDocumentName = "sleep_state"

// StoreSleeper persists the sleep flag so a restart mid-nap stays a nap.
type StoreSleeper struct {
	mu     sync.Mutex
	st     store.Store
	asleep bool
}

type sleepDoc struct {
	Asleep bool `json:"asleep"`
}

func NewStoreSleeper(st store.Store) *StoreSleeper {
	s := &StoreSleeper{st: st}
	var doc sleepDoc
	if ok, err := st.Load(sleepDocumentName, &doc); err == nil && ok {
		s.asleep = doc.Asleep
	}
	return s
}

func (s *StoreSleeper) SetSleeping(asleep bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.asleep == asleep {
		return nil
	}
	s.asleep = asleep
	return s.st.Save(sleepDocumentName, sleepDoc{Asleep: asleep})
}

func (s *StoreSleeper) IsSleeping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.asleep
}

// TrackedConversation keeps the recent message tail in memory, fed from
// the event bus. It is deliberately lossy: the scheduler only needs
// recency and a short tail for prompt context.
type TrackedConversation struct {
	mu         sync.Mutex
	clk        clock.Clock
	lastUserAt time.Time
	tail       []string
	maxTail    int
}

func NewTrackedConversation(clk clock.Clock) *TrackedConversation {
	return &TrackedConversation{clk: clk, maxTail: 20}
}

func (t *TrackedConversation) NoteUserMessage(content string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastUserAt = t.clk.Now()
	t.push("user: " + content)
}

func (t *TrackedConversation) AppendAgentMessage(content, kind string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.push("agent(" + kind + "): " + content)
}

func (t *TrackedConversation) push(line string) {
	t.tail = append(t.tail, line)
	if len(t.tail) > t.maxTail {
		t.tail = t.tail[len(t.tail)-t.maxTail:]
	}
}

func (t *TrackedConversation) LastUserMessageAt() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastUserAt, !t.lastUserAt.IsZero()
}

func (t *TrackedConversation) Tail(n int) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n > len(t.tail) {
		n = len(t.tail)
	}
	out := make([]string, n)
	copy(out, t.tail[len(t.tail)-n:])
	return out
}

// StaticActivity is the no-special-modes default.
type StaticActivity struct{}

func (StaticActivity) SpecialModeActive() bool { return false }

// LoggedResearcher is the standalone fallback when no research backend
// is wired: it records the pull and returns an empty discovery.
type LoggedResearcher struct{}

func (LoggedResearcher) Conduct(_ context.Context, topic, mode, _ string) (Discovery, error) {
	logger.InfoCF("research", "Research requested but no backend configured", map[string]any{
		"topic": topic,
		"mode":  mode,
	})
	return Discovery{Topic: topic}, nil
}
