package presence

import (
	"sync"
	"time"

	"github.com/dotsetgreg/presenced/pkg/clock"
	"github.com/dotsetgreg/presenced/pkg/logger"
	"github.com/dotsetgreg/presenced/pkg/store"
)

const DocumentName = "presence_ledger"

// Ledger tracks when the presence loop last ran and last acted, plus a
// bounded ring of recent decision summaries for future contexts.
type Ledger struct {
	mu  sync.Mutex
	clk clock.Clock
	st  store.Store

	lastRunAt    time.Time
	lastActionAt time.Time
	history      []string
	historySize  int
}

type ledgerDoc struct {
	LastRunAt    time.Time `json:"last_run_at"`
	LastActionAt time.Time `json:"last_action_at"`
	History      []string  `json:"history"`
}

func LoadLedger(clk clock.Clock, st store.Store, historySize int) (*Ledger, error) {
	if historySize <= 0 {
		historySize = 10
	}
	l := &Ledger{clk: clk, st: st, historySize: historySize}

	var doc ledgerDoc
	ok, err := st.Load(DocumentName, &doc)
	if err != nil {
		return nil, err
	}
	if !ok {
		return l, l.persistLocked()
	}

	l.lastRunAt = doc.LastRunAt
	l.lastActionAt = doc.LastActionAt
	l.history = doc.History
	if len(l.history) > l.historySize {
		l.history = l.history[len(l.history)-l.historySize:]
	}
	return l, nil
}

// RecordRun advances last_run_at without touching the action clock.
// Used for gate-denied and no-dispatch iterations.
func (l *Ledger) RecordRun() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.advanceRunLocked()
	l.persistBestEffortLocked()
}

// RecordDecision appends the decision to the ring and advances
// last_action_at only when the decision was not StayIdle.
func (l *Ledger) RecordDecision(d Decision) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.advanceRunLocked()
	if !d.IsIdle() {
		now := l.clk.Now()
		if now.After(l.lastActionAt) {
			l.lastActionAt = now
		}
	}

	l.history = append(l.history, d.Summary())
	if len(l.history) > l.historySize {
		l.history = l.history[len(l.history)-l.historySize:]
	}
	l.persistBestEffortLocked()
}

func (l *Ledger) advanceRunLocked() {
	now := l.clk.Now()
	if now.After(l.lastRunAt) {
		l.lastRunAt = now
	}
}

func (l *Ledger) LastRunAt() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastRunAt
}

func (l *Ledger) LastActionAt() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastActionAt
}

func (l *Ledger) History() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.history))
	copy(out, l.history)
	return out
}

func (l *Ledger) persistLocked() error {
	return l.st.Save(DocumentName, ledgerDoc{
		LastRunAt:    l.lastRunAt,
		LastActionAt: l.lastActionAt,
		History:      l.history,
	})
}

func (l *Ledger) persistBestEffortLocked() {
	if err := l.persistLocked(); err != nil {
		logger.WarnCF("presence", "Ledger persist failed", map[string]any{
			"error": err.Error(),
		})
	}
}
