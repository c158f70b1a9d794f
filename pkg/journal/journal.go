// Package journal is the append-only record of autonomous behavior:
// executed decisions, proactive outreaches and impulse fires. It backs
// the status views and gives the daemon an auditable history that the
// JSON ledgers, which only hold current state, cannot provide.
package journal

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/dotsetgreg/presenced/pkg/clock"
	"github.com/dotsetgreg/presenced/pkg/logger"
)

const (
	KindDecision    = "decision"
	KindOutreach    = "outreach"
	KindImpulseFire = "impulse_fire"
)

type Entry struct {
	ID        string
	Kind      string
	Action    string
	Detail    string
	Reasoning string
	Charge    float64
	CreatedAt time.Time
}

type Journal struct {
	db  *sql.DB
	clk clock.Clock

	retentionDays   int
	maintenanceCron string
	cron            *gronx.Gronx

	mu        sync.Mutex
	lastPrune time.Time
}

// New creates/opens the journal database at path. The maintenance cron
// expression is validated up front; pruning runs lazily when it is due.
func New(path string, clk clock.Clock, retentionDays int, maintenanceCron string) (*Journal, error) {
	g := gronx.New()
	if maintenanceCron != "" && !g.IsValid(maintenanceCron) {
		return nil, fmt.Errorf("invalid maintenance cron %q", maintenanceCron)
	}
	if retentionDays <= 0 {
		retentionDays = 90
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}
	// Single writer; one shared connection avoids SQLite writer lock
	// contention across goroutines.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	j := &Journal{
		db:              db,
		clk:             clk,
		retentionDays:   retentionDays,
		maintenanceCron: maintenanceCron,
		cron:            g,
	}
	if err := j.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS behavior_events (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			action TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			reasoning TEXT NOT NULL DEFAULT '',
			charge REAL NOT NULL DEFAULT 0,
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS behavior_events_kind_idx ON behavior_events(kind, created_at_ms DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := j.db.Exec(stmt); err != nil {
			return fmt.Errorf("init journal schema: %w", err)
		}
	}
	return nil
}

func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

func (j *Journal) insert(kind, action, detail, reasoning string, charge float64) error {
	now := j.clk.Now()
	_, err := j.db.Exec(
		`INSERT INTO behavior_events (id, kind, action, detail, reasoning, charge, created_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), kind, action, detail, reasoning, charge, now.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("journal insert: %w", err)
	}
	j.maybeMaintain(now)
	return nil
}

func (j *Journal) RecordDecision(action, detail, reasoning string) error {
	return j.insert(KindDecision, action, detail, reasoning, 0)
}

func (j *Journal) RecordOutreach(reason, topic string) error {
	return j.insert(KindOutreach, topic, reason, "", 0)
}

func (j *Journal) RecordImpulseFire(impulseKind, context string, charge float64) error {
	return j.insert(KindImpulseFire, impulseKind, context, "", charge)
}

// RecentDecisions returns the newest n decision entries, newest first.
func (j *Journal) RecentDecisions(n int) ([]Entry, error) {
	return j.query(
		`SELECT id, kind, action, detail, reasoning, charge, created_at_ms
		 FROM behavior_events WHERE kind = ?
		 ORDER BY created_at_ms DESC LIMIT ?`, KindDecision, n)
}

// OutreachesOn returns the outreach entries from the civil day that
// contains day, in the clock's location, oldest first.
func (j *Journal) OutreachesOn(day time.Time) ([]Entry, error) {
	loc := j.clk.Location()
	y, m, d := day.In(loc).Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, loc)
	end := start.Add(24 * time.Hour)
	return j.query(
		`SELECT id, kind, action, detail, reasoning, charge, created_at_ms
		 FROM behavior_events WHERE kind = ? AND created_at_ms >= ? AND created_at_ms < ?
		 ORDER BY created_at_ms ASC`, KindOutreach, start.UnixMilli(), end.UnixMilli())
}

// CountSince counts entries of a kind at or after the given time.
func (j *Journal) CountSince(kind string, since time.Time) (int, error) {
	row := j.db.QueryRow(
		`SELECT COUNT(*) FROM behavior_events WHERE kind = ? AND created_at_ms >= ?`,
		kind, since.UnixMilli())
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("journal count: %w", err)
	}
	return n, nil
}

func (j *Journal) query(q string, args ...any) ([]Entry, error) {
	rows, err := j.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("journal query: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var ms int64
		if err := rows.Scan(&e.ID, &e.Kind, &e.Action, &e.Detail, &e.Reasoning, &e.Charge, &ms); err != nil {
			return nil, fmt.Errorf("journal scan: %w", err)
		}
		e.CreatedAt = time.UnixMilli(ms)
		out = append(out, e)
	}
	return out, rows.Err()
}

// maybeMaintain prunes when the maintenance cron is due. Checked on
// writes so no extra timer goroutine is needed.
func (j *Journal) maybeMaintain(now time.Time) {
	if j.maintenanceCron == "" {
		return
	}

	j.mu.Lock()
	recentlyPruned := !j.lastPrune.IsZero() && now.Sub(j.lastPrune) < time.Hour
	j.mu.Unlock()
	if recentlyPruned {
		return
	}

	due, err := j.cron.IsDue(j.maintenanceCron, now)
	if err != nil || !due {
		return
	}

	removed, err := j.Prune(now)
	if err != nil {
		logger.WarnCF("journal", "Maintenance prune failed", map[string]any{
			"error": err.Error(),
		})
		return
	}

	j.mu.Lock()
	j.lastPrune = now
	j.mu.Unlock()

	logger.InfoCF("journal", "Maintenance prune complete", map[string]any{
		"removed":        removed,
		"retention_days": j.retentionDays,
	})
}

// Prune deletes entries older than the retention window.
func (j *Journal) Prune(now time.Time) (int64, error) {
	cutoff := now.Add(-time.Duration(j.retentionDays) * 24 * time.Hour)
	res, err := j.db.Exec(`DELETE FROM behavior_events WHERE created_at_ms < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("journal prune: %w", err)
	}
	return res.RowsAffected()
}
