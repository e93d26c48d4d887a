// Package journal persists worker lifecycle events to SQLite so operators can
// reconstruct what happened to a worker after it is gone from the registry.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jmswain/foreman/internal/events"
	"github.com/jmswain/foreman/internal/log"
)

// Open opens (and creates if needed) the journal database at path and ensures
// the schema exists.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("journal path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if err := bootstrap(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func bootstrap(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS worker_journal (
  seq       INTEGER PRIMARY KEY AUTOINCREMENT,
  at        TEXT NOT NULL,
  kind      TEXT NOT NULL,
  worker_id TEXT NOT NULL,
  detail    JSON
);`,
		`CREATE INDEX IF NOT EXISTS worker_journal_worker_idx ON worker_journal(worker_id, seq);`,
		`CREATE INDEX IF NOT EXISTS worker_journal_at_idx ON worker_journal(at);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap journal: %w", err)
		}
	}
	return nil
}

// Entry is one recorded lifecycle event.
type Entry struct {
	Seq      int64           `json:"seq"`
	At       time.Time       `json:"at"`
	Kind     string          `json:"kind"`
	WorkerID string          `json:"worker_id"`
	Detail   json.RawMessage `json:"detail,omitempty"`
}

// Journal reads and writes worker lifecycle records.
type Journal struct {
	db *sql.DB
}

func New(db *sql.DB) *Journal {
	return &Journal{db: db}
}

// Record persists one event envelope.
func (j *Journal) Record(ctx context.Context, env events.Envelope) error {
	detail, err := json.Marshal(env.Event)
	if err != nil {
		return fmt.Errorf("marshal event detail: %w", err)
	}

	_, err = j.db.ExecContext(ctx, `
INSERT INTO worker_journal(at, kind, worker_id, detail)
VALUES(?, ?, ?, ?);
`, env.At.Format(time.RFC3339Nano), env.Event.Kind(), env.Event.WorkerID(), string(detail))
	if err != nil {
		return fmt.Errorf("record journal entry: %w", err)
	}
	return nil
}

// Recent returns the newest limit entries, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx, `
SELECT seq, at, kind, worker_id, detail
FROM worker_journal
ORDER BY seq DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// ByWorker returns every entry for one worker, oldest first.
func (j *Journal) ByWorker(ctx context.Context, workerID string) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx, `
SELECT seq, at, kind, worker_id, detail
FROM worker_journal
WHERE worker_id = ?
ORDER BY seq ASC;
`, workerID)
	if err != nil {
		return nil, fmt.Errorf("query journal for worker %s: %w", workerID, err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Prune removes entries older than cutoff and returns how many were deleted.
func (j *Journal) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx, `
DELETE FROM worker_journal WHERE at < ?;
`, cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("prune journal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune journal: %w", err)
	}
	return n, nil
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		var (
			e      Entry
			atS    string
			detail sql.NullString
		)
		if err := rows.Scan(&e.Seq, &atS, &e.Kind, &e.WorkerID, &detail); err != nil {
			return nil, fmt.Errorf("scan journal entry: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, atS); err == nil {
			e.At = t
		}
		if detail.Valid {
			e.Detail = json.RawMessage(detail.String)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate journal entries: %w", err)
	}
	return out, nil
}

// Run subscribes to the bus and records every event until ctx is cancelled.
// Retention, when positive, is enforced hourly.
func (j *Journal) Run(ctx context.Context, bus *events.Bus, retention time.Duration) {
	logger := log.WithComponent("journal")
	evts, cancel := bus.Subscribe()
	defer cancel()

	var pruneTick <-chan time.Time
	if retention > 0 {
		t := time.NewTicker(time.Hour)
		defer t.Stop()
		pruneTick = t.C
	}

	for {
		select {
		case env, ok := <-evts:
			if !ok {
				return
			}
			if err := j.Record(ctx, env); err != nil {
				logger.Warn("failed to record event", "kind", env.Event.Kind(), "error", err)
			}
		case <-pruneTick:
			n, err := j.Prune(ctx, time.Now().Add(-retention))
			if err != nil {
				logger.Warn("prune failed", "error", err)
			} else if n > 0 {
				logger.Debug("pruned journal entries", "count", n)
			}
		case <-ctx.Done():
			return
		}
	}
}
