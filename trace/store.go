// Package trace keeps a sqlite record of every read iteration: the report
// that was built, whether it was submitted and what each sensor returned.
package trace

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/mklimuk/sensornode"
	"github.com/mklimuk/sensornode/sequencer"
)

const schema = `
CREATE TABLE IF NOT EXISTS iterations (
  id           INTEGER PRIMARY KEY AUTOINCREMENT,
  cycle        INTEGER NOT NULL,
  iteration    INTEGER NOT NULL,
  at           TEXT    NOT NULL,
  payload      TEXT    NOT NULL DEFAULT '',
  submit_error TEXT    NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_iterations_cycle ON iterations(cycle, iteration);

CREATE TABLE IF NOT EXISTS outcomes (
  iteration_id INTEGER NOT NULL,
  sensor       TEXT    NOT NULL,
  status       TEXT    NOT NULL,
  error        TEXT    NOT NULL DEFAULT '',
  FOREIGN KEY (iteration_id) REFERENCES iterations(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_outcomes_sensor ON outcomes(sensor, status);
`

var _ sequencer.Observer = &Store{}

// Entry is one recorded iteration.
type Entry struct {
	Cycle       uint64            `json:"cycle"`
	Iteration   int               `json:"iteration"`
	At          time.Time         `json:"at"`
	Payload     string            `json:"payload"`
	SubmitError string            `json:"submit_error,omitempty"`
	Statuses    map[string]string `json:"statuses"`
}

type Store struct {
	db *sql.DB
}

// Open opens or creates the trace database. path is a file path, a "file:"
// URI or ":memory:".
func Open(path string) (*Store, error) {
	dsn, err := buildDSN(path)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("trace: open: %w", err)
	}
	// a single writer, and every connection to :memory: is a separate database
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("trace: ping: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("trace: schema: %w", err)
	}
	return &Store{db: db}, nil
}

func buildDSN(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	params := "_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL"
	if strings.HasPrefix(path, "file:") {
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		return path + sep + params, nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("trace: mkdir %s: %w", dir, err)
		}
	}
	return fmt.Sprintf("file:%s?%s", path, params), nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// ObserveIteration records it and logs a failure. Tracing never interrupts a cycle.
func (s *Store) ObserveIteration(ctx context.Context, it sequencer.Iteration) {
	if err := s.Record(ctx, it); err != nil {
		slog.Warn("trace record failed", "cycle", it.Cycle, "iteration", it.Number, "error", err)
	}
}

func (s *Store) Record(ctx context.Context, it sequencer.Iteration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("trace: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	submitErr := ""
	if it.SubmitErr != nil {
		submitErr = it.SubmitErr.Error()
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO iterations (cycle, iteration, at, payload, submit_error) VALUES (?, ?, ?, ?, ?)`,
		it.Cycle, it.Number, it.At.UTC().Format(time.RFC3339Nano), it.Payload, submitErr)
	if err != nil {
		return fmt.Errorf("trace: insert iteration: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("trace: iteration id: %w", err)
	}
	for _, o := range it.Outcomes {
		msg := ""
		if o.Err != nil {
			msg = o.Err.Error()
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO outcomes (iteration_id, sensor, status, error) VALUES (?, ?, ?, ?)`,
			id, o.Sensor, o.Status.String(), msg); err != nil {
			return fmt.Errorf("trace: insert outcome: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("trace: commit: %w", err)
	}
	return nil
}

// Recent returns up to limit iterations, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, cycle, iteration, at, payload, submit_error FROM iterations ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("trace: query iterations: %w", err)
	}
	var entries []Entry
	var ids []int64
	for rows.Next() {
		var (
			e  Entry
			id int64
			at string
		)
		if err := rows.Scan(&id, &e.Cycle, &e.Iteration, &at, &e.Payload, &e.SubmitError); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("trace: scan iteration: %w", err)
		}
		e.At, _ = time.Parse(time.RFC3339Nano, at)
		e.Statuses = map[string]string{}
		entries = append(entries, e)
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("trace: iterate: %w", err)
	}
	_ = rows.Close()

	for i, id := range ids {
		if err := s.loadStatuses(ctx, id, entries[i].Statuses); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

func (s *Store) loadStatuses(ctx context.Context, id int64, dst map[string]string) error {
	rows, err := s.db.QueryContext(ctx, `SELECT sensor, status FROM outcomes WHERE iteration_id = ?`, id)
	if err != nil {
		return fmt.Errorf("trace: query outcomes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var sensor, status string
		if err := rows.Scan(&sensor, &status); err != nil {
			return fmt.Errorf("trace: scan outcome: %w", err)
		}
		dst[sensor] = status
	}
	return rows.Err()
}

// StatusCounts returns per sensor how often each status was seen.
func (s *Store) StatusCounts(ctx context.Context) (map[string]map[sensornode.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT sensor, status, COUNT(*) FROM outcomes GROUP BY sensor, status`)
	if err != nil {
		return nil, fmt.Errorf("trace: query counts: %w", err)
	}
	defer rows.Close()
	counts := map[string]map[sensornode.Status]int{}
	for rows.Next() {
		var (
			sensor, status string
			n              int
		)
		if err := rows.Scan(&sensor, &status, &n); err != nil {
			return nil, fmt.Errorf("trace: scan count: %w", err)
		}
		if counts[sensor] == nil {
			counts[sensor] = map[sensornode.Status]int{}
		}
		counts[sensor][parseStatus(status)] += n
	}
	return counts, rows.Err()
}

func parseStatus(s string) sensornode.Status {
	for _, st := range []sensornode.Status{sensornode.StatusOk, sensornode.StatusBusy, sensornode.StatusTimeout} {
		if st.String() == s {
			return st
		}
	}
	return sensornode.StatusError
}
