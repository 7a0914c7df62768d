package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"delta-neutral-bot/internal/domain"
)

const Schema = `
CREATE TABLE IF NOT EXISTS cycles (
	id             TEXT PRIMARY KEY,
	token          TEXT NOT NULL,
	state          TEXT NOT NULL,
	decision_json  TEXT NOT NULL,
	leg_a_json     TEXT NOT NULL,
	leg_b_json     TEXT NOT NULL,
	size           REAL NOT NULL DEFAULT 0,
	mark_price     REAL NOT NULL DEFAULT 0,
	started_at     TIMESTAMP NOT NULL,
	opened_at      TIMESTAMP,
	closed_at      TIMESTAMP,
	realized_pnl   REAL NOT NULL DEFAULT 0,
	reason         TEXT NOT NULL DEFAULT '',
	blocked_reason TEXT NOT NULL DEFAULT '',
	reconciled_at  TIMESTAMP,
	updated_at     TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cycles_state ON cycles(state);
CREATE INDEX IF NOT EXISTS idx_cycles_token ON cycles(token);
`

var ErrNotFound = errors.New("journal: cycle not found")

// Entry is a journal row. Cycle is the full snapshot. BlockedReason is set
// when the cycle's token was blocked after the cycle ended.
type Entry struct {
	Cycle         domain.TradeCycle
	BlockedReason domain.ReasonCode
	ReconciledAt  *time.Time
	UpdatedAt     time.Time
}

type SQLiteJournal struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply journal schema: %w", err)
	}
	return &SQLiteJournal{db: db}, nil
}

// Record upserts the latest snapshot of a cycle.
func (j *SQLiteJournal) Record(ctx context.Context, c *domain.TradeCycle) error {
	decision, err := json.Marshal(c.Decision)
	if err != nil {
		return err
	}
	legA, err := json.Marshal(c.LegA)
	if err != nil {
		return err
	}
	legB, err := json.Marshal(c.LegB)
	if err != nil {
		return err
	}

	_, err = j.db.ExecContext(ctx, `
		INSERT INTO cycles
		(id, token, state, decision_json, leg_a_json, leg_b_json, size, mark_price,
		 started_at, opened_at, closed_at, realized_pnl, reason, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			decision_json = excluded.decision_json,
			leg_a_json = excluded.leg_a_json,
			leg_b_json = excluded.leg_b_json,
			size = excluded.size,
			mark_price = excluded.mark_price,
			opened_at = excluded.opened_at,
			closed_at = excluded.closed_at,
			realized_pnl = excluded.realized_pnl,
			reason = excluded.reason,
			updated_at = excluded.updated_at`,
		c.ID, c.Token, string(c.State), string(decision), string(legA), string(legB), c.Size, c.MarkPrice,
		c.StartedAt.UTC(), nullTime(c.OpenedAt), nullTime(c.ClosedAt), c.RealizedPnL, string(c.Reason), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("record cycle %s: %w", c.ID, err)
	}
	return nil
}

// MarkReconciled stamps a RECONCILIATION_REQUIRED cycle as cleared. The state
// is left untouched for audit.
func (j *SQLiteJournal) MarkReconciled(ctx context.Context, id string, at time.Time) error {
	res, err := j.db.ExecContext(ctx, `UPDATE cycles SET reconciled_at = ?, updated_at = ? WHERE id = ?`,
		at.UTC(), time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkBlocked flags a cycle whose token must stay blocked until
// reconciliation, whatever state it ended in.
func (j *SQLiteJournal) MarkBlocked(ctx context.Context, id string, reason domain.ReasonCode) error {
	res, err := j.db.ExecContext(ctx, `UPDATE cycles SET blocked_reason = ?, reconciled_at = NULL, updated_at = ? WHERE id = ?`,
		string(reason), time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (j *SQLiteJournal) Get(ctx context.Context, id string) (*Entry, error) {
	rows, err := j.query(ctx, `WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return &rows[0], nil
}

// ListByState returns cycles in the given state, oldest first.
func (j *SQLiteJournal) ListByState(ctx context.Context, state domain.CycleState) ([]Entry, error) {
	return j.query(ctx, `WHERE state = ? ORDER BY started_at`, string(state))
}

// ListUnreconciled returns cycles not yet cleared that either ended in
// RECONCILIATION_REQUIRED or were flagged by MarkBlocked.
func (j *SQLiteJournal) ListUnreconciled(ctx context.Context) ([]Entry, error) {
	return j.query(ctx, `WHERE reconciled_at IS NULL AND (state = ? OR blocked_reason != '') ORDER BY started_at`,
		string(domain.StateReconciliationRequired))
}

// CountByState summarises the journal.
func (j *SQLiteJournal) CountByState(ctx context.Context) (map[domain.CycleState]int, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM cycles GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[domain.CycleState]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		out[domain.CycleState(state)] = n
	}
	return out, rows.Err()
}

func (j *SQLiteJournal) query(ctx context.Context, where string, args ...any) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, token, state, decision_json, leg_a_json, leg_b_json, size, mark_price,
		       started_at, opened_at, closed_at, realized_pnl, reason, blocked_reason, reconciled_at, updated_at
		FROM cycles `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e                        Entry
			state, reason, blocked   string
			decision, legA, legB     string
			opened, closed, reconcil sql.NullTime
		)
		c := &e.Cycle
		if err := rows.Scan(&c.ID, &c.Token, &state, &decision, &legA, &legB, &c.Size, &c.MarkPrice,
			&c.StartedAt, &opened, &closed, &c.RealizedPnL, &reason, &blocked, &reconcil, &e.UpdatedAt); err != nil {
			return nil, err
		}
		c.State = domain.CycleState(state)
		c.Reason = domain.ReasonCode(reason)
		e.BlockedReason = domain.ReasonCode(blocked)
		if err := json.Unmarshal([]byte(decision), &c.Decision); err != nil {
			return nil, fmt.Errorf("decode decision %s: %w", c.ID, err)
		}
		if err := json.Unmarshal([]byte(legA), &c.LegA); err != nil {
			return nil, fmt.Errorf("decode leg a %s: %w", c.ID, err)
		}
		if err := json.Unmarshal([]byte(legB), &c.LegB); err != nil {
			return nil, fmt.Errorf("decode leg b %s: %w", c.ID, err)
		}
		if opened.Valid {
			c.OpenedAt = opened.Time
		}
		if closed.Valid {
			c.ClosedAt = closed.Time
		}
		if reconcil.Valid {
			t := reconcil.Time
			e.ReconciledAt = &t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
