package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/loom-cli/internal/loom"
	"github.com/sells-group/loom-cli/internal/manifest"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	brief      TEXT NOT NULL DEFAULT '',
	selector   TEXT NOT NULL DEFAULT '',
	stopped    INTEGER NOT NULL DEFAULT 0,
	steps      INTEGER NOT NULL DEFAULT 0,
	snapshot   TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS decision_records (
	decision_id TEXT PRIMARY KEY,
	session_id  TEXT NOT NULL,
	record      TEXT NOT NULL,
	timestamp   TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_selector ON sessions(selector);
CREATE INDEX IF NOT EXISTS idx_sessions_updated_at ON sessions(updated_at);
CREATE INDEX IF NOT EXISTS idx_decision_records_session ON decision_records(session_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateSession(ctx context.Context, l *loom.Loom, selector string) error {
	snapshot, err := l.Snapshot()
	if err != nil {
		return eris.Wrap(err, "sqlite: snapshot")
	}
	now := time.Now().UTC()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, brief, selector, stopped, steps, snapshot, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		l.SessionID, l.Brief, selector, boolToInt(l.Stopped), sessionSteps(l), string(snapshot), now, now,
	)
	return eris.Wrapf(err, "sqlite: insert session %s", l.SessionID)
}

func (s *SQLiteStore) SaveSnapshot(ctx context.Context, l *loom.Loom) error {
	snapshot, err := l.Snapshot()
	if err != nil {
		return eris.Wrap(err, "sqlite: snapshot")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET snapshot = ?, stopped = ?, steps = ?, updated_at = ? WHERE id = ?`,
		string(snapshot), boolToInt(l.Stopped), sessionSteps(l), time.Now().UTC(), l.SessionID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: save snapshot %s", l.SessionID)
	}
	return checkRowsAffected(res, "session", l.SessionID)
}

func (s *SQLiteStore) GetSnapshot(ctx context.Context, sessionID string) (*loom.Loom, error) {
	var snapshot string
	err := s.db.QueryRowContext(ctx,
		`SELECT snapshot FROM sessions WHERE id = ?`, sessionID,
	).Scan(&snapshot)
	if err == sql.ErrNoRows {
		return nil, &loom.UnresolvedReferenceError{Kind: "session", ID: sessionID}
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get session %s", sessionID)
	}
	return loom.FromSnapshot([]byte(snapshot))
}

func (s *SQLiteStore) ListSessions(ctx context.Context, filter SessionFilter) ([]SessionMeta, error) {
	query := `SELECT id, brief, selector, stopped, steps, created_at, updated_at FROM sessions WHERE 1=1`
	var args []any

	if filter.Selector != "" {
		query += ` AND selector = ?`
		args = append(args, filter.Selector)
	}
	if filter.Stopped != nil {
		query += ` AND stopped = ?`
		args = append(args, boolToInt(*filter.Stopped))
	}
	query += ` ORDER BY updated_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list sessions")
	}
	defer rows.Close()

	var sessions []SessionMeta
	for rows.Next() {
		var m SessionMeta
		var stopped int
		if err := rows.Scan(&m.ID, &m.Brief, &m.Selector, &stopped, &m.Steps, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan session")
		}
		m.Stopped = stopped != 0
		sessions = append(sessions, m)
	}
	return sessions, eris.Wrap(rows.Err(), "sqlite: list sessions iterate")
}

func (s *SQLiteStore) SaveDecisions(ctx context.Context, records []manifest.Record) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO decision_records (decision_id, session_id, record, timestamp) VALUES (?, ?, ?, ?)`,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare decision insert")
	}
	defer stmt.Close()

	for _, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal record")
		}
		if _, err := stmt.ExecContext(ctx, rec.DecisionID, rec.SessionID, string(data), rec.Timestamp); err != nil {
			return eris.Wrapf(err, "sqlite: insert decision %s", rec.DecisionID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit decisions")
}

func (s *SQLiteStore) ListDecisions(ctx context.Context, sessionID string) ([]manifest.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT record FROM decision_records WHERE session_id = ? ORDER BY timestamp ASC`,
		sessionID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list decisions %s", sessionID)
	}
	defer rows.Close()

	var records []manifest.Record
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan decision")
		}
		var rec manifest.Record
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal decision")
		}
		records = append(records, rec)
	}
	return records, eris.Wrap(rows.Err(), "sqlite: list decisions iterate")
}

// helpers

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}
