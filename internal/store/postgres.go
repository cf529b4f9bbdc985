package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/loom-cli/internal/db"
	"github.com/sells-group/loom-cli/internal/loom"
	"github.com/sells-group/loom-cli/internal/manifest"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hot store operations (one snapshot write per step).
var preparedStatements = map[string]string{
	"insert_session": `INSERT INTO sessions (id, brief, selector, stopped, steps, snapshot, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
	"save_snapshot":  `UPDATE sessions SET snapshot = $1, stopped = $2, steps = $3, updated_at = $4 WHERE id = $5`,
	"get_snapshot":   `SELECT snapshot FROM sessions WHERE id = $1`,
	"list_decisions": `SELECT record FROM decision_records WHERE session_id = $1 ORDER BY timestamp ASC`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	// Apply pool sizing from config with sensible defaults.
	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	// Prepare frequently-used statements on each new connection.
	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool for subsystems that need direct
// query access.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	brief      TEXT NOT NULL DEFAULT '',
	selector   TEXT NOT NULL DEFAULT '',
	stopped    BOOLEAN NOT NULL DEFAULT false,
	steps      INTEGER NOT NULL DEFAULT 0,
	snapshot   JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS decision_records (
	decision_id TEXT PRIMARY KEY,
	session_id  TEXT NOT NULL,
	record      JSONB NOT NULL,
	timestamp   TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_selector ON sessions(selector);
CREATE INDEX IF NOT EXISTS idx_sessions_updated_at ON sessions(updated_at DESC);
CREATE INDEX IF NOT EXISTS idx_decision_records_session ON decision_records(session_id);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, l *loom.Loom, selector string) error {
	snapshot, err := l.Snapshot()
	if err != nil {
		return eris.Wrap(err, "postgres: snapshot")
	}
	now := time.Now().UTC()

	_, err = s.pool.Exec(ctx,
		`INSERT INTO sessions (id, brief, selector, stopped, steps, snapshot, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		l.SessionID, l.Brief, selector, l.Stopped, sessionSteps(l), snapshot, now, now,
	)
	return eris.Wrapf(err, "postgres: insert session %s", l.SessionID)
}

func (s *PostgresStore) SaveSnapshot(ctx context.Context, l *loom.Loom) error {
	snapshot, err := l.Snapshot()
	if err != nil {
		return eris.Wrap(err, "postgres: snapshot")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET snapshot = $1, stopped = $2, steps = $3, updated_at = $4 WHERE id = $5`,
		snapshot, l.Stopped, sessionSteps(l), time.Now().UTC(), l.SessionID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: save snapshot %s", l.SessionID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("session not found: %s", l.SessionID)
	}
	return nil
}

func (s *PostgresStore) GetSnapshot(ctx context.Context, sessionID string) (*loom.Loom, error) {
	var snapshot []byte
	err := s.pool.QueryRow(ctx,
		`SELECT snapshot FROM sessions WHERE id = $1`, sessionID,
	).Scan(&snapshot)
	if err == pgx.ErrNoRows {
		return nil, &loom.UnresolvedReferenceError{Kind: "session", ID: sessionID}
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get session %s", sessionID)
	}
	return loom.FromSnapshot(snapshot)
}

func (s *PostgresStore) ListSessions(ctx context.Context, filter SessionFilter) ([]SessionMeta, error) {
	query := `SELECT id, brief, selector, stopped, steps, created_at, updated_at FROM sessions WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Selector != "" {
		query += fmt.Sprintf(` AND selector = $%d`, argIdx)
		args = append(args, filter.Selector)
		argIdx++
	}
	if filter.Stopped != nil {
		query += fmt.Sprintf(` AND stopped = $%d`, argIdx)
		args = append(args, *filter.Stopped)
		argIdx++
	}
	query += ` ORDER BY updated_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
		argIdx++
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list sessions")
	}
	defer rows.Close()

	var sessions []SessionMeta
	for rows.Next() {
		var m SessionMeta
		if err := rows.Scan(&m.ID, &m.Brief, &m.Selector, &m.Stopped, &m.Steps, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan session")
		}
		sessions = append(sessions, m)
	}
	return sessions, eris.Wrap(rows.Err(), "postgres: list sessions iterate")
}

// SaveDecisions bulk-upserts manifest records through a temp table; replays
// of the same manifest are idempotent.
func (s *PostgresStore) SaveDecisions(ctx context.Context, records []manifest.Record) error {
	if len(records) == 0 {
		return nil
	}

	rows := make([][]any, 0, len(records))
	for _, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal record")
		}
		rows = append(rows, []any{rec.DecisionID, rec.SessionID, data, rec.Timestamp})
	}

	_, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "decision_records",
		Columns:      []string{"decision_id", "session_id", "record", "timestamp"},
		ConflictKeys: []string{"decision_id"},
	}, rows)
	return eris.Wrap(err, "postgres: save decisions")
}

func (s *PostgresStore) ListDecisions(ctx context.Context, sessionID string) ([]manifest.Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT record FROM decision_records WHERE session_id = $1 ORDER BY timestamp ASC`,
		sessionID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list decisions %s", sessionID)
	}
	defer rows.Close()

	var records []manifest.Record
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "postgres: scan decision")
		}
		var rec manifest.Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal decision")
		}
		records = append(records, rec)
	}
	return records, eris.Wrap(rows.Err(), "postgres: list decisions iterate")
}
