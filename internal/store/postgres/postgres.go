// internal/store/postgres/postgres.go
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/tamzrod/plc-cloud-gateway/internal/command"
	"github.com/tamzrod/plc-cloud-gateway/internal/status"
	"github.com/tamzrod/plc-cloud-gateway/internal/store"
	"github.com/tamzrod/plc-cloud-gateway/internal/telemetry"
)

// Store is a Postgres implementation of store.Store.
type Store struct {
	db     *sql.DB
	tables store.Collections
}

// Option configures the store.
type Option func(*Store)

// WithTables overrides the default table names.
func WithTables(c store.Collections) Option {
	return func(s *Store) {
		s.tables = c.WithDefaults()
	}
}

// New wraps an open database.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, tables: store.Collections{}.WithDefaults()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open connects with the pgx driver and pings once.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return New(db, opts...), nil
}

// EnsureSchema creates the four tables when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("postgres store: nil db")
	}
	stmts := []string{
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	ts TIMESTAMPTZ NOT NULL,
	level_cm DOUBLE PRECISION NOT NULL,
	level_raw INTEGER NOT NULL,
	vfd_rpm INTEGER NOT NULL,
	vfd_speed_cmd INTEGER NOT NULL,
	setpoint INTEGER NOT NULL,
	blink_2hz BOOLEAN NOT NULL,
	reached_sp BOOLEAN NOT NULL,
	low_level BOOLEAN NOT NULL,
	high_level BOOLEAN NOT NULL,
	error INTEGER NOT NULL
)`, s.tables.Telemetry),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_ts_idx ON %s (ts)`, s.tables.Telemetry, s.tables.Telemetry),
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	ts TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	cmd_start SMALLINT NOT NULL DEFAULT 0,
	cmd_stop SMALLINT NOT NULL DEFAULT 0,
	cmd_estop SMALLINT NOT NULL DEFAULT 0,
	sp_ref_cm DOUBLE PRECISION,
	processed BOOLEAN NOT NULL DEFAULT FALSE,
	processed_at TIMESTAMPTZ
)`, s.tables.Commands),
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	ts TIMESTAMPTZ NOT NULL,
	event_type TEXT NOT NULL,
	details TEXT NOT NULL
)`, s.tables.Events),
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	last_update TIMESTAMPTZ NOT NULL,
	level_cm DOUBLE PRECISION NOT NULL,
	vfd_rpm INTEGER NOT NULL,
	setpoint INTEGER NOT NULL,
	system_running BOOLEAN NOT NULL,
	alarm_low BOOLEAN NOT NULL,
	alarm_high BOOLEAN NOT NULL,
	reached_sp BOOLEAN NOT NULL,
	error INTEGER NOT NULL,
	health TEXT NOT NULL,
	last_error_code INTEGER NOT NULL,
	disconnected_since TIMESTAMPTZ
)`, s.tables.Status),
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return store.Wrap("schema", "", err)
		}
	}
	return nil
}

func (s *Store) AppendTelemetry(ctx context.Context, snap telemetry.Snapshot) error {
	if s == nil || s.db == nil {
		return store.Wrap("insert", "", errors.New("nil db"))
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	ts, level_cm, level_raw, vfd_rpm, vfd_speed_cmd, setpoint,
	blink_2hz, reached_sp, low_level, high_level, error
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`, s.tables.Telemetry)

	_, err := s.db.ExecContext(ctx, query,
		snap.Timestamp.UTC(),
		store.RoundLevel(snap.LevelCM),
		snap.LevelRaw,
		snap.VFDRPM,
		snap.VFDSpeedCmd,
		snap.Setpoint,
		snap.Blink2Hz,
		snap.ReachedSP,
		snap.LowLevel,
		snap.HighLevel,
		snap.Error,
	)
	return store.Wrap("insert", s.tables.Telemetry, err)
}

func (s *Store) UpsertStatus(ctx context.Context, st status.Summary) error {
	if s == nil || s.db == nil {
		return store.Wrap("upsert", "", errors.New("nil db"))
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id, last_update, level_cm, vfd_rpm, setpoint, system_running,
	alarm_low, alarm_high, reached_sp, error, health, last_error_code, disconnected_since
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (id)
DO UPDATE SET
	last_update = EXCLUDED.last_update,
	level_cm = EXCLUDED.level_cm,
	vfd_rpm = EXCLUDED.vfd_rpm,
	setpoint = EXCLUDED.setpoint,
	system_running = EXCLUDED.system_running,
	alarm_low = EXCLUDED.alarm_low,
	alarm_high = EXCLUDED.alarm_high,
	reached_sp = EXCLUDED.reached_sp,
	error = EXCLUDED.error,
	health = EXCLUDED.health,
	last_error_code = EXCLUDED.last_error_code,
	disconnected_since = EXCLUDED.disconnected_since`, s.tables.Status)

	since := sql.NullTime{}
	if !st.DisconnectedSince.IsZero() {
		since = sql.NullTime{Time: st.DisconnectedSince.UTC(), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, query,
		status.RecordID,
		st.LastUpdate.UTC(),
		store.RoundLevel(st.LevelCM),
		st.VFDRPM,
		st.Setpoint,
		st.SystemRunning,
		st.AlarmLow,
		st.AlarmHigh,
		st.ReachedSP,
		st.Error,
		status.HealthName(st.Health),
		int(st.LastErrorCode),
		since,
	)
	return store.Wrap("upsert", s.tables.Status, err)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) PendingCommands(ctx context.Context, limit int) ([]command.Command, error) {
	if s == nil || s.db == nil {
		return nil, store.Wrap("query", "", errors.New("nil db"))
	}
	if limit <= 0 {
		limit = 1
	}
	query := fmt.Sprintf(`
SELECT id, ts, cmd_start, cmd_stop, cmd_estop, sp_ref_cm, processed
FROM %s
WHERE processed = FALSE
ORDER BY ts ASC, id ASC
LIMIT $1`, s.tables.Commands)

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, store.Wrap("query", s.tables.Commands, err)
	}
	defer rows.Close()

	var out []command.Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, store.Wrap("scan", s.tables.Commands, err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Wrap("query", s.tables.Commands, err)
	}
	return out, nil
}

func scanCommand(row rowScanner) (command.Command, error) {
	var (
		c                  command.Command
		id                 int64
		start, stop, estop int16
		sp                 sql.NullFloat64
	)
	if err := row.Scan(&id, &c.CreatedAt, &start, &stop, &estop, &sp, &c.Processed); err != nil {
		return command.Command{}, err
	}
	c.ID = strconv.FormatInt(id, 10)
	c.CmdStart = start != 0
	c.CmdStop = stop != 0
	c.CmdEstop = estop != 0
	if sp.Valid {
		v := sp.Float64
		c.SPRefCM = &v
	}
	return c, nil
}

// MarkProcessed only updates rows still unprocessed, so a repeat call
// affects zero rows and reports store.ErrAlreadyProcessed.
func (s *Store) MarkProcessed(ctx context.Context, id string, at time.Time) error {
	if s == nil || s.db == nil {
		return store.Wrap("update", "", errors.New("nil db"))
	}
	table := s.tables.Commands

	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return store.Wrap("update", table, store.ErrNotFound)
	}

	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET processed = TRUE, processed_at = $1 WHERE id = $2 AND processed = FALSE`, table),
		at.UTC(), n)
	if err != nil {
		return store.Wrap("update", table, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return store.Wrap("update", table, err)
	}
	if affected == 1 {
		return nil
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)`, table), n,
	).Scan(&exists); err != nil {
		return store.Wrap("update", table, err)
	}
	if !exists {
		return store.Wrap("update", table, store.ErrNotFound)
	}
	return store.Wrap("update", table, store.ErrAlreadyProcessed)
}

func (s *Store) AppendEvent(ctx context.Context, ev store.Event) error {
	if s == nil || s.db == nil {
		return store.Wrap("insert", "", errors.New("nil db"))
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, ts, event_type, details) VALUES ($1, $2, $3, $4)`, s.tables.Events),
		ev.ID, ev.Timestamp.UTC(), ev.Type, ev.Details)
	return store.Wrap("insert", s.tables.Events, err)
}

func (s *Store) DeleteTelemetryBefore(ctx context.Context, cutoff time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, store.Wrap("delete", "", errors.New("nil db"))
	}
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE ts < $1`, s.tables.Telemetry), cutoff.UTC())
	if err != nil {
		return 0, store.Wrap("delete", s.tables.Telemetry, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, store.Wrap("delete", s.tables.Telemetry, err)
	}
	return int(n), nil
}

// InsertCommand adds a pending command the way the dashboard does.
// Used by tooling and tests.
func (s *Store) InsertCommand(ctx context.Context, c command.Command) (string, error) {
	if s == nil || s.db == nil {
		return "", store.Wrap("insert", "", errors.New("nil db"))
	}
	sp := sql.NullFloat64{}
	if c.SPRefCM != nil {
		sp = sql.NullFloat64{Float64: *c.SPRefCM, Valid: true}
	}
	ts := c.CreatedAt
	if ts.IsZero() {
		ts = time.Now()
	}

	var id int64
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`
INSERT INTO %s (ts, cmd_start, cmd_stop, cmd_estop, sp_ref_cm)
VALUES ($1, $2, $3, $4, $5)
RETURNING id`, s.tables.Commands),
		ts.UTC(), boolInt(c.CmdStart), boolInt(c.CmdStop), boolInt(c.CmdEstop), sp,
	).Scan(&id)
	if err != nil {
		return "", store.Wrap("insert", s.tables.Commands, err)
	}
	return strconv.FormatInt(id, 10), nil
}

func boolInt(b bool) int16 {
	if b {
		return 1
	}
	return 0
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
