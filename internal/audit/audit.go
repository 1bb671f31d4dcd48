// Package audit keeps the durable, append-only failover history in
// PostgreSQL. The store layer holds the working copies; this table is
// the record of what actually happened, written once per terminal
// event and never updated.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/FleetForge/bastion/internal/fleet"
)

// Store writes terminal FailoverEvents to Postgres
type Store struct {
	db *sql.DB
}

// Open connects and ensures the schema exists
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping audit database: %w", err)
	}

	s := &Store{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) createTables(ctx context.Context) error {
	query := `
        CREATE TABLE IF NOT EXISTS failover_events (
            id VARCHAR(64) PRIMARY KEY,
            unit_id VARCHAR(64) NOT NULL,
            reason VARCHAR(255) NOT NULL,
            strategy VARCHAR(32) NOT NULL,
            outcome VARCHAR(32) NOT NULL,
            new_unit_id VARCHAR(64),
            data_loss_ms BIGINT NOT NULL,
            error TEXT,
            attempts JSONB NOT NULL,
            phases JSONB NOT NULL,
            started_at TIMESTAMP NOT NULL,
            finished_at TIMESTAMP NOT NULL
        )
    `
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create audit schema: %w", err)
	}
	_, err := s.db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_failover_events_unit ON failover_events (unit_id, started_at)`)
	return err
}

// Record inserts one terminal event. Re-inserting the same event id is
// a no-op so a retried write never mutates history.
func (s *Store) Record(ctx context.Context, ev *fleet.FailoverEvent) error {
	if !ev.Terminal() {
		return fmt.Errorf("event %s is not terminal", ev.ID)
	}
	attempts, err := json.Marshal(ev.Attempts)
	if err != nil {
		return err
	}
	phases, err := json.Marshal(ev.Phases)
	if err != nil {
		return err
	}
	query := `
        INSERT INTO failover_events
            (id, unit_id, reason, strategy, outcome, new_unit_id, data_loss_ms,
             error, attempts, phases, started_at, finished_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
        ON CONFLICT (id) DO NOTHING
    `
	_, err = s.db.ExecContext(ctx, query,
		ev.ID, ev.UnitID, ev.Reason, string(ev.Strategy), string(ev.Outcome),
		ev.NewUnitID, ev.DataLossWindow.Milliseconds(), ev.Error,
		attempts, phases, ev.StartedAt, ev.FinishedAt)
	return err
}

// History returns a unit's recoveries, newest first
func (s *Store) History(ctx context.Context, unitID string, limit int) ([]*fleet.FailoverEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
        SELECT id, unit_id, reason, strategy, outcome, new_unit_id,
               data_loss_ms, error, attempts, phases, started_at, finished_at
        FROM failover_events
        WHERE unit_id = $1
        ORDER BY started_at DESC
        LIMIT $2
    `
	rows, err := s.db.QueryContext(ctx, query, unitID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*fleet.FailoverEvent
	for rows.Next() {
		var (
			ev         fleet.FailoverEvent
			strategy   string
			outcome    string
			newUnit    sql.NullString
			lossMillis int64
			errText    sql.NullString
			attempts   []byte
			phases     []byte
		)
		if err := rows.Scan(&ev.ID, &ev.UnitID, &ev.Reason, &strategy, &outcome,
			&newUnit, &lossMillis, &errText, &attempts, &phases,
			&ev.StartedAt, &ev.FinishedAt); err != nil {
			return nil, err
		}
		ev.Strategy = fleet.Strategy(strategy)
		ev.Outcome = fleet.FailoverPhase(outcome)
		ev.NewUnitID = newUnit.String
		ev.DataLossWindow = time.Duration(lossMillis) * time.Millisecond
		ev.Error = errText.String
		if err := json.Unmarshal(attempts, &ev.Attempts); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(phases, &ev.Phases); err != nil {
			return nil, err
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}
