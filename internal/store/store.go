// Package store implements the persistence layer: a durable key-value
// (by ticket) table of PersistentRecords for crash recovery (spec.md
// §4.3). Backed by modernc.org/sqlite (pure Go, no cgo) via sqlx for
// struct scanning.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
	"github.com/rs/zerolog"

	"github.com/BenignMalice/usltpm/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS managed_trades (
	ticket INTEGER PRIMARY KEY,
	symbol TEXT NOT NULL,
	strategy_type TEXT NOT NULL,
	direction TEXT NOT NULL,
	session TEXT NOT NULL,
	entry_price REAL NOT NULL,
	initial_sl REAL NOT NULL,
	initial_tp REAL NOT NULL,
	resolved_trailing_rules BLOB,
	managed_by TEXT NOT NULL,
	baseline_atr REAL NOT NULL,
	initial_volume REAL NOT NULL,
	breakeven_triggered INTEGER NOT NULL DEFAULT 0,
	partial_taken INTEGER NOT NULL DEFAULT 0,
	last_trailing_sl REAL,
	last_sl_modification_time TEXT,
	registered_at TEXT NOT NULL,
	plan_id TEXT
);
`

// row is the sqlx scan target; sqlite has no native bool so
// breakeven/partial are stored as 0/1 ints.
type row struct {
	Ticket                 int64          `db:"ticket"`
	Symbol                 string         `db:"symbol"`
	StrategyType           string         `db:"strategy_type"`
	Direction              string         `db:"direction"`
	Session                string         `db:"session"`
	EntryPrice             float64        `db:"entry_price"`
	InitialSL              float64        `db:"initial_sl"`
	InitialTP              float64        `db:"initial_tp"`
	ResolvedTrailingRules  []byte         `db:"resolved_trailing_rules"`
	ManagedBy              string         `db:"managed_by"`
	BaselineATR            float64        `db:"baseline_atr"`
	InitialVolume          float64        `db:"initial_volume"`
	BreakevenTriggered     int            `db:"breakeven_triggered"`
	PartialTaken           int            `db:"partial_taken"`
	LastTrailingSL         sql.NullFloat64 `db:"last_trailing_sl"`
	LastSLModificationTime sql.NullString `db:"last_sl_modification_time"`
	RegisteredAt           string         `db:"registered_at"`
	PlanID                 sql.NullString `db:"plan_id"`
}

// Store is the durable persistence layer.
type Store struct {
	db  *sqlx.DB
	log zerolog.Logger
}

// Open creates/opens the sqlite database at path and ensures the schema
// exists.
func Open(path string, log zerolog.Logger) (*Store, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db, log: log.With().Str("component", "store").Logger()}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Upsert writes rec, replacing any existing row for the same ticket
// (primary-key upsert semantics, spec.md §4.3). Serialization failures
// substitute an empty blob rather than fail the write, so the trade is
// still recoverable (with rules re-resolved at recovery time).
func (s *Store) Upsert(ctx context.Context, rec *model.PersistentRecord) error {
	blob := rec.ResolvedTrailingRules
	if blob == nil {
		if b, err := json.Marshal(struct{}{}); err == nil {
			blob = b
		}
	}

	var lastMod sql.NullString
	if rec.LastSLModificationTime != nil {
		lastMod = sql.NullString{String: rec.LastSLModificationTime.Format(timeLayout), Valid: true}
	}
	var lastTrail sql.NullFloat64
	if rec.LastTrailingSL != nil {
		lastTrail = sql.NullFloat64{Float64: *rec.LastTrailingSL, Valid: true}
	}
	var planID sql.NullString
	if rec.PlanID != nil {
		planID = sql.NullString{String: *rec.PlanID, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO managed_trades (
			ticket, symbol, strategy_type, direction, session,
			entry_price, initial_sl, initial_tp, resolved_trailing_rules,
			managed_by, baseline_atr, initial_volume,
			breakeven_triggered, partial_taken,
			last_trailing_sl, last_sl_modification_time, registered_at, plan_id
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(ticket) DO UPDATE SET
			symbol=excluded.symbol, strategy_type=excluded.strategy_type,
			direction=excluded.direction, session=excluded.session,
			entry_price=excluded.entry_price, initial_sl=excluded.initial_sl,
			initial_tp=excluded.initial_tp,
			resolved_trailing_rules=excluded.resolved_trailing_rules,
			managed_by=excluded.managed_by, baseline_atr=excluded.baseline_atr,
			initial_volume=excluded.initial_volume,
			breakeven_triggered=excluded.breakeven_triggered,
			partial_taken=excluded.partial_taken,
			last_trailing_sl=excluded.last_trailing_sl,
			last_sl_modification_time=excluded.last_sl_modification_time,
			registered_at=excluded.registered_at, plan_id=excluded.plan_id
	`,
		rec.Ticket, rec.Symbol, rec.StrategyType, rec.Direction, rec.Session,
		rec.EntryPrice, rec.InitialSL, rec.InitialTP, blob,
		rec.ManagedBy, rec.BaselineATR, rec.InitialVolume,
		boolToInt(rec.BreakevenTriggered), boolToInt(rec.PartialTaken),
		lastTrail, lastMod, rec.RegisteredAt.Format(timeLayout), planID,
	)
	if err != nil {
		return fmt.Errorf("upsert ticket %d: %w", rec.Ticket, err)
	}
	return nil
}

// Get loads the PersistentRecord for ticket, or (nil, false) if absent.
func (s *Store) Get(ctx context.Context, ticket int64) (*model.PersistentRecord, bool, error) {
	var r row
	err := s.db.GetContext(ctx, &r, `SELECT * FROM managed_trades WHERE ticket = ?`, ticket)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get ticket %d: %w", ticket, err)
	}
	rec, err := rowToRecord(r)
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

// All returns every persisted record, used by the recovery coordinator
// to reconcile against broker-reported positions.
func (s *Store) All(ctx context.Context) ([]*model.PersistentRecord, error) {
	var rows []row
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM managed_trades`); err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	out := make([]*model.PersistentRecord, 0, len(rows))
	for _, r := range rows {
		rec, err := rowToRecord(r)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Delete removes the record for ticket, if present.
func (s *Store) Delete(ctx context.Context, ticket int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM managed_trades WHERE ticket = ?`, ticket); err != nil {
		return fmt.Errorf("delete ticket %d: %w", ticket, err)
	}
	return nil
}

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func rowToRecord(r row) (*model.PersistentRecord, error) {
	rec := &model.PersistentRecord{
		Ticket:                r.Ticket,
		Symbol:                r.Symbol,
		StrategyType:          r.StrategyType,
		Direction:             r.Direction,
		Session:               r.Session,
		EntryPrice:            r.EntryPrice,
		InitialSL:             r.InitialSL,
		InitialTP:             r.InitialTP,
		ResolvedTrailingRules: r.ResolvedTrailingRules,
		ManagedBy:             r.ManagedBy,
		BaselineATR:           r.BaselineATR,
		InitialVolume:         r.InitialVolume,
		BreakevenTriggered:    r.BreakevenTriggered != 0,
		PartialTaken:          r.PartialTaken != 0,
	}
	if r.LastTrailingSL.Valid {
		v := r.LastTrailingSL.Float64
		rec.LastTrailingSL = &v
	}
	if r.LastSLModificationTime.Valid {
		t, err := parseTime(r.LastSLModificationTime.String)
		if err != nil {
			return nil, fmt.Errorf("parse last_sl_modification_time: %w", err)
		}
		rec.LastSLModificationTime = &t
	}
	if r.PlanID.Valid {
		v := r.PlanID.String
		rec.PlanID = &v
	}
	registeredAt, err := parseTime(r.RegisteredAt)
	if err != nil {
		return nil, fmt.Errorf("parse registered_at: %w", err)
	}
	rec.RegisteredAt = registeredAt
	return rec, nil
}
