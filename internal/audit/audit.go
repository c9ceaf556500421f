// Package audit implements domain.AuditSink over the SQLite audit database
// (§2 item 13): TradingView race-reorder adjustments and per-cycle
// summaries, persisted alongside the in-memory/log record the base
// contract already requires. A missing or unreachable database must never
// fail a cycle (§9 durability note), so every write here only returns a
// wrapped error and leaves it to the caller to decide whether to warn.
package audit

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/lumenquant/confluence/internal/database"
	"github.com/lumenquant/confluence/internal/domain"
)

// Sink implements domain.AuditSink backed by a SQLite database.
type Sink struct {
	db  *database.DB
	log zerolog.Logger
}

// Open opens (and migrates) the audit database at path.
func Open(path string, log zerolog.Logger) (*Sink, error) {
	db, err := database.New(database.Config{
		Path:    path,
		Profile: database.ProfileStandard,
		Name:    "audit",
	})
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		return nil, fmt.Errorf("migrate audit database: %w", err)
	}
	return &Sink{db: db, log: log.With().Str("component", "audit-sink").Logger()}, nil
}

// Close releases the underlying database connection.
func (s *Sink) Close() error {
	return s.db.Close()
}

// DB exposes the underlying database connection for maintenance tasks
// (WAL checkpointing, vacuuming) that live outside this package.
func (s *Sink) DB() *database.DB {
	return s.db
}

// RecordRaceAdjustment persists one TradingView race-reorder rewrite.
func (s *Sink) RecordRaceAdjustment(adj domain.RaceAdjustment) error {
	_, err := s.db.Exec(
		`INSERT INTO race_adjustments (source, symbol, original_timestamp, adjusted_timestamp, reason)
		 VALUES (?, ?, ?, ?, ?)`,
		string(adj.Source), string(adj.Symbol), adj.OriginalTimestamp, adj.Adjusted, adj.Reason,
	)
	if err != nil {
		return fmt.Errorf("insert race adjustment: %w", err)
	}
	return nil
}

// RecordCycleSummary persists one cycle's rollup, upserting on cycle_id so a
// retried record never duplicates.
func (s *Sink) RecordCycleSummary(summary domain.CycleSummary) error {
	_, err := s.db.Exec(
		`INSERT INTO cycle_summaries
		 (cycle_id, started_at, duration_ms, accounts_processed, symbols_dirty, symbols_clean, symbols_failed, orders_placed)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(cycle_id) DO UPDATE SET
		   duration_ms = excluded.duration_ms,
		   accounts_processed = excluded.accounts_processed,
		   symbols_dirty = excluded.symbols_dirty,
		   symbols_clean = excluded.symbols_clean,
		   symbols_failed = excluded.symbols_failed,
		   orders_placed = excluded.orders_placed`,
		summary.CycleID, summary.StartedAt, summary.Duration.Milliseconds(),
		summary.AccountsProcessed, summary.SymbolsDirty, summary.SymbolsClean, summary.SymbolsFailed, summary.OrdersPlaced,
	)
	if err != nil {
		return fmt.Errorf("insert cycle summary: %w", err)
	}
	return nil
}

var _ domain.AuditSink = (*Sink)(nil)
