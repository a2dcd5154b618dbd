// Package ledger provides a write-behind durable log of custody id
// issuance, release, and acknowledgement, backed by sqlite. It never
// gates a release decision — CustodyBookkeeping's in-memory set is
// authoritative on the hot path (§4.9) — it exists purely for operator
// diagnostics and post-crash auditing.
package ledger

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DBQuerier is the subset of *sql.DB / *sql.Tx the Ledger needs,
// mirroring the repository pattern of keeping query execution
// transaction-agnostic.
type DBQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Ledger wraps a migrated sqlite database recording custody lifecycle
// events.
type Ledger struct {
	db DBQuerier
}

// Open opens (creating if absent) the sqlite database at path and
// applies every pending goose migration.
func Open(path string) (*Ledger, *sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, nil, fmt.Errorf("ledger: open %s: %w", path, err)
	}

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("ledger: set dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("ledger: migrate %s: %w", path, err)
	}

	return &Ledger{db: db}, db, nil
}

// NewWithDB wraps an already-open, already-migrated database (a *sql.DB
// or *sql.Tx); it applies no migrations itself.
func NewWithDB(db DBQuerier) *Ledger {
	return &Ledger{db: db}
}

// RecordIssue appends a row recording that custodyId was issued for
// nextHopNodeId at issuedAtUnix.
func (l *Ledger) RecordIssue(ctx context.Context, nextHopNodeId, custodyId uint64, issuedAtUnix int64) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO custody_ids (next_hop_node_id, custody_id, issued_at) VALUES (?, ?, ?)`,
		nextHopNodeId, custodyId, issuedAtUnix)
	if err != nil {
		return fmt.Errorf("ledger: record issue: %w", err)
	}
	return nil
}

// RecordRelease appends a row recording that the bundle at headSegmentId
// carrying custodyId was released toward (destNodeId, destServiceId) at
// releasedAtUnix.
func (l *Ledger) RecordRelease(ctx context.Context, destNodeId, destServiceId, custodyId, headSegmentId uint64, releasedAtUnix int64) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO outstanding (final_dest_node_id, final_dest_service_id, custody_id, head_segment_id, released_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (final_dest_node_id, final_dest_service_id, custody_id) DO UPDATE SET
		 head_segment_id = excluded.head_segment_id, released_at = excluded.released_at`,
		destNodeId, destServiceId, custodyId, headSegmentId, releasedAtUnix)
	if err != nil {
		return fmt.Errorf("ledger: record release: %w", err)
	}
	return nil
}

// RecordAck marks the outstanding row for (destNodeId, destServiceId,
// custodyId) acknowledged at ackedAtUnix.
func (l *Ledger) RecordAck(ctx context.Context, destNodeId, destServiceId, custodyId uint64, ackedAtUnix int64) error {
	_, err := l.db.ExecContext(ctx,
		`UPDATE outstanding SET acked_at = ? WHERE final_dest_node_id = ? AND final_dest_service_id = ? AND custody_id = ?`,
		ackedAtUnix, destNodeId, destServiceId, custodyId)
	if err != nil {
		return fmt.Errorf("ledger: record ack: %w", err)
	}
	return nil
}

// OutstandingCount reports how many releases for (destNodeId,
// destServiceId) have not yet been acknowledged, for operator
// diagnostics/metrics only.
func (l *Ledger) OutstandingCount(ctx context.Context, destNodeId, destServiceId uint64) (int, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM outstanding WHERE final_dest_node_id = ? AND final_dest_service_id = ? AND acked_at IS NULL`,
		destNodeId, destServiceId)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("ledger: outstanding count: %w", err)
	}
	return count, nil
}
