// Package sqlite provides the SQLite-backed commit journal.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	sqlitemigrate "github.com/gatehousedb/gatehouse/internal/platform/storage/sqlitemigrate"
	"github.com/gatehousedb/gatehouse/internal/storage"
	"github.com/gatehousedb/gatehouse/internal/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// Store persists commit and ops-event records in SQLite.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite journal and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("journal path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// AppendCommit records one committed mutation.
func (s *Store) AppendCommit(ctx context.Context, record storage.CommitRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("journal is not configured")
	}
	table := strings.TrimSpace(record.Table)
	key := strings.TrimSpace(record.Key)
	kind := strings.TrimSpace(record.Kind)
	if table == "" {
		return fmt.Errorf("table is required")
	}
	if key == "" {
		return fmt.Errorf("key is required")
	}
	if kind == "" {
		return fmt.Errorf("kind is required")
	}
	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	payload := []byte(record.Payload)
	if payload == nil {
		payload = []byte("null")
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO commits (
		   entity_table,
		   entity_key,
		   seq,
		   kind,
		   actor,
		   payload,
		   created_at
		 ) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		table,
		key,
		int64(record.Seq),
		kind,
		record.Actor,
		string(payload),
		toMillis(createdAt),
	)
	if err != nil {
		return fmt.Errorf("append commit: %w", err)
	}
	return nil
}

// ListCommits returns commits for one entity key in sequence order.
func (s *Store) ListCommits(ctx context.Context, table, key string, limit int) ([]storage.CommitRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("journal is not configured")
	}
	table = strings.TrimSpace(table)
	key = strings.TrimSpace(key)
	if table == "" {
		return nil, fmt.Errorf("table is required")
	}
	if key == "" {
		return nil, fmt.Errorf("key is required")
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT seq, kind, actor, payload, created_at
		   FROM commits
		  WHERE entity_table = ? AND entity_key = ?
		  ORDER BY seq ASC
		  LIMIT ?`,
		table,
		key,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list commits: %w", err)
	}
	defer rows.Close()

	var records []storage.CommitRecord
	for rows.Next() {
		var (
			seq       int64
			kind      string
			actor     string
			payload   string
			createdAt int64
		)
		if err := rows.Scan(&seq, &kind, &actor, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan commit: %w", err)
		}
		records = append(records, storage.CommitRecord{
			Table:     table,
			Key:       key,
			Seq:       uint64(seq),
			Kind:      kind,
			Actor:     actor,
			Payload:   []byte(payload),
			CreatedAt: fromMillis(createdAt),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate commits: %w", err)
	}
	return records, nil
}

// AppendEvent records one operational event.
func (s *Store) AppendEvent(ctx context.Context, event storage.OpsEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("journal is not configured")
	}
	kind := strings.TrimSpace(event.Kind)
	if kind == "" {
		return fmt.Errorf("kind is required")
	}
	createdAt := event.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO ops_events (kind, module, detail, created_at)
		 VALUES (?, ?, ?, ?)`,
		kind,
		event.Module,
		event.Detail,
		toMillis(createdAt),
	)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// ListEvents returns the most recent operational events, newest first.
func (s *Store) ListEvents(ctx context.Context, limit int) ([]storage.OpsEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("journal is not configured")
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT kind, module, detail, created_at
		   FROM ops_events
		  ORDER BY created_at DESC, id DESC
		  LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []storage.OpsEvent
	for rows.Next() {
		var (
			kind      string
			module    string
			detail    string
			createdAt int64
		)
		if err := rows.Scan(&kind, &module, &detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, storage.OpsEvent{
			Kind:      kind,
			Module:    module,
			Detail:    detail,
			CreatedAt: fromMillis(createdAt),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

var _ storage.Journal = (*Store)(nil)
