// Package bbolt provides the BoltDB-backed entity store. Each table is
// one bucket; each value is an envelope carrying a version counter used
// for optimistic commit checks.
package bbolt

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/gatehousedb/gatehouse/internal/storage"
	"go.etcd.io/bbolt"
)

// Store provides a BoltDB-backed entity store.
type Store struct {
	db *bbolt.DB
}

type record struct {
	Version uint64          `json:"version"`
	Payload json.RawMessage `json:"payload"`
}

// Open opens a BoltDB-backed store at the provided path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	db, err := bbolt.Open(cleanPath, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open storage db: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying BoltDB database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Begin snapshots the key's committed state and version.
func (s *Store) Begin(ctx context.Context, table, key string) (storage.Txn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(table) == "" {
		return nil, fmt.Errorf("table is required")
	}
	if strings.TrimSpace(key) == "" {
		return nil, fmt.Errorf("key is required")
	}

	t := &txn{store: s, table: table, key: key}
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(table))
		if bucket == nil {
			return nil
		}
		raw := bucket.Get([]byte(key))
		if raw == nil {
			return nil
		}
		var rec record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("unmarshal record: %w", err)
		}
		t.readVersion = rec.Version
		t.current = rec.Payload
		t.exists = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Read returns the committed state for a key.
func (s *Store) Read(ctx context.Context, table, key string) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(table) == "" {
		return nil, fmt.Errorf("table is required")
	}
	if strings.TrimSpace(key) == "" {
		return nil, fmt.Errorf("key is required")
	}

	var payload json.RawMessage
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(table))
		if bucket == nil {
			return storage.ErrNotFound
		}
		raw := bucket.Get([]byte(key))
		if raw == nil {
			return storage.ErrNotFound
		}
		var rec record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("unmarshal record: %w", err)
		}
		payload = append(json.RawMessage(nil), rec.Payload...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return payload, nil
}

type txn struct {
	store *Store
	table string
	key   string

	readVersion uint64
	current     json.RawMessage
	exists      bool

	write   json.RawMessage
	staged  bool
	deleted bool
	done    bool
}

func (t *txn) Current() (json.RawMessage, bool) {
	if !t.exists {
		return nil, false
	}
	return t.current, true
}

func (t *txn) Write(payload json.RawMessage) {
	t.write = payload
	t.staged = true
	t.deleted = false
}

func (t *txn) Delete() {
	t.deleted = true
	t.staged = true
	t.write = nil
}

// Commit applies the staged mutation in one BoltDB update, failing with
// ErrConflict when the key's version moved since Begin.
func (t *txn) Commit(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t == nil || t.store == nil || t.store.db == nil {
		return fmt.Errorf("transaction is not configured")
	}
	if t.done {
		return fmt.Errorf("transaction is already finished")
	}
	t.done = true
	if !t.staged {
		return nil
	}

	return t.store.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(t.table))
		if err != nil {
			return fmt.Errorf("create table bucket: %w", err)
		}

		var version uint64
		if raw := bucket.Get([]byte(t.key)); raw != nil {
			var rec record
			if err := json.Unmarshal(raw, &rec); err != nil {
				return fmt.Errorf("unmarshal record: %w", err)
			}
			version = rec.Version
		}
		if version != t.readVersion {
			return storage.ErrConflict
		}

		if t.deleted {
			return bucket.Delete([]byte(t.key))
		}

		raw, err := json.Marshal(record{Version: version + 1, Payload: t.write})
		if err != nil {
			return fmt.Errorf("marshal record: %w", err)
		}
		return bucket.Put([]byte(t.key), raw)
	})
}

func (t *txn) Abort() {
	if t == nil {
		return
	}
	t.done = true
	t.staged = false
}

var _ storage.EntityStore = (*Store)(nil)
