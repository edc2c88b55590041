// Package storage defines the collaborator interfaces the write path
// consumes: the per-key transactional entity store and the append-only
// commit journal.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound indicates a missing record.
var ErrNotFound = errors.New("record not found")

// ErrConflict indicates a commit lost a version race and the whole
// verdict computation should be retried.
var ErrConflict = errors.New("transaction conflict")

// EntityStore persists opaque per-key entity state. The pipeline holds
// one Txn open across a sandbox invocation so the verdict and the write
// apply together or not at all.
type EntityStore interface {
	// Begin opens a per-key transaction snapshotting the current
	// committed state and its version.
	Begin(ctx context.Context, table, key string) (Txn, error)
	// Read returns the committed state outside any transaction, for
	// subscriber resync and operator inspection.
	Read(ctx context.Context, table, key string) (json.RawMessage, error)
	Close() error
}

// Txn is one open per-key transaction. Commit applies the staged write
// atomically and fails with ErrConflict when the key's version moved
// since Begin.
type Txn interface {
	// Current returns the state snapshotted at Begin; ok is false when
	// the key did not exist.
	Current() (payload json.RawMessage, ok bool)
	// Write stages the payload as the key's new committed state.
	Write(payload json.RawMessage)
	// Delete stages removal of the key.
	Delete()
	Commit(ctx context.Context) error
	Abort()
}

// CommitRecord is one journal entry for a committed mutation.
type CommitRecord struct {
	Table     string
	Key       string
	Seq       uint64
	Kind      string
	Actor     string
	Payload   json.RawMessage
	CreatedAt time.Time
}

// OpsEvent is one operator-visible telemetry event.
type OpsEvent struct {
	Kind      string
	Module    string
	Detail    string
	CreatedAt time.Time
}

// Journal records committed mutations and operational events.
type Journal interface {
	AppendCommit(ctx context.Context, record CommitRecord) error
	ListCommits(ctx context.Context, table, key string, limit int) ([]CommitRecord, error)
	AppendEvent(ctx context.Context, event OpsEvent) error
	Close() error
}
