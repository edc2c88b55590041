// Package telemetry emits operator-visible events for module lifecycle
// and pipeline faults.
package telemetry

import (
	"context"
	"log"
	"time"

	"github.com/gatehousedb/gatehouse/internal/storage"
)

// Event kinds emitted by the write path and the module registry.
const (
	KindModuleRegistered   = "module_registered"
	KindModuleReloaded     = "module_reloaded"
	KindModuleReloadFailed = "module_reload_failed"
	KindModuleQuarantined  = "module_quarantined"
	KindModuleRecovered    = "module_recovered"
	KindSandboxTimeout     = "sandbox_timeout"
	KindSandboxTrap        = "sandbox_trap"
	KindCommitConflict     = "commit_conflict"
	KindQueueOverflow      = "queue_overflow"
)

// Emitter records one operational event. Implementations must not block
// the write path on slow sinks.
type Emitter interface {
	Emit(ctx context.Context, kind, module, detail string)
}

// LogEmitter writes events to the process log.
type LogEmitter struct{}

// Emit logs the event.
func (LogEmitter) Emit(_ context.Context, kind, module, detail string) {
	if module == "" {
		log.Printf("telemetry: %s: %s", kind, detail)
		return
	}
	log.Printf("telemetry: %s: module=%s %s", kind, module, detail)
}

// JournalEmitter persists events to the ops journal and logs any
// append failure instead of propagating it.
type JournalEmitter struct {
	journal storage.Journal
}

// NewJournalEmitter wraps a journal as an emitter.
func NewJournalEmitter(journal storage.Journal) *JournalEmitter {
	return &JournalEmitter{journal: journal}
}

// Emit appends the event to the journal.
func (e *JournalEmitter) Emit(ctx context.Context, kind, module, detail string) {
	if e == nil || e.journal == nil {
		return
	}
	event := storage.OpsEvent{
		Kind:      kind,
		Module:    module,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.journal.AppendEvent(ctx, event); err != nil {
		log.Printf("telemetry: append %s event: %v", kind, err)
	}
}

// Multi fans one event out to several emitters.
type Multi []Emitter

// Emit forwards the event to every emitter.
func (m Multi) Emit(ctx context.Context, kind, module, detail string) {
	for _, emitter := range m {
		if emitter == nil {
			continue
		}
		emitter.Emit(ctx, kind, module, detail)
	}
}
