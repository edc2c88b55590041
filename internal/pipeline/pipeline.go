// Package pipeline is the write path: it binds mutation intents to
// module invocations under per-key exclusion, applies verdicts through
// the storage transaction held open across the sandbox call, and hands
// committed state to the broker in commit order.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/gatehousedb/gatehouse/internal/broker"
	"github.com/gatehousedb/gatehouse/internal/contract"
	gherrors "github.com/gatehousedb/gatehouse/internal/platform/errors"
	"github.com/gatehousedb/gatehouse/internal/registry"
	"github.com/gatehousedb/gatehouse/internal/sandbox"
	"github.com/gatehousedb/gatehouse/internal/storage"
	"github.com/gatehousedb/gatehouse/internal/telemetry"
)

const defaultMaxRetries = 3

// Result is the synchronous outcome of one mutation intent.
type Result struct {
	Accepted bool
	// State is the committed (possibly transformed) payload of an
	// accepted mutation; nil for deletes.
	State json.RawMessage
	// Reason is the client-facing rejection reason of a rejected
	// mutation.
	Reason string
	// Seq is the notification sequence assigned to the commit.
	Seq uint64
}

// Config wires the pipeline's collaborators.
type Config struct {
	Registry *registry.Registry
	Store    storage.EntityStore
	// Journal records committed mutations; optional.
	Journal storage.Journal
	// Broker receives committed state; optional.
	Broker  *broker.Broker
	Emitter telemetry.Emitter
	// Clock supplies the logical timestamp injected into sandbox input.
	Clock func() int64
	// MaxRetries bounds whole-verdict recomputation on commit conflict.
	MaxRetries int
	// QuarantineThreshold is the consecutive-timeout count that
	// quarantines a module.
	QuarantineThreshold int
}

// Pipeline processes mutation intents.
type Pipeline struct {
	registry   *registry.Registry
	store      storage.EntityStore
	journal    storage.Journal
	broker     *broker.Broker
	emitter    telemetry.Emitter
	clock      func() int64
	retries    int
	locks      *keyLocks
	quarantine *quarantine
	tracer     trace.Tracer
}

// New builds a pipeline. Registry and Store are required.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("entity store is required")
	}
	emitter := cfg.Emitter
	if emitter == nil {
		emitter = telemetry.LogEmitter{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = func() int64 { return time.Now().UnixMilli() }
	}
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = defaultMaxRetries
	}
	return &Pipeline{
		registry:   cfg.Registry,
		store:      cfg.Store,
		journal:    cfg.Journal,
		broker:     cfg.Broker,
		emitter:    emitter,
		clock:      clock,
		retries:    retries,
		locks:      newKeyLocks(),
		quarantine: newQuarantine(cfg.QuarantineThreshold),
		tracer:     otel.Tracer("github.com/gatehousedb/gatehouse/internal/pipeline"),
	}, nil
}

// Process runs one mutation intent to a verdict. A module rejection or
// sandbox fault returns Accepted=false with a client-facing reason and
// a nil error; errors are reserved for malformed intents and
// infrastructure failures. Safe for concurrent use; intents on the same
// key serialize, intents on different keys run in parallel.
func (p *Pipeline) Process(ctx context.Context, intent contract.MutationIntent) (Result, error) {
	if err := intent.Validate(); err != nil {
		return Result{}, gherrors.Wrap(gherrors.CodeInvalidIntent, err.Error(), err)
	}

	ctx, span := p.tracer.Start(ctx, "pipeline.process", trace.WithAttributes(
		attribute.String("table", intent.Table),
		attribute.String("op", string(intent.Op)),
	))
	defer span.End()

	release := p.locks.acquire(intent.Table, intent.Key)
	defer release()

	var lastErr error
	for attempt := 0; attempt < p.retries; attempt++ {
		result, err := p.attempt(ctx, intent)
		if err == nil {
			span.SetAttributes(attribute.Bool("accepted", result.Accepted))
			return result, nil
		}
		if errors.Is(err, storage.ErrConflict) {
			lastErr = err
			p.emitter.Emit(ctx, telemetry.KindCommitConflict, "",
				fmt.Sprintf("commit conflict on %s/%s, attempt %d", intent.Table, intent.Key, attempt+1))
			continue
		}
		if errors.Is(err, sandbox.ErrRetired) {
			// The binding moved mid-flight; resolve fresh and rerun.
			lastErr = err
			continue
		}
		return Result{}, err
	}
	return Result{}, gherrors.Wrap(gherrors.CodeConflict, "mutation retry budget exhausted", lastErr)
}

func (p *Pipeline) attempt(ctx context.Context, intent contract.MutationIntent) (Result, error) {
	module, bound := p.registry.Resolve(intent.Table, intent.Op)
	if bound && p.quarantine.isQuarantined(module.Descriptor.Name) {
		return Result{Accepted: false, Reason: gherrors.CodeModuleQuarantined.ClientReason()}, nil
	}

	txn, err := p.store.Begin(ctx, intent.Table, intent.Key)
	if err != nil {
		return Result{}, err
	}

	if !bound {
		// No module claims the table; the mutation passes through
		// unvalidated.
		if intent.Op == contract.OpDelete {
			txn.Delete()
		} else {
			txn.Write(intent.Payload)
		}
		if err := txn.Commit(ctx); err != nil {
			return Result{}, err
		}
		var state json.RawMessage
		if intent.Op != contract.OpDelete {
			state = intent.Payload
		}
		seq := p.afterCommit(ctx, intent, state)
		return Result{Accepted: true, State: state, Seq: seq}, nil
	}

	current, _ := txn.Current()
	input := contract.Input{
		Op:        intent.Op,
		State:     current,
		Action:    intent.Payload,
		Actor:     intent.Actor,
		Timestamp: p.clock(),
	}
	raw, err := input.Encode()
	if err != nil {
		txn.Abort()
		return Result{}, err
	}

	out, err := module.Handle.Invoke(ctx, module.EntryPoint, raw)
	if err != nil {
		txn.Abort()
		if errors.Is(err, sandbox.ErrRetired) {
			return Result{}, err
		}
		code := gherrors.CodeOf(err)
		if code.IsSandboxFault() {
			p.noteFault(ctx, module.Descriptor.Name, code, err)
			return Result{Accepted: false, Reason: code.ClientReason()}, nil
		}
		return Result{}, err
	}

	verdict, err := contract.DecodeOutput(out, intent.Op)
	if err != nil {
		txn.Abort()
		p.noteFault(ctx, module.Descriptor.Name, gherrors.CodeSchemaMismatch, err)
		return Result{Accepted: false, Reason: gherrors.CodeSchemaMismatch.ClientReason()}, nil
	}
	p.quarantine.recordSuccess(module.Descriptor.Name)

	if reason, rejected := verdict.Reason(); rejected {
		txn.Abort()
		return Result{Accepted: false, Reason: reason}, nil
	}

	next, _ := verdict.State()
	if intent.Op == contract.OpDelete {
		txn.Delete()
	} else {
		txn.Write(next)
	}
	if err := txn.Commit(ctx); err != nil {
		return Result{}, err
	}

	var state json.RawMessage
	if intent.Op != contract.OpDelete {
		state = next
	}
	seq := p.afterCommit(ctx, intent, state)
	return Result{Accepted: true, State: state, Seq: seq}, nil
}

// afterCommit publishes the committed payload and journals the commit.
// Callers still hold the key's exclusion, so broker sequence assignment
// matches commit order.
func (p *Pipeline) afterCommit(ctx context.Context, intent contract.MutationIntent, state json.RawMessage) uint64 {
	var seq uint64
	if p.broker != nil {
		p.broker.Publish(intent.Table, intent.Key, state, string(intent.Op))
		seq = p.broker.Seq(intent.Table, intent.Key)
	}
	if p.journal != nil {
		record := storage.CommitRecord{
			Table:     intent.Table,
			Key:       intent.Key,
			Seq:       seq,
			Kind:      string(intent.Op),
			Actor:     intent.Actor,
			Payload:   state,
			CreatedAt: time.Now().UTC(),
		}
		if err := p.journal.AppendCommit(ctx, record); err != nil {
			log.Printf("pipeline: journal commit %s/%s: %v", intent.Table, intent.Key, err)
		}
	}
	return seq
}

func (p *Pipeline) noteFault(ctx context.Context, module string, code gherrors.Code, err error) {
	switch code {
	case gherrors.CodeSandboxTimeout:
		p.emitter.Emit(ctx, telemetry.KindSandboxTimeout, module, err.Error())
		if p.quarantine.recordTimeout(module) {
			p.emitter.Emit(ctx, telemetry.KindModuleQuarantined, module, "consecutive timeout threshold reached")
		}
	case gherrors.CodeSandboxTrap:
		p.emitter.Emit(ctx, telemetry.KindSandboxTrap, module, err.Error())
	}
}

// Reload hot-swaps a module version and lifts any quarantine on it.
func (p *Pipeline) Reload(descriptor contract.ModuleDescriptor, image []byte) error {
	if err := p.registry.HotReload(descriptor, image); err != nil {
		p.emitter.Emit(context.Background(), telemetry.KindModuleReloadFailed, descriptor.Name, err.Error())
		return err
	}
	if p.quarantine.clear(descriptor.Name) {
		p.emitter.Emit(context.Background(), telemetry.KindModuleRecovered, descriptor.Name,
			fmt.Sprintf("quarantine lifted by reload of version %s", descriptor.Version))
	}
	p.emitter.Emit(context.Background(), telemetry.KindModuleReloaded, descriptor.Name,
		fmt.Sprintf("active version is now %s", descriptor.Version))
	return nil
}

// Quarantined reports whether a module is currently quarantined.
func (p *Pipeline) Quarantined(module string) bool {
	return p.quarantine.isQuarantined(module)
}

// Query invokes a read-only auxiliary entry point against the key's
// committed state, outside any transaction. The raw output bytes are
// returned untouched; callers interpret them.
func (p *Pipeline) Query(ctx context.Context, moduleName, entryPoint, table, key string, action json.RawMessage) (json.RawMessage, error) {
	module, ok := p.registry.Lookup(moduleName)
	if !ok {
		return nil, gherrors.WithMetadata(gherrors.CodeModuleNotFound,
			"module is not registered",
			map[string]string{"module": moduleName})
	}

	state, err := p.store.Read(ctx, table, key)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	input := contract.Input{
		Op:        contract.OpInspect,
		State:     state,
		Action:    action,
		Timestamp: p.clock(),
	}
	raw, err := input.Encode()
	if err != nil {
		return nil, err
	}
	return module.Handle.Invoke(ctx, entryPoint, raw)
}
