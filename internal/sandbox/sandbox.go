// Package sandbox executes module entry points inside an isolated Lua
// interpreter. A loaded Handle owns a pool of interpreter instances;
// each invocation is time-bounded and value-size-bounded and is a pure
// function of its input bytes plus the injected logical timestamp.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Shopify/go-lua"
	"github.com/gatehousedb/gatehouse/internal/contract"
	gherrors "github.com/gatehousedb/gatehouse/internal/platform/errors"
)

const (
	defaultDeadline      = 50 * time.Millisecond
	defaultMaxValueBytes = 256 * 1024
	defaultPoolSize      = 4
	loadDeadline         = 500 * time.Millisecond
)

// ErrRetired is returned when an invoke reaches a handle that has
// already been retired by the registry.
var ErrRetired = errors.New("module handle is retired")

// Config bounds sandbox execution.
type Config struct {
	// Deadline is the hard per-invoke execution limit.
	Deadline time.Duration
	// MaxValueBytes caps input and output payload sizes.
	MaxValueBytes int
	// PoolSize is the number of interpreter instances per handle.
	PoolSize int
}

func (c Config) withDefaults() Config {
	if c.Deadline <= 0 {
		c.Deadline = defaultDeadline
	}
	if c.MaxValueBytes <= 0 {
		c.MaxValueBytes = defaultMaxValueBytes
	}
	if c.PoolSize <= 0 {
		c.PoolSize = defaultPoolSize
	}
	return c
}

// Runtime loads module images into invocable handles.
type Runtime struct {
	cfg Config
}

// NewRuntime builds a runtime with the provided bounds; zero values
// fall back to defaults.
func NewRuntime(cfg Config) *Runtime {
	return &Runtime{cfg: cfg.withDefaults()}
}

// Handle is one loaded module image ready for invocation.
type Handle struct {
	descriptor contract.ModuleDescriptor
	image      []byte
	cfg        Config

	pool chan *instance

	mu       sync.Mutex
	inflight int
	retired  bool
	drained  chan struct{}
	closed   bool
}

type instance struct {
	state *lua.State
}

// Load validates an image and builds a Handle, or fails with an
// InvalidImage fault. Every declared entry point must exist as a global
// function after the image's chunk runs.
func (r *Runtime) Load(descriptor contract.ModuleDescriptor, image []byte) (*Handle, error) {
	if r == nil {
		return nil, fmt.Errorf("runtime is required")
	}
	if err := descriptor.Validate(); err != nil {
		return nil, gherrors.Wrap(gherrors.CodeInvalidImage, "invalid module descriptor", err)
	}
	if len(image) == 0 {
		return nil, gherrors.New(gherrors.CodeInvalidImage, "module image is empty")
	}
	if len(image) > r.cfg.MaxValueBytes {
		return nil, gherrors.New(gherrors.CodeInvalidImage, "module image exceeds size ceiling")
	}

	handle := &Handle{
		descriptor: descriptor,
		image:      image,
		cfg:        r.cfg,
		pool:       make(chan *instance, r.cfg.PoolSize),
		drained:    make(chan struct{}),
	}
	for i := 0; i < r.cfg.PoolSize; i++ {
		inst, err := newInstance(image, descriptor.EntryPoints)
		if err != nil {
			return nil, err
		}
		handle.pool <- inst
	}
	return handle, nil
}

func newInstance(image []byte, entryPoints []string) (*instance, error) {
	l := newSandboxState()

	done := make(chan error, 1)
	go func() {
		done <- lua.DoString(l, string(image))
	}()
	select {
	case err := <-done:
		if err != nil {
			return nil, gherrors.Wrap(gherrors.CodeInvalidImage, "module chunk failed", err)
		}
	case <-time.After(loadDeadline):
		return nil, gherrors.New(gherrors.CodeInvalidImage, "module chunk exceeded load deadline")
	}

	for _, entry := range entryPoints {
		l.Global(entry)
		isFunction := l.TypeOf(-1) == lua.TypeFunction
		l.Pop(1)
		if !isFunction {
			return nil, gherrors.WithMetadata(gherrors.CodeInvalidImage,
				"declared entry point is not a function",
				map[string]string{"entry_point": entry})
		}
	}
	return &instance{state: l}, nil
}

// Descriptor returns the descriptor this handle was loaded from.
func (h *Handle) Descriptor() contract.ModuleDescriptor {
	return h.descriptor
}

// Invoke runs one entry point against input bytes. A fault is returned
// as a domain error carrying the fault code; a timeout condemns only
// the interpreter instance that ran the call, and the handle replaces
// it so subsequent invokes see a clean pool.
func (h *Handle) Invoke(ctx context.Context, entryPoint string, input []byte) ([]byte, error) {
	if h == nil {
		return nil, fmt.Errorf("handle is required")
	}
	if !h.acquire() {
		return nil, ErrRetired
	}
	defer h.release()

	if !h.declares(entryPoint) {
		return nil, gherrors.WithMetadata(gherrors.CodeUnknownEntryPoint,
			"entry point is not declared by the module",
			map[string]string{"module": h.descriptor.Name, "entry_point": entryPoint})
	}
	if len(input) > h.cfg.MaxValueBytes {
		return nil, gherrors.New(gherrors.CodeMemoryLimitExceeded, "input exceeds value size ceiling")
	}

	var inst *instance
	select {
	case inst = <-h.pool:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	type callResult struct {
		raw []byte
		err error
	}
	done := make(chan callResult, 1)
	go func() {
		raw, err := inst.call(entryPoint, input)
		done <- callResult{raw: raw, err: err}
	}()

	timer := time.NewTimer(h.cfg.Deadline)
	defer timer.Stop()

	select {
	case res := <-done:
		h.returnInstance(inst)
		if res.err != nil {
			return nil, res.err
		}
		if len(res.raw) > h.cfg.MaxValueBytes {
			return nil, gherrors.New(gherrors.CodeMemoryLimitExceeded, "output exceeds value size ceiling")
		}
		return res.raw, nil
	case <-timer.C:
		h.condemn()
		return nil, gherrors.WithMetadata(gherrors.CodeSandboxTimeout,
			"invoke exceeded deadline",
			map[string]string{"module": h.descriptor.Name, "entry_point": entryPoint})
	case <-ctx.Done():
		h.condemn()
		return nil, ctx.Err()
	}
}

// Retire stops new invokes and waits for in-flight calls to drain,
// bounded by grace. Outstanding calls past the grace deadline keep
// their abandoned instances; the pool itself is torn down.
func (h *Handle) Retire(grace time.Duration) {
	if h == nil {
		return
	}
	h.mu.Lock()
	if h.retired {
		h.mu.Unlock()
		return
	}
	h.retired = true
	idle := h.inflight == 0
	if idle {
		close(h.drained)
	}
	h.mu.Unlock()

	if !idle {
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-h.drained:
		case <-timer.C:
		}
	}
	h.teardown()
}

func (h *Handle) acquire() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.retired {
		return false
	}
	h.inflight++
	return true
}

func (h *Handle) release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.inflight--
	if h.retired && h.inflight == 0 {
		select {
		case <-h.drained:
		default:
			close(h.drained)
		}
	}
}

func (h *Handle) declares(entryPoint string) bool {
	for _, entry := range h.descriptor.EntryPoints {
		if entry == entryPoint {
			return true
		}
	}
	return false
}

func (h *Handle) returnInstance(inst *instance) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return
	}
	select {
	case h.pool <- inst:
	default:
	}
}

// condemn replaces the instance held by a timed-out or canceled call.
// The abandoned interpreter finishes (or never finishes) on its own
// goroutine and is dropped either way.
func (h *Handle) condemn() {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return
	}
	inst, err := newInstance(h.image, h.descriptor.EntryPoints)
	if err != nil {
		return
	}
	select {
	case h.pool <- inst:
	default:
	}
}

func (h *Handle) teardown() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	for {
		select {
		case <-h.pool:
		default:
			return
		}
	}
}

func (in *instance) call(entryPoint string, input []byte) ([]byte, error) {
	l := in.state
	l.SetTop(0)

	l.Global(entryPoint)
	if l.TypeOf(-1) != lua.TypeFunction {
		l.Pop(1)
		return nil, gherrors.WithMetadata(gherrors.CodeUnknownEntryPoint,
			"entry point is not a function",
			map[string]string{"entry_point": entryPoint})
	}

	if err := pushJSON(l, input); err != nil {
		l.Pop(1)
		return nil, classifyConvertError(err, "malformed entry point input")
	}

	if err := l.ProtectedCall(1, 1, 0); err != nil {
		return nil, gherrors.Wrap(gherrors.CodeSandboxTrap, "module raised an error", err)
	}

	raw, err := popJSON(l)
	if err != nil {
		return nil, classifyConvertError(err, "malformed entry point output")
	}
	return raw, nil
}

func classifyConvertError(err error, message string) error {
	var limit *limitError
	if errors.As(err, &limit) {
		return gherrors.Wrap(gherrors.CodeMemoryLimitExceeded, message, err)
	}
	return gherrors.Wrap(gherrors.CodeSchemaMismatch, message, err)
}
