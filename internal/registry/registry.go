// Package registry resolves table bindings to loaded module handles and
// manages module lifecycle. Bindings are published by atomic swap of an
// immutable snapshot; hot reload retires the superseded handle only
// after its in-flight invokes drain, bounded by a grace deadline.
package registry

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gatehousedb/gatehouse/internal/contract"
	gherrors "github.com/gatehousedb/gatehouse/internal/platform/errors"
	"github.com/gatehousedb/gatehouse/internal/sandbox"
)

const defaultDrainGrace = 2 * time.Second

// Module pairs a descriptor with its loaded handle and the entry point
// bound to one table+operation.
type Module struct {
	Descriptor contract.ModuleDescriptor
	Handle     *sandbox.Handle
	EntryPoint string
}

type bindingKey struct {
	table string
	op    contract.OperationKind
}

// snapshot is the immutable published state: module handles by name and
// table bindings by table+operation. Replaced wholesale, never mutated.
type snapshot struct {
	modules  map[string]*entry
	bindings map[bindingKey]*binding
}

type entry struct {
	descriptor contract.ModuleDescriptor
	handle     *sandbox.Handle
}

type binding struct {
	module     *entry
	entryPoint string
}

// Registry maps logical module names and table bindings to sandbox
// handles.
type Registry struct {
	runtime *sandbox.Runtime
	grace   time.Duration

	mu      sync.Mutex // serializes writers; readers go through current
	current atomic.Pointer[snapshot]
}

// New builds an empty registry backed by the given sandbox runtime.
func New(runtime *sandbox.Runtime) *Registry {
	r := &Registry{runtime: runtime, grace: defaultDrainGrace}
	r.current.Store(&snapshot{
		modules:  map[string]*entry{},
		bindings: map[bindingKey]*binding{},
	})
	return r
}

// SetDrainGrace overrides the drain deadline used when retiring a
// superseded handle.
func (r *Registry) SetDrainGrace(grace time.Duration) {
	if grace > 0 {
		r.grace = grace
	}
}

// Register loads an image and publishes its bindings atomically.
// A name+version pair can be registered once; reloading a name with a
// new version goes through HotReload.
func (r *Registry) Register(descriptor contract.ModuleDescriptor, image []byte) error {
	if r == nil || r.runtime == nil {
		return fmt.Errorf("registry is not configured")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.current.Load()
	if existing, ok := current.modules[descriptor.Name]; ok {
		if existing.descriptor.Version == descriptor.Version {
			return gherrors.WithMetadata(gherrors.CodeDuplicateVersion,
				"module version is already registered",
				map[string]string{"module": descriptor.Name, "version": descriptor.Version})
		}
		return fmt.Errorf("module %s is already registered; use hot reload", descriptor.Name)
	}

	handle, err := r.runtime.Load(descriptor, image)
	if err != nil {
		return err
	}

	r.publish(current, &entry{descriptor: descriptor, handle: handle})
	log.Printf("registry: registered module %s@%s (%d bindings)", descriptor.Name, descriptor.Version, len(descriptor.Bindings))
	return nil
}

// Resolve returns the module bound to a table+operation, or false when
// the table has no module configured and the mutation passes through
// unvalidated.
func (r *Registry) Resolve(table string, op contract.OperationKind) (Module, bool) {
	if r == nil {
		return Module{}, false
	}
	current := r.current.Load()
	bound, ok := current.bindings[bindingKey{table: table, op: op}]
	if !ok {
		return Module{}, false
	}
	return Module{
		Descriptor: bound.module.descriptor,
		Handle:     bound.module.handle,
		EntryPoint: bound.entryPoint,
	}, true
}

// Lookup returns the registered module by name for operator-facing
// auxiliary entry points.
func (r *Registry) Lookup(name string) (Module, bool) {
	if r == nil {
		return Module{}, false
	}
	current := r.current.Load()
	existing, ok := current.modules[name]
	if !ok {
		return Module{}, false
	}
	return Module{Descriptor: existing.descriptor, Handle: existing.handle}, true
}

// HotReload loads a replacement version and redirects all new resolves
// to it. The superseded handle drains in-flight invokes before retiring.
// A failed load leaves the active binding untouched.
func (r *Registry) HotReload(descriptor contract.ModuleDescriptor, image []byte) error {
	if r == nil || r.runtime == nil {
		return fmt.Errorf("registry is not configured")
	}
	name := strings.TrimSpace(descriptor.Name)
	if name == "" {
		return fmt.Errorf("module name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.current.Load()
	existing, ok := current.modules[name]
	if !ok {
		return gherrors.WithMetadata(gherrors.CodeModuleNotFound,
			"module is not registered",
			map[string]string{"module": name})
	}
	if existing.descriptor.Version == descriptor.Version {
		return gherrors.WithMetadata(gherrors.CodeDuplicateVersion,
			"reload version matches the active version",
			map[string]string{"module": name, "version": descriptor.Version})
	}

	handle, err := r.runtime.Load(descriptor, image)
	if err != nil {
		// Fail-safe: the previously active binding stays in place.
		return err
	}

	r.publish(current, &entry{descriptor: descriptor, handle: handle})
	log.Printf("registry: reloaded module %s %s -> %s", name, existing.descriptor.Version, descriptor.Version)

	grace := r.grace
	old := existing.handle
	go old.Retire(grace)
	return nil
}

// Modules lists the registered descriptors.
func (r *Registry) Modules() []contract.ModuleDescriptor {
	current := r.current.Load()
	descriptors := make([]contract.ModuleDescriptor, 0, len(current.modules))
	for _, existing := range current.modules {
		descriptors = append(descriptors, existing.descriptor)
	}
	return descriptors
}

// Close retires every registered handle.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	current := r.current.Load()
	for _, existing := range current.modules {
		existing.handle.Retire(r.grace)
	}
	r.current.Store(&snapshot{
		modules:  map[string]*entry{},
		bindings: map[bindingKey]*binding{},
	})
}

// publish swaps in a new snapshot carrying the replacement entry.
// Callers hold r.mu.
func (r *Registry) publish(current *snapshot, replacement *entry) {
	next := &snapshot{
		modules:  make(map[string]*entry, len(current.modules)+1),
		bindings: make(map[bindingKey]*binding, len(current.bindings)+len(replacement.descriptor.Bindings)),
	}
	for name, existing := range current.modules {
		if name == replacement.descriptor.Name {
			continue
		}
		next.modules[name] = existing
	}
	next.modules[replacement.descriptor.Name] = replacement

	for key, bound := range current.bindings {
		if bound.module.descriptor.Name == replacement.descriptor.Name {
			continue
		}
		next.bindings[key] = bound
	}
	for _, tableBinding := range replacement.descriptor.Bindings {
		key := bindingKey{table: tableBinding.Table, op: tableBinding.Operation}
		next.bindings[key] = &binding{module: replacement, entryPoint: tableBinding.EntryPoint}
	}

	r.current.Store(next)
}
