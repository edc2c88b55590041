package registry

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/gatehousedb/gatehouse/internal/contract"
	gherrors "github.com/gatehousedb/gatehouse/internal/platform/errors"
	"github.com/gatehousedb/gatehouse/internal/sandbox"
)

const versionOne = `
function apply(input)
	return { accepted = true, state = { version = 1 } }
end
`

const versionTwo = `
function apply(input)
	return { accepted = true, state = { version = 2 } }
end
`

func gameDescriptor(version string) contract.ModuleDescriptor {
	return contract.ModuleDescriptor{
		Name:        "game",
		Version:     version,
		EntryPoints: []string{"apply"},
		Bindings: []contract.TableBinding{
			{Table: "games", Operation: contract.OpUpdate, EntryPoint: "apply"},
		},
	}
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := New(sandbox.NewRuntime(sandbox.Config{PoolSize: 1}))
	t.Cleanup(r.Close)
	return r
}

func TestRegisterAndResolve(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.Register(gameDescriptor("1.0.0"), []byte(versionOne)); err != nil {
		t.Fatalf("register: %v", err)
	}

	module, ok := r.Resolve("games", contract.OpUpdate)
	if !ok {
		t.Fatal("expected binding for games.update")
	}
	if module.EntryPoint != "apply" {
		t.Fatalf("expected entry point apply, got %q", module.EntryPoint)
	}
	if module.Descriptor.Version != "1.0.0" {
		t.Fatalf("expected version 1.0.0, got %q", module.Descriptor.Version)
	}
}

func TestResolveUnboundTable(t *testing.T) {
	r := newTestRegistry(t)
	if _, ok := r.Resolve("unbound", contract.OpInsert); ok {
		t.Fatal("expected no binding for unbound table")
	}
}

func TestResolveUnboundOperation(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.Register(gameDescriptor("1.0.0"), []byte(versionOne)); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, ok := r.Resolve("games", contract.OpDelete); ok {
		t.Fatal("expected no binding for games.delete")
	}
}

func TestRegisterDuplicateVersion(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.Register(gameDescriptor("1.0.0"), []byte(versionOne)); err != nil {
		t.Fatalf("register: %v", err)
	}
	err := r.Register(gameDescriptor("1.0.0"), []byte(versionOne))
	if !errors.Is(err, gherrors.New(gherrors.CodeDuplicateVersion, "")) {
		t.Fatalf("expected DUPLICATE_VERSION, got %v", err)
	}
}

func TestRegisterInvalidImage(t *testing.T) {
	r := newTestRegistry(t)
	err := r.Register(gameDescriptor("1.0.0"), []byte("function apply("))
	if !errors.Is(err, gherrors.New(gherrors.CodeInvalidImage, "")) {
		t.Fatalf("expected INVALID_IMAGE, got %v", err)
	}
	if _, ok := r.Resolve("games", contract.OpUpdate); ok {
		t.Fatal("failed register must not publish a binding")
	}
}

func TestHotReloadRedirectsResolves(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.Register(gameDescriptor("1.0.0"), []byte(versionOne)); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.HotReload(gameDescriptor("2.0.0"), []byte(versionTwo)); err != nil {
		t.Fatalf("hot reload: %v", err)
	}

	module, ok := r.Resolve("games", contract.OpUpdate)
	if !ok {
		t.Fatal("expected binding after reload")
	}
	if module.Descriptor.Version != "2.0.0" {
		t.Fatalf("expected version 2.0.0, got %q", module.Descriptor.Version)
	}

	raw, err := module.Handle.Invoke(context.Background(), "apply", []byte(`{}`))
	if err != nil {
		t.Fatalf("invoke reloaded module: %v", err)
	}
	if !strings.Contains(string(raw), `"version":2`) {
		t.Fatalf("expected version 2 behavior, got %s", raw)
	}
}

func TestHotReloadFailureKeepsActiveBinding(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.Register(gameDescriptor("1.0.0"), []byte(versionOne)); err != nil {
		t.Fatalf("register: %v", err)
	}
	err := r.HotReload(gameDescriptor("2.0.0"), []byte("function apply("))
	if !errors.Is(err, gherrors.New(gherrors.CodeInvalidImage, "")) {
		t.Fatalf("expected INVALID_IMAGE, got %v", err)
	}

	module, ok := r.Resolve("games", contract.OpUpdate)
	if !ok {
		t.Fatal("expected binding to survive failed reload")
	}
	if module.Descriptor.Version != "1.0.0" {
		t.Fatalf("expected version 1.0.0 still active, got %q", module.Descriptor.Version)
	}
	raw, err := module.Handle.Invoke(context.Background(), "apply", []byte(`{}`))
	if err != nil {
		t.Fatalf("invoke surviving module: %v", err)
	}
	if !strings.Contains(string(raw), `"version":1`) {
		t.Fatalf("expected version 1 behavior, got %s", raw)
	}
}

func TestHotReloadUnknownModule(t *testing.T) {
	r := newTestRegistry(t)
	err := r.HotReload(gameDescriptor("2.0.0"), []byte(versionTwo))
	if !errors.Is(err, gherrors.New(gherrors.CodeModuleNotFound, "")) {
		t.Fatalf("expected MODULE_NOT_FOUND, got %v", err)
	}
}

func TestHotReloadSameVersion(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.Register(gameDescriptor("1.0.0"), []byte(versionOne)); err != nil {
		t.Fatalf("register: %v", err)
	}
	err := r.HotReload(gameDescriptor("1.0.0"), []byte(versionTwo))
	if !errors.Is(err, gherrors.New(gherrors.CodeDuplicateVersion, "")) {
		t.Fatalf("expected DUPLICATE_VERSION, got %v", err)
	}
}

func TestHotReloadRetiresOldHandle(t *testing.T) {
	r := newTestRegistry(t)
	r.SetDrainGrace(10 * time.Millisecond)
	if err := r.Register(gameDescriptor("1.0.0"), []byte(versionOne)); err != nil {
		t.Fatalf("register: %v", err)
	}
	old, ok := r.Resolve("games", contract.OpUpdate)
	if !ok {
		t.Fatal("expected binding")
	}
	if err := r.HotReload(gameDescriptor("2.0.0"), []byte(versionTwo)); err != nil {
		t.Fatalf("hot reload: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for {
		_, err := old.Handle.Invoke(context.Background(), "apply", []byte(`{}`))
		if errors.Is(err, sandbox.ErrRetired) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("expected old handle to retire")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestLookupByName(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.Register(gameDescriptor("1.0.0"), []byte(versionOne)); err != nil {
		t.Fatalf("register: %v", err)
	}
	module, ok := r.Lookup("game")
	if !ok {
		t.Fatal("expected module lookup to succeed")
	}
	if module.Descriptor.Name != "game" {
		t.Fatalf("unexpected module %q", module.Descriptor.Name)
	}
	if _, ok := r.Lookup("missing"); ok {
		t.Fatal("expected lookup miss")
	}
}
