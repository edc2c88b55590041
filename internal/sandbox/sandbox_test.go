package sandbox

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/gatehousedb/gatehouse/internal/contract"
	gherrors "github.com/gatehousedb/gatehouse/internal/platform/errors"
)

const echoModule = `
function echo(input)
	return { accepted = true, state = input.action }
end
`

func echoDescriptor() contract.ModuleDescriptor {
	return contract.ModuleDescriptor{
		Name:        "echo",
		Version:     "1.0.0",
		EntryPoints: []string{"echo"},
	}
}

func mustLoad(t *testing.T, runtime *Runtime, descriptor contract.ModuleDescriptor, image string) *Handle {
	t.Helper()
	handle, err := runtime.Load(descriptor, []byte(image))
	if err != nil {
		t.Fatalf("load module: %v", err)
	}
	return handle
}

func encodeInput(t *testing.T, in contract.Input) []byte {
	t.Helper()
	raw, err := in.Encode()
	if err != nil {
		t.Fatalf("encode input: %v", err)
	}
	return raw
}

func TestInvokeEcho(t *testing.T) {
	runtime := NewRuntime(Config{})
	handle := mustLoad(t, runtime, echoDescriptor(), echoModule)

	input := encodeInput(t, contract.Input{
		Op:        contract.OpInsert,
		Action:    []byte(`{"player":1,"position":4}`),
		Timestamp: 1,
	})
	raw, err := handle.Invoke(context.Background(), "echo", input)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	out, err := contract.DecodeOutput(raw, contract.OpInsert)
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if !out.Accepted() {
		t.Fatal("expected accepted output")
	}
	if state, _ := out.State(); string(state) != `{"player":1,"position":4}` {
		t.Fatalf("unexpected state: %s", state)
	}
}

func TestInvokeDeterministic(t *testing.T) {
	runtime := NewRuntime(Config{})
	handle := mustLoad(t, runtime, echoDescriptor(), echoModule)

	input := encodeInput(t, contract.Input{
		Op:        contract.OpInsert,
		Action:    []byte(`{"board":[0,0,0,0,0,0,0,0,0],"current_player":1}`),
		Timestamp: 99,
	})
	first, err := handle.Invoke(context.Background(), "echo", input)
	if err != nil {
		t.Fatalf("first invoke: %v", err)
	}
	second, err := handle.Invoke(context.Background(), "echo", input)
	if err != nil {
		t.Fatalf("second invoke: %v", err)
	}
	if string(first) != string(second) {
		t.Fatalf("expected identical output bytes, got %s vs %s", first, second)
	}
}

func TestLoadRejectsSyntaxError(t *testing.T) {
	runtime := NewRuntime(Config{})
	_, err := runtime.Load(echoDescriptor(), []byte("function echo(input"))
	if !errors.Is(err, gherrors.New(gherrors.CodeInvalidImage, "")) {
		t.Fatalf("expected INVALID_IMAGE, got %v", err)
	}
}

func TestLoadRejectsMissingEntryPoint(t *testing.T) {
	runtime := NewRuntime(Config{})
	_, err := runtime.Load(echoDescriptor(), []byte("local x = 1"))
	if !errors.Is(err, gherrors.New(gherrors.CodeInvalidImage, "")) {
		t.Fatalf("expected INVALID_IMAGE, got %v", err)
	}
}

func TestLoadRejectsEmptyImage(t *testing.T) {
	runtime := NewRuntime(Config{})
	_, err := runtime.Load(echoDescriptor(), nil)
	if !errors.Is(err, gherrors.New(gherrors.CodeInvalidImage, "")) {
		t.Fatalf("expected INVALID_IMAGE, got %v", err)
	}
}

func TestLoadRejectsLoopingChunk(t *testing.T) {
	runtime := NewRuntime(Config{})
	_, err := runtime.Load(echoDescriptor(), []byte("while true do end"))
	if !errors.Is(err, gherrors.New(gherrors.CodeInvalidImage, "")) {
		t.Fatalf("expected INVALID_IMAGE, got %v", err)
	}
}

func TestInvokeUnknownEntryPoint(t *testing.T) {
	runtime := NewRuntime(Config{})
	handle := mustLoad(t, runtime, echoDescriptor(), echoModule)

	_, err := handle.Invoke(context.Background(), "missing", []byte(`{}`))
	if !errors.Is(err, gherrors.New(gherrors.CodeUnknownEntryPoint, "")) {
		t.Fatalf("expected UNKNOWN_ENTRY_POINT, got %v", err)
	}
}

func TestInvokeTrap(t *testing.T) {
	runtime := NewRuntime(Config{})
	descriptor := contract.ModuleDescriptor{
		Name:        "angry",
		Version:     "1.0.0",
		EntryPoints: []string{"explode"},
	}
	handle := mustLoad(t, runtime, descriptor, `
function explode(input)
	error("boom")
end
`)
	_, err := handle.Invoke(context.Background(), "explode", []byte(`{}`))
	if !errors.Is(err, gherrors.New(gherrors.CodeSandboxTrap, "")) {
		t.Fatalf("expected SANDBOX_TRAP, got %v", err)
	}
}

func TestInvokeSchemaMismatchInput(t *testing.T) {
	runtime := NewRuntime(Config{})
	handle := mustLoad(t, runtime, echoDescriptor(), echoModule)

	_, err := handle.Invoke(context.Background(), "echo", []byte(`{not-json`))
	if !errors.Is(err, gherrors.New(gherrors.CodeSchemaMismatch, "")) {
		t.Fatalf("expected SCHEMA_MISMATCH, got %v", err)
	}
}

func TestInvokeSchemaMismatchOutput(t *testing.T) {
	runtime := NewRuntime(Config{})
	descriptor := contract.ModuleDescriptor{
		Name:        "leaky",
		Version:     "1.0.0",
		EntryPoints: []string{"leak"},
	}
	handle := mustLoad(t, runtime, descriptor, `
function leak(input)
	return { accepted = true, state = function() end }
end
`)
	_, err := handle.Invoke(context.Background(), "leak", []byte(`{}`))
	if !errors.Is(err, gherrors.New(gherrors.CodeSchemaMismatch, "")) {
		t.Fatalf("expected SCHEMA_MISMATCH, got %v", err)
	}
}

func TestInvokeTimeoutLeavesHandleUsable(t *testing.T) {
	runtime := NewRuntime(Config{Deadline: 20 * time.Millisecond, PoolSize: 1})
	descriptor := contract.ModuleDescriptor{
		Name:        "sometimes",
		Version:     "1.0.0",
		EntryPoints: []string{"run"},
	}
	handle := mustLoad(t, runtime, descriptor, `
function run(input)
	if input.action.spin then
		while true do end
	end
	return { accepted = true, state = { ok = true } }
end
`)

	spin := encodeInput(t, contract.Input{Op: contract.OpUpdate, Action: []byte(`{"spin":true}`), Timestamp: 1})
	_, err := handle.Invoke(context.Background(), "run", spin)
	if !errors.Is(err, gherrors.New(gherrors.CodeSandboxTimeout, "")) {
		t.Fatalf("expected SANDBOX_TIMEOUT, got %v", err)
	}

	// Timeout condemns one interpreter instance, not the handle.
	calm := encodeInput(t, contract.Input{Op: contract.OpUpdate, Action: []byte(`{"spin":false}`), Timestamp: 2})
	raw, err := handle.Invoke(context.Background(), "run", calm)
	if err != nil {
		t.Fatalf("invoke after timeout: %v", err)
	}
	out, err := contract.DecodeOutput(raw, contract.OpUpdate)
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if !out.Accepted() {
		t.Fatal("expected accepted output after timeout recovery")
	}
}

func TestInvokeMemoryLimitInput(t *testing.T) {
	runtime := NewRuntime(Config{MaxValueBytes: 64})
	handle := mustLoad(t, runtime, echoDescriptor(), echoModule)

	big := encodeInput(t, contract.Input{
		Op:        contract.OpInsert,
		Action:    []byte(`{"blob":"` + strings.Repeat("x", 512) + `"}`),
		Timestamp: 1,
	})
	_, err := handle.Invoke(context.Background(), "echo", big)
	if !errors.Is(err, gherrors.New(gherrors.CodeMemoryLimitExceeded, "")) {
		t.Fatalf("expected MEMORY_LIMIT_EXCEEDED, got %v", err)
	}
}

func TestSandboxStripsAmbientAccess(t *testing.T) {
	runtime := NewRuntime(Config{})
	descriptor := contract.ModuleDescriptor{
		Name:        "census",
		Version:     "1.0.0",
		EntryPoints: []string{"census"},
	}
	handle := mustLoad(t, runtime, descriptor, `
function census(input)
	return {
		accepted = true,
		state = {
			has_os = os ~= nil,
			has_io = io ~= nil,
			has_random = math.random ~= nil,
			has_load = load ~= nil,
			has_print = print ~= nil,
		},
	}
end
`)
	raw, err := handle.Invoke(context.Background(), "census", []byte(`{}`))
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	for _, forbidden := range []string{"has_os", "has_io", "has_random", "has_load", "has_print"} {
		if strings.Contains(string(raw), `"`+forbidden+`":true`) {
			t.Fatalf("sandbox leaked ambient access %s: %s", forbidden, raw)
		}
	}
}

func TestNullSentinelRoundTrip(t *testing.T) {
	runtime := NewRuntime(Config{})
	descriptor := contract.ModuleDescriptor{
		Name:        "nullcheck",
		Version:     "1.0.0",
		EntryPoints: []string{"check"},
	}
	handle := mustLoad(t, runtime, descriptor, `
function check(input)
	return {
		accepted = true,
		state = {
			state_was_null = input.state == null,
			winner = null,
		},
	}
end
`)
	input := encodeInput(t, contract.Input{Op: contract.OpInsert, Action: []byte(`{}`), Timestamp: 1})
	raw, err := handle.Invoke(context.Background(), "check", input)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if !strings.Contains(string(raw), `"state_was_null":true`) {
		t.Fatalf("expected null state detection, got %s", raw)
	}
	if !strings.Contains(string(raw), `"winner":null`) {
		t.Fatalf("expected null winner in output, got %s", raw)
	}
}

func TestEmptyArraysKeepTheirType(t *testing.T) {
	runtime := NewRuntime(Config{})
	descriptor := contract.ModuleDescriptor{
		Name:        "lists",
		Version:     "1.0.0",
		EntryPoints: []string{"build"},
	}
	handle := mustLoad(t, runtime, descriptor, `
function build(input)
	return {
		accepted = true,
		state = {
			fresh = array(),
			echoed = input.action.items,
			object = {},
		},
	}
end
`)
	input := encodeInput(t, contract.Input{Op: contract.OpInsert, Action: []byte(`{"items":[]}`), Timestamp: 1})
	raw, err := handle.Invoke(context.Background(), "build", input)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if !strings.Contains(string(raw), `"fresh":[]`) {
		t.Fatalf("expected array() to render as [], got %s", raw)
	}
	if !strings.Contains(string(raw), `"echoed":[]`) {
		t.Fatalf("expected decoded empty array to round-trip as [], got %s", raw)
	}
	if !strings.Contains(string(raw), `"object":{}`) {
		t.Fatalf("expected plain empty table to stay an object, got %s", raw)
	}
}

func TestArrayKeepsTypeAfterAppend(t *testing.T) {
	runtime := NewRuntime(Config{})
	descriptor := contract.ModuleDescriptor{
		Name:        "append",
		Version:     "1.0.0",
		EntryPoints: []string{"push"},
	}
	handle := mustLoad(t, runtime, descriptor, `
function push(input)
	local items = input.state.items
	items[#items + 1] = input.action.value
	return { accepted = true, state = { items = items } }
end
`)
	input := encodeInput(t, contract.Input{
		Op:        contract.OpUpdate,
		State:     []byte(`{"items":[]}`),
		Action:    []byte(`{"value":7}`),
		Timestamp: 1,
	})
	raw, err := handle.Invoke(context.Background(), "push", input)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if !strings.Contains(string(raw), `"items":[7]`) {
		t.Fatalf("expected appended array, got %s", raw)
	}
}

func TestHugeIntegralNumbersStayFloats(t *testing.T) {
	runtime := NewRuntime(Config{})
	descriptor := contract.ModuleDescriptor{
		Name:        "big",
		Version:     "1.0.0",
		EntryPoints: []string{"emit"},
	}
	handle := mustLoad(t, runtime, descriptor, `
function emit(input)
	return { accepted = true, state = { big = 1e19, neg = -1e19, small = 3 } }
end
`)
	raw, err := handle.Invoke(context.Background(), "emit", []byte(`{}`))
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if !strings.Contains(string(raw), `"big":1e+19`) {
		t.Fatalf("expected out-of-range integral to stay a float, got %s", raw)
	}
	if !strings.Contains(string(raw), `"neg":-1e+19`) {
		t.Fatalf("expected negative out-of-range integral to stay a float, got %s", raw)
	}
	if !strings.Contains(string(raw), `"small":3`) {
		t.Fatalf("expected in-range integral to render as an integer, got %s", raw)
	}
}

func TestRetireRejectsNewInvokes(t *testing.T) {
	runtime := NewRuntime(Config{})
	handle := mustLoad(t, runtime, echoDescriptor(), echoModule)

	handle.Retire(10 * time.Millisecond)

	_, err := handle.Invoke(context.Background(), "echo", []byte(`{}`))
	if !errors.Is(err, ErrRetired) {
		t.Fatalf("expected ErrRetired, got %v", err)
	}
}

func TestRetireIsIdempotent(t *testing.T) {
	runtime := NewRuntime(Config{})
	handle := mustLoad(t, runtime, echoDescriptor(), echoModule)

	handle.Retire(time.Millisecond)
	handle.Retire(time.Millisecond)
}
