// Package contract defines the typed values that cross the sandbox
// boundary: mutation intents, entry-point inputs and outputs, and the
// verdict a module invocation produces. Pure data, no behavior beyond
// encoding.
package contract

import (
	"encoding/json"
	"fmt"
	"strings"
)

// OperationKind identifies the kind of table mutation an intent proposes.
type OperationKind string

const (
	OpInsert OperationKind = "insert"
	OpUpdate OperationKind = "update"
	OpDelete OperationKind = "delete"

	// OpInspect marks a read-only auxiliary invocation. Never a valid
	// mutation kind; it exists so inspection inputs carry an honest op.
	OpInspect OperationKind = "inspect"
)

// Valid reports whether the operation kind is a mutation kind.
func (k OperationKind) Valid() bool {
	switch k {
	case OpInsert, OpUpdate, OpDelete:
		return true
	}
	return false
}

// ModuleDescriptor describes one loaded module: its identity, entry
// points, and the table bindings that route mutations to it. Immutable
// once loaded; hot reload supersedes a descriptor, never mutates it.
type ModuleDescriptor struct {
	Name        string
	Version     string
	EntryPoints []string
	Bindings    []TableBinding
}

// TableBinding routes one table+operation to a module entry point.
type TableBinding struct {
	Table      string
	Operation  OperationKind
	EntryPoint string
}

// Validate checks descriptor shape before load.
func (d ModuleDescriptor) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("module name is required")
	}
	if strings.TrimSpace(d.Version) == "" {
		return fmt.Errorf("module version is required")
	}
	if len(d.EntryPoints) == 0 {
		return fmt.Errorf("module %s declares no entry points", d.Name)
	}
	declared := make(map[string]bool, len(d.EntryPoints))
	for _, entry := range d.EntryPoints {
		if strings.TrimSpace(entry) == "" {
			return fmt.Errorf("module %s declares an empty entry point name", d.Name)
		}
		declared[entry] = true
	}
	for _, binding := range d.Bindings {
		if strings.TrimSpace(binding.Table) == "" {
			return fmt.Errorf("module %s binding has no table", d.Name)
		}
		if !binding.Operation.Valid() {
			return fmt.Errorf("module %s binding on %s has invalid operation %q", d.Name, binding.Table, binding.Operation)
		}
		if !declared[binding.EntryPoint] {
			return fmt.Errorf("module %s binds %s.%s to undeclared entry point %q", d.Name, binding.Table, binding.Operation, binding.EntryPoint)
		}
	}
	return nil
}

// MutationIntent is one proposed table mutation from a client. Consumed
// exactly once by the pipeline; never persisted directly.
type MutationIntent struct {
	Table   string
	Key     string
	Op      OperationKind
	Payload json.RawMessage
	Actor   string
}

// Validate checks intent shape before processing.
func (m MutationIntent) Validate() error {
	if strings.TrimSpace(m.Table) == "" {
		return fmt.Errorf("intent table is required")
	}
	if strings.TrimSpace(m.Key) == "" {
		return fmt.Errorf("intent key is required")
	}
	if !m.Op.Valid() {
		return fmt.Errorf("intent operation %q is invalid", m.Op)
	}
	if m.Op != OpDelete && len(m.Payload) == 0 {
		return fmt.Errorf("intent payload is required for %s", m.Op)
	}
	return nil
}

// Input is the value handed to a module entry point. State is the
// current committed entity state, null for inserts. Timestamp is the
// injected logical timestamp; the sandbox exposes no other clock.
type Input struct {
	Op        OperationKind   `json:"op"`
	State     json.RawMessage `json:"state"`
	Action    json.RawMessage `json:"action"`
	Actor     string          `json:"actor,omitempty"`
	Timestamp int64           `json:"ts"`
}

// Encode renders the input as the canonical bytes passed to invoke.
func (in Input) Encode() ([]byte, error) {
	if in.State == nil {
		in.State = json.RawMessage("null")
	}
	if in.Action == nil {
		in.Action = json.RawMessage("null")
	}
	raw, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("encode entry point input: %w", err)
	}
	return raw, nil
}

// DecodeOutput parses entry-point output bytes into a verdict. The
// accepted field must be present; an accepted output must carry a
// state unless the operation is a delete, and a rejected output must
// carry a reason.
func DecodeOutput(raw []byte, op OperationKind) (Verdict, error) {
	var envelope struct {
		Accepted *bool           `json:"accepted"`
		State    json.RawMessage `json:"state"`
		Reason   string          `json:"reason"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return Verdict{}, fmt.Errorf("decode entry point output: %w", err)
	}
	if envelope.Accepted == nil {
		return Verdict{}, fmt.Errorf("entry point output missing accepted field")
	}
	if *envelope.Accepted {
		if op != OpDelete && (len(envelope.State) == 0 || string(envelope.State) == "null") {
			return Verdict{}, fmt.Errorf("accepted output missing state")
		}
		return Accept(envelope.State), nil
	}
	if strings.TrimSpace(envelope.Reason) == "" {
		return Verdict{}, fmt.Errorf("rejected output missing reason")
	}
	return Reject(envelope.Reason), nil
}

// Verdict is the tagged accept/reject decision derived from one module
// invocation. Exactly one of the two variants is populated.
type Verdict struct {
	accepted bool
	state    json.RawMessage
	reason   string
}

// Accept builds an accepting verdict carrying the resulting state.
func Accept(state json.RawMessage) Verdict {
	return Verdict{accepted: true, state: state}
}

// Reject builds a rejecting verdict carrying the rejection reason.
func Reject(reason string) Verdict {
	return Verdict{reason: reason}
}

// Accepted reports whether the verdict accepts the mutation.
func (v Verdict) Accepted() bool {
	return v.accepted
}

// State returns the resulting payload of an accepting verdict.
func (v Verdict) State() (json.RawMessage, bool) {
	if !v.accepted {
		return nil, false
	}
	return v.state, true
}

// Reason returns the rejection reason of a rejecting verdict.
func (v Verdict) Reason() (string, bool) {
	if v.accepted {
		return "", false
	}
	return v.reason, true
}
