// Package errors provides structured error handling for the write path.
package errors

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Module load errors
	CodeInvalidImage     Code = "INVALID_IMAGE"
	CodeDuplicateVersion Code = "DUPLICATE_VERSION"
	CodeModuleNotFound   Code = "MODULE_NOT_FOUND"

	// Sandbox execution faults
	CodeSandboxTimeout      Code = "SANDBOX_TIMEOUT"
	CodeMemoryLimitExceeded Code = "MEMORY_LIMIT_EXCEEDED"
	CodeSandboxTrap         Code = "SANDBOX_TRAP"
	CodeSchemaMismatch      Code = "SCHEMA_MISMATCH"
	CodeUnknownEntryPoint   Code = "UNKNOWN_ENTRY_POINT"

	// Pipeline errors
	CodeInvalidIntent     Code = "INVALID_INTENT"
	CodeConflict          Code = "CONFLICT"
	CodeModuleQuarantined Code = "MODULE_QUARANTINED"

	// Broker errors
	CodeQueueOverflow Code = "QUEUE_OVERFLOW"

	// Storage errors
	CodeNotFound Code = "NOT_FOUND"
)

// Client-facing rejection reasons. Sandbox fault codes collapse into a
// single coarse reason so internal fault taxonomy never reaches clients.
const (
	ReasonValidationFailed  = "validation_failed"
	ReasonModuleUnavailable = "module_unavailable"
	ReasonContention        = "contention"
	ReasonInternal          = "internal_error"
)

// ClientReason maps a domain code to the coarse rejection reason a
// client is allowed to see.
func (c Code) ClientReason() string {
	switch c {
	case CodeSandboxTimeout,
		CodeMemoryLimitExceeded,
		CodeSandboxTrap,
		CodeSchemaMismatch,
		CodeUnknownEntryPoint:
		return ReasonValidationFailed
	case CodeModuleQuarantined:
		return ReasonModuleUnavailable
	case CodeConflict:
		return ReasonContention
	default:
		return ReasonInternal
	}
}

// IsSandboxFault reports whether the code describes a sandbox
// execution fault as opposed to a load-time or pipeline error.
func (c Code) IsSandboxFault() bool {
	switch c {
	case CodeSandboxTimeout,
		CodeMemoryLimitExceeded,
		CodeSandboxTrap,
		CodeSchemaMismatch,
		CodeUnknownEntryPoint:
		return true
	}
	return false
}
