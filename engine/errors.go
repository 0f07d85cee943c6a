package engine

import "errors"

// Errors surfaced by engine operations and persister implementations.
// Callers match them with errors.Is.
var (
	// ErrUnknownFlow marks a mutation against a flow id that was never
	// registered (or registered without a persister).
	ErrUnknownFlow = errors.New("flowlite: flow not registered")

	// ErrAlreadyRegistered marks a RegisterFlow call that would rebind an
	// existing flow id to a different definition or persister.
	ErrAlreadyRegistered = errors.New("flowlite: flow already registered")

	// ErrNotFound marks a read of a non-existent instance.
	ErrNotFound = errors.New("flowlite: instance not found")

	// ErrConflict marks a stale write detected by a persister.
	ErrConflict = errors.New("flowlite: conflicting write")

	// ErrInvalidOperation marks an operator action that the current
	// instance status does not permit.
	ErrInvalidOperation = errors.New("flowlite: operation not valid for current status")
)
