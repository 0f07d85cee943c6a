package engine

import (
	"context"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/flowlite/flow"
)

// StatePersister is the durable home of instance records. One persister is
// registered per flow id; implementations decide how records are keyed and
// how concurrent writers are reconciled.
type StatePersister interface {
	// Load returns the current record, or ErrNotFound when absent.
	Load(ctx context.Context, instanceID uuid.UUID) (*InstanceData, error)

	// Save writes the record and returns it re-read after the write.
	// Implementations must isolate writes; a write that would clobber a
	// concurrent one must either be merged/retried internally or fail with
	// ErrConflict. Fields the engine does not touch must be preserved.
	Save(ctx context.Context, data *InstanceData) (*InstanceData, error)

	// TransitionStatus atomically compares (stage, status) and, on match,
	// sets the new status and advances the version by exactly one. It
	// returns true iff the record was updated.
	TransitionStatus(ctx context.Context, instanceID uuid.UUID, expStage flow.StageID, expStatus, newStatus Status) (bool, error)
}

// StoredEvent is one pending event row in the mailbox, identified by its
// storage id.
type StoredEvent struct {
	ID         string
	FlowID     string
	InstanceID uuid.UUID
	Event      flow.EventID
}

// EventStore is the durable per-instance mailbox of pending events.
type EventStore interface {
	// Append enqueues an event. Repeated appends of the same event value
	// create distinct rows with distinct storage ids.
	Append(ctx context.Context, flowID string, instanceID uuid.UUID, event flow.EventID) error

	// Peek returns any one stored event whose id is in candidates, or nil.
	// The selection among candidates is implementation-defined but must be
	// stable for a given store content. Peek never returns a deleted event.
	Peek(ctx context.Context, flowID string, instanceID uuid.UUID, candidates []flow.EventID) (*StoredEvent, error)

	// Delete removes an event by storage id, reporting whether a row was
	// removed. Idempotent.
	Delete(ctx context.Context, storageID string) (bool, error)
}

// TickHandler is the engine callback invoked for each delivered wake-up.
type TickHandler func(ctx context.Context, flowID string, instanceID uuid.UUID) error

// TickScheduler is a durable wake-up queue with at-least-once delivery.
// Implementations may coalesce ticks but must never run more than one
// handler invocation per (flowID, instanceID) concurrently.
type TickScheduler interface {
	// SetHandler registers the engine callback. Must be called before Start.
	SetHandler(h TickHandler)

	// Schedule durably enqueues a tick and returns immediately. After
	// Schedule returns, at least one handler invocation for the key must
	// occur, even across process restarts for durable implementations.
	Schedule(ctx context.Context, flowID string, instanceID uuid.UUID) error

	// Start begins delivering ticks.
	Start(ctx context.Context) error

	// Stop stops accepting new deliveries and waits for in-flight handlers,
	// bounded by ctx.
	Stop(ctx context.Context) error
}

// HistoryStore is the append-only journal of instance lifecycle events. The
// engine only writes; append failures are logged and never fail a tick.
type HistoryStore interface {
	Append(ctx context.Context, entry HistoryEntry) error
}
