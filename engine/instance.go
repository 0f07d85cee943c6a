package engine

import (
	"github.com/google/uuid"

	"git.home.luguber.info/inful/flowlite/flow"
)

// Status is the lifecycle status of a flow instance at its current stage.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further ticks will ever advance the instance.
// StatusError is not terminal: Retry resumes from the same stage.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// InstanceData is the per-instance record owned by the state persister. The
// engine reads it at the start of every tick and writes it back through Save;
// Version is the CAS token persisters use to detect stale writes.
type InstanceData struct {
	InstanceID uuid.UUID
	State      any
	Stage      flow.StageID
	Status     Status
	Version    int64
}
