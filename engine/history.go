package engine

import (
	"time"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/flowlite/flow"
)

// EntryKind enumerates the history journal entry types.
type EntryKind string

const (
	EntryInstanceStarted EntryKind = "instance_started"
	EntryEventAppended   EntryKind = "event_appended"
	EntryStatusChanged   EntryKind = "status_changed"
	EntryStageChanged    EntryKind = "stage_changed"
	EntryError           EntryKind = "error"
	EntryCancelled       EntryKind = "cancelled"
)

// HistoryEntry is one row of the append-only instance timeline. Only the
// fields relevant to the Kind are populated.
type HistoryEntry struct {
	Time       time.Time
	FlowID     string
	InstanceID uuid.UUID
	Kind       EntryKind

	Stage      flow.StageID // InstanceStarted, Error, Cancelled
	FromStage  flow.StageID // StageChanged
	ToStage    flow.StageID // StageChanged
	FromStatus Status       // StatusChanged
	ToStatus   Status       // StatusChanged
	Event      flow.EventID // EventAppended

	ErrorType    string // Error
	ErrorMessage string // Error
	ErrorStack   string // Error, optional
}
