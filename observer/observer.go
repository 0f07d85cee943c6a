// Package observer exposes the read-only queries and operator actions the
// cockpit consumes. It composes the engine (definitions and mutations) with
// store-level queriers (instances and history).
package observer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/flowlite/diagram"
	"git.home.luguber.info/inful/flowlite/engine"
	"git.home.luguber.info/inful/flowlite/flow"
)

// Bucket partitions instances for listing.
type Bucket string

const (
	BucketActive    Bucket = "active"    // pending or running
	BucketError     Bucket = "error"     // error
	BucketCompleted Bucket = "completed" // completed or cancelled
)

// InstanceSummary is one row of an instance listing.
type InstanceSummary struct {
	FlowID     string        `json:"flowId"`
	InstanceID uuid.UUID     `json:"instanceId"`
	Stage      flow.StageID  `json:"stage"`
	Status     engine.Status `json:"status"`
	UpdatedAt  time.Time     `json:"updatedAt"`
}

// ErrorGroup counts errored instances per (flow, stage).
type ErrorGroup struct {
	FlowID string       `json:"flowId"`
	Stage  flow.StageID `json:"stage"`
	Count  int          `json:"count"`
}

// StatusCounts maps instance status to the number of instances in it.
type StatusCounts map[engine.Status]int

// FlowSummary describes one registered flow together with instance counters.
type FlowSummary struct {
	FlowID       string         `json:"flowId"`
	Diagram      string         `json:"diagram"`
	Stages       []flow.StageID `json:"stages"`
	NotCompleted int            `json:"notCompleted"`
	Errors       int            `json:"errors"`
	Active       int            `json:"active"`
	Completed    int            `json:"completed"`
}

// InstanceQuerier is the store-side query surface for instance listings.
// The sqlite store implements it.
type InstanceQuerier interface {
	ListInstances(ctx context.Context, flowID string, bucket Bucket) ([]InstanceSummary, error)
	CountInstances(ctx context.Context, flowID string) (StatusCounts, error)
	ListErrorGroups(ctx context.Context, flowID string) ([]ErrorGroup, error)
}

// HistoryQuerier reads the per-instance timeline.
type HistoryQuerier interface {
	Timeline(ctx context.Context, flowID string, instanceID uuid.UUID) ([]engine.HistoryEntry, error)
}

// Facade bundles the cockpit's read and mutation surface.
type Facade struct {
	engine    *engine.Engine
	instances InstanceQuerier
	history   HistoryQuerier
}

// New builds a facade over the engine and the store queriers.
func New(e *engine.Engine, instances InstanceQuerier, history HistoryQuerier) *Facade {
	return &Facade{engine: e, instances: instances, history: history}
}

// ListFlows returns every registered flow with its diagram and counters.
func (f *Facade) ListFlows(ctx context.Context) ([]FlowSummary, error) {
	var out []FlowSummary
	for _, flowID := range f.engine.Flows() {
		def, _ := f.engine.Flow(flowID)
		counts, err := f.instances.CountInstances(ctx, flowID)
		if err != nil {
			return nil, fmt.Errorf("count instances for %q: %w", flowID, err)
		}
		active := counts[engine.StatusPending] + counts[engine.StatusRunning]
		errs := counts[engine.StatusError]
		completed := counts[engine.StatusCompleted] + counts[engine.StatusCancelled]
		out = append(out, FlowSummary{
			FlowID:       flowID,
			Diagram:      diagram.Render(def),
			Stages:       def.StageIDs(),
			NotCompleted: active + errs,
			Errors:       errs,
			Active:       active,
			Completed:    completed,
		})
	}
	return out, nil
}

// ListInstances lists instances, optionally filtered by flow id and bucket.
// An empty flowID means all flows; an empty bucket means all buckets.
func (f *Facade) ListInstances(ctx context.Context, flowID string, bucket Bucket) ([]InstanceSummary, error) {
	return f.instances.ListInstances(ctx, flowID, bucket)
}

// ListErrorGroups groups errored instances by (flow, stage).
func (f *Facade) ListErrorGroups(ctx context.Context, flowID string) ([]ErrorGroup, error) {
	return f.instances.ListErrorGroups(ctx, flowID)
}

// Timeline returns the chronological history of one instance.
func (f *Facade) Timeline(ctx context.Context, flowID string, instanceID uuid.UUID) ([]engine.HistoryEntry, error) {
	return f.history.Timeline(ctx, flowID, instanceID)
}

// Retry delegates to the engine.
func (f *Facade) Retry(ctx context.Context, flowID string, instanceID uuid.UUID) error {
	return f.engine.Retry(ctx, flowID, instanceID)
}

// Cancel delegates to the engine.
func (f *Facade) Cancel(ctx context.Context, flowID string, instanceID uuid.UUID) error {
	return f.engine.Cancel(ctx, flowID, instanceID)
}

// ChangeStage delegates to the engine.
func (f *Facade) ChangeStage(ctx context.Context, flowID string, instanceID uuid.UUID, stage flow.StageID) error {
	return f.engine.ChangeStage(ctx, flowID, instanceID, stage)
}

// SendEvent delegates to the engine; the event arrives as its string name.
func (f *Facade) SendEvent(ctx context.Context, flowID string, instanceID uuid.UUID, event string) error {
	return f.engine.SendEvent(ctx, flowID, instanceID, flow.EventID(event))
}
