// Package memory provides in-memory implementations of the engine's
// persistence ports. They are the default for embedders that do not need
// durability, and the workhorse of the test suite.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/flowlite/engine"
	"git.home.luguber.info/inful/flowlite/flow"
)

// Store keeps instance records and pending events in mutex-guarded maps. A
// single Store may back several flows: instance ids are globally unique.
type Store struct {
	mu        sync.Mutex
	instances map[uuid.UUID]*engine.InstanceData
	events    []*engine.StoredEvent
}

// New returns an empty store.
func New() *Store {
	return &Store{instances: map[uuid.UUID]*engine.InstanceData{}}
}

func copyData(d *engine.InstanceData) *engine.InstanceData {
	c := *d
	return &c
}

// Load implements engine.StatePersister.
func (s *Store) Load(_ context.Context, instanceID uuid.UUID) (*engine.InstanceData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.instances[instanceID]
	if !ok {
		return nil, fmt.Errorf("instance %s: %w", instanceID, engine.ErrNotFound)
	}
	return copyData(d), nil
}

// Save implements engine.StatePersister with optimistic versioning: the
// incoming Version must match the stored one.
func (s *Store) Save(_ context.Context, data *engine.InstanceData) (*engine.InstanceData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.instances[data.InstanceID]
	if ok && cur.Version != data.Version {
		return nil, fmt.Errorf("instance %s at version %d, write carries %d: %w",
			data.InstanceID, cur.Version, data.Version, engine.ErrConflict)
	}
	stored := copyData(data)
	stored.Version++
	s.instances[data.InstanceID] = stored
	return copyData(stored), nil
}

// TransitionStatus implements the compare-and-set status transition.
func (s *Store) TransitionStatus(_ context.Context, instanceID uuid.UUID, expStage flow.StageID, expStatus, newStatus engine.Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.instances[instanceID]
	if !ok || cur.Stage != expStage || cur.Status != expStatus {
		return false, nil
	}
	cur.Status = newStatus
	cur.Version++
	return true, nil
}

// Append implements engine.EventStore.
func (s *Store) Append(_ context.Context, flowID string, instanceID uuid.UUID, event flow.EventID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, &engine.StoredEvent{
		ID:         uuid.NewString(),
		FlowID:     flowID,
		InstanceID: instanceID,
		Event:      event,
	})
	return nil
}

// Peek returns the oldest stored event matching one of the candidates, in
// append order.
func (s *Store) Peek(_ context.Context, flowID string, instanceID uuid.UUID, candidates []flow.EventID) (*engine.StoredEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := map[flow.EventID]bool{}
	for _, c := range candidates {
		want[c] = true
	}
	for _, ev := range s.events {
		if ev.FlowID == flowID && ev.InstanceID == instanceID && want[ev.Event] {
			c := *ev
			return &c, nil
		}
	}
	return nil, nil
}

// Delete removes an event row by storage id.
func (s *Store) Delete(_ context.Context, storageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, ev := range s.events {
		if ev.ID == storageID {
			s.events = append(s.events[:i], s.events[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

// PendingEvents returns the mailbox content for an instance, oldest first.
func (s *Store) PendingEvents(flowID string, instanceID uuid.UUID) []engine.StoredEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []engine.StoredEvent
	for _, ev := range s.events {
		if ev.FlowID == flowID && ev.InstanceID == instanceID {
			out = append(out, *ev)
		}
	}
	return out
}

// History is an in-memory append-only journal implementing
// engine.HistoryStore.
type History struct {
	mu      sync.Mutex
	entries []engine.HistoryEntry
}

// NewHistory returns an empty journal.
func NewHistory() *History { return &History{} }

// Append implements engine.HistoryStore.
func (h *History) Append(_ context.Context, entry engine.HistoryEntry) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, entry)
	return nil
}

// Timeline returns the journal for one instance in append order.
func (h *History) Timeline(_ context.Context, flowID string, instanceID uuid.UUID) ([]engine.HistoryEntry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []engine.HistoryEntry
	for _, e := range h.entries {
		if e.FlowID == flowID && e.InstanceID == instanceID {
			out = append(out, e)
		}
	}
	return out, nil
}
