package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/flowlite/engine"
	"git.home.luguber.info/inful/flowlite/flow"
)

// Events returns the engine.EventStore view over the pending_events table.
func (s *Store) Events() engine.EventStore {
	return &eventStore{store: s}
}

type eventStore struct {
	store *Store
}

func (e *eventStore) Append(ctx context.Context, flowID string, instanceID uuid.UUID, event flow.EventID) error {
	e.store.mu.Lock()
	defer e.store.mu.Unlock()

	_, err := e.store.db.ExecContext(ctx,
		`INSERT INTO pending_events (id, flow_id, instance_id, event_type, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), flowID, instanceID.String(), string(event), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// Peek returns the oldest pending event whose type is among candidates, in
// insertion order. Returns nil when the mailbox holds no match.
func (e *eventStore) Peek(ctx context.Context, flowID string, instanceID uuid.UUID, candidates []flow.EventID) (*engine.StoredEvent, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	e.store.mu.RLock()
	defer e.store.mu.RUnlock()

	placeholders := strings.Repeat("?,", len(candidates))
	placeholders = placeholders[:len(placeholders)-1]
	args := []any{flowID, instanceID.String()}
	for _, c := range candidates {
		args = append(args, string(c))
	}

	row := e.store.db.QueryRowContext(ctx,
		`SELECT id, event_type FROM pending_events
		 WHERE flow_id = ? AND instance_id = ? AND event_type IN (`+placeholders+`)
		 ORDER BY seq LIMIT 1`, args...)

	var id, eventType string
	if err := row.Scan(&id, &eventType); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("peek event: %w", err)
	}
	return &engine.StoredEvent{
		ID:         id,
		FlowID:     flowID,
		InstanceID: instanceID,
		Event:      flow.EventID(eventType),
	}, nil
}

func (e *eventStore) Delete(ctx context.Context, storageID string) (bool, error) {
	e.store.mu.Lock()
	defer e.store.mu.Unlock()

	res, err := e.store.db.ExecContext(ctx,
		`DELETE FROM pending_events WHERE id = ?`, storageID)
	if err != nil {
		return false, fmt.Errorf("delete event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete event: %w", err)
	}
	return n > 0, nil
}
