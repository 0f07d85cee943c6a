package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/flowlite/engine"
	"git.home.luguber.info/inful/flowlite/flow"
)

// History returns the engine.HistoryStore view over the history table.
func (s *Store) History() engine.HistoryStore {
	return &historyStore{store: s}
}

type historyStore struct {
	store *Store
}

func (h *historyStore) Append(ctx context.Context, entry engine.HistoryEntry) error {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()

	_, err := h.store.db.ExecContext(ctx,
		`INSERT INTO history (flow_id, instance_id, kind, stage, from_stage, to_stage,
		                      from_status, to_status, event, error_type, error_message, error_stack, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.FlowID, entry.InstanceID.String(), string(entry.Kind),
		string(entry.Stage), string(entry.FromStage), string(entry.ToStage),
		string(entry.FromStatus), string(entry.ToStatus), string(entry.Event),
		entry.ErrorType, entry.ErrorMessage, entry.ErrorStack,
		entry.Time.UnixNano())
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// Timeline returns the journal for one instance in append order. The Store
// itself carries the method so it satisfies the cockpit's history querier.
func (s *Store) Timeline(ctx context.Context, flowID string, instanceID uuid.UUID) ([]engine.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, stage, from_stage, to_stage, from_status, to_status,
		        event, error_type, error_message, error_stack, created_at
		 FROM history WHERE flow_id = ? AND instance_id = ? ORDER BY id`,
		flowID, instanceID.String())
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []engine.HistoryEntry
	for rows.Next() {
		var (
			kind, stage, fromStage, toStage string
			fromStatus, toStatus, event     string
			errType, errMessage, errStack   string
			createdAt                       int64
		)
		if err := rows.Scan(&kind, &stage, &fromStage, &toStage, &fromStatus, &toStatus,
			&event, &errType, &errMessage, &errStack, &createdAt); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		out = append(out, engine.HistoryEntry{
			Time:         time.Unix(0, createdAt),
			FlowID:       flowID,
			InstanceID:   instanceID,
			Kind:         engine.EntryKind(kind),
			Stage:        flow.StageID(stage),
			FromStage:    flow.StageID(fromStage),
			ToStage:      flow.StageID(toStage),
			FromStatus:   engine.Status(fromStatus),
			ToStatus:     engine.Status(toStatus),
			Event:        flow.EventID(event),
			ErrorType:    errType,
			ErrorMessage: errMessage,
			ErrorStack:   errStack,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history rows: %w", err)
	}
	return out, nil
}
