package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/flowlite/engine"
	"git.home.luguber.info/inful/flowlite/flow"
)

// Persister returns the engine.StatePersister view for one flow. Every
// record it writes is stamped with the flow id so cockpit queries can group
// by flow.
func (s *Store) Persister(flowID string) engine.StatePersister {
	return &persister{store: s, flowID: flowID}
}

type persister struct {
	store  *Store
	flowID string
}

func (p *persister) Load(ctx context.Context, instanceID uuid.UUID) (*engine.InstanceData, error) {
	p.store.mu.RLock()
	defer p.store.mu.RUnlock()

	row := p.store.db.QueryRowContext(ctx,
		`SELECT stage, status, state, version FROM instances WHERE instance_id = ?`,
		instanceID.String())

	var (
		stage, status string
		blob          []byte
		version       int64
	)
	if err := row.Scan(&stage, &status, &blob, &version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("instance %s: %w", instanceID, engine.ErrNotFound)
		}
		return nil, fmt.Errorf("load instance: %w", err)
	}

	state, err := p.store.decodeState(blob)
	if err != nil {
		return nil, fmt.Errorf("decode state for %s: %w", instanceID, err)
	}
	return &engine.InstanceData{
		InstanceID: instanceID,
		State:      state,
		Stage:      flow.StageID(stage),
		Status:     engine.Status(status),
		Version:    version,
	}, nil
}

// Save upserts the record with optimistic versioning: an update only lands
// when the stored version matches the incoming one.
func (p *persister) Save(ctx context.Context, data *engine.InstanceData) (*engine.InstanceData, error) {
	p.store.mu.Lock()
	defer p.store.mu.Unlock()

	blob, err := json.Marshal(data.State)
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	now := time.Now().UnixNano()

	if data.Version == 0 {
		_, err := p.store.db.ExecContext(ctx,
			`INSERT INTO instances (flow_id, instance_id, stage, status, state, version, updated_at)
			 VALUES (?, ?, ?, ?, ?, 1, ?)`,
			p.flowID, data.InstanceID.String(), string(data.Stage), string(data.Status), blob, now)
		if err != nil {
			return nil, fmt.Errorf("insert instance: %w", err)
		}
	} else {
		res, err := p.store.db.ExecContext(ctx,
			`UPDATE instances SET stage = ?, status = ?, state = ?, version = version + 1, updated_at = ?
			 WHERE instance_id = ? AND version = ?`,
			string(data.Stage), string(data.Status), blob, now,
			data.InstanceID.String(), data.Version)
		if err != nil {
			return nil, fmt.Errorf("update instance: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("update instance: %w", err)
		}
		if n == 0 {
			return nil, fmt.Errorf("instance %s moved past version %d: %w",
				data.InstanceID, data.Version, engine.ErrConflict)
		}
	}

	saved := *data
	saved.Version = data.Version + 1
	return &saved, nil
}

func (p *persister) TransitionStatus(ctx context.Context, instanceID uuid.UUID, expStage flow.StageID, expStatus, newStatus engine.Status) (bool, error) {
	p.store.mu.Lock()
	defer p.store.mu.Unlock()

	res, err := p.store.db.ExecContext(ctx,
		`UPDATE instances SET status = ?, version = version + 1, updated_at = ?
		 WHERE instance_id = ? AND stage = ? AND status = ?`,
		string(newStatus), time.Now().UnixNano(),
		instanceID.String(), string(expStage), string(expStatus))
	if err != nil {
		return false, fmt.Errorf("transition status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition status: %w", err)
	}
	return n > 0, nil
}

// decodeState unmarshals the stored JSON, into the configured state type
// when a factory is set, otherwise into whatever encoding/json produces.
func (s *Store) decodeState(blob []byte) (any, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	if s.newState != nil {
		state := s.newState()
		if err := json.Unmarshal(blob, state); err != nil {
			return nil, err
		}
		return state, nil
	}
	var state any
	if err := json.Unmarshal(blob, &state); err != nil {
		return nil, err
	}
	return state, nil
}
