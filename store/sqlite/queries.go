package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/flowlite/engine"
	"git.home.luguber.info/inful/flowlite/flow"
	"git.home.luguber.info/inful/flowlite/observer"
)

func bucketStatuses(bucket observer.Bucket) []engine.Status {
	switch bucket {
	case observer.BucketActive:
		return []engine.Status{engine.StatusPending, engine.StatusRunning}
	case observer.BucketError:
		return []engine.Status{engine.StatusError}
	case observer.BucketCompleted:
		return []engine.Status{engine.StatusCompleted, engine.StatusCancelled}
	default:
		return nil
	}
}

// ListInstances implements observer.InstanceQuerier. Empty flowID matches
// all flows; empty bucket matches all statuses. Newest first.
func (s *Store) ListInstances(ctx context.Context, flowID string, bucket observer.Bucket) ([]observer.InstanceSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT flow_id, instance_id, stage, status, updated_at FROM instances WHERE 1=1`
	var args []any
	if flowID != "" {
		query += ` AND flow_id = ?`
		args = append(args, flowID)
	}
	if statuses := bucketStatuses(bucket); statuses != nil {
		query += ` AND status IN (?` // at least one status per bucket
		args = append(args, string(statuses[0]))
		for _, st := range statuses[1:] {
			query += `,?`
			args = append(args, string(st))
		}
		query += `)`
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query instances: %w", err)
	}
	defer rows.Close()

	var out []observer.InstanceSummary
	for rows.Next() {
		var (
			fid, iid, stage, status string
			updatedAt               int64
		)
		if err := rows.Scan(&fid, &iid, &stage, &status, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan instance row: %w", err)
		}
		instanceID, err := uuid.Parse(iid)
		if err != nil {
			return nil, fmt.Errorf("parse instance id %q: %w", iid, err)
		}
		out = append(out, observer.InstanceSummary{
			FlowID:     fid,
			InstanceID: instanceID,
			Stage:      flow.StageID(stage),
			Status:     engine.Status(status),
			UpdatedAt:  time.Unix(0, updatedAt),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate instance rows: %w", err)
	}
	return out, nil
}

// CountInstances implements observer.InstanceQuerier.
func (s *Store) CountInstances(ctx context.Context, flowID string) (observer.StatusCounts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM instances WHERE flow_id = ? GROUP BY status`, flowID)
	if err != nil {
		return nil, fmt.Errorf("count instances: %w", err)
	}
	defer rows.Close()

	counts := observer.StatusCounts{}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count row: %w", err)
		}
		counts[engine.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate count rows: %w", err)
	}
	return counts, nil
}

// ListErrorGroups implements observer.InstanceQuerier: errored instances
// grouped by (flow, stage), largest group first.
func (s *Store) ListErrorGroups(ctx context.Context, flowID string) ([]observer.ErrorGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT flow_id, stage, COUNT(*) FROM instances WHERE status = ?`
	args := []any{string(engine.StatusError)}
	if flowID != "" {
		query += ` AND flow_id = ?`
		args = append(args, flowID)
	}
	query += ` GROUP BY flow_id, stage ORDER BY COUNT(*) DESC, flow_id, stage`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query error groups: %w", err)
	}
	defer rows.Close()

	var out []observer.ErrorGroup
	for rows.Next() {
		var g observer.ErrorGroup
		var stage string
		if err := rows.Scan(&g.FlowID, &stage, &g.Count); err != nil {
			return nil, fmt.Errorf("scan error group: %w", err)
		}
		g.Stage = flow.StageID(stage)
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate error groups: %w", err)
	}
	return out, nil
}
