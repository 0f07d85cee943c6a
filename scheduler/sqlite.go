package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"git.home.luguber.info/inful/flowlite/engine"
	"git.home.luguber.info/inful/flowlite/internal/logfields"
)

// SQLite is a durable tick queue in a sqlite table, polled on an interval.
// It normally shares the database of the sqlite store so a tick and the
// state change that caused it live in the same file. Ticks survive process
// restarts; delivery is at least once because a crash between handler and
// row delete re-delivers on the next poll.
type SQLite struct {
	db         *sql.DB
	handler    engine.TickHandler
	log        *slog.Logger
	poll       time.Duration
	sem        *semaphore.Weighted
	retryDelay time.Duration

	mu       sync.Mutex
	inflight map[tickKey]bool
	stopped  bool

	sched gocron.Scheduler
	group workerGroup
}

// SQLiteOption configures the sqlite scheduler.
type SQLiteOption func(*SQLite)

// WithPollInterval sets the queue poll interval (default 250ms).
func WithPollInterval(d time.Duration) SQLiteOption {
	return func(s *SQLite) {
		if d > 0 {
			s.poll = d
		}
	}
}

// WithSQLiteWorkers caps concurrent handler invocations (default 4).
func WithSQLiteWorkers(n int) SQLiteOption {
	return func(s *SQLite) {
		if n > 0 {
			s.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithSQLiteLogger sets the logger (default slog.Default).
func WithSQLiteLogger(log *slog.Logger) SQLiteOption {
	return func(s *SQLite) { s.log = log }
}

// WithSQLiteRetryDelay sets the delay before a failed delivery is re-queued
// (default one second).
func WithSQLiteRetryDelay(d time.Duration) SQLiteOption {
	return func(s *SQLite) { s.retryDelay = d }
}

// NewSQLite builds a sqlite scheduler over an open database handle and
// creates its queue table.
func NewSQLite(db *sql.DB, opts ...SQLiteOption) (*SQLite, error) {
	s := &SQLite{
		db:         db,
		log:        slog.Default(),
		poll:       250 * time.Millisecond,
		sem:        semaphore.NewWeighted(4),
		retryDelay: time.Second,
		inflight:   map[tickKey]bool{},
	}
	for _, opt := range opts {
		opt(s)
	}

	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS ticks (
		id TEXT NOT NULL PRIMARY KEY,
		flow_id TEXT NOT NULL,
		instance_id TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE (flow_id, instance_id)
	)`)
	if err != nil {
		return nil, fmt.Errorf("create ticks table: %w", err)
	}
	return s, nil
}

// SetHandler implements engine.TickScheduler.
func (s *SQLite) SetHandler(h engine.TickHandler) { s.handler = h }

// Schedule implements engine.TickScheduler. Ticks for a key already in the
// queue are coalesced by the unique index.
func (s *SQLite) Schedule(ctx context.Context, flowID string, instanceID uuid.UUID) error {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return ErrStopped
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO ticks (id, flow_id, instance_id, created_at) VALUES (?, ?, ?, ?)`,
		uuid.NewString(), flowID, instanceID.String(), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("enqueue tick: %w", err)
	}
	return nil
}

// Start implements engine.TickScheduler: a gocron job polls the queue.
func (s *SQLite) Start(ctx context.Context) error {
	if s.handler == nil {
		return errors.New("start scheduler: handler not set")
	}

	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create gocron scheduler: %w", err)
	}
	runCtx := context.WithoutCancel(ctx)
	if _, err := sched.NewJob(
		gocron.DurationJob(s.poll),
		gocron.NewTask(func() { s.pollOnce(runCtx) }),
		gocron.WithName("tick-queue-poll"),
	); err != nil {
		return fmt.Errorf("create poll job: %w", err)
	}
	s.sched = sched
	sched.Start()
	s.log.Debug("Tick queue poller started", slog.Duration("interval", s.poll))
	return nil
}

// Stop implements engine.TickScheduler.
func (s *SQLite) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	if s.sched != nil {
		if err := s.sched.Shutdown(); err != nil {
			s.log.Warn("Poller shutdown failed", logfields.Error(err))
		}
	}
	return s.group.StopAndWait(ctx)
}

// pollOnce claims due ticks and dispatches them to workers. Rows whose key
// already has an in-flight handler are left in the table for a later poll.
func (s *SQLite) pollOnce(ctx context.Context) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, flow_id, instance_id FROM ticks ORDER BY created_at LIMIT 64`)
	if err != nil {
		s.log.Warn("Tick queue poll failed", logfields.Error(err))
		return
	}

	type row struct {
		id         string
		flowID     string
		instanceID string
	}
	var due []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.flowID, &r.instanceID); err != nil {
			s.log.Warn("Tick row scan failed", logfields.Error(err))
			break
		}
		due = append(due, r)
	}
	_ = rows.Close()

	for _, r := range due {
		instanceID, err := uuid.Parse(r.instanceID)
		if err != nil {
			// A row that cannot be parsed can never be delivered; drop it.
			s.log.Error("Dropping malformed tick row", slog.String("id", r.id), logfields.Error(err))
			_, _ = s.db.ExecContext(ctx, `DELETE FROM ticks WHERE id = ?`, r.id)
			continue
		}
		k := tickKey{flowID: r.flowID, instanceID: instanceID}

		s.mu.Lock()
		busy := s.inflight[k]
		if !busy {
			s.inflight[k] = true
		}
		s.mu.Unlock()
		if busy {
			// One in-flight handler per instance; the row stays queued.
			continue
		}

		// Claiming the row before running the handler keeps delivery
		// at-least-once across workers sharing the table: exactly one
		// process wins the delete.
		res, err := s.db.ExecContext(ctx, `DELETE FROM ticks WHERE id = ?`, r.id)
		if err != nil {
			s.clearInflight(k)
			s.log.Warn("Tick claim failed", logfields.Error(err))
			continue
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// Another poller claimed it first.
			s.clearInflight(k)
			continue
		}

		if err := s.sem.Acquire(ctx, 1); err != nil {
			// Shutting down; the tick is re-queued so it is not lost.
			s.clearInflight(k)
			_ = s.requeue(ctx, k)
			return
		}
		key := k
		started := s.group.Go(func() {
			defer s.sem.Release(1)
			s.deliver(ctx, key)
		})
		if !started {
			s.sem.Release(1)
			s.clearInflight(key)
			_ = s.requeue(ctx, key)
			return
		}
	}
}

func (s *SQLite) deliver(ctx context.Context, k tickKey) {
	err := s.handler(ctx, k.flowID, k.instanceID)
	s.clearInflight(k)
	if err != nil {
		s.log.Warn("Tick delivery failed, re-queueing",
			logfields.FlowID(k.flowID), logfields.InstanceID(k.instanceID), logfields.Error(err))
		time.Sleep(s.retryDelay)
		if err := s.requeue(ctx, k); err != nil {
			s.log.Error("Tick re-queue failed",
				logfields.FlowID(k.flowID), logfields.InstanceID(k.instanceID), logfields.Error(err))
		}
	}
}

func (s *SQLite) clearInflight(k tickKey) {
	s.mu.Lock()
	delete(s.inflight, k)
	s.mu.Unlock()
}

func (s *SQLite) requeue(ctx context.Context, k tickKey) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO ticks (id, flow_id, instance_id, created_at) VALUES (?, ?, ?, ?)`,
		uuid.NewString(), k.flowID, k.instanceID.String(), time.Now().UnixNano())
	return err
}

// Pending returns the number of queued ticks, for tests and health checks.
func (s *SQLite) Pending(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ticks`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count ticks: %w", err)
	}
	return n, nil
}
