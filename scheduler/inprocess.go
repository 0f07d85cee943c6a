// Package scheduler provides tick queue implementations: an in-process one
// for embedders and tests, a sqlite-backed durable one, and a NATS
// JetStream one for multi-process deployments. All of them deliver at least
// once and never run two handler invocations for the same instance
// concurrently.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/flowlite/engine"
	"git.home.luguber.info/inful/flowlite/internal/logfields"
)

// ErrStopped is returned by Schedule after the scheduler has been stopped.
var ErrStopped = errors.New("scheduler stopped")

type tickKey struct {
	flowID     string
	instanceID uuid.UUID
}

// Per-key delivery state. A key in the map always has a pending or running
// delivery; absent means idle.
type keyState int

const (
	stateQueued keyState = iota
	stateRunning
	stateRunningQueued // re-scheduled while the handler runs
)

// InProcess is the in-memory tick queue. Ticks for a key are coalesced: any
// number of Schedule calls while a delivery is pending collapse into one,
// and a Schedule during a running handler queues exactly one follow-up.
type InProcess struct {
	handler    engine.TickHandler
	log        *slog.Logger
	workers    int
	retryDelay time.Duration

	mu      sync.Mutex
	cond    *sync.Cond
	states  map[tickKey]keyState
	queue   []tickKey
	stopped bool
	started bool
	cancel  context.CancelFunc
	group   workerGroup
}

// InProcessOption configures the in-process scheduler.
type InProcessOption func(*InProcess)

// WithWorkers sets the number of delivery goroutines (default 4).
func WithWorkers(n int) InProcessOption {
	return func(s *InProcess) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithLogger sets the logger (default slog.Default).
func WithLogger(log *slog.Logger) InProcessOption {
	return func(s *InProcess) { s.log = log }
}

// WithRetryDelay sets the delay before a failed delivery is re-queued
// (default one second).
func WithRetryDelay(d time.Duration) InProcessOption {
	return func(s *InProcess) { s.retryDelay = d }
}

// NewInProcess builds an in-process scheduler.
func NewInProcess(opts ...InProcessOption) *InProcess {
	s := &InProcess{
		log:        slog.Default(),
		workers:    4,
		retryDelay: time.Second,
		states:     map[tickKey]keyState{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// SetHandler implements engine.TickScheduler.
func (s *InProcess) SetHandler(h engine.TickHandler) { s.handler = h }

// Schedule implements engine.TickScheduler.
func (s *InProcess) Schedule(_ context.Context, flowID string, instanceID uuid.UUID) error {
	k := tickKey{flowID: flowID, instanceID: instanceID}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	switch state, ok := s.states[k]; {
	case !ok:
		s.states[k] = stateQueued
		s.queue = append(s.queue, k)
		s.cond.Signal()
	case state == stateRunning:
		s.states[k] = stateRunningQueued
	default:
		// Already queued; coalesce.
	}
	return nil
}

// Start implements engine.TickScheduler.
func (s *InProcess) Start(ctx context.Context) error {
	if s.handler == nil {
		return errors.New("start scheduler: handler not set")
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("start scheduler: already started")
	}
	s.started = true
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	for i := 0; i < s.workers; i++ {
		s.group.Go(func() { s.workerLoop(runCtx) })
	}
	return nil
}

// Stop implements engine.TickScheduler. Queued ticks that have not started
// by the time Stop is called are dropped; durable schedulers cover restarts.
func (s *InProcess) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.cond.Broadcast()
	s.mu.Unlock()

	err := s.group.StopAndWait(ctx)
	if s.cancel != nil {
		s.cancel()
	}
	return err
}

func (s *InProcess) workerLoop(ctx context.Context) {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.stopped {
			s.cond.Wait()
		}
		if s.stopped {
			s.mu.Unlock()
			return
		}
		k := s.queue[0]
		s.queue = s.queue[1:]
		s.states[k] = stateRunning
		s.mu.Unlock()

		err := s.handler(ctx, k.flowID, k.instanceID)

		s.mu.Lock()
		requeued := s.states[k] == stateRunningQueued
		if requeued {
			s.states[k] = stateQueued
			s.queue = append(s.queue, k)
			s.cond.Signal()
		} else {
			delete(s.states, k)
		}
		stopped := s.stopped
		s.mu.Unlock()

		if err != nil && !stopped {
			// At-least-once: a failed delivery comes back after a pause so a
			// broken store does not busy-loop the workers.
			s.log.Warn("Tick delivery failed, re-queueing",
				logfields.FlowID(k.flowID), logfields.InstanceID(k.instanceID), logfields.Error(err))
			key := k
			time.AfterFunc(s.retryDelay, func() {
				_ = s.Schedule(context.Background(), key.flowID, key.instanceID)
			})
		}
	}
}
