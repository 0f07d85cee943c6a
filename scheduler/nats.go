package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"git.home.luguber.info/inful/flowlite/engine"
	"git.home.luguber.info/inful/flowlite/internal/logfields"
)

const (
	natsTickSubject = "flowlite.ticks"
	natsDurableName = "flowlite-ticks"
)

// tickMessage is the wire format of one queued tick.
type tickMessage struct {
	FlowID     string `json:"flow_id"`
	InstanceID string `json:"instance_id"`
}

// NATS is a durable tick queue on a JetStream work-queue stream, for
// deployments where several processes share one engine database. JetStream
// redelivers unacknowledged messages, which gives at-least-once delivery;
// the per-key in-flight guard keeps handler invocations serialized per
// instance by delaying redelivery instead of running concurrently.
type NATS struct {
	conn       *nats.Conn
	js         jetstream.JetStream
	stream     string
	handler    engine.TickHandler
	log        *slog.Logger
	retryDelay time.Duration

	mu       sync.Mutex
	inflight map[tickKey]bool
	stopped  bool

	consume jetstream.ConsumeContext
	group   workerGroup
}

// NATSOption configures the NATS scheduler.
type NATSOption func(*NATS)

// WithNATSStream overrides the stream name (default "FLOWLITE_TICKS").
func WithNATSStream(name string) NATSOption {
	return func(s *NATS) {
		if name != "" {
			s.stream = name
		}
	}
}

// WithNATSLogger sets the logger (default slog.Default).
func WithNATSLogger(log *slog.Logger) NATSOption {
	return func(s *NATS) { s.log = log }
}

// WithNATSRetryDelay sets the redelivery delay for failed or deferred
// ticks (default one second).
func WithNATSRetryDelay(d time.Duration) NATSOption {
	return func(s *NATS) {
		if d > 0 {
			s.retryDelay = d
		}
	}
}

// NewNATS connects to the NATS server and creates or updates the tick
// stream. The scheduler owns the connection; Stop closes it.
func NewNATS(ctx context.Context, url string, opts ...NATSOption) (*NATS, error) {
	s := &NATS{
		stream:     "FLOWLITE_TICKS",
		log:        slog.Default(),
		retryDelay: time.Second,
		inflight:   map[tickKey]bool{},
	}
	for _, opt := range opts {
		opt(s)
	}

	conn, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}
	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      s.stream,
		Subjects:  []string{natsTickSubject},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("create tick stream: %w", err)
	}

	s.conn = conn
	s.js = js
	s.log.Info("NATS tick scheduler initialized",
		slog.String("url", url), slog.String("stream", s.stream))
	return s, nil
}

// SetHandler implements engine.TickScheduler.
func (s *NATS) SetHandler(h engine.TickHandler) { s.handler = h }

// Schedule implements engine.TickScheduler.
func (s *NATS) Schedule(ctx context.Context, flowID string, instanceID uuid.UUID) error {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return ErrStopped
	}

	data, err := json.Marshal(tickMessage{FlowID: flowID, InstanceID: instanceID.String()})
	if err != nil {
		return fmt.Errorf("marshal tick: %w", err)
	}
	if _, err := s.js.Publish(ctx, natsTickSubject, data); err != nil {
		return fmt.Errorf("publish tick: %w", err)
	}
	return nil
}

// Start implements engine.TickScheduler: a durable consumer delivers ticks.
func (s *NATS) Start(ctx context.Context) error {
	if s.handler == nil {
		return errors.New("start scheduler: handler not set")
	}

	consumer, err := s.js.CreateOrUpdateConsumer(ctx, s.stream, jetstream.ConsumerConfig{
		Name:      natsDurableName,
		Durable:   natsDurableName,
		AckPolicy: jetstream.AckExplicitPolicy,
		AckWait:   30 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("create tick consumer: %w", err)
	}

	runCtx := context.WithoutCancel(ctx)
	consume, err := consumer.Consume(func(msg jetstream.Msg) {
		s.dispatch(runCtx, msg)
	})
	if err != nil {
		return fmt.Errorf("start tick consumer: %w", err)
	}
	s.consume = consume
	s.log.Info("Tick consumer started", slog.String("stream", s.stream))
	return nil
}

// Stop implements engine.TickScheduler. Unacknowledged ticks stay in the
// stream and are redelivered after restart.
func (s *NATS) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	if s.consume != nil {
		s.consume.Stop()
	}
	err := s.group.StopAndWait(ctx)
	s.conn.Close()
	return err
}

func (s *NATS) dispatch(ctx context.Context, msg jetstream.Msg) {
	var tick tickMessage
	if err := json.Unmarshal(msg.Data(), &tick); err != nil {
		// Malformed ticks can never be delivered; drop them for good.
		s.log.Error("Dropping malformed tick message", logfields.Error(err))
		s.term(msg)
		return
	}
	instanceID, err := uuid.Parse(tick.InstanceID)
	if err != nil {
		s.log.Error("Dropping tick with malformed instance id", logfields.Error(err))
		s.term(msg)
		return
	}
	k := tickKey{flowID: tick.FlowID, instanceID: instanceID}

	s.mu.Lock()
	busy := s.inflight[k]
	if !busy {
		s.inflight[k] = true
	}
	s.mu.Unlock()
	if busy {
		// A handler for this instance is running; push the message back for
		// later instead of overlapping.
		if err := msg.NakWithDelay(s.retryDelay); err != nil {
			s.log.Warn("Tick defer failed", logfields.Error(err))
		}
		return
	}

	started := s.group.Go(func() { s.deliverMsg(ctx, msg, k) })
	if !started {
		s.clear(k)
		if err := msg.NakWithDelay(s.retryDelay); err != nil {
			s.log.Warn("Tick defer failed", logfields.Error(err))
		}
	}
}

func (s *NATS) deliverMsg(ctx context.Context, msg jetstream.Msg, k tickKey) {
	err := s.handler(ctx, k.flowID, k.instanceID)
	s.clear(k)
	if err != nil {
		s.log.Warn("Tick delivery failed, requesting redelivery",
			logfields.FlowID(k.flowID), logfields.InstanceID(k.instanceID), logfields.Error(err))
		if nakErr := msg.NakWithDelay(s.retryDelay); nakErr != nil {
			s.log.Warn("Tick redelivery request failed", logfields.Error(nakErr))
		}
		return
	}
	if err := msg.Ack(); err != nil {
		s.log.Warn("Tick ack failed", logfields.Error(err))
	}
}

func (s *NATS) clear(k tickKey) {
	s.mu.Lock()
	delete(s.inflight, k)
	s.mu.Unlock()
}

func (s *NATS) term(msg jetstream.Msg) {
	if err := msg.Term(); err != nil {
		s.log.Warn("Tick terminate failed", logfields.Error(err))
	}
}
