package cockpit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/flowlite/engine"
	"git.home.luguber.info/inful/flowlite/flow"
	"git.home.luguber.info/inful/flowlite/observer"
	"git.home.luguber.info/inful/flowlite/store/memory"
)

// recordingScheduler satisfies engine.TickScheduler without delivering;
// cockpit tests drive ticks explicitly where needed.
type recordingScheduler struct {
	scheduled []string
}

func (s *recordingScheduler) SetHandler(engine.TickHandler) {}
func (s *recordingScheduler) Schedule(_ context.Context, flowID string, instanceID uuid.UUID) error {
	s.scheduled = append(s.scheduled, flowID+"/"+instanceID.String())
	return nil
}
func (s *recordingScheduler) Start(context.Context) error { return nil }
func (s *recordingScheduler) Stop(context.Context) error  { return nil }

// staticQuerier serves canned instance listings.
type staticQuerier struct {
	instances []observer.InstanceSummary
	counts    observer.StatusCounts
	groups    []observer.ErrorGroup
}

func (q *staticQuerier) ListInstances(context.Context, string, observer.Bucket) ([]observer.InstanceSummary, error) {
	return q.instances, nil
}
func (q *staticQuerier) CountInstances(context.Context, string) (observer.StatusCounts, error) {
	return q.counts, nil
}
func (q *staticQuerier) ListErrorGroups(context.Context, string) ([]observer.ErrorGroup, error) {
	return q.groups, nil
}

type fixture struct {
	server  *Server
	engine  *engine.Engine
	store   *memory.Store
	history *memory.History
	sched   *recordingScheduler
	querier *staticQuerier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	history := memory.NewHistory()
	sched := &recordingScheduler{}

	eng, err := engine.New(engine.Options{
		Events:    store,
		History:   history,
		Scheduler: sched,
	})
	require.NoError(t, err)

	f, err := flow.NewBuilder().
		Stage("start").
		Stage("wait").
		WaitFor("go").Stage("done").End().
		Build()
	require.NoError(t, err)
	require.NoError(t, eng.RegisterFlow("orders", f, store))

	querier := &staticQuerier{counts: observer.StatusCounts{}}
	srv, err := New(Options{
		Listen: ":0",
		Facade: observer.New(eng, querier, history),
	})
	require.NoError(t, err)

	return &fixture{server: srv, engine: eng, store: store, history: history, sched: sched, querier: querier}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestListFlows(t *testing.T) {
	f := newFixture(t)
	f.querier.counts = observer.StatusCounts{
		engine.StatusPending: 2,
		engine.StatusError:   1,
	}

	rec := f.do(t, http.MethodGet, "/api/flows", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var flows []observer.FlowSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &flows))
	require.Len(t, flows, 1)
	assert.Equal(t, "orders", flows[0].FlowID)
	assert.Equal(t, 3, flows[0].NotCompleted)
	assert.Equal(t, 1, flows[0].Errors)
	assert.Contains(t, flows[0].Diagram, "stateDiagram-v2")
}

func TestListInstancesValidatesBucket(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/instances?bucket=bogus", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/instances?bucket=error", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())
}

func TestRetryRefusedOutsideErrorStatus(t *testing.T) {
	f := newFixture(t)
	id, err := f.engine.StartInstance(context.Background(), "orders", nil)
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/api/instances/orders/"+id.String()+"/retry", "")
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestCancelUnknownInstance(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/instances/orders/"+uuid.NewString()+"/cancel", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelThenTimeline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, err := f.engine.StartInstance(ctx, "orders", nil)
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/api/instances/orders/"+id.String()+"/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/instances/orders/"+id.String()+"/history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, "instance_started", entries[0]["kind"])
	assert.Equal(t, "cancelled", entries[1]["kind"])
}

func TestSendEventQueuesAndSchedules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, err := f.engine.StartInstance(ctx, "orders", nil)
	require.NoError(t, err)
	before := len(f.sched.scheduled)

	rec := f.do(t, http.MethodPost, "/api/instances/orders/"+id.String()+"/events", `{"event":"go"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	pending := f.store.PendingEvents("orders", id)
	require.Len(t, pending, 1)
	assert.Equal(t, flow.EventID("go"), pending[0].Event)
	assert.Greater(t, len(f.sched.scheduled), before)
}

func TestSendEventRejectsEmptyBody(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/instances/orders/"+uuid.NewString()+"/events", `{}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChangeStageUnknownStage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, err := f.engine.StartInstance(ctx, "orders", nil)
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/api/instances/orders/"+id.String()+"/stage", `{"stage":"nowhere"}`)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestInvalidInstanceID(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/instances/orders/not-a-uuid/retry", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
}
