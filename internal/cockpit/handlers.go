package cockpit

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/flowlite/engine"
	"git.home.luguber.info/inful/flowlite/flow"
	"git.home.luguber.info/inful/flowlite/internal/logfields"
	"git.home.luguber.info/inful/flowlite/observer"
)

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("Response encode failed", logfields.Error(err))
	}
}

// writeError maps engine sentinels onto HTTP statuses: unknown things are
// 404, refused operations and lost races are 409, the rest is 500.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrNotFound), errors.Is(err, engine.ErrUnknownFlow):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrConflict), errors.Is(err, engine.ErrInvalidOperation):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.log.Error("Request failed", logfields.Error(err))
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

// instancePath extracts and validates the {flow}/{id} path values.
func (s *Server) instancePath(w http.ResponseWriter, r *http.Request) (string, uuid.UUID, bool) {
	flowID := r.PathValue("flow")
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid instance id"})
		return "", uuid.Nil, false
	}
	return flowID, id, true
}

func (s *Server) handleListFlows(w http.ResponseWriter, r *http.Request) {
	flows, err := s.facade.ListFlows(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if flows == nil {
		flows = []observer.FlowSummary{}
	}
	s.writeJSON(w, http.StatusOK, flows)
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	flowID := r.URL.Query().Get("flow")
	bucket := observer.Bucket(r.URL.Query().Get("bucket"))
	switch bucket {
	case "", observer.BucketActive, observer.BucketError, observer.BucketCompleted:
	default:
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid bucket"})
		return
	}

	instances, err := s.facade.ListInstances(r.Context(), flowID, bucket)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if instances == nil {
		instances = []observer.InstanceSummary{}
	}
	s.writeJSON(w, http.StatusOK, instances)
}

func (s *Server) handleListErrors(w http.ResponseWriter, r *http.Request) {
	groups, err := s.facade.ListErrorGroups(r.Context(), r.URL.Query().Get("flow"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if groups == nil {
		groups = []observer.ErrorGroup{}
	}
	s.writeJSON(w, http.StatusOK, groups)
}

type timelineEntry struct {
	Time         string `json:"time"`
	Kind         string `json:"kind"`
	Stage        string `json:"stage,omitempty"`
	FromStage    string `json:"fromStage,omitempty"`
	ToStage      string `json:"toStage,omitempty"`
	FromStatus   string `json:"fromStatus,omitempty"`
	ToStatus     string `json:"toStatus,omitempty"`
	Event        string `json:"event,omitempty"`
	ErrorType    string `json:"errorType,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	ErrorStack   string `json:"errorStack,omitempty"`
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	flowID, id, ok := s.instancePath(w, r)
	if !ok {
		return
	}
	entries, err := s.facade.Timeline(r.Context(), flowID, id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]timelineEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, timelineEntry{
			Time:         e.Time.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
			Kind:         string(e.Kind),
			Stage:        string(e.Stage),
			FromStage:    string(e.FromStage),
			ToStage:      string(e.ToStage),
			FromStatus:   string(e.FromStatus),
			ToStatus:     string(e.ToStatus),
			Event:        string(e.Event),
			ErrorType:    e.ErrorType,
			ErrorMessage: e.ErrorMessage,
			ErrorStack:   e.ErrorStack,
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	flowID, id, ok := s.instancePath(w, r)
	if !ok {
		return
	}
	if err := s.facade.Retry(r.Context(), flowID, id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "retrying"})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	flowID, id, ok := s.instancePath(w, r)
	if !ok {
		return
	}
	if err := s.facade.Cancel(r.Context(), flowID, id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleChangeStage(w http.ResponseWriter, r *http.Request) {
	flowID, id, ok := s.instancePath(w, r)
	if !ok {
		return
	}
	var body struct {
		Stage string `json:"stage"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Stage == "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "body must carry a stage"})
		return
	}
	if err := s.facade.ChangeStage(r.Context(), flowID, id, flow.StageID(body.Stage)); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "stage changed"})
}

func (s *Server) handleSendEvent(w http.ResponseWriter, r *http.Request) {
	flowID, id, ok := s.instancePath(w, r)
	if !ok {
		return
	}
	var body struct {
		Event string `json:"event"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Event == "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "body must carry an event"})
		return
	}
	if err := s.facade.SendEvent(r.Context(), flowID, id, body.Event); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "event queued"})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
