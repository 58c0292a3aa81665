package main

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/taskstream-labs/taskstream-go/internal/domain"
	"github.com/taskstream-labs/taskstream-go/internal/pagination"
	"github.com/taskstream-labs/taskstream-go/internal/repo"
	"github.com/taskstream-labs/taskstream-go/internal/service/sessions"
	"github.com/taskstream-labs/taskstream-go/internal/service/taskruns"
)

const maxRequestBody = 4 << 20

type taskRunsAPI struct {
	logger   *slog.Logger
	runs     *taskruns.Service
	sessions *sessions.Service
}

func newTaskRunsAPI(logger *slog.Logger, runs *taskruns.Service, sessionEvents *sessions.Service) *taskRunsAPI {
	return &taskRunsAPI{
		logger:   logger,
		runs:     runs,
		sessions: sessionEvents,
	}
}

func (api *taskRunsAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /sessions/{session_id}/runs", api.handleCreateRun)
	mux.HandleFunc("GET /sessions/{session_id}/runs", api.handleListRuns)
	mux.HandleFunc("GET /sessions/{session_id}/events", api.handleListSessionEvents)
	mux.HandleFunc("POST /sessions/{session_id}/events", api.handleAppendSessionEvent)

	mux.HandleFunc("GET /runs/{run_id}", api.handleGetRun)
	mux.HandleFunc("POST /runs/{run_id}/cancel", api.handleCancelRun)
	mux.HandleFunc("GET /runs/{run_id}/events", api.handleListRunEvents)
}

type taskRunResponse struct {
	RunID            string          `json:"run_id"`
	SessionID        string          `json:"session_id"`
	RuntimeMode      string          `json:"runtime_mode"`
	State            string          `json:"state"`
	Attempt          int             `json:"attempt"`
	MaxAttempts      int             `json:"max_attempts"`
	ClientRequestKey string          `json:"client_request_key,omitempty"`
	Input            domain.Metadata `json:"input,omitempty"`
	Metadata         domain.Metadata `json:"metadata,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

func toTaskRunResponse(run domain.TaskRun) taskRunResponse {
	return taskRunResponse{
		RunID:            run.ID,
		SessionID:        run.SessionID,
		RuntimeMode:      run.RuntimeMode,
		State:            string(run.State),
		Attempt:          run.Attempt,
		MaxAttempts:      run.MaxAttempts,
		ClientRequestKey: run.ClientRequestKey,
		Input:            run.Input,
		Metadata:         run.Metadata,
		CreatedAt:        run.CreatedAt,
		UpdatedAt:        run.UpdatedAt,
	}
}

type runEventResponse struct {
	EventID   string          `json:"event_id"`
	RunID     string          `json:"run_id"`
	SessionID string          `json:"session_id"`
	Sequence  int64           `json:"sequence"`
	Type      string          `json:"type"`
	Payload   domain.Metadata `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

type sessionEventResponse struct {
	EventID    string          `json:"event_id"`
	SessionID  string          `json:"session_id"`
	Sequence   int64           `json:"sequence"`
	Type       string          `json:"type"`
	Properties domain.Metadata `json:"properties,omitempty"`
	Directory  string          `json:"directory,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

func toSessionEventResponse(event domain.SessionEvent) sessionEventResponse {
	return sessionEventResponse{
		EventID:    event.ID,
		SessionID:  event.SessionID,
		Sequence:   event.Sequence,
		Type:       event.Type,
		Properties: event.Properties,
		Directory:  event.Directory,
		CreatedAt:  event.CreatedAt,
	}
}

type createRunRequest struct {
	RuntimeMode      string          `json:"runtime_mode"`
	ClientRequestKey string          `json:"client_request_key"`
	Input            domain.Metadata `json:"input"`
	Metadata         domain.Metadata `json:"metadata"`
	MaxAttempts      int             `json:"max_attempts"`
}

func (api *taskRunsAPI) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.PathValue("session_id"))
	if sessionID == "" {
		api.writeError(w, r, http.StatusBadRequest, "session_id_required")
		return
	}

	var req createRunRequest
	if !api.decodeJSON(w, r, &req) {
		return
	}

	result, err := api.runs.Create(r.Context(), taskruns.CreateInput{
		SessionID:        sessionID,
		RuntimeMode:      req.RuntimeMode,
		ClientRequestKey: req.ClientRequestKey,
		Input:            req.Input,
		Metadata:         req.Metadata,
		MaxAttempts:      req.MaxAttempts,
	})
	switch {
	case err == nil:
	case errors.Is(err, taskruns.ErrRuntimeModeUnsupported):
		api.writeError(w, r, http.StatusBadRequest, "runtime_mode_unsupported")
		return
	case errors.Is(err, repo.ErrActiveRunExists):
		api.writeError(w, r, http.StatusConflict, "active_run_exists")
		return
	default:
		api.serverError(w, r, "create run", err)
		return
	}

	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	api.writeJSON(w, status, map[string]any{
		"run":     toTaskRunResponse(result.Run),
		"created": result.Created,
	})
}

func (api *taskRunsAPI) handleListRuns(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.PathValue("session_id"))
	if sessionID == "" {
		api.writeError(w, r, http.StatusBadRequest, "session_id_required")
		return
	}

	runs, err := api.runs.ListBySession(r.Context(), sessionID)
	if err != nil {
		api.serverError(w, r, "list runs", err)
		return
	}

	out := make([]taskRunResponse, 0, len(runs))
	for _, run := range runs {
		out = append(out, toTaskRunResponse(run))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"runs":       out,
	})
}

func (api *taskRunsAPI) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("run_id"))
	if runID == "" {
		api.writeError(w, r, http.StatusBadRequest, "run_id_required")
		return
	}

	run, err := api.runs.Get(r.Context(), runID)
	switch {
	case err == nil:
	case errors.Is(err, repo.ErrNotFound):
		api.writeError(w, r, http.StatusNotFound, "not_found")
		return
	default:
		api.serverError(w, r, "get run", err)
		return
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"run": toTaskRunResponse(run)})
}

func (api *taskRunsAPI) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("run_id"))
	if runID == "" {
		api.writeError(w, r, http.StatusBadRequest, "run_id_required")
		return
	}

	run, err := api.runs.Cancel(r.Context(), runID)
	switch {
	case err == nil:
	case errors.Is(err, repo.ErrNotFound):
		api.writeError(w, r, http.StatusNotFound, "not_found")
		return
	default:
		api.serverError(w, r, "cancel run", err)
		return
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"run": toTaskRunResponse(run)})
}

func (api *taskRunsAPI) handleListRunEvents(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("run_id"))
	if runID == "" {
		api.writeError(w, r, http.StatusBadRequest, "run_id_required")
		return
	}

	afterSequence, err := pagination.ParseAfterSequence(r.URL.Query().Get("after_sequence"))
	if err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_cursor")
		return
	}
	limit, err := pagination.ParseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_cursor")
		return
	}

	page, err := api.runs.ListRunEvents(r.Context(), runID, afterSequence, limit)
	switch {
	case err == nil:
	case errors.Is(err, repo.ErrNotFound):
		api.writeError(w, r, http.StatusNotFound, "not_found")
		return
	default:
		api.serverError(w, r, "list run events", err)
		return
	}

	events := make([]runEventResponse, 0, len(page.Events))
	for _, event := range page.Events {
		events = append(events, runEventResponse{
			EventID:   event.ID,
			RunID:     event.RunID,
			SessionID: event.SessionID,
			Sequence:  event.Sequence,
			Type:      event.Type,
			Payload:   event.Payload,
			CreatedAt: event.CreatedAt,
		})
	}
	resp := map[string]any{
		"run":    toTaskRunResponse(page.Run),
		"events": events,
	}
	if len(events) > 0 {
		resp["next_after_sequence"] = events[len(events)-1].Sequence
	}
	api.writeJSON(w, http.StatusOK, resp)
}

func (api *taskRunsAPI) handleListSessionEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.PathValue("session_id"))
	if sessionID == "" {
		api.writeError(w, r, http.StatusBadRequest, "session_id_required")
		return
	}

	afterSequence, err := pagination.ParseAfterSequence(r.URL.Query().Get("after_sequence"))
	if err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_cursor")
		return
	}
	limit, err := pagination.ParseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_cursor")
		return
	}

	result, err := api.sessions.List(r.Context(), sessions.ListInput{
		SessionID:     sessionID,
		AfterSequence: afterSequence,
		AfterEventID:  strings.TrimSpace(r.URL.Query().Get("after_event_id")),
		Limit:         limit,
	})
	switch {
	case err == nil:
	case errors.Is(err, pagination.ErrInvalidCursor):
		api.writeError(w, r, http.StatusBadRequest, "invalid_cursor")
		return
	default:
		api.serverError(w, r, "list session events", err)
		return
	}

	events := make([]sessionEventResponse, 0, len(result.Events))
	for _, event := range result.Events {
		events = append(events, toSessionEventResponse(event))
	}
	resp := map[string]any{
		"session_id": result.SessionID,
		"events":     events,
		"has_more":   result.HasMore,
		"total":      result.Total,
	}
	if len(events) > 0 {
		resp["first_sequence"] = result.FirstSequence
		resp["last_sequence"] = result.LastSequence
		resp["next_after_sequence"] = result.LastSequence
	}
	api.writeJSON(w, http.StatusOK, resp)
}

type appendSessionEventRequest struct {
	Type       string          `json:"type"`
	Properties domain.Metadata `json:"properties"`
	Directory  string          `json:"directory"`
}

func (api *taskRunsAPI) handleAppendSessionEvent(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.PathValue("session_id"))
	if sessionID == "" {
		api.writeError(w, r, http.StatusBadRequest, "session_id_required")
		return
	}

	var req appendSessionEventRequest
	if !api.decodeJSON(w, r, &req) {
		return
	}

	event, err := api.sessions.Append(r.Context(), sessions.AppendInput{
		SessionID:  sessionID,
		Type:       req.Type,
		Properties: req.Properties,
		Directory:  req.Directory,
	})
	switch {
	case err == nil:
	case errors.Is(err, sessions.ErrEventTypeUnknown):
		api.writeError(w, r, http.StatusBadRequest, "event_type_unknown")
		return
	default:
		api.serverError(w, r, "append session event", err)
		return
	}
	api.writeJSON(w, http.StatusCreated, map[string]any{"event": toSessionEventResponse(event)})
}

func (api *taskRunsAPI) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return false
	}
	return true
}

func (api *taskRunsAPI) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(body)
}

func (api *taskRunsAPI) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	api.writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": r.Header.Get("X-Request-Id"),
	})
}

func (api *taskRunsAPI) serverError(w http.ResponseWriter, r *http.Request, op string, err error) {
	api.logger.Error(op, "error", err, "request_id", r.Header.Get("X-Request-Id"))
	api.writeError(w, r, http.StatusInternalServerError, "internal_error")
}
