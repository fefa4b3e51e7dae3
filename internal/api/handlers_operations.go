package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/greenroomhq/greenroom/internal/core"
	"github.com/greenroomhq/greenroom/internal/store"
)

type operationResponse struct {
	ID            string          `json:"id"`
	Kind          string          `json:"kind"`
	Status        string          `json:"status"`
	RoomID        string          `json:"room_id"`
	RoomName      string          `json:"room_name,omitempty"`
	WorkloadKind  string          `json:"workload_kind,omitempty"`
	SaveArtifacts bool            `json:"save_artifacts"`
	ScheduledAt   *string         `json:"scheduled_at,omitempty"`
	AutoExpireAt  *string         `json:"auto_expire_at,omitempty"`
	CreatedAt     string          `json:"created_at"`
	StartedAt     *string         `json:"started_at,omitempty"`
	CompletedAt   *string         `json:"completed_at,omitempty"`
	Result        *resultResponse `json:"result,omitempty"`
	Logs          []logResponse   `json:"logs,omitempty"`
}

type resultResponse struct {
	Success         bool   `json:"success"`
	AccessURL       string `json:"access_url,omitempty"`
	Error           string `json:"error,omitempty"`
	ArchiveLocation string `json:"archive_location,omitempty"`
	ProviderReady   *bool  `json:"provider_ready,omitempty"`
}

type logResponse struct {
	At   string `json:"at"`
	Line string `json:"line"`
}

type eventPayload struct {
	Type      string            `json:"type"`
	At        string            `json:"at"`
	Operation operationResponse `json:"operation"`
}

func (s *Server) handleListOperations(w http.ResponseWriter, r *http.Request) {
	filter := core.OperationFilter{
		RoomID: strings.TrimSpace(r.URL.Query().Get("room_id")),
		Limit:  parseIntDefault(r.URL.Query().Get("limit"), 50),
	}
	if status := strings.TrimSpace(r.URL.Query().Get("status")); status != "" {
		st := core.OperationStatus(status)
		if !validOperationStatus(st) {
			writeError(w, http.StatusBadRequest, "invalid_input", "unknown status filter")
			return
		}
		filter.Status = &st
	}
	if kind := strings.TrimSpace(r.URL.Query().Get("kind")); kind != "" {
		k := core.OperationKind(kind)
		if k != core.KindCreate && k != core.KindDestroy {
			writeError(w, http.StatusBadRequest, "invalid_input", "kind must be create or destroy")
			return
		}
		filter.Kind = &k
	}

	ops, err := s.manager.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("list operations", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list operations")
		return
	}

	res := make([]operationResponse, 0, len(ops))
	for _, op := range ops {
		res = append(res, operationToResponse(op))
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetOperation(w http.ResponseWriter, r *http.Request) {
	operationID := chi.URLParam(r, "operationID")
	op, err := s.manager.Get(r.Context(), operationID)
	if err != nil {
		if errors.Is(err, store.ErrOperationNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "operation not found")
		} else {
			s.logger.Error("get operation", "operation_id", operationID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to load operation")
		}
		return
	}
	writeJSON(w, http.StatusOK, operationToResponse(op))
}

func (s *Server) handleOperationLogs(w http.ResponseWriter, r *http.Request) {
	operationID := chi.URLParam(r, "operationID")
	op, err := s.manager.Get(r.Context(), operationID)
	if err != nil {
		if errors.Is(err, store.ErrOperationNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "operation not found")
		} else {
			s.logger.Error("get operation for logs", "operation_id", operationID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to load operation")
		}
		return
	}

	tail := parseIntDefault(r.URL.Query().Get("tail"), 0)
	follow := strings.EqualFold(r.URL.Query().Get("follow"), "1") || strings.EqualFold(r.URL.Query().Get("follow"), "true")

	lines, err := s.manager.Logs(r.Context(), operationID, tail)
	if err != nil {
		s.logger.Error("read operation logs", "operation_id", operationID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to read logs")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if !follow {
		writeLogLines(w, lines)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeLogLines(w, lines)
		return
	}
	w.Header().Set("Cache-Control", "no-cache")
	writeLogLines(w, lines)
	flusher.Flush()

	// Poll for lines appended after the ones already sent; stop once the
	// operation is terminal and fully streamed. After a tail-truncated first
	// write the true total is re-read so old lines are not replayed.
	seen := len(lines)
	if tail > 0 {
		if all, err := s.manager.Logs(r.Context(), operationID, 0); err == nil {
			seen = len(all)
		}
	}
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			all, err := s.manager.Logs(r.Context(), operationID, 0)
			if err != nil {
				return
			}
			if len(all) > seen {
				writeLogLines(w, all[seen:])
				flusher.Flush()
				seen = len(all)
			}
			if !op.Status.IsTerminal() {
				if refreshed, err := s.manager.Get(r.Context(), operationID); err == nil {
					op = refreshed
				}
			}
			if op.Status.IsTerminal() && len(all) == seen {
				return
			}
		}
	}
}

func (s *Server) handleCancelOperation(w http.ResponseWriter, r *http.Request) {
	operationID := chi.URLParam(r, "operationID")
	cancelled, err := s.manager.Cancel(r.Context(), operationID)
	if err != nil {
		if errors.Is(err, store.ErrOperationNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "operation not found")
		} else {
			s.logger.Error("cancel operation", "operation_id", operationID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to cancel operation")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

// handleEvents streams operation changes as server-sent events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusBadRequest, "unsupported", "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// A slow consumer drops events rather than blocking publishers; the
	// polling endpoints remain the lossless view.
	events := make(chan core.Event, 16)
	sub := s.hub.Subscribe(func(e core.Event) {
		select {
		case events <- e:
		default:
		}
	})
	defer s.hub.Unsubscribe(sub)

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case e := <-events:
			op := e.Operation
			data, err := json.Marshal(eventPayload{
				Type:      e.Type,
				At:        e.At.UTC().Format(time.RFC3339),
				Operation: operationToResponse(&op),
			})
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, data)
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

func operationToResponse(op *core.Operation) operationResponse {
	resp := operationResponse{
		ID:            op.ID,
		Kind:          string(op.Kind),
		Status:        string(op.Status),
		RoomID:        op.RoomID,
		RoomName:      op.RoomName,
		WorkloadKind:  op.WorkloadKind,
		SaveArtifacts: op.SaveArtifacts,
		ScheduledAt:   formatTimePtr(op.ScheduledAt),
		AutoExpireAt:  formatTimePtr(op.AutoExpireAt),
		CreatedAt:     op.CreatedAt.UTC().Format(time.RFC3339),
		StartedAt:     formatTimePtr(op.StartedAt),
		CompletedAt:   formatTimePtr(op.CompletedAt),
	}
	if op.Result != nil {
		resp.Result = &resultResponse{
			Success:         op.Result.Success,
			AccessURL:       op.Result.AccessURL,
			Error:           op.Result.Error,
			ArchiveLocation: op.Result.ArchiveLocation,
			ProviderReady:   op.Result.ProviderReady,
		}
	}
	if len(op.Logs) > 0 {
		logs := make([]logResponse, 0, len(op.Logs))
		for _, l := range op.Logs {
			logs = append(logs, logResponse{
				At:   l.At.UTC().Format(time.RFC3339),
				Line: l.Line,
			})
		}
		resp.Logs = logs
	}
	return resp
}

func validOperationStatus(st core.OperationStatus) bool {
	switch st {
	case core.StatusScheduled, core.StatusPending, core.StatusRunning,
		core.StatusCompleted, core.StatusFailed, core.StatusCancelled:
		return true
	default:
		return false
	}
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	formatted := t.UTC().Format(time.RFC3339)
	return &formatted
}

func writeLogLines(w http.ResponseWriter, lines []core.LogLine) {
	for _, l := range lines {
		fmt.Fprintf(w, "%s %s\n", l.At.UTC().Format(time.RFC3339), l.Line)
	}
}

func parseIntDefault(value string, def int) int {
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	payload := map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	}
	writeJSON(w, status, payload)
}
