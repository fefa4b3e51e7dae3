package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/greenroomhq/greenroom/internal/core"
	"github.com/greenroomhq/greenroom/internal/store"
)

type createRoomRequest struct {
	CandidateName   string     `json:"candidate_name"`
	WorkloadKind    string     `json:"workload_kind"`
	ScheduledAt     *time.Time `json:"scheduled_at"`
	LifetimeMinutes int        `json:"lifetime_minutes"`
	SaveArtifacts   bool       `json:"save_artifacts"`
}

type destroyRoomRequest struct {
	SaveArtifacts *bool `json:"save_artifacts"`
}

type roomResponse struct {
	ID              string  `json:"id"`
	CandidateName   string  `json:"candidate_name"`
	WorkloadKind    string  `json:"workload_kind"`
	Status          string  `json:"status"`
	AccessURL       string  `json:"access_url,omitempty"`
	SaveArtifacts   bool    `json:"save_artifacts"`
	ArchiveLocation string  `json:"archive_location,omitempty"`
	ExpiresAt       *string `json:"expires_at,omitempty"`
	CreatedAt       string  `json:"created_at"`
	UpdatedAt       string  `json:"updated_at"`
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	var req createRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.CandidateName = strings.TrimSpace(req.CandidateName)
	req.WorkloadKind = strings.TrimSpace(req.WorkloadKind)
	if req.CandidateName == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "candidate_name is required")
		return
	}
	if req.WorkloadKind == "" {
		req.WorkloadKind = "vscode"
	}
	if req.LifetimeMinutes < 0 {
		writeError(w, http.StatusBadRequest, "invalid_input", "lifetime_minutes must be non-negative")
		return
	}

	// The room auto-expires lifetime_minutes after its start: the scheduled
	// time when one is given, otherwise now. A zero lifetime means the room
	// lives until destroyed explicitly.
	var autoExpireAt *time.Time
	if req.LifetimeMinutes > 0 {
		base := s.manager.Now()
		if req.ScheduledAt != nil {
			base = req.ScheduledAt.UTC()
		}
		expires := base.Add(time.Duration(req.LifetimeMinutes) * time.Minute)
		autoExpireAt = &expires
	}

	room := &core.Room{
		ID:            core.NewID(),
		CandidateName: req.CandidateName,
		WorkloadKind:  req.WorkloadKind,
		Status:        core.RoomPending,
		SaveArtifacts: req.SaveArtifacts,
		ExpiresAt:     autoExpireAt,
	}
	if err := s.store.InsertRoom(r.Context(), room); err != nil {
		s.logger.Error("insert room", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to insert room")
		return
	}

	op, err := s.manager.CreateOperation(r.Context(), core.CreateOperationParams{
		Kind:          core.KindCreate,
		RoomID:        room.ID,
		RoomName:      room.CandidateName,
		WorkloadKind:  room.WorkloadKind,
		SaveArtifacts: room.SaveArtifacts,
		ScheduledAt:   req.ScheduledAt,
		AutoExpireAt:  autoExpireAt,
	})
	if err != nil {
		s.logger.Error("create operation", "room_id", room.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to create operation")
		return
	}

	if op.Status == core.StatusPending {
		if err := s.executor.Execute(r.Context(), op); err != nil {
			s.logger.Error("submit create operation", "operation_id", op.ID, "err", err)
		}
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"room_id":      room.ID,
		"operation_id": op.ID,
		"status":       string(op.Status),
	})
}

func (s *Server) handleListRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := s.store.ListRooms(r.Context())
	if err != nil {
		s.logger.Error("list rooms", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list rooms")
		return
	}

	statusFilter := strings.TrimSpace(r.URL.Query().Get("status"))
	res := make([]roomResponse, 0, len(rooms))
	for _, room := range rooms {
		if statusFilter != "" && string(room.Status) != statusFilter {
			continue
		}
		res = append(res, roomToResponse(room))
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	room, err := s.store.GetRoom(r.Context(), roomID)
	if err != nil {
		if errors.Is(err, store.ErrRoomNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "room not found")
		} else {
			s.logger.Error("get room", "room_id", roomID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to load room")
		}
		return
	}
	writeJSON(w, http.StatusOK, roomToResponse(room))
}

// handleDestroyRoom cancels any still-scheduled operations for the room and
// starts a destroy operation. The destroy inherits the room's artifact
// setting unless the request overrides it.
func (s *Server) handleDestroyRoom(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	room, err := s.store.GetRoom(r.Context(), roomID)
	if err != nil {
		if errors.Is(err, store.ErrRoomNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "room not found")
		} else {
			s.logger.Error("get room for destroy", "room_id", roomID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to load room")
		}
		return
	}

	var req destroyRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	saveArtifacts := room.SaveArtifacts
	if req.SaveArtifacts != nil {
		saveArtifacts = *req.SaveArtifacts
	}

	live, err := s.store.HasLiveDestroyForRoom(r.Context(), roomID)
	if err != nil {
		s.logger.Error("check live destroy", "room_id", roomID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to check destroy state")
		return
	}
	if live {
		writeError(w, http.StatusConflict, "conflict", "a destroy operation is already underway for this room")
		return
	}

	cancelled, err := s.manager.CancelAllScheduledForRoom(r.Context(), roomID)
	if err != nil {
		s.logger.Error("cancel scheduled operations", "room_id", roomID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to cancel scheduled operations")
		return
	}

	op, err := s.manager.CreateOperation(r.Context(), core.CreateOperationParams{
		Kind:          core.KindDestroy,
		RoomID:        room.ID,
		RoomName:      room.CandidateName,
		WorkloadKind:  room.WorkloadKind,
		SaveArtifacts: saveArtifacts,
	})
	if err != nil {
		s.logger.Error("create destroy operation", "room_id", roomID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to create destroy operation")
		return
	}
	if err := s.executor.Execute(r.Context(), op); err != nil {
		s.logger.Error("submit destroy operation", "operation_id", op.ID, "err", err)
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"operation_id":        op.ID,
		"cancelled_scheduled": cancelled,
	})
}

func (s *Server) handleListRoomOperations(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	if _, err := s.store.GetRoom(r.Context(), roomID); err != nil {
		if errors.Is(err, store.ErrRoomNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "room not found")
		} else {
			s.logger.Error("get room for operations list", "room_id", roomID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to load room")
		}
		return
	}

	limit := parseIntDefault(r.URL.Query().Get("limit"), 50)
	ops, err := s.manager.List(r.Context(), core.OperationFilter{RoomID: roomID, Limit: limit})
	if err != nil {
		s.logger.Error("list room operations", "room_id", roomID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list operations")
		return
	}

	res := make([]operationResponse, 0, len(ops))
	for _, op := range ops {
		res = append(res, operationToResponse(op))
	}
	writeJSON(w, http.StatusOK, res)
}

func roomToResponse(room *core.Room) roomResponse {
	var expires *string
	if room.ExpiresAt != nil {
		formatted := room.ExpiresAt.UTC().Format(time.RFC3339)
		expires = &formatted
	}
	return roomResponse{
		ID:              room.ID,
		CandidateName:   room.CandidateName,
		WorkloadKind:    room.WorkloadKind,
		Status:          string(room.Status),
		AccessURL:       room.AccessURL,
		SaveArtifacts:   room.SaveArtifacts,
		ArchiveLocation: room.ArchiveLocation,
		ExpiresAt:       expires,
		CreatedAt:       room.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:       room.UpdatedAt.UTC().Format(time.RFC3339),
	}
}
