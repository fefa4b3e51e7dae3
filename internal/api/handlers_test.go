package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/greenroomhq/greenroom/internal/core"
	"github.com/greenroomhq/greenroom/internal/store"
)

// recordingExecutor captures operations instead of running them, so
// operations stay pending and handler behavior can be asserted in isolation.
type recordingExecutor struct {
	mu  sync.Mutex
	ops []core.Operation
}

func (e *recordingExecutor) Execute(ctx context.Context, op *core.Operation) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ops = append(e.ops, op.Snapshot())
	return nil
}

func (e *recordingExecutor) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.ops)
}

func (e *recordingExecutor) lastKind() core.OperationKind {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.ops) == 0 {
		return ""
	}
	return e.ops[len(e.ops)-1].Kind
}

type testEnv struct {
	t       *testing.T
	ctx     context.Context
	st      *store.Store
	mgr     *core.Manager
	hub     *core.Hub
	exec    *recordingExecutor
	handler http.Handler
}

func newTestEnv(t *testing.T, authToken string) *testEnv {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := core.NewHub(logger)
	mgr := core.NewManager(st, hub, nil, logger, nil, 0)
	exec := &recordingExecutor{}
	sched, err := core.NewScheduler(mgr, st, exec, nil, logger, nil, core.SchedulerConfig{})
	require.NoError(t, err)

	srv, err := NewServer("127.0.0.1:0", authToken, mgr, st, sched, exec, hub, prometheus.NewRegistry(), logger)
	require.NoError(t, err)

	return &testEnv{t: t, ctx: ctx, st: st, mgr: mgr, hub: hub, exec: exec, handler: srv.Handler()}
}

func (e *testEnv) do(method, path string, body any) *httptest.ResponseRecorder {
	e.t.Helper()
	var reader io.Reader
	switch v := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(v)
	default:
		data, err := json.Marshal(v)
		require.NoError(e.t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) decodeMap(rec *httptest.ResponseRecorder) map[string]any {
	e.t.Helper()
	var m map[string]any
	require.NoError(e.t, json.Unmarshal(rec.Body.Bytes(), &m))
	return m
}

func (e *testEnv) decodeList(rec *httptest.ResponseRecorder) []map[string]any {
	e.t.Helper()
	var list []map[string]any
	require.NoError(e.t, json.Unmarshal(rec.Body.Bytes(), &list))
	return list
}

func (e *testEnv) errorCode(rec *httptest.ResponseRecorder) string {
	e.t.Helper()
	var payload struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(e.t, json.Unmarshal(rec.Body.Bytes(), &payload))
	return payload.Error.Code
}

func (e *testEnv) createRoom(body map[string]any) (roomID, operationID string) {
	e.t.Helper()
	rec := e.do(http.MethodPost, "/v1/rooms", body)
	require.Equal(e.t, http.StatusAccepted, rec.Code, rec.Body.String())
	m := e.decodeMap(rec)
	roomID, _ = m["room_id"].(string)
	operationID, _ = m["operation_id"].(string)
	require.NotEmpty(e.t, roomID)
	require.NotEmpty(e.t, operationID)
	return roomID, operationID
}

// ---------------------------------------------------------------------------
// Rooms
// ---------------------------------------------------------------------------

func TestCreateRoom_Immediate(t *testing.T) {
	env := newTestEnv(t, "")

	rec := env.do(http.MethodPost, "/v1/rooms", map[string]any{
		"candidate_name":   "Ada Lovelace",
		"workload_kind":    "vscode",
		"lifetime_minutes": 90,
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	m := env.decodeMap(rec)
	assert.Equal(t, "pending", m["status"])

	// The create operation went straight to the executor.
	assert.Equal(t, 1, env.exec.count())
	assert.Equal(t, core.KindCreate, env.exec.lastKind())

	roomID := m["room_id"].(string)
	getRec := env.do(http.MethodGet, "/v1/rooms/"+roomID, nil)
	require.Equal(t, http.StatusOK, getRec.Code)
	room := env.decodeMap(getRec)
	assert.Equal(t, "Ada Lovelace", room["candidate_name"])
	assert.Equal(t, "pending", room["status"])
	assert.NotEmpty(t, room["expires_at"])
}

func TestCreateRoom_DefaultsWorkloadKind(t *testing.T) {
	env := newTestEnv(t, "")
	roomID, _ := env.createRoom(map[string]any{"candidate_name": "Ada"})

	rec := env.do(http.MethodGet, "/v1/rooms/"+roomID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "vscode", env.decodeMap(rec)["workload_kind"])
}

func TestCreateRoom_Scheduled(t *testing.T) {
	env := newTestEnv(t, "")
	scheduledAt := time.Now().UTC().Truncate(time.Second).Add(time.Hour)

	rec := env.do(http.MethodPost, "/v1/rooms", map[string]any{
		"candidate_name":   "Ada Lovelace",
		"scheduled_at":     scheduledAt.Format(time.RFC3339),
		"lifetime_minutes": 90,
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	m := env.decodeMap(rec)
	assert.Equal(t, "scheduled", m["status"])
	// Scheduled operations wait for the scheduler, not the executor.
	assert.Equal(t, 0, env.exec.count())

	opRec := env.do(http.MethodGet, "/v1/operations/"+m["operation_id"].(string), nil)
	require.Equal(t, http.StatusOK, opRec.Code)
	op := env.decodeMap(opRec)
	assert.Equal(t, scheduledAt.Format(time.RFC3339), op["scheduled_at"])

	expire, err := time.Parse(time.RFC3339, op["auto_expire_at"].(string))
	require.NoError(t, err)
	assert.Equal(t, 90*time.Minute, expire.Sub(scheduledAt))
}

func TestCreateRoom_Validation(t *testing.T) {
	env := newTestEnv(t, "")

	rec := env.do(http.MethodPost, "/v1/rooms", map[string]any{"workload_kind": "vscode"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_input", env.errorCode(rec))

	rec = env.do(http.MethodPost, "/v1/rooms", map[string]any{"candidate_name": "Ada", "lifetime_minutes": -5})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_input", env.errorCode(rec))

	rec = env.do(http.MethodPost, "/v1/rooms", "{not json")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_json", env.errorCode(rec))
}

func TestGetRoom_NotFound(t *testing.T) {
	env := newTestEnv(t, "")
	rec := env.do(http.MethodGet, "/v1/rooms/missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", env.errorCode(rec))
}

func TestListRooms_StatusFilter(t *testing.T) {
	env := newTestEnv(t, "")
	activeID, _ := env.createRoom(map[string]any{"candidate_name": "Ada"})
	env.createRoom(map[string]any{"candidate_name": "Grace"})

	_, err := env.st.UpdateRoom(env.ctx, activeID, func(r *core.Room) error {
		r.Status = core.RoomActive
		return nil
	})
	require.NoError(t, err)

	rec := env.do(http.MethodGet, "/v1/rooms", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, env.decodeList(rec), 2)

	rec = env.do(http.MethodGet, "/v1/rooms?status=active", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	filtered := env.decodeList(rec)
	require.Len(t, filtered, 1)
	assert.Equal(t, activeID, filtered[0]["id"])
}

func TestDestroyRoom_InheritsArtifactSetting(t *testing.T) {
	env := newTestEnv(t, "")
	roomID, _ := env.createRoom(map[string]any{"candidate_name": "Ada", "save_artifacts": true})

	rec := env.do(http.MethodDelete, "/v1/rooms/"+roomID, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	m := env.decodeMap(rec)
	assert.Equal(t, float64(0), m["cancelled_scheduled"])
	assert.Equal(t, core.KindDestroy, env.exec.lastKind())

	opRec := env.do(http.MethodGet, "/v1/operations/"+m["operation_id"].(string), nil)
	require.Equal(t, http.StatusOK, opRec.Code)
	op := env.decodeMap(opRec)
	assert.Equal(t, "destroy", op["kind"])
	assert.Equal(t, true, op["save_artifacts"])
}

func TestDestroyRoom_ArtifactOverride(t *testing.T) {
	env := newTestEnv(t, "")
	roomID, _ := env.createRoom(map[string]any{"candidate_name": "Ada", "save_artifacts": true})

	rec := env.do(http.MethodDelete, "/v1/rooms/"+roomID, map[string]any{"save_artifacts": false})
	require.Equal(t, http.StatusAccepted, rec.Code)
	m := env.decodeMap(rec)

	opRec := env.do(http.MethodGet, "/v1/operations/"+m["operation_id"].(string), nil)
	require.Equal(t, http.StatusOK, opRec.Code)
	assert.Equal(t, false, env.decodeMap(opRec)["save_artifacts"])
}

func TestDestroyRoom_ConflictWhileDestroyUnderway(t *testing.T) {
	env := newTestEnv(t, "")
	roomID, _ := env.createRoom(map[string]any{"candidate_name": "Ada"})

	rec := env.do(http.MethodDelete, "/v1/rooms/"+roomID, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	// The first destroy is still pending, so a second request conflicts.
	rec = env.do(http.MethodDelete, "/v1/rooms/"+roomID, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "conflict", env.errorCode(rec))
}

func TestDestroyRoom_CancelsScheduledOperations(t *testing.T) {
	env := newTestEnv(t, "")
	scheduledAt := time.Now().UTC().Truncate(time.Second).Add(time.Hour)
	roomID, createOpID := env.createRoom(map[string]any{
		"candidate_name": "Ada",
		"scheduled_at":   scheduledAt.Format(time.RFC3339),
	})

	rec := env.do(http.MethodDelete, "/v1/rooms/"+roomID, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	m := env.decodeMap(rec)
	assert.Equal(t, float64(1), m["cancelled_scheduled"])

	opRec := env.do(http.MethodGet, "/v1/operations/"+createOpID, nil)
	require.Equal(t, http.StatusOK, opRec.Code)
	op := env.decodeMap(opRec)
	assert.Equal(t, "cancelled", op["status"])
	result, ok := op["result"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "cancelled before schedule", result["error"])
}

func TestDestroyRoom_NotFound(t *testing.T) {
	env := newTestEnv(t, "")
	rec := env.do(http.MethodDelete, "/v1/rooms/missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", env.errorCode(rec))
}

func TestListRoomOperations(t *testing.T) {
	env := newTestEnv(t, "")
	roomID, opID := env.createRoom(map[string]any{"candidate_name": "Ada"})
	env.createRoom(map[string]any{"candidate_name": "Grace"})

	rec := env.do(http.MethodGet, "/v1/rooms/"+roomID+"/operations", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	ops := env.decodeList(rec)
	require.Len(t, ops, 1)
	assert.Equal(t, opID, ops[0]["id"])

	rec = env.do(http.MethodGet, "/v1/rooms/missing/operations", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

// ---------------------------------------------------------------------------
// Operations
// ---------------------------------------------------------------------------

func TestListOperations_Filters(t *testing.T) {
	env := newTestEnv(t, "")
	roomID, _ := env.createRoom(map[string]any{"candidate_name": "Ada"})
	env.createRoom(map[string]any{"candidate_name": "Grace"})

	rec := env.do(http.MethodGet, "/v1/operations", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, env.decodeList(rec), 2)

	rec = env.do(http.MethodGet, "/v1/operations?room_id="+roomID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	byRoom := env.decodeList(rec)
	require.Len(t, byRoom, 1)
	assert.Equal(t, roomID, byRoom[0]["room_id"])

	rec = env.do(http.MethodGet, "/v1/operations?status=pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, env.decodeList(rec), 2)

	rec = env.do(http.MethodGet, "/v1/operations?status=paused", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_input", env.errorCode(rec))

	rec = env.do(http.MethodGet, "/v1/operations?kind=reboot", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_input", env.errorCode(rec))
}

func TestGetOperation(t *testing.T) {
	env := newTestEnv(t, "")
	roomID, opID := env.createRoom(map[string]any{"candidate_name": "Ada"})

	rec := env.do(http.MethodGet, "/v1/operations/"+opID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	op := env.decodeMap(rec)
	assert.Equal(t, opID, op["id"])
	assert.Equal(t, "create", op["kind"])
	assert.Equal(t, roomID, op["room_id"])
	assert.Equal(t, "pending", op["status"])

	rec = env.do(http.MethodGet, "/v1/operations/missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", env.errorCode(rec))
}

func TestOperationLogs_PlainText(t *testing.T) {
	env := newTestEnv(t, "")
	_, opID := env.createRoom(map[string]any{"candidate_name": "Ada"})
	require.NoError(t, env.mgr.AppendLog(env.ctx, opID, "pulling image"))
	require.NoError(t, env.mgr.AppendLog(env.ctx, opID, "container started"))

	rec := env.do(http.MethodGet, "/v1/operations/"+opID+"/logs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")

	lines := strings.Split(strings.TrimRight(rec.Body.String(), "\n"), "\n")
	require.Len(t, lines, 2)
	for _, line := range lines {
		parts := strings.SplitN(line, " ", 2)
		require.Len(t, parts, 2)
		_, err := time.Parse(time.RFC3339, parts[0])
		assert.NoError(t, err)
	}
	assert.True(t, strings.HasSuffix(lines[0], "pulling image"))
	assert.True(t, strings.HasSuffix(lines[1], "container started"))

	rec = env.do(http.MethodGet, "/v1/operations/"+opID+"/logs?tail=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "container started")
	assert.NotContains(t, rec.Body.String(), "pulling image")
}

func TestCancelOperation(t *testing.T) {
	env := newTestEnv(t, "")
	_, opID := env.createRoom(map[string]any{"candidate_name": "Ada"})

	rec := env.do(http.MethodPost, "/v1/operations/"+opID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, env.decodeMap(rec)["cancelled"])

	rec = env.do(http.MethodPost, "/v1/operations/"+opID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, env.decodeMap(rec)["cancelled"])

	rec = env.do(http.MethodPost, "/v1/operations/missing/cancel", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

// ---------------------------------------------------------------------------
// Auth, health, metrics
// ---------------------------------------------------------------------------

func TestAuthMiddleware(t *testing.T) {
	env := newTestEnv(t, "sekrit")

	rec := env.do(http.MethodGet, "/v1/rooms", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/rooms", nil)
	req.Header.Set("Authorization", "Bearer sekrit")
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/rooms", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rr = httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	// EventSource clients cannot set headers, so the token query works too.
	rec = env.do(http.MethodGet, "/v1/rooms?token=sekrit", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Liveness stays open.
	rec = env.do(http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, "")

	rec := env.do(http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	m := env.decodeMap(rec)
	assert.Equal(t, "ok", m["status"])
	assert.Contains(t, m, "version")
	assert.Contains(t, m, "commit")

	next, err := time.Parse(time.RFC3339, m["next_retention"].(string))
	require.NoError(t, err)
	assert.True(t, next.After(time.Now().Add(-time.Minute)))
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, "")
	rec := env.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
}
