package core

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClock is a manually advanced Clock. Times stay on whole seconds so
// ordering by the stored text form matches ordering by time.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var errMemNotFound = errors.New("operation not found")

// Ensure memStore implements the interface
var _ Store = (*memStore)(nil)

// memStore implements Store in memory for scheduler and orchestrator tests.
// The listing error fields, when set, make the matching method fail.
type memStore struct {
	mu    sync.Mutex
	ops   map[string]*Operation
	logs  map[string][]LogLine
	rooms map[string]*Room

	expiredOpsErr   error
	expiredRoomsErr error
	liveDestroyErr  error
}

func newMemStore() *memStore {
	return &memStore{
		ops:   make(map[string]*Operation),
		logs:  make(map[string][]LogLine),
		rooms: make(map[string]*Room),
	}
}

func (m *memStore) InsertOperation(ctx context.Context, op *Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := op.Snapshot()
	m.ops[op.ID] = &cp
	return nil
}

func (m *memStore) GetOperation(ctx context.Context, id string) (*Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.ops[id]
	if !ok {
		return nil, errMemNotFound
	}
	cp := op.Snapshot()
	cp.Logs = append([]LogLine(nil), m.logs[id]...)
	return &cp, nil
}

func (m *memStore) UpdateOperation(ctx context.Context, id string, mutate func(*Operation) error) (*Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.ops[id]
	if !ok {
		return nil, errMemNotFound
	}
	if op.Status.IsTerminal() {
		return nil, ErrTerminal
	}
	cp := op.Snapshot()
	if err := mutate(&cp); err != nil {
		return nil, err
	}
	m.ops[id] = &cp
	out := cp.Snapshot()
	return &out, nil
}

func (m *memStore) ListOperations(ctx context.Context, filter OperationFilter) ([]*Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Operation
	for _, op := range m.ops {
		if filter.RoomID != "" && op.RoomID != filter.RoomID {
			continue
		}
		if filter.Status != nil && op.Status != *filter.Status {
			continue
		}
		if filter.Kind != nil && op.Kind != *filter.Kind {
			continue
		}
		cp := op.Snapshot()
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *memStore) ListExpiredCreateOperations(ctx context.Context, cutoff time.Time) ([]*Operation, error) {
	if m.expiredOpsErr != nil {
		return nil, m.expiredOpsErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Operation
	for _, op := range m.ops {
		if op.Kind != KindCreate || op.Status != StatusCompleted {
			continue
		}
		if op.Result == nil || !op.Result.Success {
			continue
		}
		if op.AutoExpireAt == nil || op.AutoExpireAt.After(cutoff) {
			continue
		}
		cp := op.Snapshot()
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *memStore) HasLiveDestroyForRoom(ctx context.Context, roomID string) (bool, error) {
	if m.liveDestroyErr != nil {
		return false, m.liveDestroyErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, op := range m.ops {
		if op.RoomID != roomID || op.Kind != KindDestroy {
			continue
		}
		switch op.Status {
		case StatusScheduled, StatusPending, StatusRunning:
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) AppendOperationLog(ctx context.Context, id string, line LogLine) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs[id] = append(m.logs[id], line)
	return nil
}

func (m *memStore) ListOperationLogs(ctx context.Context, id string, tail int) ([]LogLine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lines := append([]LogLine(nil), m.logs[id]...)
	if tail > 0 && len(lines) > tail {
		lines = lines[len(lines)-tail:]
	}
	return lines, nil
}

func (m *memStore) EvictOperationsBeyond(ctx context.Context, keep int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if keep <= 0 {
		return 0, nil
	}
	ids := make([]string, 0, len(m.ops))
	for id := range m.ops {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return m.ops[ids[i]].CreatedAt.After(m.ops[ids[j]].CreatedAt)
	})
	removed := 0
	for i, id := range ids {
		if i < keep || !m.ops[id].Status.IsTerminal() {
			continue
		}
		delete(m.ops, id)
		delete(m.logs, id)
		removed++
	}
	return removed, nil
}

func (m *memStore) GetRoom(ctx context.Context, id string) (*Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[id]
	if !ok {
		return nil, errors.New("room not found")
	}
	return copyRoomRecord(room), nil
}

func (m *memStore) UpdateRoom(ctx context.Context, id string, mutate func(*Room) error) (*Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[id]
	if !ok {
		return nil, errors.New("room not found")
	}
	cp := copyRoomRecord(room)
	if err := mutate(cp); err != nil {
		return nil, err
	}
	m.rooms[id] = cp
	return copyRoomRecord(cp), nil
}

func (m *memStore) ListExpiredActiveRooms(ctx context.Context, cutoff time.Time) ([]*Room, error) {
	if m.expiredRoomsErr != nil {
		return nil, m.expiredRoomsErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Room
	for _, room := range m.rooms {
		if room.Status != RoomActive || room.ExpiresAt == nil || room.ExpiresAt.After(cutoff) {
			continue
		}
		out = append(out, copyRoomRecord(room))
	}
	return out, nil
}

func (m *memStore) putRoom(room *Room) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms[room.ID] = copyRoomRecord(room)
}

func (m *memStore) operationCount(kind OperationKind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, op := range m.ops {
		if op.Kind == kind {
			n++
		}
	}
	return n
}

func copyRoomRecord(r *Room) *Room {
	cp := *r
	if r.ExpiresAt != nil {
		t := *r.ExpiresAt
		cp.ExpiresAt = &t
	}
	return &cp
}

// fakeExecutor records the operations handed to it.
type fakeExecutor struct {
	mu  sync.Mutex
	err error
	ops []Operation
}

func (e *fakeExecutor) Execute(ctx context.Context, op *Operation) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.ops = append(e.ops, op.Snapshot())
	return nil
}

func (e *fakeExecutor) executedIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.ops))
	for _, op := range e.ops {
		ids = append(ids, op.ID)
	}
	return ids
}

func (e *fakeExecutor) executedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.ops)
}
