package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/greenroomhq/greenroom/internal/metrics"
)

// DefaultRetentionKeep is how many operations survive a retention sweep
// unless configured otherwise.
const DefaultRetentionKeep = 50

// Store abstracts the persistence layer used by the manager, scheduler and
// orchestrator.
type Store interface {
	// Operation records
	InsertOperation(ctx context.Context, op *Operation) error
	GetOperation(ctx context.Context, id string) (*Operation, error)
	UpdateOperation(ctx context.Context, id string, mutate func(*Operation) error) (*Operation, error)
	ListOperations(ctx context.Context, filter OperationFilter) ([]*Operation, error)
	ListExpiredCreateOperations(ctx context.Context, cutoff time.Time) ([]*Operation, error)
	HasLiveDestroyForRoom(ctx context.Context, roomID string) (bool, error)

	// Operation logs
	AppendOperationLog(ctx context.Context, id string, line LogLine) error
	ListOperationLogs(ctx context.Context, id string, tail int) ([]LogLine, error)

	// Retention
	EvictOperationsBeyond(ctx context.Context, keep int) (int, error)

	// Rooms
	GetRoom(ctx context.Context, id string) (*Room, error)
	UpdateRoom(ctx context.Context, id string, mutate func(*Room) error) (*Room, error)
	ListExpiredActiveRooms(ctx context.Context, cutoff time.Time) ([]*Room, error)
}

// OperationFilter narrows ListOperations results.
type OperationFilter struct {
	RoomID string
	Status *OperationStatus
	Kind   *OperationKind
	Limit  int
}

// CreateOperationParams describes a new operation.
type CreateOperationParams struct {
	Kind          OperationKind
	RoomID        string
	RoomName      string
	WorkloadKind  string
	SaveArtifacts bool
	ScheduledAt   *time.Time
	AutoExpireAt  *time.Time
}

var errNotCancellable = errors.New("operation is not cancellable")

// Manager owns the operation lifecycle: creation, status transitions, log
// appends, result recording, cancellation and retention. Every status change
// is published on the hub; log appends are not.
type Manager struct {
	store         Store
	hub           *Hub
	clock         Clock
	logger        *slog.Logger
	metrics       *metrics.Metrics
	retentionKeep int
}

// NewManager constructs a manager. A nil clock falls back to the system
// clock; retentionKeep <= 0 falls back to DefaultRetentionKeep; metrics may
// be nil.
func NewManager(store Store, hub *Hub, clock Clock, logger *slog.Logger, m *metrics.Metrics, retentionKeep int) *Manager {
	if clock == nil {
		clock = SystemClock()
	}
	if retentionKeep <= 0 {
		retentionKeep = DefaultRetentionKeep
	}
	return &Manager{
		store:         store,
		hub:           hub,
		clock:         clock,
		logger:        logger,
		metrics:       m,
		retentionKeep: retentionKeep,
	}
}

// CreateOperation persists a new operation and announces it. The operation
// starts scheduled when ScheduledAt is set, pending otherwise.
func (m *Manager) CreateOperation(ctx context.Context, params CreateOperationParams) (*Operation, error) {
	if params.Kind != KindCreate && params.Kind != KindDestroy {
		return nil, fmt.Errorf("unknown operation kind %q", params.Kind)
	}
	if params.RoomID == "" {
		return nil, errors.New("room id is required")
	}
	status := StatusPending
	if params.ScheduledAt != nil {
		status = StatusScheduled
	}
	op := &Operation{
		ID:            NewID(),
		Kind:          params.Kind,
		Status:        status,
		RoomID:        params.RoomID,
		RoomName:      params.RoomName,
		WorkloadKind:  params.WorkloadKind,
		SaveArtifacts: params.SaveArtifacts,
		ScheduledAt:   params.ScheduledAt,
		AutoExpireAt:  params.AutoExpireAt,
		CreatedAt:     m.clock.Now(),
	}
	if err := m.store.InsertOperation(ctx, op); err != nil {
		return nil, err
	}
	if m.metrics != nil {
		m.metrics.OperationsCreated.WithLabelValues(string(op.Kind)).Inc()
	}
	m.notify(op)
	return op, nil
}

// Now exposes the manager's clock so callers computing schedule or expiry
// times stay consistent with it.
func (m *Manager) Now() time.Time {
	return m.clock.Now()
}

// Get returns the operation with its logs.
func (m *Manager) Get(ctx context.Context, id string) (*Operation, error) {
	return m.store.GetOperation(ctx, id)
}

// List returns operations matching the filter, newest first, without logs.
func (m *Manager) List(ctx context.Context, filter OperationFilter) ([]*Operation, error) {
	return m.store.ListOperations(ctx, filter)
}

// Logs returns the operation's log lines; tail > 0 limits to the newest tail.
func (m *Manager) Logs(ctx context.Context, id string, tail int) ([]LogLine, error) {
	return m.store.ListOperationLogs(ctx, id, tail)
}

// Transition moves the operation to a non-terminal next status. Terminal
// states are reached through RecordResult and Cancel only, which keeps the
// result-present-iff-terminal invariant in one place. First entry to running
// stamps StartedAt.
func (m *Manager) Transition(ctx context.Context, id string, to OperationStatus) (*Operation, error) {
	if to.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is terminal, use RecordResult or Cancel", ErrIllegalTransition, to)
	}
	op, err := m.store.UpdateOperation(ctx, id, func(op *Operation) error {
		if !CanTransition(op.Status, to) {
			return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, op.Status, to)
		}
		op.Status = to
		if to == StatusRunning && op.StartedAt == nil {
			now := m.clock.Now()
			op.StartedAt = &now
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.notify(op)
	return op, nil
}

// AppendLog attaches a timestamped line to the operation. Appends never
// publish events and stay legal after the operation turns terminal.
func (m *Manager) AppendLog(ctx context.Context, id, line string) error {
	return m.store.AppendOperationLog(ctx, id, LogLine{At: m.clock.Now(), Line: line})
}

// RecordResult writes the operation's outcome and flips it to completed or
// failed according to result.Success. A result arriving after the operation
// already turned terminal is dropped with a warning and ErrTerminal; the
// first terminal write wins.
func (m *Manager) RecordResult(ctx context.Context, id string, result Result) (*Operation, error) {
	op, err := m.store.UpdateOperation(ctx, id, func(op *Operation) error {
		to := StatusCompleted
		if !result.Success {
			to = StatusFailed
		}
		if !CanTransition(op.Status, to) {
			return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, op.Status, to)
		}
		res := result
		now := m.clock.Now()
		op.Result = &res
		op.Status = to
		op.CompletedAt = &now
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrTerminal) {
			m.logger.Warn("dropping result for terminal operation", "operation_id", id)
		}
		return nil, err
	}
	m.markFinished(op)
	m.notify(op)
	return op, nil
}

// Cancel requests cooperative cancellation. Only pending and running
// operations are cancellable; scheduled ones go through
// CancelAllScheduledForRoom and terminal ones stay as they are. Returns
// whether this call performed the cancellation, so a second call reports
// false.
func (m *Manager) Cancel(ctx context.Context, id string) (bool, error) {
	op, err := m.store.UpdateOperation(ctx, id, func(op *Operation) error {
		if op.Status != StatusPending && op.Status != StatusRunning {
			return errNotCancellable
		}
		now := m.clock.Now()
		op.Status = StatusCancelled
		op.CompletedAt = &now
		op.Result = &Result{Success: false, Error: "cancelled"}
		return nil
	})
	if err != nil {
		if errors.Is(err, errNotCancellable) || errors.Is(err, ErrTerminal) {
			return false, nil
		}
		return false, err
	}
	if err := m.AppendLog(ctx, op.ID, "operation cancelled"); err != nil {
		m.logger.Warn("append cancel log", "operation_id", op.ID, "err", err)
	}
	m.markFinished(op)
	m.notify(op)
	return true, nil
}

// CancelAllScheduledForRoom cancels every scheduled operation of the room
// and returns how many it cancelled. Used when a room is destroyed before
// its schedule fires, so no orphaned future work stays behind.
func (m *Manager) CancelAllScheduledForRoom(ctx context.Context, roomID string) (int, error) {
	status := StatusScheduled
	ops, err := m.store.ListOperations(ctx, OperationFilter{RoomID: roomID, Status: &status})
	if err != nil {
		return 0, err
	}
	cancelled := 0
	for _, scheduled := range ops {
		op, err := m.store.UpdateOperation(ctx, scheduled.ID, func(op *Operation) error {
			if op.Status != StatusScheduled {
				return errNotCancellable
			}
			now := m.clock.Now()
			op.Status = StatusCancelled
			op.CompletedAt = &now
			op.Result = &Result{Success: false, Error: "cancelled before schedule"}
			return nil
		})
		if err != nil {
			if errors.Is(err, errNotCancellable) || errors.Is(err, ErrTerminal) {
				continue
			}
			return cancelled, err
		}
		if err := m.AppendLog(ctx, op.ID, "cancelled: room destroyed before schedule fired"); err != nil {
			m.logger.Warn("append cancel log", "operation_id", op.ID, "err", err)
		}
		m.markFinished(op)
		m.notify(op)
		cancelled++
	}
	return cancelled, nil
}

// EvictOldOperations removes terminal operations beyond the retention limit.
func (m *Manager) EvictOldOperations(ctx context.Context) (int, error) {
	removed, err := m.store.EvictOperationsBeyond(ctx, m.retentionKeep)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		m.logger.Info("evicted old operations", "count", removed, "keep", m.retentionKeep)
	}
	return removed, nil
}

func (m *Manager) notify(op *Operation) {
	if m.hub == nil {
		return
	}
	m.hub.Publish(Event{
		Type:      EventOperationChanged,
		At:        m.clock.Now(),
		Operation: op.Snapshot(),
	})
}

func (m *Manager) markFinished(op *Operation) {
	if m.metrics != nil {
		m.metrics.OperationsFinished.WithLabelValues(string(op.Kind), string(op.Status)).Inc()
	}
}
