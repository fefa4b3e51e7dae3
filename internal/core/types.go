package core

import (
	"errors"
	"time"
)

// OperationKind identifies what an operation does to a room.
type OperationKind string

const (
	KindCreate  OperationKind = "create"
	KindDestroy OperationKind = "destroy"
)

// OperationStatus describes the lifecycle state of an operation.
type OperationStatus string

const (
	StatusScheduled OperationStatus = "scheduled"
	StatusPending   OperationStatus = "pending"
	StatusRunning   OperationStatus = "running"
	StatusCompleted OperationStatus = "completed"
	StatusFailed    OperationStatus = "failed"
	StatusCancelled OperationStatus = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions.
func (s OperationStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ErrTerminal is returned when a write would change the status or result
// of an operation that already reached a terminal state.
var ErrTerminal = errors.New("operation is terminal")

// ErrIllegalTransition is returned for status changes the lifecycle does not allow.
var ErrIllegalTransition = errors.New("illegal status transition")

// Re-entering running is allowed so recovery can pick up operations a
// previous process left behind; StartedAt is only stamped the first time.
var allowedTransitions = map[OperationStatus][]OperationStatus{
	StatusScheduled: {StatusPending, StatusCancelled},
	StatusPending:   {StatusRunning, StatusFailed, StatusCancelled},
	StatusRunning:   {StatusRunning, StatusCompleted, StatusFailed, StatusCancelled},
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to OperationStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Result records the write-once outcome of a finished operation.
// ProviderReady is only meaningful for create operations: false means the
// infrastructure exists but the workload never reported healthy in time.
type Result struct {
	Success         bool
	AccessURL       string
	Error           string
	ArchiveLocation string
	ProviderReady   *bool
}

// LogLine is one appended entry in an operation's log.
type LogLine struct {
	At   time.Time
	Line string
}

// Operation is the durable record of one provisioning or destroy action
// against a room.
type Operation struct {
	ID            string
	Kind          OperationKind
	Status        OperationStatus
	RoomID        string
	RoomName      string
	WorkloadKind  string
	SaveArtifacts bool
	ScheduledAt   *time.Time
	AutoExpireAt  *time.Time
	CreatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	Result        *Result
	Logs          []LogLine
}

// Snapshot returns a copy safe to hand to listeners.
func (o *Operation) Snapshot() Operation {
	cp := *o
	if o.Result != nil {
		res := *o.Result
		if o.Result.ProviderReady != nil {
			ready := *o.Result.ProviderReady
			res.ProviderReady = &ready
		}
		cp.Result = &res
	}
	if len(o.Logs) > 0 {
		cp.Logs = append([]LogLine(nil), o.Logs...)
	}
	return cp
}

// RoomStatus describes the lifecycle state of an interview room.
type RoomStatus string

const (
	RoomPending   RoomStatus = "pending"
	RoomActive    RoomStatus = "active"
	RoomDestroyed RoomStatus = "destroyed"
	RoomFailed    RoomStatus = "failed"
)

// Room is the owner record for one isolated interview environment.
type Room struct {
	ID              string
	CandidateName   string
	WorkloadKind    string
	Status          RoomStatus
	AccessURL       string
	CredentialRef   string
	SaveArtifacts   bool
	ArchiveLocation string
	ExpiresAt       *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// EventOperationChanged is the type discriminator carried by change events.
const EventOperationChanged = "operation.changed"

// Event is delivered to subscribers whenever an operation changes state.
type Event struct {
	Type      string
	At        time.Time
	Operation Operation
}
