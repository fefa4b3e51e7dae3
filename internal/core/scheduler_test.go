package core

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type SchedulerSuite struct {
	suite.Suite
	ctx   context.Context
	st    *memStore
	clk   *fakeClock
	exec  *fakeExecutor
	mgr   *Manager
	sched *Scheduler
}

func (s *SchedulerSuite) SetupTest() {
	s.ctx = context.Background()
	s.st = newMemStore()
	s.clk = newFakeClock(time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC))
	s.exec = &fakeExecutor{}
	s.mgr = NewManager(s.st, NewHub(testLogger()), s.clk, testLogger(), nil, 0)

	sched, err := NewScheduler(s.mgr, s.st, s.exec, s.clk, testLogger(), nil, SchedulerConfig{})
	require.NoError(s.T(), err)
	s.sched = sched
}

func TestSchedulerSuite(t *testing.T) {
	suite.Run(t, new(SchedulerSuite))
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (s *SchedulerSuite) scheduleCreate(roomID string, at time.Time) *Operation {
	op, err := s.mgr.CreateOperation(s.ctx, CreateOperationParams{
		Kind:        KindCreate,
		RoomID:      roomID,
		RoomName:    "Candidate",
		ScheduledAt: &at,
	})
	require.NoError(s.T(), err)
	return op
}

func (s *SchedulerSuite) insertCompletedCreate(roomID string, expireAt time.Time, saveArtifacts bool) *Operation {
	op := &Operation{
		ID:            NewID(),
		Kind:          KindCreate,
		Status:        StatusCompleted,
		RoomID:        roomID,
		RoomName:      "Candidate",
		WorkloadKind:  "vscode",
		SaveArtifacts: saveArtifacts,
		AutoExpireAt:  &expireAt,
		CreatedAt:     s.clk.Now(),
		Result:        &Result{Success: true},
	}
	require.NoError(s.T(), s.st.InsertOperation(s.ctx, op))
	return op
}

func (s *SchedulerSuite) getOp(id string) *Operation {
	op, err := s.st.GetOperation(s.ctx, id)
	require.NoError(s.T(), err)
	return op
}

func (s *SchedulerSuite) hasLog(opID, substr string) bool {
	lines, err := s.st.ListOperationLogs(s.ctx, opID, 0)
	require.NoError(s.T(), err)
	for _, l := range lines {
		if strings.Contains(l.Line, substr) {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Promotion
// ---------------------------------------------------------------------------

func (s *SchedulerSuite) TestPromote_FiresWithinLeadWindow() {
	due := s.scheduleCreate("room-due", s.clk.Now().Add(4*time.Minute))
	far := s.scheduleCreate("room-far", s.clk.Now().Add(10*time.Minute))

	s.sched.tick(s.ctx)

	assert.Equal(s.T(), []string{due.ID}, s.exec.executedIDs())
	assert.Equal(s.T(), StatusPending, s.getOp(due.ID).Status)
	assert.Equal(s.T(), StatusScheduled, s.getOp(far.ID).Status)
	assert.True(s.T(), s.hasLog(due.ID, "schedule reached, starting execution"))
}

func (s *SchedulerSuite) TestPromote_FiresAtExactLeadBoundary() {
	op := s.scheduleCreate("room-1", s.clk.Now().Add(DefaultLeadWindow))

	s.sched.tick(s.ctx)

	assert.Equal(s.T(), 1, s.exec.executedCount())
	assert.Equal(s.T(), StatusPending, s.getOp(op.ID).Status)
}

func (s *SchedulerSuite) TestPromote_HandOffFailureFailsOperation() {
	s.exec.err = errors.New("queue full")
	op := s.scheduleCreate("room-1", s.clk.Now())

	s.sched.tick(s.ctx)

	got := s.getOp(op.ID)
	assert.Equal(s.T(), StatusFailed, got.Status)
	require.NotNil(s.T(), got.Result)
	assert.Contains(s.T(), got.Result.Error, "execution hand-off failed")
	assert.True(s.T(), s.hasLog(op.ID, "execution hand-off failed"))
}

func (s *SchedulerSuite) TestPromote_SkipsOperationCancelledUnderneath() {
	op := s.scheduleCreate("room-1", s.clk.Now())
	cancelled, err := s.mgr.CancelAllScheduledForRoom(s.ctx, "room-1")
	require.NoError(s.T(), err)
	require.Equal(s.T(), 1, cancelled)

	// op is a stale copy that still looks scheduled.
	s.sched.promote(s.ctx, op)

	assert.Equal(s.T(), 0, s.exec.executedCount())
	assert.Equal(s.T(), StatusCancelled, s.getOp(op.ID).Status)
}

// ---------------------------------------------------------------------------
// Expiry sweep
// ---------------------------------------------------------------------------

func (s *SchedulerSuite) TestSweep_DestroysRoomFromExpiredCreateOperation() {
	created := s.insertCompletedCreate("room-1", s.clk.Now().Add(-time.Minute), true)
	s.st.putRoom(&Room{ID: "room-1", CandidateName: "Candidate", WorkloadKind: "vscode", Status: RoomActive})

	s.sched.tick(s.ctx)

	require.Equal(s.T(), 1, s.exec.executedCount())
	destroy := s.exec.ops[0]
	assert.Equal(s.T(), KindDestroy, destroy.Kind)
	assert.Equal(s.T(), StatusPending, destroy.Status)
	assert.Equal(s.T(), "room-1", destroy.RoomID)
	assert.True(s.T(), destroy.SaveArtifacts)
	assert.True(s.T(), s.hasLog(destroy.ID, "auto-destroy: create operation "+created.ID+" expired"))
}

func (s *SchedulerSuite) TestSweep_DestroysRoomPastItsOwnExpiry() {
	expired := s.clk.Now().Add(-30 * time.Second)
	s.st.putRoom(&Room{
		ID:            "room-2",
		CandidateName: "Candidate",
		WorkloadKind:  "jupyter",
		Status:        RoomActive,
		SaveArtifacts: true,
		ExpiresAt:     &expired,
	})

	s.sched.tick(s.ctx)

	require.Equal(s.T(), 1, s.exec.executedCount())
	destroy := s.exec.ops[0]
	assert.Equal(s.T(), KindDestroy, destroy.Kind)
	assert.Equal(s.T(), "jupyter", destroy.WorkloadKind)
	assert.True(s.T(), destroy.SaveArtifacts)
	assert.True(s.T(), s.hasLog(destroy.ID, "auto-destroy: room expired"))
}

func (s *SchedulerSuite) TestSweep_DestroysOnceWhenBothSourcesExpire() {
	expired := s.clk.Now().Add(-time.Minute)
	s.insertCompletedCreate("room-1", expired, false)
	s.st.putRoom(&Room{ID: "room-1", CandidateName: "Candidate", Status: RoomActive, ExpiresAt: &expired})

	s.sched.tick(s.ctx)

	assert.Equal(s.T(), 1, s.exec.executedCount())
	assert.Equal(s.T(), 1, s.st.operationCount(KindDestroy))
}

func (s *SchedulerSuite) TestSweep_SkipsRoomWithDestroyUnderway() {
	expired := s.clk.Now().Add(-time.Minute)
	s.st.putRoom(&Room{ID: "room-1", CandidateName: "Candidate", Status: RoomActive, ExpiresAt: &expired})
	require.NoError(s.T(), s.st.InsertOperation(s.ctx, &Operation{
		ID:        NewID(),
		Kind:      KindDestroy,
		Status:    StatusPending,
		RoomID:    "room-1",
		CreatedAt: s.clk.Now(),
	}))

	s.sched.tick(s.ctx)

	assert.Equal(s.T(), 0, s.exec.executedCount())
	assert.Equal(s.T(), 1, s.st.operationCount(KindDestroy))
}

func (s *SchedulerSuite) TestSweep_SkipsAlreadyDestroyedRoom() {
	// A stale completed create still carries an expiry, but the room record
	// already says destroyed.
	s.insertCompletedCreate("room-1", s.clk.Now().Add(-time.Hour), false)
	s.st.putRoom(&Room{ID: "room-1", CandidateName: "Candidate", Status: RoomDestroyed})

	s.sched.tick(s.ctx)

	assert.Equal(s.T(), 0, s.exec.executedCount())
	assert.Equal(s.T(), 0, s.st.operationCount(KindDestroy))
}

func (s *SchedulerSuite) TestSweep_RoomSourceRunsAfterOperationSourceError() {
	s.st.expiredOpsErr = errors.New("disk error")
	expired := s.clk.Now().Add(-time.Minute)
	s.st.putRoom(&Room{ID: "room-1", CandidateName: "Candidate", Status: RoomActive, ExpiresAt: &expired})

	s.sched.tick(s.ctx)

	assert.Equal(s.T(), 1, s.exec.executedCount())
}

// ---------------------------------------------------------------------------
// Restart recovery
// ---------------------------------------------------------------------------

func (s *SchedulerSuite) TestResume_RelaunchesPendingAndRunning() {
	pending := &Operation{ID: NewID(), Kind: KindCreate, Status: StatusPending, RoomID: "room-1", CreatedAt: s.clk.Now()}
	running := &Operation{ID: NewID(), Kind: KindDestroy, Status: StatusRunning, RoomID: "room-2", CreatedAt: s.clk.Now()}
	done := &Operation{ID: NewID(), Kind: KindCreate, Status: StatusCompleted, RoomID: "room-3", CreatedAt: s.clk.Now(), Result: &Result{Success: true}}
	for _, op := range []*Operation{pending, running, done} {
		require.NoError(s.T(), s.st.InsertOperation(s.ctx, op))
	}

	s.sched.resumeLeftovers(s.ctx)

	assert.ElementsMatch(s.T(), []string{pending.ID, running.ID}, s.exec.executedIDs())
	assert.True(s.T(), s.hasLog(pending.ID, "resuming after restart"))
	assert.True(s.T(), s.hasLog(running.ID, "resuming after restart"))
}

// ---------------------------------------------------------------------------
// Retention
// ---------------------------------------------------------------------------

func (s *SchedulerSuite) TestRetention_EvictsThroughManager() {
	mgr := NewManager(s.st, nil, s.clk, testLogger(), nil, 1)
	sched, err := NewScheduler(mgr, s.st, s.exec, s.clk, testLogger(), nil, SchedulerConfig{})
	require.NoError(s.T(), err)

	for i := 0; i < 3; i++ {
		op := &Operation{
			ID:          NewID(),
			Kind:        KindDestroy,
			Status:      StatusCompleted,
			RoomID:      "room-1",
			CreatedAt:   s.clk.Now(),
			Result:      &Result{Success: true},
			CompletedAt: timePtr(s.clk.Now()),
		}
		require.NoError(s.T(), s.st.InsertOperation(s.ctx, op))
		s.clk.Advance(time.Second)
	}

	sched.runRetention(s.ctx)

	assert.Equal(s.T(), 1, s.st.operationCount(KindDestroy))
}

func (s *SchedulerSuite) TestNextRetention_TopOfHour() {
	s.clk.Advance(14 * time.Minute)
	next := s.sched.NextRetention()
	assert.Equal(s.T(), time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC), next)
}

// ---------------------------------------------------------------------------
// Start / Stop
// ---------------------------------------------------------------------------

func (s *SchedulerSuite) TestStartStop_RunsImmediateTickAndStops() {
	s.scheduleCreate("room-1", s.clk.Now())

	s.sched.Start(context.Background())
	require.Eventually(s.T(), func() bool {
		return s.exec.executedCount() == 1
	}, 2*time.Second, 10*time.Millisecond)
	s.sched.Stop()
}

func timePtr(t time.Time) *time.Time {
	return &t
}
