package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/greenroomhq/greenroom/internal/metrics"
)

// Executor starts execution of an operation that is due. Implementations may
// run the work synchronously or hand it to a background pool.
type Executor interface {
	Execute(ctx context.Context, op *Operation) error
}

// Scheduler defaults.
const (
	DefaultTickInterval      = 30 * time.Second
	DefaultLeadWindow        = 5 * time.Minute
	DefaultRetentionSchedule = "0 * * * *"
)

// SchedulerConfig tunes the periodic loop.
type SchedulerConfig struct {
	// TickInterval is how often scheduled operations and expired rooms are
	// checked.
	TickInterval time.Duration
	// LeadWindow is how far before its scheduled time an operation is
	// promoted, so the room is ready when the interview starts.
	LeadWindow time.Duration
	// RetentionSchedule is a cron expression for the history eviction job.
	RetentionSchedule string
}

func (c SchedulerConfig) withDefaults() SchedulerConfig {
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.LeadWindow <= 0 {
		c.LeadWindow = DefaultLeadWindow
	}
	if c.RetentionSchedule == "" {
		c.RetentionSchedule = DefaultRetentionSchedule
	}
	return c
}

// Scheduler drives time-based work: promoting scheduled operations once
// their lead window opens, destroying rooms that passed their expiry, and
// periodically evicting old operation history. Exactly one scheduler runs
// per process.
type Scheduler struct {
	manager  *Manager
	store    Store
	executor Executor
	clock    Clock
	logger   *slog.Logger
	metrics  *metrics.Metrics
	cfg      SchedulerConfig

	cron      *cron.Cron
	retention cron.Schedule

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler constructs a scheduler with the given dependencies. Zero
// config fields fall back to defaults.
func NewScheduler(manager *Manager, store Store, executor Executor, clock Clock, logger *slog.Logger, m *metrics.Metrics, cfg SchedulerConfig) (*Scheduler, error) {
	if clock == nil {
		clock = SystemClock()
	}
	cfg = cfg.withDefaults()
	retention, err := ParseSchedule(cfg.RetentionSchedule)
	if err != nil {
		return nil, fmt.Errorf("retention schedule: %w", err)
	}
	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithLocation(time.UTC),
	)
	return &Scheduler{
		manager:   manager,
		store:     store,
		executor:  executor,
		clock:     clock,
		logger:    logger,
		metrics:   m,
		cfg:       cfg,
		cron:      c,
		retention: retention,
	}, nil
}

// Start resumes operations a previous process left behind, runs one
// immediate tick, then begins the periodic loop. ctx bounds all background
// work until Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.resumeLeftovers(s.ctx)

	s.cron.Schedule(s.retention, cron.FuncJob(func() {
		s.runRetention(s.ctxOrBackground())
	}))
	s.cron.Start()

	s.wg.Add(1)
	go s.loop(s.ctx)
}

// Stop halts the loop and the retention job and waits for both to wind down.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.cron.Stop().Done()
	s.wg.Wait()
}

// NextRetention reports when history eviction will next run.
func (s *Scheduler) NextRetention() time.Time {
	times := NextOccurrences(s.retention, s.clock.Now(), 1)
	if len(times) == 0 {
		return time.Time{}
	}
	return times[0]
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	s.tick(ctx)
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if s.metrics != nil {
		s.metrics.SchedulerTicks.Inc()
	}
	s.promoteScheduled(ctx)
	s.sweepExpired(ctx)
}

// promoteScheduled moves scheduled operations whose lead window has opened
// into pending and hands them to the executor.
func (s *Scheduler) promoteScheduled(ctx context.Context) {
	status := StatusScheduled
	ops, err := s.manager.List(ctx, OperationFilter{Status: &status})
	if err != nil {
		s.sweepError("promote", err, "list scheduled operations")
		return
	}
	now := s.clock.Now()
	for _, op := range ops {
		if op.ScheduledAt == nil {
			s.logger.Warn("scheduled operation has no scheduled time", "operation_id", op.ID)
			continue
		}
		if now.Before(op.ScheduledAt.Add(-s.cfg.LeadWindow)) {
			continue
		}
		s.promote(ctx, op)
	}
}

func (s *Scheduler) promote(ctx context.Context, op *Operation) {
	promoted, err := s.manager.Transition(ctx, op.ID, StatusPending)
	if err != nil {
		// Lost the race against a cancel; nothing to run.
		s.logger.Info("skipping promotion", "operation_id", op.ID, "err", err)
		return
	}
	s.appendLog(ctx, op.ID, "schedule reached, starting execution")
	if err := s.executor.Execute(ctx, promoted); err != nil {
		s.logger.Error("hand off promoted operation", "operation_id", op.ID, "err", err)
		s.appendLog(ctx, op.ID, fmt.Sprintf("execution hand-off failed: %v", err))
		result := Result{Error: fmt.Sprintf("execution hand-off failed: %v", err)}
		if _, rerr := s.manager.RecordResult(ctx, op.ID, result); rerr != nil {
			s.logger.Error("record hand-off failure", "operation_id", op.ID, "err", rerr)
		}
	}
}

// sweepExpired finds rooms past their expiry and starts destroy operations
// for them. Expiry is read from two places that can disagree after partial
// failures: completed create operations carrying an auto-expire time, and
// the room records themselves. A room reached through both in one sweep is
// destroyed once.
func (s *Scheduler) sweepExpired(ctx context.Context) {
	now := s.clock.Now()
	seen := make(map[string]struct{})

	ops, err := s.store.ListExpiredCreateOperations(ctx, now)
	if err != nil {
		s.sweepError("expired_operations", err, "list expired create operations")
	} else {
		for _, op := range ops {
			if _, dup := seen[op.RoomID]; dup {
				continue
			}
			seen[op.RoomID] = struct{}{}
			s.expireRoom(ctx, expiry{
				RoomID:        op.RoomID,
				RoomName:      op.RoomName,
				WorkloadKind:  op.WorkloadKind,
				SaveArtifacts: op.SaveArtifacts,
				Reason:        fmt.Sprintf("create operation %s expired", op.ID),
			})
		}
	}

	rooms, err := s.store.ListExpiredActiveRooms(ctx, now)
	if err != nil {
		s.sweepError("expired_rooms", err, "list expired rooms")
		return
	}
	for _, room := range rooms {
		if _, dup := seen[room.ID]; dup {
			continue
		}
		seen[room.ID] = struct{}{}
		s.expireRoom(ctx, expiry{
			RoomID:        room.ID,
			RoomName:      room.CandidateName,
			WorkloadKind:  room.WorkloadKind,
			SaveArtifacts: room.SaveArtifacts,
			Reason:        "room expired",
		})
	}
}

type expiry struct {
	RoomID        string
	RoomName      string
	WorkloadKind  string
	SaveArtifacts bool
	Reason        string
}

// expireRoom creates and launches a destroy operation for one expired room.
// It is skipped when a destroy is already underway or already succeeded, so
// repeated sweeps never tear the same room down twice.
func (s *Scheduler) expireRoom(ctx context.Context, e expiry) {
	live, err := s.store.HasLiveDestroyForRoom(ctx, e.RoomID)
	if err != nil {
		s.sweepError("expire", err, "check live destroy", "room_id", e.RoomID)
		return
	}
	if live {
		return
	}
	if room, err := s.store.GetRoom(ctx, e.RoomID); err == nil && room.Status == RoomDestroyed {
		return
	}

	op, err := s.manager.CreateOperation(ctx, CreateOperationParams{
		Kind:          KindDestroy,
		RoomID:        e.RoomID,
		RoomName:      e.RoomName,
		WorkloadKind:  e.WorkloadKind,
		SaveArtifacts: e.SaveArtifacts,
	})
	if err != nil {
		s.sweepError("expire", err, "create destroy operation", "room_id", e.RoomID)
		return
	}
	s.appendLog(ctx, op.ID, "auto-destroy: "+e.Reason)
	s.logger.Info("expiring room", "room_id", e.RoomID, "operation_id", op.ID, "reason", e.Reason)
	if err := s.executor.Execute(ctx, op); err != nil {
		s.sweepError("expire", err, "launch destroy operation", "operation_id", op.ID)
	}
}

// resumeLeftovers re-launches operations that were pending or running when a
// previous process stopped. Execution re-enters running, so a half-finished
// provision is retried rather than stranded.
func (s *Scheduler) resumeLeftovers(ctx context.Context) {
	for _, status := range []OperationStatus{StatusPending, StatusRunning} {
		st := status
		ops, err := s.manager.List(ctx, OperationFilter{Status: &st})
		if err != nil {
			s.logger.Error("list leftover operations", "status", st, "err", err)
			continue
		}
		for _, op := range ops {
			s.logger.Info("resuming operation left behind by previous process",
				"operation_id", op.ID, "kind", op.Kind, "status", st)
			s.appendLog(ctx, op.ID, "resuming after restart")
			if err := s.executor.Execute(ctx, op); err != nil {
				s.logger.Error("resume operation", "operation_id", op.ID, "err", err)
			}
		}
	}
}

func (s *Scheduler) runRetention(ctx context.Context) {
	if _, err := s.manager.EvictOldOperations(ctx); err != nil {
		s.logger.Error("evict old operations", "err", err)
	}
}

func (s *Scheduler) appendLog(ctx context.Context, opID, line string) {
	if err := s.manager.AppendLog(ctx, opID, line); err != nil {
		s.logger.Warn("append operation log", "operation_id", opID, "err", err)
	}
}

func (s *Scheduler) sweepError(stage string, err error, msg string, args ...any) {
	if s.metrics != nil {
		s.metrics.SweepErrors.WithLabelValues(stage).Inc()
	}
	s.logger.Error(msg, append(args, "err", err)...)
}

func (s *Scheduler) ctxOrBackground() context.Context {
	if s.ctx != nil {
		return s.ctx
	}
	return context.Background()
}
