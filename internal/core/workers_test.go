package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPool_DefaultSize(t *testing.T) {
	p := NewPool(0, testLogger(), nil)
	assert.Equal(t, DefaultPoolSize, p.size)
}

func TestPool_RunsSubmittedJobs(t *testing.T) {
	p := NewPool(2, testLogger(), nil)
	p.Start(context.Background())

	var mu sync.Mutex
	ran := 0
	for i := 0; i < 5; i++ {
		err := p.Submit(func(ctx context.Context) {
			mu.Lock()
			ran++
			mu.Unlock()
		})
		require.NoError(t, err)
	}

	require.NoError(t, p.Shutdown(2*time.Second))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 5, ran)
}

func TestPool_BoundsConcurrency(t *testing.T) {
	p := NewPool(2, testLogger(), nil)
	p.Start(context.Background())

	var mu sync.Mutex
	cur, peak, total := 0, 0, 0
	for i := 0; i < 6; i++ {
		err := p.Submit(func(ctx context.Context) {
			mu.Lock()
			cur++
			if cur > peak {
				peak = cur
			}
			mu.Unlock()
			time.Sleep(30 * time.Millisecond)
			mu.Lock()
			cur--
			total++
			mu.Unlock()
		})
		require.NoError(t, err)
	}

	require.NoError(t, p.Shutdown(5*time.Second))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 6, total)
	assert.LessOrEqual(t, peak, 2)
}

func TestPool_SubmitRejectedWhenNotRunning(t *testing.T) {
	p := NewPool(1, testLogger(), nil)
	assert.ErrorIs(t, p.Submit(func(ctx context.Context) {}), ErrPoolClosed)

	p.Start(context.Background())
	require.NoError(t, p.Shutdown(time.Second))
	assert.ErrorIs(t, p.Submit(func(ctx context.Context) {}), ErrPoolClosed)
}

func TestPool_RecoversPanickingJob(t *testing.T) {
	p := NewPool(1, testLogger(), nil)
	p.Start(context.Background())

	require.NoError(t, p.Submit(func(ctx context.Context) { panic("job exploded") }))

	var mu sync.Mutex
	ran := false
	require.NoError(t, p.Submit(func(ctx context.Context) {
		mu.Lock()
		ran = true
		mu.Unlock()
	}))

	require.NoError(t, p.Shutdown(2*time.Second))
	mu.Lock()
	defer mu.Unlock()
	assert.True(t, ran)
}

func TestPool_CancelsAbandonedJobsOnShutdown(t *testing.T) {
	p := NewPool(1, testLogger(), nil)
	p.Start(context.Background())

	started := make(chan struct{})
	released := make(chan struct{})
	require.NoError(t, p.Submit(func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		close(released)
	}))
	<-started

	// Drain times out, the pool cancels the job context and still stops.
	require.NoError(t, p.Shutdown(50*time.Millisecond))
	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("job context was never cancelled")
	}
}

// ---------------------------------------------------------------------------
// Dispatcher
// ---------------------------------------------------------------------------

// blockingExecutor holds every execution until release is closed.
type blockingExecutor struct {
	mu      sync.Mutex
	started chan string
	release chan struct{}
	calls   int
}

func (e *blockingExecutor) Execute(ctx context.Context, op *Operation) error {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	e.started <- op.ID
	<-e.release
	return nil
}

func (e *blockingExecutor) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func TestDispatcher_DropsDuplicateInFlight(t *testing.T) {
	p := NewPool(2, testLogger(), nil)
	p.Start(context.Background())

	exec := &blockingExecutor{started: make(chan string, 4), release: make(chan struct{})}
	d := NewDispatcher(p, exec, testLogger())
	op := &Operation{ID: "op-1", Kind: KindCreate, RoomID: "room-1"}

	require.NoError(t, d.Execute(context.Background(), op))
	select {
	case <-exec.started:
	case <-time.After(time.Second):
		t.Fatal("first execution never started")
	}

	// Same operation while the first run is still in flight: dropped.
	require.NoError(t, d.Execute(context.Background(), op))
	assert.Equal(t, 1, exec.callCount())

	close(exec.release)
	require.Eventually(t, func() bool {
		_, loaded := d.inFlight.Load(op.ID)
		return !loaded
	}, 2*time.Second, 5*time.Millisecond)

	// The guard clears once the run finishes, so a resubmission goes through.
	require.NoError(t, d.Execute(context.Background(), op))
	select {
	case <-exec.started:
	case <-time.After(time.Second):
		t.Fatal("resubmitted execution never started")
	}
	assert.Equal(t, 2, exec.callCount())

	require.NoError(t, p.Shutdown(2*time.Second))
}

func TestDispatcher_SurfacesSubmitFailure(t *testing.T) {
	p := NewPool(1, testLogger(), nil)
	p.Start(context.Background())
	require.NoError(t, p.Shutdown(time.Second))

	exec := &blockingExecutor{started: make(chan string, 1), release: make(chan struct{})}
	d := NewDispatcher(p, exec, testLogger())
	op := &Operation{ID: "op-1", Kind: KindCreate}

	assert.ErrorIs(t, d.Execute(context.Background(), op), ErrPoolClosed)
	// The in-flight guard is released on failure, so the error repeats
	// instead of turning into a silent drop.
	assert.ErrorIs(t, d.Execute(context.Background(), op), ErrPoolClosed)
}
