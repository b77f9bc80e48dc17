package sched_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joeycumines/corio/fiber"
	"github.com/joeycumines/corio/sched"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduleCallbackRuns(t *testing.T) {
	s := sched.New(2, false, "test", 4096)
	require.NoError(t, s.Start())

	done := make(chan struct{})
	require.NoError(t, s.ScheduleCallback(func(ctx context.Context) {
		close(done)
	}, sched.AnyThread))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("callback never ran")
	}

	s.Stop()
}

func TestScheduleFiberYieldsAndResumes(t *testing.T) {
	s := sched.New(1, false, "test", 4096)
	require.NoError(t, s.Start())

	var steps []string
	var mu sync.Mutex
	gate := make(chan struct{})

	f := fiber.New(s.BaseContext(), func(ctx context.Context) {
		mu.Lock()
		steps = append(steps, "first")
		mu.Unlock()
		fiber.YieldHold(ctx)
		mu.Lock()
		steps = append(steps, "second")
		mu.Unlock()
		close(gate)
	}, 4096)

	require.NoError(t, s.ScheduleFiber(f, sched.AnyThread))

	// Wait for the fiber to reach its first yield point.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(steps) == 1
	}, 2*time.Second, 5*time.Millisecond)

	// Nothing will resume it again unless we schedule it (Hold means the
	// scheduler itself doesn't re-run it automatically).
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"first"}, steps)
	mu.Unlock()

	require.NoError(t, s.ScheduleFiber(f, sched.AnyThread))
	select {
	case <-gate:
	case <-time.After(2 * time.Second):
		t.Fatal("fiber never resumed to completion")
	}

	mu.Lock()
	assert.Equal(t, []string{"first", "second"}, steps)
	mu.Unlock()

	s.Stop()
}

func TestScheduleReadyFiberReschedulesAutomatically(t *testing.T) {
	s := sched.New(1, false, "test", 4096)
	require.NoError(t, s.Start())

	var count atomic.Int32
	done := make(chan struct{})

	f := fiber.New(s.BaseContext(), func(ctx context.Context) {
		for i := 0; i < 3; i++ {
			count.Add(1)
			fiber.YieldReady(ctx)
		}
		close(done)
	}, 4096)

	require.NoError(t, s.ScheduleFiber(f, sched.AnyThread))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ready fiber never ran to completion")
	}
	assert.Equal(t, int32(3), count.Load())

	s.Stop()
}

func TestStopWaitsForWorkersToDrain(t *testing.T) {
	s := sched.New(3, false, "test", 4096)
	require.NoError(t, s.Start())

	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		require.NoError(t, s.ScheduleCallback(func(ctx context.Context) {
			ran.Add(1)
		}, sched.AnyThread))
	}

	s.Stop()
	assert.Equal(t, int32(10), ran.Load())
	assert.True(t, s.Stopping())
}

func TestCurrentSchedulerRecoverableFromFiberContext(t *testing.T) {
	s := sched.New(1, false, "test", 4096)
	require.NoError(t, s.Start())

	var seen *sched.Scheduler
	done := make(chan struct{})
	require.NoError(t, s.ScheduleCallback(func(ctx context.Context) {
		seen = sched.CurrentScheduler(ctx)
		close(done)
	}, sched.AnyThread))

	<-done
	assert.Same(t, s, seen)

	s.Stop()
}

func TestTasksPinnedToOneWorkerAllRun(t *testing.T) {
	s := sched.New(4, false, "test", 4096)
	require.NoError(t, s.Start())

	results := make(chan int, 20)
	for i := 0; i < 20; i++ {
		require.NoError(t, s.ScheduleCallback(func(ctx context.Context) {
			results <- 2
		}, 2))
	}

	for i := 0; i < 20; i++ {
		select {
		case got := <-results:
			assert.Equal(t, 2, got)
		case <-time.After(2 * time.Second):
			t.Fatal("pinned task never ran")
		}
	}

	s.Stop()
}

func TestInvalidTaskRejected(t *testing.T) {
	s := sched.New(1, false, "test", 4096)
	_, err := s.Schedule(sched.Task{})
	assert.ErrorIs(t, err, sched.ErrInvalidTask)

	f := fiber.New(context.Background(), func(context.Context) {}, 4096)
	_, err = s.Schedule(sched.Task{Fiber: f, Callback: func(context.Context) {}})
	assert.ErrorIs(t, err, sched.ErrInvalidTask)
}
