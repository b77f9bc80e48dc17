// Package sched implements a work-stealing-free, FIFO cooperative scheduler
// that multiplexes fiber.Fiber coroutines (or bare callbacks) onto a pool of
// OS threads.
//
// Each worker is a goroutine locked to its own OS thread (so that, from the
// fiber's point of view, "which OS thread am I running on" is a stable
// notion worth talking about, matching the spec's thread-affinity model even
// though the Go runtime would happily multiplex goroutines across threads on
// its own). Workers share one FIFO ready queue guarded by a single mutex.
package sched

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/corio/fiber"
)

// Callback is a zero-argument unit of work the scheduler wraps in an
// ephemeral (per-worker, reused) fiber when it has no coroutine of its own.
type Callback func(ctx context.Context)

// AnyThread is the target-thread sentinel meaning "any worker may run this".
const AnyThread = -1

// Task is either a coroutine handle or a bare callback, with an optional
// thread affinity. Exactly one of Fiber or Callback must be set.
type Task struct {
	Fiber    *fiber.Fiber
	Callback Callback
	Thread   int
}

func (t Task) valid() bool {
	return (t.Fiber != nil) != (t.Callback != nil)
}

var (
	// ErrInvalidTask is returned by Schedule when a Task carries neither or
	// both of Fiber/Callback.
	ErrInvalidTask = errors.New("sched: task must carry exactly one of Fiber or Callback")
	// ErrAlreadyStopping is returned by Start if the scheduler has already
	// been asked to stop.
	ErrAlreadyStopping = errors.New("sched: scheduler is stopping or stopped")
)

type schedCtxKey struct{}

// CurrentScheduler recovers the Scheduler the running fiber belongs to, or
// nil if ctx was not derived from one (e.g. an application goroutine).
func CurrentScheduler(ctx context.Context) *Scheduler {
	s, _ := ctx.Value(schedCtxKey{}).(*Scheduler)
	return s
}

// worker is per-OS-thread state: its id, a reusable slot for bare-callback
// tasks (spec §4.2: "reuse a single callback coroutine slot"), and the lazily
// constructed idle fiber that runs whenever the ready queue has nothing this
// worker may take.
type worker struct {
	id       int
	cbFiber  *fiber.Fiber
	idle     *fiber.Fiber
	active   bool
	tickleMe bool
}

// Scheduler is the FIFO cooperative scheduler. The zero value is not usable;
// construct with New.
type Scheduler struct {
	name      string
	stackSize uint64
	useCaller bool

	baseCtx context.Context

	queueMu sync.Mutex
	queue   list.List // of Task

	activeThreads atomic.Int32
	stopping      atomic.Bool
	stopOnce      sync.Once
	wg            sync.WaitGroup

	workersMu sync.Mutex
	workers   []*worker

	// IdleStep, when set, is invoked once per idle-fiber iteration instead of
	// the base behaviour (just yield Hold). IOManager installs its reactor
	// poll here; it must not block indefinitely without honouring Stopping.
	IdleStep func(ctx context.Context)

	// Tickle, when set, is invoked after Schedule enqueues into a
	// previously-empty queue, on Stop, or when a worker skips a task pinned
	// to another worker, to wake at least one idle worker. When nil, tickle
	// is a no-op: base-Scheduler workers never block in their idle fiber,
	// they resume it and re-check the queue and Stopping() on every pass of
	// the runWorker loop, so no wakeup is needed.
	Tickle func()

	// StoppingExtra lets IOManager AND in extra preconditions (no pending
	// events, no pending timers) on top of the base "queue empty, no active
	// worker" condition.
	StoppingExtra func() bool
}

// New constructs a Scheduler with the given worker count. If useCaller is
// true, the goroutine that calls Run donates itself as worker 0 instead of a
// new goroutine being spawned for it (spec §4.2 construction parameters).
func New(threadCount int, useCaller bool, name string, stackSize uint64) *Scheduler {
	if threadCount < 1 {
		threadCount = 1
	}
	s := &Scheduler{
		name:      name,
		stackSize: stackSize,
		useCaller: useCaller,
	}
	s.baseCtx = context.WithValue(context.Background(), schedCtxKey{}, s)
	s.workers = make([]*worker, threadCount)
	for i := range s.workers {
		s.workers[i] = &worker{id: i}
	}
	return s
}

// BaseContext is the context every scheduler-owned fiber derives from; it
// carries the Scheduler itself, recoverable via CurrentScheduler.
func (s *Scheduler) BaseContext() context.Context { return s.baseCtx }

// WrapContext replaces the scheduler's base context with fn(current base
// context), letting an embedder (iomgr.IOManager) attach its own context
// value before any worker starts. Only safe to call before Start/Run.
func (s *Scheduler) WrapContext(fn func(context.Context) context.Context) {
	s.baseCtx = fn(s.baseCtx)
}

// Name returns the scheduler's configured name, used only for logging.
func (s *Scheduler) Name() string { return s.name }

// ThreadCount returns the configured worker count.
func (s *Scheduler) ThreadCount() int { return len(s.workers) }

// Start spawns (threadCount - 1 if useCaller) OS-thread-locked worker
// goroutines. If useCaller is set, call Run from the same goroutine
// afterwards to donate it as the remaining worker.
func (s *Scheduler) Start() error {
	if s.stopping.Load() {
		return ErrAlreadyStopping
	}
	first := 0
	if s.useCaller {
		first = 1
	}
	for i := first; i < len(s.workers); i++ {
		i := i
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runWorker(s.workers[i])
		}()
	}
	return nil
}

// Run donates the calling goroutine as worker 0's thread. Only valid (and
// only necessary) when the Scheduler was constructed with useCaller=true; it
// blocks until the scheduler stops.
func (s *Scheduler) Run() {
	if !s.useCaller {
		return
	}
	s.runWorker(s.workers[0])
}

// tickle invokes the configured wakeup hook, defaulting to a no-op.
func (s *Scheduler) tickle() {
	if s.Tickle != nil {
		s.Tickle()
	}
}

// Schedule enqueues task under the ready-queue lock and returns whether the
// queue was empty beforehand — callers (and Schedule itself) use this hint
// to avoid calling tickle() when it would be wasted work.
func (s *Scheduler) Schedule(task Task) (wasEmpty bool, err error) {
	if !task.valid() {
		return false, ErrInvalidTask
	}

	s.queueMu.Lock()
	wasEmpty = s.queue.Len() == 0
	s.queue.PushBack(task)
	s.queueMu.Unlock()

	if wasEmpty {
		s.tickle()
	}
	return wasEmpty, nil
}

// ScheduleCallback is shorthand for Schedule(Task{Callback: cb, Thread: thread}).
func (s *Scheduler) ScheduleCallback(cb Callback, thread int) error {
	_, err := s.Schedule(Task{Callback: cb, Thread: thread})
	return err
}

// ScheduleFiber is shorthand for Schedule(Task{Fiber: f, Thread: thread}).
func (s *Scheduler) ScheduleFiber(f *fiber.Fiber, thread int) error {
	_, err := s.Schedule(Task{Fiber: f, Thread: thread})
	return err
}

// popTask implements §4.2 step 1: scan the FIFO for the first
// task this worker may take (unpinned, or pinned to this worker, and whose
// fiber — if any — is not already EXEC elsewhere). Tasks skipped because
// they're pinned elsewhere set tickleMe so some other worker gets woken.
func (s *Scheduler) popTask(workerID int) (Task, bool, bool) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()

	tickleMe := false
	for e := s.queue.Front(); e != nil; e = e.Next() {
		t := e.Value.(Task)
		if t.Thread != AnyThread && t.Thread != workerID {
			tickleMe = true
			continue
		}
		if t.Fiber != nil && t.Fiber.State() == fiber.Exec {
			continue
		}
		s.queue.Remove(e)
		return t, true, tickleMe
	}
	return Task{}, false, tickleMe
}

func (s *Scheduler) queueLen() int {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	return s.queue.Len()
}

// Stopping reports whether the scheduler has drained: Stop was called, the
// ready queue is empty, no worker is presently executing a task, and any
// subclass-specific condition (StoppingExtra) also holds.
func (s *Scheduler) Stopping() bool {
	if !s.stopping.Load() {
		return false
	}
	if s.queueLen() != 0 {
		return false
	}
	if s.activeThreads.Load() != 0 {
		return false
	}
	if s.StoppingExtra != nil && !s.StoppingExtra() {
		return false
	}
	return true
}

// Stop requests shutdown and blocks until every worker goroutine has
// exited. Idempotent: calling it more than once is equivalent to calling it
// once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.stopping.Store(true)
		s.tickle()
	})
	s.wg.Wait()
}

// runWorker is the scheduler loop body for one worker (spec §4.2 "run").
func (s *Scheduler) runWorker(w *worker) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for {
		task, ok, tickleMe := s.popTask(w.id)
		if tickleMe {
			s.tickle()
		}

		if ok {
			s.activeThreads.Add(1)
			post, fatal := s.runTask(w, task)
			s.activeThreads.Add(-1)

			if task.Fiber == nil && !post.IsTerminal() {
				// A callback that yielded instead of returning: its
				// continuation lives in the worker's callback fiber, so that
				// fiber leaves the slot and becomes the task from here on.
				task = Task{Fiber: w.cbFiber, Thread: task.Thread}
				w.cbFiber = nil
			}

			switch post {
			case fiber.Ready:
				// Re-enqueue preserving the original affinity.
				_, _ = s.Schedule(task)
			case fiber.Hold:
				// Waiting on an external event; whoever arms that event is
				// responsible for rescheduling it.
			case fiber.Term, fiber.Except:
				if fatal {
					// The panic was logged by the fiber's trampoline;
					// scheduling-wise TERM and EXCEPT are equivalent: nothing
					// more to do here.
				}
			}
			continue
		}

		if s.Stopping() {
			return
		}

		s.runIdle(w)
		if s.Stopping() {
			return
		}
	}
}

// runTask resumes the task (starting or resetting the per-worker callback
// fiber as needed) and returns its post-resume state.
func (s *Scheduler) runTask(w *worker, t Task) (post fiber.State, panicked bool) {
	f := t.Fiber
	if f == nil {
		switch {
		case w.cbFiber == nil:
			entry := func(ctx context.Context) { t.Callback(ctx) }
			w.cbFiber = fiber.New(s.baseCtx, entry, s.stackSize)
		case w.cbFiber.State().IsTerminal():
			// Reset is only legal from a terminal state, which is exactly
			// the state the slot is left in after a callback that ran to
			// completion.
			entry := func(ctx context.Context) { t.Callback(ctx) }
			if err := w.cbFiber.Reset(entry); err != nil {
				// Contract violation: shouldn't happen since we only reset
				// the slot after it reported Term/Except.
				panic(fmt.Sprintf("sched: callback slot reset failed: %v", err))
			}
		default:
			// Not reached: runWorker empties the slot whenever a callback
			// yields instead of returning, so the slot is nil or terminal.
		}
		f = w.cbFiber
	}

	if err := f.Resume(); err != nil {
		// ErrAlreadyExec here is a scheduler-internal contract violation:
		// we should never have picked a task whose fiber is already EXEC.
		panic(fmt.Sprintf("sched: %v", err))
	}

	st := f.State()
	return st, st == fiber.Except
}

// runIdle resumes this worker's idle fiber once. The idle fiber's entry
// loops internally (IdleStep, then yield Hold) until Stopping() is true, at
// which point it returns (Term) and this worker goes back around the outer
// loop to re-check Stopping().
func (s *Scheduler) runIdle(w *worker) {
	if w.idle == nil {
		w.idle = fiber.New(s.baseCtx, s.idleEntry, s.stackSize)
	} else if w.idle.State().IsTerminal() {
		_ = w.idle.Reset(s.idleEntry)
	}
	if err := w.idle.Resume(); err != nil {
		panic(fmt.Sprintf("sched: idle fiber: %v", err))
	}
}

func (s *Scheduler) idleEntry(ctx context.Context) {
	for !s.Stopping() {
		if s.IdleStep != nil {
			s.IdleStep(ctx)
		}
		fiber.YieldHold(ctx)
	}
}
