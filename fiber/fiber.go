// Package fiber implements the stackful-coroutine primitive the rest of
// corio is built on: independent "stacks" (borrowed from the goroutines that
// back them) and explicit, symmetric context switching between exactly two
// parties at a time — whoever is resuming, and the fiber being resumed.
//
// Go gives us no ucontext/assembly swap to reach for, so the switch is built
// from a pair of unbuffered channels per fiber. Sends and receives on an
// unbuffered channel only ever unblock one side, which is exactly the
// at-most-one-EXEC invariant the spec needs — we get it from the channel,
// not from a lock.
package fiber

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// State is a fiber's position in its lifecycle.
type State int32

const (
	// Init is the state of a freshly created or freshly reset fiber: it has
	// never run, or its entry closure has been replaced.
	Init State = iota
	// Ready means the fiber yielded with intent to be resumed as soon as
	// possible — it is not waiting on anything external.
	Ready
	// Exec means some goroutine is presently running the fiber's entry.
	Exec
	// Hold means the fiber yielded and is waiting on an external wakeup
	// (I/O readiness, a timer, an explicit resume from another party).
	Hold
	// Term means the entry closure returned normally.
	Term
	// Except means the entry closure panicked; the panic value is retained
	// on the Fiber and has been passed to the panic logger by the trampoline.
	Except
)

func (s State) String() string {
	switch s {
	case Init:
		return "INIT"
	case Ready:
		return "READY"
	case Exec:
		return "EXEC"
	case Hold:
		return "HOLD"
	case Term:
		return "TERM"
	case Except:
		return "EXCEPT"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// IsTerminal reports whether the fiber's entry closure has stopped running,
// whether cleanly (Term) or via panic (Except). Reset is legal from either.
func (s State) IsTerminal() bool {
	return s == Term || s == Except
}

var (
	liveCount atomic.Int64
	idCounter atomic.Uint64
)

// Live returns the number of Fiber values created by New and not yet
// released via Close. The scheduler does not Close the callback and idle
// fibers it creates, so those stay counted after the scheduler stops.
func Live() int64 { return liveCount.Load() }

type ctxKey struct{}

// Entry is the function a Fiber runs. It receives a context carrying the
// Fiber itself (recoverable via Current) plus whatever the caller attached
// (in practice, the owning scheduler — see sched.CurrentScheduler).
type Entry func(ctx context.Context)

// Fiber is a single coroutine: an entry closure running on its own goroutine,
// synchronized with its resumer via a pair of unbuffered channels.
type Fiber struct {
	id    uint64
	state atomic.Int32

	baseCtx context.Context
	entry   Entry

	resumeCh chan struct{}
	yieldCh  chan struct{}

	panicVal any

	mu      sync.Mutex // guards entry/started/stackSize across Reset/start
	started bool

	stackSize uint64
}

// New creates a Fiber in state Init. parent is the context the entry closure
// will observe (with the Fiber itself attached); stackSize is retained as
// metadata only — Go goroutine stacks grow on demand, but callers configure
// it the way they would a native stack size, and it is surfaced via
// StackSize for parity with the spec's per-coroutine stack accounting.
func New(parent context.Context, entry Entry, stackSize uint64) *Fiber {
	if parent == nil {
		parent = context.Background()
	}
	f := &Fiber{
		id:        idCounter.Add(1),
		entry:     entry,
		stackSize: stackSize,
		resumeCh:  make(chan struct{}),
		yieldCh:   make(chan struct{}),
	}
	f.baseCtx = context.WithValue(parent, ctxKey{}, f)
	f.state.Store(int32(Init))
	liveCount.Add(1)
	return f
}

// ID returns the fiber's monotonically increasing identity.
func (f *Fiber) ID() uint64 { return f.id }

// StackSize returns the configured stack size in bytes.
func (f *Fiber) StackSize() uint64 { return f.stackSize }

// State returns the fiber's current state.
func (f *Fiber) State() State { return State(f.state.Load()) }

// Panic returns the value recovered from the entry closure's panic, if the
// fiber is in state Except. It is nil otherwise.
func (f *Fiber) Panic() any { return f.panicVal }

// Context returns the context the entry closure runs (and will run) under.
func (f *Fiber) Context() context.Context { return f.baseCtx }

// Current recovers the Fiber running the goroutine that owns ctx, or nil if
// ctx is not running inside a Fiber's entry closure (e.g. an application
// goroutine that never called fiber.New/Resume).
func Current(ctx context.Context) *Fiber {
	f, _ := ctx.Value(ctxKey{}).(*Fiber)
	return f
}

// CurrentID is a convenience wrapper around Current for logging/metrics call
// sites that only need the identity, not the handle.
func CurrentID(ctx context.Context) uint64 {
	if f := Current(ctx); f != nil {
		return f.ID()
	}
	return 0
}

// ErrAlreadyExec is returned by Resume when the fiber is already EXEC on
// some other party — a contract violation (spec §3: "at most one thread
// references a coroutine in EXEC at a time").
var ErrAlreadyExec = fmt.Errorf("fiber: resume of a fiber already in EXEC")

// Resume transfers control to the fiber, blocking the caller until the fiber
// yields (Ready/Hold) or terminates (Term/Except). It lazily starts the
// fiber's backing goroutine on first call.
//
// Resume must never be called concurrently for the same Fiber; that is
// exactly the violation ErrAlreadyExec guards against.
func (f *Fiber) Resume() error {
	if State(f.state.Load()) == Exec {
		return ErrAlreadyExec
	}

	f.mu.Lock()
	if !f.started {
		f.started = true
		go f.loop()
	}
	f.mu.Unlock()

	f.state.Store(int32(Exec))
	f.resumeCh <- struct{}{}
	<-f.yieldCh
	return nil
}

// loop is the trampoline: it runs on the fiber's dedicated goroutine for the
// fiber's entire lifetime (across Reset calls), alternating between waiting
// to be resumed and running the current entry closure to completion.
func (f *Fiber) loop() {
	for range f.resumeCh {
		f.runOnce()
		f.yieldCh <- struct{}{}
	}
}

func (f *Fiber) runOnce() {
	defer func() {
		if r := recover(); r != nil {
			f.panicVal = r
			f.state.Store(int32(Except))
			logPanic(f, r)
			return
		}
	}()
	f.entry(f.baseCtx)
	// The entry returned normally. If it yielded Hold/Ready and then simply
	// fell off the end without a final explicit state change, EXEC->TERM is
	// still correct: returning is termination regardless of the last yield.
	f.state.Store(int32(Term))
}

// logPanic is overridable by the corelog package via SetPanicLogger so the
// fiber package itself has no dependency on the logging stack.
var logPanic = func(f *Fiber, r any) {}

// SetPanicLogger installs the callback invoked when an entry closure panics,
// after the fiber has already been moved to Except. Intended to be called
// once; the root corio package's init installs corelog.Panic here.
func SetPanicLogger(fn func(id uint64, panicVal any)) {
	if fn == nil {
		logPanic = func(f *Fiber, r any) {}
		return
	}
	logPanic = func(f *Fiber, r any) { fn(f.ID(), r) }
}

// Yield suspends the calling fiber (recovered from ctx), setting its state
// to the requested post-yield state (Ready or Hold) before blocking. It
// returns once some other party calls Resume again. Panics if ctx is not
// running inside a fiber — yielding from an application goroutine makes no
// sense and is a programmer error, not a runtime condition to recover from.
func Yield(ctx context.Context, state State) {
	f := Current(ctx)
	if f == nil {
		panic("fiber: Yield called outside of a fiber's entry closure")
	}
	f.yield(state)
}

// YieldReady is shorthand for Yield(ctx, Ready): "run me again as soon as
// possible, I am not waiting on anything external."
func YieldReady(ctx context.Context) { Yield(ctx, Ready) }

// YieldHold is shorthand for Yield(ctx, Hold): "I am waiting on an external
// event (I/O readiness, a timer); do not reschedule me until triggered."
func YieldHold(ctx context.Context) { Yield(ctx, Hold) }

func (f *Fiber) yield(state State) {
	f.state.Store(int32(state))
	f.yieldCh <- struct{}{}
	<-f.resumeCh
	f.state.Store(int32(Exec))
}

// ErrResetNotTerminal is returned by Reset when the fiber is not in a state
// that permits reuse (spec §3: reset only from TERM/INIT/EXCEPT).
var ErrResetNotTerminal = fmt.Errorf("fiber: reset only legal from INIT, TERM or EXCEPT")

// Reset rebinds the fiber to a new entry closure and returns it to state
// Init, reusing the same backing goroutine (and so the same "stack") rather
// than allocating a new one. Legal only from Init, Term or Except.
func (f *Fiber) Reset(entry Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch State(f.state.Load()) {
	case Init, Term, Except:
	default:
		return ErrResetNotTerminal
	}

	f.entry = entry
	f.panicVal = nil
	f.state.Store(int32(Init))
	return nil
}

// Close releases the Fiber's accounting. It does not and cannot kill the
// backing goroutine if the fiber was never resumed to a terminal state —
// callers are expected to drive the fiber to Term/Except before dropping the
// last reference, matching spec §3's "deallocation asserts the coroutine is
// not EXEC".
func (f *Fiber) Close() error {
	if State(f.state.Load()) == Exec {
		return fmt.Errorf("fiber: cannot close a fiber in EXEC")
	}
	liveCount.Add(-1)
	return nil
}
