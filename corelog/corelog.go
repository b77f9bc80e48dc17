// Package corelog is corio's structured logging seam: a thin wrapper
// around github.com/joeycumines/logiface with a stumpy (JSON) backend by
// default, in the teacher's own global-swap style (logging.go's
// SetStructuredLogger).
package corelog

import (
	"sync/atomic"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Logger is the concrete logger type every corio subsystem logs through.
type Logger = logiface.Logger[*stumpy.Event]

var current atomic.Pointer[Logger]

func init() {
	SetLogger(newDefault())
}

func newDefault() *Logger {
	return stumpy.L.New(
		stumpy.L.WithStumpy(),
		stumpy.L.WithLevel(logiface.LevelInformational),
	)
}

// Get returns the process-wide logger. Safe for concurrent use.
func Get() *Logger {
	return current.Load()
}

// SetLogger replaces the process-wide logger, mirroring the teacher's
// SetStructuredLogger swap-the-global pattern. Intended to be called once
// during application startup (tests use it to redirect output to an
// in-memory buffer).
func SetLogger(l *Logger) {
	if l == nil {
		l = newDefault()
	}
	current.Store(l)
}

// Panic logs a fiber's captured panic value at Error level. Installed into
// fiber.SetPanicLogger from corio's root package doc/init wiring so the
// fiber package itself stays free of a logging dependency.
func Panic(fiberID uint64, panicVal any) {
	Get().Err().
		Uint64(`fiber_id`, fiberID).
		Any(`panic`, panicVal).
		Log(`fiber entry closure panicked`)
}

// EpollCtlFailure logs a resource-exhaustion-class failure from the
// reactor's epoll_ctl calls (spec §7: "Resource exhaustion... logged; the
// calling operation returns failure").
func EpollCtlFailure(op string, fd int, err error) {
	Get().Err().
		Str(`op`, op).
		Int(`fd`, fd).
		Err(err).
		Log(`epoll_ctl failed`)
}

// ClockRollback logs a detected wall-clock rollback in the timer heap.
func ClockRollback(deltaMs int64) {
	Get().Warning().
		Int64(`delta_ms`, deltaMs).
		Log(`timer manager observed a wall-clock rollback, flushing heap`)
}

// HookTimeout logs a hook-layer operation that failed with ETIMEDOUT.
func HookTimeout(op string, fd int) {
	Get().Notice().
		Str(`op`, op).
		Int(`fd`, fd).
		Log(`hooked call timed out`)
}

// HookBadFd logs a hook-layer operation rejected with EBADF.
func HookBadFd(op string, fd int) {
	Get().Notice().
		Str(`op`, op).
		Int(`fd`, fd).
		Log(`hooked call against a closed fd`)
}
