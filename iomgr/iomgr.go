//go:build linux

// Package iomgr implements the reactor: an epoll-based IOManager that
// extends sched.Scheduler and timer.Manager with fd readiness and
// self-pipe wakeup. Linux-only by spec — there is deliberately no
// degraded non-Linux build of this package; GOOS outside linux gets a
// build-time absence, not a shim.
package iomgr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/joeycumines/corio/corelog"
	"github.com/joeycumines/corio/fiber"
	"github.com/joeycumines/corio/sched"
	"github.com/joeycumines/corio/timer"
)

// Direction is a readiness direction: a fd can have a READ waiter, a WRITE
// waiter, or both armed simultaneously but independently.
type Direction int

const (
	Read Direction = iota
	Write
)

func (d Direction) String() string {
	if d == Read {
		return "READ"
	}
	return "WRITE"
}

func (d Direction) epollBit() uint32 {
	if d == Read {
		return unix.EPOLLIN
	}
	return unix.EPOLLOUT
}

var (
	// ErrAlreadyArmed is returned by AddEvent when the requested direction
	// is already armed on fd (spec §4.4, and the Open Question resolution
	// in DESIGN.md: fail, don't silently replace).
	ErrAlreadyArmed = errors.New("iomgr: direction already armed on this fd")
	// ErrNotArmed is returned by DelEvent/CancelEvent when the requested
	// direction is not currently armed.
	ErrNotArmed = errors.New("iomgr: direction not armed on this fd")
)

// waiter is what gets woken when a direction fires: either a bare callback
// or the coroutine that was running when AddEvent was called.
type waiter struct {
	cb sched.Callback
	f  *fiber.Fiber
}

func (w waiter) valid() bool { return w.cb != nil || w.f != nil }

// fdEvents is the reactor-side per-fd record: armed directions and their
// waiters. Distinct from fdtable.FdCtx, which is the hook layer's
// per-fd socket/nonblock/timeout bookkeeping — this type only tracks
// epoll registration state.
type fdEvents struct {
	mu    sync.Mutex
	fd    int
	armed uint32 // bitmask of unix.EPOLLIN|EPOLLOUT currently requested
	read  waiter
	write waiter
}

const fdGrowthFactor = 1.5

const defaultHardCapMs = 3000

// IOManager extends a FIFO scheduler and a timer manager with an
// epoll-based readiness reactor. Construct with New; it is not usable as a
// zero value.
type IOManager struct {
	*sched.Scheduler
	*timer.Manager

	epfd    int
	wakeFd  int
	hardCap time.Duration

	fdMu sync.RWMutex
	fds  []*fdEvents

	pending atomic.Int32
	idling  atomic.Int32

	eventBuf []unix.EpollEvent
}

// New constructs an IOManager with threadCount workers.
func New(threadCount int, useCaller bool, name string, stackSize uint64) (*IOManager, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("iomgr: epoll_create1: %w", err)
	}

	wakeFd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("iomgr: eventfd: %w", err)
	}

	m := &IOManager{
		Scheduler: sched.New(threadCount, useCaller, name, stackSize),
		Manager:   timer.New(),
		epfd:      epfd,
		wakeFd:    wakeFd,
		hardCap:   defaultHardCapMs * time.Millisecond,
		eventBuf:  make([]unix.EpollEvent, 256),
	}

	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLET,
		Fd:     int32(wakeFd),
	}); err != nil {
		_ = unix.Close(epfd)
		_ = unix.Close(wakeFd)
		return nil, fmt.Errorf("iomgr: epoll_ctl(ADD wakeFd): %w", err)
	}

	m.Scheduler.Tickle = m.tickle
	m.Scheduler.IdleStep = m.idleStep
	m.Scheduler.StoppingExtra = m.stoppingExtra
	m.Manager.OnInsertedAtFront = m.tickle
	m.Scheduler.WrapContext(func(ctx context.Context) context.Context {
		return context.WithValue(ctx, ioMgrCtxKey{}, m)
	})

	return m, nil
}

type ioMgrCtxKey struct{}

// Current recovers the IOManager the running fiber belongs to, or nil if
// ctx was not derived from one.
func Current(ctx context.Context) *IOManager {
	m, _ := ctx.Value(ioMgrCtxKey{}).(*IOManager)
	return m
}

// Close releases the epoll fd and the wakeup eventfd. Call after Stop.
func (m *IOManager) Close() error {
	err1 := unix.Close(m.epfd)
	err2 := unix.Close(m.wakeFd)
	if err1 != nil {
		return err1
	}
	return err2
}

func (m *IOManager) tickle() {
	if m.idling.Load() == 0 {
		return
	}
	var buf [8]byte
	buf[7] = 1
	_, _ = unix.Write(m.wakeFd, buf[:])
}

func (m *IOManager) stoppingExtra() bool {
	if m.pending.Load() != 0 {
		return false
	}
	_, ok := m.Manager.NextDeadline()
	return !ok
}

// fdSlot returns the fdEvents record for fd, growing the backing slice
// (by fdGrowthFactor, per original_source/src/iomanager.cc) if needed.
func (m *IOManager) fdSlot(fd int) *fdEvents {
	m.fdMu.RLock()
	if fd < len(m.fds) && m.fds[fd] != nil {
		e := m.fds[fd]
		m.fdMu.RUnlock()
		return e
	}
	m.fdMu.RUnlock()

	m.fdMu.Lock()
	defer m.fdMu.Unlock()
	if fd >= len(m.fds) {
		newLen := len(m.fds)
		if newLen == 0 {
			newLen = fd + 1
		}
		for newLen <= fd {
			newLen = int(float64(newLen)*fdGrowthFactor) + 1
		}
		grown := make([]*fdEvents, newLen)
		copy(grown, m.fds)
		m.fds = grown
	}
	if m.fds[fd] == nil {
		m.fds[fd] = &fdEvents{fd: fd}
	}
	return m.fds[fd]
}

func (m *IOManager) fdSlotIfExists(fd int) *fdEvents {
	m.fdMu.RLock()
	defer m.fdMu.RUnlock()
	if fd < 0 || fd >= len(m.fds) {
		return nil
	}
	return m.fds[fd]
}

// AddEvent arms dir on fd. If cb is nil, the fiber recovered from ctx (the
// calling coroutine) is the waiter woken on trigger; otherwise cb is
// invoked on the scheduler directly. Fails with ErrAlreadyArmed if dir is
// already armed (spec §4.4's chosen resolution of the add_event
// already-armed ambiguity — see DESIGN.md Open Question).
func (m *IOManager) AddEvent(ctx context.Context, fd int, dir Direction, cb sched.Callback) error {
	w := waiter{cb: cb}
	if w.cb == nil {
		w.f = fiber.Current(ctx)
		if w.f == nil {
			return errors.New("iomgr: AddEvent with nil callback requires a running fiber in ctx")
		}
	}

	e := m.fdSlot(fd)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.armed&dir.epollBit() != 0 {
		return ErrAlreadyArmed
	}

	newMask := e.armed | dir.epollBit()
	opName, op := "MOD", unix.EPOLL_CTL_MOD
	if e.armed == 0 {
		opName, op = "ADD", unix.EPOLL_CTL_ADD
	}
	if err := unix.EpollCtl(m.epfd, op, fd, &unix.EpollEvent{
		Events: newMask | unix.EPOLLET,
		Fd:     int32(fd),
	}); err != nil {
		corelog.EpollCtlFailure(opName, fd, err)
		return fmt.Errorf("iomgr: epoll_ctl(fd=%d): %w", fd, err)
	}

	e.armed = newMask
	if dir == Read {
		e.read = w
	} else {
		e.write = w
	}
	m.pending.Add(1)
	return nil
}

// DelEvent disarms dir on fd without triggering its waiter.
func (m *IOManager) DelEvent(fd int, dir Direction) error {
	e := m.fdSlotIfExists(fd)
	if e == nil {
		return ErrNotArmed
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.armed&dir.epollBit() == 0 {
		return ErrNotArmed
	}
	if err := m.rearmLocked(e, dir); err != nil {
		return err
	}
	if dir == Read {
		e.read = waiter{}
	} else {
		e.write = waiter{}
	}
	m.pending.Add(-1)
	return nil
}

// CancelEvent disarms dir on fd and schedules its waiter, the normal
// timeout/close path.
func (m *IOManager) CancelEvent(fd int, dir Direction) error {
	e := m.fdSlotIfExists(fd)
	if e == nil {
		return ErrNotArmed
	}
	e.mu.Lock()
	if e.armed&dir.epollBit() == 0 {
		e.mu.Unlock()
		return ErrNotArmed
	}
	if err := m.rearmLocked(e, dir); err != nil {
		e.mu.Unlock()
		return err
	}
	var w waiter
	if dir == Read {
		w, e.read = e.read, waiter{}
	} else {
		w, e.write = e.write, waiter{}
	}
	e.mu.Unlock()

	m.pending.Add(-1)
	m.trigger(w)
	return nil
}

// CancelAll disarms and triggers both directions on fd.
func (m *IOManager) CancelAll(fd int) error {
	e := m.fdSlotIfExists(fd)
	if e == nil {
		return nil
	}
	e.mu.Lock()
	var toTrigger []waiter
	for _, dir := range [2]Direction{Read, Write} {
		if e.armed&dir.epollBit() == 0 {
			continue
		}
		if err := m.rearmLocked(e, dir); err != nil {
			e.mu.Unlock()
			return err
		}
		if dir == Read {
			toTrigger = append(toTrigger, e.read)
			e.read = waiter{}
		} else {
			toTrigger = append(toTrigger, e.write)
			e.write = waiter{}
		}
		m.pending.Add(-1)
	}
	e.mu.Unlock()

	for _, w := range toTrigger {
		m.trigger(w)
	}
	return nil
}

// rearmLocked clears dir from e.armed and issues the corresponding
// epoll_ctl MOD (residual nonzero) or DEL (residual zero). e.mu must be
// held.
func (m *IOManager) rearmLocked(e *fdEvents, dir Direction) error {
	residual := e.armed &^ dir.epollBit()
	if residual == 0 {
		if err := unix.EpollCtl(m.epfd, unix.EPOLL_CTL_DEL, e.fd, nil); err != nil {
			corelog.EpollCtlFailure("DEL", e.fd, err)
			return fmt.Errorf("iomgr: epoll_ctl(DEL fd=%d): %w", e.fd, err)
		}
	} else {
		if err := unix.EpollCtl(m.epfd, unix.EPOLL_CTL_MOD, e.fd, &unix.EpollEvent{
			Events: residual | unix.EPOLLET,
			Fd:     int32(e.fd),
		}); err != nil {
			corelog.EpollCtlFailure("MOD", e.fd, err)
			return fmt.Errorf("iomgr: epoll_ctl(MOD fd=%d): %w", e.fd, err)
		}
	}
	e.armed = residual
	return nil
}

func (m *IOManager) trigger(w waiter) {
	if !w.valid() {
		return
	}
	if w.cb != nil {
		_ = m.Scheduler.ScheduleCallback(w.cb, sched.AnyThread)
		return
	}
	_ = m.Scheduler.ScheduleFiber(w.f, sched.AnyThread)
}

// idleStep is installed as the Scheduler's IdleStep hook: one reactor
// iteration per spec §4.4's idle() steps 1-4 (step 5, the yield back to the
// scheduler loop, is the caller — sched.Scheduler's idleEntry — calling
// fiber.YieldHold immediately after this returns).
func (m *IOManager) idleStep(ctx context.Context) {
	timeoutMs := m.hardCap.Milliseconds()
	if next, ok := m.Manager.NextDeadline(); ok {
		if d := time.Until(next); d < m.hardCap {
			timeoutMs = d.Milliseconds()
			if timeoutMs < 0 {
				timeoutMs = 0
			}
		}
	}

	m.idling.Add(1)
	n, err := unix.EpollWait(m.epfd, m.eventBuf, int(timeoutMs))
	m.idling.Add(-1)
	if err != nil {
		if err == unix.EINTR {
			return
		}
		return
	}

	for _, cb := range m.Manager.ListExpired() {
		cb := cb
		_ = m.Scheduler.ScheduleCallback(func(context.Context) { cb() }, sched.AnyThread)
	}

	for i := 0; i < n; i++ {
		ev := m.eventBuf[i]
		fd := int(ev.Fd)
		if fd == m.wakeFd {
			m.drainWakeFd()
			continue
		}

		e := m.fdSlotIfExists(fd)
		if e == nil {
			continue
		}

		e.mu.Lock()
		mask := ev.Events
		if mask&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			mask |= unix.EPOLLIN | unix.EPOLLOUT
		}
		firedMask := mask & e.armed

		var toTrigger []waiter
		for _, dir := range [2]Direction{Read, Write} {
			if firedMask&dir.epollBit() == 0 {
				continue
			}
			residual := e.armed &^ dir.epollBit()
			if residual == 0 {
				if err := unix.EpollCtl(m.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
					corelog.EpollCtlFailure("DEL", fd, err)
				}
			} else {
				if err := unix.EpollCtl(m.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
					Events: residual | unix.EPOLLET,
					Fd:     int32(fd),
				}); err != nil {
					corelog.EpollCtlFailure("MOD", fd, err)
				}
			}
			e.armed = residual
			if dir == Read {
				toTrigger = append(toTrigger, e.read)
				e.read = waiter{}
			} else {
				toTrigger = append(toTrigger, e.write)
				e.write = waiter{}
			}
			m.pending.Add(-1)
		}
		e.mu.Unlock()

		for _, w := range toTrigger {
			m.trigger(w)
		}
	}
}

func (m *IOManager) drainWakeFd() {
	var buf [8]byte
	for {
		_, err := unix.Read(m.wakeFd, buf[:])
		if err != nil {
			return
		}
	}
}

// PendingEvents returns the number of currently-armed (fd, direction)
// pairs, matching spec §8's pending-count conservation invariant.
func (m *IOManager) PendingEvents() int32 { return m.pending.Load() }
