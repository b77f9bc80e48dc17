//go:build linux

// Package hook is the syscall interception layer: namespaced functions
// (hook.Read, hook.Connect, hook.Sleep, ...) that take the same
// fd/buffer/flag arguments as their POSIX namesakes plus a leading
// context.Context, and behave exactly like the native call unless the
// context is running under a corio scheduler, the fd is a hooked socket,
// and the application hasn't opted the fd out of hooking itself.
//
// Go has no dlsym(RTLD_NEXT, ...) symbol-shadowing trick; spec §9 blesses
// exactly this delivery as the portable alternative — "a source-code
// migration from read() is required at the call site" — so callers import
// this package and call hook.Read instead of doing a raw unix.Read.
package hook

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/joeycumines/corio/corelog"
	"github.com/joeycumines/corio/fdtable"
	"github.com/joeycumines/corio/fiber"
	"github.com/joeycumines/corio/iomgr"
)

// enabled reports whether ctx is running under a corio scheduler with a
// reactor attached — the Go substitute for the spec's per-thread "hooks
// enabled" boolean (set once, at worker-loop entry, via the fiber's base
// context rather than toggled per call).
func enabled(ctx context.Context) *iomgr.IOManager {
	return iomgr.Current(ctx)
}

// shouldHook returns the FdCtx view that should gate this call: whether
// hooks are enabled, the fd has an FdCtx, is a socket, and the user hasn't
// set nonblock themselves (spec §4.5 step 1's four bypass conditions).
func shouldHook(ctx context.Context, fd int) (*iomgr.IOManager, *fdtable.FdCtx, bool) {
	m := enabled(ctx)
	if m == nil {
		return nil, nil, false
	}
	fc, ok := fdtable.Default.Get(fd)
	if !ok || !fc.IsSocket() || fc.UserNonblock() {
		return m, fc, false
	}
	return m, fc, true
}

func timeoutDirFor(dir iomgr.Direction) fdtable.Direction {
	if dir == iomgr.Read {
		return fdtable.Recv
	}
	return fdtable.Send
}

// doIO is the generic wrapper spec §4.5 describes once for
// read/write/recv/send/readv/writev/recvfrom/recvmsg/sendto/sendmsg: try
// the native call, retry on EINTR, and on EAGAIN suspend the calling
// coroutine until the fd becomes ready or a configured timeout fires.
// The timeout is a plain Manager.Add timer that the waiter cancels when it
// resumes; it is not a conditional (weak-token) timer.
func doIO[R any](ctx context.Context, fd int, dir iomgr.Direction, native func() (R, error)) (R, error) {
	m, fc, hook := shouldHook(ctx, fd)
	if !hook {
		return native()
	}
	if fc.Closed() {
		var zero R
		corelog.HookBadFd("io", fd)
		return zero, unix.EBADF
	}

	timeoutMs := fc.Timeout(timeoutDirFor(dir))

	for {
		res, err := native()
		if err == nil {
			return res, nil
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if !errors.Is(err, unix.EAGAIN) {
			return res, err
		}

		var cancelled atomic.Bool
		var tm interface{ Cancel() }
		if timeoutMs > 0 {
			t := m.Manager.Add(timeoutMs, func() {
				cancelled.Store(true)
				_ = m.CancelEvent(fd, dir)
			}, false)
			tm = t
		}

		if err := m.AddEvent(ctx, fd, dir, nil); err != nil {
			if tm != nil {
				tm.Cancel()
			}
			return res, err
		}

		fiber.YieldHold(ctx)

		if cancelled.Load() {
			corelog.HookTimeout("io", fd)
			var zero R
			return zero, unix.ETIMEDOUT
		}
		if tm != nil {
			tm.Cancel()
		}
		// Retry the native call: the readiness we waited for may since have
		// been consumed by someone else (spurious wake under edge-trigger
		// coalescing), hence the outer for loop rather than a bare retry.
	}
}

// Read is the hooked read(2).
func Read(ctx context.Context, fd int, p []byte) (int, error) {
	return doIO(ctx, fd, iomgr.Read, func() (int, error) { return unix.Read(fd, p) })
}

// Write is the hooked write(2).
func Write(ctx context.Context, fd int, p []byte) (int, error) {
	return doIO(ctx, fd, iomgr.Write, func() (int, error) { return unix.Write(fd, p) })
}

// Readv is the hooked readv(2).
func Readv(ctx context.Context, fd int, iovs [][]byte) (int, error) {
	return doIO(ctx, fd, iomgr.Read, func() (int, error) { return unix.Readv(fd, iovs) })
}

// Writev is the hooked writev(2).
func Writev(ctx context.Context, fd int, iovs [][]byte) (int, error) {
	return doIO(ctx, fd, iomgr.Write, func() (int, error) { return unix.Writev(fd, iovs) })
}

// Recv is the hooked recv(2) (implemented via recvfrom with a discarded
// peer address, the common Linux idiom for a plain recv).
func Recv(ctx context.Context, fd int, p []byte, flags int) (int, error) {
	return doIO(ctx, fd, iomgr.Read, func() (int, error) {
		n, _, err := unix.Recvfrom(fd, p, flags)
		return n, err
	})
}

// Send is the hooked send(2) (implemented via sendto with no destination,
// the common Linux idiom for a plain send on a connected socket).
func Send(ctx context.Context, fd int, p []byte, flags int) (int, error) {
	return doIO(ctx, fd, iomgr.Write, func() (int, error) {
		return len(p), unix.Sendto(fd, p, flags, nil)
	})
}

// RecvfromResult carries recvfrom's peer address alongside the byte count,
// since the generic doIO wrapper is built around a single result value.
type RecvfromResult struct {
	N    int
	From unix.Sockaddr
}

// RecvFrom is the hooked recvfrom(2).
func RecvFrom(ctx context.Context, fd int, p []byte, flags int) (RecvfromResult, error) {
	return doIO(ctx, fd, iomgr.Read, func() (RecvfromResult, error) {
		n, from, err := unix.Recvfrom(fd, p, flags)
		return RecvfromResult{N: n, From: from}, err
	})
}

// SendTo is the hooked sendto(2).
func SendTo(ctx context.Context, fd int, p []byte, flags int, to unix.Sockaddr) (int, error) {
	return doIO(ctx, fd, iomgr.Write, func() (int, error) {
		return len(p), unix.Sendto(fd, p, flags, to)
	})
}

// RecvmsgResult carries recvmsg's full result set.
type RecvmsgResult struct {
	N, Oobn, Flags int
	From           unix.Sockaddr
}

// RecvMsg is the hooked recvmsg(2).
func RecvMsg(ctx context.Context, fd int, p, oob []byte, flags int) (RecvmsgResult, error) {
	return doIO(ctx, fd, iomgr.Read, func() (RecvmsgResult, error) {
		n, oobn, rf, from, err := unix.Recvmsg(fd, p, oob, flags)
		return RecvmsgResult{N: n, Oobn: oobn, Flags: rf, From: from}, err
	})
}

// SendMsg is the hooked sendmsg(2).
func SendMsg(ctx context.Context, fd int, p, oob []byte, to unix.Sockaddr, flags int) (int, error) {
	return doIO(ctx, fd, iomgr.Write, func() (int, error) {
		return unix.SendmsgN(fd, p, oob, to, flags)
	})
}

// AcceptResult carries accept's new fd and peer address.
type AcceptResult struct {
	Fd   int
	From unix.Sockaddr
}

// Accept is the hooked accept(2). On success it creates and marks an
// FdCtx for the newly returned descriptor, matching original_source's
// hook.cc behaviour of lazily hooking accept() purely to initialise
// FdCtx state for the connection it hands back (see SPEC_FULL.md §5).
func Accept(ctx context.Context, fd int) (AcceptResult, error) {
	res, err := doIO(ctx, fd, iomgr.Read, func() (AcceptResult, error) {
		nfd, from, err := unix.Accept(fd)
		return AcceptResult{Fd: nfd, From: from}, err
	})
	if err == nil {
		fdtable.Default.GetOrCreate(res.Fd).MarkSocket()
	}
	return res, err
}

// Socket is the hooked socket(2): it creates the descriptor and lazily
// registers its FdCtx, marked as a socket (original_source's hook.cc
// hooks socket() purely for this bookkeeping role, per SPEC_FULL.md §5).
func Socket(domain, typ, proto int) (int, error) {
	fd, err := unix.Socket(domain, typ, proto)
	if err != nil {
		return fd, err
	}
	fdtable.Default.GetOrCreate(fd).MarkSocket()
	return fd, nil
}

// Connect is the hooked connect(2): issues a nonblocking connect; on
// EINPROGRESS, waits for WRITE readiness (with the configured timeout)
// then reads SO_ERROR for the final result, per spec §4.5.
func Connect(ctx context.Context, fd int, sa unix.Sockaddr, timeout time.Duration) error {
	m, fc, hook := shouldHook(ctx, fd)
	if !hook {
		return unix.Connect(fd, sa)
	}
	if fc.Closed() {
		corelog.HookBadFd("connect", fd)
		return unix.EBADF
	}

	err := unix.Connect(fd, sa)
	if err == nil {
		return nil
	}
	if !errors.Is(err, unix.EINPROGRESS) {
		return err
	}

	timeoutMs := fc.Timeout(fdtable.Send)
	if timeoutMs == 0 && timeout > 0 {
		timeoutMs = timeout.Milliseconds()
	}

	var cancelled atomic.Bool
	var tm interface{ Cancel() }
	if timeoutMs > 0 {
		t := m.Manager.Add(timeoutMs, func() {
			cancelled.Store(true)
			_ = m.CancelEvent(fd, iomgr.Write)
		}, false)
		tm = t
	}

	if err := m.AddEvent(ctx, fd, iomgr.Write, nil); err != nil {
		if tm != nil {
			tm.Cancel()
		}
		return err
	}

	fiber.YieldHold(ctx)

	if cancelled.Load() {
		corelog.HookTimeout("connect", fd)
		return unix.ETIMEDOUT
	}
	if tm != nil {
		tm.Cancel()
	}

	errno, gerr := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if gerr != nil {
		return gerr
	}
	if errno != 0 {
		return unix.Errno(errno)
	}
	return nil
}

// sleepFor schedules the calling coroutine to be resumed after d, yielding
// HOLD in the meantime. Used by Sleep/Usleep/Nanosleep.
func sleepFor(ctx context.Context, d time.Duration) error {
	m := enabled(ctx)
	if m == nil {
		time.Sleep(d)
		return nil
	}
	if fiber.Current(ctx) == nil {
		return errors.New("hook: Sleep called outside of a fiber")
	}

	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	m.Manager.Add(ms, func() {
		_ = m.Scheduler.ScheduleFiber(fiber.Current(ctx), -1)
	}, false)
	fiber.YieldHold(ctx)
	return nil
}

// Sleep is the hooked sleep(2): seconds granularity.
func Sleep(ctx context.Context, seconds uint) error {
	return sleepFor(ctx, time.Duration(seconds)*time.Second)
}

// Usleep is the hooked usleep(2): microsecond granularity.
func Usleep(ctx context.Context, usec int64) error {
	return sleepFor(ctx, time.Duration(usec)*time.Microsecond)
}

// Nanosleep is the hooked nanosleep(2).
func Nanosleep(ctx context.Context, d time.Duration) error {
	return sleepFor(ctx, d)
}

// Fcntl is the hooked fcntl(2). For F_GETFL/F_SETFL on a hooked socket it
// maintains two nonblock views (spec §4.5): the kernel/system view (always
// nonblocking, so epoll keeps working) and the user-visible view (what
// F_SETFL/F_GETFL reports to the caller). All other commands pass through.
func Fcntl(ctx context.Context, fd int, cmd int, arg int) (int, error) {
	fc, ok := fdtable.Default.Get(fd)
	if !ok || !fc.IsSocket() {
		return unix.FcntlInt(uintptr(fd), cmd, arg)
	}

	switch cmd {
	case unix.F_GETFL:
		real, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
		if err != nil {
			return real, err
		}
		if fc.UserNonblock() {
			return real | unix.O_NONBLOCK, nil
		}
		return real &^ unix.O_NONBLOCK, nil

	case unix.F_SETFL:
		fc.SetUserNonblock(arg&unix.O_NONBLOCK != 0)
		return unix.FcntlInt(uintptr(fd), unix.F_SETFL, arg|unix.O_NONBLOCK)

	default:
		return unix.FcntlInt(uintptr(fd), cmd, arg)
	}
}

// Ioctl is the hooked ioctl(2), intercepting only FIONBIO; everything else
// passes through via the generic integer-arg form.
func Ioctl(ctx context.Context, fd int, req uint, arg int) error {
	if req != unix.FIONBIO {
		return unix.IoctlSetInt(fd, req, arg)
	}

	fc, ok := fdtable.Default.Get(fd)
	if !ok || !fc.IsSocket() {
		return unix.IoctlSetInt(fd, req, arg)
	}

	fc.SetUserNonblock(arg != 0)
	// The kernel fd is kept nonblocking unconditionally for sockets under
	// hooks; FIONBIO=0 from the application only updates the user view.
	return unix.IoctlSetInt(fd, req, 1)
}

// SetsockoptTimeout is the hooked setsockopt(2) for SO_RCVTIMEO/SO_SNDTIMEO:
// it stores the timeout (in milliseconds) in the FdCtx and also forwards it
// to the kernel so non-hooked paths (and plain blocking use of the fd, if
// hooks are later disabled) still observe it.
func SetsockoptTimeout(ctx context.Context, fd, optname int, d time.Duration) error {
	dir := fdtable.Recv
	if optname == unix.SO_SNDTIMEO {
		dir = fdtable.Send
	} else if optname != unix.SO_RCVTIMEO {
		return fmt.Errorf("hook: SetsockoptTimeout: unsupported optname %d", optname)
	}

	fdtable.Default.GetOrCreate(fd).SetTimeout(dir, d.Milliseconds())

	tv := unix.NsecToTimeval(d.Nanoseconds())
	return unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, optname, &tv)
}

// Close is the hooked close(2): when ctx carries an IOManager it cancels all
// readiness interests on fd; it then removes fd's FdCtx and invokes the
// native close, per spec §4.5.
func Close(ctx context.Context, fd int) error {
	if m := enabled(ctx); m != nil {
		_ = m.CancelAll(fd)
	}
	fdtable.Default.Remove(fd)
	return unix.Close(fd)
}
