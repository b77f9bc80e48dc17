// Package corio is a userland, cooperative I/O runtime: stackful
// coroutines (fiber), a FIFO thread-pool scheduler (sched), a min-heap
// timer wheel (timer), an epoll-based reactor (iomgr), and a syscall
// interception layer (hook) that turns blocking POSIX calls into
// coroutine-suspending operations transparently to application code.
//
// Application code either runs coroutines directly:
//
//	mgr, _ := iomgr.New(4, false, "workers", uint64(config.DefaultStackSize))
//	mgr.Start()
//	mgr.ScheduleCallback(func(ctx context.Context) {
//		n, err := hook.Read(ctx, fd, buf)
//		...
//	}, sched.AnyThread)
//
// or relies on the hook layer to make ordinary-looking blocking calls
// (hook.Read, hook.Connect, hook.Sleep, ...) suspend the calling
// coroutine instead of the OS thread whenever they would have blocked.
package corio

import (
	"github.com/joeycumines/corio/corelog"
	"github.com/joeycumines/corio/fiber"
)

func init() {
	fiber.SetPanicLogger(corelog.Panic)
}
